package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentdesk/workstation/lib/fspipe/protocol"
	"github.com/agentdesk/workstation/lib/fspipe/queue"
)

var (
	ErrNotConnected  = errors.New("not connected")
	ErrSendFailed    = errors.New("send failed")
	ErrShuttingDown  = errors.New("client is shutting down")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ConnectionState represents the connection status
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ClientConfig holds client configuration
type ClientConfig struct {
	DialTimeout       time.Duration
	MaxRetries        int // 0 = retry forever
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	HealthCheckInterval time.Duration
	PingTimeout         time.Duration

	QueueSize  int
	AckTimeout time.Duration

	ShutdownTimeout time.Duration
}

// DefaultClientConfig returns production-ready defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:         10 * time.Second,
		MaxRetries:          0,
		InitialBackoff:      500 * time.Millisecond,
		MaxBackoff:          30 * time.Second,
		BackoffMultiplier:   2.0,
		HealthCheckInterval: 5 * time.Second,
		PingTimeout:         3 * time.Second,
		QueueSize:           1000,
		AckTimeout:          10 * time.Second,
		ShutdownTimeout:     5 * time.Second,
	}
}

// ValidateConfig checks configuration for invalid values
func ValidateConfig(config ClientConfig) error {
	if config.DialTimeout <= 0 {
		return fmt.Errorf("%w: DialTimeout must be positive", ErrInvalidConfig)
	}
	if config.InitialBackoff <= 0 {
		return fmt.Errorf("%w: InitialBackoff must be positive", ErrInvalidConfig)
	}
	if config.MaxBackoff < config.InitialBackoff {
		return fmt.Errorf("%w: MaxBackoff must be >= InitialBackoff", ErrInvalidConfig)
	}
	if config.BackoffMultiplier < 1.0 {
		return fmt.Errorf("%w: BackoffMultiplier must be >= 1.0", ErrInvalidConfig)
	}
	if config.QueueSize <= 0 {
		return fmt.Errorf("%w: QueueSize must be positive", ErrInvalidConfig)
	}
	if config.AckTimeout <= 0 {
		return fmt.Errorf("%w: AckTimeout must be positive", ErrInvalidConfig)
	}
	if config.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: ShutdownTimeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// ackKey correlates a wire-level write-ack with the queued message that
// produced it.
func ackKey(fileID string, offset int64) string {
	return fmt.Sprintf("%s:%d", fileID, offset)
}

// TCPClient ships queued messages over a raw TCP stream with automatic
// reconnection. Four goroutines per client: send, receive, health-check and
// reconnect.
type TCPClient struct {
	addr   string
	config ClientConfig
	log    *slog.Logger

	connMu  sync.RWMutex
	conn    net.Conn
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	bufW    *bufio.Writer

	state atomic.Int32 // ConnectionState

	sendQueue *queue.Queue

	// ack correlation: fileID:offset -> queue message id
	ackMu  sync.Mutex
	ackIDs map[string]uint64

	// responses for SendAndReceive; readWaiters gates the receive loop and
	// the health probe off each other.
	responseCh  chan frameResponse
	readWaiters atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnectCh chan struct{}
	startOnce   sync.Once

	shutdownMu sync.Mutex
	shutdown   bool

	messagesSent     atomic.Uint64
	messagesAcked    atomic.Uint64
	messagesRetried  atomic.Uint64
	connectionLost   atomic.Uint64
	reconnectSuccess atomic.Uint64
	healthCheckFails atomic.Uint64
}

type frameResponse struct {
	msgType byte
	data    []byte
	err     error
}

// NewTCPClient creates a TCP transport client.
func NewTCPClient(addr string, config ClientConfig) *TCPClient {
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TCPClient{
		addr:   addr,
		config: config,
		log:    slog.Default().With("component", "fspipe", "transport", "tcp"),
		ctx:    ctx,
		cancel: cancel,
		sendQueue: queue.New(queue.Config{
			MaxSize:    config.QueueSize,
			AckTimeout: config.AckTimeout,
			MaxRetries: 3,
		}),
		ackIDs:      make(map[string]uint64),
		responseCh:  make(chan frameResponse, 10),
		reconnectCh: make(chan struct{}, 1),
	}
}

// Connect dials the listener and starts the background loops.
func (c *TCPClient) Connect() error {
	c.connMu.Lock()
	err := c.dialLocked()
	c.connMu.Unlock()
	if err != nil {
		return err
	}

	c.startOnce.Do(func() {
		c.wg.Add(4)
		go c.sendLoop()
		go c.receiveLoop()
		go c.healthCheckLoop()
		go c.reconnectLoop()
	})
	return nil
}

// dialLocked dials with exponential backoff. Caller holds connMu.
func (c *TCPClient) dialLocked() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state.Store(int32(StateConnecting))

	backoff := c.config.InitialBackoff
	attempt := 0
	for {
		select {
		case <-c.ctx.Done():
			c.state.Store(int32(StateDisconnected))
			return c.ctx.Err()
		default:
		}

		attempt++
		conn, err := net.DialTimeout("tcp", c.addr, c.config.DialTimeout)
		if err != nil {
			c.log.Warn("dial failed", "addr", c.addr, "attempt", attempt, "err", err)

			if c.config.MaxRetries > 0 && attempt >= c.config.MaxRetries {
				c.state.Store(int32(StateFailed))
				return fmt.Errorf("failed to connect after %d retries: %w", attempt, err)
			}

			timer := time.NewTimer(backoff)
			select {
			case <-c.ctx.Done():
				timer.Stop()
				c.state.Store(int32(StateDisconnected))
				return c.ctx.Err()
			case <-timer.C:
			}

			backoff = time.Duration(float64(backoff) * c.config.BackoffMultiplier)
			if backoff > c.config.MaxBackoff {
				backoff = c.config.MaxBackoff
			}
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(15 * time.Second)
			tcpConn.SetNoDelay(true)
		}

		c.conn = conn
		c.bufW = bufio.NewWriterSize(conn, 64*1024)
		c.encoder = protocol.NewEncoder(c.bufW)
		c.decoder = protocol.NewDecoder(bufio.NewReaderSize(conn, 64*1024))
		c.state.Store(int32(StateConnected))
		c.reconnectSuccess.Add(1)
		c.log.Info("connected", "addr", c.addr, "attempt", attempt)
		return nil
	}
}

// reconnectLoop serialises reconnection; concurrent triggers coalesce on the
// buffered channel.
func (c *TCPClient) reconnectLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reconnectCh:
		}
		// drain extra triggers
		for {
			select {
			case <-c.reconnectCh:
				continue
			default:
			}
			break
		}

		if ConnectionState(c.state.Load()) == StateConnected {
			continue
		}

		c.connectionLost.Add(1)
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.state.Store(int32(StateReconnecting))

		if n := c.sendQueue.RetryPending(); n > 0 {
			c.log.Info("restored pending messages to queue head", "count", n)
		}

		err := c.dialLocked()
		c.connMu.Unlock()

		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.log.Error("reconnection failed", "err", err)
		}
	}
}

func (c *TCPClient) triggerReconnect() {
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

func (c *TCPClient) sendLoop() {
	defer c.wg.Done()

	for {
		msg, err := c.sendQueue.Dequeue(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			c.log.Error("dequeue error", "err", err)
			continue
		}

		if err := c.writeMessage(msg); err != nil {
			c.handleSendError(msg, err)
		} else {
			c.messagesSent.Add(1)
		}
	}
}

func (c *TCPClient) writeMessage(msg *queue.Message) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.encoder.Encode(msg.Type, msg.Payload); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := c.bufW.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	if msg.Type == protocol.MsgWriteChunk {
		c.sendQueue.TrackPending(msg)
		if chunk, ok := msg.Payload.(protocol.WriteChunk); ok {
			c.ackMu.Lock()
			c.ackIDs[ackKey(chunk.FileID, chunk.Offset)] = msg.ID
			c.ackMu.Unlock()
		}
	} else {
		select {
		case msg.Result <- nil:
		default:
		}
	}
	return nil
}

// handleSendError requeues a write failure for another attempt. The
// requeued copy is a new queue entry with its own result channel and a
// zeroed retry count, so a SendSync caller of the original resolves
// only through the enqueue timeout and the retry cap restarts per
// requeue. Delivery is at-least-once with possibly late completion.
func (c *TCPClient) handleSendError(msg *queue.Message, err error) {
	c.triggerReconnect()

	msg.Retries++
	if msg.Retries <= 3 {
		c.messagesRetried.Add(1)
		if _, qerr := c.sendQueue.Enqueue(c.ctx, msg.Type, msg.Payload); qerr != nil {
			select {
			case msg.Result <- fmt.Errorf("requeue failed: %w", qerr):
			default:
			}
		}
	} else {
		select {
		case msg.Result <- fmt.Errorf("max retries exceeded: %w", err):
		default:
		}
	}
}

// receiveLoop reads frames while ACKs or responses are expected. It stays off
// the socket when nothing is pending so the health probe can run its
// short-deadline read without eating frame bytes.
func (c *TCPClient) receiveLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if c.sendQueue.GetPendingCount() == 0 && c.readWaiters.Load() == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		c.connMu.RLock()
		conn := c.conn
		decoder := c.decoder
		c.connMu.RUnlock()
		if conn == nil || decoder == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		msgType, payload, err := decoder.Decode()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			c.state.Store(int32(StateReconnecting))
			c.triggerReconnect()
			time.Sleep(100 * time.Millisecond)
			continue
		}
		c.routeFrame(msgType, payload)
	}
}

// routeFrame resolves write-acks against the pending table and hands
// everything else to the SendAndReceive waiter.
func (c *TCPClient) routeFrame(msgType byte, payload []byte) {
	if msgType == protocol.MsgWriteAck {
		var ack protocol.WriteAck
		if err := protocol.DecodePayload(payload, &ack); err != nil {
			c.log.Warn("malformed write-ack", "err", err)
			return
		}
		c.ackMu.Lock()
		id, ok := c.ackIDs[ackKey(ack.FileID, ack.Offset)]
		if ok {
			delete(c.ackIDs, ackKey(ack.FileID, ack.Offset))
		}
		c.ackMu.Unlock()
		if ok {
			var ackErr error
			if ack.Error != "" {
				ackErr = fmt.Errorf("remote write failed: %s", ack.Error)
			}
			c.sendQueue.AckMessage(id, ackErr)
			c.messagesAcked.Add(1)
		}
		return
	}

	select {
	case c.responseCh <- frameResponse{msgType: msgType, data: payload}:
	default:
	}
}

// healthCheckLoop verifies liveness with a short-deadline read probe. A
// timeout means the connection is healthy; EOF or any other error is a
// failure. Three consecutive failures trigger a reconnect.
func (c *TCPClient) healthCheckLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	consecutiveFails := 0
	const maxConsecutiveFails = 3

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if ConnectionState(c.state.Load()) != StateConnected {
				consecutiveFails = 0
				continue
			}
			// The receive loop owns the socket while acks are in flight.
			if c.sendQueue.GetPendingCount() > 0 || c.readWaiters.Load() > 0 {
				consecutiveFails = 0
				continue
			}

			if !c.probeConnection() {
				consecutiveFails++
				c.healthCheckFails.Add(1)
				c.log.Warn("health check failed", "fails", consecutiveFails)

				if consecutiveFails >= maxConsecutiveFails {
					c.state.Store(int32(StateReconnecting))
					c.triggerReconnect()
					consecutiveFails = 0
				}
			} else {
				consecutiveFails = 0
			}
		}
	}
}

func (c *TCPClient) probeConnection() bool {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return false
	}

	conn.SetReadDeadline(time.Now().Add(1 * time.Millisecond))
	one := make([]byte, 1)
	_, err := conn.Read(one)
	conn.SetReadDeadline(time.Time{})

	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return true
		}
		return false
	}
	// Unexpected data; the connection is alive at least.
	return true
}

// Send enqueues a message without waiting.
func (c *TCPClient) Send(msgType byte, payload interface{}) error {
	if c.isShutdown() {
		return ErrShuttingDown
	}
	_, err := c.sendQueue.Enqueue(c.ctx, msgType, payload)
	return err
}

// SendSync enqueues a message and waits for its result.
func (c *TCPClient) SendSync(msgType byte, payload interface{}) error {
	if c.isShutdown() {
		return ErrShuttingDown
	}
	return c.sendQueue.EnqueueSync(c.ctx, msgType, payload)
}

// SendAndReceive writes a frame and waits for the next non-ack response.
func (c *TCPClient) SendAndReceive(msgType byte, payload interface{}) (byte, []byte, error) {
	if c.isShutdown() {
		return 0, nil, ErrShuttingDown
	}

	c.readWaiters.Add(1)
	defer c.readWaiters.Add(-1)

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		return 0, nil, ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err := c.encoder.Encode(msgType, payload)
	if err == nil {
		err = c.bufW.Flush()
	}
	c.connMu.Unlock()
	if err != nil {
		c.triggerReconnect()
		return 0, nil, fmt.Errorf("send: %w", err)
	}

	select {
	case resp := <-c.responseCh:
		return resp.msgType, resp.data, resp.err
	case <-time.After(c.config.AckTimeout):
		return 0, nil, errors.New("response timeout")
	case <-c.ctx.Done():
		return 0, nil, c.ctx.Err()
	}
}

// State returns the current connection state.
func (c *TCPClient) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Stats returns client counters.
func (c *TCPClient) Stats() map[string]uint64 {
	return map[string]uint64{
		"messages_sent":      c.messagesSent.Load(),
		"messages_acked":     c.messagesAcked.Load(),
		"messages_retried":   c.messagesRetried.Load(),
		"connection_lost":    c.connectionLost.Load(),
		"reconnect_success":  c.reconnectSuccess.Load(),
		"health_check_fails": c.healthCheckFails.Load(),
		"queue_length":       uint64(c.sendQueue.Len()),
		"pending_acks":       uint64(c.sendQueue.GetPendingCount()),
	}
}

func (c *TCPClient) isShutdown() bool {
	c.shutdownMu.Lock()
	defer c.shutdownMu.Unlock()
	return c.shutdown
}

// Close shuts down gracefully: cancel the root context, close the queue to
// release the send loop, join the loops with a bounded wait, then close the
// socket. Idempotent.
func (c *TCPClient) Close() error {
	c.shutdownMu.Lock()
	if c.shutdown {
		c.shutdownMu.Unlock()
		return nil
	}
	c.shutdown = true
	c.shutdownMu.Unlock()

	c.cancel()
	c.sendQueue.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.config.ShutdownTimeout):
		c.log.Warn("shutdown timed out", "timeout", c.config.ShutdownTimeout)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.state.Store(int32(StateDisconnected))
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
