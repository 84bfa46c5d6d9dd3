package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentdesk/workstation/lib/fspipe/protocol"
	"github.com/agentdesk/workstation/lib/fspipe/queue"
)

// WebSocketClient ships queued messages over a WebSocket. Same loop structure
// as TCPClient, with protocol pings standing in for the read probe.
type WebSocketClient struct {
	url    string
	config ClientConfig
	log    *slog.Logger

	connMu sync.RWMutex
	conn   *websocket.Conn

	state atomic.Int32 // ConnectionState

	sendQueue *queue.Queue

	ackMu  sync.Mutex
	ackIDs map[string]uint64

	responseCh chan frameResponse

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

// NewWebSocketClient creates a WebSocket transport client.
func NewWebSocketClient(url string, config ClientConfig) *WebSocketClient {
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &WebSocketClient{
		url:    url,
		config: config,
		log:    slog.Default().With("component", "fspipe", "transport", "ws"),
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
	c.state.Store(int32(StateDisconnected))
	return c
}

// Connect dials the server and starts the background loops.
func (c *WebSocketClient) Connect() error {
	c.connMu.Lock()
	err := c.dialLocked()
	c.connMu.Unlock()
	if err != nil {
		return err
	}

	c.startOnce.Do(func() {
		c.wg.Add(4)
		go c.sendLoop()
		go c.readLoop()
		go c.pingLoop()
		go c.reconnectLoop()
	})
	return nil
}

func (c *WebSocketClient) dialLocked() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state.Store(int32(StateConnecting))

	dialer := websocket.Dialer{HandshakeTimeout: c.config.DialTimeout}
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
		conn, resp, err := dialer.Dial(c.url, http.Header{})
		if err != nil {
			if resp != nil {
				c.log.Warn("dial failed", "attempt", attempt, "status", resp.StatusCode, "err", err)
			} else {
				c.log.Warn("dial failed", "attempt", attempt, "err", err)
			}

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

		c.conn = conn
		c.state.Store(int32(StateConnected))
		c.reconnectSuccess.Add(1)
		c.log.Info("connected", "url", c.url, "attempt", attempt)
		return nil
	}
}

func (c *WebSocketClient) reconnectLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reconnectCh:
		}
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

func (c *WebSocketClient) triggerReconnect() {
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

func (c *WebSocketClient) sendLoop() {
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

func (c *WebSocketClient) writeMessage(msg *queue.Message) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	frame, err := protocol.EncodeFrame(msg.Type, msg.Payload)
	if err != nil {
		return err
	}

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("write: %w", err)
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

// handleSendError requeues a write failure. Same tradeoff as the TCP
// client: the requeued copy carries a fresh result channel and retry
// count, so delivery is at-least-once with possibly late completion
// for the original caller.
func (c *WebSocketClient) handleSendError(msg *queue.Message, err error) {
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

func (c *WebSocketClient) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("connection closed by peer")
			} else if !errors.Is(err, context.Canceled) {
				c.state.Store(int32(StateReconnecting))
				c.triggerReconnect()
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		msgType, payload, err := protocol.ParseFrame(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", "err", err)
			continue
		}
		c.routeFrame(msgType, payload)
	}
}

func (c *WebSocketClient) routeFrame(msgType byte, payload []byte) {
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
			return
		}
	}

	select {
	case c.responseCh <- frameResponse{msgType: msgType, data: payload}:
	default:
	}
}

// pingLoop writes protocol pings to detect dead connections.
func (c *WebSocketClient) pingLoop() {
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

			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(c.config.PingTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				consecutiveFails++
				c.healthCheckFails.Add(1)

				if consecutiveFails >= maxConsecutiveFails {
					c.log.Error("ping failed repeatedly, reconnecting", "fails", consecutiveFails)
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

// Send enqueues a message without waiting.
func (c *WebSocketClient) Send(msgType byte, payload interface{}) error {
	if c.isShutdown() {
		return ErrShuttingDown
	}
	_, err := c.sendQueue.Enqueue(c.ctx, msgType, payload)
	return err
}

// SendSync enqueues a message and waits for its result.
func (c *WebSocketClient) SendSync(msgType byte, payload interface{}) error {
	if c.isShutdown() {
		return ErrShuttingDown
	}
	return c.sendQueue.EnqueueSync(c.ctx, msgType, payload)
}

// SendAndReceive writes a frame directly and waits for the next response.
func (c *WebSocketClient) SendAndReceive(msgType byte, payload interface{}) (byte, []byte, error) {
	if c.isShutdown() {
		return 0, nil, ErrShuttingDown
	}

	frame, err := protocol.EncodeFrame(msgType, payload)
	if err != nil {
		return 0, nil, err
	}

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		return 0, nil, ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = c.conn.WriteMessage(websocket.BinaryMessage, frame)
	c.connMu.Unlock()
	if err != nil {
		c.triggerReconnect()
		return 0, nil, fmt.Errorf("write: %w", err)
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
func (c *WebSocketClient) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Stats returns client counters.
func (c *WebSocketClient) Stats() map[string]uint64 {
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

func (c *WebSocketClient) isShutdown() bool {
	c.shutdownMu.Lock()
	defer c.shutdownMu.Unlock()
	return c.shutdown
}

// Close shuts down gracefully. Idempotent.
func (c *WebSocketClient) Close() error {
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
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
