package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/agentdesk/workstation/lib/fspipe/protocol"
)

// BroadcasterConfig tunes the local fan-out server.
type BroadcasterConfig struct {
	// Path is the WebSocket endpoint path.
	Path string

	// AckTimeout bounds how long SendAndReceive waits for a client ack
	// before synthesizing one (or failing when RequireClient is set).
	AckTimeout time.Duration

	// PingInterval is how often connected clients are pinged.
	PingInterval time.Duration

	// PongTimeout marks a client unhealthy when no pong arrived within it.
	PongTimeout time.Duration

	// WriteTimeout bounds each frame write to a client.
	WriteTimeout time.Duration

	// RequireClient makes SendAndReceive fail instead of synthesizing an
	// ack when no healthy client is attached. Off by default so producers
	// keep flowing while no consumer is watching.
	RequireClient bool
}

// DefaultBroadcasterConfig returns the production defaults.
func DefaultBroadcasterConfig() BroadcasterConfig {
	return BroadcasterConfig{
		Path:          "/fspipe",
		AckTimeout:    15 * time.Second,
		PingInterval:  10 * time.Second,
		PongTimeout:   30 * time.Second,
		WriteTimeout:  5 * time.Second,
		RequireClient: false,
	}
}

// clientConn is one attached consumer. Writes are serialized per
// connection; health is derived from the last pong seen.
type clientConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	lastPong atomic.Int64
}

func (c *clientConn) markPong() {
	c.lastPong.Store(time.Now().UnixNano())
}

func (c *clientConn) isHealthy(pongTimeout time.Duration) bool {
	return time.Since(time.Unix(0, c.lastPong.Load())) < pongTimeout
}

func (c *clientConn) write(frame []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *clientConn) ping(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

type ackResponse struct {
	msgType byte
	payload []byte
}

// fileRequest tracks an in-flight SendAndReceive keyed by file ID. The
// first client to answer wins; later answers for the same ID are dropped.
type fileRequest struct {
	mu      sync.Mutex
	waiting bool
	respCh  chan ackResponse
}

// Broadcaster is a WebSocket server that fans every message out to all
// attached consumers. It satisfies Transport so a producer can point at
// it the same way it points at a remote endpoint.
type Broadcaster struct {
	addr   string
	config BroadcasterConfig
	log    *slog.Logger

	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	clients  map[*clientConn]struct{}
	fileReqs map[string]*fileRequest

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
	closed  atomic.Bool

	sent      atomic.Uint64
	delivered atomic.Uint64
	synthAcks atomic.Uint64
	dropped   atomic.Uint64
}

// NewBroadcaster creates a broadcaster listening on addr.
func NewBroadcaster(addr string, config BroadcasterConfig) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		addr:     addr,
		config:   config,
		log:      slog.Default().With("component", "fspipe-broadcaster", "addr", addr),
		clients:  make(map[*clientConn]struct{}),
		fileReqs: make(map[string]*fileRequest),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect starts the HTTP server and the client health monitor. The error
// from a bad listen address surfaces here rather than asynchronously.
func (b *Broadcaster) Connect() error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc(b.config.Path, b.handleWebSocket)
	b.server = &http.Server{Addr: b.addr, Handler: mux}

	errCh := make(chan error, 1)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("broadcaster listen on %s: %w", b.addr, err)
	case <-time.After(100 * time.Millisecond):
	}

	b.wg.Add(1)
	go b.healthLoop()

	b.log.Info("broadcaster listening", "path", b.config.Path)
	return nil
}

func (b *Broadcaster) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &clientConn{conn: conn}
	client.markPong()
	conn.SetPongHandler(func(string) error {
		client.markPong()
		return nil
	})

	b.mu.Lock()
	b.clients[client] = struct{}{}
	count := len(b.clients)
	b.mu.Unlock()
	b.log.Info("consumer attached", "remote", conn.RemoteAddr(), "clients", count)

	b.wg.Add(1)
	go b.readLoop(client)
}

// readLoop consumes frames from one client. Consumers only ever send
// acks; anything else is logged and dropped.
func (b *Broadcaster) readLoop(client *clientConn) {
	defer b.wg.Done()
	defer b.removeClient(client)

	for {
		kind, data, err := client.conn.ReadMessage()
		if err != nil {
			if b.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Debug("consumer read ended", "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}

		msgType, payload, err := protocol.ParseFrame(data)
		if err != nil {
			b.log.Warn("bad frame from consumer", "error", err)
			continue
		}

		switch msgType {
		case protocol.MsgFileCreateAck:
			var ack protocol.FileCreateAck
			if err := protocol.DecodePayload(payload, &ack); err == nil {
				b.routeResponse(ack.FileID, msgType, payload)
			}
		case protocol.MsgWriteAck:
			var ack protocol.WriteAck
			if err := protocol.DecodePayload(payload, &ack); err == nil {
				b.routeResponse(ack.FileID, msgType, payload)
			}
		default:
			b.log.Debug("unexpected frame from consumer", "type", protocol.TypeName(msgType))
		}
	}
}

// routeResponse delivers a client ack to the waiting request, if any.
// First answer wins.
func (b *Broadcaster) routeResponse(fileID string, msgType byte, payload []byte) {
	b.mu.RLock()
	req := b.fileReqs[fileID]
	b.mu.RUnlock()
	if req == nil {
		return
	}

	req.mu.Lock()
	defer req.mu.Unlock()
	if !req.waiting {
		return
	}
	req.waiting = false
	req.respCh <- ackResponse{msgType: msgType, payload: payload}
}

func (b *Broadcaster) removeClient(client *clientConn) {
	b.mu.Lock()
	_, present := b.clients[client]
	delete(b.clients, client)
	count := len(b.clients)
	b.mu.Unlock()

	_ = client.conn.Close()
	if present {
		b.log.Info("consumer detached", "clients", count)
	}
}

func (b *Broadcaster) healthLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			for _, client := range b.snapshotClients() {
				if !client.isHealthy(b.config.PongTimeout) {
					b.log.Warn("dropping unresponsive consumer", "remote", client.conn.RemoteAddr())
					b.removeClient(client)
					continue
				}
				if err := client.ping(b.config.WriteTimeout); err != nil {
					b.removeClient(client)
				}
			}
		}
	}
}

func (b *Broadcaster) snapshotClients() []*clientConn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return lo.Keys(b.clients)
}

// broadcast writes one frame to every healthy client. Clients that fail
// the write are dropped.
func (b *Broadcaster) broadcast(frame []byte) int {
	delivered := 0
	for _, client := range b.snapshotClients() {
		if !client.isHealthy(b.config.PongTimeout) {
			continue
		}
		if err := client.write(frame, b.config.WriteTimeout); err != nil {
			b.log.Warn("consumer write failed, dropping", "error", err)
			b.removeClient(client)
			continue
		}
		delivered++
	}
	return delivered
}

// Send fans the message out to all attached consumers. Having no
// consumers is not an error.
func (b *Broadcaster) Send(msgType byte, payload interface{}) error {
	if b.closed.Load() {
		return ErrShuttingDown
	}
	frame, err := protocol.EncodeFrame(msgType, payload)
	if err != nil {
		return err
	}
	b.sent.Add(1)
	n := b.broadcast(frame)
	if n == 0 {
		b.dropped.Add(1)
	} else {
		b.delivered.Add(uint64(n))
	}
	return nil
}

// SendSync behaves like Send for fire-and-forget types and like
// SendAndReceive for ack-requiring ones.
func (b *Broadcaster) SendSync(msgType byte, payload interface{}) error {
	switch msgType {
	case protocol.MsgFileCreate, protocol.MsgWriteChunk:
		_, _, err := b.SendAndReceive(msgType, payload)
		return err
	default:
		return b.Send(msgType, payload)
	}
}

// SendAndReceive broadcasts the message and waits for the first consumer
// ack. When no consumer answers within AckTimeout (or none is attached),
// a success ack is synthesized unless RequireClient is set.
func (b *Broadcaster) SendAndReceive(msgType byte, payload interface{}) (byte, []byte, error) {
	if b.closed.Load() {
		return 0, nil, ErrShuttingDown
	}

	fileID, ackType := ackIdentity(msgType, payload)
	if fileID == "" {
		// Not an ack-carrying type; plain broadcast.
		return 0, nil, b.Send(msgType, payload)
	}

	req := &fileRequest{waiting: true, respCh: make(chan ackResponse, 1)}
	b.mu.Lock()
	b.fileReqs[fileID] = req
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		if b.fileReqs[fileID] == req {
			delete(b.fileReqs, fileID)
		}
		b.mu.Unlock()
	}()

	frame, err := protocol.EncodeFrame(msgType, payload)
	if err != nil {
		return 0, nil, err
	}
	b.sent.Add(1)
	n := b.broadcast(frame)
	if n > 0 {
		b.delivered.Add(uint64(n))
	}

	if n == 0 {
		if b.config.RequireClient {
			return 0, nil, fmt.Errorf("no consumer attached for %s", protocol.TypeName(msgType))
		}
		return b.synthesizeAck(fileID, msgType, payload, ackType)
	}

	select {
	case resp := <-req.respCh:
		return resp.msgType, resp.payload, nil
	case <-time.After(b.config.AckTimeout):
		req.mu.Lock()
		req.waiting = false
		req.mu.Unlock()
		if b.config.RequireClient {
			return 0, nil, fmt.Errorf("ack timeout for %s", protocol.TypeName(msgType))
		}
		return b.synthesizeAck(fileID, msgType, payload, ackType)
	case <-b.ctx.Done():
		return 0, nil, ErrShuttingDown
	}
}

// synthesizeAck fabricates a success ack so the producer never stalls on
// an absent consumer.
func (b *Broadcaster) synthesizeAck(fileID string, msgType byte, payload interface{}, ackType byte) (byte, []byte, error) {
	b.synthAcks.Add(1)

	var ack interface{}
	switch ackType {
	case protocol.MsgFileCreateAck:
		ack = protocol.FileCreateAck{FileID: fileID}
	case protocol.MsgWriteAck:
		chunk, err := asWriteChunk(payload)
		if err != nil {
			return 0, nil, err
		}
		ack = protocol.WriteAck{FileID: fileID, Offset: chunk.Offset, Written: len(chunk.Data)}
	default:
		return 0, nil, fmt.Errorf("no ack shape for %s", protocol.TypeName(msgType))
	}

	raw, err := json.Marshal(ack)
	return ackType, raw, err
}

// ackIdentity returns the file ID to route the ack by and the expected
// ack type, or "" when the message type carries no ack.
func ackIdentity(msgType byte, payload interface{}) (string, byte) {
	switch msgType {
	case protocol.MsgFileCreate:
		if fc, err := asFileCreate(payload); err == nil {
			return fc.FileID, protocol.MsgFileCreateAck
		}
	case protocol.MsgWriteChunk:
		if wc, err := asWriteChunk(payload); err == nil {
			return wc.FileID, protocol.MsgWriteAck
		}
	}
	return "", 0
}

// State reports Connected while the server runs. The broadcaster has no
// upstream to lose, so the state machine is flat.
func (b *Broadcaster) State() ConnectionState {
	if b.closed.Load() || !b.started.Load() {
		return StateDisconnected
	}
	return StateConnected
}

// ClientCount returns how many consumers are attached.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stats returns broadcaster counters.
func (b *Broadcaster) Stats() map[string]uint64 {
	return map[string]uint64{
		"sent":             b.sent.Load(),
		"delivered":        b.delivered.Load(),
		"synthesized_acks": b.synthAcks.Load(),
		"dropped":          b.dropped.Load(),
		"clients":          uint64(b.ClientCount()),
	}
}

// Close stops the server and disconnects all consumers.
func (b *Broadcaster) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()

	for _, client := range b.snapshotClients() {
		client.writeMu.Lock()
		_ = client.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		client.writeMu.Unlock()
		b.removeClient(client)
	}

	var err error
	if b.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = b.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.log.Warn("timed out waiting for broadcaster goroutines")
	}
	return err
}

var _ Transport = (*Broadcaster)(nil)
