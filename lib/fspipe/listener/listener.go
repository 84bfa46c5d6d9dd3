// Package listener implements the receiving side of the file pipe. It
// accepts framed file operations over TCP or WebSocket and materializes
// the files under a local directory.
package listener

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentdesk/workstation/lib/fspipe/protocol"
	"github.com/agentdesk/workstation/lib/ziputil"
)

// Config holds listener options.
type Config struct {
	// WebSocketEnabled serves WebSocket on WebSocketPath instead of raw TCP.
	WebSocketEnabled bool
	WebSocketPath    string
	ShutdownTimeout  time.Duration
}

// Server receives file operations from producers and writes them under
// localDir. Each connection gets its own session with its own open-file
// table.
type Server struct {
	addr     string
	localDir string
	config   Config
	log      *slog.Logger

	listener   net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	activeConns atomic.Int64
	totalConns  atomic.Uint64
	totalFiles  atomic.Uint64
	totalBytes  atomic.Uint64
	totalErrors atomic.Uint64
}

// NewServer creates a TCP-mode listener.
func NewServer(addr, localDir string) *Server {
	return NewServerWithConfig(addr, localDir, Config{})
}

// NewServerWithConfig creates a listener with explicit options.
func NewServerWithConfig(addr, localDir string, config Config) *Server {
	if config.WebSocketPath == "" {
		config.WebSocketPath = "/fspipe"
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     addr,
		localDir: localDir,
		config:   config,
		log:      slog.Default().With("component", "fspipe-listener", "addr", addr),
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln

	if s.config.WebSocketEnabled {
		mux := http.NewServeMux()
		mux.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
		s.httpServer = &http.Server{Addr: s.addr, Handler: mux}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				s.log.Error("http server failed", "error", err)
			}
		}()
		s.log.Info("websocket listener started", "path", s.config.WebSocketPath, "dir", s.localDir)
		return nil
	}

	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info("tcp listener started", "dir", s.localDir)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.totalErrors.Add(1)
			s.log.Warn("accept failed", "error", err)

			timer := time.NewTimer(backoff)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		s.totalConns.Add(1)
		s.activeConns.Add(1)
		s.log.Info("producer connected", "remote", conn.RemoteAddr())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.activeConns.Add(-1)
			defer conn.Close()

			sess := s.newSession()
			sess.run(s.ctx, bufio.NewReader(conn), bufio.NewWriter(conn))
			s.log.Info("producer disconnected", "remote", conn.RemoteAddr())
		}()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.totalErrors.Add(1)
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.totalConns.Add(1)
	s.activeConns.Add(1)
	s.log.Info("producer connected", "remote", r.RemoteAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.activeConns.Add(-1)
		defer conn.Close()

		adapter := newWSStream(conn)
		sess := s.newSession()
		sess.run(s.ctx, adapter, adapter)
		s.log.Info("producer disconnected", "remote", r.RemoteAddr)
	}()
}

// Stop shuts the listener down, waiting for active sessions up to the
// shutdown timeout.
func (s *Server) Stop() error {
	s.cancel()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.config.ShutdownTimeout):
		s.log.Warn("shutdown timed out", "timeout", s.config.ShutdownTimeout)
	}
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// LocalDir returns the directory files are written under.
func (s *Server) LocalDir() string { return s.localDir }

// Stats returns listener counters.
func (s *Server) Stats() map[string]interface{} {
	return map[string]interface{}{
		"active_connections": s.activeConns.Load(),
		"total_connections":  s.totalConns.Load(),
		"total_files":        s.totalFiles.Load(),
		"total_bytes":        s.totalBytes.Load(),
		"total_errors":       s.totalErrors.Load(),
	}
}

func (s *Server) newSession() *session {
	return &session{
		localDir:    s.localDir,
		log:         s.log.With("session", uuid.NewString()),
		files:       make(map[string]*openFile),
		totalFiles:  &s.totalFiles,
		totalBytes:  &s.totalBytes,
		totalErrors: &s.totalErrors,
	}
}

// flusher is the write side of a session stream.
type flusher interface {
	io.Writer
	Flush() error
}

// session handles one producer connection. File IDs are scoped to the
// session; files left open when the producer drops are synced and closed.
type session struct {
	localDir string
	log      *slog.Logger

	mu    sync.RWMutex
	files map[string]*openFile

	totalFiles  *atomic.Uint64
	totalBytes  *atomic.Uint64
	totalErrors *atomic.Uint64
}

type openFile struct {
	file      *os.File
	path      string
	createdAt time.Time
	written   int64
}

func (se *session) run(ctx context.Context, r io.Reader, w flusher) {
	defer func() {
		if rec := recover(); rec != nil {
			se.log.Error("session panic recovered", "panic", rec)
			se.totalErrors.Add(1)
		}
		se.closeAll()
	}()

	decoder := protocol.NewDecoder(r)
	encoder := protocol.NewEncoder(w)

	for {
		if ctx.Err() != nil {
			return
		}

		msgType, payload, err := decoder.Decode()
		if err != nil {
			if err != io.EOF {
				se.log.Debug("decode failed", "error", err)
			}
			return
		}

		if err := se.dispatch(msgType, payload, encoder, w); err != nil {
			se.totalErrors.Add(1)
			se.log.Debug("message failed", "type", protocol.TypeName(msgType), "error", err)
		}
	}
}

func (se *session) dispatch(msgType byte, payload []byte, encoder *protocol.Encoder, w flusher) error {
	switch msgType {
	case protocol.MsgFileCreate:
		var msg protocol.FileCreate
		if err := protocol.DecodePayload(payload, &msg); err != nil {
			return err
		}
		return se.fileCreate(&msg, encoder, w)

	case protocol.MsgWriteChunk:
		var msg protocol.WriteChunk
		if err := protocol.DecodePayload(payload, &msg); err != nil {
			return err
		}
		return se.writeChunk(&msg, encoder, w)

	case protocol.MsgFileClose:
		var msg protocol.FileClose
		if err := protocol.DecodePayload(payload, &msg); err != nil {
			return err
		}
		return se.fileClose(&msg)

	case protocol.MsgTruncate:
		var msg protocol.Truncate
		if err := protocol.DecodePayload(payload, &msg); err != nil {
			return err
		}
		return se.truncate(&msg)

	case protocol.MsgRename:
		var msg protocol.Rename
		if err := protocol.DecodePayload(payload, &msg); err != nil {
			return err
		}
		return se.rename(&msg)

	case protocol.MsgDelete:
		var msg protocol.Delete
		if err := protocol.DecodePayload(payload, &msg); err != nil {
			return err
		}
		return se.delete(&msg)

	default:
		se.log.Debug("unknown message type", "type", msgType)
		return nil
	}
}

func (se *session) fileCreate(msg *protocol.FileCreate, encoder *protocol.Encoder, w flusher) error {
	ack := protocol.FileCreateAck{FileID: msg.FileID}

	path, err := se.resolve(msg.Filename)
	if err == nil {
		err = os.MkdirAll(filepath.Dir(path), 0755)
	}
	var f *os.File
	if err == nil {
		f, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(msg.Mode))
	}

	if err != nil {
		ack.Error = err.Error()
	} else {
		se.mu.Lock()
		se.files[msg.FileID] = &openFile{file: f, path: path, createdAt: time.Now()}
		se.mu.Unlock()
		se.totalFiles.Add(1)
		se.log.Debug("file created", "filename", msg.Filename, "file_id", msg.FileID)
	}

	if encErr := encoder.Encode(protocol.MsgFileCreateAck, &ack); encErr != nil {
		return encErr
	}
	if flushErr := w.Flush(); flushErr != nil {
		return flushErr
	}
	return err
}

func (se *session) writeChunk(msg *protocol.WriteChunk, encoder *protocol.Encoder, w flusher) error {
	se.mu.RLock()
	entry, ok := se.files[msg.FileID]
	se.mu.RUnlock()

	ack := protocol.WriteAck{FileID: msg.FileID, Offset: msg.Offset}
	if !ok {
		ack.Error = "unknown file ID"
	} else {
		n, err := entry.file.WriteAt(msg.Data, msg.Offset)
		ack.Written = n
		if err != nil {
			ack.Error = err.Error()
		} else {
			se.mu.Lock()
			entry.written += int64(n)
			se.mu.Unlock()
			se.totalBytes.Add(uint64(n))
		}
	}

	if err := encoder.Encode(protocol.MsgWriteAck, &ack); err != nil {
		return err
	}
	return w.Flush()
}

func (se *session) fileClose(msg *protocol.FileClose) error {
	se.mu.Lock()
	entry, ok := se.files[msg.FileID]
	delete(se.files, msg.FileID)
	se.mu.Unlock()

	if !ok {
		se.log.Debug("close for unknown file ID", "file_id", msg.FileID)
		return nil
	}

	if err := entry.file.Sync(); err != nil {
		se.log.Debug("sync failed", "file_id", msg.FileID, "error", err)
	}
	if err := entry.file.Close(); err != nil {
		se.log.Debug("close failed", "file_id", msg.FileID, "error", err)
	}
	se.log.Debug("file closed", "file_id", msg.FileID, "bytes", entry.written,
		"open_for", time.Since(entry.createdAt))
	return nil
}

func (se *session) truncate(msg *protocol.Truncate) error {
	se.mu.RLock()
	entry, ok := se.files[msg.FileID]
	se.mu.RUnlock()

	if !ok {
		se.log.Debug("truncate for unknown file ID", "file_id", msg.FileID)
		return nil
	}
	return entry.file.Truncate(msg.Size)
}

func (se *session) rename(msg *protocol.Rename) error {
	oldPath, err := se.resolve(msg.OldName)
	if err != nil {
		return err
	}
	newPath, err := se.resolve(msg.NewName)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return err
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}
	se.log.Debug("file renamed", "old", msg.OldName, "new", msg.NewName)
	return nil
}

func (se *session) delete(msg *protocol.Delete) error {
	path, err := se.resolve(msg.Filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	se.log.Debug("file deleted", "filename", msg.Filename)
	return nil
}

// resolve joins a producer-supplied name under localDir, refusing paths
// that escape it.
func (se *session) resolve(name string) (string, error) {
	return ziputil.SecureJoin(se.localDir, name)
}

func (se *session) closeAll() {
	se.mu.Lock()
	defer se.mu.Unlock()

	for id, entry := range se.files {
		_ = entry.file.Sync()
		if err := entry.file.Close(); err != nil {
			se.log.Debug("cleanup close failed", "file_id", id, "error", err)
		}
		delete(se.files, id)
	}
}

// wsStream adapts a WebSocket connection to the io.Reader/flusher pair
// the session expects. Writes are buffered and sent as one binary
// message per Flush.
type wsStream struct {
	conn *websocket.Conn

	readMu  sync.Mutex
	readBuf bytes.Buffer

	writeMu  sync.Mutex
	writeBuf bytes.Buffer
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (a *wsStream) Read(p []byte) (int, error) {
	a.readMu.Lock()
	defer a.readMu.Unlock()

	for a.readBuf.Len() == 0 {
		messageType, data, err := a.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		a.readBuf.Write(data)
	}
	return a.readBuf.Read(p)
}

func (a *wsStream) Write(p []byte) (int, error) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.writeBuf.Write(p)
}

func (a *wsStream) Flush() error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if a.writeBuf.Len() == 0 {
		return nil
	}
	data := a.writeBuf.Bytes()
	a.writeBuf.Reset()
	return a.conn.WriteMessage(websocket.BinaryMessage, data)
}

var (
	_ io.Reader = (*wsStream)(nil)
	_ flusher   = (*wsStream)(nil)
)
