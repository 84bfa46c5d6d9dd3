package transport

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/workstation/lib/fspipe/listener"
	"github.com/agentdesk/workstation/lib/fspipe/protocol"
)

func testClientConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.DialTimeout = 2 * time.Second
	cfg.InitialBackoff = 50 * time.Millisecond
	cfg.HealthCheckInterval = time.Minute
	cfg.AckTimeout = 5 * time.Second
	cfg.QueueSize = 16
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func TestNewTransportSchemes(t *testing.T) {
	t.Parallel()

	tr, err := NewTransport("tcp://127.0.0.1:90999", testClientConfig())
	require.NoError(t, err)
	assert.IsType(t, &TCPClient{}, tr)

	tr, err = NewTransport("ws://127.0.0.1:9999/fspipe", testClientConfig())
	require.NoError(t, err)
	assert.IsType(t, &WebSocketClient{}, tr)

	_, err = NewTransport("ftp://example.com/x", testClientConfig())
	require.ErrorContains(t, err, "unsupported scheme")
}

func TestConnectionStateString(t *testing.T) {
	t.Parallel()

	cases := map[ConnectionState]string{
		StateDisconnected:   "disconnected",
		StateConnecting:     "connecting",
		StateConnected:      "connected",
		StateReconnecting:   "reconnecting",
		StateFailed:         "failed",
		ConnectionState(42): "unknown",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateConfig(DefaultClientConfig()))

	bad := DefaultClientConfig()
	bad.QueueSize = 0
	require.ErrorIs(t, ValidateConfig(bad), ErrInvalidConfig)

	bad = DefaultClientConfig()
	bad.MaxBackoff = bad.InitialBackoff / 2
	require.ErrorIs(t, ValidateConfig(bad), ErrInvalidConfig)
}

// pushFile drives a create/write/close sequence through a connected transport
// and returns the path the listener should have materialised.
func pushFile(t *testing.T, tr Transport, dir, fileID, name string, data []byte) string {
	t.Helper()

	respType, respPayload, err := tr.SendAndReceive(protocol.MsgFileCreate, protocol.FileCreate{
		FileID:   fileID,
		Filename: name,
		Mode:     0o644,
	})
	require.NoError(t, err)
	require.Equal(t, protocol.MsgFileCreateAck, respType)

	var ack protocol.FileCreateAck
	require.NoError(t, protocol.DecodePayload(respPayload, &ack))
	require.Empty(t, ack.Error)
	require.Equal(t, fileID, ack.FileID)

	require.NoError(t, tr.SendSync(protocol.MsgWriteChunk, protocol.WriteChunk{
		FileID: fileID,
		Offset: 0,
		Data:   data,
	}))
	require.NoError(t, tr.SendSync(protocol.MsgFileClose, protocol.FileClose{FileID: fileID}))

	return filepath.Join(dir, name)
}

func TestTCPRoundTripThroughListener(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	srv := listener.NewServer("127.0.0.1:0", dir)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	tr, err := NewTransport("tcp://"+srv.Addr().String(), testClientConfig())
	require.NoError(t, err)
	require.NoError(t, tr.Connect())
	defer tr.Close()

	assert.Equal(t, StateConnected, tr.State())

	path := pushFile(t, tr, dir, "f1", "nested/hello.txt", []byte("hello over tcp"))

	// The write is acked after WriteAt, so the bytes are already visible.
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello over tcp"), got)

	stats := tr.Stats()
	assert.GreaterOrEqual(t, stats["messages_sent"], uint64(2))
	assert.GreaterOrEqual(t, stats["messages_acked"], uint64(1))
}

func TestTCPListenerRejectsEscapingFilename(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	srv := listener.NewServer("127.0.0.1:0", dir)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	tr, err := NewTransport("tcp://"+srv.Addr().String(), testClientConfig())
	require.NoError(t, err)
	require.NoError(t, tr.Connect())
	defer tr.Close()

	respType, respPayload, err := tr.SendAndReceive(protocol.MsgFileCreate, protocol.FileCreate{
		FileID:   "evil",
		Filename: "../outside.txt",
		Mode:     0o644,
	})
	require.NoError(t, err)
	require.Equal(t, protocol.MsgFileCreateAck, respType)

	var ack protocol.FileCreateAck
	require.NoError(t, protocol.DecodePayload(respPayload, &ack))
	assert.NotEmpty(t, ack.Error)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "outside.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWebSocketRoundTripThroughListener(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	srv := listener.NewServerWithConfig("127.0.0.1:0", dir, listener.Config{WebSocketEnabled: true})
	require.NoError(t, srv.Start())
	defer srv.Stop()

	tr, err := NewTransport("ws://"+srv.Addr().String()+"/fspipe", testClientConfig())
	require.NoError(t, err)
	require.NoError(t, tr.Connect())
	defer tr.Close()

	assert.Equal(t, StateConnected, tr.State())

	path := pushFile(t, tr, dir, "f1", "ws.txt", []byte("hello over websocket"))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello over websocket"), got)
}

// TestTCPReconnectResendsPendingFirst kills the accepted connection after
// the first unacked chunk. After the client reconnects, the restored chunk
// must go out ahead of anything enqueued while the link was down, and the
// blocked caller must resolve once the resend is acked.
func TestTCPReconnectResendsPendingFirst(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type chunkRecord struct {
		conn   int
		offset int64
	}
	var mu sync.Mutex
	var received []chunkRecord
	firstConnDropped := make(chan struct{})

	go func() {
		for connNum := 1; ; connNum++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn, connNum int) {
				defer conn.Close()
				decoder := protocol.NewDecoder(bufio.NewReader(conn))
				bw := bufio.NewWriter(conn)
				encoder := protocol.NewEncoder(bw)
				for {
					msgType, payload, err := decoder.Decode()
					if err != nil {
						return
					}
					if msgType != protocol.MsgWriteChunk {
						continue
					}
					var chunk protocol.WriteChunk
					if err := protocol.DecodePayload(payload, &chunk); err != nil {
						return
					}
					mu.Lock()
					received = append(received, chunkRecord{conn: connNum, offset: chunk.Offset})
					mu.Unlock()

					if connNum == 1 {
						// Drop the link without acking.
						conn.Close()
						close(firstConnDropped)
						return
					}
					_ = encoder.Encode(protocol.MsgWriteAck, protocol.WriteAck{
						FileID:  chunk.FileID,
						Offset:  chunk.Offset,
						Written: len(chunk.Data),
					})
					_ = bw.Flush()
				}
			}(conn, connNum)
		}
	}()

	tr, err := NewTransport("tcp://"+ln.Addr().String(), testClientConfig())
	require.NoError(t, err)
	require.NoError(t, tr.Connect())
	defer tr.Close()

	done := make(chan error, 1)
	go func() {
		done <- tr.SendSync(protocol.MsgWriteChunk, protocol.WriteChunk{
			FileID: "f1", Offset: 0, Data: []byte("first"),
		})
	}()

	select {
	case <-firstConnDropped:
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk never reached the server")
	}

	// Enqueued while the link is down; must trail the restored chunk.
	require.NoError(t, tr.Send(protocol.MsgWriteChunk, protocol.WriteChunk{
		FileID: "f1", Offset: 5, Data: []byte("second"),
	}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("caller never unblocked after reconnect")
	}

	postReconnect := func() []int64 {
		mu.Lock()
		defer mu.Unlock()
		var offsets []int64
		for _, rec := range received {
			if rec.conn > 1 {
				offsets = append(offsets, rec.offset)
			}
		}
		return offsets
	}
	require.Eventually(t, func() bool {
		return len(postReconnect()) >= 2
	}, 10*time.Second, 25*time.Millisecond)
	assert.Equal(t, []int64{0, 5}, postReconnect()[:2])
}

func TestTCPRenameAndDelete(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	srv := listener.NewServer("127.0.0.1:0", dir)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	tr, err := NewTransport("tcp://"+srv.Addr().String(), testClientConfig())
	require.NoError(t, err)
	require.NoError(t, tr.Connect())
	defer tr.Close()

	pushFile(t, tr, dir, "f1", "a.txt", []byte("x"))

	require.NoError(t, tr.SendSync(protocol.MsgRename, protocol.Rename{OldName: "a.txt", NewName: "b.txt"}))
	require.NoError(t, tr.SendSync(protocol.MsgDelete, protocol.Delete{Filename: "b.txt"}))

	// Rename and delete carry no ack, so poll until the listener catches up.
	assert.Eventually(t, func() bool {
		_, errA := os.Stat(filepath.Join(dir, "a.txt"))
		_, errB := os.Stat(filepath.Join(dir, "b.txt"))
		return os.IsNotExist(errA) && os.IsNotExist(errB)
	}, 3*time.Second, 25*time.Millisecond)
}
