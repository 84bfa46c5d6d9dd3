package transport

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/workstation/lib/fspipe/protocol"
)

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startBroadcaster(t *testing.T, config BroadcasterConfig) *Broadcaster {
	t.Helper()
	b := NewBroadcaster(freePort(t), config)
	require.NoError(t, b.Connect())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func dialBroadcaster(t *testing.T, b *Broadcaster) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s%s", b.addr, b.config.Path)
	var conn *websocket.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Wait for the server to register the client before broadcasting.
	require.Eventually(t, func() bool {
		return b.ClientCount() > 0
	}, time.Second, 10*time.Millisecond)
	return conn
}

func TestBroadcasterSynthesizesAckWithoutClients(t *testing.T) {
	config := DefaultBroadcasterConfig()
	config.AckTimeout = 100 * time.Millisecond
	b := startBroadcaster(t, config)

	chunk := protocol.WriteChunk{FileID: "f1", Offset: 64, Data: []byte("hello")}
	msgType, payload, err := b.SendAndReceive(protocol.MsgWriteChunk, chunk)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgWriteAck, msgType)

	var ack protocol.WriteAck
	require.NoError(t, protocol.DecodePayload(payload, &ack))
	assert.Equal(t, "f1", ack.FileID)
	assert.Equal(t, int64(64), ack.Offset)
	assert.Equal(t, 5, ack.Written)
	assert.Empty(t, ack.Error)

	assert.Equal(t, uint64(1), b.Stats()["synthesized_acks"])
}

func TestBroadcasterRequireClientFailsWithoutClients(t *testing.T) {
	config := DefaultBroadcasterConfig()
	config.RequireClient = true
	b := startBroadcaster(t, config)

	_, _, err := b.SendAndReceive(protocol.MsgFileCreate, protocol.FileCreate{FileID: "f1", Filename: "a.txt"})
	require.Error(t, err)
}

func TestBroadcasterFansOutToAllClients(t *testing.T) {
	b := startBroadcaster(t, DefaultBroadcasterConfig())

	c1 := dialBroadcaster(t, b)
	c2 := dialBroadcaster(t, b)
	require.Eventually(t, func() bool { return b.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Send(protocol.MsgDelete, protocol.Delete{Filename: "old.txt"}))

	for _, conn := range []*websocket.Conn{c1, c2} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		msgType, payload, err := protocol.ParseFrame(data)
		require.NoError(t, err)
		assert.Equal(t, protocol.MsgDelete, msgType)

		var del protocol.Delete
		require.NoError(t, protocol.DecodePayload(payload, &del))
		assert.Equal(t, "old.txt", del.Filename)
	}
}

func TestBroadcasterRoutesClientAck(t *testing.T) {
	config := DefaultBroadcasterConfig()
	config.AckTimeout = 2 * time.Second
	b := startBroadcaster(t, config)

	conn := dialBroadcaster(t, b)

	// Consumer echoes an ack for every write chunk it sees.
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msgType, payload, err := protocol.ParseFrame(data)
			if err != nil || msgType != protocol.MsgWriteChunk {
				continue
			}
			var chunk protocol.WriteChunk
			if err := protocol.DecodePayload(payload, &chunk); err != nil {
				continue
			}
			frame, _ := protocol.EncodeFrame(protocol.MsgWriteAck, protocol.WriteAck{
				FileID:  chunk.FileID,
				Offset:  chunk.Offset,
				Written: len(chunk.Data),
			})
			_ = conn.WriteMessage(websocket.BinaryMessage, frame)
		}
	}()

	chunk := protocol.WriteChunk{FileID: "f2", Offset: 0, Data: []byte("payload")}
	msgType, payload, err := b.SendAndReceive(protocol.MsgWriteChunk, chunk)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgWriteAck, msgType)

	var ack protocol.WriteAck
	require.NoError(t, protocol.DecodePayload(payload, &ack))
	assert.Equal(t, "f2", ack.FileID)
	assert.Equal(t, 7, ack.Written)
	assert.Zero(t, b.Stats()["synthesized_acks"])
}

func TestBroadcasterSynthesizesAckOnConsumerTimeout(t *testing.T) {
	config := DefaultBroadcasterConfig()
	config.AckTimeout = 100 * time.Millisecond
	b := startBroadcaster(t, config)

	// Attached but silent consumer.
	dialBroadcaster(t, b)

	msgType, payload, err := b.SendAndReceive(protocol.MsgFileCreate, protocol.FileCreate{FileID: "f3", Filename: "b.txt"})
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgFileCreateAck, msgType)

	var ack protocol.FileCreateAck
	require.NoError(t, protocol.DecodePayload(payload, &ack))
	assert.Equal(t, "f3", ack.FileID)
	assert.Empty(t, ack.Error)
}

func TestBroadcasterCloseIsIdempotent(t *testing.T) {
	b := NewBroadcaster(freePort(t), DefaultBroadcasterConfig())
	require.NoError(t, b.Connect())
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, StateDisconnected, b.State())
}
