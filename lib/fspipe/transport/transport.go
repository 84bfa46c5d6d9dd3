package transport

import (
	"fmt"
	"net/url"
)

// Transport is the delivery surface shared by the TCP client, the WebSocket
// client and the S3 backend. A variant is picked at startup from the URL
// scheme.
type Transport interface {
	// Connect establishes the connection (or validates the backend).
	Connect() error

	// Send enqueues a message without waiting for delivery.
	Send(msgType byte, payload interface{}) error

	// SendSync enqueues a message and waits until it is sent (and, for
	// ack-requiring types, acknowledged or terminally failed).
	SendSync(msgType byte, payload interface{}) error

	// SendAndReceive sends a message and waits for the peer's response frame.
	SendAndReceive(msgType byte, payload interface{}) (byte, []byte, error)

	// State returns the current connection state.
	State() ConnectionState

	// Stats returns transport counters.
	Stats() map[string]uint64

	// Close shuts the transport down. Idempotent.
	Close() error
}

// NewTransport creates a transport from the URL scheme.
func NewTransport(remoteURL string, config ClientConfig) (Transport, error) {
	u, err := url.Parse(remoteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "tcp":
		return NewTCPClient(u.Host, config), nil
	case "ws", "wss":
		return NewWebSocketClient(remoteURL, config), nil
	case "s3":
		return NewS3Transport(u)
	default:
		return nil, fmt.Errorf("unsupported scheme: %s (use tcp://, ws://, wss://, or s3://)", u.Scheme)
	}
}

var (
	_ Transport = (*TCPClient)(nil)
	_ Transport = (*WebSocketClient)(nil)
	_ Transport = (*S3Transport)(nil)
)
