package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"
)

// cdpSession is a minimal synchronous DevTools client used to nudge the
// browser after a policy file lands. Calls are sequential; events
// arriving between a call and its response are skipped.
type cdpSession struct {
	conn   *websocket.Conn
	nextID atomic.Int64
}

type cdpRequest struct {
	ID        int64       `json:"id"`
	Method    string      `json:"method"`
	Params    interface{} `json:"params,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
}

type cdpResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *cdpError       `json:"error"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func dialCDP(ctx context.Context, wsURL string) (*cdpSession, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial devtools: %w", err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)
	return &cdpSession{conn: conn}, nil
}

func (s *cdpSession) call(ctx context.Context, method string, params interface{}, sessionID string) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	req := cdpRequest{ID: id, Method: method, Params: params, SessionID: sessionID}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read %s response: %w", method, err)
		}
		var resp cdpResponse
		if err := json.Unmarshal(msg, &resp); err != nil || resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	}
}

func decodeResult(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func (s *cdpSession) close() {
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
}
