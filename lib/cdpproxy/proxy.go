package cdpproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// Read limit for pumped sockets. CDP messages can carry whole-page
// snapshots, so this is effectively unbounded.
const wsReadLimit = 100 * 1024 * 1024

// Proxy serves the DevTools surface. Discovery endpoints are fetched
// from the upstream and rewritten; WebSocket paths are pumped; anything
// else is reverse-proxied opaquely.
type Proxy struct {
	upstream       *UpstreamManager
	advertisedHost string
	logMessages    bool
	log            *slog.Logger
	client         *http.Client
}

// New creates a Proxy. advertisedHost overrides the Host header as the
// authority written into rewritten discovery URLs; leave empty to echo
// whatever authority the client used.
func New(upstream *UpstreamManager, advertisedHost string, logMessages bool, log *slog.Logger) *Proxy {
	return &Proxy{
		upstream:       upstream,
		advertisedHost: advertisedHost,
		logMessages:    logMessages,
		log:            log,
		client:         &http.Client{Timeout: 10 * time.Second},
	}
}

// Handler returns the router for the DevTools port.
func (p *Proxy) Handler() http.Handler {
	r := chi.NewRouter()
	// Trailing-slash variants matter: Playwright's connectOverCDP
	// requests /json/version/ and would otherwise hit the catch-all.
	for _, path := range []string{"/json", "/json/", "/json/list", "/json/list/", "/json/version", "/json/version/"} {
		r.Get(path, p.handleDiscovery)
	}
	r.HandleFunc("/*", p.handleDefault)
	return r
}

func (p *Proxy) proxyAuthority(r *http.Request) string {
	if p.advertisedHost != "" {
		return p.advertisedHost
	}
	return r.Host
}

// handleDiscovery fetches the same path from the upstream and rewrites
// every webSocketDebuggerUrl and devtoolsFrontendUrl to carry the
// proxy's authority.
func (p *Proxy) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	upstreamAuthority := p.upstream.CurrentAuthority()
	if upstreamAuthority == "" {
		http.Error(w, "upstream not ready", http.StatusServiceUnavailable)
		return
	}

	upstreamURL := fmt.Sprintf("http://%s%s", upstreamAuthority, strings.TrimSuffix(r.URL.Path, "/"))
	resp, err := p.client.Get(upstreamURL)
	if err != nil {
		p.log.Error("discovery fetch failed", "err", err, "url", upstreamURL)
		http.Error(w, "failed to reach browser", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	var payload interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		p.log.Error("discovery decode failed", "err", err, "url", upstreamURL)
		http.Error(w, "failed to parse browser response", http.StatusBadGateway)
		return
	}

	rewriteDiscovery(payload, upstreamAuthority, p.proxyAuthority(r))

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json; charset=UTF-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

// rewriteDiscovery walks a decoded /json response (object or array of
// objects) and rewrites the URL-bearing fields in place.
func rewriteDiscovery(v interface{}, from, to string) {
	switch val := v.(type) {
	case []interface{}:
		for _, item := range val {
			rewriteDiscovery(item, from, to)
		}
	case map[string]interface{}:
		for _, key := range []string{"webSocketDebuggerUrl", "devtoolsFrontendUrl"} {
			if s, ok := val[key].(string); ok {
				val[key] = rewriteAuthority(s, from, to)
			}
		}
	}
}

// rewriteAuthority swaps the upstream host:port for the proxy's in a
// discovery URL. Handles direct ws:// and http:// URLs and the ws=
// query parameter used by devtoolsFrontendUrl.
func rewriteAuthority(urlStr, from, to string) string {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return urlStr
	}

	if parsed.Host == from {
		parsed.Host = to
	}

	if wsParam := parsed.Query().Get("ws"); strings.HasPrefix(wsParam, from) {
		q := parsed.Query()
		q.Set("ws", strings.Replace(wsParam, from, to, 1))
		parsed.RawQuery = q.Encode()
	}

	return parsed.String()
}

// handleDefault pumps WebSocket upgrades and reverse-proxies everything
// else.
func (p *Proxy) handleDefault(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		p.handleWebSocket(w, r)
		return
	}
	p.handleReverseProxy(w, r)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// handleWebSocket dials the upstream first so an unreachable browser
// still yields a plain 502 instead of a broken upgrade.
func (p *Proxy) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	current := p.upstream.CurrentURL()
	if current == "" {
		http.Error(w, "upstream not ready", http.StatusServiceUnavailable)
		return
	}
	parsed, err := url.Parse(current)
	if err != nil {
		http.Error(w, "invalid upstream", http.StatusInternalServerError)
		return
	}

	// The root path means "the browser target": substitute the
	// discovered URL's own path. Target paths pass through verbatim.
	target := &url.URL{Scheme: "ws", Host: parsed.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	if r.URL.Path == "" || r.URL.Path == "/" {
		target.Path = parsed.Path
		target.RawQuery = parsed.RawQuery
	}

	upstreamConn, resp, err := websocket.Dial(r.Context(), target.String(), &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		p.log.Error("dial upstream failed", "err", err, "url", target.String())
		if resp != nil {
			// The browser answered but refused the upgrade; relay its
			// response verbatim so clients see the real refusal.
			forwardHandshakeResponse(w, resp)
			return
		}
		http.Error(w, "failed to connect to upstream", http.StatusBadGateway)
		return
	}
	upstreamConn.SetReadLimit(wsReadLimit)

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		p.log.Error("websocket accept failed", "err", err)
		_ = upstreamConn.Close(websocket.StatusNormalClosure, "")
		return
	}
	clientConn.SetReadLimit(wsReadLimit)

	p.log.Debug("pumping devtools websocket", "url", target.String())
	pumpWebSocket(r.Context(), clientConn, upstreamConn, p.log, p.logMessages)
}

// wsConn is the slice of *websocket.Conn the pump needs; tests swap in
// in-memory pairs.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(statusCode websocket.StatusCode, reason string) error
}

// pumpWebSocket forwards frames both ways until either side fails, then
// closes both. Control frames are handled by the websocket library and
// never relayed.
func pumpWebSocket(ctx context.Context, clientConn, upstreamConn wsConn, log *slog.Logger, logMessages bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	closeBoth := func(code websocket.StatusCode, reason string) {
		once.Do(func() {
			cancel()
			_ = upstreamConn.Close(code, reason)
			_ = clientConn.Close(code, reason)
		})
	}

	errCh := make(chan error, 2)
	pump := func(dst, src wsConn, direction string) {
		for {
			mt, msg, err := src.Read(ctx)
			if err != nil {
				errCh <- err
				return
			}
			if logMessages {
				logCDPMessage(log, direction, mt, msg)
			}
			if err := dst.Write(ctx, mt, msg); err != nil {
				errCh <- err
				return
			}
		}
	}
	go pump(upstreamConn, clientConn, "->")
	go pump(clientConn, upstreamConn, "<-")

	select {
	case <-ctx.Done():
		closeBoth(websocket.StatusNormalClosure, "")
	case err := <-errCh:
		// Mirror the failing side's close code to the peer; anything
		// that is not a close frame maps to 1011.
		code := websocket.CloseStatus(err)
		if code == -1 {
			code = websocket.StatusInternalError
		}
		closeBoth(code, "")
	}
}

// forwardHandshakeResponse copies a refused upgrade response (status,
// headers and body) through to the client.
func forwardHandshakeResponse(w http.ResponseWriter, resp *http.Response) {
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		_, _ = io.Copy(w, resp.Body)
		resp.Body.Close()
	}
}

func logCDPMessage(log *slog.Logger, direction string, mt websocket.MessageType, msg []byte) {
	if mt != websocket.MessageText {
		return
	}
	var envelope struct {
		ID        *int64 `json:"id"`
		Method    string `json:"method"`
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(msg, &envelope)

	args := []any{"dir", direction, "raw_length", len(msg)}
	if envelope.ID != nil {
		args = append(args, "id", *envelope.ID)
	}
	if envelope.Method != "" {
		args = append(args, "method", envelope.Method)
	}
	if envelope.SessionID != "" {
		args = append(args, "sessionId", envelope.SessionID)
	}
	log.Info("cdp", args...)
}

// handleReverseProxy forwards arbitrary HTTP requests to the upstream
// unchanged.
func (p *Proxy) handleReverseProxy(w http.ResponseWriter, r *http.Request) {
	authority := p.upstream.CurrentAuthority()
	if authority == "" {
		http.Error(w, "upstream not ready", http.StatusServiceUnavailable)
		return
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = authority
			pr.Out.Host = authority
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.Error("reverse proxy failed", "err", err, "path", r.URL.Path)
			http.Error(w, "failed to reach browser", http.StatusBadGateway)
		},
	}
	proxy.ServeHTTP(w, r)
}
