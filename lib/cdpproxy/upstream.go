// Package cdpproxy fronts the browser's DevTools endpoint. It rewrites
// discovery metadata so clients see the proxy's address, pumps protocol
// WebSockets to the upstream, and reverse-proxies everything else.
package cdpproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var devtoolsListeningRegexp = regexp.MustCompile(`DevTools listening on (ws://\S+)`)

// UpstreamManager tracks the browser's current DevTools WebSocket URL.
// The URL changes whenever the browser restarts, so the manager tails
// the launcher log and picks up each new announcement line. A static
// URL can be set instead when no log is available.
type UpstreamManager struct {
	logFilePath string
	log         *slog.Logger

	currentURL atomic.Value // string

	startOnce  sync.Once
	stopOnce   sync.Once
	cancelTail context.CancelFunc

	subsMu sync.RWMutex
	subs   map[chan string]struct{}
}

func NewUpstreamManager(logFilePath string, log *slog.Logger) *UpstreamManager {
	um := &UpstreamManager{logFilePath: logFilePath, log: log}
	um.currentURL.Store("")
	return um
}

// Start begins tailing the launcher log until ctx is done. No-op when
// no log path was configured.
func (u *UpstreamManager) Start(ctx context.Context) {
	u.startOnce.Do(func() {
		if u.logFilePath == "" {
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		u.cancelTail = cancel
		go u.tailLoop(ctx)
	})
}

// Stop cancels the background tailer.
func (u *UpstreamManager) Stop() {
	u.stopOnce.Do(func() {
		if u.cancelTail != nil {
			u.cancelTail()
		}
	})
}

// SetStatic installs a fixed upstream URL, bypassing log discovery.
func (u *UpstreamManager) SetStatic(url string) {
	u.setCurrent(url)
}

// CurrentURL returns the upstream DevTools WebSocket URL, or "".
func (u *UpstreamManager) CurrentURL() string {
	val, _ := u.currentURL.Load().(string)
	return val
}

// CurrentAuthority returns the host:port of the upstream URL, or "".
func (u *UpstreamManager) CurrentAuthority() string {
	parsed, err := url.Parse(u.CurrentURL())
	if err != nil {
		return ""
	}
	return parsed.Host
}

// WaitForInitial blocks until an upstream URL is known or the timeout
// elapses.
func (u *UpstreamManager) WaitForInitial(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		if url := u.CurrentURL(); url != "" {
			return url, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("devtools upstream not found within %s", timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Subscribe returns a channel receiving each newly discovered upstream
// URL and a cancel function. The channel has latest-wins semantics: a
// slow subscriber sees only the most recent URL.
func (u *UpstreamManager) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 1)
	u.subsMu.Lock()
	if u.subs == nil {
		u.subs = make(map[chan string]struct{})
	}
	u.subs[ch] = struct{}{}
	u.subsMu.Unlock()

	cancel := func() {
		u.subsMu.Lock()
		if _, ok := u.subs[ch]; ok {
			delete(u.subs, ch)
			close(ch)
		}
		u.subsMu.Unlock()
	}
	return ch, cancel
}

func (u *UpstreamManager) setCurrent(url string) {
	if url == "" || url == u.CurrentURL() {
		return
	}
	u.log.Info("devtools upstream updated", "url", url)
	u.currentURL.Store(url)

	u.subsMu.RLock()
	defer u.subsMu.RUnlock()
	for ch := range u.subs {
		select {
		case ch <- url:
		default:
			// Full buffer: evict the stale value so the latest wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- url:
			default:
			}
		}
	}
}

func (u *UpstreamManager) tailLoop(ctx context.Context) {
	backoff := 250 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return
		}
		u.runTailOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

func (u *UpstreamManager) runTailOnce(ctx context.Context) {
	cmd := exec.CommandContext(ctx, "tail", "-F", "-n", "+1", u.logFilePath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		u.log.Error("failed to open tail stdout", "err", err)
		return
	}
	if err := cmd.Start(); err != nil {
		if strings.Contains(err.Error(), "No such file or directory") {
			u.log.Debug("launcher log not found yet; will retry", "path", u.logFilePath)
		} else {
			u.log.Error("failed to start tail", "err", err)
		}
		return
	}
	defer func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if matches := devtoolsListeningRegexp.FindStringSubmatch(scanner.Text()); len(matches) == 2 {
			u.setCurrent(matches[1])
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		u.log.Error("tail scanner error", "err", err)
	}
}
