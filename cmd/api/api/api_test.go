package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/workstation/lib/config"
	"github.com/agentdesk/workstation/lib/extensions"
	"github.com/agentdesk/workstation/lib/virtualinput"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	base := t.TempDir()
	cfg := &config.Config{
		ExtRepoDir:  filepath.Join(base, "extrepo"),
		PolicyDir:   filepath.Join(base, "policies"),
		KeystoreDir: filepath.Join(base, "keys"),
	}
	require.NoError(t, os.MkdirAll(cfg.ExtRepoDir, 0o755))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	installer := extensions.NewInstaller(extensions.Options{
		BrowserBin:  "/usr/bin/chromium",
		PolicyDir:   cfg.PolicyDir,
		RepoDir:     cfg.ExtRepoDir,
		RepoBaseURL: "http://127.0.0.1:10001/extrepo",
		KeystoreDir: cfg.KeystoreDir,
	}, nil, log)

	inputs := virtualinput.NewManager(virtualinput.Options{PipesDir: filepath.Join(base, "pipes")}, nil)
	return New(cfg, inputs, virtualinput.NewWebRTCIngestor(), installer)
}

func newTestRouter(t *testing.T) *chi.Mux {
	t.Helper()
	r := chi.NewRouter()
	newTestService(t).Register(r)
	return r
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()

	rec := doJSON(t, newTestRouter(t), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestVirtualInputsStatusIdle(t *testing.T) {
	t.Parallel()

	rec := doJSON(t, newTestRouter(t), http.MethodGet, "/virtualinputs/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "idle", status.State)
}

func TestConfigureRejectsMissingSources(t *testing.T) {
	t.Parallel()

	rec := doJSON(t, newTestRouter(t), http.MethodPost, "/virtualinputs/configure", `{"width":1280}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "video or audio source")
}

func TestConfigureRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	rec := doJSON(t, newTestRouter(t), http.MethodPost, "/virtualinputs/configure", `{"video":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPauseWithoutSessionIs400(t *testing.T) {
	t.Parallel()

	rec := doJSON(t, newTestRouter(t), http.MethodPost, "/virtualinputs/pause", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	t.Parallel()

	rec := doJSON(t, newTestRouter(t), http.MethodPost, "/virtualinputs/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "idle", status.State)
}

func TestWebRTCOfferRequiresConfiguredIngest(t *testing.T) {
	t.Parallel()

	rec := doJSON(t, newTestRouter(t), http.MethodPost, "/virtualinputs/webrtc/offer", `{"sdp":"v=0"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebRTCOfferRejectsEmptyBody(t *testing.T) {
	t.Parallel()

	rec := doJSON(t, newTestRouter(t), http.MethodPost, "/virtualinputs/webrtc/offer", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExtensionAddRequiresRepoURL(t *testing.T) {
	t.Parallel()

	rec := doJSON(t, newTestRouter(t), http.MethodPost, "/browser/extension/add", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExtRepoServesPublishedFiles(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	r := chi.NewRouter()
	svc.Register(r)

	dir := filepath.Join(svc.cfg.ExtRepoDir, "abcdefghijklmnopabcdefghijklmnop")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "update.xml"), []byte("<gupdate/>"), 0o644))

	rec := doJSON(t, r, http.MethodGet, "/extrepo/abcdefghijklmnopabcdefghijklmnop/update.xml", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<gupdate/>", rec.Body.String())
}

func TestExtRepoRejectsEscapingPaths(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	secret := filepath.Join(filepath.Dir(svc.cfg.ExtRepoDir), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("nope"), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/extrepo/foo", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("*", "../secret.txt")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()
	svc.handleExtRepo(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Body.String(), "nope")
}

func TestFSPipeStartRequiresTarget(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	r := chi.NewRouter()
	svc.Register(r)

	rec := doJSON(t, r, http.MethodPost, "/fspipe/start", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFSPipeListenerLifecycle(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	r := chi.NewRouter()
	svc.Register(r)

	outputDir := t.TempDir()
	body, err := json.Marshal(fspipeStartRequest{ListenAddr: "127.0.0.1:0", OutputDir: outputDir})
	require.NoError(t, err)

	rec := doJSON(t, r, http.MethodPost, "/fspipe/start", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, true, status["running"])
	assert.Contains(t, status, "listener")

	rec = doJSON(t, r, http.MethodPost, "/fspipe/start", string(body))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/fspipe/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/fspipe/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, false, status["running"])
}

func TestFSPipeStopIsIdempotent(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/fspipe/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, r, http.MethodPost, "/fspipe/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
