// Package api implements the control-plane HTTP surface: virtual input
// management, WebRTC ingest, extension installs, the extension
// repository route and the fspipe lifecycle.
package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/agentdesk/workstation/lib/config"
	"github.com/agentdesk/workstation/lib/extensions"
	"github.com/agentdesk/workstation/lib/fspipe/listener"
	"github.com/agentdesk/workstation/lib/fspipe/transport"
	"github.com/agentdesk/workstation/lib/logger"
	"github.com/agentdesk/workstation/lib/virtualinput"
)

// Service holds the handlers' shared dependencies.
type Service struct {
	cfg       *config.Config
	inputs    *virtualinput.Manager
	ingestor  *virtualinput.WebRTCIngestor
	installer *extensions.Installer

	fspipeMu    sync.Mutex
	fspipe      transport.Transport
	broadcaster *transport.Broadcaster
	receiver    *listener.Server
}

// New wires a Service from its collaborators.
func New(cfg *config.Config, inputs *virtualinput.Manager, ingestor *virtualinput.WebRTCIngestor, installer *extensions.Installer) *Service {
	return &Service{
		cfg:       cfg,
		inputs:    inputs,
		ingestor:  ingestor,
		installer: installer,
	}
}

// Register mounts every control-plane route on r.
func (s *Service) Register(r chi.Router) {
	r.Get("/health", s.handleHealth)

	r.Route("/virtualinputs", func(r chi.Router) {
		r.Post("/configure", s.handleConfigure)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/stop", s.handleStop)
		r.Get("/status", s.handleStatus)
		r.Post("/webrtc/offer", s.handleWebRTCOffer)
	})

	r.Route("/browser/extension", func(r chi.Router) {
		r.Post("/add", s.handleExtensionAdd)
		r.Post("/add/unpacked", s.handleExtensionUpload)
	})
	r.Get("/extrepo/*", s.handleExtRepo)

	r.Route("/fspipe", func(r chi.Router) {
		r.Post("/start", s.handleFSPipeStart)
		r.Post("/stop", s.handleFSPipeStop)
		r.Get("/stats", s.handleFSPipeStats)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Shutdown closes whatever fspipe machinery is still running.
func (s *Service) Shutdown() error {
	s.fspipeMu.Lock()
	defer s.fspipeMu.Unlock()
	return s.stopFSPipeLocked()
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError emits a single-line JSON error body.
func respondError(w http.ResponseWriter, r *http.Request, status int, err error) {
	logger.FromContext(r.Context()).Error("request failed",
		"path", r.URL.Path, "status", status, "err", err)
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
