package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/agentdesk/workstation/lib/fspipe/listener"
	"github.com/agentdesk/workstation/lib/fspipe/transport"
	"github.com/agentdesk/workstation/lib/logger"
)

type fspipeStartRequest struct {
	// TargetURL selects the delivery sink (tcp://, ws://, wss://,
	// s3://). Falls back to the configured default.
	TargetURL string `json:"targetUrl,omitempty"`
	// BroadcastAddr additionally starts the fan-out server for
	// external consumers. Falls back to the configured default.
	BroadcastAddr string `json:"broadcastAddr,omitempty"`
	// ListenAddr and OutputDir start a receiving listener that writes
	// incoming file operations locally.
	ListenAddr string `json:"listenAddr,omitempty"`
	OutputDir  string `json:"outputDir,omitempty"`
	QueueSize  int    `json:"queueSize,omitempty"`
}

func (s *Service) handleFSPipeStart(w http.ResponseWriter, r *http.Request) {
	var req fspipeStartRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}
	if req.TargetURL == "" {
		req.TargetURL = s.cfg.FSPipeTarget
	}
	if req.BroadcastAddr == "" {
		req.BroadcastAddr = s.cfg.FSPipeBroadcast
	}
	if req.TargetURL == "" && req.BroadcastAddr == "" && req.ListenAddr == "" {
		respondError(w, r, http.StatusBadRequest, errors.New("nothing to start: set targetUrl, broadcastAddr or listenAddr"))
		return
	}

	s.fspipeMu.Lock()
	defer s.fspipeMu.Unlock()
	if s.fspipe != nil || s.broadcaster != nil || s.receiver != nil {
		respondError(w, r, http.StatusConflict, errors.New("fspipe already running"))
		return
	}

	log := logger.FromContext(r.Context())

	if req.TargetURL != "" {
		cfg := transport.DefaultClientConfig()
		if req.QueueSize > 0 {
			cfg.QueueSize = req.QueueSize
		} else if s.cfg.FSPipeQueueSize > 0 {
			cfg.QueueSize = s.cfg.FSPipeQueueSize
		}
		t, err := transport.NewTransport(req.TargetURL, cfg)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, err)
			return
		}
		if err := t.Connect(); err != nil {
			respondError(w, r, http.StatusInternalServerError, fmt.Errorf("connect transport: %w", err))
			return
		}
		s.fspipe = t
		log.Info("fspipe transport started", "target", req.TargetURL)
	}

	if req.BroadcastAddr != "" {
		b := transport.NewBroadcaster(req.BroadcastAddr, transport.DefaultBroadcasterConfig())
		if err := b.Connect(); err != nil {
			_ = s.stopFSPipeLocked()
			respondError(w, r, http.StatusInternalServerError, fmt.Errorf("start broadcaster: %w", err))
			return
		}
		s.broadcaster = b
		log.Info("fspipe broadcaster started", "addr", req.BroadcastAddr)
	}

	if req.ListenAddr != "" {
		if req.OutputDir == "" {
			_ = s.stopFSPipeLocked()
			respondError(w, r, http.StatusBadRequest, errors.New("outputDir is required with listenAddr"))
			return
		}
		recv := listener.NewServerWithConfig(req.ListenAddr, req.OutputDir, listener.Config{WebSocketEnabled: true})
		if err := recv.Start(); err != nil {
			_ = s.stopFSPipeLocked()
			respondError(w, r, http.StatusInternalServerError, fmt.Errorf("start listener: %w", err))
			return
		}
		s.receiver = recv
		log.Info("fspipe listener started", "addr", req.ListenAddr, "dir", req.OutputDir)
	}

	respondJSON(w, http.StatusOK, s.fspipeStatusLocked())
}

func (s *Service) handleFSPipeStop(w http.ResponseWriter, r *http.Request) {
	s.fspipeMu.Lock()
	defer s.fspipeMu.Unlock()

	if err := s.stopFSPipeLocked(); err != nil {
		respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Service) handleFSPipeStats(w http.ResponseWriter, r *http.Request) {
	s.fspipeMu.Lock()
	defer s.fspipeMu.Unlock()
	respondJSON(w, http.StatusOK, s.fspipeStatusLocked())
}

// stopFSPipeLocked tears down every running fspipe piece, keeping the
// first error. Callers hold fspipeMu (Shutdown calls it uncontended).
func (s *Service) stopFSPipeLocked() error {
	var firstErr error
	if s.fspipe != nil {
		if err := s.fspipe.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.fspipe = nil
	}
	if s.broadcaster != nil {
		if err := s.broadcaster.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.broadcaster = nil
	}
	if s.receiver != nil {
		if err := s.receiver.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.receiver = nil
	}
	return firstErr
}

func (s *Service) fspipeStatusLocked() map[string]interface{} {
	status := map[string]interface{}{
		"running": s.fspipe != nil || s.broadcaster != nil || s.receiver != nil,
	}
	if s.fspipe != nil {
		status["transport"] = map[string]interface{}{
			"state": s.fspipe.State().String(),
			"stats": s.fspipe.Stats(),
		}
	}
	if s.broadcaster != nil {
		status["broadcaster"] = map[string]interface{}{
			"clients": s.broadcaster.ClientCount(),
			"stats":   s.broadcaster.Stats(),
		}
	}
	if s.receiver != nil {
		status["listener"] = s.receiver.Stats()
	}
	return status
}
