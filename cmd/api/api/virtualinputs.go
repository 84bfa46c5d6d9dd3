package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentdesk/workstation/lib/virtualinput"
)

// mediaSourceRequest mirrors virtualinput.MediaSource on the wire.
type mediaSourceRequest struct {
	Type   string `json:"type"`
	URL    string `json:"url,omitempty"`
	Loop   bool   `json:"loop,omitempty"`
	Format string `json:"format,omitempty"`
}

type configureRequest struct {
	Video       *mediaSourceRequest `json:"video,omitempty"`
	Audio       *mediaSourceRequest `json:"audio,omitempty"`
	Width       int                 `json:"width,omitempty"`
	Height      int                 `json:"height,omitempty"`
	FrameRate   int                 `json:"frameRate,omitempty"`
	StartPaused bool                `json:"startPaused,omitempty"`
}

type statusResponse struct {
	State            string              `json:"state"`
	VideoDevice      string              `json:"videoDevice"`
	AudioSink        string              `json:"audioSink"`
	MicrophoneSource string              `json:"microphoneSource"`
	Video            *mediaSourceRequest `json:"video,omitempty"`
	Audio            *mediaSourceRequest `json:"audio,omitempty"`
	Width            int                 `json:"width,omitempty"`
	Height           int                 `json:"height,omitempty"`
	FrameRate        int                 `json:"frameRate,omitempty"`
	StartedAt        *time.Time          `json:"startedAt,omitempty"`
	LastError        string              `json:"lastError,omitempty"`
	Ingest           *ingestResponse     `json:"ingest,omitempty"`
}

type ingestResponse struct {
	Video *ingestEndpointResponse `json:"video,omitempty"`
	Audio *ingestEndpointResponse `json:"audio,omitempty"`
}

type ingestEndpointResponse struct {
	Protocol string `json:"protocol"`
	Format   string `json:"format"`
	Path     string `json:"path"`
}

var configValidationErrs = []error{
	virtualinput.ErrMissingSources,
	virtualinput.ErrVideoURLRequired,
	virtualinput.ErrAudioURLRequired,
	virtualinput.ErrVideoTypeRequired,
	virtualinput.ErrAudioTypeRequired,
	virtualinput.ErrUnsupportedVideo,
	virtualinput.ErrUnsupportedAudio,
	virtualinput.ErrPauseWithoutSession,
	virtualinput.ErrNoConfigToResume,
}

func isConfigValidationErr(err error) bool {
	for _, sentinel := range configValidationErrs {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func (s *Service) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	cfg := virtualinput.Config{
		Video:     toMediaSource(req.Video),
		Audio:     toMediaSource(req.Audio),
		Width:     req.Width,
		Height:    req.Height,
		FrameRate: req.FrameRate,
	}
	status, err := s.inputs.Configure(r.Context(), cfg, req.StartPaused)
	if err != nil {
		s.respondInputError(w, r, err)
		return
	}
	s.syncIngestor(status)
	respondJSON(w, http.StatusOK, toStatusResponse(status))
}

func (s *Service) handlePause(w http.ResponseWriter, r *http.Request) {
	status, err := s.inputs.Pause(r.Context())
	if err != nil {
		s.respondInputError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toStatusResponse(status))
}

func (s *Service) handleResume(w http.ResponseWriter, r *http.Request) {
	status, err := s.inputs.Resume(r.Context())
	if err != nil {
		s.respondInputError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toStatusResponse(status))
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	status, err := s.inputs.Stop(r.Context())
	if err != nil {
		s.respondInputError(w, r, err)
		return
	}
	s.ingestor.Clear()
	respondJSON(w, http.StatusOK, toStatusResponse(status))
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, toStatusResponse(s.inputs.Status(r.Context())))
}

// handleWebRTCOffer negotiates the ingest peer connection. The offer
// arrives either as raw SDP or as {"sdp": "..."}.
func (s *Service) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, fmt.Errorf("read offer: %w", err))
		return
	}
	offer := string(body)
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			SDP string `json:"sdp"`
		}
		if err := json.Unmarshal(body, &req); err != nil || req.SDP == "" {
			respondError(w, r, http.StatusBadRequest, errors.New("request body must contain an sdp field"))
			return
		}
		offer = req.SDP
	}
	if strings.TrimSpace(offer) == "" {
		respondError(w, r, http.StatusBadRequest, errors.New("empty SDP offer"))
		return
	}

	answer, err := s.ingestor.HandleOffer(r.Context(), offer)
	if err != nil {
		if strings.Contains(err.Error(), "not configured") {
			respondError(w, r, http.StatusBadRequest, err)
			return
		}
		respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"sdp": answer})
}

// syncIngestor points the WebRTC ingestor at the session's current
// ingest FIFOs, or clears it when the pipeline has no webrtc sources.
func (s *Service) syncIngestor(status virtualinput.Status) {
	var videoPath, videoFormat, audioPath, audioFormat string
	if status.Ingest != nil {
		if ep := status.Ingest.Video; ep != nil && ep.Protocol == "webrtc" {
			videoPath, videoFormat = ep.Path, ep.Format
		}
		if ep := status.Ingest.Audio; ep != nil && ep.Protocol == "webrtc" {
			audioPath, audioFormat = ep.Path, ep.Format
		}
	}
	if videoPath == "" && audioPath == "" {
		s.ingestor.Clear()
		return
	}
	s.ingestor.Configure(videoPath, videoFormat, audioPath, audioFormat)
}

func (s *Service) respondInputError(w http.ResponseWriter, r *http.Request, err error) {
	if isConfigValidationErr(err) {
		respondError(w, r, http.StatusBadRequest, err)
		return
	}
	respondError(w, r, http.StatusInternalServerError, err)
}

func toMediaSource(req *mediaSourceRequest) *virtualinput.MediaSource {
	if req == nil {
		return nil
	}
	return &virtualinput.MediaSource{
		Type:   virtualinput.SourceType(req.Type),
		URL:    req.URL,
		Loop:   req.Loop,
		Format: req.Format,
	}
}

func fromMediaSource(src *virtualinput.MediaSource) *mediaSourceRequest {
	if src == nil {
		return nil
	}
	return &mediaSourceRequest{
		Type:   string(src.Type),
		URL:    src.URL,
		Loop:   src.Loop,
		Format: src.Format,
	}
}

func toStatusResponse(status virtualinput.Status) statusResponse {
	resp := statusResponse{
		State:            status.State,
		VideoDevice:      status.VideoDevice,
		AudioSink:        status.AudioSink,
		MicrophoneSource: status.MicrophoneSource,
		Video:            fromMediaSource(status.Video),
		Audio:            fromMediaSource(status.Audio),
		Width:            status.Width,
		Height:           status.Height,
		FrameRate:        status.FrameRate,
		StartedAt:        status.StartedAt,
		LastError:        status.LastError,
	}
	if status.Ingest != nil {
		resp.Ingest = &ingestResponse{
			Video: toIngestEndpoint(status.Ingest.Video),
			Audio: toIngestEndpoint(status.Ingest.Audio),
		}
	}
	return resp
}

func toIngestEndpoint(ep *virtualinput.IngestEndpoint) *ingestEndpointResponse {
	if ep == nil {
		return nil
	}
	return &ingestEndpointResponse{Protocol: ep.Protocol, Format: ep.Format, Path: ep.Path}
}
