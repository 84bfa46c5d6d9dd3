package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentdesk/workstation/lib/ziputil"
)

// 100 MiB is far beyond any reasonable extension archive.
const maxUploadBytes = 100 << 20

type extensionAddRequest struct {
	RepoURL string `json:"repoUrl"`
	Branch  string `json:"branch,omitempty"`
}

// handleExtensionAdd installs an extension from a GitHub repository.
func (s *Service) handleExtensionAdd(w http.ResponseWriter, r *http.Request) {
	var req extensionAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.RepoURL == "" {
		respondError(w, r, http.StatusBadRequest, errors.New("repoUrl is required"))
		return
	}

	report, err := s.installer.InstallFromGitHub(r.Context(), req.RepoURL, req.Branch)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusCreated, report)
}

// handleExtensionUpload installs an extension from an uploaded zip. The
// archive arrives as the multipart "file" field, or as the raw body for
// non-multipart requests.
func (s *Service) handleExtensionUpload(w http.ResponseWriter, r *http.Request) {
	archive := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err == nil {
		file, _, err := r.FormFile("file")
		if err != nil {
			respondError(w, r, http.StatusBadRequest, errors.New(`multipart upload must include a "file" field`))
			return
		}
		defer file.Close()
		archive = file
	}

	report, err := s.installer.InstallFromUpload(r.Context(), archive)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusCreated, report)
}

// handleExtRepo serves published CRX and update.xml files. Paths that
// would escape the repository directory are rejected.
func (s *Service) handleExtRepo(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	target, err := ziputil.SecureJoin(s.cfg.ExtRepoDir, rel)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, errors.New("invalid path"))
		return
	}
	http.ServeFile(w, r, target)
}
