package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Sumatoshi-tech/peer/internal/pipeline"
	"github.com/Sumatoshi-tech/peer/internal/store"
)

// handleGetRun serves one run by id.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")

			return
		}

		s.writeError(w, http.StatusInternalServerError, "load run failed")

		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

// handleListRuns serves runs filtered by ?repo= and ?pr=, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")

	pr := 0
	if raw := r.URL.Query().Get("pr"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "pr must be an integer")

			return
		}

		pr = parsed
	}

	runs, err := s.store.ListRuns(r.Context(), repo, pr)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list runs failed")

		return
	}

	if runs == nil {
		runs = []store.PRRun{}
	}

	s.writeJSON(w, http.StatusOK, runs)
}

// patchSummary is the list/detail shape for a patch without the per-file
// texts, which can be large.
type patchSummary struct {
	store.PatchRequest

	Files []patchFileSummary `json:"files"`
}

type patchFileSummary struct {
	File          string `json:"file"`
	Ready         bool   `json:"ready"`
	AIRewritten   bool   `json:"aiRewritten"`
	ChangeSummary string `json:"changeSummary,omitempty"`
	Skipped       bool   `json:"skipped,omitempty"`
	SkipReason    string `json:"skipReason,omitempty"`
}

// handleGetPatch serves one patch with per-file summaries; the heavy file
// artifacts are served individually.
func (s *Server) handleGetPatch(w http.ResponseWriter, r *http.Request) {
	patch, err := s.store.GetPatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "patch not found")

			return
		}

		s.writeError(w, http.StatusInternalServerError, "load patch failed")

		return
	}

	summary := patchSummary{PatchRequest: patch}

	for _, f := range patch.Preview.Files {
		summary.Files = append(summary.Files, patchFileSummary{
			File:          f.File,
			Ready:         f.Ready,
			AIRewritten:   f.AIRewritten,
			ChangeSummary: f.ChangeSummary,
			Skipped:       f.Skipped,
			SkipReason:    f.SkipReason,
		})
	}

	summary.Preview.Files = nil

	s.writeJSON(w, http.StatusOK, summary)
}

// handleGetPatchFile serves one preview file artifact by slot index.
func (s *Server) handleGetPatchFile(w http.ResponseWriter, r *http.Request) {
	patch, err := s.store.GetPatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "patch not found")

			return
		}

		s.writeError(w, http.StatusInternalServerError, "load patch failed")

		return
	}

	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 || index >= len(patch.Preview.Files) {
		s.writeError(w, http.StatusNotFound, "file index out of range")

		return
	}

	s.writeJSON(w, http.StatusOK, patch.Preview.Files[index])
}

// createPatchRequest is the POST /api/patches body.
type createPatchRequest struct {
	RunID      string   `json:"runId"`
	FindingIDs []string `json:"findingIds"`
	UserID     string   `json:"userId"`
}

// handleCreatePatch creates a patch request over a completed run and queues
// its preview jobs.
func (s *Server) handleCreatePatch(w http.ResponseWriter, r *http.Request) {
	var req createPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json body")

		return
	}

	if req.RunID == "" {
		s.writeError(w, http.StatusBadRequest, "runId is required")

		return
	}

	patch, err := s.pipeline.CreatePatchRequest(r.Context(), req.RunID, req.FindingIDs, req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "run not found")
		case errors.Is(err, pipeline.ErrRunNotCompleted):
			s.writeError(w, http.StatusConflict, "run has not completed analysis")
		case errors.Is(err, pipeline.ErrNoFindings):
			s.writeError(w, http.StatusBadRequest, "selection matches no findings")
		default:
			s.writeError(w, http.StatusInternalServerError, "create patch failed")
		}

		return
	}

	s.writeJSON(w, http.StatusCreated, patch)
}
