package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/admitflow/admission-progress/internal/domain"
	"github.com/go-chi/chi/v5"
)

// ProgressReader serves last-committed progress snapshots.
type ProgressReader interface {
	GetProgress(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error)
}

type ProgressHandler struct {
	store ProgressReader
}

func NewProgressHandler(store ProgressReader) *ProgressHandler {
	return &ProgressHandler{store: store}
}

type progressResponse struct {
	JobID   string `json:"job_id"`
	Step    string `json:"step"`
	Status  string `json:"status"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
	Version int64  `json:"version"`
}

// Poll returns the snapshot only when the stored version is strictly greater
// than the caller's last_version cursor; otherwise 204. Safe to call
// arbitrarily often; a caller that feeds back the versions it receives can
// never observe a regression.
func (h *ProgressHandler) Poll(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	lastVersion := int64(-1)
	if raw := r.URL.Query().Get("last_version"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "last_version must be an integer")
			return
		}
		lastVersion = n
	}

	snapshot, err := h.store.GetProgress(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read progress")
		return
	}
	if snapshot == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}

	if snapshot.Version <= lastVersion {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	respondJSON(w, http.StatusOK, progressResponse{
		JobID:   snapshot.JobID,
		Step:    snapshot.Step,
		Status:  snapshot.Status,
		Percent: snapshot.Percent,
		Message: snapshot.Message,
		Version: snapshot.Version,
	})
}
