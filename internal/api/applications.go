package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// SubmissionStore persists a new application job and its outbox event in one
// transaction.
type SubmissionStore interface {
	SubmitApplication(ctx context.Context, jobID string, payload []byte) error
}

type ApplicationHandler struct {
	store SubmissionStore
}

func NewApplicationHandler(store SubmissionStore) *ApplicationHandler {
	return &ApplicationHandler{store: store}
}

type submitApplicationRequest struct {
	ApplicantID string          `json:"applicant_id"`
	Program     string          `json:"program"`
	Form        json.RawMessage `json:"form,omitempty"`
}

type submitApplicationResponse struct {
	JobID string `json:"job_id"`
}

// Submit accepts an application, creates the progress record and appends the
// "application.submitted" outbox event transactionally, then returns the job
// id the client tracks progress with.
func (h *ApplicationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ApplicantID == "" {
		respondError(w, http.StatusBadRequest, "applicant_id is required")
		return
	}
	if req.Program == "" {
		respondError(w, http.StatusBadRequest, "program is required")
		return
	}
	if len(req.Form) > 0 && !json.Valid(req.Form) {
		respondError(w, http.StatusBadRequest, "form must be valid JSON")
		return
	}

	jobID := uuid.NewString()

	payload, err := json.Marshal(map[string]interface{}{
		"job_id":       jobID,
		"applicant_id": req.ApplicantID,
		"program":      req.Program,
		"form":         req.Form,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to encode submission")
		return
	}

	if err := h.store.SubmitApplication(r.Context(), jobID, payload); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to submit application")
		return
	}

	respondJSON(w, http.StatusAccepted, submitApplicationResponse{JobID: jobID})
}
