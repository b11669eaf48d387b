package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/admitflow/admission-progress/internal/domain"
	"github.com/go-chi/chi/v5"
)

// DeadLetterReader exposes dead-lettered outbox events for operators.
type DeadLetterReader interface {
	ListDeadLetters(ctx context.Context, aggregateType string, limit int) ([]domain.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id int64) (*domain.DeadLetter, error)
}

type DeadLetterHandler struct {
	store DeadLetterReader
}

func NewDeadLetterHandler(store DeadLetterReader) *DeadLetterHandler {
	return &DeadLetterHandler{store: store}
}

func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	aggregateType := r.URL.Query().Get("aggregate_type")
	limitStr := r.URL.Query().Get("limit")

	limit := 50
	if limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	letters, err := h.store.ListDeadLetters(r.Context(), aggregateType, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	respondJSON(w, http.StatusOK, letters)
}

func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid dead letter id")
		return
	}

	letter, err := h.store.GetDeadLetter(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get dead letter")
		return
	}
	if letter == nil {
		respondError(w, http.StatusNotFound, "dead letter not found")
		return
	}

	respondJSON(w, http.StatusOK, letter)
}
