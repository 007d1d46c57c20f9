package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/galaxtel/audiobridge/pkg/bridge/store"
)

// CallReader is the store slice the listing endpoints need.
type CallReader interface {
	ListCalls(ctx context.Context, limit int) ([]store.Call, error)
	GetCall(ctx context.Context, callID string) (store.Call, error)
	ListChunks(ctx context.Context, callID string) ([]store.Chunk, error)
}

// CallsHandler serves GET /v1/calls.
type CallsHandler struct {
	Store  CallReader
	Logger *slog.Logger
}

func (h CallsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be an integer in [1,1000]")
			return
		}
		limit = n
	}

	calls, err := h.Store.ListCalls(r.Context(), limit)
	if err != nil {
		h.Logger.Error("list calls failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

// CallHandler serves GET /v1/calls/{id}.
type CallHandler struct {
	Store  CallReader
	Logger *slog.Logger
}

func (h CallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	call, err := h.Store.GetCall(r.Context(), callID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		h.Logger.Error("get call failed", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// ChunksHandler serves GET /v1/calls/{id}/chunks.
type ChunksHandler struct {
	Store  CallReader
	Logger *slog.Logger
}

func (h ChunksHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	if _, err := h.Store.GetCall(r.Context(), callID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		h.Logger.Error("get call failed", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	chunks, err := h.Store.ListChunks(r.Context(), callID)
	if err != nil {
		h.Logger.Error("list chunks failed", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"call_id": callID, "chunks": chunks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
