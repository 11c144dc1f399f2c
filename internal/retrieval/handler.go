package retrieval

import (
	"encoding/json"
	"net/http"

	"github.com/kbpipeline/retrieval-platform/pkg/apperrors"
	"github.com/kbpipeline/retrieval-platform/pkg/logger"
)

// Handler exposes the query endpoint.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a Handler.
func NewHandler(o *Orchestrator) *Handler {
	return &Handler{orchestrator: o}
}

// Register mounts the retrieval routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/query", h.handleQuery)
}

type queryRequest struct {
	Query     string `json:"query"`
	TopK      int    `json:"top_k"`
	SessionID string `json:"session_id"`
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, 400, "invalid JSON body"))
		return
	}
	if req.SessionID != "" {
		logger.FromContext(r.Context()).Debug("query received", "session_id", req.SessionID)
	}
	answer, err := h.orchestrator.Query(r.Context(), req.Query, req.TopK)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= 500 {
		logger.FromContext(r.Context()).Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{
		Error:     err.Error(),
		Retryable: apperrors.Retryable(err),
		RequestID: logger.RequestID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("http").Error("failed to encode response", "error", err)
	}
}
