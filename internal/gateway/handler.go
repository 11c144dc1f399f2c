// Package gateway exposes the document lifecycle API: upload, status,
// re-ingestion, and deletion. The gateway never touches the vector index
// directly; it records intent in the store and publishes the Kafka events
// that drive the ingest workers and the index owner.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kbpipeline/retrieval-platform/internal/ingest"
	"github.com/kbpipeline/retrieval-platform/internal/store"
	"github.com/kbpipeline/retrieval-platform/pkg/apperrors"
	"github.com/kbpipeline/retrieval-platform/pkg/config"
	"github.com/kbpipeline/retrieval-platform/pkg/logger"
)

// Handler serves the document endpoints.
type Handler struct {
	publisher *ingest.Publisher
	docs      *store.DocumentStore
	cfg       config.GatewayConfig
}

// NewHandler creates a Handler.
func NewHandler(publisher *ingest.Publisher, docs *store.DocumentStore, cfg config.GatewayConfig) *Handler {
	return &Handler{publisher: publisher, docs: docs, cfg: cfg}
}

// Register mounts the document routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/documents", h.handleSubmit)
	mux.HandleFunc("GET /api/v1/documents/{id}", h.handleStatus)
	mux.HandleFunc("POST /api/v1/documents/{id}/reingest", h.handleReingest)
	mux.HandleFunc("DELETE /api/v1/documents/{id}", h.handleDelete)
}

type submitRequest struct {
	Title      string `json:"title"`
	UploaderID string `json:"uploader_id"`
}

type documentResponse struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	FailReason string    `json:"fail_reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toResponse(doc *store.Document) documentResponse {
	return documentResponse{
		ID:         doc.ID,
		Title:      doc.Title,
		Status:     string(doc.Status),
		FailReason: doc.FailReason,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadLen)
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, 400, "invalid JSON body"))
		return
	}
	if len(req.Title) > h.cfg.MaxTitleLen {
		writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, 400,
			"title exceeds %d bytes", h.cfg.MaxTitleLen))
		return
	}
	doc, err := h.publisher.Submit(r.Context(), req.Title, req.UploaderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toResponse(doc))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc, err := h.docs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(doc))
}

func (h *Handler) handleReingest(w http.ResponseWriter, r *http.Request) {
	doc, err := h.publisher.Reingest(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toResponse(doc))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.publisher.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= 500 {
		logger.FromContext(r.Context()).Error("gateway request failed", "error", err)
	}
	writeJSON(w, status, map[string]any{
		"error":      err.Error(),
		"retryable":  apperrors.Retryable(err),
		"request_id": logger.RequestID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("gateway").Error("failed to encode response", "error", err)
	}
}
