// Package admin exposes the dictionary management API. It lives in the
// retrieval service because that process owns the live filter automaton:
// every successful change persists to the store and swaps in a new
// automaton generation before the request returns.
package admin

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/kbpipeline/retrieval-platform/internal/filter"
	"github.com/kbpipeline/retrieval-platform/internal/store"
	"github.com/kbpipeline/retrieval-platform/pkg/apperrors"
	"github.com/kbpipeline/retrieval-platform/pkg/logger"
	"github.com/kbpipeline/retrieval-platform/pkg/metrics"
)

// Handler serves the dictionary endpoints.
type Handler struct {
	// mu serializes read-modify-rebuild-persist cycles so concurrent admin
	// edits cannot interleave.
	mu      sync.Mutex
	dict    *store.DictionaryStore
	filter  *filter.Filter
	metrics *metrics.Metrics
}

// NewHandler creates a Handler.
func NewHandler(dict *store.DictionaryStore, f *filter.Filter, m *metrics.Metrics) *Handler {
	return &Handler{dict: dict, filter: f, metrics: m}
}

// Register mounts the admin routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/admin/dictionary", h.handleList)
	mux.HandleFunc("PUT /api/v1/admin/dictionary/{pattern}", h.handleUpsert)
	mux.HandleFunc("DELETE /api/v1/admin/dictionary/{pattern}", h.handleDelete)
}

type entryPayload struct {
	Pattern       string   `json:"pattern"`
	Action        string   `json:"action"`
	AllowContexts []string `json:"allow_contexts,omitempty"`
	Substring     bool     `json:"substring,omitempty"`
}

type dictionaryResponse struct {
	Entries    []entryPayload `json:"entries"`
	Generation uint64         `json:"generation"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.dict.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, e := range entries {
		payload = append(payload, entryPayload{
			Pattern:       e.Pattern,
			Action:        e.Action.String(),
			AllowContexts: e.AllowContexts,
			Substring:     e.Substring,
		})
	}
	writeJSON(w, http.StatusOK, dictionaryResponse{
		Entries:    payload,
		Generation: h.filter.Generation(),
	})
}

func (h *Handler) handleUpsert(w http.ResponseWriter, r *http.Request) {
	pattern := r.PathValue("pattern")
	var body entryPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, 400, "invalid JSON body"))
		return
	}
	action, err := filter.ParseAction(body.Action)
	if err != nil {
		writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, 400, "%v", err))
		return
	}
	entry := filter.Entry{
		Pattern:       pattern,
		Action:        action,
		AllowContexts: body.AllowContexts,
		Substring:     body.Substring,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	current, err := h.dict.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	next := make([]filter.Entry, 0, len(current)+1)
	for _, e := range current {
		if e.Pattern != pattern {
			next = append(next, e)
		}
	}
	next = append(next, entry)

	// Rebuild before persisting: a malformed entry must leave both the
	// store and the active generation untouched.
	if err := h.filter.Rebuild(next); err != nil {
		h.metrics.DictionaryRebuilds.WithLabelValues("rejected").Inc()
		writeError(w, r, err)
		return
	}
	if err := h.dict.Upsert(r.Context(), entry); err != nil {
		logger.FromContext(r.Context()).Error("dictionary persisted state behind live automaton",
			"pattern", pattern,
			"error", err,
		)
		writeError(w, r, err)
		return
	}
	h.observeRebuild()
	writeJSON(w, http.StatusOK, map[string]any{
		"pattern":    pattern,
		"generation": h.filter.Generation(),
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	pattern := r.PathValue("pattern")

	h.mu.Lock()
	defer h.mu.Unlock()

	current, err := h.dict.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	next := make([]filter.Entry, 0, len(current))
	found := false
	for _, e := range current {
		if e.Pattern == pattern {
			found = true
			continue
		}
		next = append(next, e)
	}
	if !found {
		writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, 404, "no dictionary entry %q", pattern))
		return
	}

	if err := h.filter.Rebuild(next); err != nil {
		h.metrics.DictionaryRebuilds.WithLabelValues("rejected").Inc()
		writeError(w, r, err)
		return
	}
	if _, err := h.dict.Delete(r.Context(), pattern); err != nil {
		writeError(w, r, err)
		return
	}
	h.observeRebuild()
	writeJSON(w, http.StatusOK, map[string]any{
		"pattern":    pattern,
		"generation": h.filter.Generation(),
	})
}

func (h *Handler) observeRebuild() {
	h.metrics.DictionaryRebuilds.WithLabelValues("ok").Inc()
	h.metrics.FilterGeneration.Set(float64(h.filter.Generation()))
	h.metrics.DictionaryEntries.Set(float64(h.filter.EntryCount()))
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= 500 {
		logger.FromContext(r.Context()).Error("admin request failed", "error", err)
	}
	writeJSON(w, status, map[string]any{
		"error":      err.Error(),
		"request_id": logger.RequestID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("admin").Error("failed to encode response", "error", err)
	}
}
