// Package apperrors defines the error taxonomy shared across the retrieval
// platform: sentinel errors for external-collaborator failures and internal
// invariant violations, plus an AppError wrapper that carries an HTTP status.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrParseUnavailable indicates the upstream OCR/parsing collaborator
	// failed; the document moves to Failed and is retryable by re-upload.
	ErrParseUnavailable = errors.New("parsed text unavailable")
	// ErrEmbeddingUnavailable indicates the embedding service timed out or
	// errored. Ingestion retries with backoff; retrieval degrades.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")
	// ErrGenerationUnavailable indicates the generation service timed out
	// or errored; retrieval falls back to a templated answer.
	ErrGenerationUnavailable = errors.New("generation service unavailable")
	// ErrIndexCorruption indicates a broken index invariant, e.g. a
	// dangling chunk reference. The index must be rebuilt from the
	// persisted chunks, never silently ignored.
	ErrIndexCorruption = errors.New("vector index corruption")
	// ErrDictionaryRebuild indicates a malformed dictionary entry was
	// rejected at admin-update time; the previous automaton generation
	// remains active.
	ErrDictionaryRebuild = errors.New("dictionary rebuild failed")
	// ErrQueueFull indicates the ingestion queue is at its bound; the
	// caller should retry later.
	ErrQueueFull = errors.New("ingestion queue full")
	// ErrQueryBlocked indicates the pattern filter blocked the query.
	ErrQueryBlocked = errors.New("query blocked by content filter")

	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrTimeout          = errors.New("operation timed out")
	ErrInternal         = errors.New("internal error")
)

// AppError attaches a human-readable message and an HTTP status to one of
// the sentinel errors above.
type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New wraps a sentinel error with a status code and message.
func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Newf is New with fmt-style message formatting.
func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Retryable reports whether the caller may retry the failed operation.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrQueueFull),
		errors.Is(err, ErrEmbeddingUnavailable),
		errors.Is(err, ErrGenerationUnavailable),
		errors.Is(err, ErrParseUnavailable),
		errors.Is(err, ErrTimeout):
		return true
	}
	return false
}

// HTTPStatusCode maps an error to the HTTP status to surface to clients.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrDictionaryRebuild):
		return http.StatusBadRequest
	case errors.Is(err, ErrQueryBlocked):
		return http.StatusForbidden
	case errors.Is(err, ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrParseUnavailable),
		errors.Is(err, ErrEmbeddingUnavailable),
		errors.Is(err, ErrGenerationUnavailable),
		errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
