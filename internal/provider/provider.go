// Package provider defines the narrow interfaces through which the
// pipeline consumes its external collaborators: the embedding service, the
// generation service, and the blob/parse service that serves cleaned
// document text. The HTTP implementations wrap every call in a circuit
// breaker; callers see only the sentinel errors from pkg/apperrors.
package provider

import "context"

// Embedder turns text into a fixed-dimension vector. Fails with
// apperrors.ErrEmbeddingUnavailable on timeout or service error.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator composes an answer from a query and ordered grounding
// passages. Fails with apperrors.ErrGenerationUnavailable.
type Generator interface {
	Generate(ctx context.Context, query string, passages []string) (string, error)
}

// ParsedTextSource serves the cleaned, page-segmented text of an uploaded
// document; parsing and OCR have already happened upstream. Fails with
// apperrors.ErrParseUnavailable.
type ParsedTextSource interface {
	FetchParsedText(ctx context.Context, documentID string) (string, error)
}
