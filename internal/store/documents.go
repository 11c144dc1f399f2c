// Package store persists documents, chunks, and the filter dictionary in
// PostgreSQL. It is the durable source of truth; the vector index and the
// query cache are both rebuildable from here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kbpipeline/retrieval-platform/pkg/apperrors"
	"github.com/kbpipeline/retrieval-platform/pkg/postgres"
)

// Status is a document's position in the ingestion state machine.
// Transitions run strictly forward; Failed is reachable from any
// non-terminal state and is terminal until an explicit re-ingestion
// resets the document to Pending.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusParsing   Status = "PARSING"
	StatusChunking  Status = "CHUNKING"
	StatusEmbedding Status = "EMBEDDING"
	StatusIndexing  Status = "INDEXING"
	StatusIndexed   Status = "INDEXED"
	StatusFailed    Status = "FAILED"
)

// Document is one uploaded knowledge-base document and its ingestion
// state.
type Document struct {
	ID         string
	Title      string
	UploaderID string
	Status     Status
	FailReason string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DocumentStore persists documents.
type DocumentStore struct {
	client *postgres.Client
}

// NewDocumentStore creates a DocumentStore.
func NewDocumentStore(client *postgres.Client) *DocumentStore {
	return &DocumentStore{client: client}
}

// Create inserts a new document in pending state.
func (s *DocumentStore) Create(ctx context.Context, doc *Document) error {
	query := `
		INSERT INTO documents (id, title, uploader_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())`
	if _, err := s.client.DB.ExecContext(ctx, query,
		doc.ID, doc.Title, doc.UploaderID, doc.Status); err != nil {
		return fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}
	return nil
}

// Get fetches a document by id.
func (s *DocumentStore) Get(ctx context.Context, id string) (*Document, error) {
	query := `
		SELECT id, title, uploader_id, status, COALESCE(fail_reason, ''), created_at, updated_at
		FROM documents WHERE id = $1`
	var doc Document
	err := s.client.DB.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.Title, &doc.UploaderID, &doc.Status, &doc.FailReason,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrDocumentNotFound, 404, "document %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching document %s: %w", id, err)
	}
	return &doc, nil
}

// SetStatus advances a document through the ingestion state machine.
func (s *DocumentStore) SetStatus(ctx context.Context, id string, status Status) error {
	query := `
		UPDATE documents
		SET status = $2, fail_reason = NULL, updated_at = NOW()
		WHERE id = $1`
	res, err := s.client.DB.ExecContext(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("updating document %s to %s: %w", id, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrDocumentNotFound, 404, "document %s", id)
	}
	return nil
}

// SetFailed marks a document failed with a diagnostic reason. Valid from
// any non-terminal state.
func (s *DocumentStore) SetFailed(ctx context.Context, id, reason string) error {
	query := `
		UPDATE documents
		SET status = $2, fail_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status <> $4`
	if _, err := s.client.DB.ExecContext(ctx, query,
		id, StatusFailed, reason, StatusIndexed); err != nil {
		return fmt.Errorf("failing document %s: %w", id, err)
	}
	return nil
}

// Delete removes a document row. Chunk rows go with it via ON DELETE
// CASCADE; the caller is responsible for evicting the vector index.
func (s *DocumentStore) Delete(ctx context.Context, id string) error {
	res, err := s.client.DB.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrDocumentNotFound, 404, "document %s", id)
	}
	return nil
}
