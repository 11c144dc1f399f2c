package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/kbpipeline/retrieval-platform/internal/chunker"
	"github.com/kbpipeline/retrieval-platform/internal/vecindex"
	"github.com/kbpipeline/retrieval-platform/pkg/postgres"
)

// StoredChunk is a chunk with its embedding, as persisted. Embeddings are
// stored as float8[]; conversion to float32 happens at the boundary.
type StoredChunk struct {
	ChunkID    string
	DocumentID string
	Seq        int
	Page       int
	Offset     int
	Text       string
	Tokens     int
	Embedding  []float32
}

// ChunkStore persists chunks and their embeddings.
type ChunkStore struct {
	client *postgres.Client
}

// NewChunkStore creates a ChunkStore.
func NewChunkStore(client *postgres.Client) *ChunkStore {
	return &ChunkStore{client: client}
}

// ReplaceForDocument atomically swaps the chunk set of a document: old
// rows go, new rows land, in one transaction. Re-ingestion therefore never
// leaves a mixed old/new chunk set visible.
func (s *ChunkStore) ReplaceForDocument(ctx context.Context, documentID string, chunks []StoredChunk) error {
	return s.client.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
			return fmt.Errorf("clearing chunks for document %s: %w", documentID, err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (id, document_id, seq, page, char_offset, body, tokens, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
		if err != nil {
			return fmt.Errorf("preparing chunk insert: %w", err)
		}
		defer stmt.Close()
		for _, c := range chunks {
			if _, err := stmt.ExecContext(ctx,
				c.ChunkID, documentID, c.Seq, c.Page, c.Offset, c.Text, c.Tokens,
				pq.Array(toFloat64(c.Embedding)),
			); err != nil {
				return fmt.Errorf("inserting chunk %s: %w", c.ChunkID, err)
			}
		}
		return nil
	})
}

// DeleteForDocument removes all chunk rows of a document.
func (s *ChunkStore) DeleteForDocument(ctx context.Context, documentID string) error {
	if _, err := s.client.DB.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("deleting chunks for document %s: %w", documentID, err)
	}
	return nil
}

// ListEntriesForDocument returns the index entries of one document, for
// applying an index update.
func (s *ChunkStore) ListEntriesForDocument(ctx context.Context, documentID string) ([]vecindex.Entry, error) {
	rows, err := s.client.DB.QueryContext(ctx, `
		SELECT id, document_id, embedding
		FROM chunks WHERE document_id = $1 ORDER BY seq`, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing entries for document %s: %w", documentID, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListAllEntries streams every chunk of every indexed or indexing
// document, for rebuilding the vector index from scratch.
func (s *ChunkStore) ListAllEntries(ctx context.Context) ([]vecindex.Entry, error) {
	rows, err := s.client.DB.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.embedding
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.status IN ($1, $2)
		ORDER BY c.id`, StatusIndexing, StatusIndexed)
	if err != nil {
		return nil, fmt.Errorf("listing all index entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetByIDs fetches full chunk rows for the given chunk ids, preserving
// the order of ids. Missing ids are silently skipped; the index can be
// momentarily ahead of a deletion.
func (s *ChunkStore) GetByIDs(ctx context.Context, ids []string) ([]StoredChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.client.DB.QueryContext(ctx, `
		SELECT id, document_id, seq, page, char_offset, body, tokens
		FROM chunks WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("fetching chunks by id: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]StoredChunk, len(ids))
	for rows.Next() {
		var c StoredChunk
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.Seq, &c.Page, &c.Offset, &c.Text, &c.Tokens); err != nil {
			return nil, fmt.Errorf("scanning chunk row: %w", err)
		}
		byID[c.ChunkID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunk rows: %w", err)
	}

	out := make([]StoredChunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// FromChunk pairs a chunker.Chunk with its embedding.
func FromChunk(c chunker.Chunk, chunkID string, embedding []float32) StoredChunk {
	return StoredChunk{
		ChunkID:    chunkID,
		DocumentID: c.DocumentID,
		Seq:        c.Seq,
		Page:       c.Page,
		Offset:     c.Offset,
		Text:       c.Text,
		Tokens:     c.Tokens,
		Embedding:  embedding,
	}
}

func scanEntries(rows *sql.Rows) ([]vecindex.Entry, error) {
	var entries []vecindex.Entry
	for rows.Next() {
		var (
			e   vecindex.Entry
			vec []float64
		)
		if err := rows.Scan(&e.ChunkID, &e.DocumentID, pq.Array(&vec)); err != nil {
			return nil, fmt.Errorf("scanning entry row: %w", err)
		}
		e.Vector = toFloat32(vec)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entry rows: %w", err)
	}
	return entries, nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
