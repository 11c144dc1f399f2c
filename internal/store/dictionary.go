package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/kbpipeline/retrieval-platform/internal/filter"
	"github.com/kbpipeline/retrieval-platform/pkg/postgres"
)

// DictionaryStore persists the content-filter dictionary. The live
// automaton is rebuilt from this table on every change and at startup.
type DictionaryStore struct {
	client *postgres.Client
}

// NewDictionaryStore creates a DictionaryStore.
func NewDictionaryStore(client *postgres.Client) *DictionaryStore {
	return &DictionaryStore{client: client}
}

// List returns every dictionary entry, ordered by pattern.
func (s *DictionaryStore) List(ctx context.Context) ([]filter.Entry, error) {
	rows, err := s.client.DB.QueryContext(ctx, `
		SELECT pattern, action, allow_contexts, substring_match
		FROM dictionary_entries ORDER BY pattern`)
	if err != nil {
		return nil, fmt.Errorf("listing dictionary entries: %w", err)
	}
	defer rows.Close()

	var entries []filter.Entry
	for rows.Next() {
		var (
			e      filter.Entry
			action string
			allow  []string
		)
		if err := rows.Scan(&e.Pattern, &action, pq.Array(&allow), &e.Substring); err != nil {
			return nil, fmt.Errorf("scanning dictionary row: %w", err)
		}
		e.Action, err = filter.ParseAction(action)
		if err != nil {
			return nil, fmt.Errorf("dictionary row %q: %w", e.Pattern, err)
		}
		e.AllowContexts = allow
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dictionary rows: %w", err)
	}
	return entries, nil
}

// Upsert inserts or replaces the entry for a pattern.
func (s *DictionaryStore) Upsert(ctx context.Context, e filter.Entry) error {
	query := `
		INSERT INTO dictionary_entries (pattern, action, allow_contexts, substring_match, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (pattern) DO UPDATE
		SET action = EXCLUDED.action,
		    allow_contexts = EXCLUDED.allow_contexts,
		    substring_match = EXCLUDED.substring_match,
		    updated_at = NOW()`
	if _, err := s.client.DB.ExecContext(ctx, query,
		e.Pattern, e.Action.String(), pq.Array(e.AllowContexts), e.Substring); err != nil {
		return fmt.Errorf("upserting dictionary entry %q: %w", e.Pattern, err)
	}
	return nil
}

// Delete removes the entry for a pattern, reporting whether it existed.
func (s *DictionaryStore) Delete(ctx context.Context, pattern string) (bool, error) {
	res, err := s.client.DB.ExecContext(ctx,
		`DELETE FROM dictionary_entries WHERE pattern = $1`, pattern)
	if err != nil {
		return false, fmt.Errorf("deleting dictionary entry %q: %w", pattern, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
