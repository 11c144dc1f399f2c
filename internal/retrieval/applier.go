package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kbpipeline/retrieval-platform/internal/ingest"
	"github.com/kbpipeline/retrieval-platform/internal/store"
	"github.com/kbpipeline/retrieval-platform/internal/vecindex"
	"github.com/kbpipeline/retrieval-platform/pkg/apperrors"
	"github.com/kbpipeline/retrieval-platform/pkg/kafka"
	"github.com/kbpipeline/retrieval-platform/pkg/metrics"
	"github.com/kbpipeline/retrieval-platform/pkg/resilience"
)

const snapshotName = "vecindex.gob"

// rebuildTimeout bounds the full-store scan when no usable snapshot exists;
// a wedged database fails startup with a clear error instead of hanging
// readiness forever.
const rebuildTimeout = 2 * time.Minute

// DocumentTracker is the slice of the document store the applier needs to
// finish or fail documents.
type DocumentTracker interface {
	SetStatus(ctx context.Context, id string, status store.Status) error
	SetFailed(ctx context.Context, id, reason string) error
}

// Applier owns the write side of the vector index: it consumes
// index-update events and reconciles the in-process graph against the
// chunk store, one document at a time. Applying is idempotent, so a
// redelivered event converges to the same state.
type Applier struct {
	index   *vecindex.Index
	chunks  ChunkSource
	docs    DocumentTracker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewApplier creates an Applier.
func NewApplier(index *vecindex.Index, chunks ChunkSource, docs DocumentTracker, m *metrics.Metrics) *Applier {
	return &Applier{
		index:   index,
		chunks:  chunks,
		docs:    docs,
		metrics: m,
		logger:  slog.Default().With("component", "index-applier"),
	}
}

// Handler adapts the applier to the Kafka consume loop. Store errors are
// returned so the event stays uncommitted and is redelivered.
func (a *Applier) Handler() kafka.MessageHandler {
	return func(ctx context.Context, key, value []byte) error {
		ev, err := kafka.DecodeJSON[ingest.IndexUpdateEvent](value)
		if err != nil {
			a.logger.Error("dropping undecodable index event",
				"key", string(key),
				"error", err,
			)
			return nil
		}
		switch ev.Op {
		case ingest.OpApply:
			return a.apply(ctx, ev.DocumentID)
		case ingest.OpRemove:
			a.remove(ev.DocumentID)
			return nil
		default:
			a.logger.Error("dropping index event with unknown op",
				"document_id", ev.DocumentID,
				"op", ev.Op,
			)
			return nil
		}
	}
}

// apply replaces the document's index entries with its persisted chunk
// set, then flips the document to indexed.
func (a *Applier) apply(ctx context.Context, documentID string) error {
	entries, err := a.chunks.ListEntriesForDocument(ctx, documentID)
	if err != nil {
		return err
	}

	removed := a.index.RemoveDocument(documentID)
	for _, e := range entries {
		if err := a.index.Insert(e); err != nil {
			// A dimension mismatch means the persisted embedding is wrong;
			// redelivery cannot fix it. Fail the document instead.
			if errors.Is(err, vecindex.ErrDimensionMismatch) {
				a.logger.Error("rejecting document with bad embedding",
					"document_id", documentID,
					"chunk_id", e.ChunkID,
					"error", err,
				)
				return a.docs.SetFailed(ctx, documentID, fmt.Sprintf("indexing: %v", err))
			}
			return err
		}
		a.metrics.IndexMutationsTotal.WithLabelValues("insert").Inc()
	}
	if removed > 0 {
		a.metrics.IndexMutationsTotal.WithLabelValues("replace").Inc()
	}
	a.metrics.IndexEntries.Set(float64(a.index.Len()))

	if err := a.docs.SetStatus(ctx, documentID, store.StatusIndexed); err != nil {
		// The document may have been deleted between publish and apply;
		// evict what was just inserted and move on.
		if errors.Is(err, apperrors.ErrDocumentNotFound) {
			a.remove(documentID)
			return nil
		}
		return err
	}
	a.metrics.DocsIngestedTotal.WithLabelValues("indexed").Inc()
	a.logger.Info("document indexed",
		"document_id", documentID,
		"entries", len(entries),
		"replaced", removed,
		"kb_version", a.index.Version(),
	)
	return nil
}

func (a *Applier) remove(documentID string) {
	n := a.index.RemoveDocument(documentID)
	if n > 0 {
		a.metrics.IndexMutationsTotal.WithLabelValues("remove").Inc()
	}
	a.metrics.IndexEntries.Set(float64(a.index.Len()))
	a.logger.Info("document evicted from index",
		"document_id", documentID,
		"entries", n,
	)
}

// SnapshotPath returns the snapshot file location under dataDir.
func SnapshotPath(dataDir string) string {
	return filepath.Join(dataDir, snapshotName)
}

// Bootstrap fills the index at startup: load the snapshot if one exists,
// fall back to a full rebuild from the chunk store when the snapshot is
// missing or corrupt. The rebuild preserves at least the snapshot's
// knowledge-base version so stale shared-cache entries stay dead.
func Bootstrap(ctx context.Context, index *vecindex.Index, chunks ChunkSource, dataDir string) error {
	log := slog.Default().With("component", "index-bootstrap")
	path := SnapshotPath(dataDir)

	err := index.Load(path)
	if err == nil {
		log.Info("index loaded from snapshot",
			"path", path,
			"entries", index.Len(),
			"kb_version", index.Version(),
		)
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unusable, rebuilding from store",
			"path", path,
			"error", err,
		)
	}

	return resilience.WithTimeout(ctx, rebuildTimeout, "index rebuild", func(ctx context.Context) error {
		entries, listErr := chunks.ListAllEntries(ctx)
		if listErr != nil {
			return fmt.Errorf("loading entries for rebuild: %w", listErr)
		}
		minVersion := index.Version()
		if err := index.RebuildFrom(entries, minVersion); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrIndexCorruption, err)
		}
		log.Info("index rebuilt from store",
			"entries", index.Len(),
			"kb_version", index.Version(),
		)
		return nil
	})
}
