package retrieval

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/kbpipeline/retrieval-platform/internal/ingest"
	"github.com/kbpipeline/retrieval-platform/internal/store"
	"github.com/kbpipeline/retrieval-platform/internal/vecindex"
	"github.com/kbpipeline/retrieval-platform/pkg/apperrors"
)

type fakeTracker struct {
	mu       sync.Mutex
	statuses map[string]store.Status
	missing  map[string]bool
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		statuses: make(map[string]store.Status),
		missing:  make(map[string]bool),
	}
}

func (f *fakeTracker) SetStatus(_ context.Context, id string, status store.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[id] {
		return apperrors.Newf(apperrors.ErrDocumentNotFound, 404, "document %s", id)
	}
	f.statuses[id] = status
	return nil
}

func (f *fakeTracker) SetFailed(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = store.StatusFailed
	return nil
}

func (f *fakeTracker) status(id string) store.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func newTestIndex() *vecindex.Index {
	return vecindex.New(vecindex.Params{Dimension: 4, M: 8, EfConstruction: 32, EfSearch: 16})
}

func eventBytes(t *testing.T, ev ingest.IndexUpdateEvent) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestApplierApply(t *testing.T) {
	index := newTestIndex()
	chunks := newFakeChunkSource()
	tracker := newFakeTracker()
	chunks.add("d1", "c1", "one", []float32{1, 0, 0, 0})
	chunks.add("d1", "c2", "two", []float32{0, 1, 0, 0})

	a := NewApplier(index, chunks, tracker, newTestMetrics())
	handler := a.Handler()

	ev := eventBytes(t, ingest.IndexUpdateEvent{DocumentID: "d1", Op: ingest.OpApply})
	if err := handler(context.Background(), []byte("d1"), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if index.Len() != 2 {
		t.Errorf("index has %d entries, want 2", index.Len())
	}
	if tracker.status("d1") != store.StatusIndexed {
		t.Errorf("document status = %s, want indexed", tracker.status("d1"))
	}
}

func TestApplierApplyIdempotent(t *testing.T) {
	index := newTestIndex()
	chunks := newFakeChunkSource()
	tracker := newFakeTracker()
	chunks.add("d1", "c1", "one", []float32{1, 0, 0, 0})

	a := NewApplier(index, chunks, tracker, newTestMetrics())
	handler := a.Handler()
	ev := eventBytes(t, ingest.IndexUpdateEvent{DocumentID: "d1", Op: ingest.OpApply})

	for i := 0; i < 3; i++ {
		if err := handler(context.Background(), []byte("d1"), ev); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	if index.Len() != 1 {
		t.Errorf("redelivered apply duplicated entries: Len = %d", index.Len())
	}
}

func TestApplierReplacesOldChunkSet(t *testing.T) {
	index := newTestIndex()
	chunks := newFakeChunkSource()
	tracker := newFakeTracker()
	chunks.add("d1", "c-old", "old", []float32{1, 0, 0, 0})

	a := NewApplier(index, chunks, tracker, newTestMetrics())
	handler := a.Handler()
	ev := eventBytes(t, ingest.IndexUpdateEvent{DocumentID: "d1", Op: ingest.OpApply})
	if err := handler(context.Background(), []byte("d1"), ev); err != nil {
		t.Fatal(err)
	}

	// Re-ingestion wrote a fresh chunk set.
	chunks.mu.Lock()
	chunks.entries["d1"] = nil
	chunks.mu.Unlock()
	chunks.add("d1", "c-new", "new", []float32{0, 1, 0, 0})

	if err := handler(context.Background(), []byte("d1"), ev); err != nil {
		t.Fatal(err)
	}
	if index.Len() != 1 {
		t.Fatalf("Len = %d after replacement, want 1", index.Len())
	}
	hits, err := index.Query([]float32{1, 0, 0, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		if h.ChunkID == "c-old" {
			t.Error("old chunk survived re-ingestion apply")
		}
	}
}

func TestApplierRemove(t *testing.T) {
	index := newTestIndex()
	chunks := newFakeChunkSource()
	tracker := newFakeTracker()
	chunks.add("d1", "c1", "one", []float32{1, 0, 0, 0})

	a := NewApplier(index, chunks, tracker, newTestMetrics())
	handler := a.Handler()

	apply := eventBytes(t, ingest.IndexUpdateEvent{DocumentID: "d1", Op: ingest.OpApply})
	if err := handler(context.Background(), []byte("d1"), apply); err != nil {
		t.Fatal(err)
	}
	remove := eventBytes(t, ingest.IndexUpdateEvent{DocumentID: "d1", Op: ingest.OpRemove})
	if err := handler(context.Background(), []byte("d1"), remove); err != nil {
		t.Fatal(err)
	}
	if index.Len() != 0 {
		t.Errorf("Len = %d after remove, want 0", index.Len())
	}
}

func TestApplierEvictsWhenDocumentGone(t *testing.T) {
	index := newTestIndex()
	chunks := newFakeChunkSource()
	tracker := newFakeTracker()
	chunks.add("d1", "c1", "one", []float32{1, 0, 0, 0})
	// Document deleted between publish and apply.
	tracker.missing["d1"] = true

	a := NewApplier(index, chunks, tracker, newTestMetrics())
	ev := eventBytes(t, ingest.IndexUpdateEvent{DocumentID: "d1", Op: ingest.OpApply})
	if err := a.Handler()(context.Background(), []byte("d1"), ev); err != nil {
		t.Fatalf("apply for deleted document should not error: %v", err)
	}
	if index.Len() != 0 {
		t.Errorf("entries for deleted document remained: Len = %d", index.Len())
	}
}

func TestApplierDropsMalformedEvents(t *testing.T) {
	a := NewApplier(newTestIndex(), newFakeChunkSource(), newFakeTracker(), newTestMetrics())
	handler := a.Handler()

	if err := handler(context.Background(), []byte("k"), []byte("not json")); err != nil {
		t.Errorf("malformed event should be committed, got %v", err)
	}
	unknown := []byte(`{"document_id":"d1","op":"mystery"}`)
	if err := handler(context.Background(), []byte("d1"), unknown); err != nil {
		t.Errorf("unknown op should be committed, got %v", err)
	}
}

func TestBootstrapFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	src := newTestIndex()
	if err := src.Insert(vecindex.Entry{ChunkID: "c1", DocumentID: "d1", Vector: []float32{1, 0, 0, 0}}); err != nil {
		t.Fatal(err)
	}
	if err := src.Snapshot(SnapshotPath(dir)); err != nil {
		t.Fatal(err)
	}

	index := newTestIndex()
	if err := Bootstrap(context.Background(), index, newFakeChunkSource(), dir); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if index.Len() != 1 {
		t.Errorf("Len = %d after snapshot load, want 1", index.Len())
	}
	if index.Version() != src.Version() {
		t.Errorf("Version = %d, want %d", index.Version(), src.Version())
	}
}

func TestBootstrapRebuildsWithoutSnapshot(t *testing.T) {
	chunks := newFakeChunkSource()
	chunks.add("d1", "c1", "one", []float32{1, 0, 0, 0})
	chunks.add("d2", "c2", "two", []float32{0, 1, 0, 0})

	index := newTestIndex()
	if err := Bootstrap(context.Background(), index, chunks, t.TempDir()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if index.Len() != 2 {
		t.Errorf("Len = %d after rebuild, want 2", index.Len())
	}
}

type deadlineCheckingSource struct {
	*fakeChunkSource
	hadDeadline bool
}

func (d *deadlineCheckingSource) ListAllEntries(ctx context.Context) ([]vecindex.Entry, error) {
	_, d.hadDeadline = ctx.Deadline()
	return d.fakeChunkSource.ListAllEntries(ctx)
}

func TestBootstrapBoundsRebuildQuery(t *testing.T) {
	chunks := &deadlineCheckingSource{fakeChunkSource: newFakeChunkSource()}
	chunks.add("d1", "c1", "one", []float32{1, 0, 0, 0})

	if err := Bootstrap(context.Background(), newTestIndex(), chunks, t.TempDir()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !chunks.hadDeadline {
		t.Error("rebuild query ran without a deadline")
	}
}
