package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kbpipeline/retrieval-platform/internal/store"
	"github.com/kbpipeline/retrieval-platform/pkg/apperrors"
	"github.com/kbpipeline/retrieval-platform/pkg/config"
	"github.com/kbpipeline/retrieval-platform/pkg/kafka"
	"github.com/kbpipeline/retrieval-platform/pkg/metrics"
)

// Prometheus collectors register globally, so the package shares one set.
var (
	testMetricsOnce sync.Once
	testMetrics     *metrics.Metrics
)

func newTestMetrics() *metrics.Metrics {
	testMetricsOnce.Do(func() { testMetrics = metrics.New() })
	return testMetrics
}

type fakeDocs struct {
	mu         sync.Mutex
	statuses   map[string][]store.Status
	failReason map[string]string
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		statuses:   make(map[string][]store.Status),
		failReason: make(map[string]string),
	}
}

func (f *fakeDocs) SetStatus(_ context.Context, id string, status store.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = append(f.statuses[id], status)
	return nil
}

func (f *fakeDocs) SetFailed(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = append(f.statuses[id], store.StatusFailed)
	f.failReason[id] = reason
	return nil
}

func (f *fakeDocs) history(id string) []store.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Status(nil), f.statuses[id]...)
}

type fakeChunks struct {
	mu    sync.Mutex
	byDoc map[string][]store.StoredChunk
	err   error
}

func newFakeChunks() *fakeChunks {
	return &fakeChunks{byDoc: make(map[string][]store.StoredChunk)}
}

func (f *fakeChunks) ReplaceForDocument(_ context.Context, documentID string, chunks []store.StoredChunk) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byDoc[documentID] = append([]store.StoredChunk(nil), chunks...)
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []kafka.Event
	err    error
}

func (f *fakeSink) Publish(_ context.Context, event kafka.Event) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type fakeParsed struct {
	text string
	err  error
}

func (f *fakeParsed) FetchParsedText(context.Context, string) (string, error) {
	return f.text, f.err
}

type fakeEmbedder struct {
	mu       sync.Mutex
	calls    int
	failures int
	dim      int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, apperrors.Newf(apperrors.ErrEmbeddingUnavailable, 503, "synthetic failure")
	}
	vec := make([]float32, f.dim)
	for i := range vec {
		vec[i] = float32(len(text)%7) + float32(i)
	}
	return vec, nil
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		Workers:           2,
		QueueDepth:        4,
		MaxTokensPerChunk: 8,
		EmbedMaxAttempts:  3,
		EmbedBackoff:      time.Millisecond,
		EmbedMaxBackoff:   5 * time.Millisecond,
	}
}

func TestProcessHappyPath(t *testing.T) {
	docs := newFakeDocs()
	chunks := newFakeChunks()
	sink := &fakeSink{}
	p := NewPipeline(docs, chunks,
		&fakeParsed{text: "Alpha beta gamma. Delta epsilon zeta."},
		&fakeEmbedder{dim: 4},
		sink, testIngestConfig(), newTestMetrics(),
	)

	if err := p.Process(context.Background(), DocumentIngestEvent{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := []store.Status{
		store.StatusParsing, store.StatusChunking, store.StatusEmbedding, store.StatusIndexing,
	}
	got := docs.history("doc-1")
	if len(got) != len(want) {
		t.Fatalf("status history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}

	stored := chunks.byDoc["doc-1"]
	if len(stored) == 0 {
		t.Fatal("no chunks persisted")
	}
	for i, c := range stored {
		if len(c.Embedding) != 4 {
			t.Errorf("chunk %d embedding dimension = %d", i, len(c.Embedding))
		}
		if c.ChunkID == "" {
			t.Errorf("chunk %d has empty id", i)
		}
	}

	if len(sink.events) != 1 {
		t.Fatalf("published %d index events, want 1", len(sink.events))
	}
	ev, ok := sink.events[0].Value.(IndexUpdateEvent)
	if !ok || ev.Op != OpApply || ev.DocumentID != "doc-1" {
		t.Errorf("index event = %+v", sink.events[0].Value)
	}
}

func TestProcessParseFailureMarksFailed(t *testing.T) {
	docs := newFakeDocs()
	p := NewPipeline(docs, newFakeChunks(),
		&fakeParsed{err: apperrors.Newf(apperrors.ErrParseUnavailable, 503, "down")},
		&fakeEmbedder{dim: 4},
		&fakeSink{}, testIngestConfig(), newTestMetrics(),
	)

	if err := p.Process(context.Background(), DocumentIngestEvent{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("Process should absorb document failure, got %v", err)
	}
	hist := docs.history("doc-1")
	if hist[len(hist)-1] != store.StatusFailed {
		t.Fatalf("final status = %s, want failed", hist[len(hist)-1])
	}
	if !strings.HasPrefix(docs.failReason["doc-1"], "parsing:") {
		t.Errorf("fail reason %q does not name the stage", docs.failReason["doc-1"])
	}
}

func TestProcessEmbedRetriesThenSucceeds(t *testing.T) {
	docs := newFakeDocs()
	chunks := newFakeChunks()
	emb := &fakeEmbedder{dim: 4, failures: 2}
	p := NewPipeline(docs, chunks,
		&fakeParsed{text: "Short text."},
		emb,
		&fakeSink{}, testIngestConfig(), newTestMetrics(),
	)

	if err := p.Process(context.Background(), DocumentIngestEvent{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if emb.calls != 3 {
		t.Errorf("embedder called %d times, want 3 (two failures + success)", emb.calls)
	}
	if len(chunks.byDoc["doc-1"]) != 1 {
		t.Errorf("expected persisted chunk after retries")
	}
}

func TestProcessEmbedExhaustionFailsDocument(t *testing.T) {
	docs := newFakeDocs()
	chunks := newFakeChunks()
	p := NewPipeline(docs, chunks,
		&fakeParsed{text: "Short text."},
		&fakeEmbedder{dim: 4, failures: 99},
		&fakeSink{}, testIngestConfig(), newTestMetrics(),
	)

	if err := p.Process(context.Background(), DocumentIngestEvent{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("Process should absorb document failure, got %v", err)
	}
	hist := docs.history("doc-1")
	if hist[len(hist)-1] != store.StatusFailed {
		t.Fatalf("final status = %s, want failed", hist[len(hist)-1])
	}
	if len(chunks.byDoc["doc-1"]) != 0 {
		t.Error("partially embedded document must not be persisted")
	}
}

func TestProcessFailureIsolation(t *testing.T) {
	docs := newFakeDocs()
	chunks := newFakeChunks()
	sink := &fakeSink{}
	cfg := testIngestConfig()
	m := newTestMetrics()

	bad := NewPipeline(docs, chunks,
		&fakeParsed{err: errors.New("ocr exploded")},
		&fakeEmbedder{dim: 4}, sink, cfg, m,
	)
	good := NewPipeline(docs, chunks,
		&fakeParsed{text: "Fine document."},
		&fakeEmbedder{dim: 4}, sink, cfg, m,
	)

	if err := bad.Process(context.Background(), DocumentIngestEvent{DocumentID: "doc-bad"}); err != nil {
		t.Fatalf("bad Process: %v", err)
	}
	if err := good.Process(context.Background(), DocumentIngestEvent{DocumentID: "doc-good"}); err != nil {
		t.Fatalf("good Process: %v", err)
	}

	badHist := docs.history("doc-bad")
	if badHist[len(badHist)-1] != store.StatusFailed {
		t.Error("bad document not failed")
	}
	goodHist := docs.history("doc-good")
	if goodHist[len(goodHist)-1] != store.StatusIndexing {
		t.Errorf("good document final status = %s, want indexing", goodHist[len(goodHist)-1])
	}
}

func TestPoolBackpressure(t *testing.T) {
	docs := newFakeDocs()
	p := NewPipeline(docs, newFakeChunks(),
		&fakeParsed{text: "Text."},
		&fakeEmbedder{dim: 4},
		&fakeSink{}, testIngestConfig(), newTestMetrics(),
	)
	// No workers started: the queue only fills.
	pool := NewPool(p, 1, 2, newTestMetrics())

	if err := pool.TrySubmit(DocumentIngestEvent{DocumentID: "a"}); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if err := pool.TrySubmit(DocumentIngestEvent{DocumentID: "b"}); err != nil {
		t.Fatalf("submit b: %v", err)
	}
	err := pool.TrySubmit(DocumentIngestEvent{DocumentID: "c"})
	if !errors.Is(err, apperrors.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestPoolProcessesQueuedJobs(t *testing.T) {
	docs := newFakeDocs()
	p := NewPipeline(docs, newFakeChunks(),
		&fakeParsed{text: "Some document text."},
		&fakeEmbedder{dim: 4},
		&fakeSink{}, testIngestConfig(), newTestMetrics(),
	)
	pool := NewPool(p, 2, 8, newTestMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	for i := 0; i < 4; i++ {
		if err := pool.TrySubmit(DocumentIngestEvent{DocumentID: fmt.Sprintf("doc-%d", i)}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		done := 0
		for i := 0; i < 4; i++ {
			hist := docs.history(fmt.Sprintf("doc-%d", i))
			if len(hist) > 0 && hist[len(hist)-1] == store.StatusIndexing {
				done++
			}
		}
		if done == 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("queued jobs not processed in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	pool.Wait()
}
