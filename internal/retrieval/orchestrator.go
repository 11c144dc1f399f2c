// Package retrieval answers knowledge-base queries: it screens the query
// through the pattern filter, consults the query cache, embeds the query,
// searches the vector index, generates a grounded answer, and screens that
// answer before returning it. The whole path runs inside a hard request
// budget; past the soft deadline it degrades to a templated answer built
// from the retrieved passages instead of failing the request.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kbpipeline/retrieval-platform/internal/filter"
	"github.com/kbpipeline/retrieval-platform/internal/provider"
	"github.com/kbpipeline/retrieval-platform/internal/querycache"
	"github.com/kbpipeline/retrieval-platform/internal/store"
	"github.com/kbpipeline/retrieval-platform/internal/vecindex"
	"github.com/kbpipeline/retrieval-platform/pkg/apperrors"
	"github.com/kbpipeline/retrieval-platform/pkg/config"
	"github.com/kbpipeline/retrieval-platform/pkg/logger"
	"github.com/kbpipeline/retrieval-platform/pkg/metrics"
	pkgredis "github.com/kbpipeline/retrieval-platform/pkg/redis"
)

const snippetRunes = 240

// blockedAnswer replaces generated text that tripped a block pattern. The
// matched patterns are logged, never returned: exposing them would leak
// dictionary content.
const blockedAnswer = "This answer was withheld because it matched the content policy."

// degradedAnswer opens the templated fallback used when generation does
// not finish inside the soft deadline.
const degradedAnswer = "The assistant could not compose a full answer in time. The most relevant passages found are listed as sources."

// degradedEmptyAnswer is the fallback when not even retrieval finished.
const degradedEmptyAnswer = "The assistant could not answer in time. Please retry."

// Source is one grounding passage returned alongside an answer.
type Source struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Page       int     `json:"page"`
	Offset     int     `json:"char_offset"`
	Score      float64 `json:"score"`
	Snippet    string  `json:"snippet"`
}

// Answer is the orchestrator's reply to one query. FilterAction names the
// action the answer-surface screening took (none, warn, mask, block).
type Answer struct {
	Answer       string   `json:"answer"`
	Sources      []Source `json:"sources"`
	Degraded     bool     `json:"degraded,omitempty"`
	Cached       bool     `json:"cached"`
	FilterAction string   `json:"filter_action"`
	ElapsedMS    int64    `json:"elapsed_ms"`
}

// cachedResult is what the query cache stores: the raw generated answer
// and its sources. Answer-surface filtering is applied on every serve, so
// a dictionary change takes effect on cached answers too.
type cachedResult struct {
	Answer   string   `json:"answer"`
	Sources  []Source `json:"sources"`
	Degraded bool     `json:"degraded,omitempty"`
}

// ChunkSource is the slice of the chunk store the query side needs:
// passage lookup for responses and entry listing for index maintenance.
type ChunkSource interface {
	GetByIDs(ctx context.Context, ids []string) ([]store.StoredChunk, error)
	ListEntriesForDocument(ctx context.Context, documentID string) ([]vecindex.Entry, error)
	ListAllEntries(ctx context.Context) ([]vecindex.Entry, error)
}

// Orchestrator runs the query path.
type Orchestrator struct {
	index    *vecindex.Index
	chunks   ChunkSource
	embedder provider.Embedder
	gen      provider.Generator
	filter   *filter.Filter
	cache    *querycache.Cache[cachedResult]
	cfg      config.RetrievalConfig
	cacheTTL time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewOrchestrator wires the query path.
func NewOrchestrator(
	index *vecindex.Index,
	chunks ChunkSource,
	embedder provider.Embedder,
	gen provider.Generator,
	f *filter.Filter,
	cache *querycache.Cache[cachedResult],
	cfg config.RetrievalConfig,
	cacheTTL time.Duration,
	m *metrics.Metrics,
) *Orchestrator {
	return &Orchestrator{
		index:    index,
		chunks:   chunks,
		embedder: embedder,
		gen:      gen,
		filter:   f,
		cache:    cache,
		cfg:      cfg,
		cacheTTL: cacheTTL,
		metrics:  m,
		logger:   slog.Default().With("component", "retrieval"),
	}
}

// NewCache builds the query cache used by the orchestrator. l2 may be nil
// to run without the shared Redis level.
func NewCache(capacity int, l2 *pkgredis.Client) *querycache.Cache[cachedResult] {
	return querycache.New[cachedResult](capacity, l2)
}

// Query answers one user query. topK <= 0 selects the configured default;
// values above the maximum are clamped.
func (o *Orchestrator) Query(ctx context.Context, query string, topK int) (*Answer, error) {
	start := time.Now()
	log := logger.FromContext(ctx).With("component", "retrieval")

	query = strings.TrimSpace(query)
	if query == "" {
		o.metrics.RetrievalTotal.WithLabelValues("error").Inc()
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, 400, "query is required")
	}
	if topK <= 0 {
		topK = o.cfg.TopK
	}
	if topK > o.cfg.MaxTopK {
		topK = o.cfg.MaxTopK
	}

	// Screen the query before any model or index work.
	if res := o.filter.Scan(query); res.Action == filter.ActionBlock {
		o.observeMatches(res, "query")
		log.Warn("query blocked by content filter",
			"patterns", filter.PatternNames(res.Matches),
			"generation", o.filter.Generation(),
		)
		o.metrics.RetrievalTotal.WithLabelValues("blocked").Inc()
		return nil, apperrors.Newf(apperrors.ErrQueryBlocked, 403, "query matched content policy")
	} else if res.Action != filter.ActionNone {
		o.observeMatches(res, "query")
	}

	normalized := querycache.Normalize(query)
	fp := querycache.Fingerprint(normalized, topK, o.index.Version())

	raw, hit, err := o.cache.GetOrCompute(ctx, fp, func() (cachedResult, time.Duration, error) {
		res, err := o.compute(ctx, query, topK)
		if err != nil {
			return cachedResult{}, 0, err
		}
		if res.Degraded {
			return res, 0, nil
		}
		return res, o.cacheTTL, nil
	})
	if err != nil {
		o.metrics.RetrievalTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	answer := o.screenAnswer(raw, log)
	answer.Cached = hit
	answer.Degraded = raw.Degraded
	answer.ElapsedMS = time.Since(start).Milliseconds()

	cacheStatus := "miss"
	if hit {
		cacheStatus = "hit"
	}
	outcome := "answered"
	switch {
	case hit:
		outcome = "cached"
	case raw.Degraded:
		outcome = "degraded"
	}
	o.metrics.RetrievalTotal.WithLabelValues(outcome).Inc()
	o.metrics.RetrievalLatency.WithLabelValues(cacheStatus).Observe(time.Since(start).Seconds())
	o.metrics.SourcesReturned.Observe(float64(len(answer.Sources)))

	log.Info("query answered",
		"cache_status", cacheStatus,
		"degraded", raw.Degraded,
		"sources", len(answer.Sources),
		"duration", time.Since(start),
	)
	return answer, nil
}

// compute is the miss path: embed, search, fetch passages, generate. The
// soft deadline bounds the whole sequence; when it expires the templated
// fallback is returned with whatever passages retrieval produced, and the
// result is marked non-cacheable via Degraded.
func (o *Orchestrator) compute(ctx context.Context, query string, topK int) (cachedResult, error) {
	softCtx, cancel := context.WithTimeout(ctx, o.cfg.SoftDeadline)
	defer cancel()

	vec, err := o.embedder.Embed(softCtx, query)
	if err != nil {
		// An embedding outage degrades like a generation failure: the user
		// gets the templated fallback, not a 5xx.
		if softCtx.Err() != nil || errors.Is(err, apperrors.ErrEmbeddingUnavailable) {
			o.logger.Warn("embedding unavailable, degrading", "error", err)
			return cachedResult{Answer: degradedEmptyAnswer, Degraded: true}, nil
		}
		return cachedResult{}, err
	}

	queryStart := time.Now()
	hits, err := o.index.Query(vec, topK)
	o.metrics.IndexQuerySeconds.Observe(time.Since(queryStart).Seconds())
	if err != nil {
		return cachedResult{}, fmt.Errorf("searching index: %w", err)
	}

	sources, passages, err := o.loadSources(softCtx, hits)
	if err != nil {
		if softCtx.Err() != nil {
			return cachedResult{Answer: degradedEmptyAnswer, Degraded: true}, nil
		}
		return cachedResult{}, err
	}

	// Generate in a goroutine so the soft deadline can preempt it. The
	// channel is buffered: a result arriving after the deadline is
	// discarded, never cached.
	type genResult struct {
		answer string
		err    error
	}
	done := make(chan genResult, 1)
	go func() {
		a, genErr := o.gen.Generate(softCtx, query, passages)
		done <- genResult{answer: a, err: genErr}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			o.logger.Warn("generation failed, degrading", "error", res.err)
			return cachedResult{Answer: degradedAnswer, Sources: sources, Degraded: true}, nil
		}
		return cachedResult{Answer: res.answer, Sources: sources}, nil
	case <-softCtx.Done():
		o.logger.Warn("soft deadline hit, degrading", "deadline", o.cfg.SoftDeadline)
		return cachedResult{Answer: degradedAnswer, Sources: sources, Degraded: true}, nil
	}
}

// loadSources resolves index hits to passages and response sources. A hit
// whose chunk row is gone (deleted moments ago) is dropped.
func (o *Orchestrator) loadSources(ctx context.Context, hits []vecindex.Hit) ([]Source, []string, error) {
	if len(hits) == 0 {
		return nil, nil, nil
	}
	ids := make([]string, len(hits))
	scores := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
		scores[h.ChunkID] = h.Score
	}
	rows, err := o.chunks.GetByIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("loading passages: %w", err)
	}

	sources := make([]Source, 0, len(rows))
	passages := make([]string, 0, len(rows))
	for _, c := range rows {
		sources = append(sources, Source{
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
			Page:       c.Page,
			Offset:     c.Offset,
			Score:      scores[c.ChunkID],
			Snippet:    snippet(c.Text),
		})
		passages = append(passages, c.Text)
	}
	return sources, passages, nil
}

// screenAnswer applies the answer-surface filter: block replaces the whole
// answer, mask redacts matched spans, warn only logs. Source snippets get
// the same treatment so masked content cannot leak through them.
func (o *Orchestrator) screenAnswer(raw cachedResult, log *slog.Logger) *Answer {
	out := &Answer{Answer: raw.Answer, Sources: raw.Sources}

	res := o.filter.Scan(raw.Answer)
	out.FilterAction = res.Action.String()
	if res.Action != filter.ActionNone {
		o.observeMatches(res, "answer")
	}
	switch res.Action {
	case filter.ActionBlock:
		log.Warn("answer blocked by content filter",
			"patterns", filter.PatternNames(res.Matches),
			"generation", o.filter.Generation(),
		)
		out.Answer = blockedAnswer
		out.Sources = nil
		return out
	case filter.ActionMask:
		out.Answer = filter.Apply(raw.Answer, res.Matches)
	case filter.ActionWarn:
		log.Warn("answer matched warn patterns",
			"patterns", filter.PatternNames(res.Matches),
		)
	}

	for i, src := range out.Sources {
		if sres := o.filter.Scan(src.Snippet); sres.Action >= filter.ActionMask {
			o.observeMatches(sres, "snippet")
			out.Sources[i].Snippet = filter.Apply(src.Snippet, sres.Matches)
		}
	}
	return out
}

func (o *Orchestrator) observeMatches(res filter.Result, surface string) {
	for _, m := range res.Matches {
		o.metrics.FilterMatchesTotal.WithLabelValues(m.Action.String(), surface).Inc()
	}
}

// snippet truncates chunk text for the response payload, cutting on a rune
// boundary.
func snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= snippetRunes {
		return text
	}
	return string(runes[:snippetRunes]) + "…"
}
