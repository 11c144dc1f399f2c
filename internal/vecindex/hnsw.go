// Package vecindex implements an in-process approximate nearest-neighbor
// index over chunk embeddings, using a hierarchical navigable small world
// (HNSW) graph. Queries trade perfect recall for sub-linear scan time; the
// recall/latency tradeoff is controlled by the EfSearch parameter exposed
// in configuration, not a hidden constant.
//
// The index follows single-writer/multi-reader discipline: at most one
// insert/remove mutates the graph at a time while any number of queries
// read it. Removals tombstone nodes, which stay usable for graph routing
// but are never returned from queries.
package vecindex

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrDimensionMismatch is returned when a vector's dimension differs
	// from the index's configured dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Entry ties a chunk id and its owning document to an embedding vector.
type Entry struct {
	ChunkID    string
	DocumentID string
	Vector     []float32
}

// Hit is one query result. Score is cosine similarity in [-1, 1].
type Hit struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
}

// Params configures the HNSW graph.
type Params struct {
	Dimension      int
	M              int
	EfConstruction int
	EfSearch       int
}

func (p Params) withDefaults() Params {
	if p.M <= 0 {
		p.M = 16
	}
	if p.EfConstruction <= 0 {
		p.EfConstruction = 200
	}
	if p.EfSearch <= 0 {
		p.EfSearch = 64
	}
	return p
}

type node struct {
	id      string
	docID   string
	vec     []float32
	level   int
	links   [][]int
	deleted bool
}

// Index is the HNSW graph plus the monotonically increasing knowledge-base
// version, bumped on every mutation so query-cache fingerprints computed
// against an older index state are never served.
type Index struct {
	mu        sync.RWMutex
	params    Params
	levelMult float64
	nodes     []*node
	byID      map[string]int
	byDoc     map[string]map[string]struct{}
	entry     int
	maxLevel  int
	live      int
	version   atomic.Uint64
	rng       *rand.Rand
}

// New creates an empty index.
func New(params Params) *Index {
	params = params.withDefaults()
	return &Index{
		params:    params,
		levelMult: 1 / math.Log(float64(params.M)),
		byID:      make(map[string]int),
		byDoc:     make(map[string]map[string]struct{}),
		entry:     -1,
		rng:       rand.New(rand.NewSource(1)),
	}
}

// Len returns the number of live (non-tombstoned) entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.live
}

// Version returns the current knowledge-base version.
func (ix *Index) Version() uint64 {
	return ix.version.Load()
}

// Insert adds an entry, replacing any existing entry with the same chunk id
// (idempotent by chunk id: a re-insert never duplicates query results).
// The vector is L2-normalized on the way in so cosine similarity reduces to
// a dot product.
func (ix *Index) Insert(e Entry) error {
	if len(e.Vector) != ix.params.Dimension {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(e.Vector), ix.params.Dimension)
	}
	vec := normalize(e.Vector)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if slot, ok := ix.byID[e.ChunkID]; ok {
		ix.tombstone(slot)
	}
	ix.insertNode(e.ChunkID, e.DocumentID, vec)
	ix.live++
	if ix.byDoc[e.DocumentID] == nil {
		ix.byDoc[e.DocumentID] = make(map[string]struct{})
	}
	ix.byDoc[e.DocumentID][e.ChunkID] = struct{}{}
	ix.version.Add(1)
	return nil
}

// Remove tombstones the entry for chunkID. It reports whether an entry was
// removed. A query that started before the removal may still return the
// entry; one that starts after will not.
func (ix *Index) Remove(chunkID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	slot, ok := ix.byID[chunkID]
	if !ok {
		return false
	}
	ix.tombstone(slot)
	ix.version.Add(1)
	return true
}

// RemoveDocument tombstones every entry belonging to docID and returns the
// number removed. Used by re-ingestion and document deletion cascades.
func (ix *Index) RemoveDocument(docID string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ids := ix.byDoc[docID]
	if len(ids) == 0 {
		return 0
	}
	n := 0
	for chunkID := range ids {
		if slot, ok := ix.byID[chunkID]; ok {
			ix.tombstone(slot)
			n++
		}
	}
	ix.version.Add(1)
	return n
}

// Query returns up to k entries most similar to vec, ordered by descending
// cosine similarity with ties broken by ascending chunk id for determinism.
// Querying an empty index returns an empty result, not an error.
func (ix *Index) Query(vec []float32, k int) ([]Hit, error) {
	if len(vec) != ix.params.Dimension {
		return nil, fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(vec), ix.params.Dimension)
	}
	if k <= 0 {
		return nil, nil
	}
	q := normalize(vec)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.entry < 0 || ix.live == 0 {
		return nil, nil
	}

	ep := ix.entry
	for level := ix.maxLevel; level >= 1; level-- {
		ep = ix.greedyClosest(q, ep, level)
	}
	ef := max(ix.params.EfSearch, k)
	cands := ix.searchLayer(q, []int{ep}, ef, 0)

	hits := make([]Hit, 0, len(cands))
	for _, c := range cands {
		n := ix.nodes[c.slot]
		if n.deleted {
			continue
		}
		hits = append(hits, Hit{ChunkID: n.id, DocumentID: n.docID, Score: c.sim})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// tombstone marks the node at slot deleted and unlinks it from the id maps.
// Graph links are kept so the node continues to serve as a routing point.
func (ix *Index) tombstone(slot int) {
	n := ix.nodes[slot]
	if n.deleted {
		return
	}
	n.deleted = true
	ix.live--
	delete(ix.byID, n.id)
	if ids, ok := ix.byDoc[n.docID]; ok {
		delete(ids, n.id)
		if len(ids) == 0 {
			delete(ix.byDoc, n.docID)
		}
	}
}

func (ix *Index) insertNode(id, docID string, vec []float32) {
	level := ix.randomLevel()
	n := &node{
		id:    id,
		docID: docID,
		vec:   vec,
		level: level,
		links: make([][]int, level+1),
	}
	slot := len(ix.nodes)
	ix.nodes = append(ix.nodes, n)
	ix.byID[id] = slot

	if ix.entry < 0 {
		ix.entry = slot
		ix.maxLevel = level
		return
	}

	ep := ix.entry
	for l := ix.maxLevel; l > level; l-- {
		ep = ix.greedyClosest(vec, ep, l)
	}
	eps := []int{ep}
	for l := min(level, ix.maxLevel); l >= 0; l-- {
		cands := ix.searchLayer(vec, eps, ix.params.EfConstruction, l)
		neighbors := ix.selectNeighbors(vec, cands, ix.params.M)
		n.links[l] = neighbors
		for _, nb := range neighbors {
			ix.linkBack(nb, slot, l)
		}
		eps = eps[:0]
		for _, c := range cands {
			eps = append(eps, c.slot)
		}
	}
	if level > ix.maxLevel {
		ix.maxLevel = level
		ix.entry = slot
	}
}

// linkBack adds slot to nb's neighbor list at the given level. When the
// list exceeds the connectivity bound it is re-selected with the same
// neighbor heuristic used on insert, so a far-away newcomer is not simply
// dropped in favor of the node's own cluster mates.
func (ix *Index) linkBack(nb, slot, level int) {
	n := ix.nodes[nb]
	n.links[level] = append(n.links[level], slot)
	bound := ix.maxConns(level)
	if len(n.links[level]) <= bound {
		return
	}
	cands := make([]scored, len(n.links[level]))
	for i, l := range n.links[level] {
		cands[i] = scored{slot: l, sim: dot(ix.nodes[l].vec, n.vec)}
	}
	n.links[level] = ix.selectNeighbors(n.vec, cands, bound)
}

func (ix *Index) maxConns(level int) int {
	if level == 0 {
		return 2 * ix.params.M
	}
	return ix.params.M
}

func (ix *Index) randomLevel() int {
	level := int(-math.Log(ix.rng.Float64()) * ix.levelMult)
	// Cap tower height; beyond this levels add nothing at realistic sizes.
	if level > 32 {
		level = 32
	}
	return level
}

// greedyClosest walks level's links from ep toward vec until no neighbor
// improves similarity.
func (ix *Index) greedyClosest(vec []float32, ep, level int) int {
	best := ep
	bestSim := dot(vec, ix.nodes[ep].vec)
	for {
		improved := false
		n := ix.nodes[best]
		if level < len(n.links) {
			for _, nb := range n.links[level] {
				if sim := dot(vec, ix.nodes[nb].vec); sim > bestSim {
					best, bestSim = nb, sim
					improved = true
				}
			}
		}
		if !improved {
			return best
		}
	}
}

type scored struct {
	slot int
	sim  float64
}

// searchLayer is the beam search at one level: it keeps the ef closest
// candidates seen so far and expands the closest unexpanded one until no
// candidate can improve the result set.
func (ix *Index) searchLayer(vec []float32, eps []int, ef, level int) []scored {
	visited := make(map[int]struct{}, ef*4)
	candidates := &simHeap{max: true}
	results := &simHeap{max: false}

	for _, ep := range eps {
		if _, ok := visited[ep]; ok {
			continue
		}
		visited[ep] = struct{}{}
		s := scored{slot: ep, sim: dot(vec, ix.nodes[ep].vec)}
		heap.Push(candidates, s)
		heap.Push(results, s)
	}

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(scored)
		if results.Len() >= ef && c.sim < results.items[0].sim {
			break
		}
		n := ix.nodes[c.slot]
		if level >= len(n.links) {
			continue
		}
		for _, nb := range n.links[level] {
			if _, ok := visited[nb]; ok {
				continue
			}
			visited[nb] = struct{}{}
			sim := dot(vec, ix.nodes[nb].vec)
			if results.Len() < ef || sim > results.items[0].sim {
				s := scored{slot: nb, sim: sim}
				heap.Push(candidates, s)
				heap.Push(results, s)
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}
	return results.items
}

// selectNeighbors picks up to m neighbor slots for a node at base using the
// HNSW select-neighbors heuristic: a candidate is kept only if it is closer
// to base than to every neighbor already kept. Tight cluster mates shadow
// each other and get pruned, which leaves room for links that bridge
// clusters; keeping only the closest candidates instead can leave a whole
// cluster unreachable from the rest of the graph. Left-over capacity is
// filled with the closest pruned candidates.
func (ix *Index) selectNeighbors(base []float32, cands []scored, m int) []int {
	sorted := make([]scored, len(cands))
	copy(sorted, cands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].sim > sorted[j].sim })

	kept := make([]int, 0, m)
	var pruned []scored
	for _, c := range sorted {
		if len(kept) >= m {
			break
		}
		shadowed := false
		for _, k := range kept {
			if dot(ix.nodes[c.slot].vec, ix.nodes[k].vec) > c.sim {
				shadowed = true
				break
			}
		}
		if shadowed {
			pruned = append(pruned, c)
			continue
		}
		kept = append(kept, c.slot)
	}
	for _, c := range pruned {
		if len(kept) >= m {
			break
		}
		kept = append(kept, c.slot)
	}
	return kept
}

// simHeap is a heap of scored slots; max selects a max-heap (closest first)
// or min-heap (furthest first, used to evict the worst result).
type simHeap struct {
	items []scored
	max   bool
}

func (h *simHeap) Len() int { return len(h.items) }
func (h *simHeap) Less(i, j int) bool {
	if h.max {
		return h.items[i].sim > h.items[j].sim
	}
	return h.items[i].sim < h.items[j].sim
}
func (h *simHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *simHeap) Push(x any)    { h.items = append(h.items, x.(scored)) }
func (h *simHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// normalize returns an L2-normalized copy of v. A zero vector is returned
// unchanged.
func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	inv := 1 / math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}
