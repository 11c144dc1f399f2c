package vecindex

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// snapshotNode is the gob representation of one graph node.
type snapshotNode struct {
	ID      string
	DocID   string
	Vec     []float32
	Level   int
	Links   [][]int
	Deleted bool
}

// snapshotFile is the gob representation of the whole index. The version
// is persisted so cache fingerprints stay stable across restarts.
type snapshotFile struct {
	Dimension int
	M         int
	Entry     int
	MaxLevel  int
	Version   uint64
	Nodes     []snapshotNode
}

// Snapshot writes the index to path atomically (temp file plus rename) so a
// crash mid-write never leaves a truncated snapshot behind.
func (ix *Index) Snapshot(path string) error {
	ix.mu.RLock()
	snap := snapshotFile{
		Dimension: ix.params.Dimension,
		M:         ix.params.M,
		Entry:     ix.entry,
		MaxLevel:  ix.maxLevel,
		Version:   ix.version.Load(),
		Nodes:     make([]snapshotNode, len(ix.nodes)),
	}
	for i, n := range ix.nodes {
		snap.Nodes[i] = snapshotNode{
			ID:      n.id,
			DocID:   n.docID,
			Vec:     n.vec,
			Level:   n.level,
			Links:   n.links,
			Deleted: n.deleted,
		}
	}
	ix.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing snapshot file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}
	return nil
}

// Load replaces the index contents with the snapshot at path. It fails if
// the snapshot's dimension does not match the index configuration; the
// caller should then rebuild from the persisted chunk store.
func (ix *Index) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	var snap snapshotFile
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}
	if snap.Dimension != ix.params.Dimension {
		return fmt.Errorf("%w: snapshot has %d, index configured for %d",
			ErrDimensionMismatch, snap.Dimension, ix.params.Dimension)
	}
	if snap.Entry >= len(snap.Nodes) {
		return fmt.Errorf("corrupt snapshot: entry point %d out of range", snap.Entry)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.nodes = make([]*node, len(snap.Nodes))
	ix.byID = make(map[string]int, len(snap.Nodes))
	ix.byDoc = make(map[string]map[string]struct{})
	ix.live = 0
	for i, sn := range snap.Nodes {
		n := &node{
			id:      sn.ID,
			docID:   sn.DocID,
			vec:     sn.Vec,
			level:   sn.Level,
			links:   sn.Links,
			deleted: sn.Deleted,
		}
		ix.nodes[i] = n
		if n.deleted {
			continue
		}
		if _, dup := ix.byID[n.id]; dup {
			return fmt.Errorf("corrupt snapshot: duplicate live chunk id %s", n.id)
		}
		ix.byID[n.id] = i
		if ix.byDoc[n.docID] == nil {
			ix.byDoc[n.docID] = make(map[string]struct{})
		}
		ix.byDoc[n.docID][n.id] = struct{}{}
		ix.live++
	}
	ix.entry = snap.Entry
	ix.maxLevel = snap.MaxLevel
	ix.version.Store(snap.Version)
	return nil
}

// RebuildFrom discards the graph and re-inserts entries from the durable
// chunk store. Entries are inserted in chunk-id order so rebuilds are
// deterministic. The knowledge-base version is restored to at least
// minVersion so cache entries computed before the rebuild stay dead.
func (ix *Index) RebuildFrom(entries []Entry, minVersion uint64) error {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChunkID < sorted[j].ChunkID })

	ix.mu.Lock()
	ix.nodes = nil
	ix.byID = make(map[string]int, len(sorted))
	ix.byDoc = make(map[string]map[string]struct{})
	ix.entry = -1
	ix.maxLevel = 0
	ix.live = 0
	ix.mu.Unlock()

	for _, e := range sorted {
		if err := ix.Insert(e); err != nil {
			return fmt.Errorf("rebuilding index: %w", err)
		}
	}
	for ix.version.Load() < minVersion {
		ix.version.Add(1)
	}
	return nil
}
