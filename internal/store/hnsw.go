package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	"github.com/paperdex/paperdex/internal/embed"
	pdxerrors "github.com/paperdex/paperdex/internal/errors"
)

// HNSWConfig configures the standalone HNSW artifact.
type HNSWConfig struct {
	Dimensions int
	M          int
	EfSearch   int
}

// HNSWStore is the standalone ANN artifact: a cosine HNSW graph over unit
// vectors, keyed by monotonically assigned uint64 ids that map to chunk ids.
// Keys are never reused, so id assignment survives load/append cycles.
type HNSWStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config HNSWConfig

	idMap   map[string]uint64 // chunk id -> internal key
	keyMap  map[uint64]string // internal key -> chunk id
	nextKey uint64

	closed bool
}

// hnswMetadata is the gob sidecar persisted next to the graph file.
type hnswMetadata struct {
	IDMap   map[string]uint64
	NextKey uint64
	Config  HNSWConfig
}

// NewHNSWStore creates an empty HNSW artifact store.
func NewHNSWStore(cfg HNSWConfig) (*HNSWStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("hnsw store requires positive dimensions, got %d", cfg.Dimensions)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWStore{
		graph:  graph,
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}, nil
}

// Add appends vectors for the given chunk ids and returns the assigned
// numeric keys, in input order. A chunk id that is already mapped keeps its
// key and has its vector replaced in place, so re-indexing unchanged content
// assigns stable ids and downstream row upserts land on the same rows.
// Every vector is checked against the configured dimension before anything
// is mutated, so a mismatch never leaves a partially appended graph.
func (s *HNSWStore) Add(ctx context.Context, chunkIDs []string, vectors [][]float32) ([]uint64, error) {
	if len(chunkIDs) != len(vectors) {
		return nil, fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(chunkIDs), len(vectors))
	}
	if len(chunkIDs) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return nil, pdxerrors.Newf(pdxerrors.ErrCodeDimensionMismatch,
				"embedding dimension %d does not match index dimension %d", len(v), s.config.Dimensions)
		}
	}

	keys := make([]uint64, len(chunkIDs))
	for i, id := range chunkIDs {
		vec := embed.Normalize(vectors[i])

		if existingKey, exists := s.idMap[id]; exists {
			s.graph.Delete(existingKey)
			s.graph.Add(hnsw.MakeNode(existingKey, vec))
			keys[i] = existingKey
			continue
		}

		key := s.nextKey
		s.nextKey++
		s.graph.Add(hnsw.MakeNode(key, vec))

		s.idMap[id] = key
		s.keyMap[key] = id
		keys[i] = key
	}
	return keys, nil
}

// Search returns up to k nearest chunk ids with cosine similarity scores.
func (s *HNSWStore) Search(ctx context.Context, query []float32, k int) ([]*VectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	if len(query) != s.config.Dimensions {
		return nil, pdxerrors.Newf(pdxerrors.ErrCodeDimensionMismatch,
			"query dimension %d does not match index dimension %d", len(query), s.config.Dimensions)
	}
	if s.graph.Len() == 0 {
		return []*VectorHit{}, nil
	}

	normalized := embed.Normalize(query)
	nodes := s.graph.Search(normalized, k)

	hits := make([]*VectorHit, 0, len(nodes))
	for _, node := range nodes {
		id, ok := s.keyMap[node.Key]
		if !ok {
			continue
		}
		// Score is cosine similarity, the same convention the row store
		// reports, so fused scores are comparable across the two paths.
		distance := s.graph.Distance(normalized, node.Value)
		hits = append(hits, &VectorHit{
			ChunkID: id,
			Score:   float64(1 - distance),
		})
	}
	return hits, nil
}

// Count returns the number of mapped vectors.
func (s *HNSWStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	return len(s.idMap)
}

// NextKey returns the next numeric key that Add would assign.
func (s *HNSWStore) NextKey() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextKey
}

// Dimensions returns the configured embedding dimension.
func (s *HNSWStore) Dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Dimensions
}

// Contains reports whether the chunk id is mapped.
func (s *HNSWStore) Contains(chunkID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.idMap[chunkID]
	return ok
}

// Save persists the graph and its gob metadata sidecar. Both writes go
// through a temp file plus rename, so a crash never leaves a half-written
// artifact at the target path.
func (s *HNSWStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create artifact file: %w", err)
	}
	if err := s.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close artifact file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename artifact file: %w", err)
	}

	return s.saveMetadata(path + ".meta")
}

func (s *HNSWStore) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}

	meta := hnswMetadata{IDMap: s.idMap, NextKey: s.nextKey, Config: s.config}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// LoadHNSWStore opens an artifact from disk: metadata first to restore the
// mappings and config, then the graph itself.
func LoadHNSWStore(path string) (*HNSWStore, error) {
	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		return nil, fmt.Errorf("open artifact metadata: %w", err)
	}
	defer func() { _ = metaFile.Close() }()

	var meta hnswMetadata
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode artifact metadata: %w", err)
	}

	s, err := NewHNSWStore(meta.Config)
	if err != nil {
		return nil, err
	}
	s.idMap = meta.IDMap
	s.nextKey = meta.NextKey
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact file: %w", err)
	}
	defer func() { _ = file.Close() }()

	// coder/hnsw Import requires an io.ByteReader.
	if err := s.graph.Import(bufio.NewReader(file)); err != nil {
		return nil, fmt.Errorf("import graph: %w", err)
	}
	return s, nil
}

// ReadHNSWDimensions reads the dimension from an artifact's metadata
// without loading the graph. Returns 0 when the artifact does not exist.
func ReadHNSWDimensions(path string) (int, error) {
	file, err := os.Open(path + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open artifact metadata: %w", err)
	}
	defer func() { _ = file.Close() }()

	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return 0, fmt.Errorf("decode artifact metadata: %w", err)
	}
	return meta.Config.Dimensions, nil
}

// Close releases the graph.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}
