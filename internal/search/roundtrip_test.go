package search

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperdex/paperdex/internal/config"
	"github.com/paperdex/paperdex/internal/embed"
	pdxerrors "github.com/paperdex/paperdex/internal/errors"
	"github.com/paperdex/paperdex/internal/index"
	"github.com/paperdex/paperdex/internal/store"
)

// memoryStore is a full in-memory MetadataStore: enough of the write paths
// for a build to publish a shard, with a row-store vector leg that always
// comes back empty so retrieval has to go through the shard fallback.
type memoryStore struct {
	mu     sync.Mutex
	chunks map[string]*store.ChunkRecord
	runs   map[string]*store.PipelineRun
	shards map[string]*store.IndexShard
	done   map[string]bool
}

var _ store.MetadataStore = (*memoryStore)(nil)

func newMemoryStore() *memoryStore {
	return &memoryStore{
		chunks: make(map[string]*store.ChunkRecord),
		runs:   make(map[string]*store.PipelineRun),
		shards: make(map[string]*store.IndexShard),
		done:   make(map[string]bool),
	}
}

func (m *memoryStore) InitSchema(ctx context.Context, embeddingDim int) error { return nil }

func (m *memoryStore) UpsertDocuments(ctx context.Context, runID string, docs []*store.Document) error {
	return nil
}

func (m *memoryStore) UpsertVectors(ctx context.Context, runID string, chunks []*store.ChunkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		cp := *c
		m.chunks[c.ChunkID] = &cp
	}
	if len(chunks) > 0 {
		m.done[runID] = true
	}
	return nil
}

func (m *memoryStore) VectorCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks), nil
}

func (m *memoryStore) VectorSearch(ctx context.Context, query []float32, k int, scope string) ([]*store.VectorHit, error) {
	return nil, nil
}

func (m *memoryStore) ChunkTexts(ctx context.Context, scope string) ([]*store.ChunkText, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var texts []*store.ChunkText
	for _, c := range m.chunks {
		if !store.ScopeMatches(c.Path, scope) {
			continue
		}
		texts = append(texts, &store.ChunkText{ChunkID: c.ChunkID, Path: c.Path, Page: c.Page, Text: c.Text})
	}
	return texts, nil
}

func (m *memoryStore) CreateOrReuseRun(ctx context.Context, run *store.PipelineRun) (*store.PipelineRun, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.runs[run.IdempotencyKey]; ok {
		return existing, true, nil
	}
	m.runs[run.IdempotencyKey] = run
	return run, false, nil
}

func (m *memoryStore) RunHasVectors(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done[runID], nil
}

func (m *memoryStore) RegisterIndexVersion(ctx context.Context, v *store.IndexVersion) error {
	return nil
}

func (m *memoryStore) ActivateShard(ctx context.Context, shard *store.IndexShard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.shards {
		s.IsActive = false
	}
	shard.IsActive = true
	m.shards[shard.ShardName] = shard
	return nil
}

func (m *memoryStore) ActiveShards(ctx context.Context) ([]*store.IndexShard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []*store.IndexShard
	for _, s := range m.shards {
		if s.IsActive {
			active = append(active, s)
		}
	}
	return active, nil
}

func (m *memoryStore) ShardIndexID(ctx context.Context, shardName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[shardName]
	if !ok {
		return "", pdxerrors.Newf(pdxerrors.ErrCodeIntegrity, "shard %q not registered", shardName)
	}
	return s.IndexID, nil
}

func (m *memoryStore) AcquirePublishLock(ctx context.Context, key string) error { return nil }

func (m *memoryStore) ReleasePublishLock(ctx context.Context, key string) error { return nil }

func (m *memoryStore) Close() {}

func TestSearch_FindsChunksIndexedFromDisk(t *testing.T) {
	papersDir := t.TempDir()
	text := "hybrid retrieval fuses lexical and vector evidence to rank paper chunks"
	require.NoError(t, os.WriteFile(filepath.Join(papersDir, "paper.txt"), []byte(text), 0o644))

	st := newMemoryStore()
	cfg := config.NewConfig()
	cfg.Embeddings.Provider = "static"
	cfg.Chunking.ChunkWords = 8
	cfg.Chunking.ChunkOverlap = 2

	logger := slog.New(slog.DiscardHandler)
	embedder := embed.NewStaticEmbedder()

	result, err := index.NewBuilder(st, embedder, cfg, logger).Build(context.Background(), index.BuildOptions{
		PapersDir: papersDir,
		IndexPath: filepath.Join(t.TempDir(), "papers.hnsw"),
	})
	require.NoError(t, err)
	require.Greater(t, result.Chunks, 0)

	retriever, err := NewRetriever(st, embedder, index.NewVerifier(st, false, logger), logger)
	require.NoError(t, err)

	// The row-store vector leg returns nothing, so any hit must have come
	// through the verified shard published by the build. Weight zero keeps
	// the ranking purely vector-driven.
	results, err := retriever.Search(context.Background(), text, Options{
		TopK:       5,
		BM25Weight: 0,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	top := results[0]
	_, indexed := st.chunks[top.ChunkID]
	assert.True(t, indexed, "top hit must be a chunk the build persisted")

	// Fallback hits carry only ids and scores; hydration fills the rest
	// from the row store.
	assert.Equal(t, filepath.Join(papersDir, "paper.txt"), top.Path)
	assert.NotEmpty(t, top.Text)
	assert.Greater(t, top.VectorScore, 0.0)
}
