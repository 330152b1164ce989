package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperdex/paperdex/internal/config"
	"github.com/paperdex/paperdex/internal/embed"
	pdxerrors "github.com/paperdex/paperdex/internal/errors"
	"github.com/paperdex/paperdex/internal/store"
)

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Embeddings.Provider = "static"
	cfg.Chunking.ChunkWords = 8
	cfg.Chunking.ChunkOverlap = 2
	return cfg
}

func writePapers(t *testing.T, texts map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, text := range texts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644))
	}
	return dir
}

func newTestBuilder(t *testing.T, st store.MetadataStore) *Builder {
	t.Helper()
	return NewBuilder(st, embed.NewStaticEmbedder(), testConfig(),
		slog.New(slog.DiscardHandler))
}

func TestBuilder_BuildPublishesShard(t *testing.T) {
	papersDir := writePapers(t, map[string]string{
		"attention.txt": "the transformer relies entirely on attention mechanisms for sequence modeling",
		"resnet.txt":    "deep residual networks ease the training of very deep convolutional models",
	})
	indexPath := filepath.Join(t.TempDir(), "papers.hnsw")
	st := newFakeStore()

	result, err := newTestBuilder(t, st).Build(context.Background(), BuildOptions{
		PapersDir: papersDir,
		IndexPath: indexPath,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Documents)
	assert.Greater(t, result.Chunks, 0)
	assert.False(t, result.SkippedPublish)
	assert.NotEmpty(t, result.RunID)
	assert.NotEmpty(t, result.IndexID)
	assert.Len(t, result.ShardName, 12)

	// Shard, artifact, sidecar, and manifest all on disk.
	assert.FileExists(t, indexPath)
	assert.FileExists(t, result.ShardPath)
	assert.FileExists(t, result.ShardPath+".meta")
	assert.FileExists(t, result.ShardPath+VersionSidecarSuffix)
	assert.FileExists(t, result.ShardPath+ManifestSuffix)

	// Store saw documents, vectors, one active shard, and a lock cycle.
	assert.Len(t, st.documents, 2)
	assert.Equal(t, result.Chunks, st.vectorUpserts)
	active, err := st.ActiveShards(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, result.IndexID, active[0].IndexID)
	assert.Equal(t, 1, st.lockAcquired)
	assert.Equal(t, 1, st.lockReleased)
}

func TestBuilder_SidecarMatchesStore(t *testing.T) {
	papersDir := writePapers(t, map[string]string{
		"paper.txt": "hybrid retrieval fuses lexical and vector similarity scores",
	})
	st := newFakeStore()

	result, err := newTestBuilder(t, st).Build(context.Background(), BuildOptions{
		PapersDir: papersDir,
		IndexPath: filepath.Join(t.TempDir(), "papers.hnsw"),
	})
	require.NoError(t, err)

	sidecar, err := LoadVersionSidecar(result.ShardPath)
	require.NoError(t, err)
	assert.Equal(t, result.IndexID, sidecar.IndexID)
	assert.Equal(t, "static", sidecar.EmbeddingModel)
	assert.Equal(t, embed.StaticDimensions, sidecar.EmbeddingDim)
	assert.Equal(t, 8, sidecar.ChunkWords)
	assert.Equal(t, 2, sidecar.ChunkOverlap)
	assert.NotEmpty(t, sidecar.CorpusFingerprint)
}

func TestBuilder_IdempotentSkipOnSecondBuild(t *testing.T) {
	papersDir := writePapers(t, map[string]string{
		"paper.txt": "content addressed identity makes rebuilds reproducible and safe",
	})
	st := newFakeStore()
	out := t.TempDir()

	first, err := newTestBuilder(t, st).Build(context.Background(), BuildOptions{
		PapersDir: papersDir,
		IndexPath: filepath.Join(out, "papers.hnsw"),
	})
	require.NoError(t, err)
	upsertsAfterFirst := st.vectorUpserts

	// Fresh artifact path, same corpus and config: same idempotency key.
	second, err := newTestBuilder(t, st).Build(context.Background(), BuildOptions{
		PapersDir: papersDir,
		IndexPath: filepath.Join(out, "papers2.hnsw"),
	})
	require.NoError(t, err)

	assert.True(t, second.ReusedRun)
	assert.True(t, second.SkippedPublish)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, upsertsAfterFirst, st.vectorUpserts, "no new vector inserts on idempotent rerun")
}

func TestBuilder_RebuildOverSameCorpusKeepsVecIDs(t *testing.T) {
	papersDir := writePapers(t, map[string]string{
		"paper.txt": "stable chunk identity keeps rebuilds landing on the same vector rows",
	})
	st := newFakeStore()
	indexPath := filepath.Join(t.TempDir(), "papers.hnsw")

	cfg := testConfig()
	cfg.Index.IdempotentSkip = false
	builder := NewBuilder(st, embed.NewStaticEmbedder(), cfg, slog.New(slog.DiscardHandler))

	first, err := builder.Build(context.Background(), BuildOptions{
		PapersDir: papersDir,
		IndexPath: indexPath,
	})
	require.NoError(t, err)

	firstMapping := make(map[string]uint64, len(st.chunkToVec))
	for id, vec := range st.chunkToVec {
		firstMapping[id] = vec
	}

	// A full second pass resumes the artifact and re-upserts every chunk.
	// Each chunk must keep its vec_id so the upsert lands on the row it
	// already occupies instead of tripping the chunk_id constraint.
	second, err := builder.Build(context.Background(), BuildOptions{
		PapersDir: papersDir,
		IndexPath: indexPath,
	})
	require.NoError(t, err)

	assert.True(t, second.ReusedRun)
	assert.False(t, second.SkippedPublish)
	assert.Equal(t, first.Chunks, second.Chunks)
	assert.Equal(t, firstMapping, st.chunkToVec)
	assert.Len(t, st.vectors, first.Chunks)
}

func TestBuilder_ZeroChunkPapersSkippedNotFatal(t *testing.T) {
	papersDir := writePapers(t, map[string]string{
		"empty.txt": "   \n\t ",
		"real.txt":  "a paper with actual words to index and retrieve",
	})
	st := newFakeStore()

	result, err := newTestBuilder(t, st).Build(context.Background(), BuildOptions{
		PapersDir: papersDir,
		IndexPath: filepath.Join(t.TempDir(), "papers.hnsw"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Documents)
	assert.Equal(t, 1, result.Skipped)
}

func TestBuilder_AllPapersEmptyPublishesNothing(t *testing.T) {
	papersDir := writePapers(t, map[string]string{"empty.txt": ""})
	st := newFakeStore()

	result, err := newTestBuilder(t, st).Build(context.Background(), BuildOptions{
		PapersDir: papersDir,
		IndexPath: filepath.Join(t.TempDir(), "papers.hnsw"),
	})
	require.NoError(t, err)

	assert.Equal(t, 0, result.Chunks)
	assert.Empty(t, result.ShardName)
	assert.Empty(t, st.shards)
}

func TestBuilder_DimensionMismatchOnResumeIsFatal(t *testing.T) {
	indexPath := filepath.Join(t.TempDir(), "papers.hnsw")

	// Persist an artifact with a different dimension than the embedder.
	other, err := store.NewHNSWStore(store.HNSWConfig{Dimensions: 7})
	require.NoError(t, err)
	_, err = other.Add(context.Background(), []string{"c"}, [][]float32{{1, 0, 0, 0, 0, 0, 0}})
	require.NoError(t, err)
	require.NoError(t, other.Save(indexPath))

	papersDir := writePapers(t, map[string]string{"p.txt": "some words"})
	st := newFakeStore()

	_, err = newTestBuilder(t, st).Build(context.Background(), BuildOptions{
		PapersDir: papersDir,
		IndexPath: indexPath,
	})
	require.Error(t, err)
	assert.Equal(t, pdxerrors.ErrCodeDimensionMismatch, pdxerrors.GetCode(err))
	// Nothing was persisted to the metadata store.
	assert.Equal(t, 0, st.vectorUpserts)
}

func TestBuilder_LimitCapsPapers(t *testing.T) {
	papersDir := writePapers(t, map[string]string{
		"a.txt": "first paper body",
		"b.txt": "second paper body",
		"c.txt": "third paper body",
	})
	st := newFakeStore()

	result, err := newTestBuilder(t, st).Build(context.Background(), BuildOptions{
		PapersDir: papersDir,
		IndexPath: filepath.Join(t.TempDir(), "papers.hnsw"),
		Limit:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Documents)
}

func TestBuilder_EmptyDirIsConfigError(t *testing.T) {
	st := newFakeStore()
	_, err := newTestBuilder(t, st).Build(context.Background(), BuildOptions{
		PapersDir: t.TempDir(),
		IndexPath: filepath.Join(t.TempDir(), "papers.hnsw"),
	})
	require.Error(t, err)
	assert.True(t, pdxerrors.IsConfig(err))
}
