package index

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/paperdex/paperdex/internal/chunk"
	"github.com/paperdex/paperdex/internal/config"
	"github.com/paperdex/paperdex/internal/embed"
	pdxerrors "github.com/paperdex/paperdex/internal/errors"
	"github.com/paperdex/paperdex/internal/extract"
	"github.com/paperdex/paperdex/internal/identity"
	"github.com/paperdex/paperdex/internal/store"
)

// BuildOptions are the per-invocation build inputs.
type BuildOptions struct {
	// PapersDir is the corpus root, walked recursively.
	PapersDir string
	// IndexPath is the working HNSW artifact path. Shards are published
	// next to it.
	IndexPath string
	// Limit caps the number of papers processed. Zero means no limit.
	Limit int
	// ConfigPath is recorded in the run manifest.
	ConfigPath string
}

// BuildResult summarizes a completed build.
type BuildResult struct {
	RunID          string
	IndexID        string
	ShardName      string
	ShardPath      string
	Documents      int
	Chunks         int
	Skipped        int
	ReusedRun      bool
	SkippedPublish bool
}

// Builder turns a directory of papers into persisted chunk rows plus a
// published HNSW shard, exactly once per distinct corpus and config.
type Builder struct {
	store    store.MetadataStore
	embedder embed.Embedder
	chunker  *chunk.Chunker
	cfg      *config.Config
	logger   *slog.Logger
}

// NewBuilder wires a builder from its explicit dependencies. The store and
// embedder lifecycles belong to the caller.
func NewBuilder(st store.MetadataStore, embedder embed.Embedder, cfg *config.Config, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		store:    st,
		embedder: embedder,
		chunker:  chunk.New(chunk.Config(cfg.Chunking)),
		cfg:      cfg,
		logger:   logger,
	}
}

// Build runs the full pipeline: chunk, embed, append to the artifact,
// persist metadata, publish a shard. The artifact path is file-locked for
// the duration so two builders never interleave appends.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) (*BuildResult, error) {
	paths, err := collectPaperPaths(opts.PapersDir, opts.Limit)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, pdxerrors.Newf(pdxerrors.ErrCodeConfigInvalid,
			"no indexable papers under %s", opts.PapersDir)
	}

	if err := os.MkdirAll(filepath.Dir(opts.IndexPath), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	fileLock := flock.New(opts.IndexPath + ".lock")
	locked, err := fileLock.TryLockContext(ctx, 250*time.Millisecond)
	if err != nil || !locked {
		return nil, fmt.Errorf("lock index artifact %s: %w", opts.IndexPath, err)
	}
	defer func() { _ = fileLock.Unlock() }()

	artifact, err := b.openOrCreateArtifact(opts.IndexPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = artifact.Close() }()

	result := &BuildResult{}
	var (
		docs      []*store.Document
		records   []*store.ChunkRecord
		papers    []PaperManifest
		docIDs    []string
		embedHash hash.Hash = sha256.New()
	)

	for _, path := range paths {
		paper, err := b.indexPaper(ctx, artifact, path, embedHash)
		if err != nil {
			return nil, err
		}
		if paper == nil {
			result.Skipped++
			continue
		}
		docs = append(docs, paper.doc)
		records = append(records, paper.records...)
		papers = append(papers, paper.manifest)
		docIDs = append(docIDs, paper.doc.DocID)
		result.Documents++
		result.Chunks += len(paper.records)
	}

	if result.Chunks == 0 {
		b.logger.Warn("build_produced_no_chunks",
			slog.String("papers_dir", opts.PapersDir),
			slog.Int("papers_skipped", result.Skipped))
		return result, nil
	}

	if err := artifact.Save(opts.IndexPath); err != nil {
		return nil, fmt.Errorf("persist index artifact: %w", err)
	}

	fingerprint := identity.CorpusFingerprint(docIDs)
	idemKey := identity.IdempotencyKey(b.embedder.ModelName(),
		b.chunker.ChunkWords(), b.chunker.ChunkOverlap(), fingerprint)

	// The advisory lock makes shard publication exactly-once under
	// concurrent builds with the same fingerprint: both reach this point,
	// but the second sees the first's run and skips.
	if err := b.store.AcquirePublishLock(ctx, idemKey); err != nil {
		return nil, err
	}
	defer func() { _ = b.store.ReleasePublishLock(ctx, idemKey) }()

	run := &store.PipelineRun{
		RunID:          uuid.NewString(),
		IdempotencyKey: idemKey,
		EmbeddingModel: b.embedder.ModelName(),
		ChunkWords:     b.chunker.ChunkWords(),
		ChunkOverlap:   b.chunker.ChunkOverlap(),
		CreatedAt:      time.Now().UTC(),
	}
	run, reused, err := b.store.CreateOrReuseRun(ctx, run)
	if err != nil {
		return nil, err
	}
	result.RunID = run.RunID
	result.ReusedRun = reused

	if reused && b.cfg.Index.IdempotentSkip {
		done, err := b.store.RunHasVectors(ctx, run.RunID)
		if err != nil {
			return nil, err
		}
		if done {
			b.logger.Info("build_skipped_idempotent",
				slog.String("run_id", run.RunID),
				slog.String("idempotency_key", idemKey))
			result.SkippedPublish = true
			return result, nil
		}
	}

	if err := b.store.UpsertDocuments(ctx, run.RunID, docs); err != nil {
		return nil, err
	}
	if err := b.store.UpsertVectors(ctx, run.RunID, records); err != nil {
		return nil, err
	}

	artifactHash, err := FileSHA256(opts.IndexPath)
	if err != nil {
		return nil, err
	}
	shardName := artifactHash[:12]
	shardPath := filepath.Join(filepath.Dir(opts.IndexPath), "shard-"+shardName+".hnsw")
	if err := publishShardFiles(opts.IndexPath, shardPath); err != nil {
		return nil, err
	}
	result.ShardName = shardName
	result.ShardPath = shardPath

	indexID := uuid.NewString()
	result.IndexID = indexID
	version := &store.IndexVersion{
		IndexID:           indexID,
		CorpusFingerprint: fingerprint,
		EmbeddingDim:      b.embedder.Dimensions(),
		EmbeddingModel:    b.embedder.ModelName(),
		ChunkWords:        b.chunker.ChunkWords(),
		ChunkOverlap:      b.chunker.ChunkOverlap(),
		CreatedAt:         run.CreatedAt,
	}
	if err := b.store.RegisterIndexVersion(ctx, version); err != nil {
		return nil, err
	}
	if err := b.store.ActivateShard(ctx, &store.IndexShard{
		ShardName:     shardName,
		Path:          shardPath,
		PipelineRunID: run.RunID,
		IndexID:       indexID,
	}); err != nil {
		return nil, err
	}

	if err := b.writeSidecars(shardPath, opts, run, version, papers, artifactHash,
		hex.EncodeToString(embedHash.Sum(nil))); err != nil {
		return nil, err
	}

	b.logger.Info("index_complete",
		slog.String("run_id", run.RunID),
		slog.String("index_id", indexID),
		slog.String("shard", shardName),
		slog.Int("documents", result.Documents),
		slog.Int("chunks", result.Chunks),
		slog.Int("skipped", result.Skipped))
	return result, nil
}

// indexedPaper is one paper's contribution to a build.
type indexedPaper struct {
	doc      *store.Document
	records  []*store.ChunkRecord
	manifest PaperManifest
}

// indexPaper extracts, chunks, embeds, and appends one paper. Extraction
// failures and empty papers come back as nil with a logged skip; only
// integrity and persistence failures abort the build.
func (b *Builder) indexPaper(ctx context.Context, artifact *store.HNSWStore, path string, embedHash hash.Hash) (*indexedPaper, error) {
	fileBytes, err := os.ReadFile(path)
	if err != nil {
		b.logger.Warn("paper_skipped", slog.String("path", path), slog.String("reason", err.Error()))
		return nil, nil
	}

	extractor, err := extract.ForPath(path)
	if err != nil {
		b.logger.Warn("paper_skipped", slog.String("path", path), slog.String("reason", err.Error()))
		return nil, nil
	}
	extracted, err := extractor.Extract(path)
	if err != nil {
		b.logger.Warn("paper_skipped", slog.String("path", path), slog.String("reason", err.Error()))
		return nil, nil
	}

	chunks := b.chunker.ChunkPages(extracted.Pages)
	if len(chunks) == 0 {
		b.logger.Warn("paper_skipped",
			slog.String("path", path),
			slog.String("reason", "no chunks extracted"))
		return nil, nil
	}

	docID := identity.DocumentID(fileBytes, extracted.Text)

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := b.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	chunkIDs := make([]string, len(chunks))
	for i, c := range chunks {
		chunkIDs[i] = identity.ChunkID(docID, c.Page, c.StartWord, c.EndWord, c.Text)
	}

	// Dimension mismatch aborts here, before any metadata persistence.
	keys, err := artifact.Add(ctx, chunkIDs, vectors)
	if err != nil {
		return nil, err
	}

	for _, vec := range vectors {
		for _, v := range vec {
			_ = binary.Write(embedHash, binary.LittleEndian, v)
		}
	}

	paper := &indexedPaper{
		doc: &store.Document{
			DocID:       docID,
			Path:        path,
			FileHash:    identity.FileHash(fileBytes),
			TextHash:    identity.TextHash(extracted.Text),
			Title:       strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Author:      extracted.Author,
			ExtractedAt: time.Now().UTC(),
		},
		manifest: PaperManifest{DocID: docID, Path: path},
	}
	for i, c := range chunks {
		chunkHash := identity.ChunkHash(c.Text)
		paper.records = append(paper.records, &store.ChunkRecord{
			VecID:     keys[i],
			ChunkID:   chunkIDs[i],
			ChunkHash: chunkHash,
			DocID:     docID,
			Path:      path,
			Page:      c.Page,
			StartWord: c.StartWord,
			EndWord:   c.EndWord,
			Text:      c.Text,
			Embedding: vectors[i],
		})
		paper.manifest.Chunks = append(paper.manifest.Chunks, ChunkManifestEntry{
			ChunkID:   chunkIDs[i],
			ChunkHash: chunkHash,
			Page:      c.Page,
			StartWord: c.StartWord,
			EndWord:   c.EndWord,
		})
	}
	return paper, nil
}

// openOrCreateArtifact resumes an existing artifact or creates a fresh one
// sized to the embedder. A persisted artifact with a different dimension
// than the embedder is a fatal integrity error, never coerced.
func (b *Builder) openOrCreateArtifact(path string) (*store.HNSWStore, error) {
	embedDims := b.embedder.Dimensions()
	if embedDims <= 0 {
		return nil, pdxerrors.Newf(pdxerrors.ErrCodeConfigInvalid,
			"embedder %q reports no dimension", b.embedder.ModelName())
	}

	existingDims, err := store.ReadHNSWDimensions(path)
	if err != nil {
		return nil, err
	}
	if existingDims == 0 {
		return store.NewHNSWStore(store.HNSWConfig{Dimensions: embedDims})
	}
	if existingDims != embedDims {
		return nil, pdxerrors.Newf(pdxerrors.ErrCodeDimensionMismatch,
			"existing index at %s has dimension %d but embedder %q produces %d",
			path, existingDims, b.embedder.ModelName(), embedDims)
	}

	artifact, err := store.LoadHNSWStore(path)
	if err != nil {
		return nil, fmt.Errorf("resume index artifact: %w", err)
	}
	b.logger.Info("index_resumed",
		slog.String("path", path),
		slog.Int("existing_vectors", artifact.Count()))
	return artifact, nil
}

// writeSidecars writes the version descriptor and the run manifest next to
// the published shard.
func (b *Builder) writeSidecars(shardPath string, opts BuildOptions, run *store.PipelineRun,
	version *store.IndexVersion, papers []PaperManifest, artifactHash, embeddingsHash string) error {

	sidecar := &VersionSidecar{
		IndexID:           version.IndexID,
		CreatedAt:         time.Now().UTC(),
		EmbeddingModel:    version.EmbeddingModel,
		EmbeddingDim:      version.EmbeddingDim,
		ChunkWords:        version.ChunkWords,
		ChunkOverlap:      version.ChunkOverlap,
		CorpusFingerprint: version.CorpusFingerprint,
	}
	if err := WriteVersionSidecar(shardPath, sidecar); err != nil {
		return err
	}

	sanitized := b.cfg.Sanitized()
	cfgJSON, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Errorf("marshal sanitized config: %w", err)
	}
	cfgHash := sha256.Sum256(cfgJSON)

	manifest := &RunManifest{
		PipelineRunID:     run.RunID,
		CreatedAt:         sidecar.CreatedAt,
		GitSHA:            GitSHA(),
		ConfigPath:        opts.ConfigPath,
		ConfigHash:        hex.EncodeToString(cfgHash[:]),
		Config:            sanitized,
		Dependencies:      DependencyFingerprints(),
		EmbeddingModel:    version.EmbeddingModel,
		EmbeddingDim:      version.EmbeddingDim,
		ChunkWords:        version.ChunkWords,
		ChunkOverlap:      version.ChunkOverlap,
		CorpusFingerprint: version.CorpusFingerprint,
		ArtifactSHA256:    artifactHash,
		EmbeddingsSHA256:  embeddingsHash,
		Papers:            papers,
	}
	return WriteRunManifest(shardPath, manifest)
}

// collectPaperPaths walks the corpus root for supported files, sorted
// lexicographically so id assignment order is deterministic.
func collectPaperPaths(dir string, limit int) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, err := extract.ForPath(path); err == nil {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk papers directory %s: %w", dir, err)
	}

	sort.Strings(paths)
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}
	return paths, nil
}

// publishShardFiles copies the artifact and its metadata to the immutable
// shard path. Existing shard files are never overwritten: the name is a
// content hash, so an existing file already has the right bytes.
func publishShardFiles(indexPath, shardPath string) error {
	if err := copyIfAbsent(indexPath, shardPath); err != nil {
		return err
	}
	return copyIfAbsent(indexPath+".meta", shardPath+".meta")
}

func copyIfAbsent(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	tmpPath := dst + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmpPath, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("copy shard file: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	return os.Rename(tmpPath, dst)
}
