// Package store is the persistence layer: Postgres metadata and row-store
// vectors (pgvector), the standalone HNSW index artifact, and the BM25
// scorer over chunk text.
package store

import (
	"context"
	"time"
)

// Document is an indexed source file. DocID is content-addressed over the
// raw file bytes and the extracted text.
type Document struct {
	DocID       string
	Path        string
	FileHash    string
	TextHash    string
	Title       string
	Author      string
	ExtractedAt time.Time
}

// ChunkRecord is one chunk row: identity, location, text, and embedding.
// VecID is the numeric key used by the HNSW artifact and the vectors table.
type ChunkRecord struct {
	VecID     uint64
	ChunkID   string
	ChunkHash string
	DocID     string
	Path      string
	Page      int
	StartWord int
	EndWord   int
	Text      string
	Embedding []float32
}

// PipelineRun records one logical index build. Runs with identical
// idempotency keys describe the same work.
type PipelineRun struct {
	RunID          string
	IdempotencyKey string
	EmbeddingModel string
	ChunkWords     int
	ChunkOverlap   int
	CreatedAt      time.Time
}

// IndexVersion is an immutable description of a published index.
type IndexVersion struct {
	IndexID           string
	CorpusFingerprint string
	EmbeddingDim      int
	EmbeddingModel    string
	ChunkWords        int
	ChunkOverlap      int
	CreatedAt         time.Time
}

// IndexShard is one published artifact file. At most one shard is active per
// logical index name.
type IndexShard struct {
	ShardName     string
	Path          string
	PipelineRunID string
	IndexID       string
	IsActive      bool
	CreatedAt     time.Time
}

// VectorHit is one row-store vector search result.
type VectorHit struct {
	ChunkID string
	Path    string
	Page    int
	Text    string
	Score   float64
}

// ChunkText pairs a chunk id with its text and path for lexical scoring.
type ChunkText struct {
	ChunkID string
	Path    string
	Page    int
	Text    string
}

// MetadataStore persists documents, chunks, runs, and shard bookkeeping.
type MetadataStore interface {
	// InitSchema creates tables and the pgvector extension if missing.
	InitSchema(ctx context.Context, embeddingDim int) error

	// Document operations.
	UpsertDocuments(ctx context.Context, runID string, docs []*Document) error

	// Vector operations. Upserts are keyed by VecID; re-running a build
	// overwrites rows rather than duplicating them.
	UpsertVectors(ctx context.Context, runID string, chunks []*ChunkRecord) error
	VectorCount(ctx context.Context) (int, error)
	VectorSearch(ctx context.Context, query []float32, k int, scope string) ([]*VectorHit, error)
	ChunkTexts(ctx context.Context, scope string) ([]*ChunkText, error)

	// Run operations. CreateOrReuseRun returns the existing run when the
	// idempotency key is already present.
	CreateOrReuseRun(ctx context.Context, run *PipelineRun) (*PipelineRun, bool, error)
	RunHasVectors(ctx context.Context, runID string) (bool, error)

	// Index version and shard operations.
	RegisterIndexVersion(ctx context.Context, v *IndexVersion) error
	ActivateShard(ctx context.Context, shard *IndexShard) error
	ActiveShards(ctx context.Context) ([]*IndexShard, error)
	ShardIndexID(ctx context.Context, shardName string) (string, error)

	// Advisory locking for the publish step. The key is hashed server-side;
	// Unlock must be called with the same key.
	AcquirePublishLock(ctx context.Context, key string) error
	ReleasePublishLock(ctx context.Context, key string) error

	Close()
}
