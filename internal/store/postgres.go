package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	pdxerrors "github.com/paperdex/paperdex/internal/errors"
)

// PostgresConfig configures the Postgres metadata store.
type PostgresConfig struct {
	// URL is the connection string.
	URL string

	// IVFFlatProbes and HNSWEfSearch tune pgvector recall per statement.
	// Zero leaves the server default in place.
	IVFFlatProbes int
	HNSWEfSearch  int
}

// PostgresStore implements MetadataStore on pgx + pgvector.
type PostgresStore struct {
	pool   *pgxpool.Pool
	config PostgresConfig

	// Advisory locks are session-scoped, so the lock and its release must
	// run on the same connection, pinned here between the two calls.
	lockMu   sync.Mutex
	lockConn *pgxpool.Conn
}

var _ MetadataStore = (*PostgresStore)(nil)

// NewPostgresStore connects and pings. A missing URL is a configuration
// error surfaced before any other work.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, pdxerrors.Newf(pdxerrors.ErrCodeConfigMissingDBURL,
			"database url is required (set database.url or PAPERDEX_DATABASE_URL)")
	}

	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, pdxerrors.New(pdxerrors.ErrCodeVectorBackend, "create connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, pdxerrors.New(pdxerrors.ErrCodeVectorBackend, "ping database", err)
	}

	return &PostgresStore{pool: pool, config: cfg}, nil
}

// InitSchema creates the pgvector extension and all tables. Idempotent.
func (s *PostgresStore) InitSchema(ctx context.Context, embeddingDim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS documents (
			doc_id       TEXT PRIMARY KEY,
			path         TEXT NOT NULL,
			file_hash    TEXT NOT NULL,
			text_hash    TEXT NOT NULL,
			title        TEXT NOT NULL DEFAULT '',
			author       TEXT NOT NULL DEFAULT '',
			extracted_at TIMESTAMPTZ NOT NULL,
			run_id       UUID NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vectors (
			vec_id     BIGINT PRIMARY KEY,
			chunk_id   TEXT NOT NULL UNIQUE,
			chunk_hash TEXT NOT NULL,
			doc_id     TEXT NOT NULL,
			path       TEXT NOT NULL,
			page       INT NOT NULL,
			start_word INT NOT NULL,
			end_word   INT NOT NULL,
			content    TEXT NOT NULL,
			embedding  vector(%d),
			run_id     UUID NOT NULL
		)`, embeddingDim),
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			run_id          UUID PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			embedding_model TEXT NOT NULL,
			chunk_words     INT NOT NULL,
			chunk_overlap   INT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS index_versions (
			index_id           UUID PRIMARY KEY,
			corpus_fingerprint TEXT NOT NULL,
			embedding_dim      INT NOT NULL,
			embedding_model    TEXT NOT NULL,
			chunk_words        INT NOT NULL,
			chunk_overlap      INT NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS index_shards (
			shard_name      TEXT PRIMARY KEY,
			path            TEXT NOT NULL,
			pipeline_run_id UUID NOT NULL,
			index_id        UUID NOT NULL,
			is_active       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS vectors_path_idx ON vectors (lower(path) text_pattern_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// UpsertDocuments writes document rows, tagged with the run that produced
// them. Conflicts on doc_id update all mutable columns.
func (s *PostgresStore) UpsertDocuments(ctx context.Context, runID string, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, d := range docs {
		batch.Queue(`INSERT INTO documents
			(doc_id, path, file_hash, text_hash, title, author, extracted_at, run_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (doc_id) DO UPDATE SET
				path = EXCLUDED.path,
				file_hash = EXCLUDED.file_hash,
				text_hash = EXCLUDED.text_hash,
				title = EXCLUDED.title,
				author = EXCLUDED.author,
				extracted_at = EXCLUDED.extracted_at,
				run_id = EXCLUDED.run_id`,
			d.DocID, d.Path, d.FileHash, d.TextHash, d.Title, d.Author, d.ExtractedAt, runID)
	}
	return s.sendBatch(ctx, batch)
}

// UpsertVectors writes chunk rows keyed by the numeric vector id. Conflicts
// update every column, so re-running a build with the same id assignment
// overwrites in place instead of duplicating.
func (s *PostgresStore) UpsertVectors(ctx context.Context, runID string, chunks []*ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`INSERT INTO vectors
			(vec_id, chunk_id, chunk_hash, doc_id, path, page, start_word, end_word, content, embedding, run_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (vec_id) DO UPDATE SET
				chunk_id = EXCLUDED.chunk_id,
				chunk_hash = EXCLUDED.chunk_hash,
				doc_id = EXCLUDED.doc_id,
				path = EXCLUDED.path,
				page = EXCLUDED.page,
				start_word = EXCLUDED.start_word,
				end_word = EXCLUDED.end_word,
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				run_id = EXCLUDED.run_id`,
			int64(c.VecID), c.ChunkID, c.ChunkHash, c.DocID, c.Path, c.Page,
			c.StartWord, c.EndWord, c.Text, pgvector.NewVector(c.Embedding), runID)
	}
	return s.sendBatch(ctx, batch)
}

func (s *PostgresStore) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	results := s.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return nil
}

// VectorCount returns the number of stored vectors.
func (s *PostgresStore) VectorCount(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM vectors`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return count, nil
}

// VectorSearch runs cosine nearest-neighbor search over the vectors table.
// Tuning knobs apply per statement via SET LOCAL so concurrent queries with
// different settings never interfere. An empty scope searches the whole
// corpus; otherwise only rows whose normalized path starts with the scope
// prefix qualify.
func (s *PostgresStore) VectorSearch(ctx context.Context, query []float32, k int, scope string) ([]*VectorHit, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, pdxerrors.New(pdxerrors.ErrCodeVectorBackend, "begin search transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if s.config.IVFFlatProbes > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL ivfflat.probes = %d", s.config.IVFFlatProbes)); err != nil {
			return nil, pdxerrors.New(pdxerrors.ErrCodeVectorBackend, "set ivfflat.probes", err)
		}
	}
	if s.config.HNSWEfSearch > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", s.config.HNSWEfSearch)); err != nil {
			return nil, pdxerrors.New(pdxerrors.ErrCodeVectorBackend, "set hnsw.ef_search", err)
		}
	}

	sql := `SELECT chunk_id, path, page, content, 1 - (embedding <=> $1) AS score
		FROM vectors
		WHERE embedding IS NOT NULL`
	args := []any{pgvector.NewVector(query), k}
	if norm := NormalizeScope(scope); norm != "" {
		sql += ` AND (lower(replace(path, '\', '/')) = $3 OR lower(replace(path, '\', '/')) LIKE $4)`
		args = append(args, norm, likeScopePrefix(norm))
	}
	sql += ` ORDER BY embedding <=> $1 LIMIT $2`

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, pdxerrors.New(pdxerrors.ErrCodeVectorBackend, "vector search", err)
	}
	defer rows.Close()

	var hits []*VectorHit
	for rows.Next() {
		h := &VectorHit{}
		if err := rows.Scan(&h.ChunkID, &h.Path, &h.Page, &h.Text, &h.Score); err != nil {
			return nil, fmt.Errorf("scan vector hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, pdxerrors.New(pdxerrors.ErrCodeVectorBackend, "vector search rows", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, pdxerrors.New(pdxerrors.ErrCodeVectorBackend, "commit search transaction", err)
	}
	return hits, nil
}

// ChunkTexts loads chunk text for lexical scoring, filtered by the scope
// prefix when given.
func (s *PostgresStore) ChunkTexts(ctx context.Context, scope string) ([]*ChunkText, error) {
	sql := `SELECT chunk_id, path, page, content FROM vectors`
	var args []any
	if norm := NormalizeScope(scope); norm != "" {
		sql += ` WHERE (lower(replace(path, '\', '/')) = $1 OR lower(replace(path, '\', '/')) LIKE $2)`
		args = append(args, norm, likeScopePrefix(norm))
	}
	sql += ` ORDER BY vec_id`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("load chunk texts: %w", err)
	}
	defer rows.Close()

	var texts []*ChunkText
	for rows.Next() {
		t := &ChunkText{}
		if err := rows.Scan(&t.ChunkID, &t.Path, &t.Page, &t.Text); err != nil {
			return nil, fmt.Errorf("scan chunk text: %w", err)
		}
		texts = append(texts, t)
	}
	return texts, rows.Err()
}

// CreateOrReuseRun inserts a pipeline run or returns the existing run with
// the same idempotency key. The second return value reports reuse.
func (s *PostgresStore) CreateOrReuseRun(ctx context.Context, run *PipelineRun) (*PipelineRun, bool, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `INSERT INTO pipeline_runs
		(run_id, idempotency_key, embedding_model, chunk_words, chunk_overlap, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		run.RunID, run.IdempotencyKey, run.EmbeddingModel, run.ChunkWords, run.ChunkOverlap, run.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("create pipeline run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return run, false, nil
	}

	existing := &PipelineRun{}
	err = s.pool.QueryRow(ctx, `SELECT run_id, idempotency_key, embedding_model, chunk_words, chunk_overlap, created_at
		FROM pipeline_runs WHERE idempotency_key = $1`, run.IdempotencyKey).
		Scan(&existing.RunID, &existing.IdempotencyKey, &existing.EmbeddingModel,
			&existing.ChunkWords, &existing.ChunkOverlap, &existing.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("load existing run: %w", err)
	}
	return existing, true, nil
}

// RunHasVectors reports whether any vector rows are tagged with the run.
func (s *PostgresStore) RunHasVectors(ctx context.Context, runID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM vectors WHERE run_id = $1)`, runID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check run vectors: %w", err)
	}
	return exists, nil
}

// RegisterIndexVersion writes an immutable index version row.
func (s *PostgresStore) RegisterIndexVersion(ctx context.Context, v *IndexVersion) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO index_versions
		(index_id, corpus_fingerprint, embedding_dim, embedding_model, chunk_words, chunk_overlap, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.IndexID, v.CorpusFingerprint, v.EmbeddingDim, v.EmbeddingModel,
		v.ChunkWords, v.ChunkOverlap, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("register index version: %w", err)
	}
	return nil
}

// ActivateShard registers the shard and makes it the single active one in a
// single transaction. A crash between the two statements leaves no window
// where two shards are active.
func (s *PostgresStore) ActivateShard(ctx context.Context, shard *IndexShard) error {
	if shard.CreatedAt.IsZero() {
		shard.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin activation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE index_shards SET is_active = FALSE WHERE is_active`); err != nil {
		return fmt.Errorf("deactivate shards: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO index_shards
		(shard_name, path, pipeline_run_id, index_id, is_active, created_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		ON CONFLICT (shard_name) DO UPDATE SET
			path = EXCLUDED.path,
			pipeline_run_id = EXCLUDED.pipeline_run_id,
			index_id = EXCLUDED.index_id,
			is_active = TRUE`,
		shard.ShardName, shard.Path, shard.PipelineRunID, shard.IndexID, shard.CreatedAt); err != nil {
		return fmt.Errorf("activate shard: %w", err)
	}
	return tx.Commit(ctx)
}

// ActiveShards returns currently active shards.
func (s *PostgresStore) ActiveShards(ctx context.Context) ([]*IndexShard, error) {
	rows, err := s.pool.Query(ctx, `SELECT shard_name, path, pipeline_run_id, index_id, is_active, created_at
		FROM index_shards WHERE is_active ORDER BY shard_name`)
	if err != nil {
		return nil, fmt.Errorf("load active shards: %w", err)
	}
	defer rows.Close()

	var shards []*IndexShard
	for rows.Next() {
		sh := &IndexShard{}
		if err := rows.Scan(&sh.ShardName, &sh.Path, &sh.PipelineRunID, &sh.IndexID, &sh.IsActive, &sh.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan shard: %w", err)
		}
		shards = append(shards, sh)
	}
	return shards, rows.Err()
}

// ShardIndexID returns the index_id recorded for the shard.
func (s *PostgresStore) ShardIndexID(ctx context.Context, shardName string) (string, error) {
	var indexID string
	err := s.pool.QueryRow(ctx, `SELECT index_id FROM index_shards WHERE shard_name = $1`, shardName).Scan(&indexID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", pdxerrors.Newf(pdxerrors.ErrCodeIntegrity, "shard %q not registered", shardName)
	}
	if err != nil {
		return "", fmt.Errorf("load shard index id: %w", err)
	}
	return indexID, nil
}

// AcquirePublishLock blocks until the session-level advisory lock for the
// idempotency key is held. Two builders publishing the same logical work
// serialize here. The connection is pinned until ReleasePublishLock.
func (s *PostgresStore) AcquirePublishLock(ctx context.Context, key string) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.lockConn != nil {
		return fmt.Errorf("publish lock already held")
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return pdxerrors.New(pdxerrors.ErrCodeVectorBackend, "acquire lock connection", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		conn.Release()
		return pdxerrors.New(pdxerrors.ErrCodeVectorBackend, "acquire publish lock", err)
	}
	s.lockConn = conn
	return nil
}

// ReleasePublishLock releases the advisory lock taken by AcquirePublishLock.
// The unlock runs on its own deadline rather than the caller's context: a
// canceled build must still release the lock. If the unlock fails anyway,
// the pinned connection is closed outright so it never rejoins the pool
// with a session-level lock still held.
func (s *PostgresStore) ReleasePublishLock(_ context.Context, key string) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.lockConn == nil {
		return nil
	}

	unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.lockConn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, key)
	if err != nil {
		_ = s.lockConn.Conn().Close(unlockCtx)
	}
	s.lockConn.Release()
	s.lockConn = nil
	if err != nil {
		return pdxerrors.New(pdxerrors.ErrCodeVectorBackend, "release publish lock", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// NormalizeScope lowercases a scope path, normalizes separators to forward
// slashes, and drops any trailing slash. Comparison over the normalized form
// is case-insensitive and separator-agnostic.
func NormalizeScope(scope string) string {
	return strings.TrimRight(strings.ToLower(strings.ReplaceAll(strings.TrimSpace(scope), "\\", "/")), "/")
}

// ScopeMatches reports whether a document path falls inside the scope: the
// scope names either the document itself or an ancestor directory. A sibling
// whose name merely extends the scope (a.pdf vs a.pdf.bak) does not match.
func ScopeMatches(path, scope string) bool {
	if scope == "" {
		return true
	}
	p := NormalizeScope(path)
	s := NormalizeScope(scope)
	return p == s || strings.HasPrefix(p, s+"/")
}

// likeScopePrefix builds the LIKE pattern for paths under the scope
// directory, escaping LIKE metacharacters that may appear in path names.
func likeScopePrefix(scope string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(scope) + "/%"
}
