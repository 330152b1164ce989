package search

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/paperdex/paperdex/internal/embed"
	pdxerrors "github.com/paperdex/paperdex/internal/errors"
	"github.com/paperdex/paperdex/internal/index"
	"github.com/paperdex/paperdex/internal/store"
)

// overfetchFactor over-fetches vector candidates beyond top_k for better
// fusion quality.
const overfetchFactor = 5

// shardCacheSize bounds the number of loaded shard artifacts held open.
const shardCacheSize = 8

// Options are per-query retrieval parameters.
type Options struct {
	// TopK is the maximum result count.
	TopK int
	// BM25Weight is the lexical share of the fused score, in [0,1].
	BM25Weight float64
	// Scope restricts retrieval to one document, named by its path, or to
	// the documents under a directory. Comparison is case-insensitive,
	// separator-normalized, and only matches at path boundaries.
	Scope string
}

// FallbackSearcher searches the standalone ANN artifact. It exists as an
// interface so tests can observe whether the fallback was invoked.
type FallbackSearcher interface {
	Search(ctx context.Context, query []float32, k int) ([]*store.VectorHit, error)
}

// Retriever runs hybrid queries: BM25 over the scoped corpus plus vector
// search, primary through the row store and fallback through the active
// HNSW shards.
type Retriever struct {
	store    store.MetadataStore
	embedder embed.Embedder
	bm25     *store.BM25Scorer
	fallback FallbackSearcher
	logger   *slog.Logger
}

// NewRetriever wires a retriever over explicit dependencies. The shard
// fallback loads active shards through the verifier with an LRU handle
// cache, opened once and reused across queries.
func NewRetriever(st store.MetadataStore, embedder embed.Embedder, verifier *index.Verifier, logger *slog.Logger) (*Retriever, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fallback, err := newShardFallback(st, verifier, logger)
	if err != nil {
		return nil, err
	}
	return &Retriever{
		store:    st,
		embedder: embedder,
		bm25:     store.NewBM25Scorer(),
		fallback: fallback,
		logger:   logger,
	}, nil
}

// NewRetrieverWithFallback is like NewRetriever with an injected fallback.
func NewRetrieverWithFallback(st store.MetadataStore, embedder embed.Embedder, fallback FallbackSearcher, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:    st,
		embedder: embedder,
		bm25:     store.NewBM25Scorer(),
		fallback: fallback,
		logger:   logger,
	}
}

// Search returns up to TopK fused hits, descending by fused score. Leg
// failures degrade to empty contributions from that leg; only an empty
// vector signal yields an empty result.
func (r *Retriever) Search(ctx context.Context, query string, opts Options) ([]*Result, error) {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	scope := store.NormalizeScope(opts.Scope)
	fetchK := opts.TopK * overfetchFactor

	var (
		bm25Scores map[string]float64
		vectorHits []*store.VectorHit
		queryVec   []float32
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bm25Scores = r.lexicalLeg(gctx, query, scope, fetchK)
		return nil
	})
	g.Go(func() error {
		queryVec = r.embedQuery(gctx, query)
		vectorHits = r.vectorLeg(gctx, queryVec, scope, fetchK)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// The fallback cannot honor a document scope: a whole-corpus artifact
	// has no per-document filter, and silently ignoring the scope would be
	// worse than returning nothing.
	if len(vectorHits) == 0 && queryVec != nil && scope == "" && r.fallback != nil {
		hits, err := r.fallback.Search(ctx, queryVec, opts.TopK)
		if err != nil {
			r.logger.Error("fallback_search_failed",
				slog.String("error_kind", string(pdxerrors.CategoryOf(err))),
				slog.String("error", err.Error()))
		} else {
			vectorHits = r.hydrate(ctx, hits)
		}
	}

	if len(vectorHits) == 0 {
		return []*Result{}, nil
	}
	return Fuse(vectorHits, bm25Scores, opts.BM25Weight, opts.TopK), nil
}

// lexicalLeg scores the scoped corpus lexically. Failures are logged and
// degrade to no lexical contribution.
func (r *Retriever) lexicalLeg(ctx context.Context, query, scope string, k int) map[string]float64 {
	texts, err := r.store.ChunkTexts(ctx, scope)
	if err != nil {
		r.logger.Error("bm25_corpus_load_failed",
			slog.String("error_kind", string(pdxerrors.CategoryOf(err))),
			slog.String("error", err.Error()))
		return nil
	}
	hits, err := r.bm25.Score(ctx, texts, query, k)
	if err != nil {
		r.logger.Error("bm25_scoring_failed",
			slog.String("error_kind", string(pdxerrors.CategoryOf(err))),
			slog.String("error", err.Error()))
		return nil
	}

	scores := make(map[string]float64, len(hits))
	for _, h := range hits {
		scores[h.ChunkID] = h.Score
	}
	return scores
}

// vectorLeg searches the row store with the embedded query. Failures are
// logged with their kind and degrade to no hits from this path.
func (r *Retriever) vectorLeg(ctx context.Context, vec []float32, scope string, k int) []*store.VectorHit {
	if vec == nil {
		return nil
	}
	hits, err := r.store.VectorSearch(ctx, vec, k, scope)
	if err != nil {
		r.logger.Error("vector_search_failed",
			slog.String("error_kind", string(pdxerrors.CategoryOf(err))),
			slog.String("error", err.Error()))
		return nil
	}
	return hits
}

func (r *Retriever) embedQuery(ctx context.Context, query string) []float32 {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Error("query_embedding_failed",
			slog.String("error_kind", string(pdxerrors.CategoryOf(err))),
			slog.String("error", err.Error()))
		return nil
	}
	return embed.Normalize(vec)
}

// hydrate fills path, page, and text for fallback hits, which carry only
// chunk ids and scores. Lookup failures leave the id-only hit in place.
func (r *Retriever) hydrate(ctx context.Context, hits []*store.VectorHit) []*store.VectorHit {
	if len(hits) == 0 {
		return hits
	}
	texts, err := r.store.ChunkTexts(ctx, "")
	if err != nil {
		return hits
	}
	byID := make(map[string]*store.ChunkText, len(texts))
	for _, t := range texts {
		byID[t.ChunkID] = t
	}
	for _, h := range hits {
		if t, ok := byID[h.ChunkID]; ok {
			h.Path = t.Path
			h.Page = t.Page
			h.Text = t.Text
		}
	}
	return hits
}

// shardFallback searches active HNSW shards, verifying each before use and
// caching loaded handles.
type shardFallback struct {
	store    store.MetadataStore
	verifier *index.Verifier
	cache    *lru.Cache[string, *store.HNSWStore]
	logger   *slog.Logger
}

var _ FallbackSearcher = (*shardFallback)(nil)

func newShardFallback(st store.MetadataStore, verifier *index.Verifier, logger *slog.Logger) (*shardFallback, error) {
	cache, err := lru.NewWithEvict[string, *store.HNSWStore](shardCacheSize,
		func(_ string, s *store.HNSWStore) { _ = s.Close() })
	if err != nil {
		return nil, err
	}
	return &shardFallback{store: st, verifier: verifier, cache: cache, logger: logger}, nil
}

// Search queries every active shard and keeps the best score per chunk.
func (f *shardFallback) Search(ctx context.Context, query []float32, k int) ([]*store.VectorHit, error) {
	if query == nil {
		return nil, nil
	}
	shards, err := f.store.ActiveShards(ctx)
	if err != nil {
		return nil, err
	}

	best := make(map[string]*store.VectorHit)
	for _, shard := range shards {
		artifact, err := f.open(ctx, shard)
		if err != nil {
			f.logger.Error("shard_unusable",
				slog.String("shard", shard.ShardName),
				slog.String("error_kind", string(pdxerrors.CategoryOf(err))),
				slog.String("error", err.Error()))
			continue
		}
		hits, err := artifact.Search(ctx, query, k)
		if err != nil {
			f.logger.Error("shard_search_failed",
				slog.String("shard", shard.ShardName),
				slog.String("error", err.Error()))
			continue
		}
		for _, h := range hits {
			if prev, ok := best[h.ChunkID]; !ok || h.Score > prev.Score {
				best[h.ChunkID] = h
			}
		}
	}

	merged := make([]*store.VectorHit, 0, len(best))
	for _, h := range best {
		merged = append(merged, h)
	}
	return merged, nil
}

// open verifies the shard and loads its artifact through the handle cache.
func (f *shardFallback) open(ctx context.Context, shard *store.IndexShard) (*store.HNSWStore, error) {
	if cached, ok := f.cache.Get(shard.Path); ok {
		return cached, nil
	}
	if f.verifier != nil {
		if _, err := f.verifier.Verify(ctx, shard); err != nil {
			return nil, err
		}
	}
	artifact, err := store.LoadHNSWStore(shard.Path)
	if err != nil {
		return nil, err
	}
	f.cache.Add(shard.Path, artifact)
	return artifact, nil
}
