package search

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperdex/paperdex/internal/embed"
	pdxerrors "github.com/paperdex/paperdex/internal/errors"
	"github.com/paperdex/paperdex/internal/store"
)

// queryStore is an in-memory MetadataStore covering only the read paths the
// retriever uses. Vector hits are canned; lexical text comes from chunks.
type queryStore struct {
	store.MetadataStore

	chunks    []*store.ChunkText
	hits      []*store.VectorHit
	vectorErr error
	textsErr  error

	vectorCalls  int
	vectorScopes []string
}

func (q *queryStore) VectorSearch(ctx context.Context, query []float32, k int, scope string) ([]*store.VectorHit, error) {
	q.vectorCalls++
	q.vectorScopes = append(q.vectorScopes, scope)
	if q.vectorErr != nil {
		return nil, q.vectorErr
	}
	var out []*store.VectorHit
	for _, h := range q.hits {
		if !store.ScopeMatches(h.Path, scope) {
			continue
		}
		out = append(out, h)
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (q *queryStore) ChunkTexts(ctx context.Context, scope string) ([]*store.ChunkText, error) {
	if q.textsErr != nil {
		return nil, q.textsErr
	}
	var out []*store.ChunkText
	for _, c := range q.chunks {
		if !store.ScopeMatches(c.Path, scope) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// countingFallback records how often the artifact fallback is consulted.
type countingFallback struct {
	calls int
	hits  []*store.VectorHit
	err   error
}

var _ FallbackSearcher = (*countingFallback)(nil)

func (c *countingFallback) Search(ctx context.Context, query []float32, k int) ([]*store.VectorHit, error) {
	c.calls++
	return c.hits, c.err
}

func newTestRetriever(st store.MetadataStore, fallback FallbackSearcher) *Retriever {
	return NewRetrieverWithFallback(st, embed.NewStaticEmbedder(), fallback,
		slog.New(slog.DiscardHandler))
}

func TestRetriever_HybridRanking(t *testing.T) {
	st := &queryStore{
		chunks: []*store.ChunkText{
			{ChunkID: "c1", Path: "papers/a.txt", Page: 1, Text: "residual networks for image recognition"},
			{ChunkID: "c2", Path: "papers/b.txt", Page: 1, Text: "attention is all you need for translation"},
		},
		hits: []*store.VectorHit{
			{ChunkID: "c1", Path: "papers/a.txt", Page: 1, Text: "residual networks for image recognition", Score: 0.62},
			{ChunkID: "c2", Path: "papers/b.txt", Page: 1, Text: "attention is all you need for translation", Score: 0.6},
		},
	}

	results, err := newTestRetriever(st, nil).Search(context.Background(), "attention translation", Options{
		TopK:       10,
		BM25Weight: 0.5,
	})
	require.NoError(t, err)

	require.Len(t, results, 2)
	// c2 matches the query lexically, so the lexical half lifts it past c1.
	assert.Equal(t, "c2", results[0].ChunkID)
	assert.Greater(t, results[0].BM25Score, results[1].BM25Score)
	assert.Equal(t, "papers/b.txt", results[0].Path)
	assert.Equal(t, 1, st.vectorCalls)
}

func TestRetriever_EmptyWhenNoVectorSignal(t *testing.T) {
	st := &queryStore{
		chunks: []*store.ChunkText{
			{ChunkID: "c1", Path: "papers/a.txt", Text: "lexical match for the query terms"},
		},
	}
	fallback := &countingFallback{}

	results, err := newTestRetriever(st, fallback).Search(context.Background(), "query terms", Options{TopK: 5})
	require.NoError(t, err)

	// The fallback was tried, returned nothing, and a lexical-only match is
	// not enough to produce a result.
	assert.Empty(t, results)
	assert.Equal(t, 1, fallback.calls)
}

func TestRetriever_FallbackUsedWhenPrimaryEmpty(t *testing.T) {
	st := &queryStore{
		chunks: []*store.ChunkText{
			{ChunkID: "c9", Path: "papers/z.txt", Page: 3, Text: "graph based nearest neighbor search"},
		},
	}
	fallback := &countingFallback{
		hits: []*store.VectorHit{{ChunkID: "c9", Score: 0.6}},
	}

	results, err := newTestRetriever(st, fallback).Search(context.Background(), "nearest neighbor", Options{TopK: 5})
	require.NoError(t, err)

	assert.Equal(t, 1, fallback.calls)
	require.Len(t, results, 1)
	assert.Equal(t, "c9", results[0].ChunkID)
	// Fallback hits carry only ids and scores; the retriever fills the rest.
	assert.Equal(t, "papers/z.txt", results[0].Path)
	assert.Equal(t, 3, results[0].Page)
	assert.Equal(t, "graph based nearest neighbor search", results[0].Text)
}

func TestRetriever_ScopeDisablesFallback(t *testing.T) {
	st := &queryStore{
		chunks: []*store.ChunkText{
			{ChunkID: "c1", Path: "papers/vision/a.txt", Text: "convolutional features"},
		},
	}
	fallback := &countingFallback{
		hits: []*store.VectorHit{{ChunkID: "c1", Score: 0.9}},
	}

	results, err := newTestRetriever(st, fallback).Search(context.Background(), "convolutional", Options{
		TopK:  5,
		Scope: "papers/nlp/",
	})
	require.NoError(t, err)

	assert.Empty(t, results)
	assert.Equal(t, 0, fallback.calls, "scoped query must not consult the whole-corpus fallback")
}

func TestRetriever_ScopeIsNormalized(t *testing.T) {
	st := &queryStore{
		hits: []*store.VectorHit{
			{ChunkID: "c1", Path: "papers/nlp/bert.txt", Score: 0.9},
			{ChunkID: "c2", Path: "papers/vision/vit.txt", Score: 0.8},
			{ChunkID: "c3", Path: "papers/nlp-extras/gpt.txt", Score: 0.7},
		},
	}

	// Backslashes, upper case, and a trailing separator all resolve to the
	// same normalized scope. A sibling that merely extends the directory
	// name stays out.
	results, err := newTestRetriever(st, nil).Search(context.Background(), "bert", Options{
		TopK:  5,
		Scope: `Papers\NLP\`,
	})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ChunkID)
	require.Len(t, st.vectorScopes, 1)
	assert.Equal(t, "papers/nlp", st.vectorScopes[0])
}

func TestRetriever_ScopeMatchesSingleDocumentExactly(t *testing.T) {
	st := &queryStore{
		hits: []*store.VectorHit{
			{ChunkID: "c1", Path: "papers/a.pdf", Score: 0.9},
			{ChunkID: "c2", Path: "papers/a.pdf.bak", Score: 0.8},
		},
	}

	results, err := newTestRetriever(st, nil).Search(context.Background(), "anything", Options{
		TopK:  5,
		Scope: "papers/a.pdf",
	})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ChunkID)
}

func TestRetriever_LexicalFailureDegradesToVectorOnly(t *testing.T) {
	st := &queryStore{
		textsErr: pdxerrors.ExternalError("connection reset", nil),
		hits: []*store.VectorHit{
			{ChunkID: "c1", Path: "papers/a.txt", Score: 0.8},
		},
	}

	results, err := newTestRetriever(st, nil).Search(context.Background(), "anything", Options{
		TopK:       5,
		BM25Weight: 0.5,
	})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Zero(t, results[0].BM25Score)
	assert.InDelta(t, 0.4, results[0].FusedScore, 1e-9)
}

func TestRetriever_VectorFailureFallsBackToArtifact(t *testing.T) {
	st := &queryStore{
		vectorErr: pdxerrors.ExternalError("database unavailable", nil),
	}
	fallback := &countingFallback{
		hits: []*store.VectorHit{{ChunkID: "c7", Score: 0.5}},
	}

	results, err := newTestRetriever(st, fallback).Search(context.Background(), "anything", Options{TopK: 5})
	require.NoError(t, err)

	assert.Equal(t, 1, fallback.calls)
	require.Len(t, results, 1)
	assert.Equal(t, "c7", results[0].ChunkID)
}

func TestRetriever_FallbackFailureYieldsEmpty(t *testing.T) {
	st := &queryStore{}
	fallback := &countingFallback{
		err: pdxerrors.New(pdxerrors.ErrCodeVectorBackend, "artifact unreadable", nil),
	}

	results, err := newTestRetriever(st, fallback).Search(context.Background(), "anything", Options{TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 1, fallback.calls)
}

func TestRetriever_TopKDefaultAndOverfetch(t *testing.T) {
	st := &queryStore{
		hits: []*store.VectorHit{{ChunkID: "c1", Score: 0.9}},
	}

	_, err := newTestRetriever(st, nil).Search(context.Background(), "q", Options{})
	require.NoError(t, err)
	// Default top_k is 10, over-fetched by the fusion factor.
	assert.Equal(t, 1, st.vectorCalls)
}
