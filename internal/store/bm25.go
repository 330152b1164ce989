package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
)

// BM25Hit is one lexical ranking result.
type BM25Hit struct {
	ChunkID string
	Score   float64
}

// bleveDocument is the document shape indexed for lexical scoring.
type bleveDocument struct {
	Content string `json:"content"`
}

// BM25Scorer ranks chunk text lexically. Each call builds an in-memory
// bleve index over the given texts, which keeps the scored corpus exactly
// equal to the caller's scope with no stale on-disk state to invalidate.
type BM25Scorer struct{}

// NewBM25Scorer creates a BM25 scorer.
func NewBM25Scorer() *BM25Scorer {
	return &BM25Scorer{}
}

// Score ranks texts against the query and returns up to limit hits in
// descending score order. An empty corpus or blank query yields no hits.
func (b *BM25Scorer) Score(ctx context.Context, texts []*ChunkText, query string, limit int) ([]*BM25Hit, error) {
	if len(texts) == 0 || strings.TrimSpace(query) == "" {
		return []*BM25Hit{}, nil
	}

	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create bm25 index: %w", err)
	}
	defer func() { _ = idx.Close() }()

	batch := idx.NewBatch()
	for _, t := range texts {
		if err := batch.Index(t.ChunkID, bleveDocument{Content: t.Text}); err != nil {
			return nil, fmt.Errorf("index chunk %s: %w", t.ChunkID, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return nil, fmt.Errorf("execute bm25 batch: %w", err)
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("content")

	req := bleve.NewSearchRequest(matchQuery)
	req.Size = limit

	result, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}

	hits := make([]*BM25Hit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hits = append(hits, &BM25Hit{ChunkID: hit.ID, Score: hit.Score})
	}
	return hits, nil
}
