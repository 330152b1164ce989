// Package search serves hybrid retrieval: a lexical BM25 ranking and a
// vector similarity ranking fused into one ordered result list.
package search

import (
	"sort"

	"github.com/paperdex/paperdex/internal/store"
)

// Result is one fused retrieval hit.
type Result struct {
	ChunkID     string
	Path        string
	Page        int
	Text        string
	VectorScore float64
	BM25Score   float64
	FusedScore  float64
}

// Fuse combines vector hits with lexical scores. The vector hits supply the
// candidate set: an id absent from the lexical ranking gets a lexical score
// of zero but still appears. bm25Weight 0 is a pure vector rank; 1 scores
// purely lexically while the candidates still come from vector search.
func Fuse(vectorHits []*store.VectorHit, bm25Scores map[string]float64, bm25Weight float64, topK int) []*Result {
	results := make([]*Result, 0, len(vectorHits))
	for _, hit := range vectorHits {
		bm25 := bm25Scores[hit.ChunkID]
		results = append(results, &Result{
			ChunkID:     hit.ChunkID,
			Path:        hit.Path,
			Page:        hit.Page,
			Text:        hit.Text,
			VectorScore: hit.Score,
			BM25Score:   bm25,
			FusedScore:  (1-bm25Weight)*hit.Score + bm25Weight*bm25,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].FusedScore > results[j].FusedScore
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}
