package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperdex/paperdex/internal/store"
)

func TestFuse_LinearCombination(t *testing.T) {
	// Given: vector scores 0.9 and 0.5, lexical scores 0.1 and 0.9, equal
	// weighting. Fused scores are 0.5 and 0.7, so the second candidate
	// ranks first.
	vectorHits := []*store.VectorHit{
		{ChunkID: "c1", Score: 0.9},
		{ChunkID: "c2", Score: 0.5},
	}
	bm25 := map[string]float64{"c1": 0.1, "c2": 0.9}

	results := Fuse(vectorHits, bm25, 0.5, 10)

	require.Len(t, results, 2)
	assert.Equal(t, "c2", results[0].ChunkID)
	assert.InDelta(t, 0.7, results[0].FusedScore, 1e-9)
	assert.Equal(t, "c1", results[1].ChunkID)
	assert.InDelta(t, 0.5, results[1].FusedScore, 1e-9)
}

func TestFuse_WeightZeroIsPureVectorRank(t *testing.T) {
	vectorHits := []*store.VectorHit{
		{ChunkID: "c1", Score: 0.9},
		{ChunkID: "c2", Score: 0.5},
	}
	bm25 := map[string]float64{"c1": 0.0, "c2": 100.0}

	results := Fuse(vectorHits, bm25, 0, 10)

	assert.Equal(t, "c1", results[0].ChunkID)
	assert.InDelta(t, 0.9, results[0].FusedScore, 1e-9)
}

func TestFuse_WeightOneStillUsesVectorCandidates(t *testing.T) {
	// c3 has a huge lexical score but is not a vector candidate, so it
	// cannot appear. c1 has zero lexical overlap but still appears at 0.
	vectorHits := []*store.VectorHit{
		{ChunkID: "c1", Score: 0.9},
		{ChunkID: "c2", Score: 0.5},
	}
	bm25 := map[string]float64{"c2": 0.4, "c3": 99.0}

	results := Fuse(vectorHits, bm25, 1, 10)

	require.Len(t, results, 2)
	assert.Equal(t, "c2", results[0].ChunkID)
	assert.InDelta(t, 0.4, results[0].FusedScore, 1e-9)
	assert.Equal(t, "c1", results[1].ChunkID)
	assert.Zero(t, results[1].FusedScore)
}

func TestFuse_TruncatesToTopK(t *testing.T) {
	vectorHits := []*store.VectorHit{
		{ChunkID: "a", Score: 0.3},
		{ChunkID: "b", Score: 0.9},
		{ChunkID: "c", Score: 0.6},
	}

	results := Fuse(vectorHits, nil, 0, 2)

	require.Len(t, results, 2)
	assert.Equal(t, "b", results[0].ChunkID)
	assert.Equal(t, "c", results[1].ChunkID)
}

func TestFuse_EmptyCandidates(t *testing.T) {
	assert.Empty(t, Fuse(nil, map[string]float64{"x": 1}, 0.5, 10))
}
