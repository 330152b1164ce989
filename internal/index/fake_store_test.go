package index

import (
	"context"
	"sync"

	pdxerrors "github.com/paperdex/paperdex/internal/errors"
	"github.com/paperdex/paperdex/internal/store"
)

// fakeStore is an in-memory MetadataStore for builder and verifier tests.
type fakeStore struct {
	mu sync.Mutex

	documents       map[string]*store.Document
	vectors         map[uint64]*store.ChunkRecord
	chunkToVec      map[string]uint64
	runs            map[string]*store.PipelineRun // keyed by idempotency key
	versions        map[string]*store.IndexVersion
	shards          map[string]*store.IndexShard
	runsWithVectors map[string]bool

	vectorUpserts int
	lockAcquired  int
	lockReleased  int
}

var _ store.MetadataStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		documents:       make(map[string]*store.Document),
		vectors:         make(map[uint64]*store.ChunkRecord),
		chunkToVec:      make(map[string]uint64),
		runs:            make(map[string]*store.PipelineRun),
		versions:        make(map[string]*store.IndexVersion),
		shards:          make(map[string]*store.IndexShard),
		runsWithVectors: make(map[string]bool),
	}
}

func (f *fakeStore) InitSchema(ctx context.Context, embeddingDim int) error { return nil }

func (f *fakeStore) UpsertDocuments(ctx context.Context, runID string, docs []*store.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range docs {
		f.documents[d.DocID] = d
	}
	return nil
}

func (f *fakeStore) UpsertVectors(ctx context.Context, runID string, chunks []*store.ChunkRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range chunks {
		// Mirrors the vectors table: vec_id is the conflict target and
		// chunk_id carries its own unique constraint.
		if existingVec, ok := f.chunkToVec[c.ChunkID]; ok && existingVec != c.VecID {
			return pdxerrors.Newf(pdxerrors.ErrCodeIntegrity,
				"duplicate key value violates unique constraint: chunk %q already stored under vec_id %d",
				c.ChunkID, existingVec)
		}
		if prev, ok := f.vectors[c.VecID]; ok && prev.ChunkID != c.ChunkID {
			delete(f.chunkToVec, prev.ChunkID)
		}
		cp := *c
		f.vectors[c.VecID] = &cp
		f.chunkToVec[c.ChunkID] = c.VecID
		f.vectorUpserts++
	}
	if len(chunks) > 0 {
		f.runsWithVectors[runID] = true
	}
	return nil
}

func (f *fakeStore) VectorCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.vectors), nil
}

func (f *fakeStore) VectorSearch(ctx context.Context, query []float32, k int, scope string) ([]*store.VectorHit, error) {
	return nil, nil
}

func (f *fakeStore) ChunkTexts(ctx context.Context, scope string) ([]*store.ChunkText, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var texts []*store.ChunkText
	for _, v := range f.vectors {
		if !store.ScopeMatches(v.Path, scope) {
			continue
		}
		texts = append(texts, &store.ChunkText{ChunkID: v.ChunkID, Path: v.Path, Page: v.Page, Text: v.Text})
	}
	return texts, nil
}

func (f *fakeStore) CreateOrReuseRun(ctx context.Context, run *store.PipelineRun) (*store.PipelineRun, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.runs[run.IdempotencyKey]; ok {
		return existing, true, nil
	}
	f.runs[run.IdempotencyKey] = run
	return run, false, nil
}

func (f *fakeStore) RunHasVectors(ctx context.Context, runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runsWithVectors[runID], nil
}

func (f *fakeStore) RegisterIndexVersion(ctx context.Context, v *store.IndexVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[v.IndexID] = v
	return nil
}

func (f *fakeStore) ActivateShard(ctx context.Context, shard *store.IndexShard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.shards {
		s.IsActive = false
	}
	shard.IsActive = true
	f.shards[shard.ShardName] = shard
	return nil
}

func (f *fakeStore) ActiveShards(ctx context.Context) ([]*store.IndexShard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []*store.IndexShard
	for _, s := range f.shards {
		if s.IsActive {
			active = append(active, s)
		}
	}
	return active, nil
}

func (f *fakeStore) ShardIndexID(ctx context.Context, shardName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.shards[shardName]
	if !ok {
		return "", pdxerrors.Newf(pdxerrors.ErrCodeIntegrity, "shard %q not registered", shardName)
	}
	return s.IndexID, nil
}

func (f *fakeStore) AcquirePublishLock(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockAcquired++
	return nil
}

func (f *fakeStore) ReleasePublishLock(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockReleased++
	return nil
}

func (f *fakeStore) Close() {}
