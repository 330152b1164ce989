package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesCategoryFromCode(t *testing.T) {
	tests := []struct {
		code     string
		category Category
	}{
		{ErrCodeConfigMissingDBURL, CategoryConfig},
		{ErrCodeDimensionMismatch, CategoryIntegrity},
		{ErrCodeEmbeddingFailed, CategoryExternal},
		{ErrCodeIO, CategoryIO},
		{"ERR_SOMETHING_ELSE", CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.category, err.Category)
		})
	}
}

func TestRetryable_OnlyExternalCodes(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrCodeVectorBackend, "backend down", nil)))
	assert.False(t, IsRetryable(New(ErrCodeDimensionMismatch, "384 vs 512", nil)))
	assert.False(t, IsRetryable(New(ErrCodeConfigMissingDBURL, "no url", nil)))
	assert.False(t, IsRetryable(stderrors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestIs_MatchesByCode(t *testing.T) {
	err := New(ErrCodeIndexIDMismatch, "shard /tmp/x drifted", nil)
	wrapped := fmt.Errorf("verify: %w", err)

	assert.True(t, stderrors.Is(wrapped, New(ErrCodeIndexIDMismatch, "", nil)))
	assert.False(t, stderrors.Is(wrapped, New(ErrCodeSidecarMissing, "", nil)))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(ErrCodeVectorBackend, cause)

	require.NotNil(t, err)
	assert.Equal(t, cause, stderrors.Unwrap(err))
	assert.Equal(t, CategoryExternal, err.Category)
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeIO, nil))
}

func TestWithDetail_Chains(t *testing.T) {
	err := IntegrityError("sidecar mismatch", nil).
		WithDetail("shard", "papers_ab12cd34.hnsw").
		WithDetail("sidecar_index_id", "aaa").
		WithDetail("db_index_id", "bbb")

	assert.Equal(t, "papers_ab12cd34.hnsw", err.Details["shard"])
	assert.Len(t, err.Details, 3)
}

func TestCategoryHelpers(t *testing.T) {
	assert.True(t, IsConfig(ConfigError("missing db url", nil)))
	assert.True(t, IsIntegrity(IntegrityError("drift", nil)))
	assert.False(t, IsConfig(ExternalError("timeout", nil)))
	assert.False(t, IsIntegrity(stderrors.New("plain")))
}
