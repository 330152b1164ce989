package errors

import "strings"

// Category classifies errors by failure class.
type Category string

const (
	// CategoryConfig covers missing or invalid configuration: store URL,
	// embedding capability, malformed config files.
	CategoryConfig Category = "config"

	// CategoryIntegrity covers cross-store drift: dimension mismatch on
	// append, sidecar/DB index_id mismatch. Fatal, never auto-repaired.
	CategoryIntegrity Category = "integrity"

	// CategoryExternal covers transient failures of external collaborators:
	// embedding provider calls, the primary vector-search backend.
	CategoryExternal Category = "external"

	// CategoryIO covers local filesystem failures.
	CategoryIO Category = "io"

	// CategoryUnknown is used for foreign errors.
	CategoryUnknown Category = "unknown"
)

// Error codes. Prefixes determine category and retryability.
const (
	// Configuration errors (fatal before any write).
	ErrCodeConfigInvalid      = "ERR_CONFIG_INVALID"
	ErrCodeConfigMissingDBURL = "ERR_CONFIG_MISSING_DB_URL"
	ErrCodeConfigNoEmbedder   = "ERR_CONFIG_NO_EMBEDDER"

	// Integrity errors (fatal, never auto-repaired).
	ErrCodeIntegrity          = "ERR_INTEGRITY"
	ErrCodeDimensionMismatch  = "ERR_INTEGRITY_DIMENSION_MISMATCH"
	ErrCodeSidecarMissing     = "ERR_INTEGRITY_SIDECAR_MISSING"
	ErrCodeIndexIDMismatch    = "ERR_INTEGRITY_INDEX_ID_MISMATCH"

	// Transient external failures (retryable by the caller).
	ErrCodeExternal        = "ERR_EXTERNAL"
	ErrCodeEmbeddingFailed = "ERR_EXTERNAL_EMBEDDING"
	ErrCodeVectorBackend   = "ERR_EXTERNAL_VECTOR_BACKEND"

	// Local I/O.
	ErrCodeIO = "ERR_IO"
)

// categoryFromCode derives the category from a code prefix.
func categoryFromCode(code string) Category {
	switch {
	case strings.HasPrefix(code, "ERR_CONFIG"):
		return CategoryConfig
	case strings.HasPrefix(code, "ERR_INTEGRITY"):
		return CategoryIntegrity
	case strings.HasPrefix(code, "ERR_EXTERNAL"):
		return CategoryExternal
	case strings.HasPrefix(code, "ERR_IO"):
		return CategoryIO
	default:
		return CategoryUnknown
	}
}

// isRetryableCode reports whether operations failing with this code may be
// retried. Only external failures qualify; config and integrity errors are
// deterministic.
func isRetryableCode(code string) bool {
	return strings.HasPrefix(code, "ERR_EXTERNAL")
}
