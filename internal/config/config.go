// Package config loads paperdex configuration from YAML with environment
// variable overrides. Environment variables use the PAPERDEX_ prefix and
// take priority over file values.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the config file name looked up in the working directory.
const DefaultConfigFile = "paperdex.yaml"

// Config represents the complete paperdex configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database" json:"database"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Chunking   ChunkingConfig   `yaml:"chunking" json:"chunking"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Index      IndexConfig      `yaml:"index" json:"index"`
}

// DatabaseConfig configures the metadata store connection.
type DatabaseConfig struct {
	// URL is the Postgres connection string. Required for builds.
	URL string `yaml:"url" json:"url"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider selects the embedding client: "ollama", "openai", "static".
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
	// Dimensions is optional; 0 means auto-detect from the provider.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
	// BatchSize is the number of texts per embedding request.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// Host is the provider endpoint (Ollama host or OpenAI-compatible base URL).
	Host string `yaml:"host" json:"host"`
	// APIKey authenticates against OpenAI-compatible providers.
	APIKey string `yaml:"api_key" json:"api_key"`
}

// ChunkingConfig configures the word-window chunker.
type ChunkingConfig struct {
	ChunkWords   int `yaml:"chunk_words" json:"chunk_words"`
	ChunkOverlap int `yaml:"chunk_overlap" json:"chunk_overlap"`
}

// SearchConfig configures hybrid retrieval.
type SearchConfig struct {
	// BM25Weight is the lexical share of the fused score (0.0-1.0).
	BM25Weight float64 `yaml:"bm25_weight" json:"bm25_weight"`
	// TopK is the default result count.
	TopK int `yaml:"top_k" json:"top_k"`
	// IVFFlatProbes tunes pgvector ivfflat candidate rescoring per statement.
	// Ignored where the backend doesn't support it. 0 leaves the server default.
	IVFFlatProbes int `yaml:"ivfflat_probes" json:"ivfflat_probes"`
	// HNSWEfSearch tunes pgvector hnsw search-list size per statement.
	// Ignored where the backend doesn't support it. 0 leaves the server default.
	HNSWEfSearch int `yaml:"hnsw_ef_search" json:"hnsw_ef_search"`
	// AllowUnverifiedIndex bypasses the sidecar/DB index_id check.
	// Intended for ephemeral and test environments only.
	AllowUnverifiedIndex bool `yaml:"allow_unverified_index" json:"allow_unverified_index"`
}

// IndexConfig configures index builds.
type IndexConfig struct {
	// IdempotentSkip stops a build early when a pipeline run with the same
	// idempotency key already has persisted vectors.
	IdempotentSkip bool `yaml:"idempotent_skip" json:"idempotent_skip"`
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		Embeddings: EmbeddingsConfig{
			Provider:  "ollama",
			Model:     "nomic-embed-text",
			BatchSize: 32,
		},
		Chunking: ChunkingConfig{
			ChunkWords:   220,
			ChunkOverlap: 40,
		},
		Search: SearchConfig{
			BM25Weight: 0.3,
			TopK:       10,
		},
		Index: IndexConfig{
			IdempotentSkip: true,
		},
	}
}

// Load reads configuration from path (or DefaultConfigFile when path is
// empty), then applies environment overrides. A missing file is not an
// error: defaults plus environment are returned.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		path = DefaultConfigFile
	}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults + env only.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with PAPERDEX_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("PAPERDEX_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("PAPERDEX_EMBEDDING_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("PAPERDEX_EMBEDDING_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("PAPERDEX_EMBEDDING_HOST"); v != "" {
		c.Embeddings.Host = v
	}
	if v := os.Getenv("PAPERDEX_EMBEDDING_API_KEY"); v != "" {
		c.Embeddings.APIKey = v
	}
	if v, ok := envInt("PAPERDEX_EMBEDDING_BATCH_SIZE"); ok {
		c.Embeddings.BatchSize = v
	}
	if v, ok := envInt("PAPERDEX_CHUNK_WORDS"); ok {
		c.Chunking.ChunkWords = v
	}
	if v, ok := envInt("PAPERDEX_CHUNK_OVERLAP"); ok {
		c.Chunking.ChunkOverlap = v
	}
	if v, ok := envFloat("PAPERDEX_BM25_WEIGHT"); ok {
		c.Search.BM25Weight = v
	}
	if v, ok := envInt("PAPERDEX_IVFFLAT_PROBES"); ok {
		c.Search.IVFFlatProbes = v
	}
	if v, ok := envInt("PAPERDEX_HNSW_EF_SEARCH"); ok {
		c.Search.HNSWEfSearch = v
	}
	if v, ok := envBool("PAPERDEX_ALLOW_UNVERIFIED_INDEX"); ok {
		c.Search.AllowUnverifiedIndex = v
	}
	if v, ok := envBool("PAPERDEX_IDEMPOTENT_SKIP"); ok {
		c.Index.IdempotentSkip = v
	}
}

// Validate checks invariants that would otherwise surface deep in a build.
func (c *Config) Validate() error {
	if c.Search.BM25Weight < 0 || c.Search.BM25Weight > 1 {
		return fmt.Errorf("bm25_weight must be in [0,1], got %g", c.Search.BM25Weight)
	}
	if c.Chunking.ChunkWords <= 0 {
		return fmt.Errorf("chunk_words must be positive, got %d", c.Chunking.ChunkWords)
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkWords {
		return fmt.Errorf("chunk_overlap must be in [0, chunk_words), got %d", c.Chunking.ChunkOverlap)
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.Embeddings.BatchSize)
	}
	return nil
}

// Sanitized returns a copy of the config safe for logs and run manifests:
// credential-bearing URLs are redacted and API keys blanked.
func (c *Config) Sanitized() *Config {
	out := *c
	out.Database.URL = RedactURL(c.Database.URL)
	if c.Embeddings.APIKey != "" {
		out.Embeddings.APIKey = "***"
	}
	return &out
}

// RedactURL redacts the password of a credential-bearing URL to
// user:***@host. Non-URL strings are returned unchanged.
func RedactURL(raw string) string {
	if raw == "" || !strings.Contains(raw, "@") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, hasPassword := u.User.Password(); !hasPassword {
		return raw
	}

	redacted := *u
	redacted.User = nil
	rest := strings.TrimPrefix(redacted.String(), redacted.Scheme+"://")
	return fmt.Sprintf("%s://%s:***@%s", u.Scheme, u.User.Username(), rest)
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
