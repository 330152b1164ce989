package embed

import (
	"context"
	"strings"

	"github.com/paperdex/paperdex/internal/config"
	pdxerrors "github.com/paperdex/paperdex/internal/errors"
)

// ProviderType selects an embedding provider.
type ProviderType string

const (
	// ProviderOllama uses Ollama's native batch API.
	ProviderOllama ProviderType = "ollama"

	// ProviderOpenAI uses an OpenAI-compatible /v1/embeddings endpoint.
	ProviderOpenAI ProviderType = "openai"

	// ProviderStatic uses hash-based embeddings (offline, tests).
	ProviderStatic ProviderType = "static"
)

// String returns the string representation of ProviderType.
func (p ProviderType) String() string { return string(p) }

// ParseProvider normalizes a provider name. Unknown names come back
// unchanged so the factory can report them.
func ParseProvider(s string) ProviderType {
	return ProviderType(strings.ToLower(strings.TrimSpace(s)))
}

// ValidProviders returns all valid provider names.
func ValidProviders() []string {
	return []string{string(ProviderOllama), string(ProviderOpenAI), string(ProviderStatic)}
}

// NewEmbedder constructs the embedder named by the config. An unknown
// provider is a configuration error: there is no silent fallback, because a
// fallback provider would build an index with different vectors than the
// operator asked for.
func NewEmbedder(ctx context.Context, cfg config.EmbeddingsConfig) (Embedder, error) {
	switch ParseProvider(cfg.Provider) {
	case ProviderOllama:
		return NewOllamaEmbedder(ctx, OllamaConfig{
			Host:       cfg.Host,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
		})
	case ProviderOpenAI:
		return NewOpenAIEmbedder(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.Host,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
		})
	case ProviderStatic:
		return NewStaticEmbedder(), nil
	default:
		return nil, pdxerrors.Newf(pdxerrors.ErrCodeConfigNoEmbedder,
			"no embedder for provider %q (valid: %s)",
			cfg.Provider, strings.Join(ValidProviders(), ", "))
	}
}
