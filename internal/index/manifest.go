// Package index builds and publishes the searchable representation: chunk
// rows and row-store vectors in the metadata store, the HNSW artifact on
// disk, and the shard bookkeeping that binds the two together.
package index

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/paperdex/paperdex/internal/config"
	pdxerrors "github.com/paperdex/paperdex/internal/errors"
)

const (
	// VersionSidecarSuffix is appended to a shard path for its version
	// descriptor.
	VersionSidecarSuffix = ".version.json"

	// ManifestSuffix is appended to a shard path for its run manifest.
	ManifestSuffix = ".manifest.json"
)

// VersionSidecar is the JSON descriptor bound to each published shard. A
// shard is trusted only when the sidecar's IndexID matches the metadata
// store's record for that shard.
type VersionSidecar struct {
	IndexID           string    `json:"index_id"`
	CreatedAt         time.Time `json:"created_at"`
	EmbeddingModel    string    `json:"embedding_model"`
	EmbeddingDim      int       `json:"embedding_dim"`
	ChunkWords        int       `json:"chunk_words"`
	ChunkOverlap      int       `json:"chunk_overlap"`
	CorpusFingerprint string    `json:"corpus_fingerprint"`
}

// ChunkManifestEntry records one chunk's identity within a paper manifest.
type ChunkManifestEntry struct {
	ChunkID   string `json:"chunk_id"`
	ChunkHash string `json:"chunk_hash"`
	Page      int    `json:"page"`
	StartWord int    `json:"start_word"`
	EndWord   int    `json:"end_word"`
}

// PaperManifest records one document's contribution to a build.
type PaperManifest struct {
	DocID  string               `json:"doc_id"`
	Path   string               `json:"path"`
	Chunks []ChunkManifestEntry `json:"chunks"`
}

// RunManifest is the human-auditable record written next to each shard.
type RunManifest struct {
	PipelineRunID     string            `json:"pipeline_run_id"`
	CreatedAt         time.Time         `json:"created_at"`
	GitSHA            string            `json:"git_sha,omitempty"`
	ConfigPath        string            `json:"config_path,omitempty"`
	ConfigHash        string            `json:"config_hash"`
	Config            *config.Config    `json:"config"`
	Dependencies      map[string]string `json:"dependencies"`
	EmbeddingModel    string            `json:"embedding_model"`
	EmbeddingDim      int               `json:"embedding_dim"`
	ChunkWords        int               `json:"chunk_words"`
	ChunkOverlap      int               `json:"chunk_overlap"`
	CorpusFingerprint string            `json:"corpus_fingerprint"`
	ArtifactSHA256    string            `json:"artifact_sha256"`
	EmbeddingsSHA256  string            `json:"embeddings_sha256"`
	Papers            []PaperManifest   `json:"papers"`
}

// WriteVersionSidecar writes the version descriptor next to the shard.
func WriteVersionSidecar(shardPath string, sidecar *VersionSidecar) error {
	return writeJSON(shardPath+VersionSidecarSuffix, sidecar)
}

// LoadVersionSidecar reads the version descriptor for a shard. A missing
// sidecar is an integrity error: the shard cannot be trusted without it.
func LoadVersionSidecar(shardPath string) (*VersionSidecar, error) {
	data, err := os.ReadFile(shardPath + VersionSidecarSuffix)
	if os.IsNotExist(err) {
		return nil, pdxerrors.Newf(pdxerrors.ErrCodeSidecarMissing,
			"version sidecar missing for shard %s", shardPath)
	}
	if err != nil {
		return nil, fmt.Errorf("read version sidecar: %w", err)
	}

	var sidecar VersionSidecar
	if err := json.Unmarshal(data, &sidecar); err != nil {
		return nil, pdxerrors.New(pdxerrors.ErrCodeIntegrity,
			fmt.Sprintf("corrupt version sidecar for shard %s", shardPath), err)
	}
	return &sidecar, nil
}

// WriteRunManifest writes the run manifest next to the shard.
func WriteRunManifest(shardPath string, manifest *RunManifest) error {
	return writeJSON(shardPath+ManifestSuffix, manifest)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// FileSHA256 hashes a file's content.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DependencyFingerprints returns module path to version+checksum for every
// dependency baked into the binary. Empty when build info is unavailable
// (e.g. tests built without module info).
func DependencyFingerprints() map[string]string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return map[string]string{}
	}
	deps := make(map[string]string, len(info.Deps))
	for _, dep := range info.Deps {
		fp := dep.Version
		if dep.Sum != "" {
			fp += " " + dep.Sum
		}
		deps[dep.Path] = fp
	}
	return deps
}

// GitSHA returns the VCS revision stamped into the binary, if any.
func GitSHA() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}
	return ""
}
