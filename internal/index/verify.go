package index

import (
	"context"
	"log/slog"

	pdxerrors "github.com/paperdex/paperdex/internal/errors"
	"github.com/paperdex/paperdex/internal/store"
)

// Verifier cross-checks a shard's on-disk version sidecar against the
// metadata store before the artifact is trusted. This catches stale or
// hand-copied index files being served as if consistent with the
// authoritative metadata.
type Verifier struct {
	store store.MetadataStore
	// allowUnverified skips the check with a logged override. For
	// ephemeral and test environments only.
	allowUnverified bool
	logger          *slog.Logger
}

// NewVerifier creates a shard verifier.
func NewVerifier(st store.MetadataStore, allowUnverified bool, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{store: st, allowUnverified: allowUnverified, logger: logger}
}

// Verify checks that the shard's sidecar exists and that its index_id
// matches the id the metadata store records for that shard. Returns the
// sidecar on success. With the unverified override set, failures are logged
// and a nil sidecar is returned instead of an error.
func (v *Verifier) Verify(ctx context.Context, shard *store.IndexShard) (*VersionSidecar, error) {
	sidecar, err := LoadVersionSidecar(shard.Path)
	if err != nil {
		if v.allowUnverified {
			v.logger.Warn("shard_verification_skipped",
				slog.String("shard", shard.ShardName),
				slog.String("path", shard.Path),
				slog.String("reason", err.Error()))
			return nil, nil
		}
		return nil, err
	}

	dbIndexID, err := v.store.ShardIndexID(ctx, shard.ShardName)
	if err != nil {
		if v.allowUnverified {
			v.logger.Warn("shard_verification_skipped",
				slog.String("shard", shard.ShardName),
				slog.String("reason", err.Error()))
			return sidecar, nil
		}
		return nil, err
	}

	if sidecar.IndexID == "" || dbIndexID == "" || sidecar.IndexID != dbIndexID {
		if v.allowUnverified {
			v.logger.Warn("shard_index_id_mismatch_ignored",
				slog.String("shard", shard.ShardName),
				slog.String("sidecar_index_id", sidecar.IndexID),
				slog.String("db_index_id", dbIndexID))
			return sidecar, nil
		}
		return nil, pdxerrors.Newf(pdxerrors.ErrCodeIndexIDMismatch,
			"shard %s at %s: sidecar index_id %q does not match store index_id %q",
			shard.ShardName, shard.Path, sidecar.IndexID, dbIndexID)
	}

	return sidecar, nil
}
