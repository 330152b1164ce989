package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paperdex/paperdex/internal/index"
)

func newVerifyCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify active index shards against the metadata store",
		Long: `Verify that every active shard's on-disk version sidecar matches the
index identity recorded in the metadata store. A mismatch means the
artifact on disk is not the one the store published.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			shards, err := st.ActiveShards(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(shards) == 0 {
				_, _ = fmt.Fprintln(out, "No active shards to verify.")
				return nil
			}

			verifier := index.NewVerifier(st, false, nil)
			failures := 0
			for _, shard := range shards {
				// With --out, shard files are looked up next to the given
				// artifact path instead of the path recorded at publish time.
				if outPath != "" {
					shard.Path = filepath.Join(filepath.Dir(outPath), filepath.Base(shard.Path))
				}
				sidecar, err := verifier.Verify(ctx, shard)
				if err != nil {
					failures++
					_, _ = fmt.Fprintf(out, "FAIL %s: %v\n", shard.ShardName, err)
					continue
				}
				_, _ = fmt.Fprintf(out, "OK   %s (index %s, model %s, dim %d)\n",
					shard.ShardName, sidecar.IndexID, sidecar.EmbeddingModel, sidecar.EmbeddingDim)
			}

			if failures > 0 {
				return fmt.Errorf("%d of %d shards failed verification", failures, len(shards))
			}
			_, _ = fmt.Fprintf(out, "All %d shards verified.\n", len(shards))
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "Index artifact path; shard files are resolved in its directory")

	return cmd
}
