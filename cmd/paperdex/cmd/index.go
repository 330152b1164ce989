package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paperdex/paperdex/internal/embed"
	"github.com/paperdex/paperdex/internal/index"
)

func newIndexCmd() *cobra.Command {
	var (
		outPath string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "index <papers-dir>",
		Short: "Index a directory of papers",
		Long: `Index a directory of papers for hybrid retrieval.

This extracts text from PDF and plain-text files, chunks it into
overlapping word windows, embeds the chunks, and publishes both the
Postgres rows and an immutable content-addressed vector shard.

Rebuilding an unchanged corpus with the same configuration is a no-op:
the build is recognized by its idempotency key and skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			embedder, err := embed.NewEmbedder(ctx, cfg.Embeddings)
			if err != nil {
				return fmt.Errorf("embedder initialization failed: %w", err)
			}
			defer func() { _ = embedder.Close() }()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.InitSchema(ctx, embedder.Dimensions()); err != nil {
				return fmt.Errorf("schema init failed: %w", err)
			}

			builder := index.NewBuilder(st, embedder, cfg, nil)
			result, err := builder.Build(ctx, index.BuildOptions{
				PapersDir:  args[0],
				IndexPath:  outPath,
				Limit:      limit,
				ConfigPath: configPath,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case result.SkippedPublish:
				_, _ = fmt.Fprintf(out, "Index already published for this corpus and configuration (run %s), nothing to do.\n", result.RunID)
			case result.Chunks == 0:
				_, _ = fmt.Fprintln(out, "No indexable content found, nothing published.")
			default:
				_, _ = fmt.Fprintf(out, "Indexed %d papers into %d chunks (%d skipped).\n",
					result.Documents, result.Chunks, result.Skipped)
				_, _ = fmt.Fprintf(out, "Published shard %s (index %s).\n", result.ShardName, result.IndexID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "papers.hnsw", "Vector artifact output path")
	cmd.Flags().IntVar(&limit, "limit", 0, "Index at most N papers (0 = no limit)")

	return cmd
}
