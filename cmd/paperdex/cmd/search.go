package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paperdex/paperdex/internal/embed"
	"github.com/paperdex/paperdex/internal/index"
	"github.com/paperdex/paperdex/internal/search"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	topK       int
	bm25Weight float64
	scope      string
	format     string // "text", "json"
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed corpus",
		Long: `Search the indexed corpus using hybrid retrieval.

Vector similarity supplies the candidate set and BM25 refines the
ranking; the two scores are fused linearly by --bm25-weight.

Examples:
  paperdex search "attention mechanisms in translation"
  paperdex search "residual connections" --top-k 5
  paperdex search "batch normalization" --scope papers/vision/
  paperdex search "transformers" --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			query := strings.Join(args, " ")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("top-k") {
				opts.topK = cfg.Search.TopK
			}
			if !cmd.Flags().Changed("bm25-weight") {
				opts.bm25Weight = cfg.Search.BM25Weight
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

			verifier := index.NewVerifier(st, cfg.Search.AllowUnverifiedIndex, nil)
			retriever, err := search.NewRetriever(st, embedder, verifier, nil)
			if err != nil {
				return err
			}

			results, err := retriever.Search(ctx, query, search.Options{
				TopK:       opts.topK,
				BM25Weight: opts.bm25Weight,
				Scope:      opts.scope,
			})
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}

			if opts.format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			return formatText(cmd, query, results)
		},
	}

	cmd.Flags().IntVarP(&opts.topK, "top-k", "n", 10, "Maximum number of results")
	cmd.Flags().Float64Var(&opts.bm25Weight, "bm25-weight", 0.3, "Lexical share of the fused score (0.0-1.0)")
	cmd.Flags().StringVarP(&opts.scope, "scope", "s", "", "Restrict to documents under this path prefix")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

// formatText outputs results in human-readable form.
func formatText(cmd *cobra.Command, query string, results []*search.Result) error {
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		_, _ = fmt.Fprintf(out, "No results found for %q\n", query)
		return nil
	}

	_, _ = fmt.Fprintf(out, "Found %d results for %q:\n\n", len(results), query)
	for i, r := range results {
		location := r.Path
		if r.Page > 0 {
			location = fmt.Sprintf("%s (page %d)", r.Path, r.Page)
		}
		_, _ = fmt.Fprintf(out, "%d. %s (score: %.3f, vector: %.3f, bm25: %.3f)\n",
			i+1, location, r.FusedScore, r.VectorScore, r.BM25Score)
		for _, line := range snippet(r.Text, 3) {
			_, _ = fmt.Fprintf(out, "   %s\n", line)
		}
		_, _ = fmt.Fprintln(out)
	}
	return nil
}

// snippet returns the first n lines of content, trimming trailing blanks.
func snippet(content string, n int) []string {
	lines := strings.Split(content, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
