package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/marmelspade/internal/app"
	"github.com/JakeFAU/marmelspade/internal/pipeline"
)

const closeTimeout = 10 * time.Second

func newHarvestCmd(st *state) *cobra.Command {
	var opts app.HarvestOptions
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvest the configured roots and rebuild the search index.",
		Long: heredoc.Doc(`
			Walks every root in harvest.inventory_paths breadth first, archives the
			batches when an archive provider is configured, rebuilds the index named
			by search.index_name and publishes a completion notice.

			A directory that cannot be listed is skipped together with its subtree;
			the run still succeeds. A failed index rebuild fails the run.
		`),
		Example: heredoc.Doc(`
			marmelspade harvest
			marmelspade harvest --strategy in_place
			marmelspade harvest --dry-run --config staging.json
			marmelspade harvest --skip-sync
		`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd.Context(), st, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "synchronize into an in-memory engine; no key is persisted")
	cmd.Flags().BoolVar(&opts.SkipSync, "skip-sync", false, "harvest and archive only")
	cmd.Flags().StringVar(&opts.Strategy, "strategy", "", "index rebuild strategy: swap or in_place (default from config)")
	return cmd
}

type harvestSummary struct {
	RunID      string `json:"run_id"`
	Visited    int    `json:"visited"`
	Records    int    `json:"records"`
	Failures   int    `json:"failures"`
	Duplicates int    `json:"duplicates"`
	Malformed  int    `json:"malformed_thumbnails"`
	Documents  *int   `json:"documents,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
	Manifest   string `json:"manifest,omitempty"`
	NoticeID   string `json:"notice_id,omitempty"`
	DryRun     bool   `json:"dry_run,omitempty"`
	Duration   string `json:"duration"`
}

func runHarvest(ctx context.Context, st *state, opts app.HarvestOptions, out io.Writer) error {
	a, err := st.newApp()
	if err != nil {
		return err
	}
	defer closeApp(a, st.logger)

	p, err := a.BuildPipeline(ctx, opts)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	report, err := p.Run(ctx)
	if err != nil {
		return err
	}
	return writeSummary(out, summarize(report, opts.DryRun))
}

func summarize(r pipeline.Report, dryRun bool) harvestSummary {
	s := harvestSummary{
		RunID:      r.RunID.String(),
		Visited:    r.Harvest.Visited,
		Records:    r.Harvest.Records,
		Failures:   len(r.Harvest.Failures),
		Duplicates: r.Harvest.Duplicates.Count,
		Malformed:  r.Harvest.MalformedThumbnails,
		NoticeID:   r.NoticeID,
		DryRun:     dryRun,
		Duration:   r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	}
	if r.Sync != nil {
		docs := r.Sync.Terminal
		s.Documents = &docs
		s.Strategy = string(r.Sync.Strategy)
	}
	if r.Manifest != nil {
		s.Manifest = r.Manifest.URI
	}
	return s
}

func writeSummary(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func closeApp(a *app.App, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		logger.Warn("application shutdown incomplete", zap.Error(err))
	}
}
