// internal/cli/collect.go
package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/law-makers/harvest/internal/checkpoint"
	"github.com/law-makers/harvest/internal/config"
	"github.com/law-makers/harvest/internal/output"
	"github.com/law-makers/harvest/internal/traverse"
	"github.com/law-makers/harvest/internal/ui"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect report links from the submissions listing",
	Long: `Walks the submissions listing page by page and records every report link.

In pages mode the listing is paginated from the first page. In date mode the
listing is filtered to one day at a time, starting today (or --start-day) and
moving back until --until, an exhausted history or an operator stop.

The links workbook is rewritten after every page and the crawl state is
checkpointed, so an interrupted run resumes at the page it reached.`,
	Example: `  # Paginate the public listing
  $ harvest collect -o reports.xlsx

  # Walk back one day at a time until the first of January
  $ harvest collect --mode date --until 2024-01-01

  # Keep the crawl state in redis
  $ harvest collect --state-backend redis --redis-addr localhost:6379`,
	Args: cobra.NoArgs,
	RunE: runCollect,
}

func init() {
	rootCmd.AddCommand(collectCmd)
	config.RegisterCrawlFlags(collectCmd)
}

func runCollect(cmd *cobra.Command, args []string) error {
	a, ctx := appFor(cmd)
	cfg := a.Config
	logger := zerolog.Ctx(ctx)

	store, err := a.StateStore(ctx)
	if err != nil {
		return err
	}
	page, err := a.EnsureBrowser(ctx)
	if err != nil {
		return err
	}

	mode := cfg.Mode()
	opts := traverse.DefaultOptions(cfg.Crawl.StartURL, mode)
	opts.ListLoadTimeout = cfg.Crawl.ListTimeout
	opts.PaginateTimeout = cfg.Crawl.PaginateTimeout
	opts.InteractionRetries = cfg.Crawl.Retries
	opts.NavigateRetry.MaxAttempts = cfg.Crawl.Retries
	opts.FilterAttempts = cfg.Crawl.FilterAttempts
	opts.MaxSaveFailures = cfg.Crawl.MaxSaveFailures
	opts.MaxEmptyDays = cfg.Crawl.MaxEmptyDays
	opts.ClearOnDone = !cfg.Crawl.KeepState
	if opts.StartDay, err = cfg.StartDay(); err != nil {
		return err
	}
	if opts.Until, err = cfg.Until(); err != nil {
		return err
	}

	gate := a.Gate()
	deps := traverse.Deps{
		Page:    page,
		Store:   store,
		Gate:    gate,
		Auth:    a.Authenticator(gate),
		Pacer:   a.Pacer(cfg.Crawl.MinDelay, cfg.Crawl.MaxDelay),
		Sink:    output.NewLinksWorkbook(cfg.Crawl.LinksFile),
		Metrics: a.Metrics,
	}
	if mode == checkpoint.ModeDate {
		deps.Filter = traverse.NewFormDateFilter(cfg.Crawl.ListTimeout)
	}

	ctrl, err := traverse.New(deps, opts)
	if err != nil {
		return err
	}

	logger.Info().
		Str("mode", string(mode)).
		Str("start_url", cfg.Crawl.StartURL).
		Str("links", cfg.Crawl.LinksFile).
		Msg("Collecting report links")

	var res traverse.Result
	err = withMetrics(ctx, a, func(runCtx context.Context) error {
		res = ctrl.Run(runCtx)
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("\n%s\n", ui.Bold("Collection "+res.Outcome.String()))
	fmt.Printf("  Links:   %d (%d new)\n", len(res.Identifiers), res.NewThisRun)
	fmt.Printf("  Cursor:  %s\n", res.Cursor)
	fmt.Printf("  Written: %s\n\n", cfg.Crawl.LinksFile)

	return outcomeError(ctx, res.Outcome == traverse.StateStopped, res.Outcome == traverse.StateFailed, res.Err)
}
