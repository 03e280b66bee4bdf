// internal/cli/scrape.go
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/law-makers/harvest/internal/checkpoint"
	"github.com/law-makers/harvest/internal/config"
	"github.com/law-makers/harvest/internal/detail"
	"github.com/law-makers/harvest/internal/extract"
	"github.com/law-makers/harvest/internal/extract/report"
	"github.com/law-makers/harvest/internal/output"
	"github.com/law-makers/harvest/internal/ui"
)

// readyTextLength is how much body text a report needs before it is read.
const readyTextLength = 100

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Extract every collected report into a JSON record",
	Long: `Opens each report link from the input workbook and writes one
<task_id>_report.json record per report.

Reports that already have a record or are listed in the checkpoint file are
skipped, so the command can be rerun until every report is done. A section
that cannot be read is stored with an error and an empty payload; the rest of
the record is kept.`,
	Example: `  # Scrape every link collected so far
  $ harvest scrape -i reports.xlsx --output-dir scraped_data

  # Try a handful first and keep pages that fail to render
  $ harvest scrape --limit 5 --snapshot-dir snapshots`,
	Args: cobra.NoArgs,
	RunE: runScrape,
}

func init() {
	rootCmd.AddCommand(scrapeCmd)
	config.RegisterScrapeFlags(scrapeCmd)
}

func runScrape(cmd *cobra.Command, args []string) error {
	a, ctx := appFor(cmd)
	cfg := a.Config
	sc := cfg.Scrape
	logger := zerolog.Ctx(ctx)

	links, err := output.ReadLinks(sc.Input)
	if err != nil {
		return err
	}
	if len(links) == 0 {
		fmt.Println(ui.Info("No report links in " + sc.Input))
		return nil
	}
	if err := os.MkdirAll(sc.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	processed := checkpoint.LoadProcessed(sc.ProcessedFile)

	page, err := a.EnsureBrowser(ctx)
	if err != nil {
		return err
	}

	gate := a.Gate()
	pipe, err := extract.NewPipeline(gate, report.Extractors(report.Options{
		OverlayTimeout: sc.OverlayTimeout,
		MatrixTimeout:  sc.MatrixTimeout,
		PanelTimeout:   sc.PanelTimeout,
		TabSettle:      sc.TabSettle,
		DeepTimeout:    sc.DeepTimeout,
		DeepSettle:     report.DefaultOptions().DeepSettle,
	})...)
	if err != nil {
		return err
	}
	pipe.Metrics = a.Metrics

	bar := progressbar.NewOptions(len(links),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("reports"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(500*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)

	var snaps *output.Snapshotter
	if sc.SnapshotDir != "" {
		snaps = output.NewSnapshotter(sc.SnapshotDir)
	}

	runner, err := detail.New(detail.Deps{
		Page:      page,
		Extractor: pipe,
		Records:   output.RecordDir{Dir: sc.OutputDir},
		Processed: processed,
		Gate:      gate,
		Auth:      a.Authenticator(gate),
		Pacer:     a.Pacer(sc.Delay, sc.Delay),
		Progress:  bar,
		Snapshots: snaps,
		Metrics:   a.Metrics,
	}, detail.Options{
		Identify:            report.TaskID,
		Ready:               report.Ready(readyTextLength),
		ReadyTimeout:        sc.ReadyTimeout,
		Attempts:            sc.Attempts,
		MaxConsecutiveSkips: sc.MaxConsecutiveSkips,
		Limit:               sc.Limit,
	})
	if err != nil {
		return err
	}

	logger.Info().
		Int("links", len(links)).
		Int("processed", processed.Len()).
		Str("output_dir", sc.OutputDir).
		Msg("Scraping reports")

	var res detail.Result
	err = withMetrics(ctx, a, func(runCtx context.Context) error {
		res = runner.Run(runCtx, links)
		return nil
	})
	if err != nil {
		return err
	}

	printScrapeResult(res)
	return outcomeError(ctx, res.Outcome == detail.OutcomeStopped, res.Outcome == detail.OutcomeFailed, res.Err)
}

func printScrapeResult(res detail.Result) {
	fmt.Printf("\n%s\n", ui.Bold("Scrape "+string(res.Outcome)))
	fmt.Printf("  Links:        %d\n", res.Total)
	fmt.Printf("  Written:      %s\n", ui.Success(fmt.Sprint(res.Written)))
	fmt.Printf("  Already done: %d\n", res.AlreadyDone)
	if len(res.Skipped) == 0 {
		fmt.Println()
		return
	}
	fmt.Printf("  Skipped:      %s\n", ui.Error(fmt.Sprint(len(res.Skipped))))
	for _, s := range res.Skipped {
		label := s.Identifier
		if label == "" {
			label = s.URL
		}
		fmt.Printf("    %s %s[%s]%s %v\n", label, ui.ColorDim, s.Class, ui.ColorReset, s.Err)
	}
	fmt.Println()
}
