// internal/cli/dataset.go
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/law-makers/harvest/internal/config"
	"github.com/law-makers/harvest/internal/output"
	"github.com/law-makers/harvest/internal/ui"
)

var (
	recordsDir string
	summaryOut string
	analyzeIn  string
	topN       int
	subsetSize int
	batchSize  int
	batchDir   string
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Build a CSV summary from the report records",
	Long: `Reads every record in the records directory and writes one CSV row per
report: identifiers, verdict, hashes, tags and the size of each section.
Records that cannot be read are reported and left out.`,
	Example: `  $ harvest summary --records scraped_data --out dataset_summary.csv`,
	Args:    cobra.NoArgs,
	RunE:    runSummary,
}

var analyzeCmd = &cobra.Command{
	Use:     "analyze",
	Short:   "Print statistics for a summary CSV",
	Example: `  $ harvest analyze --summary dataset_summary.csv --top-n 10`,
	Args:    cobra.NoArgs,
	RunE:    runAnalyze,
}

var subsetCmd = &cobra.Command{
	Use:   "subset <in> <out>",
	Short: "Copy the first N links of a workbook into a new one",
	Example: `  # A small workbook for a trial scrape
  $ harvest subset reports.xlsx sample.xlsx -n 20`,
	Args: cobra.ExactArgs(2),
	RunE: runSubset,
}

var batchCmd = &cobra.Command{
	Use:     "batch <in>",
	Short:   "Split a links workbook into fixed-size batches",
	Example: `  $ harvest batch reports.xlsx --size 500 --dir batches`,
	Args:    cobra.ExactArgs(1),
	RunE:    runBatch,
}

func init() {
	rootCmd.AddCommand(summaryCmd, analyzeCmd, subsetCmd, batchCmd)

	summaryCmd.Flags().StringVar(&recordsDir, "records", config.DefaultRecordsDir, "Directory holding the report records")
	summaryCmd.Flags().StringVar(&summaryOut, "out", output.SummaryFile, "CSV file to write")

	analyzeCmd.Flags().StringVar(&analyzeIn, "summary", output.SummaryFile, "Summary CSV to read")
	analyzeCmd.Flags().IntVar(&topN, "top-n", config.DefaultTopTechniques, "How many MITRE techniques to list")

	subsetCmd.Flags().IntVarP(&subsetSize, "count", "n", 10, "Number of links to copy")

	batchCmd.Flags().IntVar(&batchSize, "size", 500, "Links per batch")
	batchCmd.Flags().StringVar(&batchDir, "dir", "batches", "Directory for the batch workbooks")
}

func runSummary(cmd *cobra.Command, args []string) error {
	_, ctx := appFor(cmd)

	rows, err := output.BuildSummary(output.RecordDir{Dir: recordsDir})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println(ui.Info("No records found in " + recordsDir))
		return nil
	}
	if err := output.WriteSummary(summaryOut, rows); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().Int("rows", len(rows)).Str("path", summaryOut).Msg("Summary written")
	fmt.Println(ui.Success(fmt.Sprintf("✓ %d reports summarised into %s", len(rows), summaryOut)))
	return nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	rows, err := output.ReadSummary(analyzeIn)
	if err != nil {
		return err
	}
	output.Analyze(rows, topN).Render(os.Stdout)
	return nil
}

func runSubset(cmd *cobra.Command, args []string) error {
	n, err := output.Subset(args[0], args[1], subsetSize)
	if err != nil {
		return err
	}
	fmt.Println(ui.Success(fmt.Sprintf("✓ %d links written to %s", n, args[1])))
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	paths, err := output.Batches(args[0], batchDir, batchSize)
	if err != nil {
		return err
	}
	fmt.Println(ui.Success(fmt.Sprintf("✓ %d batches written", len(paths))))
	for _, p := range paths {
		fmt.Printf("  %s\n", filepath.Base(p))
	}
	return nil
}
