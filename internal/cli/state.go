// internal/cli/state.go
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/law-makers/harvest/internal/checkpoint"
	"github.com/law-makers/harvest/internal/config"
	"github.com/law-makers/harvest/internal/ui"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or reset the crawl state",
	Example: `  # Where would the next collect run resume?
  $ harvest state show

  # Start the next collect run from scratch
  $ harvest state clear`,
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the saved crawl state",
	Args:  cobra.NoArgs,
	RunE:  runStateShow,
}

var stateClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the saved crawl state",
	Args:  cobra.NoArgs,
	RunE:  runStateClear,
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateShowCmd, stateClearCmd)
	config.RegisterStateFlags(stateShowCmd)
	config.RegisterStateFlags(stateClearCmd)
}

func runStateShow(cmd *cobra.Command, args []string) error {
	a, ctx := appFor(cmd)
	store, err := a.StateStore(ctx)
	if err != nil {
		return err
	}
	st := store.Load(ctx, a.Config.Mode())

	fmt.Printf("\n%s\n", ui.Bold("Crawl state ("+describeBackend(a.Config)+")"))
	fmt.Println(checkpoint.Describe(st))
	fmt.Println()
	return nil
}

func runStateClear(cmd *cobra.Command, args []string) error {
	a, ctx := appFor(cmd)
	store, err := a.StateStore(ctx)
	if err != nil {
		return err
	}
	if err := store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear crawl state: %w", err)
	}
	fmt.Println(ui.Success("✓ Crawl state cleared (" + describeBackend(a.Config) + ")"))
	return nil
}

func describeBackend(c *config.Config) string {
	if c.Crawl.StateBackend == "redis" {
		return "redis " + c.Redis.Addr + " " + c.Redis.Key
	}
	return c.Crawl.StateFile
}
