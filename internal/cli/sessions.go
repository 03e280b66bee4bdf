// internal/cli/sessions.go
package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/law-makers/harvest/internal/auth"
	"github.com/law-makers/harvest/internal/ui"
)

var sessionsYes bool

// sessionsCmd represents the sessions command
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage saved browser sessions",
	Long: `List, view, and delete sessions saved by the login command.

Sessions hold the cookies of a signed-in browser and are stored in your OS
keyring, or in private files under ~/.harvest/sessions where no keyring exists.`,
	Example: `  $ harvest sessions list
  $ harvest sessions view work
  $ harvest sessions delete work`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all saved sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsViewCmd = &cobra.Command{
	Use:   "view <session-name>",
	Short: "View details of a saved session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsView,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-name>",
	Short: "Delete a saved session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsViewCmd, sessionsDeleteCmd)
	sessionsDeleteCmd.Flags().BoolVarP(&sessionsYes, "yes", "y", false, "Delete without asking")
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store := GetAppFromCmd(cmd).Sessions
	names, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(names) == 0 {
		fmt.Println("\nNo saved sessions found.")
		fmt.Println("\nCreate a session with:")
		fmt.Println("  harvest login <name>")
		fmt.Println()
		return nil
	}

	fmt.Printf("\n%s\n\n", ui.Bold(fmt.Sprintf("Saved Sessions (%d)", len(names))))
	for i, name := range names {
		fmt.Printf("%d. %s\n", i+1, name)
		session, err := store.Load(name)
		if err != nil {
			fmt.Printf("   %s\n", ui.Error("Error loading: "+err.Error()))
			continue
		}
		fmt.Printf("   URL:     %s\n", session.URL)
		fmt.Printf("   Cookies: %d\n", len(session.Cookies))
		fmt.Printf("   Created: %s\n", session.CreatedAt.Format(time.RFC1123))
		fmt.Printf("   Status:  %s\n", expiry(session))
	}
	fmt.Println()
	return nil
}

func runSessionsView(cmd *cobra.Command, args []string) error {
	name := args[0]
	session, err := GetAppFromCmd(cmd).Sessions.Load(name)
	if err != nil {
		return fmt.Errorf("failed to load session '%s': %w", name, err)
	}

	fmt.Printf("\n%s\n\n", ui.Bold("Session Details: "+name))
	fmt.Printf("Name:     %s\n", session.Name)
	fmt.Printf("URL:      %s\n", session.URL)
	fmt.Printf("Created:  %s\n", session.CreatedAt.Format(time.RFC1123))
	fmt.Printf("Status:   %s\n", expiry(session))

	fmt.Printf("\nCookies (%d):\n", len(session.Cookies))
	for i, c := range session.Cookies {
		if i >= 5 {
			fmt.Printf("  ... and %d more\n", len(session.Cookies)-5)
			break
		}
		fmt.Printf("  • %s (domain: %s)\n", c.Name, c.Domain)
	}
	fmt.Println()
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	if !sessionsYes {
		fmt.Printf("\nDelete session '%s'? [y/N]: ", name)
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if a := strings.TrimSpace(answer); a != "y" && a != "Y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := GetAppFromCmd(cmd).Sessions.Delete(name); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	fmt.Println(ui.Success(fmt.Sprintf("\n✓ Session '%s' deleted successfully.\n", name)))
	return nil
}

func expiry(s *auth.SessionData) string {
	switch {
	case s.ExpiresAt.IsZero():
		return "no expiry recorded"
	case time.Now().After(s.ExpiresAt):
		return ui.Error(fmt.Sprintf("expired %s ago", time.Since(s.ExpiresAt).Round(time.Hour)))
	default:
		return ui.Success(fmt.Sprintf("valid, expires in %s", time.Until(s.ExpiresAt).Round(time.Hour)))
	}
}
