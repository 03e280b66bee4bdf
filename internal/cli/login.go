// internal/cli/login.go
package cli

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/law-makers/harvest/internal/auth"
	"github.com/law-makers/harvest/internal/config"
	"github.com/law-makers/harvest/internal/ui"
)

var (
	loginURL     string
	loginTimeout time.Duration
)

// loginCmd represents the login command
var loginCmd = &cobra.Command{
	Use:   "login <session-name>",
	Short: "Sign in by hand and save the browser session",
	Long: `Opens a visible browser window on the sandbox site for you to sign in.
Once the page shows a signed-in account the cookies are stored in your OS
keyring (or a private file where no keyring exists).

Later collect and scrape runs pick the session up with --session and start
signed in, which also avoids typing credentials into the login form.`,
	Example: `  # Save a session called "work"
  $ harvest login work

  # Use it
  $ harvest collect --session work`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)

	loginCmd.Flags().StringVar(&loginURL, "url", config.DefaultBaseURL, "Page to open for signing in")
	loginCmd.Flags().DurationVar(&loginTimeout, "login-timeout", config.DefaultLoginTimeout, "How long to wait for the sign in")
}

func runLogin(cmd *cobra.Command, args []string) error {
	a, ctx := appFor(cmd)
	name := args[0]

	zerolog.Ctx(ctx).Info().
		Str("url", loginURL).
		Str("session", name).
		Msg("Initiating login")

	fmt.Printf("\n%s\n", ui.Bold("Interactive Login"))
	fmt.Printf("  %s %s\n", ui.Bold("Session:"), ui.ColorWhite+name+ui.ColorReset)
	fmt.Printf("  %s %s\n", ui.Bold("URL:"), ui.ColorWhite+loginURL+ui.ColorReset)
	fmt.Printf("  %s %s\n\n", ui.Bold("Timeout:"), ui.ColorWhite+loginTimeout.String()+ui.ColorReset)

	// Typed credentials would defeat the point of a hand-made session.
	authn := auth.NewAuthenticator(auth.Credentials{}, a.Gate())
	session, err := auth.InteractiveLogin(ctx, auth.LoginOptions{
		SessionName: name,
		URL:         loginURL,
		Timeout:     loginTimeout,
		Browser:     a.BrowserOptions(),
	}, authn)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if err := a.Sessions.Save(session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	fmt.Println(ui.Success("\n✓ Session saved successfully!"))
	fmt.Printf("\n%s\n", ui.Bold("You can now use this session with:"))
	fmt.Printf("  %s%s\n", ui.ColorCyan+"harvest collect --session="+ui.ColorReset, ui.ColorWhite+name+ui.ColorReset)
	fmt.Printf("  %s%s\n\n", ui.ColorCyan+"harvest scrape --session="+ui.ColorReset, ui.ColorWhite+name+ui.ColorReset)

	if !session.ExpiresAt.IsZero() {
		fmt.Printf("Session expires: %s\n\n", session.ExpiresAt.Format(time.RFC1123))
	}
	return nil
}
