// internal/auth/login.go
package auth

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/law-makers/harvest/internal/browser"
)

// LoginOptions configures the interactive login behavior
type LoginOptions struct {
	// SessionName is the name to save the session as
	SessionName string
	// URL to navigate to for login
	URL string
	// Timeout for the entire login process
	Timeout time.Duration
	// Browser configures the visible Chrome window.
	Browser browser.Options
}

// InteractiveLogin opens a visible browser on opts.URL and waits for the
// operator to sign in, then captures the cookies as a session. The
// authenticator decides when the page counts as signed in.
func InteractiveLogin(ctx context.Context, opts LoginOptions, authn *Authenticator) (*SessionData, error) {
	if opts.SessionName == "" {
		return nil, fmt.Errorf("session name is required")
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Minute
	}
	if os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "" && runtime.GOOS == "linux" {
		return nil, fmt.Errorf("interactive login requires a display server (DISPLAY not set)")
	}

	log.Info().
		Str("session", opts.SessionName).
		Str("url", opts.URL).
		Msg("Starting interactive login")

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	bopts := opts.Browser
	bopts.Headless = false
	sess, err := browser.NewSession(bopts)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if err := sess.Navigate(ctx, opts.URL); err != nil {
		return nil, fmt.Errorf("failed to navigate: %w", err)
	}

	fmt.Println("\nBrowser opened. Please complete the login process in the window.")
	fmt.Println("   The session is captured automatically once you are signed in.")

	if err := authn.Ensure(ctx, sess); err != nil {
		return nil, fmt.Errorf("login timeout or failed: %w", err)
	}

	cookies, err := sess.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to extract cookies: %w", err)
	}
	if len(cookies) == 0 {
		return nil, fmt.Errorf("no cookies found - login may have failed")
	}

	saved, expires := FromBrowserCookies(cookies)
	log.Info().Int("cookie_count", len(saved)).Msg("Cookies extracted")

	return &SessionData{
		Name:      opts.SessionName,
		URL:       opts.URL,
		Cookies:   saved,
		CreatedAt: time.Now(),
		ExpiresAt: expires,
	}, nil
}
