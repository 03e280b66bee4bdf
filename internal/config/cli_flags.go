package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// RegisterFlags registers common CLI flags on the provided root command
func RegisterFlags(cmd *cobra.Command) {
	if cmd == nil {
		return
	}

	pf := cmd.PersistentFlags()
	pf.BoolP("verbose", "v", false, "Enable debug logging")
	pf.BoolP("quiet", "q", false, "Suppress all output except errors")
	pf.Bool("json", false, "Log as JSON lines")
	pf.String("log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	pf.String("config", "", "Path to YAML configuration file (optional)")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	pf.String("email", "", "Login email (or HARVEST_EMAIL)")
	pf.String("password", "", "Login password (or HARVEST_PASSWORD)")
	pf.String("session", "", "Saved browser session to start from")

	pf.Bool("headless", DefaultHeadless, "Run Chrome without a window")
	pf.String("chrome-path", "", "Chrome executable to use")
	pf.String("user-agent", "", "Custom user agent string")
	pf.String("proxy", "", "Set HTTP/SOCKS5 proxy (e.g., http://localhost:8080)")
	pf.Duration("navigate-timeout", DefaultNavigateTimeout, "Page load timeout")

	pf.String("smtp-host", "", "SMTP server for challenge alerts")
	pf.Int("smtp-port", DefaultSMTPPort, "SMTP server port")
	pf.String("smtp-username", "", "SMTP username")
	pf.String("smtp-password", "", "SMTP password or app password")
	pf.String("smtp-from", "", "From address for alerts")
	pf.String("smtp-to", "", "Comma-separated alert recipients")
	pf.Bool("smtp-no-tls", false, "Disable STARTTLS when sending alerts")

	pf.StringArray("challenge-selector", nil, "Extra CSS selector that signals a challenge (repeatable)")
	pf.Bool("no-prompt", false, "Do not wait for Enter while a challenge is up; only poll the page")
}

// RegisterCrawlFlags registers the link collection flags.
func RegisterCrawlFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	RegisterStateFlags(cmd)
	f.String("start-url", DefaultStartURL, "Listing page to start from")
	f.StringP("output", "o", DefaultLinksFile, "Links workbook rewritten after every page")
	f.Duration("min-delay", DefaultPageMinDelay, "Shortest pause between pages")
	f.Duration("max-delay", DefaultPageMaxDelay, "Longest pause between pages")
	f.Float64("navs-per-minute", DefaultMaxNavsPerMinute, "Upper bound on navigations per minute (0 = none)")
	f.Duration("list-timeout", DefaultListTimeout, "How long to wait for the list to render")
	f.Int("retries", DefaultRetries, "Attempts per interaction before a unit is skipped")
	f.Int("filter-attempts", DefaultFilterAttempts, "Consecutive date filter failures that end the run")
	f.String("start-day", "", "First day in date mode (YYYY-MM-DD, default today)")
	f.String("until", "", "Oldest day to visit in date mode (YYYY-MM-DD)")
	f.Int("max-empty-days", 0, "Stop after this many consecutive empty days (0 = never)")
	f.Bool("keep-state", false, "Keep the crawl state after a complete run")
}

// RegisterStateFlags registers the flags locating the crawl state.
func RegisterStateFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("mode", DefaultMode, "Traversal mode: pages or date")
	f.String("state", DefaultStateFile, "Crawl state file")
	f.String("state-backend", DefaultStateBackend, "Crawl state backend: file or redis")
	f.String("redis-addr", "", "Redis address for the redis state backend")
	f.String("redis-key", DefaultRedisKey, "Redis key holding the crawl state")
}

// RegisterScrapeFlags registers the report extraction flags.
func RegisterScrapeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("input", "i", DefaultLinksFile, "Links workbook or text file")
	f.String("output-dir", DefaultRecordsDir, "Directory for report records")
	f.String("checkpoint", DefaultProcessedFile, "Processed identifiers file")
	f.String("snapshot-dir", "", "Store pages that could not be read here as markdown")
	f.Duration("delay", DefaultScrapeDelay, "Pause between reports")
	f.Duration("timeout", DefaultReadyTimeout, "How long to wait for a report to render")
	f.Int("attempts", DefaultItemAttempts, "Load attempts per report")
	f.Int("max-skips", DefaultMaxConsecutiveSkips, "Consecutive skipped reports that end the run (0 = never)")
	f.Int("limit", 0, "Stop after this many new records (0 = no limit)")
}

// flagBindings maps flag names to the field they override.
func flagBindings(c *Config) map[string]func(string) error {
	return map[string]func(string) error{
		"log-level":    str(&c.LogLevel),
		"json":         boolean(&c.JSONLog),
		"metrics-addr": str(&c.MetricsAddr),
		"email":        str(&c.Email),
		"password":     str(&c.Password),
		"session":      str(&c.Session),

		"headless":         boolean(&c.Browser.Headless),
		"chrome-path":      str(&c.Browser.ChromePath),
		"user-agent":       str(&c.Browser.UserAgent),
		"proxy":            str(&c.Browser.Proxy),
		"navigate-timeout": duration(&c.Browser.NavigateTimeout),

		"smtp-host":     str(&c.SMTP.Host),
		"smtp-port":     integer(&c.SMTP.Port),
		"smtp-username": str(&c.SMTP.Username),
		"smtp-password": str(&c.SMTP.Password),
		"smtp-from":     str(&c.SMTP.From),
		"smtp-to":       str(&c.SMTP.To),
		"smtp-no-tls":   boolean(&c.SMTP.NoTLS),

		"no-prompt": func(v string) error {
			b, err := strconv.ParseBool(v)
			c.Challenge.Interactive = !b
			return err
		},

		"start-url":       str(&c.Crawl.StartURL),
		"mode":            str(&c.Crawl.Mode),
		"output":          str(&c.Crawl.LinksFile),
		"state":           str(&c.Crawl.StateFile),
		"state-backend":   str(&c.Crawl.StateBackend),
		"redis-addr":      str(&c.Redis.Addr),
		"redis-key":       str(&c.Redis.Key),
		"min-delay":       duration(&c.Crawl.MinDelay),
		"max-delay":       duration(&c.Crawl.MaxDelay),
		"navs-per-minute": float(&c.Crawl.NavsPerMinute),
		"list-timeout":    duration(&c.Crawl.ListTimeout),
		"retries":         integer(&c.Crawl.Retries),
		"filter-attempts": integer(&c.Crawl.FilterAttempts),
		"start-day":       str(&c.Crawl.StartDay),
		"until":           str(&c.Crawl.Until),
		"max-empty-days":  integer(&c.Crawl.MaxEmptyDays),
		"keep-state":      boolean(&c.Crawl.KeepState),

		"input":        str(&c.Scrape.Input),
		"output-dir":   str(&c.Scrape.OutputDir),
		"checkpoint":   str(&c.Scrape.ProcessedFile),
		"snapshot-dir": str(&c.Scrape.SnapshotDir),
		"delay":        duration(&c.Scrape.Delay),
		"timeout":      duration(&c.Scrape.ReadyTimeout),
		"attempts":     integer(&c.Scrape.Attempts),
		"max-skips":    integer(&c.Scrape.MaxConsecutiveSkips),
		"limit":        integer(&c.Scrape.Limit),
	}
}

// applyFlags copies every flag the user set explicitly onto c.
func applyFlags(cmd *cobra.Command, c *Config) error {
	for name, set := range flagBindings(c) {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := set(f.Value.String()); err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
	}
	if f := cmd.Flags().Lookup("challenge-selector"); f != nil && f.Changed {
		sel, err := cmd.Flags().GetStringArray("challenge-selector")
		if err != nil {
			return fmt.Errorf("flag --challenge-selector: %w", err)
		}
		c.Challenge.ExtraSelectors = sel
	}
	// The shorthands win over --log-level.
	if f := cmd.Flags().Lookup("verbose"); f != nil && f.Value.String() == "true" {
		c.LogLevel = "debug"
	}
	if f := cmd.Flags().Lookup("quiet"); f != nil && f.Value.String() == "true" {
		c.LogLevel = "error"
	}
	return nil
}

func str(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func boolean(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*dst = b
		}
		return err
	}
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			*dst = n
		}
		return err
	}
}

func float(dst *float64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseFloat(v, 64)
		if err == nil {
			*dst = n
		}
		return err
	}
}

func duration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err == nil {
			*dst = d
		}
		return err
	}
}
