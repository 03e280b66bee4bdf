package config

import (
	"fmt"
	"strings"

	"github.com/law-makers/harvest/internal/checkpoint"
	urlutil "github.com/law-makers/harvest/internal/utils/url"
)

func validate(c *Config) error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if c.Browser.NavigateTimeout <= 0 {
		return fmt.Errorf("navigate timeout must be > 0")
	}

	if _, err := checkpoint.ParseMode(c.Crawl.Mode); err != nil {
		return err
	}
	if err := urlutil.ValidateURL(c.Crawl.StartURL); err != nil {
		return fmt.Errorf("start url: %w", err)
	}
	if c.Crawl.MinDelay < 0 || c.Crawl.MaxDelay < c.Crawl.MinDelay {
		return fmt.Errorf("page delays must satisfy 0 <= min (%s) <= max (%s)", c.Crawl.MinDelay, c.Crawl.MaxDelay)
	}
	if c.Crawl.NavsPerMinute < 0 {
		return fmt.Errorf("navigations per minute must be >= 0")
	}
	if c.Crawl.Retries <= 0 || c.Crawl.FilterAttempts <= 0 {
		return fmt.Errorf("retries and filter attempts must be > 0")
	}
	if c.Crawl.MaxEmptyDays < 0 {
		return fmt.Errorf("max empty days must be >= 0")
	}
	if _, err := c.StartDay(); err != nil {
		return err
	}
	if _, err := c.Until(); err != nil {
		return err
	}
	switch c.Crawl.StateBackend {
	case "file":
		if c.Crawl.StateFile == "" {
			return fmt.Errorf("state file must be set for the file backend")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address must be set for the redis backend")
		}
	default:
		return fmt.Errorf("state backend must be file or redis, got %q", c.Crawl.StateBackend)
	}

	if c.Scrape.Attempts <= 0 {
		return fmt.Errorf("scrape attempts must be > 0")
	}
	if c.Scrape.Delay < 0 || c.Scrape.ReadyTimeout <= 0 {
		return fmt.Errorf("scrape delay must be >= 0 and ready timeout > 0")
	}
	if c.Scrape.Limit < 0 || c.Scrape.MaxConsecutiveSkips < 0 {
		return fmt.Errorf("limit and max skips must be >= 0")
	}

	if c.SMTP.Host != "" && (c.SMTP.Port <= 0 || c.SMTP.Port > 65535) {
		return fmt.Errorf("smtp port must be between 1 and 65535")
	}
	if c.Challenge.RecoveryClicks < 0 || c.Challenge.PollInterval <= 0 {
		return fmt.Errorf("recovery clicks must be >= 0 and poll interval > 0")
	}
	return nil
}

// Mode returns the parsed traversal mode.
func (c *Config) Mode() checkpoint.Mode {
	m, _ := checkpoint.ParseMode(c.Crawl.Mode)
	return m
}

// StartDay returns the configured first day, zero when unset.
func (c *Config) StartDay() (checkpoint.Day, error) {
	return parseDay("start day", c.Crawl.StartDay)
}

// Until returns the configured oldest day, zero when unset.
func (c *Config) Until() (checkpoint.Day, error) {
	return parseDay("until", c.Crawl.Until)
}

func parseDay(what, s string) (checkpoint.Day, error) {
	if strings.TrimSpace(s) == "" {
		return checkpoint.Day{}, nil
	}
	d, err := checkpoint.ParseDay(s)
	if err != nil {
		return checkpoint.Day{}, fmt.Errorf("%s: %w", what, err)
	}
	return d, nil
}
