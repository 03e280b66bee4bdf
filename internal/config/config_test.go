package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	RegisterFlags(cmd)
	RegisterCrawlFlags(cmd)
	RegisterScrapeFlags(cmd)
	return cmd
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newCmd())
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultStartURL, cfg.Crawl.StartURL)
	assert.Equal(t, DefaultPageMinDelay, cfg.Crawl.MinDelay)
	assert.Equal(t, DefaultRecordsDir, cfg.Scrape.OutputDir)
	assert.True(t, cfg.Challenge.Interactive)
	assert.Empty(t, cfg.Email)
	assert.Empty(t, cfg.Password)
	assert.Empty(t, cfg.SMTP.Host)
}

func TestLoadLayersFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: warn
crawl:
  mode: date
  min_delay: 1s
  max_delay: 2s
  until: "2024-01-01"
scrape:
  limit: 7
smtp:
  host: smtp.example.org
`), 0o644))

	t.Setenv("HARVEST_CONFIG", path)
	t.Setenv("HARVEST_EMAIL", "analyst@example.org")
	t.Setenv("HARVEST_SCRAPE_LIMIT", "9")
	t.Setenv("HARVEST_SMTP_PORT", "2525")

	cmd := newCmd()
	require.NoError(t, cmd.Flags().Set("limit", "11"))
	require.NoError(t, cmd.Flags().Set("challenge-selector", "div.captcha, div.blocked"))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "date", cfg.Crawl.Mode)
	assert.Equal(t, time.Second, cfg.Crawl.MinDelay)
	assert.Equal(t, "smtp.example.org", cfg.SMTP.Host)
	assert.Equal(t, 2525, cfg.SMTP.Port)
	assert.Equal(t, "analyst@example.org", cfg.Email)
	assert.Equal(t, 11, cfg.Scrape.Limit)
	assert.Equal(t, []string{"div.captcha, div.blocked"}, cfg.Challenge.ExtraSelectors)

	until, err := cfg.Until()
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", until.String())
}

func TestLoadShorthandsOverrideLogLevel(t *testing.T) {
	cmd := newCmd()
	require.NoError(t, cmd.Flags().Set("log-level", "warn"))
	require.NoError(t, cmd.Flags().Set("verbose", "true"))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestNoPromptDisablesInteractiveConfirm(t *testing.T) {
	cmd := newCmd()
	require.NoError(t, cmd.Flags().Set("no-prompt", "true"))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.False(t, cfg.Challenge.Interactive)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Setenv("HARVEST_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load(newCmd())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"log level":      func(c *Config) { c.LogLevel = "loud" },
		"mode":           func(c *Config) { c.Crawl.Mode = "weekly" },
		"relative url":   func(c *Config) { c.Crawl.StartURL = "/submissions" },
		"delay order":    func(c *Config) { c.Crawl.MaxDelay = c.Crawl.MinDelay - time.Second },
		"negative delay": func(c *Config) { c.Crawl.MinDelay = -time.Second },
		"retries":        func(c *Config) { c.Crawl.Retries = 0 },
		"start day":      func(c *Config) { c.Crawl.StartDay = "03/01/2024" },
		"backend":        func(c *Config) { c.Crawl.StateBackend = "s3" },
		"redis addr":     func(c *Config) { c.Crawl.StateBackend = "redis" },
		"attempts":       func(c *Config) { c.Scrape.Attempts = 0 },
		"smtp port":      func(c *Config) { c.SMTP.Host = "mail"; c.SMTP.Port = 70000 },
		"poll interval":  func(c *Config) { c.Challenge.PollInterval = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, validate(cfg))
		})
	}

	t.Run("defaults", func(t *testing.T) {
		assert.NoError(t, validate(Default()))
	})
	t.Run("redis with addr", func(t *testing.T) {
		cfg := Default()
		cfg.Crawl.StateBackend = "redis"
		cfg.Redis.Addr = "localhost:6379"
		assert.NoError(t, validate(cfg))
	})
}
