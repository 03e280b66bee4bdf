package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment override, e.g. HARVEST_EMAIL.
const EnvPrefix = "HARVEST"

// Config holds application configuration values
type Config struct {
	// Logging
	LogLevel string `yaml:"log_level" split_words:"true"`
	JSONLog  bool   `yaml:"json_log" split_words:"true"`

	// Site account. Never defaulted.
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	// Session names saved browser cookies to start from.
	Session string `yaml:"session"`

	MetricsAddr string `yaml:"metrics_addr" split_words:"true"`

	Browser   BrowserConfig   `yaml:"browser"`
	Crawl     CrawlConfig     `yaml:"crawl"`
	Scrape    ScrapeConfig    `yaml:"scrape"`
	Challenge ChallengeConfig `yaml:"challenge"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Redis     RedisConfig     `yaml:"redis"`
}

// BrowserConfig configures the Chrome tab.
type BrowserConfig struct {
	Headless        bool          `yaml:"headless"`
	ChromePath      string        `yaml:"chrome_path" split_words:"true"`
	UserAgent       string        `yaml:"user_agent" split_words:"true"`
	Proxy           string        `yaml:"proxy"`
	NavigateTimeout time.Duration `yaml:"navigate_timeout" split_words:"true"`
	ActionTimeout   time.Duration `yaml:"action_timeout" split_words:"true"`
}

// CrawlConfig configures link collection.
type CrawlConfig struct {
	StartURL string `yaml:"start_url" split_words:"true"`
	Mode     string `yaml:"mode"`
	// LinksFile is the workbook rewritten after every page.
	LinksFile    string `yaml:"links_file" split_words:"true"`
	StateFile    string `yaml:"state_file" split_words:"true"`
	StateBackend string `yaml:"state_backend" split_words:"true"`

	MinDelay        time.Duration `yaml:"min_delay" split_words:"true"`
	MaxDelay        time.Duration `yaml:"max_delay" split_words:"true"`
	NavsPerMinute   float64       `yaml:"navs_per_minute" split_words:"true"`
	ListTimeout     time.Duration `yaml:"list_timeout" split_words:"true"`
	PaginateTimeout time.Duration `yaml:"paginate_timeout" split_words:"true"`
	Retries         int           `yaml:"retries"`
	FilterAttempts  int           `yaml:"filter_attempts" split_words:"true"`
	MaxSaveFailures int           `yaml:"max_save_failures" split_words:"true"`

	// StartDay and Until are YYYY-MM-DD; empty means today and no bound.
	StartDay     string `yaml:"start_day" split_words:"true"`
	Until        string `yaml:"until"`
	MaxEmptyDays int    `yaml:"max_empty_days" split_words:"true"`
	KeepState    bool   `yaml:"keep_state" split_words:"true"`
}

// ScrapeConfig configures report extraction.
type ScrapeConfig struct {
	Input               string        `yaml:"input"`
	OutputDir           string        `yaml:"output_dir" split_words:"true"`
	ProcessedFile       string        `yaml:"processed_file" split_words:"true"`
	SnapshotDir         string        `yaml:"snapshot_dir" split_words:"true"`
	Delay               time.Duration `yaml:"delay"`
	ReadyTimeout        time.Duration `yaml:"ready_timeout" split_words:"true"`
	Attempts            int           `yaml:"attempts"`
	MaxConsecutiveSkips int           `yaml:"max_consecutive_skips" split_words:"true"`
	Limit               int           `yaml:"limit"`
	OverlayTimeout      time.Duration `yaml:"overlay_timeout" split_words:"true"`
	MatrixTimeout       time.Duration `yaml:"matrix_timeout" split_words:"true"`
	PanelTimeout        time.Duration `yaml:"panel_timeout" split_words:"true"`
	TabSettle           time.Duration `yaml:"tab_settle" split_words:"true"`
	DeepTimeout         time.Duration `yaml:"deep_timeout" split_words:"true"`
}

// ChallengeConfig tunes challenge detection and recovery.
type ChallengeConfig struct {
	ExtraSelectors []string      `yaml:"extra_selectors" split_words:"true"`
	RecoveryClicks int           `yaml:"recovery_clicks" split_words:"true"`
	RecoveryPause  time.Duration `yaml:"recovery_pause" split_words:"true"`
	PollInterval   time.Duration `yaml:"poll_interval" split_words:"true"`
	// Interactive waits for Enter on stdin besides polling the page.
	Interactive bool `yaml:"interactive"`
}

// SMTPConfig configures challenge alerts by mail.
type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	From     string        `yaml:"from"`
	To       string        `yaml:"to"`
	NoTLS    bool          `yaml:"no_tls" split_words:"true"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RedisConfig configures the Redis crawl state backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: DefaultLogLevel,
		JSONLog:  DefaultJSONLog,
		Browser: BrowserConfig{
			Headless:        DefaultHeadless,
			NavigateTimeout: DefaultNavigateTimeout,
			ActionTimeout:   DefaultActionTimeout,
		},
		Crawl: CrawlConfig{
			StartURL:        DefaultStartURL,
			Mode:            DefaultMode,
			LinksFile:       DefaultLinksFile,
			StateFile:       DefaultStateFile,
			StateBackend:    DefaultStateBackend,
			MinDelay:        DefaultPageMinDelay,
			MaxDelay:        DefaultPageMaxDelay,
			NavsPerMinute:   DefaultMaxNavsPerMinute,
			ListTimeout:     DefaultListTimeout,
			PaginateTimeout: DefaultPaginateTimeout,
			Retries:         DefaultRetries,
			FilterAttempts:  DefaultFilterAttempts,
			MaxSaveFailures: DefaultMaxSaveFailures,
		},
		Scrape: ScrapeConfig{
			Input:               DefaultLinksFile,
			OutputDir:           DefaultRecordsDir,
			ProcessedFile:       DefaultProcessedFile,
			Delay:               DefaultScrapeDelay,
			ReadyTimeout:        DefaultReadyTimeout,
			Attempts:            DefaultItemAttempts,
			MaxConsecutiveSkips: DefaultMaxConsecutiveSkips,
			OverlayTimeout:      DefaultOverlayTimeout,
			MatrixTimeout:       DefaultMatrixTimeout,
			PanelTimeout:        DefaultPanelTimeout,
			TabSettle:           DefaultTabSettle,
			DeepTimeout:         DefaultDeepTimeout,
		},
		Challenge: ChallengeConfig{
			RecoveryClicks: DefaultRecoveryClicks,
			RecoveryPause:  DefaultRecoveryPause,
			PollInterval:   DefaultChallengePoll,
			Interactive:    true,
		},
		SMTP: SMTPConfig{
			Port:    DefaultSMTPPort,
			Timeout: DefaultNotifyTimeout,
		},
		Redis: RedisConfig{Key: DefaultRedisKey},
	}
}

// Load builds a Config by layering defaults, an optional YAML file, HARVEST_*
// environment variables and the flags set on cmd, in that order.
func Load(cmd *cobra.Command) (*Config, error) {
	cfg := Default()

	path := os.Getenv(EnvPrefix + "_CONFIG")
	if cmd != nil {
		if f := cmd.Flags().Lookup("config"); f != nil && f.Changed {
			path = f.Value.String()
		}
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if cmd != nil {
		if err := applyFlags(cmd, cfg); err != nil {
			return nil, err
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadFile overlays the YAML document at path onto cfg. Keys absent from
// the file keep their current values.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
