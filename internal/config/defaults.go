package config

import "time"

// Default constants for application configuration
const (
	DefaultLogLevel = "info"
	DefaultJSONLog  = false

	DefaultBaseURL         = "https://app.any.run/"
	DefaultStartURL        = "https://app.any.run/submissions"
	DefaultHeadless        = true
	DefaultNavigateTimeout = 120 * time.Second
	DefaultActionTimeout   = 15 * time.Second

	DefaultMode            = "pages"
	DefaultLinksFile       = "reports.xlsx"
	DefaultStateFile       = "scraper_state.json"
	DefaultStateBackend    = "file"
	DefaultPageMinDelay    = 10 * time.Second
	DefaultPageMaxDelay    = 30 * time.Second
	DefaultListTimeout     = 20 * time.Second
	DefaultPaginateTimeout = 20 * time.Second
	DefaultRetries         = 3
	DefaultFilterAttempts  = 3
	DefaultMaxSaveFailures = 5

	DefaultRecordsDir          = "scraped_data"
	DefaultProcessedFile       = "scraper_checkpoint.json"
	DefaultScrapeDelay         = 2 * time.Second
	DefaultReadyTimeout        = 60 * time.Second
	DefaultItemAttempts        = 3
	DefaultMaxConsecutiveSkips = 10
	DefaultOverlayTimeout      = 10 * time.Second
	DefaultMatrixTimeout       = 30 * time.Second
	DefaultPanelTimeout        = 4 * time.Second
	DefaultTabSettle           = 2 * time.Second
	DefaultDeepTimeout         = 8 * time.Second

	DefaultRecoveryClicks   = 3
	DefaultRecoveryPause    = 2 * time.Second
	DefaultChallengePoll    = 5 * time.Second
	DefaultNotifyTimeout    = 30 * time.Second
	DefaultSMTPPort         = 587
	DefaultRedisKey         = "harvest:crawl-state"
	DefaultLoginTimeout     = 5 * time.Minute
	DefaultTopTechniques    = 20
	DefaultMaxNavsPerMinute = 0.0
)
