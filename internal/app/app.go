// Package app provides the core application initialization and lifecycle management.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/law-makers/harvest/internal/auth"
	"github.com/law-makers/harvest/internal/browser"
	"github.com/law-makers/harvest/internal/challenge"
	"github.com/law-makers/harvest/internal/checkpoint"
	"github.com/law-makers/harvest/internal/config"
	"github.com/law-makers/harvest/internal/metrics"
	"github.com/law-makers/harvest/internal/notify"
	"github.com/law-makers/harvest/internal/ratelimit"
)

// Application holds all application dependencies and manages their lifecycle.
//
// It is created once per command invocation. The browser is started lazily
// so that offline commands (summary, analyze, state) never launch Chrome.
// Use Close() to release everything that was started.
type Application struct {
	Config   *config.Config
	Logger   *zerolog.Logger
	Metrics  *metrics.Recorder
	Notifier notify.Notifier
	Sessions *auth.SessionStore

	// Stdin feeds the interactive challenge confirmation.
	Stdin io.Reader

	async     *notify.Async
	browserMu sync.Mutex
	browser   *browser.Session
	redis     *redis.Client
	startTime time.Time
}

// New creates and initializes a new Application.
//
// It performs the following initialization steps:
//   - Configures logging based on the provided config
//   - Creates the metrics recorder
//   - Builds the alert notifier (log, plus mail when SMTP is configured)
//
// Nothing here touches the network.
func New(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	logger := SetupLogging(cfg.LogLevel, cfg.JSONLog, os.Stderr)
	logger.Debug().
		Str("level", cfg.LogLevel).
		Bool("json", cfg.JSONLog).
		Msg("Logger initialized")

	var notifier notify.Notifier = notify.Log{}
	var async *notify.Async
	smtpCfg := notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		To:       notify.SplitRecipients(cfg.SMTP.To),
		StartTLS: !cfg.SMTP.NoTLS,
	}
	if smtpCfg.Enabled() {
		async = notify.NewAsync(notify.NewSMTP(smtpCfg), cfg.SMTP.Timeout)
		notifier = notify.Multi{notify.Log{}, async}
		logger.Debug().
			Str("host", smtpCfg.Host).
			Int("recipients", len(smtpCfg.To)).
			Msg("Mail alerts enabled")
	}

	a := &Application{
		Config:    cfg,
		Logger:    &logger,
		Metrics:   metrics.New(),
		Notifier:  notifier,
		Sessions:  auth.NewSessionStore(),
		Stdin:     os.Stdin,
		async:     async,
		startTime: time.Now(),
	}
	logger.Debug().Msg("Application initialized")
	return a, nil
}

// SetupLogging configures the global zerolog logger and returns it.
func SetupLogging(level string, jsonLog bool, out io.Writer) zerolog.Logger {
	lvl := zerolog.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var w io.Writer = out
	if !jsonLog {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return log.Logger
}

// BrowserOptions translates the browser configuration.
func (a *Application) BrowserOptions() browser.Options {
	c := a.Config.Browser
	return browser.Options{
		Headless:        c.Headless,
		UserAgent:       c.UserAgent,
		Proxy:           c.Proxy,
		ChromePath:      c.ChromePath,
		NavigateTimeout: c.NavigateTimeout,
		ActionTimeout:   c.ActionTimeout,
	}
}

// EnsureBrowser starts Chrome on first use and returns the shared session.
// When a saved session is configured its cookies are installed first.
func (a *Application) EnsureBrowser(ctx context.Context) (*browser.Session, error) {
	a.browserMu.Lock()
	defer a.browserMu.Unlock()

	if a.browser != nil {
		return a.browser, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := a.BrowserOptions()
	if name := a.Config.Session; name != "" {
		sess, err := a.Sessions.Load(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load session %q: %w", name, err)
		}
		opts.Cookies = auth.CookieParams(sess.Cookies)
		a.Logger.Info().Str("session", name).Int("cookies", len(opts.Cookies)).Msg("Using saved session")
	}

	s, err := browser.NewSession(opts)
	if err != nil {
		return nil, err
	}
	a.browser = s
	return s, nil
}

// Gate builds the challenge gate. The operator confirms by pressing Enter
// when the config allows prompting; the page is polled either way.
func (a *Application) Gate() *challenge.Gate {
	c := a.Config.Challenge
	var confirmer challenge.Confirmer = challenge.Poll{Interval: c.PollInterval}
	if c.Interactive && a.Stdin != nil {
		confirmer = challenge.NewLines(a.Stdin, c.PollInterval)
	}
	g := challenge.NewGate(challenge.NewDetector(c.ExtraSelectors...), a.Notifier, confirmer)
	g.Metrics = a.Metrics
	g.RecoveryClicks = c.RecoveryClicks
	g.RecoveryPause = c.RecoveryPause
	return g
}

// Authenticator builds the login flow from the configured credentials.
func (a *Application) Authenticator(gate auth.Gate) *auth.Authenticator {
	authn := auth.NewAuthenticator(auth.Credentials{
		Email:    a.Config.Email,
		Password: a.Config.Password,
	}, gate)
	if t := a.Config.Browser.ActionTimeout; t > authn.WaitTimeout {
		authn.WaitTimeout = t
	}
	return authn
}

// StateStore returns the configured crawl state backend. The redis backend
// is pinged before use.
func (a *Application) StateStore(ctx context.Context) (checkpoint.Store, error) {
	c := a.Config
	if c.Crawl.StateBackend != "redis" {
		return checkpoint.NewFileStore(c.Crawl.StateFile), nil
	}
	if a.redis == nil {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis %s unreachable: %w", c.Redis.Addr, err)
	}
	a.Logger.Debug().Str("addr", c.Redis.Addr).Str("key", c.Redis.Key).Msg("Redis state backend ready")
	return checkpoint.NewRedisStore(a.redis, c.Redis.Key), nil
}

// Pacer returns a pacer between min and max, also bounded per host when a
// navigation rate is configured.
func (a *Application) Pacer(min, max time.Duration) *ratelimit.Pacer {
	p := ratelimit.NewPacer(min, max)
	if n := a.Config.Crawl.NavsPerMinute; n > 0 {
		p.Limiter = ratelimit.NewHostLimiter(n, 1)
	}
	return p
}

// Close gracefully shuts down the application and all its resources.
//
// It performs the following cleanup steps in order:
//   - Closes the browser session
//   - Waits for pending mail alerts
//   - Closes the redis client
//
// Any errors during shutdown are logged but do not prevent other shutdown steps.
func (a *Application) Close(ctx context.Context) error {
	a.browserMu.Lock()
	if a.browser != nil {
		if err := a.browser.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Error closing browser")
		}
		a.browser = nil
	}
	a.browserMu.Unlock()

	if a.async != nil {
		done := make(chan struct{})
		go func() {
			a.async.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			a.Logger.Warn().Msg("Gave up waiting for pending alerts")
		}
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Error closing redis client")
		}
	}

	a.Logger.Debug().Dur("uptime", a.Uptime()).Msg("Application shutdown complete")
	return nil
}

// Uptime returns how long the application has been running.
func (a *Application) Uptime() time.Duration {
	return time.Since(a.startTime)
}
