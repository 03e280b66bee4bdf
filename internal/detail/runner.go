// Package detail visits collected report links one at a time and turns each
// into a record file.
//
// An identifier is marked processed only after its record file was written.
// A record left unmarked by a crash between the two is absorbed by the next
// run.
package detail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/law-makers/harvest/internal/browser"
	"github.com/law-makers/harvest/internal/checkpoint"
	"github.com/law-makers/harvest/internal/failure"
	"github.com/law-makers/harvest/internal/metrics"
	"github.com/law-makers/harvest/internal/output"
	"github.com/law-makers/harvest/internal/retry"
	"github.com/law-makers/harvest/pkg/models"
)

var (
	// ErrNoIdentifier means a link carries no item identifier.
	ErrNoIdentifier = errors.New("link has no item identifier")
	// ErrTooManySkips means consecutive items kept failing.
	ErrTooManySkips = errors.New("too many consecutive items skipped")
	// ErrWrongPage means the browser is not showing the requested item,
	// typically after a login redirect.
	ErrWrongPage = errors.New("page is not the requested item")
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeStopped Outcome = "stopped"
	OutcomeFailed  Outcome = "failed"
)

// Gate blocks while a challenge is on the page.
type Gate interface {
	AwaitClear(ctx context.Context, p browser.Page) error
}

// Authenticator signs the session in.
type Authenticator interface {
	Ensure(ctx context.Context, p browser.Page) error
}

// Pacer spaces out navigations.
type Pacer interface {
	WaitFor(ctx context.Context, rawURL string) error
}

// Extractor builds a record from the loaded page.
type Extractor interface {
	Run(ctx context.Context, p browser.Page, identifier, source string) (*models.Record, error)
}

// Progress is told about every finished item. *progressbar.ProgressBar
// satisfies it.
type Progress interface {
	Add(n int) error
	Finish() error
}

// Deps are the collaborators of a Runner. Page, Extractor and Processed
// are required.
type Deps struct {
	Page      browser.Page
	Extractor Extractor
	Records   output.RecordDir
	Processed *checkpoint.ProcessedSet
	Gate      Gate
	Auth      Authenticator
	Pacer     Pacer
	Progress  Progress
	Snapshots *output.Snapshotter
	Metrics   *metrics.Recorder
}

// Options tune a run.
type Options struct {
	// Identify extracts the item identifier from a link.
	Identify func(url string) (string, bool)
	// Ready holds once the item page is worth reading.
	Ready        browser.Condition
	ReadyTimeout time.Duration
	// Attempts bounds navigation and readiness retries per item.
	Attempts int
	Backoff  time.Duration
	// MaxConsecutiveSkips fails the run after that many items in a row
	// could not be processed. Zero never gives up.
	MaxConsecutiveSkips int
	// Limit stops after that many new records. Zero means no limit.
	Limit int
}

// Skip is an item that could not be processed.
type Skip struct {
	URL        string
	Identifier string
	Class      failure.Class
	Err        error
}

// Result summarises a run.
type Result struct {
	Outcome Outcome
	Total   int
	Written int
	// AlreadyDone counts items with an existing record or processed mark.
	AlreadyDone int
	Skipped     []Skip
	Err         error
}

// Runner is the detail scraping loop.
type Runner struct {
	deps Deps
	opts Options

	authenticated bool
	streak        int
}

// New validates deps and fills option defaults.
func New(deps Deps, opts Options) (*Runner, error) {
	if deps.Page == nil || deps.Extractor == nil || deps.Processed == nil {
		return nil, fmt.Errorf("detail: page, extractor and processed set are required")
	}
	if opts.Identify == nil {
		return nil, fmt.Errorf("detail: an identifier function is required")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 20 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	return &Runner{deps: deps, opts: opts}, nil
}

// Run processes urls in order until they are exhausted, ctx is cancelled
// or the run fails.
func (r *Runner) Run(ctx context.Context, urls []string) Result {
	res := Result{Total: len(urls)}
	defer r.finish(&res)

	navigated := false
	for i, url := range urls {
		if err := ctx.Err(); err != nil {
			res.Outcome, res.Err = OutcomeStopped, err
			return res
		}
		if r.opts.Limit > 0 && res.Written >= r.opts.Limit {
			log.Info().Int("limit", r.opts.Limit).Msg("Record limit reached")
			break
		}

		id, ok := r.opts.Identify(url)
		if !ok {
			r.skip(&res, Skip{URL: url, Class: failure.ClassStructural, Err: ErrNoIdentifier})
			r.advance()
			continue
		}
		if r.done(id) {
			res.AlreadyDone++
			r.advance()
			continue
		}

		if navigated && r.deps.Pacer != nil {
			if err := r.deps.Pacer.WaitFor(ctx, url); err != nil {
				res.Outcome, res.Err = OutcomeStopped, err
				return res
			}
		}
		navigated = true

		log.Info().Int("item", i+1).Int("total", len(urls)).Str("identifier", id).Msg("Scraping report")
		started := time.Now()
		err := r.process(ctx, url, id)
		took := time.Since(started)
		r.advance()

		if err == nil {
			res.Written++
			r.streak = 0
			r.deps.Metrics.Record("written", took)
			continue
		}
		if ctx.Err() != nil {
			res.Outcome, res.Err = OutcomeStopped, ctx.Err()
			return res
		}

		class := failure.ClassOf(err)
		if class == failure.ClassAuthentication {
			r.deps.Metrics.Record("failed", took)
			res.Outcome, res.Err = OutcomeFailed, err
			return res
		}
		r.deps.Metrics.Record("skipped", took)
		r.skip(&res, Skip{URL: url, Identifier: id, Class: class, Err: err})
		if class == failure.ClassStructural {
			r.snapshot(ctx, id)
		}
		if r.opts.MaxConsecutiveSkips > 0 && r.streak >= r.opts.MaxConsecutiveSkips {
			res.Outcome = OutcomeFailed
			res.Err = failure.New(class, "scrape reports", ErrTooManySkips).WithDetail("consecutive", r.streak)
			return res
		}
	}
	res.Outcome = OutcomeDone
	return res
}

// done reports whether id needs no work, absorbing records written by a run
// that died before marking them.
func (r *Runner) done(id string) bool {
	if r.deps.Processed.Has(id) {
		return true
	}
	if r.deps.Records.Dir != "" && r.deps.Records.Exists(id) {
		r.deps.Processed.Add(id)
		log.Debug().Str("identifier", id).Msg("Record already on disk, marking processed")
		return true
	}
	return false
}

// process loads one report and writes its record.
func (r *Runner) process(ctx context.Context, url, id string) error {
	cfg := retry.Config{
		MaxAttempts:    r.opts.Attempts,
		InitialBackoff: r.opts.Backoff,
		MaxBackoff:     r.opts.Backoff * 8,
		Multiplier:     2,
	}
	err := retry.Do(ctx, cfg, "load "+id, func(ctx context.Context) error {
		return r.load(ctx, url, id)
	})
	if err != nil {
		if errors.Is(err, browser.ErrTimeout) && ctx.Err() == nil {
			return failure.Structural("report never rendered", err).WithUnit(id)
		}
		return err
	}

	if err := r.gate(ctx); err != nil {
		return err
	}
	rec, err := r.deps.Extractor.Run(ctx, r.deps.Page, id, url)
	if err != nil {
		return err
	}
	if failed := rec.Failed(); len(failed) > 0 {
		log.Warn().Str("identifier", id).Strs("sections", failed).Msg("Record written with default sections")
	}

	if err := r.deps.Records.Write(rec); err != nil {
		log.Error().Err(err).Str("identifier", id).Msg("Record not written, item stays unprocessed")
		return err
	}
	r.deps.Processed.Add(id)
	if err := r.deps.Processed.Save(); err != nil {
		// The record file is on disk, which is enough to skip it next time.
		log.Warn().Err(err).Str("identifier", id).Msg("Processed set not saved")
	}
	log.Info().Str("identifier", id).Str("path", r.deps.Records.Path(id)).Msg("Record written")
	return nil
}

func (r *Runner) load(ctx context.Context, url, id string) error {
	if err := r.open(ctx, url); err != nil {
		return err
	}
	if !r.authenticated && r.deps.Auth != nil {
		if err := r.deps.Auth.Ensure(ctx, r.deps.Page); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if failure.ClassOf(err) != failure.ClassAuthentication {
				err = failure.Authentication("authenticate", err)
			}
			return err
		}
		r.authenticated = true
		// Signing in usually lands on the dashboard.
		if !r.showing(ctx, id) {
			log.Info().Str("identifier", id).Msg("Signed in away from the report, reopening it")
			if err := r.open(ctx, url); err != nil {
				return err
			}
		}
	}
	if r.opts.Ready != nil {
		if err := browser.WaitUntil(ctx, r.deps.Page, r.opts.Ready, r.opts.ReadyTimeout); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return failure.Transient("wait for report", err).WithUnit(url)
		}
	}
	if !r.showing(ctx, id) {
		return failure.Transient("check report", ErrWrongPage).WithUnit(url)
	}
	return nil
}

// open navigates to url with the challenge gate on both sides.
func (r *Runner) open(ctx context.Context, url string) error {
	if err := r.gate(ctx); err != nil {
		return err
	}
	if err := r.deps.Page.Navigate(ctx, url); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failure.Transient("navigate", err).WithUnit(url)
	}
	return r.gate(ctx)
}

// showing reports whether the page location carries identifier id.
func (r *Runner) showing(ctx context.Context, id string) bool {
	loc, err := r.deps.Page.CurrentLocation(ctx)
	if err != nil {
		return false
	}
	got, ok := r.opts.Identify(loc)
	return ok && got == id
}

func (r *Runner) skip(res *Result, s Skip) {
	r.streak++
	res.Skipped = append(res.Skipped, s)
	log.Warn().
		Err(s.Err).
		Str("url", s.URL).
		Str("identifier", s.Identifier).
		Str("class", string(s.Class)).
		Msg("Report skipped")
}

func (r *Runner) snapshot(ctx context.Context, id string) {
	path, err := r.deps.Snapshots.Save(ctx, r.deps.Page, id)
	if err != nil {
		log.Warn().Err(err).Str("identifier", id).Msg("Snapshot not saved")
		return
	}
	if path != "" {
		log.Info().Str("identifier", id).Str("path", path).Msg("Page snapshot saved")
	}
}

func (r *Runner) advance() {
	if r.deps.Progress != nil {
		_ = r.deps.Progress.Add(1)
	}
}

func (r *Runner) gate(ctx context.Context) error {
	if r.deps.Gate == nil {
		return ctx.Err()
	}
	return r.deps.Gate.AwaitClear(ctx, r.deps.Page)
}

func (r *Runner) finish(res *Result) {
	if err := r.deps.Processed.Save(); err != nil {
		log.Error().Err(err).Msg("Final processed set not saved")
	}
	if r.deps.Progress != nil {
		_ = r.deps.Progress.Finish()
	}
	ev := log.Info()
	if res.Outcome == OutcomeFailed {
		ev = log.Error().Err(res.Err)
	}
	ev.Str("outcome", string(res.Outcome)).
		Int("total", res.Total).
		Int("written", res.Written).
		Int("already_done", res.AlreadyDone).
		Int("skipped", len(res.Skipped)).
		Msg("Scrape finished")
}
