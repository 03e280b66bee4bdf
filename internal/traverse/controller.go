// Package traverse walks a paginated list, optionally one calendar day at a
// time, collecting item links into a checkpointed set.
package traverse

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
	"github.com/law-makers/harvest/internal/retry"
)

var (
	// ErrResumeFailed means the list could not be advanced to the saved page.
	ErrResumeFailed = errors.New("could not align pagination with saved progress")
	// ErrFilterExhausted means the date filter kept failing for one day.
	ErrFilterExhausted = errors.New("date filter could not be applied")
	// ErrTooManySaveFailures means checkpoints stopped being written altogether.
	ErrTooManySaveFailures = errors.New("checkpoint writes keep failing")
)

// State is a step of the traversal.
type State int

const (
	StateStart State = iota
	StateAuthenticating
	StateListPage
	StateItemScan
	StatePaginate
	StateBucketAdvance
	StateDone
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateAuthenticating:
		return "authenticating"
	case StateListPage:
		return "list-page"
	case StateItemScan:
		return "item-scan"
	case StatePaginate:
		return "paginate"
	case StateBucketAdvance:
		return "bucket-advance"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Gate blocks while a challenge is on the page.
type Gate interface {
	AwaitClear(ctx context.Context, p browser.Page) error
}

// Authenticator signs the session in.
type Authenticator interface {
	Ensure(ctx context.Context, p browser.Page) error
}

// Pacer spaces out page turns.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Sink receives the collected identifiers after every page, e.g. to
// rewrite the links workbook.
type Sink interface {
	Flush(ctx context.Context, ids []string) error
}

// Deps are the collaborators of a Controller. Page and Store are required.
type Deps struct {
	Page    browser.Page
	Store   checkpoint.Store
	Gate    Gate
	Auth    Authenticator
	Filter  DateFilter
	Pacer   Pacer
	Sink    Sink
	Metrics *metrics.Recorder
}

// Options tune a traversal.
type Options struct {
	StartURL string
	Mode     checkpoint.Mode
	Listing  Listing
	Accept   func(url string) bool

	ListLoadTimeout    time.Duration
	PaginateTimeout    time.Duration
	InteractionRetries int
	NavigateRetry      retry.Config

	// FilterAttempts is how many consecutive filter failures on one day end
	// the run.
	FilterAttempts int
	// MaxSaveFailures ends the run after that many consecutive failed
	// checkpoint writes. Zero never gives up.
	MaxSaveFailures int

	// StartDay is the first bucket when no cursor was saved. Zero means today.
	StartDay checkpoint.Day
	// Until is the oldest bucket to visit. Zero means no lower bound.
	Until checkpoint.Day
	// MaxEmptyDays stops after that many consecutive days without rows.
	// Zero disables the check.
	MaxEmptyDays int

	// ClearOnDone removes the checkpoint after a complete traversal.
	ClearOnDone bool
}

// DefaultOptions returns the usual timeouts and budgets.
func DefaultOptions(startURL string, mode checkpoint.Mode) Options {
	return Options{
		StartURL:           startURL,
		Mode:               mode,
		Listing:            DefaultListing(),
		Accept:             TaskLinks,
		ListLoadTimeout:    20 * time.Second,
		PaginateTimeout:    20 * time.Second,
		InteractionRetries: 3,
		NavigateRetry:      retry.DefaultConfig(),
		FilterAttempts:     3,
		MaxSaveFailures:    5,
		ClearOnDone:        true,
	}
}

// Result is how a traversal ended.
type Result struct {
	Outcome     State
	Identifiers []string
	Cursor      checkpoint.Cursor
	NewThisRun  int
	Err         error
}

// Controller is the traversal state machine. It is the only writer of the
// crawl state it loads.
type Controller struct {
	deps Deps
	opts Options

	state         *checkpoint.CrawlState
	resumePending bool
	saveFailures  int
	bucketRows    int
	emptyDays     int
	added         int
}

// New validates deps and opts.
func New(deps Deps, opts Options) (*Controller, error) {
	if deps.Page == nil || deps.Store == nil {
		return nil, fmt.Errorf("traverse: page and store are required")
	}
	if opts.Mode == "" {
		opts.Mode = checkpoint.ModePages
	}
	if opts.Mode == checkpoint.ModeDate && deps.Filter == nil {
		return nil, fmt.Errorf("traverse: date mode needs a date filter")
	}
	if opts.Listing == (Listing{}) {
		opts.Listing = DefaultListing()
	}
	if opts.InteractionRetries <= 0 {
		opts.InteractionRetries = 3
	}
	if opts.FilterAttempts <= 0 {
		opts.FilterAttempts = 3
	}
	if opts.ListLoadTimeout <= 0 {
		opts.ListLoadTimeout = 20 * time.Second
	}
	if opts.PaginateTimeout <= 0 {
		opts.PaginateTimeout = 20 * time.Second
	}
	if opts.NavigateRetry.MaxAttempts <= 0 {
		opts.NavigateRetry = retry.DefaultConfig()
	}
	return &Controller{deps: deps, opts: opts}, nil
}

// State returns the crawl state being built. Nil before Run.
func (c *Controller) State() *checkpoint.CrawlState { return c.state }

// Run drives the state machine until Done, Failed or ctx is cancelled.
// Whatever the outcome, the checkpoint is flushed before Run returns.
func (c *Controller) Run(ctx context.Context) Result {
	st := StateStart
	for {
		if ctx.Err() != nil {
			return c.finish(ctx, StateStopped, ctx.Err())
		}
		log.Debug().Stringer("state", st).Str("cursor", c.cursorString()).Msg("Traversal step")

		next, err := c.step(ctx, st)
		if err != nil {
			if ctx.Err() != nil {
				return c.finish(ctx, StateStopped, ctx.Err())
			}
			log.Error().
				Err(err).
				Stringer("state", st).
				Str("class", string(failure.ClassOf(err))).
				Str("cursor", c.cursorString()).
				Msg("Traversal failed")
			return c.finish(ctx, StateFailed, err)
		}
		if next == StateDone {
			return c.finish(ctx, StateDone, nil)
		}
		st = next
	}
}

func (c *Controller) step(ctx context.Context, st State) (State, error) {
	switch st {
	case StateStart:
		return c.start(ctx)
	case StateAuthenticating:
		return c.authenticate(ctx)
	case StateListPage:
		return c.listPage(ctx)
	case StateItemScan:
		return c.itemScan(ctx)
	case StatePaginate:
		return c.paginate(ctx)
	case StateBucketAdvance:
		return c.bucketAdvance(ctx)
	}
	return StateFailed, fmt.Errorf("traverse: no handler for %s", st)
}

func (c *Controller) start(ctx context.Context) (State, error) {
	c.state = c.deps.Store.Load(ctx, c.opts.Mode)
	if c.opts.Mode == checkpoint.ModeDate && c.state.Cursor.Date.IsZero() {
		day := c.opts.StartDay
		if day.IsZero() {
			day = checkpoint.Today()
		}
		c.state.Cursor = checkpoint.DateCursor(day, 0)
	}
	c.resumePending = c.state.Cursor.Pages() > 0

	log.Info().
		Str("mode", string(c.opts.Mode)).
		Int("collected", c.state.Collected.Len()).
		Str("cursor", c.state.Cursor.String()).
		Msg("Starting traversal")

	if err := c.gate(ctx); err != nil {
		return StateFailed, err
	}
	err := retry.Do(ctx, c.opts.NavigateRetry, "open list", func(ctx context.Context) error {
		if err := c.deps.Page.Navigate(ctx, c.opts.StartURL); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return failure.Transient("navigate", err).WithUnit(c.opts.StartURL)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return StateFailed, ctx.Err()
		}
		return StateFailed, failure.Structural("open list", err).WithUnit(c.opts.StartURL)
	}
	return StateAuthenticating, nil
}

func (c *Controller) authenticate(ctx context.Context) (State, error) {
	if c.deps.Auth != nil {
		if err := c.deps.Auth.Ensure(ctx, c.deps.Page); err != nil {
			if ctx.Err() != nil {
				return StateFailed, ctx.Err()
			}
			if failure.ClassOf(err) != failure.ClassAuthentication {
				err = failure.Authentication("authenticate", err)
			}
			return StateFailed, err
		}
	}
	if c.opts.Mode == checkpoint.ModeDate {
		if err := c.enterBucket(ctx, c.state.Cursor.Date); err != nil {
			return StateFailed, err
		}
	}
	return StateListPage, nil
}

func (c *Controller) listPage(ctx context.Context) (State, error) {
	if err := c.loadList(ctx); err != nil {
		return StateFailed, err
	}
	if c.resumePending {
		c.resumePending = false
		exhausted, err := c.resume(ctx)
		if err != nil {
			return StateFailed, err
		}
		if exhausted {
			return c.endOfList(), nil
		}
	}
	return StateItemScan, nil
}

// loadList waits for the list container, clearing challenges around the
// wait because one can replace the list at any time.
func (c *Controller) loadList(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < c.opts.InteractionRetries; attempt++ {
		if err := c.gate(ctx); err != nil {
			return err
		}
		lastErr = browser.WaitUntil(ctx, c.deps.Page, browser.Present(c.opts.Listing.Container), c.opts.ListLoadTimeout)
		if lastErr == nil {
			return c.gate(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(lastErr).Int("attempt", attempt+1).Str("cursor", c.cursorString()).Msg("List did not load")
	}
	return failure.Structural("load list", lastErr).WithUnit(c.cursorString())
}

func (c *Controller) itemScan(ctx context.Context) (State, error) {
	var scan pageScan
	var err error
	for attempt := 0; attempt < c.opts.InteractionRetries; attempt++ {
		if err = c.gate(ctx); err != nil {
			return StateFailed, err
		}
		scan, err = scanRows(ctx, c.deps.Page, c.opts.Listing, c.opts.Accept)
		if err == nil || !failure.IsTransient(err) {
			break
		}
		log.Debug().Err(err).Int("attempt", attempt+1).Msg("List re-rendered during scan, rescanning")
	}
	if err != nil {
		if ctx.Err() != nil {
			return StateFailed, ctx.Err()
		}
		return StateFailed, failure.Structural("scan rows", err).WithUnit(c.cursorString())
	}

	added := 0
	for _, u := range scan.links {
		if c.state.Collected.Add(u) {
			added++
		}
	}
	c.added += added
	c.bucketRows += scan.rows
	if scan.lastSeen != "" {
		c.state.LastActivity = scan.lastSeen
	}
	c.state.Cursor.SetPages(c.state.Cursor.Pages() + 1)

	live, _ := livePage(ctx, c.deps.Page, c.opts.Listing)
	c.deps.Metrics.PageScanned(live)
	c.deps.Metrics.Collected(added)
	log.Info().
		Str("cursor", c.state.Cursor.String()).
		Int("rows", scan.rows).
		Int("new", added).
		Int("total", c.state.Collected.Len()).
		Msg("Page scanned")

	if err := c.save(ctx); err != nil {
		return StateFailed, err
	}
	return StatePaginate, nil
}

func (c *Controller) paginate(ctx context.Context) (State, error) {
	if err := c.pace(ctx); err != nil {
		return StateFailed, err
	}
	advanced, err := c.advance(ctx)
	if err != nil {
		return StateFailed, err
	}
	if advanced {
		return StateListPage, nil
	}
	return c.endOfList(), nil
}

func (c *Controller) endOfList() State {
	if c.opts.Mode == checkpoint.ModeDate {
		log.Info().Str("day", c.state.Cursor.Date.String()).Int("pages", c.state.Cursor.Pages()).Msg("Day complete")
		return StateBucketAdvance
	}
	log.Info().Int("pages", c.state.Cursor.Pages()).Msg("No more pages")
	return StateDone
}

func (c *Controller) bucketAdvance(ctx context.Context) (State, error) {
	if c.bucketRows == 0 {
		c.emptyDays++
	} else {
		c.emptyDays = 0
	}
	c.bucketRows = 0
	if c.opts.MaxEmptyDays > 0 && c.emptyDays >= c.opts.MaxEmptyDays {
		log.Info().Int("empty_days", c.emptyDays).Msg("Too many consecutive empty days, stopping")
		return StateDone, nil
	}

	prev := c.state.Cursor.Date.AddDays(-1)
	if !c.opts.Until.IsZero() && prev.Before(c.opts.Until) {
		log.Info().Str("until", c.opts.Until.String()).Msg("Reached the oldest requested day")
		return StateDone, nil
	}

	c.state.Cursor = checkpoint.DateCursor(prev, 0)
	if err := c.save(ctx); err != nil {
		return StateFailed, err
	}
	log.Info().Str("day", prev.String()).Msg("Moving to previous day")

	if err := c.enterBucket(ctx, prev); err != nil {
		return StateFailed, err
	}
	return StateListPage, nil
}

// enterBucket applies the date filter, giving up after FilterAttempts
// consecutive failures.
func (c *Controller) enterBucket(ctx context.Context, day checkpoint.Day) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.FilterAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.gate(ctx); err != nil {
			return err
		}
		lastErr = c.deps.Filter.Apply(ctx, c.deps.Page, day)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().
			Err(lastErr).
			Str("day", day.String()).
			Int("attempt", attempt).
			Int("max_attempts", c.opts.FilterAttempts).
			Str("class", string(failure.ClassOf(lastErr))).
			Msg("Date filter failed")
	}
	return failure.Structural("apply date filter", fmt.Errorf("%w: %v", ErrFilterExhausted, lastErr)).
		WithUnit(day.String()).
		WithDetail("attempts", c.opts.FilterAttempts)
}

// resume advances the freshly loaded list to the page after the last one
// scanned. The live page number wins over the saved counter. exhausted is
// true when the list ended before the saved page was reached.
func (c *Controller) resume(ctx context.Context) (exhausted bool, err error) {
	done := c.state.Cursor.Pages()
	target := done + 1
	skip := done

	if live, ok := livePage(ctx, c.deps.Page, c.opts.Listing); ok {
		if live >= target {
			c.alignTo(live)
			return false, nil
		}
		skip = target - live
	}
	log.Info().Int("target_page", target).Int("skip", skip).Msg("Resuming from saved progress")

	maxAttempts := skip + 3
	if maxAttempts < 5 {
		maxAttempts = 5
	}
	advanced := 0
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ok, err := c.advance(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			log.Warn().Int("target_page", target).Msg("List ended while skipping processed pages")
			return true, nil
		}
		advanced++
		if live, known := livePage(ctx, c.deps.Page, c.opts.Listing); known {
			if live >= target {
				c.alignTo(live)
				return false, nil
			}
		} else if advanced >= skip {
			return false, nil
		}
		if err := c.pace(ctx); err != nil {
			return false, err
		}
	}
	return false, failure.Structural("resume", ErrResumeFailed).
		WithUnit(c.cursorString()).
		WithDetail("target_page", target)
}

func (c *Controller) alignTo(live int) {
	if live-1 != c.state.Cursor.Pages() {
		log.Warn().
			Int("live_page", live).
			Int("saved_pages", c.state.Cursor.Pages()).
			Msg("Live page differs from checkpoint, trusting the page")
	}
	c.state.Cursor.SetPages(live - 1)
}

// advance clicks the next-page control and verifies the list re-rendered.
// It returns false, nil when there is no usable next page, including when
// the turn could not be verified within the retry budget.
func (c *Controller) advance(ctx context.Context) (bool, error) {
	p := c.deps.Page
	l := c.opts.Listing
	before := ""
	for attempt := 0; attempt < c.opts.InteractionRetries; attempt++ {
		if err := c.gate(ctx); err != nil {
			return false, err
		}
		if before != "" && signature(ctx, p, l) != before {
			return true, nil
		}

		next, ok, err := browser.FirstMatch(ctx, p, l.Next)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if failure.IsTransient(err) {
				continue
			}
			return false, failure.Structural("find next page", err).WithUnit(c.cursorString())
		}
		if !ok {
			return false, nil
		}
		on, err := enabled(ctx, p, next)
		if err != nil {
			if failure.IsTransient(err) {
				continue
			}
			return false, err
		}
		if !on {
			return false, nil
		}

		if before == "" {
			before = signature(ctx, p, l)
		}
		if err := p.Click(ctx, next); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			log.Debug().Err(err).Int("attempt", attempt+1).Msg("Next page click failed, retrying")
			if failure.IsTransient(err) {
				continue
			}
			return false, err
		}

		changed := func(ctx context.Context, p browser.Page) (bool, error) {
			return signature(ctx, p, l) != before, nil
		}
		err = browser.WaitUntil(ctx, p, changed, c.opts.PaginateTimeout)
		if err == nil {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Str("cursor", c.cursorString()).Msg("List did not change after next page")
	}
	log.Warn().Str("cursor", c.cursorString()).Msg("Pagination could not be verified, treating list as finished")
	return false, nil
}

// save writes the state. Failures are warnings until MaxSaveFailures of
// them happen in a row.
func (c *Controller) save(ctx context.Context) error {
	err := c.deps.Store.Save(ctx, c.state)
	if err == nil {
		c.saveFailures = 0
		c.flush(ctx)
		return nil
	}
	c.saveFailures++
	c.deps.Metrics.SaveFailed()
	log.Warn().
		Err(err).
		Int("consecutive", c.saveFailures).
		Msg("Checkpoint not saved, continuing in memory")
	c.flush(ctx)
	if c.opts.MaxSaveFailures > 0 && c.saveFailures >= c.opts.MaxSaveFailures {
		return failure.Persistence("checkpoint", fmt.Errorf("%w: %v", ErrTooManySaveFailures, err))
	}
	return nil
}

func (c *Controller) flush(ctx context.Context) {
	if c.deps.Sink == nil {
		return
	}
	if err := c.deps.Sink.Flush(ctx, c.state.Collected.Sorted()); err != nil {
		log.Warn().Err(err).Msg("Could not write collected links")
	}
}

func (c *Controller) finish(ctx context.Context, outcome State, cause error) Result {
	res := Result{Outcome: outcome, Err: cause, NewThisRun: c.added}
	if c.state == nil {
		return res
	}

	// The run context may already be cancelled; the last write must still land.
	saveCtx := context.WithoutCancel(ctx)
	if err := c.deps.Store.Save(saveCtx, c.state); err != nil {
		log.Error().Err(err).Msg("Final checkpoint not saved")
	}
	c.flush(saveCtx)

	if outcome == StateDone && c.opts.ClearOnDone {
		if err := c.deps.Store.Clear(saveCtx); err != nil {
			log.Warn().Err(err).Msg("Could not clear checkpoint")
		}
	}

	res.Identifiers = c.state.Collected.Sorted()
	res.Cursor = c.state.Cursor

	ev := log.Info()
	if outcome == StateFailed {
		ev = log.Error().Err(cause)
	}
	ev.Stringer("outcome", outcome).
		Int("identifiers", len(res.Identifiers)).
		Int("new", c.added).
		Str("cursor", c.state.Cursor.String()).
		Msg("Traversal finished")
	return res
}

func (c *Controller) gate(ctx context.Context) error {
	if c.deps.Gate == nil {
		return ctx.Err()
	}
	return c.deps.Gate.AwaitClear(ctx, c.deps.Page)
}

func (c *Controller) pace(ctx context.Context) error {
	if c.deps.Pacer == nil {
		return ctx.Err()
	}
	return c.deps.Pacer.Wait(ctx)
}

func (c *Controller) cursorString() string {
	if c.state == nil {
		return ""
	}
	return c.state.Cursor.String()
}
