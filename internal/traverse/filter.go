package traverse

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/law-makers/harvest/internal/browser"
	"github.com/law-makers/harvest/internal/checkpoint"
	"github.com/law-makers/harvest/internal/failure"
	"github.com/law-makers/harvest/internal/ratelimit"
)

// DateFilter narrows the list to one calendar day.
type DateFilter interface {
	Apply(ctx context.Context, p browser.Page, day checkpoint.Day) error
}

// FormDateFilter drives the history filter form: open it, set both ends of
// the range to the same day, search, and wait for the list to re-render.
type FormDateFilter struct {
	Open    []browser.Locator
	From    []browser.Locator
	To      []browser.Locator
	Search  []browser.Locator
	Listing Listing
	Layout  string
	Timeout time.Duration
	Settle  time.Duration
}

// NewFormDateFilter returns a filter for the submissions history form.
func NewFormDateFilter(timeout time.Duration) *FormDateFilter {
	return &FormDateFilter{
		Open:    browser.CSSList("#history-filterBtn"),
		From:    browser.CSSList("#dateFrom"),
		To:      browser.CSSList("#dateTo"),
		Search:  browser.CSSList("#historySearchBtn"),
		Listing: DefaultListing(),
		Layout:  "01/02/2006",
		Timeout: timeout,
		Settle:  time.Second,
	}
}

func (f *FormDateFilter) Apply(ctx context.Context, p browser.Page, day checkpoint.Day) error {
	value := day.Format(f.Layout)
	log.Debug().Str("day", day.String()).Msg("Applying date filter")

	if err := f.click(ctx, p, "filter button", f.Open); err != nil {
		return err
	}
	if err := f.fill(ctx, p, "from date", f.From, value); err != nil {
		return err
	}
	if err := f.fill(ctx, p, "to date", f.To, value); err != nil {
		return err
	}
	before := signature(ctx, p, f.Listing)
	if err := f.click(ctx, p, "search button", f.Search); err != nil {
		return err
	}
	if err := ratelimit.Sleep(ctx, f.Settle); err != nil {
		return err
	}

	present := browser.Present(f.Listing.Container)
	rerendered := func(ctx context.Context, p browser.Page) (bool, error) {
		ok, err := present(ctx, p)
		if !ok || err != nil {
			return false, err
		}
		return signature(ctx, p, f.Listing) != before, nil
	}
	err := browser.WaitUntil(ctx, p, rerendered, f.Timeout)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// Two days can render the same list, most often both empty.
	if ok, _ := present(ctx, p); ok {
		log.Debug().Str("day", day.String()).Msg("Filtered list unchanged")
		return nil
	}
	return failure.Transient("filtered list", err).WithUnit(day.String())
}

func (f *FormDateFilter) locate(ctx context.Context, p browser.Page, what string, locs []browser.Locator) (browser.Element, error) {
	if err := browser.WaitUntil(ctx, p, browser.Present(locs...), f.Timeout); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure.Structural("date filter", fmt.Errorf("%s not found: %w", what, err))
	}
	el, ok, err := browser.FirstMatch(ctx, p, locs...)
	if err != nil || !ok {
		return nil, failure.Transient("date filter", fmt.Errorf("%s vanished", what))
	}
	return el, nil
}

func (f *FormDateFilter) click(ctx context.Context, p browser.Page, what string, locs []browser.Locator) error {
	el, err := f.locate(ctx, p, what, locs)
	if err != nil {
		return err
	}
	return p.Click(ctx, el)
}

func (f *FormDateFilter) fill(ctx context.Context, p browser.Page, what string, locs []browser.Locator, value string) error {
	el, err := f.locate(ctx, p, what, locs)
	if err != nil {
		return err
	}
	return p.SendKeys(ctx, el, value)
}
