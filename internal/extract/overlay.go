package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/law-makers/harvest/internal/browser"
	"github.com/law-makers/harvest/internal/failure"
)

// ErrOverlayUnavailable means the control that opens an overlay is not on
// the page. Extractors usually treat it as "section absent".
var ErrOverlayUnavailable = errors.New("overlay control not present")

// Overlay is a modal or panel that must be opened to read a section and
// closed again before the next extractor runs.
type Overlay struct {
	Name  string
	Open  []browser.Locator
	Root  []browser.Locator
	Close []browser.Locator
	// Timeout bounds the wait for the overlay to show and to go away.
	Timeout time.Duration
}

// With opens the overlay, calls fn with its root element and always closes
// it afterwards, falling back to Escape when no close control is visible.
func (o Overlay) With(ctx context.Context, p browser.Page, fn func(root browser.Element) error) error {
	opener, ok, err := browser.FirstMatch(ctx, p, o.Open...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if !ok {
		return fmt.Errorf("%s: %w", o.Name, ErrOverlayUnavailable)
	}
	if err := p.Click(ctx, opener); err != nil {
		return failure.Transient("open "+o.Name, err)
	}
	defer o.dismiss(ctx, p)

	if err := browser.WaitUntil(ctx, p, browser.VisibleCond(o.Root...), o.timeout()); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failure.Transient("open "+o.Name, err)
	}
	root, ok, err := browser.FirstVisible(ctx, p, o.Root...)
	if !ok {
		if err == nil {
			err = browser.ErrStaleElement
		}
		return failure.Transient("open "+o.Name, err)
	}
	return fn(root)
}

func (o Overlay) timeout() time.Duration {
	if o.Timeout <= 0 {
		return 10 * time.Second
	}
	return o.Timeout
}

// dismiss runs even when ctx is already cancelled so the page is not left
// with a modal on top.
func (o Overlay) dismiss(ctx context.Context, p browser.Page) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout())
	defer cancel()

	closed := false
	if btn, ok, _ := browser.FirstVisible(ctx, p, o.Close...); ok {
		closed = p.Click(ctx, btn) == nil
	}
	if !closed {
		if err := p.PressEscape(ctx); err != nil {
			log.Debug().Err(err).Str("overlay", o.Name).Msg("Escape failed")
		}
	}

	gone := func(ctx context.Context, p browser.Page) (bool, error) {
		_, visible, err := browser.FirstVisible(ctx, p, o.Root...)
		return !visible, err
	}
	if err := browser.WaitUntil(ctx, p, gone, o.timeout()); err != nil {
		log.Warn().Err(err).Str("overlay", o.Name).Msg("Overlay still visible after closing")
	}
}
