// Package browser defines the page capability the crawler needs from a browser
// and a chromedp-backed implementation of it.
//
// Everything above this package talks to a Page. The chromedp Session drives a
// real Chrome tab; the replay subpackage serves recorded HTML for tests.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// interactionError marks driver errors that are worth retrying in place.
type interactionError string

func (e interactionError) Error() string   { return string(e) }
func (e interactionError) Transient() bool { return true }

var (
	// ErrStaleElement is returned when an element handle no longer refers to
	// the rendered document (the page re-rendered between lookup and use).
	ErrStaleElement error = interactionError("stale element reference")
	// ErrInteraction is returned when a click or key press was intercepted.
	ErrInteraction error = interactionError("element interaction failed")
	// ErrTimeout is returned when a bounded wait ran out.
	ErrTimeout error = interactionError("timed out waiting for page condition")
	// ErrUnsupportedLocator is returned by ports that cannot resolve a strategy.
	ErrUnsupportedLocator = errors.New("unsupported locator strategy")
)

// Strategy selects how a Locator value is interpreted.
type Strategy string

const (
	ByCSS   Strategy = "css"
	ByXPath Strategy = "xpath"
)

// Locator identifies elements on a page.
type Locator struct {
	By    Strategy
	Value string
}

// CSS returns a CSS selector locator.
func CSS(selector string) Locator { return Locator{By: ByCSS, Value: selector} }

// XPath returns an XPath locator.
func XPath(expr string) Locator { return Locator{By: ByXPath, Value: expr} }

func (l Locator) String() string {
	return string(l.By) + "=" + l.Value
}

// CSSList converts selectors into an ordered list of CSS locators.
func CSSList(selectors ...string) []Locator {
	out := make([]Locator, 0, len(selectors))
	for _, s := range selectors {
		out = append(out, CSS(s))
	}
	return out
}

// Element is an opaque handle resolved by a Page. A handle is only meaningful
// to the Page that produced it and may go stale when the page re-renders.
type Element interface {
	Describe() string
}

// Page is the set of browser capabilities the crawler depends on.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// Find returns every element matching loc. No match is an empty slice, not an error.
	Find(ctx context.Context, loc Locator) ([]Element, error)
	FindWithin(ctx context.Context, parent Element, loc Locator) ([]Element, error)
	Click(ctx context.Context, el Element) error
	// ClickAt dispatches a synthetic click at a viewport coordinate.
	ClickAt(ctx context.Context, x, y float64) error
	SendKeys(ctx context.Context, el Element, text string) error
	PressEscape(ctx context.Context) error
	ReadText(ctx context.Context, el Element) (string, error)
	// ReadAttribute reports ok=false when the attribute is absent.
	ReadAttribute(ctx context.Context, el Element, name string) (value string, ok bool, err error)
	Visible(ctx context.Context, el Element) (bool, error)
	CurrentLocation(ctx context.Context) (string, error)
	// Content returns the serialized document.
	Content(ctx context.Context) (string, error)
}

// FirstMatch walks locators in order and returns the first element found.
// Lookup errors on one locator fall through to the next; the last error is
// only returned when nothing matched at all.
func FirstMatch(ctx context.Context, p Page, locators ...Locator) (Element, bool, error) {
	var lastErr error
	for _, loc := range locators {
		els, err := p.Find(ctx, loc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			lastErr = err
			continue
		}
		if len(els) > 0 {
			return els[0], true, nil
		}
	}
	return nil, false, lastErr
}

// FirstVisible is FirstMatch restricted to elements currently visible.
func FirstVisible(ctx context.Context, p Page, locators ...Locator) (Element, bool, error) {
	var lastErr error
	for _, loc := range locators {
		els, err := p.Find(ctx, loc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			lastErr = err
			continue
		}
		for _, el := range els {
			ok, err := p.Visible(ctx, el)
			if err != nil {
				lastErr = err
				continue
			}
			if ok {
				return el, true, nil
			}
		}
	}
	return nil, false, lastErr
}

// FirstWithin is FirstMatch scoped to the subtree of parent.
func FirstWithin(ctx context.Context, p Page, parent Element, locators ...Locator) (Element, bool, error) {
	var lastErr error
	for _, loc := range locators {
		els, err := p.FindWithin(ctx, parent, loc)
		if err != nil {
			lastErr = err
			continue
		}
		if len(els) > 0 {
			return els[0], true, nil
		}
	}
	return nil, false, lastErr
}

// FirstText returns the trimmed text of the first locator that resolves to a
// non-empty string, or "" when none does.
func FirstText(ctx context.Context, p Page, locators ...Locator) string {
	for _, loc := range locators {
		els, err := p.Find(ctx, loc)
		if err != nil || len(els) == 0 {
			continue
		}
		text, err := p.ReadText(ctx, els[0])
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	return ""
}

// TextWithin returns the trimmed text of the first match of loc under parent.
func TextWithin(ctx context.Context, p Page, parent Element, loc Locator) string {
	el, ok, _ := FirstWithin(ctx, p, parent, loc)
	if !ok {
		return ""
	}
	text, err := p.ReadText(ctx, el)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

// Texts reads the trimmed, non-empty text of every element.
func Texts(ctx context.Context, p Page, els []Element) []string {
	out := make([]string, 0, len(els))
	for _, el := range els {
		text, err := p.ReadText(ctx, el)
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// Condition is evaluated repeatedly by WaitUntil.
type Condition func(ctx context.Context, p Page) (bool, error)

// DefaultPollInterval is how often WaitUntil re-evaluates its condition.
var DefaultPollInterval = 250 * time.Millisecond

// WaitUntil polls cond until it holds or timeout elapses. Transient condition
// errors count as "not yet"; anything else is returned immediately.
func WaitUntil(ctx context.Context, p Page, cond Condition, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	for {
		ok, err := cond(ctx, p)
		if err != nil && !isTransient(err) {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("after %s: %w", timeout, ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Present holds once any locator resolves to at least one element.
func Present(locators ...Locator) Condition {
	return func(ctx context.Context, p Page) (bool, error) {
		_, ok, err := FirstMatch(ctx, p, locators...)
		if ok {
			return true, nil
		}
		return false, err
	}
}

// VisibleCond holds once any locator resolves to a visible element.
func VisibleCond(locators ...Locator) Condition {
	return func(ctx context.Context, p Page) (bool, error) {
		_, ok, err := FirstVisible(ctx, p, locators...)
		if ok {
			return true, nil
		}
		return false, err
	}
}

func isTransient(err error) bool {
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}
