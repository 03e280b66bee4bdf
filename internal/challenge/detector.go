// Package challenge detects bot-verification interstitials and holds the
// traversal until one is cleared.
package challenge

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/law-makers/harvest/internal/browser"
)

// DefaultTextPatterns match the body text of a challenge page. Every phrase
// of a pattern must appear, compared case-insensitively. "Suspicious
// activity" alone is a normal verdict label and must not match.
var DefaultTextPatterns = [][]string{
	{"we noticed", "requests"},
	{"confirm that you are not a bot"},
}

// DefaultLocators match the visible widgets of known challenge providers.
var DefaultLocators = browser.CSSList(
	"form#challenge-form, div#cf-spinner, div[class*='cf-challenge'], div[class*='botcheck']",
	"iframe[src*='challenge'], iframe[src*='turnstile'], iframe[id*='cf-chl'], iframe[title*='challenge']",
)

// Detector decides whether the current page is a challenge.
type Detector struct {
	TextPatterns [][]string
	Locators     []browser.Locator
}

// NewDetector returns a detector with the default patterns plus extra CSS
// selectors.
func NewDetector(extra ...string) *Detector {
	locs := append([]browser.Locator(nil), DefaultLocators...)
	for _, s := range extra {
		if s = strings.TrimSpace(s); s != "" {
			locs = append(locs, browser.CSS(s))
		}
	}
	return &Detector{TextPatterns: DefaultTextPatterns, Locators: locs}
}

// Detect reports whether a challenge is showing. Lookup failures count as
// "not present"; only context errors are returned.
func (d *Detector) Detect(ctx context.Context, p browser.Page) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	body := strings.ToLower(browser.FirstText(ctx, p, browser.CSS("body")))
	for _, pattern := range d.TextPatterns {
		if len(pattern) > 0 && containsAll(body, pattern) {
			log.Debug().Strs("pattern", pattern).Msg("Challenge text matched")
			return true, nil
		}
	}

	el, ok, err := browser.FirstVisible(ctx, p, d.Locators...)
	if err != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	if ok {
		log.Debug().Str("element", el.Describe()).Msg("Challenge widget visible")
		return true, nil
	}
	return false, nil
}

func containsAll(s string, parts []string) bool {
	for _, part := range parts {
		if !strings.Contains(s, strings.ToLower(part)) {
			return false
		}
	}
	return true
}
