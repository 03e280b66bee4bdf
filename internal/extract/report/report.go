// Package report extracts the sections of a sandbox analysis report page.
package report

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/law-makers/harvest/internal/browser"
	"github.com/law-makers/harvest/internal/extract"
)

var taskIDPattern = regexp.MustCompile(`/tasks/([a-f0-9-]+)`)

// TaskID returns the task identifier embedded in a report URL.
func TaskID(rawURL string) (string, bool) {
	m := taskIDPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Options tune the waits of the report extractors.
type Options struct {
	// OverlayTimeout bounds the IOC and MITRE modals opening and closing.
	OverlayTimeout time.Duration
	// MatrixTimeout bounds the wait for the MITRE matrix to fill in.
	MatrixTimeout time.Duration
	// PanelTimeout bounds the wait for a process details panel.
	PanelTimeout time.Duration
	// TabSettle is the pause after switching report tabs.
	TabSettle time.Duration
	// DeepTimeout bounds the wait for a deep analysis table to load.
	DeepTimeout time.Duration
	// DeepSettle is the pause after switching deep analysis tabs.
	DeepSettle time.Duration
}

// DefaultOptions mirrors the waits the report UI usually needs.
func DefaultOptions() Options {
	return Options{
		OverlayTimeout: 10 * time.Second,
		MatrixTimeout:  30 * time.Second,
		PanelTimeout:   4 * time.Second,
		TabSettle:      2 * time.Second,
		DeepTimeout:    8 * time.Second,
		DeepSettle:     300 * time.Millisecond,
	}
}

// Extractors returns the report sections in the order they are read.
func Extractors(opts Options) []extract.Extractor {
	return []extract.Extractor{
		GeneralInfoExtractor{},
		ProcessExtractor{PanelTimeout: opts.PanelTimeout},
		IOCExtractor{Timeout: opts.OverlayTimeout},
		MitreExtractor{Timeout: opts.OverlayTimeout, MatrixTimeout: opts.MatrixTimeout},
		DeepAnalysisExtractor{Timeout: opts.DeepTimeout, Settle: opts.DeepSettle},
		BehaviorExtractor{},
		NetworkExtractor{Settle: opts.TabSettle},
		StaticExtractor{},
	}
}

// Ready holds once the report has rendered enough text to be worth reading.
func Ready(minText int) browser.Condition {
	return func(ctx context.Context, p browser.Page) (bool, error) {
		body, ok, err := browser.FirstMatch(ctx, p, browser.CSS("body"))
		if !ok {
			return false, err
		}
		text, err := p.ReadText(ctx, body)
		if err != nil {
			return false, err
		}
		return len(strings.TrimSpace(text)) > minText, nil
	}
}

func find(ctx context.Context, p browser.Page, parent browser.Element, selector string) []browser.Element {
	var els []browser.Element
	var err error
	if parent == nil {
		els, err = p.Find(ctx, browser.CSS(selector))
	} else {
		els, err = p.FindWithin(ctx, parent, browser.CSS(selector))
	}
	if err != nil {
		return nil
	}
	return els
}

func first(ctx context.Context, p browser.Page, parent browser.Element, selector string) (browser.Element, bool) {
	els := find(ctx, p, parent, selector)
	if len(els) == 0 {
		return nil, false
	}
	return els[0], true
}

func text(ctx context.Context, p browser.Page, el browser.Element) string {
	if el == nil {
		return ""
	}
	s, err := p.ReadText(ctx, el)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func textAt(ctx context.Context, p browser.Page, parent browser.Element, selector string) string {
	el, ok := first(ctx, p, parent, selector)
	if !ok {
		return ""
	}
	return text(ctx, p, el)
}

func attr(ctx context.Context, p browser.Page, el browser.Element, name string) string {
	v, ok, err := p.ReadAttribute(ctx, el, name)
	if err != nil || !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// tooltip reads the hover text the UI stores on an element.
func tooltip(ctx context.Context, p browser.Page, el browser.Element) string {
	for _, name := range []string{"data-original-title", "title", "aria-label"} {
		if v := attr(ctx, p, el, name); v != "" && !strings.EqualFold(v, "null") {
			return v
		}
	}
	return ""
}

// labelled returns the value cell that follows a label cell, e.g. the div
// after "MIME:". XPath is only resolved by the live browser.
func labelled(ctx context.Context, p browser.Page, label string) string {
	expr := "//div[contains(text(), '" + label + "')]/following-sibling::div" +
		" | //span[contains(text(), '" + label + "')]/following-sibling::span"
	return browser.FirstText(ctx, p, browser.XPath(expr))
}
