package traverse

import (
	"context"
	"strconv"
	"strings"

	"github.com/law-makers/harvest/internal/browser"
	urlutil "github.com/law-makers/harvest/internal/utils/url"
)

// Listing locates the parts of a paginated list.
type Listing struct {
	Container   browser.Locator
	Row         browser.Locator
	RowLink     browser.Locator
	RowTime     browser.Locator
	CurrentPage browser.Locator
	Next        browser.Locator
}

// DefaultListing matches the submissions history table.
func DefaultListing() Listing {
	return Listing{
		Container:   browser.CSS(".history-table--content"),
		Row:         browser.CSS(".history-table--content__row"),
		RowLink:     browser.CSS("a"),
		RowTime:     browser.CSS(".os__time"),
		CurrentPage: browser.CSS("span.history-pagination__hidden-span"),
		Next:        browser.CSS("button.history-pagination__next.history-pagination__button.history-pagination__element"),
	}
}

// TaskLinks accepts report links and rejects the public browse pages.
func TaskLinks(u string) bool {
	return strings.Contains(u, "/tasks") && !strings.Contains(u, "/browse")
}

// pageScan is what one pass over the rows produced.
type pageScan struct {
	links    []string
	rows     int
	lastSeen string
}

func scanRows(ctx context.Context, p browser.Page, l Listing, accept func(string) bool) (pageScan, error) {
	var out pageScan
	base, err := p.CurrentLocation(ctx)
	if err != nil {
		return out, err
	}
	rows, err := p.Find(ctx, l.Row)
	if err != nil {
		return out, err
	}
	out.rows = len(rows)
	for _, row := range rows {
		if t := browser.TextWithin(ctx, p, row, l.RowTime); t != "" {
			out.lastSeen = t
		}
		links, err := p.FindWithin(ctx, row, l.RowLink)
		if err != nil {
			return out, err
		}
		for _, a := range links {
			href, ok, err := p.ReadAttribute(ctx, a, "href")
			if err != nil {
				return out, err
			}
			if !ok {
				continue
			}
			u := urlutil.Canonical(base, href)
			if u == "" || (accept != nil && !accept(u)) {
				continue
			}
			out.links = append(out.links, u)
		}
	}
	return out, nil
}

// livePage reads the page number the pagination widget shows. Only a span
// whose whole text is a positive integer counts. ok is false when no such
// span exists.
func livePage(ctx context.Context, p browser.Page, l Listing) (int, bool) {
	spans, err := p.Find(ctx, l.CurrentPage)
	if err != nil {
		return 0, false
	}
	for _, span := range spans {
		text, err := p.ReadText(ctx, span)
		if err != nil {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(text)); err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}

// signature fingerprints the rendered list so a re-render can be verified.
func signature(ctx context.Context, p browser.Page, l Listing) string {
	var sb strings.Builder
	if n, ok := livePage(ctx, p, l); ok {
		sb.WriteString(strconv.Itoa(n))
	}
	sb.WriteByte('|')
	rows, err := p.Find(ctx, l.Row)
	if err != nil {
		return sb.String()
	}
	sb.WriteString(strconv.Itoa(len(rows)))
	if len(rows) == 0 {
		return sb.String()
	}
	for _, row := range []browser.Element{rows[0], rows[len(rows)-1]} {
		if a, ok, _ := browser.FirstWithin(ctx, p, row, l.RowLink); ok {
			href, _, _ := p.ReadAttribute(ctx, a, "href")
			sb.WriteByte('|')
			sb.WriteString(href)
		}
	}
	return sb.String()
}

func enabled(ctx context.Context, p browser.Page, el browser.Element) (bool, error) {
	if _, ok, err := p.ReadAttribute(ctx, el, "disabled"); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}
	aria, ok, err := p.ReadAttribute(ctx, el, "aria-disabled")
	if err != nil {
		return false, err
	}
	if ok && strings.EqualFold(strings.TrimSpace(aria), "true") {
		return false, nil
	}
	class, _, err := p.ReadAttribute(ctx, el, "class")
	if err != nil {
		return false, err
	}
	return !strings.Contains(strings.ToLower(class), "disabled"), nil
}
