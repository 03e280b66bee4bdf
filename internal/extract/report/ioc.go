package report

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/law-makers/harvest/internal/browser"
	"github.com/law-makers/harvest/internal/extract"
)

// IOCDetails is the content of the indicators-of-compromise modal.
type IOCDetails struct {
	TotalCount string                `json:"total_count,omitempty"`
	MainObject *IOCMainObject        `json:"main_object"`
	Sections   map[string]IOCSection `json:"sections"`
}

// IsEmpty reports whether the modal held no categories.
func (d *IOCDetails) IsEmpty() bool {
	return d.MainObject == nil && len(d.Sections) == 0
}

// IOCMainObject is the analysed sample's own category.
type IOCMainObject struct {
	Title      string     `json:"title"`
	Name       string     `json:"name"`
	Attributes []IOCEntry `json:"attributes"`
}

// IOCSection is one category of indicators, e.g. "Dangerous".
type IOCSection struct {
	Title string     `json:"title"`
	Count string     `json:"count"`
	Items []IOCEntry `json:"items"`
}

// IOCEntry is one indicator line.
type IOCEntry struct {
	Reputation     string       `json:"reputation,omitempty"`
	ReputationIcon string       `json:"reputation_icon,omitempty"`
	Type           string       `json:"type,omitempty"`
	Values         []string     `json:"values,omitempty"`
	ValueGroups    []ValueGroup `json:"value_groups,omitempty"`
}

// ValueGroup labels a run of values as a path, a hash or a plain value.
type ValueGroup struct {
	Label  string   `json:"label"`
	Values []string `json:"values"`
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// IOCExtractor opens the IOC modal and parses its categories.
type IOCExtractor struct {
	Timeout time.Duration
}

func (IOCExtractor) Name() string { return "ioc_details" }

func (IOCExtractor) Empty() interface{} {
	return &IOCDetails{Sections: map[string]IOCSection{}}
}

func (e IOCExtractor) overlay() extract.Overlay {
	return extract.Overlay{
		Name:    "ioc modal",
		Open:    browser.CSSList("[data-sm-id='info-block-options-ioc']"),
		Root:    browser.CSSList(".iocModal, .ioc-modal, .sm-modal"),
		Close:   browser.CSSList("button[aria-label='Close'], .modal__close, .sm-modal__close, .iocModal__close, .infoBlockModal__header-closeBtn"),
		Timeout: e.Timeout,
	}
}

func (e IOCExtractor) Extract(ctx context.Context, p browser.Page) (interface{}, error) {
	details := &IOCDetails{Sections: map[string]IOCSection{}}
	err := e.overlay().With(ctx, p, func(modal browser.Element) error {
		categories := func(ctx context.Context, p browser.Page) (bool, error) {
			return len(find(ctx, p, modal, ".iocModal__main-category")) > 0, nil
		}
		// The categories stream in after the modal shows; an empty modal is
		// still parsed once the wait runs out.
		_ = browser.WaitUntil(ctx, p, categories, e.Timeout)
		return parseIOCModal(ctx, p, modal, details)
	})
	if errors.Is(err, extract.ErrOverlayUnavailable) {
		return details, nil
	}
	return details, err
}

func parseIOCModal(ctx context.Context, p browser.Page, modal browser.Element, out *IOCDetails) error {
	out.TotalCount = textAt(ctx, p, modal, ".iocModal__header-totalCount")

	seen := map[string]bool{}
	for i, category := range find(ctx, p, modal, ".iocModal__main-category") {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := i + 1
		caption, hasCaption := first(ctx, p, category, ".iocCategory__caption")
		title := fmt.Sprintf("Section %d", idx)
		if hasCaption {
			title = text(ctx, p, caption)
		}
		amount := textAt(ctx, p, category, ".iocCategory__caption-amount")
		amount = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(amount, "("), ")"))

		var entries []IOCEntry
		for _, item := range find(ctx, p, category, "li.iocCategoryList-item") {
			if entry, ok := parseIOCEntry(ctx, p, item); ok {
				entries = append(entries, entry)
			}
		}
		if entries == nil {
			entries = []IOCEntry{}
		}

		if hasCaption && strings.Contains(attr(ctx, p, caption, "class"), "iocCategory__caption--main") {
			if title == "" {
				title = "Main object"
			}
			out.MainObject = &IOCMainObject{
				Title:      title,
				Name:       textAt(ctx, p, category, ".iocCategory__caption-iocName"),
				Attributes: entries,
			}
			continue
		}

		key := sectionKey(title, idx, seen)
		out.Sections[key] = IOCSection{Title: title, Count: amount, Items: entries}
	}
	return nil
}

// sectionKey slugs a caption and de-duplicates it with a numeric suffix.
func sectionKey(title string, idx int, seen map[string]bool) string {
	if title == "" {
		title = fmt.Sprintf("section_%d", idx)
	}
	key := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(title), "_"), "_")
	if key == "" {
		key = fmt.Sprintf("section_%d", idx)
	}
	base := key
	for n := 2; seen[key]; n++ {
		key = fmt.Sprintf("%s_%d", base, n)
	}
	seen[key] = true
	return key
}

func parseIOCEntry(ctx context.Context, p browser.Page, item browser.Element) (IOCEntry, bool) {
	var entry IOCEntry

	if rep, ok := first(ctx, p, item, ".iocTextWrapper__reputation"); ok {
		entry.Reputation = text(ctx, p, rep)
		if entry.Reputation == "" {
			if tips := browser.Texts(ctx, p, find(ctx, p, rep, ".tooltip-wrapper__tooltip-text")); len(tips) > 0 {
				entry.Reputation = tips[len(tips)-1]
			}
		}
		if icon, ok := first(ctx, p, rep, "use"); ok {
			ref := attr(ctx, p, icon, "xlink:href")
			if ref == "" {
				ref = attr(ctx, p, icon, "href")
			}
			entry.ReputationIcon = strings.TrimPrefix(ref, "#")
		}
	}
	entry.Type = textAt(ctx, p, item, ".iocTextWrapperItem__item--type")

	values, hasValues := first(ctx, p, item, ".iocTextWrapperItem__item--ioc")
	if hasValues {
		groups := find(ctx, p, values, ".iocTextWrapperItem__item-hashName, .iocTextWrapperItem__item-hashIoc, .iocTextWrapperItem__item-noHash")
		if len(groups) == 0 {
			groups = []browser.Element{values}
		}
		var flat []string
		for _, g := range groups {
			label := "value"
			class := attr(ctx, p, g, "class")
			switch {
			case strings.Contains(class, "hashName"):
				label = "path"
			case strings.Contains(class, "hashIoc"):
				label = "hash"
			}
			texts := browser.Texts(ctx, p, find(ctx, p, g, ".iocTextWrapperItem__item-span"))
			if len(texts) == 0 {
				if t := text(ctx, p, g); t != "" {
					texts = []string{t}
				}
			}
			if len(texts) > 0 {
				flat = append(flat, texts...)
				entry.ValueGroups = append(entry.ValueGroups, ValueGroup{Label: label, Values: texts})
			}
		}
		entry.Values = unique(flat)
	}

	empty := entry.Reputation == "" && entry.ReputationIcon == "" && entry.Type == "" && len(entry.Values) == 0
	return entry, !empty
}

func unique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
