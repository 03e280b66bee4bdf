package report

import (
	"context"
	"strconv"
	"strings"

	"github.com/law-makers/harvest/internal/browser"
)

// GeneralInfo is the summary block at the top of a report.
type GeneralInfo struct {
	FileName        string      `json:"file_name"`
	TaskName        string      `json:"task_name,omitempty"`
	Verdict         string      `json:"verdict"`
	OS              string      `json:"os"`
	MD5             string      `json:"md5"`
	SHA1            string      `json:"sha1"`
	SHA256          string      `json:"sha256"`
	SSDeep          string      `json:"ssdeep"`
	MIMEType        string      `json:"mime_type"`
	Tags            []string    `json:"tags"`
	Trackers        []Tracker   `json:"trackers"`
	Indicators      []Indicator `json:"indicators"`
	IndicatorsCount string      `json:"indicators_count"`
}

// IsEmpty reports whether nothing identifying was found.
func (g *GeneralInfo) IsEmpty() bool {
	return g.FileName == "" && g.Verdict == "" && g.MD5 == "" && g.SHA256 == ""
}

// Tracker is a threat-tracker link in the summary block.
type Tracker struct {
	Label   string `json:"label,omitempty"`
	URL     string `json:"url,omitempty"`
	Tooltip string `json:"tooltip,omitempty"`
}

// Indicator is a labelled icon with its tooltip text.
type Indicator struct {
	Label   string `json:"label,omitempty"`
	Tooltip string `json:"tooltip,omitempty"`
}

var (
	nameLocators = browser.CSSList(
		"[data-sm-id='info-block-os-task-name']",
		"h1.task-info__header, .task-info__filename",
	)
	verdictLocators = browser.CSSList(
		"span.info-block-verdict__text",
		".verdict-block__verdict, .verdict",
	)
	osLocators = []browser.Locator{
		browser.CSS(".info-block-os-logo__name"),
		browser.XPath("//div[contains(text(), 'OS:')]//following-sibling::div"),
	}
	hashRows = []struct{ key, selector, label string }{
		{"md5", ".info-block-os-task-description__row-md5", "MD5"},
		{"sha1", ".info-block-os-task-description__row-sha1", "SHA1"},
		{"sha256", ".info-block-os-task-description__row-sha256", "SHA256"},
		{"ssdeep", "", "SSDEEP"},
	}
)

// GeneralInfoExtractor reads the summary block.
type GeneralInfoExtractor struct{}

func (GeneralInfoExtractor) Name() string { return "general_info" }

func (GeneralInfoExtractor) Empty() interface{} {
	return &GeneralInfo{Tags: []string{}, Trackers: []Tracker{}, Indicators: []Indicator{}}
}

func (GeneralInfoExtractor) Extract(ctx context.Context, p browser.Page) (interface{}, error) {
	info := &GeneralInfo{Tags: []string{}, Trackers: []Tracker{}, Indicators: []Indicator{}}

	info.FileName = browser.FirstText(ctx, p, nameLocators[0])
	if info.FileName != "" {
		info.TaskName = info.FileName
	} else {
		info.FileName = browser.FirstText(ctx, p, nameLocators[1:]...)
	}
	info.Verdict = browser.FirstText(ctx, p, verdictLocators...)
	info.OS = browser.FirstText(ctx, p, osLocators...)

	hashes := map[string]*string{"md5": &info.MD5, "sha1": &info.SHA1, "sha256": &info.SHA256, "ssdeep": &info.SSDeep}
	for _, h := range hashRows {
		dst := hashes[h.key]
		if h.selector != "" {
			if row, ok := first(ctx, p, nil, h.selector); ok {
				*dst = hashValue(ctx, p, row)
			}
		}
		if *dst == "" {
			*dst = labelled(ctx, p, h.label)
		}
	}
	info.MIMEType = labelled(ctx, p, "MIME")

	if box, ok := first(ctx, p, nil, ".info-block-os-tags"); ok {
		info.Tags = browser.Texts(ctx, p, find(ctx, p, box, "a"))
	} else {
		info.Tags = browser.Texts(ctx, p, find(ctx, p, nil, ".tag, .task-tag"))
	}

	if box, ok := first(ctx, p, nil, ".info-block-tracker__list"); ok {
		for _, link := range find(ctx, p, box, "a.info-block-tracker__list-item") {
			t := Tracker{
				Label:   strings.Join(strings.Fields(strings.ReplaceAll(text(ctx, p, link), ",", " ")), " "),
				URL:     attr(ctx, p, link, "href"),
				Tooltip: tooltip(ctx, p, link),
			}
			if t != (Tracker{}) {
				info.Trackers = append(info.Trackers, t)
			}
		}
	}

	if box, ok := first(ctx, p, nil, ".info-block-indicators__list"); ok {
		for _, li := range find(ctx, p, box, "li") {
			ind := Indicator{Label: text(ctx, p, li), Tooltip: tooltip(ctx, p, li)}
			if ind != (Indicator{}) {
				info.Indicators = append(info.Indicators, ind)
			}
		}
		info.IndicatorsCount = strconv.Itoa(len(info.Indicators))
	} else {
		info.IndicatorsCount = labelled(ctx, p, "Indicators")
	}

	return info, ctx.Err()
}

// hashValue joins the non-empty spans of a hash row, or falls back to the
// row's own text.
func hashValue(ctx context.Context, p browser.Page, row browser.Element) string {
	if parts := browser.Texts(ctx, p, find(ctx, p, row, "span")); len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	return text(ctx, p, row)
}
