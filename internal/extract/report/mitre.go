package report

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/law-makers/harvest/internal/browser"
	"github.com/law-makers/harvest/internal/extract"
)

// MitreAttack is the ATT&CK matrix of a report.
type MitreAttack struct {
	Techniques     []Technique `json:"techniques"`
	Categorization []Category  `json:"categorization"`
}

// IsEmpty reports whether the matrix held nothing.
func (m *MitreAttack) IsEmpty() bool {
	return len(m.Techniques) == 0 && len(m.Categorization) == 0
}

// Technique is one matrix cell.
type Technique struct {
	Tactic         string `json:"tactic,omitempty"`
	TechniqueName  string `json:"technique_name,omitempty"`
	TechniqueID    string `json:"technique_id,omitempty"`
	IndicatorCount string `json:"indicator_count,omitempty"`
	RawText        string `json:"raw_text,omitempty"`
}

// Category is a behaviour category with its hit count.
type Category struct {
	Name   string `json:"name"`
	Amount string `json:"amount"`
}

// Tactics are the matrix columns, left to right.
var Tactics = []string{
	"Initial Access",
	"Execution",
	"Persistence",
	"Privilege Escalation",
	"Defense Evasion",
	"Credential Access",
	"Discovery",
	"Lateral Movement",
	"Collection",
	"Command and Control",
	"Exfiltration",
	"Impact",
}

var techniqueIDPattern = regexp.MustCompile(`T\d{4}(?:\.\d{3})?`)

// MitreExtractor opens the ATT&CK matrix and reads every technique cell.
type MitreExtractor struct {
	Timeout       time.Duration
	MatrixTimeout time.Duration
}

func (MitreExtractor) Name() string { return "mitre_attack" }

func (MitreExtractor) Empty() interface{} {
	return &MitreAttack{Techniques: []Technique{}, Categorization: []Category{}}
}

func (e MitreExtractor) Extract(ctx context.Context, p browser.Page) (interface{}, error) {
	out := &MitreAttack{Techniques: []Technique{}, Categorization: []Category{}}
	matrix := extract.Overlay{
		Name:    "mitre matrix",
		Open:    browser.CSSList("button[data-sm-id='info-block-options-mitre']"),
		Root:    browser.CSSList(".mitreMatrix__main-listWrapper.webkit-enabled-mitreMatrix", ".mitreMatrix__main-listWrapper"),
		Close:   browser.CSSList("button.mitreMatrix__header-closeBtn", ".mitreMatrix__header-closeBtn"),
		Timeout: e.Timeout,
	}
	err := matrix.With(ctx, p, func(root browser.Element) error {
		filled := func(ctx context.Context, p browser.Page) (bool, error) {
			return len(find(ctx, p, nil, ".main-mitre-list__item")) > 0, nil
		}
		// A matrix that never fills in is read as it is.
		_ = browser.WaitUntil(ctx, p, filled, e.MatrixTimeout)
		readMatrix(ctx, p, out)
		return ctx.Err()
	})
	if errors.Is(err, extract.ErrOverlayUnavailable) {
		return out, nil
	}
	return out, err
}

func readMatrix(ctx context.Context, p browser.Page, out *MitreAttack) {
	for _, item := range find(ctx, p, nil, ".categorization-list__item") {
		c := Category{
			Name:   textAt(ctx, p, item, ".categorization-list__item-name"),
			Amount: textAt(ctx, p, item, ".categorization-list__item-amount"),
		}
		if c.Name != "" || c.Amount != "" {
			out.Categorization = append(out.Categorization, c)
		}
	}

	columns := find(ctx, p, nil, ".main-mitre-list__item")
	if len(columns) == 0 {
		out.Techniques = append(out.Techniques, legacyTechniques(ctx, p)...)
		return
	}
	for i, column := range columns {
		tactic := fmt.Sprintf("Tactic %d", i+1)
		if i < len(Tactics) {
			tactic = Tactics[i]
		}
		for _, cell := range find(ctx, p, column, ".main-columsList__item") {
			t := Technique{
				Tactic:         tactic,
				TechniqueName:  textAt(ctx, p, cell, ".mitre-technic-item__title"),
				TechniqueID:    textAt(ctx, p, cell, ".mitre-info__technique"),
				IndicatorCount: textAt(ctx, p, cell, ".mitre-trafficLight-list__item"),
				RawText:        text(ctx, p, cell),
			}
			if t.TechniqueID == "" {
				t.TechniqueID = techniqueIDPattern.FindString(t.RawText)
			}
			if t.TechniqueName != "" || t.TechniqueID != "" || t.IndicatorCount != "" {
				out.Techniques = append(out.Techniques, t)
			}
		}
	}
}

// legacyTechniques reads the flat technique list older reports render.
func legacyTechniques(ctx context.Context, p browser.Page) []Technique {
	var out []Technique
	for _, el := range find(ctx, p, nil, ".mitre-technique, .technique-item") {
		raw := text(ctx, p, el)
		t := Technique{
			TechniqueID:   textAt(ctx, p, el, ".technique-id"),
			TechniqueName: textAt(ctx, p, el, ".technique-name"),
			Tactic:        textAt(ctx, p, el, ".tactic"),
		}
		if t.TechniqueID == "" {
			t.TechniqueID = techniqueIDPattern.FindString(raw)
		}
		if t.TechniqueName == "" {
			t.TechniqueName = raw
		}
		if t != (Technique{}) {
			out = append(out, t)
		}
	}
	return out
}
