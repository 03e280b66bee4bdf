package report

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/law-makers/harvest/internal/browser"
)

// Process is one node of the process tree with its details panel.
type Process struct {
	Position   int             `json:"position"`
	Severity   string          `json:"severity,omitempty"`
	Name       string          `json:"name,omitempty"`
	PID        string          `json:"pid,omitempty"`
	Indicators []Indicator     `json:"indicators,omitempty"`
	Details    *ProcessDetails `json:"details,omitempty"`
}

// ProcessDetails is what the panel shows after selecting a process.
type ProcessDetails struct {
	Score           string           `json:"score,omitempty"`
	Command         string           `json:"command,omitempty"`
	IndicatorGroups []IndicatorGroup `json:"indicator_groups,omitempty"`
}

// IndicatorGroup collects panel indicators by severity.
type IndicatorGroup struct {
	Category string           `json:"category"`
	Entries  []IndicatorEntry `json:"entries"`
}

// IndicatorEntry is either a MITRE reference or free text.
type IndicatorEntry struct {
	Mitre *MitreIncident `json:"mitre,omitempty"`
	Text  string         `json:"text,omitempty"`
}

// MitreIncident links a panel indicator to a technique.
type MitreIncident struct {
	TechniqueID   string   `json:"technique_id,omitempty"`
	TechniqueName string   `json:"technique_name,omitempty"`
	Incidents     []string `json:"incidents,omitempty"`
}

const processItem = ".process-tree-item"

// ProcessExtractor walks the process tree, selecting each node to read its
// details panel.
type ProcessExtractor struct {
	PanelTimeout time.Duration
}

func (ProcessExtractor) Name() string { return "process_info" }

func (ProcessExtractor) Empty() interface{} { return []Process{} }

func (e ProcessExtractor) Extract(ctx context.Context, p browser.Page) (interface{}, error) {
	processes := []Process{}
	count := len(find(ctx, p, nil, processItem))

	// Selecting a node re-renders the panel, so the list is looked up again
	// for every position.
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return processes, err
		}
		items := find(ctx, p, nil, processItem)
		if i >= len(items) {
			break
		}
		proc := e.readNode(ctx, p, items[i], i+1)

		if err := p.Click(ctx, items[i]); err != nil {
			log.Debug().Err(err).Int("position", i+1).Msg("Process node not selectable")
		} else {
			proc.Details = e.readPanel(ctx, p)
		}

		if proc.Name != "" || proc.PID != "" {
			processes = append(processes, proc)
		}
	}
	return processes, nil
}

func (e ProcessExtractor) readNode(ctx context.Context, p browser.Page, node browser.Element, position int) Process {
	proc := Process{Position: position}

	if color, ok := first(ctx, p, node, ".process-tree-item__content .process-tree-item__content-color"); ok {
		proc.Severity = severityOf(attr(ctx, p, color, "class"))
	}
	info, ok := first(ctx, p, node, ".process-tree-item-info")
	if !ok {
		return proc
	}
	proc.Name = textAt(ctx, p, info, ".process-tree-item-info__header-title-name")
	proc.PID = textAt(ctx, p, info, ".process-tree-item-info__header-pid")
	for _, li := range find(ctx, p, info, ".process-tree-item-info-indicators__list-item") {
		ind := Indicator{Label: text(ctx, p, li), Tooltip: tooltip(ctx, p, li)}
		if ind != (Indicator{}) {
			proc.Indicators = append(proc.Indicators, ind)
		}
	}
	return proc
}

func severityOf(class string) string {
	switch {
	case strings.Contains(class, "--danger"):
		return "danger"
	case strings.Contains(class, "--default"):
		return "default"
	case strings.Contains(class, "--"):
		parts := strings.Split(class, "--")
		if f := strings.Fields(parts[len(parts)-1]); len(f) > 0 {
			return f[0]
		}
		return class
	case class != "":
		return class
	}
	return "unknown"
}

func (e ProcessExtractor) readPanel(ctx context.Context, p browser.Page) *ProcessDetails {
	d := &ProcessDetails{}
	if err := browser.WaitUntil(ctx, p, browser.Present(browser.CSS(".details-block__chart-title")), e.PanelTimeout); err == nil {
		d.Score = browser.FirstText(ctx, p, browser.CSS(".details-block__chart-title"))
	}
	if cmd, ok := first(ctx, p, nil, ".process-cmd_content"); ok {
		d.Command = strings.Join(browser.Texts(ctx, p, find(ctx, p, cmd, "span")), " ")
	}

	if wrapper, ok := first(ctx, p, nil, ".details-indicators__content-wrapper"); ok {
		for _, section := range find(ctx, p, wrapper, ".details-indicators__indicator") {
			group := IndicatorGroup{Category: indicatorCategory(attr(ctx, p, section, "class"))}
			for _, item := range find(ctx, p, section, ".details-indicators__item-wrapper") {
				if entry, ok := readIndicatorEntry(ctx, p, item); ok {
					group.Entries = append(group.Entries, entry)
				}
			}
			if len(group.Entries) > 0 {
				d.IndicatorGroups = append(d.IndicatorGroups, group)
			}
		}
	}

	if d.Score == "" && d.Command == "" && len(d.IndicatorGroups) == 0 {
		return nil
	}
	return d
}

func indicatorCategory(class string) string {
	for _, c := range []string{"warning", "danger", "other"} {
		if strings.Contains(class, c) {
			return c
		}
	}
	return strings.TrimSpace(class)
}

func readIndicatorEntry(ctx context.Context, p browser.Page, item browser.Element) (IndicatorEntry, bool) {
	if block, ok := first(ctx, p, item, ".details-mitre-incidents"); ok {
		m := &MitreIncident{
			TechniqueID:   textAt(ctx, p, block, ".mitre-info__technique"),
			TechniqueName: textAt(ctx, p, block, ".mitre-info__name"),
			Incidents:     browser.Texts(ctx, p, find(ctx, p, block, ".details-mitre-incidents__item .details-incident")),
		}
		if len(m.Incidents) == 0 {
			m.Incidents = nil
		}
		if m.TechniqueID != "" || m.TechniqueName != "" || m.Incidents != nil {
			return IndicatorEntry{Mitre: m}, true
		}
	}
	if t := text(ctx, p, item); t != "" {
		return IndicatorEntry{Text: t}, true
	}
	return IndicatorEntry{}, false
}
