package report

import (
	"context"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/law-makers/harvest/internal/browser"
	"github.com/law-makers/harvest/internal/ratelimit"
)

// Activity is one behaviour line.
type Activity struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Process     string `json:"process"`
}

// BehaviorExtractor reads the behaviour activity list.
type BehaviorExtractor struct{}

func (BehaviorExtractor) Name() string { return "behavior_activities" }

func (BehaviorExtractor) Empty() interface{} { return []Activity{} }

func (BehaviorExtractor) Extract(ctx context.Context, p browser.Page) (interface{}, error) {
	out := []Activity{}
	for _, el := range find(ctx, p, nil, ".behavior-item, .activity-item") {
		a := Activity{
			Description: text(ctx, p, el),
			Severity:    textAt(ctx, p, el, ".severity, .category, [class*='malicious'], [class*='suspicious']"),
			Process:     textAt(ctx, p, el, ".process-name"),
		}
		if a.Description != "" {
			out = append(out, a)
		}
	}
	return out, ctx.Err()
}

// Connection is one network connection seen during the analysis.
type Connection struct {
	IPs    []string `json:"ip,omitempty"`
	Domain string   `json:"domain,omitempty"`
	Port   string   `json:"port,omitempty"`
	Raw    string   `json:"raw_data"`
}

var (
	ipPattern     = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	domainPattern = regexp.MustCompile(`[a-zA-Z0-9-]+\.[a-zA-Z]{2,}`)
	portPattern   = regexp.MustCompile(`:(\d+)`)
)

// NetworkExtractor opens the network tab and parses each connection row.
type NetworkExtractor struct {
	// Settle is the pause after switching tabs.
	Settle time.Duration
}

func (NetworkExtractor) Name() string { return "network_data" }

func (NetworkExtractor) Empty() interface{} { return []Connection{} }

var networkTab = []browser.Locator{
	browser.CSS("button.network, button[data-sm-id*='network']"),
	browser.XPath("//button[contains(text(), 'Network')]"),
}

func (e NetworkExtractor) Extract(ctx context.Context, p browser.Page) (interface{}, error) {
	if tab, ok, _ := browser.FirstMatch(ctx, p, networkTab...); ok {
		if err := p.Click(ctx, tab); err != nil {
			log.Debug().Err(err).Msg("Network tab not clickable")
		} else if err := ratelimit.Sleep(ctx, e.Settle); err != nil {
			return []Connection{}, err
		}
	}

	out := []Connection{}
	for _, el := range find(ctx, p, nil, ".connection-item, .network-connection") {
		raw := text(ctx, p, el)
		if raw == "" {
			continue
		}
		out = append(out, ParseConnection(raw))
	}
	return out, ctx.Err()
}

// ParseConnection pulls addresses, a domain and a port out of a row's text.
func ParseConnection(raw string) Connection {
	c := Connection{
		Raw:    raw,
		IPs:    ipPattern.FindAllString(raw, -1),
		Domain: domainPattern.FindString(raw),
	}
	if m := portPattern.FindStringSubmatch(raw); m != nil {
		c.Port = m[1]
	}
	return c
}

// StaticInfo is the static analysis block.
type StaticInfo struct {
	TRiD string   `json:"trid"`
	EXIF []string `json:"exif"`
}

// IsEmpty reports whether neither TRiD nor EXIF output was present.
func (s *StaticInfo) IsEmpty() bool { return s.TRiD == "" && len(s.EXIF) == 0 }

// StaticExtractor reads TRiD and EXIF output.
type StaticExtractor struct{}

func (StaticExtractor) Name() string { return "static_info" }

func (StaticExtractor) Empty() interface{} { return &StaticInfo{EXIF: []string{}} }

func (StaticExtractor) Extract(ctx context.Context, p browser.Page) (interface{}, error) {
	info := &StaticInfo{
		TRiD: browser.FirstText(ctx, p, browser.XPath("//div[contains(text(), 'TRiD')]"), browser.CSS(".trid")),
		EXIF: browser.Texts(ctx, p, find(ctx, p, nil, "div[class*='exif']")),
	}
	return info, ctx.Err()
}
