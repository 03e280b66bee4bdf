package report

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/law-makers/harvest/internal/browser"
	"github.com/law-makers/harvest/internal/ratelimit"
)

// HTTPRequest is one row of the HTTP requests table.
type HTTPRequest struct {
	Timeshift   string `json:"timeshift"`
	Headers     string `json:"headers,omitempty"`
	Reputation  string `json:"reputation,omitempty"`
	PID         string `json:"pid"`
	ProcessName string `json:"process_name"`
	CountryCode string `json:"country_code,omitempty"`
	URL         string `json:"url"`
	ContentSize string `json:"content_size,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Traffic is the upload/download summary of a connection.
type Traffic struct {
	Upload   string `json:"upload,omitempty"`
	Download string `json:"download,omitempty"`
	Message  string `json:"message,omitempty"`
}

// NetConnection is one row of the connections table.
type NetConnection struct {
	Timeshift   string   `json:"timeshift"`
	Protocol    string   `json:"protocol"`
	Reputation  string   `json:"reputation,omitempty"`
	PID         string   `json:"pid"`
	ProcessName string   `json:"process_name"`
	CountryCode string   `json:"country_code,omitempty"`
	IP          string   `json:"ip"`
	Port        string   `json:"port"`
	Domain      string   `json:"domain,omitempty"`
	ASN         string   `json:"asn,omitempty"`
	Traffic     *Traffic `json:"traffic,omitempty"`
}

// DNSRequest is one row of the DNS requests table.
type DNSRequest struct {
	Timeshift      string   `json:"timeshift"`
	Status         string   `json:"status,omitempty"`
	StatusClass    string   `json:"status_class,omitempty"`
	Reputation     string   `json:"reputation,omitempty"`
	ReputationIcon string   `json:"reputation_icon,omitempty"`
	Domain         string   `json:"domain,omitempty"`
	IPs            []string `json:"ips,omitempty"`
	IP             string   `json:"ip,omitempty"`
}

// Threat is one row of the network threats table.
type Threat struct {
	Timeshift   string `json:"timeshift"`
	Class       string `json:"class,omitempty"`
	ClassLevel  string `json:"class_level,omitempty"`
	PID         string `json:"pid,omitempty"`
	ProcessName string `json:"process_name,omitempty"`
	Message     string `json:"message,omitempty"`
	HasAIButton bool   `json:"has_mistral_button,omitempty"`
}

// FileSize describes the size cell of a transferred file.
type FileSize struct {
	Severity    string `json:"severity,omitempty"`
	Size        string `json:"size,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Raw         string `json:"raw,omitempty"`
}

// NetFile is one row of the files table.
type NetFile struct {
	Timeshift   string    `json:"timeshift,omitempty"`
	PID         string    `json:"pid,omitempty"`
	ProcessName string    `json:"process_name,omitempty"`
	Path        string    `json:"path,omitempty"`
	Size        *FileSize `json:"size,omitempty"`
	HasAIButton bool      `json:"has_mistral_button,omitempty"`
}

// DeepAnalysis holds the tables of the network deep analysis panel.
type DeepAnalysis struct {
	HTTPRequests []HTTPRequest   `json:"http_requests"`
	Connections  []NetConnection `json:"connections"`
	DNSRequests  []DNSRequest    `json:"dns_requests"`
	Threats      []Threat        `json:"threats"`
	Files        []NetFile       `json:"files"`
}

func newDeepAnalysis() *DeepAnalysis {
	return &DeepAnalysis{
		HTTPRequests: []HTTPRequest{},
		Connections:  []NetConnection{},
		DNSRequests:  []DNSRequest{},
		Threats:      []Threat{},
		Files:        []NetFile{},
	}
}

func (d *DeepAnalysis) IsEmpty() bool {
	return len(d.HTTPRequests) == 0 && len(d.Connections) == 0 && len(d.DNSRequests) == 0 &&
		len(d.Threats) == 0 && len(d.Files) == 0
}

// deepTab is one navigation item of the panel. The items appear in this
// order on the page.
type deepTab struct {
	container string
	rows      string
	read      func(ctx context.Context, p browser.Page, rows []browser.Element, d *DeepAnalysis)
}

var deepTabs = []deepTab{
	{"#deep-analysis-reqs-table", ".reqs-table-wrapper__table > li.reqs-table-item", readHTTPRequests},
	{"#deep-analysis-conns-table", ".conns-table-wrapper__table > li.conns-table-item", readConnections},
	{"#deep-analysis-dns-table", ".dns-table-wrapper__table > li.dns-table-item", readDNSRequests},
	{"#deep-analysis-threat-table", ".threat-table-wrapper__table > li.threat-table-item", readThreats},
	{"#deep-analysis-files-table", ".files-table-wrapper__table > li", readFiles},
}

const (
	deepNavItem = "li.deep-analysis-navigation-item"
	deepLoading = ".loading, .ar-preloader"
	deepNoData  = ".no-data"
)

// DeepAnalysisExtractor walks the deep analysis tabs and reads each table.
type DeepAnalysisExtractor struct {
	// Timeout bounds the wait for a tab's table to load.
	Timeout time.Duration
	// Settle is the pause after switching tabs.
	Settle time.Duration
}

func (DeepAnalysisExtractor) Name() string { return "deep_analysis" }

func (DeepAnalysisExtractor) Empty() interface{} { return newDeepAnalysis() }

func (e DeepAnalysisExtractor) Extract(ctx context.Context, p browser.Page) (interface{}, error) {
	out := newDeepAnalysis()
	for i, tab := range deepTabs {
		// Switching tabs re-renders the panel, so the items are found again
		// every time.
		navs := find(ctx, p, nil, deepNavItem)
		if i >= len(navs) {
			break
		}
		if err := p.Click(ctx, navs[i]); err != nil {
			log.Debug().Err(err).Str("table", tab.container).Msg("Deep analysis tab not clickable")
			continue
		}
		if err := ratelimit.Sleep(ctx, e.Settle); err != nil {
			return out, err
		}
		if err := browser.WaitUntil(ctx, p, tab.loaded, e.Timeout); err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			log.Debug().Str("table", tab.container).Msg("Deep analysis table did not finish loading")
		}

		container, ok := first(ctx, p, nil, tab.container)
		if !ok {
			continue
		}
		tab.read(ctx, p, find(ctx, p, container, tab.rows), out)
	}
	return out, ctx.Err()
}

// loaded holds once the tab's table is visible, not loading, and shows
// rows or its no-data marker.
func (t deepTab) loaded(ctx context.Context, p browser.Page) (bool, error) {
	container, ok, err := browser.FirstVisible(ctx, p, browser.CSS(t.container))
	if !ok {
		return false, err
	}
	if len(find(ctx, p, container, deepLoading)) > 0 {
		return false, nil
	}
	return len(find(ctx, p, container, t.rows)) > 0 || len(find(ctx, p, container, deepNoData)) > 0, nil
}

// cell reads a cell's text, falling back to its tooltip.
func cell(ctx context.Context, p browser.Page, row browser.Element, selector string) string {
	el, ok := first(ctx, p, row, selector)
	if !ok {
		return ""
	}
	if s := strings.Join(strings.Fields(text(ctx, p, el)), " "); s != "" {
		return s
	}
	return tooltip(ctx, p, el)
}

// plainCell is cell without the tooltip fallback.
func plainCell(ctx context.Context, p browser.Page, row browser.Element, selector string) string {
	el, ok := first(ctx, p, row, selector)
	if !ok {
		return ""
	}
	return strings.Join(strings.Fields(text(ctx, p, el)), " ")
}

func reputation(ctx context.Context, p browser.Page, row browser.Element, selector string) string {
	el, ok := first(ctx, p, row, selector)
	if !ok {
		return ""
	}
	if v := tooltip(ctx, p, el); v != "" {
		return v
	}
	return text(ctx, p, el)
}

// classWithPrefix returns the suffix of the first class token starting
// with prefix.
func classWithPrefix(ctx context.Context, p browser.Page, el browser.Element, prefix string) string {
	for _, token := range strings.Fields(attr(ctx, p, el, "class")) {
		if strings.HasPrefix(token, prefix) && len(token) > len(prefix) {
			return strings.TrimPrefix(token, prefix)
		}
	}
	return ""
}

func countryCode(ctx context.Context, p browser.Page, row browser.Element, flagCell string) string {
	if flag, ok := first(ctx, p, row, flagCell+" .flag-icon"); ok {
		return classWithPrefix(ctx, p, flag, "flag-icon-")
	}
	if _, ok := first(ctx, p, row, flagCell+" .fa-question"); ok {
		return "unknown"
	}
	return ""
}

func noData(s string) bool { return strings.EqualFold(s, "no data") }

func readHTTPRequests(ctx context.Context, p browser.Page, rows []browser.Element, d *DeepAnalysis) {
	for _, row := range rows {
		r := HTTPRequest{
			Timeshift:   cell(ctx, p, row, ".reqs-table-item__content-timeshift"),
			Headers:     plainCell(ctx, p, row, ".reqs-table-item__content-headers"),
			Reputation:  reputation(ctx, p, row, ".reqs-table-item__content-rep .col-rep"),
			PID:         cell(ctx, p, row, ".reqs-table-item__content-pid"),
			ProcessName: cell(ctx, p, row, ".reqs-table-item__content-processName"),
			CountryCode: countryCode(ctx, p, row, ".reqs-table-item__content-flag"),
			URL:         cell(ctx, p, row, ".reqs-table-item__content-url-text"),
		}
		if size, ok := first(ctx, p, row, ".reqs-table-item__content-traffic .content-traffic__size-block"); ok {
			r.ContentSize = strings.Join(strings.Fields(text(ctx, p, size)), " ")
			r.ContentType = plainCell(ctx, p, size, ".size-block__content-type")
		}
		d.HTTPRequests = append(d.HTTPRequests, r)
	}
}

func readConnections(ctx context.Context, p browser.Page, rows []browser.Element, d *DeepAnalysis) {
	for _, row := range rows {
		c := NetConnection{
			Timeshift:   cell(ctx, p, row, ".conns-table-item__content-timeshift"),
			Protocol:    cell(ctx, p, row, ".conns-table-item__content-proto"),
			Reputation:  reputation(ctx, p, row, ".conns-table-item__content-rep .col-rep"),
			PID:         cell(ctx, p, row, ".conns-table-item__content-pid"),
			ProcessName: cell(ctx, p, row, ".conns-table-item__content-processName"),
			CountryCode: countryCode(ctx, p, row, ".conns-table-item__content-flag"),
			IP:          cell(ctx, p, row, ".conns-table-item__content-ip-text"),
			Port:        cell(ctx, p, row, ".conns-table-item__content-port"),
		}
		c.Domain = cell(ctx, p, row, ".conns-table-item__content-domain .conns-table-item__content-ip-text")
		if c.Domain == "" {
			c.Domain = cell(ctx, p, row, ".conns-table-item__content-domain")
		}
		c.ASN = cell(ctx, p, row, ".conns-table-item__content-asn .conns-table-item__content-ip-text")
		if c.ASN == "" {
			c.ASN = cell(ctx, p, row, ".conns-table-item__content-asn")
		}
		if traffic, ok := first(ctx, p, row, ".conns-table-item__content-traffic"); ok {
			t := Traffic{
				Upload:   cell(ctx, p, traffic, ".content-traffic__left-upload span"),
				Download: cell(ctx, p, traffic, ".content-traffic__right span:not(.no-data)"),
				Message:  cell(ctx, p, row, ".conns-table-item__content-traffic-message"),
			}
			if noData(t.Message) {
				t.Message = ""
			}
			if t != (Traffic{}) {
				c.Traffic = &t
			}
		}
		d.Connections = append(d.Connections, c)
	}
}

var dnsStatusClasses = map[string]bool{"success": true, "warning": true, "danger": true, "error": true, "blocked": true}

func readDNSRequests(ctx context.Context, p browser.Page, rows []browser.Element, d *DeepAnalysis) {
	for _, row := range rows {
		r := DNSRequest{
			Timeshift: cell(ctx, p, row, ".dns-table-item__content-timeshift"),
			Status:    plainCell(ctx, p, row, ".dns-table-item__content-status .network-item__status"),
		}
		if wrapper, ok := first(ctx, p, row, ".dns-table-item__content-status .dns-status-wrapper"); ok {
			classes := strings.Fields(attr(ctx, p, wrapper, "class"))
			for _, token := range classes {
				if dnsStatusClasses[token] {
					r.StatusClass = token
					break
				}
			}
			if r.StatusClass == "" {
				r.StatusClass = strings.Join(classes, " ")
			}
		}
		if rep, ok := first(ctx, p, row, ".dns-table-item__content-rep .col-rep"); ok {
			r.Reputation = tooltip(ctx, p, rep)
			if r.Reputation == "" {
				if use, ok := first(ctx, p, rep, "use"); ok {
					icon := attr(ctx, p, use, "xlink:href")
					if icon == "" {
						icon = attr(ctx, p, use, "href")
					}
					r.ReputationIcon = strings.TrimPrefix(icon, "#")
				}
			}
		}
		r.Domain = cell(ctx, p, row, ".dns-table-item__content-dns .dns-table-item__content-domain-text span")
		if r.Domain == "" {
			r.Domain = cell(ctx, p, row, ".dns-table-item__content-dns")
		}
		for _, field := range find(ctx, p, row, ".dns-table-item__content-ip .network-copy-field") {
			ip := strings.Join(strings.Fields(text(ctx, p, field)), " ")
			if ip == "" {
				ip = tooltip(ctx, p, field)
			}
			if ip != "" && !strings.EqualFold(ip, "copy") && !slices.Contains(r.IPs, ip) {
				r.IPs = append(r.IPs, ip)
			}
		}
		if len(r.IPs) == 1 {
			r.IP = r.IPs[0]
		}
		d.DNSRequests = append(d.DNSRequests, r)
	}
}

func readThreats(ctx context.Context, p browser.Page, rows []browser.Element, d *DeepAnalysis) {
	for _, row := range rows {
		t := Threat{
			Timeshift: plainCell(ctx, p, row, ".threats-table-item__content-timeshift"),
			Message:   plainCell(ctx, p, row, ".threats-table-item__content-message .suricata-message"),
		}
		if wrapper, ok := first(ctx, p, row, ".threats-table-item__content-class .threat-class-wrapper"); ok {
			t.Class = text(ctx, p, wrapper)
			t.ClassLevel = classWithPrefix(ctx, p, wrapper, "threat-class-wrapper--")
		}
		if pid := plainCell(ctx, p, row, ".threats-table-item__content-pid"); !noData(pid) {
			t.PID = pid
		}
		if name := plainCell(ctx, p, row, ".threats-table-item__content-processName"); !noData(name) {
			t.ProcessName = name
		}
		_, t.HasAIButton = first(ctx, p, row, ".threats-table-item__content-message .mistralAi-button")
		if t != (Threat{}) {
			d.Threats = append(d.Threats, t)
		}
	}
}

func readFiles(ctx context.Context, p browser.Page, rows []browser.Element, d *DeepAnalysis) {
	for _, row := range rows {
		f := NetFile{
			Timeshift:   cell(ctx, p, row, ".files-table-item__content-timeshift"),
			PID:         plainCell(ctx, p, row, ".files-table-item__content-pid .col-pid-text"),
			ProcessName: plainCell(ctx, p, row, ".files-table-item__content-processName .col-processName-text"),
			Path:        plainCell(ctx, p, row, ".files-table-item__content-url-text"),
		}
		if block, ok := first(ctx, p, row, ".files-table-item__size-content"); ok {
			s := FileSize{
				Size:        cell(ctx, p, block, ".files-table-item__size-converted"),
				ContentType: cell(ctx, p, block, ".files-table-item__size-type"),
			}
			class := attr(ctx, p, block, "class")
			for _, sev := range []string{"danger", "warning", "success"} {
				if strings.Contains(class, "--"+sev) {
					s.Severity = sev
					break
				}
			}
			if s.ContentType == "" && len(find(ctx, p, block, deepNoData)) > 0 {
				s.ContentType = "no data"
			}
			if s == (FileSize{}) {
				s.Raw = strings.Join(strings.Fields(text(ctx, p, block)), " ")
			}
			if s != (FileSize{}) {
				f.Size = &s
			}
		}
		if btn, ok := first(ctx, p, row, "button[data-sm-id='deep-analysis-network-files-mistral']"); ok {
			f.HasAIButton, _ = p.Visible(ctx, btn)
		}
		if f != (NetFile{}) {
			d.Files = append(d.Files, f)
		}
	}
}
