package report

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/law-makers/harvest/internal/browser"
	"github.com/law-makers/harvest/internal/browser/replay"
	"github.com/law-makers/harvest/internal/extract"
	"github.com/law-makers/harvest/pkg/models"
)

func init() {
	browser.DefaultPollInterval = time.Millisecond
}

const reportURL = "https://site.test/tasks/5f1c0d2e-aa10-4b7e-9e55-0c1f2a3b4c5d"

const reportPage = `<html><body>
<div class="task-info">
  <span data-sm-id="info-block-os-task-name">invoice.exe</span>
  <span class="info-block-verdict__text">Malicious activity</span>
  <span class="info-block-os-logo__name">Windows 10 Professional</span>
  <div class="info-block-os-task-description__row-md5"><span>MD5:</span><span>5d41402abc4b2a76b9719d911017c592</span></div>
  <div class="info-block-os-task-description__row-sha256"><span>SHA256:</span><span>2cf24dba5fb0a30e26e83b2ac5b9e29e</span></div>
  <div class="info-block-os-tags"><a>trojan</a><a>stealer</a><a> </a></div>
  <div class="info-block-tracker__list">
    <a class="info-block-tracker__list-item" href="https://site.test/malware-trends/agenttesla" data-original-title="AgentTesla">Agent,Tesla</a>
  </div>
  <ul class="info-block-indicators__list">
    <li title="Connects to the network">net</li>
    <li data-original-title="null"></li>
  </ul>
  <button data-sm-id="info-block-options-ioc" data-reveal=".iocModal">IOC</button>
  <button data-sm-id="info-block-options-mitre" data-reveal=".mitreMatrix">ATT&amp;CK</button>
</div>

<div class="process-tree">
  <div class="process-tree-item" data-pid="100">
    <div class="process-tree-item__content"><span class="process-tree-item__content-color process-tree-item__content-color--danger"></span></div>
    <div class="process-tree-item-info">
      <span class="process-tree-item-info__header-title-name">invoice.exe</span>
      <span class="process-tree-item-info__header-pid">100</span>
      <ul><li class="process-tree-item-info-indicators__list-item" title="Drops executable">exe</li></ul>
    </div>
  </div>
  <div class="process-tree-item" data-pid="200">
    <div class="process-tree-item__content"><span class="process-tree-item__content-color process-tree-item__content-color--default"></span></div>
    <div class="process-tree-item-info">
      <span class="process-tree-item-info__header-title-name">cmd.exe</span>
      <span class="process-tree-item-info__header-pid">200</span>
    </div>
  </div>
  <div class="process-tree-item"><div class="process-tree-item__content"></div></div>
</div>
<div id="panel"></div>

<div class="iocModal" hidden>
  <span class="iocModal__header-totalCount">4</span>
  <div class="iocModal__main-category">
    <div class="iocCategory__caption iocCategory__caption--main">Main object <span class="iocCategory__caption-iocName">invoice.exe</span></div>
    <ul><li class="iocCategoryList-item">
      <div class="iocTextWrapper__reputation"><svg><use href="#malicious"></use></svg></div>
      <span class="iocTextWrapperItem__item--type">SHA256</span>
      <div class="iocTextWrapperItem__item--ioc"><div class="iocTextWrapperItem__item-hashIoc"><span class="iocTextWrapperItem__item-span">2cf24dba</span></div></div>
    </li></ul>
  </div>
  <div class="iocModal__main-category">
    <div class="iocCategory__caption">Dangerous <span class="iocCategory__caption-amount">(2)</span></div>
    <ul>
      <li class="iocCategoryList-item">
        <span class="iocTextWrapperItem__item--type">IP</span>
        <div class="iocTextWrapperItem__item--ioc"><span class="iocTextWrapperItem__item-span">203.0.113.9</span><span class="iocTextWrapperItem__item-span">203.0.113.9</span></div>
      </li>
      <li class="iocCategoryList-item"></li>
    </ul>
  </div>
  <div class="iocModal__main-category">
    <div class="iocCategory__caption">Dangerous <span class="iocCategory__caption-amount">(2)</span></div>
  </div>
  <button class="iocModal__close" data-remove=".iocModal">x</button>
</div>

<div class="mitreMatrix" hidden>
  <button class="mitreMatrix__header-closeBtn" data-remove=".mitreMatrix">x</button>
  <ul><li class="categorization-list__item"><span class="categorization-list__item-name">Execution</span><span class="categorization-list__item-amount">3</span></li></ul>
  <div class="mitreMatrix__main-listWrapper">
    <div class="main-mitre-list__item"></div>
    <div class="main-mitre-list__item">
      <div class="main-columsList__item"><span class="mitre-technic-item__title">Command and Scripting Interpreter</span><span class="mitre-info__technique">T1059</span><span class="mitre-trafficLight-list__item">2</span></div>
      <div class="main-columsList__item"><span>Windows Management Instrumentation T1047</span></div>
    </div>
  </div>
</div>

<div class="behavior-item"><span class="severity">malicious</span> Drops executable <span class="process-name">invoice.exe</span></div>
<button class="network">Network</button>
<div class="connection-item">TCP connect evil.com:443</div>
<div class="connection-item">UDP 198.51.100.7:53</div>
<div class="trid">TRiD: Win64 Executable (generic)</div>
<div class="exif-block">ImageFileSize 2048</div>
</body></html>`

var panels = map[string]string{
	"100": `<div class="details-block__chart-title">100/100</div>
<div class="process-cmd_content"><span>invoice.exe</span><span>/silent</span></div>
<div class="details-indicators__content-wrapper">
  <div class="details-indicators__indicator details-indicators__indicator--danger">
    <div class="details-indicators__item-wrapper">
      <div class="details-mitre-incidents">
        <span class="mitre-info__technique">T1059</span><span class="mitre-info__name">Command Interpreter</span>
        <div class="details-mitre-incidents__item"><span class="details-incident">Starts CMD</span></div>
      </div>
    </div>
    <div class="details-indicators__item-wrapper">Reads the machine GUID</div>
  </div>
</div>`,
	"200": `<div class="process-cmd_content"><span>cmd.exe</span><span>/c</span><span>whoami</span></div>`,
}

func testOptions() Options {
	return Options{
		OverlayTimeout: 50 * time.Millisecond,
		MatrixTimeout:  20 * time.Millisecond,
		PanelTimeout:   20 * time.Millisecond,
		DeepTimeout:    50 * time.Millisecond,
	}
}

func newReportPage(t *testing.T, doc string) *replay.Page {
	t.Helper()
	p := replay.New(map[string]string{reportURL: doc})
	require.NoError(t, p.Show(reportURL))
	p.SetHooks(replay.Hooks{OnClick: func(p *replay.Page, el *replay.Element) (bool, error) {
		pid, ok := el.Attr("data-pid")
		if !el.Is(".process-tree-item") || !ok {
			return false, nil
		}
		p.Mutate(func(doc *goquery.Document) { doc.Find("#panel").SetHtml(panels[pid]) })
		return true, nil
	}})
	return p
}

func run(t *testing.T, p browser.Page, e extract.Extractor) interface{} {
	t.Helper()
	out, err := e.Extract(context.Background(), p)
	require.NoError(t, err)
	return out
}

func TestGeneralInfo(t *testing.T) {
	info := run(t, newReportPage(t, reportPage), GeneralInfoExtractor{}).(*GeneralInfo)

	assert.Equal(t, "invoice.exe", info.FileName)
	assert.Equal(t, "invoice.exe", info.TaskName)
	assert.Equal(t, "Malicious activity", info.Verdict)
	assert.Equal(t, "Windows 10 Professional", info.OS)
	assert.Equal(t, "MD5: 5d41402abc4b2a76b9719d911017c592", info.MD5)
	assert.Equal(t, "SHA256: 2cf24dba5fb0a30e26e83b2ac5b9e29e", info.SHA256)
	assert.Empty(t, info.SHA1)
	assert.Equal(t, []string{"trojan", "stealer"}, info.Tags)
	assert.Equal(t, []Tracker{{Label: "Agent Tesla", URL: "https://site.test/malware-trends/agenttesla", Tooltip: "AgentTesla"}}, info.Trackers)
	assert.Equal(t, []Indicator{{Label: "net", Tooltip: "Connects to the network"}}, info.Indicators)
	assert.Equal(t, "1", info.IndicatorsCount)
}

func TestProcessTree(t *testing.T) {
	procs := run(t, newReportPage(t, reportPage), ProcessExtractor{PanelTimeout: 20 * time.Millisecond}).([]Process)

	require.Len(t, procs, 2, "nodes without name or pid are dropped")
	first := procs[0]
	assert.Equal(t, 1, first.Position)
	assert.Equal(t, "danger", first.Severity)
	assert.Equal(t, "invoice.exe", first.Name)
	assert.Equal(t, "100", first.PID)
	assert.Equal(t, []Indicator{{Label: "exe", Tooltip: "Drops executable"}}, first.Indicators)
	require.NotNil(t, first.Details)
	assert.Equal(t, "100/100", first.Details.Score)
	assert.Equal(t, "invoice.exe /silent", first.Details.Command)
	require.Len(t, first.Details.IndicatorGroups, 1)
	group := first.Details.IndicatorGroups[0]
	assert.Equal(t, "danger", group.Category)
	require.Len(t, group.Entries, 2)
	assert.Equal(t, &MitreIncident{TechniqueID: "T1059", TechniqueName: "Command Interpreter", Incidents: []string{"Starts CMD"}}, group.Entries[0].Mitre)
	assert.Equal(t, "Reads the machine GUID", group.Entries[1].Text)

	second := procs[1]
	assert.Equal(t, "default", second.Severity)
	require.NotNil(t, second.Details)
	assert.Empty(t, second.Details.Score)
	assert.Equal(t, "cmd.exe /c whoami", second.Details.Command)
}

func TestIOCModal(t *testing.T) {
	p := newReportPage(t, reportPage)
	ioc := run(t, p, IOCExtractor{Timeout: 50 * time.Millisecond}).(*IOCDetails)

	assert.Equal(t, "4", ioc.TotalCount)
	require.NotNil(t, ioc.MainObject)
	assert.Equal(t, "invoice.exe", ioc.MainObject.Name)
	require.Len(t, ioc.MainObject.Attributes, 1)
	main := ioc.MainObject.Attributes[0]
	assert.Equal(t, "malicious", main.ReputationIcon)
	assert.Equal(t, "SHA256", main.Type)
	assert.Equal(t, []string{"2cf24dba"}, main.Values)
	assert.Equal(t, []ValueGroup{{Label: "hash", Values: []string{"2cf24dba"}}}, main.ValueGroups)

	require.Contains(t, ioc.Sections, "dangerous_2")
	require.Contains(t, ioc.Sections, "dangerous_2_2", "repeated captions get a suffix")
	dangerous := ioc.Sections["dangerous_2"]
	assert.Equal(t, "2", dangerous.Count)
	require.Len(t, dangerous.Items, 1, "empty list items are dropped")
	assert.Equal(t, []string{"203.0.113.9"}, dangerous.Items[0].Values)
	assert.Empty(t, ioc.Sections["dangerous_2_2"].Items)

	els, err := p.Find(context.Background(), browser.CSS(".iocModal"))
	require.NoError(t, err)
	assert.Empty(t, els, "the modal is closed before returning")
}

func TestMitreMatrix(t *testing.T) {
	p := newReportPage(t, reportPage)
	m := run(t, p, MitreExtractor{Timeout: 50 * time.Millisecond, MatrixTimeout: 20 * time.Millisecond}).(*MitreAttack)

	assert.Equal(t, []Category{{Name: "Execution", Amount: "3"}}, m.Categorization)
	require.Len(t, m.Techniques, 2)
	assert.Equal(t, "Execution", m.Techniques[0].Tactic)
	assert.Equal(t, "Command and Scripting Interpreter", m.Techniques[0].TechniqueName)
	assert.Equal(t, "T1059", m.Techniques[0].TechniqueID)
	assert.Equal(t, "2", m.Techniques[0].IndicatorCount)
	assert.Equal(t, "T1047", m.Techniques[1].TechniqueID, "id recovered from the cell text")

	els, err := p.Find(context.Background(), browser.CSS(".mitreMatrix"))
	require.NoError(t, err)
	assert.Empty(t, els)
}

func TestBehaviorNetworkStatic(t *testing.T) {
	p := newReportPage(t, reportPage)

	acts := run(t, p, BehaviorExtractor{}).([]Activity)
	assert.Equal(t, []Activity{{Severity: "malicious", Description: "malicious Drops executable invoice.exe", Process: "invoice.exe"}}, acts)

	conns := run(t, p, NetworkExtractor{}).([]Connection)
	require.Len(t, conns, 2)
	assert.Equal(t, "evil.com", conns[0].Domain)
	assert.Equal(t, "443", conns[0].Port)
	assert.Equal(t, []string{"198.51.100.7"}, conns[1].IPs)
	assert.Equal(t, "53", conns[1].Port)

	static := run(t, p, StaticExtractor{}).(*StaticInfo)
	assert.Equal(t, "TRiD: Win64 Executable (generic)", static.TRiD)
	assert.Equal(t, []string{"ImageFileSize 2048"}, static.EXIF)
}

func TestFullReportRecord(t *testing.T) {
	p := newReportPage(t, reportPage)
	pl, err := extract.NewPipeline(nil, Extractors(testOptions())...)
	require.NoError(t, err)

	id, ok := TaskID(reportURL)
	require.True(t, ok)
	rec, err := pl.Run(context.Background(), p, id, reportURL)
	require.NoError(t, err)

	assert.Equal(t, "5f1c0d2e-aa10-4b7e-9e55-0c1f2a3b4c5d", rec.Identifier)
	assert.Equal(t, []string{"general_info", "process_info", "ioc_details", "mitre_attack", "deep_analysis", "behavior_activities", "network_data", "static_info"}, pl.Names())
	assert.Empty(t, rec.Failed())

	b, err := json.Marshal(rec)
	require.NoError(t, err)
	var back models.Record
	require.NoError(t, json.Unmarshal(b, &back))
	var gi GeneralInfo
	require.NoError(t, back.Decode("general_info", &gi))
	assert.Equal(t, "Malicious activity", gi.Verdict)
}

func TestBlankReportYieldsDefaults(t *testing.T) {
	p := newReportPage(t, `<html><body><p>Loading</p></body></html>`)
	pl, err := extract.NewPipeline(nil, Extractors(testOptions())...)
	require.NoError(t, err)

	rec, err := pl.Run(context.Background(), p, "abc", "https://site.test/tasks/abc")
	require.NoError(t, err)
	require.Len(t, rec.Sections, 8)
	assert.Empty(t, rec.Failed(), "absent sections are empty, not failed")

	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"process_info":[]`)
	assert.Contains(t, string(b), `"ioc_details":{"main_object":null,"sections":{}}`)
	assert.Contains(t, string(b), `"deep_analysis":{"http_requests":[],"connections":[],"dns_requests":[],"threats":[],"files":[]}`)
}

func TestTaskID(t *testing.T) {
	tests := []struct {
		url  string
		want string
		ok   bool
	}{
		{reportURL, "5f1c0d2e-aa10-4b7e-9e55-0c1f2a3b4c5d", true},
		{"https://site.test/tasks/abc123/", "abc123", true},
		{"https://site.test/browse/abc123", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := TaskID(tt.url)
		assert.Equal(t, tt.want, got, tt.url)
		assert.Equal(t, tt.ok, ok, tt.url)
	}
}

func TestReady(t *testing.T) {
	full := newReportPage(t, reportPage)
	ok, err := Ready(100)(context.Background(), full)
	require.NoError(t, err)
	assert.True(t, ok)

	blank := newReportPage(t, `<html><body><p>Loading</p></body></html>`)
	ok, err = Ready(100)(context.Background(), blank)
	require.NoError(t, err)
	assert.False(t, ok)
}

// deepPage keeps every table hidden until its tab is clicked.
const deepPage = `<html><body>
<ul class="deep-analysis-navigation">
  <li class="deep-analysis-navigation-item" data-reveal="#deep-analysis-reqs-table">HTTP</li>
  <li class="deep-analysis-navigation-item" data-reveal="#deep-analysis-conns-table">Connections</li>
  <li class="deep-analysis-navigation-item" data-reveal="#deep-analysis-dns-table">DNS</li>
  <li class="deep-analysis-navigation-item" data-reveal="#deep-analysis-threat-table">Threats</li>
  <li class="deep-analysis-navigation-item" data-reveal="#deep-analysis-files-table">Files</li>
</ul>

<div id="deep-analysis-reqs-table" hidden><ul class="reqs-table-wrapper__table">
  <li class="reqs-table-item">
    <span class="reqs-table-item__content-timeshift">1520 ms</span>
    <span class="reqs-table-item__content-rep"><span class="col-rep" data-original-title="malicious"></span></span>
    <span class="reqs-table-item__content-pid">100</span>
    <span class="reqs-table-item__content-processName">invoice.exe</span>
    <span class="reqs-table-item__content-flag"><span class="flag-icon flag-icon-nl"></span></span>
    <span class="reqs-table-item__content-url-text">http://evil.test/gate.php</span>
    <div class="reqs-table-item__content-traffic"><div class="content-traffic__size-block">12 Kb <span class="size-block__content-type">text/html</span></div></div>
  </li>
</ul></div>

<div id="deep-analysis-conns-table" hidden><ul class="conns-table-wrapper__table">
  <li class="conns-table-item">
    <span class="conns-table-item__content-timeshift">1600 ms</span>
    <span class="conns-table-item__content-proto">TCP</span>
    <span class="conns-table-item__content-pid">100</span>
    <span class="conns-table-item__content-processName">invoice.exe</span>
    <span class="conns-table-item__content-flag"><i class="fa fa-question"></i></span>
    <span class="conns-table-item__content-ip"><span class="conns-table-item__content-ip-text">203.0.113.9</span></span>
    <span class="conns-table-item__content-port">443</span>
    <span class="conns-table-item__content-domain"><span class="conns-table-item__content-ip-text">evil.test</span></span>
    <span class="conns-table-item__content-asn">AS64500 Example</span>
    <div class="conns-table-item__content-traffic">
      <div class="content-traffic__left-upload"><span>2 Kb</span></div>
      <div class="content-traffic__right"><span class="no-data">no data</span></div>
      <span class="conns-table-item__content-traffic-message">No data</span>
    </div>
  </li>
</ul></div>

<div id="deep-analysis-dns-table" hidden><ul class="dns-table-wrapper__table">
  <li class="dns-table-item">
    <span class="dns-table-item__content-timeshift">1400 ms</span>
    <div class="dns-table-item__content-status"><div class="dns-status-wrapper success"><span class="network-item__status">NOERROR</span></div></div>
    <span class="dns-table-item__content-rep"><span class="col-rep" data-original-title="null"><svg><use href="#suspicious"></use></svg></span></span>
    <div class="dns-table-item__content-dns"><div class="dns-table-item__content-domain-text"><span>evil.test</span></div></div>
    <div class="dns-table-item__content-ip">
      <span class="network-copy-field">203.0.113.9</span>
      <span class="network-copy-field">203.0.113.9</span>
      <span class="network-copy-field">copy</span>
    </div>
  </li>
</ul></div>

<div id="deep-analysis-threat-table" hidden><ul class="threat-table-wrapper__table"></ul><div class="no-data">No threats</div></div>

<div id="deep-analysis-files-table" hidden><ul class="files-table-wrapper__table">
  <li>
    <span class="files-table-item__content-pid"><span class="col-pid-text">100</span></span>
    <span class="files-table-item__content-processName"><span class="col-processName-text">invoice.exe</span></span>
    <span class="files-table-item__content-url-text">http://evil.test/payload.bin</span>
    <div class="files-table-item__size-content files-table-item__size-content--danger">
      <span class="files-table-item__size-converted">88 Kb</span>
      <span class="files-table-item__size-type">executable</span>
    </div>
  </li>
</ul></div>
</body></html>`

func TestDeepAnalysisReadsEveryTab(t *testing.T) {
	p := newReportPage(t, deepPage)
	d := run(t, p, DeepAnalysisExtractor{Timeout: 50 * time.Millisecond}).(*DeepAnalysis)

	assert.Equal(t, 5, p.Clicks())
	assert.False(t, d.IsEmpty())

	require.Len(t, d.HTTPRequests, 1)
	assert.Equal(t, HTTPRequest{
		Timeshift:   "1520 ms",
		Reputation:  "malicious",
		PID:         "100",
		ProcessName: "invoice.exe",
		CountryCode: "nl",
		URL:         "http://evil.test/gate.php",
		ContentSize: "12 Kb text/html",
		ContentType: "text/html",
	}, d.HTTPRequests[0])

	require.Len(t, d.Connections, 1)
	c := d.Connections[0]
	assert.Equal(t, "TCP", c.Protocol)
	assert.Equal(t, "unknown", c.CountryCode)
	assert.Equal(t, "203.0.113.9", c.IP)
	assert.Equal(t, "443", c.Port)
	assert.Equal(t, "evil.test", c.Domain)
	assert.Equal(t, "AS64500 Example", c.ASN)
	assert.Equal(t, &Traffic{Upload: "2 Kb"}, c.Traffic)

	require.Len(t, d.DNSRequests, 1)
	dns := d.DNSRequests[0]
	assert.Equal(t, "NOERROR", dns.Status)
	assert.Equal(t, "success", dns.StatusClass)
	assert.Empty(t, dns.Reputation)
	assert.Equal(t, "suspicious", dns.ReputationIcon)
	assert.Equal(t, "evil.test", dns.Domain)
	assert.Equal(t, []string{"203.0.113.9"}, dns.IPs)
	assert.Equal(t, "203.0.113.9", dns.IP)

	assert.Empty(t, d.Threats)

	require.Len(t, d.Files, 1)
	assert.Equal(t, NetFile{
		PID:         "100",
		ProcessName: "invoice.exe",
		Path:        "http://evil.test/payload.bin",
		Size:        &FileSize{Severity: "danger", Size: "88 Kb", ContentType: "executable"},
	}, d.Files[0])
}

func TestDeepAnalysisWithoutPanel(t *testing.T) {
	p := newReportPage(t, reportPage)
	d := run(t, p, DeepAnalysisExtractor{Timeout: 20 * time.Millisecond}).(*DeepAnalysis)
	assert.True(t, d.IsEmpty())
	assert.Equal(t, 0, p.Clicks())
}
