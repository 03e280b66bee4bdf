package output

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/law-makers/harvest/internal/browser/replay"
	"github.com/law-makers/harvest/internal/failure"
	"github.com/law-makers/harvest/pkg/models"
)

func sampleRecord(id, verdict string, techniques ...string) *models.Record {
	var techs []map[string]string
	for _, t := range techniques {
		techs = append(techs, map[string]string{"technique_id": t})
	}
	return &models.Record{
		Identifier:    id,
		SourceLocator: "https://app.any.run/tasks/" + id,
		ExtractedAt:   time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		Sections: []models.Section{
			{Name: "general_info", Payload: map[string]interface{}{
				"file_name": id + ".exe",
				"verdict":   verdict,
				"os":        "Windows 10",
				"md5":       "abc",
				"mime_type": "application/x-dosexec",
				"tags":      []string{"trojan", "stealer"},
			}},
			{Name: "process_info", Payload: []map[string]string{{"name": "a.exe"}, {"name": "b.exe"}}},
			{Name: "mitre_attack", Payload: map[string]interface{}{"techniques": techs}},
			{Name: "behavior_activities", Payload: []string{"x"}},
			{Name: "network_data", Payload: []string{}},
		},
	}
}

func TestRecordDirWriteAndRead(t *testing.T) {
	d := RecordDir{Dir: t.TempDir()}
	rec := sampleRecord("0b1c-2d", "Malicious activity", "T1055")

	assert.False(t, d.Exists(rec.Identifier))
	require.NoError(t, d.Write(rec))
	assert.True(t, d.Exists(rec.Identifier))
	assert.FileExists(t, filepath.Join(d.Dir, "0b1c-2d_report.json"))

	got, err := d.Read(rec.Identifier)
	require.NoError(t, err)
	assert.Equal(t, rec.Identifier, got.Identifier)
	assert.Equal(t, rec.SourceLocator, got.SourceLocator)

	var g summaryGeneral
	require.NoError(t, got.Decode("general_info", &g))
	assert.Equal(t, "Malicious activity", g.Verdict)

	ids, err := d.Identifiers()
	require.NoError(t, err)
	assert.Equal(t, []string{"0b1c-2d"}, ids)
}

func TestRecordDirRejectsPathLikeIdentifiers(t *testing.T) {
	d := RecordDir{Dir: t.TempDir()}
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		err := d.Write(&models.Record{Identifier: id})
		require.Error(t, err, id)
		assert.ErrorIs(t, err, ErrBadIdentifier)
		assert.Equal(t, failure.ClassPersistence, failure.ClassOf(err))
		assert.False(t, d.Exists(id))
	}
}

func TestRecordDirEachSkipsBrokenFiles(t *testing.T) {
	d := RecordDir{Dir: t.TempDir()}
	require.NoError(t, d.Write(sampleRecord("aa", "No threats detected")))
	require.NoError(t, os.WriteFile(d.Path("bb"), []byte("{not json"), 0o644))

	var seen, broken []string
	err := d.Each(func(r *models.Record) error {
		seen = append(seen, r.Identifier)
		return nil
	}, func(id string, err error) {
		broken = append(broken, id)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"aa"}, seen)
	assert.Equal(t, []string{"bb"}, broken)
}

func TestLinksWorkbookRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.xlsx")
	w := NewLinksWorkbook(path)
	links := []string{"https://app.any.run/tasks/a1", "https://app.any.run/tasks/b2"}

	require.NoError(t, w.Flush(context.Background(), links))
	require.NoError(t, w.Flush(context.Background(), append(links, "https://app.any.run/tasks/c3")))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	header, err := f.GetCellValue("Sheet1", "A1")
	require.NoError(t, err)
	assert.Equal(t, LinkColumn, header)
	require.NoError(t, f.Close())

	got, err := ReadLinks(path)
	require.NoError(t, err)
	assert.Equal(t, append(links, "https://app.any.run/tasks/c3"), got)
}

func TestLinksWorkbookHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := filepath.Join(t.TempDir(), "reports.xlsx")
	assert.ErrorIs(t, NewLinksWorkbook(path).Flush(ctx, []string{"x"}), context.Canceled)
	assert.NoFileExists(t, path)
}

func TestReadLinksFromText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urls.txt")
	body := "report_url\nhttps://a.test/tasks/1\n\n# comment\n  https://a.test/tasks/2  \n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	got, err := ReadLinks(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.test/tasks/1", "https://a.test/tasks/2"}, got)
}

func TestReadLinksFindsNamedColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixed.xlsx")
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]interface{}{"verdict", "report_url"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]interface{}{"malicious", "https://a.test/tasks/1"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]interface{}{"clean", "https://a.test/tasks/2"}))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	got, err := ReadLinks(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.test/tasks/1", "https://a.test/tasks/2"}, got)
}

func TestSubsetAndBatches(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "reports.xlsx")
	var links []string
	for i := 0; i < 7; i++ {
		links = append(links, "https://a.test/tasks/"+string(rune('a'+i)))
	}
	require.NoError(t, NewLinksWorkbook(in).Flush(context.Background(), links))

	n, err := Subset(in, filepath.Join(dir, "reports_3.xlsx"), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	got, err := ReadLinks(filepath.Join(dir, "reports_3.xlsx"))
	require.NoError(t, err)
	assert.Equal(t, links[:3], got)

	n, err = Subset(in, filepath.Join(dir, "all.xlsx"), 100)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	paths, err := Batches(in, filepath.Join(dir, "batches"), 3)
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, "batch_001.xlsx", filepath.Base(paths[0]))
	assert.Equal(t, "batch_003.xlsx", filepath.Base(paths[2]))
	last, err := ReadLinks(paths[2])
	require.NoError(t, err)
	assert.Equal(t, links[6:], last)

	_, err = Batches(in, dir, 0)
	assert.Error(t, err)
}

func TestSummaryFromRecords(t *testing.T) {
	d := RecordDir{Dir: t.TempDir()}
	require.NoError(t, d.Write(sampleRecord("bb", "Malicious activity", "T1055", "T1082")))
	require.NoError(t, d.Write(sampleRecord("aa", "No threats detected")))

	rows, err := BuildSummary(d)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "aa", rows[0].TaskID)

	b := rows[1]
	assert.Equal(t, "bb.exe", b.FileName)
	assert.Equal(t, []string{"trojan", "stealer"}, b.Tags)
	assert.Equal(t, 2, b.Processes)
	assert.Equal(t, 1, b.Behaviors)
	assert.Equal(t, 0, b.NetworkConnections)
	assert.Equal(t, 2, b.Techniques)
	assert.Equal(t, []string{"T1055", "T1082"}, b.TechniqueIDs)

	path := filepath.Join(d.Dir, SummaryFile)
	require.NoError(t, WriteSummary(path, rows))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(SummaryColumns, ","), lines[0])
	assert.Contains(t, lines[2], `"T1055, T1082"`)

	back, err := ReadSummary(path)
	require.NoError(t, err)
	assert.Equal(t, rows, back)
}

func TestAnalyze(t *testing.T) {
	rows := []SummaryRow{
		{Verdict: "Malicious activity", OS: "Windows 10", Behaviors: 4, Techniques: 2, TechniqueIDs: []string{"T1055", "T1082"}},
		{Verdict: "Malicious activity", OS: "Windows 7", Behaviors: 2, Techniques: 1, TechniqueIDs: []string{"T1055"}},
		{Verdict: "", OS: "Windows 10"},
	}
	st := Analyze(rows, 1)

	assert.Equal(t, 3, st.Reports)
	assert.Equal(t, []Count{{"Malicious activity", 2}, {"unknown", 1}}, st.Verdicts)
	assert.Equal(t, Count{"Windows 10", 2}, st.OS[0])
	assert.Equal(t, Totals{Sum: 6, Max: 4, Mean: 2, NonZero: 2}, st.Behaviors)
	assert.Equal(t, 2, st.Techniques.NonZero)
	assert.Equal(t, []Count{{"T1055", 2}}, st.TopTechniques)
	assert.Equal(t, 2, st.UniqueTechniques)

	var buf bytes.Buffer
	st.Render(&buf)
	assert.Contains(t, buf.String(), "Malicious activity: 2 (66.7%)")
	assert.Contains(t, buf.String(), "T1055")
}

func TestAnalyzeEmpty(t *testing.T) {
	st := Analyze(nil, 10)
	assert.Zero(t, st.Reports)
	assert.Zero(t, st.Behaviors.Mean)

	var buf bytes.Buffer
	st.Render(&buf)
	assert.Contains(t, buf.String(), "No MITRE techniques")
}

func TestCleanHTML(t *testing.T) {
	out, err := CleanHTML(`<div class="row" style="x" onclick="y"><script>bad()</script><a href="/t" rel="n">t</a></div>`)
	require.NoError(t, err)
	assert.NotContains(t, out, "script")
	assert.NotContains(t, out, "onclick")
	assert.NotContains(t, out, "rel=")
	assert.Contains(t, out, `class="row"`)
	assert.Contains(t, out, `href="/t"`)
}

func TestSnapshotterSavesMarkdown(t *testing.T) {
	dir := t.TempDir()
	p := replay.New(map[string]string{
		"https://app.any.run/tasks/x": `<html><body><h1>Report</h1><p>Verdict <a href="/tasks/y">next</a></p><script>s()</script></body></html>`,
	})
	require.NoError(t, p.Show("https://app.any.run/tasks/x"))

	s := NewSnapshotter(dir)
	path, err := s.Save(context.Background(), p, "tasks/x skip")
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "tasks_x_skip_"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Report")
	assert.Contains(t, string(data), "(https://app.any.run/tasks/y)")
	assert.NotContains(t, string(data), "s()")
}

func TestSnapshotterDisabled(t *testing.T) {
	var s *Snapshotter
	path, err := s.Save(context.Background(), replay.New(nil), "x")
	require.NoError(t, err)
	assert.Empty(t, path)

	path, err = NewSnapshotter("").Save(context.Background(), replay.New(nil), "x")
	require.NoError(t, err)
	assert.Empty(t, path)
}
