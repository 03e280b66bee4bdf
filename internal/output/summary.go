package output

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/law-makers/harvest/internal/failure"
	"github.com/law-makers/harvest/internal/utils/fileutil"
	"github.com/law-makers/harvest/pkg/models"
)

// SummaryFile is the dataset summary written next to the records.
const SummaryFile = "dataset_summary.csv"

// SummaryColumns is the header of the summary dataset.
var SummaryColumns = []string{
	"task_id", "url", "file_name", "verdict", "os",
	"md5", "sha1", "sha256", "mime_type", "tags",
	"num_behaviors", "num_mitre_techniques", "mitre_techniques",
	"num_network_connections", "num_processes",
}

// SummaryRow is one record flattened for the summary dataset.
type SummaryRow struct {
	TaskID             string
	URL                string
	FileName           string
	Verdict            string
	OS                 string
	MD5                string
	SHA1               string
	SHA256             string
	MIMEType           string
	Tags               []string
	Behaviors          int
	Techniques         int
	TechniqueIDs       []string
	NetworkConnections int
	Processes          int
}

// Only the fields the summary needs are decoded from each section.
type summaryGeneral struct {
	FileName string   `json:"file_name"`
	Verdict  string   `json:"verdict"`
	OS       string   `json:"os"`
	MD5      string   `json:"md5"`
	SHA1     string   `json:"sha1"`
	SHA256   string   `json:"sha256"`
	MIMEType string   `json:"mime_type"`
	Tags     []string `json:"tags"`
}

type summaryMitre struct {
	Techniques []struct {
		TechniqueID string `json:"technique_id"`
	} `json:"techniques"`
}

// RowFor flattens rec. Sections that do not decode count as empty.
func RowFor(rec *models.Record) SummaryRow {
	row := SummaryRow{TaskID: rec.Identifier, URL: rec.SourceLocator}

	var g summaryGeneral
	if err := rec.Decode("general_info", &g); err != nil {
		log.Debug().Err(err).Str("identifier", rec.Identifier).Msg("general_info not decodable")
	}
	row.FileName, row.Verdict, row.OS = g.FileName, g.Verdict, g.OS
	row.MD5, row.SHA1, row.SHA256 = g.MD5, g.SHA1, g.SHA256
	row.MIMEType, row.Tags = g.MIMEType, g.Tags

	var m summaryMitre
	_ = rec.Decode("mitre_attack", &m)
	row.Techniques = len(m.Techniques)
	for _, t := range m.Techniques {
		if t.TechniqueID != "" {
			row.TechniqueIDs = append(row.TechniqueIDs, t.TechniqueID)
		}
	}

	row.Behaviors = sectionLen(rec, "behavior_activities")
	row.NetworkConnections = sectionLen(rec, "network_data")
	row.Processes = sectionLen(rec, "process_info")
	return row
}

func sectionLen(rec *models.Record, name string) int {
	var items []interface{}
	if err := rec.Decode(name, &items); err != nil {
		return 0
	}
	return len(items)
}

func (r SummaryRow) values() []string {
	return []string{
		r.TaskID, r.URL, r.FileName, r.Verdict, r.OS,
		r.MD5, r.SHA1, r.SHA256, r.MIMEType, strings.Join(r.Tags, ", "),
		strconv.Itoa(r.Behaviors),
		strconv.Itoa(r.Techniques),
		strings.Join(r.TechniqueIDs, ", "),
		strconv.Itoa(r.NetworkConnections),
		strconv.Itoa(r.Processes),
	}
}

// BuildSummary flattens every readable record in d, ordered by identifier.
func BuildSummary(d RecordDir) ([]SummaryRow, error) {
	var rows []SummaryRow
	err := d.Each(func(rec *models.Record) error {
		rows = append(rows, RowFor(rec))
		return nil
	}, func(id string, err error) {
		log.Warn().Err(err).Str("identifier", id).Msg("Skipping unreadable record")
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].TaskID < rows[j].TaskID })
	return rows, nil
}

// WriteSummary writes rows as CSV to path.
func WriteSummary(path string, rows []SummaryRow) error {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(SummaryColumns); err != nil {
		return err
	}
	for _, r := range rows {
		if err := w.Write(r.values()); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := fileutil.WriteAtomic(path, []byte(sb.String()), 0o644); err != nil {
		return failure.Persistence("write summary", err).WithUnit(path)
	}
	return nil
}

// ReadSummary loads a summary dataset written by WriteSummary. Columns are
// matched by header name.
func ReadSummary(path string) ([]SummaryRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	index := make(map[string]int, len(records[0]))
	for i, h := range records[0] {
		index[strings.TrimSpace(h)] = i
	}
	get := func(rec []string, col string) string {
		if i, ok := index[col]; ok && i < len(rec) {
			return rec[i]
		}
		return ""
	}
	num := func(rec []string, col string) int {
		n, _ := strconv.Atoi(strings.TrimSpace(get(rec, col)))
		return n
	}

	rows := make([]SummaryRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		rows = append(rows, SummaryRow{
			TaskID:             get(rec, "task_id"),
			URL:                get(rec, "url"),
			FileName:           get(rec, "file_name"),
			Verdict:            get(rec, "verdict"),
			OS:                 get(rec, "os"),
			MD5:                get(rec, "md5"),
			SHA1:               get(rec, "sha1"),
			SHA256:             get(rec, "sha256"),
			MIMEType:           get(rec, "mime_type"),
			Tags:               splitList(get(rec, "tags")),
			Behaviors:          num(rec, "num_behaviors"),
			Techniques:         num(rec, "num_mitre_techniques"),
			TechniqueIDs:       splitList(get(rec, "mitre_techniques")),
			NetworkConnections: num(rec, "num_network_connections"),
			Processes:          num(rec, "num_processes"),
		})
	}
	return rows, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
