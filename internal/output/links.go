package output

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"

	"github.com/law-makers/harvest/internal/failure"
	"github.com/law-makers/harvest/internal/utils/fileutil"
)

// LinkColumn is the header of the URL column in links workbooks.
const LinkColumn = "report_url"

const linkSheet = "Sheet1"

// LinksWorkbook rewrites a one-column spreadsheet of collected links.
type LinksWorkbook struct {
	Path string

	mu sync.Mutex
}

// NewLinksWorkbook returns a workbook writer for path.
func NewLinksWorkbook(path string) *LinksWorkbook {
	return &LinksWorkbook{Path: path}
}

// Flush replaces the workbook with ids.
func (w *LinksWorkbook) Flush(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := writeLinks(w.Path, ids); err != nil {
		return failure.Persistence("write links workbook", err).WithUnit(w.Path)
	}
	log.Debug().Str("path", w.Path).Int("links", len(ids)).Msg("Links workbook written")
	return nil
}

func writeLinks(path string, links []string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetCellValue(linkSheet, "A1", LinkColumn); err != nil {
		return err
	}
	for i, link := range links {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(linkSheet, cell, link); err != nil {
			return err
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return fmt.Errorf("encode workbook: %w", err)
	}
	return fileutil.WriteAtomic(path, buf.Bytes(), 0o644)
}

// ReadLinks loads links from an .xlsx workbook (the report_url column, or
// the first column when there is no such header) or from a text file with
// one link per line.
func ReadLinks(path string) ([]string, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return readWorkbookLinks(path)
	}
	return readTextLinks(path)
}

func readWorkbookLinks(path string) ([]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	col, start := 0, 0
	for i, h := range rows[0] {
		if strings.EqualFold(strings.TrimSpace(h), LinkColumn) {
			col, start = i, 1
			break
		}
	}
	if start == 0 && len(rows[0]) > 0 && !looksLikeLink(rows[0][0]) {
		start = 1
	}

	var links []string
	for _, row := range rows[start:] {
		if col < len(row) {
			if v := strings.TrimSpace(row[col]); v != "" {
				links = append(links, v)
			}
		}
	}
	return links, nil
}

func readTextLinks(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var links []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.EqualFold(line, LinkColumn) {
			continue
		}
		links = append(links, line)
	}
	return links, sc.Err()
}

func looksLikeLink(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Subset writes the first n links of in to out and returns how many were
// written.
func Subset(in, out string, n int) (int, error) {
	links, err := ReadLinks(in)
	if err != nil {
		return 0, err
	}
	if n >= 0 && n < len(links) {
		links = links[:n]
	}
	if err := writeLinks(out, links); err != nil {
		return 0, failure.Persistence("write subset", err).WithUnit(out)
	}
	return len(links), nil
}

// Batches splits the links of in into workbooks of size links each, named
// batch_001.xlsx, batch_002.xlsx and so on under dir.
func Batches(in, dir string, size int) ([]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}
	links, err := ReadLinks(in)
	if err != nil {
		return nil, err
	}
	var paths []string
	for i := 0; i < len(links); i += size {
		end := i + size
		if end > len(links) {
			end = len(links)
		}
		path := filepath.Join(dir, fmt.Sprintf("batch_%03d.xlsx", len(paths)+1))
		if err := writeLinks(path, links[i:end]); err != nil {
			return paths, failure.Persistence("write batch", err).WithUnit(path)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
