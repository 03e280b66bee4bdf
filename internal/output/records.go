// Package output writes what a run produces: one JSON document per report,
// the links workbook, the summary dataset and debug snapshots.
package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/law-makers/harvest/internal/failure"
	"github.com/law-makers/harvest/internal/utils/fileutil"
	"github.com/law-makers/harvest/pkg/models"
)

const recordSuffix = "_report.json"

// ErrBadIdentifier is returned for identifiers that cannot name a file.
var ErrBadIdentifier = errors.New("identifier cannot be used as a file name")

// RecordDir stores records as <identifier>_report.json under Dir. A record
// file exists only once the whole record was written.
type RecordDir struct {
	Dir string
}

// Path returns the file a record with id is stored in.
func (d RecordDir) Path(id string) string {
	return filepath.Join(d.Dir, id+recordSuffix)
}

func checkIdentifier(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrBadIdentifier, id)
	}
	return nil
}

// Write stores rec atomically.
func (d RecordDir) Write(rec *models.Record) error {
	if err := checkIdentifier(rec.Identifier); err != nil {
		return failure.Persistence("write record", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return failure.Persistence("encode record", err).WithUnit(rec.Identifier)
	}
	if err := fileutil.WriteAtomic(d.Path(rec.Identifier), data, 0o644); err != nil {
		return failure.Persistence("write record", err).WithUnit(rec.Identifier)
	}
	return nil
}

// Exists reports whether a record for id was written.
func (d RecordDir) Exists(id string) bool {
	if checkIdentifier(id) != nil {
		return false
	}
	st, err := os.Stat(d.Path(id))
	return err == nil && st.Mode().IsRegular()
}

// Read loads the record stored for id.
func (d RecordDir) Read(id string) (*models.Record, error) {
	if err := checkIdentifier(id); err != nil {
		return nil, err
	}
	return readRecord(d.Path(id))
}

func readRecord(path string) (*models.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec models.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

// Identifiers lists the identifiers that have a record, sorted.
func (d RecordDir) Identifiers() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(d.Dir, "*"+recordSuffix))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, strings.TrimSuffix(filepath.Base(m), recordSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

// Each calls fn for every readable record. Unreadable files are passed to
// onErr and skipped.
func (d RecordDir) Each(fn func(*models.Record) error, onErr func(id string, err error)) error {
	ids, err := d.Identifiers()
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, err := readRecord(d.Path(id))
		if err != nil {
			if onErr != nil {
				onErr(id, err)
			}
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}
