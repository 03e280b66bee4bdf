// Package checkpoint persists crawl progress so a killed run can resume.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Mode is the traversal mode a cursor belongs to.
type Mode string

const (
	ModePages Mode = "pages"
	ModeDate  Mode = "date"
)

// ParseMode accepts the CLI spellings of a mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pages", "page", "plain", "":
		return ModePages, nil
	case "date", "dates", "daily", "date-bucket":
		return ModeDate, nil
	}
	return "", fmt.Errorf("unknown traversal mode %q (want pages or date)", s)
}

const dayLayout = "2006-01-02"

// Day is a calendar date without a time of day.
type Day struct {
	t time.Time
}

// NewDay returns the given calendar date.
func NewDay(year int, month time.Month, day int) Day {
	return Day{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf returns the calendar date of t in t's location.
func DayOf(t time.Time) Day {
	return NewDay(t.Year(), t.Month(), t.Day())
}

// Today returns the local calendar date.
func Today() Day { return DayOf(time.Now()) }

// ParseDay parses YYYY-MM-DD.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, strings.TrimSpace(s))
	if err != nil {
		return Day{}, fmt.Errorf("invalid day %q: %w", s, err)
	}
	return Day{t: t}, nil
}

func (d Day) IsZero() bool { return d.t.IsZero() }
func (d Day) AddDays(n int) Day { return Day{t: d.t.AddDate(0, 0, n)} }
func (d Day) Before(o Day) bool { return d.t.Before(o.t) }
func (d Day) Equal(o Day) bool { return d.t.Equal(o.t) }
func (d Day) Format(l string) string { return d.t.Format(l) }
func (d Day) Time() time.Time { return d.t }
func (d Day) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(dayLayout)
}

// MarshalText implements encoding.TextMarshaler.
func (d Day) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Day) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Day{}
		return nil
	}
	parsed, err := ParseDay(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Cursor records where a traversal is. In pages mode only PagesProcessed is
// meaningful; in date mode Date and PagesInBucket are.
type Cursor struct {
	Mode           Mode
	PagesProcessed int
	Date           Day
	PagesInBucket  int
}

// PageCursor returns a pages-mode cursor.
func PageCursor(pagesProcessed int) Cursor {
	return Cursor{Mode: ModePages, PagesProcessed: pagesProcessed}
}

// DateCursor returns a date-bucket cursor.
func DateCursor(day Day, pagesInBucket int) Cursor {
	return Cursor{Mode: ModeDate, Date: day, PagesInBucket: pagesInBucket}
}

// Pages returns the pages already scanned in the current list.
func (c Cursor) Pages() int {
	if c.Mode == ModeDate {
		return c.PagesInBucket
	}
	return c.PagesProcessed
}

// SetPages overwrites the page counter of the current list.
func (c *Cursor) SetPages(n int) {
	if c.Mode == ModeDate {
		c.PagesInBucket = n
		return
	}
	c.PagesProcessed = n
}

func (c Cursor) String() string {
	if c.Mode == ModeDate {
		return fmt.Sprintf("date %s page %d", c.Date, c.PagesInBucket)
	}
	return fmt.Sprintf("page %d", c.PagesProcessed)
}

type cursorJSON struct {
	Mode                   Mode   `json:"mode"`
	PagesProcessed         *int   `json:"pages_processed,omitempty"`
	CurrentDate            string `json:"current_date,omitempty"`
	PagesProcessedInBucket *int   `json:"pages_processed_in_bucket,omitempty"`
}

// MarshalJSON writes only the fields of the cursor's mode.
func (c Cursor) MarshalJSON() ([]byte, error) {
	out := cursorJSON{Mode: c.Mode}
	if c.Mode == ModeDate {
		out.CurrentDate = c.Date.String()
		n := c.PagesInBucket
		out.PagesProcessedInBucket = &n
	} else {
		out.Mode = ModePages
		n := c.PagesProcessed
		out.PagesProcessed = &n
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Cursor) UnmarshalJSON(b []byte) error {
	var in cursorJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*c = Cursor{Mode: in.Mode}
	if in.PagesProcessed != nil {
		c.PagesProcessed = *in.PagesProcessed
	}
	if in.PagesProcessedInBucket != nil {
		c.PagesInBucket = *in.PagesProcessedInBucket
	}
	if in.CurrentDate != "" {
		d, err := ParseDay(in.CurrentDate)
		if err != nil {
			return err
		}
		c.Date = d
	}
	if c.Mode == "" {
		c.Mode = ModePages
		if !c.Date.IsZero() {
			c.Mode = ModeDate
		}
	}
	return nil
}

// IdentifierSet is a set of opaque identifiers serialized as a sorted array.
type IdentifierSet map[string]struct{}

// NewIdentifierSet returns a set holding ids.
func NewIdentifierSet(ids ...string) IdentifierSet {
	s := make(IdentifierSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id and reports whether it was new.
func (s IdentifierSet) Add(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

// Has reports membership.
func (s IdentifierSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of identifiers.
func (s IdentifierSet) Len() int { return len(s) }

// Sorted returns the identifiers in lexical order.
func (s IdentifierSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON implements json.Marshaler.
func (s IdentifierSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *IdentifierSet) UnmarshalJSON(b []byte) error {
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*s = NewIdentifierSet(ids...)
	return nil
}

// CrawlState is everything a traversal persists between runs.
type CrawlState struct {
	Collected    IdentifierSet
	Cursor       Cursor
	LastActivity string
	SavedAt      time.Time

	// extra keeps unknown top-level fields so newer files survive a round trip.
	extra map[string]json.RawMessage
}

// NewCrawlState returns an empty state for mode.
func NewCrawlState(mode Mode) *CrawlState {
	return &CrawlState{
		Collected: NewIdentifierSet(),
		Cursor:    Cursor{Mode: mode},
	}
}

// Clone returns a deep copy.
func (s *CrawlState) Clone() *CrawlState {
	c := *s
	c.Collected = NewIdentifierSet(s.Collected.Sorted()...)
	if s.extra != nil {
		c.extra = make(map[string]json.RawMessage, len(s.extra))
		for k, v := range s.extra {
			c.extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

const (
	keyCollected    = "collected_identifiers"
	keyCursor       = "cursor"
	keyLastActivity = "last_activity_marker"
	keySavedAt      = "saved_at"

	// Keys written by the earlier state file format.
	legacyCollected   = "collected_urls"
	legacyPages       = "pages_processed"
	legacyCurrentDate = "current_scraping_date"
	legacyLastDate    = "last_processed_date"
	legacyTimestamp   = "timestamp"
)

var legacyTimestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// MarshalJSON implements json.Marshaler.
func (s *CrawlState) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(s.extra)+4)
	for k, v := range s.extra {
		out[k] = v
	}
	collected := s.Collected
	if collected == nil {
		collected = NewIdentifierSet()
	}
	out[keyCollected] = collected
	out[keyCursor] = s.Cursor
	if s.LastActivity != "" {
		out[keyLastActivity] = s.LastActivity
	}
	out[keySavedAt] = s.SavedAt
	return json.Marshal(out)
}

// UnmarshalJSON accepts the current format and the earlier flat format.
func (s *CrawlState) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	st := CrawlState{Collected: NewIdentifierSet()}
	take := func(key string, dst interface{}) (bool, error) {
		v, ok := raw[key]
		if !ok {
			return false, nil
		}
		delete(raw, key)
		if string(v) == "null" {
			return false, nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return false, fmt.Errorf("field %s: %w", key, err)
		}
		return true, nil
	}

	if _, err := take(keyCollected, &st.Collected); err != nil {
		return err
	}
	hasCursor, err := take(keyCursor, &st.Cursor)
	if err != nil {
		return err
	}
	if _, err := take(keyLastActivity, &st.LastActivity); err != nil {
		return err
	}
	if _, err := take(keySavedAt, &st.SavedAt); err != nil {
		return err
	}

	var legacyURLs []string
	if ok, err := take(legacyCollected, &legacyURLs); err != nil {
		return err
	} else if ok {
		for _, u := range legacyURLs {
			st.Collected.Add(u)
		}
	}
	var pages int
	hasPages, err := take(legacyPages, &pages)
	if err != nil {
		return err
	}
	var scrapingDate string
	hasDate, err := take(legacyCurrentDate, &scrapingDate)
	if err != nil {
		return err
	}
	var lastDate string
	if ok, err := take(legacyLastDate, &lastDate); err != nil {
		return err
	} else if ok && st.LastActivity == "" {
		st.LastActivity = lastDate
	}
	var stamp string
	if ok, err := take(legacyTimestamp, &stamp); err != nil {
		return err
	} else if ok && st.SavedAt.IsZero() {
		for _, layout := range legacyTimestampLayouts {
			if t, err := time.Parse(layout, stamp); err == nil {
				st.SavedAt = t
				break
			}
		}
	}

	if !hasCursor {
		switch {
		case hasDate && scrapingDate != "":
			t, err := time.Parse("01/02/2006", scrapingDate)
			if err != nil {
				return fmt.Errorf("field %s: %w", legacyCurrentDate, err)
			}
			st.Cursor = DateCursor(DayOf(t), 0)
		case hasPages:
			st.Cursor = PageCursor(pages)
		}
	}

	if len(raw) > 0 {
		st.extra = raw
	}
	*s = st
	return nil
}
