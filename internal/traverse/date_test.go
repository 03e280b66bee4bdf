package traverse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/law-makers/harvest/internal/browser"
	"github.com/law-makers/harvest/internal/browser/replay"
	"github.com/law-makers/harvest/internal/checkpoint"
	"github.com/law-makers/harvest/internal/failure"
)

var dayD = checkpoint.NewDay(2025, time.March, 10)

// scriptedFilter shows the recording for a day, or fails as scripted.
type scriptedFilter struct {
	fail     map[string]int
	calls    map[string]int
	onFail   func(day checkpoint.Day, n int)
	filtered []string
}

func (f *scriptedFilter) Apply(ctx context.Context, p browser.Page, day checkpoint.Day) error {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	key := day.String()
	f.calls[key]++
	f.filtered = append(f.filtered, key)
	if f.calls[key] <= f.fail[key] {
		if f.onFail != nil {
			f.onFail(day, f.calls[key])
		}
		return failure.Transient("filter", errors.New("filter form did not open"))
	}
	return p.(*replay.Page).Show(site + "/history?day=" + key)
}

func dayPages() map[string]string {
	return map[string]string{
		site + "/history":                listPage(1, "", "/tasks/unfiltered"),
		site + "/history?day=2025-03-10": listPage(1, "", "/tasks/d1", "/tasks/d2"),
		site + "/history?day=2025-03-09": listPage(1, ""),
		site + "/history?day=2025-03-08": listPage(1, "", "/tasks/d3"),
		site + "/history?day=2025-03-07": listPage(1, ""),
	}
}

func dateOptions() Options {
	opts := testOptions(checkpoint.ModeDate)
	opts.StartDay = dayD
	return opts
}

func TestDateBucketsStopWhenOperatorStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	filter := &scriptedFilter{
		fail: map[string]int{"2025-03-08": 5},
		onFail: func(day checkpoint.Day, n int) {
			if n == 2 {
				cancel()
			}
		},
	}
	store := &memStore{}
	res := run(t, ctx, Deps{Page: replay.New(dayPages()), Store: store, Filter: filter}, dateOptions())

	assert.Equal(t, StateStopped, res.Outcome)
	assert.NotEqual(t, StateDone, res.Outcome)
	assert.Equal(t, []string{site + "/tasks/d1", site + "/tasks/d2"}, res.Identifiers)
	assert.Equal(t, "2025-03-08", res.Cursor.Date.String())
	assert.Equal(t, 0, res.Cursor.PagesInBucket)
	assert.Equal(t, 2, filter.calls["2025-03-08"])

	saved := store.last()
	assert.Equal(t, checkpoint.ModeDate, saved.Cursor.Mode)
	assert.Equal(t, "2025-03-08", saved.Cursor.Date.String())
	assert.Equal(t, 2, saved.Collected.Len())
}

func TestDateBucketsFailAfterFilterAttempts(t *testing.T) {
	filter := &scriptedFilter{fail: map[string]int{"2025-03-08": 5}}
	opts := dateOptions()
	opts.FilterAttempts = 2

	res := run(t, context.Background(), Deps{Page: replay.New(dayPages()), Store: &memStore{}, Filter: filter}, opts)

	assert.Equal(t, StateFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrFilterExhausted)
	assert.Len(t, res.Identifiers, 2)
	assert.Equal(t, "2025-03-08", res.Cursor.Date.String())
}

func TestDateBucketsRecoverFromOneFilterFailure(t *testing.T) {
	filter := &scriptedFilter{fail: map[string]int{"2025-03-09": 1}}
	opts := dateOptions()
	opts.Until = checkpoint.NewDay(2025, time.March, 7)

	res := run(t, context.Background(), Deps{Page: replay.New(dayPages()), Store: &memStore{}, Filter: filter}, opts)

	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.Outcome)
	assert.Len(t, res.Identifiers, 3)
	assert.Equal(t, []string{"2025-03-10", "2025-03-09", "2025-03-09", "2025-03-08", "2025-03-07"}, filter.filtered)
}

func TestDateBucketsStopAfterEmptyDays(t *testing.T) {
	pages := dayPages()
	pages[site+"/history?day=2025-03-08"] = listPage(1, "")
	opts := dateOptions()
	opts.MaxEmptyDays = 2

	filter := &scriptedFilter{}
	res := run(t, context.Background(), Deps{Page: replay.New(pages), Store: &memStore{}, Filter: filter}, opts)

	assert.Equal(t, StateDone, res.Outcome)
	assert.Equal(t, []string{"2025-03-10", "2025-03-09", "2025-03-08"}, filter.filtered)
}

func TestDateResumeUsesSavedDay(t *testing.T) {
	initial := checkpoint.NewCrawlState(checkpoint.ModeDate)
	initial.Cursor = checkpoint.DateCursor(checkpoint.NewDay(2025, time.March, 8), 0)
	store := &memStore{initial: initial}
	opts := dateOptions()
	opts.Until = checkpoint.NewDay(2025, time.March, 8)

	filter := &scriptedFilter{}
	res := run(t, context.Background(), Deps{Page: replay.New(dayPages()), Store: store, Filter: filter}, opts)

	assert.Equal(t, StateDone, res.Outcome)
	assert.Equal(t, []string{"2025-03-08"}, filter.filtered)
	assert.Equal(t, []string{site + "/tasks/d3"}, res.Identifiers)
}

func TestDateResumeSkipsPagesInsideSavedDay(t *testing.T) {
	pages := dayPages()
	day := site + "/history?day=2025-03-08"
	pages[day] = listPage(1, site+"/history/2025-03-08/2", "/tasks/e1")
	pages[site+"/history/2025-03-08/2"] = listPage(2, site+"/history/2025-03-08/3", "/tasks/e2")
	pages[site+"/history/2025-03-08/3"] = listPage(3, "", "/tasks/e3")

	initial := checkpoint.NewCrawlState(checkpoint.ModeDate)
	initial.Cursor = checkpoint.DateCursor(checkpoint.NewDay(2025, time.March, 8), 2)
	initial.Collected.Add(site + "/tasks/e1")
	initial.Collected.Add(site + "/tasks/e2")
	store := &memStore{initial: initial}
	opts := dateOptions()
	opts.Until = checkpoint.NewDay(2025, time.March, 8)

	p := replay.New(pages)
	filter := &scriptedFilter{}
	res := run(t, context.Background(), Deps{Page: p, Store: store, Filter: filter}, opts)

	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.Outcome)
	assert.Equal(t, []string{"2025-03-08"}, filter.filtered, "the saved day is filtered again, not today")
	assert.Equal(t, []string{site + "/history"}, p.Navigations(), "pages inside the day are skipped by clicking next")
	assert.Equal(t, 1, res.NewThisRun, "only the third page is scanned")
	assert.Contains(t, res.Identifiers, site+"/tasks/e3")

	var reached bool
	for _, st := range store.saves {
		if st.Cursor.Date.String() == "2025-03-08" && st.Cursor.PagesInBucket == 3 {
			reached = true
		}
	}
	assert.True(t, reached, "the cursor counts the skipped pages before the scanned one")
}

func TestDateModeNeedsFilter(t *testing.T) {
	_, err := New(Deps{Page: replay.New(nil), Store: &memStore{}}, dateOptions())
	assert.Error(t, err)
}
