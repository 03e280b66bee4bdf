package traverse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/law-makers/harvest/internal/browser"
	"github.com/law-makers/harvest/internal/browser/replay"
	"github.com/law-makers/harvest/internal/challenge"
	"github.com/law-makers/harvest/internal/checkpoint"
	"github.com/law-makers/harvest/internal/failure"
	"github.com/law-makers/harvest/internal/retry"
)

const site = "https://site.test"

func init() {
	browser.DefaultPollInterval = time.Millisecond
}

// listPage renders one page of the history table. next is the location the
// next button leads to, or "" for a disabled button.
func listPage(n int, next string, hrefs ...string) string {
	var rows strings.Builder
	for i, h := range hrefs {
		fmt.Fprintf(&rows, `<div class="history-table--content__row"><a href="%s">task</a><span class="os__time">page %d row %d</span></div>`, h, n, i)
	}
	button := `<button class="history-pagination__next history-pagination__button history-pagination__element" disabled>Next</button>`
	if next != "" {
		button = fmt.Sprintf(`<button class="history-pagination__next history-pagination__button history-pagination__element" data-goto="%s">Next</button>`, next)
	}
	return fmt.Sprintf(`<html><body>
<div class="history-table--content">%s</div>
<div class="history-pagination"><span class="history-pagination__hidden-span">%d</span>%s</div>
</body></html>`, rows.String(), n, button)
}

func threePages() map[string]string {
	return map[string]string{
		site + "/history":     listPage(1, site+"/history?p=2", "/tasks/a1", "/tasks/a2"),
		site + "/history?p=2": listPage(2, site+"/history?p=3", "/tasks/b1", "/tasks/b2"),
		site + "/history?p=3": listPage(3, "", "/tasks/c1", "/tasks/c2"),
	}
}

// memStore is a checkpoint.Store that keeps every saved snapshot.
type memStore struct {
	mu      sync.Mutex
	initial *checkpoint.CrawlState
	saves   []*checkpoint.CrawlState
	cleared bool
	failing bool
}

func (s *memStore) Load(ctx context.Context, mode checkpoint.Mode) *checkpoint.CrawlState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saves) > 0 && !s.cleared {
		return s.saves[len(s.saves)-1].Clone()
	}
	if s.initial != nil {
		return s.initial.Clone()
	}
	return checkpoint.NewCrawlState(mode)
}

func (s *memStore) Save(ctx context.Context, st *checkpoint.CrawlState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return failure.Persistence("write checkpoint", errors.New("disk full"))
	}
	s.saves = append(s.saves, st.Clone())
	s.cleared = false
	return nil
}

func (s *memStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = true
	return nil
}

func (s *memStore) last() *checkpoint.CrawlState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[len(s.saves)-1]
}

func testOptions(mode checkpoint.Mode) Options {
	opts := DefaultOptions(site+"/history", mode)
	opts.ListLoadTimeout = 50 * time.Millisecond
	opts.PaginateTimeout = 50 * time.Millisecond
	opts.NavigateRetry = retry.Config{MaxAttempts: 1}
	opts.ClearOnDone = false
	return opts
}

func run(t *testing.T, ctx context.Context, deps Deps, opts Options) Result {
	t.Helper()
	c, err := New(deps, opts)
	require.NoError(t, err)
	return c.Run(ctx)
}

func TestThreePagesReachDone(t *testing.T) {
	p := replay.New(threePages())
	store := &memStore{}

	res := run(t, context.Background(), Deps{Page: p, Store: store}, testOptions(checkpoint.ModePages))

	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.Outcome)
	assert.Len(t, res.Identifiers, 6)
	assert.Contains(t, res.Identifiers, site+"/tasks/b2")
	assert.Equal(t, 3, store.last().Cursor.PagesProcessed)
	assert.Equal(t, "page 3 row 1", store.last().LastActivity)
}

func TestDoneClearsCheckpoint(t *testing.T) {
	store := &memStore{}
	opts := testOptions(checkpoint.ModePages)
	opts.ClearOnDone = true

	res := run(t, context.Background(), Deps{Page: replay.New(threePages()), Store: store}, opts)
	assert.Equal(t, StateDone, res.Outcome)
	assert.True(t, store.cleared)
	assert.Equal(t, 3, store.last().Cursor.PagesProcessed, "the last snapshot before clearing holds the full count")
}

func TestChallengeOnPageTwoNotifiesOnce(t *testing.T) {
	pages := threePages()
	pages[site+"/history?p=2"] = strings.Replace(pages[site+"/history?p=2"],
		"<body>", `<body><div id="wall"><form id="challenge-form"><input name="token"></form></div>`, 1)
	p := replay.New(pages)

	var clears int
	p.SetHooks(replay.Hooks{OnClickAt: func(p *replay.Page, x, y float64) error {
		clears++
		p.Mutate(func(doc *goquery.Document) { doc.Find("#wall").Remove() })
		return nil
	}})

	n := &alerts{}
	gate := challenge.NewGate(challenge.NewDetector(), n, challenge.Poll{Interval: time.Millisecond})
	gate.RecoveryPause = time.Millisecond

	res := run(t, context.Background(), Deps{Page: p, Store: &memStore{}, Gate: gate}, testOptions(checkpoint.ModePages))

	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.Outcome)
	assert.Len(t, res.Identifiers, 6)
	assert.Equal(t, 1, n.count())
	assert.Equal(t, 1, clears)
}

func TestSuspiciousVerdictRowsDoNotBlock(t *testing.T) {
	pages := threePages()
	for k, v := range pages {
		pages[k] = strings.Replace(v, `">task</a>`, `">task</a><span class="verdict">Suspicious activity</span>`, -1)
	}
	p := replay.New(pages)

	n := &alerts{}
	gate := challenge.NewGate(challenge.NewDetector(), n, challenge.Poll{Interval: time.Millisecond})
	gate.RecoveryPause = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := run(t, ctx, Deps{Page: p, Store: &memStore{}, Gate: gate}, testOptions(checkpoint.ModePages))

	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.Outcome)
	assert.Len(t, res.Identifiers, 6)
	assert.Equal(t, 0, n.count())
	assert.Equal(t, 0, p.CoordinateClicks())
}

func TestAlwaysPresentChallengeBlocksWithoutInteracting(t *testing.T) {
	pages := threePages()
	for k, v := range pages {
		pages[k] = strings.Replace(v, "<body>", `<body><p>Please confirm that you are not a bot</p>`, 1)
	}
	p := replay.New(pages)
	require.NoError(t, p.Show(site+"/history"))

	gate := challenge.NewGate(challenge.NewDetector(), &alerts{}, challenge.Poll{Interval: time.Millisecond})
	gate.RecoveryPause = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	res := run(t, ctx, Deps{Page: p, Store: &memStore{}, Gate: gate}, testOptions(checkpoint.ModePages))

	assert.Equal(t, StateStopped, res.Outcome)
	assert.Empty(t, p.Navigations(), "no navigation while the challenge is up")
	assert.Equal(t, 0, p.Clicks())
	assert.Empty(t, res.Identifiers)
}

func TestRerunIsIdempotent(t *testing.T) {
	store := &memStore{}
	opts := testOptions(checkpoint.ModePages)

	first := run(t, context.Background(), Deps{Page: replay.New(threePages()), Store: store}, opts)
	second := run(t, context.Background(), Deps{Page: replay.New(threePages()), Store: store}, opts)

	assert.Equal(t, StateDone, second.Outcome)
	assert.Equal(t, first.Identifiers, second.Identifiers)
	assert.Equal(t, 0, second.NewThisRun)
}

func TestDuplicatesAndFragmentsCollapse(t *testing.T) {
	pages := map[string]string{
		site + "/history":     listPage(1, site+"/history?p=2", "/tasks/a1", "/tasks/a1#top", "/browse/a1"),
		site + "/history?p=2": listPage(2, "", site+"/tasks/a1", "/tasks/a2", "#"),
	}
	res := run(t, context.Background(), Deps{Page: replay.New(pages), Store: &memStore{}}, testOptions(checkpoint.ModePages))
	assert.Equal(t, []string{site + "/tasks/a1", site + "/tasks/a2"}, res.Identifiers)
}

func TestResumeSkipsWithoutRenavigating(t *testing.T) {
	initial := checkpoint.NewCrawlState(checkpoint.ModePages)
	initial.Collected.Add(site + "/tasks/a1")
	initial.Collected.Add(site + "/tasks/a2")
	initial.Collected.Add(site + "/tasks/b1")
	initial.Collected.Add(site + "/tasks/b2")
	initial.Cursor = checkpoint.PageCursor(2)
	store := &memStore{initial: initial}

	p := replay.New(threePages())
	res := run(t, context.Background(), Deps{Page: p, Store: store}, testOptions(checkpoint.ModePages))

	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.Outcome)
	assert.Len(t, res.Identifiers, 6)
	assert.Equal(t, 2, res.NewThisRun)
	assert.Equal(t, 3, res.Cursor.PagesProcessed)
	assert.Equal(t, []string{site + "/history"}, p.Navigations())
	assert.Equal(t, 2, p.Clicks())
}

func TestResumeTrustsLivePage(t *testing.T) {
	initial := checkpoint.NewCrawlState(checkpoint.ModePages)
	initial.Cursor = checkpoint.PageCursor(1)
	store := &memStore{initial: initial}

	// The site remembers the list position and opens on page 3.
	pages := threePages()
	pages[site+"/history"] = pages[site+"/history?p=3"]
	p := replay.New(pages)

	res := run(t, context.Background(), Deps{Page: p, Store: store}, testOptions(checkpoint.ModePages))
	assert.Equal(t, StateDone, res.Outcome)
	assert.Equal(t, 3, res.Cursor.PagesProcessed)
	assert.Equal(t, 0, p.Clicks())
}

func TestResumePastEndFinishes(t *testing.T) {
	initial := checkpoint.NewCrawlState(checkpoint.ModePages)
	initial.Cursor = checkpoint.PageCursor(7)
	store := &memStore{initial: initial}

	res := run(t, context.Background(), Deps{Page: replay.New(threePages()), Store: store}, testOptions(checkpoint.ModePages))
	assert.Equal(t, StateDone, res.Outcome)
	assert.Empty(t, res.Identifiers)
}

func TestStaleNextButtonIsRetried(t *testing.T) {
	p := replay.New(threePages())
	stale := true
	p.SetHooks(replay.Hooks{OnClick: func(_ *replay.Page, el *replay.Element) (bool, error) {
		if stale && el.Is("button.history-pagination__next") {
			stale = false
			return true, browser.ErrStaleElement
		}
		return false, nil
	}})

	res := run(t, context.Background(), Deps{Page: p, Store: &memStore{}}, testOptions(checkpoint.ModePages))
	assert.Equal(t, StateDone, res.Outcome)
	assert.Len(t, res.Identifiers, 6)
}

func TestUnverifiedPaginationEndsList(t *testing.T) {
	p := replay.New(threePages())
	p.SetHooks(replay.Hooks{OnClick: func(*replay.Page, *replay.Element) (bool, error) {
		return true, nil // swallowed click, list never changes
	}})

	res := run(t, context.Background(), Deps{Page: p, Store: &memStore{}}, testOptions(checkpoint.ModePages))
	assert.Equal(t, StateDone, res.Outcome)
	assert.Len(t, res.Identifiers, 2)
	assert.Equal(t, 3, p.Clicks())
}

func TestListNavigationErrorsAreRetried(t *testing.T) {
	p := replay.New(threePages())
	calls := 0
	p.SetHooks(replay.Hooks{BeforeNavigate: func(p *replay.Page, location string) (bool, error) {
		calls++
		if calls == 1 {
			return true, errors.New("net::ERR_CONNECTION_RESET")
		}
		return false, nil
	}})
	opts := testOptions(checkpoint.ModePages)
	opts.NavigateRetry = retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}

	res := run(t, context.Background(), Deps{Page: p, Store: &memStore{}}, opts)

	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.Outcome)
	assert.Len(t, res.Identifiers, 6)
	assert.Equal(t, 2, calls)
}

func TestMissingListFails(t *testing.T) {
	p := replay.New(map[string]string{site + "/history": `<html><body><p>maintenance</p></body></html>`})
	res := run(t, context.Background(), Deps{Page: p, Store: &memStore{}}, testOptions(checkpoint.ModePages))
	assert.Equal(t, StateFailed, res.Outcome)
	assert.Equal(t, failure.ClassStructural, failure.ClassOf(res.Err))
}

func TestSaveFailuresAreWarningsUntilLimit(t *testing.T) {
	opts := testOptions(checkpoint.ModePages)
	opts.MaxSaveFailures = 0
	res := run(t, context.Background(), Deps{Page: replay.New(threePages()), Store: &memStore{failing: true}}, opts)
	assert.Equal(t, StateDone, res.Outcome)
	assert.Len(t, res.Identifiers, 6)

	opts.MaxSaveFailures = 2
	res = run(t, context.Background(), Deps{Page: replay.New(threePages()), Store: &memStore{failing: true}}, opts)
	assert.Equal(t, StateFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrTooManySaveFailures)
}

type sinkFunc func(ids []string)

func (f sinkFunc) Flush(ctx context.Context, ids []string) error { f(ids); return nil }

func TestSinkSeesProgressAfterEveryPage(t *testing.T) {
	var sizes []int
	sink := sinkFunc(func(ids []string) { sizes = append(sizes, len(ids)) })
	run(t, context.Background(), Deps{Page: replay.New(threePages()), Store: &memStore{}, Sink: sink}, testOptions(checkpoint.ModePages))
	require.GreaterOrEqual(t, len(sizes), 3)
	assert.Equal(t, []int{2, 4, 6}, sizes[:3])
}

type alerts struct {
	mu sync.Mutex
	n  int
}

func (a *alerts) Alert(ctx context.Context, subject, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	return nil
}

func (a *alerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}
