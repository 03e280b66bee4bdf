package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/law-makers/harvest/internal/browser"
)

const listPage = `<html><body>
<div class="list">
  <a class="row" href="/tasks/abc">first</a>
  <a class="row" href="/tasks/def">second <span hidden>secret</span></a>
</div>
<button id="next" data-goto="https://example.test/list?page=2">Next</button>
<div id="modal" data-dismissable>modal</div>
<p style="display: none">invisible</p>
</body></html>`

const secondPage = `<html><body><div class="list"><a class="row" href="/tasks/ghi">third</a></div></body></html>`

func newPage(t *testing.T) *Page {
	t.Helper()
	p := New(map[string]string{
		"https://example.test/list":        listPage,
		"https://example.test/list?page=2": secondPage,
		"https://example.test/tasks/abc":   `<html><body><h1>abc</h1></body></html>`,
	})
	require.NoError(t, p.Navigate(context.Background(), "https://example.test/list"))
	return p
}

func TestFindReadAndVisibility(t *testing.T) {
	ctx := context.Background()
	p := newPage(t)

	rows, err := p.Find(ctx, browser.CSS(".row"))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	text, err := p.ReadText(ctx, rows[1])
	require.NoError(t, err)
	assert.Equal(t, "second", text, "hidden descendants are not part of the visible text")

	href, ok, err := p.ReadAttribute(ctx, rows[0], "href")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/tasks/abc", href)

	hiddenEls, err := p.Find(ctx, browser.CSS("p"))
	require.NoError(t, err)
	visible, err := p.Visible(ctx, hiddenEls[0])
	require.NoError(t, err)
	assert.False(t, visible)

	_, err = p.Find(ctx, browser.XPath("//a"))
	assert.ErrorIs(t, err, browser.ErrUnsupportedLocator)
}

func TestClickFollowsGotoAndStalesHandles(t *testing.T) {
	ctx := context.Background()
	p := newPage(t)

	rows, err := p.Find(ctx, browser.CSS(".row"))
	require.NoError(t, err)

	next, ok, err := browser.FirstMatch(ctx, p, browser.CSS("#missing"), browser.CSS("#next"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, p.Click(ctx, next))

	assert.Equal(t, "https://example.test/list?page=2", p.Location())
	_, err = p.ReadText(ctx, rows[0])
	assert.True(t, errors.Is(err, browser.ErrStaleElement))
	assert.Equal(t, "third", browser.FirstText(ctx, p, browser.CSS(".row")))
}

func TestAnchorClickResolvesRelativeHref(t *testing.T) {
	ctx := context.Background()
	p := newPage(t)

	row, ok, err := browser.FirstMatch(ctx, p, browser.CSS(".row"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, p.Click(ctx, row))
	assert.Equal(t, "https://example.test/tasks/abc", p.Location())
}

func TestEscapeRemovesDismissableAndHooksRun(t *testing.T) {
	ctx := context.Background()
	p := newPage(t)

	require.NoError(t, p.PressEscape(ctx))
	els, err := p.Find(ctx, browser.CSS("#modal"))
	require.NoError(t, err)
	assert.Empty(t, els)

	p.SetHooks(Hooks{OnClickAt: func(p *Page, x, y float64) error {
		p.Mutate(func(doc *goquery.Document) { doc.Find("body").AppendHtml(`<i id="clicked"></i>`) })
		return nil
	}})
	require.NoError(t, p.ClickAt(ctx, 10, 20))
	assert.Equal(t, 1, p.CoordinateClicks())
	found, ok, err := browser.FirstMatch(ctx, p, browser.CSS("#clicked"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, found)
}

func TestWaitUntilTimesOut(t *testing.T) {
	prev := browser.DefaultPollInterval
	browser.DefaultPollInterval = time.Millisecond
	defer func() { browser.DefaultPollInterval = prev }()

	p := newPage(t)
	err := browser.WaitUntil(context.Background(), p, browser.Present(browser.CSS("#never")), 20*time.Millisecond)
	assert.ErrorIs(t, err, browser.ErrTimeout)

	err = browser.WaitUntil(context.Background(), p, browser.VisibleCond(browser.CSS(".row")), time.Second)
	assert.NoError(t, err)
}
