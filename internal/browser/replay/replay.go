// Package replay implements browser.Page over recorded HTML documents.
//
// Locators are resolved with goquery against the current document. Clicking
// an element follows its data-goto attribute (or an anchor's href) to another
// recording, removes the nodes named by data-remove, or reveals the nodes
// named by data-reveal. Tests can intercept any step with hooks.
package replay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/law-makers/harvest/internal/browser"
)

// ErrNoRecording is returned when navigating to a location with no document.
var ErrNoRecording = errors.New("no recording for location")

// Element is a handle into one document generation.
type Element struct {
	sel *goquery.Selection
	gen int
}

// Describe implements browser.Element.
func (e *Element) Describe() string {
	if e == nil || e.sel == nil || len(e.sel.Nodes) == 0 {
		return "<empty>"
	}
	n := e.sel.Nodes[0]
	desc := n.Data
	if id, ok := e.sel.Attr("id"); ok {
		desc += "#" + id
	}
	if class, ok := e.sel.Attr("class"); ok {
		desc += "." + strings.Join(strings.Fields(class), ".")
	}
	return desc
}

// Attr exposes an attribute of the element to hooks.
func (e *Element) Attr(name string) (string, bool) {
	return e.sel.Attr(name)
}

// Is reports whether the element matches a CSS selector.
func (e *Element) Is(selector string) bool {
	return e.sel.Is(selector)
}

// Hooks let tests script behavior the recordings cannot express. A hook that
// returns handled=true replaces the default behavior.
type Hooks struct {
	BeforeNavigate func(p *Page, location string) (handled bool, err error)
	OnClick        func(p *Page, el *Element) (handled bool, err error)
	OnClickAt      func(p *Page, x, y float64) error
	OnEscape       func(p *Page) error
	OnSendKeys     func(p *Page, el *Element, text string) error
}

// Page is a browser.Page backed by recordings.
type Page struct {
	mu       sync.Mutex
	docs     map[string]string
	location string
	doc      *goquery.Document
	gen      int
	hooks    Hooks

	navigations []string
	clicks      int
	clicksAt    int
}

// New creates a Page over recordings keyed by location.
func New(recordings map[string]string) *Page {
	docs := make(map[string]string, len(recordings))
	for k, v := range recordings {
		docs[k] = v
	}
	p := &Page{docs: docs}
	p.doc, _ = goquery.NewDocumentFromReader(strings.NewReader("<html><body></body></html>"))
	return p
}

// SetHooks installs test hooks.
func (p *Page) SetHooks(h Hooks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = h
}

// Record registers or replaces the document served at location.
func (p *Page) Record(location, document string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs[location] = document
}

// Show replaces the current document as if the page re-rendered in place.
// Previously returned elements go stale.
func (p *Page) Show(location string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load(location)
}

// Mutate edits the current document in place. Previously returned elements go stale.
func (p *Page) Mutate(fn func(doc *goquery.Document)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.doc)
	p.gen++
}

// Navigations returns every location passed to Navigate, in order.
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Clicks returns the number of element clicks dispatched.
func (p *Page) Clicks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clicks
}

// CoordinateClicks returns the number of ClickAt calls.
func (p *Page) CoordinateClicks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clicksAt
}

// Location returns the current location without going through a context.
func (p *Page) Location() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location
}

func (p *Page) load(location string) error {
	src, ok := p.docs[location]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRecording, location)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("parse recording %s: %w", location, err)
	}
	p.doc = doc
	p.location = location
	p.gen++
	return nil
}

func (p *Page) element(el browser.Element) (*Element, error) {
	e, ok := el.(*Element)
	if !ok || e == nil || e.sel == nil {
		return nil, fmt.Errorf("%w: foreign element %T", browser.ErrStaleElement, el)
	}
	if e.gen != p.gen {
		return nil, fmt.Errorf("%w: %s", browser.ErrStaleElement, e.Describe())
	}
	return e, nil
}

func (p *Page) wrap(sel *goquery.Selection) []browser.Element {
	out := make([]browser.Element, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		out = append(out, &Element{sel: s, gen: p.gen})
	})
	return out
}

// Navigate loads the recording for location.
func (p *Page) Navigate(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.navigations = append(p.navigations, location)
	hook := p.hooks.BeforeNavigate
	p.mu.Unlock()

	if hook != nil {
		handled, err := hook(p, location)
		if err != nil || handled {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load(location)
}

// Find resolves CSS locators against the current document.
func (p *Page) Find(ctx context.Context, loc browser.Locator) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if loc.By != browser.ByCSS && loc.By != "" {
		return nil, fmt.Errorf("%w: %s", browser.ErrUnsupportedLocator, loc.By)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrap(p.doc.Find(loc.Value)), nil
}

// FindWithin resolves CSS locators under parent.
func (p *Page) FindWithin(ctx context.Context, parent browser.Element, loc browser.Locator) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if loc.By != browser.ByCSS && loc.By != "" {
		return nil, fmt.Errorf("%w: %s", browser.ErrUnsupportedLocator, loc.By)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.element(parent)
	if err != nil {
		return nil, err
	}
	return p.wrap(e.sel.Find(loc.Value)), nil
}

// Click applies the element's scripted behavior.
func (p *Page) Click(ctx context.Context, el browser.Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	e, err := p.element(el)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.clicks++
	hook := p.hooks.OnClick
	p.mu.Unlock()

	if hook != nil {
		handled, err := hook(p, e)
		if err != nil || handled {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e.gen != p.gen {
		return fmt.Errorf("%w: %s", browser.ErrStaleElement, e.Describe())
	}
	if target, ok := e.sel.Attr("data-goto"); ok {
		return p.load(target)
	}
	if sel, ok := e.sel.Attr("data-remove"); ok {
		p.doc.Find(sel).Remove()
		p.gen++
		return nil
	}
	if sel, ok := e.sel.Attr("data-reveal"); ok {
		p.doc.Find(sel).RemoveAttr("hidden").RemoveAttr("style")
		p.gen++
		return nil
	}
	if goquery.NodeName(e.sel) == "a" {
		if href, ok := e.sel.Attr("href"); ok {
			return p.load(resolve(p.location, href))
		}
	}
	return nil
}

// ClickAt runs the coordinate hook; without one it is a no-op.
func (p *Page) ClickAt(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.clicksAt++
	hook := p.hooks.OnClickAt
	p.mu.Unlock()
	if hook != nil {
		return hook(p, x, y)
	}
	return nil
}

// SendKeys sets the value attribute of an input.
func (p *Page) SendKeys(ctx context.Context, el browser.Element, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	e, err := p.element(el)
	hook := p.hooks.OnSendKeys
	if err == nil {
		e.sel.SetAttr("value", text)
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		return hook(p, e, text)
	}
	return nil
}

// PressEscape runs the escape hook; without one it removes every element
// marked data-dismissable.
func (p *Page) PressEscape(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	hook := p.hooks.OnEscape
	p.mu.Unlock()
	if hook != nil {
		return hook(p)
	}
	p.Mutate(func(doc *goquery.Document) {
		doc.Find("[data-dismissable]").Remove()
	})
	return nil
}

// ReadText returns the visible text of el with whitespace collapsed.
func (p *Page) ReadText(ctx context.Context, el browser.Element) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.element(el)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, n := range e.sel.Nodes {
		visibleText(n, &sb)
	}
	return strings.Join(strings.Fields(sb.String()), " "), nil
}

// ReadAttribute returns an attribute of el.
func (p *Page) ReadAttribute(ctx context.Context, el browser.Element, name string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.element(el)
	if err != nil {
		return "", false, err
	}
	v, ok := e.sel.Attr(name)
	return v, ok, nil
}

// Visible reports whether el and its ancestors are not hidden.
func (p *Page) Visible(ctx context.Context, el browser.Element) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.element(el)
	if err != nil {
		return false, err
	}
	for n := e.sel.Nodes[0]; n != nil; n = n.Parent {
		if hidden(n) {
			return false, nil
		}
	}
	return true, nil
}

// CurrentLocation returns the location of the current recording.
func (p *Page) CurrentLocation(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.Location(), nil
}

// Content serializes the current document.
func (p *Page) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc.Html()
}

func hidden(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, a := range n.Attr {
		switch a.Key {
		case "hidden":
			return true
		case "style":
			style := strings.ReplaceAll(strings.ToLower(a.Val), " ", "")
			if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
				return true
			}
		}
	}
	return false
}

func visibleText(n *html.Node, sb *strings.Builder) {
	if hidden(n) {
		return
	}
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
		sb.WriteByte(' ')
		return
	case html.ElementNode:
		if n.Data == "script" || n.Data == "style" {
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		visibleText(c, sb)
	}
}

func resolve(base, href string) string {
	u, err := url.Parse(href)
	if err != nil || u.IsAbs() {
		return href
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return href
	}
	return b.ResolveReference(u).String()
}

var _ browser.Page = (*Page)(nil)
