package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/rs/zerolog/log"
)

// Options configures the Chrome session.
type Options struct {
	Headless        bool
	UserAgent       string
	Proxy           string
	ChromePath      string
	WindowWidth     int
	WindowHeight    int
	NavigateTimeout time.Duration
	ActionTimeout   time.Duration
	// Cookies are installed before the first navigation.
	Cookies   []*network.CookieParam
	ExtraArgs []chromedp.ExecAllocatorOption
}

// Session is a Page backed by a single Chrome tab driven through chromedp.
// The crawler is strictly sequential, so one tab is shared by every step.
type Session struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	opts        Options
	mu          sync.Mutex
	closed      bool
}

// node wraps a resolved DOM node.
type node struct {
	n *cdp.Node
}

func (e node) Describe() string {
	if e.n == nil {
		return "<nil>"
	}
	return e.n.FullXPath()
}

// NewSession launches Chrome and opens the tab every Page call runs in.
func NewSession(opts Options) (*Session, error) {
	if opts.WindowWidth <= 0 || opts.WindowHeight <= 0 {
		opts.WindowWidth, opts.WindowHeight = 1920, 1080
	}
	if opts.NavigateTimeout <= 0 {
		opts.NavigateTimeout = 60 * time.Second
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 10 * time.Second
	}

	allocOpts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-breakpad", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("log-level", "3"),
		chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight),
	}
	if path := FindChrome(opts.ChromePath); path != "" {
		allocOpts = append([]chromedp.ExecAllocatorOption{chromedp.ExecPath(path)}, allocOpts...)
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.Headless {
		allocOpts = append(allocOpts, chromedp.Flag("headless", "new"))
	} else {
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	}
	if opts.Proxy != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.Proxy))
	}
	allocOpts = append(allocOpts, opts.ExtraArgs...)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		opts:        opts,
	}

	warmup := []chromedp.Action{network.Enable(), chromedp.Navigate("about:blank")}
	if len(opts.Cookies) > 0 {
		warmup = append(warmup, network.SetCookies(opts.Cookies))
	}
	if err := chromedp.Run(tabCtx, warmup...); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start browser session: %w", err)
	}

	log.Info().
		Bool("headless", opts.Headless).
		Int("cookies", len(opts.Cookies)).
		Msg("Browser session ready")
	return s, nil
}

// run executes actions in the tab, bounded by timeout and by the caller's ctx.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("browser session is closed")
	}

	runCtx, cancel := context.WithTimeout(s.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || runCtx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if isStaleNodeError(err) {
		return fmt.Errorf("%w: %v", ErrStaleElement, err)
	}
	return err
}

func isStaleNodeError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not find node") ||
		strings.Contains(msg, "no node with given id") ||
		strings.Contains(msg, "node is detached") ||
		strings.Contains(msg, "cannot find context with specified id")
}

func nodeOf(el Element) (*cdp.Node, error) {
	n, ok := el.(node)
	if !ok || n.n == nil {
		return nil, fmt.Errorf("%w: element %T was not produced by this session", ErrStaleElement, el)
	}
	return n.n, nil
}

func wrapNodes(nodes []*cdp.Node) []Element {
	out := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, node{n: n})
	}
	return out
}

// Navigate loads url in the tab.
func (s *Session) Navigate(ctx context.Context, url string) error {
	log.Debug().Str("url", url).Msg("Navigating")
	return s.run(ctx, s.opts.NavigateTimeout, chromedp.Navigate(url))
}

func queryOption(loc Locator) (chromedp.QueryOption, error) {
	switch loc.By {
	case ByCSS, "":
		return chromedp.ByQueryAll, nil
	case ByXPath:
		return chromedp.BySearch, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLocator, loc.By)
	}
}

// Find resolves every element matching loc without waiting for it to appear.
func (s *Session) Find(ctx context.Context, loc Locator) ([]Element, error) {
	by, err := queryOption(loc)
	if err != nil {
		return nil, err
	}
	var nodes []*cdp.Node
	if err := s.run(ctx, s.opts.ActionTimeout, chromedp.Nodes(loc.Value, &nodes, by, chromedp.AtLeast(0))); err != nil {
		return nil, err
	}
	return wrapNodes(nodes), nil
}

// FindWithin resolves CSS locators relative to parent.
func (s *Session) FindWithin(ctx context.Context, parent Element, loc Locator) ([]Element, error) {
	if loc.By != ByCSS && loc.By != "" {
		return nil, fmt.Errorf("%w: scoped lookups need css, got %s", ErrUnsupportedLocator, loc.By)
	}
	p, err := nodeOf(parent)
	if err != nil {
		return nil, err
	}
	var nodes []*cdp.Node
	err = s.run(ctx, s.opts.ActionTimeout,
		chromedp.Nodes(loc.Value, &nodes, chromedp.ByQueryAll, chromedp.FromNode(p), chromedp.AtLeast(0)))
	if err != nil {
		return nil, err
	}
	return wrapNodes(nodes), nil
}

// Click scrolls el into view and clicks its center.
func (s *Session) Click(ctx context.Context, el Element) error {
	n, err := nodeOf(el)
	if err != nil {
		return err
	}
	err = s.run(ctx, s.opts.ActionTimeout, chromedp.MouseClickNode(n))
	if err != nil && !errors.Is(err, ErrStaleElement) && ctx.Err() == nil && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrInteraction, err)
	}
	return err
}

// ClickAt clicks a viewport coordinate.
func (s *Session) ClickAt(ctx context.Context, x, y float64) error {
	return s.run(ctx, s.opts.ActionTimeout, chromedp.MouseClickXY(x, y))
}

// SendKeys replaces the value of an input element with text.
func (s *Session) SendKeys(ctx context.Context, el Element, text string) error {
	n, err := nodeOf(el)
	if err != nil {
		return err
	}
	ids := []cdp.NodeID{n.NodeID}
	return s.run(ctx, s.opts.ActionTimeout,
		chromedp.SetValue(ids, "", chromedp.ByNodeID),
		chromedp.SendKeys(ids, text, chromedp.ByNodeID),
	)
}

// PressEscape sends an Escape key press to the focused element.
func (s *Session) PressEscape(ctx context.Context) error {
	return s.run(ctx, s.opts.ActionTimeout, chromedp.KeyEvent(kb.Escape))
}

// ReadText returns the rendered innerText of el.
func (s *Session) ReadText(ctx context.Context, el Element) (string, error) {
	n, err := nodeOf(el)
	if err != nil {
		return "", err
	}
	var text string
	err = s.run(ctx, s.opts.ActionTimeout,
		chromedp.JavascriptAttribute([]cdp.NodeID{n.NodeID}, "innerText", &text, chromedp.ByNodeID))
	return text, err
}

// ReadAttribute returns the current value of an attribute.
func (s *Session) ReadAttribute(ctx context.Context, el Element, name string) (string, bool, error) {
	n, err := nodeOf(el)
	if err != nil {
		return "", false, err
	}
	var (
		value string
		ok    bool
	)
	err = s.run(ctx, s.opts.ActionTimeout,
		chromedp.AttributeValue([]cdp.NodeID{n.NodeID}, name, &value, &ok, chromedp.ByNodeID))
	return value, ok, err
}

// Visible reports whether el currently has a rendered box.
func (s *Session) Visible(ctx context.Context, el Element) (bool, error) {
	n, err := nodeOf(el)
	if err != nil {
		return false, err
	}
	var model *dom.BoxModel
	err = s.run(ctx, s.opts.ActionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		model, err = dom.GetBoxModel().WithNodeID(n.NodeID).Do(ctx)
		return err
	}))
	if err != nil {
		if errors.Is(err, ErrStaleElement) || ctx.Err() != nil {
			return false, err
		}
		// No box model: display:none or detached from layout.
		return false, nil
	}
	return model != nil && model.Width > 0 && model.Height > 0, nil
}

// CurrentLocation returns the tab's URL.
func (s *Session) CurrentLocation(ctx context.Context) (string, error) {
	var loc string
	err := s.run(ctx, s.opts.ActionTimeout, chromedp.Location(&loc))
	return loc, err
}

// Content returns the outer HTML of the document.
func (s *Session) Content(ctx context.Context) (string, error) {
	var html string
	err := s.run(ctx, s.opts.ActionTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

// Cookies returns every cookie visible to the tab.
func (s *Session) Cookies(ctx context.Context) ([]*network.Cookie, error) {
	var cookies []*network.Cookie
	err := s.run(ctx, s.opts.ActionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	return cookies, err
}

// Close shuts down the tab and the browser process.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := chromedp.Cancel(s.tabCtx); err != nil {
		log.Debug().Err(err).Msg("Tab cancel returned an error")
	}
	s.tabCancel()
	s.allocCancel()
	log.Info().Msg("Browser session closed")
	return nil
}

var _ Page = (*Session)(nil)
