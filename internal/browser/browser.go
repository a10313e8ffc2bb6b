package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
)

const (
	defaultNavTimeout    = 60 * time.Second
	defaultActionTimeout = 10 * time.Second
	defaultViewportW     = 1280
	defaultViewportH     = 720
	fallbackLoadTimeout  = 15 * time.Second
)

// Page is the part of a live page the compactor and the resolution cascade need.
type Page interface {
	URL() string
	Title() (string, error)
	Query(selector string) Element
	Evaluate(script string, arg any) (any, error)
}

// Element is the first node matched by a selector. Methods fail when nothing matches.
type Element interface {
	WaitVisible(timeout time.Duration) error
	ScrollIntoView() error
	Click(timeout time.Duration) error
	Fill(text string, timeout time.Duration) error
	TagName() (string, error)
	SelectOption(value string) error
}

// Controller exposes the browser primitives the tools run on.
type Controller interface {
	Page
	Navigate(ctx context.Context, url string) error
	GoBack(ctx context.Context) error
	Reload(ctx context.Context) error
	PressKey(ctx context.Context, key string) error
	Scroll(ctx context.Context, direction string, distance int) (int, error)
	Text(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	Viewport() (width, height int)
	WaitForStableDOM(ctx context.Context, timeout time.Duration) error
	SaveState(ctx context.Context, path string) error
	Close(ctx context.Context) error
}

// Options configure the launcher and every controller it creates.
type Options struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	// CDPURL attaches to an already running Chrome instead of launching one.
	CDPURL        string
	NavTimeout    time.Duration
	ActionTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ViewportWidth <= 0 {
		o.ViewportWidth = defaultViewportW
	}
	if o.ViewportHeight <= 0 {
		o.ViewportHeight = defaultViewportH
	}
	if o.NavTimeout <= 0 {
		o.NavTimeout = defaultNavTimeout
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = defaultActionTimeout
	}
	return o
}

// Launcher owns playwright lifecycle.
type Launcher struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	opts     Options
	attached bool
	logger   zerolog.Logger
}

func NewLauncher(ctx context.Context, opts Options, logger zerolog.Logger) (*Launcher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	l := &Launcher{pw: pw, opts: opts, logger: logger.With().Str("comp", "browser").Logger()}

	if opts.CDPURL != "" {
		b, err := pw.Chromium.ConnectOverCDP(opts.CDPURL)
		if err != nil {
			_ = pw.Stop()
			return nil, fmt.Errorf("connect over cdp: %w", err)
		}
		l.browser, l.attached = b, true
		l.logger.Info().Str("endpoint", opts.CDPURL).Msg("attached to running browser")
		return l, nil
	}

	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-blink-features=AutomationControlled",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	l.browser = b
	l.logger.Info().Bool("headless", opts.Headless).Msg("chromium launched")
	return l, nil
}

// NewController opens a fresh browsing context with one page. Every task run
// gets its own controller.
func (l *Launcher) NewController(ctx context.Context, storagePath string) (Controller, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
		Viewport: &playwright.Size{
			Width:  l.opts.ViewportWidth,
			Height: l.opts.ViewportHeight,
		},
	}
	if strings.TrimSpace(storagePath) != "" {
		if _, err := os.Stat(storagePath); err == nil {
			opts.StorageStatePath = playwright.String(storagePath)
		}
	}
	bctx, err := l.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(stealthScript)}); err != nil {
		l.logger.Debug().Err(err).Msg("init script not installed")
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(l.opts.ActionTimeout.Milliseconds()))
	page.SetDefaultNavigationTimeout(float64(l.opts.NavTimeout.Milliseconds()))

	return &controller{
		context: bctx,
		page:    page,
		opts:    l.opts,
		logger:  l.logger,
	}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil && !l.attached {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

const stealthScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

type controller struct {
	context playwright.BrowserContext
	page    playwright.Page
	opts    Options
	logger  zerolog.Logger
}

func (c *controller) Close(ctx context.Context) error {
	_ = ctx
	if c.page != nil {
		_ = c.page.Close()
	}
	if c.context != nil {
		return c.context.Close()
	}
	return nil
}

func (c *controller) URL() string {
	return c.page.URL()
}

func (c *controller) Title() (string, error) {
	title, err := c.page.Title()
	return title, wrap(err)
}

func (c *controller) Query(selector string) Element {
	return &locatorElement{loc: c.page.Locator(selector).First()}
}

func (c *controller) Evaluate(script string, arg any) (any, error) {
	var (
		out any
		err error
	)
	if arg == nil {
		out, err = c.page.Evaluate(script)
	} else {
		out, err = c.page.Evaluate(script, arg)
	}
	return out, wrap(err)
}

func (c *controller) Viewport() (int, int) {
	if size := c.page.ViewportSize(); size != nil {
		return size.Width, size.Height
	}
	return c.opts.ViewportWidth, c.opts.ViewportHeight
}

// Navigate prefers network idle and falls back to DOMContentLoaded when the
// page keeps the network busy past the navigation timeout.
func (c *controller) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(float64(c.opts.NavTimeout.Milliseconds())),
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, playwright.ErrTimeout) {
		return wrap(err)
	}
	c.logger.Debug().Str("url", url).Msg("network idle timed out, falling back to domcontentloaded")
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = c.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(c.opts.NavTimeout.Milliseconds())),
	})
	return wrap(err)
}

func (c *controller) GoBack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.GoBack(playwright.PageGoBackOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(fallbackLoadTimeout.Milliseconds())),
	})
	if err != nil && errors.Is(err, playwright.ErrTimeout) {
		_, err = c.page.GoBack(playwright.PageGoBackOptions{
			WaitUntil: playwright.WaitUntilStateLoad,
		})
	}
	return wrap(err)
}

func (c *controller) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.Reload(playwright.PageReloadOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	return wrap(err)
}

func (c *controller) PressKey(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.Keyboard().Press(key))
}

func (c *controller) Text(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out, err := c.page.Evaluate(`() => document.body ? document.body.innerText : ''`)
	if err != nil {
		return "", wrap(err)
	}
	text, _ := out.(string)
	return text, nil
}

func (c *controller) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	html, err := c.page.Content()
	return html, wrap(err)
}

// Scroll moves the nearest scrollable container (or the window) and returns
// the distance used. A zero distance scrolls one viewport.
func (c *controller) Scroll(ctx context.Context, direction string, distance int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if distance <= 0 {
		_, h := c.Viewport()
		distance = h
	}
	_, err := c.page.Evaluate(scrollScript, []any{direction, distance})
	if err != nil {
		return 0, wrap(err)
	}
	return distance, nil
}

const scrollScript = `([dir, dist]) => {
	function isScrollable(el) {
		if (!el) return false;
		const s = window.getComputedStyle(el);
		return (s.overflowY === 'auto' || s.overflowY === 'scroll') && el.scrollHeight > el.clientHeight;
	}
	let target = null;
	let p = document.activeElement;
	while (p && p !== document.body) {
		if (isScrollable(p)) { target = p; break; }
		p = p.parentElement;
	}
	if (!target) {
		for (const n of document.querySelectorAll('main,[role="main"],section,div')) {
			if (isScrollable(n) && n.clientHeight > window.innerHeight / 2) { target = n; break; }
		}
	}
	const d = String(dir || 'down').toLowerCase();
	const distance = Number(dist) || window.innerHeight;
	const el = target || document.scrollingElement || document.documentElement;
	if (d === 'top') { el.scrollTop = 0; return el.scrollTop; }
	if (d === 'bottom') { el.scrollTop = el.scrollHeight; return el.scrollTop; }
	if (d === 'left' || d === 'right') {
		window.scrollBy(d === 'left' ? -distance : distance, 0);
		return window.scrollX;
	}
	const move = d === 'up' ? -distance : distance;
	if (target) { target.scrollBy({top: move, left: 0, behavior: 'auto'}); return target.scrollTop; }
	window.scrollBy(0, move);
	return window.scrollY;
}`

// WaitForStableDOM waits for network idle (falling back to DOMContentLoaded)
// and then for a short mutation-free window.
func (c *controller) WaitForStableDOM(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if err := c.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}); err != nil {
		_ = c.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateDomcontentloaded,
			Timeout: playwright.Float(1000),
		})
	}
	_, err := c.page.Evaluate(`() => new Promise((resolve) => {
		if (!document.body) { resolve(); return; }
		let timer;
		const observer = new MutationObserver(() => {
			clearTimeout(timer);
			timer = setTimeout(() => { observer.disconnect(); resolve(); }, 300);
		});
		observer.observe(document.body, {childList: true, subtree: true, attributes: true});
		timer = setTimeout(() => { observer.disconnect(); resolve(); }, 300);
		setTimeout(() => { observer.disconnect(); resolve(); }, 3000);
	})`)
	return wrap(err)
}

func (c *controller) SaveState(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := c.context.StorageState()
	if err != nil {
		return wrap(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

type locatorElement struct {
	loc playwright.Locator
}

func (e *locatorElement) WaitVisible(timeout time.Duration) error {
	return wrap(e.loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}))
}

func (e *locatorElement) ScrollIntoView() error {
	return wrap(e.loc.ScrollIntoViewIfNeeded())
}

func (e *locatorElement) Click(timeout time.Duration) error {
	return wrap(e.loc.Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}))
}

func (e *locatorElement) Fill(text string, timeout time.Duration) error {
	return wrap(e.loc.Fill(text, playwright.LocatorFillOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}))
}

func (e *locatorElement) TagName() (string, error) {
	out, err := e.loc.Evaluate(`el => el.tagName.toLowerCase()`, nil)
	if err != nil {
		return "", wrap(err)
	}
	tag, _ := out.(string)
	return tag, nil
}

// SelectOption matches by value first, then by visible label.
func (e *locatorElement) SelectOption(value string) error {
	_, err := e.loc.SelectOption(playwright.SelectOptionValues{Values: &[]string{value}})
	if err == nil {
		return nil
	}
	_, err = e.loc.SelectOption(playwright.SelectOptionValues{Labels: &[]string{value}})
	return wrap(err)
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}
