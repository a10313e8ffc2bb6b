// Package browsertest provides in-memory fakes of the browser interfaces.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/polzovatel/browser-task-agent/internal/browser"
)

// ErrNotFound is returned by every method of an element no selector matched.
var ErrNotFound = errors.New("fake: no element matches selector")

// Element is a scripted node. Hidden elements never become visible.
type Element struct {
	Tag      string
	Hidden   bool
	ClickErr error

	mu       sync.Mutex
	clicks   int
	filled   string
	selected string
	scrolled bool
}

func (e *Element) WaitVisible(time.Duration) error {
	if e.Hidden {
		return fmt.Errorf("fake: wait visible: %w", context.DeadlineExceeded)
	}
	return nil
}

func (e *Element) ScrollIntoView() error {
	e.mu.Lock()
	e.scrolled = true
	e.mu.Unlock()
	return nil
}

func (e *Element) Click(time.Duration) error {
	if e.ClickErr != nil {
		return e.ClickErr
	}
	e.mu.Lock()
	e.clicks++
	e.mu.Unlock()
	return nil
}

func (e *Element) Fill(text string, _ time.Duration) error {
	e.mu.Lock()
	e.filled = text
	e.mu.Unlock()
	return nil
}

func (e *Element) TagName() (string, error) {
	if e.Tag == "" {
		return "div", nil
	}
	return e.Tag, nil
}

func (e *Element) SelectOption(value string) error {
	e.mu.Lock()
	e.selected = value
	e.mu.Unlock()
	return nil
}

func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

func (e *Element) Filled() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filled
}

func (e *Element) Selected() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

func (e *Element) Scrolled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scrolled
}

type missing struct{ selector string }

func (m missing) err() error { return fmt.Errorf("%w: %s", ErrNotFound, m.selector) }

func (m missing) WaitVisible(time.Duration) error { return m.err() }
func (m missing) ScrollIntoView() error { return m.err() }
func (m missing) Click(time.Duration) error { return m.err() }
func (m missing) Fill(string, time.Duration) error { return m.err() }
func (m missing) TagName() (string, error) { return "", m.err() }
func (m missing) SelectOption(string) error { return m.err() }

// Page maps selectors to elements and delegates script evaluation to EvalFunc.
type Page struct {
	URLValue   string
	TitleValue string
	Elements   map[string]*Element
	EvalFunc   func(script string, arg any) (any, error)

	mu      sync.Mutex
	queries []string
}

func NewPage(url string) *Page {
	return &Page{URLValue: url, Elements: map[string]*Element{}}
}

func (p *Page) URL() string { return p.URLValue }

func (p *Page) Title() (string, error) { return p.TitleValue, nil }

func (p *Page) Query(selector string) browser.Element {
	p.mu.Lock()
	p.queries = append(p.queries, selector)
	p.mu.Unlock()
	if el, ok := p.Elements[selector]; ok {
		return el
	}
	return missing{selector: selector}
}

func (p *Page) Evaluate(script string, arg any) (any, error) {
	if p.EvalFunc == nil {
		return nil, nil
	}
	return p.EvalFunc(script, arg)
}

// Queries returns the selectors queried so far, in order.
func (p *Page) Queries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.queries...)
}

// Controller is a Page with recorded navigation primitives.
type Controller struct {
	*Page
	BodyText   string
	HTMLValue  string
	Shot       []byte
	NavErr     error
	Width      int
	Height     int
	TitleOnNav map[string]string

	mu        sync.Mutex
	navigated []string
	keys      []string
	reloads   int
	backs     int
	scrolls   []string
}

func NewController(url string) *Controller {
	return &Controller{Page: NewPage(url), Width: 1280, Height: 720}
}

func (c *Controller) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.NavErr != nil {
		return c.NavErr
	}
	c.mu.Lock()
	c.navigated = append(c.navigated, url)
	c.mu.Unlock()
	c.URLValue = url
	if title, ok := c.TitleOnNav[url]; ok {
		c.TitleValue = title
	}
	return nil
}

func (c *Controller) GoBack(context.Context) error {
	c.mu.Lock()
	c.backs++
	c.mu.Unlock()
	return nil
}

func (c *Controller) Reload(context.Context) error {
	c.mu.Lock()
	c.reloads++
	c.mu.Unlock()
	return nil
}

func (c *Controller) PressKey(_ context.Context, key string) error {
	c.mu.Lock()
	c.keys = append(c.keys, key)
	c.mu.Unlock()
	return nil
}

func (c *Controller) Scroll(_ context.Context, direction string, distance int) (int, error) {
	if distance <= 0 {
		distance = c.Height
	}
	c.mu.Lock()
	c.scrolls = append(c.scrolls, direction)
	c.mu.Unlock()
	return distance, nil
}

func (c *Controller) Text(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.BodyText, nil
}

// SetBodyText replaces the page text while a command may be reading it.
func (c *Controller) SetBodyText(text string) {
	c.mu.Lock()
	c.BodyText = text
	c.mu.Unlock()
}

func (c *Controller) HTML(context.Context) (string, error) { return c.HTMLValue, nil }

func (c *Controller) Screenshot(context.Context, browser.ScreenshotOptions) ([]byte, error) {
	return c.Shot, nil
}

func (c *Controller) Viewport() (int, int) { return c.Width, c.Height }

func (c *Controller) WaitForStableDOM(context.Context, time.Duration) error { return nil }

func (c *Controller) SaveState(context.Context, string) error { return nil }

func (c *Controller) Close(context.Context) error { return nil }

func (c *Controller) Navigated() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.navigated...)
}

func (c *Controller) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

func (c *Controller) Reloads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloads
}

func (c *Controller) Scrolls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.scrolls...)
}

func (c *Controller) Backs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backs
}

var (
	_ browser.Page       = (*Page)(nil)
	_ browser.Controller = (*Controller)(nil)
)
