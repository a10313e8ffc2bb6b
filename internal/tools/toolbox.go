// Package tools executes model commands against a browser controller.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-task-agent/internal/browser"
	"github.com/polzovatel/browser-task-agent/internal/resolve"
	"github.com/polzovatel/browser-task-agent/internal/snapshot"
)

const (
	defaultWait        = 2
	maxWait            = 30
	defaultScroll      = 500
	elementsMax        = 50
	elementsChars      = 4000
	settleAfterAction  = 5 * time.Second
	defaultHandoff     = 45 * time.Second
	defaultHandoffPoll = 2 * time.Second
)

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Result is the outcome of one command. Terminal is set only by finish.
type Result struct {
	Success  bool   `json:"success"`
	Content  string `json:"content,omitempty"`
	Error    string `json:"error,omitempty"`
	Terminal bool   `json:"is_terminal"`
	// Image holds the capture taken by the screenshot command.
	Image []byte `json:"-"`
}

func ok(format string, args ...any) Result {
	return Result{Success: true, Content: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

type Options struct {
	ActionTimeout      time.Duration
	HandoffTimeout     time.Duration
	HandoffPoll        time.Duration
	ScreenshotQuality  int
	ScreenshotMaxWidth uint
	// Notify shows wait_for_user messages to the operator.
	Notify func(message string)
}

func (o Options) withDefaults() Options {
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 10 * time.Second
	}
	if o.HandoffTimeout <= 0 {
		o.HandoffTimeout = defaultHandoff
	}
	if o.HandoffPoll <= 0 {
		o.HandoffPoll = defaultHandoffPoll
	}
	if o.ScreenshotQuality <= 0 {
		o.ScreenshotQuality = 50
	}
	return o
}

// Toolbox is the registry of browser commands bound to one controller.
type Toolbox struct {
	ctrl      browser.Controller
	resolver  *resolve.Resolver
	compactor *snapshot.Compactor
	opts      Options
	logger    zerolog.Logger
	tools     []Tool
}

func New(ctrl browser.Controller, resolver *resolve.Resolver, compactor *snapshot.Compactor, opts Options, logger zerolog.Logger) *Toolbox {
	return &Toolbox{
		ctrl:      ctrl,
		resolver:  resolver,
		compactor: compactor,
		opts:      opts.withDefaults(),
		logger:    logger.With().Str("comp", "tools").Logger(),
		tools: []Tool{
			newTool("navigate", "Open a URL", schema{"url": str("URL to open")}, []string{"url"}),
			newTool("click", "Click an element by locator from the element list, [index], CSS selector, XPath or visible text", schema{"selector": str("element locator or visible text")}, []string{"selector"}),
			newTool("input", "Type text into an input, or choose an option of a select", schema{"selector": str("element locator"), "text": str("text to type or option to choose")}, []string{"selector", "text"}),
			newTool("extract", "Return the readable page text to extract information from", schema{"query": str("what to extract")}, nil),
			newTool("screenshot", "Capture the visible viewport", schema{}, nil),
			newTool("get_elements", "List the interactive elements of the page", schema{}, nil),
			newTool("scroll", "Scroll the page", schema{"direction": str("up|down|left|right|top|bottom"), "amount": integer("pixels, default 500")}, nil),
			newTool("go_back", "Go back to the previous page", schema{}, nil),
			newTool("press_key", "Press a key such as Enter, Tab, Escape or ArrowDown", schema{"key": str("key name")}, []string{"key"}),
			newTool("get_text", "Return the plain page text, head and tail kept when long", schema{}, nil),
			newTool("wait", "Wait a number of seconds (max 30)", schema{"seconds": integer("seconds, default 2")}, nil),
			newTool("wait_for_user", "Pause until the user completes a verification or login in the browser", schema{"message": str("what the user should do")}, nil),
			newTool("reload", "Reload the current page", schema{}, nil),
			newTool("finish", "Finish the task with the final result", schema{"result": str("the task result for the user")}, []string{"result"}),
		},
	}
}

func (t *Toolbox) Describe() []Tool {
	return append([]Tool(nil), t.tools...)
}

// Usage renders the registry as numbered signatures for a prompt.
func (t *Toolbox) Usage() string {
	var b strings.Builder
	for i, tool := range t.tools {
		props, _ := tool.InputSchema["properties"].(schema)
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "%d. %s(%s) - %s\n", i+1, tool.Name, strings.Join(names, ", "), tool.Description)
	}
	return b.String()
}

// Invoke decodes and executes a named command. Unknown names and invalid
// parameters become failed results.
func (t *Toolbox) Invoke(ctx context.Context, name string, params map[string]any) Result {
	cmd, err := Decode(name, params)
	if err != nil {
		t.logger.Warn().Str("tool", name).Err(err).Msg("rejected command")
		return fail("%s: %v", name, err)
	}
	return t.Execute(ctx, cmd)
}

// Execute runs cmd. Every failure is reported in the result.
func (t *Toolbox) Execute(ctx context.Context, cmd Command) Result {
	start := time.Now()
	res := t.execute(ctx, cmd)
	ev := t.logger.Info()
	if !res.Success {
		ev = t.logger.Warn().Str("error", res.Error)
	}
	ev.Str("tool", cmd.Name()).Bool("success", res.Success).Dur("took", time.Since(start)).Msg("tool executed")
	return res
}

func (t *Toolbox) execute(ctx context.Context, cmd Command) Result {
	if err := ctx.Err(); err != nil {
		return fail("%s: %v", cmd.Name(), err)
	}
	switch c := cmd.(type) {
	case Navigate:
		return t.navigate(ctx, c)
	case Click:
		return t.click(ctx, c)
	case Input:
		return t.input(ctx, c)
	case Extract:
		return t.extract(ctx, c)
	case Screenshot:
		return t.screenshot(ctx)
	case GetElements:
		return t.getElements(ctx)
	case Scroll:
		return t.scroll(ctx, c)
	case GoBack:
		if err := t.ctrl.GoBack(ctx); err != nil {
			return fail("go back failed: %v", err)
		}
		return ok("went back to %s", t.ctrl.URL())
	case PressKey:
		if err := t.ctrl.PressKey(ctx, c.Key); err != nil {
			return fail("press key failed: %v", err)
		}
		return ok("pressed %s", c.Key)
	case GetText:
		return t.getText(ctx)
	case Wait:
		return t.wait(ctx, c)
	case WaitForUser:
		return t.waitForUser(ctx, c)
	case Reload:
		if err := t.ctrl.Reload(ctx); err != nil {
			return fail("reload failed: %v", err)
		}
		_ = t.ctrl.WaitForStableDOM(ctx, settleAfterAction)
		title, _ := t.ctrl.Title()
		return ok("page reloaded. current page: %s (%s)", title, t.ctrl.URL())
	case Finish:
		return Result{Success: true, Content: c.Result, Terminal: true}
	default:
		return fail("%v: %s", ErrUnknownCommand, cmd.Name())
	}
}

func (t *Toolbox) navigate(ctx context.Context, c Navigate) Result {
	if err := t.ctrl.Navigate(ctx, c.URL); err != nil {
		return fail("navigation failed: %v", err)
	}
	title, _ := t.ctrl.Title()
	body, _ := t.ctrl.Text(ctx)
	if looksLikeChallenge(title, body) {
		return ok("navigated to %s, but the page looks like a human verification. Call wait_for_user so the user can complete it.", c.URL)
	}
	return ok("navigated to %s, page title: %s", c.URL, title)
}

func (t *Toolbox) click(ctx context.Context, c Click) Result {
	res, err := t.resolver.Click(ctx, c.Selector, t.opts.ActionTimeout)
	if err != nil {
		return fail("click failed: %v", err)
	}
	_ = t.ctrl.WaitForStableDOM(ctx, settleAfterAction)
	if res.Strategy == resolve.StrategyRaw {
		return ok("clicked %s", c.Selector)
	}
	return ok("clicked %s (matched %s via %s strategy)", c.Selector, res.Selector, res.Strategy)
}

func (t *Toolbox) input(ctx context.Context, c Input) Result {
	res, err := t.resolver.Fill(ctx, c.Selector, c.Text, t.opts.ActionTimeout)
	if err != nil {
		return fail("input failed: %v", err)
	}
	return ok("typed %q into %s", c.Text, res.Selector)
}

func (t *Toolbox) extract(ctx context.Context, c Extract) Result {
	title, _ := t.ctrl.Title()
	text, err := t.pageText(ctx)
	if err != nil {
		return fail("extract failed: %v", err)
	}
	query := c.Query
	if query == "" {
		query = "summarize the relevant information"
	}
	return ok("Page title: %s\nURL: %s\n\n=== Page content ===\n%s\n\n=== Extraction task ===\nBased on the content above, %s",
		title, t.ctrl.URL(), truncate(text, extractLimit), query)
}

// pageText prefers the HTML rendering and falls back to innerText.
func (t *Toolbox) pageText(ctx context.Context) (string, error) {
	html, err := t.ctrl.HTML(ctx)
	if err == nil && html != "" {
		if text, err := readableText(html); err == nil && text != "" {
			return text, nil
		}
	}
	return t.ctrl.Text(ctx)
}

func (t *Toolbox) screenshot(ctx context.Context) Result {
	data, err := t.ctrl.Screenshot(ctx, browser.ScreenshotOptions{
		Quality:  t.opts.ScreenshotQuality,
		MaxWidth: t.opts.ScreenshotMaxWidth,
	})
	if err != nil {
		return fail("screenshot failed: %v", err)
	}
	res := ok("screenshot captured (%d bytes)", len(data))
	res.Image = data
	return res
}

func (t *Toolbox) getElements(ctx context.Context) Result {
	snap := t.compactor.Compact(ctx, t.ctrl, elementsMax)
	if snap.Err != "" {
		return fail("get elements failed: %s", snap.Err)
	}
	return ok("found %d interactive elements:\n%s", len(snap.Elements), snap.Render(elementsChars))
}

func (t *Toolbox) scroll(ctx context.Context, c Scroll) Result {
	amount := c.Amount
	if amount <= 0 {
		amount = defaultScroll
	}
	if _, err := t.ctrl.Scroll(ctx, c.Direction, amount); err != nil {
		return fail("scroll failed: %v", err)
	}
	if c.Direction == "top" || c.Direction == "bottom" {
		return ok("scrolled to the %s", c.Direction)
	}
	return ok("scrolled %s %d pixels", c.Direction, amount)
}

func (t *Toolbox) getText(ctx context.Context) Result {
	text, err := t.ctrl.Text(ctx)
	if err != nil {
		return fail("get text failed: %v", err)
	}
	title, _ := t.ctrl.Title()
	return ok("Page: %s\nURL: %s\n\n%s", title, t.ctrl.URL(), headTail(text, textLimit))
}

func (t *Toolbox) wait(ctx context.Context, c Wait) Result {
	secs := c.Seconds
	if secs <= 0 {
		secs = defaultWait
	}
	if secs > maxWait {
		secs = maxWait
	}
	if err := sleep(ctx, time.Duration(secs)*time.Second); err != nil {
		return fail("wait interrupted: %v", err)
	}
	return ok("waited %d seconds", secs)
}

// waitForUser hands the browser to the operator. While a verification page
// is showing it polls until the page changes; otherwise it waits the full
// bound. The page is reloaded only when the bound is reached.
func (t *Toolbox) waitForUser(ctx context.Context, c WaitForUser) Result {
	msg := c.Message
	if msg == "" {
		msg = "Please complete the required action in the browser"
	}
	t.logger.Warn().Str("message", msg).Dur("timeout", t.opts.HandoffTimeout).Msg("waiting for user")
	if t.opts.Notify != nil {
		t.opts.Notify(msg)
	}

	challenged := t.challenged(ctx)
	deadline := time.Now().Add(t.opts.HandoffTimeout)
	for time.Now().Before(deadline) {
		if err := sleep(ctx, min(t.opts.HandoffPoll, time.Until(deadline))); err != nil {
			return fail("wait for user interrupted: %v", err)
		}
		if challenged && !t.challenged(ctx) {
			title, _ := t.ctrl.Title()
			return ok("user finished. current page: %s (%s)", title, t.ctrl.URL())
		}
	}

	if err := t.ctrl.Reload(ctx); err != nil {
		t.logger.Debug().Err(err).Msg("reload after handoff failed")
	} else {
		_ = t.ctrl.WaitForStableDOM(ctx, settleAfterAction)
	}
	title, _ := t.ctrl.Title()
	return ok("user wait finished. current page: %s (%s)", title, t.ctrl.URL())
}

func (t *Toolbox) challenged(ctx context.Context) bool {
	title, _ := t.ctrl.Title()
	body, _ := t.ctrl.Text(ctx)
	return looksLikeChallenge(title, body)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type schema map[string]any

func newTool(name, desc string, props schema, required []string) Tool {
	return Tool{
		Name:        name,
		Description: desc,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}
