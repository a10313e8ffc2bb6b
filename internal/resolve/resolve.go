// Package resolve turns a loosely specified target reference into a visible,
// actionable element by trying selector strategies in a fixed order.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-task-agent/internal/browser"
	"github.com/polzovatel/browser-task-agent/internal/snapshot"
	"github.com/polzovatel/browser-task-agent/internal/workflow"
)

type Kind string

const (
	KindClick Kind = "click"
	KindFill  Kind = "fill"
)

// Strategy names reported in Resolution.Strategy.
const (
	StrategyRaw        = "raw"
	StrategyIndex      = "index"
	StrategyText       = "text"
	StrategyWorkflow   = "workflow"
	StrategyIDLoosened = "id-loosened"
	StrategyXPath      = "xpath"
	StrategyWord       = "word"
	StrategyFillAttr   = "fill-attr"
	StrategyScript     = "script"
)

const (
	defaultSettle       = 300 * time.Millisecond
	defaultFallbackWait = 1500 * time.Millisecond
	maxWords            = 4
)

// Resolution describes how a reference was resolved. Element is nil when the
// scripted fallback clicked the node directly.
type Resolution struct {
	Element  browser.Element
	Strategy string
	Selector string
	Attempts int
}

// ExhaustedError is returned when no strategy produced a visible match.
type ExhaustedError struct {
	Raw      string
	Kind     Kind
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("no element matched %q for %s after %d strategies", e.Raw, e.Kind, e.Attempts)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Observer is told which strategy won (or "none") for every resolution.
type Observer func(kind Kind, strategy string)

type Option func(*Resolver)

// WithSettleDelay replaces the pause taken after scrolling a match into view.
func WithSettleDelay(d time.Duration) Option {
	return func(r *Resolver) { r.settle = d }
}

// WithFallbackWait bounds the visibility wait of every strategy after the first.
func WithFallbackWait(d time.Duration) Option {
	return func(r *Resolver) { r.fallbackWait = d }
}

func WithObserver(o Observer) Option {
	return func(r *Resolver) { r.observe = o }
}

type Resolver struct {
	page         browser.Page
	tables       *workflow.Tables
	logger       zerolog.Logger
	settle       time.Duration
	fallbackWait time.Duration
	observe      Observer
}

func New(page browser.Page, tables *workflow.Tables, logger zerolog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		page:         page,
		tables:       tables,
		logger:       logger.With().Str("comp", "resolve").Logger(),
		settle:       defaultSettle,
		fallbackWait: defaultFallbackWait,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type attempt struct {
	strategy string
	selector string
}

// Resolve runs the DOM-query strategies for kind and returns the first
// visible match, already scrolled into view and settled.
func (r *Resolver) Resolve(ctx context.Context, raw string, kind Kind, timeout time.Duration) (Resolution, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Resolution{}, errors.New("empty target reference")
	}
	var plan []attempt
	if kind == KindFill {
		plan = r.fillPlan(raw)
	} else {
		plan = r.clickPlan(raw)
	}

	var last error
	for i, a := range plan {
		if err := ctx.Err(); err != nil {
			return Resolution{}, err
		}
		wait := timeout
		if i > 0 && (wait <= 0 || wait > r.fallbackWait) {
			wait = r.fallbackWait
		}
		el := r.page.Query(a.selector)
		if err := el.WaitVisible(wait); err != nil {
			r.logger.Debug().Str("strategy", a.strategy).Str("selector", a.selector).Err(err).Msg("no match")
			last = err
			continue
		}
		if err := el.ScrollIntoView(); err != nil {
			r.logger.Debug().Err(err).Msg("scroll into view failed")
		}
		if err := sleep(ctx, r.settle); err != nil {
			return Resolution{}, err
		}
		r.logger.Debug().Str("strategy", a.strategy).Str("selector", a.selector).Int("attempt", i+1).Msg("resolved")
		r.report(kind, a.strategy)
		return Resolution{Element: el, Strategy: a.strategy, Selector: a.selector, Attempts: i + 1}, nil
	}
	return Resolution{}, &ExhaustedError{Raw: raw, Kind: kind, Attempts: len(plan), Last: last}
}

// Click resolves raw and clicks it. When every query strategy fails, a
// scripted search over clickable nodes clicks the best keyword match.
func (r *Resolver) Click(ctx context.Context, raw string, timeout time.Duration) (Resolution, error) {
	res, err := r.Resolve(ctx, raw, KindClick, timeout)
	if err == nil {
		if err := res.Element.Click(timeout); err != nil {
			return res, fmt.Errorf("click %s: %w", res.Selector, err)
		}
		return res, nil
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		return Resolution{}, err
	}

	ex.Attempts++
	words := keywords(raw)
	if len(words) == 0 {
		r.report(KindClick, "none")
		return Resolution{}, ex
	}
	out, evalErr := r.page.Evaluate(scriptClick, words)
	desc, _ := out.(string)
	if evalErr != nil || desc == "" {
		if evalErr != nil {
			ex.Last = evalErr
		}
		r.logger.Warn().Str("target", raw).Int("attempts", ex.Attempts).Msg("resolution exhausted")
		r.report(KindClick, "none")
		return Resolution{}, ex
	}
	if err := sleep(ctx, r.settle); err != nil {
		return Resolution{}, err
	}
	r.logger.Info().Str("target", raw).Str("clicked", desc).Msg("clicked through script fallback")
	r.report(KindClick, StrategyScript)
	return Resolution{Strategy: StrategyScript, Selector: desc, Attempts: ex.Attempts}, nil
}

// Fill resolves raw with the fill cascade and types text into it. Select
// elements get the matching option chosen instead.
func (r *Resolver) Fill(ctx context.Context, raw, text string, timeout time.Duration) (Resolution, error) {
	res, err := r.Resolve(ctx, raw, KindFill, timeout)
	if err != nil {
		if errors.As(err, new(*ExhaustedError)) {
			r.report(KindFill, "none")
		}
		return Resolution{}, err
	}
	if tag, _ := res.Element.TagName(); tag == "select" {
		if err := res.Element.SelectOption(text); err != nil {
			return res, fmt.Errorf("select %q in %s: %w", text, res.Selector, err)
		}
		return res, nil
	}
	if err := res.Element.Fill(text, timeout); err != nil {
		return res, fmt.Errorf("fill %s: %w", res.Selector, err)
	}
	return res, nil
}

func (r *Resolver) report(kind Kind, strategy string) {
	if r.observe != nil {
		r.observe(kind, strategy)
	}
}

func (r *Resolver) clickPlan(raw string) []attempt {
	plan := []attempt{{StrategyRaw, raw}}
	if sel, ok := indexSelector(raw); ok {
		plan = append(plan, attempt{StrategyIndex, sel})
	}

	text := sanitize(raw)
	if !looksLikeSelector(raw) && text != "" {
		plan = append(plan,
			attempt{StrategyText, fmt.Sprintf(`button:has-text("%s")`, text)},
			attempt{StrategyText, fmt.Sprintf(`a:has-text("%s")`, text)},
			attempt{StrategyText, fmt.Sprintf(`[role="button"]:has-text("%s")`, text)},
			attempt{StrategyText, fmt.Sprintf(`text="%s"`, text)},
			attempt{StrategyText, "text=" + text},
		)
	}

	if w := r.tables.ForURL(r.page.URL()); w != nil {
		for _, label := range w.Labels(strings.Join(keywords(raw), " ")) {
			l := sanitize(label)
			plan = append(plan,
				attempt{StrategyWorkflow, fmt.Sprintf(`button:has-text("%s")`, l)},
				attempt{StrategyWorkflow, fmt.Sprintf(`a:has-text("%s")`, l)},
				attempt{StrategyWorkflow, fmt.Sprintf(`text="%s"`, l)},
			)
		}
	}

	if id, ok := idOf(raw); ok {
		plan = append(plan, attempt{StrategyIDLoosened, fmt.Sprintf(`[id*="%s"]`, id)})
		if kw := trailingKeyword(id); kw != "" {
			plan = append(plan,
				attempt{StrategyIDLoosened, fmt.Sprintf(`[id*="%s" i]`, kw)},
				attempt{StrategyIDLoosened, "text=" + kw},
			)
		}
	}

	if isXPath(raw) && !strings.HasPrefix(raw, "xpath=") {
		plan = append(plan, attempt{StrategyXPath, "xpath=" + raw})
	}

	words := keywords(raw)
	if len(words) > 1 {
		for _, w := range words {
			plan = append(plan,
				attempt{StrategyWord, fmt.Sprintf(`button:has-text("%s")`, w)},
				attempt{StrategyWord, fmt.Sprintf(`a:has-text("%s")`, w)},
				attempt{StrategyWord, fmt.Sprintf(`[role="button"]:has-text("%s")`, w)},
			)
		}
	}
	return plan
}

func (r *Resolver) fillPlan(raw string) []attempt {
	plan := []attempt{{StrategyRaw, raw}}
	if sel, ok := indexSelector(raw); ok {
		plan = append(plan, attempt{StrategyIndex, sel})
	}
	term := attrTerm(raw)
	if term == "" {
		return plan
	}
	return append(plan,
		attempt{StrategyFillAttr, fmt.Sprintf(`input[name*="%s" i]`, term)},
		attempt{StrategyFillAttr, fmt.Sprintf(`textarea[name*="%s" i]`, term)},
		attempt{StrategyFillAttr, fmt.Sprintf(`input[placeholder*="%s" i]`, term)},
		attempt{StrategyFillAttr, fmt.Sprintf(`textarea[placeholder*="%s" i]`, term)},
		attempt{StrategyFillAttr, fmt.Sprintf(`[aria-label*="%s" i]`, term)},
	)
}

var (
	indexRef      = regexp.MustCompile(`^\[?(\d+)\]?$`)
	simpleID      = regexp.MustCompile(`^#([A-Za-z_][\w-]*)$`)
	taggedSel     = regexp.MustCompile(`^[a-zA-Z][\w-]*(\s*[.#\[:>]|\s*$)`)
	attrValue     = regexp.MustCompile(`\[[\w-]+\s*[*^$~|]?=\s*["']?([^"'\]]+)["']?`)
	selectorStart = []string{"#", ".", "[", "/", "(", "xpath=", "css=", "text=", "role=", "id=", "data-testid="}
)

// looksLikeSelector reports whether raw starts with selector syntax rather
// than reading as visible text.
func looksLikeSelector(raw string) bool {
	for _, p := range selectorStart {
		if strings.HasPrefix(raw, p) {
			return true
		}
	}
	if strings.ContainsAny(raw, " ") {
		return strings.Contains(raw, ":has-text(") || strings.Contains(raw, " > ") || strings.Contains(raw, ">>")
	}
	return taggedSel.MatchString(raw) && strings.ContainsAny(raw, ".#[:>")
}

func isXPath(raw string) bool {
	return strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "(/") || strings.HasPrefix(raw, "xpath=")
}

func indexSelector(raw string) (string, bool) {
	m := indexRef.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return fmt.Sprintf(`[%s="%s"]`, snapshot.IndexAttr, m[1]), true
}

func idOf(raw string) (string, bool) {
	m := simpleID.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// trailingKeyword returns the last alphabetic segment of an id such as
// "add-to-cart-btn-42" -> "cart".
func trailingKeyword(id string) string {
	parts := strings.FieldsFunc(id, func(r rune) bool { return r == '-' || r == '_' })
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		if len(p) >= 3 && strings.IndexFunc(p, unicode.IsLetter) >= 0 && !isGeneric(p) {
			return p
		}
	}
	return ""
}

var genericWords = map[string]bool{
	"btn": true, "button": true, "link": true, "the": true, "and": true, "click": true,
	"input": true, "field": true, "div": true, "span": true, "item": true, "container": true,
	"wrapper": true, "icon": true, "has": true, "text": true,
}

func isGeneric(w string) bool { return genericWords[strings.ToLower(w)] }

// keywords extracts the meaningful words of a reference, used by the
// per-word and scripted fallbacks.
func keywords(raw string) []string {
	if v := attrValue.FindStringSubmatch(raw); v != nil {
		raw = v[1]
	}
	words := strings.FieldsFunc(raw, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	seen := map[string]bool{}
	for _, w := range words {
		lw := strings.ToLower(w)
		if isGeneric(lw) || seen[lw] || (len([]rune(w)) < 3 && !hasNonASCII(w)) {
			continue
		}
		if taggish[lw] {
			continue
		}
		seen[lw] = true
		out = append(out, w)
		if len(out) == maxWords {
			break
		}
	}
	return out
}

var taggish = map[string]bool{"has": true, "nth": true, "type": true, "role": true, "xpath": true, "css": true}

func hasNonASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return true
		}
	}
	return false
}

// attrTerm is the word used by the fill cascade's attribute-contains variants.
func attrTerm(raw string) string {
	if v := attrValue.FindStringSubmatch(raw); v != nil {
		return sanitize(v[1])
	}
	if id, ok := idOf(raw); ok {
		return id
	}
	words := keywords(raw)
	if len(words) == 0 {
		return ""
	}
	return words[0]
}

// sanitize strips quotes, backslashes and newlines so text can be embedded
// in a quoted selector.
func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '"', '\'', '\\', '`':
			return -1
		case '\n', '\r', '\t':
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// scriptClick receives keywords, scores every visible
// clickable node by how many keywords its text or attributes contain, clicks
// the best one and returns a short description ("" when nothing matched).
const scriptClick = `(words) => {
	const kws = words.map(w => String(w).toLowerCase());
	const nodes = document.querySelectorAll('button, a, [role="button"], input[type="submit"], input[type="button"], [onclick], label, summary');
	let best = null, bestScore = 0;
	for (const el of nodes) {
		const rect = el.getBoundingClientRect();
		if (rect.width === 0 || rect.height === 0) continue;
		const hay = [el.innerText, el.value, el.id, typeof el.className === 'string' ? el.className : '',
			el.getAttribute('aria-label'), el.getAttribute('title'), el.getAttribute('name')]
			.filter(Boolean).join(' ').toLowerCase();
		let score = 0;
		for (const k of kws) if (hay.includes(k)) score++;
		if (score > bestScore) { best = el; bestScore = score; }
	}
	if (!best) return '';
	best.scrollIntoView({block: 'center'});
	best.click();
	const label = (best.innerText || best.value || best.id || '').replace(/\s+/g, ' ').trim().slice(0, 60);
	return best.tagName.toLowerCase() + (label ? ' "' + label + '"' : '');
}`
