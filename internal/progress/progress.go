// Package progress tracks which checklist categories a run has completed,
// inferred from model text and tool results. Matching is keyword based and
// approximate.
package progress

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/polzovatel/browser-task-agent/internal/workflow"
)

// Tracker is a swappable progress strategy owned by one run.
type Tracker interface {
	// Observe updates progress from a successful step.
	Observe(response, content string) error
	// Summary renders current progress for the feedback message, or "".
	Summary() string
	// Remaining lists required categories not yet recorded.
	Remaining() []string
}

// Entry is what was recorded for one category.
type Entry struct {
	Label string
	Price string
}

var price = regexp.MustCompile(`\$(\d+(?:,\d{3})*(?:\.\d{2})?)`)

// Checklist records at most one entry per category and never removes any.
type Checklist struct {
	def *workflow.Checklist

	mu      sync.Mutex
	entries map[string]Entry
}

func NewChecklist(def *workflow.Checklist) *Checklist {
	return &Checklist{def: def, entries: map[string]Entry{}}
}

// Observe records every category mentioned in the response or the tool
// result when the text also carries a selection verb. The price is taken
// from the tool result.
func (c *Checklist) Observe(response, content string) error {
	if c.def == nil {
		return fmt.Errorf("checklist has no definition")
	}
	text := response + " " + content
	if !workflow.ContainsAny(text, c.def.SelectionVerbs) {
		return nil
	}
	label := labelFor(content)
	if label == "" {
		label = labelFor(response)
	}
	var p string
	if m := price.FindStringSubmatch(content); m != nil {
		p = "$" + m[1]
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cat := range c.def.Categories {
		if _, done := c.entries[cat.Name]; done {
			continue
		}
		if workflow.ContainsAny(text, cat.Keywords) {
			c.entries[cat.Name] = Entry{Label: label, Price: p}
		}
	}
	return nil
}

func (c *Checklist) Entries() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

func (c *Checklist) Remaining() []string {
	if c.def == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, cat := range c.def.Categories {
		if _, ok := c.entries[cat.Name]; !ok {
			out = append(out, cat.Name)
		}
	}
	return out
}

func (c *Checklist) Summary() string {
	if c.def == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "Progress: %d/%d categories selected\n", len(c.entries), len(c.def.Categories))
	for _, cat := range c.def.Categories {
		e, ok := c.entries[cat.Name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "  ✓ %s: %s", cat.Name, e.Label)
		if e.Price != "" {
			fmt.Fprintf(&b, " (%s)", e.Price)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// labelFor keeps the first line of s, short enough for a summary.
func labelFor(s string) string {
	line := strings.TrimSpace(s)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	r := []rune(line)
	if len(r) > 60 {
		return string(r[:60]) + "…"
	}
	return line
}

// Nop tracks nothing; used for tasks without a checklist.
type Nop struct{}

func (Nop) Observe(string, string) error { return nil }
func (Nop) Summary() string              { return "" }
func (Nop) Remaining() []string          { return nil }

// For picks the tracker for a task: a checklist when one matches, else Nop.
func For(tables *workflow.Tables, task string) Tracker {
	if def := tables.ChecklistFor(task); def != nil {
		return NewChecklist(def)
	}
	return Nop{}
}
