// Package workflow holds keyword tables for known multi-step configurator
// sites: button labels the resolution cascade may try, and the category
// checklists the progress tracker fills in.
package workflow

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed workflows.yaml
var builtin []byte

// ButtonRule maps words found in a target reference to button labels.
type ButtonRule struct {
	Keywords []string `yaml:"keywords"`
	Labels   []string `yaml:"labels"`
}

type Workflow struct {
	Name    string       `yaml:"name"`
	Hosts   []string     `yaml:"hosts"`
	Buttons []ButtonRule `yaml:"buttons"`
}

type Category struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// Checklist describes a task made of one pick per category.
type Checklist struct {
	Name           string     `yaml:"name"`
	TaskKeywords   []string   `yaml:"task_keywords"`
	SelectionVerbs []string   `yaml:"selection_verbs"`
	Guidance       string     `yaml:"guidance"`
	Categories     []Category `yaml:"categories"`
}

type Tables struct {
	Workflows  []Workflow  `yaml:"workflows"`
	Checklists []Checklist `yaml:"checklists"`
}

var defaultTables = sync.OnceValues(func() (*Tables, error) {
	return Parse(builtin)
})

// Default returns the embedded tables.
func Default() *Tables {
	t, err := defaultTables()
	if err != nil {
		panic(fmt.Sprintf("workflow: embedded tables: %v", err))
	}
	return t
}

func Parse(data []byte) (*Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse workflow tables: %w", err)
	}
	for _, w := range t.Workflows {
		if len(w.Hosts) == 0 {
			return nil, fmt.Errorf("workflow %q has no hosts", w.Name)
		}
	}
	return &t, nil
}

// Load reads tables from path, or returns the embedded ones when path is empty.
func Load(path string) (*Tables, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow tables: %w", err)
	}
	return Parse(data)
}

// ForURL returns the workflow whose host matches the page, or nil.
func (t *Tables) ForURL(pageURL string) *Workflow {
	if t == nil {
		return nil
	}
	u, err := url.Parse(pageURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for i := range t.Workflows {
		for _, h := range t.Workflows[i].Hosts {
			h = strings.ToLower(h)
			if host == h || strings.HasSuffix(host, "."+h) {
				return &t.Workflows[i]
			}
		}
	}
	return nil
}

// Labels returns the button labels of every rule with a keyword in ref, in
// table order, without duplicates.
func (w *Workflow) Labels(ref string) []string {
	if w == nil {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, rule := range w.Buttons {
		if !ContainsAny(ref, rule.Keywords) {
			continue
		}
		for _, l := range rule.Labels {
			if !seen[l] {
				seen[l] = true
				out = append(out, l)
			}
		}
	}
	return out
}

// ChecklistFor returns the first checklist whose task keywords appear in task.
func (t *Tables) ChecklistFor(task string) *Checklist {
	if t == nil {
		return nil
	}
	for i := range t.Checklists {
		if ContainsAny(task, t.Checklists[i].TaskKeywords) {
			return &t.Checklists[i]
		}
	}
	return nil
}

// ContainsAny reports whether any keyword occurs in text.
func ContainsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if Contains(text, k) {
			return true
		}
	}
	return false
}

// Contains matches keyword case-insensitively. Keywords made of ASCII letters
// and digits must sit on word boundaries so that "rx" does not match "proxy";
// other keywords (CJK) match as substrings.
func Contains(text, keyword string) bool {
	text, keyword = strings.ToLower(text), strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return false
	}
	if !isASCIIWord(keyword) {
		return strings.Contains(text, keyword)
	}
	for from := 0; ; {
		i := strings.Index(text[from:], keyword)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(keyword)
		if boundary(text, start-1) && boundary(text, end) {
			return true
		}
		from = start + 1
	}
}

func isASCIIWord(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// boundary reports whether text[i] is outside the string or not an ASCII
// letter or digit.
func boundary(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	c := text[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9')
}
