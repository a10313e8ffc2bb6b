package snapshot

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Position is the element center in viewport pixels.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Element describes one interactive node of a snapshot. Index is only
// meaningful within the snapshot that produced it.
type Element struct {
	Index       int      `json:"index"`
	Tag         string   `json:"tag"`
	Locator     string   `json:"locator"`
	Text        string   `json:"text,omitempty"`
	Role        string   `json:"role,omitempty"`
	Type        string   `json:"type,omitempty"`
	Href        string   `json:"href,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	Checked     bool     `json:"checked,omitempty"`
	Disabled    bool     `json:"disabled,omitempty"`
	Position    Position `json:"position"`
}

// PageSnapshot is a compact view of the current page. Err is set when the
// element collection script failed; Elements is empty in that case.
type PageSnapshot struct {
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	ViewportWidth  int       `json:"viewport_width"`
	ViewportHeight int       `json:"viewport_height"`
	ScrollY        int       `json:"scroll_y"`
	Elements       []Element `json:"elements"`
	Err            string    `json:"error,omitempty"`
}

const maxTextRunes = 80

// Info is the one-line page summary used in step records and events.
func (s PageSnapshot) Info() string {
	return fmt.Sprintf("%s | %s", s.URL, s.Title)
}

// String renders the snapshot without a character budget.
func (s PageSnapshot) String() string {
	return s.Render(0)
}

// Render returns the text form of the element list that goes into prompts.
// When maxChars is positive the output never exceeds it; elements that do not
// fit are counted in a trailing omission line.
func (s PageSnapshot) Render(maxChars int) string {
	if s.Err != "" {
		return clip(fmt.Sprintf("(interactive elements unavailable: %s)", s.Err), maxChars)
	}
	if len(s.Elements) == 0 {
		return clip("(no interactive elements found)", maxChars)
	}

	var b strings.Builder
	for i, el := range s.Elements {
		line := el.line()
		if maxChars > 0 {
			omitted := omissionLine(len(s.Elements) - i - 1)
			reserve := 0
			if i < len(s.Elements)-1 {
				reserve = len(omitted) + 1
			}
			if b.Len()+len(line)+1+reserve > maxChars {
				rest := omissionLine(len(s.Elements) - i)
				if b.Len()+len(rest) > maxChars {
					return clip(b.String(), maxChars)
				}
				b.WriteString(rest)
				return b.String()
			}
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func (el Element) line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] <%s>", el.Index, el.Tag)
	if el.Text != "" {
		fmt.Fprintf(&b, " %q", truncateRunes(el.Text, maxTextRunes))
	}
	if el.Role != "" && el.Role != el.Tag {
		fmt.Fprintf(&b, " role=%s", el.Role)
	}
	if el.Type != "" {
		fmt.Fprintf(&b, " type=%s", el.Type)
	}
	if el.Placeholder != "" {
		fmt.Fprintf(&b, " placeholder=%q", truncateRunes(el.Placeholder, 40))
	}
	if el.Href != "" {
		fmt.Fprintf(&b, " href=%s", truncateRunes(el.Href, 60))
	}
	if el.Checked {
		b.WriteString(" checked")
	}
	if el.Disabled {
		b.WriteString(" disabled")
	}
	fmt.Fprintf(&b, " locator=%s @(%d,%d)", el.Locator, el.Position.X, el.Position.Y)
	return b.String()
}

func omissionLine(n int) string {
	return fmt.Sprintf("... (%d more elements omitted)", n)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

// clip cuts s to at most maxChars bytes without splitting a rune.
func clip(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
