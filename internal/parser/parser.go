// Package parser extracts a structured command from free-form model text.
package parser

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-task-agent/internal/completion"
)

// FinishName is the command that ends a run.
const FinishName = "finish"

const actionMarker = `"action"`

// Command is a decoded model decision. Name is not validated here.
type Command struct {
	Name   string         `json:"action"`
	Params map[string]any `json:"params"`
}

// String returns the finish result or the named string param, or "".
func (c Command) String(key string) string {
	if v, ok := c.Params[key].(string); ok {
		return v
	}
	return ""
}

var (
	fenced = regexp.MustCompile("```(?:json|JSON)?\\s*(\\{[\\s\\S]*?\\})\\s*```")

	nameAliases = map[string]string{
		"done":          FinishName,
		"complete":      FinishName,
		"task_complete": FinishName,
		"click_element": "click",
		"type":          "input",
		"fill":          "input",
		"goto":          "navigate",
	}
	resultKeys = []string{"result", "message", "summary", "text", "answer"}
)

type Parser struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Parser {
	return &Parser{logger: logger.With().Str("comp", "parser").Logger()}
}

// Parse tries, in order: a fenced code block, the object enclosing the first
// "action" marker, and an implicit completion declaration. It returns false
// when none of them yields a command.
func (p *Parser) Parse(text string) (Command, bool) {
	cmd, ok := p.parse(text)
	if !ok {
		return Command{}, false
	}
	if cmd.Name == FinishName {
		v := completion.CheckFinish(cmd.String("result"), text)
		if v.Ambiguous() {
			p.logger.Warn().
				Str("result", truncate(cmd.String("result"), 120)).
				Msg("finish without completion or result phrasing")
		}
	}
	return cmd, true
}

func (p *Parser) parse(text string) (Command, bool) {
	for _, m := range fenced.FindAllStringSubmatch(text, -1) {
		if cmd, ok := p.decode(m[1]); ok {
			return cmd, true
		}
	}
	for _, obj := range embeddedObjects(text) {
		if cmd, ok := p.decode(obj); ok {
			return cmd, true
		}
	}
	if completion.IsImplicitFinish(text) {
		p.logger.Debug().Msg("treating prose as implicit finish")
		return Command{Name: FinishName, Params: map[string]any{"result": text}}, true
	}
	return Command{}, false
}

// decode unmarshals one object, repairing near-JSON when needed. Objects
// without an action field are not commands.
func (p *Parser) decode(raw string) (Command, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			p.logger.Debug().Err(err).Msg("candidate object is not json")
			return Command{}, false
		}
		if err := json.Unmarshal([]byte(repaired), &obj); err != nil {
			return Command{}, false
		}
		p.logger.Debug().Msg("decoded command after json repair")
	}
	name, _ := obj["action"].(string)
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Command{}, false
	}
	if alias, ok := nameAliases[name]; ok {
		name = alias
	}

	params, _ := obj["params"].(map[string]any)
	if params == nil {
		params, _ = obj["input"].(map[string]any)
	}
	if params == nil {
		params = map[string]any{}
		for k, v := range obj {
			if k != "action" && k != "params" && k != "input" {
				params[k] = v
			}
		}
	}
	if name == FinishName {
		if _, ok := params["result"]; !ok {
			for _, k := range resultKeys[1:] {
				if v, ok := params[k].(string); ok {
					params["result"] = v
					break
				}
			}
		}
	}
	return Command{Name: name, Params: params}, true
}

// embeddedObjects returns candidate objects around the first action key.
// The first comes from a string-aware forward scan; the second, when it
// starts elsewhere, from walking back from the first marker to the nearest
// unmatched brace. Unterminated objects run to the end of the text for
// repair.
func embeddedObjects(text string) []string {
	var out []string
	prev := -1
	for _, start := range []int{openingBrace(text), braceBefore(text)} {
		if start < 0 || start == prev {
			continue
		}
		prev = start
		out = append(out, matchObject(text, start))
	}
	return out
}

// matchObject returns text from the brace at start to its matching close.
// Braces inside string literals are ignored.
func matchObject(text string, start int) string {
	depth := 0
	inStr, esc := false, false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			inStr = !inStr
		case '{':
			if !inStr {
				depth++
			}
		case '}':
			if !inStr {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return text[start:]
}

// braceBefore walks back from the first marker to the nearest brace that is
// not closed before it, or -1.
func braceBefore(text string) int {
	at := strings.Index(text, actionMarker)
	depth := 0
	for i := at - 1; i >= 0; i-- {
		switch text[i] {
		case '}':
			depth++
		case '{':
			if depth == 0 {
				return i
			}
			depth--
		}
	}
	return -1
}

// openingBrace scans forward keeping the offsets of unclosed braces and
// returns the innermost one open at the first action key, or -1.
func openingBrace(text string) int {
	var open []int
	inStr, esc := false, false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '{':
			open = append(open, i)
		case '}':
			if len(open) > 0 {
				open = open[:len(open)-1]
			}
		case '"':
			if len(open) == 0 {
				continue
			}
			if isActionKey(text[i:]) {
				return open[len(open)-1]
			}
			inStr = true
		}
	}
	return -1
}

func isActionKey(s string) bool {
	if !strings.HasPrefix(s, actionMarker) {
		return false
	}
	return strings.HasPrefix(strings.TrimLeft(s[len(actionMarker):], " \t\r\n"), ":")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
