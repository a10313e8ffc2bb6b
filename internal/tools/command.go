package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownCommand is returned by Decode for names outside the registered set.
var ErrUnknownCommand = errors.New("unknown command")

// Command is one registered browser command. The set is closed: every
// implementation lives in this file and Execute handles each of them.
type Command interface {
	Name() string
	command()
}

type (
	Navigate    struct{ URL string }
	Click       struct{ Selector string }
	Input       struct{ Selector, Text string }
	Extract     struct{ Query string }
	Screenshot  struct{}
	GetElements struct{}
	Scroll      struct {
		Direction string
		Amount    int
	}
	GoBack      struct{}
	PressKey    struct{ Key string }
	GetText     struct{}
	Wait        struct{ Seconds int }
	WaitForUser struct{ Message string }
	Reload      struct{}
	Finish      struct{ Result string }
)

func (Navigate) Name() string    { return "navigate" }
func (Click) Name() string       { return "click" }
func (Input) Name() string       { return "input" }
func (Extract) Name() string     { return "extract" }
func (Screenshot) Name() string  { return "screenshot" }
func (GetElements) Name() string { return "get_elements" }
func (Scroll) Name() string      { return "scroll" }
func (GoBack) Name() string      { return "go_back" }
func (PressKey) Name() string    { return "press_key" }
func (GetText) Name() string     { return "get_text" }
func (Wait) Name() string        { return "wait" }
func (WaitForUser) Name() string { return "wait_for_user" }
func (Reload) Name() string      { return "reload" }
func (Finish) Name() string      { return "finish" }

func (Navigate) command()    {}
func (Click) command()       {}
func (Input) command()       {}
func (Extract) command()     {}
func (Screenshot) command()  {}
func (GetElements) command() {}
func (Scroll) command()      {}
func (GoBack) command()      {}
func (PressKey) command()    {}
func (GetText) command()     {}
func (Wait) command()        {}
func (WaitForUser) command() {}
func (Reload) command()      {}
func (Finish) command()      {}

// Decode builds the command for an externally supplied name and parameter map.
func Decode(name string, params map[string]any) (Command, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "navigate":
		url, err := requiredString(params, "url")
		if err != nil {
			return nil, err
		}
		return Navigate{URL: normalizeURL(url)}, nil
	case "click":
		sel, err := requiredString(params, "selector")
		if err != nil {
			return nil, err
		}
		return Click{Selector: sel}, nil
	case "input":
		sel, err := requiredString(params, "selector")
		if err != nil {
			return nil, err
		}
		text, ok := params["text"]
		if !ok {
			return nil, fmt.Errorf("field text required")
		}
		return Input{Selector: sel, Text: stringify(text)}, nil
	case "extract":
		return Extract{Query: optionalString(params, "query")}, nil
	case "screenshot":
		return Screenshot{}, nil
	case "get_elements":
		return GetElements{}, nil
	case "scroll":
		dir := strings.ToLower(optionalString(params, "direction"))
		switch dir {
		case "":
			dir = "down"
		case "up", "down", "left", "right", "top", "bottom":
		default:
			return nil, fmt.Errorf("field direction must be up, down, left, right, top or bottom")
		}
		return Scroll{Direction: dir, Amount: optionalInt(params, "amount")}, nil
	case "go_back":
		return GoBack{}, nil
	case "press_key":
		key, err := requiredString(params, "key")
		if err != nil {
			return nil, err
		}
		return PressKey{Key: key}, nil
	case "get_text":
		return GetText{}, nil
	case "wait":
		return Wait{Seconds: optionalInt(params, "seconds")}, nil
	case "wait_for_user":
		return WaitForUser{Message: optionalString(params, "message")}, nil
	case "reload":
		return Reload{}, nil
	case "finish":
		return Finish{Result: optionalString(params, "result")}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
}

func normalizeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || strings.Contains(u, "://") || strings.HasPrefix(u, "about:") || strings.HasPrefix(u, "data:") {
		return u
	}
	return "https://" + u
}

func requiredString(input map[string]any, key string) (string, error) {
	val, ok := input[key]
	if !ok {
		return "", fmt.Errorf("field %s required", key)
	}
	switch v := val.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", fmt.Errorf("field %s empty", key)
		}
		return v, nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("field %s must be string", key)
	}
}

func optionalString(input map[string]any, key string) string {
	val, ok := input[key]
	if !ok || val == nil {
		return ""
	}
	return stringify(val)
}

func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func optionalInt(input map[string]any, key string) int {
	val, ok := input[key]
	if !ok {
		return 0
	}
	switch v := val.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		i, _ := v.Int64()
		return int(i)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(v))
		return i
	default:
		return 0
	}
}
