package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Client is the model capability the agent depends on.
type Client interface {
	Chat(ctx context.Context, history []Message) (string, error)
	SupportsVision() bool
	Name() string
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Part is either text or an inline image.
type Part struct {
	Text      string `json:"text,omitempty"`
	Image     []byte `json:"-"`
	MediaType string `json:"media_type,omitempty"`
}

func (p Part) IsImage() bool { return len(p.Image) > 0 }

type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

func Text(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{{Text: text}}}
}

// WithImage builds a message whose text is followed by one image. A nil
// image yields a text-only message.
func WithImage(role Role, text string, image []byte, mediaType string) Message {
	m := Text(role, text)
	if len(image) > 0 {
		m.Parts = append(m.Parts, Part{Image: image, MediaType: mediaType})
	}
	return m
}

// Text joins the text parts of m.
func (m Message) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if !p.IsImage() && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func (m Message) HasImage() bool {
	for _, p := range m.Parts {
		if p.IsImage() {
			return true
		}
	}
	return false
}

// splitSystem separates system text from the conversation turns.
func splitSystem(history []Message) (string, []Message) {
	var system []string
	turns := make([]Message, 0, len(history))
	for _, m := range history {
		if m.Role == RoleSystem {
			system = append(system, m.Text())
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(system, "\n\n"), turns
}

func historySize(history []Message) (chars, images int) {
	for _, m := range history {
		for _, p := range m.Parts {
			if p.IsImage() {
				images++
			} else {
				chars += len(p.Text)
			}
		}
	}
	return chars, images
}
