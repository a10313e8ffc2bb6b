package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// openaiClient serves OpenAI and every OpenAI-compatible endpoint
// (DeepSeek, Doubao, Qwen) through BaseURL.
type openaiClient struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	vision      bool
	logger      zerolog.Logger
}

func newOpenAI(s Settings, vision bool, logger zerolog.Logger) *openaiClient {
	cfg := openai.DefaultConfig(s.APIKey)
	if s.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(s.BaseURL, "/")
	}
	return &openaiClient{
		client:      openai.NewClientWithConfig(cfg),
		model:       s.Model,
		maxTokens:   s.MaxTokens,
		temperature: s.Temperature,
		vision:      vision,
		logger:      logger,
	}
}

func (c *openaiClient) Name() string         { return "openai/" + c.model }
func (c *openaiClient) SupportsVision() bool { return c.vision }

func (c *openaiClient) Chat(ctx context.Context, history []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    c.messages(history),
		MaxTokens:   c.maxTokens,
		Temperature: float32(c.temperature),
	}
	chars, images := historySize(history)
	c.logger.Debug().Str("model", c.model).Int("messages", len(req.Messages)).
		Int("chars", chars).Int("images", images).Msg("OpenAI API request")

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	c.logger.Debug().Dur("took", time.Since(start)).
		Int("completion_tokens", resp.Usage.CompletionTokens).Msg("OpenAI API response")
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("openai: %w", ErrEmptyResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *openaiClient) messages(history []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		if !c.vision || !m.HasImage() {
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Text()})
			continue
		}
		parts := make([]openai.ChatMessagePart, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.IsImage() {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    dataURL(p),
						Detail: openai.ImageURLDetailAuto,
					},
				})
				continue
			}
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
	}
	return out
}

func dataURL(p Part) string {
	mt := p.MediaType
	if mt == "" {
		mt = "image/jpeg"
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(p.Image)
}
