package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
)

type anthropicClient struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	temperature float64
	vision      bool
	logger      zerolog.Logger
}

func newAnthropic(s Settings, vision bool, logger zerolog.Logger) *anthropicClient {
	opts := []option.RequestOption{
		option.WithAPIKey(s.APIKey),
		option.WithMaxRetries(0),
	}
	if s.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(s.BaseURL))
	}
	return &anthropicClient{
		client:      anthropic.NewClient(opts...),
		model:       s.Model,
		maxTokens:   s.MaxTokens,
		temperature: s.Temperature,
		vision:      vision,
		logger:      logger,
	}
}

func (c *anthropicClient) Name() string         { return "anthropic/" + c.model }
func (c *anthropicClient) SupportsVision() bool { return c.vision }

func (c *anthropicClient) Chat(ctx context.Context, history []Message) (string, error) {
	params := c.params(history)
	chars, images := historySize(history)
	c.logger.Debug().Str("model", c.model).Int("messages", len(params.Messages)).
		Int("chars", chars).Int("images", images).Msg("Anthropic API request")

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	var out []string
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			out = append(out, block.Text)
		}
	}
	c.logger.Debug().Dur("took", time.Since(start)).
		Int64("output_tokens", resp.Usage.OutputTokens).Msg("Anthropic API response")
	if len(out) == 0 {
		return "", fmt.Errorf("anthropic: %w", ErrEmptyResponse)
	}
	return strings.Join(out, "\n"), nil
}

func (c *anthropicClient) params(history []Message) anthropic.MessageNewParams {
	system, turns := splitSystem(history)
	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, m := range turns {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch {
			case p.IsImage() && c.vision:
				blocks = append(blocks, anthropic.NewImageBlockBase64(p.MediaType, base64.StdEncoding.EncodeToString(p.Image)))
			case !p.IsImage() && p.Text != "":
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(blocks...))
		}
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(c.maxTokens),
		Messages:    msgs,
		Temperature: anthropic.Float(c.temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}
