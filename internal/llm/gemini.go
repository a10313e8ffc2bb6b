package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

type geminiClient struct {
	client      *genai.Client
	model       string
	maxTokens   int
	temperature float64
	vision      bool
	logger      zerolog.Logger
}

func newGemini(s Settings, vision bool, logger zerolog.Logger) (*geminiClient, error) {
	cfg := &genai.ClientConfig{
		APIKey:  s.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if s.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: s.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &geminiClient{
		client:      client,
		model:       s.Model,
		maxTokens:   s.MaxTokens,
		temperature: s.Temperature,
		vision:      vision,
		logger:      logger,
	}, nil
}

func (c *geminiClient) Name() string         { return "gemini/" + c.model }
func (c *geminiClient) SupportsVision() bool { return c.vision }

func (c *geminiClient) Chat(ctx context.Context, history []Message) (string, error) {
	system, contents := c.contents(history)
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(c.temperature)),
		MaxOutputTokens: int32(c.maxTokens),
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	chars, images := historySize(history)
	c.logger.Debug().Str("model", c.model).Int("messages", len(contents)).
		Int("chars", chars).Int("images", images).Msg("Gemini API request")

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	text := resp.Text()
	c.logger.Debug().Dur("took", time.Since(start)).Msg("Gemini API response")
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}
	return text, nil
}

func (c *geminiClient) contents(history []Message) (string, []*genai.Content) {
	system, turns := splitSystem(history)
	out := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		parts := make([]*genai.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch {
			case p.IsImage() && c.vision:
				parts = append(parts, genai.NewPartFromBytes(p.Image, p.MediaType))
			case !p.IsImage() && p.Text != "":
				parts = append(parts, genai.NewPartFromText(p.Text))
			}
		}
		if len(parts) == 0 {
			continue
		}
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromParts(parts, role))
	}
	return system, out
}
