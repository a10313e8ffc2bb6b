package llm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Settings select and configure one provider.
type Settings struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	// Vision overrides the provider preset when set.
	Vision *bool
}

type preset struct {
	model   string
	baseURL string
	vision  bool
	family  string
}

const (
	familyOpenAI    = "openai"
	familyAnthropic = "anthropic"
	familyGemini    = "gemini"
)

var presets = map[string]preset{
	"openai":    {model: "gpt-4o-mini", vision: true, family: familyOpenAI},
	"anthropic": {model: "claude-3-5-sonnet-20241022", vision: true, family: familyAnthropic},
	"deepseek":  {model: "deepseek-chat", baseURL: "https://api.deepseek.com/v1", vision: false, family: familyOpenAI},
	"doubao":    {model: "doubao-seed-1-8-251215", baseURL: "https://ark.cn-beijing.volces.com/api/v3", vision: true, family: familyOpenAI},
	"qwen":      {model: "qwen-vl-plus", baseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1", vision: true, family: familyOpenAI},
	"gemini":    {model: "gemini-2.0-flash", vision: true, family: familyGemini},
}

// Providers lists the supported provider names.
func Providers() []string {
	out := make([]string, 0, len(presets))
	for name := range presets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// resolved fills empty settings from the provider preset.
func (s Settings) resolved() (Settings, preset, error) {
	s.Provider = strings.ToLower(strings.TrimSpace(s.Provider))
	if s.Provider == "" {
		s.Provider = "anthropic"
	}
	p, ok := presets[s.Provider]
	if !ok {
		return s, p, fmt.Errorf("unknown LLM provider: %s (use one of %s)", s.Provider, strings.Join(Providers(), ", "))
	}
	s.Model = strings.Trim(strings.TrimSpace(s.Model), "\"'")
	if s.Model == "" {
		s.Model = p.model
	}
	if s.BaseURL == "" {
		s.BaseURL = p.baseURL
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = 2048
	}
	if s.Vision != nil {
		p.vision = *s.Vision
	}
	if strings.TrimSpace(s.APIKey) == "" {
		return s, p, fmt.Errorf("missing API key for %s", s.Provider)
	}
	return s, p, nil
}

// New builds the adapter for s.Provider.
func New(s Settings, logger zerolog.Logger) (Client, error) {
	s, p, err := s.resolved()
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("comp", "llm").Str("provider", s.Provider).Logger()
	switch p.family {
	case familyAnthropic:
		return newAnthropic(s, p.vision, logger), nil
	case familyGemini:
		c, err := newGemini(s, p.vision, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return newOpenAI(s, p.vision, logger), nil
	}
}
