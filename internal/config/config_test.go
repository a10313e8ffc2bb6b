package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1280, cfg.Browser.ViewportWidth)
	assert.Equal(t, 60*time.Second, cfg.Browser.NavTimeout)
	assert.Equal(t, 50, cfg.Agent.MaxSteps)
	assert.Equal(t, 40, cfg.Agent.MaxElements)
	assert.Equal(t, 2500, cfg.Agent.ElementChars)
	assert.Equal(t, 45*time.Second, cfg.Agent.HandoffTimeout)
	assert.Equal(t, uint(1024), cfg.Agent.ScreenshotMaxWidth)
	assert.Equal(t, 3, cfg.LLM.MaxRetries)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
browser:
  headless: true
  storage_state: ~/state.json
llm:
  provider: openai
  temperature: 0.3
agent:
  max_steps: 12
  handoff_poll: 500ms
server:
  max_concurrent_runs: 4
`), 0o600))
	t.Setenv("AGENT_AGENT_MAX_STEPS", "20")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 0.3, cfg.LLM.Temperature)
	assert.Equal(t, 20, cfg.Agent.MaxSteps)
	assert.Equal(t, 500*time.Millisecond, cfg.Agent.HandoffPoll)
	assert.Equal(t, 4, cfg.Server.MaxConcurrentRuns)
	assert.Equal(t, "sk-test", cfg.APIKey())

	home, err := homedir.Dir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "state.json"), cfg.Browser.StorageState)
}

func TestLegacyEnvNames(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AGENT_HEADLESS", "true")
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "g-key")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "g-key", cfg.APIKey())

	cfg.LLM.APIKey = "explicit"
	assert.Equal(t, "explicit", cfg.APIKey())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"agent.max_steps":           func(c *Config) { c.Agent.MaxSteps = 0 },
		"agent.element_chars":       func(c *Config) { c.Agent.ElementChars = 10 },
		"agent.screenshot_quality":  func(c *Config) { c.Agent.ScreenshotQuality = 101 },
		"agent.handoff_poll":        func(c *Config) { c.Agent.HandoffPoll = time.Minute },
		"llm.temperature":           func(c *Config) { c.LLM.Temperature = -1 },
		"server.max_concurrent_runs": func(c *Config) { c.Server.MaxConcurrentRuns = 0 },
	}
	for want, mutate := range cases {
		c := *base
		mutate(&c)
		err := c.Validate()
		require.Error(t, err, want)
		assert.Contains(t, err.Error(), want)
	}
	assert.NoError(t, base.Validate())
}
