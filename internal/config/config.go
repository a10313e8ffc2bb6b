// Package config loads agent settings from defaults, an optional YAML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

const EnvPrefix = "AGENT"

type Config struct {
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
}

type BrowserConfig struct {
	Headless       bool          `mapstructure:"headless" yaml:"headless"`
	ViewportWidth  int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	StorageState   string        `mapstructure:"storage_state" yaml:"storage_state"`
	SaveState      string        `mapstructure:"save_state" yaml:"save_state"`
	CDPURL         string        `mapstructure:"cdp_url" yaml:"cdp_url"`
	NavTimeout     time.Duration `mapstructure:"nav_timeout" yaml:"nav_timeout"`
	ActionTimeout  time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
}

type LLMConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	Model    string `mapstructure:"model" yaml:"model"`
	// APIKey overrides the provider key read from the environment.
	APIKey            string            `mapstructure:"api_key" yaml:"-"`
	Keys              map[string]string `mapstructure:"keys" yaml:"-"`
	BaseURL           string            `mapstructure:"base_url" yaml:"base_url"`
	Temperature       float64           `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens         int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestsPerSecond float64           `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int               `mapstructure:"burst" yaml:"burst"`
	MaxRetries        int               `mapstructure:"max_retries" yaml:"max_retries"`
}

type AgentConfig struct {
	MaxSteps           int           `mapstructure:"max_steps" yaml:"max_steps"`
	MaxElements        int           `mapstructure:"max_elements" yaml:"max_elements"`
	ElementChars       int           `mapstructure:"element_chars" yaml:"element_chars"`
	ViewportBuffer     int           `mapstructure:"viewport_buffer" yaml:"viewport_buffer"`
	UseVision          bool          `mapstructure:"use_vision" yaml:"use_vision"`
	ScreenshotQuality  int           `mapstructure:"screenshot_quality" yaml:"screenshot_quality"`
	ScreenshotMaxWidth uint          `mapstructure:"screenshot_max_width" yaml:"screenshot_max_width"`
	HandoffTimeout     time.Duration `mapstructure:"handoff_timeout" yaml:"handoff_timeout"`
	HandoffPoll        time.Duration `mapstructure:"handoff_poll" yaml:"handoff_poll"`
	// Workflows replaces the built-in keyword tables when set.
	Workflows string `mapstructure:"workflows" yaml:"workflows"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type ServerConfig struct {
	Addr              string `mapstructure:"addr" yaml:"addr"`
	MaxConcurrentRuns int    `mapstructure:"max_concurrent_runs" yaml:"max_concurrent_runs"`
	RunCacheSize      int    `mapstructure:"run_cache_size" yaml:"run_cache_size"`
}

// providerKeys maps each provider to the environment variable holding its key.
var providerKeys = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
	"doubao":    "DOUBAO_API_KEY",
	"qwen":      "DASHSCOPE_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 720)
	v.SetDefault("browser.storage_state", "")
	v.SetDefault("browser.save_state", "")
	v.SetDefault("browser.cdp_url", "")
	v.SetDefault("browser.nav_timeout", "60s")
	v.SetDefault("browser.action_timeout", "10s")

	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.requests_per_second", 0)
	v.SetDefault("llm.burst", 1)
	v.SetDefault("llm.max_retries", 3)

	v.SetDefault("agent.max_steps", 50)
	v.SetDefault("agent.max_elements", 40)
	v.SetDefault("agent.element_chars", 2500)
	v.SetDefault("agent.viewport_buffer", 200)
	v.SetDefault("agent.use_vision", true)
	v.SetDefault("agent.screenshot_quality", 50)
	v.SetDefault("agent.screenshot_max_width", 1024)
	v.SetDefault("agent.handoff_timeout", "45s")
	v.SetDefault("agent.handoff_poll", "2s")
	v.SetDefault("agent.workflows", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.compress", true)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.max_concurrent_runs", 2)
	v.SetDefault("server.run_cache_size", 100)
}

// bindEnv wires provider keys and the short variable names older setups use.
func bindEnv(v *viper.Viper) {
	for provider, env := range providerKeys {
		_ = v.BindEnv("llm.keys."+provider, env)
	}
	_ = v.BindEnv("browser.headless", EnvPrefix+"_BROWSER_HEADLESS", EnvPrefix+"_HEADLESS")
	_ = v.BindEnv("llm.provider", EnvPrefix+"_LLM_PROVIDER", "LLM_PROVIDER")
}

// Load reads path, or ./agent.yaml when path is empty and the file exists.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Browser.StorageState, &c.Browser.SaveState, &c.Log.File, &c.Agent.Workflows} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %s: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// APIKey returns the explicit key or the one for the configured provider.
func (c *Config) APIKey() string {
	if k := strings.TrimSpace(c.LLM.APIKey); k != "" {
		return k
	}
	return strings.TrimSpace(c.LLM.Keys[strings.ToLower(strings.TrimSpace(c.LLM.Provider))])
}

func (c *Config) Validate() error {
	switch {
	case c.Agent.MaxSteps <= 0:
		return errors.New("agent.max_steps must be positive")
	case c.Agent.MaxElements <= 0:
		return errors.New("agent.max_elements must be positive")
	case c.Agent.ElementChars < 200:
		return errors.New("agent.element_chars must be at least 200")
	case c.Agent.ScreenshotQuality < 1 || c.Agent.ScreenshotQuality > 100:
		return errors.New("agent.screenshot_quality must be between 1 and 100")
	case c.Agent.HandoffPoll <= 0 || c.Agent.HandoffTimeout < c.Agent.HandoffPoll:
		return errors.New("agent.handoff_poll must be positive and not exceed agent.handoff_timeout")
	case c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0:
		return errors.New("browser viewport must be positive")
	case c.LLM.Temperature < 0 || c.LLM.Temperature > 2:
		return errors.New("llm.temperature must be between 0 and 2")
	case c.LLM.RequestsPerSecond < 0:
		return errors.New("llm.requests_per_second must not be negative")
	case c.LLM.MaxRetries < 0:
		return errors.New("llm.max_retries must not be negative")
	case c.Server.MaxConcurrentRuns <= 0:
		return errors.New("server.max_concurrent_runs must be positive")
	case c.Server.RunCacheSize <= 0:
		return errors.New("server.run_cache_size must be positive")
	}
	return nil
}
