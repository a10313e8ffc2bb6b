package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/polzovatel/browser-task-agent/internal/agent"
	"github.com/polzovatel/browser-task-agent/internal/browser"
	"github.com/polzovatel/browser-task-agent/internal/config"
	"github.com/polzovatel/browser-task-agent/internal/llm"
	"github.com/polzovatel/browser-task-agent/internal/logging"
	"github.com/polzovatel/browser-task-agent/internal/metrics"
	"github.com/polzovatel/browser-task-agent/internal/tools"
	"github.com/polzovatel/browser-task-agent/internal/workflow"
)

type globalFlags struct {
	configPath string
	logLevel   string
	provider   string
	model      string
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:   "agent",
		Short: "Drive a real browser with a language model to complete tasks",
		Long: `agent turns a natural-language task into browser actions: it reads the
page, asks the model for the next command, executes it and repeats until the
task is finished or the step budget runs out.

Examples:
  agent run --task "find the cheapest 27 inch monitor on example-shop.com"
  agent serve --addr :8080`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to a YAML config file (default: ./agent.yaml if present)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&g.provider, "provider", "", "LLM provider: "+fmt.Sprint(llm.Providers()))
	root.PersistentFlags().StringVar(&g.model, "model", "", "Model override")

	root.AddCommand(newRunCmd(&g), newServeCmd(&g))
	return root
}

// loadConfig applies command line overrides on top of file and environment.
func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.provider != "" {
		cfg.LLM.Provider = g.provider
	}
	if g.model != "" {
		cfg.LLM.Model = g.model
	}
	return cfg, nil
}

// stack holds what every command builds from the config.
type stack struct {
	cfg      *config.Config
	logger   zerolog.Logger
	logClose io.Closer
	launcher *browser.Launcher
	runner   *agent.Runner
}

func (s *stack) Close() {
	if s.launcher != nil {
		if err := s.launcher.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("close browser")
		}
	}
	_ = s.logClose.Close()
}

func buildStack(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, notify func(string)) (*stack, error) {
	logger, closer := logging.New(cfg.Log, os.Stderr)
	s := &stack{cfg: cfg, logger: logger, logClose: closer}

	client, err := llm.New(llm.Settings{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.APIKey(),
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("llm init: %w", err)
	}
	client = llm.WithRetry(client, cfg.LLM.MaxRetries, logger)
	client = llm.WithRateLimit(client, cfg.LLM.RequestsPerSecond, cfg.LLM.Burst)

	tables := workflow.Default()
	if cfg.Agent.Workflows != "" {
		if tables, err = workflow.Load(cfg.Agent.Workflows); err != nil {
			s.Close()
			return nil, err
		}
	}

	s.launcher, err = browser.NewLauncher(ctx, browser.Options{
		Headless:       cfg.Browser.Headless,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		CDPURL:         cfg.Browser.CDPURL,
		NavTimeout:     cfg.Browser.NavTimeout,
		ActionTimeout:  cfg.Browser.ActionTimeout,
	}, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("browser init: %w", err)
	}

	s.runner = agent.NewRunner(s.launcher, client, runnerSettings(cfg, notify), logger,
		agent.RunnerTables(tables),
		agent.RunnerMetrics(metrics.New(reg)),
	)
	logger.Info().
		Str("llm", client.Name()).
		Bool("vision", cfg.Agent.UseVision && client.SupportsVision()).
		Bool("headless", cfg.Browser.Headless).
		Msg("agent ready")
	return s, nil
}

func runnerSettings(cfg *config.Config, notify func(string)) agent.RunnerSettings {
	return agent.RunnerSettings{
		Agent: agent.Config{
			MaxSteps:     cfg.Agent.MaxSteps,
			ElementChars: cfg.Agent.ElementChars,
			UseVision:    cfg.Agent.UseVision,
		},
		MaxElements:    cfg.Agent.MaxElements,
		ViewportBuffer: cfg.Agent.ViewportBuffer,
		Tools: tools.Options{
			ActionTimeout:      cfg.Browser.ActionTimeout,
			HandoffTimeout:     cfg.Agent.HandoffTimeout,
			HandoffPoll:        cfg.Agent.HandoffPoll,
			ScreenshotQuality:  cfg.Agent.ScreenshotQuality,
			ScreenshotMaxWidth: cfg.Agent.ScreenshotMaxWidth,
			Notify:             notify,
		},
		Screenshot: browser.ScreenshotOptions{
			Quality:  cfg.Agent.ScreenshotQuality,
			MaxWidth: cfg.Agent.ScreenshotMaxWidth,
		},
		StoragePath:   cfg.Browser.StorageState,
		SaveStatePath: cfg.Browser.SaveState,
	}
}
