package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-task-agent/internal/browser"
	"github.com/polzovatel/browser-task-agent/internal/events"
	"github.com/polzovatel/browser-task-agent/internal/llm"
	"github.com/polzovatel/browser-task-agent/internal/metrics"
	"github.com/polzovatel/browser-task-agent/internal/resolve"
	"github.com/polzovatel/browser-task-agent/internal/snapshot"
	"github.com/polzovatel/browser-task-agent/internal/tools"
	"github.com/polzovatel/browser-task-agent/internal/workflow"
)

// ControllerFactory opens one isolated browsing context per run.
type ControllerFactory interface {
	NewController(ctx context.Context, storagePath string) (browser.Controller, error)
}

// RunnerSettings are shared by every run the runner starts.
type RunnerSettings struct {
	Agent          Config
	MaxElements    int
	ViewportBuffer int
	Tools          tools.Options
	Screenshot     browser.ScreenshotOptions
	// StoragePath preloads cookies and local storage into each context.
	StoragePath string
	// SaveStatePath receives the storage state after a run that did not fail.
	SaveStatePath string
}

// Request is one task submission.
type Request struct {
	ID       string
	Task     string
	MaxSteps int
	Sink     events.Sink
}

// Runner wires a fresh controller, resolver, compactor, toolbox and
// orchestrator for every run. Runs share nothing but the model client.
type Runner struct {
	factory  ControllerFactory
	client   llm.Client
	tables   *workflow.Tables
	metrics  *metrics.Collector
	settings RunnerSettings
	logger   zerolog.Logger
}

type RunnerOption func(*Runner)

func RunnerTables(t *workflow.Tables) RunnerOption {
	return func(r *Runner) { r.tables = t }
}

func RunnerMetrics(m *metrics.Collector) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

func NewRunner(factory ControllerFactory, client llm.Client, settings RunnerSettings, logger zerolog.Logger, opts ...RunnerOption) *Runner {
	if settings.ViewportBuffer <= 0 {
		settings.ViewportBuffer = snapshot.DefaultViewportBuffer
	}
	r := &Runner{
		factory:  factory,
		client:   client,
		tables:   workflow.Default(),
		settings: settings,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one task in its own browsing context. The Result is never nil.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	logger := r.logger.With().Str("run", req.ID).Logger()

	ctrl, err := r.factory.NewController(ctx, r.settings.StoragePath)
	if err != nil {
		err = fmt.Errorf("open browser context: %w", err)
		if req.Sink != nil {
			req.Sink.Emit(events.Event{Type: events.Error, RunID: req.ID, Time: time.Now(), Data: map[string]any{"error": err.Error()}})
		}
		now := time.Now()
		return &Result{ID: req.ID, Task: req.Task, Status: StatusFailed, Err: err.Error(), Started: now, Finished: now}, err
	}
	defer func() {
		if cerr := ctrl.Close(context.Background()); cerr != nil {
			logger.Debug().Err(cerr).Msg("close browser context")
		}
	}()

	resolver := resolve.New(ctrl, r.tables, logger, resolve.WithObserver(func(kind resolve.Kind, strategy string) {
		r.metrics.Resolution(string(kind), strategy)
	}))
	compactor := snapshot.New(logger, r.settings.ViewportBuffer)
	toolbox := tools.New(ctrl, resolver, compactor, r.settings.Tools, logger)
	observer := NewPageObserver(ctrl, compactor, r.settings.MaxElements, r.settings.Screenshot, logger)

	cfg := r.settings.Agent
	if req.MaxSteps > 0 {
		cfg.MaxSteps = req.MaxSteps
	}
	orch := NewOrchestrator(cfg, r.client, toolbox, observer, logger,
		WithRunID(req.ID),
		WithSink(req.Sink),
		WithMetrics(r.metrics),
		WithTables(r.tables),
	)
	res, err := orch.Run(ctx, req.Task)
	if err == nil && r.settings.SaveStatePath != "" {
		if serr := ctrl.SaveState(context.Background(), r.settings.SaveStatePath); serr != nil {
			logger.Error().Err(serr).Msg("save storage state")
		} else {
			logger.Info().Str("path", r.settings.SaveStatePath).Msg("storage saved")
		}
	}
	return res, err
}
