package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-task-agent/internal/events"
	"github.com/polzovatel/browser-task-agent/internal/llm"
	"github.com/polzovatel/browser-task-agent/internal/metrics"
	"github.com/polzovatel/browser-task-agent/internal/parser"
	"github.com/polzovatel/browser-task-agent/internal/progress"
	"github.com/polzovatel/browser-task-agent/internal/tools"
	"github.com/polzovatel/browser-task-agent/internal/workflow"
)

const (
	DefaultMaxSteps     = 50
	DefaultElementChars = 2500
	repeatLimit         = 3
	eventTextLimit      = 500
)

// ErrBrowserClosed marks a run that lost its page.
var ErrBrowserClosed = errors.New("browser page is no longer usable")

// ErrPanic marks a run that ended because a step panicked.
var ErrPanic = errors.New("run panicked")

type Config struct {
	MaxSteps     int
	ElementChars int
	// UseVision attaches screenshots when the model client supports images.
	UseVision bool
}

type Option func(*Orchestrator)

func WithSink(s events.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTables(t *workflow.Tables) Option {
	return func(o *Orchestrator) { o.tables = t }
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// Orchestrator owns one run: its conversation, transcript and tracker are
// never shared.
type Orchestrator struct {
	cfg      Config
	client   llm.Client
	tools    Toolbox
	observer Observer
	parser   *parser.Parser
	tables   *workflow.Tables
	sink     events.Sink
	metrics  *metrics.Collector
	runID    string
	logger   zerolog.Logger
}

func NewOrchestrator(cfg Config, client llm.Client, toolbox Toolbox, observer Observer, logger zerolog.Logger, opts ...Option) *Orchestrator {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.ElementChars <= 0 {
		cfg.ElementChars = DefaultElementChars
	}
	o := &Orchestrator{
		cfg:      cfg,
		client:   client,
		tools:    toolbox,
		observer: observer,
		parser:   parser.New(logger),
		tables:   workflow.Default(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	o.logger = o.logger.With().Str("comp", "agent").Str("run", o.runID).Logger()
	return o
}

// run is the mutable state of one Run call.
type run struct {
	res     *Result
	history []llm.Message
	tracker progress.Tracker
	kind    taskKind
	vision  bool
	state   PageState
	recent  []string
	// image is the latest screenshot; it rides on history[imageAt] only in
	// the request sent to the model.
	image   []byte
	imageAt int
}

// Run drives task to completion. The returned Result is never nil; err is
// set only when the run ended in StatusFailed.
func (o *Orchestrator) Run(ctx context.Context, task string) (res *Result, err error) {
	checklist := o.tables.ChecklistFor(task)
	r := &run{
		res: &Result{
			ID:      o.runID,
			Task:    task,
			Status:  StatusInit,
			Started: time.Now(),
		},
		tracker: progress.For(o.tables, task),
		kind:    classifyTask(task, checklist),
		vision:  o.cfg.UseVision && o.client.SupportsVision(),
	}
	step := 0
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error().Str("stack", string(debug.Stack())).Int("step", step).Msg("panic during run")
			res, err = o.fail(r, step, fmt.Errorf("%w: %v", ErrPanic, p))
		}
	}()
	o.metrics.RunStarted()
	o.logger.Info().Str("task", task).Int("max_steps", o.cfg.MaxSteps).Bool("vision", r.vision).Msg("run started")
	o.emit(events.TaskStarted, 0, map[string]any{"task": task, "max_steps": o.cfg.MaxSteps})

	r.history = append(r.history, llm.Text(llm.RoleSystem, systemPrompt(o.tools.Usage(), r.vision, checklist)))
	r.state = o.observer.Observe(ctx, r.vision)
	o.appendObservation(r, startMessage(task))
	r.res.Status = StatusRunning

	for step = 1; step <= o.cfg.MaxSteps; step++ {
		done, err := o.tick(ctx, r, step)
		if err != nil {
			return o.fail(r, step, err)
		}
		if done {
			return o.finish(r, StatusDone), nil
		}
	}

	o.logger.Warn().Int("steps", o.cfg.MaxSteps).Msg("step budget exhausted")
	o.emit(events.TaskMaxSteps, o.cfg.MaxSteps, map[string]any{"steps": len(r.res.Steps)})
	return o.finish(r, StatusMaxSteps), nil
}

// tick runs one step. It reports done when a terminal command executed and
// returns an error only for failures that end the run.
func (o *Orchestrator) tick(ctx context.Context, r *run, step int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	o.emit(events.StepStart, step, map[string]any{"page": r.state.Snapshot.Info()})
	o.logger.Info().Int("step", step).Int("max", o.cfg.MaxSteps).Str("page", r.state.Snapshot.Info()).Msg("step")

	start := time.Now()
	response, err := o.client.Chat(ctx, r.request())
	o.metrics.LLMCall(o.client.Name(), time.Since(start), err)
	if err != nil {
		return false, fmt.Errorf("model call: %w", err)
	}
	o.emit(events.LLMResponse, step, map[string]any{"response": clip(response, eventTextLimit)})
	o.logger.Debug().Int("step", step).Str("response", clip(response, 200)).Msg("model response")

	cmd, ok := o.parser.Parse(response)
	if !ok {
		o.metrics.ParseMiss()
		o.logger.Warn().Int("step", step).Msg("no command in model response, asking again")
		r.history = append(r.history, llm.Text(llm.RoleAssistant, response), llm.Text(llm.RoleUser, correction))
		return false, nil
	}

	record := StepRecord{
		Step:     step,
		Command:  cmd,
		PageInfo: r.state.Snapshot.Info(),
		Response: response,
	}
	o.emit(events.ActionExecuting, step, map[string]any{"action": cmd.Name, "params": cmd.Params})
	result := o.tools.Invoke(ctx, cmd.Name, cmd.Params)
	record.Result = result
	r.res.Steps = append(r.res.Steps, record)
	r.history = append(r.history, llm.Text(llm.RoleAssistant, response))
	o.metrics.Step(cmd.Name, result.Success)
	o.emit(events.StepComplete, step, stepData(cmd, result))

	if result.Terminal {
		r.res.FinalResult = result.Content
		o.logger.Info().Int("step", step).Msg("task finished")
		o.emit(events.TaskComplete, step, map[string]any{"result": result.Content})
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !result.Success && driverGone(result.Error) {
		return false, fmt.Errorf("%w: %s", ErrBrowserClosed, result.Error)
	}

	fb := feedback{
		success: result.Success,
		content: result.Content,
		errText: result.Error,
	}
	if n := r.repeat(cmd); n >= repeatLimit {
		fb.repeated = repeatWarning(cmd.Name, n)
		o.logger.Warn().Str("action", cmd.Name).Int("count", n).Msg("repeated command")
	}
	if result.Success {
		if err := r.tracker.Observe(response, result.Content); err != nil {
			o.logger.Warn().Err(err).Msg("progress tracker failed")
		}
		fb.progress = r.tracker.Summary()
		fb.reminder = stepReminder(step, r.res.Task)
		fb.completed = completionCheck(r.kind, r.tracker)
	}

	r.state = o.observer.Observe(ctx, r.vision && result.Image == nil)
	if r.vision && result.Image != nil {
		r.state.Screenshot = result.Image
	}
	fb.pageInfo = "Current page: " + r.state.Snapshot.Info()
	o.appendObservation(r, fb.String())
	return false, nil
}

// repeat returns how many times in a row cmd has now been issued.
func (r *run) repeat(cmd parser.Command) int {
	key := cmd.Name
	if params, err := json.Marshal(cmd.Params); err == nil {
		key += string(params)
	}
	if n := len(r.recent); n > 0 && r.recent[n-1] == key {
		r.recent = append(r.recent, key)
	} else {
		r.recent = append(r.recent[:0], key)
	}
	return len(r.recent)
}

// appendObservation appends text and the rendered page as a text-only user
// turn and makes the page's screenshot, if any, the one sent with it.
func (o *Orchestrator) appendObservation(r *run, text string) {
	full := text + "\n\n" + r.state.Snapshot.Render(o.cfg.ElementChars)
	r.history = append(r.history, llm.Text(llm.RoleUser, full))
	r.image, r.imageAt = r.state.Screenshot, len(r.history)-1
}

// request is the history as sent to the model: the stored turns with the
// latest screenshot attached to the turn it was taken for. Stored turns are
// never rewritten.
func (r *run) request() []llm.Message {
	if len(r.image) == 0 {
		return r.history
	}
	out := make([]llm.Message, len(r.history))
	copy(out, r.history)
	m := out[r.imageAt]
	m.Parts = append(append([]llm.Part(nil), m.Parts...), llm.Part{Image: r.image, MediaType: "image/jpeg"})
	out[r.imageAt] = m
	return out
}

func (o *Orchestrator) fail(r *run, step int, err error) (*Result, error) {
	r.res.Err = err.Error()
	o.logger.Error().Err(err).Int("step", step).Msg("run failed")
	o.emit(events.Error, step, map[string]any{"error": err.Error()})
	return o.finish(r, StatusFailed), err
}

func (o *Orchestrator) finish(r *run, status Status) *Result {
	r.res.Status = status
	r.res.History = r.history
	r.res.Finished = time.Now()
	o.metrics.RunFinished(string(status))
	o.logger.Info().
		Str("status", string(status)).
		Int("steps", len(r.res.Steps)).
		Dur("took", r.res.Finished.Sub(r.res.Started)).
		Msg("run ended")
	return r.res
}

func (o *Orchestrator) emit(t events.Type, step int, data map[string]any) {
	if o.sink == nil {
		return
	}
	o.sink.Emit(events.Event{Type: t, RunID: o.runID, Step: step, Time: time.Now(), Data: data})
}

func stepData(cmd parser.Command, res tools.Result) map[string]any {
	data := map[string]any{"action": cmd.Name, "success": res.Success}
	if res.Success {
		data["content"] = clip(res.Content, eventTextLimit)
	} else {
		data["error"] = res.Error
	}
	return data
}

var closedMarkers = []string{
	"target page, context or browser has been closed",
	"browser has been closed",
	"browser has disconnected",
}

func driverGone(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range closedMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
