package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-task-agent/internal/browser"
	"github.com/polzovatel/browser-task-agent/internal/browser/browsertest"
	"github.com/polzovatel/browser-task-agent/internal/events"
	"github.com/polzovatel/browser-task-agent/internal/llm"
	"github.com/polzovatel/browser-task-agent/internal/parser"
	"github.com/polzovatel/browser-task-agent/internal/progress"
	"github.com/polzovatel/browser-task-agent/internal/snapshot"
	"github.com/polzovatel/browser-task-agent/internal/tools"
	"github.com/polzovatel/browser-task-agent/internal/workflow"
)

type scriptedClient struct {
	responses []string
	fallback  string
	failAt    int
	vision    bool

	mu        sync.Mutex
	calls     int
	histories [][]llm.Message
}

func (c *scriptedClient) Chat(_ context.Context, history []llm.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.histories = append(c.histories, append([]llm.Message(nil), history...))
	if c.failAt > 0 && c.calls == c.failAt {
		return "", errors.New("upstream 401")
	}
	if c.calls <= len(c.responses) {
		return c.responses[c.calls-1], nil
	}
	return c.fallback, nil
}

func (c *scriptedClient) SupportsVision() bool { return c.vision }
func (c *scriptedClient) Name() string         { return "scripted" }

type fakeToolbox struct {
	results map[string]tools.Result
	invoked []string
}

func (t *fakeToolbox) Usage() string { return "1. navigate(url) - Open a URL\n" }

func (t *fakeToolbox) Invoke(_ context.Context, name string, _ map[string]any) tools.Result {
	t.invoked = append(t.invoked, name)
	if r, ok := t.results[name]; ok {
		return r
	}
	if name == "finish" {
		return tools.Result{Success: true, Content: "all done", Terminal: true}
	}
	return tools.Result{Success: true, Content: name + " ok"}
}

type fakeObserver struct {
	n     int
	shots []bool
}

func (o *fakeObserver) Observe(_ context.Context, screenshot bool) PageState {
	state := PageState{Snapshot: snapshot.PageSnapshot{
		URL:   fmt.Sprintf("https://a.test/%d", o.n),
		Title: fmt.Sprintf("page %d", o.n),
	}}
	if screenshot {
		state.Screenshot = []byte{0xff, 0xd8, byte(o.n)}
	}
	o.shots = append(o.shots, screenshot)
	o.n++
	return state
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func lastUser(history []llm.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == llm.RoleUser {
			return history[i].Text()
		}
	}
	return ""
}

func TestRunFailedStepDoesNotStopLoop(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"action": "navigate", "params": {"url": "https://a.test"}}`,
		`{"action": "click", "params": {"selector": "#gone"}}`,
		`{"action": "finish", "params": {"result": "Task completed. Summary: found it"}}`,
	}}
	box := &fakeToolbox{results: map[string]tools.Result{
		"click": {Error: "no element matched \"#gone\" for click after 6 strategies"},
	}}
	rec := &recorder{}
	orch := NewOrchestrator(Config{MaxSteps: 10}, client, box, &fakeObserver{}, zerolog.Nop(), WithSink(rec), WithRunID("run-1"))

	res, err := orch.Run(context.Background(), "open a.test and finish")
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, "run-1", res.ID)
	assert.Equal(t, "all done", res.FinalResult)
	require.Len(t, res.Steps, 3)
	for i, s := range res.Steps {
		assert.Equal(t, i+1, s.Step)
		assert.Equal(t, fmt.Sprintf("https://a.test/%d | page %d", i, i), s.PageInfo)
	}
	assert.True(t, res.Steps[0].Result.Success)
	assert.False(t, res.Steps[1].Result.Success)
	assert.Equal(t, "finish", res.Steps[2].Command.Name)
	assert.Equal(t, []string{"navigate", "click", "finish"}, box.invoked)

	third := client.histories[2]
	assert.Contains(t, lastUser(third), "Action failed: no element matched")
	assert.Contains(t, lastUser(third), "Try a different approach")

	assert.Equal(t, []events.Type{
		events.TaskStarted,
		events.StepStart, events.LLMResponse, events.ActionExecuting, events.StepComplete,
		events.StepStart, events.LLMResponse, events.ActionExecuting, events.StepComplete,
		events.StepStart, events.LLMResponse, events.ActionExecuting, events.StepComplete,
		events.TaskComplete,
	}, rec.types())
	assert.Equal(t, false, rec.events[8].Data["success"])
}

func TestRunParseMissAsksAgain(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"hmm, let me look at the page first",
		`{"action": "finish", "params": {"result": "Task completed: nothing to do"}}`,
	}}
	res, err := NewOrchestrator(Config{}, client, &fakeToolbox{}, &fakeObserver{}, zerolog.Nop()).
		Run(context.Background(), "anything")
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, 2, res.Steps[0].Step)

	second := client.histories[1]
	require.GreaterOrEqual(t, len(second), 2)
	assert.Equal(t, llm.RoleAssistant, second[len(second)-2].Role)
	assert.Equal(t, correction, lastUser(second))
}

func TestRunStopsAtMaxSteps(t *testing.T) {
	client := &scriptedClient{fallback: `{"action": "scroll", "params": {"direction": "down"}}`}
	rec := &recorder{}
	res, err := NewOrchestrator(Config{MaxSteps: 3}, client, &fakeToolbox{}, &fakeObserver{}, zerolog.Nop(), WithSink(rec)).
		Run(context.Background(), "scroll forever")
	require.NoError(t, err)

	assert.Equal(t, StatusMaxSteps, res.Status)
	assert.Len(t, res.Steps, 3)
	assert.Equal(t, 3, client.calls)
	types := rec.types()
	assert.Equal(t, events.TaskMaxSteps, types[len(types)-1])
	assert.Contains(t, lastUser(res.History), "same scroll command 3 times in a row")
}

func TestRunModelErrorFails(t *testing.T) {
	client := &scriptedClient{
		responses: []string{`{"action": "navigate", "params": {"url": "a.test"}}`},
		failAt:    2,
	}
	rec := &recorder{}
	res, err := NewOrchestrator(Config{}, client, &fakeToolbox{}, &fakeObserver{}, zerolog.Nop(), WithSink(rec)).
		Run(context.Background(), "task")
	require.Error(t, err)
	require.NotNil(t, res)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Err, "upstream 401")
	assert.Len(t, res.Steps, 1)
	assert.NotEmpty(t, res.History)
	assert.False(t, res.Finished.IsZero())
	types := rec.types()
	assert.Equal(t, events.Error, types[len(types)-1])
}

func TestRunBrowserClosedFails(t *testing.T) {
	client := &scriptedClient{fallback: `{"action": "click", "params": {"selector": "#a"}}`}
	box := &fakeToolbox{results: map[string]tools.Result{
		"click": {Error: "playwright: Target page, context or browser has been closed"},
	}}
	res, err := NewOrchestrator(Config{}, client, box, &fakeObserver{}, zerolog.Nop()).Run(context.Background(), "task")
	require.ErrorIs(t, err, ErrBrowserClosed)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Len(t, res.Steps, 1)
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &scriptedClient{fallback: `{"action": "wait", "params": {}}`}
	res, err := NewOrchestrator(Config{}, client, &fakeToolbox{}, &fakeObserver{}, zerolog.Nop()).Run(ctx, "task")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 0, client.calls)
}

func TestRunVisionKeepsOnlyLatestImage(t *testing.T) {
	client := &scriptedClient{
		responses: []string{
			`{"action": "navigate", "params": {"url": "a.test"}}`,
			`{"action": "screenshot", "params": {}}`,
			`{"action": "finish", "params": {"result": "Task completed"}}`,
		},
		vision: true,
	}
	box := &fakeToolbox{results: map[string]tools.Result{
		"screenshot": {Success: true, Content: "screenshot captured", Image: []byte{1, 2, 3}},
	}}
	obs := &fakeObserver{}
	_, err := NewOrchestrator(Config{UseVision: true}, client, box, obs, zerolog.Nop()).Run(context.Background(), "look")
	require.NoError(t, err)

	for _, h := range client.histories {
		images := 0
		for _, m := range h {
			if m.HasImage() {
				images++
			}
		}
		assert.Equal(t, 1, images)
		assert.True(t, h[len(h)-1].HasImage())
	}
	last := client.histories[2]
	assert.Equal(t, []byte{1, 2, 3}, last[len(last)-1].Parts[1].Image)
	assert.Equal(t, []bool{true, true, false}, obs.shots)
}

func TestRunHistoryIsAppendOnly(t *testing.T) {
	client := &scriptedClient{
		responses: []string{
			`{"action": "navigate", "params": {"url": "a.test"}}`,
			`{"action": "click", "params": {"selector": "#go"}}`,
			`{"action": "finish", "params": {"result": "Task completed"}}`,
		},
		vision: true,
	}
	res, err := NewOrchestrator(Config{UseVision: true}, client, &fakeToolbox{}, &fakeObserver{}, zerolog.Nop()).
		Run(context.Background(), "look")
	require.NoError(t, err)

	for _, m := range res.History {
		assert.False(t, m.HasImage())
	}
	first := client.histories[0]
	require.Len(t, first, 2)
	assert.True(t, first[1].HasImage())
	assert.False(t, client.histories[1][1].HasImage())
	assert.Equal(t, res.History[1].Text(), first[1].Text())
	assert.Equal(t, res.History[1].Text(), client.histories[1][1].Text())
}

// panickingToolbox panics on click the way a nil-map bug in a tool would.
type panickingToolbox struct {
	fakeToolbox
}

func (t *panickingToolbox) Invoke(ctx context.Context, name string, params map[string]any) tools.Result {
	if name == "click" {
		var seen map[string]int
		seen[name]++
	}
	return t.fakeToolbox.Invoke(ctx, name, params)
}

func TestRunPanicEndsFailedWithTranscript(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"action": "navigate", "params": {"url": "a.test"}}`,
		`{"action": "click", "params": {"selector": "#go"}}`,
	}}
	rec := &recorder{}
	res, err := NewOrchestrator(Config{MaxSteps: 5}, client, &panickingToolbox{}, &fakeObserver{}, zerolog.Nop(), WithSink(rec)).
		Run(context.Background(), "open and click")
	require.ErrorIs(t, err, ErrPanic)
	require.NotNil(t, res)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Err, "assignment to entry in nil map")
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "navigate", res.Steps[0].Command.Name)
	assert.NotEmpty(t, res.History)
	assert.False(t, res.Finished.IsZero())

	types := rec.types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.Error, types[len(types)-1])
}

func TestRunWithoutVisionSupport(t *testing.T) {
	client := &scriptedClient{responses: []string{`{"action": "finish", "params": {"result": "done"}}`}}
	obs := &fakeObserver{}
	_, err := NewOrchestrator(Config{UseVision: true}, client, &fakeToolbox{}, obs, zerolog.Nop()).Run(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, obs.shots)
	assert.NotContains(t, client.histories[0][0].Text(), "VISION:")
}

func TestChecklistRunGuidesCompletion(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"action": "click", "params": {"selector": "Add"}}`,
		`{"action": "finish", "params": {"result": "Task completed"}}`,
	}}
	box := &fakeToolbox{results: map[string]tools.Result{
		"click": {Success: true, Content: "clicked Add (matched Add to Part List via text strategy). Selected CPU: Ryzen 7 7800X3D $449.00"},
	}}
	_, err := NewOrchestrator(Config{}, client, box, &fakeObserver{}, zerolog.Nop()).
		Run(context.Background(), "build a gaming pc on pcpartpicker")
	require.NoError(t, err)

	system := client.histories[0][0].Text()
	assert.Contains(t, system, "TASK GUIDE (pc-build)")
	feedback := lastUser(client.histories[1])
	assert.Contains(t, feedback, "Action succeeded")
	assert.Contains(t, feedback, "7 categories are still missing")
}

func TestClassifyTask(t *testing.T) {
	tables := workflow.Default()
	cases := map[string]taskKind{
		"build a pc under $1500":        kindChecklist,
		"search for wireless earbuds":   kindSearch,
		"在淘宝搜索机械键盘":                     kindSearch,
		"log in and change my password": kindGeneric,
	}
	for task, want := range cases {
		assert.Equal(t, want, classifyTask(task, tables.ChecklistFor(task)), task)
	}
}

func TestCompletionCheck(t *testing.T) {
	tracker := progress.NewChecklist(workflow.Default().ChecklistFor("build a pc"))
	msg := completionCheck(kindChecklist, tracker)
	assert.Contains(t, msg, "8 categories are still missing")
	assert.Contains(t, msg, "do not call finish yet")

	assert.Contains(t, completionCheck(kindSearch, progress.Nop{}), "extracted the results")
	assert.Contains(t, completionCheck(kindGeneric, progress.Nop{}), "main goal")
}

func TestFeedbackAndReminders(t *testing.T) {
	assert.Empty(t, stepReminder(9, "t"))
	assert.Contains(t, stepReminder(20, "buy milk"), "buy milk")

	fail := feedback{errText: "boom", pageInfo: "Current page: x", reminder: "ignored"}.String()
	assert.True(t, strings.HasPrefix(fail, "Action failed: boom"))
	assert.NotContains(t, fail, "ignored")
	assert.NotContains(t, fail, finishReminder)

	ok := feedback{success: true, content: "typed", pageInfo: "Current page: x", completed: "COMPLETION CHECK:"}.String()
	assert.Contains(t, ok, "COMPLETION CHECK:")
	assert.Contains(t, ok, finishReminder)
}

func TestRepeatCountsIdenticalCommands(t *testing.T) {
	r := &run{}
	cmd := func(sel string) parser.Command { return parser.Command{Name: "click", Params: map[string]any{"selector": sel}} }
	assert.Equal(t, 1, r.repeat(cmd("#a")))
	assert.Equal(t, 2, r.repeat(cmd("#a")))
	assert.Equal(t, 1, r.repeat(cmd("#b")))
	assert.Equal(t, 2, r.repeat(cmd("#b")))
	assert.Equal(t, 3, r.repeat(cmd("#b")))
}

func TestDriverGone(t *testing.T) {
	assert.True(t, driverGone("playwright: Target page, context or browser has been closed"))
	assert.False(t, driverGone("timeout 10000ms exceeded"))
}

type factory struct {
	ctrl *browsertest.Controller
	err  error
}

func (f factory) NewController(context.Context, string) (browser.Controller, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ctrl, nil
}

func TestRunnerRunsOnFreshController(t *testing.T) {
	ctrl := browsertest.NewController("about:blank")
	ctrl.TitleOnNav = map[string]string{"https://shop.test": "Shop"}
	client := &scriptedClient{responses: []string{
		`{"action": "navigate", "params": {"url": "shop.test"}}`,
		`{"action": "finish", "params": {"result": "Task completed: opened the shop"}}`,
	}}
	runner := NewRunner(factory{ctrl: ctrl}, client, RunnerSettings{}, zerolog.Nop())

	res, err := runner.Run(context.Background(), Request{ID: "r1", Task: "open the shop", MaxSteps: 5})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, "r1", res.ID)
	assert.Equal(t, []string{"https://shop.test"}, ctrl.Navigated())
	assert.Contains(t, res.Steps[0].Result.Content, "page title: Shop")
}

func TestRunnerControllerError(t *testing.T) {
	rec := &recorder{}
	runner := NewRunner(factory{err: errors.New("no browser")}, &scriptedClient{}, RunnerSettings{}, zerolog.Nop())
	res, err := runner.Run(context.Background(), Request{Task: "t", Sink: rec})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, []events.Type{events.Error}, rec.types())
}

func TestPageObserver(t *testing.T) {
	ctrl := browsertest.NewController("https://shop.test/cart")
	ctrl.TitleValue = "Cart"
	ctrl.Shot = []byte{0xff, 0xd8}
	obs := NewPageObserver(ctrl, snapshot.New(zerolog.Nop(), 0), 0, browser.ScreenshotOptions{}, zerolog.Nop())

	state := obs.Observe(context.Background(), false)
	assert.Equal(t, "https://shop.test/cart | Cart", state.Snapshot.Info())
	assert.Nil(t, state.Screenshot)

	state = obs.Observe(context.Background(), true)
	assert.Equal(t, []byte{0xff, 0xd8}, state.Screenshot)
}
