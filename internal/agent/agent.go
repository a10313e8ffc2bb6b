// Package agent runs the step loop that turns a natural-language task into
// browser commands: observe the page, ask the model, parse, execute, feed back.
package agent

import (
	"context"
	"time"

	"github.com/polzovatel/browser-task-agent/internal/llm"
	"github.com/polzovatel/browser-task-agent/internal/parser"
	"github.com/polzovatel/browser-task-agent/internal/snapshot"
	"github.com/polzovatel/browser-task-agent/internal/tools"
)

type Status string

const (
	StatusInit     Status = "init"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusMaxSteps Status = "max_steps_reached"
	StatusFailed   Status = "failed"
)

// StepRecord is one executed command. Records are only ever appended.
type StepRecord struct {
	Step     int            `json:"step"`
	Command  parser.Command `json:"command"`
	PageInfo string         `json:"page_info"`
	Response string         `json:"llm_response"`
	Result   tools.Result   `json:"result"`
}

// Result is the transcript of one run. It is returned in every final state.
type Result struct {
	ID          string        `json:"id"`
	Task        string        `json:"task"`
	Status      Status        `json:"status"`
	Steps       []StepRecord  `json:"steps"`
	History     []llm.Message `json:"history,omitempty"`
	FinalResult string        `json:"final_result,omitempty"`
	Err         string        `json:"error,omitempty"`
	Started     time.Time     `json:"started"`
	Finished    time.Time     `json:"finished"`
}

// Toolbox executes named commands against the run's page.
type Toolbox interface {
	Usage() string
	Invoke(ctx context.Context, name string, params map[string]any) tools.Result
}

// PageState is the page as the model sees it after a step.
type PageState struct {
	Snapshot   snapshot.PageSnapshot
	Screenshot []byte
}

// Observer captures the current page state.
type Observer interface {
	Observe(ctx context.Context, screenshot bool) PageState
}
