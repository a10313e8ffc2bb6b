package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-task-agent/internal/events"
)

func TestPromptTask(t *testing.T) {
	var out bytes.Buffer
	task, err := promptTask(strings.NewReader("  book a table\x07 for two \n"), &out)
	require.NoError(t, err)
	assert.Equal(t, "book a table for two", task)
	assert.Contains(t, out.String(), "Enter a task")

	_, err = promptTask(strings.NewReader("\n"), &out)
	assert.ErrorIs(t, err, errCancelled)

	_, err = promptTask(strings.NewReader(""), &out)
	assert.ErrorIs(t, err, errCancelled)

	task, err = promptTask(strings.NewReader("no newline"), &out)
	require.NoError(t, err)
	assert.Equal(t, "no newline", task)
}

func TestSanitizeTaskCapsLength(t *testing.T) {
	long := strings.Repeat("я", maxTaskLength+10)
	assert.Len(t, []rune(sanitizeTask(long)), maxTaskLength)
}

func TestConsoleSink(t *testing.T) {
	var out bytes.Buffer
	sink := consoleSink(&out)
	sink.Emit(events.Event{Type: events.StepStart, Step: 1})
	sink.Emit(events.Event{Type: events.StepComplete, Step: 1, Data: map[string]any{
		"action": "navigate", "success": true, "content": "navigated to https://a.test,\npage title: A",
	}})
	sink.Emit(events.Event{Type: events.StepComplete, Step: 2, Data: map[string]any{
		"action": "click", "success": false, "error": "no element matched",
	}})
	sink.Emit(events.Event{Type: events.TaskComplete, Step: 3, Data: map[string]any{"result": "total $900"}})

	lines := out.String()
	assert.Contains(t, lines, "agent[1]: navigate -> navigated to https://a.test, page title: A\n")
	assert.Contains(t, lines, "agent[2]: click -> failed: no element matched\n")
	assert.Contains(t, lines, "Task completed\ntotal $900")
	assert.NotContains(t, lines, "agent[1]: \n")
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := loadConfig(&globalFlags{logLevel: "debug", provider: "deepseek", model: "deepseek-reasoner"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "deepseek", cfg.LLM.Provider)
	assert.Equal(t, "deepseek-reasoner", cfg.LLM.Model)

	settings := runnerSettings(cfg, nil)
	assert.Equal(t, cfg.Agent.MaxSteps, settings.Agent.MaxSteps)
	assert.Equal(t, 45*time.Second, settings.Tools.HandoffTimeout)
	assert.Equal(t, uint(1024), settings.Screenshot.MaxWidth)
	assert.Equal(t, 40, settings.MaxElements)
}

func TestCommandsRegistered(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["serve"])
}
