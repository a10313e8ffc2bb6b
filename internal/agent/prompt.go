package agent

import (
	"fmt"
	"strings"

	"github.com/polzovatel/browser-task-agent/internal/progress"
	"github.com/polzovatel/browser-task-agent/internal/workflow"
)

const basePrompt = `You are a browser automation agent. You complete tasks by operating a real browser through the tools below.

AVAILABLE TOOLS:
%s
RESPONSE FORMAT:
Reply with exactly one JSON object per turn and nothing else:
{"action": "<tool name>", "params": {"<param>": "<value>"}}

RULES:
1. The browser starts on about:blank. Your first action must be navigate.
2. Prefer the locator= value of an element from the element list. [index] also works, e.g. {"action": "click", "params": {"selector": "[5]"}}.
3. Elements are listed in reading order, visible ones first. Scroll when the target is not listed.
4. When an action fails, try a different locator or approach instead of repeating it.
5. If the page title is "Just a moment..." or the page asks to verify you are human, call wait_for_user and let the user solve it. Use reload if the page is still blocked afterwards.

FINISHING:
- Call finish only when every goal of the task is met.
- The result param of finish must contain a detailed summary of what was found or done.
- Finishing one step of a multi-step task is not finishing the task. Never call finish after an intermediate step.

Example:
{"action": "finish", "params": {"result": "Task complete.\n\nSummary:\n- item 1: ...\n- item 2: ...\nTotal price: ..."}}
`

const visionPrompt = `
VISION:
A screenshot of the viewport is attached to page updates. Use it to understand layout, spot buttons and confirm that actions worked. Element positions @(x,y) refer to the screenshot.
`

// systemPrompt assembles the fixed instructions for one run.
func systemPrompt(usage string, vision bool, checklist *workflow.Checklist) string {
	var b strings.Builder
	fmt.Fprintf(&b, basePrompt, usage)
	if vision {
		b.WriteString(visionPrompt)
	}
	if checklist != nil && checklist.Guidance != "" {
		fmt.Fprintf(&b, "\nTASK GUIDE (%s):\n%s\n", checklist.Name, checklist.Guidance)
	}
	return b.String()
}

type taskKind int

const (
	kindGeneric taskKind = iota
	kindSearch
	kindChecklist
)

var searchWords = []string{"search", "find", "look up", "extract", "搜索", "查找", "找到", "提取", "获取"}

func classifyTask(task string, checklist *workflow.Checklist) taskKind {
	switch {
	case checklist != nil:
		return kindChecklist
	case workflow.ContainsAny(task, searchWords):
		return kindSearch
	default:
		return kindGeneric
	}
}

// completionCheck asks the model to re-check the goal in the way that fits
// the task kind.
func completionCheck(kind taskKind, tracker progress.Tracker) string {
	switch kind {
	case kindChecklist:
		if remaining := tracker.Remaining(); len(remaining) > 0 {
			return fmt.Sprintf("COMPLETION CHECK:\nThe task is not complete. %d categories are still missing: %s.\nContinue with the next one and do not call finish yet.",
				len(remaining), strings.Join(remaining, ", "))
		}
		return "COMPLETION CHECK:\nEvery category is selected. Call finish now with a complete summary:\n- each selected item with its price\n- the total price\n- the list link, if there is one"
	case kindSearch:
		return "COMPLETION CHECK:\n1. Have you found the information the task asks for?\n2. Have you extracted the results?\nIf yes, call finish with a detailed summary of the findings. If not, keep searching."
	default:
		return "COMPLETION CHECK:\n1. Is the main goal of the task achieved?\n2. Is any step missing?\nIf the task is done, call finish with a detailed summary. Otherwise continue with the remaining steps."
	}
}

const finishReminder = `Important:
- Call finish only when every goal of the task is met.
- finish must carry a detailed result summary.
- Do not repeat actions that already succeeded.`

const correction = `Your reply did not contain a command. Reply with exactly one JSON object:
{"action": "<tool name>", "params": {...}}`

func startMessage(task string) string {
	return fmt.Sprintf("Task: %s\n\nStart the task.", task)
}

// feedback describes the outcome of a step for the next model turn.
type feedback struct {
	success   bool
	content   string
	errText   string
	pageInfo  string
	progress  string
	reminder  string
	repeated  string
	completed string
}

func (f feedback) String() string {
	var b strings.Builder
	if !f.success {
		fmt.Fprintf(&b, "Action failed: %s\nTry a different approach.\n%s\n", f.errText, f.pageInfo)
		if f.repeated != "" {
			b.WriteString("\n" + f.repeated + "\n")
		}
		return b.String()
	}
	fmt.Fprintf(&b, "Action succeeded: %s\n%s\n", f.content, f.pageInfo)
	for _, part := range []string{f.progress, f.reminder, f.repeated, f.completed, finishReminder} {
		if part = strings.TrimSpace(part); part != "" {
			b.WriteString("\n" + part + "\n")
		}
	}
	return b.String()
}

func stepReminder(step int, task string) string {
	if step%10 != 0 {
		return ""
	}
	return fmt.Sprintf("Reminder: %d steps done. Make sure you are still working towards the original task: %s", step, task)
}

func repeatWarning(name string, count int) string {
	return fmt.Sprintf("Warning: you issued the same %s command %d times in a row. It is not making progress; try something different.", name, count)
}
