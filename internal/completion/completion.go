// Package completion judges from text signals whether a task is finished.
package completion

import "strings"

var (
	completionSignals = []string{
		"任务完成", "任务已完成", "已完成任务", "完成了任务", "任务结束", "执行完毕", "全部完成", "成功完成",
		"task complete", "task completed", "task is done", "task finished", "all done",
		"successfully completed",
	}

	resultSignals = []string{
		"结果", "总结", "汇总", "配置", "价格", "找到", "获取", "提取",
		"result", "summary", "selected", "chosen", "final", "total",
	}

	strongPatterns = []string{
		"任务全部完成", "任务已全部完成", "所有任务完成", "任务执行完毕", "任务成功完成",
		"已成功完成所有", "完成了所有步骤",
		"task is fully complete", "all tasks completed", "task execution finished",
		"task has been completed", "task is complete", "task completed successfully",
	}

	weakPatterns = []string{"done", "完成", "finished", "completed"}

	exclusionPatterns = []string{
		"下一步", "继续", "接下来", "然后", "第一步完成", "第二步完成", "步骤完成", "已完成第",
		"部分完成", "正在进行", "还需要", "待处理",
		"next step", "continue", "continuing", "partially", "in progress", "still need",
		"step 1 complete", "step one complete",
	}

	summaryPatterns = []string{
		"总结", "汇总", "最终结果", "配置单", "总价", "清单",
		"summary", "final result", "total price", "configuration", "total:",
	}
)

// Verdict is the outcome of checking a finish command.
type Verdict struct {
	HasCompletion bool
	HasResult     bool
}

// Ambiguous is true when neither signal is present. Callers log it and
// still honor the command.
func (v Verdict) Ambiguous() bool {
	return !v.HasCompletion && !v.HasResult
}

// CheckFinish looks for completion and result phrasing in the finish
// command's result text together with the raw model response.
func CheckFinish(result, response string) Verdict {
	text := strings.ToLower(result + "\n" + response)
	return Verdict{
		HasCompletion: containsAny(text, completionSignals),
		HasResult:     containsAny(text, resultSignals),
	}
}

// IsImplicitFinish reports whether free text declares the whole task done:
// a strong pattern without any exclusion, or a weak completion word backed
// by a summary signal and no exclusion. Exclusions mark per-step checkpoints
// such as "step one complete, continuing".
func IsImplicitFinish(text string) bool {
	lower := strings.ToLower(text)
	if containsAny(lower, exclusionPatterns) {
		return false
	}
	if containsAny(lower, strongPatterns) {
		return true
	}
	return containsAny(lower, weakPatterns) && containsAny(lower, summaryPatterns)
}

func containsAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
