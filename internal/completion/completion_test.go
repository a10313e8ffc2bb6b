package completion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsImplicitFinish(t *testing.T) {
	cases := []struct {
		name string
		text string
		want bool
	}{
		{"continue prose", "I will continue to the next step now", false},
		{"step checkpoint", "已完成第一步，继续选择主板", false},
		{"strong with table", "任务已全部完成！配置单如下：\nCPU: Ryzen 7 7800X3D $449\n显卡: RTX 4070 $599\n总价: $1048", true},
		{"strong english", "All tasks completed. Summary: CPU $299, GPU $499, total price $798.", true},
		{"weak with summary", "Done. Final result: the cheapest flight is $120.", true},
		{"weak without summary", "Done clicking the button.", false},
		{"strong but continuing", "Task is complete for this page, next step is checkout.", false},
		{"partial", "部分完成，还需要选择电源", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsImplicitFinish(tc.text))
		})
	}
}

func TestCheckFinish(t *testing.T) {
	v := CheckFinish("Build summary: total $1499", "")
	assert.True(t, v.HasResult)
	assert.False(t, v.Ambiguous())

	v = CheckFinish("任务完成", "")
	assert.True(t, v.HasCompletion)

	v = CheckFinish("ok", "clicked it")
	assert.True(t, v.Ambiguous())
}
