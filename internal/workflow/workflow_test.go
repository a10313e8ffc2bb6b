package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTablesLoad(t *testing.T) {
	tables := Default()
	require.NotEmpty(t, tables.Workflows)
	require.NotEmpty(t, tables.Checklists)
	assert.Len(t, tables.Checklists[0].Categories, 8)
}

func TestForURL(t *testing.T) {
	tables := Default()
	w := tables.ForURL("https://pcpartpicker.com/list/")
	require.NotNil(t, w)
	assert.Equal(t, "pcpartpicker", w.Name)

	assert.NotNil(t, tables.ForURL("https://uk.pcpartpicker.com/products/cpu/"))
	assert.Nil(t, tables.ForURL("https://notpcpartpicker.com/"))
	assert.Nil(t, tables.ForURL("about:blank"))
}

func TestLabels(t *testing.T) {
	w := Default().ForURL("https://pcpartpicker.com/list/")
	labels := w.Labels("#choose-cpu-button")
	assert.Contains(t, labels, "Choose A CPU")
	assert.NotContains(t, labels, "Choose Memory")

	cooler := w.Labels("cpu cooler")
	assert.Equal(t, "Choose A CPU Cooler", cooler[0])
}

func TestChecklistFor(t *testing.T) {
	tables := Default()
	assert.NotNil(t, tables.ChecklistFor("帮我配置一台游戏电脑"))
	assert.NotNil(t, tables.ChecklistFor("Build a gaming PC under $1500"))
	assert.Nil(t, tables.ChecklistFor("find the weather in Paris"))
}

func TestContains(t *testing.T) {
	cases := []struct {
		text, kw string
		want     bool
	}{
		{"Added RTX 4070 to list", "rtx", true},
		{"configure the proxy", "rx", false},
		{"AMD RX 7800", "rx", true},
		{"选择了显卡", "显卡", true},
		{"video card added", "video card", true},
		{"anything", "", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Contains(tc.text, tc.kw), "%q in %q", tc.kw, tc.text)
	}
}

func TestParseRejectsHostlessWorkflow(t *testing.T) {
	_, err := Parse([]byte("workflows:\n  - name: x\n"))
	assert.Error(t, err)
}
