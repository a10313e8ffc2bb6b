package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browser-task-agent/internal/workflow"
)

func pcChecklist(t *testing.T) *Checklist {
	t.Helper()
	def := workflow.Default().ChecklistFor("build a gaming pc")
	require.NotNil(t, def)
	return NewChecklist(def)
}

func TestChecklistRecordsSelections(t *testing.T) {
	c := pcChecklist(t)
	require.NoError(t, c.Observe(`I will add the Ryzen 7 7800X3D. {"action":"click","params":{"selector":"#add"}}`,
		`Clicked "Add" on AMD Ryzen 7 7800X3D - $449.00`))

	entries := c.Entries()
	require.Contains(t, entries, "CPU")
	assert.Equal(t, "$449.00", entries["CPU"].Price)
	assert.NotContains(t, c.Remaining(), "CPU")
	assert.Contains(t, c.Summary(), "1/8")
}

func TestChecklistNeedsSelectionVerb(t *testing.T) {
	c := pcChecklist(t)
	require.NoError(t, c.Observe("Looking at the motherboard list", "Page shows 40 motherboards"))
	assert.Empty(t, c.Entries())
	assert.Len(t, c.Remaining(), 8)
}

func TestChecklistNeverRemovesOrOverwrites(t *testing.T) {
	c := pcChecklist(t)
	require.NoError(t, c.Observe("select the RTX 4070", "RTX 4070 - $599"))
	require.NoError(t, c.Observe("select a different gpu", "RX 7800 - $499"))
	assert.Equal(t, "$599", c.Entries()["Video Card"].Price)
}

func TestForPicksStrategy(t *testing.T) {
	tables := workflow.Default()
	assert.IsType(t, &Checklist{}, For(tables, "帮我配置一台电脑"))
	assert.IsType(t, Nop{}, For(tables, "find the population of Lyon"))
}

func TestChecklistWithoutDefinition(t *testing.T) {
	c := NewChecklist(nil)
	assert.Error(t, c.Observe("add cpu", ""))
	assert.Empty(t, c.Summary())
}
