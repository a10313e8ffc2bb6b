package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.RunStarted()
	c.Step("click", true)
	c.Step("click", false)
	c.Step("click", false)
	c.Resolution("click", "text")
	c.LLMCall("openai/gpt", time.Second, nil)
	c.LLMCall("openai/gpt", time.Second, errors.New("503"))
	c.ParseMiss()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsActive))
	c.RunFinished("done")

	assert.Equal(t, 0.0, testutil.ToFloat64(c.runsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("done")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("click", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.resolutionsTotal.WithLabelValues("click", "text")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.llmErrors.WithLabelValues("openai/gpt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.parseMisses))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RunStarted()
		c.Step("navigate", true)
		c.Resolution("fill", "raw")
		c.LLMCall("x", time.Millisecond, nil)
		c.ParseMiss()
		c.RunFinished("failed")
	})
}
