// Package metrics exposes Prometheus counters for runs, steps, element
// resolution and model calls. A nil *Collector records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "browser_agent"

type Collector struct {
	runsTotal        *prometheus.CounterVec
	runsActive       prometheus.Gauge
	stepsTotal       *prometheus.CounterVec
	resolutionsTotal *prometheus.CounterVec
	llmDuration      *prometheus.HistogramVec
	llmErrors        *prometheus.CounterVec
	parseMisses      prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished task runs by final status",
			},
			[]string{"status"},
		),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Task runs in progress",
		}),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Executed steps by command and outcome",
			},
			[]string{"command", "status"},
		),
		resolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Element resolutions by kind and winning strategy",
			},
			[]string{"kind", "strategy"},
		),
		llmDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_request_duration_seconds",
				Help:      "Model call latency in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
			},
			[]string{"client"},
		),
		llmErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_errors_total",
				Help:      "Failed model calls",
			},
			[]string{"client"},
		),
		parseMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_misses_total",
			Help:      "Model responses without a usable command",
		}),
	}
	reg.MustRegister(c.runsTotal, c.runsActive, c.stepsTotal, c.resolutionsTotal, c.llmDuration, c.llmErrors, c.parseMisses)
	return c
}

func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.runsActive.Inc()
}

func (c *Collector) RunFinished(status string) {
	if c == nil {
		return
	}
	c.runsActive.Dec()
	c.runsTotal.WithLabelValues(status).Inc()
}

func (c *Collector) Step(command string, success bool) {
	if c == nil {
		return
	}
	status := "ok"
	if !success {
		status = "failed"
	}
	c.stepsTotal.WithLabelValues(command, status).Inc()
}

func (c *Collector) Resolution(kind, strategy string) {
	if c == nil {
		return
	}
	c.resolutionsTotal.WithLabelValues(kind, strategy).Inc()
}

func (c *Collector) LLMCall(client string, took time.Duration, err error) {
	if c == nil {
		return
	}
	c.llmDuration.WithLabelValues(client).Observe(took.Seconds())
	if err != nil {
		c.llmErrors.WithLabelValues(client).Inc()
	}
}

func (c *Collector) ParseMiss() {
	if c == nil {
		return
	}
	c.parseMisses.Inc()
}
