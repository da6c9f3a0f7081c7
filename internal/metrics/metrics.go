// Package metrics collects Prometheus telemetry for runs, steps, trigger
// firings and agent tool loops. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests and embedded engines never
// collide on the global one.
type Collector struct {
	registry *prometheus.Registry

	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepsRunning prometheus.Gauge

	triggerFires   *prometheus.CounterVec
	triggerSkipped *prometheus.CounterVec
	webhooks       *prometheus.CounterVec

	agentIterations prometheus.Histogram
	agentToolCalls  *prometheus.CounterVec
}

// NewCollector creates a collector under namespace (default "weavr").
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "weavr"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "runs_total",
			Help:      "Finished workflow runs by terminal status",
		},
		[]string{"workflow", "status"},
	)
	c.runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "run_duration_seconds",
			Help:      "Wall time of workflow runs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5m
		},
		[]string{"workflow"},
	)
	c.stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "steps_total",
			Help:      "Finished steps by action and terminal status",
		},
		[]string{"action", "status"},
	)
	c.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "step_duration_seconds",
			Help:      "Execution time of individual steps",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 18), // 1ms to ~2m
		},
		[]string{"action"},
	)
	c.stepsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "steps_running",
			Help:      "Steps currently executing across all runs",
		},
	)

	c.triggerFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Trigger firings that started a run",
		},
		[]string{"trigger"},
	)
	c.triggerSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "skipped_total",
			Help:      "Trigger firings dropped because the workflow was paused or still running",
		},
		[]string{"reason"},
	)
	c.webhooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "webhook_requests_total",
			Help:      "Webhook deliveries by source and whether any run started",
		},
		[]string{"source", "triggered"},
	)

	c.agentIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "iterations",
			Help:      "Provider round trips per agent loop",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		},
	)
	c.agentToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "tool_calls_total",
			Help:      "Tool invocations made by the agent loop",
		},
		[]string{"tool", "result"},
	)

	c.registry.MustRegister(
		c.runsTotal,
		c.runDuration,
		c.stepsTotal,
		c.stepDuration,
		c.stepsRunning,
		c.triggerFires,
		c.triggerSkipped,
		c.webhooks,
		c.agentIterations,
		c.agentToolCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RecordRun(workflow, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(workflow, status).Inc()
	c.runDuration.WithLabelValues(workflow).Observe(d.Seconds())
}

// StepStarted and StepFinished bracket every executed step.
func (c *Collector) StepStarted() {
	if c == nil {
		return
	}
	c.stepsRunning.Inc()
}

func (c *Collector) StepFinished(action, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.stepsRunning.Dec()
	c.stepsTotal.WithLabelValues(action, status).Inc()
	c.stepDuration.WithLabelValues(action).Observe(d.Seconds())
}

// StepSkipped counts a step that never ran.
func (c *Collector) StepSkipped(action string) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(action, "skipped").Inc()
}

func (c *Collector) RecordTriggerFire(trigger string) {
	if c == nil {
		return
	}
	c.triggerFires.WithLabelValues(trigger).Inc()
}

// RecordTriggerSkip counts a dropped firing; reason is "paused" or "in_flight".
func (c *Collector) RecordTriggerSkip(reason string) {
	if c == nil {
		return
	}
	c.triggerSkipped.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordWebhook(source string, triggered bool) {
	if c == nil {
		return
	}
	label := "false"
	if triggered {
		label = "true"
	}
	c.webhooks.WithLabelValues(source, label).Inc()
}

func (c *Collector) RecordAgentLoop(iterations int) {
	if c == nil {
		return
	}
	c.agentIterations.Observe(float64(iterations))
}

func (c *Collector) RecordToolCall(tool string, ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "suspect"
	}
	c.agentToolCalls.WithLabelValues(tool, result).Inc()
}
