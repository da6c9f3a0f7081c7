package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector("")

	c.RecordRun("digest", "completed", 2*time.Second)
	c.RecordRun("digest", "failed", time.Second)
	c.StepStarted()
	c.StepStarted()
	c.StepFinished("http.get", "completed", 10*time.Millisecond)
	c.StepSkipped("core.log")
	c.RecordTriggerFire("cron.schedule")
	c.RecordTriggerSkip("paused")
	c.RecordWebhook("github", true)
	c.RecordToolCall("web_search", false)
	c.RecordAgentLoop(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("digest", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("digest", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("core.log", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.triggerFires.WithLabelValues("cron.schedule")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.webhooks.WithLabelValues("github", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.agentToolCalls.WithLabelValues("web_search", "suspect")))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordRun("x", "completed", time.Second)
		c.StepStarted()
		c.StepFinished("a", "failed", 0)
		c.StepSkipped("a")
		c.RecordTriggerFire("webhook")
		c.RecordTriggerSkip("in_flight")
		c.RecordWebhook("s", false)
		c.RecordAgentLoop(1)
		c.RecordToolCall("t", true)
	})
}

func TestHandler(t *testing.T) {
	c := NewCollector("weavr")
	c.RecordRun("digest", "completed", time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `weavr_executor_runs_total{status="completed",workflow="digest"} 1`), body)
}
