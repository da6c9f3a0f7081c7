package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openweavr/weavr/internal/engine"
	"github.com/openweavr/weavr/internal/metrics"
	"github.com/openweavr/weavr/internal/registry"
	"github.com/openweavr/weavr/internal/scheduler"
	"github.com/openweavr/weavr/internal/store"
	"github.com/openweavr/weavr/internal/streaming"
	"github.com/openweavr/weavr/internal/triggers"
	"github.com/openweavr/weavr/pkg/schema"
)

type fixture struct {
	server  *Server
	sched   *scheduler.Scheduler
	history *engine.History
	hub     *streaming.MemoryHub
	done    chan string
}

// newFixture wires a real scheduler whose runs complete immediately and land
// in the history ring.
func newFixture(t *testing.T, runLog store.Store) *fixture {
	t.Helper()
	reg, err := registry.New(triggers.Builtins(nil)...)
	require.NoError(t, err)

	f := &fixture{
		history: engine.NewHistory(10),
		hub:     streaming.NewMemoryHub(),
		done:    make(chan string, 16),
	}
	pub := streaming.NewPublisher(f.hub, nil)

	f.sched, err = scheduler.New(scheduler.Config{
		Registry: reg,
		OnExecuteWorkflow: func(_ context.Context, wf *schema.Workflow, payload map[string]any, runID string) (*schema.Run, error) {
			now := time.Now().UTC()
			run := &schema.Run{
				ID: runID, Workflow: wf.Name, Status: schema.RunStatusCompleted,
				StartedAt: now, CompletedAt: &now, TriggerPayload: payload,
				Steps: map[string]*schema.StepResult{},
			}
			pub.OnRunComplete(run)
			f.history.Add(run)
			f.done <- runID
			return run, nil
		},
		Hooks: scheduler.Hooks{
			OnWorkflowTriggered: pub.WorkflowTriggered,
			OnWorkflowCompleted: pub.WorkflowCompleted,
		},
		Store: runLog,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.sched.Stop() })

	f.server, err = New(":0", Deps{
		Scheduler: f.sched,
		History:   f.history,
		RunLog:    runLog,
		Hub:       f.hub,
		Metrics:   metrics.NewCollector("weavr_test").Handler(),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" && strings.HasPrefix(strings.TrimSpace(body), "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) waitRun(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.done:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("run did not complete")
		return ""
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const hookSource = `
name: on-push
trigger:
  type: webhook
  with: {source: github, path: push}
steps:
  - id: a
    action: core.noop
`

const manualSource = `
name: by-hand
steps:
  - id: a
    action: core.noop
`

func TestDeployAndWebhook(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPut, "/workflows/on-push", hookSource)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sw := decode[schema.ScheduledWorkflow](t, rec)
	assert.Equal(t, "webhook", sw.TriggerType)

	rec = f.do(t, http.MethodPost, "/webhooks/github/push", `{"ref":"main"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	res := decode[scheduler.WebhookResult](t, rec)
	assert.True(t, res.Triggered)
	require.Len(t, res.RunIDs, 1)

	runID := f.waitRun(t)
	assert.Equal(t, res.RunIDs[0], runID)

	rec = f.do(t, http.MethodGet, "/runs/"+runID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[schema.Run](t, rec)
	body := run.TriggerPayload["body"].(map[string]any)
	assert.Equal(t, "main", body["ref"])

	rec = f.do(t, http.MethodPost, "/webhooks/unknown", "plain text")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, decode[scheduler.WebhookResult](t, rec).Triggered)
}

func TestDeployErrors(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPut, "/workflows/bad", "name: bad\nsteps: []\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), schema.ErrCodeParse)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/workflows/on-push", hookSource).Code)
	rec = f.do(t, http.MethodPut, "/workflows/copy", strings.Replace(hookSource, "on-push", "copy", 1))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), schema.ErrCodeSchedulerBinding)

	rec = f.do(t, http.MethodDelete, "/workflows/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/workflows/on-push", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestManualRunAndListing(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/workflows/by-hand", manualSource).Code)

	rec := f.do(t, http.MethodPost, "/workflows/by-hand/runs", `{"who":"ops"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	runID := decode[map[string]string](t, rec)["run_id"]
	assert.Equal(t, runID, f.waitRun(t))

	rec = f.do(t, http.MethodPost, "/workflows/by-hand/runs", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/workflows/nope/runs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/runs?workflow=by-hand&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]schema.Run](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "ops", runs[0].TriggerPayload["who"])

	rec = f.do(t, http.MethodGet, "/runs?workflow=other", "")
	assert.Empty(t, decode[[]schema.Run](t, rec))

	rec = f.do(t, http.MethodGet, "/runs/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/workflows/on-push", hookSource).Code)

	rec := f.do(t, http.MethodPost, "/schedules/on-push/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, schema.SchedulePaused, decode[schema.ScheduledWorkflow](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/webhooks/github/push", "{}")
	assert.False(t, decode[scheduler.WebhookResult](t, rec).Triggered)

	rec = f.do(t, http.MethodPost, "/schedules/on-push/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, schema.ScheduleActive, decode[schema.ScheduledWorkflow](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/schedules", "")
	require.Len(t, decode[[]schema.ScheduledWorkflow](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/schedules/on-push", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/schedules/missing/pause", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsAndHealth(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestBodyTooLarge(t *testing.T) {
	f := newFixture(t, nil)
	f.server.deps.MaxBodyBytes = 8

	rec := f.do(t, http.MethodPost, "/webhooks/github", `{"much":"too large"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWorkflowRunLog(t *testing.T) {
	st, err := store.NewLibSQLStore(filepath.Join(t.TempDir(), "weavr.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	defer st.Close()

	now := time.Now().UTC()
	require.NoError(t, st.AppendRun(context.Background(), &store.RunEntry{
		RunID: "r1", Workflow: "by-hand", Status: "completed", StartedAt: now, CompletedAt: now,
	}))

	f := newFixture(t, st)
	rec := f.do(t, http.MethodGet, "/workflows/by-hand/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]store.RunEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "r1", entries[0].RunID)

	noLog := newFixture(t, nil)
	assert.Equal(t, http.StatusNotFound, noLog.do(t, http.MethodGet, "/workflows/by-hand/runs", "").Code)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/workflows/by-hand", manualSource).Code)

	ts := httptest.NewServer(f.server.Handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?workflow=by-hand&type=run_completed", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription exists once headers are flushed.
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	runID, err := f.sched.RunWorkflow("by-hand", nil)
	require.NoError(t, err)

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for dataLine == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, schema.EventRunCompleted, eventLine)

	var ev streaming.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(dataLine), &ev))
	assert.Equal(t, runID, ev.RunID)
	assert.Equal(t, "by-hand", ev.Workflow)
}
