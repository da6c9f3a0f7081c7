// Package scheduler binds deployed workflows to their triggers and starts
// runs when those triggers fire.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openweavr/weavr/internal/metrics"
	"github.com/openweavr/weavr/internal/parser"
	"github.com/openweavr/weavr/internal/registry"
	"github.com/openweavr/weavr/internal/store"
	"github.com/openweavr/weavr/internal/triggers"
	"github.com/openweavr/weavr/pkg/schema"
)

// ExecuteFunc runs a workflow under a pre-assigned run id. The scheduler calls
// it from its own goroutine; errors and panics never reach the timer loop.
type ExecuteFunc func(ctx context.Context, wf *schema.Workflow, payload map[string]any, runID string) (*schema.Run, error)

// Hooks are optional lifecycle callbacks.
type Hooks struct {
	OnWorkflowTriggered func(name, runID string, payload map[string]any)
	OnWorkflowCompleted func(name string, run *schema.Run)
}

// Config wires a Scheduler.
type Config struct {
	Registry          *registry.Registry
	OnExecuteWorkflow ExecuteFunc
	Hooks             Hooks
	// Store persists deployed sources and pause state. Optional.
	Store   store.Store
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// WebhookPayload is an inbound request delivered to TriggerWebhook.
type WebhookPayload struct {
	Body    any               `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
	Path    string            `json:"path,omitempty"`
}

// WebhookResult reports which runs a webhook started.
type WebhookResult struct {
	Triggered bool     `json:"triggered"`
	RunIDs    []string `json:"runIds"`
}

type bindingKey struct {
	source string
	path   string
}

type entry struct {
	wf      *schema.Workflow
	trigger registry.Trigger
	rec     schema.ScheduledWorkflow
	// gen changes on every (re)schedule so stale timer and watch callbacks
	// for a replaced binding become no-ops.
	gen     uint64
	timer   *time.Timer
	binding *bindingKey
	handle  registry.Handle
}

// Scheduler owns the trigger bindings of every deployed workflow.
type Scheduler struct {
	reg     *registry.Registry
	execute ExecuteFunc
	hooks   Hooks
	store   store.Store
	metrics *metrics.Collector
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	entries  map[string]*entry
	webhooks map[bindingKey]string
	gen      uint64
	stopped  bool
	runs     sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflows with a scheduled run executing (dedup)
}

// New creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("scheduler: registry is required")
	}
	if cfg.OnExecuteWorkflow == nil {
		return nil, errors.New("scheduler: OnExecuteWorkflow is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		reg:      cfg.Registry,
		execute:  cfg.OnExecuteWorkflow,
		hooks:    cfg.Hooks,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		logger:   logger.Named("scheduler"),
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]*entry),
		webhooks: make(map[bindingKey]string),
		inflight: make(map[string]struct{}),
	}, nil
}

// ScheduleWorkflow parses source and binds its trigger. An empty name uses the
// workflow's own name. Workflows without a trigger, or with a manual one, are
// deployed for explicit runs only. Rescheduling a name replaces its binding;
// a paused workflow stays paused.
func (s *Scheduler) ScheduleWorkflow(name, source string) error {
	return s.schedule(name, source, true)
}

func (s *Scheduler) schedule(name, source string, persist bool) error {
	wf, err := parser.Parse([]byte(source))
	if err != nil {
		return err
	}
	if name == "" {
		name = wf.Name
	}

	e := &entry{
		wf: wf,
		rec: schema.ScheduledWorkflow{
			Name:   name,
			Status: schema.ScheduleActive,
		},
	}
	if wf.Trigger != nil && wf.Trigger.Type != "" {
		e.rec.TriggerType = wf.Trigger.Type
		e.rec.TriggerConfig = maps.Clone(wf.Trigger.With)
	} else {
		e.rec.TriggerType = "manual"
	}

	if e.rec.TriggerType != "manual" {
		t, err := s.reg.LookupTrigger(e.rec.TriggerType)
		if err != nil {
			return err
		}
		e.trigger = t
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeSchedulerBinding, "scheduler is stopped")
	}
	old, redeploy := s.entries[name]
	if redeploy {
		e.rec.Status = old.rec.Status
		e.rec.LastRun = old.rec.LastRun
		e.rec.LastStatus = old.rec.LastStatus
	}
	// A binding that cannot be made leaves the current deployment untouched.
	p, err := s.planLocked(name, e)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var oldHandle registry.Handle
	if redeploy {
		oldHandle = s.unbindLocked(name, old)
	}
	s.gen++
	e.gen = s.gen
	s.commitLocked(name, e, p)
	s.entries[name] = e
	s.mu.Unlock()

	// Watch triggers start outside the lock: their callbacks take it.
	if w, ok := e.trigger.(registry.WatchTrigger); ok && e.trigger.Kind() == registry.TriggerWatch {
		gen := e.gen
		h, err := w.Start(s.ctx, e.wf.Trigger.With, func(payload map[string]any) {
			s.fireWatch(name, gen, payload)
		})
		if err != nil {
			s.mu.Lock()
			if cur, ok := s.entries[name]; ok && cur.gen == gen {
				s.unbindLocked(name, cur)
				if redeploy {
					s.restoreLocked(name, old, oldHandle)
					oldHandle = nil
				}
			}
			s.mu.Unlock()
			if oldHandle != nil {
				s.stopHandle(name, oldHandle)
			}
			return err
		}
		s.mu.Lock()
		if cur, ok := s.entries[name]; ok && cur.gen == gen {
			cur.handle = h
			h = nil
		}
		s.mu.Unlock()
		if h != nil {
			// Replaced or unscheduled while starting.
			s.stopHandle(name, h)
		}
	}
	if oldHandle != nil {
		s.stopHandle(name, oldHandle)
	}

	if persist && s.store != nil {
		if err := s.store.SaveWorkflow(s.ctx, name, source); err != nil {
			s.logger.Error("persist workflow", zap.String("workflow", name), zap.Error(err))
		}
	}

	s.logger.Info("workflow scheduled",
		zap.String("workflow", name),
		zap.String("trigger", e.rec.TriggerType),
	)
	return nil
}

// binding is a validated trigger binding not yet applied.
type binding struct {
	next    time.Time
	webhook *bindingKey
}

// planLocked validates e's trigger binding without changing any state. A
// webhook key held by name itself is not a conflict.
func (s *Scheduler) planLocked(name string, e *entry) (binding, error) {
	var b binding
	if e.trigger == nil {
		return b, nil
	}
	switch e.trigger.Kind() {
	case registry.TriggerSchedule:
		st, ok := e.trigger.(registry.ScheduleTrigger)
		if !ok {
			return b, bindingError(e, "does not compute fire times")
		}
		next, err := st.Next(e.wf.Trigger.With, time.Now())
		if err != nil {
			return b, err
		}
		b.next = next

	case registry.TriggerWebhook:
		wt, ok := e.trigger.(registry.WebhookTrigger)
		if !ok {
			return b, bindingError(e, "has no webhook binding")
		}
		source, path, err := wt.Binding(e.wf.Trigger.With)
		if err != nil {
			return b, err
		}
		key := bindingKey{source: source, path: path}
		if owner, taken := s.webhooks[key]; taken && owner != name {
			return b, schema.NewErrorf(schema.ErrCodeSchedulerBinding,
				"webhook %s/%s is already bound to workflow %q", source, path, owner).
				WithDetails(map[string]any{"source": source, "path": path, "workflow": owner})
		}
		b.webhook = &key

	case registry.TriggerWatch:
		if _, ok := e.trigger.(registry.WatchTrigger); !ok {
			return b, bindingError(e, "cannot be started")
		}

	case registry.TriggerManual:
	}
	return b, nil
}

// commitLocked applies a planned binding. Watch triggers are started by the
// caller.
func (s *Scheduler) commitLocked(name string, e *entry, b binding) {
	if !b.next.IsZero() {
		s.armLocked(name, e, b.next)
	}
	if b.webhook != nil {
		s.webhooks[*b.webhook] = name
		e.binding = b.webhook
	}
}

// restoreLocked puts back a deployment whose replacement failed to start.
// h is its still running watch handle, if any.
func (s *Scheduler) restoreLocked(name string, e *entry, h registry.Handle) {
	if b, err := s.planLocked(name, e); err == nil {
		s.commitLocked(name, e, b)
	} else {
		s.logger.Warn("restore previous binding", zap.String("workflow", name), zap.Error(err))
	}
	e.handle = h
	s.entries[name] = e
}

func bindingError(e *entry, what string) error {
	return schema.NewErrorf(schema.ErrCodeSchedulerBinding, "trigger %q %s", e.rec.TriggerType, what)
}

func (s *Scheduler) armLocked(name string, e *entry, next time.Time) {
	n := next
	e.rec.NextRun = &n
	gen := e.gen
	e.timer = time.AfterFunc(time.Until(next), func() { s.tick(name, gen) })
}

// unbindLocked disarms e and returns a watch handle the caller must stop once
// the lock is released.
func (s *Scheduler) unbindLocked(name string, e *entry) registry.Handle {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.binding != nil {
		if s.webhooks[*e.binding] == name {
			delete(s.webhooks, *e.binding)
		}
		e.binding = nil
	}
	h := e.handle
	e.handle = nil
	delete(s.entries, name)
	return h
}

func (s *Scheduler) stopHandle(name string, h registry.Handle) {
	if err := h.Stop(); err != nil {
		s.logger.Warn("stop watch", zap.String("workflow", name), zap.Error(err))
	}
}

// UnscheduleWorkflow removes a workflow and its binding, and forgets it in the
// store.
func (s *Scheduler) UnscheduleWorkflow(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return notScheduled(name)
	}
	h := s.unbindLocked(name, e)
	s.mu.Unlock()

	if h != nil {
		s.stopHandle(name, h)
	}
	if s.store != nil {
		if err := s.store.DeleteWorkflow(s.ctx, name); err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			s.logger.Error("delete persisted workflow", zap.String("workflow", name), zap.Error(err))
		}
	}
	s.logger.Info("workflow unscheduled", zap.String("workflow", name))
	return nil
}

// PauseWorkflow stops a workflow's trigger from starting runs. Cron timers
// stay armed and webhooks are still accepted.
func (s *Scheduler) PauseWorkflow(name string) error {
	return s.setStatus(name, schema.SchedulePaused, true)
}

// ResumeWorkflow undoes PauseWorkflow.
func (s *Scheduler) ResumeWorkflow(name string) error {
	return s.setStatus(name, schema.ScheduleActive, true)
}

func (s *Scheduler) setStatus(name string, status schema.ScheduleStatus, persist bool) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return notScheduled(name)
	}
	e.rec.Status = status
	s.mu.Unlock()

	if persist && s.store != nil {
		if err := s.store.SetPaused(s.ctx, name, status == schema.SchedulePaused); err != nil {
			s.logger.Error("persist pause state", zap.String("workflow", name), zap.Error(err))
		}
	}
	s.logger.Info("workflow "+string(status), zap.String("workflow", name))
	return nil
}

// tick handles a cron timer: re-arm, then start a run unless the workflow is
// paused or its previous scheduled run is still in flight.
func (s *Scheduler) tick(name string, gen uint64) {
	now := time.Now()

	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok || e.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	if st, ok := e.trigger.(registry.ScheduleTrigger); ok {
		next, err := st.Next(e.wf.Trigger.With, now)
		if err != nil {
			e.rec.NextRun = nil
			s.logger.Error("compute next fire time", zap.String("workflow", name), zap.Error(err))
		} else {
			s.armLocked(name, e, next)
		}
	}
	paused := e.rec.Status == schema.SchedulePaused
	wf := e.wf
	s.mu.Unlock()

	if paused {
		s.metrics.RecordTriggerSkip("paused")
		return
	}
	if !s.tryAcquire(name) {
		s.logger.Info("skipping tick, previous scheduled run still in flight", zap.String("workflow", name))
		s.metrics.RecordTriggerSkip("in_flight")
		return
	}
	payload := map[string]any{
		"timestamp": now.UTC().Format(time.RFC3339),
		"trigger":   wf.Trigger.Type,
	}
	if _, err := s.fire(name, wf, payload, true); err != nil {
		s.releaseJob(name)
	}
}

func (s *Scheduler) fireWatch(name string, gen uint64, payload map[string]any) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	paused := e.rec.Status == schema.SchedulePaused
	wf := e.wf
	s.mu.Unlock()

	if paused {
		s.metrics.RecordTriggerSkip("paused")
		return
	}
	_, _ = s.fire(name, wf, payload, false)
}

// TriggerWebhook delivers an inbound request to every active workflow bound to
// source. A binding with a path only matches requests for that path (or
// requests without one); a binding without a path matches every request for
// the source. Paused bindings accept the request without starting a run.
func (s *Scheduler) TriggerWebhook(source string, p WebhookPayload) WebhookResult {
	source = strings.TrimSpace(source)
	path := triggers.NormalizePath(p.Path)

	type target struct {
		name string
		wf   *schema.Workflow
	}
	var targets []target

	s.mu.Lock()
	for key, name := range s.webhooks {
		if key.source != source {
			continue
		}
		if path != "" && key.path != "" && key.path != path {
			continue
		}
		e := s.entries[name]
		if e == nil {
			continue
		}
		if e.rec.Status == schema.SchedulePaused {
			s.metrics.RecordTriggerSkip("paused")
			continue
		}
		targets = append(targets, target{name: name, wf: e.wf})
	}
	s.mu.Unlock()

	slices.SortFunc(targets, func(a, b target) int { return strings.Compare(a.name, b.name) })

	res := WebhookResult{RunIDs: []string{}}
	for _, t := range targets {
		payload := map[string]any{
			"source":  source,
			"path":    path,
			"body":    p.Body,
			"headers": stringMap(p.Headers),
		}
		runID, err := s.fire(t.name, t.wf, payload, false)
		if err != nil {
			continue
		}
		res.RunIDs = append(res.RunIDs, runID)
	}
	res.Triggered = len(res.RunIDs) > 0
	s.metrics.RecordWebhook(source, res.Triggered)
	return res
}

// RunWorkflow starts a run of a deployed workflow regardless of its trigger
// or pause state and returns the run id without waiting for completion.
func (s *Scheduler) RunWorkflow(name string, payload map[string]any) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	var wf *schema.Workflow
	if ok {
		wf = e.wf
	}
	s.mu.Unlock()
	if !ok {
		return "", notScheduled(name)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return s.fire(name, wf, payload, false)
}

// Workflow returns the parsed definition of a deployed workflow.
func (s *Scheduler) Workflow(name string) (*schema.Workflow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, false
	}
	return e.wf, true
}

// fire starts one run in its own goroutine. release marks a cron run whose
// in-flight slot must be returned when it finishes.
func (s *Scheduler) fire(name string, wf *schema.Workflow, payload map[string]any, release bool) (string, error) {
	runID := uuid.NewString()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", schema.NewError(schema.ErrCodeSchedulerBinding, "scheduler is stopped")
	}
	s.runs.Add(1)
	s.mu.Unlock()

	triggerType := "manual"
	if wf.Trigger != nil && wf.Trigger.Type != "" {
		triggerType = wf.Trigger.Type
	}
	s.metrics.RecordTriggerFire(triggerType)
	s.logger.Info("workflow triggered",
		zap.String("workflow", name),
		zap.String("run_id", runID),
		zap.String("trigger", triggerType),
	)
	s.safeHook(func() {
		if s.hooks.OnWorkflowTriggered != nil {
			s.hooks.OnWorkflowTriggered(name, runID, payload)
		}
	})

	go func() {
		defer s.runs.Done()
		if release {
			defer s.releaseJob(name)
		}
		started := time.Now().UTC()
		run := s.run(wf, payload, runID)
		if run.StartedAt.IsZero() {
			run.StartedAt = started
		}
		s.finish(name, run)
	}()
	return runID, nil
}

// run invokes the execute callback, turning errors and panics into a failed run.
func (s *Scheduler) run(wf *schema.Workflow, payload map[string]any, runID string) (run *schema.Run) {
	started := time.Now().UTC()
	failed := func(msg string) *schema.Run {
		done := time.Now().UTC()
		return &schema.Run{
			ID:             runID,
			Workflow:       wf.Name,
			Status:         schema.RunStatusFailed,
			StartedAt:      started,
			CompletedAt:    &done,
			Error:          msg,
			Steps:          map[string]*schema.StepResult{},
			TriggerPayload: payload,
		}
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("workflow execution panicked", zap.String("run_id", runID), zap.Any("panic", r))
			run = failed(fmt.Sprintf("panic: %v", r))
		}
	}()

	r, err := s.execute(s.ctx, wf, payload, runID)
	switch {
	case err != nil:
		s.logger.Error("workflow execution failed", zap.String("run_id", runID), zap.Error(err))
		if r == nil {
			return failed(err.Error())
		}
		if r.Status != schema.RunStatusFailed {
			r.Status = schema.RunStatusFailed
			r.Error = err.Error()
		}
		return r
	case r == nil:
		return failed("execution returned no run")
	}
	return r
}

func (s *Scheduler) finish(name string, run *schema.Run) {
	at := time.Now().UTC()
	if run.CompletedAt != nil {
		at = *run.CompletedAt
	}

	s.mu.Lock()
	if e, ok := s.entries[name]; ok {
		t := at
		e.rec.LastRun = &t
		e.rec.LastStatus = run.Status
	}
	s.mu.Unlock()

	if s.store != nil {
		ctx := context.WithoutCancel(s.ctx)
		if err := s.store.RecordLastRun(ctx, name, at, string(run.Status)); err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			s.logger.Warn("persist last run", zap.String("workflow", name), zap.Error(err))
		}
	}

	s.logger.Info("workflow completed",
		zap.String("workflow", name),
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
	)
	s.safeHook(func() {
		if s.hooks.OnWorkflowCompleted != nil {
			s.hooks.OnWorkflowCompleted(name, run)
		}
	})
}

func (s *Scheduler) safeHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler hook panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// tryAcquire returns true and marks the workflow as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the workflow from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// List returns a copy of every deployed workflow's record, sorted by name.
func (s *Scheduler) List() []schema.ScheduledWorkflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.ScheduledWorkflow, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, copyRecord(e.rec))
	}
	slices.SortFunc(out, func(a, b schema.ScheduledWorkflow) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Get returns a copy of one workflow's record.
func (s *Scheduler) Get(name string) (schema.ScheduledWorkflow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return schema.ScheduledWorkflow{}, false
	}
	return copyRecord(e.rec), true
}

func copyRecord(r schema.ScheduledWorkflow) schema.ScheduledWorkflow {
	cp := r
	cp.TriggerConfig = maps.Clone(r.TriggerConfig)
	if r.NextRun != nil {
		t := *r.NextRun
		cp.NextRun = &t
	}
	if r.LastRun != nil {
		t := *r.LastRun
		cp.LastRun = &t
	}
	return cp
}

// Restore re-schedules every workflow persisted in the store and reapplies
// its pause state. Workflows that no longer parse or bind are logged and
// skipped; their errors are joined into the result.
func (s *Scheduler) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	recs, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{})
	if err != nil {
		return fmt.Errorf("list persisted workflows: %w", err)
	}

	var errs []error
	restored := 0
	for _, rec := range recs {
		if err := s.schedule(rec.Name, rec.Source, false); err != nil {
			s.logger.Error("restore workflow", zap.String("workflow", rec.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("restore %q: %w", rec.Name, err))
			continue
		}
		if rec.Paused {
			_ = s.setStatus(rec.Name, schema.SchedulePaused, false)
		}
		if rec.LastRunAt != nil {
			s.mu.Lock()
			if e, ok := s.entries[rec.Name]; ok {
				t := *rec.LastRunAt
				e.rec.LastRun = &t
				e.rec.LastStatus = schema.RunStatus(rec.LastStatus)
			}
			s.mu.Unlock()
		}
		restored++
	}
	if restored > 0 {
		s.logger.Info("restored workflows", zap.Int("count", restored))
	}
	return errors.Join(errs...)
}

// Stop disarms every timer and watcher, then waits for in-flight runs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	var handles []registry.Handle
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		if e.handle != nil {
			handles = append(handles, e.handle)
			e.handle = nil
		}
	}
	s.mu.Unlock()

	for _, h := range handles {
		_ = h.Stop()
	}
	s.runs.Wait()
	s.cancel()

	s.logger.Info("scheduler stopped")
	return nil
}

func notScheduled(name string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q is not scheduled", name)
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
