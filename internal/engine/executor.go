// Package engine executes parsed workflows as dependency graphs of steps.
package engine

import (
	"context"
	"errors"
	"maps"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openweavr/weavr/internal/config"
	"github.com/openweavr/weavr/internal/expressions"
	"github.com/openweavr/weavr/internal/logging"
	"github.com/openweavr/weavr/internal/metrics"
	"github.com/openweavr/weavr/internal/parser"
	"github.com/openweavr/weavr/internal/registry"
	"github.com/openweavr/weavr/internal/template"
	"github.com/openweavr/weavr/pkg/schema"
)

// DefaultPoolSize is the default number of steps executing at once.
const DefaultPoolSize = 10

// Observer receives run progress. Callbacks for one run arrive in order from
// the goroutine driving it, except OnLog which comes from the step goroutine.
type Observer interface {
	OnStepStart(runID, stepID string)
	OnLog(runID, stepID, msg string)
	OnStepComplete(runID, stepID string, result schema.StepResult)
	OnRunComplete(run *schema.Run)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	StepStart    func(runID, stepID string)
	Log          func(runID, stepID, msg string)
	StepComplete func(runID, stepID string, result schema.StepResult)
	RunComplete  func(run *schema.Run)
}

func (o ObserverFuncs) OnStepStart(runID, stepID string) {
	if o.StepStart != nil {
		o.StepStart(runID, stepID)
	}
}

func (o ObserverFuncs) OnLog(runID, stepID, msg string) {
	if o.Log != nil {
		o.Log(runID, stepID, msg)
	}
}

func (o ObserverFuncs) OnStepComplete(runID, stepID string, result schema.StepResult) {
	if o.StepComplete != nil {
		o.StepComplete(runID, stepID, result)
	}
}

func (o ObserverFuncs) OnRunComplete(run *schema.Run) {
	if o.RunComplete != nil {
		o.RunComplete(run)
	}
}

// MemoryAssembler builds memory block text for a run.
type MemoryAssembler interface {
	Assemble(ctx context.Context, blocks []schema.MemoryBlockSpec, scope *template.Scope) (map[string]string, error)
}

// Config wires an Executor. Registry is required.
type Config struct {
	Registry        *registry.Registry
	Memory          MemoryAssembler
	Credentials     config.CredentialProvider
	Observer        Observer
	Metrics         *metrics.Collector
	Logger          *zap.Logger
	PoolSize        int
	HistorySize     int
	StrictTemplates bool
}

// Executor runs workflows. One Executor is shared by every run in the
// process; runs share its worker pool and history.
type Executor struct {
	registry    *registry.Registry
	memory      MemoryAssembler
	credentials config.CredentialProvider
	observer    Observer
	metrics     *metrics.Collector
	logger      *zap.Logger
	templates   *template.Engine
	cel         *expressions.CELEngine
	pool        *WorkerPool
	history     *History
}

// NewExecutor creates an Executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, errors.New("executor requires a registry")
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = ObserverFuncs{}
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	var topts []template.Option
	if cfg.StrictTemplates {
		topts = append(topts, template.Strict())
	}

	e := &Executor{
		registry:    cfg.Registry,
		memory:      cfg.Memory,
		credentials: cfg.Credentials,
		observer:    observer,
		metrics:     cfg.Metrics,
		logger:      logger,
		templates:   template.New(topts...),
		cel:         celEngine,
		history:     NewHistory(cfg.HistorySize),
	}
	e.pool = NewWorkerPool(poolSize, func(v any) {
		logger.Error("worker panic escaped step recovery", zap.Any("panic", v))
	})
	return e, nil
}

// RunOption customizes a single Execute call.
type RunOption func(*runOptions)

type runOptions struct {
	runID    string
	observer Observer
}

// WithRunID pre-assigns the run id, as the scheduler does.
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// WithObserver adds an observer for this run only, notified after the
// executor-wide one.
func WithObserver(obs Observer) RunOption {
	return func(o *runOptions) { o.observer = obs }
}

type completion struct {
	stepID   string
	output   any
	err      error
	duration time.Duration
}

// Execute runs wf to completion and returns the final run. Step failures are
// recorded on the run, never returned. Every step whose needs completed runs
// exactly once; a failed or skipped step skips all of its transitive
// dependents.
func (e *Executor) Execute(ctx context.Context, wf *schema.Workflow, payload map[string]any, opts ...RunOption) *schema.Run {
	o := runOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	observer := e.observer
	if o.observer != nil {
		observer = multiObserver{e.observer, o.observer}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	run := &schema.Run{
		ID:             o.runID,
		Workflow:       wf.Name,
		Status:         schema.RunStatusRunning,
		StartedAt:      time.Now(),
		Steps:          make(map[string]*schema.StepResult, len(wf.Steps)),
		TriggerPayload: payload,
	}
	state := newRunState(run, wf)

	ctx = logging.WithRunID(logging.WithWorkflow(ctx, wf.Name), run.ID)
	log := logging.LogWith(ctx, e.logger)
	log.Info("run started", zap.Int("steps", len(wf.Steps)))

	graph, err := parser.BuildGraph(wf)
	if err != nil {
		run.Error = err.Error()
		for _, step := range wf.Steps {
			state.transition(step.ID, schema.StepStatusSkipped)
		}
		return e.complete(ctx, run, observer)
	}

	mem := e.prepareMemory(ctx, wf, payload)

	// Buffered so step goroutines never block on a driver that is itself
	// blocked in pool.Submit.
	done := make(chan completion, len(wf.Steps))

	for {
		for i := range wf.Steps {
			step := &wf.Steps[i]
			if state.status(step.ID) != schema.StepStatusPending || !state.ready(step) {
				continue
			}
			e.start(ctx, wf, step, state, graph, payload, mem, observer, done)
		}
		if state.running == 0 {
			break
		}

		c := <-done
		state.running--
		state.finish(c)
		action := wf.StepByID(c.stepID).Action
		e.metrics.StepFinished(action, string(run.Steps[c.stepID].Status), c.duration)
		observer.OnStepComplete(run.ID, c.stepID, *run.Steps[c.stepID])

		if c.err != nil {
			logging.LogWith(logging.WithStepID(ctx, c.stepID), e.logger).
				Warn("step failed", zap.Error(c.err), zap.Duration("duration", c.duration))
			e.skipDependents(c.stepID, wf, state, graph, observer)
		}
	}

	// Anything still pending had a dependency that never completed.
	for _, step := range wf.Steps {
		if state.transition(step.ID, schema.StepStatusSkipped) {
			e.metrics.StepSkipped(step.Action)
			observer.OnStepComplete(run.ID, step.ID, *run.Steps[step.ID])
		}
	}

	if state.failed() {
		run.Status = schema.RunStatusFailed
	}
	return e.complete(ctx, run, observer)
}

// start evaluates the guard of a ready step and, if it passes, hands the step
// to the pool.
func (e *Executor) start(ctx context.Context, wf *schema.Workflow, step *schema.StepSpec, state *runState, graph *parser.Graph,
	payload map[string]any, mem *runMemory, observer Observer, done chan<- completion) {
	runID := state.run.ID
	outputs := state.snapshot()
	blocks := e.stepMemory(ctx, step, mem, payload, outputs)

	if step.If != "" {
		ok, err := e.cel.EvaluateBool(ctx, step.If, expressions.Data(payload, outputs, blocks))
		if err != nil {
			// A broken guard fails the step without running it.
			state.transition(step.ID, schema.StepStatusRunning)
			observer.OnStepStart(runID, step.ID)
			e.metrics.StepStarted()
			state.finish(completion{stepID: step.ID, err: err})
			e.metrics.StepFinished(step.Action, string(schema.StepStatusFailed), 0)
			observer.OnStepComplete(runID, step.ID, *state.run.Steps[step.ID])
			e.skipDependents(step.ID, wf, state, graph, observer)
			return
		}
		if !ok {
			state.transition(step.ID, schema.StepStatusSkipped)
			e.metrics.StepSkipped(step.Action)
			observer.OnStepComplete(runID, step.ID, *state.run.Steps[step.ID])
			e.skipDependents(step.ID, wf, state, graph, observer)
			return
		}
	}

	state.transition(step.ID, schema.StepStatusRunning)
	state.running++
	observer.OnStepStart(runID, step.ID)
	e.metrics.StepStarted()

	scope := &template.Scope{Trigger: payload, Steps: outputs, Memory: blocks}
	stepCtx := logging.WithStepID(ctx, step.ID)
	task := func(ctx context.Context) error {
		c := e.runStep(ctx, *step, runID, scope, observer)
		done <- c
		return c.err
	}
	if err := e.pool.Submit(stepCtx, task); err != nil {
		done <- completion{stepID: step.ID, err: schema.NewErrorf(schema.ErrCodeActionExecution,
			"schedule step: %v", err).WithStep(step.ID).WithCause(err)}
	}
}

// runStep resolves the step's parameters and invokes its action. A panic in
// the action is recovered here so the completion is always delivered.
func (e *Executor) runStep(ctx context.Context, step schema.StepSpec, runID string, scope *template.Scope, observer Observer) (c completion) {
	started := time.Now()
	c.stepID = step.ID
	defer func() {
		if r := recover(); r != nil {
			c.output = nil
			c.err = schema.NewErrorf(schema.ErrCodeActionExecution, "action %s panicked: %v", step.Action, r).
				WithStep(step.ID).
				WithCause(&PanicError{Value: r})
		}
		c.duration = time.Since(started)
	}()

	action, err := e.registry.LookupAction(step.Action)
	if err != nil {
		c.err = stepError(step.ID, err)
		return c
	}

	params, err := e.templates.ResolveMap(step.With, scope)
	if err != nil {
		c.err = stepError(step.ID, err)
		return c
	}

	log := logging.LogWith(ctx, e.logger)
	log.Debug("step started", zap.String("action", step.Action))

	out, err := action.Execute(ctx, registry.ActionInput{
		Params:      params,
		Workflow:    logging.Workflow(ctx),
		RunID:       runID,
		StepID:      step.ID,
		Credentials: e.credentials,
		Log: func(msg string) {
			log.Info(msg)
			observer.OnLog(runID, step.ID, msg)
		},
	})
	if err != nil {
		c.err = stepError(step.ID, err)
		return c
	}
	c.output = out
	return c
}

// skipDependents marks every pending transitive dependent of id as skipped.
func (e *Executor) skipDependents(id string, wf *schema.Workflow, state *runState, graph *parser.Graph, observer Observer) {
	for _, dep := range graph.Transitive(id) {
		if !state.transition(dep, schema.StepStatusSkipped) {
			continue
		}
		e.metrics.StepSkipped(wf.StepByID(dep).Action)
		observer.OnStepComplete(state.run.ID, dep, *state.run.Steps[dep])
	}
}

// runMemory holds one run's memory blocks. Blocks that only read the trigger
// or external sources are built once; blocks that read step outputs are
// rebuilt for each step that references them.
type runMemory struct {
	static  map[string]string
	dynamic []schema.MemoryBlockSpec
}

func (e *Executor) prepareMemory(ctx context.Context, wf *schema.Workflow, payload map[string]any) *runMemory {
	mem := &runMemory{static: map[string]string{}}
	if len(wf.Memory) == 0 || e.memory == nil {
		return mem
	}
	var static []schema.MemoryBlockSpec
	for _, b := range wf.Memory {
		if readsSteps(b) {
			mem.dynamic = append(mem.dynamic, b)
		} else {
			static = append(static, b)
		}
	}
	if len(static) == 0 {
		return mem
	}
	blocks, err := e.memory.Assemble(ctx, static, &template.Scope{Trigger: payload, Steps: map[string]any{}})
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("memory assembly aborted", zap.Error(err))
		return mem
	}
	mem.static = blocks
	return mem
}

// stepMemory returns the blocks visible to step, building the step-dependent
// ones it references against the outputs completed so far.
func (e *Executor) stepMemory(ctx context.Context, step *schema.StepSpec, mem *runMemory, payload, outputs map[string]any) map[string]string {
	var wanted []schema.MemoryBlockSpec
	for _, b := range mem.dynamic {
		if referencesBlock(step, b.ID) {
			wanted = append(wanted, b)
		}
	}
	if len(wanted) == 0 {
		return mem.static
	}
	built, err := e.memory.Assemble(ctx, wanted, &template.Scope{Trigger: payload, Steps: outputs, Memory: mem.static})
	if err != nil {
		logging.LogWith(logging.WithStepID(ctx, step.ID), e.logger).Warn("memory assembly aborted", zap.Error(err))
		return mem.static
	}
	blocks := maps.Clone(mem.static)
	maps.Copy(blocks, built)
	return blocks
}

func readsSteps(b schema.MemoryBlockSpec) bool {
	for _, src := range b.Sources {
		if src.Type == schema.MemorySourceStep {
			return true
		}
		if src.Type == schema.MemorySourceText && strings.Contains(src.Value, "steps") {
			return true
		}
	}
	return false
}

// referencesBlock reports whether the step's guard or any string in its
// config names block id as memory.blocks.<id> (templates) or memory.<id>
// (guards).
func referencesBlock(step *schema.StepSpec, id string) bool {
	re := regexp.MustCompile(`\bmemory(?:\.blocks)?(?:\.` + regexp.QuoteMeta(id) + `(?:[^\w-]|$)|\[\s*["']` + regexp.QuoteMeta(id) + `["']\s*\])`)
	if re.MatchString(step.If) {
		return true
	}
	var walk func(v any) bool
	walk = func(v any) bool {
		switch t := v.(type) {
		case string:
			return re.MatchString(t)
		case map[string]any:
			for _, x := range t {
				if walk(x) {
					return true
				}
			}
		case []any:
			for _, x := range t {
				if walk(x) {
					return true
				}
			}
		}
		return false
	}
	return walk(step.With)
}

func (e *Executor) complete(ctx context.Context, run *schema.Run, observer Observer) *schema.Run {
	now := time.Now()
	run.CompletedAt = &now
	if run.Status == schema.RunStatusRunning {
		run.Status = schema.RunStatusCompleted
		if run.Error != "" {
			run.Status = schema.RunStatusFailed
		}
	}

	e.history.Add(run)
	e.metrics.RecordRun(run.Workflow, string(run.Status), now.Sub(run.StartedAt))

	log := logging.LogWith(ctx, e.logger)
	if run.Status == schema.RunStatusFailed {
		log.Warn("run failed", zap.String("error", run.Error), zap.Duration("duration", now.Sub(run.StartedAt)))
	} else {
		log.Info("run completed", zap.Duration("duration", now.Sub(run.StartedAt)))
	}
	observer.OnRunComplete(run.Clone())
	return run
}

// History returns the ring of finished runs.
func (e *Executor) History() *History {
	return e.history
}

// PoolStats reports the shared worker pool counters.
func (e *Executor) PoolStats() PoolStats {
	return e.pool.Stats()
}

// Shutdown stops accepting steps and waits for running ones. Runs still in
// progress fail their remaining steps.
func (e *Executor) Shutdown() {
	e.pool.Shutdown()
}

// stepError ensures a step failure carries a structured code and the step id.
func stepError(stepID string, err error) error {
	var se *schema.Error
	if errors.As(err, &se) {
		if se.StepID == "" {
			cp := *se
			cp.StepID = stepID
			return &cp
		}
		return err
	}
	return schema.NewError(schema.ErrCodeActionExecution, err.Error()).WithStep(stepID).WithCause(err)
}

type multiObserver []Observer

func (m multiObserver) OnStepStart(runID, stepID string) {
	for _, o := range m {
		o.OnStepStart(runID, stepID)
	}
}

func (m multiObserver) OnLog(runID, stepID, msg string) {
	for _, o := range m {
		o.OnLog(runID, stepID, msg)
	}
}

func (m multiObserver) OnStepComplete(runID, stepID string, result schema.StepResult) {
	for _, o := range m {
		o.OnStepComplete(runID, stepID, result)
	}
}

func (m multiObserver) OnRunComplete(run *schema.Run) {
	for _, o := range m {
		o.OnRunComplete(run)
	}
}
