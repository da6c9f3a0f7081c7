package streaming

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/openweavr/weavr/pkg/schema"
)

// Publisher turns executor observer callbacks and scheduler hooks into hub
// events. It satisfies engine.Observer.
type Publisher struct {
	hub    EventHub
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]string // run id -> workflow, while the run is live
}

// NewPublisher creates a Publisher writing to hub.
func NewPublisher(hub EventHub, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{hub: hub, logger: logger, runs: make(map[string]string)}
}

// WorkflowTriggered matches scheduler.Hooks.OnWorkflowTriggered.
func (p *Publisher) WorkflowTriggered(name, runID string, payload map[string]any) {
	p.mu.Lock()
	p.runs[runID] = name
	p.mu.Unlock()
	p.publish(StreamEvent{Workflow: name, RunID: runID, EventType: schema.EventWorkflowTriggered, Payload: payload})
}

// WorkflowCompleted matches scheduler.Hooks.OnWorkflowCompleted.
func (p *Publisher) WorkflowCompleted(name string, run *schema.Run) {
	p.publish(StreamEvent{
		Workflow:  name,
		RunID:     run.ID,
		EventType: schema.EventWorkflowCompleted,
		Payload:   map[string]any{"status": run.Status, "error": run.Error},
	})
}

func (p *Publisher) OnStepStart(runID, stepID string) {
	p.publish(StreamEvent{Workflow: p.workflow(runID), RunID: runID, StepID: stepID, EventType: schema.EventStepStarted})
}

func (p *Publisher) OnLog(runID, stepID, msg string) {
	p.publish(StreamEvent{Workflow: p.workflow(runID), RunID: runID, StepID: stepID, EventType: "step_log", Payload: msg})
}

func (p *Publisher) OnStepComplete(runID, stepID string, result schema.StepResult) {
	eventType := schema.EventStepCompleted
	switch result.Status {
	case schema.StepStatusFailed:
		eventType = schema.EventStepFailed
	case schema.StepStatusSkipped:
		eventType = schema.EventStepSkipped
	}
	p.publish(StreamEvent{Workflow: p.workflow(runID), RunID: runID, StepID: stepID, EventType: eventType, Payload: result})
}

func (p *Publisher) OnRunComplete(run *schema.Run) {
	p.mu.Lock()
	delete(p.runs, run.ID)
	p.mu.Unlock()

	eventType := schema.EventRunCompleted
	if run.Status == schema.RunStatusFailed {
		eventType = schema.EventRunFailed
	}
	p.publish(StreamEvent{
		Workflow:  run.Workflow,
		RunID:     run.ID,
		EventType: eventType,
		Payload:   map[string]any{"status": run.Status, "error": run.Error},
	})
}

func (p *Publisher) workflow(runID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs[runID]
}

func (p *Publisher) publish(e StreamEvent) {
	if err := p.hub.Publish(context.Background(), e); err != nil {
		p.logger.Debug("publish stream event", zap.String("event", e.EventType), zap.Error(err))
	}
}
