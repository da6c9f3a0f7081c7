package schema

import "time"

// Event type constants emitted to observers and logs.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	EventWorkflowTriggered = "workflow_triggered"
	EventWorkflowCompleted = "workflow_completed"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// StepStatus represents the lifecycle state of a step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// ScheduleStatus is the state of a scheduled workflow binding.
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	SchedulePaused ScheduleStatus = "paused"
)

// Run is one execution instance of a workflow.
type Run struct {
	ID             string                 `json:"id"`
	Workflow       string                 `json:"workflow"`
	Status         RunStatus              `json:"status"`
	StartedAt      time.Time              `json:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Steps          map[string]*StepResult `json:"steps"`
	TriggerPayload map[string]any         `json:"trigger_payload,omitempty"`
}

// StepResult records the outcome of a single step.
type StepResult struct {
	Status    StepStatus    `json:"status"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Output    any           `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Clone returns a deep copy of the run's bookkeeping (outputs are shared,
// they are never mutated after a step completes).
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Steps = make(map[string]*StepResult, len(r.Steps))
	for id, sr := range r.Steps {
		s := *sr
		cp.Steps[id] = &s
	}
	return &cp
}

// ScheduledWorkflow is the scheduler's record for a workflow with a bound trigger.
type ScheduledWorkflow struct {
	Name          string         `json:"name"`
	TriggerType   string         `json:"trigger_type"`
	TriggerConfig map[string]any `json:"trigger_config,omitempty"`
	Status        ScheduleStatus `json:"status"`
	NextRun       *time.Time     `json:"next_run,omitempty"`
	LastRun       *time.Time     `json:"last_run,omitempty"`
	LastStatus    RunStatus      `json:"last_status,omitempty"`
}
