package engine

import (
	"slices"
	"time"

	"github.com/openweavr/weavr/pkg/schema"
)

// validStepTransitions is the step lifecycle. A step is skipped only before
// it starts; once running it ends completed or failed.
var validStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	return slices.Contains(validStepTransitions[from], to)
}

// runState is the driver-owned bookkeeping of one run. It is touched only by
// the goroutine executing Execute.
type runState struct {
	run     *schema.Run
	outputs map[string]any
	running int
}

func newRunState(run *schema.Run, wf *schema.Workflow) *runState {
	for _, step := range wf.Steps {
		run.Steps[step.ID] = &schema.StepResult{Status: schema.StepStatusPending}
	}
	return &runState{run: run, outputs: make(map[string]any, len(wf.Steps))}
}

func (s *runState) status(id string) schema.StepStatus {
	return s.run.Steps[id].Status
}

// transition moves a step to a new status and reports whether the move was
// legal. Illegal moves leave the step untouched.
func (s *runState) transition(id string, to schema.StepStatus) bool {
	sr := s.run.Steps[id]
	if !isValidStepTransition(sr.Status, to) {
		return false
	}
	sr.Status = to
	if to == schema.StepStatusRunning {
		now := time.Now()
		sr.StartedAt = &now
	}
	return true
}

// finish records the outcome of a running step.
func (s *runState) finish(c completion) {
	sr := s.run.Steps[c.stepID]
	to := schema.StepStatusCompleted
	if c.err != nil {
		to = schema.StepStatusFailed
	}
	if !s.transition(c.stepID, to) {
		return
	}
	sr.Duration = c.duration
	if c.err != nil {
		sr.Error = c.err.Error()
		if s.run.Error == "" {
			s.run.Error = sr.Error
		}
		return
	}
	sr.Output = c.output
	s.outputs[c.stepID] = c.output
}

// ready reports whether every dependency of step has completed.
func (s *runState) ready(step *schema.StepSpec) bool {
	for _, dep := range step.Needs {
		if s.status(dep) != schema.StepStatusCompleted {
			return false
		}
	}
	return true
}

// snapshot copies the completed outputs so a step goroutine can read them
// while the driver keeps recording new ones.
func (s *runState) snapshot() map[string]any {
	out := make(map[string]any, len(s.outputs))
	for k, v := range s.outputs {
		out[k] = v
	}
	return out
}

func (s *runState) failed() bool {
	for _, sr := range s.run.Steps {
		if sr.Status == schema.StepStatusFailed {
			return true
		}
	}
	return false
}
