// Package store persists deployed workflow sources, their pause state and a
// log of finished runs so the scheduler can be restored after a restart.
package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	SaveWorkflow(ctx context.Context, name, source string) error
	GetWorkflow(ctx context.Context, name string) (*WorkflowRecord, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error)
	DeleteWorkflow(ctx context.Context, name string) error
	SetPaused(ctx context.Context, name string, paused bool) error
	RecordLastRun(ctx context.Context, name string, at time.Time, status string) error

	// Run log (terminal runs only)
	AppendRun(ctx context.Context, entry *RunEntry) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunEntry, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// WorkflowRecord is a deployed workflow as persisted.
type WorkflowRecord struct {
	Name       string     `json:"name"`
	Source     string     `json:"source"`
	Paused     bool       `json:"paused"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// WorkflowFilter narrows ListWorkflows. A nil Paused matches both states.
type WorkflowFilter struct {
	Paused *bool
}

// RunEntry is the summary of a finished run.
type RunEntry struct {
	RunID       string    `json:"run_id"`
	Workflow    string    `json:"workflow"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// RunFilter narrows ListRuns. Results are newest first.
type RunFilter struct {
	Workflow string
	Status   string
	Limit    int
}
