package schema

// Workflow is a parsed, validated workflow definition. It is immutable after
// parsing and may be executed by many runs at once.
type Workflow struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger     *TriggerSpec      `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Steps       []StepSpec        `json:"steps" yaml:"steps"`
	Memory      []MemoryBlockSpec `json:"memory,omitempty" yaml:"memory,omitempty"`
}

// StepSpec describes a single node of the workflow DAG.
type StepSpec struct {
	ID     string         `json:"id" yaml:"id"`
	Action string         `json:"action" yaml:"action"`         // registry key, e.g. "http.get"
	Needs  []string       `json:"needs,omitempty" yaml:"needs"` // step IDs that must complete first
	With   map[string]any `json:"with,omitempty" yaml:"with"`   // raw config, may contain {{ }} expressions
	If     string         `json:"if,omitempty" yaml:"if"`       // CEL guard, evaluated before execution
}

// TriggerSpec selects the trigger that starts a workflow.
type TriggerSpec struct {
	Type string         `json:"type" yaml:"type"` // registry key, e.g. "cron.schedule"
	With map[string]any `json:"with,omitempty" yaml:"with"`
}

// MemoryBlockSpec describes a named text block assembled for AI steps.
type MemoryBlockSpec struct {
	ID        string         `json:"id" yaml:"id"`
	Sources   []MemorySource `json:"sources" yaml:"sources"`
	Separator *string        `json:"separator,omitempty" yaml:"separator"` // nil = default separator
	Template  string         `json:"template,omitempty" yaml:"template"`
	MaxChars  int            `json:"max_chars,omitempty" yaml:"maxChars"`
	Dedupe    bool           `json:"dedupe,omitempty" yaml:"dedupe"`
}

// MemorySourceType enumerates memory source kinds.
type MemorySourceType string

const (
	MemorySourceText      MemorySourceType = "text"
	MemorySourceFile      MemorySourceType = "file"
	MemorySourceURL       MemorySourceType = "url"
	MemorySourceWebSearch MemorySourceType = "web_search"
	MemorySourceStep      MemorySourceType = "step"
	MemorySourceTrigger   MemorySourceType = "trigger"
)

// MemorySource is one input of a memory block.
type MemorySource struct {
	ID       string           `json:"id,omitempty" yaml:"id"`
	Type     MemorySourceType `json:"type" yaml:"type"`
	Value    string           `json:"value,omitempty" yaml:"value"` // text
	Path     string           `json:"path,omitempty" yaml:"path"`   // file path, or step/trigger data path
	URL      string           `json:"url,omitempty" yaml:"url"`     // url
	Query    string           `json:"query,omitempty" yaml:"query"` // web_search
	Limit    int              `json:"limit,omitempty" yaml:"limit"` // web_search result count
	MaxChars int              `json:"max_chars,omitempty" yaml:"maxChars"`
}

// StepByID returns the step with the given ID, or nil.
func (w *Workflow) StepByID(id string) *StepSpec {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}
