package registry

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/openweavr/weavr/internal/config"
	"github.com/openweavr/weavr/pkg/schema"
)

// Kind selects which catalog an id belongs to.
type Kind string

const (
	KindAction  Kind = "action"
	KindTrigger Kind = "trigger"
)

// Action is an executable unit of work within a workflow step.
type Action interface {
	Name() string
	Description() string
	Execute(ctx context.Context, input ActionInput) (any, error)
}

// ActionInput is the data provided to an action at execution time.
type ActionInput struct {
	// Params is the step's `with` block after template resolution.
	Params   map[string]any
	Workflow string
	RunID    string
	StepID   string
	// Credentials resolves AI provider credentials for this run.
	Credentials config.CredentialProvider
	// Log forwards a message to the run observer. Never nil when invoked by the executor.
	Log func(msg string)
}

// Logf formats and forwards a message to the run observer, if any.
func (in ActionInput) Logf(format string, args ...any) {
	if in.Log != nil {
		in.Log(fmt.Sprintf(format, args...))
	}
}

// TriggerKind is how a trigger delivers events.
type TriggerKind string

const (
	TriggerSchedule TriggerKind = "schedule" // pull: next fire time is computed
	TriggerWebhook  TriggerKind = "webhook"  // push: inbound HTTP by (source, path)
	TriggerWatch    TriggerKind = "watch"    // push: started and stopped through a Handle
	TriggerManual   TriggerKind = "manual"
)

// Trigger is a registered event source.
type Trigger interface {
	Name() string
	Description() string
	Kind() TriggerKind
}

// ScheduleTrigger computes fire times for time-based workflows.
type ScheduleTrigger interface {
	Trigger
	Next(config map[string]any, from time.Time) (time.Time, error)
}

// WebhookTrigger maps a trigger config to its inbound binding key.
type WebhookTrigger interface {
	Trigger
	Binding(config map[string]any) (source, path string, err error)
}

// Handle stops a started push-style trigger.
type Handle interface {
	Stop() error
}

// WatchTrigger starts a long-lived event source that calls fire per event.
type WatchTrigger interface {
	Trigger
	Start(ctx context.Context, config map[string]any, fire func(payload map[string]any)) (Handle, error)
}

// Bundle is the immutable set of descriptors contributed by one plugin.
// Names inside a bundle are joined to Namespace as "<namespace>.<name>";
// an empty Namespace registers names as-is.
type Bundle struct {
	Namespace string
	Actions   []Action
	Triggers  []Trigger
}

// Plugin constructs a bundle. Plugins are called exactly once by New.
type Plugin func() Bundle

// Registry catalogs actions and triggers by namespaced id. It is populated by
// New and read-only afterwards, so lookups take no locks.
type Registry struct {
	actions  map[string]Action
	triggers map[string]Trigger
}

// New builds a registry from the given plugin constructors, in order.
func New(plugins ...Plugin) (*Registry, error) {
	r := &Registry{
		actions:  make(map[string]Action),
		triggers: make(map[string]Trigger),
	}
	for _, p := range plugins {
		b := p()
		for _, a := range b.Actions {
			if err := r.register(KindAction, qualify(b.Namespace, a.Name()), a); err != nil {
				return nil, err
			}
		}
		for _, t := range b.Triggers {
			if err := r.register(KindTrigger, qualify(b.Namespace, t.Name()), t); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

func (r *Registry) register(kind Kind, id string, descriptor any) error {
	if descriptor == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s %q: descriptor is nil", kind, id)
	}
	if id == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s name is empty", kind)
	}

	switch kind {
	case KindAction:
		if _, exists := r.actions[id]; exists {
			return duplicate(kind, id)
		}
		a := descriptor.(Action)
		if a.Name() != id {
			a = &namedAction{Action: a, name: id}
		}
		r.actions[id] = a
	case KindTrigger:
		if _, exists := r.triggers[id]; exists {
			return duplicate(kind, id)
		}
		r.triggers[id] = descriptor.(Trigger)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown registry kind %q", kind)
	}
	return nil
}

// LookupAction returns the action registered under id.
func (r *Registry) LookupAction(id string) (Action, error) {
	a, ok := r.actions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not registered", id)
	}
	return a, nil
}

// LookupTrigger returns the trigger registered under id.
func (r *Registry) LookupTrigger(id string) (Trigger, error) {
	t, ok := r.triggers[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "trigger %q not registered", id)
	}
	return t, nil
}

// Actions yields (id, action) pairs sorted by id. The sequence may be ranged
// over any number of times.
func (r *Registry) Actions() iter.Seq2[string, Action] {
	return sorted(r.actions)
}

// Triggers yields (id, trigger) pairs sorted by id.
func (r *Registry) Triggers() iter.Seq2[string, Trigger] {
	return sorted(r.triggers)
}

// Len returns the number of registered descriptors of the given kind.
func (r *Registry) Len(kind Kind) int {
	if kind == KindTrigger {
		return len(r.triggers)
	}
	return len(r.actions)
}

func sorted[T any](m map[string]T) iter.Seq2[string, T] {
	return func(yield func(string, T) bool) {
		ids := make([]string, 0, len(m))
		for id := range m {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			if !yield(id, m[id]) {
				return
			}
		}
	}
}

func qualify(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}

func duplicate(kind Kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeDuplicateRegistration, "%s %q already registered", kind, id).
		WithDetails(map[string]any{"kind": string(kind), "id": id})
}

// namedAction reports its namespaced id as its name.
type namedAction struct {
	Action
	name string
}

func (n *namedAction) Name() string { return n.name }

// ActionFunc adapts a function to the Action interface.
type ActionFunc struct {
	ID   string
	Desc string
	Fn   func(ctx context.Context, input ActionInput) (any, error)
}

func (f *ActionFunc) Name() string        { return f.ID }
func (f *ActionFunc) Description() string { return f.Desc }

func (f *ActionFunc) Execute(ctx context.Context, input ActionInput) (any, error) {
	return f.Fn(ctx, input)
}
