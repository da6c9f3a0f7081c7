// Package expressions hosts the three expression engines a workflow can use:
// CEL for step guards, jq for data reshaping and expr for computed values.
package expressions

import (
	"context"
	"sync"

	"github.com/openweavr/weavr/pkg/schema"
)

// Engine evaluates an expression against a data map.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Data builds the evaluation map shared by every engine: trigger payload,
// completed step outputs and assembled memory blocks.
func Data(trigger map[string]any, steps map[string]any, memory map[string]string) map[string]any {
	mem := make(map[string]any, len(memory))
	for k, v := range memory {
		mem[k] = v
	}
	if trigger == nil {
		trigger = map[string]any{}
	}
	if steps == nil {
		steps = map[string]any{}
	}
	return map[string]any{
		"trigger": trigger,
		"steps":   steps,
		"memory":  mem,
	}
}

// programCache memoizes compiled programs by source text. Workflows evaluate
// the same handful of expressions on every run, so entries are never evicted.
type programCache[P any] struct {
	compile func(string) (P, error)

	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{compile: compile, programs: map[string]P{}}
}

func (c *programCache[P]) get(src string) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[src]; ok {
		return p, nil
	}
	p, err := c.compile(src)
	if err != nil {
		return p, err
	}
	c.programs[src] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// compileError reports a malformed expression. Compile failures are
// validation errors so a bad workflow is rejected before it can run.
func compileError(lang, src string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %v", lang, src, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": src, "language": lang})
}

func evalError(lang, src string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeActionExecution, "%s: evaluating %q: %v", lang, src, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": src, "language": lang})
}

func emptyError(lang string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: empty expression", lang)
}
