package parser

import (
	"strings"

	"github.com/openweavr/weavr/pkg/schema"
)

// Graph is the dependency structure of a validated workflow.
type Graph struct {
	Dependencies map[string][]string // step id -> needs
	Dependents   map[string][]string // step id -> steps that need it
	Order        []string            // topological order, dependencies first
	Roots        []string            // steps with no needs, in declaration order
}

type color uint8

const (
	white color = iota
	gray
	black
)

// BuildGraph computes the dependency graph of wf. Cycles are detected by a
// depth-first walk with white/gray/black coloring; a back edge to a gray node
// yields CYCLIC_DEPENDENCY with the offending path. Unknown needs are
// reported as UNKNOWN_DEPENDENCY.
func BuildGraph(wf *schema.Workflow) (*Graph, error) {
	g := &Graph{
		Dependencies: make(map[string][]string, len(wf.Steps)),
		Dependents:   make(map[string][]string, len(wf.Steps)),
		Order:        make([]string, 0, len(wf.Steps)),
	}
	for _, step := range wf.Steps {
		g.Dependencies[step.ID] = dedupe(step.Needs)
	}
	for _, step := range wf.Steps {
		for _, dep := range g.Dependencies[step.ID] {
			if _, ok := g.Dependencies[dep]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownDependency,
					"step %s needs unknown step %s", step.ID, dep).WithStep(step.ID)
			}
			g.Dependents[dep] = append(g.Dependents[dep], step.ID)
		}
		if len(step.Needs) == 0 {
			g.Roots = append(g.Roots, step.ID)
		}
	}

	colors := make(map[string]color, len(wf.Steps))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = gray
		stack = append(stack, id)
		for _, dep := range g.Dependencies[id] {
			switch colors[dep] {
			case gray:
				return cycleError(stack, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
		g.Order = append(g.Order, id)
		return nil
	}

	for _, step := range wf.Steps {
		if colors[step.ID] == white {
			if err := visit(step.ID); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// Transitive returns every step that directly or indirectly needs id.
func (g *Graph) Transitive(id string) []string {
	seen := map[string]bool{id: true}
	var out []string
	queue := append([]string(nil), g.Dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.Dependents[next]...)
	}
	return out
}

// cycleError reports the cycle as the path from target back to itself,
// following needs edges.
func cycleError(stack []string, target string) error {
	start := 0
	for i, id := range stack {
		if id == target {
			start = i
			break
		}
	}
	path := append(append([]string(nil), stack[start:]...), target)
	return schema.NewErrorf(schema.ErrCodeCyclicDependency,
		"dependency cycle: %s", strings.Join(path, " -> ")).
		WithDetails(map[string]any{"cycle": path})
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
