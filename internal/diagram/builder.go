package diagram

import (
	"fmt"
	"strings"

	"github.com/openweavr/weavr/internal/parser"
	"github.com/openweavr/weavr/pkg/schema"
)

// Build constructs a Model from wf. When run is non-nil its step results are
// overlaid on the nodes.
func Build(wf *schema.Workflow, run *schema.Run) (*Model, error) {
	g, err := parser.BuildGraph(wf)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	steps := make(map[string]schema.StepSpec, len(wf.Steps))
	for _, s := range wf.Steps {
		steps[s.ID] = s
	}

	m := &Model{Title: wf.Name}
	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: triggerLabel(wf.Trigger), Kind: NodeKindTrigger})
	for _, id := range g.Order {
		step := steps[id]
		n := &Node{
			ID:     id,
			Label:  id,
			Action: step.Action,
			Kind:   stepKind(step),
		}
		if run != nil {
			if r, ok := run.Steps[id]; ok && r != nil {
				n.Status = &StatusOverlay{Status: string(r.Status), Duration: r.Duration, Error: r.Error}
			}
		}
		m.Nodes = append(m.Nodes, n)
	}
	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	for _, root := range g.Roots {
		m.Edges = append(m.Edges, Edge{From: startID, To: root})
	}
	for _, id := range g.Order {
		for _, dep := range g.Dependencies[id] {
			e := Edge{From: dep, To: id}
			if steps[id].If != "" {
				e.Label = "if"
			}
			m.Edges = append(m.Edges, e)
		}
	}
	for _, id := range g.Order {
		if len(g.Dependents[id]) == 0 {
			m.Edges = append(m.Edges, Edge{From: id, To: endID})
		}
	}

	m.Levels = levels(g)
	return m, nil
}

// levels assigns each step the length of its longest dependency chain.
func levels(g *parser.Graph) [][]string {
	depth := make(map[string]int, len(g.Order))
	maxDepth := 0
	for _, id := range g.Order {
		d := 0
		for _, dep := range g.Dependencies[id] {
			d = max(d, depth[dep]+1)
		}
		depth[id] = d
		maxDepth = max(maxDepth, d)
	}

	out := make([][]string, 0, maxDepth+3)
	out = append(out, []string{startID})
	if len(g.Order) > 0 {
		byDepth := make([][]string, maxDepth+1)
		for _, id := range g.Order {
			byDepth[depth[id]] = append(byDepth[depth[id]], id)
		}
		out = append(out, byDepth...)
	}
	return append(out, []string{endID})
}

func stepKind(step schema.StepSpec) NodeKind {
	switch {
	case strings.HasPrefix(step.Action, "ai."):
		return NodeKindAI
	case step.If != "":
		return NodeKindGuarded
	default:
		return NodeKindStep
	}
}

func triggerLabel(t *schema.TriggerSpec) string {
	if t == nil || t.Type == "" {
		return "manual"
	}
	return t.Type
}
