// Package diagram renders a workflow's step graph, optionally overlaid with
// the step states of one run, as Mermaid, ASCII or a graphviz image.
package diagram

import "time"

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep    NodeKind = "step"
	NodeKindGuarded NodeKind = "guarded" // step with an `if` guard
	NodeKindAI      NodeKind = "ai"
	NodeKindTrigger NodeKind = "trigger"
	NodeKindEnd     NodeKind = "end"
)

const (
	startID = "__trigger__"
	endID   = "__end__"
)

// Model is the intermediate representation shared by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
	// Levels groups node ids by dependency depth, trigger first.
	Levels [][]string
}

// Node is one step, or the virtual trigger and end nodes.
type Node struct {
	ID     string
	Label  string
	Action string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the step's state in a run.
type StatusOverlay struct {
	Status   string
	Duration time.Duration
	Error    string
}

// Edge points from a dependency to its dependent.
type Edge struct {
	From  string
	To    string
	Label string
}

func (m *Model) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
