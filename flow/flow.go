package flow

import (
	"encoding/json"
	"sort"
)

// Flow is one parsed and validated flow document
type Flow struct {
	Type          int    `json:"type"`
	TaskID        int64  `json:"tlid"`
	CorrelationID int64  `json:"ctd"`
	Name          string `json:"tn"`
	Nodes         []Node `json:"task_flow" validate:"min=1,dive"`

	raw []byte
}

// Node is one vertex of a flow
type Node struct {
	// ID is also the event id the node subscribes to
	ID    int    `json:"id"`
	Type  string `json:"type" validate:"required"`
	Index int    `json:"index"`
	// Params is handed verbatim to the module's Configure
	Params json.RawMessage `json:"params"`
	// Wires[port] lists the event ids a publish on that port fans out to
	Wires [][]int `json:"wires"`
}

// Raw returns the document the flow was parsed from. The slice is owned by
// the flow; callers must not modify it.
func (f *Flow) Raw() []byte {
	return f.raw
}

// Order returns node positions sorted by ascending Index, ties kept in
// document order. This is the order every build step walks the nodes in.
func (f *Flow) Order() []int {
	order := make([]int, len(f.Nodes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return f.Nodes[order[a]].Index < f.Nodes[order[b]].Index
	})
	return order
}

// Edges returns the number of (port, downstream id) pairs across all nodes
func (f *Flow) Edges() int {
	n := 0
	for _, node := range f.Nodes {
		for _, port := range node.Wires {
			n += len(port)
		}
	}
	return n
}
