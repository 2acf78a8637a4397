package testutil

import (
	"encoding/json"
)

// NodeSpec describes one node of a test flow document
type NodeSpec struct {
	ID     int
	Type   string
	Index  int
	Params map[string]any
	Wires  [][]int
}

// FlowDoc builds a flow document. Nil params become {} and nil wires [].
func FlowDoc(taskID, correlationID int64, name string, nodes ...NodeSpec) []byte {
	type node struct {
		ID     int            `json:"id"`
		Type   string         `json:"type"`
		Index  int            `json:"index"`
		Params map[string]any `json:"params"`
		Wires  [][]int        `json:"wires"`
	}
	doc := struct {
		Type          int    `json:"type"`
		TaskID        int64  `json:"tlid"`
		CorrelationID int64  `json:"ctd"`
		Name          string `json:"tn"`
		Nodes         []node `json:"task_flow"`
	}{TaskID: taskID, CorrelationID: correlationID, Name: name}

	for _, n := range nodes {
		params := n.Params
		if params == nil {
			params = map[string]any{}
		}
		wires := n.Wires
		if wires == nil {
			wires = [][]int{}
		}
		doc.Nodes = append(doc.Nodes, node{ID: n.ID, Type: n.Type, Index: n.Index, Params: params, Wires: wires})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return data
}

// ChainFlow builds a flow of the given module types where node i has id
// 10*(i+1), index i and a single port wired to the next node.
func ChainFlow(taskID int64, types ...string) []byte {
	nodes := make([]NodeSpec, len(types))
	for i, typ := range types {
		nodes[i] = NodeSpec{ID: 10 * (i + 1), Type: typ, Index: i}
		if i+1 < len(types) {
			nodes[i].Wires = [][]int{{10 * (i + 2)}}
		}
	}
	return FlowDoc(taskID, taskID, "chain", nodes...)
}
