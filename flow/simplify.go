package flow

import (
	"bytes"
	"encoding/json"

	"github.com/c360/taskflow/errors"
)

// SimplifyRules maps a module type name to the params keys removed from
// every node of that type.
type SimplifyRules map[string][]string

// DefaultSimplifyRules drops the embedded audio clip of alarm trigger nodes
var DefaultSimplifyRules = SimplifyRules{
	"alarm trigger": {"audio"},
}

// Simplify applies DefaultSimplifyRules. See SimplifyWith.
func Simplify(data []byte) ([]byte, error) {
	return SimplifyWith(data, DefaultSimplifyRules)
}

// SimplifyWith returns a copy of a flow document with the params keys named
// by rules removed. It is meant for persisting or echoing a flow and does not
// enforce the flow schema: nodes that do not look like nodes are kept as is.
// Numbers are preserved exactly; object keys come back sorted.
func SimplifyWith(data []byte, rules SimplifyRules) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.WrapInvalid(err, "flow", "Simplify", "decode document")
	}
	if doc == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidSchema, "flow", "Simplify", "document object check")
	}

	if nodes, ok := doc["task_flow"].([]any); ok {
		for _, n := range nodes {
			node, ok := n.(map[string]any)
			if !ok {
				continue
			}
			typeName, _ := node["type"].(string)
			keys := rules[typeName]
			if len(keys) == 0 {
				continue
			}
			params, ok := node["params"].(map[string]any)
			if !ok {
				continue
			}
			for _, key := range keys {
				delete(params, key)
			}
		}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.WrapFatal(err, "flow", "Simplify", "encode document")
	}
	return out, nil
}
