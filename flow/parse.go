package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/c360/taskflow/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type kind int

const (
	kindInvalid kind = iota
	kindNull
	kindBool
	kindNumber
	kindString
	kindArray
	kindObject
)

func (k kind) String() string {
	switch k {
	case kindNull:
		return "null"
	case kindBool:
		return "bool"
	case kindNumber:
		return "number"
	case kindString:
		return "string"
	case kindArray:
		return "array"
	case kindObject:
		return "object"
	default:
		return "invalid"
	}
}

func kindOf(raw json.RawMessage) kind {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return kindInvalid
	}
	switch c := trimmed[0]; {
	case c == '{':
		return kindObject
	case c == '[':
		return kindArray
	case c == '"':
		return kindString
	case c == 't' || c == 'f':
		return kindBool
	case c == 'n':
		return kindNull
	case c == '-' || (c >= '0' && c <= '9'):
		return kindNumber
	default:
		return kindInvalid
	}
}

// Parse decodes and validates a flow document. Any missing or mis-typed field
// fails the whole document with an error wrapping errors.ErrInvalidSchema;
// a partial flow is never returned.
func Parse(data []byte) (*Flow, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, schemaErr("decode document: %v", err)
	}
	if top == nil {
		return nil, schemaErr("document is not an object")
	}

	f := &Flow{}
	var err error

	var flowType int64
	if flowType, err = numberField(top, "type"); err != nil {
		return nil, err
	}
	f.Type = int(flowType)

	if f.TaskID, err = numberField(top, "tlid"); err != nil {
		return nil, err
	}
	if f.CorrelationID, err = numberField(top, "ctd"); err != nil {
		return nil, err
	}
	if f.Name, err = stringField(top, "tn"); err != nil {
		return nil, err
	}

	elems, err := arrayField(top, "task_flow")
	if err != nil {
		return nil, err
	}
	if len(elems) == 0 {
		return nil, schemaErr("task_flow is empty")
	}

	nodes := make([]Node, 0, len(elems))
	for i, elem := range elems {
		node, err := parseNode(elem)
		if err != nil {
			return nil, errors.Wrap(err, "flow", "Parse", fmt.Sprintf("task_flow[%d]", i))
		}
		nodes = append(nodes, node)
	}
	f.Nodes = nodes

	if err := validate.Struct(f); err != nil {
		return nil, schemaErr("%v", err)
	}

	f.raw = append([]byte(nil), data...)
	return f, nil
}

func parseNode(raw json.RawMessage) (Node, error) {
	var fields map[string]json.RawMessage
	if kindOf(raw) != kindObject {
		return Node{}, schemaErr("node is %s, want object", kindOf(raw))
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Node{}, schemaErr("decode node: %v", err)
	}

	var node Node

	id, err := numberField(fields, "id")
	if err != nil {
		return Node{}, err
	}
	node.ID = int(id)

	if node.Type, err = stringField(fields, "type"); err != nil {
		return Node{}, err
	}

	index, err := numberField(fields, "index")
	if err != nil {
		return Node{}, err
	}
	node.Index = int(index)

	params, ok := fields["params"]
	if !ok {
		return Node{}, schemaErr("field %q missing", "params")
	}
	if k := kindOf(params); k != kindObject {
		return Node{}, schemaErr("field %q is %s, want object", "params", k)
	}
	node.Params = append(json.RawMessage(nil), params...)

	ports, err := arrayField(fields, "wires")
	if err != nil {
		return Node{}, err
	}
	node.Wires = make([][]int, 0, len(ports))
	for p, port := range ports {
		if k := kindOf(port); k != kindArray {
			return Node{}, schemaErr("wires[%d] is %s, want array", p, k)
		}
		var targets []json.RawMessage
		if err := json.Unmarshal(port, &targets); err != nil {
			return Node{}, schemaErr("decode wires[%d]: %v", p, err)
		}
		ids := make([]int, 0, len(targets))
		for j, target := range targets {
			v, err := toInt64(target)
			if err != nil {
				return Node{}, schemaErr("wires[%d][%d]: %v", p, j, err)
			}
			ids = append(ids, int(v))
		}
		node.Wires = append(node.Wires, ids)
	}

	return node, nil
}

func numberField(fields map[string]json.RawMessage, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, schemaErr("field %q missing", name)
	}
	v, err := toInt64(raw)
	if err != nil {
		return 0, schemaErr("field %q: %v", name, err)
	}
	return v, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", schemaErr("field %q missing", name)
	}
	if k := kindOf(raw); k != kindString {
		return "", schemaErr("field %q is %s, want string", name, k)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", schemaErr("field %q: %v", name, err)
	}
	return s, nil
}

func arrayField(fields map[string]json.RawMessage, name string) ([]json.RawMessage, error) {
	raw, ok := fields[name]
	if !ok {
		return nil, schemaErr("field %q missing", name)
	}
	if k := kindOf(raw); k != kindArray {
		return nil, schemaErr("field %q is %s, want array", name, k)
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, schemaErr("field %q: %v", name, err)
	}
	return elems, nil
}

// toInt64 reads a JSON number, truncating fractional values toward zero the
// way the device firmware reads integer fields.
func toInt64(raw json.RawMessage) (int64, error) {
	if k := kindOf(raw); k != kindNumber {
		return 0, fmt.Errorf("is %s, want number", k)
	}
	text := string(bytes.TrimSpace(raw))
	if v, err := strconv.ParseInt(text, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || f >= math.MaxInt64 || f <= math.MinInt64 {
		return 0, fmt.Errorf("number %s out of range", text)
	}
	return int64(f), nil
}

func schemaErr(format string, args ...any) error {
	return errors.Invalidf(errors.ErrInvalidSchema, "flow", "Parse", format, args...)
}
