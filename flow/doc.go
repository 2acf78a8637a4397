// Package flow parses and validates task-flow documents.
//
// A flow document describes a graph of module nodes wired by integer event
// ids:
//
//	{
//	  "type": 0, "tlid": 1, "ctd": 1, "tn": "demo",
//	  "task_flow": [
//	    {"id": 10, "type": "timer", "index": 0, "params": {}, "wires": [[20]]},
//	    {"id": 20, "type": "debug", "index": 1, "params": {}, "wires": []}
//	  ]
//	}
//
// Parse is all-or-nothing: a document with a missing or mis-typed field
// yields an error wrapping errors.ErrInvalidSchema and no Flow. A node's
// params object is kept verbatim for the module's Configure call. Edges are
// implicit: port p of node A is connected to node B when Wires[p] contains
// B's id.
//
// Simplify strips sensitive params (the audio clip of alarm trigger nodes by
// default) before a document is persisted or echoed back; it has no effect
// on execution.
package flow
