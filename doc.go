// Package taskflow is a small dataflow runtime for an AI-camera appliance.
//
// A task flow is a JSON document describing a directed graph of processing
// modules wired together by integer event ids. The engine parses the
// document, instantiates every node through the module registry, configures
// and wires it, starts it, and replaces the whole graph atomically when a
// new document arrives.
//
// # Architecture
//
//	            SetFlow / Pause / Resume / Stop
//	                          |
//	                          v
//	  +-----------------------------------------------+
//	  | engine: one worker goroutine owns the graph   |
//	  |   flow.Parse -> teardown old -> build new     |
//	  +-----------------------------------------------+
//	        |                 |                 |
//	        v                 v                 v
//	  module.Registry      bus.Bus        flowstore.Store
//	  (timer, debug,     (memory or      (memory or NATS KV)
//	   device modules)      NATS)
//
// # Packages
//
//   - module: the plugin contract and the registry of module types
//   - flow: flow document parsing, validation and simplification
//   - engine: the worker, graph lifecycle and status reporting
//   - bus: event delivery between modules through bounded mailboxes
//   - flowstore: persistence of the last successfully built flow
//   - modules/...: the built-in timer and debug modules
//   - moduleregistry: registers the built-in modules
//   - natsclient, metric, health, config: daemon infrastructure
//   - cmd/taskflowd: the daemon
//
// # Flow document
//
//	{
//	  "type": 0, "tlid": 1, "ctd": 1, "tn": "motion alarm",
//	  "task_flow": [
//	    {"id": 10, "type": "timer", "index": 0, "params": {"interval_ms": 500}, "wires": [[20]]},
//	    {"id": 20, "type": "debug", "index": 1, "params": {}, "wires": []}
//	  ]
//	}
//
// Nodes are built in ascending index order and torn down in reverse. Each
// entry of wires is an output port listing the event ids it posts to.
package taskflow
