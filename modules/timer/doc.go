// Package timer provides the "timer" reference module, a periodic event
// source.
//
// Node params:
//
//	{"interval_ms": 500, "count": 0, "immediate": false, "payload": {...}}
//
// Each tick is posted to every event id wired to output port 0. Without a
// payload the event body is {"seq":N,"at":<unix ms>}.
package timer
