// Package flowengine runs task flows: it turns a flow document into a graph of
// module instances, drives their lifecycle and replaces the graph when a new
// document arrives.
//
// # Worker
//
// Engine.Run is the only goroutine that touches the active graph. SetFlow
// copies the caller's bytes into a bounded queue and returns; the worker
// dequeues submissions in order and for each one parses the document, tears
// the old graph down and builds the new one. Pause, Resume, Stop and SetBusy
// travel on a control channel to the same worker.
//
// # Build
//
// Nodes are visited in ascending Index order (ties by document order), one
// phase at a time: resolve, instantiate, configure, subscribe, publish,
// start. A failure tears the partial graph down and is reported as a status
// code; see StatusFromError. Configure failures follow the ConfigPolicy.
// When a bus.Gate is configured, event delivery is held for the whole build.
//
// # Teardown
//
// Started nodes are stopped in reverse build order, then every instantiated
// node is destroyed in reverse build order, whether or not its Stop
// succeeded.
//
// # Status
//
// Every status report reaches the OnStatus callback synchronously on the
// worker. Readers on other goroutines use Status, Info and FlowJSON, which
// read a snapshot the worker publishes.
package flowengine
