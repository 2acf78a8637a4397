// Package debug provides the "debug" reference module, a sink that logs the
// events addressed to it and keeps the most recent ones for inspection.
package debug
