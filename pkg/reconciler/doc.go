// Package reconciler runs the control loop: every cycle it pages through
// active containers and hands each to its platform adapter, which drives
// at most one state machine step. Containers that need to start first pass
// queue admission; containers that are live get a watcher ensured.
// Per-container failures are logged and counted, never fatal to the cycle.
package reconciler
