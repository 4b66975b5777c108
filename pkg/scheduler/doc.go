// Package scheduler resolves which platform adapter serves a request and
// gates queued containers: a container naming a queue starts only when no
// other member of that queue is busy. Admission runs inside the reconcile
// loop, so parked containers are re-evaluated every cycle.
package scheduler
