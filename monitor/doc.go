// Package monitor implements the coordinator's auxiliary loop.
//
// The monitor owns a private sandbox registry that it keeps in step with the
// main loop by applying CREATE and DESTROY notifications from the queue.
// Every few ticks it sweeps that registry and reclaims sandboxes whose owning
// executor has exited or whose container has stopped, deleting containers in
// one batched engine call. On its first run it adopts labelled containers
// left behind by an earlier coordinator so they are swept too.
package monitor
