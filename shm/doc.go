// Package shm holds the state shared between the coordinator's main loop and
// its monitor: the published CoordinatorState, the creation gate, and the
// notification queue.
//
// A Segment has an explicit lifecycle. The main loop calls Init once, which
// takes the singleton lock and allocates the gate and queue; the monitor calls
// Attach to obtain them; Teardown releases everything on exit. Every state
// change is written atomically to a JSON state file so executor processes can
// discover how to reach the coordinator with ReadState.
package shm
