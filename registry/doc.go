// Package registry tracks the sandboxes a coordinator loop has started.
//
// A Registry is owned by exactly one loop. The main loop and the monitor
// each hold a private instance and keep them consistent through queue
// notifications, never by sharing a table.
package registry
