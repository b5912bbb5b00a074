// Package coordinator implements the coordinator's main loop.
//
// The Coordinator turns start and stop requests from executor processes into
// sandbox operations, bounds concurrent container creation through the shared
// gate, retries failed starts, and hands every registry change to the monitor
// over the notification queue. Run drives the lifecycle: it initializes the
// shared segment, binds the request listener, starts the monitor under a
// supervisor, publishes READY, runs periodic housekeeping, and tears
// everything down on shutdown.
//
// Usage:
//
//	c := coordinator.New(logger, segment, profiles, backend, coordinator.WithConfig(cfg))
//	err := c.Run(ctx, transport, monitor)
package coordinator
