// Package sandbox provides the host-side pieces of sandbox management that do
// not go through the container engine.
//
// LocalLauncher runs sandbox clients as plain child processes for standalone
// (debug) mode and only ever signals processes it started itself.
// ProcessProber answers whether an executor process is still alive without
// delivering a signal. The path helpers lay out the per-sandbox IPC
// directories shared with containers that talk over a Unix socket.
//
// Usage:
//
//	backend, err := sandbox.NewBackend(logger, sandbox.Config{Backend: "docker", EngineHost: host})
//	alive, err := sandbox.NewProcessProber().Alive(pid)
package sandbox
