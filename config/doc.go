// Package config provides application configuration management.
//
// The config package handles loading and validation of the coordinator's
// configuration from a YAML file, environment variables prefixed with
// PLCOORD_ and built-in defaults, in that order of precedence. It covers the
// RPC transport, the sandbox backend and its engine connection, the retry
// and concurrency limits of the main loop, the monitor timers, logging and
// metrics.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Coordinator socket: %s\n", cfg.SocketPath())
package config
