// Package main is the entry point of the PL/Container coordinator daemon.
//
// The coordinator serves StartContainer and StopContainer requests from
// database executor processes on a Unix domain socket, creates sandbox
// containers through the Docker or Podman API under a cap on concurrent
// creations, and runs an auxiliary monitor that reclaims sandboxes whose
// owning executor has exited.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
