// Package engine is the client for the external container engine.
//
// Engine is the contract the coordinator relies on: create, start, inspect,
// delete and list. DockerEngine implements it over the Docker Engine API
// (Podman's compatible socket works too). Failures are returned as *Error,
// which keeps the engine's HTTP status and raw message for diagnostics.
package engine
