// Package api defines the request and response types exchanged between
// executor processes and the coordinator.
//
// The same types travel over every coordinator transport (the gRPC service
// in package rpc and the MCP tools in package mcpserver), so executors can
// switch transports without changing how they interpret a status.
package api
