// Package mcpserver provides the Model Context Protocol (MCP) transport of the
// coordinator.
//
// The mcpserver package exposes the coordinator API as MCP tools using the
// mark3labs/mcp-go library: start_container, stop_container and
// coordinator_state. Responses carry the same JSON documents as the gRPC
// transport, so a status of try_later or config_error is a normal tool result
// rather than a tool error.
//
// The server speaks streamable HTTP on the coordinator's Unix socket and is
// selected with server.transport: mcp.
//
// Usage:
//
//	srv := mcpserver.New(logger, coord, coord.State)
//	go srv.Serve(lis)
//	defer srv.Shutdown(ctx)
package mcpserver
