package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/plcoordinator/api"
	"github.com/isdmx/plcoordinator/shm"
)

// Protocol is the transport name published in the coordinator state.
const Protocol = "mcp"

// StateFunc returns the published coordinator state.
type StateFunc func() shm.CoordinatorState

// MCPServer represents the MCP server
type MCPServer struct {
	logger    *zap.Logger
	svc       api.Service
	state     StateFunc
	mcpServer *server.MCPServer
	http      *http.Server
}

// New creates a new MCPServer
func New(logger *zap.Logger, svc api.Service, state StateFunc) *MCPServer {
	s := &MCPServer{
		logger: logger,
		svc:    svc,
		state:  state,
	}

	s.mcpServer = server.NewMCPServer("plcoordinator", "PL/Container sandbox coordinator")
	s.registerStartContainerTool()
	s.registerStopContainerTool()
	s.registerStateTool()

	s.http = &http.Server{
		Handler:           server.NewStreamableHTTPServer(s.mcpServer),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

var keyProperties = map[string]any{
	"owner_pid": map[string]any{
		"type":        "integer",
		"description": "Process id of the executor that owns the sandbox",
	},
	"connection_id": map[string]any{
		"type":        "integer",
		"description": "Session the executor belongs to",
	},
	"command_count": map[string]any{
		"type":        "integer",
		"description": "Command counter within the session",
	},
}

func (s *MCPServer) registerStartContainerTool() {
	props := map[string]any{
		"runtime_id": map[string]any{
			"type":        "string",
			"description": "Runtime profile to start",
		},
		"database_id": map[string]any{
			"type":        "integer",
			"description": "Database the request comes from",
		},
		"requester_identity": map[string]any{
			"type":        "string",
			"description": "Database role checked against the profile's roles",
		},
	}
	for k, v := range keyProperties {
		props[k] = v
	}

	tool := mcp.Tool{
		Name:        "start_container",
		Description: "Create and start a sandbox for an executor",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   []string{"runtime_id", "owner_pid", "connection_id", "command_count"},
		},
	}
	s.mcpServer.AddTool(tool, s.handleStartContainer)
}

func (s *MCPServer) registerStopContainerTool() {
	tool := mcp.Tool{
		Name:        "stop_container",
		Description: "Tear down the sandbox of an executor command",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: keyProperties,
			Required:   []string{"owner_pid", "connection_id", "command_count"},
		},
	}
	s.mcpServer.AddTool(tool, s.handleStopContainer)
}

func (s *MCPServer) registerStateTool() {
	tool := mcp.Tool{
		Name:        "coordinator_state",
		Description: "Report the coordinator state, transport and bind address",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}
	s.mcpServer.AddTool(tool, s.handleState)
}

func (s *MCPServer) handleStartContainer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runtimeID, err := request.RequireString("runtime_id")
	if err != nil {
		return nil, fmt.Errorf("runtime_id parameter is required: %w", err)
	}
	pid, conn, ccnt, err := keyArgs(request)
	if err != nil {
		return nil, err
	}

	req := &api.StartContainerRequest{
		RuntimeID:         runtimeID,
		OwnerPID:          pid,
		ConnectionID:      conn,
		CommandCount:      ccnt,
		DatabaseID:        request.GetInt("database_id", 0),
		RequesterIdentity: request.GetString("requester_identity", ""),
	}
	s.logger.Debug("start requested",
		zap.String("runtime_id", runtimeID),
		zap.Int("owner_pid", pid),
		zap.Int("connection_id", conn),
		zap.Int("command_count", ccnt))

	return jsonResult(s.svc.StartContainer(ctx, req))
}

func (s *MCPServer) handleStopContainer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pid, conn, ccnt, err := keyArgs(request)
	if err != nil {
		return nil, err
	}
	req := &api.StopContainerRequest{OwnerPID: pid, ConnectionID: conn, CommandCount: ccnt}
	return jsonResult(s.svc.StopContainer(ctx, req))
}

func (s *MCPServer) handleState(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.state())
}

func keyArgs(request mcp.CallToolRequest) (pid, conn, ccnt int, err error) {
	if pid, err = request.RequireInt("owner_pid"); err != nil {
		return 0, 0, 0, fmt.Errorf("owner_pid parameter is required: %w", err)
	}
	if conn, err = request.RequireInt("connection_id"); err != nil {
		return 0, 0, 0, fmt.Errorf("connection_id parameter is required: %w", err)
	}
	if ccnt, err = request.RequireInt("command_count"); err != nil {
		return 0, 0, 0, fmt.Errorf("command_count parameter is required: %w", err)
	}
	return pid, conn, ccnt, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// Protocol implements coordinator.Transport.
func (s *MCPServer) Protocol() string {
	return Protocol
}

// Serve answers MCP streamable HTTP requests on lis until Shutdown.
func (s *MCPServer) Serve(lis net.Listener) error {
	s.logger.Info("starting MCP server", zap.String("address", lis.Addr().String()))
	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight tool calls.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
