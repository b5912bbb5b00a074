package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/isdmx/plcoordinator/api"
)

// Client calls a coordinator over its Unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for the coordinator listening on socketPath. The
// connection is established lazily on the first call.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// StartContainer asks the coordinator for a sandbox. A non-nil error means
// the call did not reach the coordinator; coordinator failures are reported
// in the response status.
func (c *Client) StartContainer(ctx context.Context, req *api.StartContainerRequest) (*api.StartContainerResponse, error) {
	out := new(api.StartContainerResponse)
	if err := c.conn.Invoke(ctx, startMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// StopContainer asks the coordinator to tear down a sandbox.
func (c *Client) StopContainer(ctx context.Context, req *api.StopContainerRequest) (*api.StopContainerResponse, error) {
	out := new(api.StopContainerResponse)
	if err := c.conn.Invoke(ctx, stopMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
