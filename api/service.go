package api

import "context"

// Service is implemented by the coordinator main loop and consumed by the
// transports.
type Service interface {
	StartContainer(ctx context.Context, req *StartContainerRequest) *StartContainerResponse
	StopContainer(ctx context.Context, req *StopContainerRequest) *StopContainerResponse
}
