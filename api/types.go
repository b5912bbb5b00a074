package api

import (
	"fmt"
	"time"
)

// Status is the outcome of a coordinator request.
type Status int

// Status values. StatusTryLater signals back-pressure and is not a fault.
const (
	StatusOK          Status = 0
	StatusError       Status = -1
	StatusTryLater    Status = 1
	StatusConfigError Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusTryLater:
		return "try_later"
	case StatusConfigError:
		return "config_error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Retryable reports whether the caller may retry the same request later.
func (s Status) Retryable() bool {
	return s == StatusTryLater
}

// StartContainerRequest asks the coordinator for a sandbox.
type StartContainerRequest struct {
	RuntimeID         string `json:"runtime_id"`
	OwnerPID          int    `json:"owner_pid"`
	ConnectionID      int    `json:"connection_id"`
	CommandCount      int    `json:"command_count"`
	DatabaseID        int    `json:"database_id"`
	RequesterIdentity string `json:"requester_identity"`
}

// Validate checks the fields every transport requires.
func (r *StartContainerRequest) Validate() error {
	if r.RuntimeID == "" {
		return fmt.Errorf("runtime_id is required")
	}
	if r.OwnerPID <= 0 {
		return fmt.Errorf("owner_pid must be positive, got: %d", r.OwnerPID)
	}
	return nil
}

// Timings records how long each engine phase of a start took.
type Timings struct {
	Create   time.Duration `json:"create"`
	Start    time.Duration `json:"start"`
	Total    time.Duration `json:"total"`
	Attempts int           `json:"attempts"`
}

// StartContainerResponse carries the sandbox address on success, and the
// engine's message on failure.
type StartContainerResponse struct {
	Status         Status  `json:"status"`
	SandboxAddress string  `json:"sandbox_address,omitempty"`
	EngineID       string  `json:"engine_id,omitempty"`
	LogMessage     string  `json:"log_message,omitempty"`
	Timings        Timings `json:"timings"`
}

// StopContainerRequest asks the coordinator to tear down a sandbox.
type StopContainerRequest struct {
	OwnerPID     int `json:"owner_pid"`
	ConnectionID int `json:"connection_id"`
	CommandCount int `json:"command_count"`
}

// StopContainerResponse reports the outcome of a stop. Teardown of engine
// managed sandboxes completes asynchronously after the response is sent.
type StopContainerResponse struct {
	Status     Status `json:"status"`
	LogMessage string `json:"log_message,omitempty"`
}
