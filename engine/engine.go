package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound matches an *Error for a container the engine does not know.
var ErrNotFound = errors.New("container not found")

// Field selects what Inspect reads.
type Field int

// Inspectable fields.
const (
	FieldStatus Field = iota
	FieldPort
	FieldName
	FieldOOM
)

func (f Field) String() string {
	switch f {
	case FieldStatus:
		return "status"
	case FieldPort:
		return "port"
	case FieldName:
		return "name"
	case FieldOOM:
		return "oom"
	default:
		return fmt.Sprintf("field(%d)", int(f))
	}
}

// Container states as reported by the engine.
const (
	StatusCreated    = "created"
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusRestarting = "restarting"
	StatusRemoving   = "removing"
	StatusExited     = "exited"
	StatusDead       = "dead"
)

// IsTerminal reports whether a container in this state will never serve
// requests again.
func IsTerminal(status string) bool {
	return status == StatusExited || status == StatusDead
}

// Summary is one row of List.
type Summary struct {
	ID     string
	Name   string
	State  string
	Labels map[string]string
}

// Engine drives the external container engine. All calls are synchronous.
type Engine interface {
	// Create builds a container and returns its id.
	Create(ctx context.Context, spec CreateSpec) (string, error)
	// Start starts a created container.
	Start(ctx context.Context, id string) error
	// Inspect reads one field of a container's state.
	Inspect(ctx context.Context, id string, field Field) (string, error)
	// Delete force-removes containers. Containers already gone are not errors.
	Delete(ctx context.Context, ids ...string) error
	// List returns containers, including stopped ones, carrying every label in labels.
	List(ctx context.Context, labels map[string]string) ([]Summary, error)
	// Close releases the engine connection.
	Close() error
}

// Error is a failed engine call.
type Error struct {
	Op         string
	ID         string
	StatusCode int
	Message    string
	err        error
}

func (e *Error) Error() string {
	target := ""
	if e.ID != "" {
		target = " " + e.ID
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("engine %s%s failed (%d %s): %s", e.Op, target, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
	}
	return fmt.Sprintf("engine %s%s failed: %s", e.Op, target, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// NewError builds an *Error. Fakes use it to mimic engine failures.
func NewError(op, id string, status int, message string) *Error {
	return &Error{Op: op, ID: id, StatusCode: status, Message: message}
}

// IsNotFound reports whether err means the container does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Message extracts the engine's raw message from err.
func Message(err error) string {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
