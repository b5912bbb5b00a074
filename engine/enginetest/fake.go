// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/isdmx/plcoordinator/engine"
)

// Call is one recorded engine invocation.
type Call struct {
	Op  string
	IDs []string
}

// Container is the fake's view of one container.
type Container struct {
	ID       string
	Spec     engine.CreateSpec
	Status   string
	HostPort string
	Labels   map[string]string
}

// Engine is a scriptable fake. The zero value is not usable; call New.
type Engine struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*Container
	calls      []Call
	createErrs []error
	startErrs  []error
	deleteErrs map[string]error
	inspectErr map[string]error
	hostPort   string
	closed     bool
}

var _ engine.Engine = (*Engine)(nil)

// New returns an empty fake engine.
func New() *Engine {
	return &Engine{
		containers: make(map[string]*Container),
		deleteErrs: make(map[string]error),
		inspectErr: make(map[string]error),
		hostPort:   "32768",
	}
}

// FailCreate makes the next create calls return errs in order. A nil entry
// lets that call succeed.
func (e *Engine) FailCreate(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.createErrs = append(e.createErrs, errs...)
}

// FailStart makes the next start calls return errs in order.
func (e *Engine) FailStart(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErrs = append(e.startErrs, errs...)
}

// FailDelete makes deleting id fail with err until cleared with a nil err.
func (e *Engine) FailDelete(id string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.deleteErrs, id)
		return
	}
	e.deleteErrs[id] = err
}

// FailInspect makes inspecting id fail with err.
func (e *Engine) FailInspect(id string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inspectErr[id] = err
}

// SetStatus changes a container's state.
func (e *Engine) SetStatus(id, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[id]; ok {
		c.Status = status
	}
}

// Add inserts a container as if some earlier process had created it.
func (e *Engine) Add(id, status string, labels map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.containers[id] = &Container{ID: id, Status: status, Labels: labels, HostPort: e.hostPort}
}

// Create records spec and assigns ids c1, c2, ...
func (e *Engine) Create(_ context.Context, spec engine.CreateSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, Call{Op: "create", IDs: []string{spec.Name}})
	if err := pop(&e.createErrs); err != nil {
		return "", err
	}
	e.seq++
	id := fmt.Sprintf("c%d", e.seq)
	e.containers[id] = &Container{
		ID:       id,
		Spec:     spec,
		Status:   engine.StatusCreated,
		HostPort: e.hostPort,
		Labels:   spec.Labels,
	}
	return id, nil
}

// Start moves a created container to running.
func (e *Engine) Start(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, Call{Op: "start", IDs: []string{id}})
	c, ok := e.containers[id]
	if !ok {
		return engine.NewError("start", id, http.StatusNotFound, "No such container: "+id)
	}
	if err := pop(&e.startErrs); err != nil {
		c.Status = engine.StatusExited
		return err
	}
	c.Status = engine.StatusRunning
	return nil
}

// Inspect reads a field of a fake container.
func (e *Engine) Inspect(_ context.Context, id string, field engine.Field) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, Call{Op: "inspect", IDs: []string{id}})
	if err := e.inspectErr[id]; err != nil {
		return "", err
	}
	c, ok := e.containers[id]
	if !ok {
		return "", engine.NewError("inspect", id, http.StatusNotFound, "No such container: "+id)
	}
	switch field {
	case engine.FieldStatus:
		return c.Status, nil
	case engine.FieldPort:
		return c.HostPort, nil
	case engine.FieldName:
		return c.Spec.Name, nil
	case engine.FieldOOM:
		return "false", nil
	default:
		return "", fmt.Errorf("unsupported inspect field: %s", field)
	}
}

// Delete removes containers. Unknown ids are ignored like the real engine.
func (e *Engine) Delete(_ context.Context, ids ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, Call{Op: "delete", IDs: append([]string(nil), ids...)})
	var failed []error
	for _, id := range ids {
		if err := e.deleteErrs[id]; err != nil {
			failed = append(failed, err)
			continue
		}
		delete(e.containers, id)
	}
	if len(failed) > 0 {
		return failed[0]
	}
	return nil
}

// List returns containers carrying every label in labels, sorted by id.
func (e *Engine) List(_ context.Context, labels map[string]string) ([]engine.Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, Call{Op: "list"})
	var out []engine.Summary
	for _, c := range e.containers {
		if matches(c.Labels, labels) {
			out = append(out, engine.Summary{ID: c.ID, Name: c.Spec.Name, State: c.Status, Labels: c.Labels})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close marks the fake closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Calls returns recorded calls for op, or every call when op is empty.
func (e *Engine) Calls(op string) []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Call
	for _, c := range e.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many op calls were made.
func (e *Engine) Count(op string) int {
	return len(e.Calls(op))
}

// Live returns the ids of containers that still exist, sorted.
func (e *Engine) Live() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.containers))
	for id := range e.containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Container returns a copy of the container with id.
func (e *Engine) Container(id string) (Container, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
