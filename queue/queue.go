package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/isdmx/plcoordinator/registry"
)

// DefaultCapacity is the number of in-flight notifications the queue holds.
const DefaultCapacity = 10000

var (
	// ErrNotInitialized is returned when the buffer has not been set up by the producer.
	ErrNotInitialized = errors.New("message queue is not initialized")
	// ErrNotAttached is returned by Receive before the consumer attached.
	ErrNotAttached = errors.New("message queue consumer is not attached")
	// ErrClosed is returned once the queue has been torn down.
	ErrClosed = errors.New("message queue is closed")
)

// RequestType is the kind of notification.
type RequestType int

// Notification kinds.
const (
	RequestCreate  RequestType = 1
	RequestDestroy RequestType = 2
)

func (t RequestType) String() string {
	switch t {
	case RequestCreate:
		return "create"
	case RequestDestroy:
		return "destroy"
	default:
		return fmt.Sprintf("request(%d)", int(t))
	}
}

// Notification is one pending change to the monitor's registry.
type Notification struct {
	Key       registry.Key
	Type      RequestType
	EngineID  string
	LocalPID  int
	RuntimeID string
	Address   string
}

// Result is the non-error outcome of Send and Receive.
type Result int

// Results.
const (
	Success Result = iota
	WouldBlock
)

func (r Result) String() string {
	if r == WouldBlock {
		return "would_block"
	}
	return "success"
}

// State is the value of the status cell.
type State int

// Status cell values.
const (
	StateUninitialized State = iota
	StateInitialized
	StateAttached
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateAttached:
		return "attached"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Queue is a bounded single-producer single-consumer FIFO.
type Queue struct {
	mu    sync.Mutex
	state State
	buf   chan Notification
	done  chan struct{}
}

// New returns a queue in the uninitialized state.
func New() *Queue {
	return &Queue{state: StateUninitialized}
}

// Init allocates the buffer. It is called once by the producer.
func (q *Queue) Init(capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got: %d", capacity)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateInitialized || q.state == StateAttached {
		return fmt.Errorf("message queue already initialized (state %s)", q.state)
	}
	q.buf = make(chan Notification, capacity)
	q.done = make(chan struct{})
	q.state = StateInitialized
	return nil
}

// Attach registers the consumer. Re-attaching after a consumer restart is allowed.
func (q *Queue) Attach() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch q.state {
	case StateInitialized, StateAttached:
		q.state = StateAttached
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotInitialized
	}
}

// State returns the current status cell value.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *Queue) channels() (chan Notification, chan struct{}, State) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf, q.done, q.state
}

// Send enqueues n, waiting for free space until ctx is done.
func (q *Queue) Send(ctx context.Context, n Notification) (Result, error) {
	buf, done, state := q.channels()
	switch state {
	case StateUninitialized:
		return Success, ErrNotInitialized
	case StateClosed:
		return Success, ErrClosed
	}

	select {
	case buf <- n:
		return Success, nil
	default:
	}

	select {
	case buf <- n:
		return Success, nil
	case <-done:
		return Success, ErrClosed
	case <-ctx.Done():
		return WouldBlock, ctx.Err()
	}
}

// Receive dequeues the oldest notification. With a zero timeout it returns
// immediately; WouldBlock means the queue stayed empty.
func (q *Queue) Receive(timeout time.Duration) (Notification, Result, error) {
	buf, done, state := q.channels()
	switch state {
	case StateUninitialized:
		return Notification{}, WouldBlock, ErrNotInitialized
	case StateInitialized:
		return Notification{}, WouldBlock, ErrNotAttached
	}

	select {
	case n := <-buf:
		return n, Success, nil
	default:
	}
	if state == StateClosed {
		return Notification{}, WouldBlock, ErrClosed
	}
	if timeout <= 0 {
		return Notification{}, WouldBlock, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case n := <-buf:
		return n, Success, nil
	case <-done:
		return Notification{}, WouldBlock, ErrClosed
	case <-timer.C:
		return Notification{}, WouldBlock, nil
	}
}

// Len returns the number of queued notifications.
func (q *Queue) Len() int {
	buf, _, _ := q.channels()
	return len(buf)
}

// Capacity returns the buffer size, or zero before Init.
func (q *Queue) Capacity() int {
	buf, _, _ := q.channels()
	return cap(buf)
}

// Close tears the queue down. Blocked senders return ErrClosed; queued
// notifications can still be drained by the consumer.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateClosed || q.state == StateUninitialized {
		q.state = StateClosed
		return
	}
	q.state = StateClosed
	close(q.done)
}
