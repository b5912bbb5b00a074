package shm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/isdmx/plcoordinator/gate"
	"github.com/isdmx/plcoordinator/queue"
)

var (
	// ErrAlreadyRunning is returned by Init when another coordinator holds the lock.
	ErrAlreadyRunning = errors.New("another coordinator is already running")
	// ErrNotInitialized is returned by Attach before Init.
	ErrNotInitialized = errors.New("shared segment is not initialized")
)

// State is the coordinator lifecycle state.
type State int

// Lifecycle states.
const (
	StateUninitialized State = iota
	StateReady
	StateExiting
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateExiting:
		return "exiting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "uninitialized":
		*s = StateUninitialized
	case "ready":
		*s = StateReady
	case "exiting":
		*s = StateExiting
	default:
		return fmt.Errorf("unknown coordinator state: %q", string(b))
	}
	return nil
}

// CoordinatorState is what executors read to reach the coordinator.
type CoordinatorState struct {
	State      State     `json:"state"`
	Protocol   string    `json:"transport_protocol"`
	Address    string    `json:"bind_address"`
	PID        int       `json:"pid"`
	InstanceID string    `json:"instance_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Options configures a Segment.
type Options struct {
	StateFile     string
	LockFile      string
	MaxCreating   int
	QueueCapacity int
}

// Segment is the explicitly constructed shared context.
type Segment struct {
	logger *zap.Logger
	opts   Options

	mu         sync.RWMutex
	state      CoordinatorState
	gate       *gate.Gate
	queue      *queue.Queue
	lock       *flock.Flock
	instanceID string
}

// New creates an uninitialized segment.
func New(logger *zap.Logger, opts Options) *Segment {
	if opts.MaxCreating <= 0 {
		opts.MaxCreating = gate.DefaultCeiling
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = queue.DefaultCapacity
	}
	id := uuid.NewString()
	return &Segment{
		logger:     logger,
		opts:       opts,
		instanceID: id,
		state: CoordinatorState{
			State:      StateUninitialized,
			PID:        os.Getpid(),
			InstanceID: id,
		},
	}
}

// InstanceID identifies this coordinator run. Containers it creates carry it
// as a label.
func (s *Segment) InstanceID() string {
	return s.instanceID
}

// Init takes the singleton lock and allocates the gate and queue.
func (s *Segment) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gate != nil {
		return fmt.Errorf("shared segment already initialized")
	}

	if s.opts.LockFile != "" {
		if err := os.MkdirAll(filepath.Dir(s.opts.LockFile), 0o755); err != nil {
			return fmt.Errorf("failed to create lock directory: %w", err)
		}
		fl := flock.New(s.opts.LockFile)
		locked, err := fl.TryLock()
		if err != nil {
			return fmt.Errorf("failed to acquire lock %s: %w", s.opts.LockFile, err)
		}
		if !locked {
			return fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, s.opts.LockFile)
		}
		s.lock = fl
	}

	g, err := gate.New(s.opts.MaxCreating)
	if err != nil {
		_ = s.releaseLock()
		return err
	}
	q := queue.New()
	if err := q.Init(s.opts.QueueCapacity); err != nil {
		_ = s.releaseLock()
		return fmt.Errorf("failed to initialize message queue: %w", err)
	}

	s.gate = g
	s.queue = q
	s.logger.Debug("shared segment initialized",
		zap.String("instance_id", s.instanceID),
		zap.Int("max_creating", s.opts.MaxCreating),
		zap.Int("queue_capacity", s.opts.QueueCapacity))
	return nil
}

// Attach hands the monitor its view of the segment and attaches it as the
// queue consumer.
func (s *Segment) Attach() (*queue.Queue, error) {
	s.mu.RLock()
	q := s.queue
	s.mu.RUnlock()

	if q == nil {
		return nil, ErrNotInitialized
	}
	if err := q.Attach(); err != nil {
		return nil, fmt.Errorf("failed to attach message queue: %w", err)
	}
	return q, nil
}

// Gate returns the creation gate, or nil before Init.
func (s *Segment) Gate() *gate.Gate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gate
}

// Queue returns the notification queue, or nil before Init.
func (s *Segment) Queue() *queue.Queue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue
}

// SetReady records the listener and publishes the READY state.
func (s *Segment) SetReady(protocol, address string) error {
	s.mu.Lock()
	s.state.State = StateReady
	s.state.Protocol = protocol
	s.state.Address = address
	s.state.UpdatedAt = time.Now().UTC()
	snapshot := s.state
	s.mu.Unlock()

	return s.publish(snapshot)
}

// SetExiting publishes the EXITING state.
func (s *Segment) SetExiting() error {
	s.mu.Lock()
	if s.state.State == StateExiting {
		s.mu.Unlock()
		return nil
	}
	s.state.State = StateExiting
	s.state.UpdatedAt = time.Now().UTC()
	snapshot := s.state
	s.mu.Unlock()

	return s.publish(snapshot)
}

// Snapshot returns a copy of the current state.
func (s *Segment) Snapshot() CoordinatorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Segment) publish(st CoordinatorState) error {
	if s.opts.StateFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode coordinator state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.opts.StateFile), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := atomic.WriteFile(s.opts.StateFile, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to publish coordinator state: %w", err)
	}
	s.logger.Debug("coordinator state published",
		zap.Stringer("state", st.State),
		zap.String("path", s.opts.StateFile))
	return nil
}

// Teardown closes the queue, removes the state file and releases the lock.
func (s *Segment) Teardown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue != nil {
		s.queue.Close()
	}

	var errs []error
	if s.opts.StateFile != "" {
		if err := os.Remove(s.opts.StateFile); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("failed to remove state file: %w", err))
		}
	}
	if err := s.releaseLock(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Segment) releaseLock() error {
	if s.lock == nil {
		return nil
	}
	err := s.lock.Unlock()
	s.lock = nil
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// ReadState loads a published CoordinatorState from path.
func ReadState(path string) (CoordinatorState, error) {
	var st CoordinatorState
	data, err := os.ReadFile(path)
	if err != nil {
		return st, fmt.Errorf("failed to read coordinator state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("failed to decode coordinator state %s: %w", path, err)
	}
	return st, nil
}
