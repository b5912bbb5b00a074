package coordinator

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/plcoordinator/api"
	"github.com/isdmx/plcoordinator/backoff"
	"github.com/isdmx/plcoordinator/engine"
	"github.com/isdmx/plcoordinator/metrics"
	"github.com/isdmx/plcoordinator/queue"
	"github.com/isdmx/plcoordinator/registry"
	"github.com/isdmx/plcoordinator/runtimeconf"
	"github.com/isdmx/plcoordinator/sandbox"
	"github.com/isdmx/plcoordinator/shm"
)

// Config holds the main loop settings.
type Config struct {
	SocketPath      string
	AcceptTimeout   time.Duration
	StartRetries    int
	RetryDelay      time.Duration
	UDSBaseDir      string
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		SocketPath:      "/tmp/plcoordinator.sock",
		AcceptTimeout:   3 * time.Second,
		StartRetries:    5,
		RetryDelay:      2 * time.Second,
		UDSBaseDir:      "/tmp/plcontainer",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Transport exposes the coordinator to executors.
type Transport interface {
	Protocol() string
	Serve(lis net.Listener) error
	Shutdown(ctx context.Context) error
}

// Worker is a long-running companion task, such as the monitor.
type Worker interface {
	Run(ctx context.Context) error
}

// Coordinator is the main loop.
type Coordinator struct {
	logger   *zap.Logger
	config   Config
	segment  *shm.Segment
	profiles *runtimeconf.Table
	engine   engine.Engine
	launcher sandbox.Launcher
	prober   sandbox.Prober
	ipcDirs  *sandbox.IPCDirs
	sleeper  backoff.Sleeper
	metrics  *metrics.Metrics
	names    func(registry.Key) string

	// mu guards reg and orders registry changes with their notifications.
	mu  sync.Mutex
	reg *registry.Registry
}

var _ api.Service = (*Coordinator)(nil)

// Option defines a functional option for Coordinator
type Option func(*Coordinator)

// WithConfig replaces the default settings.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		c.config = cfg
	}
}

// WithSleeper sets the Sleeper used between start attempts
func WithSleeper(s backoff.Sleeper) Option {
	return func(c *Coordinator) {
		c.sleeper = s
	}
}

// WithProber sets the process liveness prober
func WithProber(p sandbox.Prober) Option {
	return func(c *Coordinator) {
		c.prober = p
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithIPCDirs sets the IPC directory manager
func WithIPCDirs(d *sandbox.IPCDirs) Option {
	return func(c *Coordinator) {
		c.ipcDirs = d
	}
}

// WithNameFunc sets how container names are generated
func WithNameFunc(fn func(registry.Key) string) Option {
	return func(c *Coordinator) {
		c.names = fn
	}
}

// New creates a coordinator driving backend.
func New(logger *zap.Logger, segment *shm.Segment, profiles *runtimeconf.Table, backend *sandbox.Backend, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:   logger,
		config:   DefaultConfig(),
		segment:  segment,
		profiles: profiles,
		engine:   backend.Engine,
		prober:   sandbox.NewProcessProber(),
		sleeper:  backoff.TimerSleeper{},
		names:    containerName,
	}
	if backend.Launcher != nil {
		c.launcher = backend.Launcher
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewUnregistered()
	}
	if c.ipcDirs == nil {
		c.ipcDirs = sandbox.NewIPCDirs(logger, c.config.UDSBaseDir)
	}
	c.reg = registry.New(logger.Named("registry"), c.reclaimStale)
	return c
}

func containerName(key registry.Key) string {
	return fmt.Sprintf("plc-%d-%d-%d-%s", key.OwnerPID, key.ConnectionID, key.CommandCount, uuid.NewString()[:8])
}

func (c *Coordinator) standalone() bool {
	return c.launcher != nil
}

// reclaimStale tears down the sandbox behind an overwritten registry entry.
func (c *Coordinator) reclaimStale(ctx context.Context, stale registry.Entry) error {
	c.metrics.Reclaims.WithLabelValues(metrics.ReasonSuperseded).Inc()
	if stale.Standalone() {
		if c.launcher == nil {
			return nil
		}
		return c.launcher.Kill(stale.LocalPID)
	}
	if c.engine == nil {
		return nil
	}
	if err := c.engine.Delete(ctx, stale.EngineID); err != nil {
		c.metrics.DeleteFailures.Inc()
		return err
	}
	return nil
}

// record stores entry and tells the monitor, in one critical section so the
// monitor sees changes in the order they were made.
func (c *Coordinator) record(ctx context.Context, key registry.Key, entry registry.Entry, n queue.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.reg.Put(ctx, key, entry); err != nil {
		c.logger.Warn("stale sandbox was not reclaimed", zap.Stringer("key", key), zap.Error(err))
	}
	if _, err := c.segment.Queue().Send(ctx, n); err != nil {
		c.reg.Remove(key)
		return fmt.Errorf("failed to notify monitor: %w", err)
	}
	return nil
}

// Entry returns the main loop's view of key.
func (c *Coordinator) Entry(key registry.Key) (registry.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.Get(key)
}

// Len returns the number of sandboxes the main loop tracks.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.Len()
}

// ReloadProfiles re-reads the runtime profile file.
func (c *Coordinator) ReloadProfiles() error {
	if err := c.profiles.Reload(); err != nil {
		return err
	}
	c.logger.Info("runtime profiles loaded",
		zap.String("path", c.profiles.Path()),
		zap.Strings("runtimes", c.profiles.IDs()))
	return nil
}

// State returns the published coordinator state.
func (c *Coordinator) State() shm.CoordinatorState {
	return c.segment.Snapshot()
}

func joinNotes(primary string, notes []string) string {
	if len(notes) == 0 {
		return primary
	}
	if primary == "" {
		return strings.Join(notes, "; ")
	}
	return primary + "; " + strings.Join(notes, "; ")
}
