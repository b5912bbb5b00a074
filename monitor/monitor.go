package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/plcoordinator/backoff"
	"github.com/isdmx/plcoordinator/engine"
	"github.com/isdmx/plcoordinator/metrics"
	"github.com/isdmx/plcoordinator/queue"
	"github.com/isdmx/plcoordinator/registry"
	"github.com/isdmx/plcoordinator/sandbox"
	"github.com/isdmx/plcoordinator/shm"
)

// Config holds the monitor's timers.
type Config struct {
	Interval   time.Duration
	SweepEvery int
}

// DefaultConfig wakes every 2s and sweeps on every 5th wake-up.
func DefaultConfig() Config {
	return Config{Interval: 2 * time.Second, SweepEvery: 5}
}

// Monitor is the auxiliary loop.
type Monitor struct {
	logger   *zap.Logger
	config   Config
	segment  *shm.Segment
	engine   engine.Engine
	launcher sandbox.Launcher
	prober   sandbox.Prober
	ipcDirs  *sandbox.IPCDirs
	sleeper  backoff.Sleeper
	metrics  *metrics.Metrics

	mu         sync.Mutex
	reg        *registry.Registry
	iteration  int
	reconciled bool
}

// Option defines a functional option for Monitor
type Option func(*Monitor)

// WithConfig replaces the default timers.
func WithConfig(cfg Config) Option {
	return func(m *Monitor) {
		m.config = cfg
	}
}

// WithProber sets the process liveness prober
func WithProber(p sandbox.Prober) Option {
	return func(m *Monitor) {
		m.prober = p
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = mt
	}
}

// WithIPCDirs sets the IPC directory manager
func WithIPCDirs(d *sandbox.IPCDirs) Option {
	return func(m *Monitor) {
		m.ipcDirs = d
	}
}

// WithSleeper sets the Sleeper used between reconciliation attempts
func WithSleeper(s backoff.Sleeper) Option {
	return func(m *Monitor) {
		m.sleeper = s
	}
}

// New creates a monitor for backend.
func New(logger *zap.Logger, segment *shm.Segment, backend *sandbox.Backend, opts ...Option) *Monitor {
	m := &Monitor{
		logger:  logger,
		config:  DefaultConfig(),
		segment: segment,
		engine:  backend.Engine,
		prober:  sandbox.NewProcessProber(),
		sleeper: backoff.TimerSleeper{},
	}
	if backend.Launcher != nil {
		m.launcher = backend.Launcher
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.NewUnregistered()
	}
	if m.ipcDirs == nil {
		m.ipcDirs = sandbox.NewIPCDirs(logger, "/tmp/plcontainer")
	}
	if m.config.SweepEvery <= 0 {
		m.config.SweepEvery = 1
	}
	m.reg = registry.New(logger.Named("registry"), m.reclaimStale)
	return m
}

// Run attaches to the queue and loops until ctx is done. The registry
// survives a restart of Run.
func (m *Monitor) Run(ctx context.Context) error {
	q, err := m.segment.Attach()
	if err != nil {
		return err
	}

	m.mu.Lock()
	needReconcile := !m.reconciled && m.engine != nil
	m.mu.Unlock()
	if needReconcile {
		if err := m.Reconcile(ctx); err != nil {
			m.logger.Warn("startup reconciliation failed", zap.Error(err))
		}
	}

	interval := m.config.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("monitor running", zap.Duration("interval", interval), zap.Int("sweep_every", m.config.SweepEvery))
	for {
		select {
		case <-ctx.Done():
			// Apply what main already handed over so DESTROYs are not lost.
			drainCtx, cancel := context.WithTimeout(context.Background(), interval)
			m.Drain(drainCtx, q)
			cancel()
			return nil
		case <-ticker.C:
			m.Tick(ctx, q)
		}
	}
}

// Tick drains the queue and sweeps on every SweepEvery-th call.
func (m *Monitor) Tick(ctx context.Context, q *queue.Queue) {
	m.Drain(ctx, q)

	m.mu.Lock()
	m.iteration++
	sweep := m.iteration%m.config.SweepEvery == 0
	m.mu.Unlock()

	if sweep {
		m.Sweep(ctx)
	}
	m.metrics.QueueDepth.Set(float64(q.Len()))
}

// Drain applies every queued notification and returns how many it applied.
func (m *Monitor) Drain(ctx context.Context, q *queue.Queue) int {
	applied := 0
	for {
		n, res, err := q.Receive(0)
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) {
				m.logger.Warn("failed to receive notification", zap.Error(err))
			}
			return applied
		}
		if res == queue.WouldBlock {
			return applied
		}
		m.apply(ctx, n)
		applied++
	}
}

func (m *Monitor) apply(ctx context.Context, n queue.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := m.logger.With(zap.Stringer("key", n.Key), zap.Stringer("type", n.Type))
	switch n.Type {
	case queue.RequestCreate:
		entry := registry.Entry{
			EngineID:  n.EngineID,
			LocalPID:  n.LocalPID,
			Status:    engine.StatusRunning,
			RuntimeID: n.RuntimeID,
			Address:   n.Address,
			CreatedAt: time.Now(),
		}
		if err := m.reg.Put(ctx, n.Key, entry); err != nil {
			logger.Warn("stale sandbox was not reclaimed", zap.Error(err))
		}
	case queue.RequestDestroy:
		if _, ok := m.reg.Remove(n.Key); !ok {
			logger.Debug("destroy for sandbox not in registry")
		}
		if n.EngineID != "" && m.engine != nil {
			if err := m.engine.Delete(ctx, n.EngineID); err != nil {
				m.metrics.DeleteFailures.Inc()
				logger.Error("failed to delete container", zap.String("engine_id", n.EngineID), zap.Error(err))
			} else {
				m.metrics.Reclaims.WithLabelValues(metrics.ReasonDestroy).Inc()
			}
			m.removeIPCDir(n.Key)
		}
	default:
		logger.Warn("ignoring unknown notification")
	}
	m.metrics.RegistryEntries.WithLabelValues("monitor").Set(float64(m.reg.Len()))
}

func (m *Monitor) reclaimStale(ctx context.Context, stale registry.Entry) error {
	m.metrics.Reclaims.WithLabelValues(metrics.ReasonSuperseded).Inc()
	if stale.Standalone() {
		if m.launcher == nil {
			return nil
		}
		return m.launcher.Kill(stale.LocalPID)
	}
	if m.engine == nil {
		return nil
	}
	return m.engine.Delete(ctx, stale.EngineID)
}

func (m *Monitor) removeIPCDir(key registry.Key) {
	if err := m.ipcDirs.Remove(key); err != nil {
		m.logger.Warn("failed to remove IPC directory", zap.Stringer("key", key), zap.Error(err))
	}
}

// Reconcile adopts containers labelled as sandboxes that the registry does
// not know about yet.
func (m *Monitor) Reconcile(ctx context.Context) error {
	var summaries []engine.Summary
	err := backoff.Retry(ctx, m.sleeper, backoff.Policy{Attempts: 3, Delay: time.Second}, func(attempt int) error {
		var listErr error
		summaries, listErr = m.engine.List(ctx, engine.ManagedFilter())
		if listErr != nil {
			m.logger.Debug("listing sandboxes failed", zap.Int("attempt", attempt), zap.Error(listErr))
		}
		return listErr
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	adopted := 0
	for _, s := range summaries {
		key, err := engine.KeyFromLabels(s.Labels)
		if err != nil {
			m.logger.Warn("ignoring sandbox with unreadable labels", zap.String("engine_id", s.ID), zap.Error(err))
			continue
		}
		if _, ok := m.reg.Get(key); ok {
			continue
		}
		_ = m.reg.Put(ctx, key, registry.Entry{
			EngineID:  s.ID,
			Status:    s.State,
			RuntimeID: s.Labels[engine.LabelRuntime],
			CreatedAt: time.Now(),
		})
		adopted++
	}
	m.reconciled = true
	m.logger.Info("reconciled existing sandboxes", zap.Int("found", len(summaries)), zap.Int("adopted", adopted))
	m.metrics.RegistryEntries.WithLabelValues("monitor").Set(float64(m.reg.Len()))
	return nil
}

// Len returns the number of tracked sandboxes.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.Len()
}

// Keys returns the tracked keys in order.
func (m *Monitor) Keys() []registry.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.Keys()
}

// Entry returns the monitor's view of key.
func (m *Monitor) Entry(key registry.Key) (registry.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.Get(key)
}
