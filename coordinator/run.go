package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/isdmx/plcoordinator/registry"
)

// Run drives the main loop until ctx is cancelled. Errors returned from Run
// are fatal: the segment or the listener could not be set up, or the
// transport stopped serving.
func (c *Coordinator) Run(ctx context.Context, transport Transport, monitor Worker) error {
	if err := c.segment.Init(); err != nil {
		return fmt.Errorf("failed to initialize shared segment: %w", err)
	}

	lis, err := listenUnix(c.config.SocketPath)
	if err != nil {
		_ = c.segment.Teardown()
		return err
	}

	if err := c.ReloadProfiles(); err != nil {
		c.logger.Warn("runtime profiles not loaded, starts will fail until reloaded", zap.Error(err))
	}

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	if monitor != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			Supervise(monitorCtx, c.logger, "monitor", monitor.Run)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- transport.Serve(lis)
	}()

	if err := c.segment.SetReady(transport.Protocol(), c.config.SocketPath); err != nil {
		c.logger.Error("failed to publish coordinator state", zap.Error(err))
	}
	c.logger.Info("coordinator ready",
		zap.String("protocol", transport.Protocol()),
		zap.String("address", c.config.SocketPath),
		zap.String("instance_id", c.segment.InstanceID()))

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, unix.SIGHUP)
	defer signal.Stop(hup)

	interval := c.config.AcceptTimeout
	if interval <= 0 {
		interval = DefaultConfig().AcceptTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-serveErr:
			if err != nil {
				runErr = fmt.Errorf("transport stopped: %w", err)
			}
			serveErr = nil
			break loop
		case <-hup:
			if err := c.ReloadProfiles(); err != nil {
				c.logger.Warn("failed to reload runtime profiles", zap.Error(err))
			}
		case <-ticker.C:
			c.housekeeping()
		}
	}

	c.logger.Info("coordinator exiting")
	if err := c.segment.SetExiting(); err != nil {
		c.logger.Warn("failed to publish coordinator state", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cleanupTimeout())
	defer cancel()
	if err := transport.Shutdown(shutdownCtx); err != nil {
		c.logger.Warn("transport shutdown", zap.Error(err))
	}
	if serveErr != nil {
		<-serveErr
	}

	stopMonitor()
	workers.Wait()

	if err := os.Remove(c.config.SocketPath); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove socket", zap.String("path", c.config.SocketPath), zap.Error(err))
	}
	if err := c.segment.Teardown(); err != nil {
		c.logger.Warn("failed to tear down shared segment", zap.Error(err))
	}
	return runErr
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	// The singleton lock is held, so a leftover socket belongs to a dead coordinator.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	return lis, nil
}

// housekeeping forgets sandboxes whose owner died. The monitor reclaims them
// on its own sweep, so no engine call is made here.
func (c *Coordinator) housekeeping() {
	c.mu.Lock()
	var gone []registry.Key
	c.reg.ForEach(func(e registry.Entry) bool {
		alive, err := c.prober.Alive(e.Key.OwnerPID)
		if err != nil {
			c.logger.Debug("liveness probe failed", zap.Stringer("key", e.Key), zap.Error(err))
			return true
		}
		if !alive {
			gone = append(gone, e.Key)
		}
		return true
	})
	for _, key := range gone {
		c.reg.Remove(key)
		c.logger.Debug("forgetting sandbox of exited executor", zap.Stringer("key", key))
	}
	size := c.reg.Len()
	c.mu.Unlock()

	c.metrics.RegistryEntries.WithLabelValues("main").Set(float64(size))
	c.metrics.QueueDepth.Set(float64(c.segment.Queue().Len()))
	c.metrics.GateInFlight.Set(float64(c.segment.Gate().InFlight()))
}

// Supervise runs fn until ctx is done, restarting it after a panic or an
// error. A nil return ends supervision.
func Supervise(ctx context.Context, logger *zap.Logger, name string, fn func(context.Context) error) {
	const restartDelay = time.Second
	for {
		err := runRecovered(ctx, fn)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}
		logger.Error("worker stopped, restarting", zap.String("worker", name), zap.Error(err))

		timer := time.NewTimer(restartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

var errPanic = errors.New("worker panicked")

func runRecovered(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", errPanic, r, debug.Stack())
		}
	}()
	return fn(ctx)
}
