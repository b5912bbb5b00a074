package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/plcoordinator/api"
	"github.com/isdmx/plcoordinator/engine"
	"github.com/isdmx/plcoordinator/metrics"
	"github.com/isdmx/plcoordinator/queue"
	"github.com/isdmx/plcoordinator/registry"
	"github.com/isdmx/plcoordinator/runtimeconf"
	"github.com/isdmx/plcoordinator/sandbox"
)

// StartContainer implements api.Service.
func (c *Coordinator) StartContainer(ctx context.Context, req *api.StartContainerRequest) *api.StartContainerResponse {
	resp := c.handleStart(ctx, req)
	c.metrics.Requests.WithLabelValues("start", resp.Status.String()).Inc()
	return resp
}

func (c *Coordinator) handleStart(ctx context.Context, req *api.StartContainerRequest) *api.StartContainerResponse {
	if err := req.Validate(); err != nil {
		return &api.StartContainerResponse{Status: api.StatusError, LogMessage: err.Error()}
	}
	key := registry.Key{OwnerPID: req.OwnerPID, ConnectionID: req.ConnectionID, CommandCount: req.CommandCount}
	logger := c.logger.With(zap.Stringer("key", key), zap.String("runtime_id", req.RuntimeID))

	profile, err := c.profiles.Lookup(req.RuntimeID)
	if err != nil {
		logger.Warn("start rejected", zap.Error(err))
		return &api.StartContainerResponse{Status: api.StatusConfigError, LogMessage: err.Error()}
	}
	if err := profile.Authorize(req.RequesterIdentity); err != nil {
		logger.Warn("start rejected", zap.String("requester", req.RequesterIdentity), zap.Error(err))
		return &api.StartContainerResponse{Status: api.StatusConfigError, LogMessage: err.Error()}
	}

	if c.standalone() {
		return c.startLocal(ctx, logger, key, profile)
	}
	return c.startContainer(ctx, logger, key, profile, req)
}

// startLocal launches a standalone sandbox. It bypasses the gate and engine.
func (c *Coordinator) startLocal(ctx context.Context, logger *zap.Logger, key registry.Key, profile runtimeconf.Profile) *api.StartContainerResponse {
	begin := time.Now()
	proc, err := c.launcher.Launch(ctx, sandbox.LaunchRequest{Key: key, Profile: profile})
	if err != nil {
		logger.Error("failed to launch local sandbox", zap.Error(err))
		c.metrics.ObserveStart(false, time.Since(begin))
		return &api.StartContainerResponse{Status: api.StatusError, LogMessage: err.Error()}
	}

	entry := registry.Entry{
		LocalPID:  proc.PID,
		Status:    engine.StatusRunning,
		RuntimeID: profile.ID,
		Address:   proc.Address,
		CreatedAt: time.Now(),
	}
	n := queue.Notification{Key: key, Type: queue.RequestCreate, LocalPID: proc.PID, RuntimeID: profile.ID, Address: proc.Address}
	if err := c.record(ctx, key, entry, n); err != nil {
		logger.Error("failed to register local sandbox", zap.Int("pid", proc.PID), zap.Error(err))
		_ = c.launcher.Kill(proc.PID)
		c.metrics.ObserveStart(false, time.Since(begin))
		return &api.StartContainerResponse{Status: api.StatusError, LogMessage: err.Error()}
	}

	elapsed := time.Since(begin)
	c.metrics.ObserveStart(true, elapsed)
	return &api.StartContainerResponse{
		Status:         api.StatusOK,
		SandboxAddress: proc.Address,
		Timings:        api.Timings{Start: elapsed, Total: elapsed, Attempts: 1},
	}
}

// startContainer runs the gated create and start sequence.
func (c *Coordinator) startContainer(ctx context.Context, logger *zap.Logger, key registry.Key, profile runtimeconf.Profile, req *api.StartContainerRequest) *api.StartContainerResponse {
	g := c.segment.Gate()
	if !g.TryAcquire() {
		c.metrics.GateRejections.Inc()
		logger.Info("too many sandboxes being created, asking caller to retry", zap.Int("ceiling", g.Ceiling()))
		return &api.StartContainerResponse{
			Status:     api.StatusTryLater,
			LogMessage: fmt.Sprintf("too many containers are being created (limit %d), retry later", g.Ceiling()),
		}
	}
	c.metrics.GateInFlight.Set(float64(g.InFlight()))
	defer func() {
		g.Release()
		c.metrics.GateInFlight.Set(float64(g.InFlight()))
	}()

	begin := time.Now()
	resp := &api.StartContainerResponse{}

	ipcDir := ""
	if !profile.UseContainerNetwork {
		dir, err := c.ipcDirs.Prepare(key, os.Getuid(), os.Getgid())
		if err != nil {
			logger.Error("failed to prepare IPC directory", zap.Error(err))
			resp.Status = api.StatusError
			resp.LogMessage = err.Error()
			return resp
		}
		ipcDir = dir
	}

	spec := engine.NewCreateSpec("", profile, engine.SandboxRequest{
		Key:        key,
		DatabaseID: req.DatabaseID,
		Owner:      req.RequesterIdentity,
		UID:        os.Getuid(),
		GID:        os.Getgid(),
		IPCDir:     ipcDir,
		InstanceID: c.segment.InstanceID(),
	})

	id, notes, err := c.createAndStart(ctx, logger, key, spec, &resp.Timings)
	if err == nil {
		resp.SandboxAddress, err = c.sandboxAddress(ctx, key, id, profile)
		if err != nil {
			logger.Error("failed to resolve sandbox address", zap.String("engine_id", id), zap.Error(err))
		}
	}
	if err == nil {
		entry := registry.Entry{
			EngineID:  id,
			Status:    engine.StatusRunning,
			RuntimeID: profile.ID,
			Address:   resp.SandboxAddress,
			CreatedAt: time.Now(),
		}
		n := queue.Notification{
			Key:       key,
			Type:      queue.RequestCreate,
			EngineID:  registry.TruncateEngineID(id),
			RuntimeID: profile.ID,
			Address:   resp.SandboxAddress,
		}
		if err = c.record(ctx, key, entry, n); err != nil {
			logger.Error("failed to register sandbox", zap.String("engine_id", id), zap.Error(err))
		}
	}

	resp.Timings.Total = time.Since(begin)
	if err != nil {
		if id != "" {
			notes = append(notes, c.discard(logger, id)...)
		}
		if ipcDir != "" {
			if rmErr := c.ipcDirs.Remove(key); rmErr != nil {
				logger.Warn("failed to remove IPC directory", zap.Error(rmErr))
			}
		}
		c.metrics.ObserveStart(false, resp.Timings.Total)
		resp.Status = api.StatusError
		resp.LogMessage = joinNotes(engine.Message(err), notes)
		return resp
	}

	c.metrics.ObserveStart(true, resp.Timings.Total)
	logger.Info("sandbox started",
		zap.String("engine_id", id),
		zap.String("address", resp.SandboxAddress),
		zap.Int("attempts", resp.Timings.Attempts),
		zap.Duration("elapsed", resp.Timings.Total))
	resp.Status = api.StatusOK
	resp.EngineID = registry.TruncateEngineID(id)
	resp.LogMessage = joinNotes("", notes)
	return resp
}

// createAndStart creates and starts a container, retrying failed starts with
// a fresh container after a delay. A failed first create is returned at
// once. It returns the id of the last container created, which the caller
// owns even on error, and notes about superseded containers that could not
// be deleted.
func (c *Coordinator) createAndStart(ctx context.Context, logger *zap.Logger, key registry.Key, spec engine.CreateSpec, timings *api.Timings) (string, []string, error) {
	retries := c.config.StartRetries
	if retries <= 0 {
		retries = 1
	}

	var (
		id      string
		notes   []string
		lastErr error
	)
	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 {
			if err := c.sleeper.Sleep(ctx, c.config.RetryDelay); err != nil {
				return id, notes, fmt.Errorf("start of %s cancelled after %d attempts: %w", key, attempt-1, err)
			}
			if id != "" {
				notes = append(notes, c.discard(logger, id)...)
				id = ""
			}
		}

		timings.Attempts = attempt
		c.metrics.StartAttempts.Inc()
		spec.Name = c.names(key)

		t0 := time.Now()
		newID, err := c.engine.Create(ctx, spec)
		timings.Create += time.Since(t0)
		if err != nil {
			logger.Error("failed to create container", zap.Int("attempt", attempt), zap.Error(err))
			if attempt == 1 {
				return "", notes, err
			}
			lastErr = err
			continue
		}
		id = newID

		t1 := time.Now()
		err = c.engine.Start(ctx, id)
		timings.Start += time.Since(t1)
		if err == nil {
			return id, notes, nil
		}
		logger.Warn("failed to start container",
			zap.String("engine_id", id),
			zap.Int("attempt", attempt),
			zap.Int("retries", retries),
			zap.Error(err))
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
	}
	return id, notes, lastErr
}

// discard deletes a container the caller will not use. Failures are logged
// and returned as notes for the response.
func (c *Coordinator) discard(logger *zap.Logger, id string) []string {
	// Detached from the request: a cancelled caller must not leak the container.
	ctx, cancel := context.WithTimeout(context.Background(), c.cleanupTimeout())
	defer cancel()

	if err := c.engine.Delete(ctx, id); err != nil {
		c.metrics.DeleteFailures.Inc()
		logger.Error("failed to delete superseded container", zap.String("engine_id", id), zap.Error(err))
		return []string{fmt.Sprintf("failed to delete container %s: %s", id, engine.Message(err))}
	}
	c.metrics.Reclaims.WithLabelValues(metrics.ReasonSuperseded).Inc()
	return nil
}

func (c *Coordinator) sandboxAddress(ctx context.Context, key registry.Key, id string, profile runtimeconf.Profile) (string, error) {
	if !profile.UseContainerNetwork {
		return sandbox.SocketPath(c.ipcDirs.Base(), key), nil
	}
	port, err := c.engine.Inspect(ctx, id, engine.FieldPort)
	if err != nil {
		return "", err
	}
	return "127.0.0.1:" + port, nil
}

func (c *Coordinator) cleanupTimeout() time.Duration {
	if c.config.ShutdownTimeout > 0 {
		return c.config.ShutdownTimeout
	}
	return DefaultConfig().ShutdownTimeout
}
