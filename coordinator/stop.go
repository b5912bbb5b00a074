package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/isdmx/plcoordinator/api"
	"github.com/isdmx/plcoordinator/engine"
	"github.com/isdmx/plcoordinator/queue"
	"github.com/isdmx/plcoordinator/registry"
)

// StopContainer implements api.Service.
func (c *Coordinator) StopContainer(ctx context.Context, req *api.StopContainerRequest) *api.StopContainerResponse {
	resp := c.handleStop(ctx, req)
	c.metrics.Requests.WithLabelValues("stop", resp.Status.String()).Inc()
	return resp
}

// handleStop removes the sandbox for the request's key. Local processes are
// killed before returning; containers are torn down by the monitor.
func (c *Coordinator) handleStop(ctx context.Context, req *api.StopContainerRequest) *api.StopContainerResponse {
	key := registry.Key{OwnerPID: req.OwnerPID, ConnectionID: req.ConnectionID, CommandCount: req.CommandCount}
	logger := c.logger.With(zap.Stringer("key", key))

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.reg.Remove(key)
	if !ok {
		logger.Debug("stop for unknown sandbox, nothing to do")
		return &api.StopContainerResponse{Status: api.StatusOK}
	}

	if entry.Standalone() {
		if err := c.launcher.Kill(entry.LocalPID); err != nil {
			logger.Error("failed to kill local sandbox", zap.Int("pid", entry.LocalPID), zap.Error(err))
			return &api.StopContainerResponse{Status: api.StatusError, LogMessage: err.Error()}
		}
	}

	n := queue.Notification{
		Key:       key,
		Type:      queue.RequestDestroy,
		EngineID:  entry.EngineID,
		LocalPID:  entry.LocalPID,
		RuntimeID: entry.RuntimeID,
	}
	if _, err := c.segment.Queue().Send(ctx, n); err != nil {
		logger.Warn("cannot hand teardown to monitor, deleting inline", zap.Error(err))
		if entry.Standalone() {
			return &api.StopContainerResponse{Status: api.StatusOK}
		}
		return c.deleteInline(logger, key, entry)
	}

	logger.Debug("sandbox stop queued", zap.String("engine_id", entry.EngineID), zap.Int("pid", entry.LocalPID))
	return &api.StopContainerResponse{Status: api.StatusOK}
}

func (c *Coordinator) deleteInline(logger *zap.Logger, key registry.Key, entry registry.Entry) *api.StopContainerResponse {
	ctx, cancel := context.WithTimeout(context.Background(), c.cleanupTimeout())
	defer cancel()

	if err := c.engine.Delete(ctx, entry.EngineID); err != nil {
		c.metrics.DeleteFailures.Inc()
		logger.Error("failed to delete container", zap.String("engine_id", entry.EngineID), zap.Error(err))
		return &api.StopContainerResponse{Status: api.StatusError, LogMessage: engine.Message(err)}
	}
	if err := c.ipcDirs.Remove(key); err != nil {
		logger.Warn("failed to remove IPC directory", zap.Error(err))
	}
	return &api.StopContainerResponse{Status: api.StatusOK}
}
