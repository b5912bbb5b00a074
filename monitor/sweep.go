package monitor

import (
	"context"

	"go.uber.org/zap"

	"github.com/isdmx/plcoordinator/engine"
	"github.com/isdmx/plcoordinator/metrics"
	"github.com/isdmx/plcoordinator/registry"
)

type verdict struct {
	entry  registry.Entry
	reason string
}

// Sweep reclaims sandboxes whose owner has exited or whose container has
// stopped. Sandboxes of live owners that are still running are kept.
func (m *Monitor) Sweep(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var doomed, vanished []verdict
	statuses := make(map[registry.Key]string)
	m.reg.ForEach(func(e registry.Entry) bool {
		alive, err := m.prober.Alive(e.Key.OwnerPID)
		if err != nil {
			m.logger.Debug("liveness probe failed, keeping sandbox", zap.Stringer("key", e.Key), zap.Error(err))
			return true
		}
		if e.Standalone() {
			switch {
			case !alive:
				doomed = append(doomed, verdict{e, metrics.ReasonOwnerGone})
			case m.launcher != nil && !m.launcher.Owns(e.LocalPID):
				vanished = append(vanished, verdict{e, metrics.ReasonVanished})
			}
			return true
		}
		if m.engine == nil {
			return true
		}

		status, err := m.engine.Inspect(ctx, e.EngineID, engine.FieldStatus)
		switch {
		case engine.IsNotFound(err):
			vanished = append(vanished, verdict{e, metrics.ReasonVanished})
		case err != nil:
			m.logger.Warn("failed to inspect sandbox", zap.Stringer("key", e.Key), zap.String("engine_id", e.EngineID), zap.Error(err))
			if !alive {
				doomed = append(doomed, verdict{e, metrics.ReasonOwnerGone})
			}
		case engine.IsTerminal(status):
			doomed = append(doomed, verdict{e, metrics.ReasonTerminal})
		case !alive:
			doomed = append(doomed, verdict{e, metrics.ReasonOwnerGone})
		default:
			statuses[e.Key] = status
		}
		return true
	})

	for key, status := range statuses {
		m.reg.SetStatus(key, status)
	}

	for _, v := range vanished {
		m.reg.Remove(v.entry.Key)
		if !v.entry.Standalone() {
			m.removeIPCDir(v.entry.Key)
		}
		m.metrics.Reclaims.WithLabelValues(v.reason).Inc()
		m.logger.Info("sandbox disappeared, forgetting it", zap.Stringer("key", v.entry.Key))
	}

	var ids []string
	var containers []verdict
	for _, v := range doomed {
		if v.entry.Standalone() {
			if err := m.launcher.Kill(v.entry.LocalPID); err != nil {
				m.logger.Error("failed to kill local sandbox", zap.Int("pid", v.entry.LocalPID), zap.Error(err))
				continue
			}
			m.reg.Remove(v.entry.Key)
			m.metrics.Reclaims.WithLabelValues(v.reason).Inc()
			continue
		}
		ids = append(ids, v.entry.EngineID)
		containers = append(containers, v)
	}

	if len(ids) > 0 {
		if err := m.engine.Delete(ctx, ids...); err != nil {
			// Entries stay so the next sweep retries; deleting twice is harmless.
			m.metrics.DeleteFailures.Inc()
			m.logger.Error("failed to delete orphaned sandboxes", zap.Strings("engine_ids", ids), zap.Error(err))
		} else {
			for _, v := range containers {
				m.reg.Remove(v.entry.Key)
				m.removeIPCDir(v.entry.Key)
				m.metrics.Reclaims.WithLabelValues(v.reason).Inc()
				m.logger.Info("reclaimed sandbox",
					zap.Stringer("key", v.entry.Key),
					zap.String("engine_id", v.entry.EngineID),
					zap.String("reason", v.reason))
			}
		}
	}

	m.metrics.RegistryEntries.WithLabelValues("monitor").Set(float64(m.reg.Len()))
}
