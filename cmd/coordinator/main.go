package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/plcoordinator/config"
	"github.com/isdmx/plcoordinator/coordinator"
	"github.com/isdmx/plcoordinator/logger"
	"github.com/isdmx/plcoordinator/mcpserver"
	"github.com/isdmx/plcoordinator/metrics"
	"github.com/isdmx/plcoordinator/monitor"
	"github.com/isdmx/plcoordinator/rpc"
	"github.com/isdmx/plcoordinator/runtimeconf"
	"github.com/isdmx/plcoordinator/sandbox"
	"github.com/isdmx/plcoordinator/shm"
)

func main() {
	fx.New(options()...).Run()
}

func options() []fx.Option {
	return []fx.Option{
		fx.Provide(
			config.New,
			logger.NewFromConfig,
			newMetrics,
			newProfiles,
			newBackend,
			newSegment,
			newIPCDirs,
			newCoordinator,
			newMonitor,
			newTransport,
		),
		fx.Invoke(serveMetrics, runCoordinator),
		fx.WithLogger(logger.FxLogger),
	}
}

func newMetrics() *metrics.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return metrics.New(reg)
}

func newProfiles(cfg *config.Config) *runtimeconf.Table {
	return runtimeconf.Open(cfg.Runtime.ConfigFile)
}

func newBackend(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*sandbox.Backend, error) {
	backend, err := sandbox.NewBackend(log, sandbox.Config{
		Backend:          cfg.Coordinator.Backend,
		EnableStandalone: cfg.Coordinator.EnableStandalone,
		EngineHost:       cfg.Engine.Host,
		APIVersion:       cfg.Engine.APIVersion,
		RequestTimeout:   cfg.Engine.RequestTimeout,
		ClientDir:        cfg.Standalone.ClientDir,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(backend.Close))
	return backend, nil
}

func newSegment(cfg *config.Config, log *zap.Logger) *shm.Segment {
	return shm.New(log.Named("shm"), shm.Options{
		StateFile:     cfg.Coordinator.StateFile,
		LockFile:      cfg.Coordinator.LockFile,
		MaxCreating:   cfg.Coordinator.MaxCreating,
		QueueCapacity: cfg.Coordinator.QueueCapacity,
	})
}

func newIPCDirs(cfg *config.Config, log *zap.Logger) *sandbox.IPCDirs {
	return sandbox.NewIPCDirs(log.Named("ipc"), cfg.Coordinator.UDSBaseDir)
}

func newCoordinator(cfg *config.Config, log *zap.Logger, seg *shm.Segment, profiles *runtimeconf.Table,
	backend *sandbox.Backend, m *metrics.Metrics, dirs *sandbox.IPCDirs) *coordinator.Coordinator {
	return coordinator.New(log.Named("coordinator"), seg, profiles, backend,
		coordinator.WithConfig(coordinator.Config{
			SocketPath:      cfg.SocketPath(),
			AcceptTimeout:   cfg.Server.AcceptTimeout,
			StartRetries:    cfg.Coordinator.StartRetries,
			RetryDelay:      cfg.Coordinator.RetryDelay,
			UDSBaseDir:      cfg.Coordinator.UDSBaseDir,
			ShutdownTimeout: cfg.Coordinator.ShutdownTimeout,
		}),
		coordinator.WithMetrics(m),
		coordinator.WithIPCDirs(dirs))
}

func newMonitor(cfg *config.Config, log *zap.Logger, seg *shm.Segment, backend *sandbox.Backend,
	m *metrics.Metrics, dirs *sandbox.IPCDirs) *monitor.Monitor {
	return monitor.New(log.Named("monitor"), seg, backend,
		monitor.WithConfig(monitor.Config{Interval: cfg.Monitor.Interval, SweepEvery: cfg.Monitor.SweepEvery}),
		monitor.WithMetrics(m),
		monitor.WithIPCDirs(dirs))
}

func newTransport(cfg *config.Config, log *zap.Logger, coord *coordinator.Coordinator) coordinator.Transport {
	switch cfg.Server.Transport {
	case mcpserver.Protocol:
		return mcpserver.New(log.Named("mcp"), coord, coord.State)
	default:
		return rpc.NewServer(log.Named("rpc"), coord)
	}
}

func serveMetrics(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) {
	if cfg.Metrics.Address == "" {
		return
	}
	srv := m.NewServer(cfg.Metrics.Address)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("serving metrics", zap.String("address", cfg.Metrics.Address))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

// runCoordinator ties the main loop to the fx lifecycle. A fatal error from
// the loop shuts the application down with a non-zero exit code.
func runCoordinator(lc fx.Lifecycle, sd fx.Shutdowner, log *zap.Logger,
	coord *coordinator.Coordinator, transport coordinator.Transport, mon *monitor.Monitor) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := coord.Run(ctx, transport, mon); err != nil {
					log.Error("coordinator stopped", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
