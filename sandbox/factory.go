package sandbox

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/plcoordinator/engine"
)

// Backend names.
const (
	BackendDocker     = "docker"
	BackendPodman     = "podman"
	BackendStandalone = "standalone"
)

// Default engine sockets per backend.
const (
	DefaultDockerHost = "unix:///var/run/docker.sock"
	DefaultPodmanHost = "unix:///run/podman/podman.sock"
)

// Config selects and configures the sandbox backend.
type Config struct {
	Backend          string
	EnableStandalone bool
	EngineHost       string
	APIVersion       string
	RequestTimeout   time.Duration
	ClientDir        string
}

// Backend is what the coordinator drives: an engine for containers, or a
// launcher for standalone processes.
type Backend struct {
	Name     string
	Engine   engine.Engine
	Launcher *LocalLauncher
}

// Standalone reports whether sandboxes are local processes.
func (b *Backend) Standalone() bool {
	return b.Launcher != nil
}

// Close releases the engine connection, if any.
func (b *Backend) Close() error {
	if b.Engine == nil {
		return nil
	}
	return b.Engine.Close()
}

// NewBackend creates the backend named in config.
func NewBackend(logger *zap.Logger, config Config) (*Backend, error) {
	switch config.Backend {
	case BackendDocker, BackendPodman:
		host := config.EngineHost
		if host == "" {
			host = DefaultDockerHost
			if config.Backend == BackendPodman {
				host = DefaultPodmanHost
			}
		}
		eng, err := engine.NewDockerEngine(logger.Named("engine"), host,
			engine.WithRequestTimeout(config.RequestTimeout),
			engine.WithAPIVersion(config.APIVersion))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s at %s: %w", config.Backend, host, err)
		}
		return &Backend{Name: config.Backend, Engine: eng}, nil
	case BackendStandalone:
		if !config.EnableStandalone {
			return nil, fmt.Errorf("standalone backend is disabled")
		}
		return &Backend{
			Name:     config.Backend,
			Launcher: NewLocalLauncher(logger.Named("launcher"), config.ClientDir),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", config.Backend)
	}
}
