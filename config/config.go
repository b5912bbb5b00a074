package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SocketName is the coordinator's socket file inside server.socket_dir.
const SocketName = "plcoordinator.sock"

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Runtime     RuntimeConfig     `mapstructure:"runtime"`
	Standalone  StandaloneConfig  `mapstructure:"standalone"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// ServerConfig holds RPC server configuration
type ServerConfig struct {
	Transport     string        `mapstructure:"transport"`
	SocketDir     string        `mapstructure:"socket_dir"`
	AcceptTimeout time.Duration `mapstructure:"accept_timeout"`
}

// CoordinatorConfig holds main loop configuration
type CoordinatorConfig struct {
	Backend          string        `mapstructure:"backend"`
	EnableStandalone bool          `mapstructure:"enable_standalone"`
	MaxCreating      int           `mapstructure:"max_creating"`
	StartRetries     int           `mapstructure:"start_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	UDSBaseDir       string        `mapstructure:"uds_base_dir"`
	StateFile        string        `mapstructure:"state_file"`
	LockFile         string        `mapstructure:"lock_file"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// MonitorConfig holds auxiliary loop timers
type MonitorConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	SweepEvery int           `mapstructure:"sweep_every"`
}

// EngineConfig holds the container engine connection
type EngineConfig struct {
	Host           string        `mapstructure:"host"`
	APIVersion     string        `mapstructure:"api_version"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RuntimeConfig points at the runtime profile file
type RuntimeConfig struct {
	ConfigFile string `mapstructure:"config_file"`
}

// StandaloneConfig holds standalone sandbox configuration
type StandaloneConfig struct {
	ClientDir string `mapstructure:"client_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// MetricsConfig holds the Prometheus endpoint; an empty address disables it.
type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	return Load(".", "./config")
}

// Load reads config.yaml from the first of paths that has one, then applies
// environment overrides and defaults.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("PLCOORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "grpc")
	v.SetDefault("server.socket_dir", "/tmp")
	v.SetDefault("server.accept_timeout", 3*time.Second)

	v.SetDefault("coordinator.backend", "docker")
	v.SetDefault("coordinator.enable_standalone", false)
	v.SetDefault("coordinator.max_creating", 3)
	v.SetDefault("coordinator.start_retries", 5)
	v.SetDefault("coordinator.retry_delay", 2*time.Second)
	v.SetDefault("coordinator.queue_capacity", 10000)
	v.SetDefault("coordinator.uds_base_dir", "/tmp/plcontainer")
	v.SetDefault("coordinator.state_file", "/tmp/plcoordinator.state.json")
	v.SetDefault("coordinator.lock_file", "/tmp/plcoordinator.lock")
	v.SetDefault("coordinator.shutdown_timeout", 10*time.Second)

	v.SetDefault("monitor.interval", 2*time.Second)
	v.SetDefault("monitor.sweep_every", 5)

	// Empty host picks the backend's default socket.
	v.SetDefault("engine.host", "")
	v.SetDefault("engine.api_version", "")
	v.SetDefault("engine.request_timeout", 30*time.Second)

	v.SetDefault("runtime.config_file", "runtime.yaml")
	v.SetDefault("standalone.client_dir", "")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.address", "")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "grpc" && c.Server.Transport != "mcp" {
		return fmt.Errorf("invalid server.transport: %s, must be 'grpc' or 'mcp'", c.Server.Transport)
	}

	if c.Server.SocketDir == "" {
		return fmt.Errorf("server.socket_dir must be specified")
	}

	if c.Server.AcceptTimeout <= 0 {
		return fmt.Errorf("server.accept_timeout must be positive, got: %s", c.Server.AcceptTimeout)
	}

	supportedBackends := map[string]bool{
		"docker":     true,
		"podman":     true,
		"standalone": c.Coordinator.EnableStandalone, // opt-in
	}

	if !supportedBackends[c.Coordinator.Backend] {
		return fmt.Errorf("unsupported coordinator.backend: %s", c.Coordinator.Backend)
	}

	if c.Coordinator.MaxCreating <= 0 {
		return fmt.Errorf("coordinator.max_creating must be positive, got: %d", c.Coordinator.MaxCreating)
	}

	if c.Coordinator.StartRetries <= 0 {
		return fmt.Errorf("coordinator.start_retries must be positive, got: %d", c.Coordinator.StartRetries)
	}

	if c.Coordinator.RetryDelay < 0 {
		return fmt.Errorf("coordinator.retry_delay must not be negative, got: %s", c.Coordinator.RetryDelay)
	}

	if c.Coordinator.QueueCapacity <= 0 {
		return fmt.Errorf("coordinator.queue_capacity must be positive, got: %d", c.Coordinator.QueueCapacity)
	}

	if c.Coordinator.StateFile == "" || c.Coordinator.LockFile == "" {
		return fmt.Errorf("coordinator.state_file and coordinator.lock_file must be specified")
	}

	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive, got: %s", c.Monitor.Interval)
	}

	if c.Monitor.SweepEvery <= 0 {
		return fmt.Errorf("monitor.sweep_every must be positive, got: %d", c.Monitor.SweepEvery)
	}

	if c.Engine.RequestTimeout <= 0 {
		return fmt.Errorf("engine.request_timeout must be positive, got: %s", c.Engine.RequestTimeout)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	return nil
}

// SocketPath returns the coordinator's Unix socket path.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Server.SocketDir, SocketName)
}
