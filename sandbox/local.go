package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/isdmx/plcoordinator/registry"
	"github.com/isdmx/plcoordinator/runtimeconf"
)

// LaunchRequest describes one standalone sandbox.
type LaunchRequest struct {
	Key     registry.Key
	Profile runtimeconf.Profile
}

// LocalLauncher runs sandbox clients as child processes (standalone mode,
// for development only).
type LocalLauncher struct {
	logger    *zap.Logger
	clientDir string
	starter   CommandStarter
	kill      func(pid int, sig unix.Signal) error

	mu       sync.Mutex
	children map[int]registry.Key
}

// LocalLauncherOption defines a functional option for LocalLauncher
type LocalLauncherOption func(*LocalLauncher)

// WithCommandStarter sets the CommandStarter for LocalLauncher
func WithCommandStarter(starter CommandStarter) LocalLauncherOption {
	return func(l *LocalLauncher) {
		l.starter = starter
	}
}

// WithSignaler replaces the function used to signal children.
func WithSignaler(kill func(pid int, sig unix.Signal) error) LocalLauncherOption {
	return func(l *LocalLauncher) {
		l.kill = kill
	}
}

// NewLocalLauncher runs client binaries found in clientDir.
func NewLocalLauncher(logger *zap.Logger, clientDir string, opts ...LocalLauncherOption) *LocalLauncher {
	l := &LocalLauncher{
		logger:    logger,
		clientDir: clientDir,
		starter:   RealCommandStarter{},
		kill:      unix.Kill,
		children:  make(map[int]registry.Key),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ Launcher = (*LocalLauncher)(nil)

// Launch starts the client binary named by the profile command.
func (l *LocalLauncher) Launch(ctx context.Context, req LaunchRequest) (Process, error) {
	if err := ctx.Err(); err != nil {
		return Process{}, err
	}

	argv := req.Profile.Argv()
	binary := argv[0]
	if l.clientDir != "" {
		binary = filepath.Join(l.clientDir, filepath.Base(binary))
	}
	address := DebugSocketPath(req.Key)
	env := []string{
		"USE_CONTAINER_NETWORK=false",
		"LOCAL_PROCESS_MODE=1",
		"EXECUTOR_UID=" + strconv.Itoa(os.Getuid()),
		"EXECUTOR_GID=" + strconv.Itoa(os.Getgid()),
		"DB_QE_PID=" + strconv.Itoa(req.Key.OwnerPID),
		"PLC_SOCKET_PATH=" + address,
	}

	pid, wait, err := l.starter.StartCommand(binary, argv[1:], env)
	if err != nil {
		return Process{}, fmt.Errorf("failed to start local sandbox %s: %w", binary, err)
	}

	l.mu.Lock()
	l.children[pid] = req.Key
	l.mu.Unlock()

	go l.reap(pid, wait)

	l.logger.Info("local sandbox started",
		zap.Int("pid", pid),
		zap.String("binary", binary),
		zap.Stringer("key", req.Key))
	return Process{PID: pid, Address: address}, nil
}

func (l *LocalLauncher) reap(pid int, wait func() error) {
	err := wait()
	l.mu.Lock()
	delete(l.children, pid)
	l.mu.Unlock()
	l.logger.Debug("local sandbox exited", zap.Int("pid", pid), zap.Error(err))
}

// Owns reports whether pid is a live child started by this launcher.
func (l *LocalLauncher) Owns(pid int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.children[pid]
	return ok
}

// Kill sends SIGKILL to a child started by this launcher. Unknown or already
// reaped pids are ignored so teardown stays idempotent.
func (l *LocalLauncher) Kill(pid int) error {
	l.mu.Lock()
	key, ok := l.children[pid]
	l.mu.Unlock()
	if !ok {
		l.logger.Debug("ignoring kill of pid not started here", zap.Int("pid", pid))
		return nil
	}
	if err := l.kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill local sandbox %d: %w", pid, err)
	}
	if err := os.Remove(DebugSocketPath(key)); err != nil && !os.IsNotExist(err) {
		l.logger.Debug("cannot remove local sandbox socket", zap.Int("pid", pid), zap.Error(err))
	}
	return nil
}

// Children returns the number of tracked children.
func (l *LocalLauncher) Children() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.children)
}
