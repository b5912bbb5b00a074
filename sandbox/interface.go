package sandbox

import (
	"context"
	"os"
	"os/exec"
)

// Prober reports whether a process exists.
type Prober interface {
	Alive(pid int) (bool, error)
}

// Launcher starts and stops standalone sandbox processes.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Process, error)
	Kill(pid int) error
	Owns(pid int) bool
}

// Process is a started standalone sandbox.
type Process struct {
	PID     int
	Address string
}

// CommandStarter starts a detached child process and returns its pid and a
// function that blocks until it exits.
type CommandStarter interface {
	StartCommand(path string, args, env []string) (pid int, wait func() error, err error)
}

// RealCommandStarter implements CommandStarter with os/exec.
type RealCommandStarter struct{}

// StartCommand starts path with args and a clean environment env.
func (RealCommandStarter) StartCommand(path string, args, env []string) (int, func() error, error) {
	// Not tied to a request context: the sandbox outlives the RPC that created it.
	cmd := exec.Command(path, args...) //nolint:gosec // path comes from the runtime profile
	cmd.Env = env
	if err := cmd.Start(); err != nil {
		return 0, nil, err
	}
	return cmd.Process.Pid, cmd.Wait, nil
}

// FileSystem defines the file operations needed for IPC directories.
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	Chown(path string, uid, gid int) error
	RemoveAll(path string) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem on the host.
type RealFileSystem struct{}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) Chown(path string, uid, gid int) error {
	return os.Chown(path, uid, gid)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Permissions for IPC directories.
const (
	DirPermission = 0o755
)
