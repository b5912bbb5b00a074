package sandbox

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/isdmx/plcoordinator/registry"
)

// SocketFileName is the Unix socket a sandbox client creates inside its IPC
// directory.
const SocketFileName = "unix.domain.socket.shared.file"

// DebugSocketPrefix prefixes the socket path of standalone sandboxes.
const DebugSocketPrefix = "/tmp/plcontainer.debug"

// IPCDir is the host directory shared with the sandbox identified by key.
func IPCDir(base string, key registry.Key) string {
	return fmt.Sprintf("%s.%d.%d.%d", base, key.OwnerPID, key.ConnectionID, key.CommandCount)
}

// SocketPath is the Unix socket address of a containerised sandbox.
func SocketPath(base string, key registry.Key) string {
	return filepath.Join(IPCDir(base, key), SocketFileName)
}

// DebugSocketPath is the Unix socket address of a standalone sandbox.
func DebugSocketPath(key registry.Key) string {
	return fmt.Sprintf("%s.%d.%d.%d", DebugSocketPrefix, key.OwnerPID, key.ConnectionID, key.CommandCount)
}

// IPCDirs manages per-sandbox IPC directories.
type IPCDirs struct {
	logger *zap.Logger
	base   string
	fs     FileSystem
}

// IPCDirsOption configures IPCDirs.
type IPCDirsOption func(*IPCDirs)

// WithFileSystem replaces the host file system.
func WithFileSystem(fs FileSystem) IPCDirsOption {
	return func(d *IPCDirs) {
		d.fs = fs
	}
}

// NewIPCDirs manages directories named after base.
func NewIPCDirs(logger *zap.Logger, base string, opts ...IPCDirsOption) *IPCDirs {
	d := &IPCDirs{logger: logger, base: base, fs: RealFileSystem{}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Base returns the path prefix of every IPC directory.
func (d *IPCDirs) Base() string {
	return d.base
}

// Prepare creates the IPC directory for key and hands it to uid:gid.
func (d *IPCDirs) Prepare(key registry.Key, uid, gid int) (string, error) {
	dir := IPCDir(d.base, key)
	if err := d.fs.MkdirAll(dir, DirPermission); err != nil {
		return "", fmt.Errorf("failed to create IPC directory %s: %w", dir, err)
	}
	if err := d.fs.Chown(dir, uid, gid); err != nil {
		d.logger.Debug("cannot change IPC directory owner",
			zap.String("dir", dir), zap.Int("uid", uid), zap.Int("gid", gid), zap.Error(err))
	}
	return dir, nil
}

// Remove deletes the IPC directory for key. A missing directory is not an error.
func (d *IPCDirs) Remove(key registry.Key) error {
	dir := IPCDir(d.base, key)
	exists, err := d.fs.FileExists(dir)
	if err != nil {
		return fmt.Errorf("failed to stat IPC directory %s: %w", dir, err)
	}
	if !exists {
		return nil
	}
	if err := d.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove IPC directory %s: %w", dir, err)
	}
	return nil
}
