package sandbox

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ProcessProber checks process existence with signal 0.
type ProcessProber struct {
	kill func(pid int, sig unix.Signal) error
}

// NewProcessProber returns a prober for processes on this host.
func NewProcessProber() *ProcessProber {
	return &ProcessProber{kill: unix.Kill}
}

// Alive reports whether pid exists. EPERM means the process exists but
// belongs to someone else.
func (p *ProcessProber) Alive(pid int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid pid: %d", pid)
	}
	err := p.kill(pid, 0)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.ESRCH):
		return false, nil
	case errors.Is(err, unix.EPERM):
		return true, nil
	default:
		return false, fmt.Errorf("failed to probe pid %d: %w", pid, err)
	}
}
