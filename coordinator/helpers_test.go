package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/plcoordinator/engine/enginetest"
	"github.com/isdmx/plcoordinator/metrics"
	"github.com/isdmx/plcoordinator/queue"
	"github.com/isdmx/plcoordinator/registry"
	"github.com/isdmx/plcoordinator/runtimeconf"
	"github.com/isdmx/plcoordinator/sandbox"
	"github.com/isdmx/plcoordinator/shm"
)

type fakeProber struct {
	mu   sync.Mutex
	dead map[int]bool
}

func newFakeProber() *fakeProber {
	return &fakeProber{dead: make(map[int]bool)}
}

func (p *fakeProber) kill(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead[pid] = true
}

func (p *fakeProber) Alive(pid int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead[pid], nil
}

type recordingSleeper struct {
	mu    sync.Mutex
	calls []time.Duration
	err   error
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, d)
	return s.err
}

func (s *recordingSleeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

var (
	pythonProfile = runtimeconf.Profile{
		ID:          "plc_python",
		Image:       "plcontainer/python:3.11",
		Command:     "/clientdir/pyclient.sh",
		MemoryBytes: runtimeconf.DefaultMemory,
		CPUShare:    runtimeconf.DefaultCPUShare,
	}
	networkProfile = runtimeconf.Profile{
		ID:                  "plc_r_net",
		Image:               "plcontainer/r:4",
		Command:             "/clientdir/rclient.sh",
		MemoryBytes:         runtimeconf.DefaultMemory,
		CPUShare:            runtimeconf.DefaultCPUShare,
		UseContainerNetwork: true,
	}
	restrictedProfile = runtimeconf.Profile{
		ID:      "plc_restricted",
		Image:   "plcontainer/python:3.11",
		Command: "/clientdir/pyclient.sh",
		Roles:   []string{"analyst"},
	}
)

type harness struct {
	t       *testing.T
	dir     string
	segment *shm.Segment
	queue   *queue.Queue
	engine  *enginetest.Engine
	sleeper *recordingSleeper
	prober  *fakeProber
	metrics *metrics.Metrics
	ipcDirs *sandbox.IPCDirs
	coord   *Coordinator
}

func newHarness(t *testing.T, backend *sandbox.Backend) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	seg := shm.New(logger, shm.Options{
		StateFile:     filepath.Join(dir, "state.json"),
		LockFile:      filepath.Join(dir, "coordinator.lock"),
		MaxCreating:   3,
		QueueCapacity: 16,
	})
	require.NoError(t, seg.Init())
	t.Cleanup(func() { _ = seg.Teardown() })
	q, err := seg.Attach()
	require.NoError(t, err)

	h := &harness{
		t:       t,
		dir:     dir,
		segment: seg,
		queue:   q,
		engine:  enginetest.New(),
		sleeper: &recordingSleeper{},
		prober:  newFakeProber(),
		metrics: metrics.NewUnregistered(),
		ipcDirs: sandbox.NewIPCDirs(logger, filepath.Join(dir, "plcontainer")),
	}
	if backend == nil {
		backend = &sandbox.Backend{Name: sandbox.BackendDocker, Engine: h.engine}
	}

	cfg := DefaultConfig()
	cfg.SocketPath = filepath.Join(dir, "plcoordinator.sock")
	cfg.UDSBaseDir = h.ipcDirs.Base()
	cfg.AcceptTimeout = 20 * time.Millisecond

	h.coord = New(logger, seg, runtimeconf.NewTable(pythonProfile, networkProfile, restrictedProfile), backend,
		WithConfig(cfg),
		WithSleeper(h.sleeper),
		WithProber(h.prober),
		WithMetrics(h.metrics),
		WithIPCDirs(h.ipcDirs))
	return h
}

func (h *harness) drain() []queue.Notification {
	h.t.Helper()
	var out []queue.Notification
	for {
		n, res, err := h.queue.Receive(0)
		require.NoError(h.t, err)
		if res == queue.WouldBlock {
			return out
		}
		out = append(out, n)
	}
}

func callOps(calls []enginetest.Call) []string {
	ops := make([]string, 0, len(calls))
	for _, c := range calls {
		op := c.Op
		if op != "create" && len(c.IDs) > 0 {
			op += " " + c.IDs[0]
		}
		ops = append(ops, op)
	}
	return ops
}

var keyA = registry.Key{OwnerPID: 4242, ConnectionID: 7, CommandCount: 1}
