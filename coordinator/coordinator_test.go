package coordinator

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/isdmx/plcoordinator/api"
	"github.com/isdmx/plcoordinator/engine"
	"github.com/isdmx/plcoordinator/queue"
	"github.com/isdmx/plcoordinator/registry"
	"github.com/isdmx/plcoordinator/sandbox"
)

func startReq(runtimeID string, key registry.Key) *api.StartContainerRequest {
	return &api.StartContainerRequest{
		RuntimeID:         runtimeID,
		OwnerPID:          key.OwnerPID,
		ConnectionID:      key.ConnectionID,
		CommandCount:      key.CommandCount,
		DatabaseID:        16384,
		RequesterIdentity: "analyst",
	}
}

func stopReq(key registry.Key) *api.StopContainerRequest {
	return &api.StopContainerRequest{OwnerPID: key.OwnerPID, ConnectionID: key.ConnectionID, CommandCount: key.CommandCount}
}

func TestStartContainer(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.coord.StartContainer(context.Background(), startReq("plc_python", keyA))
	require.Equal(t, api.StatusOK, resp.Status, resp.LogMessage)
	assert.Equal(t, "c1", resp.EngineID)
	assert.Equal(t, sandbox.SocketPath(h.ipcDirs.Base(), keyA), resp.SandboxAddress)
	assert.Equal(t, 1, resp.Timings.Attempts)

	entry, ok := h.coord.Entry(keyA)
	require.True(t, ok)
	assert.Equal(t, "c1", entry.EngineID)
	assert.Equal(t, "plc_python", entry.RuntimeID)

	notes := h.drain()
	require.Len(t, notes, 1)
	assert.Equal(t, queue.RequestCreate, notes[0].Type)
	assert.Equal(t, keyA, notes[0].Key)
	assert.Equal(t, "c1", notes[0].EngineID)

	c, ok := h.engine.Container("c1")
	require.True(t, ok)
	assert.Equal(t, engine.StatusRunning, c.Status)
	assert.Contains(t, c.Spec.Binds, sandbox.IPCDir(h.ipcDirs.Base(), keyA)+":"+engine.ClientIPCDir+":rw")
	assert.Equal(t, h.segment.InstanceID(), c.Spec.Labels[engine.LabelCoordinator])
	assert.True(t, strings.HasPrefix(c.Spec.Name, "plc-4242-7-1-"))

	_, err := os.Stat(sandbox.IPCDir(h.ipcDirs.Base(), keyA))
	assert.NoError(t, err)

	assert.Equal(t, 0, h.segment.Gate().InFlight(), "gate released")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Creations.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Requests.WithLabelValues("start", "ok")))
}

func TestStartRetriesUntilStartSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.FailStart(
		engine.NewError("start", "c1", http.StatusInternalServerError, "oci runtime create failed"),
		engine.NewError("start", "c2", http.StatusInternalServerError, "oci runtime create failed"),
	)

	resp := h.coord.StartContainer(context.Background(), startReq("plc_python", keyA))
	require.Equal(t, api.StatusOK, resp.Status, resp.LogMessage)
	assert.Equal(t, "c3", resp.EngineID)
	assert.Equal(t, 3, resp.Timings.Attempts)
	assert.Empty(t, resp.LogMessage)

	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.sleeper.calls)
	assert.Equal(t, []string{
		"create", "start c1",
		"delete c1", "create", "start c2",
		"delete c2", "create", "start c3",
	}, callOps(h.engine.Calls("")))
	assert.Equal(t, []string{"c3"}, h.engine.Live(), "superseded containers are gone")

	entry, ok := h.coord.Entry(keyA)
	require.True(t, ok)
	assert.Equal(t, "c3", entry.EngineID)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.StartAttempts))
}

func TestStartRetriesExhausted(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 5; i++ {
		h.engine.FailStart(engine.NewError("start", "", http.StatusInternalServerError, "cannot start container"))
	}

	resp := h.coord.StartContainer(context.Background(), startReq("plc_python", keyA))
	assert.Equal(t, api.StatusError, resp.Status)
	assert.Contains(t, resp.LogMessage, "cannot start container")
	assert.Equal(t, 5, resp.Timings.Attempts)
	assert.Equal(t, 4, h.sleeper.count(), "no sleep after the final attempt")
	assert.Equal(t, 5, h.engine.Count("create"))
	assert.Empty(t, h.engine.Live(), "last container is deleted too")

	_, ok := h.coord.Entry(keyA)
	assert.False(t, ok)
	assert.Empty(t, h.drain())
	_, err := os.Stat(sandbox.IPCDir(h.ipcDirs.Base(), keyA))
	assert.True(t, os.IsNotExist(err), "IPC directory cleaned up")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Creations.WithLabelValues("failure")))
}

func TestStartFirstCreateFails(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.FailCreate(engine.NewError("create", "", http.StatusNotFound, "No such image: plcontainer/python:3.11"))

	resp := h.coord.StartContainer(context.Background(), startReq("plc_python", keyA))
	assert.Equal(t, api.StatusError, resp.Status)
	assert.Equal(t, "No such image: plcontainer/python:3.11", resp.LogMessage)
	assert.Equal(t, 0, h.engine.Count("start"))
	assert.Equal(t, 0, h.sleeper.count())
	assert.Equal(t, 0, h.segment.Gate().InFlight())
}

func TestStartRetryCreateFailureCountsAsAttempt(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.FailStart(errors.New("start failed"))
	h.engine.FailCreate(nil, errors.New("engine busy"))

	resp := h.coord.StartContainer(context.Background(), startReq("plc_python", keyA))
	require.Equal(t, api.StatusOK, resp.Status, resp.LogMessage)
	assert.Equal(t, 3, resp.Timings.Attempts)
	assert.Equal(t, "c2", resp.EngineID)
	assert.Equal(t, []string{"c2"}, h.engine.Live())
}

func TestStartSupersededDeleteFailureIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.FailStart(errors.New("start failed"))
	h.engine.FailDelete("c1", engine.NewError("delete", "c1", http.StatusConflict, "removal of container c1 is already in progress"))

	resp := h.coord.StartContainer(context.Background(), startReq("plc_python", keyA))
	require.Equal(t, api.StatusOK, resp.Status)
	assert.Equal(t, "c2", resp.EngineID)
	assert.Contains(t, resp.LogMessage, "failed to delete container c1")
	assert.Contains(t, resp.LogMessage, "already in progress")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DeleteFailures))
}

func TestStartCancelledDuringBackoff(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.FailStart(errors.New("start failed"))
	h.sleeper.err = context.Canceled

	resp := h.coord.StartContainer(context.Background(), startReq("plc_python", keyA))
	assert.Equal(t, api.StatusError, resp.Status)
	assert.Contains(t, resp.LogMessage, "cancelled")
	assert.Empty(t, h.engine.Live(), "container created before cancellation is deleted")
	assert.Equal(t, 1, h.engine.Count("create"))
}

func TestStartGateSaturated(t *testing.T) {
	h := newHarness(t, nil)
	g := h.segment.Gate()
	for i := 0; i < g.Ceiling(); i++ {
		require.True(t, g.TryAcquire())
	}

	resp := h.coord.StartContainer(context.Background(), startReq("plc_python", keyA))
	assert.Equal(t, api.StatusTryLater, resp.Status)
	assert.True(t, resp.Status.Retryable())
	assert.Contains(t, resp.LogMessage, "retry later")
	assert.Empty(t, h.engine.Calls(""))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.GateRejections))

	g.Release()
	resp = h.coord.StartContainer(context.Background(), startReq("plc_python", keyA))
	assert.Equal(t, api.StatusOK, resp.Status)
	assert.Equal(t, g.Ceiling()-1, g.InFlight())
}

func TestStartConcurrentRequestsRespectGate(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	statuses := make([]api.Status, 8)
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := registry.Key{OwnerPID: 1000 + i, ConnectionID: 1, CommandCount: 1}
			statuses[i] = h.coord.StartContainer(context.Background(), startReq("plc_python", key)).Status
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, s := range statuses {
		require.Contains(t, []api.Status{api.StatusOK, api.StatusTryLater}, s)
		if s == api.StatusOK {
			ok++
		}
	}
	assert.Equal(t, ok, h.coord.Len())
	assert.Len(t, h.drain(), ok)
	assert.Equal(t, 0, h.segment.Gate().InFlight())
}

func TestStartConfigurationErrors(t *testing.T) {
	h := newHarness(t, nil)

	t.Run("UnknownRuntime", func(t *testing.T) {
		resp := h.coord.StartContainer(context.Background(), startReq("plc_missing", keyA))
		assert.Equal(t, api.StatusConfigError, resp.Status)
		assert.Contains(t, resp.LogMessage, "unknown runtime id")
	})

	t.Run("RoleNotAllowed", func(t *testing.T) {
		req := startReq("plc_restricted", keyA)
		req.RequesterIdentity = "intruder"
		resp := h.coord.StartContainer(context.Background(), req)
		assert.Equal(t, api.StatusConfigError, resp.Status)
		assert.Contains(t, resp.LogMessage, "not allowed")
	})

	t.Run("RoleAllowed", func(t *testing.T) {
		resp := h.coord.StartContainer(context.Background(), startReq("plc_restricted", keyA))
		assert.Equal(t, api.StatusOK, resp.Status)
	})

	t.Run("InvalidRequest", func(t *testing.T) {
		resp := h.coord.StartContainer(context.Background(), &api.StartContainerRequest{OwnerPID: 1})
		assert.Equal(t, api.StatusError, resp.Status)
	})

	assert.Equal(t, 1, h.engine.Count("create"))
}

func TestStartContainerNetwork(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.coord.StartContainer(context.Background(), startReq("plc_r_net", keyA))
	require.Equal(t, api.StatusOK, resp.Status)
	assert.Equal(t, "127.0.0.1:32768", resp.SandboxAddress)

	c, ok := h.engine.Container("c1")
	require.True(t, ok)
	assert.False(t, c.Spec.NetworkDisabled)
	assert.Equal(t, engine.ClientPort, c.Spec.ExposedPort)
	assert.Empty(t, c.Spec.Binds)
}

func TestStartReplacesStaleEntry(t *testing.T) {
	h := newHarness(t, nil)

	require.Equal(t, api.StatusOK, h.coord.StartContainer(context.Background(), startReq("plc_python", keyA)).Status)
	require.Equal(t, api.StatusOK, h.coord.StartContainer(context.Background(), startReq("plc_python", keyA)).Status)

	entry, _ := h.coord.Entry(keyA)
	assert.Equal(t, "c2", entry.EngineID)
	assert.Equal(t, []string{"c2"}, h.engine.Live(), "the first sandbox is never orphaned")
	assert.Equal(t, 1, h.coord.Len())
	assert.Len(t, h.drain(), 2)
}

func TestStopContainer(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, api.StatusOK, h.coord.StartContainer(context.Background(), startReq("plc_python", keyA)).Status)
	h.drain()

	resp := h.coord.StopContainer(context.Background(), stopReq(keyA))
	assert.Equal(t, api.StatusOK, resp.Status)
	assert.Equal(t, 0, h.coord.Len())
	assert.Equal(t, 0, h.engine.Count("delete"), "teardown is left to the monitor")

	notes := h.drain()
	require.Len(t, notes, 1)
	assert.Equal(t, queue.RequestDestroy, notes[0].Type)
	assert.Equal(t, "c1", notes[0].EngineID)
}

func TestStopUnknownKeyIsNoop(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.coord.StopContainer(context.Background(), stopReq(keyA))
	assert.Equal(t, api.StatusOK, resp.Status)
	assert.Empty(t, h.engine.Calls(""))
	assert.Empty(t, h.drain())
}

func TestStopDeletesInlineWhenQueueClosed(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, api.StatusOK, h.coord.StartContainer(context.Background(), startReq("plc_python", keyA)).Status)
	h.queue.Close()

	resp := h.coord.StopContainer(context.Background(), stopReq(keyA))
	assert.Equal(t, api.StatusOK, resp.Status)
	assert.Equal(t, 1, h.engine.Count("delete"))
	assert.Empty(t, h.engine.Live())
}

func TestStartFailsWhenQueueClosed(t *testing.T) {
	h := newHarness(t, nil)
	h.queue.Close()

	resp := h.coord.StartContainer(context.Background(), startReq("plc_python", keyA))
	assert.Equal(t, api.StatusError, resp.Status)
	assert.Contains(t, resp.LogMessage, "failed to notify monitor")
	assert.Empty(t, h.engine.Live(), "unregistered container is not leaked")
	assert.Equal(t, 0, h.coord.Len())
}

type stubStarter struct {
	mu   sync.Mutex
	next int
}

func (s *stubStarter) StartCommand(string, []string, []string) (int, func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	block := make(chan struct{})
	return 7000 + s.next, func() error { <-block; return nil }, nil
}

func TestStandaloneStartStop(t *testing.T) {
	var killed []int
	launcher := sandbox.NewLocalLauncher(zaptest.NewLogger(t), "/opt/clients",
		sandbox.WithCommandStarter(&stubStarter{}),
		sandbox.WithSignaler(func(pid int, _ unix.Signal) error {
			killed = append(killed, pid)
			return nil
		}))
	h := newHarness(t, &sandbox.Backend{Name: sandbox.BackendStandalone, Launcher: launcher})

	g := h.segment.Gate()
	for i := 0; i < g.Ceiling(); i++ {
		require.True(t, g.TryAcquire())
	}

	resp := h.coord.StartContainer(context.Background(), startReq("plc_python", keyA))
	require.Equal(t, api.StatusOK, resp.Status, "standalone starts bypass the gate")
	assert.Equal(t, sandbox.DebugSocketPath(keyA), resp.SandboxAddress)
	assert.Empty(t, resp.EngineID)

	entry, ok := h.coord.Entry(keyA)
	require.True(t, ok)
	assert.Equal(t, 7001, entry.LocalPID)
	assert.True(t, entry.Standalone())

	created := h.drain()
	require.Len(t, created, 1)
	assert.Equal(t, 7001, created[0].LocalPID)

	stop := h.coord.StopContainer(context.Background(), stopReq(keyA))
	assert.Equal(t, api.StatusOK, stop.Status)
	assert.Equal(t, []int{7001}, killed, "killed before the response")

	destroyed := h.drain()
	require.Len(t, destroyed, 1)
	assert.Equal(t, queue.RequestDestroy, destroyed[0].Type)
	assert.Empty(t, h.engine.Calls(""))
}

func TestHousekeepingForgetsDeadOwners(t *testing.T) {
	h := newHarness(t, nil)
	keyB := registry.Key{OwnerPID: 5151, ConnectionID: 1, CommandCount: 1}
	require.Equal(t, api.StatusOK, h.coord.StartContainer(context.Background(), startReq("plc_python", keyA)).Status)
	require.Equal(t, api.StatusOK, h.coord.StartContainer(context.Background(), startReq("plc_python", keyB)).Status)

	h.prober.kill(keyB.OwnerPID)
	calls := len(h.engine.Calls(""))
	h.coord.housekeeping()

	assert.Equal(t, 1, h.coord.Len())
	_, ok := h.coord.Entry(keyB)
	assert.False(t, ok)
	assert.Len(t, h.engine.Calls(""), calls, "no engine traffic from main housekeeping")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RegistryEntries.WithLabelValues("main")))
}
