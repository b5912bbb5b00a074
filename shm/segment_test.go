package shm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/plcoordinator/queue"
)

func newSegment(t *testing.T) (*Segment, Options) {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		StateFile:     filepath.Join(dir, "state.json"),
		LockFile:      filepath.Join(dir, "coordinator.lock"),
		MaxCreating:   2,
		QueueCapacity: 4,
	}
	return New(zaptest.NewLogger(t), opts), opts
}

func TestSegmentLifecycle(t *testing.T) {
	seg, opts := newSegment(t)

	assert.Equal(t, StateUninitialized, seg.Snapshot().State)
	assert.Nil(t, seg.Gate())

	_, err := seg.Attach()
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, seg.Init())
	require.NotNil(t, seg.Gate())
	assert.Equal(t, 2, seg.Gate().Ceiling())
	assert.Equal(t, 4, seg.Queue().Capacity())

	q, err := seg.Attach()
	require.NoError(t, err)
	assert.Equal(t, queue.StateAttached, q.State())

	require.NoError(t, seg.SetReady("grpc", "/tmp/plcoordinator.sock"))
	st, err := ReadState(opts.StateFile)
	require.NoError(t, err)
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, "grpc", st.Protocol)
	assert.Equal(t, "/tmp/plcoordinator.sock", st.Address)
	assert.Equal(t, seg.InstanceID(), st.InstanceID)

	require.NoError(t, seg.SetExiting())
	st, err = ReadState(opts.StateFile)
	require.NoError(t, err)
	assert.Equal(t, StateExiting, st.State)

	require.NoError(t, seg.Teardown())
	assert.Equal(t, queue.StateClosed, q.State())
	_, err = ReadState(opts.StateFile)
	assert.Error(t, err)
}

func TestSegmentSingleton(t *testing.T) {
	first, opts := newSegment(t)
	require.NoError(t, first.Init())

	second := New(zaptest.NewLogger(t), opts)
	err := second.Init()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, first.Teardown())

	third := New(zaptest.NewLogger(t), opts)
	require.NoError(t, third.Init())
	require.NoError(t, third.Teardown())
}

func TestSegmentDoubleInit(t *testing.T) {
	seg, _ := newSegment(t)
	require.NoError(t, seg.Init())
	t.Cleanup(func() { _ = seg.Teardown() })
	assert.Error(t, seg.Init())
}

func TestStateText(t *testing.T) {
	for _, s := range []State{StateUninitialized, StateReady, StateExiting} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
}
