package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/plcoordinator/registry"
)

func newAttached(t *testing.T, capacity int) *Queue {
	t.Helper()
	q := New()
	require.NoError(t, q.Init(capacity))
	require.NoError(t, q.Attach())
	return q
}

func TestQueueStatusCell(t *testing.T) {
	q := New()
	assert.Equal(t, StateUninitialized, q.State())

	t.Run("AttachBeforeInit", func(t *testing.T) {
		assert.ErrorIs(t, q.Attach(), ErrNotInitialized)
	})

	t.Run("SendBeforeInit", func(t *testing.T) {
		_, err := q.Send(context.Background(), Notification{})
		assert.ErrorIs(t, err, ErrNotInitialized)
	})

	t.Run("ReceiveBeforeAttach", func(t *testing.T) {
		require.NoError(t, q.Init(4))
		assert.Equal(t, StateInitialized, q.State())
		_, _, err := q.Receive(0)
		assert.ErrorIs(t, err, ErrNotAttached)
	})

	t.Run("DoubleInit", func(t *testing.T) {
		assert.Error(t, q.Init(4))
	})

	t.Run("Reattach", func(t *testing.T) {
		require.NoError(t, q.Attach())
		require.NoError(t, q.Attach())
		assert.Equal(t, StateAttached, q.State())
	})

	t.Run("InvalidCapacity", func(t *testing.T) {
		assert.Error(t, New().Init(0))
	})
}

func TestQueueEmptyReceiveWouldBlock(t *testing.T) {
	q := newAttached(t, 4)

	_, res, err := q.Receive(0)
	require.NoError(t, err)
	assert.Equal(t, WouldBlock, res)

	start := time.Now()
	_, res, err = q.Receive(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, WouldBlock, res)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueueFIFO(t *testing.T) {
	q := newAttached(t, 16)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		typ := RequestCreate
		if i%2 == 0 {
			typ = RequestDestroy
		}
		res, err := q.Send(ctx, Notification{Key: registry.Key{OwnerPID: i}, Type: typ})
		require.NoError(t, err)
		require.Equal(t, Success, res)
	}
	assert.Equal(t, 10, q.Len())
	assert.Equal(t, 16, q.Capacity())

	for i := 1; i <= 10; i++ {
		n, res, err := q.Receive(0)
		require.NoError(t, err)
		require.Equal(t, Success, res)
		assert.Equal(t, i, n.Key.OwnerPID)
	}

	_, res, err := q.Receive(0)
	require.NoError(t, err)
	assert.Equal(t, WouldBlock, res)
}

func TestQueueSendBlocksWhenFull(t *testing.T) {
	q := newAttached(t, 1)
	_, err := q.Send(context.Background(), Notification{Key: registry.Key{OwnerPID: 1}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := q.Send(ctx, Notification{Key: registry.Key{OwnerPID: 2}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, WouldBlock, res)

	sent := make(chan error, 1)
	go func() {
		_, err := q.Send(context.Background(), Notification{Key: registry.Key{OwnerPID: 3}})
		sent <- err
	}()

	n, _, err := q.Receive(0)
	require.NoError(t, err)
	assert.Equal(t, 1, n.Key.OwnerPID)

	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked sender was not released after a receive")
	}

	n, _, err = q.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, n.Key.OwnerPID)
}

func TestQueueClose(t *testing.T) {
	q := newAttached(t, 1)
	_, err := q.Send(context.Background(), Notification{Key: registry.Key{OwnerPID: 1}})
	require.NoError(t, err)

	blocked := make(chan error, 1)
	go func() {
		_, err := q.Send(context.Background(), Notification{Key: registry.Key{OwnerPID: 2}})
		blocked <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked sender was not released by Close")
	}

	n, res, err := q.Receive(0)
	require.NoError(t, err, "queued notifications drain after close")
	assert.Equal(t, Success, res)
	assert.Equal(t, 1, n.Key.OwnerPID)

	_, _, err = q.Receive(0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Attach(), ErrClosed)
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "create", RequestCreate.String())
	assert.Equal(t, "destroy", RequestDestroy.String())
	assert.Equal(t, "would_block", WouldBlock.String())
	assert.Equal(t, "attached", StateAttached.String())
}
