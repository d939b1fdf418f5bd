// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package buffers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncQueueOrdering(t *testing.T) {
	q := NewSyncQueue(8, 0)

	for _, s := range []string{"one", "two", "three"} {
		ok, err := q.TryPush([]byte(s))
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 3, q.Count())
	assert.Equal(t, len("one")+len("two")+len("three"), q.BytesHeld())

	for _, want := range []string{"one", "two", "three"} {
		msg, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, want, string(msg))
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.BytesHeld())
}

func TestSyncQueueMessageLimit(t *testing.T) {
	q := NewSyncQueue(2, 0)

	ok, err := q.TryPush([]byte{1})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = q.TryPush([]byte{2})
	require.NoError(t, err)
	require.True(t, ok)

	// full by count
	ok, err = q.TryPush([]byte{3})
	require.NoError(t, err)
	assert.False(t, ok)

	msg, popped := q.TryPop()
	require.True(t, popped)
	assert.Equal(t, []byte{1}, msg)

	ok, err = q.TryPush([]byte{3})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSyncQueueByteLimit(t *testing.T) {
	q := NewSyncQueue(100, 10)

	ok, err := q.TryPush(make([]byte, 6))
	require.NoError(t, err)
	require.True(t, ok)

	// 6+5 would exceed the byte limit
	ok, err = q.TryPush(make([]byte, 5))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = q.TryPush(make([]byte, 4))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 10, q.BytesHeld())

	// zero-length messages always fit while there is a slot
	ok, err = q.TryPush(nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSyncQueueWrap(t *testing.T) {
	q := NewSyncQueue(3, 0)

	for cycle := byte(0); cycle < 10; cycle++ {
		ok, err := q.TryPush([]byte{cycle})
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = q.TryPush([]byte{cycle + 100})
		require.NoError(t, err)
		require.True(t, ok)

		msg, popped := q.TryPop()
		require.True(t, popped)
		assert.Equal(t, []byte{cycle}, msg)
		msg, popped = q.TryPop()
		require.True(t, popped)
		assert.Equal(t, []byte{cycle + 100}, msg)
	}
	assert.Equal(t, 0, q.Count())
}

func TestSyncQueueWaitForMessage(t *testing.T) {
	q := NewSyncQueue(4, 0)

	waitChan, cancelWait, err := q.WaitForMessageChan()
	require.NoError(t, err)
	select {
	case <-waitChan:
		t.Fatal("empty queue signaled a message")
	default:
	}

	// only one reader may wait
	_, _, err = q.WaitForMessageChan()
	assert.ErrorIs(t, err, ReaderAlreadyWaitingErr)

	ok, err := q.TryPush([]byte("hi"))
	require.NoError(t, err)
	require.True(t, ok)

	_, ok = <-waitChan
	assert.True(t, ok)
	cancelWait()

	// a message already queued satisfies the wait immediately
	waitChan, cancelWait, err = q.WaitForMessageChan()
	require.NoError(t, err)
	defer cancelWait()
	select {
	case _, ok := <-waitChan:
		assert.True(t, ok)
	default:
		t.Fatal("non-empty queue did not signal")
	}
}

func TestSyncQueueWaitForSpace(t *testing.T) {
	q := NewSyncQueue(1, 0)

	ok, err := q.TryPush([]byte("block"))
	require.NoError(t, err)
	require.True(t, ok)

	waitChan, cancelWait, err := q.WaitForSpaceChan(1)
	require.NoError(t, err)
	select {
	case <-waitChan:
		t.Fatal("full queue signaled space")
	default:
	}

	_, _, err = q.WaitForSpaceChan(1)
	assert.ErrorIs(t, err, WriterAlreadyWaitingErr)

	_, popped := q.TryPop()
	require.True(t, popped)

	_, ok = <-waitChan
	assert.True(t, ok)
	cancelWait()
}

func TestSyncQueueCancelWait(t *testing.T) {
	q := NewSyncQueue(4, 0)

	_, cancelWait, err := q.WaitForMessageChan()
	require.NoError(t, err)
	cancelWait()

	// canceling frees the reader slot
	_, cancelWait, err = q.WaitForMessageChan()
	require.NoError(t, err)
	cancelWait()
}

func TestSyncQueueCloseDrains(t *testing.T) {
	q := NewSyncQueue(4, 0)

	ok, err := q.TryPush([]byte("leftover"))
	require.NoError(t, err)
	require.True(t, ok)

	q.Close()

	_, err = q.TryPush([]byte("rejected"))
	assert.ErrorIs(t, err, IsClosedErr)

	// the queued message survives the close
	msg, popped := q.TryPop()
	require.True(t, popped)
	assert.Equal(t, "leftover", string(msg))

	_, popped = q.TryPop()
	assert.False(t, popped)

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, IsClosedErr)
}

func TestSyncQueueCloseWakesWaiters(t *testing.T) {
	q := NewSyncQueue(1, 0)

	readChan, _, err := q.WaitForMessageChan()
	require.NoError(t, err)

	ok, pushErr := q.TryPush([]byte("x"))
	require.NoError(t, pushErr)
	require.True(t, ok)
	_, popped := q.TryPop()
	require.True(t, popped)
	ok, pushErr = q.TryPush([]byte("y"))
	require.NoError(t, pushErr)
	require.True(t, ok)

	writeChan, _, err := q.WaitForSpaceChan(1)
	require.NoError(t, err)

	q.Close()

	// the read waiter was satisfied by the first push; after close the
	// space waiter is closed without a send
	_, ok = <-readChan
	assert.True(t, ok)
	_, ok = <-writeChan
	assert.False(t, ok)
}

func TestSyncQueueBlockingPushPop(t *testing.T) {
	q := NewSyncQueue(1, 0)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, []byte("first")))

	pushDone := make(chan error, 1)
	go func() {
		pushDone <- q.Push(ctx, []byte("second"))
	}()

	// the second push has to wait for the pop
	time.Sleep(10 * time.Millisecond)
	select {
	case err := <-pushDone:
		t.Fatalf("push completed on a full queue: %v", err)
	default:
	}

	msg, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", string(msg))

	require.NoError(t, <-pushDone)
	msg, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", string(msg))
}

func TestSyncQueuePopContextCancel(t *testing.T) {
	q := NewSyncQueue(4, 0)

	ctx, cancel := context.WithCancel(context.Background())
	popDone := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		popDone <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-popDone, context.Canceled)

	// the canceled pop released the reader slot
	_, cancelWait, err := q.WaitForMessageChan()
	require.NoError(t, err)
	cancelWait()
}

func TestSyncQueuePushAfterCloseWhileWaiting(t *testing.T) {
	q := NewSyncQueue(1, 0)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, []byte("x")))

	pushDone := make(chan error, 1)
	go func() {
		pushDone <- q.Push(ctx, []byte("y"))
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()
	assert.ErrorIs(t, <-pushDone, IsClosedErr)
}
