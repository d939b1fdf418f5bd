// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package buffers

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	IsClosedErr             = errors.New("sync queue is closed")
	ReaderAlreadyWaitingErr = errors.New("a reader is already waiting")
	WriterAlreadyWaitingErr = errors.New("a writer is already waiting")
)

// SyncMessageQueue is a synchronized bounded FIFO of messages. Unlike a byte
// buffer, message boundaries are preserved: each Push corresponds to exactly
// one Pop. Capacity is bounded both by message count and by total bytes
// held. One reader and one writer may wait at a time.
//
// After Close, pushes fail but queued messages remain poppable; a pop on an
// empty closed queue reports IsClosedErr.
type SyncMessageQueue struct {
	lock sync.Mutex

	msgs      [][]byte
	start     int
	end       int
	wraps     bool
	bytesHeld int
	byteLimit int
	closed    bool

	readWaiter       chan struct{}
	writeWaiter      chan struct{}
	writeSizeTrigger int
}

func NewSyncQueue(maxMessages, maxBytes int) *SyncMessageQueue {
	if maxMessages < 1 {
		panic("queue needs room for at least one message")
	}
	return &SyncMessageQueue{
		msgs:      make([][]byte, maxMessages),
		byteLimit: maxBytes,
	}
}

// WaitForMessageChan returns a channel that receives once a message is
// available to pop. If the queue is closed and drained, the channel is
// closed without a send.
func (sq *SyncMessageQueue) WaitForMessageChan() (c <-chan struct{}, cancelWait func(), err error) {
	sq.lock.Lock()
	defer sq.lock.Unlock()

	if sq.readWaiter != nil {
		return nil, nil, ReaderAlreadyWaitingErr
	}
	rw := make(chan struct{}, 1)
	if sq.count() > 0 {
		rw <- struct{}{}
		close(rw)
		return rw, func() {}, nil
	}
	if sq.closed {
		close(rw)
		return rw, func() {}, nil
	}
	sq.readWaiter = rw
	return sq.readWaiter, func() { sq.cancelReadWait(rw) }, nil
}

// WaitForSpaceChan returns a channel that receives once a message of n bytes
// would fit.
func (sq *SyncMessageQueue) WaitForSpaceChan(n int) (c <-chan struct{}, cancelWait func(), err error) {
	sq.lock.Lock()
	defer sq.lock.Unlock()

	if sq.writeWaiter != nil {
		return nil, nil, WriterAlreadyWaitingErr
	}
	ww := make(chan struct{}, 1)
	if sq.closed {
		close(ww)
		return ww, func() {}, nil
	}
	if sq.hasSpaceFor(n) {
		ww <- struct{}{}
		close(ww)
		return ww, func() {}, nil
	}
	sq.writeWaiter = ww
	sq.writeSizeTrigger = n
	return sq.writeWaiter, func() { sq.cancelWriteWait(ww) }, nil
}

func (sq *SyncMessageQueue) cancelWriteWait(waitChan <-chan struct{}) {
	sq.lock.Lock()
	defer sq.lock.Unlock()

	if sq.writeWaiter != nil && sq.writeWaiter == waitChan {
		sq.writeWaiter = nil
	}
}

func (sq *SyncMessageQueue) cancelReadWait(waitChan <-chan struct{}) {
	sq.lock.Lock()
	defer sq.lock.Unlock()

	if sq.readWaiter != nil && sq.readWaiter == waitChan {
		sq.readWaiter = nil
	}
}

// Push appends msg, blocking until there is room. The queue keeps a
// reference to msg; the caller must not reuse it.
func (sq *SyncMessageQueue) Push(ctx context.Context, msg []byte) error {
	for {
		ok, err := sq.TryPush(msg)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		waitForSpace, cancelWait, err := sq.WaitForSpaceChan(len(msg))
		if err != nil {
			// something is already waiting to push to this queue
			return err
		}
		select {
		case <-ctx.Done():
			cancelWait()
			return ctx.Err()
		case _, ok = <-waitForSpace:
			if !ok {
				return IsClosedErr
			}
		}
	}
}

// Pop removes and returns the oldest message, blocking until one arrives.
func (sq *SyncMessageQueue) Pop(ctx context.Context) ([]byte, error) {
	for {
		if msg, ok := sq.TryPop(); ok {
			return msg, nil
		}
		waitChan, cancelWait, err := sq.WaitForMessageChan()
		if err != nil {
			// something is already waiting to pop from this queue
			return nil, err
		}
		select {
		case <-ctx.Done():
			cancelWait()
			return nil, ctx.Err()
		case _, ok := <-waitChan:
			if !ok {
				return nil, IsClosedErr
			}
		}
	}
}

func (sq *SyncMessageQueue) TryPush(msg []byte) (ok bool, err error) {
	sq.lock.Lock()
	defer sq.lock.Unlock()

	if sq.closed {
		return false, IsClosedErr
	}
	if !sq.hasSpaceFor(len(msg)) {
		return false, nil
	}

	sq.msgs[sq.end] = msg
	sq.end++
	if sq.end == len(sq.msgs) {
		sq.end = 0
		sq.wraps = true
	}
	sq.bytesHeld += len(msg)

	if sq.readWaiter != nil {
		rw := sq.readWaiter
		sq.readWaiter = nil
		rw <- struct{}{}
		close(rw)
	}
	return true, nil
}

func (sq *SyncMessageQueue) TryPop() (msg []byte, ok bool) {
	sq.lock.Lock()
	defer sq.lock.Unlock()

	if sq.count() == 0 {
		return nil, false
	}

	msg = sq.msgs[sq.start]
	sq.msgs[sq.start] = nil
	sq.start++
	if sq.start == len(sq.msgs) {
		sq.start = 0
		sq.wraps = false
	}
	sq.bytesHeld -= len(msg)
	if sq.bytesHeld < 0 {
		panic(fmt.Sprintf("internal error: negative byte count (start=%d, end=%d, size=%d, wraps=%v)", sq.start, sq.end, len(sq.msgs), sq.wraps))
	}

	if sq.writeWaiter != nil && !sq.closed {
		if sq.hasSpaceFor(sq.writeSizeTrigger) {
			ww := sq.writeWaiter
			sq.writeWaiter = nil
			ww <- struct{}{}
			close(ww)
		}
	}
	return msg, true
}

// Close stops further pushes and wakes any waiters. Messages already queued
// remain available to Pop.
func (sq *SyncMessageQueue) Close() {
	sq.lock.Lock()
	defer sq.lock.Unlock()

	sq.closed = true
	if sq.readWaiter != nil {
		close(sq.readWaiter)
		sq.readWaiter = nil
	}
	if sq.writeWaiter != nil {
		close(sq.writeWaiter)
		sq.writeWaiter = nil
	}
}

func (sq *SyncMessageQueue) Count() int {
	sq.lock.Lock()
	defer sq.lock.Unlock()

	return sq.count()
}

func (sq *SyncMessageQueue) BytesHeld() int {
	sq.lock.Lock()
	defer sq.lock.Unlock()

	return sq.bytesHeld
}

func (sq *SyncMessageQueue) count() int {
	if sq.wraps {
		return len(sq.msgs) + sq.end - sq.start
	}
	return sq.end - sq.start
}

func (sq *SyncMessageQueue) hasSpaceFor(n int) bool {
	if sq.count() >= len(sq.msgs) {
		return false
	}
	return sq.byteLimit <= 0 || sq.bytesHeld+n <= sq.byteLimit
}
