// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package shmseg

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ramsingla/colcache/internal/shmsync"
)

// ErrQueueShutdown is returned by Enqueue once Shutdown has been called.
var ErrQueueShutdown = errors.New("shmseg: queue is shut down")

// Queue is a FIFO of allocated blocks. Members are chained through their
// block headers' link word, so enqueuing needs no allocation and a block
// can sit on at most one queue at a time. Dequeue blocks with an optional
// timeout; Shutdown wakes all waiters and fails further enqueues while
// still letting consumers drain what remains.
type Queue struct {
	seg *Segment

	mu       shmsync.Mutex
	cond     *shmsync.Cond
	head     uint64
	tail     uint64
	n        int
	shutdown bool
}

// NewQueue returns an empty queue over blocks of seg.
func NewQueue(seg *Segment) *Queue {
	q := &Queue{seg: seg}
	q.cond = shmsync.NewCond(&q.mu)
	return q
}

// Enqueue appends ref to the queue and wakes one waiter.
func (q *Queue) Enqueue(ref uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return ErrQueueShutdown
	}
	q.seg.setLink(ref, 0)
	if q.tail != 0 {
		q.seg.setLink(q.tail, ref)
	} else {
		q.head = ref
	}
	q.tail = ref
	q.n++
	q.cond.Signal()
	return nil
}

// Dequeue removes and returns the oldest member, blocking until one is
// available, the timeout expires (zero means wait forever), or the queue
// is shut down and drained. ok is false when nothing was dequeued.
func (q *Queue) Dequeue(timeout time.Duration) (ref uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head == 0 {
		if q.shutdown {
			return 0, false
		}
		if !q.cond.WaitTimeout(timeout) {
			return 0, false
		}
	}
	return q.popLocked(), true
}

// TryDequeue is Dequeue without blocking.
func (q *Queue) TryDequeue() (ref uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == 0 {
		return 0, false
	}
	return q.popLocked(), true
}

func (q *Queue) popLocked() uint64 {
	ref := q.head
	q.head = q.seg.link(ref)
	if q.head == 0 {
		q.tail = 0
	}
	q.seg.setLink(ref, 0)
	q.n--
	return ref
}

// IsEmpty reports whether the queue currently holds no members.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head == 0
}

// Len returns the current number of members.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Shutdown fails future enqueues and wakes every blocked consumer.
// Members already queued remain dequeueable.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
