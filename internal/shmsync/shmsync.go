// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package shmsync provides the synchronization primitives shared by every
// structure living in the cache's memory segment. The mutex and rwlock are
// the standard library types re-exported under domain names; Cond adds the
// timed wait that sync.Cond lacks, with the same spurious-wakeup contract
// as pthread condition variables: a woken caller must re-check its
// predicate in a loop.
package shmsync

import (
	"sync"
	"time"
)

// Mutex guards short critical sections on segment-resident structures.
type Mutex = sync.Mutex

// RWMutex is the reader/writer lock used to bound tree shape changes.
type RWMutex = sync.RWMutex

// Cond is a condition variable associated with a Locker L. Unlike
// sync.Cond it supports waiting with a timeout. Wakeups may be spurious:
// WaitTimeout returning true means only that the caller should re-check
// its predicate, not that the predicate holds.
type Cond struct {
	// L is held while checking the predicate and is released for the
	// duration of the wait.
	L sync.Locker

	mu      sync.Mutex
	waiters []chan struct{}
}

// NewCond returns a new Cond with Locker l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{L: l}
}

// Wait atomically unlocks c.L and suspends the calling goroutine until
// awoken by Signal or Broadcast. c.L is locked again before Wait returns.
func (c *Cond) Wait() {
	c.WaitTimeout(0)
}

// WaitTimeout is Wait with an upper bound on the suspension. A timeout of
// zero means wait forever. It returns false if the wait ended because the
// timeout expired, true otherwise.
func (c *Cond) WaitTimeout(timeout time.Duration) bool {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	c.L.Unlock()
	signaled := true
	if timeout > 0 {
		t := time.NewTimer(timeout)
		select {
		case <-ch:
			t.Stop()
		case <-t.C:
			signaled = c.drop(ch)
		}
	} else {
		<-ch
	}
	c.L.Lock()
	return signaled
}

// drop removes ch from the waiter list after a timeout. If a signaler got
// to it first the wakeup is consumed and reported as a signal.
func (c *Cond) drop(ch chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.waiters {
		if c.waiters[i] == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return false
		}
	}
	// Already signaled; the close raced with our timer.
	return true
}

// Signal wakes one waiter, if there is one. The caller need not hold c.L.
func (c *Cond) Signal() {
	c.mu.Lock()
	if len(c.waiters) > 0 {
		close(c.waiters[0])
		c.waiters = c.waiters[1:]
	}
	c.mu.Unlock()
}

// Broadcast wakes all waiters. The caller need not hold c.L.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	for _, ch := range c.waiters {
		close(ch)
	}
	c.waiters = c.waiters[:0]
	c.mu.Unlock()
}
