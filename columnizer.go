// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colcache

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/tokenbucket"
)

// The columnizers are the fixed pool of background workers that drain
// detached row stores into cache trees and run tree housekeeping. They
// wait on the shared work queue with a bounded timeout so maintenance
// still happens when no wakeups arrive.

func (c *Cache) startColumnizers() {
	c.colSlots = make([]atomic.Uint64, c.opts.NumColumnizers)
	for i := 0; i < c.opts.NumColumnizers; i++ {
		i := i
		c.grp.Go(func() error {
			return c.columnizer(i)
		})
	}
}

func (c *Cache) columnizer(i int) error {
	slot := &c.colSlots[i]
	for {
		select {
		case <-c.stop:
			return nil
		default:
		}
		ref, ok := c.work.Dequeue(c.opts.ColumnizerTimeout)
		if !ok {
			select {
			case <-c.stop:
				return nil
			default:
			}
			c.houseKeep(slot)
			continue
		}
		c.drainOne(slot, ref)
	}
}

// drainOne resolves the queued row store's owning head and merges it into
// that head's tree under the exclusive lock. The worker's slot records
// which head is being serviced so teardown can wait for in-flight work.
func (c *Cache) drainOne(slot *atomic.Uint64, ref uint64) {
	headID := c.seg.Owner(ref)
	rs := rowStore{seg: c.seg, ref: ref}
	h := c.headByID(headID)
	if h == nil {
		// The head was truncated or replaced after this store was
		// queued; drop the queue's reference.
		rs.release()
		return
	}
	slot.Store(headID)
	defer slot.Store(0)
	defer h.release()

	if !c.pace(rs.numRows()) {
		// Shutting down mid-wait; the store stays on the pending list
		// and is reclaimed by the head's final release.
		rs.release()
		return
	}

	start := crtime.NowMono()
	h.lock.Lock()
	rows, left, err := h.drainRowStore(rs)
	h.lock.Unlock()
	if err != nil {
		c.opts.Logger.Errorf("colcache: drain of %s failed: %v", h.name, err)
		c.opts.EventListener.BackgroundError(err)
		rs.release()
		return
	}
	if left == 0 {
		h.removePending(rs)
	} else {
		// The leftover rows belong to a block that already fills a whole
		// chunk. They stay row-resident: the store remains on the pending
		// list, where scans still see them.
		c.opts.Logger.Infof("colcache: %d rows of %s stay row-resident", left, h.name)
	}
	rs.release()
	c.metrics.RowsDrained.Add(float64(rows))
	c.opts.EventListener.Drain(DrainInfo{
		DBID: h.dbID, RelID: h.relID, Rows: rows, Duration: start.Elapsed(),
	})
}

// pace blocks until the drain rate limiter grants n rows. It returns
// false if the cache began shutting down while waiting.
func (c *Cache) pace(n int) bool {
	if c.drainTB == nil {
		return true
	}
	for {
		ok, wait := c.drainTB.TryToFulfill(tokenbucket.Tokens(n))
		if ok {
			return true
		}
		select {
		case <-c.stop:
			return false
		case <-time.After(wait):
		}
	}
}

// houseKeep performs at most one unit of tree maintenance (compaction or
// chunk merge) on some head. Runs when a worker's wait for work times out.
func (c *Cache) houseKeep(slot *atomic.Uint64) {
	done := false
	for _, h := range c.headsSnapshot() {
		if !done {
			slot.Store(h.id)
			h.lock.Lock()
			done = h.maintainOnce()
			h.lock.Unlock()
			slot.Store(0)
		}
		h.release()
	}
}

// waitHeadIdle blocks until no columnizer is servicing the given head.
// Part of the teardown ordering: stop feeding work, wait out in-flight
// work, then free the tree and the head.
func (c *Cache) waitHeadIdle(id uint64) {
	for {
		busy := false
		for i := range c.colSlots {
			if c.colSlots[i].Load() == id {
				busy = true
				break
			}
		}
		if !busy {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
