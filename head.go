// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colcache

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/ramsingla/colcache/internal/base"
	"github.com/ramsingla/colcache/internal/colfmt"
	"github.com/ramsingla/colcache/internal/rowenc"
)

type headState int32

const (
	stateNotBuilt headState = iota
	stateNowBuild
	stateReady
)

func (s headState) String() string {
	switch s {
	case stateNotBuilt:
		return "not-built"
	case stateNowBuild:
		return "now-build"
	case stateReady:
		return "ready"
	}
	return "unknown"
}

// cacheHead is the registry entry for one (database, relation,
// cached-column superset): it owns the cache tree, the row-store write
// buffers, and the build state machine. The metadata is a private copy,
// independent of catalog lifetime.
//
// Lock order: head.lock (tier 2) before head.mu or a node's mu (tier 3);
// the allocator mutex (tier 1) nests inside everything via alloc calls.
type cacheHead struct {
	c     *Cache
	id    uint64 // registry id, stamped as owner on queued row stores
	dbID  DatabaseID
	relID RelationID
	name  string

	relDesc colfmt.ColumnMetas // full row layout
	cached  []int              // indexes into relDesc of the cached columns
	cols    colfmt.ColumnMetas // cached columns only, parallel to cached

	refs  atomic.Int32
	state atomic.Int32

	lock sync.RWMutex // tree shape, cold build, compaction, merge
	mu   sync.Mutex   // row-store lists

	root    uint64
	nchunks int

	curr    rowStore
	hasCurr bool
	pending []rowStore // detached stores awaiting drain, oldest first
}

// newCacheHead builds a head caching the union of desc's columns named by
// colIDs. The descriptor's column metadata is copied.
func newCacheHead(c *Cache, id uint64, desc *RelationDesc, colIDs []int32) (*cacheHead, error) {
	h := &cacheHead{
		c:       c,
		id:      id,
		dbID:    desc.DBID,
		relID:   desc.RelID,
		name:    desc.Name,
		relDesc: append(colfmt.ColumnMetas(nil), desc.Columns...),
	}
	h.refs.Store(1)
	for _, id := range colIDs {
		idx := -1
		for j := range h.relDesc {
			if h.relDesc[j].ID == id {
				idx = j
				break
			}
		}
		if idx < 0 {
			return nil, errors.Wrapf(ErrColumnNotCached,
				"column id %d of relation %q", id, desc.Name)
		}
		h.cached = append(h.cached, idx)
	}
	sortInts(h.cached)
	for _, idx := range h.cached {
		h.cols = append(h.cols, h.relDesc[idx])
	}
	return h, nil
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// covers reports whether every requested column id is already cached.
func (h *cacheHead) covers(colIDs []int32) bool {
	for _, id := range colIDs {
		found := false
		for _, idx := range h.cached {
			if h.relDesc[idx].ID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// cachedIDs returns the cached columns' ids, for widening replacement.
func (h *cacheHead) cachedIDs() []int32 {
	ids := make([]int32, len(h.cached))
	for k, idx := range h.cached {
		ids[k] = h.relDesc[idx].ID
	}
	return ids
}

func (h *cacheHead) retain() {
	h.refs.Add(1)
}

// release drops one reference. The final release tears the head down:
// tree first, then the row stores. Callers must already have stopped
// scans and waited out in-flight background work (Cache handles both).
func (h *cacheHead) release() {
	n := h.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(errors.AssertionFailedf("colcache: head refcount %d", n))
	}
	h.freeTree()
	if h.hasCurr {
		h.curr.release()
		h.hasCurr = false
	}
	for _, rs := range h.pending {
		rs.release()
	}
	h.pending = nil
}

func (h *cacheHead) getState() headState {
	return headState(h.state.Load())
}

func (h *cacheHead) setState(s headState) {
	h.state.Store(int32(s))
}

// projectRow deforms a full row image and selects the cached columns into
// scratch. The datums alias data.
func (h *cacheHead) projectRow(data []byte, scratch []rowenc.Datum) ([]rowenc.Datum, error) {
	datums, err := rowenc.DeformTuple(h.relDesc, data)
	if err != nil {
		return nil, err
	}
	for k, idx := range h.cached {
		scratch[k] = datums[idx]
	}
	return scratch, nil
}

// insertTuple lands a newly observed row in the current row store,
// rotating to a fresh store (and waking a columnizer) when full. Runs
// under the shared head lock; tree shape is never touched here.
func (h *cacheHead) insertTuple(t Tuple) error {
	h.lock.RLock()
	defer h.lock.RUnlock()
	if h.getState() != stateReady {
		// No materialized cache to keep coherent; the next cold build
		// reads the row from the relation itself.
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	rotated := false
	for {
		if !h.hasCurr {
			rs, err := newRowStore(h.c.seg, h.c.opts.RowStoreSize)
			if err != nil {
				return err
			}
			h.curr, h.hasCurr = rs, true
		}
		if h.curr.insert(t) {
			h.c.metrics.RowsInserted.Inc()
			return nil
		}
		if rotated {
			return errors.Newf(
				"colcache: tuple of %d bytes exceeds row store capacity", len(t.Data))
		}
		h.rotateLocked()
		rotated = true
	}
}

// rotateLocked detaches the current row store onto the pending list and
// the columnizer work queue. Caller holds h.mu.
func (h *cacheHead) rotateLocked() {
	rs := h.curr
	h.hasCurr = false
	h.pending = append(h.pending, rs) // keeps the creation reference
	rs.retain()                       // the queue's reference
	h.c.seg.SetOwner(rs.ref, h.id)
	if err := h.c.work.Enqueue(rs.ref); err != nil {
		// Shutting down; the pending list still owns the store and the
		// final release will reclaim it.
		rs.release()
	}
}

// flushCurrent queues the current row store even if not full. Used by
// tests and the drain-on-close path.
func (h *cacheHead) flushCurrent() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hasCurr && h.curr.numRows() > 0 {
		h.rotateLocked()
	}
}

// markTupleDead locates the row with the given item pointer in the tree
// or the row-store buffers and stamps it with the frozen sentinel. It
// returns false if no live copy was found (e.g. the row predates the
// cache). Runs under the shared head lock.
func (h *cacheHead) markTupleDead(ctid base.ItemPointer) bool {
	h.lock.RLock()
	defer h.lock.RUnlock()

	if ref := h.findNext(uint32(ctid.Blkno)); ref != 0 {
		n := h.node(ref)
		cs := h.chunk(n.csRef)
		if minB, _ := cs.blknoRange(); minB <= uint32(ctid.Blkno) {
			n.mu.Lock()
			if i := cs.findByCTID(ctid); i >= 0 && !cs.sys()[i].Dead() {
				cs.markDead(i)
				n.mu.Unlock()
				return true
			}
			n.mu.Unlock()
		}
	}

	// Fast path for rows not yet columnarized: probe the pending stores
	// and the current store.
	h.mu.Lock()
	defer h.mu.Unlock()
	mark := func(rs rowStore) bool {
		for i := 0; i < rs.numRows(); i++ {
			c, sys, _, ok := rs.tupleAt(i)
			if ok && c.Compare(ctid) == 0 && !sys.Dead() {
				sys.MarkDead()
				return true
			}
		}
		return false
	}
	for _, rs := range h.pending {
		if mark(rs) {
			return true
		}
	}
	return h.hasCurr && mark(h.curr)
}

// vacuumPage applies a page prune to every cached copy of rows on blkno:
// redirected line pointers are rewritten in place (possibly clearing a
// chunk's sorted flag), reclaimed ones are marked dead in chunks and
// punched out of row stores.
func (h *cacheHead) vacuumPage(blkno base.BlockNumber, redirects []PruneRedirect) {
	rmap := make(map[base.OffsetNumber]base.OffsetNumber, len(redirects))
	for _, r := range redirects {
		rmap[r.From] = r.To
	}

	h.lock.RLock()
	defer h.lock.RUnlock()

	if ref := h.findNext(uint32(blkno)); ref != 0 {
		n := h.node(ref)
		cs := h.chunk(n.csRef)
		if minB, _ := cs.blknoRange(); minB <= uint32(blkno) {
			n.mu.Lock()
			ctids := cs.ctids()
			broken := false
			for i := range ctids {
				if ctids[i].Blkno != blkno {
					continue
				}
				to, ok := rmap[ctids[i].Offset]
				if !ok {
					continue
				}
				if to == base.InvalidOffsetNumber {
					cs.markDead(i)
					continue
				}
				ctids[i].Offset = to
				if i > 0 && ctids[i-1].Compare(ctids[i]) > 0 {
					broken = true
				}
				if i+1 < len(ctids) && ctids[i].Compare(ctids[i+1]) > 0 {
					broken = true
				}
			}
			if broken {
				cs.hdr().sorted = 0
			}
			n.mu.Unlock()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	prune := func(rs rowStore) {
		for i := 0; i < rs.numRows(); i++ {
			c, _, _, ok := rs.tupleAt(i)
			if !ok || c.Blkno != blkno {
				continue
			}
			to, hit := rmap[c.Offset]
			if !hit {
				continue
			}
			if to == base.InvalidOffsetNumber {
				rs.clearSlot(i)
			} else {
				c.Offset = to
				rs.setCTID(i, c)
			}
		}
	}
	for _, rs := range h.pending {
		prune(rs)
	}
	if h.hasCurr {
		prune(h.curr)
	}
}

// drainRowStore merges one detached row store into the tree. Caller holds
// the exclusive head lock. Holes and rows already marked dead are skipped;
// every successfully placed row has its slot punched out of the store, so
// a re-drain of the same store never duplicates rows. Rows of a block that
// already fills a whole chunk cannot be columnarized; they stay in the
// store and are counted in left.
func (h *cacheHead) drainRowStore(rs rowStore) (rows, left int, err error) {
	scratch := make([]rowenc.Datum, len(h.cols))
	for i := 0; i < rs.numRows(); i++ {
		ctid, sys, data, ok := rs.tupleAt(i)
		if !ok || sys.Dead() {
			continue
		}
		if h.columnarized(ctid) {
			// A prior partial drain already placed the row.
			rs.clearSlot(i)
			continue
		}
		values, err := h.projectRow(data, scratch)
		if err != nil {
			return rows, left, err
		}
		if err := h.treeInsert(ctid, *sys, values); err != nil {
			if errors.Is(err, errBlockOverflow) {
				left++
				continue
			}
			return rows, left, err
		}
		rs.clearSlot(i)
		rows++
	}
	return rows, left, nil
}

// columnarized reports whether any copy of ctid already sits in a tree
// chunk. Caller holds at least the shared head lock.
func (h *cacheHead) columnarized(ctid base.ItemPointer) bool {
	ref := h.findNext(uint32(ctid.Blkno))
	if ref == 0 {
		return false
	}
	cs := h.chunk(h.node(ref).csRef)
	if minB, _ := cs.blknoRange(); minB > uint32(ctid.Blkno) {
		return false
	}
	return cs.findByCTID(ctid) >= 0
}

// removePending drops rs from the pending list, releasing the list's
// reference. Called after a successful drain.
func (h *cacheHead) removePending(rs rowStore) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.pending {
		if h.pending[i].ref == rs.ref {
			h.pending = append(h.pending[:i], h.pending[i+1:]...)
			rs.release()
			return
		}
	}
}

// buildFromScan drives the one-time cold build: every tuple of the
// physical scan is inserted into the tree. Caller holds the exclusive
// lock and owns the NOW_BUILD state transition.
func (h *cacheHead) buildFromScan(scan TableScan) (rows int, err error) {
	scratch := make([]rowenc.Datum, len(h.cols))
	for {
		t, ok, err := scan.Next()
		if err != nil {
			return rows, err
		}
		if !ok {
			return rows, nil
		}
		values, err := h.projectRow(t.Data, scratch)
		if err != nil {
			return rows, err
		}
		if err := h.treeInsert(t.CTID, base.SysHeader{Xmin: t.Xmin}, values); err != nil {
			return rows, err
		}
		rows++
	}
}

// treeDepth returns the root's depth. Caller holds at least the shared
// lock.
func (h *cacheHead) treeDepth() int {
	return int(h.depthOf(h.root))
}
