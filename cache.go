// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package colcache implements a columnar caching layer in front of a
// row-oriented table store. Frequently scanned columns are kept resident
// in a fixed memory segment as compact typed arrays, organized as a
// self-balancing tree of chunks partitioned by physical block number,
// with an append-only row-store front end absorbing new rows until
// background workers columnarize them. The cache holds no durable state:
// it is rebuilt from the row store on first access.
package colcache

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/swiss"
	"github.com/cockroachdb/tokenbucket"
	"github.com/ramsingla/colcache/internal/base"
	"github.com/ramsingla/colcache/internal/invariants"
	"github.com/ramsingla/colcache/internal/shmseg"
	"golang.org/x/sync/errgroup"
)

type relKey struct {
	db  DatabaseID
	rel RelationID
}

// Cache is the service object owning the memory segment, the head
// registry and the background columnizer pool. All methods are safe for
// concurrent use. Construct with Open; Close releases everything (callers
// must close their scans first).
type Cache struct {
	opts    *Options
	seg     *shmseg.Segment
	pool    *nodePool
	work    *shmseg.Queue
	metrics *Metrics
	drainTB *tokenbucket.TokenBucket

	grp      errgroup.Group
	stop     chan struct{}
	colSlots []atomic.Uint64

	mu         sync.Mutex
	closedFlag bool
	nextHeadID uint64
	byRel      *swiss.Map[relKey, *cacheHead]
	byID       *swiss.Map[uint64, *cacheHead]
	lru        []*cacheHead // most recently used first

	closed invariants.CloseChecker
}

// Open maps the memory segment and starts the columnizer pool.
func Open(opts *Options) (*Cache, error) {
	opts.EnsureDefaults()
	if opts.Catalog == nil || opts.Scanner == nil {
		return nil, errors.AssertionFailedf("colcache: Options.Catalog and Options.Scanner are required")
	}
	seg, err := shmseg.New(opts.SegmentSize)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		opts:       opts,
		seg:        seg,
		pool:       newNodePool(seg),
		work:       shmseg.NewQueue(seg),
		stop:       make(chan struct{}),
		nextHeadID: 1,
		byRel:      swiss.New[relKey, *cacheHead](16),
		byID:       swiss.New[uint64, *cacheHead](16),
	}
	c.metrics = newMetrics(seg, func() int {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.lru)
	})
	if opts.MetricsRegistry != nil {
		if err := c.metrics.register(opts.MetricsRegistry); err != nil {
			_ = seg.Close()
			return nil, err
		}
	}
	if opts.DrainRate > 0 {
		c.drainTB = &tokenbucket.TokenBucket{}
		c.drainTB.Init(opts.DrainRate, tokenbucket.Tokens(opts.DrainRate))
	}
	c.startColumnizers()
	return c, nil
}

// Close stops the workers, tears down every head (LRU order, least
// recently used first), and unmaps the segment. Scans must be closed
// before Close is called.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closedFlag {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closedFlag = true
	heads := append([]*cacheHead(nil), c.lru...)
	c.lru = nil
	c.byRel = swiss.New[relKey, *cacheHead](1)
	c.byID = swiss.New[uint64, *cacheHead](1)
	c.mu.Unlock()

	c.work.Shutdown()
	close(c.stop)
	err := c.grp.Wait()

	// Drain leftover queue entries so their references are dropped
	// before the heads release the stores.
	for {
		ref, ok := c.work.TryDequeue()
		if !ok {
			break
		}
		rowStore{seg: c.seg, ref: ref}.release()
	}
	for i := len(heads) - 1; i >= 0; i-- {
		heads[i].release()
	}
	c.pool.close()
	c.closed.Close()
	return errors.CombineErrors(err, c.seg.Close())
}

// Metrics returns the cache's collectors. The per-tag segment gauges are
// refreshed on call.
func (c *Cache) Metrics() *Metrics {
	c.metrics.sampleSegment()
	return c.metrics
}

// SegmentStats returns a snapshot of allocator usage.
func (c *Cache) SegmentStats() shmseg.Stats {
	return c.seg.Stats()
}

// touchLRU moves h to the front. Caller holds c.mu.
func (c *Cache) touchLRU(h *cacheHead) {
	for i := range c.lru {
		if c.lru[i] == h {
			copy(c.lru[1:i+1], c.lru[:i])
			c.lru[0] = h
			return
		}
	}
}

// acquireHead returns a retained head for (db, rel) covering colIDs,
// creating one on first touch. A hit that lacks some requested columns is
// replaced by a wider head caching the union; the old head is unlinked
// once the replacement is installed and dies with its last reference.
// Heads are only ever widened, never narrowed.
func (c *Cache) acquireHead(dbID DatabaseID, relID RelationID, colIDs []int32) (*cacheHead, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closedFlag {
		return nil, ErrClosed
	}
	key := relKey{dbID, relID}
	old, haveOld := c.byRel.Get(key)
	if haveOld && old.covers(colIDs) {
		old.retain()
		c.touchLRU(old)
		return old, nil
	}

	desc, err := c.opts.Catalog.Relation(dbID, relID)
	if err != nil {
		return nil, err
	}
	want := colIDs
	if haveOld {
		want = append(old.cachedIDs(), colIDs...)
	}
	h, err := newCacheHead(c, c.nextHeadID, desc, want)
	if err != nil {
		return nil, err
	}
	c.nextHeadID++
	c.byRel.Put(key, h)
	c.byID.Put(h.id, h)
	c.lru = append([]*cacheHead{h}, c.lru...)
	if haveOld {
		c.unlinkLocked(old)
	}
	h.retain()
	return h, nil
}

// lookupHead returns a retained head for (db, rel) if one is registered.
func (c *Cache) lookupHead(dbID DatabaseID, relID RelationID) *cacheHead {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byRel.Get(relKey{dbID, relID})
	if !ok {
		return nil
	}
	h.retain()
	c.touchLRU(h)
	return h
}

// headByID resolves a registry id (as stamped on queued row stores) to a
// retained head, or nil if the head has been unlinked since.
func (c *Cache) headByID(id uint64) *cacheHead {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byID.Get(id)
	if !ok {
		return nil
	}
	h.retain()
	return h
}

// headsSnapshot returns the registered heads, retained, in LRU order.
func (c *Cache) headsSnapshot() []*cacheHead {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*cacheHead, len(c.lru))
	for i, h := range c.lru {
		h.retain()
		out[i] = h
	}
	return out
}

// unlinkLocked removes h from the registry; its registry reference is
// dropped. Caller holds c.mu.
func (c *Cache) unlinkLocked(h *cacheHead) {
	if got, ok := c.byRel.Get(relKey{h.dbID, h.relID}); ok && got == h {
		c.byRel.Delete(relKey{h.dbID, h.relID})
	}
	c.byID.Delete(h.id)
	for i := range c.lru {
		if c.lru[i] == h {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			break
		}
	}
	h.release()
}

// unlink removes the relation's head (if any), waits for in-flight
// columnizer work on it, and drops the registry reference.
func (c *Cache) unlink(dbID DatabaseID, relID RelationID) {
	c.mu.Lock()
	h, ok := c.byRel.Get(relKey{dbID, relID})
	if !ok {
		c.mu.Unlock()
		return
	}
	id := h.id
	h.retain()
	c.unlinkLocked(h)
	c.mu.Unlock()

	c.waitHeadIdle(id)
	h.release()
}

// OnInsert delivers a row-insert event. The new row lands in the
// relation's current row store; with no registered head the event is a
// no-op, as a later cold build reads the row from the relation.
func (c *Cache) OnInsert(dbID DatabaseID, relID RelationID, t Tuple) error {
	h := c.lookupHead(dbID, relID)
	if h == nil {
		return nil
	}
	defer h.release()
	return h.insertTuple(t)
}

// OnUpdate delivers a row-update event: the old version is marked dead
// where cached, and the new version is buffered. The two steps are not
// atomic; a concurrent reader can transiently observe zero or two
// versions of the logical row, bounded by the enclosing lock hold times.
func (c *Cache) OnUpdate(dbID DatabaseID, relID RelationID, oldCTID base.ItemPointer, newTuple Tuple) error {
	h := c.lookupHead(dbID, relID)
	if h == nil {
		return nil
	}
	defer h.release()
	h.markTupleDead(oldCTID)
	return h.insertTuple(newTuple)
}

// OnDelete delivers a row-delete event.
func (c *Cache) OnDelete(dbID DatabaseID, relID RelationID, ctid base.ItemPointer) {
	if h := c.lookupHead(dbID, relID); h != nil {
		h.markTupleDead(ctid)
		h.release()
	}
}

// OnTruncate unlinks the relation's cache wholesale. The next scan
// rebuilds from scratch.
func (c *Cache) OnTruncate(dbID DatabaseID, relID RelationID) {
	c.unlink(dbID, relID)
}

// OnObjectAlter invalidates the relation's cache after a schema change;
// the cached column metadata is a private copy and may be stale.
func (c *Cache) OnObjectAlter(dbID DatabaseID, relID RelationID) {
	c.unlink(dbID, relID)
}

// OnObjectDrop removes the dropped relation's cache.
func (c *Cache) OnObjectDrop(dbID DatabaseID, relID RelationID) {
	c.unlink(dbID, relID)
}

// OnPagePrune applies a vacuum-style page prune: cached item pointers on
// the block follow their redirects, and pointers whose slot disappeared
// are dropped from future scans.
func (c *Cache) OnPagePrune(dbID DatabaseID, relID RelationID, blkno base.BlockNumber, redirects []PruneRedirect) {
	if h := c.lookupHead(dbID, relID); h != nil {
		h.vacuumPage(blkno, redirects)
		h.release()
	}
}

// HeadStats summarizes one registered head for diagnostics.
type HeadStats struct {
	DBID      DatabaseID
	RelID     RelationID
	Name      string
	State     string
	Columns   int
	Chunks    int
	TreeDepth int
	Pending   int
}

// Stats returns a snapshot of every registered head, most recently used
// first.
func (c *Cache) Stats() []HeadStats {
	heads := c.headsSnapshot()
	out := make([]HeadStats, 0, len(heads))
	for _, h := range heads {
		h.lock.RLock()
		h.mu.Lock()
		st := HeadStats{
			DBID:      h.dbID,
			RelID:     h.relID,
			Name:      h.name,
			State:     h.getState().String(),
			Columns:   len(h.cols),
			Chunks:    h.nchunks,
			TreeDepth: h.treeDepth(),
			Pending:   len(h.pending),
		}
		if h.hasCurr {
			st.Pending++
		}
		h.mu.Unlock()
		h.lock.RUnlock()
		out = append(out, st)
		h.release()
	}
	return out
}

// Dump writes a diagnostic listing of the segment and every head.
func (c *Cache) Dump(w io.Writer) {
	for _, st := range c.Stats() {
		fmt.Fprintf(w, "head %d/%d %q state=%s cols=%d chunks=%d depth=%d pending=%d\n",
			st.DBID, st.RelID, st.Name, st.State, st.Columns, st.Chunks,
			st.TreeDepth, st.Pending)
	}
	c.seg.Dump(w)
}
