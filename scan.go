// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colcache

import (
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/ramsingla/colcache/internal/base"
	"github.com/ramsingla/colcache/internal/colfmt"
)

// ChunkKind tags what a scan returned: a columnar chunk of typed arrays,
// or a row-store chunk of raw tuples the consumer must deform itself.
type ChunkKind uint8

const (
	ChunkColumnStore ChunkKind = iota
	ChunkRowStore
)

// Chunk is a referenced view of one unit of scan output. It stays valid,
// even across concurrent compaction of the cache, until Release.
type Chunk struct {
	kind ChunkKind
	cols colfmt.ColumnMetas
	cs   columnStore
	rs   rowStore
}

// Kind returns the chunk's tag.
func (ch *Chunk) Kind() ChunkKind { return ch.kind }

// Columns describes the chunk's columns: the cached subset for a
// column-store chunk, the full relation layout for a row-store chunk.
func (ch *Chunk) Columns() colfmt.ColumnMetas { return ch.cols }

// NumRows returns the number of row slots, junk rows and holes included.
func (ch *Chunk) NumRows() int {
	if ch.kind == ChunkColumnStore {
		return ch.cs.numRows()
	}
	return ch.rs.numRows()
}

// ItemPointer returns row i's physical address, or an invalid pointer for
// a row-store hole.
func (ch *Chunk) ItemPointer(i int) base.ItemPointer {
	if ch.kind == ChunkColumnStore {
		return ch.cs.ctids()[i]
	}
	ctid, _, _, ok := ch.rs.tupleAt(i)
	if !ok {
		return base.ItemPointer{Blkno: base.InvalidBlockNumber}
	}
	return ctid
}

// RowDead reports whether row i is junk (logically deleted) or a hole.
// Consumers skip such rows.
func (ch *Chunk) RowDead(i int) bool {
	if ch.kind == ChunkColumnStore {
		return ch.cs.sys()[i].Dead()
	}
	_, sys, _, ok := ch.rs.tupleAt(i)
	return !ok || sys.Dead()
}

// Column returns a typed view of cached column j. Column-store chunks
// only.
func (ch *Chunk) Column(j int) colfmt.Vec {
	if ch.kind != ChunkColumnStore {
		panic(errors.AssertionFailedf("colcache: Column on a row-store chunk"))
	}
	return ch.cs.vec(j)
}

// Bytes resolves row i's value of variable-width cached column j. The
// second result is false for NULL.
func (ch *Chunk) Bytes(j, i int) ([]byte, bool) {
	if ch.kind != ChunkColumnStore {
		panic(errors.AssertionFailedf("colcache: Bytes on a row-store chunk"))
	}
	return ch.cs.bytesAt(j, i)
}

// Tuple returns row i of a row-store chunk. ok is false for holes. The
// data aliases cache memory and is valid until Release.
func (ch *Chunk) Tuple(i int) (Tuple, bool) {
	if ch.kind != ChunkRowStore {
		panic(errors.AssertionFailedf("colcache: Tuple on a column-store chunk"))
	}
	ctid, sys, data, ok := ch.rs.tupleAt(i)
	if !ok {
		return Tuple{}, false
	}
	return Tuple{CTID: ctid, Xmin: sys.Xmin, Data: data}, true
}

// Checksum fingerprints a column-store chunk's row identity. Useful for
// diagnostics; a chunk and its deep copy hash equal.
func (ch *Chunk) Checksum() uint64 {
	if ch.kind != ChunkColumnStore {
		panic(errors.AssertionFailedf("colcache: Checksum on a row-store chunk"))
	}
	return ch.cs.checksum()
}

// Release drops the chunk's reference on the underlying storage.
func (ch *Chunk) Release() {
	if ch.kind == ChunkColumnStore {
		ch.cs.release()
	} else {
		ch.rs.release()
	}
}

// ScanDesc is a cursor over one relation's cache. Forward scans yield the
// tree's chunks in ascending block-number order followed by the unordered
// row-store buffers; backward scans mirror that. There is no total order
// across the row-store boundary. A descriptor is single-direction: the
// first Next or Prev after BeginScan or Rescan fixes it.
type ScanDesc struct {
	c *Cache
	h *cacheHead

	started  bool
	forward  bool
	treeDone bool
	nextBlk  uint32
	rsIdx    int
	rsSnap   []rowStore

	filterFn   FuncID
	filterDecl string
}

// BeginScan opens a scan of the given columns, creating (or widening) the
// relation's cache head and cold-building the tree on first use. A scan
// issued while another is mid-build blocks until the cache is ready.
func (c *Cache) BeginScan(dbID DatabaseID, relID RelationID, colIDs []int32) (*ScanDesc, error) {
	h, err := c.acquireHead(dbID, relID, colIDs)
	if err != nil {
		return nil, err
	}
	if err := c.ensureBuilt(h); err != nil {
		h.release()
		return nil, err
	}
	sd := &ScanDesc{c: c, h: h}
	sd.snapshotRowStores()
	return sd, nil
}

// ensureBuilt runs the NOT_BUILT → NOW_BUILD → READY state machine. The
// builder holds the exclusive lock for the whole physical scan, so
// concurrent scans block here instead of starting a second build. A build
// that fails partway discards the whole tree: the next scan starts over
// rather than reading a half-built cache.
func (c *Cache) ensureBuilt(h *cacheHead) error {
	if h.getState() == stateReady {
		return nil
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.getState() == stateReady {
		// Built while we waited for the lock.
		return nil
	}
	h.setState(stateNowBuild)
	c.metrics.ColdBuilds.Inc()
	start := crtime.NowMono()

	scan, err := c.opts.Scanner.Open(h.dbID, h.relID)
	var rows int
	if err == nil {
		rows, err = h.buildFromScan(scan)
		err = errors.CombineErrors(err, scan.Close())
	}
	if err != nil {
		h.freeTree()
		h.setState(stateNotBuilt)
		c.opts.EventListener.BuildEnd(BuildInfo{
			DBID: h.dbID, RelID: h.relID, Err: err,
		})
		return err
	}
	h.setState(stateReady)
	c.opts.EventListener.BuildEnd(BuildInfo{
		DBID: h.dbID, RelID: h.relID,
		Rows: rows, Chunks: h.nchunks, Duration: start.Elapsed(),
	})
	return nil
}

// snapshotRowStores pins the head's buffered row stores for this scan.
// The snapshot keeps a store readable even after a columnizer drains and
// detaches it.
func (sd *ScanDesc) snapshotRowStores() {
	h := sd.h
	h.mu.Lock()
	defer h.mu.Unlock()
	sd.rsSnap = sd.rsSnap[:0]
	for _, rs := range h.pending {
		rs.retain()
		sd.rsSnap = append(sd.rsSnap, rs)
	}
	if h.hasCurr {
		h.curr.retain()
		sd.rsSnap = append(sd.rsSnap, h.curr)
	}
}

func (sd *ScanDesc) releaseSnapshot() {
	for _, rs := range sd.rsSnap {
		rs.release()
	}
	sd.rsSnap = sd.rsSnap[:0]
}

// Next returns the next chunk of a forward scan, or nil at the end.
func (sd *ScanDesc) Next() (*Chunk, error) {
	if !sd.started {
		sd.started, sd.forward = true, true
		sd.treeDone, sd.nextBlk, sd.rsIdx = false, 0, 0
	} else if !sd.forward {
		return nil, nil
	}
	h := sd.h
	if !sd.treeDone {
		h.lock.RLock()
		if ref := h.findNext(sd.nextBlk); ref != 0 {
			cs := h.chunk(h.node(ref).csRef)
			cs.retain()
			_, maxB := cs.blknoRange()
			h.lock.RUnlock()
			if maxB >= uint32(base.MaxBlockNumber) {
				sd.treeDone = true
			} else {
				sd.nextBlk = maxB + 1
			}
			return &Chunk{kind: ChunkColumnStore, cols: h.cols, cs: cs}, nil
		}
		h.lock.RUnlock()
		sd.treeDone = true
		sd.rsIdx = 0
	}
	if sd.rsIdx < len(sd.rsSnap) {
		rs := sd.rsSnap[sd.rsIdx]
		sd.rsIdx++
		rs.retain()
		return &Chunk{kind: ChunkRowStore, cols: h.relDesc, rs: rs}, nil
	}
	return nil, nil
}

// Prev returns the next chunk of a backward scan, or nil at the end: the
// row-store buffers first, then the tree's chunks in descending
// block-number order.
func (sd *ScanDesc) Prev() (*Chunk, error) {
	if !sd.started {
		sd.started, sd.forward = true, false
		sd.treeDone = false
		sd.nextBlk = uint32(base.MaxBlockNumber)
		sd.rsIdx = len(sd.rsSnap) - 1
	} else if sd.forward {
		return nil, nil
	}
	h := sd.h
	if sd.rsIdx >= 0 {
		rs := sd.rsSnap[sd.rsIdx]
		sd.rsIdx--
		rs.retain()
		return &Chunk{kind: ChunkRowStore, cols: h.relDesc, rs: rs}, nil
	}
	if !sd.treeDone {
		h.lock.RLock()
		if ref := h.findPrev(sd.nextBlk); ref != 0 {
			cs := h.chunk(h.node(ref).csRef)
			cs.retain()
			minB, _ := cs.blknoRange()
			h.lock.RUnlock()
			if minB == 0 {
				sd.treeDone = true
			} else {
				sd.nextBlk = minB - 1
			}
			return &Chunk{kind: ChunkColumnStore, cols: h.cols, cs: cs}, nil
		}
		h.lock.RUnlock()
		sd.treeDone = true
	}
	return nil, nil
}

// Rescan resets the cursor to the beginning and refreshes the row-store
// snapshot.
func (sd *ScanDesc) Rescan() {
	sd.releaseSnapshot()
	sd.snapshotRowStores()
	sd.started = false
	sd.treeDone = false
}

// CompileFilter asks the external expression service for a device-callable
// filter to apply to this scan's chunks. Returns ErrExprIncompatible when
// the expression cannot run on the device; the caller then filters
// row-by-row itself.
func (sd *ScanDesc) CompileFilter(expr string) (FuncID, error) {
	if sd.c.opts.ExprCompiler == nil {
		return 0, ErrExprIncompatible
	}
	fn, decl, err := sd.c.opts.ExprCompiler.Compile(expr)
	if err != nil {
		return 0, err
	}
	sd.filterFn, sd.filterDecl = fn, decl
	return fn, nil
}

// FilterDecl returns the declaration text of the compiled filter, if any.
func (sd *ScanDesc) FilterDecl() string { return sd.filterDecl }

// Close ends the scan and releases everything it pinned.
func (sd *ScanDesc) Close() {
	sd.releaseSnapshot()
	sd.h.release()
	sd.h = nil
}
