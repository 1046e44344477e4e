// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colcache

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/ramsingla/colcache/internal/base"
	"github.com/ramsingla/colcache/internal/shmseg"
)

// rsHeader sits at the start of a row-store block. The offset table grows
// from headUsage upward while tuple records grow from tailUsage downward;
// insertion fails once they would meet. All offsets are relative to the
// block's data reference.
type rsHeader struct {
	refcnt    atomic.Int32
	nrows     int32
	headUsage uint32
	tailUsage uint32
	length    uint32
	blknoMin  uint32
	blknoMax  uint32
	_         uint32
}

const rsHeaderSize = uint64(unsafe.Sizeof(rsHeader{}))

// rsTupleHeader prefixes each stored tuple record.
type rsTupleHeader struct {
	ctid base.ItemPointer
	sys  base.SysHeader
	dlen uint32
	_    uint32
}

const rsTupleHeaderSize = uint32(unsafe.Sizeof(rsTupleHeader{}))

// rowStore is a handle on an append-only write buffer of raw tuples: the
// landing zone for rows observed before columnarization. Once full it is
// detached from "current" and queued for a background drain; its contents
// are immutable thereafter except for the system-header dead marks written
// by updates, deletes and page prunes.
type rowStore struct {
	seg *shmseg.Segment
	ref uint64
}

func (rs rowStore) hdr() *rsHeader {
	return (*rsHeader)(rs.seg.Ptr(rs.ref))
}

// newRowStore allocates an empty row store of the given byte capacity.
func newRowStore(seg *shmseg.Segment, size uint64) (rowStore, error) {
	ref, err := seg.Alloc(shmseg.TagRowStore, size)
	if err != nil {
		return rowStore{}, err
	}
	rs := rowStore{seg: seg, ref: ref}
	hdr := rs.hdr()
	hdr.refcnt.Store(1)
	hdr.headUsage = uint32(rsHeaderSize)
	hdr.tailUsage = uint32(size)
	hdr.length = uint32(size)
	hdr.blknoMin = uint32(base.InvalidBlockNumber)
	hdr.blknoMax = 0
	return rs, nil
}

func (rs rowStore) retain() {
	rs.hdr().refcnt.Add(1)
}

func (rs rowStore) release() {
	if n := rs.hdr().refcnt.Add(-1); n == 0 {
		rs.seg.Free(rs.ref)
	} else if n < 0 {
		panic(errors.AssertionFailedf("colcache: row store refcount %d", n))
	}
}

func (rs rowStore) offsets() []uint32 {
	return unsafe.Slice((*uint32)(rs.seg.Ptr(rs.ref+rsHeaderSize)), rs.hdr().nrows)
}

// insert appends t. It returns false when the offset table would collide
// with tuple data; the caller rotates to a fresh store and retries there.
func (rs rowStore) insert(t Tuple) bool {
	hdr := rs.hdr()
	need := (rsTupleHeaderSize + uint32(len(t.Data)) + 7) &^ 7
	if hdr.headUsage+4+need > hdr.tailUsage {
		return false
	}
	hdr.tailUsage -= need
	rec := (*rsTupleHeader)(rs.seg.Ptr(rs.ref + uint64(hdr.tailUsage)))
	rec.ctid = t.CTID
	rec.sys = base.SysHeader{Xmin: t.Xmin}
	rec.dlen = uint32(len(t.Data))
	if len(t.Data) > 0 {
		dst := unsafe.Slice(
			(*byte)(rs.seg.Ptr(rs.ref+uint64(hdr.tailUsage)+uint64(rsTupleHeaderSize))),
			len(t.Data))
		copy(dst, t.Data)
	}
	// Record the offset, then bump nrows so readers never see a zero
	// entry for a committed slot.
	off := (*uint32)(rs.seg.Ptr(rs.ref + rsHeaderSize + uint64(hdr.nrows)*4))
	*off = hdr.tailUsage
	hdr.nrows++
	hdr.headUsage += 4

	if blkno := uint32(t.CTID.Blkno); hdr.blknoMin == uint32(base.InvalidBlockNumber) {
		hdr.blknoMin, hdr.blknoMax = blkno, blkno
	} else {
		hdr.blknoMin = min(hdr.blknoMin, blkno)
		hdr.blknoMax = max(hdr.blknoMax, blkno)
	}
	return true
}

func (rs rowStore) numRows() int {
	return int(rs.hdr().nrows)
}

// tupleAt returns the i'th stored tuple. ok is false for a hole (an entry
// cleared by vacuum). The sys pointer addresses the stored system header
// directly so callers can mark the row dead in place; data aliases segment
// memory.
func (rs rowStore) tupleAt(i int) (ctid base.ItemPointer, sys *base.SysHeader, data []byte, ok bool) {
	off := rs.offsets()[i]
	if off == 0 {
		return base.ItemPointer{}, nil, nil, false
	}
	rec := (*rsTupleHeader)(rs.seg.Ptr(rs.ref + uint64(off)))
	if rec.dlen > 0 {
		data = unsafe.Slice(
			(*byte)(rs.seg.Ptr(rs.ref+uint64(off)+uint64(rsTupleHeaderSize))),
			rec.dlen)
	}
	return rec.ctid, &rec.sys, data, true
}

// setCTID rewrites the item pointer of the i'th tuple. Used when a page
// prune redirects a line pointer.
func (rs rowStore) setCTID(i int, ctid base.ItemPointer) {
	off := rs.offsets()[i]
	if off == 0 {
		return
	}
	rec := (*rsTupleHeader)(rs.seg.Ptr(rs.ref + uint64(off)))
	rec.ctid = ctid
}

// clearSlot punches a hole at index i. The tuple bytes stay where they are
// but are no longer reachable; scans skip holes.
func (rs rowStore) clearSlot(i int) {
	rs.offsets()[i] = 0
}

func (rs rowStore) blknoRange() (uint32, uint32) {
	hdr := rs.hdr()
	return hdr.blknoMin, hdr.blknoMax
}
