// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colcache

import (
	"sort"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/ramsingla/colcache/internal/base"
	"github.com/ramsingla/colcache/internal/colfmt"
	"github.com/ramsingla/colcache/internal/invariants"
	"github.com/ramsingla/colcache/internal/rowenc"
	"github.com/ramsingla/colcache/internal/shmseg"
)

// csHeader sits at the start of a column-store block.
type csHeader struct {
	refcnt   atomic.Int32
	nrows    int32
	njunks   int32
	ncap     int32
	ncols    int32
	sorted   int32
	blknoMin uint32
	blknoMax uint32
}

const csHeaderSize = uint64(unsafe.Sizeof(csHeader{}))

// csColDir locates one cached column's arrays within the block. nullOff is
// zero for not-null columns. toastRef is the segment reference of the
// column's toast buffer; it changes when the buffer grows, which is why it
// lives in the block rather than in the Go-side handle.
type csColDir struct {
	nullOff  uint64
	valsOff  uint64
	toastRef uint64
}

const csColDirSize = uint64(unsafe.Sizeof(csColDir{}))

// initialToastBytes sizes a column's first toast buffer.
const initialToastBytes = 8 << 10

// columnStore is a handle on one chunk: up to ncap rows held as an
// item-pointer array, a mirrored system-header array, and per-column value
// arrays with optional null bitmaps and toast buffers, all carved out of a
// single allocator block. A chunk is owned by exactly one tree node;
// concurrent readers hold references, and destructive rebuilds (sort,
// compaction) run only under the owning head's exclusive lock.
type columnStore struct {
	seg  *shmseg.Segment
	ref  uint64
	cols colfmt.ColumnMetas
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// csLayout computes the block-relative offsets of every array. The layout
// is a pure function of (cols, ncap), so handles recompute it on attach
// instead of persisting it.
func csLayout(cols colfmt.ColumnMetas, ncap int) (dirs []csColDir, ctidsOff, sysOff, total uint64) {
	cur := alignUp(csHeaderSize+csColDirSize*uint64(len(cols)), 8)
	ctidsOff = cur
	cur += uint64(ncap) * uint64(unsafe.Sizeof(base.ItemPointer{}))
	sysOff = cur
	cur += uint64(ncap) * uint64(unsafe.Sizeof(base.SysHeader{}))
	dirs = make([]csColDir, len(cols))
	for j, col := range cols {
		if !col.NotNull {
			dirs[j].nullOff = cur
			cur += alignUp(uint64(colfmt.BitmapSize(ncap)), 8)
		}
		dirs[j].valsOff = cur
		cur += alignUp(uint64(ncap)*uint64(col.Type.CellWidth()), 8)
	}
	return dirs, ctidsOff, sysOff, cur
}

// newColumnStore allocates an empty chunk for the given cached columns.
// Toast buffers are created lazily on the first variable-length insert.
func newColumnStore(seg *shmseg.Segment, cols colfmt.ColumnMetas, ncap int) (columnStore, error) {
	dirs, _, _, total := csLayout(cols, ncap)
	ref, err := seg.Alloc(shmseg.TagColumnStore, total)
	if err != nil {
		return columnStore{}, err
	}
	cs := columnStore{seg: seg, ref: ref, cols: cols}
	hdr := cs.hdr()
	hdr.refcnt.Store(1)
	hdr.ncap = int32(ncap)
	hdr.ncols = int32(len(cols))
	hdr.sorted = 1
	hdr.blknoMin = uint32(base.InvalidBlockNumber)
	copy(cs.dirs(), dirs)
	return cs, nil
}

func (cs columnStore) hdr() *csHeader {
	return (*csHeader)(cs.seg.Ptr(cs.ref))
}

func (cs columnStore) dirs() []csColDir {
	return unsafe.Slice((*csColDir)(cs.seg.Ptr(cs.ref+csHeaderSize)), len(cs.cols))
}

func (cs columnStore) retain() {
	cs.hdr().refcnt.Add(1)
}

// release drops one reference. The last release also releases every toast
// buffer and returns the block to the allocator.
func (cs columnStore) release() {
	n := cs.hdr().refcnt.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(errors.AssertionFailedf("colcache: column store refcount %d", n))
	}
	for _, d := range cs.dirs() {
		if d.toastRef != 0 {
			toast{seg: cs.seg, ref: d.toastRef}.release()
		}
	}
	cs.seg.Free(cs.ref)
}

func (cs columnStore) numRows() int   { return int(cs.hdr().nrows) }
func (cs columnStore) numJunks() int  { return int(cs.hdr().njunks) }
func (cs columnStore) capacity() int  { return int(cs.hdr().ncap) }
func (cs columnStore) isSorted() bool { return cs.hdr().sorted != 0 }

func (cs columnStore) blknoRange() (uint32, uint32) {
	hdr := cs.hdr()
	return hdr.blknoMin, hdr.blknoMax
}

// ctidsOff and sysOff are the fixed-position prefixes of csLayout,
// computable without materializing the per-column directory.
func (cs columnStore) ctidsOff() uint64 {
	return alignUp(csHeaderSize+csColDirSize*uint64(len(cs.cols)), 8)
}

func (cs columnStore) sysOff() uint64 {
	return cs.ctidsOff() + uint64(cs.capacity())*uint64(unsafe.Sizeof(base.ItemPointer{}))
}

func (cs columnStore) ctids() []base.ItemPointer {
	return unsafe.Slice((*base.ItemPointer)(cs.seg.Ptr(cs.ref+cs.ctidsOff())), cs.hdr().nrows)
}

func (cs columnStore) sys() []base.SysHeader {
	return unsafe.Slice((*base.SysHeader)(cs.seg.Ptr(cs.ref+cs.sysOff())), cs.hdr().nrows)
}

// checksum fingerprints the chunk's row identity: the item-pointer and
// system-header arrays, order-sensitive. Two chunks holding the same rows
// in the same order hash equal regardless of where their value arrays or
// toast buffers live.
func (cs columnStore) checksum() uint64 {
	d := xxhash.New()
	if n := uint64(cs.hdr().nrows); n > 0 {
		_, _ = d.Write(unsafe.Slice((*byte)(cs.seg.Ptr(cs.ref+cs.ctidsOff())), n*8))
		_, _ = d.Write(unsafe.Slice((*byte)(cs.seg.Ptr(cs.ref+cs.sysOff())), n*8))
	}
	return d.Sum64()
}

// nullBitmap returns column j's null bitmap sized to capacity, or nil for
// a not-null column. A set bit means NULL.
func (cs columnStore) nullBitmap(j int) colfmt.Bitmap {
	d := cs.dirs()[j]
	if d.nullOff == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(cs.seg.Ptr(cs.ref+d.nullOff)), colfmt.BitmapSize(cs.capacity()))
}

func (cs columnStore) valsPtr(j int) unsafe.Pointer {
	return cs.seg.Ptr(cs.ref + cs.dirs()[j].valsOff)
}

// vec returns a typed view of column j over the first nrows rows.
func (cs columnStore) vec(j int) colfmt.Vec {
	return colfmt.MakeVec(cs.cols[j].Type, cs.hdr().nrows, cs.nullBitmap(j), cs.valsPtr(j))
}

func (cs columnStore) colToast(j int) (toast, bool) {
	if ref := cs.dirs()[j].toastRef; ref != 0 {
		return toast{seg: cs.seg, ref: ref}, true
	}
	return toast{}, false
}

// bytesAt resolves a variable-length value through the column's toast
// buffer. The second result is false for NULL.
func (cs columnStore) bytesAt(j, i int) ([]byte, bool) {
	off := cs.vec(j).Offsets()[i]
	if off == 0 {
		return nil, false
	}
	t, ok := cs.colToast(j)
	if !ok {
		panic(errors.AssertionFailedf("colcache: offset %d without toast buffer", off))
	}
	return t.get(off), true
}

// insertRow appends one row. full is true (and the row is not inserted)
// when the chunk is at capacity. An append in item-pointer order preserves
// sortedness; any other append clears it.
func (cs columnStore) insertRow(ctid base.ItemPointer, sys base.SysHeader, values []rowenc.Datum) (full bool, err error) {
	hdr := cs.hdr()
	if invariants.Enabled && len(values) != len(cs.cols) {
		panic(errors.AssertionFailedf(
			"colcache: %d values for %d cached columns", len(values), len(cs.cols)))
	}
	i := int(hdr.nrows)
	if i >= int(hdr.ncap) {
		return true, nil
	}

	for j, col := range cs.cols {
		d := &cs.dirs()[j]
		if values[j] == nil {
			if col.NotNull {
				return false, errors.Newf("colcache: NULL for not-null column %q", col.Name)
			}
			cs.nullBitmap(j).Set(i, true)
			if !col.Type.Fixed() {
				cs.rawOffsets(j)[i] = 0
			}
			continue
		}
		if d.nullOff != 0 {
			cs.nullBitmap(j).Set(i, false)
		}
		if col.Type.Fixed() {
			w := int(col.Type.Width())
			dst := unsafe.Slice((*byte)(cs.seg.Ptr(cs.ref+d.valsOff+uint64(i*w))), w)
			copy(dst, values[j])
			continue
		}
		off, err := cs.toastPut(j, values[j])
		if err != nil {
			return false, err
		}
		cs.rawOffsets(j)[i] = off
	}

	*(*base.ItemPointer)(cs.seg.Ptr(cs.ref + cs.ctidsOff() + uint64(i)*8)) = ctid
	*(*base.SysHeader)(cs.seg.Ptr(cs.ref + cs.sysOff() + uint64(i)*8)) = sys

	if blkno := uint32(ctid.Blkno); hdr.blknoMin == uint32(base.InvalidBlockNumber) {
		hdr.blknoMin, hdr.blknoMax = blkno, blkno
	} else {
		if hdr.sorted != 0 && i > 0 && cs.ctids()[i-1].Compare(ctid) > 0 {
			hdr.sorted = 0
		}
		hdr.blknoMin = min(hdr.blknoMin, blkno)
		hdr.blknoMax = max(hdr.blknoMax, blkno)
	}
	hdr.nrows++
	if sys.Dead() {
		hdr.njunks++
	}
	return false, nil
}

// rawOffsets exposes the full-capacity offset array of a variable-length
// column for writing; vec().Offsets() is the read-side, bounded to nrows.
func (cs columnStore) rawOffsets(j int) []uint32 {
	return unsafe.Slice((*uint32)(cs.seg.Ptr(cs.ref+cs.dirs()[j].valsOff)), cs.capacity())
}

// toastPut appends v to column j's toast buffer, creating it on first use
// and growing it by whole-copy duplication on overflow.
func (cs columnStore) toastPut(j int, v []byte) (uint32, error) {
	d := &cs.dirs()[j]
	if d.toastRef == 0 {
		sz := uint64(initialToastBytes)
		if need := uint64(len(v)) + 8; need > sz {
			sz = need
		}
		t, err := newToast(cs.seg, sz)
		if err != nil {
			return 0, err
		}
		d.toastRef = t.ref
	}
	t := toast{seg: cs.seg, ref: d.toastRef}
	if off, ok := t.put(v); ok {
		return off, nil
	}
	nt, err := t.grown(uint64(len(v)) + 8)
	if err != nil {
		return 0, err
	}
	d.toastRef = nt.ref
	t.release()
	off, ok := nt.put(v)
	if !ok {
		panic(errors.AssertionFailedf("colcache: grown toast buffer still full"))
	}
	return off, nil
}

// markDead stamps row i with the frozen sentinel, logically deleting it.
// The row stays in place until compaction so concurrent readers holding
// the chunk are never invalidated.
func (cs columnStore) markDead(i int) {
	s := &cs.sys()[i]
	if !s.Dead() {
		s.MarkDead()
		cs.hdr().njunks++
	}
}

// findByCTID returns the index of the row with the exact item pointer, or
// -1. Sorted chunks binary search; unsorted ones probe linearly.
func (cs columnStore) findByCTID(ctid base.ItemPointer) int {
	ctids := cs.ctids()
	if cs.isSorted() {
		i := sort.Search(len(ctids), func(i int) bool {
			return ctids[i].Compare(ctid) >= 0
		})
		if i < len(ctids) && ctids[i].Compare(ctid) == 0 {
			return i
		}
		return -1
	}
	for i := range ctids {
		if ctids[i].Compare(ctid) == 0 {
			return i
		}
	}
	return -1
}

// datumAt materializes row i's column j as a Datum aliasing segment
// memory; nil means NULL.
func (cs columnStore) datumAt(j, i int) rowenc.Datum {
	if cs.vec(j).IsNull(i) {
		return nil
	}
	col := cs.cols[j]
	if col.Type.Fixed() {
		w := int(col.Type.Width())
		return unsafe.Slice((*byte)(cs.seg.Ptr(cs.ref+cs.dirs()[j].valsOff+uint64(i*w))), w)
	}
	v, ok := cs.bytesAt(j, i)
	if !ok {
		return nil
	}
	return v
}

// rowAt collects row i into scratch, which must have len(cs.cols) slots.
func (cs columnStore) rowAt(i int, scratch []rowenc.Datum) []rowenc.Datum {
	for j := range cs.cols {
		scratch[j] = cs.datumAt(j, i)
	}
	return scratch
}

// sortRows orders the chunk by item pointer, permuting every parallel
// array in lockstep. It is copy-based: the permutation is gathered through
// process-local scratch and written back, so a crash mid-sort cannot be
// observed (the caller holds the exclusive lock throughout). Sorting is
// idempotent and toast data does not move.
func (cs columnStore) sortRows() {
	hdr := cs.hdr()
	n := int(hdr.nrows)
	if hdr.sorted != 0 || n < 2 {
		hdr.sorted = 1
		return
	}
	ctids := cs.ctids()
	perm := make([]int32, n)
	for i := range perm {
		perm[i] = int32(i)
	}
	sort.Slice(perm, func(a, b int) bool {
		return ctids[perm[a]].Compare(ctids[perm[b]]) < 0
	})

	// ctids and system headers.
	{
		tmp := make([]base.ItemPointer, n)
		copy(tmp, ctids)
		for i, p := range perm {
			ctids[i] = tmp[p]
		}
		sys := cs.sys()
		stmp := make([]base.SysHeader, n)
		copy(stmp, sys)
		for i, p := range perm {
			sys[i] = stmp[p]
		}
	}
	// Column arrays and null bitmaps.
	for j, col := range cs.cols {
		w := int(col.Type.CellWidth())
		vals := unsafe.Slice((*byte)(cs.valsPtr(j)), n*w)
		tmp := make([]byte, n*w)
		copy(tmp, vals)
		for i, p := range perm {
			copy(vals[i*w:(i+1)*w], tmp[int(p)*w:int(p)*w+w])
		}
		if bm := cs.nullBitmap(j); bm != nil {
			btmp := make(colfmt.Bitmap, colfmt.BitmapSize(n))
			btmp.Copy(0, bm, 0, n)
			for i, p := range perm {
				bm.Set(i, btmp.Get(int(p)))
			}
		}
	}
	hdr.sorted = 1
}

// compacted rebuilds the chunk without its junk rows, with fresh toast
// buffers holding only live values. The original is untouched; the caller
// swaps the new chunk in and releases the old one only after success.
func (cs columnStore) compacted() (columnStore, error) {
	nc, err := newColumnStore(cs.seg, cs.cols, cs.capacity())
	if err != nil {
		return columnStore{}, err
	}
	ctids, sys := cs.ctids(), cs.sys()
	scratch := make([]rowenc.Datum, len(cs.cols))
	for i := 0; i < cs.numRows(); i++ {
		if sys[i].Dead() {
			continue
		}
		if _, err := nc.insertRow(ctids[i], sys[i], cs.rowAt(i, scratch)); err != nil {
			nc.release()
			return columnStore{}, err
		}
	}
	return nc, nil
}

// duplicated deep-copies the chunk's block. With deepToast, toast buffers
// are copied too, giving the duplicate a fully independent lifetime; the
// cheap path shares them by reference and is only safe when the original's
// toast contents will not be rebuilt.
func (cs columnStore) duplicated(deepToast bool) (columnStore, error) {
	_, _, _, total := csLayout(cs.cols, cs.capacity())
	ref, err := cs.seg.Alloc(shmseg.TagColumnStore, total)
	if err != nil {
		return columnStore{}, err
	}
	src := unsafe.Slice((*byte)(cs.seg.Ptr(cs.ref)), total)
	dst := unsafe.Slice((*byte)(cs.seg.Ptr(ref)), total)
	copy(dst, src)

	nc := columnStore{seg: cs.seg, ref: ref, cols: cs.cols}
	nc.hdr().refcnt.Store(1)
	for j := range nc.dirs() {
		d := &nc.dirs()[j]
		if d.toastRef == 0 {
			continue
		}
		t := toast{seg: cs.seg, ref: d.toastRef}
		if deepToast {
			nt, err := t.duplicated()
			if err != nil {
				// Undo shared references taken so far, then the block.
				for k := 0; k < j; k++ {
					if r := nc.dirs()[k].toastRef; r != 0 {
						toast{seg: cs.seg, ref: r}.release()
					}
				}
				cs.seg.Free(ref)
				return columnStore{}, err
			}
			d.toastRef = nt.ref
		} else {
			t.retain()
		}
	}
	return nc, nil
}

// trailingRun returns the index of the first row belonging to the highest
// block number. The chunk must be sorted.
func (cs columnStore) trailingRun() int {
	ctids := cs.ctids()
	n := len(ctids)
	hi := ctids[n-1].Blkno
	i := n - 1
	for i > 0 && ctids[i-1].Blkno == hi {
		i--
	}
	return i
}
