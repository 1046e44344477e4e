// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package shmseg implements the fixed-size memory segment that backs every
// cache structure: row stores, column stores, toast buffers and tree node
// slabs. The segment is a single anonymous mmap region carved into
// self-describing blocks. All intra-segment references are byte offsets
// from the segment base; offset 0 is reserved and acts as the nil value.
package shmseg

import (
	"fmt"
	"io"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/ramsingla/colcache/internal/invariants"
	"github.com/ramsingla/colcache/internal/shmsync"
	"golang.org/x/sys/unix"
)

// Tag identifies the consumer of an allocated block. Per-tag usage counters
// are maintained so a segment dump can attribute memory.
type Tag uint8

const (
	TagRowStore Tag = iota
	TagColumnStore
	TagToast
	TagNodeBlock
	TagHead
	TagMisc
	NumTags
)

var tagNames = [NumTags]string{
	TagRowStore:    "row-store",
	TagColumnStore: "column-store",
	TagToast:       "toast",
	TagNodeBlock:   "node-block",
	TagHead:        "head",
	TagMisc:        "misc",
}

func (t Tag) String() string {
	if t < NumTags {
		return tagNames[t]
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

const (
	magicFree uint32 = 0xF9EEA9EA
	magicUsed uint32 = 0xA110CED0
	// guardWord is written immediately past the caller's usable region and
	// checked on free. A mismatch means the caller scribbled past its
	// allocation.
	guardWord uint32 = 0xDEADBEEF

	// blockAlign is the footprint granularity of blocks. Block offsets are
	// always multiples of blockAlign, so user data (which begins right
	// after the header) is aligned well enough for any column type.
	blockAlign = 64

	// slackThreshold bounds internal fragmentation: when splitting a free
	// block would leave a remainder smaller than this, the whole block is
	// handed out instead.
	slackThreshold = 4096

	// segmentReserve keeps the low offsets unused so that offset 0 can
	// serve as the nil reference.
	segmentReserve = blockAlign
)

// blockHeader prefixes every block in the segment. addrPrev/addrNext chain
// all blocks in address order and make physical-neighbor merging O(1).
// linkPrev/linkNext hold the free-list position while the block is free;
// once allocated the same words are reclaimed for owner tracking (linkPrev)
// and queue chaining (linkNext).
type blockHeader struct {
	magic     uint32
	tag       uint32
	blockSize uint64 // total footprint, header and guard included
	dataSize  uint64 // bytes granted to the caller
	addrPrev  uint64
	addrNext  uint64
	linkPrev  uint64
	linkNext  uint64
	_         [8]byte // pad so data begins at a blockAlign boundary
}

const blockHeaderSize = uint64(unsafe.Sizeof(blockHeader{}))

// ErrOutOfMemory is returned when no free block can satisfy an allocation.
// Callers release any partially constructed state and surface the error;
// the allocator never retries on its own.
var ErrOutOfMemory = errors.New("shmseg: out of memory")

// Stats is a point-in-time summary of segment usage.
type Stats struct {
	Size        uint64
	FreeBytes   uint64
	FreeBlocks  int64
	LargestFree uint64
	InUseBytes  [NumTags]int64
	InUseBlocks [NumTags]int64
}

// Segment is a fixed-size arena of self-describing blocks. All methods are
// safe for concurrent use; allocation and free serialize on a single
// mutex, while the usage counters are read without it.
type Segment struct {
	mem      []byte
	mu       shmsync.Mutex
	freeHead uint64 // unordered free list; address order lives in addrPrev/addrNext

	freeBytes   atomic.Int64
	freeBlocks  atomic.Int64
	inUseBytes  [NumTags]atomic.Int64
	inUseBlocks [NumTags]atomic.Int64

	closed invariants.CloseChecker
}

// New maps an anonymous segment of at least size bytes. The segment is
// private to the process and is unmapped by Close.
func New(size uint64) (*Segment, error) {
	if size < segmentReserve+blockHeaderSize+blockAlign {
		return nil, errors.Newf("shmseg: segment size %d too small", size)
	}
	size = (size + 4095) &^ uint64(4095)
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "shmseg: mmap %d bytes", size)
	}
	s := &Segment{mem: mem}

	first := uint64(segmentReserve)
	hdr := s.hdr(first)
	hdr.magic = magicFree
	hdr.blockSize = (size - first) &^ uint64(blockAlign-1)
	s.freeHead = first
	s.freeBytes.Store(int64(hdr.blockSize))
	s.freeBlocks.Store(1)
	return s, nil
}

// Close unmaps the segment. No further access through any reference is
// permitted afterwards.
func (s *Segment) Close() error {
	s.closed.Close()
	mem := s.mem
	s.mem = nil
	return unix.Munmap(mem)
}

// Size returns the total segment footprint in bytes.
func (s *Segment) Size() uint64 {
	return uint64(len(s.mem))
}

// Ptr converts a segment-relative offset into a pointer. The offset must
// lie within the segment.
func (s *Segment) Ptr(off uint64) unsafe.Pointer {
	if invariants.Enabled {
		s.closed.AssertNotClosed()
		invariants.CheckBounds(off, uint64(len(s.mem)))
	}
	return unsafe.Pointer(&s.mem[off])
}

// Offset converts a pointer into the segment back to its offset.
func (s *Segment) Offset(p unsafe.Pointer) uint64 {
	base := uintptr(unsafe.Pointer(&s.mem[0]))
	off := uintptr(p) - base
	if invariants.Enabled {
		invariants.CheckBounds(off, uintptr(len(s.mem)))
	}
	return uint64(off)
}

func (s *Segment) hdr(block uint64) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(&s.mem[block]))
}

// refHdr maps a data reference (as returned by Alloc) to its block header.
func (s *Segment) refHdr(ref uint64) *blockHeader {
	return s.hdr(ref - blockHeaderSize)
}

// Alloc carves a block of exactly size usable bytes out of the segment and
// returns the offset of its data region. The data region is zeroed. On
// exhaustion it returns ErrOutOfMemory.
func (s *Segment) Alloc(tag Tag, size uint64) (uint64, error) {
	ref, _, err := s.alloc(tag, size, false)
	return ref, err
}

// AllocSlack is Alloc except that the entire usable capacity of the chosen
// block is granted to the caller, slack included. The granted size is
// returned alongside the reference; it is always >= size. Growable
// structures such as toast buffers use it so a lucky fit is not wasted.
func (s *Segment) AllocSlack(tag Tag, size uint64) (uint64, uint64, error) {
	return s.alloc(tag, size, true)
}

func (s *Segment) alloc(tag Tag, size uint64, slack bool) (uint64, uint64, error) {
	if size == 0 {
		return 0, 0, errors.AssertionFailedf("shmseg: zero-size allocation")
	}
	need := (blockHeaderSize + size + 4 + blockAlign - 1) &^ uint64(blockAlign-1)

	s.mu.Lock()
	defer s.mu.Unlock()

	// First fit over the free list.
	block := s.freeHead
	for block != 0 {
		hdr := s.hdr(block)
		if hdr.magic != magicFree {
			panic(errors.AssertionFailedf(
				"shmseg: free list entry at %#x has magic %#x", block, hdr.magic))
		}
		if hdr.blockSize >= need {
			break
		}
		block = hdr.linkNext
	}
	if block == 0 {
		return 0, 0, ErrOutOfMemory
	}

	hdr := s.hdr(block)
	if hdr.blockSize-need >= slackThreshold {
		// Split: the front becomes the allocation, the remainder stays
		// free at the split point and inherits the list position.
		rest := block + need
		restHdr := s.hdr(rest)
		restHdr.magic = magicFree
		restHdr.blockSize = hdr.blockSize - need
		restHdr.addrPrev = block
		restHdr.addrNext = hdr.addrNext
		if hdr.addrNext != 0 {
			s.hdr(hdr.addrNext).addrPrev = rest
		}
		restHdr.linkPrev = hdr.linkPrev
		restHdr.linkNext = hdr.linkNext
		s.relinkFree(rest)
		hdr.blockSize = need
		hdr.addrNext = rest
	} else {
		s.unlinkFree(block)
		// Only whole-block handout shrinks the free block count; a split
		// leaves the remainder free in the allocation's place.
		s.freeBlocks.Add(-1)
	}
	s.freeBytes.Add(-int64(hdr.blockSize))

	granted := size
	if slack {
		granted = hdr.blockSize - blockHeaderSize - 4
	}
	hdr.magic = magicUsed
	hdr.tag = uint32(tag)
	hdr.dataSize = granted
	hdr.linkPrev = 0
	hdr.linkNext = 0

	ref := block + blockHeaderSize
	clear(s.mem[ref : ref+granted])
	*(*uint32)(unsafe.Pointer(&s.mem[ref+granted])) = guardWord

	s.inUseBytes[tag].Add(int64(hdr.blockSize))
	s.inUseBlocks[tag].Add(1)
	return ref, granted, nil
}

// Free returns a block to the segment, merging it with free physical
// neighbors. The trailing guard word is verified; a corrupted guard is an
// assertion failure since it means some caller overran its region.
func (s *Segment) Free(ref uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block := ref - blockHeaderSize
	hdr := s.hdr(block)
	if hdr.magic != magicUsed {
		panic(errors.AssertionFailedf(
			"shmseg: free of block at %#x with magic %#x", block, hdr.magic))
	}
	if g := *(*uint32)(unsafe.Pointer(&s.mem[ref+hdr.dataSize])); g != guardWord {
		panic(errors.AssertionFailedf(
			"shmseg: overrun of %s block at %#x: guard %#x", Tag(hdr.tag), block, g))
	}

	s.inUseBytes[hdr.tag].Add(-int64(hdr.blockSize))
	s.inUseBlocks[hdr.tag].Add(-1)
	s.freeBytes.Add(int64(hdr.blockSize))
	s.freeBlocks.Add(1)

	hdr.magic = magicFree
	hdr.tag = 0
	hdr.dataSize = 0

	// Absorb a free successor first so a subsequent predecessor merge
	// swallows both at once.
	if next := hdr.addrNext; next != 0 {
		nextHdr := s.hdr(next)
		if nextHdr.magic == magicFree {
			s.unlinkFree(next)
			s.freeBlocks.Add(-1)
			hdr.blockSize += nextHdr.blockSize
			hdr.addrNext = nextHdr.addrNext
			if hdr.addrNext != 0 {
				s.hdr(hdr.addrNext).addrPrev = block
			}
		}
	}
	if prev := hdr.addrPrev; prev != 0 {
		prevHdr := s.hdr(prev)
		if prevHdr.magic == magicFree {
			// prev keeps its free-list position; block disappears.
			s.freeBlocks.Add(-1)
			prevHdr.blockSize += hdr.blockSize
			prevHdr.addrNext = hdr.addrNext
			if hdr.addrNext != 0 {
				s.hdr(hdr.addrNext).addrPrev = prev
			}
			return
		}
	}
	// No predecessor merge: push onto the free list.
	hdr.linkPrev = 0
	hdr.linkNext = s.freeHead
	if s.freeHead != 0 {
		s.hdr(s.freeHead).linkPrev = block
	}
	s.freeHead = block
}

// unlinkFree removes block from the free list. Caller holds s.mu.
func (s *Segment) unlinkFree(block uint64) {
	hdr := s.hdr(block)
	if hdr.linkPrev != 0 {
		s.hdr(hdr.linkPrev).linkNext = hdr.linkNext
	} else {
		s.freeHead = hdr.linkNext
	}
	if hdr.linkNext != 0 {
		s.hdr(hdr.linkNext).linkPrev = hdr.linkPrev
	}
}

// relinkFree points the free-list neighbors of block at block itself,
// assuming block's link fields were copied from the entry it replaces.
// Caller holds s.mu.
func (s *Segment) relinkFree(block uint64) {
	hdr := s.hdr(block)
	if hdr.linkPrev != 0 {
		s.hdr(hdr.linkPrev).linkNext = block
	} else {
		s.freeHead = block
	}
	if hdr.linkNext != 0 {
		s.hdr(hdr.linkNext).linkPrev = block
	}
}

// DataSize returns the usable capacity of an allocated block.
func (s *Segment) DataSize(ref uint64) uint64 {
	return s.refHdr(ref).dataSize
}

// BlockTag returns the tag an allocated block was created with.
func (s *Segment) BlockTag(ref uint64) Tag {
	return Tag(s.refHdr(ref).tag)
}

// SetOwner records an opaque owner id on an allocated block for
// diagnostics. It reuses the free-list linkPrev word.
func (s *Segment) SetOwner(ref, owner uint64) {
	s.refHdr(ref).linkPrev = owner
}

// Owner returns the owner id recorded by SetOwner.
func (s *Segment) Owner(ref uint64) uint64 {
	return s.refHdr(ref).linkPrev
}

// link/setLink expose the linkNext word of an allocated block. Queues
// chain their members through it.
func (s *Segment) link(ref uint64) uint64 {
	return s.refHdr(ref).linkNext
}

func (s *Segment) setLink(ref, next uint64) {
	s.refHdr(ref).linkNext = next
}

// InUseBytes returns the bytes currently allocated under tag, block
// headers included.
func (s *Segment) InUseBytes(tag Tag) int64 {
	return s.inUseBytes[tag].Load()
}

// Stats returns a snapshot of segment usage. LargestFree is computed under
// the allocator mutex.
func (s *Segment) Stats() Stats {
	st := Stats{
		Size:       uint64(len(s.mem)),
		FreeBytes:  uint64(s.freeBytes.Load()),
		FreeBlocks: s.freeBlocks.Load(),
	}
	for t := Tag(0); t < NumTags; t++ {
		st.InUseBytes[t] = s.inUseBytes[t].Load()
		st.InUseBlocks[t] = s.inUseBlocks[t].Load()
	}
	s.mu.Lock()
	for block := s.freeHead; block != 0; block = s.hdr(block).linkNext {
		if sz := s.hdr(block).blockSize; sz > st.LargestFree {
			st.LargestFree = sz
		}
	}
	s.mu.Unlock()
	return st
}

// Dump writes a human-readable listing of every block in address order.
// It holds the allocator mutex for the duration and is meant for
// diagnostics, not steady-state use.
func (s *Segment) Dump(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(w, "segment: %d bytes, free %d bytes in %d blocks\n",
		len(s.mem), s.freeBytes.Load(), s.freeBlocks.Load())
	for block := uint64(segmentReserve); block != 0; block = s.hdr(block).addrNext {
		hdr := s.hdr(block)
		switch hdr.magic {
		case magicFree:
			fmt.Fprintf(w, "  %#08x free  size=%d\n", block, hdr.blockSize)
		case magicUsed:
			fmt.Fprintf(w, "  %#08x used  size=%d data=%d tag=%s owner=%#x\n",
				block, hdr.blockSize, hdr.dataSize, Tag(hdr.tag), hdr.linkPrev)
		default:
			fmt.Fprintf(w, "  %#08x CORRUPT magic=%#x\n", block, hdr.magic)
			return
		}
	}
}

// CheckConsistency walks both the address chain and the free list and
// verifies they agree. Intended for tests and the invariants build.
func (s *Segment) CheckConsistency() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var freeByAddr, usedBytes, freeBytes uint64
	var prev uint64
	for block := uint64(segmentReserve); block != 0; {
		hdr := s.hdr(block)
		if hdr.addrPrev != prev {
			return errors.AssertionFailedf(
				"block %#x addrPrev=%#x want %#x", block, hdr.addrPrev, prev)
		}
		switch hdr.magic {
		case magicFree:
			freeByAddr++
			freeBytes += hdr.blockSize
			if prev != 0 && s.hdr(prev).magic == magicFree {
				return errors.AssertionFailedf(
					"adjacent free blocks %#x and %#x not merged", prev, block)
			}
		case magicUsed:
			usedBytes += hdr.blockSize
		default:
			return errors.AssertionFailedf("block %#x bad magic %#x", block, hdr.magic)
		}
		prev = block
		block = hdr.addrNext
	}
	var freeByList uint64
	for block := s.freeHead; block != 0; block = s.hdr(block).linkNext {
		freeByList++
	}
	if freeByAddr != freeByList {
		return errors.AssertionFailedf(
			"free block count mismatch: address order %d, free list %d",
			freeByAddr, freeByList)
	}
	if total := usedBytes + freeBytes + segmentReserve; total > uint64(len(s.mem)) {
		return errors.AssertionFailedf(
			"accounted bytes %d exceed segment size %d", total, len(s.mem))
	}
	return nil
}
