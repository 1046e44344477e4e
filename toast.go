// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colcache

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/ramsingla/colcache/internal/shmseg"
)

// toastHeader sits at the start of every toast buffer block. usage and
// length include the header itself, so a stored offset is a byte offset
// from the buffer base and is never zero; zero in a column's offset array
// means "no value".
type toastHeader struct {
	refcnt atomic.Int32
	_      uint32
	usage  uint64
	length uint64
}

const toastHeaderSize = uint64(unsafe.Sizeof(toastHeader{}))

// toast is a handle on an append-only heap of variable-length values.
// Values are stored with a 4-byte length prefix at 4-byte alignment.
// Buffers never shrink and grow only by whole-copy duplication into a
// larger block, which keeps base-relative offsets stable across growth.
type toast struct {
	seg *shmseg.Segment
	ref uint64
}

func (t toast) hdr() *toastHeader {
	return (*toastHeader)(t.seg.Ptr(t.ref))
}

// newToast allocates a toast buffer able to hold at least dataBytes of
// payload. Any slack in the chosen block is claimed as extra capacity.
func newToast(seg *shmseg.Segment, dataBytes uint64) (toast, error) {
	ref, granted, err := seg.AllocSlack(shmseg.TagToast, toastHeaderSize+dataBytes)
	if err != nil {
		return toast{}, err
	}
	t := toast{seg: seg, ref: ref}
	hdr := t.hdr()
	hdr.refcnt.Store(1)
	hdr.usage = toastHeaderSize
	hdr.length = granted
	return t, nil
}

func (t toast) retain() {
	t.hdr().refcnt.Add(1)
}

// release drops one reference; the last one frees the backing block.
func (t toast) release() {
	if n := t.hdr().refcnt.Add(-1); n == 0 {
		t.seg.Free(t.ref)
	} else if n < 0 {
		panic(errors.AssertionFailedf("colcache: toast refcount %d", n))
	}
}

// put appends v and returns its base-relative offset. ok is false when the
// buffer lacks room; the caller grows and retries.
func (t toast) put(v []byte) (off uint32, ok bool) {
	hdr := t.hdr()
	need := uint64(4+len(v)+3) &^ 3
	if hdr.usage+need > hdr.length {
		return 0, false
	}
	off = uint32(hdr.usage)
	p := unsafe.Slice((*byte)(t.seg.Ptr(t.ref+hdr.usage)), need)
	*(*uint32)(unsafe.Pointer(&p[0])) = uint32(len(v))
	copy(p[4:], v)
	hdr.usage += need
	return off, true
}

// get returns the value stored at off. The returned slice aliases segment
// memory and is valid while the buffer is referenced.
func (t toast) get(off uint32) []byte {
	n := *(*uint32)(t.seg.Ptr(t.ref + uint64(off)))
	return unsafe.Slice((*byte)(t.seg.Ptr(t.ref+uint64(off)+4)), n)
}

// grown returns a new buffer with at least double the capacity holding a
// verbatim copy of t's contents; stored offsets remain valid against the
// new buffer. t itself is not released.
func (t toast) grown(extra uint64) (toast, error) {
	hdr := t.hdr()
	want := 2 * hdr.length
	for want < hdr.usage+extra {
		want *= 2
	}
	nt, err := newToast(t.seg, want-toastHeaderSize)
	if err != nil {
		return toast{}, err
	}
	t.copyPayloadTo(nt)
	return nt, nil
}

// duplicated deep-copies the buffer at its current capacity.
func (t toast) duplicated() (toast, error) {
	hdr := t.hdr()
	nt, err := newToast(t.seg, hdr.length-toastHeaderSize)
	if err != nil {
		return toast{}, err
	}
	t.copyPayloadTo(nt)
	return nt, nil
}

// copyPayloadTo copies everything past the header, preserving offsets.
// The destination header keeps its own refcount and length.
func (t toast) copyPayloadTo(dst toast) {
	usage := t.hdr().usage
	n := usage - toastHeaderSize
	if n > 0 {
		src := unsafe.Slice((*byte)(t.seg.Ptr(t.ref+toastHeaderSize)), n)
		d := unsafe.Slice((*byte)(t.seg.Ptr(dst.ref+toastHeaderSize)), n)
		copy(d, src)
	}
	dst.hdr().usage = usage
}

func (t toast) usage() uint64  { return t.hdr().usage }
func (t toast) length() uint64 { return t.hdr().length }
