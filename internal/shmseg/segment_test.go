// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package shmseg

import (
	"bytes"
	"math/rand/v2"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func newTestSegment(t *testing.T, size uint64) *Segment {
	s, err := New(size)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestSegmentAllocFree(t *testing.T) {
	s := newTestSegment(t, 1<<20)
	before := s.Stats()

	ref, err := s.Alloc(TagMisc, 1000)
	require.NoError(t, err)
	require.EqualValues(t, 1000, s.DataSize(ref))
	require.Equal(t, TagMisc, s.BlockTag(ref))

	// Freshly allocated memory is zeroed and writable end to end.
	data := unsafe.Slice((*byte)(s.Ptr(ref)), 1000)
	for _, b := range data {
		require.Zero(t, b)
	}
	for i := range data {
		data[i] = byte(i)
	}

	require.Positive(t, s.InUseBytes(TagMisc))
	s.Free(ref)

	after := s.Stats()
	require.Equal(t, before.FreeBytes, after.FreeBytes)
	require.Equal(t, before.FreeBlocks, after.FreeBlocks)
	require.Zero(t, s.InUseBytes(TagMisc))
}

// TestSegmentSplitAccounting checks the free-block counter on both
// allocation paths: a split leaves the remainder free, so only a
// whole-block handout shrinks the count.
func TestSegmentSplitAccounting(t *testing.T) {
	s := newTestSegment(t, 1<<20)
	initial := s.Stats()
	require.EqualValues(t, 1, initial.FreeBlocks)

	a, err := s.Alloc(TagMisc, 1000)
	require.NoError(t, err)
	require.EqualValues(t, 1, s.Stats().FreeBlocks, "split keeps the remainder free")

	b, err := s.Alloc(TagMisc, 1000)
	require.NoError(t, err)
	require.EqualValues(t, 1, s.Stats().FreeBlocks)

	s.Free(a)
	require.EqualValues(t, 2, s.Stats().FreeBlocks)

	// Same size again reuses a's block exactly, whole-block.
	a2, err := s.Alloc(TagMisc, 1000)
	require.NoError(t, err)
	require.EqualValues(t, 1, s.Stats().FreeBlocks)
	require.NoError(t, s.CheckConsistency())

	s.Free(a2)
	s.Free(b)
	final := s.Stats()
	require.EqualValues(t, 1, final.FreeBlocks)
	require.Equal(t, initial.FreeBytes, final.FreeBytes)
	require.NoError(t, s.CheckConsistency())
}

// TestSegmentMergeCompleteness frees allocations in random order and
// verifies the segment always collapses back to a single free block.
func TestSegmentMergeCompleteness(t *testing.T) {
	s := newTestSegment(t, 4<<20)
	initial := s.Stats()
	require.EqualValues(t, 1, initial.FreeBlocks)

	rng := rand.New(rand.NewPCG(0, uint64(t.Name()[0])))
	for iter := 0; iter < 20; iter++ {
		var refs []uint64
		for {
			ref, err := s.Alloc(Tag(rng.IntN(int(NumTags))), uint64(1+rng.IntN(64<<10)))
			if err != nil {
				require.ErrorIs(t, err, ErrOutOfMemory)
				break
			}
			refs = append(refs, ref)
		}
		require.NotEmpty(t, refs)
		rng.Shuffle(len(refs), func(i, j int) {
			refs[i], refs[j] = refs[j], refs[i]
		})
		// Free half, allocate a few more, then free everything.
		half := len(refs) / 2
		for _, ref := range refs[:half] {
			s.Free(ref)
		}
		refs = refs[half:]
		for i := 0; i < 10; i++ {
			if ref, err := s.Alloc(TagMisc, uint64(1+rng.IntN(16<<10))); err == nil {
				refs = append(refs, ref)
			}
		}
		require.NoError(t, s.CheckConsistency())
		for _, ref := range refs {
			s.Free(ref)
		}
		st := s.Stats()
		require.EqualValues(t, 1, st.FreeBlocks, "iteration %d", iter)
		require.Equal(t, initial.FreeBytes, st.FreeBytes, "iteration %d", iter)
		require.NoError(t, s.CheckConsistency())
	}
}

func TestSegmentAllocSlack(t *testing.T) {
	s := newTestSegment(t, 1<<20)

	ref, granted, err := s.AllocSlack(TagToast, 100)
	require.NoError(t, err)
	require.GreaterOrEqual(t, granted, uint64(100))
	require.Equal(t, granted, s.DataSize(ref))

	// The whole granted region is usable without tripping the guard.
	data := unsafe.Slice((*byte)(s.Ptr(ref)), granted)
	for i := range data {
		data[i] = 0xAB
	}
	s.Free(ref)
	require.NoError(t, s.CheckConsistency())
}

func TestSegmentOutOfMemory(t *testing.T) {
	s := newTestSegment(t, 256<<10)

	_, err := s.Alloc(TagMisc, 1<<30)
	require.ErrorIs(t, err, ErrOutOfMemory)

	// Exhaust, then verify freeing restores allocatability.
	var refs []uint64
	for {
		ref, err := s.Alloc(TagMisc, 8<<10)
		if err != nil {
			require.ErrorIs(t, err, ErrOutOfMemory)
			break
		}
		refs = append(refs, ref)
	}
	require.NotEmpty(t, refs)
	s.Free(refs[0])
	ref, err := s.Alloc(TagMisc, 8<<10)
	require.NoError(t, err)
	s.Free(ref)
	for _, r := range refs[1:] {
		s.Free(r)
	}
}

func TestSegmentGuardCorruption(t *testing.T) {
	s := newTestSegment(t, 256<<10)
	ref, err := s.Alloc(TagMisc, 128)
	require.NoError(t, err)

	// Scribble one byte past the usable region.
	data := unsafe.Slice((*byte)(s.Ptr(ref)), 129)
	data[128] = 0xFF

	require.Panics(t, func() { s.Free(ref) })
}

func TestSegmentOwner(t *testing.T) {
	s := newTestSegment(t, 256<<10)
	ref, err := s.Alloc(TagHead, 64)
	require.NoError(t, err)
	s.SetOwner(ref, 0xCAFE)
	require.EqualValues(t, 0xCAFE, s.Owner(ref))
	s.Free(ref)
}

func TestSegmentDump(t *testing.T) {
	s := newTestSegment(t, 256<<10)
	ref, err := s.Alloc(TagRowStore, 4096)
	require.NoError(t, err)

	var buf bytes.Buffer
	s.Dump(&buf)
	out := buf.String()
	require.Contains(t, out, "used")
	require.Contains(t, out, "row-store")
	require.Contains(t, out, "free")
	s.Free(ref)
}

func TestSegmentOffsetRoundTrip(t *testing.T) {
	s := newTestSegment(t, 256<<10)
	ref, err := s.Alloc(TagMisc, 64)
	require.NoError(t, err)
	require.Equal(t, ref, s.Offset(s.Ptr(ref)))
	s.Free(ref)
}
