// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colcache

import (
	"testing"

	"github.com/ramsingla/colcache/internal/base"
	"github.com/stretchr/testify/require"
)

func rsTestTuple(i int, data []byte) Tuple {
	return Tuple{
		CTID: base.ItemPointer{
			Blkno:  base.BlockNumber(i / 8),
			Offset: base.OffsetNumber(i%8 + 1),
		},
		Xmin: base.FirstNormalTxID,
		Data: data,
	}
}

func TestRowStoreFillToCapacity(t *testing.T) {
	seg := newTestSeg(t)
	rs, err := newRowStore(seg, 4<<10)
	require.NoError(t, err)
	defer rs.release()

	data := make([]byte, 100)
	n := 0
	for {
		if !rs.insert(rsTestTuple(n, data)) {
			break
		}
		n++
	}
	require.Greater(t, n, 10)
	require.Equal(t, n, rs.numRows())

	// An over-full insert changed nothing; every stored tuple reads back.
	for i := 0; i < n; i++ {
		ctid, sys, got, ok := rs.tupleAt(i)
		require.True(t, ok)
		require.Zero(t, ctid.Compare(rsTestTuple(i, nil).CTID))
		require.False(t, sys.Dead())
		require.Len(t, got, len(data))
	}
	minB, maxB := rs.blknoRange()
	require.Equal(t, uint32(0), minB)
	require.Equal(t, uint32((n-1)/8), maxB)
}

func TestRowStoreOversizedTuple(t *testing.T) {
	seg := newTestSeg(t)
	rs, err := newRowStore(seg, 1<<10)
	require.NoError(t, err)
	defer rs.release()

	require.False(t, rs.insert(rsTestTuple(0, make([]byte, 2<<10))))
	require.Zero(t, rs.numRows())
}

func TestRowStoreHolesAndRedirects(t *testing.T) {
	seg := newTestSeg(t)
	rs, err := newRowStore(seg, 4<<10)
	require.NoError(t, err)
	defer rs.release()

	for i := 0; i < 8; i++ {
		require.True(t, rs.insert(rsTestTuple(i, []byte{byte(i)})))
	}

	rs.clearSlot(3)
	_, _, _, ok := rs.tupleAt(3)
	require.False(t, ok)

	moved := base.ItemPointer{Blkno: 0, Offset: 12}
	rs.setCTID(5, moved)
	ctid, _, data, ok := rs.tupleAt(5)
	require.True(t, ok)
	require.Zero(t, ctid.Compare(moved))
	require.Equal(t, []byte{5}, data)

	// Dead marks write through to the stored header.
	_, sys, _, ok := rs.tupleAt(6)
	require.True(t, ok)
	sys.MarkDead()
	_, sys, _, _ = rs.tupleAt(6)
	require.True(t, sys.Dead())
}

func TestRowStoreRefcount(t *testing.T) {
	seg := newTestSeg(t)
	rs, err := newRowStore(seg, 1<<10)
	require.NoError(t, err)

	before := seg.Stats().FreeBytes
	rs.retain()
	rs.release()
	require.Equal(t, before, seg.Stats().FreeBytes, "early free")
	rs.release()
	require.Greater(t, seg.Stats().FreeBytes, before)
}
