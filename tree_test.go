// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colcache

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/ramsingla/colcache/internal/base"
	"github.com/ramsingla/colcache/internal/rowenc"
	"github.com/ramsingla/colcache/internal/shmseg"
	"github.com/stretchr/testify/require"
)

// newRawCache builds a Cache without Open: no background workers, no
// catalog. Tree tests drive heads directly.
func newRawCache(t testing.TB, rowsPerChunk int) *Cache {
	opts := (&Options{
		SegmentSize:  8 << 20,
		RowsPerChunk: rowsPerChunk,
		Logger:       base.NoopLogger{},
	}).EnsureDefaults()
	seg, err := shmseg.New(opts.SegmentSize)
	require.NoError(t, err)
	c := &Cache{
		opts: opts,
		seg:  seg,
		pool: newNodePool(seg),
		work: shmseg.NewQueue(seg),
		stop: make(chan struct{}),
	}
	c.metrics = newMetrics(seg, func() int { return 0 })
	t.Cleanup(func() {
		c.pool.close()
		_ = seg.Close()
	})
	return c
}

func newRawHead(t testing.TB, c *Cache) *cacheHead {
	h, err := newCacheHead(c, 1, testRelDesc(testDB, testRel), []int32{1, 2})
	require.NoError(t, err)
	t.Cleanup(h.release)
	return h
}

func rawInsert(t testing.TB, h *cacheHead, blkno base.BlockNumber, off base.OffsetNumber) {
	id := int64(int(blkno)*1000 + int(off))
	values := []rowenc.Datum{rowenc.Int64Datum(id), rowenc.Int64Datum(2 * id)}
	h.lock.Lock()
	defer h.lock.Unlock()
	require.NoError(t, h.treeInsert(
		base.ItemPointer{Blkno: blkno, Offset: off},
		base.SysHeader{Xmin: base.FirstNormalTxID}, values))
}

// checkTree validates the structural invariants: disjoint chunk ranges in
// ascending in-order sequence, AVL balance with accurate depth counters,
// and a node count matching nchunks.
func checkTree(t testing.TB, h *cacheHead) {
	t.Helper()
	nodes := h.inorderNodes()
	require.Equal(t, h.nchunks, len(nodes))
	prevMax := int64(-1)
	for _, np := range nodes {
		n := h.node(np.ref)
		require.Equal(t, n.lDepth, h.depthOf(n.left), "stale left depth")
		require.Equal(t, n.rDepth, h.depthOf(n.right), "stale right depth")
		diff := n.lDepth - n.rDepth
		require.True(t, diff >= -1 && diff <= 1, "imbalance %d", diff)
		cs := h.chunk(n.csRef)
		if cs.numRows() == 0 {
			continue
		}
		minB, maxB := cs.blknoRange()
		require.Greater(t, int64(minB), prevMax, "overlapping chunk ranges")
		require.LessOrEqual(t, minB, maxB)
		prevMax = int64(maxB)
	}
}

func TestTreeInsertSplitBalance(t *testing.T) {
	c := newRawCache(t, 8)
	h := newRawHead(t, c)

	var ctids []base.ItemPointer
	for b := 0; b < 16; b++ {
		for o := 1; o <= 8; o++ {
			ctids = append(ctids, base.ItemPointer{
				Blkno: base.BlockNumber(b), Offset: base.OffsetNumber(o)})
		}
	}
	rng := rand.New(rand.NewSource(42))
	rng.Shuffle(len(ctids), func(i, j int) { ctids[i], ctids[j] = ctids[j], ctids[i] })

	for _, ctid := range ctids {
		rawInsert(t, h, ctid.Blkno, ctid.Offset)
	}
	checkTree(t, h)
	require.Greater(t, h.nchunks, 1)

	// Every row is findable through the range lookup.
	for _, ctid := range ctids {
		ref := h.findNext(uint32(ctid.Blkno))
		require.NotZero(t, ref, "no chunk for %s", ctid)
		cs := h.chunk(h.node(ref).csRef)
		require.GreaterOrEqual(t, cs.findByCTID(ctid), 0, "row %s missing", ctid)
	}
}

func TestTreeFindBounds(t *testing.T) {
	c := newRawCache(t, 4)
	h := newRawHead(t, c)
	for _, b := range []base.BlockNumber{3, 7, 11} {
		for o := 1; o <= 2; o++ {
			rawInsert(t, h, b, base.OffsetNumber(o))
		}
	}

	// findNext returns the leftmost chunk that could hold >= blkno.
	ref := h.findNext(0)
	require.NotZero(t, ref)
	minB, _ := h.chunk(h.node(ref).csRef).blknoRange()
	require.Equal(t, uint32(3), minB)

	ref = h.findNext(8)
	require.NotZero(t, ref)
	_, maxB := h.chunk(h.node(ref).csRef).blknoRange()
	require.Equal(t, uint32(11), maxB)

	require.Zero(t, h.findNext(12), "no chunk above the highest block")

	// findPrev mirrors.
	ref = h.findPrev(uint32(base.MaxBlockNumber))
	require.NotZero(t, ref)
	_, maxB = h.chunk(h.node(ref).csRef).blknoRange()
	require.Equal(t, uint32(11), maxB)

	require.Zero(t, h.findPrev(2), "no chunk below the lowest block")
}

func TestTreeSplitSingleBlock(t *testing.T) {
	c := newRawCache(t, 4)
	h := newRawHead(t, c)
	for o := 1; o <= 4; o++ {
		rawInsert(t, h, 7, base.OffsetNumber(o))
	}
	// A full chunk spanning a single block cannot split.
	values := []rowenc.Datum{rowenc.Int64Datum(1), rowenc.Int64Datum(2)}
	h.lock.Lock()
	err := h.treeInsert(base.ItemPointer{Blkno: 7, Offset: 5},
		base.SysHeader{Xmin: base.FirstNormalTxID}, values)
	h.lock.Unlock()
	require.ErrorContains(t, err, "cannot split")
}

func TestTreeCompaction(t *testing.T) {
	c := newRawCache(t, 8)
	h := newRawHead(t, c)
	for b := 0; b < 4; b++ {
		for o := 1; o <= 8; o++ {
			rawInsert(t, h, base.BlockNumber(b), base.OffsetNumber(o))
		}
	}
	before := h.nchunks
	require.Greater(t, before, 1)

	// Kill most of block 1; its chunk becomes junk-heavy.
	for o := 1; o <= 7; o++ {
		require.True(t, h.markTupleDead(base.ItemPointer{Blkno: 1, Offset: base.OffsetNumber(o)}))
	}

	h.lock.Lock()
	changed := h.maintainOnce()
	h.lock.Unlock()
	require.True(t, changed)
	checkTree(t, h)

	// The survivor of block 1 is still there, the junk is gone.
	ref := h.findNext(1)
	require.NotZero(t, ref)
	cs := h.chunk(h.node(ref).csRef)
	require.Zero(t, cs.numJunks())
	require.GreaterOrEqual(t, cs.findByCTID(base.ItemPointer{Blkno: 1, Offset: 8}), 0)
}

// TestTreeCompactEmptyTwoChildNode empties a node that has children on
// both sides. The node must not survive as an empty shell: a later insert
// descending into it could refill it with a range overlapping a subtree,
// and range lookups would then skip live rows.
func TestTreeCompactEmptyTwoChildNode(t *testing.T) {
	c := newRawCache(t, 4)
	h := newRawHead(t, c)
	for _, ctid := range []base.ItemPointer{
		{Blkno: 0, Offset: 1}, {Blkno: 0, Offset: 2},
		{Blkno: 1, Offset: 1}, {Blkno: 1, Offset: 2},
		{Blkno: 2, Offset: 1}, {Blkno: 2, Offset: 2},
		{Blkno: 3, Offset: 1}, {Blkno: 3, Offset: 2},
		{Blkno: 4, Offset: 1},
	} {
		rawInsert(t, h, ctid.Blkno, ctid.Offset)
	}
	checkTree(t, h)
	require.Equal(t, 3, h.nchunks)
	root := h.node(h.root)
	require.NotZero(t, root.left)
	require.NotZero(t, root.right)
	minB, maxB := h.chunk(root.csRef).blknoRange()
	require.Equal(t, uint32(2), minB)
	require.Equal(t, uint32(3), maxB)

	// Kill the root's chunk entirely; compaction removes the node by
	// promoting its in-order successor.
	for _, ctid := range []base.ItemPointer{
		{Blkno: 2, Offset: 1}, {Blkno: 2, Offset: 2},
		{Blkno: 3, Offset: 1}, {Blkno: 3, Offset: 2},
	} {
		require.True(t, h.markTupleDead(ctid))
	}
	h.lock.Lock()
	changed := h.maintainOnce()
	h.lock.Unlock()
	require.True(t, changed)
	checkTree(t, h)
	require.Equal(t, 2, h.nchunks)
	for _, np := range h.inorderNodes() {
		require.NotZero(t, h.chunk(h.node(np.ref).csRef).numRows())
	}

	// An insert below the former node's range must stay reachable.
	rawInsert(t, h, 1, 3)
	checkTree(t, h)
	ctid := base.ItemPointer{Blkno: 1, Offset: 3}
	ref := h.findNext(1)
	require.NotZero(t, ref)
	require.GreaterOrEqual(t, h.chunk(h.node(ref).csRef).findByCTID(ctid), 0)
}

func TestTreeMergeEventuallyReduces(t *testing.T) {
	c := newRawCache(t, 8)
	h := newRawHead(t, c)
	for b := 0; b < 8; b++ {
		for o := 1; o <= 8; o++ {
			rawInsert(t, h, base.BlockNumber(b), base.OffsetNumber(o))
		}
	}
	before := h.nchunks
	require.Greater(t, before, 2)

	// Thin every block to one survivor; housekeeping then compacts and
	// merges the small neighbors.
	for b := 0; b < 8; b++ {
		for o := 1; o <= 7; o++ {
			h.markTupleDead(base.ItemPointer{
				Blkno: base.BlockNumber(b), Offset: base.OffsetNumber(o)})
		}
	}
	h.lock.Lock()
	for i := 0; i < 100; i++ {
		if !h.maintainOnce() {
			break
		}
	}
	h.lock.Unlock()

	checkTree(t, h)
	require.Less(t, h.nchunks, before)

	// All eight survivors remain reachable.
	for b := 0; b < 8; b++ {
		ctid := base.ItemPointer{Blkno: base.BlockNumber(b), Offset: 8}
		ref := h.findNext(uint32(b))
		require.NotZero(t, ref, "no chunk for block %d", b)
		require.GreaterOrEqual(t, h.chunk(h.node(ref).csRef).findByCTID(ctid), 0)
	}
}

func TestTreeDataDriven(t *testing.T) {
	var c *Cache
	var h *cacheHead
	parseCTID := func(s string) base.ItemPointer {
		parts := strings.SplitN(s, ":", 2)
		b, err := strconv.Atoi(parts[0])
		require.NoError(t, err)
		o, err := strconv.Atoi(parts[1])
		require.NoError(t, err)
		return base.ItemPointer{
			Blkno: base.BlockNumber(b), Offset: base.OffsetNumber(o)}
	}
	datadriven.RunTest(t, "testdata/tree", func(t *testing.T, d *datadriven.TestData) string {
		switch d.Cmd {
		case "init":
			rowsPerChunk := 8
			d.MaybeScanArgs(t, "rows-per-chunk", &rowsPerChunk)
			c = newRawCache(t, rowsPerChunk)
			h = newRawHead(t, c)
			return "ok"

		case "insert":
			for _, arg := range strings.Fields(d.Input) {
				ctid := parseCTID(arg)
				rawInsert(t, h, ctid.Blkno, ctid.Offset)
			}
			return "ok"

		case "delete":
			var out strings.Builder
			for _, arg := range strings.Fields(d.Input) {
				if h.markTupleDead(parseCTID(arg)) {
					fmt.Fprintf(&out, "%s dead\n", arg)
				} else {
					fmt.Fprintf(&out, "%s not found\n", arg)
				}
			}
			return out.String()

		case "maintain":
			h.lock.Lock()
			changed := h.maintainOnce()
			h.lock.Unlock()
			if changed {
				return "changed"
			}
			return "clean"

		case "show":
			var out strings.Builder
			for _, np := range h.inorderNodes() {
				cs := h.chunk(h.node(np.ref).csRef)
				if cs.numRows() == 0 {
					out.WriteString("empty\n")
					continue
				}
				minB, maxB := cs.blknoRange()
				fmt.Fprintf(&out, "[%d,%d] rows=%d junk=%d\n",
					minB, maxB, cs.numRows(), cs.numJunks())
			}
			return out.String()

		case "depth":
			return fmt.Sprintf("%d", h.treeDepth())

		default:
			return fmt.Sprintf("unknown command %q", d.Cmd)
		}
	})
}
