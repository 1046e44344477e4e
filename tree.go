// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colcache

import (
	"github.com/cockroachdb/errors"
	"github.com/ramsingla/colcache/internal/base"
	"github.com/ramsingla/colcache/internal/rowenc"
)

// This file holds the cache tree algorithms: a binary tree of nodes, each
// owning one chunk, ordered by disjoint block-number ranges. Shape
// mutations (insert with split, merge, removal, rebalancing) require the
// head's exclusive lock; lookups require at least the shared lock.

func (h *cacheHead) node(ref uint64) *nodeData {
	return h.c.pool.node(ref)
}

func (h *cacheHead) chunk(ref uint64) columnStore {
	return columnStore{seg: h.c.seg, ref: ref, cols: h.cols}
}

func (h *cacheHead) depthOf(ref uint64) int32 {
	if ref == 0 {
		return 0
	}
	n := h.node(ref)
	return 1 + max(n.lDepth, n.rDepth)
}

// rotateRight lifts ref's left child into its place and returns it.
func (h *cacheHead) rotateRight(ref uint64) uint64 {
	n := h.node(ref)
	lref := n.left
	l := h.node(lref)
	n.left = l.right
	l.right = ref
	n.lDepth = h.depthOf(n.left)
	l.rDepth = h.depthOf(ref)
	return lref
}

func (h *cacheHead) rotateLeft(ref uint64) uint64 {
	n := h.node(ref)
	rref := n.right
	r := h.node(rref)
	n.right = r.left
	r.left = ref
	n.rDepth = h.depthOf(n.right)
	r.lDepth = h.depthOf(ref)
	return rref
}

// balanceNode refreshes ref's depth counters and rotates if the AVL
// imbalance exceeds one, returning the subtree's (possibly new) root.
func (h *cacheHead) balanceNode(ref uint64) uint64 {
	n := h.node(ref)
	n.lDepth = h.depthOf(n.left)
	n.rDepth = h.depthOf(n.right)
	if n.lDepth > n.rDepth+1 {
		l := h.node(n.left)
		if l.rDepth > l.lDepth {
			n.left = h.rotateLeft(n.left)
		}
		return h.rotateRight(ref)
	}
	if n.rDepth > n.lDepth+1 {
		r := h.node(n.right)
		if r.lDepth > r.rDepth {
			n.right = h.rotateRight(n.right)
		}
		return h.rotateLeft(ref)
	}
	return ref
}

// rebalancePath walks the visited chain bottom-up after a shape change,
// fixing depths and rotating where needed. path[0] is the root.
func (h *cacheHead) rebalancePath(path []uint64) {
	for i := len(path) - 1; i >= 0; i-- {
		ref := path[i]
		newRef := h.balanceNode(ref)
		if newRef == ref {
			continue
		}
		if i == 0 {
			h.root = newRef
		} else {
			parent := h.node(path[i-1])
			if parent.left == ref {
				parent.left = newRef
			} else {
				parent.right = newRef
			}
		}
	}
}

// newLeaf allocates a node with a single-row chunk. On failure everything
// partially constructed is released.
func (h *cacheHead) newLeaf(ctid base.ItemPointer, sys base.SysHeader, values []rowenc.Datum) (uint64, error) {
	cs, err := newColumnStore(h.c.seg, h.cols, h.c.opts.RowsPerChunk)
	if err != nil {
		return 0, err
	}
	if _, err := cs.insertRow(ctid, sys, values); err != nil {
		cs.release()
		return 0, err
	}
	ref, err := h.c.pool.alloc()
	if err != nil {
		cs.release()
		return 0, err
	}
	h.node(ref).csRef = cs.ref
	h.nchunks++
	return ref, nil
}

// treeInsert places one row in the tree, creating leaves and splitting
// full chunks as needed. Caller holds the head's exclusive lock.
func (h *cacheHead) treeInsert(ctid base.ItemPointer, sys base.SysHeader, values []rowenc.Datum) error {
	if h.root == 0 {
		ref, err := h.newLeaf(ctid, sys, values)
		if err != nil {
			return err
		}
		h.root = ref
		return nil
	}

	blkno := uint32(ctid.Blkno)
	path := make([]uint64, 0, 16)
	cur := h.root
	shapeChanged := false
	for {
		n := h.node(cur)
		cs := h.chunk(n.csRef)
		minB, maxB := cs.blknoRange()

		// A chunk is empty only transiently, when a split found every row
		// junk; the incoming block then lies within its former range.
		if cs.numRows() == 0 || (blkno >= minB && blkno <= maxB) {
			full, err := cs.insertRow(ctid, sys, values)
			if err != nil {
				return err
			}
			if !full {
				break
			}
			if err := h.splitNode(cur); err != nil {
				return err
			}
			shapeChanged = true
			continue // re-examine cur against its narrowed range
		}

		var childPtr *uint64
		if blkno < minB {
			childPtr = &n.left
		} else {
			childPtr = &n.right
		}
		if *childPtr == 0 {
			// Absorb into this chunk if there is room; otherwise grow a
			// new leaf on the empty side.
			if full, err := cs.insertRow(ctid, sys, values); err != nil {
				return err
			} else if !full {
				break
			}
			leaf, err := h.newLeaf(ctid, sys, values)
			if err != nil {
				return err
			}
			*childPtr = leaf
			shapeChanged = true
			break
		}
		path = append(path, cur)
		cur = *childPtr
	}
	if shapeChanged {
		h.rebalancePath(append(path, cur))
	}
	return nil
}

// errBlockOverflow marks the split failure for a full chunk whose rows all
// share one block number. Such a block holds more rows than a chunk can,
// so the overflow stays row-resident; drains treat this as row-by-row
// leftover, not a failed unit of work.
var errBlockOverflow = errors.New("full chunk spans a single block and cannot split")

// splitNode is called on a node whose chunk is full: the chunk is sorted
// and the trailing run of its single highest block number moves into a new
// chunk attached as the node's right child; the remainder is rebuilt
// without junk rows. The original chunk is replaced only after both new
// chunks exist, so a failure leaves the tree untouched.
func (h *cacheHead) splitNode(ref uint64) error {
	n := h.node(ref)
	cs := h.chunk(n.csRef)
	cs.sortRows()
	runStart := cs.trailingRun()
	if runStart == 0 {
		return errors.Wrapf(errBlockOverflow, "colcache: block %d", cs.ctids()[0].Blkno)
	}

	buildPart := func(lo, hi int) (columnStore, error) {
		nc, err := newColumnStore(h.c.seg, h.cols, h.c.opts.RowsPerChunk)
		if err != nil {
			return columnStore{}, err
		}
		ctids, sys := cs.ctids(), cs.sys()
		scratch := make([]rowenc.Datum, len(h.cols))
		for i := lo; i < hi; i++ {
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

	right, err := buildPart(runStart, cs.numRows())
	if err != nil {
		return err
	}
	left, err := buildPart(0, runStart)
	if err != nil {
		right.release()
		return err
	}

	dropped := cs.numJunks()
	var rightNode uint64
	var kept int
	switch {
	case left.numRows() == 0:
		// Junk removal emptied the lower part; whatever survives of the
		// trailing run becomes the node's own chunk and no child is added.
		left.release()
		n.csRef = right.ref
		kept = right.numRows()
	case right.numRows() == 0:
		// Every row of the trailing run was junk; nothing to attach.
		right.release()
		n.csRef = left.ref
		kept = left.numRows()
	default:
		rightNode, err = h.c.pool.alloc()
		if err != nil {
			right.release()
			left.release()
			return err
		}
		rn := h.node(rightNode)
		rn.csRef = right.ref
		rn.right = n.right
		rn.rDepth = h.depthOf(n.right)
		h.nchunks++
		n.csRef = left.ref
		n.right = rightNode
		n.rDepth = h.depthOf(rightNode)
		kept = left.numRows() + right.numRows()
	}
	cs.release()

	if rightNode != 0 {
		h.c.metrics.ChunkSplits.Inc()
		h.c.opts.EventListener.Split(SplitInfo{
			DBID:      h.dbID,
			RelID:     h.relID,
			BlknoMax:  uint32(left.ctids()[left.numRows()-1].Blkno),
			LeftRows:  left.numRows(),
			RightRows: right.numRows(),
		})
	}
	if dropped > 0 {
		h.c.metrics.Compactions.Inc()
		h.c.opts.EventListener.Compaction(CompactionInfo{
			DBID: h.dbID, RelID: h.relID, Dropped: dropped, Kept: kept,
		})
	}
	return nil
}

// findNext returns the leftmost node whose chunk could contain rows at or
// above blkno, or 0. It is a pruned in-order walk: a node whose max is
// below the target skips itself and its entire left subtree. Caller holds
// at least the shared head lock.
func (h *cacheHead) findNext(blkno uint32) uint64 {
	var stack []uint64
	cur := h.root
	for {
		for cur != 0 {
			n := h.node(cur)
			cs := h.chunk(n.csRef)
			if _, maxB := cs.blknoRange(); cs.numRows() > 0 && maxB < blkno {
				cur = n.right
				continue
			}
			stack = append(stack, cur)
			cur = n.left
		}
		if len(stack) == 0 {
			return 0
		}
		cur = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := h.node(cur)
		cs := h.chunk(n.csRef)
		if _, maxB := cs.blknoRange(); cs.numRows() > 0 && maxB >= blkno {
			return cur
		}
		cur = n.right
	}
}

// findPrev is the mirror of findNext: the rightmost node whose chunk could
// contain rows at or below blkno.
func (h *cacheHead) findPrev(blkno uint32) uint64 {
	var stack []uint64
	cur := h.root
	for {
		for cur != 0 {
			n := h.node(cur)
			cs := h.chunk(n.csRef)
			if minB, _ := cs.blknoRange(); cs.numRows() > 0 && minB > blkno {
				cur = n.left
				continue
			}
			stack = append(stack, cur)
			cur = n.right
		}
		if len(stack) == 0 {
			return 0
		}
		cur = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := h.node(cur)
		cs := h.chunk(n.csRef)
		if minB, _ := cs.blknoRange(); cs.numRows() > 0 && minB <= blkno {
			return cur
		}
		cur = n.left
	}
}

// freeTree releases every chunk and node. Caller holds the exclusive lock
// (or is the head's final release).
func (h *cacheHead) freeTree() {
	if h.root == 0 {
		return
	}
	stack := []uint64{h.root}
	h.root = 0
	for len(stack) > 0 {
		ref := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := h.node(ref)
		if n.left != 0 {
			stack = append(stack, n.left)
		}
		if n.right != 0 {
			stack = append(stack, n.right)
		}
		h.chunk(n.csRef).release()
		h.c.pool.freeNode(ref)
	}
	h.nchunks = 0
}

// inorderNodes collects (node, parent) pairs in ascending range order.
func (h *cacheHead) inorderNodes() []nodeAndParent {
	var out []nodeAndParent
	type frame struct{ ref, parent uint64 }
	var stack []frame
	cur := frame{h.root, 0}
	for {
		for cur.ref != 0 {
			stack = append(stack, cur)
			cur = frame{h.node(cur.ref).left, cur.ref}
		}
		if len(stack) == 0 {
			return out
		}
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, nodeAndParent{f.ref, f.parent})
		cur = frame{h.node(f.ref).right, f.ref}
	}
}

type nodeAndParent struct {
	ref    uint64
	parent uint64
}

// rebalanceSubtree refreshes depth counters and restores the AVL balance
// bottom-up across the whole subtree, returning its (possibly new) root.
// Used after a merge splice, where the cheap path-based update does not
// apply; removing a single node never unbalances a node by more than two,
// so one pass suffices.
func (h *cacheHead) rebalanceSubtree(ref uint64) uint64 {
	if ref == 0 {
		return 0
	}
	n := h.node(ref)
	n.left = h.rebalanceSubtree(n.left)
	n.right = h.rebalanceSubtree(n.right)
	return h.balanceNode(ref)
}

// maintainOnce performs one unit of tree housekeeping under the exclusive
// lock: either a compaction of a junk-heavy chunk or a merge of two small
// neighboring chunks. Merging is a best-effort optimization; it fires only
// on structurally convenient neighbors and may be skipped, but sustained
// deletion eventually shrinks the chunk count through the compaction path
// removing emptied nodes. Returns true if it changed anything.
func (h *cacheHead) maintainOnce() bool {
	if h.root == 0 {
		return false
	}
	nodes := h.inorderNodes()

	// Compaction: rebuild the first chunk where junk dominates.
	for _, np := range nodes {
		n := h.node(np.ref)
		cs := h.chunk(n.csRef)
		if j := cs.numJunks(); j == 0 || 2*j < cs.numRows() {
			continue
		}
		nc, err := cs.compacted()
		if err != nil {
			return false
		}
		dropped := cs.numRows() - nc.numRows()
		n.csRef = nc.ref
		cs.release()
		h.c.metrics.Compactions.Inc()
		h.c.opts.EventListener.Compaction(CompactionInfo{
			DBID: h.dbID, RelID: h.relID, Dropped: dropped, Kept: nc.numRows(),
		})
		if nc.numRows() == 0 {
			h.removeEmptied(np)
		}
		return true
	}

	// Merge: two in-order neighbors that are both under half capacity and
	// fit together within two thirds of a chunk.
	capacity := h.c.opts.RowsPerChunk
	for i := 0; i+1 < len(nodes); i++ {
		a, b := nodes[i], nodes[i+1]
		an, bn := h.node(a.ref), h.node(b.ref)
		acs, bcs := h.chunk(an.csRef), h.chunk(bn.csRef)
		alive := acs.numRows() - acs.numJunks()
		blive := bcs.numRows() - bcs.numJunks()
		if alive >= capacity/2 || blive >= capacity/2 || alive+blive >= 2*capacity/3 {
			continue
		}
		if bn.left == 0 {
			// b is the leftmost node of a's right subtree: concatenate
			// b's rows (all above a's range) onto a copy of a's chunk,
			// swap it in, and splice b out. Building into a copy keeps
			// the tree intact if allocation fails partway.
			merged, ok := h.concatenated(acs, bcs)
			if !ok {
				continue
			}
			an.csRef = merged.ref
			acs.release()
			h.spliceNode(b, bn.right)
			h.mergeDone(merged)
			return true
		}
		if an.right == 0 {
			// a is the rightmost node of b's left subtree: push a's rows
			// into a copy of b's chunk (clearing its sorted flag) and
			// splice a out.
			merged, ok := h.concatenated(bcs, acs)
			if !ok {
				continue
			}
			bn.csRef = merged.ref
			bcs.release()
			h.spliceNode(a, an.left)
			h.mergeDone(merged)
			return true
		}
	}
	return false
}

// concatenated returns a deep copy of base with src's live rows appended.
// On any failure the copy is released and ok is false; base and src are
// never modified.
func (h *cacheHead) concatenated(orig, src columnStore) (columnStore, bool) {
	dst, err := orig.duplicated(true)
	if err != nil {
		return columnStore{}, false
	}
	ctids, sys := src.ctids(), src.sys()
	scratch := make([]rowenc.Datum, len(h.cols))
	for i := 0; i < src.numRows(); i++ {
		if sys[i].Dead() {
			continue
		}
		full, err := dst.insertRow(ctids[i], sys[i], src.rowAt(i, scratch))
		if full || err != nil {
			dst.release()
			return columnStore{}, false
		}
	}
	return dst, true
}

// spliceNode detaches a node that has at most one child, promoting child
// into its place, then releases the node and its chunk.
func (h *cacheHead) spliceNode(np nodeAndParent, child uint64) {
	if np.parent == 0 {
		h.root = child
	} else {
		p := h.node(np.parent)
		if p.left == np.ref {
			p.left = child
		} else {
			p.right = child
		}
	}
	n := h.node(np.ref)
	h.chunk(n.csRef).release()
	h.c.pool.freeNode(np.ref)
	h.nchunks--
	h.root = h.rebalanceSubtree(h.root)
}

// removeEmptied drops a node whose chunk was compacted to zero rows. An
// empty node must not linger: a later insert descending into it would
// refill it with a range that can overlap its subtrees, and range lookups
// would then skip live rows. With two children the in-order successor's
// chunk is promoted into the node and the successor is spliced instead.
func (h *cacheHead) removeEmptied(np nodeAndParent) {
	n := h.node(np.ref)
	switch {
	case n.left == 0:
		h.spliceNode(np, n.right)
	case n.right == 0:
		h.spliceNode(np, n.left)
	default:
		sp := nodeAndParent{ref: n.right, parent: np.ref}
		for h.node(sp.ref).left != 0 {
			sp = nodeAndParent{ref: h.node(sp.ref).left, parent: sp.ref}
		}
		s := h.node(sp.ref)
		n.csRef, s.csRef = s.csRef, n.csRef
		h.spliceNode(sp, s.right)
	}
}

func (h *cacheHead) mergeDone(survivor columnStore) {
	h.c.metrics.ChunkMerges.Inc()
	h.c.opts.EventListener.Merge(MergeInfo{
		DBID: h.dbID, RelID: h.relID,
		Rows: survivor.numRows() - survivor.numJunks(),
	})
}
