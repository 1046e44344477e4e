// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colcache

import (
	"unsafe"

	"github.com/ramsingla/colcache/internal/shmseg"
	"github.com/ramsingla/colcache/internal/shmsync"
)

// nodeData is a cache tree node as laid out in the segment. Each node owns
// exactly one chunk via csRef. left/right are node references; lDepth and
// rDepth cache the subtree depths for AVL rebalancing. mu is the tier-3
// content lock: it guards in-place chunk content updates (dead marks,
// prune rewrites) performed under a shared head lock. Tree shape fields
// are only touched under the head's exclusive lock.
type nodeData struct {
	mu     shmsync.Mutex
	left   uint64
	right  uint64
	csRef  uint64
	lDepth int32
	rDepth int32
}

const nodeDataSize = uint64(unsafe.Sizeof(nodeData{}))

// nodesPerSlab is how many nodes one allocator block is carved into.
const nodesPerSlab = 128

// nodePool hands out tree nodes from slabs carved out of allocator
// blocks, keeping node churn off the allocator's free list. Freed nodes
// chain through their left field.
type nodePool struct {
	seg   *shmseg.Segment
	mu    shmsync.Mutex
	free  uint64
	slabs []uint64
}

func newNodePool(seg *shmseg.Segment) *nodePool {
	return &nodePool{seg: seg}
}

func (p *nodePool) node(ref uint64) *nodeData {
	return (*nodeData)(p.seg.Ptr(ref))
}

// alloc returns a zeroed node, growing the pool by one slab when empty.
func (p *nodePool) alloc() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free == 0 {
		slab, err := p.seg.Alloc(shmseg.TagNodeBlock, nodesPerSlab*nodeDataSize)
		if err != nil {
			return 0, err
		}
		p.slabs = append(p.slabs, slab)
		for i := nodesPerSlab - 1; i >= 0; i-- {
			ref := slab + uint64(i)*nodeDataSize
			p.node(ref).left = p.free
			p.free = ref
		}
	}
	ref := p.free
	p.free = p.node(ref).left
	clear(unsafe.Slice((*byte)(p.seg.Ptr(ref)), nodeDataSize))
	return ref, nil
}

func (p *nodePool) freeNode(ref uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.node(ref).left = p.free
	p.free = ref
}

// close releases the slabs. All nodes must already be free.
func (p *nodePool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, slab := range p.slabs {
		p.seg.Free(slab)
	}
	p.slabs = nil
	p.free = 0
}
