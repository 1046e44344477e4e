// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package base

import (
	"fmt"
	"math"
)

// BlockNumber identifies a physical page of the underlying row store. Block
// numbers are the cache tree's partition key.
type BlockNumber uint32

const (
	// InvalidBlockNumber marks an unset block number.
	InvalidBlockNumber BlockNumber = math.MaxUint32
	// MaxBlockNumber is the largest addressable block.
	MaxBlockNumber BlockNumber = math.MaxUint32 - 1
)

// OffsetNumber identifies a line pointer within a page. Zero is invalid;
// valid offsets start at one.
type OffsetNumber uint16

const (
	InvalidOffsetNumber OffsetNumber = 0
	FirstOffsetNumber   OffsetNumber = 1
	MaxOffsetNumber     OffsetNumber = math.MaxUint16
)

// ItemPointer is the physical address of a row: (page, line pointer).
type ItemPointer struct {
	Blkno  BlockNumber
	Offset OffsetNumber
}

// IsValid reports whether both components are set.
func (p ItemPointer) IsValid() bool {
	return p.Blkno != InvalidBlockNumber && p.Offset != InvalidOffsetNumber
}

// Compare orders item pointers by block number, then offset. It returns
// -1, 0 or +1.
func (p ItemPointer) Compare(q ItemPointer) int {
	switch {
	case p.Blkno < q.Blkno:
		return -1
	case p.Blkno > q.Blkno:
		return +1
	case p.Offset < q.Offset:
		return -1
	case p.Offset > q.Offset:
		return +1
	}
	return 0
}

func (p ItemPointer) String() string {
	return fmt.Sprintf("(%d,%d)", p.Blkno, p.Offset)
}
