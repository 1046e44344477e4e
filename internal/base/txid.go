// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package base

// TxID is a transaction identifier assigned by the host engine.
type TxID uint32

const (
	// InvalidTxID is the unset transaction id.
	InvalidTxID TxID = 0
	// BootstrapTxID is reserved by the host for bootstrap rows.
	BootstrapTxID TxID = 1
	// FrozenTxID is the sentinel written into a cached row's Xmax to mark
	// it logically deleted. The cache tracks one logical version per row,
	// so deletion is this single sentinel, not a version chain.
	FrozenTxID TxID = 2
	// FirstNormalTxID is the first id assigned to ordinary transactions.
	FirstNormalTxID TxID = 3
)

// IsNormal reports whether id belongs to an ordinary transaction.
func (id TxID) IsNormal() bool {
	return id >= FirstNormalTxID
}

// SysHeader mirrors the transaction visibility fields of a cached row.
// Chunks keep one SysHeader per row alongside the item-pointer array.
type SysHeader struct {
	Xmin TxID
	Xmax TxID
}

// Dead reports whether the row is logically deleted ("junk"): deletion is
// recorded by writing FrozenTxID into Xmax.
func (s SysHeader) Dead() bool {
	return s.Xmax == FrozenTxID
}

// MarkDead stamps the row as junk. It stays in place until compaction so
// concurrent readers are never invalidated mid-chunk.
func (s *SysHeader) MarkDead() {
	s.Xmax = FrozenTxID
}
