// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colcache

import (
	"github.com/ramsingla/colcache/internal/base"
	"github.com/ramsingla/colcache/internal/colfmt"
)

// DatabaseID and RelationID identify a relation in the host engine's
// catalog. The cache treats them as opaque numeric identifiers.
type (
	DatabaseID uint32
	RelationID uint32
)

// RelationDesc describes a relation's physical row layout. The cache takes
// a private copy of Columns when it builds a head, so a descriptor's
// lifetime is not tied to the catalog's.
type RelationDesc struct {
	DBID    DatabaseID
	RelID   RelationID
	Name    string
	Columns colfmt.ColumnMetas
}

// Catalog resolves relation metadata from the host engine.
type Catalog interface {
	Relation(dbID DatabaseID, relID RelationID) (*RelationDesc, error)
}

// Tuple is one row as delivered by the host engine: its physical position,
// the inserting transaction, and the row image encoded per the relation
// descriptor (see internal/rowenc).
type Tuple struct {
	CTID base.ItemPointer
	Xmin base.TxID
	Data []byte
}

// TableScan is a physical sequential scan cursor over a relation's row
// store, used once per relation for the cold cache build.
type TableScan interface {
	// Next returns the next tuple, or ok=false at end of relation.
	Next() (t Tuple, ok bool, err error)
	// Rewind restarts the scan from the beginning of the relation.
	Rewind() error
	Close() error
}

// TableScanner opens physical scans. It is supplied via Options.
type TableScanner interface {
	Open(dbID DatabaseID, relID RelationID) (TableScan, error)
}

// FuncID identifies a compiled device-callable function in the external
// code-generation service.
type FuncID uint64

// ExprCompiler translates a host expression tree into a device-callable
// function. Compile returns ErrExprIncompatible when the expression cannot
// run on the device; structural (unfiltered) scans never call it.
type ExprCompiler interface {
	Compile(expr string) (fn FuncID, decl string, err error)
}

// PruneRedirect describes one line-pointer change from a page prune: the
// row at From now lives at To on the same block. A zero To means the slot
// was reclaimed with no forwarding address.
type PruneRedirect struct {
	From base.OffsetNumber
	To   base.OffsetNumber
}
