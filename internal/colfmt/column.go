// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colfmt

import "bytes"

// ColumnType enumerates the value representations a cached column can use.
// Fixed-width types are stored as flat arrays inside a chunk; Bytes columns
// store a uint32 offset per row pointing into the chunk's toast buffer.
type ColumnType uint8

// ColumnType definitions.
const (
	ColumnTypeInvalid ColumnType = 0
	ColumnTypeBool    ColumnType = 1
	ColumnTypeInt8    ColumnType = 2
	ColumnTypeInt16   ColumnType = 3
	ColumnTypeInt32   ColumnType = 4
	ColumnTypeInt64   ColumnType = 5
	ColumnTypeFloat32 ColumnType = 6
	ColumnTypeFloat64 ColumnType = 7
	ColumnTypeBytes   ColumnType = 8
)

var columnTypeAlignment = []int32{
	ColumnTypeInvalid: 0,
	ColumnTypeBool:    1,
	ColumnTypeInt8:    1,
	ColumnTypeInt16:   2,
	ColumnTypeInt32:   4,
	ColumnTypeInt64:   8,
	ColumnTypeFloat32: 4,
	ColumnTypeFloat64: 8,
	ColumnTypeBytes:   4,
}

var columnTypeName = []string{
	ColumnTypeInvalid: "invalid",
	ColumnTypeBool:    "bool",
	ColumnTypeInt8:    "int8",
	ColumnTypeInt16:   "int16",
	ColumnTypeInt32:   "int32",
	ColumnTypeInt64:   "int64",
	ColumnTypeFloat32: "float32",
	ColumnTypeFloat64: "float64",
	ColumnTypeBytes:   "bytes",
}

var columnTypeWidth = []int32{
	ColumnTypeInvalid: 0,
	ColumnTypeBool:    1,
	ColumnTypeInt8:    1,
	ColumnTypeInt16:   2,
	ColumnTypeInt32:   4,
	ColumnTypeInt64:   8,
	ColumnTypeFloat32: 4,
	ColumnTypeFloat64: 8,
	ColumnTypeBytes:   -1,
}

// Alignment returns the byte alignment of values of type t. Bytes columns
// align on their 4-byte toast offsets.
func (t ColumnType) Alignment() int32 {
	return columnTypeAlignment[t]
}

func (t ColumnType) String() string {
	return columnTypeName[t]
}

// Width returns the fixed byte width of values of type t, or -1 for
// variable-width types.
func (t ColumnType) Width() int32 {
	return columnTypeWidth[t]
}

// Fixed reports whether values of type t have a fixed width.
func (t ColumnType) Fixed() bool {
	return columnTypeWidth[t] > 0
}

// CellWidth returns the per-row storage footprint inside a chunk's value
// array: the value width for fixed types, 4 bytes (a toast offset) for
// variable-width types.
func (t ColumnType) CellWidth() int32 {
	if w := columnTypeWidth[t]; w > 0 {
		return w
	}
	return 4
}

// ColumnMeta is the cache's private copy of one attribute's catalog
// metadata. A Head embeds a slice of these so the cache never depends on
// the host catalog's lifetime.
type ColumnMeta struct {
	// ID is the attribute number within the relation, starting at 1.
	ID int32
	// Name is the attribute name; carried for diagnostics only.
	Name string
	Type ColumnType
	// NotNull columns have no null bitmap in their chunks.
	NotNull bool
}

// ColumnMetas is a slice of column definitions.
type ColumnMetas []ColumnMeta

func (c ColumnMetas) String() string {
	var buf bytes.Buffer
	for i := range c {
		if i > 0 {
			buf.WriteString(",")
		}
		buf.WriteString(c[i].Type.String())
	}
	return buf.String()
}
