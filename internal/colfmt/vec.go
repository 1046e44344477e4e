// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colfmt

import "unsafe"

// Vec is a typed view over one column's value array within a chunk. Vec
// provides accessors for the native data such as Int64() to access []int64
// data. The underlying memory is owned by the chunk; a Vec is only valid
// while its chunk is referenced.
type Vec struct {
	// N is the number of rows in the vector.
	N int32
	// Type is the type of the vector elements.
	Type ColumnType
	// Null is the NULL-bitmap, or nil for not-null columns.
	Null Bitmap
	// data points at the start of the column's value array.
	data unsafe.Pointer
}

// MakeVec wraps the value array starting at data.
func MakeVec(typ ColumnType, n int32, null Bitmap, data unsafe.Pointer) Vec {
	return Vec{N: n, Type: typ, Null: null, data: data}
}

// IsNull returns true if the i'th value is NULL.
func (v Vec) IsNull(i int) bool {
	return v.Null != nil && v.Null.Get(i)
}

// Bool returns the vec data as a boolean bitmap. The bitmap should not be
// mutated.
func (v Vec) Bool() []byte {
	if v.Type != ColumnTypeBool {
		panic("vec does not hold bool data")
	}
	return unsafe.Slice((*byte)(v.data), v.N)
}

// Int8 returns the vec data as []int8. The slice should not be mutated.
func (v Vec) Int8() []int8 {
	if v.Type != ColumnTypeInt8 {
		panic("vec does not hold int8 data")
	}
	return unsafe.Slice((*int8)(v.data), v.N)
}

// Int16 returns the vec data as []int16. The slice should not be mutated.
func (v Vec) Int16() []int16 {
	if v.Type != ColumnTypeInt16 {
		panic("vec does not hold int16 data")
	}
	return unsafe.Slice((*int16)(v.data), v.N)
}

// Int32 returns the vec data as []int32. The slice should not be mutated.
func (v Vec) Int32() []int32 {
	if v.Type != ColumnTypeInt32 {
		panic("vec does not hold int32 data")
	}
	return unsafe.Slice((*int32)(v.data), v.N)
}

// Int64 returns the vec data as []int64. The slice should not be mutated.
func (v Vec) Int64() []int64 {
	if v.Type != ColumnTypeInt64 {
		panic("vec does not hold int64 data")
	}
	return unsafe.Slice((*int64)(v.data), v.N)
}

// Float32 returns the vec data as []float32. The slice should not be mutated.
func (v Vec) Float32() []float32 {
	if v.Type != ColumnTypeFloat32 {
		panic("vec does not hold float32 data")
	}
	return unsafe.Slice((*float32)(v.data), v.N)
}

// Float64 returns the vec data as []float64. The slice should not be mutated.
func (v Vec) Float64() []float64 {
	if v.Type != ColumnTypeFloat64 {
		panic("vec does not hold float64 data")
	}
	return unsafe.Slice((*float64)(v.data), v.N)
}

// Offsets returns the toast offsets of a variable-width column. Offset 0
// means the value is absent; any other value is a byte offset into the
// column's toast buffer. The slice should not be mutated.
func (v Vec) Offsets() []uint32 {
	if v.Type != ColumnTypeBytes {
		panic("vec does not hold bytes data")
	}
	return unsafe.Slice((*uint32)(v.data), v.N)
}
