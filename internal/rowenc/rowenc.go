// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package rowenc implements the row image format the cache exchanges with
// the host engine. A row image is a self-contained encoding of one tuple's
// user columns: a null bitmap followed by the column values in attribute
// order, each aligned for its type, with variable-width values carrying a
// uint32 length prefix. It deliberately resembles the host's on-page tuple
// layout so that forming and deforming are cheap, flat copies.
package rowenc

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/ramsingla/colcache/internal/colfmt"
)

// Datum is one column value in its wire representation: fixed-width values
// are little-endian, variable-width values are raw bytes. A nil Datum is
// NULL.
type Datum []byte

// Null is the NULL datum.
var Null Datum

// BoolDatum encodes a bool.
func BoolDatum(v bool) Datum {
	if v {
		return Datum{1}
	}
	return Datum{0}
}

// Int32Datum encodes an int32.
func Int32Datum(v int32) Datum {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

// Int64Datum encodes an int64.
func Int64Datum(v int64) Datum {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

// Float64Datum encodes a float64.
func Float64Datum(v float64) Datum {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	return b[:]
}

// BytesDatum encodes a variable-width value.
func BytesDatum(v []byte) Datum { return Datum(v) }

// AsInt32 decodes a fixed-width int32 datum.
func (d Datum) AsInt32() int32 {
	return int32(binary.LittleEndian.Uint32(d))
}

// AsInt64 decodes a fixed-width int64 datum.
func (d Datum) AsInt64() int64 {
	return int64(binary.LittleEndian.Uint64(d))
}

func align(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// Size returns the encoded size of a row image holding the given values.
func Size(desc colfmt.ColumnMetas, values []Datum) int {
	n := colfmt.BitmapSize(len(desc))
	for i := range desc {
		if values[i] == nil {
			continue
		}
		a := int(desc[i].Type.Alignment())
		n = align(n, a)
		if desc[i].Type.Fixed() {
			n += int(desc[i].Type.Width())
		} else {
			n += 4 + len(values[i])
		}
	}
	return n
}

// FormTuple encodes values into a fresh row image. values must have one
// entry per column of desc; nil entries are NULL.
func FormTuple(desc colfmt.ColumnMetas, values []Datum) ([]byte, error) {
	if len(values) != len(desc) {
		return nil, errors.AssertionFailedf(
			"rowenc: %d values for %d columns", len(values), len(desc))
	}
	buf := make([]byte, Size(desc, values))
	nulls := colfmt.Bitmap(buf[:colfmt.BitmapSize(len(desc))])
	off := colfmt.BitmapSize(len(desc))
	for i := range desc {
		if values[i] == nil {
			if desc[i].NotNull {
				return nil, errors.Newf(
					"rowenc: NULL value for not-null column %q", desc[i].Name)
			}
			nulls.Set(i, true)
			continue
		}
		a := int(desc[i].Type.Alignment())
		off = align(off, a)
		if desc[i].Type.Fixed() {
			w := int(desc[i].Type.Width())
			if len(values[i]) != w {
				return nil, errors.Newf(
					"rowenc: column %q expects %d bytes, got %d",
					desc[i].Name, w, len(values[i]))
			}
			copy(buf[off:], values[i])
			off += w
		} else {
			binary.LittleEndian.PutUint32(buf[off:], uint32(len(values[i])))
			off += 4
			copy(buf[off:], values[i])
			off += len(values[i])
		}
	}
	return buf[:off], nil
}

// DeformTuple decodes a row image into per-column datums. The returned
// datums alias data; they are valid only as long as data is.
func DeformTuple(desc colfmt.ColumnMetas, data []byte) ([]Datum, error) {
	if len(data) < colfmt.BitmapSize(len(desc)) {
		return nil, errors.Newf("rowenc: truncated row image (%d bytes)", len(data))
	}
	nulls := colfmt.Bitmap(data[:colfmt.BitmapSize(len(desc))])
	values := make([]Datum, len(desc))
	off := colfmt.BitmapSize(len(desc))
	for i := range desc {
		if nulls.Get(i) {
			continue
		}
		a := int(desc[i].Type.Alignment())
		off = align(off, a)
		if desc[i].Type.Fixed() {
			w := int(desc[i].Type.Width())
			if off+w > len(data) {
				return nil, errors.Newf("rowenc: truncated row image at column %q", desc[i].Name)
			}
			values[i] = data[off : off+w : off+w]
			off += w
		} else {
			if off+4 > len(data) {
				return nil, errors.Newf("rowenc: truncated row image at column %q", desc[i].Name)
			}
			n := int(binary.LittleEndian.Uint32(data[off:]))
			off += 4
			if off+n > len(data) {
				return nil, errors.Newf("rowenc: truncated row image at column %q", desc[i].Name)
			}
			values[i] = data[off : off+n : off+n]
			off += n
		}
	}
	return values, nil
}
