// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colfmt

// Bitmap is a simple bitmap structure implemented on top of a byte slice.
// Chunks use one per nullable column to record NULLs.
type Bitmap []byte

// BitmapSize returns the number of bytes needed to hold n bits.
func BitmapSize(n int) int {
	return (n + 7) / 8
}

// Get returns true if the bit at position i is set and false otherwise.
func (b Bitmap) Get(i int) bool {
	return (b[i/8] & (1 << uint(i%8))) != 0
}

// Set sets the bit at position i if v is true and clears it otherwise.
func (b Bitmap) Set(i int, v bool) {
	if v {
		b[i/8] |= 1 << uint(i%8)
	} else {
		b[i/8] &^= 1 << uint(i%8)
	}
}

// Swap exchanges the bits at positions i and j.
func (b Bitmap) Swap(i, j int) {
	bi, bj := b.Get(i), b.Get(j)
	b.Set(i, bj)
	b.Set(j, bi)
}

// Copy copies n bits from src starting at srcIdx into b starting at dstIdx.
// The ranges may not overlap within the same bitmap.
func (b Bitmap) Copy(dstIdx int, src Bitmap, srcIdx, n int) {
	for k := 0; k < n; k++ {
		b.Set(dstIdx+k, src.Get(srcIdx+k))
	}
}
