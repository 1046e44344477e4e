// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colcache

import "github.com/cockroachdb/errors"

var (
	// ErrClosed is returned by operations on a Cache after Close.
	ErrClosed = errors.New("colcache: cache is closed")

	// ErrColumnNotCached is returned by a scan requesting a column the
	// relation descriptor does not have.
	ErrColumnNotCached = errors.New("colcache: column not in relation")

	// ErrExprIncompatible is returned by an ExprCompiler when an
	// expression cannot be translated to a device function. Filtered
	// scans fall back to unfiltered chunks when they see it.
	ErrExprIncompatible = errors.New("colcache: expression not compilable")
)
