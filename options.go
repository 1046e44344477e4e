// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colcache

import (
	"time"

	"github.com/cockroachdb/tokenbucket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ramsingla/colcache/internal/base"
)

// Options holds the parameters for Open. Zero-valued fields are replaced
// with reasonable defaults by EnsureDefaults, except Catalog and Scanner
// which are required.
type Options struct {
	// Catalog resolves relation descriptors. Required.
	Catalog Catalog

	// Scanner opens physical scans for cold cache builds. Required.
	Scanner TableScanner

	// ExprCompiler, if set, is consulted by filtered scans. Optional;
	// structural scans never need it.
	ExprCompiler ExprCompiler

	// SegmentSize is the byte size of the memory segment holding every
	// cache structure. The segment is sized once at Open and never grows.
	//
	// The default is 256 MB.
	SegmentSize uint64

	// RowsPerChunk caps the row count of one column-store chunk.
	//
	// The default is 4096.
	RowsPerChunk int

	// RowStoreSize is the byte capacity of one row-store write buffer.
	// When a buffer fills it is queued for columnarization and a fresh
	// one becomes current.
	//
	// The default is 1 MB.
	RowStoreSize uint64

	// NumColumnizers is the number of background workers draining row
	// stores into cache trees.
	//
	// The default is 2.
	NumColumnizers int

	// ColumnizerTimeout bounds a worker's wait for work, so housekeeping
	// (compaction, chunk merging) still happens when no wakeups arrive.
	//
	// The default is 15 seconds.
	ColumnizerTimeout time.Duration

	// DrainRate limits background columnarization throughput in rows per
	// second. Zero means unlimited.
	DrainRate tokenbucket.TokensPerSecond

	// Logger is used for background errors and lifecycle messages.
	Logger base.Logger

	// EventListener receives notifications of significant cache events:
	// cold builds, drains, splits, merges, compactions.
	EventListener *EventListener

	// MetricsRegistry, if set, receives the cache's prometheus
	// collectors at Open.
	MetricsRegistry prometheus.Registerer
}

// EnsureDefaults fills in unset fields. It returns opts for chaining.
func (o *Options) EnsureDefaults() *Options {
	if o.SegmentSize == 0 {
		o.SegmentSize = 256 << 20
	}
	if o.RowsPerChunk == 0 {
		o.RowsPerChunk = 4096
	}
	if o.RowStoreSize == 0 {
		o.RowStoreSize = 1 << 20
	}
	if o.NumColumnizers == 0 {
		o.NumColumnizers = 2
	}
	if o.ColumnizerTimeout == 0 {
		o.ColumnizerTimeout = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.EventListener == nil {
		o.EventListener = &EventListener{}
	}
	o.EventListener.EnsureDefaults()
	return o
}
