// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colcache

import (
	"time"

	"github.com/cockroachdb/redact"
	"github.com/ramsingla/colcache/internal/base"
)

// BuildInfo describes a completed cold build of a relation's cache.
type BuildInfo struct {
	DBID     DatabaseID
	RelID    RelationID
	Rows     int
	Chunks   int
	Duration time.Duration
	Err      error
}

func (i BuildInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// SafeFormat implements redact.SafeFormatter.
func (i BuildInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.Err != nil {
		w.Printf("[REL %d/%d] build failed: %v", redact.Safe(i.DBID), redact.Safe(i.RelID), i.Err)
		return
	}
	w.Printf("[REL %d/%d] built: %d rows in %d chunks (%.1fs)",
		redact.Safe(i.DBID), redact.Safe(i.RelID), redact.Safe(i.Rows),
		redact.Safe(i.Chunks), redact.Safe(i.Duration.Seconds()))
}

// DrainInfo describes one row store drained into a cache tree by a
// background columnizer.
type DrainInfo struct {
	DBID     DatabaseID
	RelID    RelationID
	Rows     int
	Duration time.Duration
}

func (i DrainInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// SafeFormat implements redact.SafeFormatter.
func (i DrainInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[REL %d/%d] drained: %d rows (%.1fs)",
		redact.Safe(i.DBID), redact.Safe(i.RelID), redact.Safe(i.Rows),
		redact.Safe(i.Duration.Seconds()))
}

// SplitInfo describes a full chunk split into two.
type SplitInfo struct {
	DBID      DatabaseID
	RelID     RelationID
	BlknoMax  uint32
	LeftRows  int
	RightRows int
}

func (i SplitInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// SafeFormat implements redact.SafeFormatter.
func (i SplitInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[REL %d/%d] split at blkno %d: %d+%d rows",
		redact.Safe(i.DBID), redact.Safe(i.RelID), redact.Safe(i.BlknoMax),
		redact.Safe(i.LeftRows), redact.Safe(i.RightRows))
}

// MergeInfo describes two adjacent small chunks concatenated into one.
type MergeInfo struct {
	DBID  DatabaseID
	RelID RelationID
	Rows  int
}

func (i MergeInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// SafeFormat implements redact.SafeFormatter.
func (i MergeInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[REL %d/%d] merged chunks: %d rows",
		redact.Safe(i.DBID), redact.Safe(i.RelID), redact.Safe(i.Rows))
}

// CompactionInfo describes junk rows physically removed from a chunk.
type CompactionInfo struct {
	DBID    DatabaseID
	RelID   RelationID
	Dropped int
	Kept    int
}

func (i CompactionInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// SafeFormat implements redact.SafeFormatter.
func (i CompactionInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[REL %d/%d] compacted: dropped %d junk rows, kept %d",
		redact.Safe(i.DBID), redact.Safe(i.RelID), redact.Safe(i.Dropped),
		redact.Safe(i.Kept))
}

// EventListener contains a set of functions that will be invoked when
// various significant cache events occur. All functions must be safe for
// concurrent use from scans and background workers.
type EventListener struct {
	BuildEnd        func(BuildInfo)
	Drain           func(DrainInfo)
	Split           func(SplitInfo)
	Merge           func(MergeInfo)
	Compaction      func(CompactionInfo)
	BackgroundError func(error)
}

// EnsureDefaults replaces nil entries with no-op functions.
func (l *EventListener) EnsureDefaults() {
	if l.BuildEnd == nil {
		l.BuildEnd = func(BuildInfo) {}
	}
	if l.Drain == nil {
		l.Drain = func(DrainInfo) {}
	}
	if l.Split == nil {
		l.Split = func(SplitInfo) {}
	}
	if l.Merge == nil {
		l.Merge = func(MergeInfo) {}
	}
	if l.Compaction == nil {
		l.Compaction = func(CompactionInfo) {}
	}
	if l.BackgroundError == nil {
		l.BackgroundError = func(error) {}
	}
}

// MakeLoggingEventListener returns an EventListener that logs every event
// through logger.
func MakeLoggingEventListener(logger base.Logger) EventListener {
	return EventListener{
		BuildEnd: func(i BuildInfo) {
			logger.Infof("%s", i)
		},
		Drain: func(i DrainInfo) {
			logger.Infof("%s", i)
		},
		Split: func(i SplitInfo) {
			logger.Infof("%s", i)
		},
		Merge: func(i MergeInfo) {
			logger.Infof("%s", i)
		},
		Compaction: func(i CompactionInfo) {
			logger.Infof("%s", i)
		},
		BackgroundError: func(err error) {
			logger.Errorf("background error: %v", err)
		},
	}
}
