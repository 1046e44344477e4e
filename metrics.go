// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ramsingla/colcache/internal/shmseg"
)

// Metrics holds the cache's prometheus collectors. The counters are bumped
// inline by mutation and maintenance paths; the segment gauges are sampled
// from allocator statistics at collection time.
type Metrics struct {
	RowsInserted   prometheus.Counter
	RowsDrained    prometheus.Counter
	ChunkSplits    prometheus.Counter
	ChunkMerges    prometheus.Counter
	Compactions    prometheus.Counter
	ColdBuilds     prometheus.Counter
	SegmentFree    prometheus.GaugeFunc
	SegmentInUse   *prometheus.GaugeVec
	HeadsResident  prometheus.GaugeFunc
	segmentSampler func() shmseg.Stats
}

func newMetrics(seg *shmseg.Segment, headCount func() int) *Metrics {
	m := &Metrics{
		RowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "colcache_rows_inserted_total",
			Help: "Rows appended to row-store write buffers.",
		}),
		RowsDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "colcache_rows_drained_total",
			Help: "Rows columnarized into cache trees.",
		}),
		ChunkSplits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "colcache_chunk_splits_total",
			Help: "Column-store chunk splits.",
		}),
		ChunkMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "colcache_chunk_merges_total",
			Help: "Column-store chunk merges.",
		}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "colcache_compactions_total",
			Help: "Chunk compactions removing junk rows.",
		}),
		ColdBuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "colcache_cold_builds_total",
			Help: "Full physical scans building a relation's cache.",
		}),
		segmentSampler: seg.Stats,
	}
	m.SegmentFree = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "colcache_segment_free_bytes",
		Help: "Free bytes in the shared memory segment.",
	}, func() float64 {
		return float64(m.segmentSampler().FreeBytes)
	})
	m.SegmentInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "colcache_segment_in_use_bytes",
		Help: "Allocated bytes in the segment by consumer.",
	}, []string{"tag"})
	m.HeadsResident = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "colcache_heads_resident",
		Help: "Cache heads currently registered.",
	}, func() float64 {
		return float64(headCount())
	})
	return m
}

// sampleSegment refreshes the per-tag in-use gauges from allocator stats.
func (m *Metrics) sampleSegment() {
	st := m.segmentSampler()
	for t := shmseg.Tag(0); t < shmseg.NumTags; t++ {
		m.SegmentInUse.WithLabelValues(t.String()).Set(float64(st.InUseBytes[t]))
	}
}

func (m *Metrics) register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.RowsInserted, m.RowsDrained, m.ChunkSplits, m.ChunkMerges,
		m.Compactions, m.ColdBuilds, m.SegmentFree, m.SegmentInUse,
		m.HeadsResident,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
