// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Command colcache exercises the columnar cache against a synthetic
// table: bench measures scan latency, dump prints the segment layout.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/ramsingla/colcache"
	"github.com/ramsingla/colcache/internal/base"
	"github.com/ramsingla/colcache/internal/colfmt"
	"github.com/ramsingla/colcache/internal/rowenc"
	"github.com/spf13/cobra"
)

var (
	rows         int
	rowsPerBlock int
	segmentMB    int
	rowsPerChunk int
	scans        int
	verbose      bool
)

func main() {
	root := &cobra.Command{
		Use:   "colcache",
		Short: "columnar cache workload driver",
	}
	root.PersistentFlags().IntVar(&rows, "rows", 100_000, "synthetic table size")
	root.PersistentFlags().IntVar(&rowsPerBlock, "rows-per-block", 64, "tuples per physical block")
	root.PersistentFlags().IntVar(&segmentMB, "segment-mb", 256, "memory segment size in MB")
	root.PersistentFlags().IntVar(&rowsPerChunk, "rows-per-chunk", 4096, "chunk row capacity")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "log cache events")

	bench := &cobra.Command{
		Use:   "bench",
		Short: "measure full-scan latency over the cached table",
		RunE:  runBench,
	}
	bench.Flags().IntVar(&scans, "scans", 50, "number of timed scans")

	dump := &cobra.Command{
		Use:   "dump",
		Short: "build the cache once and print the segment layout",
		RunE:  runDump,
	}

	root.AddCommand(bench, dump)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

const (
	synthDB  colcache.DatabaseID = 1
	synthRel colcache.RelationID = 1
)

var synthDesc = &colcache.RelationDesc{
	DBID:  synthDB,
	RelID: synthRel,
	Name:  "synthetic",
	Columns: colfmt.ColumnMetas{
		{ID: 1, Name: "id", Type: colfmt.ColumnTypeInt64, NotNull: true},
		{ID: 2, Name: "val", Type: colfmt.ColumnTypeFloat64},
		{ID: 3, Name: "tag", Type: colfmt.ColumnTypeBytes},
	},
}

type synthCatalog struct{}

func (synthCatalog) Relation(dbID colcache.DatabaseID, relID colcache.RelationID) (*colcache.RelationDesc, error) {
	if dbID != synthDB || relID != synthRel {
		return nil, errors.Newf("unknown relation %d/%d", dbID, relID)
	}
	return synthDesc, nil
}

type synthScanner struct{ rows int }

func (s synthScanner) Open(colcache.DatabaseID, colcache.RelationID) (colcache.TableScan, error) {
	return &synthScan{rows: s.rows}, nil
}

type synthScan struct{ rows, i int }

func (s *synthScan) Next() (colcache.Tuple, bool, error) {
	if s.i >= s.rows {
		return colcache.Tuple{}, false, nil
	}
	i := s.i
	s.i++
	data, err := rowenc.FormTuple(synthDesc.Columns, []rowenc.Datum{
		rowenc.Int64Datum(int64(i)),
		rowenc.Float64Datum(float64(i) * 0.5),
		rowenc.BytesDatum([]byte(fmt.Sprintf("tag-%d", i%97))),
	})
	if err != nil {
		return colcache.Tuple{}, false, err
	}
	return colcache.Tuple{
		CTID: base.ItemPointer{
			Blkno:  base.BlockNumber(i / rowsPerBlock),
			Offset: base.OffsetNumber(i%rowsPerBlock + 1),
		},
		Xmin: base.FirstNormalTxID,
		Data: data,
	}, true, nil
}

func (s *synthScan) Rewind() error { s.i = 0; return nil }
func (s *synthScan) Close() error  { return nil }

func openCache() (*colcache.Cache, error) {
	opts := &colcache.Options{
		Catalog:      synthCatalog{},
		Scanner:      synthScanner{rows: rows},
		SegmentSize:  uint64(segmentMB) << 20,
		RowsPerChunk: rowsPerChunk,
	}
	if verbose {
		el := colcache.MakeLoggingEventListener(base.DefaultLogger)
		opts.EventListener = &el
	}
	return colcache.Open(opts)
}

// scanOnce walks every chunk and sums the id column, returning the live
// row count.
func scanOnce(c *colcache.Cache) (int, int64, error) {
	sd, err := c.BeginScan(synthDB, synthRel, []int32{1, 2})
	if err != nil {
		return 0, 0, err
	}
	defer sd.Close()
	var n int
	var sum int64
	for {
		ch, err := sd.Next()
		if err != nil {
			return n, sum, err
		}
		if ch == nil {
			return n, sum, nil
		}
		if ch.Kind() == colcache.ChunkColumnStore {
			ids := ch.Column(0).Int64()
			for i := range ids {
				if ch.RowDead(i) {
					continue
				}
				n++
				sum += ids[i]
			}
		} else {
			for i := 0; i < ch.NumRows(); i++ {
				if ch.RowDead(i) {
					continue
				}
				n++
			}
		}
		ch.Release()
	}
}

func runBench(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	buildStart := time.Now()
	n, _, err := scanOnce(c)
	if err != nil {
		return err
	}
	buildDur := time.Since(buildStart)

	hist := hdrhistogram.New(1, time.Minute.Microseconds(), 3)
	for i := 0; i < scans; i++ {
		start := time.Now()
		if _, _, err := scanOnce(c); err != nil {
			return err
		}
		if err := hist.RecordValue(time.Since(start).Microseconds()); err != nil {
			return err
		}
	}

	fmt.Printf("cold build: %d rows in %s\n\n", n, buildDur.Round(time.Millisecond))
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"scans", "p50 (µs)", "p90 (µs)", "p99 (µs)", "max (µs)"})
	tw.Append([]string{
		fmt.Sprint(scans),
		fmt.Sprint(hist.ValueAtQuantile(50)),
		fmt.Sprint(hist.ValueAtQuantile(90)),
		fmt.Sprint(hist.ValueAtQuantile(99)),
		fmt.Sprint(hist.Max()),
	})
	tw.Render()

	fmt.Println()
	st := c.SegmentStats()
	tw = tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"segment", "bytes"})
	tw.Append([]string{"size", fmt.Sprint(st.Size)})
	tw.Append([]string{"free", fmt.Sprint(st.FreeBytes)})
	tw.Append([]string{"largest free", fmt.Sprint(st.LargestFree)})
	tw.Render()
	return nil
}

func runDump(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	if _, _, err := scanOnce(c); err != nil {
		return err
	}
	c.Dump(os.Stdout)
	return nil
}
