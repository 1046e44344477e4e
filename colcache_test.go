// Copyright 2024 The colcache Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package colcache

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ramsingla/colcache/internal/base"
	"github.com/ramsingla/colcache/internal/colfmt"
	"github.com/ramsingla/colcache/internal/rowenc"
	"github.com/stretchr/testify/require"
)

// testCatalog and testScanner stand in for the host engine: a catalog of
// relation descriptors and a set of in-memory tables scanned for cold
// builds.

type testCatalog struct {
	mu   sync.Mutex
	rels map[relKey]*RelationDesc
}

func (tc *testCatalog) Relation(dbID DatabaseID, relID RelationID) (*RelationDesc, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	desc, ok := tc.rels[relKey{dbID, relID}]
	if !ok {
		return nil, errors.Newf("unknown relation %d/%d", dbID, relID)
	}
	return desc, nil
}

type testTable struct {
	mu     sync.Mutex
	tuples []Tuple
}

func (tt *testTable) add(ts ...Tuple) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.tuples = append(tt.tuples, ts...)
}

type testScanner struct {
	mu     sync.Mutex
	tables map[relKey]*testTable
	opens  int
	// failNext makes the next Open return a scan whose first Next errors.
	failNext bool
	// gate, if set, is waited on by every scan's Next.
	gate chan struct{}
}

func (ts *testScanner) Open(dbID DatabaseID, relID RelationID) (TableScan, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.opens++
	tt, ok := ts.tables[relKey{dbID, relID}]
	if !ok {
		return nil, errors.Newf("unknown relation %d/%d", dbID, relID)
	}
	tt.mu.Lock()
	snap := append([]Tuple(nil), tt.tuples...)
	tt.mu.Unlock()
	sc := &sliceScan{tuples: snap, gate: ts.gate}
	if ts.failNext {
		ts.failNext = false
		sc.err = errors.New("injected scan failure")
	}
	return sc, nil
}

type sliceScan struct {
	tuples []Tuple
	i      int
	err    error
	gate   chan struct{}
}

func (s *sliceScan) Next() (Tuple, bool, error) {
	if s.err != nil {
		return Tuple{}, false, s.err
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.i >= len(s.tuples) {
		return Tuple{}, false, nil
	}
	t := s.tuples[s.i]
	s.i++
	return t, true, nil
}

func (s *sliceScan) Rewind() error {
	s.i = 0
	return nil
}

func (s *sliceScan) Close() error { return nil }

// The test relation: a not-null int64 key, a nullable int64 payload, and
// a nullable variable-width name.
func testRelDesc(dbID DatabaseID, relID RelationID) *RelationDesc {
	return &RelationDesc{
		DBID:  dbID,
		RelID: relID,
		Name:  "events",
		Columns: colfmt.ColumnMetas{
			{ID: 1, Name: "id", Type: colfmt.ColumnTypeInt64, NotNull: true},
			{ID: 2, Name: "val", Type: colfmt.ColumnTypeInt64},
			{ID: 3, Name: "name", Type: colfmt.ColumnTypeBytes},
		},
	}
}

const (
	testDB  DatabaseID = 1
	testRel RelationID = 42
)

type testEnv struct {
	cat     *testCatalog
	scanner *testScanner
	table   *testTable
	cache   *Cache
}

func newTestEnv(t testing.TB, adjust func(*Options)) *testEnv {
	desc := testRelDesc(testDB, testRel)
	env := &testEnv{
		cat: &testCatalog{rels: map[relKey]*RelationDesc{
			{testDB, testRel}: desc,
		}},
		table: &testTable{},
	}
	env.scanner = &testScanner{tables: map[relKey]*testTable{
		{testDB, testRel}: env.table,
	}}
	opts := &Options{
		Catalog:      env.cat,
		Scanner:      env.scanner,
		SegmentSize:  16 << 20,
		RowsPerChunk: 8,
		RowStoreSize: 4 << 10,
		Logger:       base.NoopLogger{},
	}
	if adjust != nil {
		adjust(opts)
	}
	c, err := Open(opts)
	require.NoError(t, err)
	env.cache = c
	t.Cleanup(func() {
		_ = c.Close()
	})
	return env
}

// mkTuple encodes (id, val, name) at the given position. A negative val
// encodes NULL; an empty name encodes NULL.
func mkTuple(t testing.TB, blkno base.BlockNumber, off base.OffsetNumber, id, val int64, name string) Tuple {
	desc := testRelDesc(testDB, testRel)
	values := []rowenc.Datum{
		rowenc.Int64Datum(id),
		rowenc.Int64Datum(val),
		rowenc.BytesDatum([]byte(name)),
	}
	if val < 0 {
		values[1] = nil
	}
	if name == "" {
		values[2] = nil
	}
	data, err := rowenc.FormTuple(desc.Columns, values)
	require.NoError(t, err)
	return Tuple{
		CTID: base.ItemPointer{Blkno: blkno, Offset: off},
		Xmin: base.FirstNormalTxID,
		Data: data,
	}
}

// fillTable populates nblocks blocks of perBlock rows each, with
// id = blkno*1000 + offset and val = 2*id.
func (env *testEnv) fillTable(t testing.TB, nblocks, perBlock int) {
	for b := 0; b < nblocks; b++ {
		for o := 1; o <= perBlock; o++ {
			id := int64(b*1000 + o)
			env.table.add(mkTuple(t, base.BlockNumber(b), base.OffsetNumber(o),
				id, 2*id, "row"))
		}
	}
}

// collectLive drains the scan in the given direction and returns the live
// item pointers in visit order, id-keyed values alongside.
func collectLive(t testing.TB, sd *ScanDesc, forward bool) (ctids []base.ItemPointer, ids map[base.ItemPointer]int64) {
	ids = make(map[base.ItemPointer]int64)
	for {
		var ch *Chunk
		var err error
		if forward {
			ch, err = sd.Next()
		} else {
			ch, err = sd.Prev()
		}
		require.NoError(t, err)
		if ch == nil {
			return ctids, ids
		}
		for i := 0; i < ch.NumRows(); i++ {
			if ch.RowDead(i) {
				continue
			}
			ctid := ch.ItemPointer(i)
			ctids = append(ctids, ctid)
			if ch.Kind() == ChunkColumnStore {
				ids[ctid] = ch.Column(0).Int64()[i]
			} else {
				tp, ok := ch.Tuple(i)
				require.True(t, ok)
				datums, err := rowenc.DeformTuple(ch.Columns(), tp.Data)
				require.NoError(t, err)
				ids[ctid] = datums[0].AsInt64()
			}
		}
		ch.Release()
	}
}

func TestOpenClose(t *testing.T) {
	env := newTestEnv(t, nil)
	require.Empty(t, env.cache.Stats())
	require.NoError(t, env.cache.Close())
	require.ErrorIs(t, env.cache.Close(), ErrClosed)
	_, err := env.cache.BeginScan(testDB, testRel, []int32{1})
	require.ErrorIs(t, err, ErrClosed)
}

func TestColdBuildAndScan(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fillTable(t, 25, 4)

	sd, err := env.cache.BeginScan(testDB, testRel, []int32{1, 2})
	require.NoError(t, err)
	defer sd.Close()

	ctids, ids := collectLive(t, sd, true)
	require.Len(t, ctids, 100)
	// The table is scanned once with multiple chunks materialized.
	require.Equal(t, 1, env.scanner.opens)

	// Tree chunks arrive in ascending block-number order with no overlap.
	for i := 1; i < len(ctids); i++ {
		require.Negative(t, ctids[i-1].Compare(ctids[i]),
			"ctid %s before %s", ctids[i-1], ctids[i])
	}
	for ctid, id := range ids {
		require.Equal(t, int64(int(ctid.Blkno)*1000+int(ctid.Offset)), id)
	}

	stats := env.cache.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, "ready", stats[0].State)
	require.Greater(t, stats[0].Chunks, 1)
}

func TestScanBackwardMirrorsForward(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fillTable(t, 12, 6)

	sd, err := env.cache.BeginScan(testDB, testRel, []int32{1})
	require.NoError(t, err)
	defer sd.Close()
	fwd, _ := collectLive(t, sd, true)

	// A backward scan yields the same rows, with chunks arriving in
	// descending block-number order.
	sd2, err := env.cache.BeginScan(testDB, testRel, []int32{1})
	require.NoError(t, err)
	defer sd2.Close()
	var bwd []base.ItemPointer
	prevMin := uint32(base.InvalidBlockNumber)
	for {
		ch, err := sd2.Prev()
		require.NoError(t, err)
		if ch == nil {
			break
		}
		var chunkMin, chunkMax uint32
		first := true
		for i := 0; i < ch.NumRows(); i++ {
			if ch.RowDead(i) {
				continue
			}
			ctid := ch.ItemPointer(i)
			bwd = append(bwd, ctid)
			if first {
				chunkMin, chunkMax = uint32(ctid.Blkno), uint32(ctid.Blkno)
				first = false
			} else {
				chunkMin = min(chunkMin, uint32(ctid.Blkno))
				chunkMax = max(chunkMax, uint32(ctid.Blkno))
			}
		}
		if !first {
			require.Less(t, chunkMax, prevMin, "chunks out of descending order")
			prevMin = chunkMin
		}
		ch.Release()
	}
	require.ElementsMatch(t, fwd, bwd)
}

func TestScanSingleDirection(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fillTable(t, 2, 2)

	sd, err := env.cache.BeginScan(testDB, testRel, []int32{1})
	require.NoError(t, err)
	defer sd.Close()

	ch, err := sd.Next()
	require.NoError(t, err)
	require.NotNil(t, ch)
	ch.Release()
	ch, err = sd.Prev()
	require.NoError(t, err)
	require.Nil(t, ch, "Prev on a forward scan")

	sd.Rescan()
	ch, err = sd.Prev()
	require.NoError(t, err)
	require.NotNil(t, ch)
	ch.Release()
}

func TestInsertVisibleAfterBuild(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fillTable(t, 4, 4)

	sd, err := env.cache.BeginScan(testDB, testRel, []int32{1, 2, 3})
	require.NoError(t, err)
	_, _ = collectLive(t, sd, true)
	sd.Close()

	nt := mkTuple(t, 100, 1, 100001, 7, "fresh")
	require.NoError(t, env.cache.OnInsert(testDB, testRel, nt))

	sd, err = env.cache.BeginScan(testDB, testRel, []int32{1, 2, 3})
	require.NoError(t, err)
	defer sd.Close()
	ctids, ids := collectLive(t, sd, true)
	require.Len(t, ctids, 17)
	require.Equal(t, int64(100001), ids[nt.CTID])
}

func TestUpdateSingleLiveVersion(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fillTable(t, 8, 4)

	sd, err := env.cache.BeginScan(testDB, testRel, []int32{1, 2})
	require.NoError(t, err)
	_, _ = collectLive(t, sd, true)
	sd.Close()

	// Move the row at (5,1) to (5,9) with a new value.
	old := base.ItemPointer{Blkno: 5, Offset: 1}
	repl := mkTuple(t, 5, 9, 5001, 999, "moved")
	require.NoError(t, env.cache.OnUpdate(testDB, testRel, old, repl))

	sd, err = env.cache.BeginScan(testDB, testRel, []int32{1, 2})
	require.NoError(t, err)
	defer sd.Close()
	ctids, _ := collectLive(t, sd, true)

	var versions []base.ItemPointer
	for _, ctid := range ctids {
		if ctid.Blkno == 5 && (ctid.Offset == 1 || ctid.Offset == 9) {
			versions = append(versions, ctid)
		}
	}
	require.Len(t, versions, 1)
	require.Equal(t, base.OffsetNumber(9), versions[0].Offset)
}

func TestDeleteHidesRow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fillTable(t, 6, 4)

	sd, err := env.cache.BeginScan(testDB, testRel, []int32{1})
	require.NoError(t, err)
	_, _ = collectLive(t, sd, true)
	sd.Close()

	env.cache.OnDelete(testDB, testRel, base.ItemPointer{Blkno: 3, Offset: 2})

	sd, err = env.cache.BeginScan(testDB, testRel, []int32{1})
	require.NoError(t, err)
	defer sd.Close()
	ctids, _ := collectLive(t, sd, true)
	require.Len(t, ctids, 23)
	for _, ctid := range ctids {
		require.False(t, ctid.Blkno == 3 && ctid.Offset == 2)
	}
}

func TestTruncateDropsCache(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fillTable(t, 4, 4)

	sd, err := env.cache.BeginScan(testDB, testRel, []int32{1})
	require.NoError(t, err)
	_, _ = collectLive(t, sd, true)
	sd.Close()
	require.Len(t, env.cache.Stats(), 1)

	env.cache.OnTruncate(testDB, testRel)
	require.Empty(t, env.cache.Stats())

	// The next scan rebuilds from the (unchanged, in this test) table.
	sd, err = env.cache.BeginScan(testDB, testRel, []int32{1})
	require.NoError(t, err)
	defer sd.Close()
	ctids, _ := collectLive(t, sd, true)
	require.Len(t, ctids, 16)
	require.Equal(t, 2, env.scanner.opens)
}

func TestPagePruneRedirects(t *testing.T) {
	env := newTestEnv(t, nil)
	for o := 1; o <= 5; o++ {
		id := int64(10000 + o)
		env.table.add(mkTuple(t, 10, base.OffsetNumber(o), id, id, "x"))
	}

	sd, err := env.cache.BeginScan(testDB, testRel, []int32{1})
	require.NoError(t, err)
	_, _ = collectLive(t, sd, true)
	sd.Close()

	env.cache.OnPagePrune(testDB, testRel, 10, []PruneRedirect{
		{From: 3, To: 7}, // redirected
		{From: 5, To: 0}, // reclaimed
	})

	sd, err = env.cache.BeginScan(testDB, testRel, []int32{1})
	require.NoError(t, err)
	defer sd.Close()
	ctids, ids := collectLive(t, sd, true)
	require.Len(t, ctids, 4)

	seen := make(map[base.OffsetNumber]bool)
	for _, ctid := range ctids {
		seen[ctid.Offset] = true
	}
	require.False(t, seen[3], "redirected slot still visible")
	require.False(t, seen[5], "reclaimed slot still visible")
	require.True(t, seen[7], "redirect target missing")
	require.Equal(t, int64(10003), ids[base.ItemPointer{Blkno: 10, Offset: 7}])
}

func TestHeadWidening(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fillTable(t, 4, 4)

	sd, err := env.cache.BeginScan(testDB, testRel, []int32{1})
	require.NoError(t, err)
	_, _ = collectLive(t, sd, true)
	sd.Close()
	require.Equal(t, 1, env.cache.Stats()[0].Columns)

	// A scan of a column not yet cached replaces the head with a wider
	// one covering the union.
	sd, err = env.cache.BeginScan(testDB, testRel, []int32{2})
	require.NoError(t, err)
	defer sd.Close()
	stats := env.cache.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, 2, stats[0].Columns)

	for {
		ch, err := sd.Next()
		require.NoError(t, err)
		if ch == nil {
			break
		}
		if ch.Kind() == ChunkColumnStore {
			require.Len(t, ch.Columns(), 2)
		}
		ch.Release()
	}
}

func TestUnknownColumn(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.cache.BeginScan(testDB, testRel, []int32{99})
	require.ErrorIs(t, err, ErrColumnNotCached)
}

func TestConcurrentColdBuildSingleScan(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fillTable(t, 4, 4)
	gate := make(chan struct{})
	env.scanner.gate = gate

	begin := func(out chan<- error) {
		sd, err := env.cache.BeginScan(testDB, testRel, []int32{1})
		if err == nil {
			sd.Close()
		}
		out <- err
	}
	res := make(chan error, 2)
	go begin(res)
	go begin(res)

	// Neither scan can finish while the build's physical scan is gated.
	select {
	case err := <-res:
		t.Fatalf("scan finished during gated build: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(gate)
	require.NoError(t, <-res)
	require.NoError(t, <-res)
	// One cold build serves both scans.
	require.Equal(t, 1, env.scanner.opens)
}

func TestBuildFailureResetsState(t *testing.T) {
	var failed []error
	env := newTestEnv(t, func(o *Options) {
		o.EventListener = &EventListener{
			BuildEnd: func(i BuildInfo) {
				if i.Err != nil {
					failed = append(failed, i.Err)
				}
			},
		}
	})
	env.fillTable(t, 4, 4)
	env.scanner.failNext = true

	_, err := env.cache.BeginScan(testDB, testRel, []int32{1})
	require.Error(t, err)
	require.Len(t, failed, 1)

	// The failed build left nothing behind; the retry starts over.
	sd, err := env.cache.BeginScan(testDB, testRel, []int32{1})
	require.NoError(t, err)
	defer sd.Close()
	ctids, _ := collectLive(t, sd, true)
	require.Len(t, ctids, 16)
}

func TestBackgroundDrain(t *testing.T) {
	drained := make(chan DrainInfo, 16)
	var bgErrs atomic.Int32
	env := newTestEnv(t, func(o *Options) {
		o.RowStoreSize = 1 << 10
		o.EventListener = &EventListener{
			Drain:           func(i DrainInfo) { drained <- i },
			BackgroundError: func(error) { bgErrs.Add(1) },
		}
	})
	env.fillTable(t, 2, 2)

	sd, err := env.cache.BeginScan(testDB, testRel, []int32{1, 2, 3})
	require.NoError(t, err)
	_, _ = collectLive(t, sd, true)
	sd.Close()

	// Enough inserts to rotate the small row store at least once; each
	// rotation wakes a columnizer.
	for o := 1; o <= 64; o++ {
		id := int64(50000 + o)
		require.NoError(t, env.cache.OnInsert(testDB, testRel,
			mkTuple(t, 50, base.OffsetNumber(o), id, id, "drainme")))
	}

	select {
	case <-drained:
	case <-time.After(10 * time.Second):
		t.Fatal("no drain within deadline")
	}

	// The burst targets a single block, whose rows outnumber a chunk's
	// capacity; the overflow stays row-resident rather than failing the
	// drain. Nothing is lost and nothing shows up twice: distinct item
	// pointers are what count.
	sd, err = env.cache.BeginScan(testDB, testRel, []int32{1, 2, 3})
	require.NoError(t, err)
	defer sd.Close()
	_, ids := collectLive(t, sd, true)
	require.Len(t, ids, 4+64)
	require.Zero(t, bgErrs.Load())
}

// TestDrainSingleBlockOverflow drives drainRowStore directly with more
// rows of one block than a chunk can hold: placeable rows move to the
// tree and have their slots punched out, the overflow stays in the store,
// and a re-drain of the same store is a no-op rather than a duplicator.
func TestDrainSingleBlockOverflow(t *testing.T) {
	c := newRawCache(t, 4)
	h := newRawHead(t, c)

	rs, err := newRowStore(c.seg, 4<<10)
	require.NoError(t, err)
	defer rs.release()
	for o := 1; o <= 12; o++ {
		require.True(t, rs.insert(mkTuple(t, 9, base.OffsetNumber(o),
			int64(9000+o), 1, "x")))
	}

	h.lock.Lock()
	rows, left, err := h.drainRowStore(rs)
	h.lock.Unlock()
	require.NoError(t, err)
	require.Equal(t, 4, rows)
	require.Equal(t, 8, left)

	h.lock.Lock()
	rows, left, err = h.drainRowStore(rs)
	h.lock.Unlock()
	require.NoError(t, err)
	require.Zero(t, rows)
	require.Equal(t, 8, left)

	ref := h.findNext(9)
	require.NotZero(t, ref)
	cs := h.chunk(h.node(ref).csRef)
	require.Equal(t, 4, cs.numRows())
	stayed := 0
	for i := 0; i < rs.numRows(); i++ {
		if ctid, _, _, ok := rs.tupleAt(i); ok {
			stayed++
			require.Negative(t, cs.findByCTID(ctid), "row %s duplicated", ctid)
		}
	}
	require.Equal(t, 8, stayed)
}

func TestMetricsAndDump(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fillTable(t, 4, 4)
	sd, err := env.cache.BeginScan(testDB, testRel, []int32{1})
	require.NoError(t, err)
	_, _ = collectLive(t, sd, true)
	sd.Close()

	m := env.cache.Metrics()
	require.NotNil(t, m)

	var buf bytes.Buffer
	env.cache.Dump(&buf)
	require.Contains(t, buf.String(), "events")
	require.Contains(t, buf.String(), "segment")

	ss := env.cache.SegmentStats()
	require.Less(t, ss.FreeBytes, ss.Size)
}
