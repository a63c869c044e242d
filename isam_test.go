package dbcore

import (
	"os"
	"path/filepath"
	"testing"
)

func isamTestTable() *Table {
	return NewTable("t", []FieldDescriptor{
		{Name: "id", Type: FieldInt},
		{Name: "val", Type: FieldInt},
	}, "id")
}

func newTestISAM(t *testing.T, opts ISAMOptions) *ISAM {
	t.Helper()
	dir := t.TempDir()
	idx, err := NewISAM(isamTestTable(),
		filepath.Join(dir, "datos.dat"),
		filepath.Join(dir, "root_index.dat"),
		filepath.Join(dir, "leaf_index.dat"),
		filepath.Join(dir, "free_list.dat"),
		opts,
	)
	if err != nil {
		t.Fatalf("NewISAM: %v", err)
	}
	return idx
}

func isamInsert(t *testing.T, idx *ISAM, id int32) bool {
	t.Helper()
	var tracker PerformanceTracker
	tracker.StartOperation()
	rec := NewRecord(idx.Table, map[string]any{"id": id, "val": id * 2})
	ok, err := idx.Insert(rec, &tracker)
	tracker.EndOperation(ok)
	if err != nil {
		t.Fatalf("Insert(%d): %v", id, err)
	}
	return ok
}

// isamChainStats reports how many pages the data file holds and how many
// of them start an overflow chain.
func isamChainStats(t *testing.T, idx *ISAM) (pages, chained int) {
	t.Helper()
	info, err := os.Stat(idx.dataPath)
	if err != nil {
		t.Fatalf("stat data file: %v", err)
	}
	pages = int(info.Size()) / PageSize(idx.Table, idx.Options.BlockFactor)
	for p := 0; p < pages; p++ {
		pg, err := idx.readDataPage(int32(p))
		if err != nil {
			t.Fatalf("readDataPage(%d): %v", p, err)
		}
		if pg.NextOverflowPage != -1 {
			chained++
		}
	}
	return pages, chained
}

// TestISAMInsertPrefersSplitOverOverflowChain pins the full-page strategy
// order: a full data page splits while the leaf index page can take the
// new separator, splits the leaf index page too while the root has room,
// and only chains an overflow page once both index levels are saturated.
func TestISAMInsertPrefersSplitOverOverflowChain(t *testing.T) {
	opts := DefaultISAMOptions()
	opts.BlockFactor = 2
	opts.RootIndexBlockFactor = 2
	opts.LeafIndexBlockFactor = 2
	opts.MaxOverflow = 2
	opts.ConsolidationThreshold = 1
	idx := newTestISAM(t, opts)

	isamInsert(t, idx, 1)
	isamInsert(t, idx, 2)

	// Third insert finds its page full and the leaf index page with
	// room: the data page must split, not grow an overflow chain.
	isamInsert(t, idx, 3)
	pages, chained := isamChainStats(t, idx)
	if pages != 2 || chained != 0 {
		t.Fatalf("after data-page split: pages=%d chained=%d, want 2 pages and no chains", pages, chained)
	}

	// Fourth insert fills a page under a now-full leaf index page while
	// the root still has room: the data page and the leaf index page
	// both split, promoting one separator to the root.
	isamInsert(t, idx, 4)
	pages, chained = isamChainStats(t, idx)
	if pages != 3 || chained != 0 {
		t.Fatalf("after cascading split: pages=%d chained=%d, want 3 pages and no chains", pages, chained)
	}
	root, err := idx.readRootPage()
	if err != nil {
		t.Fatalf("readRootPage: %v", err)
	}
	if len(root.entries) != 2 {
		t.Fatalf("root entries = %d after leaf-index split, want 2", len(root.entries))
	}

	// Fifth insert finds both index levels saturated: only now may an
	// overflow page be chained.
	isamInsert(t, idx, 5)
	_, chained = isamChainStats(t, idx)
	if chained != 1 {
		t.Fatalf("chained pages = %d once both index levels are full, want 1", chained)
	}

	var tracker PerformanceTracker
	for id := int32(1); id <= 5; id++ {
		tracker.StartOperation()
		rec, err := idx.Search(id, &tracker)
		tracker.EndOperation(rec)
		if err != nil {
			t.Fatalf("Search(%d): %v", id, err)
		}
		if rec == nil {
			t.Fatalf("Search(%d) lost the record across splits", id)
		}
	}
}

// TestISAMInsertSearchRoundTrip is a baseline sanity check before the
// overflow/rebuild scenario below.
func TestISAMInsertSearchRoundTrip(t *testing.T) {
	opts := DefaultISAMOptions()
	opts.BlockFactor = 4
	idx := newTestISAM(t, opts)

	if !isamInsert(t, idx, 1) {
		t.Fatal("Insert(1) should succeed")
	}

	var tracker PerformanceTracker
	tracker.StartOperation()
	rec, err := idx.Search(int32(1), &tracker)
	tracker.EndOperation(rec)
	if err != nil {
		t.Fatalf("Search(1): %v", err)
	}
	if rec == nil {
		t.Fatal("Search(1) returned nil")
	}
	if rec.Get("val") != int32(2) {
		t.Errorf("val = %v, want 2", rec.Get("val"))
	}
}

// TestISAMRejectsDuplicateKey verifies a second insert of the same key
// reports false without error.
func TestISAMRejectsDuplicateKey(t *testing.T) {
	opts := DefaultISAMOptions()
	opts.BlockFactor = 4
	idx := newTestISAM(t, opts)
	isamInsert(t, idx, 1)
	if isamInsert(t, idx, 1) {
		t.Fatal("duplicate Insert(1) should report false")
	}
}

// TestISAMOverflowThenRebuild: with block factor 4 and max overflow 2,
// bulk-insert 30 monotonically
// increasing keys, delete every third record, assert shouldRebuild()
// fires, and a full scan returns the surviving count in sorted order.
func TestISAMOverflowThenRebuild(t *testing.T) {
	opts := DefaultISAMOptions()
	opts.BlockFactor = 4
	opts.MaxOverflow = 2
	opts.RootIndexBlockFactor = 50
	opts.LeafIndexBlockFactor = 50
	idx := newTestISAM(t, opts)

	for id := int32(1); id <= 30; id++ {
		if !isamInsert(t, idx, id) {
			t.Fatalf("Insert(%d) should succeed", id)
		}
	}

	var tracker PerformanceTracker
	deleted := map[int32]bool{}
	for id := int32(3); id <= 30; id += 3 {
		tracker.StartOperation()
		ok, err := idx.Delete(id, &tracker)
		tracker.EndOperation(ok)
		if err != nil {
			t.Fatalf("Delete(%d): %v", id, err)
		}
		if !ok {
			t.Fatalf("Delete(%d) should succeed", id)
		}
		deleted[id] = true
	}

	should, err := idx.shouldRebuild()
	if err != nil {
		t.Fatalf("shouldRebuild: %v", err)
	}
	if !should {
		t.Fatal("shouldRebuild() should report true after this much fragmentation")
	}

	tracker.StartOperation()
	records, err := idx.ScanAll(&tracker)
	tracker.EndOperation(records)
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}

	wantCount := 30 - len(deleted)
	if len(records) != wantCount {
		t.Fatalf("ScanAll returned %d records, want %d", len(records), wantCount)
	}
	for i := 1; i < len(records); i++ {
		if compareKeys(records[i-1].GetKey(), records[i].GetKey()) >= 0 {
			t.Fatalf("ScanAll not strictly sorted at %d", i)
		}
	}
}

// TestISAMRebuildPreservesRecordsAndIsIdempotent verifies Rebuild keeps
// every active record retrievable, and that a second immediate rebuild
// doesn't lose or duplicate anything.
func TestISAMRebuildPreservesRecordsAndIsIdempotent(t *testing.T) {
	opts := DefaultISAMOptions()
	opts.BlockFactor = 4
	idx := newTestISAM(t, opts)

	for id := int32(1); id <= 12; id++ {
		isamInsert(t, idx, id)
	}

	var tracker PerformanceTracker
	tracker.StartOperation()
	if err := idx.Rebuild(&tracker); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	tracker.EndOperation(nil)

	tracker.StartOperation()
	first, err := idx.ScanAll(&tracker)
	tracker.EndOperation(first)
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if len(first) != 12 {
		t.Fatalf("ScanAll after first rebuild = %d records, want 12", len(first))
	}

	tracker.StartOperation()
	if err := idx.Rebuild(&tracker); err != nil {
		t.Fatalf("second Rebuild: %v", err)
	}
	tracker.EndOperation(nil)

	tracker.StartOperation()
	second, err := idx.ScanAll(&tracker)
	tracker.EndOperation(second)
	if err != nil {
		t.Fatalf("ScanAll after second rebuild: %v", err)
	}
	if len(second) != 12 {
		t.Fatalf("ScanAll after second rebuild = %d records, want 12", len(second))
	}
}

// TestISAMRebuildGrowsBlockFactors verifies each Rebuild multiplies the
// data/root-index/leaf-index block factors by RebuildGrowthFactor,
// cumulatively, and that growth stops once MaxRebuildFactor is reached.
func TestISAMRebuildGrowsBlockFactors(t *testing.T) {
	opts := DefaultISAMOptions()
	opts.BlockFactor = 4
	opts.RootIndexBlockFactor = 4
	opts.LeafIndexBlockFactor = 4
	opts.RebuildGrowthFactor = 1.3
	opts.MaxRebuildFactor = 2.0
	idx := newTestISAM(t, opts)

	for id := int32(1); id <= 6; id++ {
		isamInsert(t, idx, id)
	}

	var tracker PerformanceTracker
	tracker.StartOperation()
	if err := idx.Rebuild(&tracker); err != nil {
		t.Fatalf("first Rebuild: %v", err)
	}
	tracker.EndOperation(nil)

	if idx.Options.BlockFactor != 5 {
		t.Fatalf("BlockFactor after first rebuild = %d, want 5 (4*1.3)", idx.Options.BlockFactor)
	}
	if idx.Options.RootIndexBlockFactor != 5 || idx.Options.LeafIndexBlockFactor != 5 {
		t.Fatalf("root/leaf index block factors after first rebuild = %d/%d, want 5/5",
			idx.Options.RootIndexBlockFactor, idx.Options.LeafIndexBlockFactor)
	}

	tracker.StartOperation()
	if err := idx.Rebuild(&tracker); err != nil {
		t.Fatalf("second Rebuild: %v", err)
	}
	tracker.EndOperation(nil)

	// Cumulative factor after two rebuilds would be 1.3*1.3=1.69, under
	// the cap of 2.0, so BlockFactor grows again: int(5*(1.69/1.3))=6.
	if idx.Options.BlockFactor != 6 {
		t.Fatalf("BlockFactor after second rebuild = %d, want 6", idx.Options.BlockFactor)
	}

	tracker.StartOperation()
	if err := idx.Rebuild(&tracker); err != nil {
		t.Fatalf("third Rebuild: %v", err)
	}
	tracker.EndOperation(nil)

	// Cumulative factor would be 1.69*1.3=2.197, clamped to the 2.0 cap,
	// so BlockFactor grows once more to int(6*(2.0/1.69))=7, then a
	// fourth rebuild must leave it unchanged since the cap is already hit.
	grownToCap := idx.Options.BlockFactor
	if grownToCap <= 6 {
		t.Fatalf("BlockFactor after third rebuild = %d, want > 6 (cap not yet reached)", grownToCap)
	}

	for id := int32(7); id <= 12; id++ {
		isamInsert(t, idx, id)
	}
	tracker.StartOperation()
	if err := idx.Rebuild(&tracker); err != nil {
		t.Fatalf("fourth Rebuild: %v", err)
	}
	tracker.EndOperation(nil)

	if idx.Options.BlockFactor != grownToCap {
		t.Fatalf("BlockFactor after cap reached = %d, want unchanged %d", idx.Options.BlockFactor, grownToCap)
	}

	tracker.StartOperation()
	all, err := idx.ScanAll(&tracker)
	tracker.EndOperation(all)
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if len(all) != 12 {
		t.Fatalf("ScanAll after growth rebuilds = %d records, want 12", len(all))
	}
}

// TestISAMDeleteThenSearchNotFound guards the round-trip law:
// insert(r); delete(r.key); search(r.key) == NotFound.
func TestISAMDeleteThenSearchNotFound(t *testing.T) {
	opts := DefaultISAMOptions()
	opts.BlockFactor = 4
	idx := newTestISAM(t, opts)
	isamInsert(t, idx, 7)

	var tracker PerformanceTracker
	tracker.StartOperation()
	ok, err := idx.Delete(int32(7), &tracker)
	tracker.EndOperation(ok)
	if err != nil {
		t.Fatalf("Delete(7): %v", err)
	}
	if !ok {
		t.Fatal("Delete(7) should succeed")
	}

	tracker.StartOperation()
	rec, err := idx.Search(int32(7), &tracker)
	tracker.EndOperation(rec)
	if err != nil {
		t.Fatalf("Search(7): %v", err)
	}
	if rec != nil {
		t.Fatal("Search(7) after delete should return nil")
	}
}

// TestISAMRangeSearchMatchesScanAllFilter checks RangeSearch agrees with
// an in-memory filter of ScanAll over the fixed window [10, 25].
func TestISAMRangeSearchMatchesScanAllFilter(t *testing.T) {
	opts := DefaultISAMOptions()
	opts.BlockFactor = 4
	idx := newTestISAM(t, opts)
	for id := int32(1); id <= 50; id++ {
		isamInsert(t, idx, id)
	}

	var tracker PerformanceTracker
	tracker.StartOperation()
	all, err := idx.ScanAll(&tracker)
	tracker.EndOperation(all)
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}

	lo, hi := int32(10), int32(25)
	var want []int32
	for _, r := range all {
		k := r.GetKey().(int32)
		if k >= lo && k <= hi {
			want = append(want, k)
		}
	}

	tracker.StartOperation()
	got, err := idx.RangeSearch(lo, hi, &tracker)
	tracker.EndOperation(got)
	if err != nil {
		t.Fatalf("RangeSearch: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("RangeSearch(%d,%d) returned %d records, want %d", lo, hi, len(got), len(want))
	}
	for i, r := range got {
		if r.GetKey() != want[i] {
			t.Errorf("RangeSearch[%d] = %v, want %v", i, r.GetKey(), want[i])
		}
	}
}
