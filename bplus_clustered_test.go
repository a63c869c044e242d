package dbcore

import (
	"path/filepath"
	"testing"
)

func clusteredTestTable() *Table {
	return NewTable("t", []FieldDescriptor{
		{Name: "id", Type: FieldInt},
		{Name: "val", Type: FieldInt},
	}, "id")
}

func newTestClusteredTree(t *testing.T, order int) *ClusteredBPlusTree {
	t.Helper()
	table := clusteredTestTable()
	path := filepath.Join(t.TempDir(), "btree_clustered.dat")
	tree, err := NewClusteredBPlusTree(table, path, BPlusTreeOptions{Order: order})
	if err != nil {
		t.Fatalf("NewClusteredBPlusTree: %v", err)
	}
	return tree
}

func insertClustered(t *testing.T, tree *ClusteredBPlusTree, id int32) {
	t.Helper()
	table := tree.Table
	rec := NewRecord(table, map[string]any{"id": id, "val": id * 10})
	var tracker PerformanceTracker
	tracker.StartOperation()
	ok, err := tree.Insert(rec, &tracker)
	tracker.EndOperation(ok)
	if err != nil {
		t.Fatalf("Insert(%d): %v", id, err)
	}
	if !ok {
		t.Fatalf("Insert(%d) reported duplicate unexpectedly", id)
	}
}

// TestClusteredBPlusTreeSplitScenario: order=4, insert [10,20,30] keeps
// one leaf; inserting 40
// splits the leaf and creates a new root with one promoted key and two
// children; search and range_search then behave as expected.
func TestClusteredBPlusTreeSplitScenario(t *testing.T) {
	tree := newTestClusteredTree(t, 4)
	var tracker PerformanceTracker

	insertClustered(t, tree, 10)
	insertClustered(t, tree, 20)
	insertClustered(t, tree, 30)

	tracker.StartOperation()
	root, err := tree.file.readNode(tree.rootNodeID)
	tracker.EndOperation(nil)
	if err != nil {
		t.Fatalf("readNode(root): %v", err)
	}
	if !root.IsLeaf {
		t.Fatal("root should still be a single leaf after 3 inserts at order 4")
	}
	if len(root.Keys) != 3 {
		t.Fatalf("root leaf has %d keys, want 3", len(root.Keys))
	}

	insertClustered(t, tree, 40)

	tracker.StartOperation()
	root, err = tree.file.readNode(tree.rootNodeID)
	tracker.EndOperation(nil)
	if err != nil {
		t.Fatalf("readNode(root) after split: %v", err)
	}
	if root.IsLeaf {
		t.Fatal("root should be an internal node after the leaf split")
	}
	if len(root.Keys) != 1 {
		t.Fatalf("new root has %d keys, want 1 (promoted key)", len(root.Keys))
	}
	if len(root.Children) != 2 {
		t.Fatalf("new root has %d children, want 2", len(root.Children))
	}

	tracker.StartOperation()
	rec, err := tree.Search(int32(10), &tracker)
	tracker.EndOperation(rec)
	if err != nil {
		t.Fatalf("Search(10): %v", err)
	}
	if rec == nil {
		t.Fatal("Search(10) returned nil")
	}
	if rec.Get("val") != int32(100) {
		t.Errorf("rec.val = %v, want 100", rec.Get("val"))
	}

	tracker.StartOperation()
	results, err := tree.RangeSearch(int32(15), int32(35), &tracker)
	tracker.EndOperation(results)
	if err != nil {
		t.Fatalf("RangeSearch(15,35): %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("RangeSearch(15,35) returned %d records, want 2", len(results))
	}
	if results[0].Get("id") != int32(20) || results[1].Get("id") != int32(30) {
		t.Errorf("RangeSearch(15,35) = %v, want ids [20 30] in order", results)
	}
}

// TestClusteredBPlusTreeRejectsDuplicateKey verifies a duplicate insert
// reports false without an error.
func TestClusteredBPlusTreeRejectsDuplicateKey(t *testing.T) {
	tree := newTestClusteredTree(t, 4)
	insertClustered(t, tree, 1)

	var tracker PerformanceTracker
	tracker.StartOperation()
	rec := NewRecord(tree.Table, map[string]any{"id": int32(1), "val": int32(999)})
	ok, err := tree.Insert(rec, &tracker)
	tracker.EndOperation(ok)
	if err != nil {
		t.Fatalf("Insert duplicate: %v", err)
	}
	if ok {
		t.Fatal("duplicate insert should report false")
	}
}

// TestClusteredBPlusTreeDeleteThenSearchNotFound guards the round-trip
// law: insert(r); delete(r.key); search(r.key) == NotFound.
func TestClusteredBPlusTreeDeleteThenSearchNotFound(t *testing.T) {
	tree := newTestClusteredTree(t, 4)
	insertClustered(t, tree, 5)

	var tracker PerformanceTracker
	tracker.StartOperation()
	ok, err := tree.Delete(int32(5), &tracker)
	tracker.EndOperation(ok)
	if err != nil {
		t.Fatalf("Delete(5): %v", err)
	}
	if !ok {
		t.Fatal("Delete(5) should succeed")
	}

	tracker.StartOperation()
	rec, err := tree.Search(int32(5), &tracker)
	tracker.EndOperation(rec)
	if err != nil {
		t.Fatalf("Search(5) after delete: %v", err)
	}
	if rec != nil {
		t.Fatalf("Search(5) after delete = %v, want nil", rec)
	}
}

// TestClusteredBPlusTreeDeleteAbsentKey verifies deleting a key that was
// never inserted returns false, not an error.
func TestClusteredBPlusTreeDeleteAbsentKey(t *testing.T) {
	tree := newTestClusteredTree(t, 4)
	var tracker PerformanceTracker
	tracker.StartOperation()
	ok, err := tree.Delete(int32(123), &tracker)
	tracker.EndOperation(ok)
	if err != nil {
		t.Fatalf("Delete(123): %v", err)
	}
	if ok {
		t.Fatal("deleting an absent key should report false")
	}
}

// TestClusteredBPlusTreeScanAllSortedAndComplete bulk-inserts out of
// order and checks ScanAll returns every record in ascending key order
// (the leaf-chain walk).
func TestClusteredBPlusTreeScanAllSortedAndComplete(t *testing.T) {
	tree := newTestClusteredTree(t, 4)
	ids := []int32{50, 10, 30, 20, 40, 5, 45, 25, 35, 15}
	for _, id := range ids {
		insertClustered(t, tree, id)
	}

	var tracker PerformanceTracker
	tracker.StartOperation()
	results, err := tree.ScanAll(&tracker)
	tracker.EndOperation(results)
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if len(results) != len(ids) {
		t.Fatalf("ScanAll returned %d records, want %d", len(results), len(ids))
	}
	for i := 1; i < len(results); i++ {
		if compareKeys(results[i-1].GetKey(), results[i].GetKey()) >= 0 {
			t.Fatalf("ScanAll not sorted at index %d: %v then %v", i, results[i-1].GetKey(), results[i].GetKey())
		}
	}
}

// TestClusteredBPlusTreeLeafChainConsistentAfterDeletes bulk-inserts and
// deletes enough records to force borrow/merge cascades, then verifies
// the leaf chain invariant still holds.
func TestClusteredBPlusTreeLeafChainConsistentAfterDeletes(t *testing.T) {
	tree := newTestClusteredTree(t, 4)
	for id := int32(1); id <= 30; id++ {
		insertClustered(t, tree, id)
	}

	var tracker PerformanceTracker
	for id := int32(1); id <= 30; id += 3 {
		tracker.StartOperation()
		ok, err := tree.Delete(id, &tracker)
		tracker.EndOperation(ok)
		if err != nil {
			t.Fatalf("Delete(%d): %v", id, err)
		}
	}

	tracker.StartOperation()
	_, err := tree.verifyLeafChain(&tracker)
	tracker.EndOperation(nil)
	if err != nil {
		t.Fatalf("leaf chain invariant violated: %v", err)
	}

	tracker.StartOperation()
	results, err := tree.ScanAll(&tracker)
	tracker.EndOperation(results)
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	wantCount := 30 - len(rangeStep(1, 30, 3))
	if len(results) != wantCount {
		t.Fatalf("ScanAll after deletes returned %d records, want %d", len(results), wantCount)
	}
}

func rangeStep(lo, hi, step int32) []int32 {
	var out []int32
	for i := lo; i <= hi; i += step {
		out = append(out, i)
	}
	return out
}

// TestClusteredBPlusTreeReopenPreservesData verifies metadata persists
// across OpenClusteredBPlusTree so a reopened tree sees prior inserts.
func TestClusteredBPlusTreeReopenPreservesData(t *testing.T) {
	table := clusteredTestTable()
	path := filepath.Join(t.TempDir(), "btree_clustered.dat")
	tree, err := NewClusteredBPlusTree(table, path, BPlusTreeOptions{Order: 4})
	if err != nil {
		t.Fatalf("NewClusteredBPlusTree: %v", err)
	}
	insertClustered(t, tree, 1)
	insertClustered(t, tree, 2)

	reopened, err := OpenClusteredBPlusTree(table, path, BPlusTreeOptions{Order: 4})
	if err != nil {
		t.Fatalf("OpenClusteredBPlusTree: %v", err)
	}

	var tracker PerformanceTracker
	tracker.StartOperation()
	rec, err := reopened.Search(int32(2), &tracker)
	tracker.EndOperation(rec)
	if err != nil {
		t.Fatalf("Search(2) on reopened tree: %v", err)
	}
	if rec == nil {
		t.Fatal("Search(2) on reopened tree returned nil")
	}
}
