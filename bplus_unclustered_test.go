package dbcore

import (
	"path/filepath"
	"testing"
)

func newTestUnclusteredTree(t *testing.T, order int) *UnclusteredBPlusTree {
	t.Helper()
	table := NewTable("t", []FieldDescriptor{
		{Name: "id", Type: FieldInt},
		{Name: "name", Type: FieldChar, Size: 12},
	}, "id")
	path := filepath.Join(t.TempDir(), "btree_unclustered.dat")
	tree, err := NewUnclusteredBPlusTree(table, "name", path, BPlusTreeOptions{Order: order})
	if err != nil {
		t.Fatalf("NewUnclusteredBPlusTree: %v", err)
	}
	return tree
}

// TestUnclusteredBPlusTreeAllowsDuplicateSecondaryKeys verifies distinct
// primary keys sharing a secondary value are all retained and retrieved
// in primary-key order.
func TestUnclusteredBPlusTreeAllowsDuplicateSecondaryKeys(t *testing.T) {
	tree := newTestUnclusteredTree(t, 4)
	var tracker PerformanceTracker

	for _, pk := range []int32{3, 1, 2} {
		tracker.StartOperation()
		err := tree.Insert("ana", pk, &tracker)
		tracker.EndOperation(nil)
		if err != nil {
			t.Fatalf("Insert(ana, %d): %v", pk, err)
		}
	}

	tracker.StartOperation()
	pks, err := tree.Search("ana", &tracker)
	tracker.EndOperation(pks)
	if err != nil {
		t.Fatalf("Search(ana): %v", err)
	}
	want := []int32{1, 2, 3}
	if len(pks) != len(want) {
		t.Fatalf("Search(ana) = %v, want %v", pks, want)
	}
	for i := range want {
		if pks[i] != want[i] {
			t.Errorf("pks[%d] = %d, want %d", i, pks[i], want[i])
		}
	}
}

// TestUnclusteredBPlusTreeDeleteOneLeavesOthers verifies
// Delete(value, pk) removes exactly one index record.
func TestUnclusteredBPlusTreeDeleteOneLeavesOthers(t *testing.T) {
	tree := newTestUnclusteredTree(t, 4)
	var tracker PerformanceTracker

	for _, pk := range []int32{1, 2, 3} {
		tracker.StartOperation()
		tree.Insert("ana", pk, &tracker)
		tracker.EndOperation(nil)
	}

	tracker.StartOperation()
	ok, err := tree.Delete("ana", int32(2), &tracker)
	tracker.EndOperation(ok)
	if err != nil {
		t.Fatalf("Delete(ana,2): %v", err)
	}
	if !ok {
		t.Fatal("Delete(ana,2) should succeed")
	}

	tracker.StartOperation()
	pks, err := tree.Search("ana", &tracker)
	tracker.EndOperation(pks)
	if err != nil {
		t.Fatalf("Search(ana): %v", err)
	}
	want := []int32{1, 3}
	if len(pks) != len(want) {
		t.Fatalf("Search(ana) after delete = %v, want %v", pks, want)
	}
	for i := range want {
		if pks[i] != want[i] {
			t.Errorf("pks[%d] = %d, want %d", i, pks[i], want[i])
		}
	}
}

// TestUnclusteredBPlusTreeDeleteAllRemovesEverything verifies
// DeleteAll(value) removes every matching entry and returns the removed
// primary keys.
func TestUnclusteredBPlusTreeDeleteAllRemovesEverything(t *testing.T) {
	tree := newTestUnclusteredTree(t, 4)
	var tracker PerformanceTracker
	for _, pk := range []int32{5, 6, 7} {
		tracker.StartOperation()
		tree.Insert("bob", pk, &tracker)
		tracker.EndOperation(nil)
	}

	tracker.StartOperation()
	removed, err := tree.DeleteAll("bob", &tracker)
	tracker.EndOperation(removed)
	if err != nil {
		t.Fatalf("DeleteAll(bob): %v", err)
	}
	if len(removed) != 3 {
		t.Fatalf("DeleteAll(bob) removed %d entries, want 3", len(removed))
	}

	tracker.StartOperation()
	pks, err := tree.Search("bob", &tracker)
	tracker.EndOperation(pks)
	if err != nil {
		t.Fatalf("Search(bob) after DeleteAll: %v", err)
	}
	if len(pks) != 0 {
		t.Fatalf("Search(bob) after DeleteAll = %v, want empty", pks)
	}
}

// TestUnclusteredBPlusTreeRangeSearch verifies range queries over
// secondary values return every matching primary key.
func TestUnclusteredBPlusTreeRangeSearch(t *testing.T) {
	tree := newTestUnclusteredTree(t, 4)
	var tracker PerformanceTracker
	entries := []struct {
		val string
		pk  int32
	}{
		{"ana", 1}, {"bob", 2}, {"cam", 3}, {"dee", 4}, {"eve", 5},
	}
	for _, e := range entries {
		tracker.StartOperation()
		tree.Insert(e.val, e.pk, &tracker)
		tracker.EndOperation(nil)
	}

	tracker.StartOperation()
	pks, err := tree.RangeSearch("bob", "dee", &tracker)
	tracker.EndOperation(pks)
	if err != nil {
		t.Fatalf("RangeSearch(bob,dee): %v", err)
	}
	want := map[int32]bool{2: true, 3: true, 4: true}
	if len(pks) != len(want) {
		t.Fatalf("RangeSearch(bob,dee) = %v, want keys of %v", pks, want)
	}
	for _, pk := range pks {
		if !want[pk] {
			t.Errorf("unexpected pk %d in range result", pk)
		}
	}
}

// TestUnclusteredBPlusTreeScanAllAfterManyInsertsIsSortedAndComplete
// bulk-inserts enough entries to force several splits and checks
// ScanAll's ascending (value, primary_key) order and total count.
func TestUnclusteredBPlusTreeScanAllAfterManyInsertsIsSortedAndComplete(t *testing.T) {
	tree := newTestUnclusteredTree(t, 4)
	var tracker PerformanceTracker

	values := []string{"mike", "ana", "zoe", "bob", "ana", "cam", "bob"}
	for i, v := range values {
		tracker.StartOperation()
		if err := tree.Insert(v, int32(i), &tracker); err != nil {
			t.Fatalf("Insert(%s,%d): %v", v, i, err)
		}
		tracker.EndOperation(nil)
	}

	tracker.StartOperation()
	all, err := tree.ScanAll(&tracker)
	tracker.EndOperation(all)
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if len(all) != len(values) {
		t.Fatalf("ScanAll returned %d entries, want %d", len(all), len(values))
	}
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		c := compareKeys(prev.IndexValue, cur.IndexValue)
		if c > 0 || (c == 0 && prev.PrimaryKey > cur.PrimaryKey) {
			t.Fatalf("ScanAll not sorted at %d: %v then %v", i, prev, cur)
		}
	}
}

// TestUnclusteredBPlusTreeRepairLeafChainRestoresOrder forcibly
// scrambles the leaf chain pointers and verifies RepairLeafChain
// rebuilds them consistent with ScanAll's sorted order.
func TestUnclusteredBPlusTreeRepairLeafChainRestoresOrder(t *testing.T) {
	tree := newTestUnclusteredTree(t, 4)
	var tracker PerformanceTracker
	names := []string{
		"mike", "ana", "zoe", "bob", "cam", "dee", "eve", "finn", "gus", "hal",
		"ivy", "jay", "kim", "leo", "moe", "ned", "oz", "pam", "quin", "ray",
	}
	for i, v := range names {
		tracker.StartOperation()
		tree.Insert(v, int32(i), &tracker)
		tracker.EndOperation(nil)
	}

	// Cut the chain after the leftmost leaf so a chain walk stops early
	// until the chain is repaired.
	tracker.StartOperation()
	first, err := tree.leftmostLeaf(&tracker)
	tracker.EndOperation(nil)
	if err != nil {
		t.Fatalf("leftmostLeaf: %v", err)
	}
	if first.NextLeafID == bptNullID {
		t.Fatal("expected more than one leaf after 20 inserts at order 4")
	}
	first.NextLeafID = bptNullID
	if err := tree.file.writeNode(first); err != nil {
		t.Fatalf("writeNode(leftmost leaf): %v", err)
	}

	tracker.StartOperation()
	if err := tree.RepairLeafChain(&tracker); err != nil {
		t.Fatalf("RepairLeafChain: %v", err)
	}
	tracker.EndOperation(nil)

	tracker.StartOperation()
	all, err := tree.ScanAll(&tracker)
	tracker.EndOperation(all)
	if err != nil {
		t.Fatalf("ScanAll after repair: %v", err)
	}
	if len(all) != 20 {
		t.Fatalf("ScanAll after repair returned %d entries, want 20", len(all))
	}
	for i := 1; i < len(all); i++ {
		if compareKeys(all[i-1].IndexValue, all[i].IndexValue) > 0 {
			t.Fatalf("chain not sorted after repair at %d", i)
		}
	}
}
