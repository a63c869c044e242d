package dbcore

import (
	"path/filepath"
	"testing"
)

func newTestMultimediaSequentialIndex(t *testing.T, dim int) *MultimediaSequentialIndex {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mmseq.json")
	idx, err := NewMultimediaSequentialIndex("thumb", path, dim)
	if err != nil {
		t.Fatalf("NewMultimediaSequentialIndex: %v", err)
	}
	return idx
}

// TestMultimediaSequentialIndexRejectsWrongDimension verifies vectors
// must match the configured dimension on both insert and search.
func TestMultimediaSequentialIndexRejectsWrongDimension(t *testing.T) {
	idx := newTestMultimediaSequentialIndex(t, 3)
	var tracker PerformanceTracker

	tracker.StartOperation()
	err := idx.Insert(1, []float32{1, 2}, &tracker)
	tracker.EndOperation(nil)
	if err != ErrInvalidDimension {
		t.Fatalf("Insert with wrong dimension err = %v, want ErrInvalidDimension", err)
	}

	tracker.StartOperation()
	_, err = idx.Search([]float32{1, 2}, 1, &tracker)
	tracker.EndOperation(nil)
	if err != ErrInvalidDimension {
		t.Fatalf("Search with wrong dimension err = %v, want ErrInvalidDimension", err)
	}
}

// TestMultimediaSequentialIndexSearchNearestNeighbour verifies Search
// ranks stored vectors by ascending Euclidean distance from the query.
func TestMultimediaSequentialIndexSearchNearestNeighbour(t *testing.T) {
	idx := newTestMultimediaSequentialIndex(t, 2)
	var tracker PerformanceTracker

	vectors := []struct {
		pk  int32
		vec [2]float32
	}{
		{1, [2]float32{0, 0}},
		{2, [2]float32{1, 1}},
		{3, [2]float32{10, 10}},
	}
	for _, v := range vectors {
		tracker.StartOperation()
		if err := idx.Insert(v.pk, v.vec[:], &tracker); err != nil {
			t.Fatalf("Insert(%d): %v", v.pk, err)
		}
		tracker.EndOperation(nil)
	}

	tracker.StartOperation()
	results, err := idx.Search([]float32{0, 0}, 2, &tracker)
	tracker.EndOperation(results)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search topK=2 returned %d results, want 2", len(results))
	}
	if results[0].PrimaryKey != 1 || results[1].PrimaryKey != 2 {
		t.Fatalf("Search order = %v, want [1 2] nearest-first", results)
	}
}

// TestMultimediaSequentialIndexDeleteRemovesVector verifies a deleted
// vector no longer participates in search and a repeat delete reports
// false.
func TestMultimediaSequentialIndexDeleteRemovesVector(t *testing.T) {
	idx := newTestMultimediaSequentialIndex(t, 2)
	var tracker PerformanceTracker
	tracker.StartOperation()
	idx.Insert(1, []float32{0, 0}, &tracker)
	tracker.EndOperation(nil)

	tracker.StartOperation()
	ok, err := idx.Delete(1, &tracker)
	tracker.EndOperation(ok)
	if err != nil {
		t.Fatalf("Delete(1): %v", err)
	}
	if !ok {
		t.Fatal("Delete(1) should succeed")
	}

	tracker.StartOperation()
	ok, err = idx.Delete(1, &tracker)
	tracker.EndOperation(ok)
	if err != nil {
		t.Fatalf("Delete(1) again: %v", err)
	}
	if ok {
		t.Fatal("deleting an already-removed key should report false")
	}

	tracker.StartOperation()
	results, err := idx.Search([]float32{0, 0}, 0, &tracker)
	tracker.EndOperation(results)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("Search after delete = %v, want empty", results)
	}
}

// TestMultimediaSequentialIndexReopenPreservesVectors verifies the JSON
// sidecar round-trips stored vectors.
func TestMultimediaSequentialIndexReopenPreservesVectors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmseq.json")
	idx, err := NewMultimediaSequentialIndex("thumb", path, 2)
	if err != nil {
		t.Fatalf("NewMultimediaSequentialIndex: %v", err)
	}
	var tracker PerformanceTracker
	tracker.StartOperation()
	idx.Insert(1, []float32{4, 4}, &tracker)
	tracker.EndOperation(nil)

	reopened, err := OpenMultimediaSequentialIndex("thumb", path, 2)
	if err != nil {
		t.Fatalf("OpenMultimediaSequentialIndex: %v", err)
	}
	tracker.StartOperation()
	results, err := reopened.Search([]float32{4, 4}, 1, &tracker)
	tracker.EndOperation(results)
	if err != nil {
		t.Fatalf("Search on reopened index: %v", err)
	}
	if len(results) != 1 || results[0].PrimaryKey != 1 {
		t.Fatalf("Search on reopened index = %v, want [pk 1]", results)
	}
}

func testCodebook() [][]float32 {
	return [][]float32{
		{0, 0},
		{10, 10},
	}
}

func newTestMultimediaInvertedIndex(t *testing.T) *MultimediaInvertedIndex {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mminv.json")
	idx, err := NewMultimediaInvertedIndex("thumb", path, 2, testCodebook())
	if err != nil {
		t.Fatalf("NewMultimediaInvertedIndex: %v", err)
	}
	return idx
}

// TestMultimediaInvertedIndexQuantizesIntoNearestBucket verifies Insert
// assigns each vector to the nearest codebook centroid's postings list.
func TestMultimediaInvertedIndexQuantizesIntoNearestBucket(t *testing.T) {
	idx := newTestMultimediaInvertedIndex(t)
	var tracker PerformanceTracker

	tracker.StartOperation()
	if err := idx.Insert(1, []float32{1, 1}, &tracker); err != nil {
		t.Fatalf("Insert(1): %v", err)
	}
	tracker.EndOperation(nil)
	tracker.StartOperation()
	if err := idx.Insert(2, []float32{9, 9}, &tracker); err != nil {
		t.Fatalf("Insert(2): %v", err)
	}
	tracker.EndOperation(nil)

	tracker.StartOperation()
	near0, err := idx.Search([]float32{0, 0}, &tracker)
	tracker.EndOperation(near0)
	if err != nil {
		t.Fatalf("Search([0,0]): %v", err)
	}
	if len(near0) != 1 || near0[0] != 1 {
		t.Fatalf("Search([0,0]) = %v, want [pk 1]", near0)
	}

	tracker.StartOperation()
	near10, err := idx.Search([]float32{10, 10}, &tracker)
	tracker.EndOperation(near10)
	if err != nil {
		t.Fatalf("Search([10,10]): %v", err)
	}
	if len(near10) != 1 || near10[0] != 2 {
		t.Fatalf("Search([10,10]) = %v, want [pk 2]", near10)
	}
}

// TestMultimediaInvertedIndexDeleteRemovesFromBucket verifies Delete
// locates and removes the entry from the bucket its vector quantizes to.
func TestMultimediaInvertedIndexDeleteRemovesFromBucket(t *testing.T) {
	idx := newTestMultimediaInvertedIndex(t)
	var tracker PerformanceTracker
	tracker.StartOperation()
	idx.Insert(1, []float32{1, 1}, &tracker)
	tracker.EndOperation(nil)
	tracker.StartOperation()
	idx.Insert(2, []float32{1, 1}, &tracker)
	tracker.EndOperation(nil)

	tracker.StartOperation()
	ok, err := idx.Delete(1, []float32{1, 1}, &tracker)
	tracker.EndOperation(ok)
	if err != nil {
		t.Fatalf("Delete(1): %v", err)
	}
	if !ok {
		t.Fatal("Delete(1) should succeed")
	}

	tracker.StartOperation()
	got, err := idx.Search([]float32{1, 1}, &tracker)
	tracker.EndOperation(got)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("Search after delete = %v, want [pk 2]", got)
	}
}

// TestMultimediaInvertedIndexDeleteAbsentReturnsFalse verifies deleting a
// key never inserted into that bucket reports false.
func TestMultimediaInvertedIndexDeleteAbsentReturnsFalse(t *testing.T) {
	idx := newTestMultimediaInvertedIndex(t)
	var tracker PerformanceTracker
	tracker.StartOperation()
	ok, err := idx.Delete(99, []float32{1, 1}, &tracker)
	tracker.EndOperation(ok)
	if err != nil {
		t.Fatalf("Delete(99): %v", err)
	}
	if ok {
		t.Fatal("deleting an absent entry should report false")
	}
}

// TestMultimediaInvertedIndexReopenPreservesCodebookAndPostings verifies
// the JSON sidecar round-trips the codebook and bucket postings.
func TestMultimediaInvertedIndexReopenPreservesCodebookAndPostings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mminv.json")
	idx, err := NewMultimediaInvertedIndex("thumb", path, 2, testCodebook())
	if err != nil {
		t.Fatalf("NewMultimediaInvertedIndex: %v", err)
	}
	var tracker PerformanceTracker
	tracker.StartOperation()
	idx.Insert(5, []float32{0, 0}, &tracker)
	tracker.EndOperation(nil)

	reopened, err := OpenMultimediaInvertedIndex("thumb", path, 2)
	if err != nil {
		t.Fatalf("OpenMultimediaInvertedIndex: %v", err)
	}
	tracker.StartOperation()
	got, err := reopened.Search([]float32{0, 0}, &tracker)
	tracker.EndOperation(got)
	if err != nil {
		t.Fatalf("Search on reopened index: %v", err)
	}
	if len(got) != 1 || got[0] != 5 {
		t.Fatalf("Search on reopened index = %v, want [pk 5]", got)
	}
}
