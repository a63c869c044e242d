package dbcore

import (
	"path/filepath"
	"testing"
)

func newTestInvertedTextIndex(t *testing.T) *InvertedTextIndex {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fulltext.json")
	idx, err := NewInvertedTextIndex("body", path)
	if err != nil {
		t.Fatalf("NewInvertedTextIndex: %v", err)
	}
	return idx
}

var fulltextCorpus = map[int32]string{
	1: "the quick brown fox jumps over the lazy dog",
	2: "the lazy dog sleeps all day",
	3: "foxes are quick and clever animals",
}

// TestInvertedTextIndexSearchRanksMostRelevantFirst verifies a query
// scores highest against the document sharing the most query terms.
func TestInvertedTextIndexSearchRanksMostRelevantFirst(t *testing.T) {
	idx := newTestInvertedTextIndex(t)
	var tracker PerformanceTracker
	tracker.StartOperation()
	if err := idx.Build(fulltextCorpus, &tracker); err != nil {
		t.Fatalf("Build: %v", err)
	}
	tracker.EndOperation(nil)

	tracker.StartOperation()
	results, err := idx.Search("quick fox", 0, &tracker)
	tracker.EndOperation(results)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Search(quick fox) returned no results")
	}
	if results[0].PrimaryKey != 1 && results[0].PrimaryKey != 3 {
		t.Fatalf("top result = %d, want doc 1 or 3 (both mention quick/fox)", results[0].PrimaryKey)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Fatalf("results not sorted descending by score at %d", i)
		}
	}
	// Doc 2 shares no query terms at all and should not be scored.
	for _, r := range results {
		if r.PrimaryKey == 2 {
			t.Errorf("doc 2 should not match %q, got score %v", "quick fox", r.Score)
		}
	}
}

// TestInvertedTextIndexSearchRespectsTopK verifies the topK cap truncates
// the result list without altering relative order.
func TestInvertedTextIndexSearchRespectsTopK(t *testing.T) {
	idx := newTestInvertedTextIndex(t)
	var tracker PerformanceTracker
	tracker.StartOperation()
	idx.Build(fulltextCorpus, &tracker)
	tracker.EndOperation(nil)

	tracker.StartOperation()
	all, err := idx.Search("the lazy dog quick fox", 0, &tracker)
	tracker.EndOperation(all)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	tracker.StartOperation()
	top1, err := idx.Search("the lazy dog quick fox", 1, &tracker)
	tracker.EndOperation(top1)
	if err != nil {
		t.Fatalf("Search topK=1: %v", err)
	}
	if len(top1) != 1 {
		t.Fatalf("Search with topK=1 returned %d results, want 1", len(top1))
	}
	if len(all) > 0 && top1[0] != all[0] {
		t.Fatalf("topK=1 result %v does not match best unbounded result %v", top1[0], all[0])
	}
}

// TestInvertedTextIndexSearchEmptyQueryReturnsNoResults verifies a query
// with no tokens (e.g. punctuation only) returns nil rather than erroring.
func TestInvertedTextIndexSearchEmptyQueryReturnsNoResults(t *testing.T) {
	idx := newTestInvertedTextIndex(t)
	var tracker PerformanceTracker
	tracker.StartOperation()
	idx.Build(fulltextCorpus, &tracker)
	tracker.EndOperation(nil)

	tracker.StartOperation()
	results, err := idx.Search("...", 0, &tracker)
	tracker.EndOperation(results)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("Search(...) = %v, want empty", results)
	}
}

// TestInvertedTextIndexSearchUnknownTermReturnsNoResults verifies a
// query consisting entirely of terms absent from the corpus scores
// nothing rather than matching everything.
func TestInvertedTextIndexSearchUnknownTermReturnsNoResults(t *testing.T) {
	idx := newTestInvertedTextIndex(t)
	var tracker PerformanceTracker
	tracker.StartOperation()
	idx.Build(fulltextCorpus, &tracker)
	tracker.EndOperation(nil)

	tracker.StartOperation()
	results, err := idx.Search("zzzznotfound", 0, &tracker)
	tracker.EndOperation(results)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("Search(zzzznotfound) = %v, want empty", results)
	}
}

// TestInvertedTextIndexReopenPreservesPostings verifies the JSON sidecar
// round-trips postings, IDF weights, and document norms across reopen.
func TestInvertedTextIndexReopenPreservesPostings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fulltext.json")
	idx, err := NewInvertedTextIndex("body", path)
	if err != nil {
		t.Fatalf("NewInvertedTextIndex: %v", err)
	}
	var tracker PerformanceTracker
	tracker.StartOperation()
	if err := idx.Build(fulltextCorpus, &tracker); err != nil {
		t.Fatalf("Build: %v", err)
	}
	tracker.EndOperation(nil)

	reopened, err := OpenInvertedTextIndex("body", path)
	if err != nil {
		t.Fatalf("OpenInvertedTextIndex: %v", err)
	}

	tracker.StartOperation()
	results, err := reopened.Search("quick fox", 0, &tracker)
	tracker.EndOperation(results)
	if err != nil {
		t.Fatalf("Search on reopened index: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Search on reopened index returned no results")
	}
}
