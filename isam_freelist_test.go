package dbcore

import (
	"path/filepath"
	"testing"
)

func newTestFreeList(t *testing.T) *isamFreeList {
	t.Helper()
	return newISAMFreeList(filepath.Join(t.TempDir(), "free_list.dat"))
}

// TestFreeListPopOnEmptyFile verifies popping an unwritten free-list
// file is a clean "not ok" rather than an error, since a fresh ISAM
// index has no free_list.dat yet.
func TestFreeListPopOnEmptyFile(t *testing.T) {
	fl := newTestFreeList(t)
	_, ok, err := fl.pop()
	if err != nil {
		t.Fatalf("pop on missing file: %v", err)
	}
	if ok {
		t.Fatal("pop on empty free list should report ok=false")
	}
}

// TestFreeListLIFOOrder verifies push/pop is LIFO.
func TestFreeListLIFOOrder(t *testing.T) {
	fl := newTestFreeList(t)
	for _, off := range []int32{10, 20, 30} {
		if err := fl.push(off); err != nil {
			t.Fatalf("push(%d): %v", off, err)
		}
	}

	for _, want := range []int32{30, 20, 10} {
		got, ok, err := fl.pop()
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if !ok {
			t.Fatalf("pop: expected ok, got not-ok before expected value %d", want)
		}
		if got != want {
			t.Errorf("pop = %d, want %d", got, want)
		}
	}

	if _, ok, _ := fl.pop(); ok {
		t.Fatal("free list should be empty after popping everything pushed")
	}
}

// TestFreeListTruncate verifies truncate empties the stack, used by a
// full ISAM rebuild.
func TestFreeListTruncate(t *testing.T) {
	fl := newTestFreeList(t)
	fl.push(1)
	fl.push(2)

	if err := fl.truncate(); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	n, err := fl.len()
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 0 {
		t.Errorf("len after truncate = %d, want 0", n)
	}
}

// TestFreeListLen tracks push/pop against the reported length.
func TestFreeListLen(t *testing.T) {
	fl := newTestFreeList(t)
	fl.push(100)
	fl.push(200)

	n, err := fl.len()
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 2 {
		t.Fatalf("len = %d, want 2", n)
	}

	fl.pop()
	n, err = fl.len()
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 1 {
		t.Errorf("len after pop = %d, want 1", n)
	}
}
