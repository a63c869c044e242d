package dbcore

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestFileLock(t *testing.T) (*fileLock, *os.File) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "table.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	l := &fileLock{}
	l.setFile(f)
	return l, f
}

// TestFileLockSharedThenExclusiveRoundTrips verifies a shared lock can be
// released and re-acquired in exclusive mode on the same handle.
func TestFileLockSharedThenExclusiveRoundTrips(t *testing.T) {
	l, f := newTestFileLock(t)
	defer f.Close()

	if err := l.Lock(LockShared); err != nil {
		t.Fatalf("Lock(shared): %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := l.Lock(LockExclusive); err != nil {
		t.Fatalf("Lock(exclusive): %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

// TestFileLockNilFileIsNoOp verifies a lock whose handle has been cleared
// via setFile(nil) treats Lock/Unlock as no-ops instead of panicking.
func TestFileLockNilFileIsNoOp(t *testing.T) {
	l := &fileLock{}
	if err := l.Lock(LockExclusive); err != nil {
		t.Fatalf("Lock on nil handle = %v, want nil", err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock on nil handle = %v, want nil", err)
	}
}

// TestFileLockSetFileClearsThenRestores verifies setFile(nil) disables
// locking and a later setFile(f) restores normal operation.
func TestFileLockSetFileClearsThenRestores(t *testing.T) {
	l, f := newTestFileLock(t)
	defer f.Close()

	l.setFile(nil)
	if err := l.Lock(LockShared); err != nil {
		t.Fatalf("Lock after setFile(nil) = %v, want nil", err)
	}

	l.setFile(f)
	if err := l.Lock(LockExclusive); err != nil {
		t.Fatalf("Lock after restoring handle: %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock after restoring handle: %v", err)
	}
}
