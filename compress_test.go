package dbcore

import (
	"os"
	"path/filepath"
	"testing"
)

// TestBackupBeforeRebuildMissingFileIsNoop verifies backing up a file
// that does not exist yet (e.g. an index's first ever rebuild) is a
// silent no-op, not an error.
func TestBackupBeforeRebuildMissingFileIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datos.dat")
	if err := backupBeforeRebuild(path); err != nil {
		t.Fatalf("backupBeforeRebuild on missing file: %v", err)
	}
	if _, err := os.Stat(path + ".prev.zst"); !os.IsNotExist(err) {
		t.Fatal("no backup file should be written when the source is missing")
	}
}

// TestBackupRestoreRoundTrip verifies a rebuild backup can be restored
// to its original bytes.
func TestBackupRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datos.dat")
	original := []byte("some pre-rebuild page bytes, repeated repeated repeated")
	if err := os.WriteFile(path, original, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if err := backupBeforeRebuild(path); err != nil {
		t.Fatalf("backupBeforeRebuild: %v", err)
	}

	// Overwrite the live file as a rebuild would.
	if err := os.WriteFile(path, []byte("rewritten"), 0o644); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	restored, err := restoreRebuildBackup(path)
	if err != nil {
		t.Fatalf("restoreRebuildBackup: %v", err)
	}
	if string(restored) != string(original) {
		t.Errorf("restored = %q, want %q", restored, original)
	}
}

// TestRestoreRebuildBackupMissing verifies restoring with no backup
// present surfaces the underlying file error rather than panicking.
func TestRestoreRebuildBackupMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datos.dat")
	if _, err := restoreRebuildBackup(path); err == nil {
		t.Fatal("expected an error restoring a backup that was never written")
	}
}
