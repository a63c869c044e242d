package dbcore

import (
	"errors"
	"path/filepath"
	"testing"
)

// TestFieldTypeNameRoundTrip verifies every FieldType serializes to its
// metadata string and back to the same value.
func TestFieldTypeNameRoundTrip(t *testing.T) {
	for _, ft := range []FieldType{FieldInt, FieldFloat, FieldChar, FieldBool, FieldArray} {
		name := fieldTypeName(ft)
		got, err := fieldTypeFromName(name)
		if err != nil {
			t.Fatalf("fieldTypeFromName(%q): %v", name, err)
		}
		if got != ft {
			t.Fatalf("round trip of %v through %q = %v, want %v", ft, name, got, ft)
		}
	}
}

// TestFieldTypeFromNameUnknownIsCorruptMetadata verifies an unrecognized
// type name is reported as corrupt metadata rather than silently zeroed.
func TestFieldTypeFromNameUnknownIsCorruptMetadata(t *testing.T) {
	_, err := fieldTypeFromName("DATETIME")
	if err == nil {
		t.Fatal("fieldTypeFromName(unknown) should error")
	}
	if !errors.Is(err, ErrCorruptMetadata) {
		t.Fatalf("fieldTypeFromName(unknown) err = %v, want wrapping ErrCorruptMetadata", err)
	}
}

// TestLoadMetadataMissingFileReturnsZeroValue verifies a DatabaseManager
// opening a fresh base directory (no sidecar yet) gets an empty
// databaseMeta instead of an error.
func TestLoadMetadataMissingFileReturnsZeroValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "_metadata.json")
	meta, err := loadMetadata(path)
	if err != nil {
		t.Fatalf("loadMetadata(missing): %v", err)
	}
	if len(meta.Tables) != 0 {
		t.Fatalf("loadMetadata(missing).Tables = %v, want empty", meta.Tables)
	}
}

// TestSaveMetadataThenLoadMetadataRoundTrips verifies the sidecar JSON
// written by saveMetadata reproduces the same table/field/index shape
// when read back by loadMetadata.
func TestSaveMetadataThenLoadMetadataRoundTrips(t *testing.T) {
	dm := newTestManager(t)

	if err := dm.CreateTable("people", peopleFields(), "id", IndexBTree); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := dm.CreateIndex("people", "city", IndexHash); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	meta, err := loadMetadata(dm.metadataPath())
	if err != nil {
		t.Fatalf("loadMetadata: %v", err)
	}
	if len(meta.Tables) != 1 {
		t.Fatalf("loadMetadata().Tables = %v, want 1 table", meta.Tables)
	}
	tm := meta.Tables[0]
	if tm.Name != "people" || tm.KeyField != "id" || tm.PrimaryKind != string(IndexBTree) {
		t.Fatalf("loaded table meta = %+v, want people/id/%s", tm, IndexBTree)
	}
	if len(tm.Secondaries) != 1 || tm.Secondaries[0].Field != "city" || tm.Secondaries[0].Kind != string(IndexHash) {
		t.Fatalf("loaded secondaries = %v, want [city:%s]", tm.Secondaries, IndexHash)
	}
}
