package dbcore

import (
	"path/filepath"
	"testing"
)

var bptTestKeyDesc = FieldDescriptor{Name: "id", Type: FieldInt}

// TestPackUnpackBptNodeLeafRoundTrip verifies a leaf node's keys,
// payloads, and sibling pointers survive pack/unpack.
func TestPackUnpackBptNodeLeafRoundTrip(t *testing.T) {
	payloadW := 8
	n := newLeafNode(3)
	n.ParentID = 1
	n.PrevLeafID = 2
	n.NextLeafID = 4
	n.Keys = []any{int32(10), int32(20)}
	n.Payloads = [][]byte{make([]byte, payloadW), make([]byte, payloadW)}
	n.Payloads[0][0] = 0xAB
	n.Payloads[1][0] = 0xCD

	size := bptNodeSize(4, bptTestKeyDesc, payloadW)
	buf := packBptNode(n, bptTestKeyDesc, size)
	got := unpackBptNode(buf, bptTestKeyDesc, payloadW)

	if !got.IsLeaf {
		t.Fatal("expected leaf node")
	}
	if got.NodeID != 3 || got.ParentID != 1 {
		t.Errorf("NodeID/ParentID = %d/%d, want 3/1", got.NodeID, got.ParentID)
	}
	if got.PrevLeafID != 2 || got.NextLeafID != 4 {
		t.Errorf("Prev/Next = %d/%d, want 2/4", got.PrevLeafID, got.NextLeafID)
	}
	if len(got.Keys) != 2 || got.Keys[0] != int32(10) || got.Keys[1] != int32(20) {
		t.Errorf("Keys = %v, want [10 20]", got.Keys)
	}
	if got.Payloads[0][0] != 0xAB || got.Payloads[1][0] != 0xCD {
		t.Errorf("payload bytes not preserved: %v", got.Payloads)
	}
}

// TestPackUnpackBptNodeInternalRoundTrip verifies an internal node's
// keys and children survive pack/unpack.
func TestPackUnpackBptNodeInternalRoundTrip(t *testing.T) {
	n := newInternalNode(5)
	n.ParentID = bptNullID
	n.Keys = []any{int32(15)}
	n.Children = []int32{1, 2}

	size := bptNodeSize(4, bptTestKeyDesc, 8)
	buf := packBptNode(n, bptTestKeyDesc, size)
	got := unpackBptNode(buf, bptTestKeyDesc, 8)

	if got.IsLeaf {
		t.Fatal("expected internal node")
	}
	if got.ParentID != bptNullID {
		t.Errorf("ParentID = %d, want %d", got.ParentID, bptNullID)
	}
	if len(got.Children) != 2 || got.Children[0] != 1 || got.Children[1] != 2 {
		t.Errorf("Children = %v, want [1 2]", got.Children)
	}
}

// TestBptMetadataRoundTripAndMagic verifies the "BPT+" magic is written
// and required on read.
func TestBptMetadataRoundTripAndMagic(t *testing.T) {
	size := bptNodeSize(4, bptTestKeyDesc, 8)
	m := &bptMetadata{
		RootNodeID: 1,
		NextNodeID: 2,
		Order:      4,
		KeyColumn:  "id",
		Fields:     []FieldDescriptor{{Name: "id", Type: FieldInt}},
	}

	buf, err := packBptMetadata(m, size)
	if err != nil {
		t.Fatalf("packBptMetadata: %v", err)
	}
	if string(buf[0:4]) != bptMagic {
		t.Fatalf("missing %q magic in packed metadata", bptMagic)
	}

	got, err := unpackBptMetadata(buf)
	if err != nil {
		t.Fatalf("unpackBptMetadata: %v", err)
	}
	if got.RootNodeID != 1 || got.NextNodeID != 2 || got.Order != 4 {
		t.Errorf("metadata = %+v, want RootNodeID=1 NextNodeID=2 Order=4", got)
	}
	if got.KeyColumn != "id" {
		t.Errorf("KeyColumn = %q, want %q", got.KeyColumn, "id")
	}
}

// TestUnpackBptMetadataRejectsMissingMagic verifies a freshly-zeroed (or
// otherwise corrupt) block is refused rather than silently tolerated.
func TestUnpackBptMetadataRejectsMissingMagic(t *testing.T) {
	size := bptNodeSize(4, bptTestKeyDesc, 8)
	zeroed := make([]byte, size)
	if _, err := unpackBptMetadata(zeroed); err != ErrCorruptMetadata {
		t.Fatalf("err = %v, want ErrCorruptMetadata", err)
	}
}

// TestFindChildIndexBisectRight verifies the internal-node descent rule
// ("last entry whose key <= query" / bisect_right semantics).
func TestFindChildIndexBisectRight(t *testing.T) {
	keys := []any{int32(10), int32(20), int32(30)}

	cases := []struct {
		target any
		want   int
	}{
		{int32(5), 0},
		{int32(10), 1},
		{int32(15), 1},
		{int32(30), 3},
		{int32(99), 3},
	}
	for _, c := range cases {
		if got := findChildIndex(keys, c.target); got != c.want {
			t.Errorf("findChildIndex(%v, %v) = %d, want %d", keys, c.target, got, c.want)
		}
	}
}

// TestInsertKeyChildSorted verifies a new separator/child pair lands at
// the correct sorted position and Children stays one longer than Keys.
func TestInsertKeyChildSorted(t *testing.T) {
	n := newInternalNode(1)
	n.Keys = []any{int32(10), int32(30)}
	n.Children = []int32{100, 300, 400}

	insertKeyChildSorted(n, int32(20), 999)

	wantKeys := []int32{10, 20, 30}
	for i, want := range wantKeys {
		if n.Keys[i] != want {
			t.Errorf("Keys[%d] = %v, want %d", i, n.Keys[i], want)
		}
	}
	wantChildren := []int32{100, 300, 999, 400}
	for i, want := range wantChildren {
		if n.Children[i] != want {
			t.Errorf("Children[%d] = %d, want %d", i, n.Children[i], want)
		}
	}
}

// TestBptFileNodeRoundTripOnDisk exercises the scoped-file-handle layer:
// write a node, read it back from a fresh handle.
func TestBptFileNodeRoundTripOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btree.dat")
	size := bptNodeSize(4, bptTestKeyDesc, 8)
	f := &bptFile{path: path, nodeSize: size, keyDesc: bptTestKeyDesc, payloadW: 8}

	n := newLeafNode(1)
	n.Keys = []any{int32(7)}
	n.Payloads = [][]byte{make([]byte, 8)}
	if err := f.writeNode(n); err != nil {
		t.Fatalf("writeNode: %v", err)
	}

	got, err := f.readNode(1)
	if err != nil {
		t.Fatalf("readNode: %v", err)
	}
	if len(got.Keys) != 1 || got.Keys[0] != int32(7) {
		t.Errorf("Keys = %v, want [7]", got.Keys)
	}

	if err := f.deleteNode(1); err != nil {
		t.Fatalf("deleteNode: %v", err)
	}
	got, err = f.readNode(1)
	if err != nil {
		t.Fatalf("readNode after delete: %v", err)
	}
	if len(got.Keys) != 0 {
		t.Errorf("expected tombstoned (zero-key) node after delete, got %v", got.Keys)
	}
}
