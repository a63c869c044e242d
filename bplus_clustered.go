// Clustered B+ tree primary index: leaves store full records in key order,
// threaded through a doubly-linked leaf chain for ordered scans. Duplicate
// keys are rejected.
package dbcore

import (
	"os"
)

// ClusteredBPlusTree is the clustered B+ tree primary index.
type ClusteredBPlusTree struct {
	Table   *Table
	Options BPlusTreeOptions

	file     *bptFile
	keyDesc  FieldDescriptor
	maxKeys  int
	minKeys  int
	nodeSize int

	rootNodeID int32
	nextNodeID int32
	dirty      bool
}

// NewClusteredBPlusTree creates a fresh tree file at path with a single
// empty root leaf.
func NewClusteredBPlusTree(table *Table, path string, opts BPlusTreeOptions) (*ClusteredBPlusTree, error) {
	keyDesc := table.KeyDescriptor()
	payloadW := table.RecordSize
	nodeSize := bptNodeSize(opts.Order, keyDesc, payloadW)

	t := &ClusteredBPlusTree{
		Table:      table,
		Options:    opts,
		file:       &bptFile{path: path, nodeSize: nodeSize, keyDesc: keyDesc, payloadW: payloadW},
		keyDesc:    keyDesc,
		maxKeys:    opts.Order - 1,
		minKeys:    (opts.Order+1)/2 - 1,
		nodeSize:   nodeSize,
		rootNodeID: bptFirstDataNodeID,
		nextNodeID: bptFirstDataNodeID + 1,
		dirty:      true,
	}

	root := newLeafNode(bptFirstDataNodeID)
	if err := t.file.writeNode(root); err != nil {
		return nil, err
	}
	if err := t.flushMetadata(); err != nil {
		return nil, err
	}
	return t, nil
}

// OpenClusteredBPlusTree reopens an existing tree file, refusing to open a
// file whose node 0 does not carry the "BPT+" magic.
func OpenClusteredBPlusTree(table *Table, path string, opts BPlusTreeOptions) (*ClusteredBPlusTree, error) {
	keyDesc := table.KeyDescriptor()
	payloadW := table.RecordSize
	nodeSize := bptNodeSize(opts.Order, keyDesc, payloadW)
	file := &bptFile{path: path, nodeSize: nodeSize, keyDesc: keyDesc, payloadW: payloadW}

	m, err := file.readMetadata()
	if err != nil {
		return nil, err
	}
	return &ClusteredBPlusTree{
		Table:      table,
		Options:    opts,
		file:       file,
		keyDesc:    keyDesc,
		maxKeys:    opts.Order - 1,
		minKeys:    (opts.Order+1)/2 - 1,
		nodeSize:   nodeSize,
		rootNodeID: m.RootNodeID,
		nextNodeID: m.NextNodeID,
	}, nil
}

func (t *ClusteredBPlusTree) flushMetadata() error {
	if !t.dirty {
		return nil
	}
	m := &bptMetadata{
		RootNodeID: t.rootNodeID,
		NextNodeID: t.nextNodeID,
		Order:      int32(t.Options.Order),
		KeyColumn:  t.Table.KeyField,
		Fields:     t.Table.Fields,
	}
	if err := t.file.writeMetadata(m); err != nil {
		return err
	}
	t.dirty = false
	return nil
}

func (t *ClusteredBPlusTree) allocNodeID() int32 {
	id := t.nextNodeID
	t.nextNodeID++
	t.dirty = true
	return id
}

func (t *ClusteredBPlusTree) payloadOf(r *Record) []byte { return r.Pack() }

func (t *ClusteredBPlusTree) recordFromPayload(p []byte) (*Record, error) {
	return UnpackRecord(p, t.Table)
}

// findLeafPath descends from the root to the leaf responsible for key,
// returning the full path of node ids visited (root..leaf).
func (t *ClusteredBPlusTree) findLeafPath(key any, tracker *PerformanceTracker) ([]int32, *bptNode, error) {
	var path []int32
	id := t.rootNodeID
	for {
		tracker.TrackRead()
		n, err := t.file.readNode(id)
		if err != nil {
			return nil, nil, err
		}
		path = append(path, id)
		if n.IsLeaf {
			return path, n, nil
		}
		id = n.Children[findChildIndex(n.Keys, key)]
	}
}

// Search returns the record with the given key, or nil if absent.
func (t *ClusteredBPlusTree) Search(key any, tracker *PerformanceTracker) (*Record, error) {
	_, leaf, err := t.findLeafPath(key, tracker)
	if err != nil {
		return nil, err
	}
	for i, k := range leaf.Keys {
		if compareKeys(k, key) == 0 {
			return t.recordFromPayload(leaf.Payloads[i])
		}
	}
	return nil, nil
}

// Insert adds a record. Returns false (no error) on duplicate key.
func (t *ClusteredBPlusTree) Insert(record *Record, tracker *PerformanceTracker) (bool, error) {
	key := record.GetKey()
	path, leaf, err := t.findLeafPath(key, tracker)
	if err != nil {
		return false, err
	}
	for _, k := range leaf.Keys {
		if compareKeys(k, key) == 0 {
			return false, nil
		}
	}

	insertIntoLeafSorted(leaf, key, t.payloadOf(record))
	tracker.TrackWrite()
	if err := t.file.writeNode(leaf); err != nil {
		return false, err
	}

	if len(leaf.Keys) > t.maxKeys {
		if err := t.splitLeaf(path, leaf, tracker); err != nil {
			return true, err
		}
	}
	return true, t.flushMetadata()
}

func insertIntoLeafSorted(leaf *bptNode, key any, payload []byte) {
	pos := 0
	for pos < len(leaf.Keys) && compareKeys(leaf.Keys[pos], key) < 0 {
		pos++
	}
	leaf.Keys = append(leaf.Keys, nil)
	copy(leaf.Keys[pos+1:], leaf.Keys[pos:])
	leaf.Keys[pos] = key

	leaf.Payloads = append(leaf.Payloads, nil)
	copy(leaf.Payloads[pos+1:], leaf.Payloads[pos:])
	leaf.Payloads[pos] = payload
}

// splitLeaf splits an overflowing leaf at its midpoint, threads the new
// leaf into the leaf chain, and promotes the right leaf's first key to the
// parent (creating a new root if the leaf was the root).
func (t *ClusteredBPlusTree) splitLeaf(path []int32, leaf *bptNode, tracker *PerformanceTracker) error {
	mid := len(leaf.Keys) / 2
	right := newLeafNode(t.allocNodeID())
	right.ParentID = leaf.ParentID
	right.Keys = append([]any{}, leaf.Keys[mid:]...)
	right.Payloads = append([][]byte{}, leaf.Payloads[mid:]...)
	leaf.Keys = leaf.Keys[:mid]
	leaf.Payloads = leaf.Payloads[:mid]

	right.NextLeafID = leaf.NextLeafID
	right.PrevLeafID = leaf.NodeID
	leaf.NextLeafID = right.NodeID

	tracker.TrackWrite()
	if err := t.file.writeNode(leaf); err != nil {
		return err
	}
	tracker.TrackWrite()
	if err := t.file.writeNode(right); err != nil {
		return err
	}
	if right.NextLeafID != bptNullID {
		next, err := t.file.readNode(right.NextLeafID)
		if err != nil {
			return err
		}
		next.PrevLeafID = right.NodeID
		tracker.TrackWrite()
		if err := t.file.writeNode(next); err != nil {
			return err
		}
	}

	separator := right.Keys[0]
	return t.promote(path, leaf.NodeID, separator, right.NodeID, tracker)
}

// promote inserts (separator, rightChild) into the parent of the node at
// the end of path, splitting the parent (recursively, possibly up to a new
// root) if it overflows. path is the descent path ending at the child that
// just split; path[len(path)-1] is that child's own node id (already
// updated on disk) and is not otherwise used here beyond locating parent.
func (t *ClusteredBPlusTree) promote(path []int32, leftChild int32, separator any, rightChild int32, tracker *PerformanceTracker) error {
	if len(path) == 1 {
		// The splitting node was the root: allocate a new root.
		newRoot := newInternalNode(t.allocNodeID())
		newRoot.Keys = []any{separator}
		newRoot.Children = []int32{leftChild, rightChild}
		tracker.TrackWrite()
		if err := t.file.writeNode(newRoot); err != nil {
			return err
		}
		if err := t.reparent(leftChild, newRoot.NodeID, tracker); err != nil {
			return err
		}
		if err := t.reparent(rightChild, newRoot.NodeID, tracker); err != nil {
			return err
		}
		t.rootNodeID = newRoot.NodeID
		t.dirty = true
		return nil
	}

	parentID := path[len(path)-2]
	parent, err := t.file.readNode(parentID)
	if err != nil {
		return err
	}
	insertKeyChildSorted(parent, separator, rightChild)
	if err := t.reparent(rightChild, parentID, tracker); err != nil {
		return err
	}

	if len(parent.Keys) <= t.maxKeys {
		tracker.TrackWrite()
		return t.file.writeNode(parent)
	}

	// Parent overflowed: split it too. The middle key moves up (it is not
	// duplicated into either child), unlike a leaf split.
	mid := len(parent.Keys) / 2
	midKey := parent.Keys[mid]

	right := newInternalNode(t.allocNodeID())
	right.ParentID = parent.ParentID
	right.Keys = append([]any{}, parent.Keys[mid+1:]...)
	right.Children = append([]int32{}, parent.Children[mid+1:]...)

	parent.Keys = parent.Keys[:mid]
	parent.Children = parent.Children[:mid+1]

	tracker.TrackWrite()
	if err := t.file.writeNode(parent); err != nil {
		return err
	}
	tracker.TrackWrite()
	if err := t.file.writeNode(right); err != nil {
		return err
	}
	for _, c := range right.Children {
		if err := t.reparent(c, right.NodeID, tracker); err != nil {
			return err
		}
	}

	return t.promote(path[:len(path)-1], parent.NodeID, midKey, right.NodeID, tracker)
}

func (t *ClusteredBPlusTree) reparent(childID, parentID int32, tracker *PerformanceTracker) error {
	child, err := t.file.readNode(childID)
	if err != nil {
		return err
	}
	child.ParentID = parentID
	tracker.TrackWrite()
	return t.file.writeNode(child)
}

// Delete removes the record with the given key. Returns false if absent.
func (t *ClusteredBPlusTree) Delete(key any, tracker *PerformanceTracker) (bool, error) {
	path, leaf, err := t.findLeafPath(key, tracker)
	if err != nil {
		return false, err
	}
	pos := -1
	for i, k := range leaf.Keys {
		if compareKeys(k, key) == 0 {
			pos = i
			break
		}
	}
	if pos < 0 {
		return false, nil
	}
	leaf.Keys = append(leaf.Keys[:pos], leaf.Keys[pos+1:]...)
	leaf.Payloads = append(leaf.Payloads[:pos], leaf.Payloads[pos+1:]...)
	tracker.TrackWrite()
	if err := t.file.writeNode(leaf); err != nil {
		return false, err
	}

	if leaf.NodeID == t.rootNodeID || len(leaf.Keys) >= t.minKeys {
		return true, t.flushMetadata()
	}
	if err := t.fixLeafUnderflow(path, leaf, tracker); err != nil {
		return true, err
	}
	return true, t.flushMetadata()
}

func (t *ClusteredBPlusTree) fixLeafUnderflow(path []int32, leaf *bptNode, tracker *PerformanceTracker) error {
	parentID := path[len(path)-2]
	parent, err := t.file.readNode(parentID)
	if err != nil {
		return err
	}
	childIdx := indexOfChild(parent, leaf.NodeID)

	if childIdx > 0 {
		leftID := parent.Children[childIdx-1]
		left, err := t.file.readNode(leftID)
		if err != nil {
			return err
		}
		if len(left.Keys) > t.minKeys {
			n := len(left.Keys) - 1
			leaf.Keys = append([]any{left.Keys[n]}, leaf.Keys...)
			leaf.Payloads = append([][]byte{left.Payloads[n]}, leaf.Payloads...)
			left.Keys = left.Keys[:n]
			left.Payloads = left.Payloads[:n]
			parent.Keys[childIdx-1] = leaf.Keys[0]
			tracker.TrackWrite()
			t.file.writeNode(left)
			tracker.TrackWrite()
			t.file.writeNode(leaf)
			tracker.TrackWrite()
			return t.file.writeNode(parent)
		}
	}
	if childIdx < len(parent.Children)-1 {
		rightID := parent.Children[childIdx+1]
		right, err := t.file.readNode(rightID)
		if err != nil {
			return err
		}
		if len(right.Keys) > t.minKeys {
			leaf.Keys = append(leaf.Keys, right.Keys[0])
			leaf.Payloads = append(leaf.Payloads, right.Payloads[0])
			right.Keys = right.Keys[1:]
			right.Payloads = right.Payloads[1:]
			parent.Keys[childIdx] = right.Keys[0]
			tracker.TrackWrite()
			t.file.writeNode(right)
			tracker.TrackWrite()
			t.file.writeNode(leaf)
			tracker.TrackWrite()
			return t.file.writeNode(parent)
		}
	}

	// No sibling can lend a key: merge. Prefer merging with the left
	// sibling, falling back to the right.
	if childIdx > 0 {
		leftID := parent.Children[childIdx-1]
		left, err := t.file.readNode(leftID)
		if err != nil {
			return err
		}
		left.Keys = append(left.Keys, leaf.Keys...)
		left.Payloads = append(left.Payloads, leaf.Payloads...)
		left.NextLeafID = leaf.NextLeafID
		tracker.TrackWrite()
		if err := t.file.writeNode(left); err != nil {
			return err
		}
		if leaf.NextLeafID != bptNullID {
			next, err := t.file.readNode(leaf.NextLeafID)
			if err == nil {
				next.PrevLeafID = left.NodeID
				tracker.TrackWrite()
				t.file.writeNode(next)
			}
		}
		t.file.deleteNode(leaf.NodeID)
		return t.removeParentEntry(path[:len(path)-1], parent, childIdx-1, tracker)
	}

	rightID := parent.Children[childIdx+1]
	right, err := t.file.readNode(rightID)
	if err != nil {
		return err
	}
	leaf.Keys = append(leaf.Keys, right.Keys...)
	leaf.Payloads = append(leaf.Payloads, right.Payloads...)
	leaf.NextLeafID = right.NextLeafID
	tracker.TrackWrite()
	if err := t.file.writeNode(leaf); err != nil {
		return err
	}
	if right.NextLeafID != bptNullID {
		next, err := t.file.readNode(right.NextLeafID)
		if err == nil {
			next.PrevLeafID = leaf.NodeID
			tracker.TrackWrite()
			t.file.writeNode(next)
		}
	}
	t.file.deleteNode(right.NodeID)
	return t.removeParentEntry(path[:len(path)-1], parent, childIdx, tracker)
}

func indexOfChild(parent *bptNode, childID int32) int {
	for i, c := range parent.Children {
		if c == childID {
			return i
		}
	}
	return -1
}

// removeParentEntry removes separator key `keyIdx` and the child to its
// right from parent (used after a leaf or internal merge), then cascades
// underflow handling up the tree.
func (t *ClusteredBPlusTree) removeParentEntry(path []int32, parent *bptNode, keyIdx int, tracker *PerformanceTracker) error {
	parent.Keys = append(parent.Keys[:keyIdx], parent.Keys[keyIdx+1:]...)
	parent.Children = append(parent.Children[:keyIdx+1], parent.Children[keyIdx+2:]...)
	tracker.TrackWrite()
	if err := t.file.writeNode(parent); err != nil {
		return err
	}

	if parent.NodeID == t.rootNodeID {
		if len(parent.Keys) == 0 && len(parent.Children) == 1 {
			newRootID := parent.Children[0]
			newRoot, err := t.file.readNode(newRootID)
			if err != nil {
				return err
			}
			newRoot.ParentID = bptNullID
			tracker.TrackWrite()
			if err := t.file.writeNode(newRoot); err != nil {
				return err
			}
			t.file.deleteNode(parent.NodeID)
			t.rootNodeID = newRootID
			t.dirty = true
		}
		return nil
	}

	if len(parent.Keys) >= t.minKeys {
		return nil
	}
	return t.fixInternalUnderflow(path, parent, tracker)
}

func (t *ClusteredBPlusTree) fixInternalUnderflow(path []int32, node *bptNode, tracker *PerformanceTracker) error {
	grandParentID := path[len(path)-2]
	grandParent, err := t.file.readNode(grandParentID)
	if err != nil {
		return err
	}
	childIdx := indexOfChild(grandParent, node.NodeID)

	if childIdx > 0 {
		leftID := grandParent.Children[childIdx-1]
		left, err := t.file.readNode(leftID)
		if err != nil {
			return err
		}
		if len(left.Keys) > t.minKeys {
			n := len(left.Keys) - 1
			borrowedChild := left.Children[n+1]
			node.Keys = append([]any{grandParent.Keys[childIdx-1]}, node.Keys...)
			node.Children = append([]int32{borrowedChild}, node.Children...)
			grandParent.Keys[childIdx-1] = left.Keys[n]
			left.Keys = left.Keys[:n]
			left.Children = left.Children[:n+1]
			if err := t.reparent(borrowedChild, node.NodeID, tracker); err != nil {
				return err
			}
			tracker.TrackWrite()
			t.file.writeNode(left)
			tracker.TrackWrite()
			t.file.writeNode(node)
			tracker.TrackWrite()
			return t.file.writeNode(grandParent)
		}
	}
	if childIdx < len(grandParent.Children)-1 {
		rightID := grandParent.Children[childIdx+1]
		right, err := t.file.readNode(rightID)
		if err != nil {
			return err
		}
		if len(right.Keys) > t.minKeys {
			borrowedChild := right.Children[0]
			node.Keys = append(node.Keys, grandParent.Keys[childIdx])
			node.Children = append(node.Children, borrowedChild)
			grandParent.Keys[childIdx] = right.Keys[0]
			right.Keys = right.Keys[1:]
			right.Children = right.Children[1:]
			if err := t.reparent(borrowedChild, node.NodeID, tracker); err != nil {
				return err
			}
			tracker.TrackWrite()
			t.file.writeNode(right)
			tracker.TrackWrite()
			t.file.writeNode(node)
			tracker.TrackWrite()
			return t.file.writeNode(grandParent)
		}
	}

	// Merge with left sibling (preferred) or right.
	if childIdx > 0 {
		leftID := grandParent.Children[childIdx-1]
		left, err := t.file.readNode(leftID)
		if err != nil {
			return err
		}
		left.Keys = append(left.Keys, grandParent.Keys[childIdx-1])
		left.Keys = append(left.Keys, node.Keys...)
		left.Children = append(left.Children, node.Children...)
		for _, c := range node.Children {
			if err := t.reparent(c, left.NodeID, tracker); err != nil {
				return err
			}
		}
		tracker.TrackWrite()
		if err := t.file.writeNode(left); err != nil {
			return err
		}
		t.file.deleteNode(node.NodeID)
		return t.removeParentEntry(path[:len(path)-1], grandParent, childIdx-1, tracker)
	}

	rightID := grandParent.Children[childIdx+1]
	right, err := t.file.readNode(rightID)
	if err != nil {
		return err
	}
	node.Keys = append(node.Keys, grandParent.Keys[childIdx])
	node.Keys = append(node.Keys, right.Keys...)
	node.Children = append(node.Children, right.Children...)
	for _, c := range right.Children {
		if err := t.reparent(c, node.NodeID, tracker); err != nil {
			return err
		}
	}
	tracker.TrackWrite()
	if err := t.file.writeNode(node); err != nil {
		return err
	}
	t.file.deleteNode(right.NodeID)
	return t.removeParentEntry(path[:len(path)-1], grandParent, childIdx, tracker)
}

// leftmostLeaf descends via children[0] from the root to the first leaf.
func (t *ClusteredBPlusTree) leftmostLeaf(tracker *PerformanceTracker) (*bptNode, error) {
	id := t.rootNodeID
	for {
		tracker.TrackRead()
		n, err := t.file.readNode(id)
		if err != nil {
			return nil, err
		}
		if n.IsLeaf {
			return n, nil
		}
		id = n.Children[0]
	}
}

// RangeSearch returns every record with key in [lo, hi], sorted by key.
func (t *ClusteredBPlusTree) RangeSearch(lo, hi any, tracker *PerformanceTracker) ([]*Record, error) {
	_, leaf, err := t.findLeafPath(lo, tracker)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for leaf != nil {
		for i, k := range leaf.Keys {
			if compareKeys(k, lo) >= 0 && compareKeys(k, hi) <= 0 {
				rec, err := t.recordFromPayload(leaf.Payloads[i])
				if err != nil {
					return nil, err
				}
				out = append(out, rec)
			}
		}
		if len(leaf.Keys) > 0 && compareKeys(leaf.Keys[len(leaf.Keys)-1], hi) > 0 {
			break
		}
		if leaf.NextLeafID == bptNullID {
			break
		}
		tracker.TrackRead()
		leaf, err = t.file.readNode(leaf.NextLeafID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ScanAll walks the leaf chain from the leftmost leaf, returning every
// record in ascending key order.
func (t *ClusteredBPlusTree) ScanAll(tracker *PerformanceTracker) ([]*Record, error) {
	leaf, err := t.leftmostLeaf(tracker)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for leaf != nil {
		for _, p := range leaf.Payloads {
			rec, err := t.recordFromPayload(p)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		if leaf.NextLeafID == bptNullID {
			break
		}
		tracker.TrackRead()
		leaf, err = t.file.readNode(leaf.NextLeafID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// WarmUp pre-reads the metadata block and the root node.
func (t *ClusteredBPlusTree) WarmUp() error {
	if _, err := t.file.readMetadata(); err != nil {
		return err
	}
	_, err := t.file.readNode(t.rootNodeID)
	return err
}

// DropIndex removes the tree's backing file.
func (t *ClusteredBPlusTree) DropIndex() error {
	if err := os.Remove(t.file.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// verifyLeafChain walks the leaf chain forward then backward, asserting
// keys are non-decreasing and the reverse walk is the exact inverse;
// used by tests.
func (t *ClusteredBPlusTree) verifyLeafChain(tracker *PerformanceTracker) ([]int32, error) {
	leaf, err := t.leftmostLeaf(tracker)
	if err != nil {
		return nil, err
	}
	var ids []int32
	var prevKey any
	first := true
	for leaf != nil {
		ids = append(ids, leaf.NodeID)
		for _, k := range leaf.Keys {
			if !first && compareKeys(prevKey, k) > 0 {
				return nil, errLeafChainOutOfOrder
			}
			prevKey = k
			first = false
		}
		if leaf.NextLeafID == bptNullID {
			break
		}
		leaf, err = t.file.readNode(leaf.NextLeafID)
		if err != nil {
			return nil, err
		}
	}
	// Walk back from the last leaf: the prev pointers must retrace ids.
	for i := len(ids) - 1; i > 0; i-- {
		if leaf.PrevLeafID != ids[i-1] {
			return nil, errLeafChainBroken
		}
		leaf, err = t.file.readNode(leaf.PrevLeafID)
		if err != nil {
			return nil, err
		}
	}
	if leaf.PrevLeafID != bptNullID {
		return nil, errLeafChainBroken
	}
	return ids, nil
}

var errLeafChainOutOfOrder = errCustom("leaf chain is not sorted")

var errLeafChainBroken = errCustom("leaf chain prev pointers do not mirror next pointers")

type errCustom string

func (e errCustom) Error() string { return string(e) }
