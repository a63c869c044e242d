// Unclustered B+ tree secondary index: same node format and algorithms as
// the clustered tree, but leaves store IndexRecord(secondary_value,
// primary_key) payloads and duplicate secondary values are allowed,
// ordered by primary_key ascending.
package dbcore

import "os"

// UnclusteredBPlusTree is the B+ tree secondary index over a single field.
type UnclusteredBPlusTree struct {
	Table   *Table
	Field   string
	Options BPlusTreeOptions

	file      *bptFile
	fieldDesc FieldDescriptor
	maxKeys   int
	minKeys   int

	rootNodeID int32
	nextNodeID int32
	dirty      bool
}

// NewUnclusteredBPlusTree creates a fresh tree file over table.Field.
func NewUnclusteredBPlusTree(table *Table, field, path string, opts BPlusTreeOptions) (*UnclusteredBPlusTree, error) {
	fd, ok := table.Field(field)
	if !ok {
		return nil, ErrFieldNotFound
	}
	payloadW := fd.Width() + 4
	nodeSize := bptNodeSize(opts.Order, fd, payloadW)

	t := &UnclusteredBPlusTree{
		Table:      table,
		Field:      field,
		Options:    opts,
		file:       &bptFile{path: path, nodeSize: nodeSize, keyDesc: fd, payloadW: payloadW},
		fieldDesc:  fd,
		maxKeys:    opts.Order - 1,
		minKeys:    (opts.Order+1)/2 - 1,
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

// OpenUnclusteredBPlusTree reopens an existing tree file.
func OpenUnclusteredBPlusTree(table *Table, field, path string, opts BPlusTreeOptions) (*UnclusteredBPlusTree, error) {
	fd, ok := table.Field(field)
	if !ok {
		return nil, ErrFieldNotFound
	}
	payloadW := fd.Width() + 4
	nodeSize := bptNodeSize(opts.Order, fd, payloadW)
	file := &bptFile{path: path, nodeSize: nodeSize, keyDesc: fd, payloadW: payloadW}

	m, err := file.readMetadata()
	if err != nil {
		return nil, err
	}
	return &UnclusteredBPlusTree{
		Table:      table,
		Field:      field,
		Options:    opts,
		file:       file,
		fieldDesc:  fd,
		maxKeys:    opts.Order - 1,
		minKeys:    (opts.Order+1)/2 - 1,
		rootNodeID: m.RootNodeID,
		nextNodeID: m.NextNodeID,
	}, nil
}

func (t *UnclusteredBPlusTree) flushMetadata() error {
	if !t.dirty {
		return nil
	}
	m := &bptMetadata{
		RootNodeID: t.rootNodeID,
		NextNodeID: t.nextNodeID,
		Order:      int32(t.Options.Order),
		KeyColumn:  t.Field,
		Fields:     []FieldDescriptor{t.fieldDesc},
	}
	if err := t.file.writeMetadata(m); err != nil {
		return err
	}
	t.dirty = false
	return nil
}

func (t *UnclusteredBPlusTree) allocNodeID() int32 {
	id := t.nextNodeID
	t.nextNodeID++
	t.dirty = true
	return id
}

func (t *UnclusteredBPlusTree) irFromPayload(p []byte) *IndexRecord {
	return UnpackIndexRecord(p, t.fieldDesc)
}

func (t *UnclusteredBPlusTree) findLeafPath(value any, tracker *PerformanceTracker) ([]int32, *bptNode, error) {
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
		id = n.Children[findChildIndex(n.Keys, value)]
	}
}

// Search returns every primary key whose secondary value equals the query,
// by walking the leaf chain forward while keys compare equal.
func (t *UnclusteredBPlusTree) Search(value any, tracker *PerformanceTracker) ([]int32, error) {
	_, leaf, err := t.findLeafPath(value, tracker)
	if err != nil {
		return nil, err
	}
	var out []int32
	for leaf != nil {
		matchedAny := false
		for i, k := range leaf.Keys {
			if compareKeys(k, value) == 0 {
				matchedAny = true
				out = append(out, t.irFromPayload(leaf.Payloads[i]).PrimaryKey)
			} else if compareKeys(k, value) > 0 {
				return out, nil
			}
		}
		if !matchedAny && len(out) > 0 {
			return out, nil
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

// Insert adds (value -> primaryKey). Duplicate secondary values are
// permitted; the exact (value, pk) pair is still rejected if already
// present, matching the coordinator's "insert is a no-op on exact match"
// convention used by the hash index for consistency across secondary types.
func (t *UnclusteredBPlusTree) Insert(value any, primaryKey int32, tracker *PerformanceTracker) error {
	path, leaf, err := t.findLeafPath(value, tracker)
	if err != nil {
		return err
	}
	for i, k := range leaf.Keys {
		if compareKeys(k, value) == 0 && t.irFromPayload(leaf.Payloads[i]).PrimaryKey == primaryKey {
			return nil
		}
	}

	ir := NewIndexRecord(t.fieldDesc, value, primaryKey)
	pos := findDupInsertPos(leaf, value, primaryKey, t.fieldDesc)
	leaf.Keys = append(leaf.Keys, nil)
	copy(leaf.Keys[pos+1:], leaf.Keys[pos:])
	leaf.Keys[pos] = value
	leaf.Payloads = append(leaf.Payloads, nil)
	copy(leaf.Payloads[pos+1:], leaf.Payloads[pos:])
	leaf.Payloads[pos] = ir.Pack()

	tracker.TrackWrite()
	if err := t.file.writeNode(leaf); err != nil {
		return err
	}
	if len(leaf.Keys) > t.maxKeys {
		if err := t.splitLeaf(path, leaf, tracker); err != nil {
			return err
		}
	}
	return t.flushMetadata()
}

func findDupInsertPos(leaf *bptNode, value any, pk int32, fd FieldDescriptor) int {
	pos := 0
	for pos < len(leaf.Keys) {
		c := compareKeys(leaf.Keys[pos], value)
		if c > 0 {
			break
		}
		if c == 0 {
			if UnpackIndexRecord(leaf.Payloads[pos], fd).PrimaryKey > pk {
				break
			}
		}
		pos++
	}
	return pos
}

func (t *UnclusteredBPlusTree) splitLeaf(path []int32, leaf *bptNode, tracker *PerformanceTracker) error {
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

func (t *UnclusteredBPlusTree) promote(path []int32, leftChild int32, separator any, rightChild int32, tracker *PerformanceTracker) error {
	if len(path) == 1 {
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

func (t *UnclusteredBPlusTree) reparent(childID, parentID int32, tracker *PerformanceTracker) error {
	child, err := t.file.readNode(childID)
	if err != nil {
		return err
	}
	child.ParentID = parentID
	tracker.TrackWrite()
	return t.file.writeNode(child)
}

// Delete removes exactly one (value, primaryKey) index record. Returns
// false if not present.
func (t *UnclusteredBPlusTree) Delete(value any, primaryKey int32, tracker *PerformanceTracker) (bool, error) {
	path, leaf, err := t.findLeafPath(value, tracker)
	if err != nil {
		return false, err
	}
	for leaf != nil {
		for i, k := range leaf.Keys {
			if compareKeys(k, value) == 0 && t.irFromPayload(leaf.Payloads[i]).PrimaryKey == primaryKey {
				leaf.Keys = append(leaf.Keys[:i], leaf.Keys[i+1:]...)
				leaf.Payloads = append(leaf.Payloads[:i], leaf.Payloads[i+1:]...)
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
			if compareKeys(k, value) > 0 {
				return false, nil
			}
		}
		if leaf.NextLeafID == bptNullID {
			break
		}
		nextID := leaf.NextLeafID
		path = append(path[:len(path)-1], nextID)
		tracker.TrackRead()
		leaf, err = t.file.readNode(nextID)
		if err != nil {
			return false, err
		}
	}
	return false, nil
}

// DeleteAll removes every index record matching value, returning the
// primary keys that were removed.
func (t *UnclusteredBPlusTree) DeleteAll(value any, tracker *PerformanceTracker) ([]int32, error) {
	pks, err := t.Search(value, tracker)
	if err != nil {
		return nil, err
	}
	for _, pk := range pks {
		if _, err := t.Delete(value, pk, tracker); err != nil {
			return nil, err
		}
	}
	return pks, nil
}

func (t *UnclusteredBPlusTree) fixLeafUnderflow(path []int32, leaf *bptNode, tracker *PerformanceTracker) error {
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

func (t *UnclusteredBPlusTree) removeParentEntry(path []int32, parent *bptNode, keyIdx int, tracker *PerformanceTracker) error {
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

func (t *UnclusteredBPlusTree) fixInternalUnderflow(path []int32, node *bptNode, tracker *PerformanceTracker) error {
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

// RangeSearch returns every primary key whose secondary value is in [lo, hi].
func (t *UnclusteredBPlusTree) RangeSearch(lo, hi any, tracker *PerformanceTracker) ([]int32, error) {
	_, leaf, err := t.findLeafPath(lo, tracker)
	if err != nil {
		return nil, err
	}
	var out []int32
	for leaf != nil {
		for i, k := range leaf.Keys {
			if compareKeys(k, lo) >= 0 && compareKeys(k, hi) <= 0 {
				out = append(out, t.irFromPayload(leaf.Payloads[i]).PrimaryKey)
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

func (t *UnclusteredBPlusTree) leftmostLeaf(tracker *PerformanceTracker) (*bptNode, error) {
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

// ScanAll returns every IndexRecord in ascending (value, primary_key) order.
func (t *UnclusteredBPlusTree) ScanAll(tracker *PerformanceTracker) ([]*IndexRecord, error) {
	leaf, err := t.leftmostLeaf(tracker)
	if err != nil {
		return nil, err
	}
	var out []*IndexRecord
	for leaf != nil {
		for _, p := range leaf.Payloads {
			out = append(out, t.irFromPayload(p))
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

// RepairLeafChain collects every leaf via a DFS over the tree, sorts them
// by minimum key, and rewrites prev/next pointers — a defensive re-thread
// for when a complex borrow/merge cascade might have left the chain
// inconsistent. Not called automatically.
func (t *UnclusteredBPlusTree) RepairLeafChain(tracker *PerformanceTracker) error {
	var leaves []*bptNode
	var walk func(id int32) error
	walk = func(id int32) error {
		n, err := t.file.readNode(id)
		if err != nil {
			return err
		}
		if n.IsLeaf {
			leaves = append(leaves, n)
			return nil
		}
		for _, c := range n.Children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(t.rootNodeID); err != nil {
		return err
	}

	for i := 1; i < len(leaves); i++ {
		j := i
		for j > 0 && leafMinKey(leaves[j-1]) != nil && compareKeys(leafMinKey(leaves[j-1]), leafMinKey(leaves[j])) > 0 {
			leaves[j-1], leaves[j] = leaves[j], leaves[j-1]
			j--
		}
	}

	for i, leaf := range leaves {
		if i > 0 {
			leaf.PrevLeafID = leaves[i-1].NodeID
		} else {
			leaf.PrevLeafID = bptNullID
		}
		if i < len(leaves)-1 {
			leaf.NextLeafID = leaves[i+1].NodeID
		} else {
			leaf.NextLeafID = bptNullID
		}
		tracker.TrackWrite()
		if err := t.file.writeNode(leaf); err != nil {
			return err
		}
	}
	return nil
}

func leafMinKey(n *bptNode) any {
	if len(n.Keys) == 0 {
		return nil
	}
	return n.Keys[0]
}

// WarmUp pre-reads the metadata block and the root node.
func (t *UnclusteredBPlusTree) WarmUp() error {
	if _, err := t.file.readMetadata(); err != nil {
		return err
	}
	_, err := t.file.readNode(t.rootNodeID)
	return err
}

// DropIndex removes the tree's backing file.
func (t *UnclusteredBPlusTree) DropIndex() error {
	if err := os.Remove(t.file.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
