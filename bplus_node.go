// Shared node layout for the clustered and unclustered B+ trees: both use
// exactly the same file format (a node-id-addressed file where node 0 is a
// metadata block and every other node is a fixed NodeSize block), differing
// only in what a leaf's payload bytes mean (a full Record for the clustered
// tree, an IndexRecord for the unclustered tree). Leaves and internal
// nodes share one tagged struct rather than two types behind an
// interface: the tag is already the first byte of every block.
package dbcore

import (
	"encoding/binary"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

const (
	bptMagic            = "BPT+"
	bptMetadataVersion  = int32(1)
	bptNodeHeaderSize   = 13 // isLeaf(1) + numKeys(4) + nodeID(4) + parentID(4)
	bptLeafExtraSize    = 8  // prevLeafID(4) + nextLeafID(4)
	bptNullID           = int32(-1)
	bptMetadataNodeID   = int32(0)
	bptFirstDataNodeID  = int32(1)
	bptMetadataHeaderSz = 24 // magic(4) + version(4) + root(4) + next(4) + order(4) + schemaLen(4)
)

// bptMetadata is node 0 of every B+ tree file: a fixed binary header
// carrying the magic "BPT+", the root/next-node-id counters and the
// order, followed by a JSON-encoded schema document.
// Metadata is rewritten only when a logical operation's dirty flag is
// set, bounding write amplification.
type bptMetadata struct {
	RootNodeID int32
	NextNodeID int32
	Order      int32
	KeyColumn  string
	Fields     []FieldDescriptor
}

type bptSchemaDoc struct {
	KeyColumn string            `json:"key_column"`
	Fields    []FieldDescriptor `json:"fields"`
}

// bptNodeSize computes the fixed per-node block size: the larger of the
// internal-node and leaf-node layouts for this order/key/payload width,
// rounded up to the next multiple of 512.
func bptNodeSize(order int, keyDesc FieldDescriptor, payloadWidth int) int {
	maxKeys := order - 1
	kw := keyDesc.Width()
	internalSize := bptNodeHeaderSize + maxKeys*kw + (maxKeys+1)*4
	leafSize := bptNodeHeaderSize + bptLeafExtraSize + maxKeys*(kw+payloadWidth)
	size := internalSize
	if leafSize > size {
		size = leafSize
	}
	if size%512 != 0 {
		size = (size/512 + 1) * 512
	}
	return size
}

// bptNode is the shared tagged-variant node. Leaves carry Payloads
// (parallel to Keys) and leaf-chain pointers; internal nodes carry
// Children (len(Children) == len(Keys)+1). Dispatch is on IsLeaf.
type bptNode struct {
	IsLeaf     bool
	NodeID     int32
	ParentID   int32
	Keys       []any
	Payloads   [][]byte // leaf only
	PrevLeafID int32    // leaf only
	NextLeafID int32    // leaf only
	Children   []int32  // internal only
}

func newLeafNode(nodeID int32) *bptNode {
	return &bptNode{IsLeaf: true, NodeID: nodeID, ParentID: bptNullID, PrevLeafID: bptNullID, NextLeafID: bptNullID}
}

func newInternalNode(nodeID int32) *bptNode {
	return &bptNode{IsLeaf: false, NodeID: nodeID, ParentID: bptNullID}
}

func packBptNode(n *bptNode, keyDesc FieldDescriptor, nodeSize int) []byte {
	buf := make([]byte, nodeSize)
	if n.IsLeaf {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(n.Keys)))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(n.NodeID))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(n.ParentID))

	off := bptNodeHeaderSize
	kw := keyDesc.Width()
	if n.IsLeaf {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(n.PrevLeafID))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(n.NextLeafID))
		off += bptLeafExtraSize
		for i, k := range n.Keys {
			copy(buf[off:off+kw], packField(keyDesc, k))
			off += kw
			copy(buf[off:off+len(n.Payloads[i])], n.Payloads[i])
			off += len(n.Payloads[i])
		}
	} else {
		for _, k := range n.Keys {
			copy(buf[off:off+kw], packField(keyDesc, k))
			off += kw
		}
		for _, c := range n.Children {
			binary.LittleEndian.PutUint32(buf[off:off+4], uint32(c))
			off += 4
		}
	}
	return buf
}

func unpackBptNode(data []byte, keyDesc FieldDescriptor, payloadWidth int) *bptNode {
	n := &bptNode{}
	n.IsLeaf = data[0] == 1
	numKeys := int(binary.LittleEndian.Uint32(data[1:5]))
	n.NodeID = int32(binary.LittleEndian.Uint32(data[5:9]))
	n.ParentID = int32(binary.LittleEndian.Uint32(data[9:13]))

	off := bptNodeHeaderSize
	kw := keyDesc.Width()
	if n.IsLeaf {
		n.PrevLeafID = int32(binary.LittleEndian.Uint32(data[off : off+4]))
		n.NextLeafID = int32(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += bptLeafExtraSize
		n.Keys = make([]any, numKeys)
		n.Payloads = make([][]byte, numKeys)
		for i := 0; i < numKeys; i++ {
			n.Keys[i] = unpackField(keyDesc, data[off:off+kw])
			off += kw
			p := make([]byte, payloadWidth)
			copy(p, data[off:off+payloadWidth])
			n.Payloads[i] = p
			off += payloadWidth
		}
	} else {
		n.Keys = make([]any, numKeys)
		for i := 0; i < numKeys; i++ {
			n.Keys[i] = unpackField(keyDesc, data[off:off+kw])
			off += kw
		}
		n.Children = make([]int32, numKeys+1)
		for i := 0; i < numKeys+1; i++ {
			n.Children[i] = int32(binary.LittleEndian.Uint32(data[off : off+4]))
			off += 4
		}
	}
	return n
}

func packBptMetadata(m *bptMetadata, nodeSize int) ([]byte, error) {
	buf := make([]byte, nodeSize)
	copy(buf[0:4], []byte(bptMagic))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(bptMetadataVersion))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.RootNodeID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(m.NextNodeID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(m.Order))

	payload, err := json.Marshal(bptSchemaDoc{KeyColumn: m.KeyColumn, Fields: m.Fields})
	if err != nil {
		return nil, err
	}
	if bptMetadataHeaderSz+len(payload) > nodeSize {
		return nil, fmt.Errorf("%w: schema payload %d bytes exceeds node size %d", ErrSchemaMismatch, len(payload), nodeSize)
	}
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(payload)))
	copy(buf[bptMetadataHeaderSz:], payload)
	return buf, nil
}

// unpackBptMetadata refuses to parse a block missing the "BPT+" magic
// rather than guess at an older or partial layout.
func unpackBptMetadata(data []byte) (*bptMetadata, error) {
	if len(data) < bptMetadataHeaderSz || string(data[0:4]) != bptMagic {
		return nil, ErrCorruptMetadata
	}
	m := &bptMetadata{}
	m.RootNodeID = int32(binary.LittleEndian.Uint32(data[8:12]))
	m.NextNodeID = int32(binary.LittleEndian.Uint32(data[12:16]))
	m.Order = int32(binary.LittleEndian.Uint32(data[16:20]))
	plen := int(binary.LittleEndian.Uint32(data[20:24]))
	if bptMetadataHeaderSz+plen > len(data) {
		return nil, ErrCorruptMetadata
	}

	var doc bptSchemaDoc
	if err := json.Unmarshal(data[bptMetadataHeaderSz:bptMetadataHeaderSz+plen], &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	m.KeyColumn = doc.KeyColumn
	m.Fields = doc.Fields
	return m, nil
}

// bptFile is the shared scoped-file-handle layer: every call opens what it
// needs and closes before returning. Node N lives at
// byte offset N*nodeSize. Deletion tombstones a node (all-zero block)
// rather than threading a free-list, because churn in a B+ tree is far
// lower than in ISAM.
type bptFile struct {
	path     string
	nodeSize int
	keyDesc  FieldDescriptor
	payloadW int
}

func (f *bptFile) readNode(id int32) (*bptNode, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	buf := make([]byte, f.nodeSize)
	if _, err := fh.ReadAt(buf, int64(id)*int64(f.nodeSize)); err != nil {
		return nil, err
	}
	return unpackBptNode(buf, f.keyDesc, f.payloadW), nil
}

func (f *bptFile) writeNode(n *bptNode) error {
	fh, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()
	buf := packBptNode(n, f.keyDesc, f.nodeSize)
	_, err = fh.WriteAt(buf, int64(n.NodeID)*int64(f.nodeSize))
	return err
}

func (f *bptFile) deleteNode(id int32) error {
	fh, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()
	buf := make([]byte, f.nodeSize)
	_, err = fh.WriteAt(buf, int64(id)*int64(f.nodeSize))
	return err
}

func (f *bptFile) readMetadata() (*bptMetadata, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	buf := make([]byte, f.nodeSize)
	if _, err := fh.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return unpackBptMetadata(buf)
}

func (f *bptFile) writeMetadata(m *bptMetadata) error {
	fh, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()
	buf, err := packBptMetadata(m, f.nodeSize)
	if err != nil {
		return err
	}
	_, err = fh.WriteAt(buf, 0)
	return err
}

// findChildIndex returns bisect_right(keys, target): the index of the
// child subtree responsible for target, given separator keys where
// keys[i] is the smallest key reachable through children[i+1].
func findChildIndex(keys []any, target any) int {
	i := 0
	for i < len(keys) && compareKeys(target, keys[i]) >= 0 {
		i++
	}
	return i
}

// insertKeyChildSorted inserts a new separator key and its right-hand
// child into an internal node's Keys/Children, keeping Keys ascending.
func insertKeyChildSorted(n *bptNode, key any, rightChild int32) {
	pos := 0
	for pos < len(n.Keys) && compareKeys(n.Keys[pos], key) < 0 {
		pos++
	}
	n.Keys = append(n.Keys, nil)
	copy(n.Keys[pos+1:], n.Keys[pos:])
	n.Keys[pos] = key

	n.Children = append(n.Children, 0)
	copy(n.Children[pos+2:], n.Children[pos+1:])
	n.Children[pos+1] = rightChild
}
