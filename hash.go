// Extendible hash secondary index.
//
// Two files back an ExtendibleHash: a directory file (a header carrying
// the global depth, the free-list head and the digest algorithm tag,
// then a flat array of bucket block numbers, doubled whenever a split
// would otherwise require a bucket's local depth to exceed the global
// depth) and a bucket file (fixed-size buckets addressed by block
// number, each with its own local depth, slot counts and an overflow
// chain threaded through next_overflow pointers). Freed buckets are
// threaded through the same next_overflow field into a free list whose
// head lives in the directory header.
package dbcore

import (
	"encoding/binary"
	"os"
)

const (
	hashBucketHeaderSize = 16 // localDepth, allocatedSlots, actualRecords, nextOverflow (int32 each)
	hashDirHeaderSize    = 9  // globalDepth (int32), firstFreeBucket (int32), algorithm (byte)
	hashFreeListNone     = -1
)

// ExtendibleHash is an unclustered secondary index over a single field,
// implementing hash-bucket equality lookup (no ordering, no range scan).
type ExtendibleHash struct {
	Table   *Table
	Field   string
	Options HashOptions

	dirPath    string
	bucketPath string

	fieldDesc FieldDescriptor
	keyDesc   FieldDescriptor

	globalDepth int32
	firstFree   int32   // free-list head in the bucket file
	directory   []int32 // bucket block number per directory slot

	recordSize int // IndexRecord packed size for this field's value type
	bucketSize int // on-disk size of one bucket block
}

// minChainRecords is the main-bucket occupancy at or below which a delete
// attempts overflow-to-main compaction.
func (h *ExtendibleHash) minChainRecords() int {
	return h.Options.BlockFactor / 2
}

// NewExtendibleHash creates (or truncates) the directory and bucket files
// for a fresh index over table.Field at dirPath/bucketPath.
func NewExtendibleHash(table *Table, field string, dirPath, bucketPath string, opts HashOptions) (*ExtendibleHash, error) {
	fd, ok := table.Field(field)
	if !ok {
		return nil, ErrFieldNotFound
	}
	h := &ExtendibleHash{
		Table:       table,
		Field:       field,
		Options:     opts,
		dirPath:     dirPath,
		bucketPath:  bucketPath,
		fieldDesc:   fd,
		keyDesc:     table.KeyDescriptor(),
		globalDepth: int32(opts.InitialDepth),
		firstFree:   hashFreeListNone,
	}
	h.recordSize = fd.Width() + 4
	h.bucketSize = hashBucketHeaderSize + opts.BlockFactor*h.recordSize

	n := int32(1) << uint(h.globalDepth)
	h.directory = make([]int32, n)
	for i := range h.directory {
		blockNo, err := h.allocBucket(h.globalDepth)
		if err != nil {
			return nil, err
		}
		h.directory[i] = blockNo
	}
	if err := h.saveDirectory(); err != nil {
		return nil, err
	}
	return h, nil
}

// OpenExtendibleHash reopens an existing index from its directory file.
// The digest algorithm recorded in the directory header wins over the
// one passed in opts, so a reopened index always hashes the same way it
// was built.
func OpenExtendibleHash(table *Table, field string, dirPath, bucketPath string, opts HashOptions) (*ExtendibleHash, error) {
	fd, ok := table.Field(field)
	if !ok {
		return nil, ErrFieldNotFound
	}
	h := &ExtendibleHash{
		Table:      table,
		Field:      field,
		Options:    opts,
		dirPath:    dirPath,
		bucketPath: bucketPath,
		fieldDesc:  fd,
		keyDesc:    table.KeyDescriptor(),
	}
	h.recordSize = fd.Width() + 4
	h.bucketSize = hashBucketHeaderSize + opts.BlockFactor*h.recordSize
	if err := h.loadDirectory(); err != nil {
		return nil, err
	}
	return h, nil
}

// --- directory I/O ---

func (h *ExtendibleHash) loadDirectory() error {
	data, err := os.ReadFile(h.dirPath)
	if err != nil {
		return err
	}
	if len(data) < hashDirHeaderSize {
		return ErrCorruptMetadata
	}
	h.globalDepth = int32(binary.LittleEndian.Uint32(data[0:4]))
	h.firstFree = int32(binary.LittleEndian.Uint32(data[4:8]))
	if alg := HashAlgorithm(data[8]); alg != 0 {
		h.Options.HashAlgorithm = alg
	}
	n := len(data[hashDirHeaderSize:]) / 4
	h.directory = make([]int32, n)
	for i := 0; i < n; i++ {
		off := hashDirHeaderSize + i*4
		h.directory[i] = int32(binary.LittleEndian.Uint32(data[off : off+4]))
	}
	return nil
}

func (h *ExtendibleHash) saveDirectory() error {
	buf := make([]byte, hashDirHeaderSize+len(h.directory)*4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.globalDepth))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.firstFree))
	buf[8] = byte(h.Options.HashAlgorithm)
	for i, b := range h.directory {
		off := hashDirHeaderSize + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(b))
	}
	return os.WriteFile(h.dirPath, buf, 0o644)
}

// --- bucket I/O ---

type hashBucket struct {
	localDepth   int32
	nextOverflow int32
	records      []*IndexRecord
}

func (h *ExtendibleHash) readBucket(blockNo int32) (*hashBucket, error) {
	f, err := os.Open(h.bucketPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, h.bucketSize)
	if _, err := f.ReadAt(buf, int64(blockNo)*int64(h.bucketSize)); err != nil {
		return nil, err
	}
	return h.unpackBucket(buf), nil
}

func (h *ExtendibleHash) writeBucket(blockNo int32, b *hashBucket) error {
	f, err := os.OpenFile(h.bucketPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := h.packBucket(b)
	_, err = f.WriteAt(buf, int64(blockNo)*int64(h.bucketSize))
	return err
}

// allocBucket hands out a bucket block, popping the free list before
// extending the file.
func (h *ExtendibleHash) allocBucket(localDepth int32) (int32, error) {
	if h.firstFree != hashFreeListNone {
		blockNo := h.firstFree
		freed, err := h.readBucket(blockNo)
		if err != nil {
			return 0, err
		}
		h.firstFree = freed.nextOverflow
		b := &hashBucket{localDepth: localDepth, nextOverflow: hashFreeListNone}
		if err := h.writeBucket(blockNo, b); err != nil {
			return 0, err
		}
		return blockNo, nil
	}

	f, err := os.OpenFile(h.bucketPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	blockNo := int32(info.Size() / int64(h.bucketSize))

	b := &hashBucket{localDepth: localDepth, nextOverflow: hashFreeListNone}
	buf := h.packBucket(b)
	if _, err := f.WriteAt(buf, int64(blockNo)*int64(h.bucketSize)); err != nil {
		return 0, err
	}
	return blockNo, nil
}

// freeBucket pushes a no-longer-referenced bucket onto the free list by
// threading its nextOverflow through the previous head. The caller is
// responsible for persisting the directory header afterwards.
func (h *ExtendibleHash) freeBucket(blockNo int32) error {
	b := &hashBucket{localDepth: 0, nextOverflow: h.firstFree}
	if err := h.writeBucket(blockNo, b); err != nil {
		return err
	}
	h.firstFree = blockNo
	return nil
}

func (h *ExtendibleHash) packBucket(b *hashBucket) []byte {
	buf := make([]byte, h.bucketSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(b.localDepth))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(b.records))) // allocated slots
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(b.records)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(b.nextOverflow))

	off := hashBucketHeaderSize
	for i := 0; i < h.Options.BlockFactor; i++ {
		if i < len(b.records) {
			copy(buf[off:off+h.recordSize], b.records[i].Pack())
		}
		off += h.recordSize
	}
	return buf
}

func (h *ExtendibleHash) unpackBucket(data []byte) *hashBucket {
	b := &hashBucket{}
	b.localDepth = int32(binary.LittleEndian.Uint32(data[0:4]))
	allocated := int32(binary.LittleEndian.Uint32(data[4:8]))
	b.nextOverflow = int32(binary.LittleEndian.Uint32(data[12:16]))

	off := hashBucketHeaderSize
	for i := int32(0); i < allocated; i++ {
		slot := data[off : off+h.recordSize]
		if !IsZero(slot) {
			b.records = append(b.records, UnpackIndexRecord(slot, h.fieldDesc))
		}
		off += h.recordSize
	}
	return b
}

// --- directory/bucket addressing ---

func (h *ExtendibleHash) digestFor(key any) uint64 {
	return digestKey([]byte(toHashBytes(key)), h.Options.HashAlgorithm)
}

func (h *ExtendibleHash) bucketIndexFor(key any) int {
	mask := uint64(1)<<uint(h.globalDepth) - 1
	return int(h.digestFor(key) & mask)
}

func toHashBytes(key any) string {
	switch v := key.(type) {
	case string:
		return v
	case int32:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(v))
		return string(buf)
	case float32:
		return toHashBytes(int32(v))
	default:
		return ""
	}
}

// readChain loads the whole bucket chain for a directory slot, head first.
func (h *ExtendibleHash) readChain(blockNo int32, tracker *PerformanceTracker) ([]int32, []*hashBucket, error) {
	var blocks []int32
	var buckets []*hashBucket
	for blockNo != hashFreeListNone {
		tracker.TrackRead()
		b, err := h.readBucket(blockNo)
		if err != nil {
			return nil, nil, err
		}
		blocks = append(blocks, blockNo)
		buckets = append(buckets, b)
		blockNo = b.nextOverflow
	}
	return blocks, buckets, nil
}

// Search returns every IndexRecord whose IndexValue equals key.
func (h *ExtendibleHash) Search(key any, tracker *PerformanceTracker) ([]*IndexRecord, error) {
	_, buckets, err := h.readChain(h.directory[h.bucketIndexFor(key)], tracker)
	if err != nil {
		return nil, err
	}
	var out []*IndexRecord
	for _, b := range buckets {
		for _, r := range b.records {
			if compareKeys(r.IndexValue, key) == 0 {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// Insert adds (key, primaryKey) to the index. An exact (key, primaryKey)
// pair already present anywhere in the chain makes the call a no-op.
// A full chain splits the bucket when its local depth is below the
// global depth, chains a bounded overflow bucket when the depths match,
// and doubles the directory once the overflow bound is exhausted.
func (h *ExtendibleHash) Insert(key any, primaryKey int32, tracker *PerformanceTracker) error {
	rec := NewIndexRecord(h.fieldDesc, key, primaryKey)

	idx := h.bucketIndexFor(key)
	blocks, buckets, err := h.readChain(h.directory[idx], tracker)
	if err != nil {
		return err
	}

	for _, b := range buckets {
		for _, r := range b.records {
			if compareKeys(r.IndexValue, key) == 0 && r.PrimaryKey == primaryKey {
				return nil
			}
		}
	}

	// First bucket with room wins: the main bucket, then any overflow
	// slot a delete has vacated, then the most recently appended tail.
	for i, b := range buckets {
		if len(b.records) < h.Options.BlockFactor {
			b.records = append(b.records, rec)
			sortIndexRecords(b.records)
			tracker.TrackWrite()
			return h.writeBucket(blocks[i], b)
		}
	}

	main := buckets[0]
	if main.localDepth < h.globalDepth {
		return h.splitBucket(idx, blocks[0], main, rec, tracker)
	}
	if len(buckets)-1 < h.Options.MaxOverflow {
		return h.addOverflow(blocks[len(blocks)-1], buckets[len(buckets)-1], rec, tracker)
	}
	return h.splitBucket(idx, blocks[0], main, rec, tracker)
}

func (h *ExtendibleHash) addOverflow(tailBlock int32, tail *hashBucket, rec *IndexRecord, tracker *PerformanceTracker) error {
	newBlock, err := h.allocBucket(tail.localDepth)
	if err != nil {
		return err
	}
	nb := &hashBucket{localDepth: tail.localDepth, nextOverflow: hashFreeListNone, records: []*IndexRecord{rec}}
	tracker.TrackWrite()
	if err := h.writeBucket(newBlock, nb); err != nil {
		return err
	}

	tail.nextOverflow = newBlock
	tracker.TrackWrite()
	if err := h.writeBucket(tailBlock, tail); err != nil {
		return err
	}
	// An alloc may have popped the free list; the header must not keep
	// pointing at a block that is now live.
	return h.saveDirectory()
}

func (h *ExtendibleHash) splitBucket(idx int, blockNo int32, b *hashBucket, rec *IndexRecord, tracker *PerformanceTracker) error {
	if b.localDepth == h.globalDepth {
		h.doubleDirectory()
	}

	newDepth := b.localDepth + 1

	all := append(append([]*IndexRecord{}, b.records...), rec)
	// Drain the overflow chain into the split set and return the drained
	// blocks to the free list.
	overflow := b.nextOverflow
	for overflow != hashFreeListNone {
		tracker.TrackRead()
		ob, err := h.readBucket(overflow)
		if err != nil {
			return err
		}
		all = append(all, ob.records...)
		next := ob.nextOverflow
		if err := h.freeBucket(overflow); err != nil {
			return err
		}
		overflow = next
	}

	newBlock, err := h.allocBucket(newDepth)
	if err != nil {
		return err
	}

	oldBucket := &hashBucket{localDepth: newDepth, nextOverflow: hashFreeListNone}
	newBucket := &hashBucket{localDepth: newDepth, nextOverflow: hashFreeListNone}

	highBit := uint64(1) << uint(b.localDepth)
	for _, r := range all {
		digest := h.digestFor(r.IndexValue)
		if digest&highBit == 0 {
			oldBucket.records = append(oldBucket.records, r)
		} else {
			newBucket.records = append(newBucket.records, r)
		}
	}
	sortIndexRecords(oldBucket.records)
	sortIndexRecords(newBucket.records)

	if err := h.writeSplitBucket(blockNo, oldBucket, tracker); err != nil {
		return err
	}
	if err := h.writeSplitBucket(newBlock, newBucket, tracker); err != nil {
		return err
	}

	for i := range h.directory {
		if h.directory[i] == blockNo && uint64(i)&highBit != 0 {
			h.directory[i] = newBlock
		}
	}
	return h.saveDirectory()
}

// writeSplitBucket writes a freshly split bucket, chaining any records
// beyond BlockFactor onto overflow buckets instead of truncating them —
// an uneven hash-bit split can leave one side with more than a block's
// worth of records.
func (h *ExtendibleHash) writeSplitBucket(blockNo int32, b *hashBucket, tracker *PerformanceTracker) error {
	head := b.records
	var rest []*IndexRecord
	if len(head) > h.Options.BlockFactor {
		head, rest = head[:h.Options.BlockFactor], head[h.Options.BlockFactor:]
	}

	var chain [][]*IndexRecord
	for len(rest) > 0 {
		chunk := rest
		if len(chunk) > h.Options.BlockFactor {
			chunk, rest = chunk[:h.Options.BlockFactor], chunk[h.Options.BlockFactor:]
		} else {
			rest = nil
		}
		chain = append(chain, chunk)
	}

	// Allocate the overflow blocks up front so the main bucket can be
	// written once with its final chain pointer.
	overflowBlocks := make([]int32, len(chain))
	for i := range chain {
		ob, err := h.allocBucket(b.localDepth)
		if err != nil {
			return err
		}
		overflowBlocks[i] = ob
	}

	next := int32(hashFreeListNone)
	for i := len(chain) - 1; i >= 0; i-- {
		tracker.TrackWrite()
		if err := h.writeBucket(overflowBlocks[i], &hashBucket{localDepth: b.localDepth, nextOverflow: next, records: chain[i]}); err != nil {
			return err
		}
		next = overflowBlocks[i]
	}

	tracker.TrackWrite()
	return h.writeBucket(blockNo, &hashBucket{localDepth: b.localDepth, nextOverflow: next, records: head})
}

func (h *ExtendibleHash) doubleDirectory() {
	old := h.directory
	h.directory = make([]int32, len(old)*2)
	copy(h.directory, old)
	copy(h.directory[len(old):], old)
	h.globalDepth++
}

// Delete removes the record matching (key, primaryKey). A main bucket
// left at or below half occupancy with overflow still chained is
// compacted by draining the overflow records back into the chain head.
// If the main bucket becomes empty it is folded into the directory's
// buddy slot, but only when that buddy currently shares the same local
// depth — a buddy that has split further is left untouched rather than
// chased further up the split tree (the documented limitation carried
// over unchanged).
func (h *ExtendibleHash) Delete(key any, primaryKey int32, tracker *PerformanceTracker) (bool, error) {
	idx := h.bucketIndexFor(key)
	blockNo := h.directory[idx]

	cur := blockNo
	for cur != hashFreeListNone {
		tracker.TrackRead()
		b, err := h.readBucket(cur)
		if err != nil {
			return false, err
		}
		for i, r := range b.records {
			if compareKeys(r.IndexValue, key) != 0 || r.PrimaryKey != primaryKey {
				continue
			}
			b.records = append(b.records[:i], b.records[i+1:]...)
			tracker.TrackWrite()
			if err := h.writeBucket(cur, b); err != nil {
				return false, err
			}
			if len(b.records) == 0 && cur != blockNo {
				h.unlinkOverflow(blockNo, cur, tracker)
			} else if cur == blockNo {
				switch {
				case len(b.records) == 0 && b.nextOverflow == hashFreeListNone:
					h.redirectEmptyBucket(idx, blockNo, b.localDepth)
				case len(b.records) <= h.minChainRecords() && b.nextOverflow != hashFreeListNone:
					if err := h.compactChain(blockNo, tracker); err != nil {
						return true, err
					}
				}
			}
			return true, nil
		}
		cur = b.nextOverflow
	}
	return false, nil
}

// compactChain drains every overflow bucket of a chain back through
// Insert — which refills the main bucket first — and frees the drained
// blocks. Run when a delete leaves the main bucket at or below half
// occupancy while overflow buckets are still chained.
func (h *ExtendibleHash) compactChain(blockNo int32, tracker *PerformanceTracker) error {
	tracker.TrackRead()
	main, err := h.readBucket(blockNo)
	if err != nil {
		return err
	}

	var drained []*IndexRecord
	overflow := main.nextOverflow
	for overflow != hashFreeListNone {
		tracker.TrackRead()
		ob, err := h.readBucket(overflow)
		if err != nil {
			return err
		}
		drained = append(drained, ob.records...)
		next := ob.nextOverflow
		if err := h.freeBucket(overflow); err != nil {
			return err
		}
		overflow = next
	}

	main.nextOverflow = hashFreeListNone
	tracker.TrackWrite()
	if err := h.writeBucket(blockNo, main); err != nil {
		return err
	}
	if err := h.saveDirectory(); err != nil {
		return err
	}

	for _, r := range drained {
		if err := h.Insert(r.IndexValue, r.PrimaryKey, tracker); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll removes every index record matching value, returning the
// primary keys that were removed. Used by the coordinator's DeleteBy
// path, which needs the affected primary keys to clean up every other
// secondary index.
func (h *ExtendibleHash) DeleteAll(value any, tracker *PerformanceTracker) ([]int32, error) {
	matches, err := h.Search(value, tracker)
	if err != nil {
		return nil, err
	}
	removed := make([]int32, 0, len(matches))
	for _, m := range matches {
		ok, err := h.Delete(value, m.PrimaryKey, tracker)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, m.PrimaryKey)
		}
	}
	return removed, nil
}

func (h *ExtendibleHash) unlinkOverflow(headBlock, target int32, tracker *PerformanceTracker) {
	prevBlock := headBlock
	prev, err := h.readBucket(prevBlock)
	if err != nil {
		return
	}
	for prev.nextOverflow != hashFreeListNone && prev.nextOverflow != target {
		prevBlock = prev.nextOverflow
		if prev, err = h.readBucket(prevBlock); err != nil {
			return
		}
	}
	if prev.nextOverflow != target {
		return
	}
	tb, err := h.readBucket(target)
	if err != nil {
		return
	}
	prev.nextOverflow = tb.nextOverflow
	tracker.TrackWrite()
	if h.writeBucket(prevBlock, prev) == nil {
		if h.freeBucket(target) == nil {
			h.saveDirectory()
		}
	}
}

// redirectEmptyBucket folds an emptied bucket into its directory buddy,
// but only when the buddy's local depth currently equals localDepth; a
// buddy that has split further is left alone.
func (h *ExtendibleHash) redirectEmptyBucket(idx int, blockNo int32, localDepth int32) {
	if localDepth == 0 {
		return
	}
	buddyBit := uint64(1) << uint(localDepth-1)
	buddyIdx := idx ^ int(buddyBit)
	if buddyIdx < 0 || buddyIdx >= len(h.directory) {
		return
	}
	buddyBlock := h.directory[buddyIdx]
	if buddyBlock == blockNo {
		return
	}
	buddy, err := h.readBucket(buddyBlock)
	if err != nil || buddy.localDepth != localDepth {
		return
	}
	buddy.localDepth = localDepth - 1
	if h.writeBucket(buddyBlock, buddy) != nil {
		return
	}
	for i := range h.directory {
		if h.directory[i] == blockNo {
			h.directory[i] = buddyBlock
		}
	}
	if h.freeBucket(blockNo) != nil {
		return
	}
	h.saveDirectory()
}

func sortIndexRecords(records []*IndexRecord) {
	for i := 1; i < len(records); i++ {
		j := i
		for j > 0 && records[j-1].PrimaryKey > records[j].PrimaryKey {
			records[j-1], records[j] = records[j], records[j-1]
			j--
		}
	}
}

// RangeSearch is unsupported: hash indexes have no key ordering.
func (h *ExtendibleHash) RangeSearch(any, any, *PerformanceTracker) ([]*IndexRecord, error) {
	return nil, ErrUnsupportedIndex
}

// WarmUp reads every bucket once to populate the OS page cache.
func (h *ExtendibleHash) WarmUp() error {
	f, err := os.Open(h.bucketPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	buf := make([]byte, h.bucketSize)
	for {
		if _, err := f.Read(buf); err != nil {
			break
		}
	}
	return nil
}

// DropIndex removes the directory and bucket files.
func (h *ExtendibleHash) DropIndex() error {
	if err := os.Remove(h.dirPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(h.bucketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
