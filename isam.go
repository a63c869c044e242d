// ISAM primary index: a static three-level structure (root index page ->
// leaf index pages -> data pages with overflow chains) plus a free-page
// stack and an online rebuild triggered by fragmentation. The root and
// leaf index levels are both represented as indexPage blocks (see below)
// sharing one layout.
package dbcore

import (
	"encoding/binary"
	"os"
	"sort"
)

// isamEntry is one (separator_key, pointer) pair inside a root or leaf
// index page. Pointer is a leaf-index page number (root level) or a data
// page number (leaf level).
type isamEntry struct {
	Key     any
	Pointer int32
}

// indexPage is the shared layout for ISAM root and leaf index pages:
// header (count, next_page), then blockFactor (key, pointer) slots.
type indexPage struct {
	keyDesc     FieldDescriptor
	blockFactor int
	nextPage    int32
	entries     []isamEntry
}

func indexPageSize(keyDesc FieldDescriptor, blockFactor int) int {
	return 8 + blockFactor*(keyDesc.Width()+4)
}

func newIndexPage(keyDesc FieldDescriptor, blockFactor int) *indexPage {
	return &indexPage{keyDesc: keyDesc, blockFactor: blockFactor, nextPage: -1}
}

func (p *indexPage) pack() []byte {
	buf := make([]byte, indexPageSize(p.keyDesc, p.blockFactor))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(p.entries)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.nextPage))

	w := p.keyDesc.Width()
	off := 8
	for i := 0; i < p.blockFactor; i++ {
		if i < len(p.entries) {
			copy(buf[off:off+w], packField(p.keyDesc, p.entries[i].Key))
			binary.LittleEndian.PutUint32(buf[off+w:off+w+4], uint32(p.entries[i].Pointer))
		}
		off += w + 4
	}
	return buf
}

func unpackIndexPage(data []byte, keyDesc FieldDescriptor, blockFactor int) *indexPage {
	p := &indexPage{keyDesc: keyDesc, blockFactor: blockFactor}
	count := int(binary.LittleEndian.Uint32(data[0:4]))
	p.nextPage = int32(binary.LittleEndian.Uint32(data[4:8]))

	w := keyDesc.Width()
	off := 8
	for i := 0; i < count; i++ {
		key := unpackField(keyDesc, data[off:off+w])
		ptr := int32(binary.LittleEndian.Uint32(data[off+w : off+w+4]))
		p.entries = append(p.entries, isamEntry{Key: key, Pointer: ptr})
		off += w + 4
	}
	return p
}

// findEntry returns the index of the last entry whose key <= target, or
// -1 if every entry's key is greater than target.
func (p *indexPage) findEntry(target any) int {
	lo, hi := 0, len(p.entries)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if compareKeys(p.entries[mid].Key, target) <= 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// ISAM is the static three-level clustered primary index.
type ISAM struct {
	Table   *Table
	Options ISAMOptions

	dataPath      string
	rootIndexPath string
	leafIndexPath string

	keyDesc  FieldDescriptor
	freeList *isamFreeList

	rebuildFactor float64 // cumulative growth applied so far, capped by MaxRebuildFactor
}

// NewISAM builds a fresh, empty ISAM index at the given paths.
func NewISAM(table *Table, dataPath, rootIndexPath, leafIndexPath, freeListPath string, opts ISAMOptions) (*ISAM, error) {
	idx := &ISAM{
		Table:         table,
		Options:       opts,
		dataPath:      dataPath,
		rootIndexPath: rootIndexPath,
		leafIndexPath: leafIndexPath,
		keyDesc:       table.KeyDescriptor(),
		freeList:      newISAMFreeList(freeListPath),
		rebuildFactor: 1.0,
	}
	if err := idx.initEmpty(); err != nil {
		return nil, err
	}
	return idx, nil
}

// OpenISAM reopens an existing ISAM index.
func OpenISAM(table *Table, dataPath, rootIndexPath, leafIndexPath, freeListPath string, opts ISAMOptions) (*ISAM, error) {
	return &ISAM{
		Table:         table,
		Options:       opts,
		dataPath:      dataPath,
		rootIndexPath: rootIndexPath,
		leafIndexPath: leafIndexPath,
		keyDesc:       table.KeyDescriptor(),
		freeList:      newISAMFreeList(freeListPath),
		rebuildFactor: 1.0,
	}, nil
}

func (idx *ISAM) initEmpty() error {
	dataPage := NewPage(idx.Table, idx.Options.BlockFactor)
	if err := os.WriteFile(idx.dataPath, dataPage.Pack(), 0o644); err != nil {
		return err
	}

	leafPage := newIndexPage(idx.keyDesc, idx.Options.LeafIndexBlockFactor)
	leafPage.entries = []isamEntry{{Key: zeroValue(idx.keyDesc.Type), Pointer: 0}}
	if err := os.WriteFile(idx.leafIndexPath, leafPage.pack(), 0o644); err != nil {
		return err
	}

	rootPage := newIndexPage(idx.keyDesc, idx.Options.RootIndexBlockFactor)
	rootPage.entries = []isamEntry{{Key: zeroValue(idx.keyDesc.Type), Pointer: 0}}
	return os.WriteFile(idx.rootIndexPath, rootPage.pack(), 0o644)
}

// --- page I/O helpers ---

func (idx *ISAM) readDataPage(pageNum int32) (*Page, error) {
	f, err := os.Open(idx.dataPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	size := PageSize(idx.Table, idx.Options.BlockFactor)
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, int64(pageNum)*int64(size)); err != nil {
		return nil, err
	}
	return UnpackPage(buf, idx.Table, idx.Options.BlockFactor)
}

func (idx *ISAM) writeDataPage(pageNum int32, p *Page) error {
	f, err := os.OpenFile(idx.dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	size := PageSize(idx.Table, idx.Options.BlockFactor)
	_, err = f.WriteAt(p.Pack(), int64(pageNum)*int64(size))
	return err
}

func (idx *ISAM) appendDataPage(p *Page) (int32, error) {
	offset, ok, err := idx.freeList.pop()
	if err != nil {
		return 0, err
	}
	if ok {
		return offset, idx.writeDataPage(offset, p)
	}
	f, err := os.OpenFile(idx.dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := PageSize(idx.Table, idx.Options.BlockFactor)
	pageNum := int32(info.Size() / int64(size))
	if _, err := f.WriteAt(p.Pack(), int64(pageNum)*int64(size)); err != nil {
		return 0, err
	}
	return pageNum, nil
}

func (idx *ISAM) readLeafPage(pageNum int32) (*indexPage, error) {
	f, err := os.Open(idx.leafIndexPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	size := indexPageSize(idx.keyDesc, idx.Options.LeafIndexBlockFactor)
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, int64(pageNum)*int64(size)); err != nil {
		return nil, err
	}
	return unpackIndexPage(buf, idx.keyDesc, idx.Options.LeafIndexBlockFactor), nil
}

func (idx *ISAM) writeLeafPage(pageNum int32, p *indexPage) error {
	f, err := os.OpenFile(idx.leafIndexPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	size := indexPageSize(idx.keyDesc, idx.Options.LeafIndexBlockFactor)
	_, err = f.WriteAt(p.pack(), int64(pageNum)*int64(size))
	return err
}

func (idx *ISAM) appendLeafPage(p *indexPage) (int32, error) {
	f, err := os.OpenFile(idx.leafIndexPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := indexPageSize(idx.keyDesc, idx.Options.LeafIndexBlockFactor)
	pageNum := int32(info.Size() / int64(size))
	if _, err := f.WriteAt(p.pack(), int64(pageNum)*int64(size)); err != nil {
		return 0, err
	}
	return pageNum, nil
}

func (idx *ISAM) readRootPage() (*indexPage, error) {
	data, err := os.ReadFile(idx.rootIndexPath)
	if err != nil {
		return nil, err
	}
	return unpackIndexPage(data, idx.keyDesc, idx.Options.RootIndexBlockFactor), nil
}

func (idx *ISAM) writeRootPage(p *indexPage) error {
	return os.WriteFile(idx.rootIndexPath, p.pack(), 0o644)
}

// locateLeafPageNum walks the root page to find the leaf-index page
// number responsible for key.
func (idx *ISAM) locateLeafPageNum(root *indexPage, key any) int32 {
	i := root.findEntry(key)
	if i < 0 {
		i = 0
	}
	return root.entries[i].Pointer
}

// locateDataPageNum walks a leaf-index page (following nextPage if key
// falls beyond its last entry) to find the owning data page number.
func (idx *ISAM) locateDataPageNum(leafPageNum int32, key any) (int32, *indexPage, int32, error) {
	leaf, err := idx.readLeafPage(leafPageNum)
	if err != nil {
		return 0, nil, 0, err
	}
	for {
		i := leaf.findEntry(key)
		if i >= 0 && (i < len(leaf.entries)-1 || leaf.nextPage == -1) {
			return leaf.entries[i].Pointer, leaf, leafPageNum, nil
		}
		if leaf.nextPage == -1 {
			if i < 0 {
				i = 0
			}
			return leaf.entries[i].Pointer, leaf, leafPageNum, nil
		}
		next, err := idx.readLeafPage(leaf.nextPage)
		if err != nil {
			return 0, nil, 0, err
		}
		// A key below the next page's first separator belongs to this
		// page's last entry; only move on when it reaches that separator.
		if i >= 0 && (len(next.entries) == 0 || compareKeys(key, next.entries[0].Key) < 0) {
			return leaf.entries[i].Pointer, leaf, leafPageNum, nil
		}
		leafPageNum = leaf.nextPage
		leaf = next
	}
}

// Search returns the record with the given key, or nil if not present.
func (idx *ISAM) Search(key any, tracker *PerformanceTracker) (*Record, error) {
	root, err := idx.readRootPage()
	if err != nil {
		return nil, err
	}
	tracker.TrackRead()
	leafPageNum := idx.locateLeafPageNum(root, key)

	dataPageNum, _, _, err := idx.locateDataPageNum(leafPageNum, key)
	if err != nil {
		return nil, err
	}
	tracker.TrackRead()

	for dataPageNum != -1 {
		tracker.TrackRead()
		page, err := idx.readDataPage(dataPageNum)
		if err != nil {
			return nil, err
		}
		if rec := page.Find(key); rec != nil {
			return rec, nil
		}
		dataPageNum = page.NextOverflowPage
	}
	return nil, nil
}

// Insert adds a record. Returns false (no error) if the key already
// exists anywhere in the main/overflow chain.
func (idx *ISAM) Insert(record *Record, tracker *PerformanceTracker) (bool, error) {
	if existing, err := idx.Search(record.GetKey(), tracker); err != nil {
		return false, err
	} else if existing != nil {
		return false, nil
	}
	return idx.insert(record, tracker, true)
}

// insert places a known-new record. A full data page is handled by the
// lightest still-available strategy, in order: split the data page while
// the leaf index page can take the new separator; split the data page
// and the leaf index page while the root can take one; append to the
// overflow chain while it is under MaxOverflow; and finally force a
// rebuild, which regrows every index level and folds the chains, then
// retry once against the rebuilt structure.
func (idx *ISAM) insert(record *Record, tracker *PerformanceTracker, allowForcedRebuild bool) (bool, error) {
	key := record.GetKey()
	root, err := idx.readRootPage()
	if err != nil {
		return false, err
	}
	leafPageNum := idx.locateLeafPageNum(root, key)
	dataPageNum, leaf, leafNumUsed, err := idx.locateDataPageNum(leafPageNum, key)
	if err != nil {
		return false, err
	}

	page, err := idx.readDataPage(dataPageNum)
	if err != nil {
		return false, err
	}
	tracker.TrackRead()

	if page.InsertSorted(record) {
		tracker.TrackWrite()
		if err := idx.writeDataPage(dataPageNum, page); err != nil {
			return false, err
		}
		if err := idx.maybeRebuild(tracker); err != nil {
			return true, err
		}
		return true, nil
	}

	// Page full: split rather than chain while either index level can
	// absorb the new separator. splitDataPage adds it to the leaf index
	// page, splitting that too (and promoting one root separator) when
	// the leaf is full.
	if len(leaf.entries) < leaf.blockFactor || len(root.entries) < root.blockFactor {
		if err := idx.splitDataPage(leafNumUsed, leaf, dataPageNum, record, tracker); err != nil {
			return false, err
		}
		return true, idx.maybeRebuild(tracker)
	}

	// Both index levels saturated: fall back to the overflow chain,
	// reusing room in an existing bucket before appending a new one.
	cur := dataPageNum
	curPage := page
	chainLen := 0
	for curPage.NextOverflowPage != -1 {
		chainLen++
		cur = curPage.NextOverflowPage
		tracker.TrackRead()
		curPage, err = idx.readDataPage(cur)
		if err != nil {
			return false, err
		}
		if curPage.InsertSorted(record) {
			tracker.TrackWrite()
			if err := idx.writeDataPage(cur, curPage); err != nil {
				return false, err
			}
			return true, idx.maybeRebuild(tracker)
		}
	}

	if chainLen < idx.Options.MaxOverflow || !allowForcedRebuild {
		overflow := NewPage(idx.Table, idx.Options.BlockFactor)
		overflow.InsertSorted(record)
		newPageNum, err := idx.appendDataPage(overflow)
		if err != nil {
			return false, err
		}
		curPage.NextOverflowPage = newPageNum
		tracker.TrackWrite()
		if err := idx.writeDataPage(cur, curPage); err != nil {
			return false, err
		}
		return true, idx.maybeRebuild(tracker)
	}

	// Overflow cap reached with every index level full: a rebuild is the
	// one operation that regrows the leaf and root block factors, after
	// which a plain insert or data-page split succeeds.
	if err := idx.Rebuild(tracker); err != nil {
		return false, err
	}
	return idx.insert(record, tracker, false)
}

func (idx *ISAM) splitDataPage(leafPageNum int32, leaf *indexPage, dataPageNum int32, record *Record, tracker *PerformanceTracker) error {
	page, err := idx.readDataPage(dataPageNum)
	if err != nil {
		return err
	}
	all := append(append([]*Record{}, page.Records...), record)
	sortRecordsByKey(all)

	mid := len(all) / 2
	left := NewPage(idx.Table, idx.Options.BlockFactor)
	right := NewPage(idx.Table, idx.Options.BlockFactor)
	left.Records = all[:mid]
	right.Records = all[mid:]
	left.ActiveCount = int32(len(left.Records))
	right.ActiveCount = int32(len(right.Records))
	// A chain can only hang off this page while both index levels are
	// saturated, in which case the chain path handles the insert instead
	// of a split; still, never let a split orphan one.
	left.NextOverflowPage = page.NextOverflowPage

	tracker.TrackWrite()
	if err := idx.writeDataPage(dataPageNum, left); err != nil {
		return err
	}
	newDataPageNum, err := idx.appendDataPage(right)
	if err != nil {
		return err
	}

	newEntry := isamEntry{Key: right.Records[0].GetKey(), Pointer: newDataPageNum}
	if len(leaf.entries) < leaf.blockFactor {
		leaf.entries = insertEntrySorted(leaf.entries, newEntry)
		tracker.TrackWrite()
		return idx.writeLeafPage(leafPageNum, leaf)
	}

	// Leaf index page is full: split it too, possibly adding a root entry.
	return idx.splitLeafPage(leafPageNum, leaf, newEntry, tracker)
}

func (idx *ISAM) splitLeafPage(leafPageNum int32, leaf *indexPage, newEntry isamEntry, tracker *PerformanceTracker) error {
	all := insertEntrySorted(append([]isamEntry{}, leaf.entries...), newEntry)
	mid := len(all) / 2

	leaf.entries = all[:mid]
	right := newIndexPage(idx.keyDesc, idx.Options.LeafIndexBlockFactor)
	right.entries = all[mid:]
	right.nextPage = leaf.nextPage

	newLeafPageNum, err := idx.appendLeafPage(right)
	if err != nil {
		return err
	}
	leaf.nextPage = newLeafPageNum
	tracker.TrackWrite()
	if err := idx.writeLeafPage(leafPageNum, leaf); err != nil {
		return err
	}

	root, err := idx.readRootPage()
	if err != nil {
		return err
	}
	rootEntry := isamEntry{Key: right.entries[0].Key, Pointer: newLeafPageNum}
	root.entries = insertEntrySorted(root.entries, rootEntry)
	tracker.TrackWrite()
	return idx.writeRootPage(root)
}

func insertEntrySorted(entries []isamEntry, e isamEntry) []isamEntry {
	pos := sort.Search(len(entries), func(i int) bool {
		return compareKeys(entries[i].Key, e.Key) > 0
	})
	entries = append(entries, isamEntry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = e
	return entries
}

// Delete tombstones the record with the given key. Returns false if not found.
func (idx *ISAM) Delete(key any, tracker *PerformanceTracker) (bool, error) {
	root, err := idx.readRootPage()
	if err != nil {
		return false, err
	}
	leafPageNum := idx.locateLeafPageNum(root, key)
	dataPageNum, _, _, err := idx.locateDataPageNum(leafPageNum, key)
	if err != nil {
		return false, err
	}

	var prevNum int32 = -1
	cur := dataPageNum
	for cur != -1 {
		tracker.TrackRead()
		page, err := idx.readDataPage(cur)
		if err != nil {
			return false, err
		}
		if page.RemoveRecord(key) {
			tracker.TrackWrite()
			if err := idx.writeDataPage(cur, page); err != nil {
				return false, err
			}
			if len(page.Records) == 0 && prevNum != -1 {
				prev, err := idx.readDataPage(prevNum)
				if err == nil {
					prev.NextOverflowPage = page.NextOverflowPage
					tracker.TrackWrite()
					idx.writeDataPage(prevNum, prev)
					idx.freeList.push(cur)
				}
			} else if len(page.Records) < idx.Options.ConsolidationThreshold && page.NextOverflowPage != -1 {
				idx.consolidate(cur, page, tracker)
			}
			return true, idx.maybeRebuild(tracker)
		}
		prevNum = cur
		cur = page.NextOverflowPage
	}
	return false, nil
}

func (idx *ISAM) consolidate(pageNum int32, page *Page, tracker *PerformanceTracker) {
	if page.NextOverflowPage == -1 {
		return
	}
	next, err := idx.readDataPage(page.NextOverflowPage)
	if err != nil {
		return
	}
	if !page.CanMergeWith(next) {
		return
	}
	freedPage := page.NextOverflowPage
	page.MergeWith(next)
	page.NextOverflowPage = next.NextOverflowPage
	tracker.TrackWrite()
	idx.writeDataPage(pageNum, page)
	// Clear the freed page: ScanAll reads every page in file order and
	// would otherwise return the merged records a second time.
	tracker.TrackWrite()
	idx.writeDataPage(freedPage, NewPage(idx.Table, idx.Options.BlockFactor))
	idx.freeList.push(freedPage)
}

// RangeSearch returns every record with key in [lo, hi], sorted by key.
func (idx *ISAM) RangeSearch(lo, hi any, tracker *PerformanceTracker) ([]*Record, error) {
	root, err := idx.readRootPage()
	if err != nil {
		return nil, err
	}
	leafPageNum := idx.locateLeafPageNum(root, lo)

	var out []*Record
	visited := map[int32]bool{}
	for leafPageNum != -1 {
		tracker.TrackRead()
		leaf, err := idx.readLeafPage(leafPageNum)
		if err != nil {
			return nil, err
		}
		for _, e := range leaf.entries {
			if visited[e.Pointer] {
				continue
			}
			visited[e.Pointer] = true
			dataPageNum := e.Pointer
			for dataPageNum != -1 {
				tracker.TrackRead()
				page, err := idx.readDataPage(dataPageNum)
				if err != nil {
					return nil, err
				}
				for _, r := range page.Records {
					k := r.GetKey()
					if compareKeys(k, lo) >= 0 && compareKeys(k, hi) <= 0 {
						out = append(out, r)
					}
				}
				dataPageNum = page.NextOverflowPage
			}
		}
		if len(leaf.entries) > 0 && compareKeys(leaf.entries[len(leaf.entries)-1].Key, hi) > 0 {
			break
		}
		leafPageNum = leaf.nextPage
	}
	sort.Slice(out, func(i, j int) bool { return compareKeys(out[i].GetKey(), out[j].GetKey()) < 0 })
	return out, nil
}

// ScanAll iterates every active record in file order.
func (idx *ISAM) ScanAll(tracker *PerformanceTracker) ([]*Record, error) {
	f, err := os.Open(idx.dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	size := PageSize(idx.Table, idx.Options.BlockFactor)
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	numPages := info.Size() / int64(size)

	var out []*Record
	buf := make([]byte, size)
	for p := int64(0); p < numPages; p++ {
		if _, err := f.ReadAt(buf, p*int64(size)); err != nil {
			return nil, err
		}
		tracker.TrackRead()
		page, err := UnpackPage(buf, idx.Table, idx.Options.BlockFactor)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
	}
	return out, nil
}

// shouldRebuild reports whether the free-page ratio exceeds 0.40 or the
// mean overflow-chain length exceeds 4.0.
func (idx *ISAM) shouldRebuild() (bool, error) {
	f, err := os.Open(idx.dataPath)
	if err != nil {
		return false, err
	}
	defer f.Close()
	size := PageSize(idx.Table, idx.Options.BlockFactor)
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	totalPages := info.Size() / int64(size)
	if totalPages == 0 {
		return false, nil
	}

	freeLen, err := idx.freeList.len()
	if err != nil {
		return false, err
	}
	freeRatio := float64(freeLen) / float64(totalPages)

	var chainCount, chainTotal int
	buf := make([]byte, size)
	for p := int64(0); p < totalPages; p++ {
		if _, err := f.ReadAt(buf, p*int64(size)); err != nil {
			return false, err
		}
		page, err := UnpackPage(buf, idx.Table, idx.Options.BlockFactor)
		if err != nil {
			return false, err
		}
		if page.NextOverflowPage != -1 {
			chainCount++
			length := 1
			next := page.NextOverflowPage
			for next != -1 {
				np, err := idx.readDataPage(next)
				if err != nil {
					break
				}
				length++
				next = np.NextOverflowPage
			}
			chainTotal += length
		}
	}
	avgChain := 0.0
	if chainCount > 0 {
		avgChain = float64(chainTotal) / float64(chainCount)
	}
	return freeRatio > 0.40 || avgChain > 4.0, nil
}

func (idx *ISAM) maybeRebuild(tracker *PerformanceTracker) error {
	should, err := idx.shouldRebuild()
	if err != nil || !should {
		return err
	}
	return idx.Rebuild(tracker)
}

// growBlockFactor applies this rebuild's incremental growth ratio to a
// block factor, floored at 1.
func growBlockFactor(factor int, growth float64) int {
	grown := int(float64(factor) * growth)
	if grown < 1 {
		grown = 1
	}
	return grown
}

// Rebuild rewrites main + leaf-index + root-index from scratch, growing
// block factors by RebuildGrowthFactor each time, capped cumulatively at
// MaxRebuildFactor: once the cap is hit, growth simply stops.
func (idx *ISAM) Rebuild(tracker *PerformanceTracker) error {
	tracker.TrackRebuild()
	records, err := idx.ScanAll(tracker)
	if err != nil {
		return err
	}
	sortRecordsByKey(records)

	backupBeforeRebuild(idx.dataPath)

	nextFactor := idx.rebuildFactor * idx.Options.RebuildGrowthFactor
	if nextFactor > idx.Options.MaxRebuildFactor {
		nextFactor = idx.Options.MaxRebuildFactor
	}
	growth := nextFactor / idx.rebuildFactor
	idx.rebuildFactor = nextFactor

	idx.Options.BlockFactor = growBlockFactor(idx.Options.BlockFactor, growth)
	idx.Options.RootIndexBlockFactor = growBlockFactor(idx.Options.RootIndexBlockFactor, growth)
	idx.Options.LeafIndexBlockFactor = growBlockFactor(idx.Options.LeafIndexBlockFactor, growth)

	if err := os.Remove(idx.dataPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(idx.leafIndexPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(idx.rootIndexPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := idx.initEmpty(); err != nil {
		return err
	}
	if err := idx.freeList.truncate(); err != nil {
		return err
	}

	for _, r := range records {
		if _, err := idx.bulkInsert(r, tracker); err != nil {
			return err
		}
	}
	return nil
}

// bulkInsert is Insert without the duplicate pre-check (records are
// already known-unique and sorted during a rebuild).
func (idx *ISAM) bulkInsert(record *Record, tracker *PerformanceTracker) (bool, error) {
	root, err := idx.readRootPage()
	if err != nil {
		return false, err
	}
	key := record.GetKey()
	leafPageNum := idx.locateLeafPageNum(root, key)
	dataPageNum, leaf, leafNumUsed, err := idx.locateDataPageNum(leafPageNum, key)
	if err != nil {
		return false, err
	}
	page, err := idx.readDataPage(dataPageNum)
	if err != nil {
		return false, err
	}
	if page.InsertSorted(record) {
		return true, idx.writeDataPage(dataPageNum, page)
	}
	return true, idx.splitDataPage(leafNumUsed, leaf, dataPageNum, record, tracker)
}

// WarmUp pre-reads the root and leaf-index pages into the OS cache.
func (idx *ISAM) WarmUp() error {
	if _, err := os.ReadFile(idx.rootIndexPath); err != nil {
		return err
	}
	if _, err := os.ReadFile(idx.leafIndexPath); err != nil {
		return err
	}
	return nil
}

// DropIndex removes every file owned by this ISAM instance.
func (idx *ISAM) DropIndex() error {
	for _, p := range []string{idx.dataPath, idx.rootIndexPath, idx.leafIndexPath, idx.freeList.path, idx.dataPath + ".prev.zst"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
