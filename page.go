package dbcore

import (
	"encoding/binary"
)

// pageHeaderSize is the fixed (active_count int32, next_overflow_page int32)
// header prefixing every Page block.
const pageHeaderSize = 8

// Page is a fixed-size disk block holding up to BlockFactor records plus
// a small header. Used by the ISAM primary index for both main data
// pages and overflow pages — they share the same layout.
type Page struct {
	Table            *Table
	BlockFactor      int
	ActiveCount      int32
	NextOverflowPage int32 // -1 means no overflow
	Records          []*Record
}

// NewPage builds an empty page with room for blockFactor records.
func NewPage(table *Table, blockFactor int) *Page {
	return &Page{
		Table:            table,
		BlockFactor:      blockFactor,
		NextOverflowPage: -1,
		Records:          make([]*Record, 0, blockFactor),
	}
}

// PageSize returns the fixed on-disk size of a page for this table/blockFactor.
func PageSize(table *Table, blockFactor int) int {
	return pageHeaderSize + blockFactor*table.RecordSize
}

// IsFull reports whether the page already holds BlockFactor records.
func (p *Page) IsFull() bool { return len(p.Records) >= p.BlockFactor }

// Find returns the record with the given key, or nil.
func (p *Page) Find(key any) *Record {
	for _, r := range p.Records {
		if compareKeys(r.GetKey(), key) == 0 {
			return r
		}
	}
	return nil
}

// InsertSorted inserts r keeping Records ordered by key. Returns false if
// a record with the same key already exists or the page is full.
func (p *Page) InsertSorted(r *Record) bool {
	if p.IsFull() {
		return false
	}
	key := r.GetKey()
	pos := 0
	for pos < len(p.Records) {
		c := compareKeys(p.Records[pos].GetKey(), key)
		if c == 0 {
			return false
		}
		if c > 0 {
			break
		}
		pos++
	}
	p.Records = append(p.Records, nil)
	copy(p.Records[pos+1:], p.Records[pos:])
	p.Records[pos] = r
	p.ActiveCount = int32(len(p.Records))
	return true
}

// RemoveRecord deletes the record with the given key, if present.
func (p *Page) RemoveRecord(key any) bool {
	for i, r := range p.Records {
		if compareKeys(r.GetKey(), key) == 0 {
			p.Records = append(p.Records[:i], p.Records[i+1:]...)
			p.ActiveCount = int32(len(p.Records))
			return true
		}
	}
	return false
}

// CanMergeWith reports whether the combined record count of p and other
// fits within BlockFactor.
func (p *Page) CanMergeWith(other *Page) bool {
	return len(p.Records)+len(other.Records) <= p.BlockFactor
}

// MergeWith concatenates other's records into p and re-sorts by key.
func (p *Page) MergeWith(other *Page) {
	p.Records = append(p.Records, other.Records...)
	sortRecordsByKey(p.Records)
	p.ActiveCount = int32(len(p.Records))
}

func sortRecordsByKey(records []*Record) {
	for i := 1; i < len(records); i++ {
		j := i
		for j > 0 && compareKeys(records[j-1].GetKey(), records[j].GetKey()) > 0 {
			records[j-1], records[j] = records[j], records[j-1]
			j--
		}
	}
}

// Pack serialises the page to a fixed-size block: header, then
// BlockFactor record slots (unused/deleted slots are all-zero tombstones).
func (p *Page) Pack() []byte {
	buf := make([]byte, PageSize(p.Table, p.BlockFactor))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.ActiveCount))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.NextOverflowPage))

	offset := pageHeaderSize
	for i := 0; i < p.BlockFactor; i++ {
		if i < len(p.Records) {
			copy(buf[offset:offset+p.Table.RecordSize], p.Records[i].Pack())
		}
		offset += p.Table.RecordSize
	}
	return buf
}

// UnpackPage parses a fixed-size block into a Page.
func UnpackPage(data []byte, table *Table, blockFactor int) (*Page, error) {
	p := &Page{Table: table, BlockFactor: blockFactor}
	p.ActiveCount = int32(binary.LittleEndian.Uint32(data[0:4]))
	p.NextOverflowPage = int32(binary.LittleEndian.Uint32(data[4:8]))

	offset := pageHeaderSize
	for i := 0; i < blockFactor; i++ {
		slot := data[offset : offset+table.RecordSize]
		if !IsZero(slot) {
			rec, err := UnpackRecord(slot, table)
			if err != nil {
				return nil, err
			}
			p.Records = append(p.Records, rec)
		}
		offset += table.RecordSize
	}
	return p, nil
}
