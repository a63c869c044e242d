// Sequential File primary index: a sorted main file plus a small unsorted
// auxiliary file absorbing new inserts, periodically folded back into the
// main file by a full rebuild. The extra "active" BOOL field the layout
// needs is appended by the caller via NewTable's extra fields at
// table-creation time; this file assumes it is already present.
package dbcore

import (
	"math/bits"
	"os"
)

const sequentialActiveField = "active"

// SequentialFile is the Sequential File primary index: binary search
// over a sorted main file, linear scan over an unsorted auxiliary file,
// folded together on rebuild.
type SequentialFile struct {
	Table   *Table
	Options SequentialFileOptions

	mainPath string
	auxPath  string

	k             int
	deletedCount  int
	totalRecords  int
}

// NewSequentialFile creates (or reopens) a Sequential File primary index.
// The table must already carry an "active" BOOL field.
func NewSequentialFile(table *Table, mainPath, auxPath string, opts SequentialFileOptions) (*SequentialFile, error) {
	if _, ok := table.Field(sequentialActiveField); !ok {
		return nil, ErrFieldNotFound
	}

	sf := &SequentialFile{
		Table:    table,
		Options:  opts,
		mainPath: mainPath,
		auxPath:  auxPath,
		k:        opts.InitialK,
	}

	for _, p := range []string{mainPath, auxPath} {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			f, err := os.Create(p)
			if err != nil {
				return nil, err
			}
			f.Close()
		}
	}

	total, err := sf.fileRecordCount(mainPath)
	if err != nil {
		return nil, err
	}
	auxTotal, err := sf.fileRecordCount(auxPath)
	if err != nil {
		return nil, err
	}
	sf.totalRecords = total + auxTotal
	return sf, nil
}

func (sf *SequentialFile) fileRecordCount(path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return int(info.Size()) / sf.Table.RecordSize, nil
}

// updateK recomputes k = max(1, floor(log2(total_records))).
func (sf *SequentialFile) updateK() {
	if sf.totalRecords > 0 {
		sf.k = max(1, bits.Len(uint(sf.totalRecords))-1)
	}
}

// Search binary-searches the main file, falling back to a linear scan of
// the auxiliary file. Tombstoned hits are skipped; returns nil (no error)
// if neither file holds an active record for key.
func (sf *SequentialFile) Search(key any, tracker *PerformanceTracker) (*Record, error) {
	mainCount, err := sf.fileRecordCount(sf.mainPath)
	if err != nil {
		return nil, err
	}
	if mainCount > 0 {
		f, err := os.Open(sf.mainPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		left, right := 0, mainCount-1
		buf := make([]byte, sf.Table.RecordSize)
	mainSearch:
		for left <= right {
			mid := (left + right) / 2
			if _, err := f.ReadAt(buf, int64(mid)*int64(sf.Table.RecordSize)); err != nil {
				break
			}
			tracker.TrackRead()
			rec, err := UnpackRecord(buf, sf.Table)
			if err != nil {
				return nil, err
			}
			c := compareKeys(rec.GetKey(), key)
			switch {
			case c == 0:
				if rec.Get(sequentialActiveField).(bool) {
					return rec, nil
				}
				// A tombstoned main copy may have been re-inserted into aux.
				break mainSearch
			case c < 0:
				left = mid + 1
			default:
				right = mid - 1
			}
		}
	}

	rec, err := sf.scanAuxFor(key, tracker)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (sf *SequentialFile) scanAuxFor(key any, tracker *PerformanceTracker) (*Record, error) {
	f, err := os.Open(sf.auxPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, sf.Table.RecordSize)
	for {
		n, err := f.Read(buf)
		if n < sf.Table.RecordSize {
			break
		}
		if err != nil {
			break
		}
		tracker.TrackRead()
		rec, uerr := UnpackRecord(buf, sf.Table)
		if uerr != nil {
			return nil, uerr
		}
		// Tombstoned copies are skipped: the key may be re-inserted later in the file.
		if compareKeys(rec.GetKey(), key) == 0 && rec.Get(sequentialActiveField).(bool) {
			return rec, nil
		}
	}
	return nil, nil
}

// Insert appends record to the auxiliary file, rebuilding if the
// auxiliary file's record count exceeds k. Returns false (no error) if
// the key already exists and is active.
func (sf *SequentialFile) Insert(record *Record, tracker *PerformanceTracker) (bool, error) {
	existing, err := sf.Search(record.GetKey(), tracker)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	record.Set(sequentialActiveField, true)
	f, err := os.OpenFile(sf.auxPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return false, err
	}
	_, werr := f.Write(record.Pack())
	f.Close()
	if werr != nil {
		return false, werr
	}
	tracker.TrackWrite()
	sf.totalRecords++

	auxCount, err := sf.fileRecordCount(sf.auxPath)
	if err != nil {
		return true, err
	}
	if auxCount > sf.k {
		if err := sf.Rebuild(tracker); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Delete tombstones a record in place (main or auxiliary file) by
// flipping its "active" field to false. Rebuilds once the tombstone
// fraction exceeds 10% of total_records.
func (sf *SequentialFile) Delete(key any, tracker *PerformanceTracker) (bool, error) {
	mainCount, err := sf.fileRecordCount(sf.mainPath)
	if err != nil {
		return false, err
	}
	if mainCount > 0 {
		deleted, err := sf.deleteInFile(sf.mainPath, mainCount, key, tracker)
		if err != nil {
			return false, err
		}
		if deleted {
			return true, sf.afterDelete(tracker)
		}
	}

	auxCount, err := sf.fileRecordCount(sf.auxPath)
	if err != nil {
		return false, err
	}
	if auxCount > 0 {
		deleted, err := sf.deleteInFile(sf.auxPath, auxCount, key, tracker)
		if err != nil {
			return false, err
		}
		if deleted {
			return true, sf.afterDelete(tracker)
		}
	}
	return false, nil
}

func (sf *SequentialFile) afterDelete(tracker *PerformanceTracker) error {
	sf.deletedCount++
	if sf.totalRecords > 0 && float64(sf.deletedCount) > float64(sf.totalRecords)*0.1 {
		return sf.Rebuild(tracker)
	}
	return nil
}

// deleteInFile finds key's active record in path and flips its active
// flag: by binary search in the sorted main file, by a linear scan that
// skips tombstoned copies in the auxiliary file.
func (sf *SequentialFile) deleteInFile(path string, count int, key any, tracker *PerformanceTracker) (bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, sf.Table.RecordSize)
	found := func(idx int, rec *Record) (bool, error) {
		if !rec.Get(sequentialActiveField).(bool) {
			return false, nil
		}
		rec.Set(sequentialActiveField, false)
		if _, err := f.WriteAt(rec.Pack(), int64(idx)*int64(sf.Table.RecordSize)); err != nil {
			return false, err
		}
		tracker.TrackWrite()
		return true, nil
	}

	if path == sf.mainPath {
		left, right := 0, count-1
		for left <= right {
			mid := (left + right) / 2
			if _, err := f.ReadAt(buf, int64(mid)*int64(sf.Table.RecordSize)); err != nil {
				break
			}
			tracker.TrackRead()
			rec, err := UnpackRecord(buf, sf.Table)
			if err != nil {
				return false, err
			}
			c := compareKeys(rec.GetKey(), key)
			switch {
			case c == 0:
				return found(mid, rec)
			case c < 0:
				left = mid + 1
			default:
				right = mid - 1
			}
		}
		return false, nil
	}

	for i := 0; i < count; i++ {
		if _, err := f.ReadAt(buf, int64(i)*int64(sf.Table.RecordSize)); err != nil {
			break
		}
		tracker.TrackRead()
		rec, err := UnpackRecord(buf, sf.Table)
		if err != nil {
			return false, err
		}
		if compareKeys(rec.GetKey(), key) == 0 && rec.Get(sequentialActiveField).(bool) {
			return found(i, rec)
		}
	}
	return false, nil
}

// RangeSearch returns every active record with key in [lo, hi], merged
// from both files and sorted ascending.
func (sf *SequentialFile) RangeSearch(lo, hi any, tracker *PerformanceTracker) ([]*Record, error) {
	var results []*Record

	mainCount, err := sf.fileRecordCount(sf.mainPath)
	if err != nil {
		return nil, err
	}
	if mainCount > 0 {
		f, err := os.Open(sf.mainPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		startPos := 0
		buf := make([]byte, sf.Table.RecordSize)
		left, right := 0, mainCount-1
		for left <= right {
			mid := (left + right) / 2
			if _, err := f.ReadAt(buf, int64(mid)*int64(sf.Table.RecordSize)); err != nil {
				break
			}
			rec, err := UnpackRecord(buf, sf.Table)
			if err != nil {
				return nil, err
			}
			if compareKeys(rec.GetKey(), lo) >= 0 {
				startPos = mid
				right = mid - 1
			} else {
				left = mid + 1
			}
		}

		for i := startPos; i < mainCount; i++ {
			if _, err := f.ReadAt(buf, int64(i)*int64(sf.Table.RecordSize)); err != nil {
				break
			}
			tracker.TrackRead()
			rec, err := UnpackRecord(buf, sf.Table)
			if err != nil {
				return nil, err
			}
			if compareKeys(rec.GetKey(), hi) > 0 {
				break
			}
			if rec.Get(sequentialActiveField).(bool) && compareKeys(rec.GetKey(), lo) >= 0 {
				results = append(results, rec)
			}
		}
	}

	auxRecords, err := sf.scanFile(sf.auxPath, tracker)
	if err != nil {
		return nil, err
	}
	for _, rec := range auxRecords {
		if rec.Get(sequentialActiveField).(bool) && compareKeys(rec.GetKey(), lo) >= 0 && compareKeys(rec.GetKey(), hi) <= 0 {
			results = append(results, rec)
		}
	}

	sortRecordsByKey(results)
	return results, nil
}

// ScanAll returns every active record across both files, unsorted across
// the main/auxiliary boundary but sorted within the main file.
func (sf *SequentialFile) ScanAll(tracker *PerformanceTracker) ([]*Record, error) {
	var out []*Record
	mainRecords, err := sf.scanFile(sf.mainPath, tracker)
	if err != nil {
		return nil, err
	}
	for _, r := range mainRecords {
		if r.Get(sequentialActiveField).(bool) {
			out = append(out, r)
		}
	}
	auxRecords, err := sf.scanFile(sf.auxPath, tracker)
	if err != nil {
		return nil, err
	}
	for _, r := range auxRecords {
		if r.Get(sequentialActiveField).(bool) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (sf *SequentialFile) scanFile(path string, tracker *PerformanceTracker) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []*Record
	buf := make([]byte, sf.Table.RecordSize)
	for {
		n, err := f.Read(buf)
		if n < sf.Table.RecordSize {
			break
		}
		tracker.TrackRead()
		rec, uerr := UnpackRecord(buf, sf.Table)
		if uerr != nil {
			return nil, uerr
		}
		out = append(out, rec)
		if err != nil {
			break
		}
	}
	return out, nil
}

// Rebuild folds every active record from both files into a freshly
// sorted main file, empties the auxiliary file, and recomputes k.
func (sf *SequentialFile) Rebuild(tracker *PerformanceTracker) error {
	tracker.TrackRebuild()
	records, err := sf.ScanAll(tracker)
	if err != nil {
		return err
	}
	sortRecordsByKey(records)

	backupBeforeRebuild(sf.mainPath)

	tmp := sf.mainPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	for _, r := range records {
		tracker.TrackWrite()
		if _, err := f.Write(r.Pack()); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, sf.mainPath); err != nil {
		return err
	}

	af, err := os.Create(sf.auxPath)
	if err != nil {
		return err
	}
	af.Close()

	sf.deletedCount = 0
	sf.totalRecords = len(records)
	sf.updateK()
	return nil
}

// WarmUp pre-reads both files' sizes to warm the OS page cache.
func (sf *SequentialFile) WarmUp() error {
	if _, err := sf.fileRecordCount(sf.mainPath); err != nil {
		return err
	}
	_, err := sf.fileRecordCount(sf.auxPath)
	return err
}

// DropIndex removes both backing files.
func (sf *SequentialFile) DropIndex() error {
	for _, p := range []string{sf.mainPath, sf.auxPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
