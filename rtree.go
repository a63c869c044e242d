// R-tree secondary index over ARRAY (spatial coordinate) fields: a
// deliberately minimal linear-scan structure over flat
// (primary_key, bbox) records. It answers the same point, radius and
// k-nearest-neighbour queries a packed R-tree would, without the tree.
package dbcore

import (
	"encoding/binary"
	"math"
	"os"
	"runtime"
)

// RTreeIndex is a brute-force spatial secondary index: every record is a
// (primary_key, min[dimension], max[dimension]) entry in a single flat
// file, scanned in full for every query.
type RTreeIndex struct {
	Field     string
	Dimension int

	path string
	recW int // 4 (pk) + 2*dimension*4 (min/max floats)
}

type rtreeEntry struct {
	PrimaryKey int32
	Min        []float32
	Max        []float32
}

// NewRTreeIndex creates a fresh (empty) R-tree index file.
func NewRTreeIndex(field string, path string, dimension int) (*RTreeIndex, error) {
	if dimension <= 0 {
		return nil, ErrInvalidDimension
	}
	r := &RTreeIndex{Field: field, Dimension: dimension, path: path, recW: 4 + 2*dimension*4}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return r, f.Close()
}

// OpenRTreeIndex reopens an existing index file.
func OpenRTreeIndex(field string, path string, dimension int) (*RTreeIndex, error) {
	if dimension <= 0 {
		return nil, ErrInvalidDimension
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return &RTreeIndex{Field: field, Dimension: dimension, path: path, recW: 4 + 2*dimension*4}, nil
}

func (r *RTreeIndex) packEntry(e rtreeEntry) []byte {
	buf := make([]byte, r.recW)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.PrimaryKey))
	off := 4
	for i := 0; i < r.Dimension; i++ {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(e.Min[i]))
		off += 4
	}
	for i := 0; i < r.Dimension; i++ {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(e.Max[i]))
		off += 4
	}
	return buf
}

func (r *RTreeIndex) unpackEntry(buf []byte) rtreeEntry {
	e := rtreeEntry{Min: make([]float32, r.Dimension), Max: make([]float32, r.Dimension)}
	e.PrimaryKey = int32(binary.LittleEndian.Uint32(buf[0:4]))
	off := 4
	for i := 0; i < r.Dimension; i++ {
		e.Min[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	for i := 0; i < r.Dimension; i++ {
		e.Max[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	return e
}

func (r *RTreeIndex) scan(tracker *PerformanceTracker) ([]rtreeEntry, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []rtreeEntry
	buf := make([]byte, r.recW)
	for {
		n, err := f.Read(buf)
		if n < r.recW {
			break
		}
		tracker.TrackRead()
		out = append(out, r.unpackEntry(buf))
		if err != nil {
			break
		}
	}
	return out, nil
}

// Insert appends a (coords, primaryKey) entry; coords must have exactly
// Dimension elements and are stored as a degenerate (point) bounding
// box.
func (r *RTreeIndex) Insert(coords []float32, primaryKey int32, tracker *PerformanceTracker) error {
	if len(coords) != r.Dimension {
		return ErrInvalidDimension
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	e := rtreeEntry{PrimaryKey: primaryKey, Min: coords, Max: coords}
	tracker.TrackWrite()
	_, err = f.Write(r.packEntry(e))
	return err
}

// Search returns the primary keys of every entry whose bounding box
// intersects the degenerate query box at coords (exact point match in
// this minimal implementation).
func (r *RTreeIndex) Search(coords []float32, tracker *PerformanceTracker) ([]int32, error) {
	if len(coords) != r.Dimension {
		return nil, ErrInvalidDimension
	}
	entries, err := r.scan(tracker)
	if err != nil {
		return nil, err
	}
	var out []int32
	for _, e := range entries {
		if boxesIntersect(e.Min, e.Max, coords, coords) {
			out = append(out, e.PrimaryKey)
		}
	}
	return out, nil
}

// RadiusSearch returns every primary key within radius of center
// (Euclidean distance).
func (r *RTreeIndex) RadiusSearch(center []float32, radius float64, tracker *PerformanceTracker) ([]int32, error) {
	if len(center) != r.Dimension {
		return nil, ErrInvalidDimension
	}
	entries, err := r.scan(tracker)
	if err != nil {
		return nil, err
	}
	var out []int32
	for _, e := range entries {
		if euclideanDistance(center, e.Min) <= radius {
			out = append(out, e.PrimaryKey)
		}
	}
	return out, nil
}

// KNNSearch returns the k primary keys nearest to center by Euclidean
// distance, per spatial_type="knn".
func (r *RTreeIndex) KNNSearch(center []float32, k int, tracker *PerformanceTracker) ([]int32, error) {
	if len(center) != r.Dimension {
		return nil, ErrInvalidDimension
	}
	if k <= 0 {
		return nil, nil
	}
	entries, err := r.scan(tracker)
	if err != nil {
		return nil, err
	}
	type scored struct {
		pk   int32
		dist float64
	}
	scoredEntries := make([]scored, len(entries))
	for i, e := range entries {
		scoredEntries[i] = scored{e.PrimaryKey, euclideanDistance(center, e.Min)}
	}
	for i := 1; i < len(scoredEntries); i++ {
		j := i
		for j > 0 && scoredEntries[j-1].dist > scoredEntries[j].dist {
			scoredEntries[j-1], scoredEntries[j] = scoredEntries[j], scoredEntries[j-1]
			j--
		}
	}
	if k > len(scoredEntries) {
		k = len(scoredEntries)
	}
	out := make([]int32, k)
	for i := 0; i < k; i++ {
		out[i] = scoredEntries[i].pk
	}
	return out, nil
}

// Delete removes every entry matching (coords, primaryKey) when
// primaryKey is given, or every entry intersecting coords otherwise.
// Returns the primary keys actually removed.
func (r *RTreeIndex) Delete(coords []float32, primaryKey *int32, tracker *PerformanceTracker) ([]int32, error) {
	entries, err := r.scan(tracker)
	if err != nil {
		return nil, err
	}
	var kept []rtreeEntry
	var removed []int32
	for _, e := range entries {
		matches := boxesIntersect(e.Min, e.Max, coords, coords) && (primaryKey == nil || e.PrimaryKey == *primaryKey)
		if matches {
			removed = append(removed, e.PrimaryKey)
			continue
		}
		kept = append(kept, e)
	}
	if len(removed) == 0 {
		return nil, nil
	}

	tmp := r.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}
	for _, e := range kept {
		tracker.TrackWrite()
		if _, err := f.Write(r.packEntry(e)); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return nil, err
	}
	return removed, nil
}

func boxesIntersect(aMin, aMax, bMin, bMax []float32) bool {
	for i := range aMin {
		if aMax[i] < bMin[i] || bMax[i] < aMin[i] {
			return false
		}
	}
	return true
}

func euclideanDistance(a, b []float32) float64 {
	sum := 0.0
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// WarmUp reads the full entry file once to populate the OS page cache.
func (r *RTreeIndex) WarmUp() error {
	var throwaway PerformanceTracker
	_, err := r.scan(&throwaway)
	return err
}

// DropIndex removes the backing file, retrying a bounded number of
// times on a transient failure.
func (r *RTreeIndex) DropIndex() error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = os.Remove(r.path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		runtime.Gosched()
	}
	return err
}
