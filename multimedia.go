// Multimedia secondary indexes. Feature extraction (SIFT, MFCC and the
// like) and codebook construction are the caller's problem: a caller
// already holds a fixed-length float feature vector (or a pre-quantized
// bag-of-visual-words histogram) per primary key, and these indexes
// store and search over those vectors only.
package dbcore

import (
	"os"
	"sort"

	"github.com/goccy/go-json"
)

// MultimediaSequentialIndex stores one fixed-length feature vector per
// primary key and answers nearest-neighbour queries with a full linear
// scan.
type MultimediaSequentialIndex struct {
	Field     string
	Dimension int
	path      string

	vectors map[int32][]float32
}

type mmSeqDoc struct {
	Dimension int                 `json:"dimension"`
	Vectors   map[int32][]float32 `json:"vectors"`
}

// NewMultimediaSequentialIndex creates a fresh, empty index.
func NewMultimediaSequentialIndex(field, path string, dimension int) (*MultimediaSequentialIndex, error) {
	if dimension <= 0 {
		return nil, ErrInvalidDimension
	}
	idx := &MultimediaSequentialIndex{Field: field, Dimension: dimension, path: path, vectors: make(map[int32][]float32)}
	return idx, idx.persist()
}

// OpenMultimediaSequentialIndex reopens a previously built index.
func OpenMultimediaSequentialIndex(field, path string, dimension int) (*MultimediaSequentialIndex, error) {
	idx := &MultimediaSequentialIndex{Field: field, Dimension: dimension, path: path, vectors: make(map[int32][]float32)}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Insert stores or replaces the feature vector for primaryKey.
func (idx *MultimediaSequentialIndex) Insert(primaryKey int32, vector []float32, tracker *PerformanceTracker) error {
	if len(vector) != idx.Dimension {
		return ErrInvalidDimension
	}
	idx.vectors[primaryKey] = vector
	tracker.TrackWrite()
	return idx.persist()
}

// Delete removes the feature vector stored for primaryKey.
func (idx *MultimediaSequentialIndex) Delete(primaryKey int32, tracker *PerformanceTracker) (bool, error) {
	if _, ok := idx.vectors[primaryKey]; !ok {
		return false, nil
	}
	delete(idx.vectors, primaryKey)
	tracker.TrackWrite()
	return true, idx.persist()
}

// MediaSearchResult is one scored hit from a multimedia nearest-neighbour search.
type MediaSearchResult struct {
	PrimaryKey int32
	Distance   float64
}

// Search returns the topK primary keys whose stored vector is closest
// to query by Euclidean distance, scanning every stored vector.
func (idx *MultimediaSequentialIndex) Search(query []float32, topK int, tracker *PerformanceTracker) ([]MediaSearchResult, error) {
	if len(query) != idx.Dimension {
		return nil, ErrInvalidDimension
	}
	results := make([]MediaSearchResult, 0, len(idx.vectors))
	for pk, vec := range idx.vectors {
		tracker.TrackRead()
		results = append(results, MediaSearchResult{PrimaryKey: pk, Distance: euclideanDistance(query, vec)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].PrimaryKey < results[j].PrimaryKey
	})
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

func (idx *MultimediaSequentialIndex) persist() error {
	doc := mmSeqDoc{Dimension: idx.Dimension, Vectors: idx.vectors}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(idx.path, data, 0o644)
}

func (idx *MultimediaSequentialIndex) load() error {
	data, err := os.ReadFile(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var doc mmSeqDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc.Dimension > 0 {
		idx.Dimension = doc.Dimension
	}
	if doc.Vectors != nil {
		idx.vectors = doc.Vectors
	}
	return nil
}

// WarmUp forces the index file to be re-read once.
func (idx *MultimediaSequentialIndex) WarmUp() error { return idx.load() }

// DropIndex removes the backing file.
func (idx *MultimediaSequentialIndex) DropIndex() error {
	err := os.Remove(idx.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// MultimediaInvertedIndex quantizes each feature vector against a
// caller-supplied codebook (cluster centroids) by assigning it to its
// nearest centroid's bucket, then stores postings per bucket. KMeans codebook
// construction belongs to the feature-extraction layer this index
// deliberately stops short of.
type MultimediaInvertedIndex struct {
	Field     string
	Dimension int
	Codebook  [][]float32 // cluster centroids, len == number of buckets
	path      string

	postings map[int][]int32 // bucket -> primary keys
}

type mmInvDoc struct {
	Dimension int             `json:"dimension"`
	Codebook  [][]float32     `json:"codebook"`
	Postings  map[int][]int32 `json:"postings"`
}

// NewMultimediaInvertedIndex creates a fresh index with a fixed codebook.
func NewMultimediaInvertedIndex(field, path string, dimension int, codebook [][]float32) (*MultimediaInvertedIndex, error) {
	if dimension <= 0 || len(codebook) == 0 {
		return nil, ErrInvalidDimension
	}
	idx := &MultimediaInvertedIndex{
		Field: field, Dimension: dimension, Codebook: codebook, path: path,
		postings: make(map[int][]int32),
	}
	return idx, idx.persist()
}

// OpenMultimediaInvertedIndex reopens a previously built index.
func OpenMultimediaInvertedIndex(field, path string, dimension int) (*MultimediaInvertedIndex, error) {
	idx := &MultimediaInvertedIndex{Field: field, Dimension: dimension, path: path, postings: make(map[int][]int32)}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *MultimediaInvertedIndex) closestBucket(vector []float32) int {
	best, bestDist := 0, math64Max
	for i, centroid := range idx.Codebook {
		d := euclideanDistance(vector, centroid)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

const math64Max = 1.7976931348623157e+308

// Insert quantizes vector against the codebook and appends primaryKey to
// that bucket's postings list.
func (idx *MultimediaInvertedIndex) Insert(primaryKey int32, vector []float32, tracker *PerformanceTracker) error {
	if len(vector) != idx.Dimension {
		return ErrInvalidDimension
	}
	bucket := idx.closestBucket(vector)
	idx.postings[bucket] = append(idx.postings[bucket], primaryKey)
	tracker.TrackWrite()
	return idx.persist()
}

// Delete removes primaryKey from the bucket matching vector.
func (idx *MultimediaInvertedIndex) Delete(primaryKey int32, vector []float32, tracker *PerformanceTracker) (bool, error) {
	if len(vector) != idx.Dimension {
		return false, ErrInvalidDimension
	}
	bucket := idx.closestBucket(vector)
	list := idx.postings[bucket]
	for i, pk := range list {
		if pk == primaryKey {
			idx.postings[bucket] = append(list[:i], list[i+1:]...)
			tracker.TrackWrite()
			return true, idx.persist()
		}
	}
	return false, nil
}

// Search quantizes query against the codebook and returns every primary
// key sharing its bucket. Other buckets are not consulted, so an empty
// bucket gives an empty result.
func (idx *MultimediaInvertedIndex) Search(query []float32, tracker *PerformanceTracker) ([]int32, error) {
	if len(query) != idx.Dimension {
		return nil, ErrInvalidDimension
	}
	tracker.TrackRead()
	bucket := idx.closestBucket(query)
	return idx.postings[bucket], nil
}

func (idx *MultimediaInvertedIndex) persist() error {
	doc := mmInvDoc{Dimension: idx.Dimension, Codebook: idx.Codebook, Postings: idx.postings}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(idx.path, data, 0o644)
}

func (idx *MultimediaInvertedIndex) load() error {
	data, err := os.ReadFile(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var doc mmInvDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc.Dimension > 0 {
		idx.Dimension = doc.Dimension
	}
	if doc.Codebook != nil {
		idx.Codebook = doc.Codebook
	}
	if doc.Postings != nil {
		idx.postings = doc.Postings
	}
	return nil
}

// WarmUp forces the index file to be re-read once.
func (idx *MultimediaInvertedIndex) WarmUp() error { return idx.load() }

// DropIndex removes the backing file.
func (idx *MultimediaInvertedIndex) DropIndex() error {
	err := os.Remove(idx.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
