// Inverted-text secondary index: a TF-IDF weighted postings list with
// cosine-similarity ranking. Built in one pass over the documents (SPIMI
// style: postings first, then IDF and document-norm passes), searched by
// cosine-scoring the query vector against each candidate document.
// Tokenization is a minimal lower-case pass that splits on every rune that
// is neither a letter nor a digit; no stemming or stopword removal.
package dbcore

import (
	"math"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/goccy/go-json"
)

// InvertedTextIndex is a TF-IDF ranked postings-list secondary index
// over a single text field.
type InvertedTextIndex struct {
	Field string
	path  string

	postings   map[string][]textPosting
	idf        map[string]float64
	docNorms   map[int32]float64
	numDocs    int
}

type textPosting struct {
	PrimaryKey int32
	TermFreq   int
}

type textIndexDoc struct {
	Postings map[string][]textPosting `json:"postings"`
	IDF      map[string]float64       `json:"idf"`
	DocNorms map[int32]float64        `json:"doc_norms"`
	NumDocs  int                      `json:"num_docs"`
}

// NewInvertedTextIndex creates an empty inverted text index backed by path.
func NewInvertedTextIndex(field string, path string) (*InvertedTextIndex, error) {
	idx := &InvertedTextIndex{
		Field:    field,
		path:     path,
		postings: make(map[string][]textPosting),
		idf:      make(map[string]float64),
		docNorms: make(map[int32]float64),
	}
	return idx, idx.persist()
}

// OpenInvertedTextIndex reopens a previously built index from disk.
func OpenInvertedTextIndex(field string, path string) (*InvertedTextIndex, error) {
	idx := &InvertedTextIndex{
		Field:    field,
		path:     path,
		postings: make(map[string][]textPosting),
		idf:      make(map[string]float64),
		docNorms: make(map[int32]float64),
	}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return fields
}

// Build replaces the index contents with postings derived from docs, a
// map of primary key to raw field text. There is no incremental update
// path; re-indexing is a full rebuild.
func (idx *InvertedTextIndex) Build(docs map[int32]string, tracker *PerformanceTracker) error {
	postings := make(map[string][]textPosting)
	termDocFreq := make(map[string]int)

	for pk, text := range docs {
		tf := make(map[string]int)
		for _, term := range tokenize(text) {
			tf[term]++
		}
		for term, freq := range tf {
			postings[term] = append(postings[term], textPosting{PrimaryKey: pk, TermFreq: freq})
			termDocFreq[term]++
		}
	}

	numDocs := len(docs)
	idf := make(map[string]float64, len(termDocFreq))
	for term, df := range termDocFreq {
		if df > 0 && numDocs > 0 {
			idf[term] = math.Log(float64(numDocs) / float64(df))
		}
	}

	docVectors := make(map[int32]float64)
	for term, list := range postings {
		w := idf[term]
		for _, p := range list {
			tfidf := float64(p.TermFreq) * w
			docVectors[p.PrimaryKey] += tfidf * tfidf
		}
	}
	docNorms := make(map[int32]float64, len(docVectors))
	for pk, sumSq := range docVectors {
		docNorms[pk] = math.Sqrt(sumSq)
	}

	idx.postings = postings
	idx.idf = idf
	idx.docNorms = docNorms
	idx.numDocs = numDocs
	tracker.TrackWrite()
	return idx.persist()
}

// TextSearchResult is one scored hit from Search. The index itself only
// fills PrimaryKey and Score; the coordinator attaches the full Record
// after resolving the key against the primary index.
type TextSearchResult struct {
	PrimaryKey int32
	Score      float64
	Record     *Record
}

// Search scores every document against the cosine similarity of the
// TF-IDF-weighted query vector and returns the topK highest, or every
// scored document when topK <= 0.
func (idx *InvertedTextIndex) Search(query string, topK int, tracker *PerformanceTracker) ([]TextSearchResult, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	queryTF := make(map[string]int)
	for _, t := range terms {
		queryTF[t]++
	}
	queryVec := make(map[string]float64)
	for term, tf := range queryTF {
		if w := idx.idf[term]; w > 0 {
			queryVec[term] = float64(tf) * w
		}
	}
	if len(queryVec) == 0 {
		return nil, nil
	}

	scores := make(map[int32]float64)
	for term, qWeight := range queryVec {
		list := idx.postings[term]
		tracker.TrackRead()
		w := idx.idf[term]
		for _, p := range list {
			scores[p.PrimaryKey] += qWeight * (float64(p.TermFreq) * w)
		}
	}

	queryNormSq := 0.0
	for _, w := range queryVec {
		queryNormSq += w * w
	}
	queryNorm := math.Sqrt(queryNormSq)

	results := make([]TextSearchResult, 0, len(scores))
	for pk, raw := range scores {
		docNorm := idx.docNorms[pk]
		score := 0.0
		if queryNorm > 0 && docNorm > 0 {
			score = raw / (queryNorm * docNorm)
		}
		results = append(results, TextSearchResult{PrimaryKey: pk, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].PrimaryKey < results[j].PrimaryKey
	})
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

func (idx *InvertedTextIndex) persist() error {
	doc := textIndexDoc{
		Postings: idx.postings,
		IDF:      idx.idf,
		DocNorms: idx.docNorms,
		NumDocs:  idx.numDocs,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(idx.path, data, 0o644)
}

func (idx *InvertedTextIndex) load() error {
	data, err := os.ReadFile(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var doc textIndexDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc.Postings != nil {
		idx.postings = doc.Postings
	}
	if doc.IDF != nil {
		idx.idf = doc.IDF
	}
	if doc.DocNorms != nil {
		idx.docNorms = doc.DocNorms
	}
	idx.numDocs = doc.NumDocs
	return nil
}

// WarmUp forces the index file to be read once from disk.
func (idx *InvertedTextIndex) WarmUp() error {
	return idx.load()
}

// DropIndex removes the backing file.
func (idx *InvertedTextIndex) DropIndex() error {
	err := os.Remove(idx.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
