// Package vectorstore is a small in-memory TF-IDF index used to recall pages
// seen earlier in a research session.
package vectorstore

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Vector is a sparse term weight map.
type Vector map[string]float64

type Match struct {
	ID    string
	Score float64
}

type document struct {
	id     string
	counts map[string]int
}

// Store keeps raw term counts per document and derives IDF and document
// vectors lazily. Any insertion marks the derived tables dirty; the next query
// rebuilds them in full before scoring.
type Store struct {
	mu    sync.Mutex
	docs  []document
	index map[string]int
	df    map[string]int

	dirty   bool
	idf     map[string]float64
	vectors []Vector
}

func New() *Store {
	return &Store{
		index: map[string]int{},
		df:    map[string]int{},
		idf:   map[string]float64{},
	}
}

// Tokenize splits text into lower-cased runs of letters and digits.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Insert adds or replaces the document stored under id. Text without any
// tokens is ignored and false is returned.
func (s *Store) Insert(id string, text string) bool {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return false
	}
	counts := make(map[string]int, len(tokens))
	for _, token := range tokens {
		counts[token]++
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pos, ok := s.index[id]; ok {
		for term := range s.docs[pos].counts {
			s.df[term]--
			if s.df[term] <= 0 {
				delete(s.df, term)
			}
		}
		s.docs[pos].counts = counts
	} else {
		s.index[id] = len(s.docs)
		s.docs = append(s.docs, document{id: id, counts: counts})
	}
	for term := range counts {
		s.df[term]++
	}
	s.dirty = true
	return true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// Query scores every document against text and returns the k best matches,
// highest score first. Equal scores keep insertion order.
func (s *Store) Query(text string, k int) []Match {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k <= 0 || len(s.docs) == 0 {
		return nil
	}
	if s.dirty {
		s.idf, s.vectors = finalize(s.docs, s.df)
		s.dirty = false
	}

	counts := map[string]int{}
	for _, token := range Tokenize(text) {
		counts[token]++
	}
	query := weigh(counts, s.idf)

	matches := make([]Match, 0, len(s.docs))
	for i, doc := range s.docs {
		matches = append(matches, Match{ID: doc.id, Score: Cosine(s.vectors[i], query)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// finalize derives the IDF table and all document vectors from scratch.
func finalize(docs []document, df map[string]int) (map[string]float64, []Vector) {
	n := float64(len(docs))
	idf := make(map[string]float64, len(df))
	for term, freq := range df {
		idf[term] = math.Log(n / float64(1+freq))
	}
	vectors := make([]Vector, len(docs))
	for i, doc := range docs {
		vectors[i] = weigh(doc.counts, idf)
	}
	return idf, vectors
}

// weigh turns term counts into count*idf weights. Terms without an IDF entry
// weigh zero.
func weigh(counts map[string]int, idf map[string]float64) Vector {
	vec := make(Vector, len(counts))
	for term, count := range counts {
		vec[term] = float64(count) * idf[term]
	}
	return vec
}

// Cosine returns the cosine similarity of a and b, or 0 when either vector is
// empty or has zero norm.
func Cosine(a, b Vector) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for term, wa := range a {
		normA += wa * wa
		if wb, ok := b[term]; ok {
			dot += wa * wb
		}
	}
	for _, wb := range b {
		normB += wb * wb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
