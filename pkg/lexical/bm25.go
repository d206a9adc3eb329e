package lexical

import (
	"math"
	"sort"
	"sync"

	"github.com/fademem/fademem/pkg/llm"
)

// BM25 provides full-text search using the BM25 scoring algorithm.
type BM25 struct {
	mu sync.RWMutex

	k1 float64
	b  float64

	// term -> set of document ids
	inverted map[string]map[string]struct{}
	// document id -> term frequencies
	termFreqs  map[string]map[string]int
	docLengths map[string]int
	scopes     map[string]string

	totalDocs int
	totalLen  int
}

// NewBM25 creates an empty index. Non-positive k1 defaults to 1.2.
func NewBM25(k1, b float64) *BM25 {
	if k1 <= 0 {
		k1 = 1.2
	}
	idx := &BM25{k1: k1, b: b}
	idx.resetLocked()
	return idx
}

func (idx *BM25) resetLocked() {
	idx.inverted = make(map[string]map[string]struct{})
	idx.termFreqs = make(map[string]map[string]int)
	idx.docLengths = make(map[string]int)
	idx.scopes = make(map[string]string)
	idx.totalDocs = 0
	idx.totalLen = 0
}

// Index adds or replaces a document.
func (idx *BM25) Index(id, scope, content string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.termFreqs[id]; exists {
		idx.removeLocked(id)
	}

	tokens := tokenize(content)
	freqs := make(map[string]int)
	for _, token := range tokens {
		freqs[token]++
	}

	idx.termFreqs[id] = freqs
	idx.docLengths[id] = len(tokens)
	idx.scopes[id] = scope
	idx.totalDocs++
	idx.totalLen += len(tokens)

	for term := range freqs {
		if idx.inverted[term] == nil {
			idx.inverted[term] = make(map[string]struct{})
		}
		idx.inverted[term][id] = struct{}{}
	}
	return nil
}

// Remove deletes a document. Unknown ids are ignored.
func (idx *BM25) Remove(id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(id)
	return nil
}

func (idx *BM25) removeLocked(id string) {
	freqs, exists := idx.termFreqs[id]
	if !exists {
		return
	}
	for term := range freqs {
		if docs, ok := idx.inverted[term]; ok {
			delete(docs, id)
			if len(docs) == 0 {
				delete(idx.inverted, term)
			}
		}
	}
	idx.totalLen -= idx.docLengths[id]
	idx.totalDocs--
	delete(idx.termFreqs, id)
	delete(idx.docLengths, id)
	delete(idx.scopes, id)
}

// Search returns the best limit matches for query, restricted to scope when it
// is non-empty.
func (idx *BM25) Search(query string, limit int, scope string) ([]Hit, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.totalDocs == 0 {
		return nil, nil
	}
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}
	avgDL := float64(idx.totalLen) / float64(idx.totalDocs)

	candidates := make(map[string]struct{})
	for _, token := range queryTokens {
		for id := range idx.inverted[token] {
			if scope != "" && idx.scopes[id] != scope {
				continue
			}
			candidates[id] = struct{}{}
		}
	}

	results := make([]Hit, 0, len(candidates))
	for id := range candidates {
		if score := idx.scoreLocked(id, queryTokens, avgDL); score > 0 {
			results = append(results, Hit{ID: id, Score: score})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}
	return results, nil
}

// Reset drops every document.
func (idx *BM25) Reset() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.resetLocked()
	return nil
}

// Len returns the number of indexed documents.
func (idx *BM25) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.totalDocs
}

// Close is a no-op.
func (idx *BM25) Close() error {
	return nil
}

// scoreLocked must be called with the read lock held.
func (idx *BM25) scoreLocked(id string, queryTokens []string, avgDL float64) float64 {
	docLen := float64(idx.docLengths[id])
	freqs := idx.termFreqs[id]
	score := 0.0
	for _, term := range queryTokens {
		tf := float64(freqs[term])
		if tf == 0 {
			continue
		}
		// IDF: log((N - n + 0.5) / (n + 0.5) + 1)
		n := float64(len(idx.inverted[term]))
		idf := math.Log((float64(idx.totalDocs)-n+0.5)/(n+0.5) + 1.0)

		numerator := tf * (idx.k1 + 1)
		denominator := tf + idx.k1*(1-idx.b+idx.b*docLen/avgDL)
		score += idf * numerator / denominator
	}
	return score
}

// tokenize folds case, normalizes and drops stop words.
func tokenize(text string) []string {
	raw := llm.Tokenize(text)
	tokens := raw[:0]
	for _, t := range raw {
		if _, stop := stopWords[t]; !stop {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

var stopWords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "is", "are", "was", "were", "be", "been", "being",
		"have", "has", "had", "do", "does", "did", "will", "would", "could",
		"should", "may", "might", "shall", "can", "to", "of", "in", "for",
		"on", "with", "at", "by", "from", "as", "into", "and", "but", "or",
		"not", "so", "if", "when", "where", "how", "what", "which", "who",
		"this", "that", "these", "those", "i", "me", "my", "we", "our", "you",
		"your", "he", "him", "his", "she", "her", "it", "its", "they", "them",
		"their",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
