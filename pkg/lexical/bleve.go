package lexical

import (
	"fmt"
	"os"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

type bleveDoc struct {
	Content string `json:"content"`
	Scope   string `json:"scope"`
}

// Bleve is an Index backed by a bleve full-text index. With an empty path the
// index lives in memory.
type Bleve struct {
	mu    sync.RWMutex
	path  string
	index bleve.Index
}

// NewBleve opens the index at path, creating it when missing.
func NewBleve(path string) (*Bleve, error) {
	idx, err := openBleve(path)
	if err != nil {
		return nil, err
	}
	return &Bleve{path: path, index: idx}, nil
}

func openBleve(path string) (bleve.Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(buildMapping())
		if err != nil {
			return nil, fmt.Errorf("lexical: create bleve index: %w", err)
		}
		return idx, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		idx, err := bleve.New(path, buildMapping())
		if err != nil {
			return nil, fmt.Errorf("lexical: create bleve index: %w", err)
		}
		return idx, nil
	}
	idx, err := bleve.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lexical: open bleve index: %w", err)
	}
	return idx, nil
}

func buildMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	doc.AddFieldMappingsAt("content", text)
	doc.AddFieldMappingsAt("scope", bleve.NewKeywordFieldMapping())

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// Index adds or replaces a document.
func (b *Bleve) Index(id, scope, content string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.index.Index(id, bleveDoc{Content: content, Scope: scope}); err != nil {
		return fmt.Errorf("lexical: index %s: %w", id, err)
	}
	return nil
}

// Remove deletes a document.
func (b *Bleve) Remove(id string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index.Delete(id)
}

// Search runs a match query on content, restricted to scope when non-empty.
func (b *Bleve) Search(text string, limit int, scope string) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	match := bleve.NewMatchQuery(text)
	match.SetField("content")

	var q query.Query = match
	if scope != "" {
		term := bleve.NewTermQuery(scope)
		term.SetField("scope")
		q = bleve.NewConjunctionQuery(match, term)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit

	b.mu.RLock()
	res, err := b.index.Search(req)
	b.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("lexical: search failed: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score})
	}
	return hits, nil
}

// Reset drops every document by recreating the index.
func (b *Bleve) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.index.Close(); err != nil {
		return fmt.Errorf("lexical: close bleve index: %w", err)
	}
	if b.path != "" {
		if err := os.RemoveAll(b.path); err != nil {
			return fmt.Errorf("lexical: remove bleve index: %w", err)
		}
	}
	idx, err := openBleve(b.path)
	if err != nil {
		return err
	}
	b.index = idx
	return nil
}

// Len returns the number of indexed documents.
func (b *Bleve) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, err := b.index.DocCount()
	if err != nil {
		return 0
	}
	return int(n)
}

// Close closes the underlying index.
func (b *Bleve) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index.Close()
}
