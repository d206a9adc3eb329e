// Package lexical provides keyword indexes used alongside vector search:
// an in-process BM25 index and a bleve-backed index.
package lexical

import (
	"fmt"

	"github.com/fademem/fademem/config"
)

// Hit is a keyword search result.
type Hit struct {
	ID    string
	Score float64
}

// Index is a scoped keyword index. A scope groups documents that belong to the
// same owner; an empty scope in Search matches every document.
type Index interface {
	Index(id, scope, content string) error
	Remove(id string) error
	Search(query string, limit int, scope string) ([]Hit, error)
	Reset() error
	Len() int
	Close() error
}

// New builds the index selected by cfg.
func New(cfg config.LexicalConfig) (Index, error) {
	switch cfg.Type {
	case "", "bm25":
		return NewBM25(cfg.K1, cfg.B), nil
	case "bleve":
		return NewBleve(cfg.Path)
	}
	return nil, fmt.Errorf("lexical: unknown index type %q", cfg.Type)
}
