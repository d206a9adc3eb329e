package retrieval

import (
	"sort"

	"github.com/fademem/fademem/pkg/depth"
)

// Candidate is a memory considered for a query.
type Candidate struct {
	ID         string
	Similarity float64
	Strength   float64
	Categories []string
	Metadata   map[string]any
}

// Scored is a ranked candidate with its score breakdown.
type Scored struct {
	Candidate
	Composite     float64
	SignalBoost   float64
	CategoryBoost float64
	Combined      float64
}

// Topic is the query's detected category and the categories related to it.
type Topic struct {
	ID      string
	Related []string
}

// Ranker scores and orders candidates.
type Ranker struct {
	StrengthFloor float64
	CategoryBoost float64
	CrossBoost    float64
	// UseSignal enables the signal boost.
	UseSignal bool
	// UseCategory enables the category boost.
	UseCategory bool
}

// NewRanker returns a ranker with both boosts enabled and default weights.
func NewRanker() *Ranker {
	return &Ranker{
		StrengthFloor: DefaultStrengthFloor,
		CategoryBoost: DefaultCategoryBoost,
		CrossBoost:    DefaultCrossBoost,
		UseSignal:     true,
		UseCategory:   true,
	}
}

// Score computes the breakdown of a single candidate.
func (r *Ranker) Score(query string, topic Topic, c Candidate) Scored {
	s := Scored{Candidate: c, Composite: Composite(c.Similarity, c.Strength, r.StrengthFloor)}
	if r.UseSignal {
		if enc, ok := depth.FromMetadata(c.Metadata); ok {
			s.SignalBoost = SignalBoost(query, enc)
		}
	}
	if r.UseCategory {
		s.CategoryBoost = CategoryBoost(c.Categories, topic.ID, topic.Related, r.CategoryBoost, r.CrossBoost)
	}
	s.Combined = Combined(s.Composite, s.SignalBoost, s.CategoryBoost)
	return s
}

// Rank scores candidates and orders them by combined score, then similarity,
// then id, so equal inputs always produce the same order.
func (r *Ranker) Rank(query string, topic Topic, candidates []Candidate) []Scored {
	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		out[i] = r.Score(query, topic, c)
	}
	Sort(out)
	return out
}

// Sort orders scored results in place.
func Sort(results []Scored) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Combined != b.Combined {
			return a.Combined > b.Combined
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		return a.ID < b.ID
	})
}
