package retrieval

import "sort"

// DefaultRRFK is the reciprocal rank fusion constant.
const DefaultRRFK = 60.0

// Fused is an id with its fused score.
type Fused struct {
	ID    string
	Score float64
}

// FuseRRF merges ranked id lists with reciprocal rank fusion:
// score(d) = Σ weight/(k + rank(d)). weights[i] applies to lists[i] and
// defaults to 1. Ties are ordered by id.
func FuseRRF(k float64, weights []float64, lists ...[]string) []Fused {
	if k <= 0 {
		k = DefaultRRFK
	}
	scores := make(map[string]float64)
	for i, ids := range lists {
		w := 1.0
		if i < len(weights) {
			w = weights[i]
		}
		for rank, id := range ids {
			scores[id] += w / (k + float64(rank+1))
		}
	}

	results := make([]Fused, 0, len(scores))
	for id, score := range scores {
		results = append(results, Fused{ID: id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	return results
}
