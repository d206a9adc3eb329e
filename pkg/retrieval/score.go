// Package retrieval ranks search candidates. Similarity is modulated by
// strength, then two bounded boosts are applied: a signal boost from the
// memory's depth encoding and a category boost from the query topic.
package retrieval

import (
	"strings"

	"github.com/fademem/fademem/pkg/decay"
	"github.com/fademem/fademem/pkg/depth"
	"github.com/fademem/fademem/pkg/llm"
)

// Scoring constants.
const (
	// DefaultStrengthFloor is the share of similarity a zero-strength memory
	// keeps.
	DefaultStrengthFloor = 0.3

	MaxSignalBoost       = 0.3
	keywordBoost         = 0.05
	questionBoostPer     = 0.05
	maxQuestionBoost     = 0.15
	implicationBoost     = 0.03
	DefaultCategoryBoost = 0.15
	DefaultCrossBoost    = 0.05
)

// Composite is similarity × (α + (1−α)·strength). With α in (0,1] the factor is
// α at zero strength and 1 at full strength.
func Composite(similarity, strength, alpha float64) float64 {
	alpha = decay.Clamp(alpha)
	return similarity * (alpha + (1-alpha)*decay.Clamp(strength))
}

// SignalBoost rewards overlap between the query and the encoding: 0.05 per
// keyword found in the query, 0.05 per word shared with the question form (at
// most 0.15) and 0.03 per implication sharing a word with the query. The total
// is capped at MaxSignalBoost.
func SignalBoost(query string, enc depth.Encoding) float64 {
	folded := llm.Fold(query)
	terms := termSet(query)

	boost := 0.0
	for _, kw := range enc.Keywords {
		if kw != "" && strings.Contains(folded, llm.Fold(kw)) {
			boost += keywordBoost
		}
	}
	if enc.QuestionForm != "" {
		overlap := 0
		for t := range termSet(enc.QuestionForm) {
			if _, ok := terms[t]; ok {
				overlap++
			}
		}
		boost += min(maxQuestionBoost, float64(overlap)*questionBoostPer)
	}
	for _, impl := range enc.Implications {
		for t := range termSet(impl) {
			if _, ok := terms[t]; ok {
				boost += implicationBoost
				break
			}
		}
	}
	return min(MaxSignalBoost, boost)
}

func termSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range llm.Tokenize(s) {
		out[f] = struct{}{}
	}
	return out
}

// CategoryBoost returns weight when categories contains topic, cross when it
// contains one of related, and 0 otherwise.
func CategoryBoost(categories []string, topic string, related []string, weight, cross float64) float64 {
	if topic == "" {
		return 0
	}
	for _, c := range categories {
		if c == topic {
			return weight
		}
	}
	for _, c := range categories {
		for _, r := range related {
			if c == r {
				return cross
			}
		}
	}
	return 0
}

// Combined is composite × (1+signal) × (1+category).
func Combined(composite, signal, category float64) float64 {
	return composite * (1 + signal) * (1 + category)
}
