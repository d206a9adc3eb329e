package retrieval

import (
	"testing"

	"github.com/fademem/fademem/pkg/depth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposite(t *testing.T) {
	assert.InDelta(t, 0.8, Composite(0.8, 1.0, DefaultStrengthFloor), 1e-9)
	assert.InDelta(t, 0.8*0.3, Composite(0.8, 0, DefaultStrengthFloor), 1e-9)
	assert.Greater(t, Composite(0.8, 0, DefaultStrengthFloor), 0.0)

	prev := -1.0
	for s := 0.0; s <= 1.0; s += 0.1 {
		c := Composite(0.7, s, DefaultStrengthFloor)
		assert.GreaterOrEqual(t, c, prev)
		prev = c
	}
	assert.InDelta(t, 0.5, Composite(0.5, 7, DefaultStrengthFloor), 1e-9, "strength is clamped")
}

func TestSignalBoost(t *testing.T) {
	enc := depth.Encoding{
		Keywords:     []string{"prefers", "language", "typescript"},
		QuestionForm: "What language does the user prefer?",
		Implications: []string{"user writes frontend code", "unrelated inference"},
	}
	// keywords: language (0.05); question overlap: five shared words (0.15 cap);
	// implications: "user" shared with the first only (0.03)
	got := SignalBoost("what language does the user like", enc)
	assert.InDelta(t, 0.05+0.15+0.03, got, 1e-9)

	assert.Zero(t, SignalBoost("weather tomorrow", depth.Encoding{Keywords: []string{"golang"}}))
}

func TestSignalBoost_Capped(t *testing.T) {
	enc := depth.Encoding{
		Keywords:     []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8"},
		QuestionForm: "a1 a2 a3 a4",
	}
	assert.Equal(t, MaxSignalBoost, SignalBoost("a1 a2 a3 a4 a5 a6 a7 a8", enc))
}

func TestCategoryBoost(t *testing.T) {
	direct := CategoryBoost([]string{"facts", "preferences"}, "preferences", []string{"facts"}, DefaultCategoryBoost, DefaultCrossBoost)
	related := CategoryBoost([]string{"facts"}, "preferences", []string{"facts"}, DefaultCategoryBoost, DefaultCrossBoost)
	none := CategoryBoost([]string{"context"}, "preferences", []string{"facts"}, DefaultCategoryBoost, DefaultCrossBoost)

	assert.Equal(t, DefaultCategoryBoost, direct)
	assert.Equal(t, DefaultCrossBoost, related)
	assert.Greater(t, direct, related)
	assert.Zero(t, none)
	assert.Zero(t, CategoryBoost([]string{"facts"}, "", nil, 1, 1))
}

func TestRank_Order(t *testing.T) {
	r := NewRanker()
	topic := Topic{ID: "preferences", Related: []string{"facts"}}
	cands := []Candidate{
		{ID: "weak", Similarity: 0.9, Strength: 0.1},
		{ID: "strong", Similarity: 0.9, Strength: 1.0},
		{ID: "direct", Similarity: 0.8, Strength: 1.0, Categories: []string{"preferences"}},
		{ID: "related", Similarity: 0.8, Strength: 1.0, Categories: []string{"facts"}},
	}
	got := r.Rank("query", topic, cands)
	require.Len(t, got, 4)

	// strong: 0.9; direct: 0.8*1.15=0.92; related: 0.8*1.05=0.84; weak: 0.9*0.37=0.333
	ids := []string{got[0].ID, got[1].ID, got[2].ID, got[3].ID}
	assert.Equal(t, []string{"direct", "strong", "related", "weak"}, ids)
	assert.InDelta(t, 0.92, got[0].Combined, 1e-9)
	assert.Equal(t, DefaultCategoryBoost, got[0].CategoryBoost)
}

func TestRank_TiesAreDeterministic(t *testing.T) {
	r := NewRanker()
	cands := []Candidate{
		{ID: "c", Similarity: 0.5, Strength: 1},
		{ID: "a", Similarity: 0.5, Strength: 1},
		{ID: "b", Similarity: 0.5, Strength: 1},
	}
	first := r.Rank("q", Topic{}, cands)
	for i := 0; i < 5; i++ {
		again := r.Rank("q", Topic{}, []Candidate{cands[2], cands[0], cands[1]})
		assert.Equal(t, first, again)
	}
	assert.Equal(t, []string{"a", "b", "c"}, []string{first[0].ID, first[1].ID, first[2].ID})
}

func TestSort_SimilarityBreaksCombinedTies(t *testing.T) {
	results := []Scored{
		{Candidate: Candidate{ID: "a", Similarity: 0.4}, Combined: 0.4},
		{Candidate: Candidate{ID: "b", Similarity: 0.9}, Combined: 0.4},
		{Candidate: Candidate{ID: "c", Similarity: 0.1}, Combined: 0.5},
	}
	Sort(results)
	assert.Equal(t, "c", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	assert.Equal(t, "a", results[2].ID)
}

func TestRank_SignalFromMetadata(t *testing.T) {
	r := NewRanker()
	meta := depth.Encoding{Keywords: []string{"user"}, Depth: depth.Shallow}.Metadata()
	got := r.Rank("what does the user like", Topic{}, []Candidate{{ID: "m", Similarity: 0.5, Strength: 1, Metadata: meta}})
	require.Len(t, got, 1)
	assert.InDelta(t, 0.05, got[0].SignalBoost, 1e-9)
	assert.InDelta(t, 0.5*1.05, got[0].Combined, 1e-9)

	r.UseSignal = false
	got = r.Rank("what does the user like", Topic{}, []Candidate{{ID: "m", Similarity: 0.5, Strength: 1, Metadata: meta}})
	assert.Zero(t, got[0].SignalBoost)
}

func TestFuseRRF(t *testing.T) {
	got := FuseRRF(0, nil, []string{"a", "b", "c"}, []string{"c", "a"})
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.InDelta(t, 1/61.0+1/62.0, got[0].Score, 1e-12)
	assert.Equal(t, "c", got[1].ID)
	assert.Equal(t, "b", got[2].ID)

	weighted := FuseRRF(60, []float64{0, 1}, []string{"a"}, []string{"b"})
	assert.Equal(t, "b", weighted[0].ID)

	tie := FuseRRF(60, nil, []string{"y"}, []string{"x"})
	assert.Equal(t, "x", tie[0].ID)
}
