package depth

import (
	"context"
	"errors"
	"testing"

	"github.com/fademem/fademem/config"
	"github.com/fademem/fademem/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignals(t *testing.T) {
	tests := []struct {
		content string
		ctx     Context
		want    int
	}{
		{"the sky is blue", Context{}, 0},
		{"remember to water the plants", Context{}, 2},
		{"order number 12345", Context{}, 1},
		{"meeting on 3/14", Context{}, 1},
		{"trip in march", Context{}, 1},
		{"lunch with Alice", Context{}, 1},
		{"i prefer tabs", Context{}, 1},
		{"the api key is stored in vault", Context{}, 2},
		{"the api_key rotates", Context{}, 2},
		{"Capitalized first word only", Context{}, 0},
		{"plain text", Context{MentionCount: 2}, 1},
		{"plain text", Context{UserMarkedImportant: true}, 2},
		{"Always remember my password 9876 for Gmail", Context{}, 2 + 1 + 1 + 2},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			assert.Equal(t, tt.want, Signals(tt.content, tt.ctx))
		})
	}
}

func TestAssess(t *testing.T) {
	assert.Equal(t, Shallow, Assess("the sky is blue", Context{}))
	assert.Equal(t, Medium, Assess("User prefers TypeScript over JavaScript", Context{}))
	assert.Equal(t, Deep, Assess("never share the production password", Context{}))
	assert.Equal(t, Deep, Assess("call mom on 5/12", Context{UserMarkedImportant: true}))
}

func TestLevel(t *testing.T) {
	l, ok := ParseLevel("DEEP")
	assert.True(t, ok)
	assert.Equal(t, Deep, l)
	_, ok = ParseLevel("bottomless")
	assert.False(t, ok)

	assert.Equal(t, Medium, Shallow.Deeper())
	assert.Equal(t, Deep, Medium.Deeper())
	assert.Equal(t, Deep, Deep.Deeper())
}

func TestKeywords(t *testing.T) {
	got := Keywords("User prefers TypeScript over JavaScript, and the user likes Go.")
	assert.Equal(t, []string{"user", "prefers", "typescript", "over", "javascript", "likes"}, got)

	many := Keywords("alpha bravo charlie delta echo foxtrot golf hotel india juliet kilo lima")
	assert.Len(t, many, MaxKeywords)
	assert.Empty(t, Keywords("it is a an of"))
}

func TestEncode_ShallowNeverCallsGenerator(t *testing.T) {
	gen := llm.NewMockGenerator()
	enc := NewEncoder(gen, Options{AutoDepth: true}, nil).Encode(context.Background(), "the sky is blue", "", Context{})
	assert.Equal(t, Shallow, enc.Depth)
	assert.Equal(t, 1.0, enc.Multiplier)
	assert.Equal(t, 0.3, enc.Importance)
	assert.Equal(t, []string{"sky", "blue"}, enc.Keywords)
	assert.Zero(t, gen.Calls())
}

func TestEncode_Deep(t *testing.T) {
	gen := llm.NewMockGenerator().On("processing depth: deep", `{
		"paraphrase": "The user's Gmail password must not be forgotten",
		"keywords": ["gmail", "password"],
		"implications": ["user has a Gmail account"],
		"question_form": "What is the user's Gmail password?",
		"category": "credential",
		"importance": 0.95
	}`)
	enc := NewEncoder(gen, Options{AutoDepth: true}, nil).
		Encode(context.Background(), "Always remember my Gmail password", "", Context{})

	assert.Equal(t, Deep, enc.Depth)
	assert.Equal(t, 1.6, enc.Multiplier)
	assert.Equal(t, 0.95, enc.Importance)
	assert.Equal(t, []string{"gmail", "password"}, enc.Keywords)
	assert.Equal(t, []string{"user has a Gmail account"}, enc.Implications)
	assert.Equal(t, "What is the user's Gmail password?", enc.QuestionForm)
	assert.Equal(t, "credential", enc.Category)
}

func TestEncode_MediumSkipsDeepFields(t *testing.T) {
	gen := llm.NewMockGenerator().Fallback(`{"paraphrase": "p", "keywords": ["k"], "implications": ["i"], "question_form": "q?"}`)
	enc := NewEncoder(gen, Options{}, nil).EncodeAt(context.Background(), "content", Medium)
	assert.Equal(t, Medium, enc.Depth)
	assert.Equal(t, 0.5, enc.Importance)
	assert.Empty(t, enc.Implications)
	assert.Empty(t, enc.QuestionForm)
}

func TestEncode_FailureDegrades(t *testing.T) {
	t.Run("deep to medium", func(t *testing.T) {
		gen := llm.NewMockGenerator().
			On("processing depth: deep", "not json").
			On("processing depth: medium", `{"paraphrase": "x", "keywords": ["y"]}`)
		enc := NewEncoder(gen, Options{}, nil).EncodeAt(context.Background(), "content", Deep)
		assert.Equal(t, Medium, enc.Depth)
		assert.Equal(t, 2, gen.Calls())
	})
	t.Run("to shallow", func(t *testing.T) {
		gen := llm.NewMockGenerator().Fail(errors.New("unreachable"))
		enc := NewEncoder(gen, Options{}, nil).EncodeAt(context.Background(), "User prefers TypeScript", Deep)
		assert.Equal(t, Shallow, enc.Depth)
		assert.Equal(t, []string{"user", "prefers", "typescript"}, enc.Keywords)
	})
	t.Run("nil generator", func(t *testing.T) {
		enc := NewEncoder(nil, Options{}, nil).EncodeAt(context.Background(), "content here", Medium)
		assert.Equal(t, Shallow, enc.Depth)
	})
}

func TestEncoder_LevelSelection(t *testing.T) {
	auto := NewEncoder(nil, Options{AutoDepth: true}, nil)
	fixed := NewEncoder(nil, Options{DefaultLevel: Deep}, nil)

	assert.Equal(t, Shallow, auto.Level("the sky is blue", "", Context{}))
	assert.Equal(t, Deep, auto.Level("the sky is blue", Deep, Context{}))
	assert.Equal(t, Deep, fixed.Level("the sky is blue", "", Context{}))
	assert.Equal(t, Medium, NewEncoder(nil, Options{}, nil).Level("x", "bogus", Context{}))
}

func TestMetadataRoundTrip(t *testing.T) {
	enc := Encoding{Keywords: []string{"a"}, QuestionForm: "q?", Importance: 0.5, Depth: Medium}
	meta := enc.Metadata()
	assert.Equal(t, "medium", meta[KeyDepth])
	assert.Equal(t, []string{}, meta[KeyImplications])

	// values decoded from JSON arrive as []any
	meta[KeyKeywords] = []any{"a", "b", 3}
	back, ok := FromMetadata(meta)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, back.Keywords)
	assert.Equal(t, Medium, back.Depth)
	assert.Equal(t, "q?", back.QuestionForm)

	_, ok = FromMetadata(map[string]any{"other": 1})
	assert.False(t, ok)
}

func TestReencode(t *testing.T) {
	gen := llm.NewMockGenerator().On("processing depth: deep", `{"paraphrase": "p", "keywords": ["k"]}`)
	enc := NewEncoder(gen, Options{}, nil).Reencode(context.Background(), "content", map[string]any{KeyDepth: "medium"})
	assert.Equal(t, Deep, enc.Depth)

	assert.InDelta(t, 0.88, ReinforcedStrength(0.8), 1e-9)
	assert.Equal(t, 1.0, ReinforcedStrength(0.95))

	assert.False(t, ShouldReencode(map[string]any{KeyDepth: "shallow"}, 2, 3))
	assert.True(t, ShouldReencode(map[string]any{KeyDepth: "shallow"}, 3, 3))
	assert.True(t, ShouldReencode(nil, 5, 3))
	assert.False(t, ShouldReencode(map[string]any{KeyDepth: "deep"}, 10, 3))
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.DefaultConfig().Depth)
	assert.True(t, opts.AutoDepth)
	assert.Equal(t, Medium, opts.DefaultLevel)
	assert.Equal(t, DefaultMultipliers(), opts.Multipliers)
}
