package depth

import (
	"context"
	"fmt"
	"strings"

	"github.com/fademem/fademem/config"
	"github.com/fademem/fademem/pkg/decay"
	"github.com/fademem/fademem/pkg/llm"
	"github.com/fademem/fademem/pkg/logger"
	"github.com/tidwall/gjson"
)

// Metadata keys written by Encoding.Metadata.
const (
	KeyParaphrase   = "echo_paraphrase"
	KeyKeywords     = "echo_keywords"
	KeyImplications = "echo_implications"
	KeyQuestionForm = "echo_question_form"
	KeyCategory     = "echo_category"
	KeyImportance   = "echo_importance"
	KeyDepth        = "echo_depth"
)

// Default importance per level when the generator does not supply one.
const (
	shallowImportance = 0.3
	mediumImportance  = 0.5
	deepImportance    = 0.8
)

// ReencodeBoost multiplies the strength of a memory re-encoded on access.
const ReencodeBoost = 1.1

// Multipliers scale the initial strength per level.
type Multipliers struct {
	Shallow float64
	Medium  float64
	Deep    float64
}

// DefaultMultipliers returns 1.0, 1.3 and 1.6.
func DefaultMultipliers() Multipliers {
	return Multipliers{Shallow: 1.0, Medium: 1.3, Deep: 1.6}
}

// For returns the multiplier of l.
func (m Multipliers) For(l Level) float64 {
	switch l {
	case Deep:
		return m.Deep
	case Medium:
		return m.Medium
	}
	return m.Shallow
}

// Encoding is the auxiliary representation of a memory.
type Encoding struct {
	Paraphrase   string
	Keywords     []string
	Implications []string
	QuestionForm string
	Category     string
	Importance   float64
	Depth        Level
	Multiplier   float64
}

// Metadata returns the encoding as memory metadata entries.
func (e Encoding) Metadata() map[string]any {
	return map[string]any{
		KeyParaphrase:   e.Paraphrase,
		KeyKeywords:     nonNil(e.Keywords),
		KeyImplications: nonNil(e.Implications),
		KeyQuestionForm: e.QuestionForm,
		KeyCategory:     e.Category,
		KeyImportance:   e.Importance,
		KeyDepth:        string(e.Depth),
	}
}

// FromMetadata reads an encoding back from metadata. ok is false when the
// metadata carries no depth.
func FromMetadata(meta map[string]any) (enc Encoding, ok bool) {
	lvl, ok := ParseLevel(stringOf(meta[KeyDepth]))
	if !ok {
		return Encoding{}, false
	}
	enc = Encoding{
		Paraphrase:   stringOf(meta[KeyParaphrase]),
		Keywords:     stringsOf(meta[KeyKeywords]),
		Implications: stringsOf(meta[KeyImplications]),
		QuestionForm: stringOf(meta[KeyQuestionForm]),
		Category:     stringOf(meta[KeyCategory]),
		Depth:        lvl,
	}
	if f, isFloat := meta[KeyImportance].(float64); isFloat {
		enc.Importance = f
	}
	return enc, true
}

// Options configures an Encoder.
type Options struct {
	// AutoDepth picks the level with Assess; otherwise DefaultLevel is used.
	AutoDepth    bool
	DefaultLevel Level
	Multipliers  Multipliers
}

// OptionsFromConfig maps the depth config section.
func OptionsFromConfig(cfg config.DepthConfig) Options {
	lvl, ok := ParseLevel(cfg.DefaultDepth)
	if !ok {
		lvl = Medium
	}
	return Options{
		AutoDepth:    cfg.AutoDepth,
		DefaultLevel: lvl,
		Multipliers: Multipliers{
			Shallow: cfg.ShallowMultiplier,
			Medium:  cfg.MediumMultiplier,
			Deep:    cfg.DeepMultiplier,
		},
	}
}

// Encoder produces encodings. Shallow encoding never calls the generator;
// a failed deep encoding degrades to medium and a failed medium encoding to
// shallow.
type Encoder struct {
	gen  llm.Generator
	opts Options
	log  logger.Logger
}

// NewEncoder creates an Encoder. gen may be nil, in which case every request
// degrades to shallow.
func NewEncoder(gen llm.Generator, opts Options, log logger.Logger) *Encoder {
	if opts.DefaultLevel == "" {
		opts.DefaultLevel = Medium
	}
	if opts.Multipliers == (Multipliers{}) {
		opts.Multipliers = DefaultMultipliers()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Encoder{gen: gen, opts: opts, log: log}
}

// Multiplier returns the configured multiplier of l.
func (e *Encoder) Multiplier(l Level) float64 {
	return e.opts.Multipliers.For(l)
}

// Level picks the level for content: override when valid, the assessed level
// with auto depth, the default level otherwise.
func (e *Encoder) Level(content string, override Level, c Context) Level {
	if lvl, ok := ParseLevel(string(override)); ok {
		return lvl
	}
	if e.opts.AutoDepth {
		return Assess(content, c)
	}
	return e.opts.DefaultLevel
}

// Encode encodes content at the level chosen by Level.
func (e *Encoder) Encode(ctx context.Context, content string, override Level, c Context) Encoding {
	return e.EncodeAt(ctx, content, e.Level(content, override, c))
}

// EncodeAt encodes content at lvl, degrading on generator failure.
func (e *Encoder) EncodeAt(ctx context.Context, content string, lvl Level) Encoding {
	for lvl != Shallow {
		enc, err := e.generate(ctx, content, lvl)
		if err == nil {
			return enc
		}
		e.log.WarnContext(ctx, "depth encoding failed, degrading", "level", string(lvl), "error", err)
		if lvl == Deep {
			lvl = Medium
		} else {
			lvl = Shallow
		}
	}
	return e.shallow(content)
}

// Reencode encodes content one level deeper than the depth recorded in meta.
func (e *Encoder) Reencode(ctx context.Context, content string, meta map[string]any) Encoding {
	current, ok := ParseLevel(stringOf(meta[KeyDepth]))
	if !ok {
		current = Shallow
	}
	return e.EncodeAt(ctx, content, current.Deeper())
}

// ReinforcedStrength is the strength after a re-encoding, capped at 1.
func ReinforcedStrength(s float64) float64 {
	return decay.Clamp(s * ReencodeBoost)
}

// ShouldReencode reports whether an accessed memory is due for re-encoding.
func ShouldReencode(meta map[string]any, accessCount, threshold int) bool {
	if accessCount < threshold {
		return false
	}
	lvl, _ := ParseLevel(stringOf(meta[KeyDepth]))
	return lvl != Deep
}

func (e *Encoder) shallow(content string) Encoding {
	return Encoding{
		Keywords:   Keywords(content),
		Importance: shallowImportance,
		Depth:      Shallow,
		Multiplier: e.opts.Multipliers.For(Shallow),
	}
}

func (e *Encoder) generate(ctx context.Context, content string, lvl Level) (Encoding, error) {
	if e.gen == nil {
		return Encoding{}, fmt.Errorf("no generator configured")
	}
	raw, err := e.gen.Generate(ctx, buildPrompt(content, lvl))
	if err != nil {
		return Encoding{}, err
	}
	obj, err := llm.ParseObject(raw)
	if err != nil {
		return Encoding{}, err
	}

	importance := mediumImportance
	if lvl == Deep {
		importance = deepImportance
	}
	if v := obj.Get("importance"); v.Type == gjson.Number {
		importance = decay.Clamp(v.Float())
	}
	enc := Encoding{
		Paraphrase: strings.TrimSpace(obj.Get("paraphrase").String()),
		Keywords:   llm.Strings(obj.Get("keywords")),
		Category:   strings.TrimSpace(obj.Get("category").String()),
		Importance: importance,
		Depth:      lvl,
		Multiplier: e.opts.Multipliers.For(lvl),
	}
	if lvl == Deep {
		enc.Implications = llm.Strings(obj.Get("implications"))
		enc.QuestionForm = strings.TrimSpace(obj.Get("question_form").String())
	}
	if enc.Paraphrase == "" && len(enc.Keywords) == 0 {
		return Encoding{}, fmt.Errorf("%w: no paraphrase or keywords", llm.ErrUnparseable)
	}
	return enc, nil
}

func buildPrompt(content string, lvl Level) string {
	instructions := "Generate: paraphrase, keywords, category. Skip: implications, question_form."
	if lvl == Deep {
		instructions = "Generate ALL fields: paraphrase, keywords, implications, question_form, category."
	}
	return fmt.Sprintf(`Re-express the memory below in several forms so it can be recalled later.

MEMORY TO PROCESS:
%q

PROCESSING DEPTH: %s
%s

Fields:
- paraphrase: the same information in different words
- keywords: 3-7 specific terms for indexing
- implications: 1-3 reasonable inferences
- question_form: a natural question this memory answers
- category: one of preference, fact, goal, relationship, context, event, credential, habit
- importance: 0.0-1.0 likely future relevance

Respond with JSON only:
{"paraphrase": "...", "keywords": ["..."], "implications": ["..."], "question_form": "...", "category": "...", "importance": 0.0}`,
		content, lvl, instructions)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func stringsOf(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, it := range l {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
