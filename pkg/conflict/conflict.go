// Package conflict classifies a candidate memory against its nearest existing
// neighbour and decides whether to keep both, replace, merge or discard.
package conflict

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fademem/fademem/pkg/decay"
	"github.com/fademem/fademem/pkg/llm"
	"github.com/fademem/fademem/pkg/logger"
)

// Classification is the relationship of new content to an existing memory.
type Classification string

const (
	// Compatible keeps both memories.
	Compatible Classification = "COMPATIBLE"
	// Contradictory replaces the existing memory with the new one.
	Contradictory Classification = "CONTRADICTORY"
	// Subsumes replaces the existing memory with a merged statement.
	Subsumes Classification = "SUBSUMES"
	// Subsumed discards the new content and reinforces the existing memory.
	Subsumed Classification = "SUBSUMED"
)

// DefaultConfidence accompanies the fallback COMPATIBLE classification.
const DefaultConfidence = 0.5

// DefaultSubsumedBoost is added to an existing memory that already covers new
// content.
const DefaultSubsumedBoost = 0.05

// ParseClassification accepts any letter case.
func ParseClassification(s string) (Classification, bool) {
	c := Classification(strings.ToUpper(strings.TrimSpace(s)))
	switch c {
	case Compatible, Contradictory, Subsumes, Subsumed:
		return c, true
	}
	return "", false
}

// Existing describes the neighbour the new content is compared against.
type Existing struct {
	ID           string
	Content      string
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int
	Strength     float64
}

// Result is the outcome of a classification.
type Result struct {
	Classification Classification `json:"classification"`
	Confidence     float64        `json:"confidence"`
	MergedContent  string         `json:"merged_content,omitempty"`
	Explanation    string         `json:"explanation,omitempty"`

	// Fallback is set when the result is the conservative default.
	Fallback bool `json:"fallback,omitempty"`
}

// Event names the history event an outcome produces.
type Event string

const (
	EventAdd    Event = "ADD"
	EventUpdate Event = "UPDATE"
	EventNoop   Event = "NOOP"
)

// Plan is the action derived from a Result.
type Plan struct {
	// DeleteExisting removes the neighbour before storing.
	DeleteExisting bool
	// Store inserts Content as a new record.
	Store   bool
	Content string
	// ReinforceExisting boosts the neighbour's strength and access count.
	ReinforceExisting bool
	Event             Event
}

// Plan maps the classification onto exactly one of four actions.
func (r Result) Plan(newContent string) Plan {
	switch r.Classification {
	case Contradictory:
		return Plan{DeleteExisting: true, Store: true, Content: newContent, Event: EventUpdate}
	case Subsumes:
		content := strings.TrimSpace(r.MergedContent)
		if content == "" {
			content = newContent
		}
		return Plan{DeleteExisting: true, Store: true, Content: content, Event: EventUpdate}
	case Subsumed:
		return Plan{ReinforceExisting: true, Event: EventNoop}
	default:
		return Plan{Store: true, Content: newContent, Event: EventAdd}
	}
}

// Reinforce returns the strength of a memory that subsumed new content.
func Reinforce(strength, boost float64) float64 {
	return decay.Clamp(strength + boost)
}

// Resolver asks the generator to classify content pairs.
type Resolver struct {
	gen llm.Generator
	log logger.Logger
}

// NewResolver creates a resolver. A nil logger discards output.
func NewResolver(gen llm.Generator, log logger.Logger) *Resolver {
	if log == nil {
		log = logger.Nop()
	}
	return &Resolver{gen: gen, log: log}
}

// Classify never fails: generator errors and unparseable output yield
// COMPATIBLE with DefaultConfidence so no data is lost.
func (r *Resolver) Classify(ctx context.Context, existing Existing, newContent string) Result {
	raw, err := r.gen.Generate(ctx, buildPrompt(existing, newContent))
	if err != nil {
		r.log.WarnContext(ctx, "conflict classification failed", "error", err, "existing_id", existing.ID)
		return fallback()
	}
	res, err := parseResult(raw)
	if err != nil {
		r.log.WarnContext(ctx, "conflict classification unparseable", "error", err, "existing_id", existing.ID)
		return fallback()
	}
	return res
}

func fallback() Result {
	return Result{Classification: Compatible, Confidence: DefaultConfidence, Fallback: true}
}

func parseResult(raw string) (Result, error) {
	obj, err := llm.ParseObject(raw)
	if err != nil {
		return Result{}, err
	}
	c, ok := ParseClassification(obj.Get("classification").String())
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown classification %q", llm.ErrUnparseable, obj.Get("classification").String())
	}
	conf := DefaultConfidence
	if v := obj.Get("confidence"); v.Exists() {
		conf = decay.Clamp(v.Float())
	}
	return Result{
		Classification: c,
		Confidence:     conf,
		MergedContent:  obj.Get("merged_content").String(),
		Explanation:    obj.Get("explanation").String(),
	}, nil
}

func buildPrompt(existing Existing, newContent string) string {
	var b strings.Builder
	b.WriteString("Compare a NEW piece of information with an EXISTING memory and classify their relationship.\n\n")
	b.WriteString("EXISTING memory:\n")
	fmt.Fprintf(&b, "  content: %s\n", existing.Content)
	if !existing.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "  created_at: %s\n", existing.CreatedAt.UTC().Format(time.RFC3339))
	}
	if !existing.LastAccessed.IsZero() {
		fmt.Fprintf(&b, "  last_accessed: %s\n", existing.LastAccessed.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "  access_count: %d\n", existing.AccessCount)
	fmt.Fprintf(&b, "  strength: %.2f\n\n", existing.Strength)
	fmt.Fprintf(&b, "NEW information:\n  %s\n\n", newContent)
	b.WriteString(`Choose exactly one classification:
- COMPATIBLE: both can be true at once; keep both.
- CONTRADICTORY: the new information makes the existing memory false or outdated.
- SUBSUMES: the new information is more general and covers the existing one; provide merged_content combining both.
- SUBSUMED: the existing memory already covers the new information.

Respond with JSON only:
{"classification": "COMPATIBLE|CONTRADICTORY|SUBSUMES|SUBSUMED", "confidence": 0.0-1.0, "merged_content": "string or null", "explanation": "short reason"}`)
	return b.String()
}
