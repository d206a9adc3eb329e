// Package fusion consolidates related memories into a single long-tier
// memory.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fademem/fademem/pkg/decay"
	"github.com/fademem/fademem/pkg/llm"
	"github.com/fademem/fademem/pkg/logger"
	"github.com/fademem/fademem/pkg/vectorindex"
)

// ErrTooFewMemories is returned when fewer than two memories are fused.
var ErrTooFewMemories = errors.New("fusion: at least 2 memories are required")

// DefaultBoost lifts the fused strength above the plain average.
const DefaultBoost = 1.2

// Separator joins source contents when the generator cannot consolidate them.
const Separator = " | "

// Source is one memory taking part in a fusion.
type Source struct {
	ID          string
	Content     string
	Strength    float64
	AccessCount int
	CreatedAt   time.Time
}

// Fused is the consolidated memory.
type Fused struct {
	Content     string
	Strength    float64
	AccessCount int
	Tier        decay.Tier
	SourceIDs   []string
	// Fallback is set when Content is the verbatim concatenation.
	Fallback bool
}

// Fuser builds consolidated memories with a generator.
type Fuser struct {
	gen   llm.Generator
	boost float64
	log   logger.Logger
}

// NewFuser creates a Fuser. A boost below 1 is replaced by DefaultBoost.
func NewFuser(gen llm.Generator, boost float64, log logger.Logger) *Fuser {
	if boost < 1 {
		boost = DefaultBoost
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Fuser{gen: gen, boost: boost, log: log}
}

// Fuse consolidates sources. Generator failures do not fail the fusion: the
// contents are joined with Separator instead.
func (f *Fuser) Fuse(ctx context.Context, sources []Source) (Fused, error) {
	if len(sources) < 2 {
		return Fused{}, fmt.Errorf("%w: got %d", ErrTooFewMemories, len(sources))
	}

	out := Fused{
		Tier:      decay.TierLong,
		SourceIDs: make([]string, len(sources)),
	}
	var total float64
	for i, s := range sources {
		total += s.Strength
		out.AccessCount += s.AccessCount
		out.SourceIDs[i] = s.ID
	}
	out.Strength = Strength(total/float64(len(sources)), f.boost)

	content, err := f.consolidate(ctx, sources)
	if err != nil {
		f.log.WarnContext(ctx, "fusion fell back to concatenation", "error", err, "sources", out.SourceIDs)
		content = Concatenate(sources)
		out.Fallback = true
	}
	out.Content = content
	return out, nil
}

// Strength is min(1, mean × boost).
func Strength(mean, boost float64) float64 {
	return decay.Clamp(mean * boost)
}

// Concatenate joins the source contents with Separator.
func Concatenate(sources []Source) string {
	parts := make([]string, len(sources))
	for i, s := range sources {
		parts[i] = s.Content
	}
	return strings.Join(parts, Separator)
}

func (f *Fuser) consolidate(ctx context.Context, sources []Source) (string, error) {
	if f.gen == nil {
		return "", errors.New("no generator configured")
	}
	raw, err := f.gen.Generate(ctx, buildPrompt(sources))
	if err != nil {
		return "", err
	}
	obj, err := llm.ParseObject(raw)
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(obj.Get("consolidated_memory").String())
	if content == "" {
		return "", fmt.Errorf("%w: empty consolidated_memory", llm.ErrUnparseable)
	}
	return content, nil
}

func buildPrompt(sources []Source) string {
	var b strings.Builder
	b.WriteString("Consolidate the related memories below into ONE memory.\n")
	b.WriteString("Keep every important fact, drop redundancy, prefer information from stronger memories and do not invent anything.\n\n")
	b.WriteString("MEMORIES TO CONSOLIDATE:\n")
	for i, s := range sources {
		created := ""
		if !s.CreatedAt.IsZero() {
			created = s.CreatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "\nMemory %d (strength=%.2f, accessed=%dx, created_at=%s):\n%s\n", i+1, s.Strength, s.AccessCount, created, s.Content)
	}
	b.WriteString(`
Respond with JSON only:
{"consolidated_memory": "single merged statement", "preserved_facts": ["..."], "discarded_as_redundant": ["..."], "confidence": 0.0-1.0}`)
	return b.String()
}

// Candidate is a vector taking part in cluster detection.
type Candidate struct {
	ID     string
	Vector []float64
}

// Clusters groups candidates whose pairwise cosine similarity is at least
// threshold. Groups are connected components of the similarity graph; only
// groups of two or more are returned. Members are sorted by id and groups by
// their first member.
func Clusters(candidates []Candidate, threshold float64) [][]string {
	parent := make([]int, len(candidates))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if vectorindex.Cosine(candidates[i].Vector, candidates[j].Vector) >= threshold {
				ri, rj := find(i), find(j)
				if ri != rj {
					parent[rj] = ri
				}
			}
		}
	}

	groups := make(map[int][]string)
	for i, c := range candidates {
		root := find(i)
		groups[root] = append(groups[root], c.ID)
	}
	var out [][]string
	for _, g := range groups {
		if len(g) < 2 {
			continue
		}
		sort.Strings(g)
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
