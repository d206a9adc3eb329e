// Package depth decides how much auxiliary encoding a memory receives at write
// time and produces that encoding: a paraphrase, keywords, implications and the
// question the memory answers. Deeper encodings strengthen the memory.
package depth

import (
	"regexp"
	"strings"
	"unicode"
)

// Level is a processing depth.
type Level string

const (
	Shallow Level = "shallow"
	Medium  Level = "medium"
	Deep    Level = "deep"
)

// ParseLevel accepts any letter case. Unknown values report false.
func ParseLevel(s string) (Level, bool) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	switch l {
	case Shallow, Medium, Deep:
		return l, true
	}
	return "", false
}

// Deeper returns the next level, stopping at Deep.
func (l Level) Deeper() Level {
	switch l {
	case Shallow:
		return Medium
	default:
		return Deep
	}
}

// Context carries conversation signals that raise the depth.
type Context struct {
	MentionCount        int
	UserMarkedImportant bool
}

var (
	importancePattern = regexp.MustCompile(`\b(important|remember|don't forget|always|never|must|critical)\b`)
	numberPattern     = regexp.MustCompile(`\d{3,}`)
	datePatterns      = []*regexp.Regexp{
		regexp.MustCompile(`\d{1,2}/\d{1,2}(/\d{2,4})?`),
		regexp.MustCompile(`\d{1,2}-\d{1,2}(-\d{2,4})?`),
		regexp.MustCompile(`\b(january|february|march|april|may|june|july|august|september|october|november|december)\b`),
	}
	preferencePattern = regexp.MustCompile(`\b(prefer|like|love|hate|favorite|always use|never use)\b`)
	secretPattern     = regexp.MustCompile(`\b(password|api[_\s]?key|token|secret|credential|auth)\b`)
)

// Signals counts importance signals in content.
func Signals(content string, c Context) int {
	lower := strings.ToLower(content)
	signals := 0

	if importancePattern.MatchString(lower) {
		signals += 2
	}
	if numberPattern.MatchString(content) {
		signals++
	}
	for _, p := range datePatterns {
		if p.MatchString(lower) {
			signals++
			break
		}
	}
	if hasProperNoun(content) {
		signals++
	}
	if preferencePattern.MatchString(lower) {
		signals++
	}
	if secretPattern.MatchString(lower) {
		signals += 2
	}

	if c.MentionCount > 1 {
		signals++
	}
	if c.UserMarkedImportant {
		signals += 2
	}
	return signals
}

// hasProperNoun reports a capitalized word after the first one.
func hasProperNoun(content string) bool {
	words := strings.Fields(content)
	for _, w := range words[min(1, len(words)):] {
		r := []rune(w)
		if len(r) > 0 && unicode.IsUpper(r[0]) {
			return true
		}
	}
	return false
}

// Assess maps the signal count to a level: 3 or more is Deep, 1 or more is
// Medium.
func Assess(content string, c Context) Level {
	switch s := Signals(content, c); {
	case s >= 3:
		return Deep
	case s >= 1:
		return Medium
	}
	return Shallow
}

var wordPattern = regexp.MustCompile(`[a-zA-Z]+`)

// MaxKeywords bounds the keyword-only encoding.
const MaxKeywords = 10

var stopWords = toSet(`the a an is are was were be been being have has had do does did will would could
should may might must shall can need dare ought used to of in for on with at by from as into
through during before after above below between under again further then once here there when
where why how all each few more most other some such no nor not only own same so than too very
just and but if or because until while this that these those i me my myself we our you your he
him his she her it its they them their what which who whom`)

func toSet(words string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(words) {
		out[w] = struct{}{}
	}
	return out
}

// Keywords extracts up to MaxKeywords distinct lower-case words longer than
// two letters, skipping stop words, in order of appearance.
func Keywords(content string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range wordPattern.FindAllString(strings.ToLower(content), -1) {
		if len(w) <= 2 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
		if len(out) == MaxKeywords {
			break
		}
	}
	return out
}
