package llm

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// StripCodeFences removes a surrounding markdown code fence, with or without a
// language tag, and trims whitespace.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the language tag line
		if tag := strings.TrimSpace(s[:nl]); !strings.ContainsAny(tag, "{[") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ParseObject extracts the outermost JSON object from generator output. Code
// fences and prose around the object are ignored.
func ParseObject(raw string) (gjson.Result, error) {
	s := StripCodeFences(raw)
	if s == "" {
		return gjson.Result{}, fmt.Errorf("%w: empty output", ErrUnparseable)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return gjson.Result{}, fmt.Errorf("%w: no JSON object", ErrUnparseable)
	}
	body := s[start : end+1]
	if !gjson.Valid(body) {
		return gjson.Result{}, fmt.Errorf("%w: invalid JSON", ErrUnparseable)
	}
	return gjson.Parse(body), nil
}

// Strings reads a JSON array of strings, skipping non-string items.
func Strings(r gjson.Result) []string {
	if !r.IsArray() {
		return nil
	}
	var out []string
	for _, item := range r.Array() {
		if item.Type == gjson.String {
			if s := strings.TrimSpace(item.String()); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
