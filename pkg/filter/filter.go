// Package filter implements the metadata filter language shared by the vector
// index, store scans and search.
//
// A filter is a JSON-style object. Each key names a field and maps either to a
// literal (equality), to "*" (field exists), or to an object of operators:
//
//	{"user_id": "u1", "importance": {"gte": 0.5}, "tags": {"contains": "go"}}
//
// Operators are eq, ne, gt, gte, lt, lte, in, nin, contains and icontains. The
// reserved keys AND, OR and NOT take lists of nested filters. All top-level
// conditions must hold.
package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// ErrInvalid reports a malformed filter expression.
var ErrInvalid = errors.New("filter: invalid expression")

// Wildcard matches any present, non-nil value.
const Wildcard = "*"

const (
	opAnd = "AND"
	opOr  = "OR"
	opNot = "NOT"
)

var operators = map[string]bool{
	"eq": true, "ne": true, "gt": true, "gte": true, "lt": true, "lte": true,
	"in": true, "nin": true, "contains": true, "icontains": true,
}

// Filter is a parsed filter expression.
type Filter map[string]any

// Eq returns a filter requiring field == value.
func Eq(field string, value any) Filter {
	return Filter{field: value}
}

// And combines filters, skipping empty ones.
func And(filters ...Filter) Filter {
	var parts []any
	for _, f := range filters {
		if len(f) > 0 {
			parts = append(parts, map[string]any(f))
		}
	}
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return Filter(parts[0].(map[string]any))
	}
	return Filter{opAnd: parts}
}

// Parse validates raw and returns it as a Filter.
func Parse(raw map[string]any) (Filter, error) {
	f := Filter(raw)
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks the structure of the expression.
func (f Filter) Validate() error {
	for key, cond := range f {
		switch key {
		case opAnd, opOr, opNot:
			subs, err := subFilters(cond)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
			}
			for _, sub := range subs {
				if err := sub.Validate(); err != nil {
					return err
				}
			}
			continue
		}
		if key == "" {
			return fmt.Errorf("%w: empty field name", ErrInvalid)
		}
		ops, ok := asMap(cond)
		if !ok {
			continue
		}
		if len(ops) == 0 {
			return fmt.Errorf("%w: %s: empty operator object", ErrInvalid, key)
		}
		for op, operand := range ops {
			if !operators[op] {
				return fmt.Errorf("%w: %s: unknown operator %q", ErrInvalid, key, op)
			}
			if (op == "in" || op == "nin") && !isList(operand) {
				return fmt.Errorf("%w: %s: %s needs a list", ErrInvalid, key, op)
			}
		}
	}
	return nil
}

// Match reports whether fields satisfy the filter. An empty filter matches
// everything; a malformed one matches nothing.
func (f Filter) Match(fields map[string]any) bool {
	for key, cond := range f {
		switch key {
		case opAnd, opOr, opNot:
			subs, err := subFilters(cond)
			if err != nil {
				return false
			}
			if !matchCombinator(key, subs, fields) {
				return false
			}
			continue
		}
		value, present := fields[key]
		if !matchCondition(cond, value, present) {
			return false
		}
	}
	return true
}

func matchCombinator(op string, subs []Filter, fields map[string]any) bool {
	switch op {
	case opAnd:
		for _, s := range subs {
			if !s.Match(fields) {
				return false
			}
		}
		return true
	case opOr:
		for _, s := range subs {
			if s.Match(fields) {
				return true
			}
		}
		return len(subs) == 0
	default: // NOT: none may match
		for _, s := range subs {
			if s.Match(fields) {
				return false
			}
		}
		return true
	}
}

func matchCondition(cond, value any, present bool) bool {
	if s, ok := cond.(string); ok && s == Wildcard {
		return present && value != nil
	}
	ops, ok := asMap(cond)
	if !ok {
		return present && equalOrHas(value, cond)
	}
	for op, operand := range ops {
		if !matchOperator(op, operand, value, present) {
			return false
		}
	}
	return true
}

func matchOperator(op string, operand, value any, present bool) bool {
	switch op {
	case "eq":
		return present && equalOrHas(value, operand)
	case "ne":
		return !present || !equalOrHas(value, operand)
	case "in":
		return present && inList(value, operand)
	case "nin":
		return !present || !inList(value, operand)
	case "contains":
		return present && contains(value, operand, false)
	case "icontains":
		return present && contains(value, operand, true)
	case "gt", "gte", "lt", "lte":
		if !present {
			return false
		}
		c, ok := compare(value, operand)
		if !ok {
			return false
		}
		switch op {
		case "gt":
			return c > 0
		case "gte":
			return c >= 0
		case "lt":
			return c < 0
		default:
			return c <= 0
		}
	}
	return false
}

// equalOrHas is equality for scalars and membership for list-valued fields.
func equalOrHas(value, operand any) bool {
	if items, ok := listItems(value); ok {
		for _, it := range items {
			if equal(it, operand) {
				return true
			}
		}
		return false
	}
	return equal(value, operand)
}

func inList(value, operand any) bool {
	options, _ := listItems(operand)
	for _, o := range options {
		if equalOrHas(value, o) {
			return true
		}
	}
	return false
}

func contains(value, operand any, fold bool) bool {
	if items, ok := listItems(value); ok {
		for _, it := range items {
			if equal(it, operand) || (fold && strings.EqualFold(fmt.Sprint(it), fmt.Sprint(operand))) {
				return true
			}
		}
		return false
	}
	s, ok := value.(string)
	if !ok {
		return false
	}
	needle := fmt.Sprint(operand)
	if fold {
		return strings.Contains(strings.ToLower(s), strings.ToLower(needle))
	}
	return strings.Contains(s, needle)
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// compare orders numbers, strings and times. Times accept RFC 3339 operands.
func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if ta, ok := toTime(a); ok {
		tb, ok := toTime(b)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Filter:
		return m, true
	}
	return nil, false
}

func isList(v any) bool {
	_, ok := listItems(v)
	return ok
}

func listItems(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func subFilters(v any) ([]Filter, error) {
	items, ok := listItems(v)
	if !ok {
		return nil, errors.New("expected a list of filters")
	}
	out := make([]Filter, 0, len(items))
	for _, it := range items {
		m, ok := asMap(it)
		if !ok {
			return nil, errors.New("list items must be objects")
		}
		out = append(out, Filter(m))
	}
	return out, nil
}
