// Package memory is the lifecycle orchestrator. Engine ties the decay model,
// conflict resolver, fusion engine, depth encoder, retrieval scorer and
// category manager together behind add, search and maintenance operations,
// and keeps the durable store, the vector index and the keyword index in
// step.
package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fademem/fademem/pkg/decay"
	"github.com/fademem/fademem/pkg/depth"
	"github.com/fademem/fademem/pkg/filter"
	"github.com/fademem/fademem/pkg/storage"
)

var (
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("memory: validation failed")

	// ErrNotFound reports an unknown or tombstoned memory or category.
	ErrNotFound = errors.New("memory: not found")

	// ErrNotStarted is returned by operations that need the vector index
	// before Start has built it.
	ErrNotStarted = errors.New("memory: engine not started")
)

// Validation codes.
const (
	CodeMissingScope      = "VALIDATION_001"
	CodeInvalidField      = "VALIDATION_002"
	CodeMalformedMessages = "VALIDATION_003"
	CodeScopelessDelete   = "VALIDATION_004"
	CodeInvalidFilter     = "VALIDATION_005"
)

// ValidationError rejects a request before any external call is made.
type ValidationError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func validationError(code, msg string, details map[string]any) error {
	return &ValidationError{Code: code, Message: msg, Details: details}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

func requireScope(s storage.Scope) error {
	if s.Empty() {
		return validationError(CodeMissingScope,
			"at least one of user_id, agent_id or run_id is required", nil)
	}
	return nil
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation handed to Add.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ParseMessages accepts a plain string, a single message object or a list of
// either, as decoded from JSON, and returns the normalized messages.
func ParseMessages(raw any) ([]Message, error) {
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, malformed("messages must not be empty")
		}
		return []Message{{Role: RoleUser, Content: v}}, nil
	case Message:
		return validateMessages([]Message{v})
	case []Message:
		return validateMessages(v)
	case map[string]any:
		m, err := messageFromMap(v)
		if err != nil {
			return nil, err
		}
		return validateMessages([]Message{m})
	case []any:
		out := make([]Message, 0, len(v))
		for i, item := range v {
			switch it := item.(type) {
			case string:
				out = append(out, Message{Role: RoleUser, Content: it})
			case map[string]any:
				m, err := messageFromMap(it)
				if err != nil {
					return nil, err
				}
				out = append(out, m)
			default:
				return nil, malformed(fmt.Sprintf("messages[%d] has unsupported type %T", i, item))
			}
		}
		return validateMessages(out)
	}
	return nil, malformed(fmt.Sprintf("messages has unsupported type %T", raw))
}

func messageFromMap(m map[string]any) (Message, error) {
	content, ok := m["content"].(string)
	if !ok {
		return Message{}, malformed("message content must be a string")
	}
	role, _ := m["role"].(string)
	name, _ := m["name"].(string)
	return Message{Role: role, Content: content, Name: name}, nil
}

func validateMessages(msgs []Message) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, malformed("messages must not be empty")
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.Role == "" {
			m.Role = RoleUser
		}
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return nil, malformed(fmt.Sprintf("messages[%d] has unknown role %q", i, m.Role))
		}
		out[i] = m
	}
	return out, nil
}

func malformed(msg string) error {
	return validationError(CodeMalformedMessages, msg, nil)
}

// AddRequest describes one Add call.
type AddRequest struct {
	Messages []Message
	Scope    storage.Scope
	Metadata map[string]any
	// Categories, when set, replace automatic detection.
	Categories []string

	// Infer extracts facts with the generator instead of storing the
	// messages verbatim.
	Infer    bool
	Includes string
	Excludes string

	// EchoDepth overrides the assessed processing depth.
	EchoDepth depth.Level
	// InitialTier is auto, short or long. Auto places new memories in the
	// short tier.
	InitialTier     string
	InitialStrength float64
	Immutable       bool
	// ExpirationDate is YYYY-MM-DD.
	ExpirationDate string
}

// AddItem is the outcome for one stored fact.
type AddItem struct {
	ID         string     `json:"id"`
	Memory     string     `json:"memory"`
	Event      string     `json:"event"`
	Tier       decay.Tier `json:"tier"`
	Strength   float64    `json:"strength"`
	Categories []string   `json:"categories,omitempty"`
	Depth      string     `json:"echo_depth,omitempty"`
	// Replaced is the id of the record removed by a contradiction or
	// generalization.
	Replaced       string `json:"replaced_id,omitempty"`
	Classification string `json:"classification,omitempty"`
}

// AddResult lists the outcomes of an Add call.
type AddResult struct {
	Results []AddItem `json:"results"`
}

// SearchRequest describes one Search call. Nil toggles take the engine
// defaults.
type SearchRequest struct {
	Query       string
	Scope       storage.Scope
	Limit       int
	Filters     filter.Filter
	MinStrength *float64

	Rerank        *bool
	BoostOnAccess *bool
	KeywordSearch *bool
	SignalRerank  *bool
	CategoryBoost *bool
}

// SearchResult is one ranked memory.
type SearchResult struct {
	ID         string         `json:"id"`
	Memory     string         `json:"memory"`
	UserID     string         `json:"user_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	AppID      string         `json:"app_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Categories []string       `json:"categories,omitempty"`

	Similarity     float64    `json:"similarity"`
	Strength       float64    `json:"strength"`
	Tier           decay.Tier `json:"tier"`
	AccessCount    int        `json:"access_count"`
	CompositeScore float64    `json:"composite_score"`
	SignalBoost    float64    `json:"echo_boost"`
	CategoryBoost  float64    `json:"category_boost"`
	Score          float64    `json:"score"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchResponse holds the ranked results and the topic detected for the
// query, if any.
type SearchResponse struct {
	Results       []SearchResult `json:"results"`
	QueryCategory string         `json:"query_category,omitempty"`
}

// ListRequest selects memories for GetAll.
type ListRequest struct {
	Scope   storage.Scope
	Filters filter.Filter
	Tier    string
	Limit   int
}

// TierChange reports a promote or demote call.
type TierChange struct {
	ID      string     `json:"id"`
	OldTier decay.Tier `json:"old_tier"`
	NewTier decay.Tier `json:"new_tier"`
	Changed bool       `json:"changed"`
}

// DecayReport summarizes a maintenance pass over memories.
type DecayReport struct {
	RunAt     time.Time `json:"run_at"`
	Decayed   int       `json:"decayed"`
	Forgotten int       `json:"forgotten"`
	Promoted  int       `json:"promoted"`
	Purged    int       `json:"purged"`
}

// FuseResult reports a fusion.
type FuseResult struct {
	ID          string     `json:"id,omitempty"`
	Memory      string     `json:"memory"`
	Event       string     `json:"event"`
	Strength    float64    `json:"strength"`
	AccessCount int        `json:"access_count"`
	Tier        decay.Tier `json:"tier"`
	SourceIDs   []string   `json:"source_ids"`
	Fallback    bool       `json:"fallback,omitempty"`
}

// Stats summarizes the memories of a scope.
type Stats struct {
	Total       int            `json:"total"`
	ShortTerm   int            `json:"short_term"`
	LongTerm    int            `json:"long_term"`
	Immutable   int            `json:"immutable"`
	AvgStrength float64        `json:"avg_strength"`
	DepthCounts map[string]int `json:"echo_stats"`
}

// view strips internal fields from a record handed to callers.
func view(m *storage.Memory) *storage.Memory {
	out := m.Clone()
	out.Embedding = nil
	return out
}
