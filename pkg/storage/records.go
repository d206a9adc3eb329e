package storage

import (
	"crypto/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fademem/fademem/pkg/decay"
	"github.com/fademem/fademem/pkg/filter"
)

// Scope identifies the owner of a memory. At least one id is set on every
// stored record.
type Scope struct {
	UserID  string `json:"user_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	AppID   string `json:"app_id,omitempty"`
}

// Empty reports whether no owner id is set. AppID alone does not count.
func (s Scope) Empty() bool {
	return s.UserID == "" && s.AgentID == "" && s.RunID == ""
}

// Key identifies the exact scope.
func (s Scope) Key() string {
	return strings.Join([]string{s.UserID, s.AgentID, s.RunID, s.AppID}, "|")
}

// Partition is the coarsest id of the scope, the first set of user, agent,
// run and app. Writers serialize per partition and only reconcile against
// memories of their own partition, so {alice} and {alice, agent-1} share
// one.
func (s Scope) Partition() string {
	switch {
	case s.UserID != "":
		return "user:" + s.UserID
	case s.AgentID != "":
		return "agent:" + s.AgentID
	case s.RunID != "":
		return "run:" + s.RunID
	case s.AppID != "":
		return "app:" + s.AppID
	}
	return ""
}

// Contains reports whether other falls inside s: every id set on s must be
// equal on other. The zero Scope contains everything.
func (s Scope) Contains(other Scope) bool {
	return (s.UserID == "" || s.UserID == other.UserID) &&
		(s.AgentID == "" || s.AgentID == other.AgentID) &&
		(s.RunID == "" || s.RunID == other.RunID) &&
		(s.AppID == "" || s.AppID == other.AppID)
}

// Filter returns an equality filter over the set ids, or nil.
func (s Scope) Filter() filter.Filter {
	f := filter.Filter{}
	for field, v := range map[string]string{
		"user_id":  s.UserID,
		"agent_id": s.AgentID,
		"run_id":   s.RunID,
		"app_id":   s.AppID,
	} {
		if v != "" {
			f[field] = v
		}
	}
	if len(f) == 0 {
		return nil
	}
	return f
}

// Memory is a stored fact with its lifecycle state.
type Memory struct {
	ID      string `json:"id"`
	Content string `json:"content"`

	UserID  string `json:"user_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	AppID   string `json:"app_id,omitempty"`

	Metadata   map[string]any `json:"metadata,omitempty"`
	Categories []string       `json:"categories,omitempty"`

	// Immutable records are exempt from decay and forgetting.
	Immutable      bool       `json:"immutable,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`

	Tier         decay.Tier `json:"tier"`
	Strength     float64    `json:"strength"`
	AccessCount  int        `json:"access_count"`
	LastAccessed time.Time  `json:"last_accessed"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	Embedding []float64 `json:"embedding,omitempty"`
	Tombstone bool      `json:"tombstone,omitempty"`
}

// Scope returns the owner ids of m.
func (m *Memory) Scope() Scope {
	return Scope{UserID: m.UserID, AgentID: m.AgentID, RunID: m.RunID, AppID: m.AppID}
}

// SetScope copies the owner ids of s onto m.
func (m *Memory) SetScope(s Scope) {
	m.UserID, m.AgentID, m.RunID, m.AppID = s.UserID, s.AgentID, s.RunID, s.AppID
}

// NextStamp returns the updated_at for a write over a record stamped prev.
// The result is strictly after prev, so a conditional write holding prev
// fails once any later write has landed, even when the clock did not move.
func NextStamp(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}

// Expired reports whether the expiration date lies before now's day.
func (m *Memory) Expired(now time.Time) bool {
	if m.ExpirationDate == nil {
		return false
	}
	y, mo, d := now.UTC().Date()
	today := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	return m.ExpirationDate.UTC().Before(today)
}

// HasAnyCategory reports whether m is tagged with one of ids.
func (m *Memory) HasAnyCategory(ids []string) bool {
	for _, c := range m.Categories {
		for _, id := range ids {
			if c == id {
				return true
			}
		}
	}
	return false
}

// Fields is the flat view the filter language matches against. Core fields
// shadow metadata keys of the same name.
func (m *Memory) Fields() map[string]any {
	out := make(map[string]any, len(m.Metadata)+12)
	for k, v := range m.Metadata {
		out[k] = v
	}
	out["id"] = m.ID
	out["memory"] = m.Content
	out["tier"] = string(m.Tier)
	out["strength"] = m.Strength
	out["access_count"] = m.AccessCount
	out["immutable"] = m.Immutable
	out["created_at"] = m.CreatedAt.Format(time.RFC3339Nano)
	out["updated_at"] = m.UpdatedAt.Format(time.RFC3339Nano)
	cats := make([]any, len(m.Categories))
	for i, c := range m.Categories {
		cats[i] = c
	}
	out["categories"] = cats
	for k, v := range map[string]string{
		"user_id":  m.UserID,
		"agent_id": m.AgentID,
		"run_id":   m.RunID,
		"app_id":   m.AppID,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Clone returns a deep copy of m.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	c := *m
	c.Metadata = cloneMap(m.Metadata)
	if m.Categories != nil {
		c.Categories = append([]string(nil), m.Categories...)
	}
	if m.Embedding != nil {
		c.Embedding = append([]float64(nil), m.Embedding...)
	}
	if m.ExpirationDate != nil {
		exp := *m.ExpirationDate
		c.ExpirationDate = &exp
	}
	return &c
}

// SortMemories orders list by creation time, then id. Every backend returns
// ListMemories results in this order.
func SortMemories(list []*Memory) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// EventType labels a history event.
type EventType string

const (
	EventAdd     EventType = "ADD"
	EventUpdate  EventType = "UPDATE"
	EventDelete  EventType = "DELETE"
	EventDecay   EventType = "DECAY"
	EventPromote EventType = "PROMOTE"
	EventDemote  EventType = "DEMOTE"
	EventReecho  EventType = "REECHO"
	EventNoop    EventType = "NOOP"
	EventFuse    EventType = "FUSE"
)

// HistoryEvent is one entry of a memory's append-only audit log.
type HistoryEvent struct {
	ID          string     `json:"id"`
	MemoryID    string     `json:"memory_id"`
	Event       EventType  `json:"event"`
	OldValue    string     `json:"old_value,omitempty"`
	NewValue    string     `json:"new_value,omitempty"`
	OldStrength *float64   `json:"old_strength,omitempty"`
	NewStrength *float64   `json:"new_strength,omitempty"`
	OldTier     decay.Tier `json:"old_tier,omitempty"`
	NewTier     decay.Tier `json:"new_tier,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DecayRun records one maintenance pass.
type DecayRun struct {
	ID        string    `json:"id"`
	RunAt     time.Time `json:"run_at"`
	Decayed   int       `json:"decayed"`
	Forgotten int       `json:"forgotten"`
	Promoted  int       `json:"promoted"`
}

// CategoryType is the kind of a category. Built-in roots carry one of the
// fixed kinds; categories created at runtime are dynamic.
type CategoryType string

const (
	CategoryPreference CategoryType = "preference"
	CategoryFact       CategoryType = "fact"
	CategoryContext    CategoryType = "context"
	CategoryProcedure  CategoryType = "procedure"
	CategoryCorrection CategoryType = "correction"
	CategoryDynamic    CategoryType = "dynamic"
)

// Category is a node of the topic tree.
type Category struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Type        CategoryType `json:"category_type"`

	ParentID    string   `json:"parent_id,omitempty"`
	ChildrenIDs []string `json:"children_ids,omitempty"`

	MemoryCount   int        `json:"memory_count"`
	TotalStrength float64    `json:"total_strength"`
	AccessCount   int        `json:"access_count"`
	LastAccessed  *time.Time `json:"last_accessed,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`

	Embedding []float64 `json:"embedding,omitempty"`
	Keywords  []string  `json:"keywords,omitempty"`

	Summary          string     `json:"summary,omitempty"`
	SummaryUpdatedAt *time.Time `json:"summary_updated_at,omitempty"`

	Strength float64 `json:"strength"`
}

// AvgStrength is TotalStrength / MemoryCount, or 0 for an empty category.
func (c *Category) AvgStrength() float64 {
	if c.MemoryCount == 0 {
		return 0
	}
	return c.TotalStrength / float64(c.MemoryCount)
}

// Clone returns a deep copy of c.
func (c *Category) Clone() *Category {
	if c == nil {
		return nil
	}
	out := *c
	if c.ChildrenIDs != nil {
		out.ChildrenIDs = append([]string(nil), c.ChildrenIDs...)
	}
	if c.Keywords != nil {
		out.Keywords = append([]string(nil), c.Keywords...)
	}
	if c.Embedding != nil {
		out.Embedding = append([]float64(nil), c.Embedding...)
	}
	if c.LastAccessed != nil {
		t := *c.LastAccessed
		out.LastAccessed = &t
	}
	if c.SummaryUpdatedAt != nil {
		t := *c.SummaryUpdatedAt
		out.SummaryUpdatedAt = &t
	}
	return &out
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEventID returns a ULID. IDs from one process sort in creation order.
func NewEventID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}
