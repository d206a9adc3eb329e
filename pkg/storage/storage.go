// Package storage defines the durable store for memories, their history,
// maintenance runs and categories. Backends live in subpackages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fademem/fademem/pkg/filter"
)

// Store is the durable record store. Tombstoned memories are invisible to
// every read until PurgeTombstoned removes them.
type Store interface {
	// Memory operations
	AddMemory(ctx context.Context, m *Memory) error
	GetMemory(ctx context.Context, id string) (*Memory, error)
	UpdateMemory(ctx context.Context, m *Memory) error
	// CompareAndUpdateMemory writes m only if the stored record's UpdatedAt
	// equals expected; otherwise it returns a *ConflictError.
	CompareAndUpdateMemory(ctx context.Context, m *Memory, expected time.Time) error
	// IncrementAccess bumps the access count and sets LastAccessed and
	// UpdatedAt to at.
	IncrementAccess(ctx context.Context, id string, at time.Time) (*Memory, error)
	// DeleteMemory tombstones the record when soft is true and removes it
	// otherwise.
	DeleteMemory(ctx context.Context, id string, soft bool) error
	ListMemories(ctx context.Context, q *MemoryQuery) ([]*Memory, error)
	PurgeTombstoned(ctx context.Context) (int, error)

	// History operations
	AppendHistory(ctx context.Context, e *HistoryEvent) error
	History(ctx context.Context, memoryID string) ([]*HistoryEvent, error)

	// Maintenance log
	RecordDecayRun(ctx context.Context, r *DecayRun) error
	DecayRuns(ctx context.Context, limit int) ([]*DecayRun, error)

	// Category operations
	SaveCategory(ctx context.Context, c *Category) error
	GetCategory(ctx context.Context, id string) (*Category, error)
	ListCategories(ctx context.Context) ([]*Category, error)
	DeleteCategory(ctx context.Context, id string) error

	// Reset removes every record of every collection.
	Reset(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MemoryQuery selects memories in ListMemories. Zero values do not filter.
type MemoryQuery struct {
	Scope       Scope
	Filter      filter.Filter
	Tier        string
	MinStrength float64
	// Categories keeps memories tagged with any of the listed ids.
	Categories []string
	Limit      int
}

// Match reports whether m satisfies the query.
func (q *MemoryQuery) Match(m *Memory) bool {
	if q == nil {
		return true
	}
	if !q.Scope.Contains(m.Scope()) {
		return false
	}
	if q.Tier != "" && string(m.Tier) != q.Tier {
		return false
	}
	if m.Strength < q.MinStrength {
		return false
	}
	if len(q.Categories) > 0 && !m.HasAnyCategory(q.Categories) {
		return false
	}
	if len(q.Filter) > 0 && !q.Filter.Match(m.Fields()) {
		return false
	}
	return true
}

// IsNotFound reports whether err is or wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is or wraps a *ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// NotFoundError indicates that the requested entity was not found.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.EntityType, e.ID)
}

// DuplicateKeyError indicates that an entity with the given ID already exists.
type DuplicateKeyError struct {
	EntityType string
	ID         string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.EntityType, e.ID)
}

// ConflictError indicates a failed compare-and-update.
type ConflictError struct {
	ID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("memory %s was modified concurrently", e.ID)
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Cause }

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }
