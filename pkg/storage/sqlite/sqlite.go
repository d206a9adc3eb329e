// Package sqlite provides a SQLite implementation of the storage interface
// on the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fademem/fademem/config"
	"github.com/fademem/fademem/pkg/decay"
	"github.com/fademem/fademem/pkg/storage"
)

// MemoryPath keeps the whole database in process memory.
const MemoryPath = ":memory:"

// SQLiteStorage implements the Store interface on a SQLite database.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// New opens or creates the database described by cfg.
func New(cfg config.SQLiteConfig) (*SQLiteStorage, error) {
	return Open(cfg.Path, cfg.BusyTimeout)
}

// Open opens or creates a database at path and runs migrations.
func Open(path string, busyTimeout time.Duration) (*SQLiteStorage, error) {
	if path == "" {
		path = MemoryPath
	}
	dsn := path
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, &storage.StorageUnavailableError{Cause: fmt.Errorf("create db dir: %w", err)}
		}
		pragmas := []string{"_pragma=journal_mode(wal)", "_pragma=foreign_keys(on)"}
		if busyTimeout > 0 {
			pragmas = append(pragmas, fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeout.Milliseconds()))
		}
		dsn = path + "?" + strings.Join(pragmas, "&")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: fmt.Errorf("open db: %w", err)}
	}
	// One connection serializes writers and keeps a :memory: database shared.
	db.SetMaxOpenConns(1)

	s := &SQLiteStorage{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, &storage.StorageUnavailableError{Cause: fmt.Errorf("migrate: %w", err)}
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id              TEXT PRIMARY KEY,
		content         TEXT NOT NULL,
		user_id         TEXT NOT NULL DEFAULT '',
		agent_id        TEXT NOT NULL DEFAULT '',
		run_id          TEXT NOT NULL DEFAULT '',
		app_id          TEXT NOT NULL DEFAULT '',
		metadata        TEXT,
		categories      TEXT,
		immutable       INTEGER NOT NULL DEFAULT 0,
		expiration_date TEXT,
		tier            TEXT NOT NULL,
		strength        REAL NOT NULL,
		access_count    INTEGER NOT NULL DEFAULT 0,
		last_accessed   TEXT,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		embedding       TEXT,
		tombstone       INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, tombstone);
	CREATE INDEX IF NOT EXISTS idx_memories_agent ON memories(agent_id, tombstone);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);

	CREATE TABLE IF NOT EXISTS memory_history (
		id           TEXT PRIMARY KEY,
		memory_id    TEXT NOT NULL,
		event        TEXT NOT NULL,
		old_value    TEXT,
		new_value    TEXT,
		old_strength REAL,
		new_strength REAL,
		old_tier     TEXT,
		new_tier     TEXT,
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_memory ON memory_history(memory_id, id);

	CREATE TABLE IF NOT EXISTS decay_log (
		id        TEXT PRIMARY KEY,
		run_at    TEXT NOT NULL,
		decayed   INTEGER NOT NULL,
		forgotten INTEGER NOT NULL,
		promoted  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS categories (
		id        TEXT PRIMARY KEY,
		name      TEXT NOT NULL,
		parent_id TEXT,
		data      TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const memoryColumns = `id, content, user_id, agent_id, run_id, app_id, metadata, categories,
	immutable, expiration_date, tier, strength, access_count, last_accessed,
	created_at, updated_at, embedding, tombstone`

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshal(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshal(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" || ns.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), v); err != nil {
		return &storage.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return nil
}

// memoryArgs returns the column values of m in memoryColumns order.
func memoryArgs(m *storage.Memory) ([]any, error) {
	var meta, cats, emb sql.NullString
	var err error
	if len(m.Metadata) > 0 {
		if meta, err = marshal(m.Metadata); err != nil {
			return nil, err
		}
	}
	if len(m.Categories) > 0 {
		if cats, err = marshal(m.Categories); err != nil {
			return nil, err
		}
	}
	if len(m.Embedding) > 0 {
		if emb, err = marshal(m.Embedding); err != nil {
			return nil, err
		}
	}
	return []any{
		m.ID, m.Content, m.UserID, m.AgentID, m.RunID, m.AppID, meta, cats,
		boolInt(m.Immutable), nullTime(m.ExpirationDate), string(m.Tier), m.Strength,
		m.AccessCount, formatTime(m.LastAccessed), formatTime(m.CreatedAt),
		formatTime(m.UpdatedAt), emb, boolInt(m.Tombstone),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner) (*storage.Memory, error) {
	var (
		m                          storage.Memory
		meta, cats, emb, exp       sql.NullString
		tier, lastAcc, created, up string
		immutable, tombstone       int
	)
	err := row.Scan(&m.ID, &m.Content, &m.UserID, &m.AgentID, &m.RunID, &m.AppID,
		&meta, &cats, &immutable, &exp, &tier, &m.Strength, &m.AccessCount,
		&lastAcc, &created, &up, &emb, &tombstone)
	if err != nil {
		return nil, err
	}
	m.Tier = decay.Tier(tier)
	m.Immutable = immutable != 0
	m.Tombstone = tombstone != 0
	if err := unmarshal(meta, &m.Metadata); err != nil {
		return nil, err
	}
	if err := unmarshal(cats, &m.Categories); err != nil {
		return nil, err
	}
	if err := unmarshal(emb, &m.Embedding); err != nil {
		return nil, err
	}
	if exp.Valid {
		t, err := parseTime(exp.String)
		if err != nil {
			return nil, &storage.SerializationError{Operation: "parse expiration_date", Cause: err}
		}
		m.ExpirationDate = &t
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&m.LastAccessed, lastAcc}, {&m.CreatedAt, created}, {&m.UpdatedAt, up}} {
		t, err := parseTime(f.src)
		if err != nil {
			return nil, &storage.SerializationError{Operation: "parse timestamp", Cause: err}
		}
		*f.dst = t
	}
	return &m, nil
}

func (s *SQLiteStorage) getLive(ctx context.Context, id string) (*storage.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ? AND tombstone = 0`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &storage.NotFoundError{EntityType: "memory", ID: id}
	}
	return m, err
}

// AddMemory stores a new memory.
func (s *SQLiteStorage) AddMemory(ctx context.Context, m *storage.Memory) error {
	args, err := memoryArgs(m)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO memories (`+memoryColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		args...)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.DuplicateKeyError{EntityType: "memory", ID: m.ID}
	}
	return nil
}

// GetMemory retrieves a live memory by ID.
func (s *SQLiteStorage) GetMemory(ctx context.Context, id string) (*storage.Memory, error) {
	return s.getLive(ctx, id)
}

const updateSet = `content = ?, user_id = ?, agent_id = ?, run_id = ?, app_id = ?,
	metadata = ?, categories = ?, immutable = ?, expiration_date = ?, tier = ?,
	strength = ?, access_count = ?, last_accessed = ?, created_at = ?,
	updated_at = ?, embedding = ?, tombstone = ?`

// UpdateMemory replaces a live memory.
func (s *SQLiteStorage) UpdateMemory(ctx context.Context, m *storage.Memory) error {
	args, err := memoryArgs(m)
	if err != nil {
		return err
	}
	args = append(args[1:], m.ID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET `+updateSet+` WHERE id = ? AND tombstone = 0`, args...)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.NotFoundError{EntityType: "memory", ID: m.ID}
	}
	return nil
}

// CompareAndUpdateMemory replaces a live memory if its updated_at is expected.
func (s *SQLiteStorage) CompareAndUpdateMemory(ctx context.Context, m *storage.Memory, expected time.Time) error {
	args, err := memoryArgs(m)
	if err != nil {
		return err
	}
	args = append(args[1:], m.ID, formatTime(expected))
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET `+updateSet+` WHERE id = ? AND tombstone = 0 AND updated_at = ?`, args...)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.getLive(ctx, m.ID); err != nil {
		return err
	}
	return &storage.ConflictError{ID: m.ID}
}

// IncrementAccess bumps the access count of a live memory.
func (s *SQLiteStorage) IncrementAccess(ctx context.Context, id string, at time.Time) (*storage.Memory, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("increment access: %w", err)
	}
	defer tx.Rollback()

	var prev string
	err = tx.QueryRowContext(ctx,
		`SELECT updated_at FROM memories WHERE id = ? AND tombstone = 0`, id).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &storage.NotFoundError{EntityType: "memory", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("increment access: %w", err)
	}
	prevAt, err := parseTime(prev)
	if err != nil {
		return nil, fmt.Errorf("increment access: parse updated_at: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(storage.NextStamp(prevAt, at)), id); err != nil {
		return nil, fmt.Errorf("increment access: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("increment access: %w", err)
	}
	return s.getLive(ctx, id)
}

// DeleteMemory tombstones or removes a live memory.
func (s *SQLiteStorage) DeleteMemory(ctx context.Context, id string, soft bool) error {
	query := `DELETE FROM memories WHERE id = ? AND tombstone = 0`
	if soft {
		query = `UPDATE memories SET tombstone = 1 WHERE id = ? AND tombstone = 0`
	}
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.NotFoundError{EntityType: "memory", ID: id}
	}
	return nil
}

// ListMemories returns live memories matching q. Scope, tier and strength are
// pushed into SQL; categories and filters are matched in process.
func (s *SQLiteStorage) ListMemories(ctx context.Context, q *storage.MemoryQuery) ([]*storage.Memory, error) {
	where := []string{"tombstone = 0"}
	var args []any
	if q != nil {
		for col, v := range map[string]string{
			"user_id":  q.Scope.UserID,
			"agent_id": q.Scope.AgentID,
			"run_id":   q.Scope.RunID,
			"app_id":   q.Scope.AppID,
			"tier":     q.Tier,
		} {
			if v != "" {
				where = append(where, col+" = ?")
				args = append(args, v)
			}
		}
		if q.MinStrength > 0 {
			where = append(where, "strength >= ?")
			args = append(args, q.MinStrength)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE `+strings.Join(where, " AND ")+
			` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []*storage.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		if q.Match(m) {
			out = append(out, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	storage.SortMemories(out)
	if q != nil && q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// PurgeTombstoned removes tombstoned memories.
func (s *SQLiteStorage) PurgeTombstoned(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE tombstone = 1`)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// AppendHistory appends an event to the history table.
func (s *SQLiteStorage) AppendHistory(ctx context.Context, e *storage.HistoryEvent) error {
	if e.ID == "" {
		e.ID = storage.NewEventID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_history (id, memory_id, event, old_value, new_value,
			old_strength, new_strength, old_tier, new_tier, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.MemoryID, string(e.Event), e.OldValue, e.NewValue,
		nullFloat(e.OldStrength), nullFloat(e.NewStrength),
		string(e.OldTier), string(e.NewTier), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// History returns the events of a memory, oldest first.
func (s *SQLiteStorage) History(ctx context.Context, memoryID string) ([]*storage.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, memory_id, event, old_value, new_value, old_strength, new_strength,
			old_tier, new_tier, created_at
		 FROM memory_history WHERE memory_id = ? ORDER BY id`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	out := []*storage.HistoryEvent{}
	for rows.Next() {
		var (
			e                 storage.HistoryEvent
			event, oldT, newT string
			created           string
			oldVal, newVal    sql.NullString
			oldS, newS        sql.NullFloat64
		)
		if err := rows.Scan(&e.ID, &e.MemoryID, &event, &oldVal, &newVal, &oldS, &newS,
			&oldT, &newT, &created); err != nil {
			return nil, err
		}
		e.Event = storage.EventType(event)
		e.OldValue, e.NewValue = oldVal.String, newVal.String
		e.OldTier, e.NewTier = decay.Tier(oldT), decay.Tier(newT)
		if oldS.Valid {
			v := oldS.Float64
			e.OldStrength = &v
		}
		if newS.Valid {
			v := newS.Float64
			e.NewStrength = &v
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, &storage.SerializationError{Operation: "parse timestamp", Cause: err}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// RecordDecayRun appends a maintenance record.
func (s *SQLiteStorage) RecordDecayRun(ctx context.Context, r *storage.DecayRun) error {
	if r.ID == "" {
		r.ID = storage.NewEventID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decay_log (id, run_at, decayed, forgotten, promoted) VALUES (?,?,?,?,?)`,
		r.ID, formatTime(r.RunAt), r.Decayed, r.Forgotten, r.Promoted)
	if err != nil {
		return fmt.Errorf("record decay run: %w", err)
	}
	return nil
}

// DecayRuns returns up to limit maintenance records, newest first.
func (s *SQLiteStorage) DecayRuns(ctx context.Context, limit int) ([]*storage.DecayRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_at, decayed, forgotten, promoted FROM decay_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("decay runs: %w", err)
	}
	defer rows.Close()

	out := []*storage.DecayRun{}
	for rows.Next() {
		var r storage.DecayRun
		var runAt string
		if err := rows.Scan(&r.ID, &runAt, &r.Decayed, &r.Forgotten, &r.Promoted); err != nil {
			return nil, err
		}
		if r.RunAt, err = parseTime(runAt); err != nil {
			return nil, &storage.SerializationError{Operation: "parse timestamp", Cause: err}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SaveCategory inserts or replaces a category.
func (s *SQLiteStorage) SaveCategory(ctx context.Context, c *storage.Category) error {
	data, err := marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO categories (id, name, parent_id, data) VALUES (?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, parent_id = excluded.parent_id, data = excluded.data`,
		c.ID, c.Name, c.ParentID, data)
	if err != nil {
		return fmt.Errorf("save category: %w", err)
	}
	return nil
}

// GetCategory retrieves a category by ID.
func (s *SQLiteStorage) GetCategory(ctx context.Context, id string) (*storage.Category, error) {
	var data sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT data FROM categories WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &storage.NotFoundError{EntityType: "category", ID: id}
	}
	if err != nil {
		return nil, err
	}
	var c storage.Category
	if err := unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCategories returns every category sorted by id.
func (s *SQLiteStorage) ListCategories(ctx context.Context) ([]*storage.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM categories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	out := []*storage.Category{}
	for rows.Next() {
		var data sql.NullString
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c storage.Category
		if err := unmarshal(data, &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteCategory removes a category.
func (s *SQLiteStorage) DeleteCategory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.NotFoundError{EntityType: "category", ID: id}
	}
	return nil
}

// Reset removes every row of every table.
func (s *SQLiteStorage) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"memories", "memory_history", "decay_log", "categories"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// Path returns the database location.
func (s *SQLiteStorage) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
