// Package trace is the append-only persistent log plus session index every
// Session writes through as it runs: start_session, end_session, save_trace,
// get_traces, and retention cleanup.
package trace

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("not found")

//go:embed migrations/*.sql
var migrationFS embed.FS

// DefaultRawTruncationBytes bounds raw_input/raw_output storage when a
// caller doesn't supply its own limit.
const DefaultRawTruncationBytes = 4096

// Session is the index row a Session's lifetime maps to one-to-one.
type Session struct {
	ID          string
	Task        string
	StartedAt   time.Time
	EndedAt     *time.Time
	TotalEvents int
	TotalTokens int
	TotalCost   float64
}

// Entry is one append-only record of something that happened during a
// session: a step, a tool call, a model call, an error.
type Entry struct {
	ID           int64
	ParentID     *int64
	SessionID    string
	Type         string
	Timestamp    time.Time
	DurationMS   *int64
	InputTokens  *int
	OutputTokens *int
	Model        string
	Provider     string
	Cost         *float64
	Data         string
	RawInput     string
	RawOutput    string
}

// Filters narrows a get_traces query. Zero values are "don't filter on
// this field"; Substring matches against data, raw_input, or raw_output.
type Filters struct {
	SessionID string
	Type      string
	Since     time.Time
	Until     time.Time
	Substring string
}

// Store is the process-wide trace persistence handle. Reads may run
// concurrently with writes (SQLite WAL mode); writes themselves serialize
// through database/sql's own connection pool.
type Store struct {
	db                 *sql.DB
	rawTruncationBytes int
}

// Open creates (if necessary) and migrates the database at path, enabling
// WAL mode so a UI observer can stream a session's traces while the
// Executor is still writing to it.
func Open(path string, rawTruncationBytes int) (*Store, error) {
	if rawTruncationBytes <= 0 {
		rawTruncationBytes = DefaultRawTruncationBytes
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, rawTruncationBytes: rawTruncationBytes}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version TEXT PRIMARY KEY);`); err != nil {
		return err
	}
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		v := e.Name()
		var exists string
		err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = ?", v).Scan(&exists)
		if err == nil {
			continue
		} else if err != sql.ErrNoRows {
			return err
		}
		body, err := migrationFS.ReadFile("migrations/" + v)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations(version) VALUES(?)", v); err != nil {
			return err
		}
	}
	return nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// StartSession creates the index row for a new Session. Writes are durable
// on return: the Executor must not advance past session creation until
// this returns nil.
func (s *Store) StartSession(ctx context.Context, id, task string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions(id,task,started_at,total_events,total_tokens,total_cost) VALUES(?,?,?,0,0,0)",
		id, task, fmtTime(startedAt))
	return err
}

// EndSession stamps a session's end time and final aggregate totals.
func (s *Store) EndSession(ctx context.Context, id string, endedAt time.Time, totalEvents, totalTokens int, totalCost float64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET ended_at=?, total_events=?, total_tokens=?, total_cost=? WHERE id=?",
		fmtTime(endedAt), totalEvents, totalTokens, totalCost, id)
	return err
}

// GetSession fetches a session's index row.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	var started string
	var ended sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id,task,started_at,ended_at,total_events,total_tokens,total_cost FROM sessions WHERE id=?", id,
	).Scan(&sess.ID, &sess.Task, &started, &ended, &sess.TotalEvents, &sess.TotalTokens, &sess.TotalCost)
	if err == sql.ErrNoRows {
		return sess, ErrNotFound
	}
	if err != nil {
		return sess, err
	}
	sess.StartedAt = parseTime(started)
	if ended.Valid && ended.String != "" {
		t := parseTime(ended.String)
		sess.EndedAt = &t
	}
	return sess, nil
}

// truncate bounds a raw I/O string to the store's configured maximum,
// per the trace store's truncation invariant.
func (s *Store) truncate(raw string) string {
	if len(raw) <= s.rawTruncationBytes {
		return raw
	}
	return raw[:s.rawTruncationBytes]
}

// SaveTrace appends one TraceEntry. Like StartSession, this must complete
// before the Executor advances to its next step.
func (s *Store) SaveTrace(ctx context.Context, e Entry) (int64, error) {
	e.RawInput = s.truncate(e.RawInput)
	e.RawOutput = s.truncate(e.RawOutput)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO trace_entries(parent_id,session_id,type,timestamp,duration_ms,input_tokens,output_tokens,model,provider,cost,data,raw_input,raw_output)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		nullableInt64(e.ParentID), e.SessionID, e.Type, fmtTime(e.Timestamp), nullableInt64(e.DurationMS),
		nullableInt(e.InputTokens), nullableInt(e.OutputTokens), e.Model, e.Provider, nullableFloat(e.Cost),
		e.Data, e.RawInput, e.RawOutput)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if _, err := s.db.ExecContext(ctx, "UPDATE sessions SET total_events = total_events + 1 WHERE id=?", e.SessionID); err != nil {
		return id, err
	}
	return id, nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// GetTraces returns entries matching filters, oldest first.
func (s *Store) GetTraces(ctx context.Context, f Filters) ([]Entry, error) {
	var conds []string
	var args []any

	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, fmtTime(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, fmtTime(f.Until))
	}
	if f.Substring != "" {
		conds = append(conds, "(data LIKE ? OR raw_input LIKE ? OR raw_output LIKE ?)")
		like := "%" + escapeLike(f.Substring) + "%"
		args = append(args, like, like, like)
	}

	query := "SELECT id,parent_id,session_id,type,timestamp,duration_ms,input_tokens,output_tokens,model,provider,cost,data,raw_input,raw_output FROM trace_entries"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var parentID, durationMS, inputTokens, outputTokens sql.NullInt64
		var cost sql.NullFloat64
		var ts string
		if err := rows.Scan(&e.ID, &parentID, &e.SessionID, &e.Type, &ts, &durationMS, &inputTokens, &outputTokens,
			&e.Model, &e.Provider, &cost, &e.Data, &e.RawInput, &e.RawOutput); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		if parentID.Valid {
			v := parentID.Int64
			e.ParentID = &v
		}
		if durationMS.Valid {
			v := durationMS.Int64
			e.DurationMS = &v
		}
		if inputTokens.Valid {
			v := int(inputTokens.Int64)
			e.InputTokens = &v
		}
		if outputTokens.Valid {
			v := int(outputTokens.Int64)
			e.OutputTokens = &v
		}
		if cost.Valid {
			v := cost.Float64
			e.Cost = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

// CleanupOldTraces deletes trace entries (and the sessions left with none)
// strictly older than retentionDays, relative to now.
func (s *Store) CleanupOldTraces(ctx context.Context, retentionDays int, now time.Time) (int64, error) {
	cutoff := fmtTime(now.AddDate(0, 0, -retentionDays))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM trace_entries WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?
		 AND id NOT IN (SELECT DISTINCT session_id FROM trace_entries)`, cutoff); err != nil {
		return deleted, err
	}

	return deleted, tx.Commit()
}

// SetConfig writes a key/value pair to the embedded configuration table
// (e.g. the retention_days setting currently in force).
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO store_config(key,value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value", key, value)
	return err
}

// GetConfig reads a key from the embedded configuration table.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM store_config WHERE key=?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

// DefaultPath returns the well-defined per-user trace database path.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".reach", "agent_traces.db"), nil
}
