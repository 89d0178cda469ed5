package stores

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/launchforge/launchforge/pkg/provision"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

// SQLiteStore implements provision.SessionStore using SQLite. Mutations for
// the same session id are serialized through a per-id mutex on top of the
// transaction, giving the single-writer guarantee without blocking unrelated
// sessions.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path:  cfg.Path,
		cfg:   cfg.withDefaults(),
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Every pooled connection to :memory: would get its own database.
	if s.path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// sessionLock returns the mutex serializing writes for one session id.
func (s *SQLiteStore) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// CreateSession persists a new session record with its initial log entries.
func (s *SQLiteStore) CreateSession(ctx context.Context, rec *provision.SessionRecord) error {
	caps, err := json.Marshal(rec.Required)
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO sessions (id, project_name, template_ref, status, stage, progress_percent, required_caps, results, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		rec.ID,
		rec.ProjectName,
		rec.TemplateRef,
		string(rec.Status),
		string(rec.Stage),
		rec.ProgressPercent,
		string(caps),
		string(results),
		nullable(rec.Error),
		rec.CreatedAt.UTC().Format(timeLayout),
		rec.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	if err := s.insertLogs(ctx, tx, rec.ID, rec.Log); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

// GetSession retrieves a session record by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*provision.SessionRecord, error) {
	return s.getSession(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) getSession(ctx context.Context, q querier, id string) (*provision.SessionRecord, error) {
	query := `
		SELECT id, project_name, template_ref, status, stage, progress_percent, required_caps, results, error, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`

	rec, err := scanSession(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", provision.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	logs, err := s.getLogs(ctx, q, id)
	if err != nil {
		return nil, err
	}
	rec.Log = logs

	return rec, nil
}

// UpdateSession applies mutate under the session's write lock and a
// serializable transaction, enforcing the record invariants: terminal
// records accept only log growth, progress never decreases, and the log is
// append-only.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, mutate func(*provision.SessionRecord) error) (*provision.SessionRecord, error) {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := s.getSession(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	next := prev.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	// Identity and creation time are immutable.
	next.ID = prev.ID
	next.CreatedAt = prev.CreatedAt
	next.Required = prev.Required

	if len(next.Log) < len(prev.Log) {
		return nil, fmt.Errorf("session log is append-only: %s", id)
	}

	if prev.Status.IsTerminal() {
		if err := terminalOnlyLogGrowth(prev, next); err != nil {
			return nil, err
		}
	}

	// Retried stages restart their progress band; the record only moves
	// forward.
	if next.ProgressPercent < prev.ProgressPercent {
		next.ProgressPercent = prev.ProgressPercent
	}
	if next.ProgressPercent > 100 {
		next.ProgressPercent = 100
	}

	next.UpdatedAt = time.Now().UTC()

	results, err := json.Marshal(next.Results)
	if err != nil {
		return nil, fmt.Errorf("failed to encode results: %w", err)
	}

	query := `
		UPDATE sessions
		SET status = ?, stage = ?, progress_percent = ?, results = ?, error = ?, updated_at = ?
		WHERE id = ?
	`
	if _, err := tx.ExecContext(ctx, query,
		string(next.Status),
		string(next.Stage),
		next.ProgressPercent,
		string(results),
		nullable(next.Error),
		next.UpdatedAt.Format(timeLayout),
		id,
	); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	if err := s.insertLogs(ctx, tx, id, next.Log[len(prev.Log):]); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session update: %w", err)
	}
	return next, nil
}

// terminalOnlyLogGrowth rejects any mutation of a terminal record other
// than appended log entries.
func terminalOnlyLogGrowth(prev, next *provision.SessionRecord) error {
	same := next.Status == prev.Status &&
		next.Stage == prev.Stage &&
		next.ProgressPercent == prev.ProgressPercent &&
		next.Error == prev.Error &&
		sameResults(prev.Results, next.Results)
	if !same {
		return fmt.Errorf("%w: %s", provision.ErrSessionTerminal, prev.ID)
	}
	return nil
}

func sameResults(prev, next map[provision.Stage]json.RawMessage) bool {
	if len(prev) != len(next) {
		return false
	}
	for stage, payload := range prev {
		other, ok := next[stage]
		if !ok || !bytes.Equal(payload, other) {
			return false
		}
	}
	return true
}

// ListSessions lists session records with pagination, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*provision.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, project_name, template_ref, status, stage, progress_percent, required_caps, results, error, created_at, updated_at
		FROM sessions
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*provision.SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	for _, rec := range sessions {
		logs, err := s.getLogs(ctx, s.db, rec.ID)
		if err != nil {
			return nil, err
		}
		rec.Log = logs
	}

	return sessions, nil
}

// MarkStaleFailed fails every non-terminal session whose last update is
// older than olderThan, appending message to its log. The update re-checks
// the staleness predicate so a session that progressed between the select
// and the update is left alone.
func (s *SQLiteStore) MarkStaleFailed(ctx context.Context, olderThan time.Duration, message string) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM sessions WHERE status IN ('pending', 'running') AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to select stale sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan stale session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("error iterating stale sessions: %w", err)
	}
	_ = rows.Close()

	now := time.Now().UTC().Format(timeLayout)
	var swept int64
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = 'failed', error = ?, updated_at = ?
			WHERE id = ? AND status IN ('pending', 'running') AND updated_at < ?
		`, message, now, id, cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to mark session stale: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_logs (session_id, timestamp, level, message)
			VALUES (?, ?, 'error', ?)
		`, id, now, message); err != nil {
			return 0, fmt.Errorf("failed to append stale log entry: %w", err)
		}
		swept += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit stale sweep: %w", err)
	}
	return swept, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertLogs(ctx context.Context, e execer, sessionID string, entries []provision.LogEntry) error {
	for _, entry := range entries {
		if _, err := e.ExecContext(ctx, `
			INSERT INTO session_logs (session_id, timestamp, level, message)
			VALUES (?, ?, ?, ?)
		`, sessionID, entry.Timestamp.UTC().Format(timeLayout), string(entry.Level), entry.Message); err != nil {
			return fmt.Errorf("failed to append log entry: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) getLogs(ctx context.Context, q querier, sessionID string) ([]provision.LogEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT timestamp, level, message
		FROM session_logs
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session logs: %w", err)
	}
	defer rows.Close()

	logs := []provision.LogEntry{}
	for rows.Next() {
		var ts, level, message string
		if err := rows.Scan(&ts, &level, &message); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		t, err := time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse log timestamp: %w", err)
		}
		logs = append(logs, provision.LogEntry{
			Timestamp: t,
			Level:     provision.LogLevel(level),
			Message:   message,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log entries: %w", err)
	}
	return logs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*provision.SessionRecord, error) {
	var (
		rec              provision.SessionRecord
		status, stage    string
		caps, results    string
		errMsg           sql.NullString
		created, updated string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.ProjectName,
		&rec.TemplateRef,
		&status,
		&stage,
		&rec.ProgressPercent,
		&caps,
		&results,
		&errMsg,
		&created,
		&updated,
	); err != nil {
		return nil, err
	}

	rec.Status = provision.SessionStatus(status)
	rec.Stage = provision.Stage(stage)
	rec.Error = errMsg.String

	if err := json.Unmarshal([]byte(caps), &rec.Required); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(results), &rec.Results); err != nil {
		return nil, fmt.Errorf("failed to decode results: %w", err)
	}

	var err error
	if rec.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
