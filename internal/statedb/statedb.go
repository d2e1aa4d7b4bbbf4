// Package statedb is the SQLite-backed session store. It implements
// session.Repository with WAL mode and a busy timeout so a UI process can
// read the database while the daemon writes it.
package statedb

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nadavbarak14/agentboard/internal/logging"
	"github.com/nadavbarak14/agentboard/internal/session"
)

var storeLog = logging.ForComponent(logging.CompStore)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// DefaultMaxConcurrent seeds the settings row on first open.
const DefaultMaxConcurrent = 3

// DB wraps a SQLite database holding sessions, workers, comments, and
// settings. Thread-safe for concurrent use within one process.
type DB struct {
	db *sql.DB
}

var _ session.Repository = (*DB)(nil)

// Open creates or opens the database at dbPath with WAL mode and a busy
// timeout, then runs migrations.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// Pragmas apply per connection; keep the pool at one connection so
	// every statement sees them and concurrent writers queue on the
	// busy timeout instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("statedb: %s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	storeLog.Debug("opened", slog.String("path", dbPath))
	return s, nil
}

// Close checkpoints WAL and closes the database.
func (s *DB) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		storeLog.Warn("wal_checkpoint_failed", slog.String("error", err.Error()))
	}
	return s.db.Close()
}

func (s *DB) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id                 TEXT PRIMARY KEY,
			title              TEXT NOT NULL DEFAULT '',
			working_dir        TEXT NOT NULL,
			worker_id          TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL DEFAULT 'queued',
			conversation_id    TEXT NOT NULL DEFAULT '',
			continuation_count INTEGER NOT NULL DEFAULT 0,
			pid                INTEGER NOT NULL DEFAULT 0,
			needs_input        INTEGER NOT NULL DEFAULT 0,
			locked             INTEGER NOT NULL DEFAULT 0,
			worktree           INTEGER NOT NULL DEFAULT 0,
			start_fresh        INTEGER NOT NULL DEFAULT 0,
			position           INTEGER NOT NULL DEFAULT 0,
			created_at         INTEGER NOT NULL,
			last_active        INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			kind       TEXT NOT NULL,
			connection TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS comments (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			body       TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, position)`,
		`CREATE INDEX IF NOT EXISTS idx_comments_session ON comments(session_id, status)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("statedb: migrate: %w", err)
		}
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)",
		fmt.Sprintf("%d", SchemaVersion),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}
	return tx.Commit()
}

// --- Sessions ---

const sessionCols = `id, title, working_dir, worker_id, status, conversation_id,
	continuation_count, pid, needs_input, locked, worktree, start_fresh,
	position, created_at, last_active`

func scanSession(row interface{ Scan(...any) error }) (*session.Session, error) {
	s := &session.Session{}
	var status string
	var needsInput, locked, worktree, startFresh int
	var createdUnix, activeUnix int64
	if err := row.Scan(
		&s.ID, &s.Title, &s.WorkingDir, &s.WorkerID, &status, &s.ConversationID,
		&s.ContinuationCount, &s.PID, &needsInput, &locked, &worktree, &startFresh,
		&s.Position, &createdUnix, &activeUnix,
	); err != nil {
		return nil, err
	}
	s.Status = session.Status(status)
	s.NeedsInput = needsInput != 0
	s.Locked = locked != 0
	s.Worktree = worktree != 0
	s.StartFresh = startFresh != 0
	s.CreatedAt = time.Unix(createdUnix, 0)
	if activeUnix > 0 {
		s.LastActiveAt = time.Unix(activeUnix, 0)
	}
	return s, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// CreateSession inserts a new session. A missing id is generated; a zero
// position places the session at the back of the queue.
func (s *DB) CreateSession(sess *session.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = session.StatusQueued
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.Position == 0 {
		var max sql.NullInt64
		if err := s.db.QueryRow("SELECT MAX(position) FROM sessions").Scan(&max); err != nil {
			return fmt.Errorf("statedb: next position: %w", err)
		}
		sess.Position = int(max.Int64) + 1
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (`+sessionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sess.ID, sess.Title, sess.WorkingDir, sess.WorkerID, string(sess.Status),
		sess.ConversationID, sess.ContinuationCount, sess.PID,
		boolInt(sess.NeedsInput), boolInt(sess.Locked), boolInt(sess.Worktree),
		boolInt(sess.StartFresh), sess.Position, sess.CreatedAt.Unix(),
		sess.LastActiveAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("statedb: create session: %w", err)
	}
	return nil
}

// GetSession returns the session with the given id.
func (s *DB) GetSession(id string) (*session.Session, error) {
	row := s.db.QueryRow("SELECT "+sessionCols+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions ordered by position. An empty status
// lists everything.
func (s *DB) ListSessions(status session.Status) ([]*session.Session, error) {
	query := "SELECT " + sessionCols + " FROM sessions"
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY position"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("statedb: list sessions: %w", err)
	}
	defer rows.Close()

	var result []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("statedb: list sessions: %w", err)
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// DeleteSession removes a session and (via cascade) its comments.
func (s *DB) DeleteSession(id string) error {
	res, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("statedb: delete session: %w", err)
	}
	return notFoundIfZero(res)
}

// ActivateSession marks the session active with the given pid and bumps
// its continuation count. The conversation id is untouched.
func (s *DB) ActivateSession(id string, pid int) error {
	res, err := s.db.Exec(`
		UPDATE sessions
		SET status = ?, pid = ?, continuation_count = continuation_count + 1,
		    last_active = ?
		WHERE id = ?
	`, string(session.StatusActive), pid, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("statedb: activate session: %w", err)
	}
	return notFoundIfZero(res)
}

// SetSessionPID replaces the pid of an active session without a new
// activation (the early-exit retry path).
func (s *DB) SetSessionPID(id string, pid int) error {
	res, err := s.db.Exec("UPDATE sessions SET pid = ? WHERE id = ?", pid, id)
	if err != nil {
		return fmt.Errorf("statedb: set pid: %w", err)
	}
	return notFoundIfZero(res)
}

// CompleteSession marks a clean exit, recording the conversation id when
// the process reported one.
func (s *DB) CompleteSession(id, conversationID string) error {
	res, err := s.db.Exec(`
		UPDATE sessions
		SET status = ?, pid = 0,
		    conversation_id = CASE WHEN ? != '' THEN ? ELSE conversation_id END
		WHERE id = ?
	`, string(session.StatusCompleted), conversationID, conversationID, id)
	if err != nil {
		return fmt.Errorf("statedb: complete session: %w", err)
	}
	return notFoundIfZero(res)
}

// FailSession marks an error exit.
func (s *DB) FailSession(id string) error {
	res, err := s.db.Exec(
		"UPDATE sessions SET status = ?, pid = 0 WHERE id = ?",
		string(session.StatusFailed), id,
	)
	if err != nil {
		return fmt.Errorf("statedb: fail session: %w", err)
	}
	return notFoundIfZero(res)
}

// QueueSessionForContinue re-queues a session at the back of the queue
// with its continuation context intact.
func (s *DB) QueueSessionForContinue(id string) error {
	var max sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(position) FROM sessions").Scan(&max); err != nil {
		return fmt.Errorf("statedb: queue position: %w", err)
	}
	res, err := s.db.Exec(
		"UPDATE sessions SET status = ?, pid = 0, position = ? WHERE id = ?",
		string(session.StatusQueued), int(max.Int64)+1, id,
	)
	if err != nil {
		return fmt.Errorf("statedb: queue for continue: %w", err)
	}
	return notFoundIfZero(res)
}

// SetNeedsInput sets or clears the sticky needs-input flag.
func (s *DB) SetNeedsInput(id string, v bool) error {
	res, err := s.db.Exec("UPDATE sessions SET needs_input = ? WHERE id = ?", boolInt(v), id)
	if err != nil {
		return fmt.Errorf("statedb: set needs input: %w", err)
	}
	return notFoundIfZero(res)
}

// SetConversationID records the stable conversation identity.
func (s *DB) SetConversationID(id, conversationID string) error {
	res, err := s.db.Exec("UPDATE sessions SET conversation_id = ? WHERE id = ?", conversationID, id)
	if err != nil {
		return fmt.Errorf("statedb: set conversation id: %w", err)
	}
	return notFoundIfZero(res)
}

// SetTitle renames a session.
func (s *DB) SetTitle(id, title string) error {
	res, err := s.db.Exec("UPDATE sessions SET title = ? WHERE id = ?", title, id)
	if err != nil {
		return fmt.Errorf("statedb: set title: %w", err)
	}
	return notFoundIfZero(res)
}

// SetLocked pins or unpins a session against idle preemption.
func (s *DB) SetLocked(id string, v bool) error {
	res, err := s.db.Exec("UPDATE sessions SET locked = ? WHERE id = ?", boolInt(v), id)
	if err != nil {
		return fmt.Errorf("statedb: set locked: %w", err)
	}
	return notFoundIfZero(res)
}

// GetNextQueuedSession returns the queued session with the lowest
// position, or nil when the queue is empty.
func (s *DB) GetNextQueuedSession() (*session.Session, error) {
	row := s.db.QueryRow(
		"SELECT "+sessionCols+" FROM sessions WHERE status = ? ORDER BY position LIMIT 1",
		string(session.StatusQueued),
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: next queued: %w", err)
	}
	return sess, nil
}

// CountActiveSessions returns how many sessions are currently active.
func (s *DB) CountActiveSessions() (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sessions WHERE status = ?",
		string(session.StatusActive),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("statedb: count active: %w", err)
	}
	return count, nil
}

// RecoverOrphanedActive forces every session persisted as active to
// completed. Called once at daemon startup: no process handle can have
// survived a restart. Returns the number of sessions recovered.
func (s *DB) RecoverOrphanedActive() (int, error) {
	res, err := s.db.Exec(
		"UPDATE sessions SET status = ?, pid = 0 WHERE status = ?",
		string(session.StatusCompleted), string(session.StatusActive),
	)
	if err != nil {
		return 0, fmt.Errorf("statedb: recover active: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Settings ---

// GetSettings returns the operator-tunable settings.
func (s *DB) GetSettings() (*session.Settings, error) {
	var value int
	err := s.db.QueryRow(
		"SELECT value FROM metadata WHERE key = 'max_concurrent_sessions'",
	).Scan(&value)
	if err == sql.ErrNoRows {
		return &session.Settings{MaxConcurrentSessions: DefaultMaxConcurrent}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: get settings: %w", err)
	}
	return &session.Settings{MaxConcurrentSessions: value}, nil
}

// SeedMaxConcurrent writes the concurrency budget only when no value has
// been persisted yet. Runtime changes via SetMaxConcurrentSessions win
// over the config file on later boots.
func (s *DB) SeedMaxConcurrent(n int) error {
	if n < 1 {
		return fmt.Errorf("statedb: max concurrent must be >= 1, got %d", n)
	}
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO metadata (key, value) VALUES ('max_concurrent_sessions', ?)",
		fmt.Sprintf("%d", n),
	)
	if err != nil {
		return fmt.Errorf("statedb: seed max concurrent: %w", err)
	}
	return nil
}

// SetMaxConcurrentSessions updates the concurrency budget. Lowering it
// never evicts active sessions; it only blocks new dispatches.
func (s *DB) SetMaxConcurrentSessions(n int) error {
	if n < 1 {
		return fmt.Errorf("statedb: max concurrent must be >= 1, got %d", n)
	}
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('max_concurrent_sessions', ?)",
		fmt.Sprintf("%d", n),
	)
	if err != nil {
		return fmt.Errorf("statedb: set max concurrent: %w", err)
	}
	return nil
}

// --- Workers ---

// GetWorker returns the worker with the given id.
func (s *DB) GetWorker(id string) (*session.Worker, error) {
	w := &session.Worker{}
	var kind string
	err := s.db.QueryRow(
		"SELECT id, name, kind, connection FROM workers WHERE id = ?", id,
	).Scan(&w.ID, &w.Name, &kind, &w.Connection)
	if err == sql.ErrNoRows {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: get worker: %w", err)
	}
	w.Kind = session.WorkerKind(kind)
	return w, nil
}

// CreateWorker inserts a new worker, generating a missing id.
func (s *DB) CreateWorker(w *session.Worker) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		"INSERT INTO workers (id, name, kind, connection) VALUES (?, ?, ?, ?)",
		w.ID, w.Name, string(w.Kind), w.Connection,
	)
	if err != nil {
		return fmt.Errorf("statedb: create worker: %w", err)
	}
	return nil
}

// --- Comments ---

// AddComment queues feedback for a session.
func (s *DB) AddComment(c *session.Comment) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = session.CommentPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		"INSERT INTO comments (id, session_id, body, status, created_at) VALUES (?, ?, ?, ?, ?)",
		c.ID, c.SessionID, c.Body, string(c.Status), c.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("statedb: add comment: %w", err)
	}
	return nil
}

// GetCommentsByStatus returns a session's comments with the given status,
// oldest first.
func (s *DB) GetCommentsByStatus(sessionID string, status session.CommentStatus) ([]*session.Comment, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, body, status, created_at
		FROM comments WHERE session_id = ? AND status = ?
		ORDER BY created_at, rowid
	`, sessionID, string(status))
	if err != nil {
		return nil, fmt.Errorf("statedb: comments by status: %w", err)
	}
	defer rows.Close()

	var result []*session.Comment
	for rows.Next() {
		c := &session.Comment{}
		var st string
		var createdUnix int64
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Body, &st, &createdUnix); err != nil {
			return nil, fmt.Errorf("statedb: comments by status: %w", err)
		}
		c.Status = session.CommentStatus(st)
		c.CreatedAt = time.Unix(createdUnix, 0)
		result = append(result, c)
	}
	return result, rows.Err()
}

// MarkCommentSent flips a comment to sent so it is never re-delivered.
func (s *DB) MarkCommentSent(id string) error {
	res, err := s.db.Exec(
		"UPDATE comments SET status = ? WHERE id = ?",
		string(session.CommentSent), id,
	)
	if err != nil {
		return fmt.Errorf("statedb: mark comment sent: %w", err)
	}
	return notFoundIfZero(res)
}

func notFoundIfZero(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}
