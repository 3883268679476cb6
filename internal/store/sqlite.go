// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message/feedback persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverModernc is the pure-Go driver and the default
	DriverModernc = "sqlite"
	// DriverCGO is github.com/mattn/go-sqlite3 and needs a cgo build
	DriverCGO = "sqlite3"
)

// timeLayout keeps a fixed number of fractional digits so that text ordering
// matches chronological ordering for UTC timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure-Go driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DriverModernc, path)
}

// NewSQLiteStoreWithDriver opens the store with an explicit database/sql driver name.
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each pooled connection to :memory: would otherwise be its own database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			finished INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_owner_created
			ON sessions(owner_id, created_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON messages(session_id, created_at);

		CREATE TABLE IF NOT EXISTS feedback (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE,
			owner_id TEXT NOT NULL,
			emoji_rating TEXT NOT NULL,
			review_text TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id),
			CHECK (emoji_rating IN ('positive', 'neutral', 'negative'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// Databases created before the backend could close consults lack the flag.
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "sessions",
			column: "finished",
			apply:  `ALTER TABLE sessions ADD COLUMN finished INTEGER NOT NULL DEFAULT 0`,
		},
		{
			table:  "feedback",
			column: "review_text",
			apply:  `ALTER TABLE feedback ADD COLUMN review_text TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isUniqueViolation checks if the error is a SQLite UNIQUE or PRIMARY KEY violation
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation checks if the error is a SQLite FOREIGN KEY violation
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by older tooling used plain RFC3339
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateSession inserts a new session row
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, owner_id, title, finished, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.OwnerID,
		session.Title,
		session.Finished,
		formatTime(session.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "owner_id", session.OwnerID)
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, owner_id, title, finished, created_at
		FROM sessions
		WHERE id = ?
	`

	var session Session
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.OwnerID,
		&session.Title,
		&session.Finished,
		&createdAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	session.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &session, nil
}

// ListSessionSummaries returns the owner's sessions newest first, each flagged
// with whether a feedback row exists. A limit of 0 or less means 100.
func (s *SQLiteStore) ListSessionSummaries(ctx context.Context, ownerID string, limit int) ([]*SessionSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT s.id, s.owner_id, s.title, s.finished, s.created_at, f.id IS NOT NULL
		FROM sessions s
		LEFT JOIN feedback f ON f.session_id = s.id
		WHERE s.owner_id = ?
		ORDER BY s.created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var summaries []*SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var createdAtStr string

		if err := rows.Scan(
			&sum.ID,
			&sum.OwnerID,
			&sum.Title,
			&sum.Finished,
			&createdAtStr,
			&sum.HasFeedback,
		); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}

		sum.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		summaries = append(summaries, &sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}

	return summaries, nil
}

// UpdateSessionTitle changes a session's title and returns the updated row.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) UpdateSessionTitle(ctx context.Context, id, title string) (*Session, error) {
	if err := s.updateSession(ctx, `UPDATE sessions SET title = ? WHERE id = ?`, title, id); err != nil {
		return nil, err
	}
	s.logger.Debug("updated session title", "id", id)
	return s.GetSession(ctx, id)
}

// SetSessionFinished sets the backend-owned finished flag and returns the updated row.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) SetSessionFinished(ctx context.Context, id string, finished bool) (*Session, error) {
	if err := s.updateSession(ctx, `UPDATE sessions SET finished = ? WHERE id = ?`, finished, id); err != nil {
		return nil, err
	}
	s.logger.Debug("updated session finished", "id", id, "finished", finished)
	return s.GetSession(ctx, id)
}

func (s *SQLiteStore) updateSession(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveMessage inserts a message. Legacy role names are normalized before storage.
// Returns ErrNotFound if the session doesn't exist and ErrDuplicateMessage if
// the ID is already used.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	role, ok := NormalizeRole(string(msg.Role))
	if !ok {
		return errInvalidRole(msg.Role)
	}

	query := `
		INSERT INTO messages (id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.SessionID,
		string(role),
		msg.Content,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return ErrDuplicateMessage
		case isForeignKeyViolation(err):
			return ErrNotFound
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "session_id", msg.SessionID, "role", msg.Role)
	return nil
}

// ListMessages returns a session's messages in chronological order. Stored
// roles are normalized here; rows with roles outside Role are skipped.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	query := `
		SELECT id, session_id, role, content, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var rawRole, createdAtStr string

		if err := rows.Scan(&msg.ID, &msg.SessionID, &rawRole, &msg.Content, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		role, ok := NormalizeRole(rawRole)
		if !ok {
			continue
		}
		msg.Role = role

		msg.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// CreateFeedback inserts the feedback row for a session.
// Returns ErrDuplicateFeedback if the session already has one and ErrNotFound
// if the session doesn't exist.
func (s *SQLiteStore) CreateFeedback(ctx context.Context, fb *Feedback) error {
	query := `
		INSERT INTO feedback (id, session_id, owner_id, emoji_rating, review_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		fb.ID,
		fb.SessionID,
		fb.OwnerID,
		string(fb.EmojiRating),
		nullString(fb.ReviewText),
		formatTime(fb.CreatedAt),
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return ErrDuplicateFeedback
		case isForeignKeyViolation(err):
			return ErrNotFound
		}
		return fmt.Errorf("inserting feedback: %w", err)
	}

	s.logger.Debug("created feedback", "id", fb.ID, "session_id", fb.SessionID, "rating", fb.EmojiRating)
	return nil
}

// GetFeedback returns the feedback row for a session.
// Returns ErrNotFound if none exists.
func (s *SQLiteStore) GetFeedback(ctx context.Context, sessionID string) (*Feedback, error) {
	query := `
		SELECT id, session_id, owner_id, emoji_rating, review_text, created_at
		FROM feedback
		WHERE session_id = ?
	`

	var fb Feedback
	var rating, createdAtStr string
	var review sql.NullString

	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&fb.ID,
		&fb.SessionID,
		&fb.OwnerID,
		&rating,
		&review,
		&createdAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying feedback: %w", err)
	}

	fb.EmojiRating = EmojiRating(rating)
	fb.ReviewText = review.String
	fb.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &fb, nil
}

// HasFeedback reports whether the session has a feedback row
func (s *SQLiteStore) HasFeedback(ctx context.Context, sessionID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM feedback WHERE session_id = ?`, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking feedback: %w", err)
	}
	return true, nil
}

// countFeedback is used by tests to verify the one-row-per-session invariant
func (s *SQLiteStore) countFeedback(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}
