package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/sqlchat/internal/domain"
	"github.com/ashureev/sqlchat/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; foreign keys are per-connection in SQLite.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id TEXT UNIQUE,
		email TEXT UNIQUE,
		password_hash TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schemas (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT,
		raw_schema TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(user_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_schemas_user ON schemas(user_id);

	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title TEXT,
		schema_id INTEGER REFERENCES schemas(id) ON DELETE SET NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_updated ON sessions(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_order ON messages(session_id, created_at, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withBusyRetry retries a write with exponential backoff while SQLite
// reports SQLITE_BUSY or a locked database.
func withBusyRetry(ctx context.Context, op string, fn func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxRetries, err)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func closeRows(rows *sql.Rows, what string) {
	if closeErr := rows.Close(); closeErr != nil {
		slog.Warn("failed to close rows", "query", what, "error", closeErr)
	}
}

// GetUserByExternalID retrieves a user by cookie identity.
func (s *SQLiteStore) GetUserByExternalID(ctx context.Context, externalID string) (*domain.User, error) {
	return s.getUser(ctx, `external_id = ?`, externalID)
}

// GetUserByEmail retrieves a registered user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.getUser(ctx, `email = ?`, email)
}

func (s *SQLiteStore) getUser(ctx context.Context, where string, arg interface{}) (*domain.User, error) {
	query := `SELECT id, external_id, email, password_hash, created_at FROM users WHERE ` + where

	var user domain.User
	var externalID, email, hash sql.NullString
	var createdAt int64

	err := s.db.QueryRowContext(ctx, query, arg).Scan(&user.ID, &externalID, &email, &hash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.ExternalID = externalID.String
	user.Email = email.String
	user.PasswordHash = hash.String
	user.CreatedAt = fromMillis(createdAt)
	return &user, nil
}

// GetOrCreateUser returns the user for an external ID, inserting it on first sight.
func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, externalID string) (*domain.User, error) {
	user, err := s.GetUserByExternalID(ctx, externalID)
	if err != nil || user != nil {
		return user, err
	}

	err = withBusyRetry(ctx, "insert user", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO users (external_id, created_at) VALUES (?, ?) ON CONFLICT(external_id) DO NOTHING`,
			externalID, nowMillis())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	user, err = s.GetUserByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %q vanished after insert", externalID)
	}
	return user, nil
}

// CreateUser inserts a registered user and fills in its ID.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	var email interface{}
	if user.Email != "" {
		email = user.Email
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (external_id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		user.ExternalID, email, user.PasswordHash, user.CreatedAt.UnixMilli())
	if err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return fmt.Errorf("user with this email already exists: %w", domain.ErrConflict)
		}
		return fmt.Errorf("insert user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("user last insert id: %w", err)
	}
	user.ID = id
	return nil
}
