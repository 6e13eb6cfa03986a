package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/sqlchat/internal/domain"
)

const sessionColumns = `id, user_id, title, schema_id, created_at, updated_at`

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var title sql.NullString
	var schemaID sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(&session.ID, &session.UserID, &title, &schemaID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if title.Valid {
		session.Title = &title.String
	}
	if schemaID.Valid {
		id := schemaID.Int64
		session.SchemaID = &id
	}
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)
	return &session, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID int64) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions returns a user's sessions, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID int64, limit int) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ?
		ORDER BY updated_at DESC, id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer closeRows(rows, "list sessions")

	sessions := []*domain.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// CreateSession inserts a session and fills in its ID and timestamps.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	now := time.Now().UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, title, schema_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		session.UserID, nullString(session.Title), nullInt64(session.SchemaID), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("session last insert id: %w", err)
	}
	session.ID = id
	session.CreatedAt = fromMillis(now)
	session.UpdatedAt = session.CreatedAt
	return nil
}

// UpdateSession persists the title and schema binding.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *domain.Session) error {
	now := time.Now().UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, schema_id = ?, updated_at = ? WHERE id = ?`,
		nullString(session.Title), nullInt64(session.SchemaID), now, session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %d: %w", session.ID, domain.ErrNotFound)
	}
	session.UpdatedAt = fromMillis(now)
	return nil
}

// AppendTurn inserts a turn and bumps the session's updated_at in one transaction.
func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID int64, role domain.Role, text string) (*domain.Turn, error) {
	if _, err := domain.ParseRole(string(role)); err != nil {
		return nil, fmt.Errorf("append turn: %w", err)
	}

	var turn *domain.Turn
	err := withBusyRetry(ctx, "append turn", func() error {
		t, err := s.appendTurnOnce(ctx, sessionID, role, text)
		if err != nil {
			return err
		}
		turn = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return turn, nil
}

func (s *SQLiteStore) appendTurnOnce(ctx context.Context, sessionID int64, role domain.Role, text string) (*domain.Turn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append turn: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := nowMillis()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, string(role), text, now)
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("turn last insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append turn: %w", err)
	}

	return &domain.Turn{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		CreatedAt: fromMillis(now),
	}, nil
}

// LastTurns returns the most recent n turns, oldest first.
func (s *SQLiteStore) LastTurns(ctx context.Context, sessionID int64, n int) ([]domain.Turn, error) {
	if n <= 0 {
		return []domain.Turn{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at FROM messages
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer closeRows(rows, "last turns")

	turns := make([]domain.Turn, 0, n)
	for rows.Next() {
		var turn domain.Turn
		var role string
		var createdAt int64
		if err := rows.Scan(&turn.ID, &turn.SessionID, &role, &turn.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		if turn.Role, err = domain.ParseRole(role); err != nil {
			return nil, fmt.Errorf("turn %d: %w", turn.ID, err)
		}
		turn.CreatedAt = fromMillis(createdAt)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	// Reverse to chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
