// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/sqlchat/internal/domain"
)

// HistoryStore is the append-only, per-session ordered log of turns.
type HistoryStore interface {
	// AppendTurn records a new turn and returns it with its assigned ID and timestamp.
	AppendTurn(ctx context.Context, sessionID int64, role domain.Role, text string) (*domain.Turn, error)

	// LastTurns returns the most recent n turns of a session, oldest first.
	LastTurns(ctx context.Context, sessionID int64, n int) ([]domain.Turn, error)
}

// SchemaStore looks up raw schema text by schema ID.
type SchemaStore interface {
	// GetSchemaText returns the raw schema text; ok is false if the schema does not exist.
	GetSchemaText(ctx context.Context, schemaID int64) (text string, ok bool, err error)
}

// SessionRegistry resolves sessions for ownership checks and schema binding.
type SessionRegistry interface {
	// GetSession retrieves a session by ID. Returns nil, nil if it does not exist.
	GetSession(ctx context.Context, sessionID int64) (*domain.Session, error)
}

// Repository defines the full persistence surface used by the server.
type Repository interface {
	HistoryStore
	SchemaStore
	SessionRegistry

	// GetUserByExternalID retrieves a user by cookie identity. Returns nil, nil if not found.
	GetUserByExternalID(ctx context.Context, externalID string) (*domain.User, error)

	// GetUserByEmail retrieves a registered user. Returns nil, nil if not found.
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)

	// GetOrCreateUser returns the user with the given external ID, creating it if needed.
	GetOrCreateUser(ctx context.Context, externalID string) (*domain.User, error)

	// CreateUser inserts a registered user. Returns ErrConflict if the email is taken.
	CreateUser(ctx context.Context, user *domain.User) error

	// ListSchemas returns all schemas owned by a user.
	ListSchemas(ctx context.Context, userID int64) ([]*domain.Schema, error)

	// GetSchema retrieves a schema by ID. Returns nil, nil if not found.
	GetSchema(ctx context.Context, schemaID int64) (*domain.Schema, error)

	// CreateSchema inserts a schema. Returns ErrConflict if the name is taken for the user.
	CreateSchema(ctx context.Context, schema *domain.Schema) error

	// UpdateSchema persists name, description and raw schema changes.
	UpdateSchema(ctx context.Context, schema *domain.Schema) error

	// DeleteSchema removes a schema and unbinds it from any session.
	DeleteSchema(ctx context.Context, schemaID int64) error

	// ListSessions returns a user's sessions, most recently updated first.
	ListSessions(ctx context.Context, userID int64, limit int) ([]*domain.Session, error)

	// CreateSession inserts a session.
	CreateSession(ctx context.Context, session *domain.Session) error

	// UpdateSession persists title and schema binding changes.
	UpdateSession(ctx context.Context, session *domain.Session) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
