package domain

import (
	"time"
)

// Session is a chat conversation bound to at most one schema at a time.
type Session struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"-"`
	Title     *string   `json:"title"`
	SchemaID  *int64    `json:"schema_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OwnedBy reports whether the session belongs to the given user.
func (s *Session) OwnedBy(userID int64) bool {
	return s.UserID == userID
}

// HasSchema returns true if a schema is currently bound to the session.
func (s *Session) HasSchema() bool {
	return s.SchemaID != nil
}
