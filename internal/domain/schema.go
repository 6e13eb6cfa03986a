package domain

import "time"

// Schema is a user-supplied database schema, kept as an opaque text blob.
type Schema struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"-"`
	Name        string    `json:"name"`
	Description *string   `json:"description"`
	RawSchema   string    `json:"raw_schema"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
