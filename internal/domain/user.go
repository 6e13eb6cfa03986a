// Package domain contains core domain types for the sqlchat application.
package domain

import (
	"time"
)

// User is an identity that owns schemas and chat sessions.
// Anonymous users only carry an ExternalID; registered users also have
// an email and password hash.
type User struct {
	ID           int64     `json:"id"`
	ExternalID   string    `json:"-"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsRegistered returns true if the user signed up with an email.
func (u *User) IsRegistered() bool {
	return u.Email != ""
}
