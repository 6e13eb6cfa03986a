package domain

import (
	"fmt"
	"time"
)

// Role tags the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole validates a stored role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleUser, RoleAssistant, RoleSystem:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Turn is one immutable message in a session's history. Turns are ordered
// by CreatedAt, with ID breaking ties.
type Turn struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"-"`
	Role      Role      `json:"role"`
	Text      string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Before reports whether t sorts before other in history order.
func (t Turn) Before(other Turn) bool {
	if !t.CreatedAt.Equal(other.CreatedAt) {
		return t.CreatedAt.Before(other.CreatedAt)
	}
	return t.ID < other.ID
}

// GenerationResult is what the output parser extracts from raw model text.
// SQL is never nil: it is empty or best-effort text when extraction fails.
type GenerationResult struct {
	SQL         string  `json:"sql"`
	Explanation *string `json:"explanation"`
	RawOutput   string  `json:"raw_model_output"`
}

// AssistantText renders the text persisted for the assistant turn:
// the SQL, followed by the explanation when one is present.
func (r GenerationResult) AssistantText() string {
	if r.Explanation == nil {
		return r.SQL
	}
	return r.SQL + "\n\n" + *r.Explanation
}
