package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTurnBeforeUsesIDAsTieBreak(t *testing.T) {
	now := time.Now()
	a := Turn{ID: 1, CreatedAt: now}
	b := Turn{ID: 2, CreatedAt: now}
	if !a.Before(b) || b.Before(a) {
		t.Fatalf("expected id tie-break, got a.Before(b)=%v b.Before(a)=%v", a.Before(b), b.Before(a))
	}

	c := Turn{ID: 0, CreatedAt: now.Add(time.Millisecond)}
	if !b.Before(c) {
		t.Fatal("expected created_at to take precedence over id")
	}
}

func TestAssistantText(t *testing.T) {
	r := GenerationResult{SQL: "SELECT 1;"}
	if got := r.AssistantText(); got != "SELECT 1;" {
		t.Fatalf("unexpected text without explanation: %q", got)
	}

	explanation := "counts rows"
	r.Explanation = &explanation
	if got := r.AssistantText(); got != "SELECT 1;\n\ncounts rows" {
		t.Fatalf("unexpected text with explanation: %q", got)
	}
}

func TestCategory(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("content: %w", ErrValidation), "validation_error"},
		{fmt.Errorf("session 3: %w", ErrNotFound), "not_found"},
		{ErrForbidden, "forbidden"},
		{ErrConflict, "conflict"},
		{fmt.Errorf("%w: timeout", ErrGenerationBackend), "generation_backend_error"},
		{errors.New("disk full"), "internal_error"},
	}
	for _, tt := range tests {
		if got := Category(tt.err); got != tt.want {
			t.Errorf("Category(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestParseRole(t *testing.T) {
	if r, err := ParseRole("assistant"); err != nil || r != RoleAssistant {
		t.Fatalf("ParseRole(assistant) = %q, %v", r, err)
	}
	if _, err := ParseRole("tool"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}
