package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/sqlchat/internal/domain"
	"github.com/ashureev/sqlchat/internal/generation"
	"github.com/ashureev/sqlchat/internal/prompt"
)

const (
	ownerID   int64 = 1
	sessionID int64 = 10
)

func newTestService(t *testing.T, st *memoryStore, backend generation.Backend, timeout time.Duration) *Service {
	t.Helper()
	svc, err := NewService(Dependencies{
		History:  st,
		Schemas:  st,
		Sessions: st,
		Backend:  backend,
	}, Options{
		Params:  generation.Params{MaxNewTokens: 256, Temperature: 0.2, TopP: 0.9},
		Timeout: timeout,
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func static(output string) generation.Backend {
	return generation.Func(func(context.Context, string, generation.Params) (string, error) {
		return output, nil
	})
}

func TestHandleTurnOrdersScenario(t *testing.T) {
	st := newMemoryStore()
	schemaID := int64(7)
	schema := "CREATE TABLE orders(id INT, total NUMERIC, created_at DATE);"
	st.schemas[schemaID] = schema
	st.addSession(sessionID, ownerID, &schemaID)

	question := "total revenue per day for the last 30 days"
	var gotPrompt string
	var gotParams generation.Params
	backend := generation.Func(func(_ context.Context, p string, params generation.Params) (string, error) {
		gotPrompt, gotParams = p, params
		return "```sql\nSELECT date(created_at), SUM(total) FROM orders GROUP BY 1;\n```", nil
	})
	svc := newTestService(t, st, backend, time.Second)

	res, err := svc.HandleTurn(context.Background(), ownerID, sessionID, question)
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	wantSQL := "SELECT date(created_at), SUM(total) FROM orders GROUP BY 1;"
	if res.SQL != wantSQL {
		t.Fatalf("SQL = %q, want %q", res.SQL, wantSQL)
	}
	if res.Explanation != nil {
		t.Fatal("explanation should be nil")
	}
	if res.Degraded {
		t.Fatal("result should not be degraded")
	}
	if !strings.Contains(gotPrompt, schema) || !strings.Contains(gotPrompt, question) {
		t.Fatalf("prompt missing schema or question:\n%s", gotPrompt)
	}
	if gotParams.MaxNewTokens != 256 || gotParams.TopP != 0.9 {
		t.Fatalf("params = %+v", gotParams)
	}

	turns := st.all(sessionID)
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].Role != domain.RoleUser || turns[0].Text != question {
		t.Fatalf("first turn = %+v", turns[0])
	}
	if turns[1].Role != domain.RoleAssistant || turns[1].Text != wantSQL {
		t.Fatalf("second turn = %+v", turns[1])
	}
	if res.UserTurn.ID != turns[0].ID || res.AssistantTurn.ID != turns[1].ID {
		t.Fatal("result turns do not match stored turns")
	}
}

func TestHandleTurnRecordsQuestionBeforeGenerating(t *testing.T) {
	st := newMemoryStore()
	st.addSession(sessionID, ownerID, nil)

	var seen []domain.Turn
	backend := generation.Func(func(context.Context, string, generation.Params) (string, error) {
		seen = st.all(sessionID)
		return "```sql\nSELECT 1;\n```", nil
	})
	svc := newTestService(t, st, backend, time.Second)

	if _, err := svc.HandleTurn(context.Background(), ownerID, sessionID, "how many rows?"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if len(seen) != 1 || seen[0].Role != domain.RoleUser || seen[0].Text != "how many rows?" {
		t.Fatalf("history at generation time = %+v", seen)
	}
}

func TestHandleTurnBackendFailureKeepsQuestion(t *testing.T) {
	st := newMemoryStore()
	st.addSession(sessionID, ownerID, nil)

	backend := generation.Func(func(context.Context, string, generation.Params) (string, error) {
		return "", errors.New("CUDA out of memory")
	})
	svc := newTestService(t, st, backend, time.Second)

	_, err := svc.HandleTurn(context.Background(), ownerID, sessionID, "list customers")
	if !errors.Is(err, domain.ErrGenerationBackend) {
		t.Fatalf("expected ErrGenerationBackend, got %v", err)
	}
	if !QuestionRecorded(err) {
		t.Fatal("expected QuestionRecorded to be true")
	}
	if got := domain.Category(err); got != "generation_backend_error" {
		t.Fatalf("Category = %q", got)
	}

	last, _ := st.LastTurns(context.Background(), sessionID, 1)
	if len(last) != 1 || last[0].Role != domain.RoleUser || last[0].Text != "list customers" {
		t.Fatalf("last turn = %+v", last)
	}
	if n := len(st.all(sessionID)); n != 1 {
		t.Fatalf("got %d turns, want only the user turn", n)
	}
}

func TestHandleTurnBackendTimeout(t *testing.T) {
	st := newMemoryStore()
	st.addSession(sessionID, ownerID, nil)

	backend := generation.Func(func(ctx context.Context, _ string, _ generation.Params) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	svc := newTestService(t, st, backend, 20*time.Millisecond)

	_, err := svc.HandleTurn(context.Background(), ownerID, sessionID, "slow question")
	if !errors.Is(err, domain.ErrGenerationBackend) {
		t.Fatalf("expected ErrGenerationBackend, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded in chain, got %v", err)
	}
	if n := len(st.all(sessionID)); n != 1 {
		t.Fatalf("got %d turns, want 1", n)
	}
}

func TestHandleTurnRejectsBeforeMutation(t *testing.T) {
	st := newMemoryStore()
	st.addSession(sessionID, ownerID, nil)

	var calls atomic.Int32
	backend := generation.Func(func(context.Context, string, generation.Params) (string, error) {
		calls.Add(1)
		return "", nil
	})
	svc := newTestService(t, st, backend, time.Second)

	tests := []struct {
		name      string
		userID    int64
		sessionID int64
		question  string
		want      error
	}{
		{"empty content", ownerID, sessionID, "", domain.ErrValidation},
		{"whitespace content", ownerID, sessionID, "  \n\t", domain.ErrValidation},
		{"bad session id", ownerID, 0, "q", domain.ErrValidation},
		{"missing session", ownerID, 999, "q", domain.ErrNotFound},
		{"other user's session", 2, sessionID, "q", domain.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.HandleTurn(context.Background(), tt.userID, tt.sessionID, tt.question)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if QuestionRecorded(err) {
				t.Fatal("question must not be recorded")
			}
		})
	}

	if n := len(st.all(sessionID)); n != 0 {
		t.Fatalf("got %d turns, want none", n)
	}
	if calls.Load() != 0 {
		t.Fatal("backend must not be called")
	}
}

func TestHandleTurnUsesLastFiveTurns(t *testing.T) {
	st := newMemoryStore()
	st.addSession(sessionID, ownerID, nil)
	for i := 0; i < 12; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		if _, err := st.AppendTurn(context.Background(), sessionID, role, fmt.Sprintf("turn-%02d", i)); err != nil {
			t.Fatal(err)
		}
	}

	var gotPrompt string
	backend := generation.Func(func(_ context.Context, p string, _ generation.Params) (string, error) {
		gotPrompt = p
		return "```sql\nSELECT 1;\n```", nil
	})
	svc := newTestService(t, st, backend, time.Second)

	if _, err := svc.HandleTurn(context.Background(), ownerID, sessionID, "newest"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	if strings.Contains(gotPrompt, "turn-07") {
		t.Fatal("prompt includes a turn outside the window")
	}
	for _, line := range []string{"user: turn-08", "assistant: turn-09", "user: turn-10", "assistant: turn-11", "user: newest"} {
		if !strings.Contains(gotPrompt, line+"\n") {
			t.Fatalf("prompt missing %q:\n%s", line, gotPrompt)
		}
	}
	if i, j := strings.Index(gotPrompt, "turn-08"), strings.Index(gotPrompt, "user: newest"); i > j {
		t.Fatal("window is not in chronological order")
	}
	lines := 0
	for _, line := range strings.Split(gotPrompt, "\n") {
		if strings.HasPrefix(line, "user: ") || strings.HasPrefix(line, "assistant: ") {
			lines++
		}
	}
	if lines != prompt.WindowSize {
		t.Fatalf("got %d history lines, want %d", lines, prompt.WindowSize)
	}
}

func TestHandleTurnMissingSchemaDegradesPrompt(t *testing.T) {
	st := newMemoryStore()
	deleted := int64(42)
	st.addSession(sessionID, ownerID, &deleted)

	var gotPrompt string
	backend := generation.Func(func(_ context.Context, p string, _ generation.Params) (string, error) {
		gotPrompt = p
		return "```sql\nSELECT 1;\n```", nil
	})
	svc := newTestService(t, st, backend, time.Second)

	if _, err := svc.HandleTurn(context.Background(), ownerID, sessionID, "q"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if !strings.Contains(gotPrompt, prompt.NoSchemaMarker) {
		t.Fatalf("expected no-schema marker:\n%s", gotPrompt)
	}
}

func TestHandleTurnStripsPromptEcho(t *testing.T) {
	st := newMemoryStore()
	st.addSession(sessionID, ownerID, nil)

	backend := generation.Func(func(_ context.Context, p string, _ generation.Params) (string, error) {
		return p + "```sql\nSELECT 3;\n```", nil
	})
	svc := newTestService(t, st, backend, time.Second)

	res, err := svc.HandleTurn(context.Background(), ownerID, sessionID, "three")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.SQL != "SELECT 3;" {
		t.Fatalf("SQL = %q", res.SQL)
	}
	if !strings.HasSuffix(res.RawOutput, "```sql\nSELECT 3;\n```") || !strings.Contains(res.RawOutput, "CONVERSATION HISTORY") {
		t.Fatal("raw output should keep the echoed prompt")
	}
}

func TestHandleTurnDegradedOutput(t *testing.T) {
	st := newMemoryStore()
	st.addSession(sessionID, ownerID, nil)
	svc := newTestService(t, st, static("  SELECT 4  "), time.Second)

	res, err := svc.HandleTurn(context.Background(), ownerID, sessionID, "four")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if !res.Degraded || res.SQL != "SELECT 4" {
		t.Fatalf("result = %+v", res)
	}
	if res.RawOutput != "  SELECT 4  " {
		t.Fatalf("RawOutput = %q", res.RawOutput)
	}
	turns := st.all(sessionID)
	if turns[len(turns)-1].Text != "SELECT 4" {
		t.Fatalf("assistant text = %q", turns[len(turns)-1].Text)
	}
}

func TestHandleTurnAnswerAppendFailure(t *testing.T) {
	st := newMemoryStore()
	st.addSession(sessionID, ownerID, nil)
	st.failAppendRole = domain.RoleAssistant
	svc := newTestService(t, st, static("```sql\nSELECT 1;\n```"), time.Second)

	_, err := svc.HandleTurn(context.Background(), ownerID, sessionID, "q")
	if err == nil {
		t.Fatal("expected error")
	}
	if !QuestionRecorded(err) {
		t.Fatal("question was recorded and the error should say so")
	}
	if got := domain.Category(err); got != "internal_error" {
		t.Fatalf("Category = %q", got)
	}
}

func TestHandleTurnConcurrentSameSessionConflicts(t *testing.T) {
	st := newMemoryStore()
	st.addSession(sessionID, ownerID, nil)
	st.addSession(sessionID+1, ownerID, nil)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	backend := generation.Func(func(_ context.Context, p string, _ generation.Params) (string, error) {
		if strings.Contains(p, "blocking") {
			entered <- struct{}{}
			<-release
		}
		return "```sql\nSELECT 1;\n```", nil
	})
	svc := newTestService(t, st, backend, 5*time.Second)

	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.HandleTurn(context.Background(), ownerID, sessionID, "blocking")
		firstErr <- err
	}()
	<-entered

	_, err := svc.HandleTurn(context.Background(), ownerID, sessionID, "second")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if _, err := svc.HandleTurn(context.Background(), ownerID, sessionID+1, "other session"); err != nil {
		t.Fatalf("other session should not be blocked: %v", err)
	}

	close(release)
	if err := <-firstErr; err != nil {
		t.Fatalf("first turn failed: %v", err)
	}

	turns := st.all(sessionID)
	if len(turns) != 2 || turns[0].Text != "blocking" || turns[1].Role != domain.RoleAssistant {
		t.Fatalf("turns = %+v", turns)
	}

	if _, err := svc.HandleTurn(context.Background(), ownerID, sessionID, "after release"); err != nil {
		t.Fatalf("lock not released: %v", err)
	}
}

func TestStripPromptEcho(t *testing.T) {
	if got := stripPromptEcho("PROMPTtail", "PROMPT"); got != "tail" {
		t.Fatalf("got %q", got)
	}
	if got := stripPromptEcho("no echo", "PROMPT"); got != "no echo" {
		t.Fatalf("got %q", got)
	}
	if got := stripPromptEcho("x", ""); got != "x" {
		t.Fatalf("got %q", got)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	st := newMemoryStore()
	if _, err := NewService(Dependencies{History: st, Schemas: st, Sessions: st}, Options{}); err == nil {
		t.Fatal("expected error without backend")
	}
	if _, err := NewService(Dependencies{Backend: static("")}, Options{}); err == nil {
		t.Fatal("expected error without stores")
	}
}

type countingTokens struct{ calls atomic.Int32 }

func (c *countingTokens) Count(text string) (int, error) {
	c.calls.Add(1)
	return len(text), nil
}

func TestHandleTurnCountsTokensOnlyForDebugLogs(t *testing.T) {
	tests := []struct {
		name  string
		level slog.Level
		want  int32
	}{
		{"info level skips counting", slog.LevelInfo, 0},
		{"debug level counts", slog.LevelDebug, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newMemoryStore()
			st.addSession(sessionID, ownerID, nil)
			tokens := &countingTokens{}
			svc, err := NewService(Dependencies{
				History:  st,
				Schemas:  st,
				Sessions: st,
				Backend:  static("```sql\nSELECT 1;\n```"),
			}, Options{
				Logger:       slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: tt.level})),
				TokenCounter: tokens,
			})
			if err != nil {
				t.Fatalf("NewService: %v", err)
			}

			if _, err := svc.HandleTurn(context.Background(), ownerID, sessionID, "anything"); err != nil {
				t.Fatalf("HandleTurn: %v", err)
			}
			if got := tokens.calls.Load(); got != tt.want {
				t.Errorf("Count calls = %d, want %d", got, tt.want)
			}
		})
	}
}
