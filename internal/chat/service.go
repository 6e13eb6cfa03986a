// Package chat runs a conversational turn: it records the question, builds
// the prompt from the session's schema and recent history, calls the
// generation backend and records the extracted SQL.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/sqlchat/internal/domain"
	"github.com/ashureev/sqlchat/internal/generation"
	"github.com/ashureev/sqlchat/internal/prompt"
	"github.com/ashureev/sqlchat/internal/sqlparse"
	"github.com/ashureev/sqlchat/internal/store"
)

// DefaultTimeout bounds a generation call when none is configured.
const DefaultTimeout = 120 * time.Second

var errTurnInProgress = errors.New("a turn is already in progress for this session")

// TokenCounter measures prompt size for debug logs.
type TokenCounter interface {
	Count(text string) (int, error)
}

// Dependencies are the collaborators a Service needs.
type Dependencies struct {
	History  store.HistoryStore
	Schemas  store.SchemaStore
	Sessions store.SessionRegistry
	Backend  generation.Backend
}

// Options tune a Service. Zero values select defaults.
type Options struct {
	Params             generation.Params
	Timeout            time.Duration
	Logger             *slog.Logger
	ConversationLogger ConversationLogger
	TokenCounter       TokenCounter
}

// Result is the outcome of a successful turn.
type Result struct {
	domain.GenerationResult

	UserTurn      *domain.Turn
	AssistantTurn *domain.Turn
	// Degraded is set when no fenced block was found and the raw output
	// was used as SQL.
	Degraded bool
}

// TurnError is returned by HandleTurn for failures after validation.
// QuestionRecorded tells the caller whether the user turn was persisted.
type TurnError struct {
	Err              error
	QuestionRecorded bool
}

func (e *TurnError) Error() string { return e.Err.Error() }
func (e *TurnError) Unwrap() error { return e.Err }

// QuestionRecorded reports whether err came from a turn whose question was
// already written to history.
func QuestionRecorded(err error) bool {
	var te *TurnError
	return errors.As(err, &te) && te.QuestionRecorded
}

// Service orchestrates turns. Turns on the same session are serialized:
// a second turn submitted while one is running fails with ErrConflict.
type Service struct {
	history  store.HistoryStore
	schemas  store.SchemaStore
	sessions store.SessionRegistry
	backend  generation.Backend

	params  generation.Params
	timeout time.Duration
	logger  *slog.Logger
	convLog ConversationLogger
	tokens  TokenCounter

	// session ID -> *sync.Mutex; entries live for the process lifetime.
	locks sync.Map
}

// NewService creates a turn orchestrator.
func NewService(deps Dependencies, opts Options) (*Service, error) {
	if deps.History == nil || deps.Schemas == nil || deps.Sessions == nil {
		return nil, errors.New("chat: history, schema and session stores are required")
	}
	if deps.Backend == nil {
		return nil, errors.New("chat: generation backend is required")
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConversationLogger == nil {
		opts.ConversationLogger = noopConversationLogger{}
	}

	return &Service{
		history:  deps.History,
		schemas:  deps.Schemas,
		sessions: deps.Sessions,
		backend:  deps.Backend,
		params:   opts.Params,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		convLog:  opts.ConversationLogger,
		tokens:   opts.TokenCounter,
	}, nil
}

// HandleTurn answers one question in a session owned by userID.
//
// The question is committed to history before generation starts and stays
// there if generation fails. No step is retried.
func (s *Service) HandleTurn(ctx context.Context, userID, sessionID int64, question string) (*Result, error) {
	if sessionID <= 0 {
		return nil, fmt.Errorf("%w: session_id must be positive", domain.ErrValidation)
	}
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: content must not be empty", domain.ErrValidation)
	}

	session, err := s.resolveSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	unlock, ok := s.tryLock(sessionID)
	if !ok {
		s.logger.Warn("turn already in progress", "user_id", userID, "session_id", sessionID)
		return nil, fmt.Errorf("%w: %w", domain.ErrConflict, errTurnInProgress)
	}
	defer unlock()

	log := s.logger.With("user_id", userID, "session_id", sessionID)
	log.Info("turn started", "question_length", len(question))

	userTurn, err := s.history.AppendTurn(ctx, sessionID, domain.RoleUser, question)
	if err != nil {
		return nil, &TurnError{Err: fmt.Errorf("record question: %w", err)}
	}
	s.logEvent(ctx, userID, sessionID, "outbound", "turn_user_message", question, map[string]any{
		"turn_id": userTurn.ID,
	})

	fail := func(err error) (*Result, error) {
		return nil, &TurnError{Err: err, QuestionRecorded: true}
	}

	schemaText, err := s.schemaText(ctx, session)
	if err != nil {
		return fail(err)
	}

	window, err := s.history.LastTurns(ctx, sessionID, prompt.WindowSize)
	if err != nil {
		return fail(fmt.Errorf("load history: %w", err))
	}
	promptText := prompt.Assemble(schemaText, window, question)
	s.logPromptSize(ctx, log, promptText, len(window))

	started := time.Now()
	raw, err := s.generate(ctx, promptText)
	if err != nil {
		log.Error("generation failed", "error", err, "elapsed", time.Since(started))
		s.logEvent(ctx, userID, sessionID, "inbound", "turn_generation_failed", err.Error(), nil)
		return fail(err)
	}

	parsed, degraded := sqlparse.ParseWithStatus(stripPromptEcho(raw, promptText))
	parsed.RawOutput = raw
	if degraded {
		log.Warn("no fenced SQL block in model output, using raw text", "parse_degraded", true, "raw_length", len(raw))
	}

	// The answer is recorded even if the caller has gone away.
	assistantTurn, err := s.history.AppendTurn(context.WithoutCancel(ctx), sessionID, domain.RoleAssistant, parsed.AssistantText())
	if err != nil {
		return fail(fmt.Errorf("record answer: %w", err))
	}

	log.Info("turn completed",
		"user_turn_id", userTurn.ID,
		"assistant_turn_id", assistantTurn.ID,
		"elapsed", time.Since(started),
		"degraded", degraded,
	)
	s.logEvent(ctx, userID, sessionID, "inbound", "turn_assistant_message", parsed.SQL, map[string]any{
		"turn_id":  assistantTurn.ID,
		"degraded": degraded,
		"raw":      raw,
	})

	return &Result{
		GenerationResult: parsed,
		UserTurn:         userTurn,
		AssistantTurn:    assistantTurn,
		Degraded:         degraded,
	}, nil
}

func (s *Service) resolveSession(ctx context.Context, userID, sessionID int64) (*domain.Session, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %d: %w", sessionID, err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: session %d", domain.ErrNotFound, sessionID)
	}
	if !session.OwnedBy(userID) {
		return nil, fmt.Errorf("%w: session %d", domain.ErrForbidden, sessionID)
	}
	return session, nil
}

// schemaText returns "" for an unbound or deleted schema.
func (s *Service) schemaText(ctx context.Context, session *domain.Session) (string, error) {
	if !session.HasSchema() {
		return "", nil
	}
	text, ok, err := s.schemas.GetSchemaText(ctx, *session.SchemaID)
	if err != nil {
		return "", fmt.Errorf("load schema %d: %w", *session.SchemaID, err)
	}
	if !ok {
		s.logger.Warn("session bound to missing schema", "session_id", session.ID, "schema_id", *session.SchemaID)
		return "", nil
	}
	return text, nil
}

func (s *Service) generate(ctx context.Context, promptText string) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.backend.Generate(genCtx, promptText, s.params)
	if err != nil {
		if errors.Is(genCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		return "", fmt.Errorf("%w: %w", domain.ErrGenerationBackend, err)
	}
	return raw, nil
}

func (s *Service) tryLock(sessionID int64) (unlock func(), ok bool) {
	v, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

func (s *Service) logPromptSize(ctx context.Context, log *slog.Logger, promptText string, windowLen int) {
	if !log.Enabled(ctx, slog.LevelDebug) {
		return
	}
	if s.tokens == nil {
		log.Debug("prompt assembled", "prompt_chars", len(promptText), "window_turns", windowLen)
		return
	}
	n, err := s.tokens.Count(promptText)
	if err != nil {
		log.Debug("token count unavailable", "error", err)
		n = -1
	}
	log.Debug("prompt assembled", "prompt_chars", len(promptText), "prompt_tokens", n, "window_turns", windowLen)
}

func (s *Service) logEvent(ctx context.Context, userID, sessionID int64, direction, eventType, content string, meta map[string]any) {
	if reqID := chiMiddleware.GetReqID(ctx); reqID != "" {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["request_id"] = reqID
	}
	s.convLog.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     strconv.FormatInt(userID, 10),
		SessionID:  strconv.FormatInt(sessionID, 10),
		Channel:    "sql_chat",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}

// stripPromptEcho drops a verbatim copy of the prompt that some completion
// servers prepend to their output.
func stripPromptEcho(raw, promptText string) string {
	if promptText != "" && strings.HasPrefix(raw, promptText) {
		return raw[len(promptText):]
	}
	return raw
}
