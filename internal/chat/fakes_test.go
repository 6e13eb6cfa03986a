package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/sqlchat/internal/domain"
)

// memoryStore is an in-memory history, schema and session store.
type memoryStore struct {
	mu       sync.Mutex
	turns    map[int64][]domain.Turn
	schemas  map[int64]string
	sessions map[int64]*domain.Session
	nextID   int64
	clock    time.Time

	failAppendRole domain.Role
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		turns:    make(map[int64][]domain.Turn),
		schemas:  make(map[int64]string),
		sessions: make(map[int64]*domain.Session),
		clock:    time.Unix(1700000000, 0),
	}
}

func (m *memoryStore) addSession(id, userID int64, schemaID *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = &domain.Session{ID: id, UserID: userID, SchemaID: schemaID}
}

func (m *memoryStore) AppendTurn(_ context.Context, sessionID int64, role domain.Role, text string) (*domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if role == m.failAppendRole {
		return nil, errors.New("disk full")
	}
	m.nextID++
	m.clock = m.clock.Add(time.Millisecond)
	turn := domain.Turn{ID: m.nextID, SessionID: sessionID, Role: role, Text: text, CreatedAt: m.clock}
	m.turns[sessionID] = append(m.turns[sessionID], turn)
	return &turn, nil
}

func (m *memoryStore) LastTurns(_ context.Context, sessionID int64, n int) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.turns[sessionID]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]domain.Turn, len(all))
	copy(out, all)
	return out, nil
}

func (m *memoryStore) GetSchemaText(_ context.Context, schemaID int64) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.schemas[schemaID]
	return text, ok, nil
}

func (m *memoryStore) GetSession(_ context.Context, sessionID int64) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memoryStore) all(sessionID int64) []domain.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Turn, len(m.turns[sessionID]))
	copy(out, m.turns[sessionID])
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
