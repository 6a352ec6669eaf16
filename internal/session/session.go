// Package session owns conversation state: append-only turn histories per
// session with idempotent appends keyed by client message id, a bounded
// window that trims from the oldest end, and prompt assembly under a token
// budget. Storage is pluggable through Journal; the Manager itself keeps
// everything in memory.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/ragstream-go/internal/rag"
)

// DefaultMaxTurns is the per-session window when none is configured.
const DefaultMaxTurns = 200

// Role identifies the author of a turn.
type Role string

const (
	// RoleUser is a message sent by the human.
	RoleUser Role = "user"
	// RoleAssistant is a message produced by the generation engine.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a recognised role.
func (r Role) Valid() bool { return r == RoleUser || r == RoleAssistant }

// Turn is one message in a session. Seq is strictly increasing and gapless
// within a session, and keeps increasing across Clear.
type Turn struct {
	Seq         uint64    `json:"seq"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	ClientMsgID string    `json:"client_message_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is a point-in-time copy of a conversation.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary describes a session without its turns.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Turns     int       `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Journal persists session activity outside the process. Writes are
// best-effort from the Manager's point of view: a failing journal is logged
// and never fails an append.
type Journal interface {
	AppendTurn(ctx context.Context, sessionID string, t Turn) error
	ClearSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
	// Turns returns up to limit most recent turns oldest-first.
	Turns(ctx context.Context, sessionID string, limit int) ([]Turn, error)
}

// state is the mutable record behind a session id. mu serialises appends so
// sequence assignment and dedupe are atomic per session.
type state struct {
	mu      sync.Mutex
	id      string
	title   string
	turns   []Turn
	nextSeq uint64
	seen    map[string]Turn
	created time.Time
	updated time.Time
}

// Manager is the in-memory owner of all sessions. It is safe for concurrent
// use; appends to different sessions never contend.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*state

	maxTurns int
	journal  Journal
	log      *slog.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxTurns bounds the number of turns kept per session.
func WithMaxTurns(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxTurns = n
		}
	}
}

// WithJournal mirrors session activity to j.
func WithJournal(j Journal) Option { return func(m *Manager) { m.journal = j } }

// WithLogger sets the logger used for journal failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager returns an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*state),
		maxTurns: DefaultMaxTurns,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create starts a new empty session with a random id.
func (m *Manager) Create() Session {
	st := m.ensure(uuid.NewString())
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot()
}

// ensure returns the state for id, creating it when absent.
func (m *Manager) ensure(id string) *state {
	m.mu.RLock()
	st, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sessions[id]; ok {
		return st
	}
	now := m.now()
	st = &state{id: id, nextSeq: 1, seen: make(map[string]Turn), created: now, updated: now}
	m.sessions[id] = st
	return st
}

func (m *Manager) lookup(id string) (*state, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session: %q: %w", id, rag.ErrSessionNotFound)
	}
	return st, nil
}

// Append adds a turn to the session, creating the session on first use.
// A repeated clientMsgID within the same session is a no-op: the original
// turn is returned with appended == false. An empty clientMsgID is never
// deduplicated.
func (m *Manager) Append(ctx context.Context, sessionID string, role Role, content, clientMsgID string) (Turn, bool, error) {
	if sessionID == "" {
		return Turn{}, false, fmt.Errorf("session: empty session id: %w", rag.ErrConfig)
	}
	if !role.Valid() {
		return Turn{}, false, fmt.Errorf("session: unknown role %q: %w", role, rag.ErrConfig)
	}

	st := m.ensure(sessionID)
	st.mu.Lock()
	if clientMsgID != "" {
		if t, ok := st.seen[clientMsgID]; ok {
			st.mu.Unlock()
			return t, false, nil
		}
	}

	now := m.now()
	t := Turn{Seq: st.nextSeq, Role: role, Content: content, ClientMsgID: clientMsgID, CreatedAt: now}
	st.nextSeq++
	st.turns = append(st.turns, t)
	if clientMsgID != "" {
		st.seen[clientMsgID] = t
	}
	if st.title == "" && role == RoleUser {
		st.title = titleFrom(content)
	}
	st.updated = now
	m.trim(st)
	st.mu.Unlock()

	if m.journal != nil {
		if err := m.journal.AppendTurn(ctx, sessionID, t); err != nil {
			m.log.Warn("session: journal append failed",
				slog.String("session_id", sessionID),
				slog.Uint64("seq", t.Seq),
				slog.String("error", err.Error()),
			)
		}
	}
	return t, true, nil
}

// trim drops turns from the oldest end beyond the window. Dedupe entries of
// evicted turns go with them. Caller holds st.mu.
func (m *Manager) trim(st *state) {
	excess := len(st.turns) - m.maxTurns
	if excess <= 0 {
		return
	}
	for _, t := range st.turns[:excess] {
		if t.ClientMsgID != "" {
			delete(st.seen, t.ClientMsgID)
		}
	}
	st.turns = append([]Turn(nil), st.turns[excess:]...)
}

// Get returns a copy of the session.
func (m *Manager) Get(sessionID string) (Session, error) {
	st, err := m.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot(), nil
}

// Reply returns the assistant turn answering the turn with sequence number
// seq: the next turn, provided it is an assistant turn.
func (m *Manager) Reply(sessionID string, seq uint64) (Turn, bool) {
	st, err := m.lookup(sessionID)
	if err != nil {
		return Turn{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, t := range st.turns {
		if t.Seq != seq {
			continue
		}
		if i+1 < len(st.turns) && st.turns[i+1].Role == RoleAssistant {
			return st.turns[i+1], true
		}
		return Turn{}, false
	}
	return Turn{}, false
}

// Turns returns a copy of the session's turns, oldest first.
func (m *Manager) Turns(sessionID string) ([]Turn, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Turns, nil
}

// Clear empties the session's history but keeps its id. Sequence numbers
// continue from where they were.
func (m *Manager) Clear(ctx context.Context, sessionID string) error {
	st, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.turns = nil
	st.seen = make(map[string]Turn)
	st.updated = m.now()
	st.mu.Unlock()

	if m.journal != nil {
		if err := m.journal.ClearSession(ctx, sessionID); err != nil {
			m.log.Warn("session: journal clear failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Delete removes the session entirely.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: %q: %w", sessionID, rag.ErrSessionNotFound)
	}

	if m.journal != nil {
		if err := m.journal.DeleteSession(ctx, sessionID); err != nil {
			m.log.Warn("session: journal delete failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// List returns summaries of all sessions, most recently updated first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	states := make([]*state, 0, len(m.sessions))
	for _, st := range m.sessions {
		states = append(states, st)
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, Summary{ID: st.id, Title: st.title, Turns: len(st.turns), CreatedAt: st.created, UpdatedAt: st.updated})
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore replays a session from the journal, replacing any in-memory copy.
// Sequence numbers resume after the last journaled turn.
func (m *Manager) Restore(ctx context.Context, sessionID string) (Session, error) {
	if m.journal == nil {
		return Session{}, fmt.Errorf("session: restore %q: no journal configured: %w", sessionID, rag.ErrConfig)
	}
	turns, err := m.journal.Turns(ctx, sessionID, m.maxTurns)
	if err != nil {
		return Session{}, fmt.Errorf("session: restore %q: %w", sessionID, err)
	}
	if len(turns) == 0 {
		return Session{}, fmt.Errorf("session: restore %q: %w", sessionID, rag.ErrSessionNotFound)
	}

	now := m.now()
	st := &state{id: sessionID, seen: make(map[string]Turn), created: turns[0].CreatedAt, updated: now}
	for _, t := range turns {
		st.turns = append(st.turns, t)
		if t.ClientMsgID != "" {
			st.seen[t.ClientMsgID] = t
		}
		if st.title == "" && t.Role == RoleUser {
			st.title = titleFrom(t.Content)
		}
	}
	st.nextSeq = turns[len(turns)-1].Seq + 1

	m.mu.Lock()
	m.sessions[sessionID] = st
	m.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot(), nil
}

// snapshot copies st. Caller holds st.mu.
func (st *state) snapshot() Session {
	return Session{
		ID:        st.id,
		Title:     st.title,
		Turns:     append([]Turn(nil), st.turns...),
		CreatedAt: st.created,
		UpdatedAt: st.updated,
	}
}

// titleFrom derives a session title from its first user message.
func titleFrom(content string) string {
	const maxRunes = 60
	r := []rune(content)
	for i, c := range r {
		if c == '\n' {
			r = r[:i]
			break
		}
	}
	if len(r) > maxRunes {
		return string(r[:maxRunes]) + "..."
	}
	return string(r)
}
