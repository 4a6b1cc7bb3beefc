// Package session implements the in-memory session registry: the ordered
// Turn history, the per-utterance LLM text buffer, and the TTL sweep that
// garbage-collects sessions 10 minutes after they end.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status mirrors the session's {ended} flag for callers that prefer an enum.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// ErrNotFound is returned when a session id has no registered session.
var ErrNotFound = errors.New("session not found")

// defaultEndedRetention is the TTL after ended=true before a session is
// garbage-collected, per spec §3.
const defaultEndedRetention = 10 * time.Minute

// Session is the per-connection dialog state: an append-only ordered list
// of Turns, a map from in-flight utterance-id to its growing assistant-text
// buffer, a summary computed at end, and the {ended, ended_at_ms} pair.
type Session struct {
	mu sync.Mutex

	ID             string
	StartedAt      time.Time
	LastActivityAt time.Time

	Turns      []Turn
	llmBuffers map[uint32]*strings.Builder

	Summary   string
	Ended     bool
	EndedAtMs int64
}

// Snapshot is a read-only copy of Session state safe to hand to callers
// outside the registry's lock.
type Snapshot struct {
	ID             string
	StartedAt      time.Time
	LastActivityAt time.Time
	Turns          []Turn
	Summary        string
	Ended          bool
	EndedAtMs      int64
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := make([]Turn, len(s.Turns))
	copy(turns, s.Turns)
	return Snapshot{
		ID:             s.ID,
		StartedAt:      s.StartedAt,
		LastActivityAt: s.LastActivityAt,
		Turns:          turns,
		Summary:        s.Summary,
		Ended:          s.Ended,
		EndedAtMs:      s.EndedAtMs,
	}
}

// AppendTurn appends a Turn to the session history. A Turn with empty
// trimmed text is never appended, per spec §3 invariants.
func (s *Session) AppendTurn(t Turn) {
	if strings.TrimSpace(t.Text) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Turns = append(s.Turns, t)
	s.LastActivityAt = time.Now().UTC()
}

// StartUtteranceBuffer creates the in-flight assistant-text buffer for a
// newly allocated utterance-id.
func (s *Session) StartUtteranceBuffer(u uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.llmBuffers == nil {
		s.llmBuffers = make(map[uint32]*strings.Builder)
	}
	s.llmBuffers[u] = &strings.Builder{}
}

// AppendToBuffer folds a token delta into utterance u's buffer. It is a
// no-op if the buffer was never started or was already committed/dropped.
func (s *Session) AppendToBuffer(u uint32, delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.llmBuffers[u]
	if !ok {
		return
	}
	b.WriteString(delta)
}

// BufferText returns the current contents of utterance u's buffer.
func (s *Session) BufferText(u uint32) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.llmBuffers[u]
	if !ok {
		return "", false
	}
	return b.String(), true
}

// CommitBuffer removes utterance u's buffer and appends its contents as an
// assistant Turn, unless the text is empty.
func (s *Session) CommitBuffer(u uint32, tsMs int64) {
	s.mu.Lock()
	b, ok := s.llmBuffers[u]
	if ok {
		delete(s.llmBuffers, u)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	text := b.String()
	if strings.TrimSpace(text) == "" {
		return
	}
	s.AppendTurn(Turn{Role: "assistant", Text: text, TimestampMs: tsMs, UtteranceID: u})
}

// DropBuffer discards utterance u's buffer without committing a Turn
// (used when an utterance is aborted before producing any output).
func (s *Session) DropBuffer(u uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.llmBuffers, u)
}

// LastAssistantTurn returns the most recent assistant Turn, if any.
func (s *Session) LastAssistantTurn() (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Role == "assistant" {
			return s.Turns[i], true
		}
	}
	return Turn{}, false
}

// History returns a copy of the turn history, newest last. limit <= 0
// returns the full history.
func (s *Session) History(limit int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if limit > 0 && len(s.Turns) > limit {
		start = len(s.Turns) - limit
	}
	out := make([]Turn, len(s.Turns)-start)
	copy(out, s.Turns[start:])
	return out
}

func (s *Session) setSummary(summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Summary = summary
}

func (s *Session) markEnded(nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Ended {
		return
	}
	s.Ended = true
	s.EndedAtMs = nowMs
	s.LastActivityAt = time.Now().UTC()
}

// Summarize builds the default session summary: the text of the last few
// turns, newest last. Callers that want a smarter summary (e.g. an LLM
// call) register their own summarizer with Manager.SetSummarizer, which
// Manager.End uses instead.
func Summarize(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	start := 0
	if len(turns) > 6 {
		start = len(turns) - 6
	}
	var sb strings.Builder
	for i := start; i < len(turns); i++ {
		if i > start {
			sb.WriteString(" ")
		}
		sb.WriteString(turns[i].Role)
		sb.WriteString(": ")
		sb.WriteString(turns[i].Text)
	}
	return sb.String()
}

// SummaryStore is the minimal persistence contract Manager needs to
// durably store a session's final summary. internal/persistence's
// PostgresSummaryStore and NoopSummaryStore both satisfy this structurally,
// so session never imports the persistence package.
type SummaryStore interface {
	Save(ctx context.Context, sessionID, summary string) error
}

// Manager is the in-process session registry.
type Manager struct {
	mu             sync.RWMutex
	sessions       map[string]*Session
	endedRetention time.Duration
	summarizer     func(*Session) string
	onExpire       func(Snapshot)
	store          SummaryStore
}

// NewManager builds a registry. endedRetention is accepted for API
// compatibility with callers that configure it up front; it can also be
// changed later with SetEndedRetention. Zero or negative defaults to 10m.
func NewManager(endedRetention time.Duration) *Manager {
	if endedRetention <= 0 {
		endedRetention = defaultEndedRetention
	}
	return &Manager{
		sessions:       make(map[string]*Session),
		endedRetention: endedRetention,
	}
}

// SetEndedRetention changes the TTL applied after a session ends. A value
// of 0 disables pruning of ended sessions entirely (they are kept until
// process exit).
func (m *Manager) SetEndedRetention(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endedRetention = d
}

// SetExpireHook registers a callback fired (outside the lock) for every
// session pruned by the janitor sweep.
func (m *Manager) SetExpireHook(hook func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// SetSummarizer overrides the function used to compute Session.Summary on
// End(). The default is Summarize(s.Turns).
func (m *Manager) SetSummarizer(f func(*Session) string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summarizer = f
}

// SetStore registers a SummaryStore that End() saves to, best-effort. A
// nil store (the default) skips persistence entirely.
func (m *Manager) SetStore(store SummaryStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

// Create allocates a new session, generating an id if sessionID is empty,
// or reusing sessionID to support "resumed by id" reconnects.
func (m *Manager) Create(sessionID string) *Session {
	if strings.TrimSpace(sessionID) == "" {
		sessionID = uuid.NewString()
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[sessionID]; ok {
		return existing
	}
	s := &Session{
		ID:             sessionID,
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.sessions[sessionID] = s
	return s
}

// Get returns the live *Session for id, or ErrNotFound.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// GetSnapshot returns a read-only copy of the session's state.
func (m *Manager) GetSnapshot(sessionID string) (Snapshot, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(), nil
}

// End marks a session ended, computes its summary if one isn't already
// set, and returns the resulting snapshot.
func (m *Manager) End(sessionID string) (Snapshot, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	m.mu.RLock()
	summarizer := m.summarizer
	store := m.store
	m.mu.RUnlock()

	snap := s.snapshot()
	if snap.Summary == "" {
		var summary string
		if summarizer != nil {
			summary = summarizer(s)
		} else {
			summary = Summarize(snap.Turns)
		}
		s.setSummary(summary)
		snap.Summary = summary
	}
	s.markEnded(time.Now().UnixMilli())

	if store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = store.Save(ctx, sessionID, snap.Summary)
		}()
	}

	return s.snapshot(), nil
}

// StartJanitor starts a background sweep on interval that prunes sessions
// whose ended-retention TTL has elapsed.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

// ActiveCount returns the number of sessions not yet ended.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		s.mu.Lock()
		ended := s.Ended
		s.mu.Unlock()
		if !ended {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()

	m.mu.Lock()
	retention := m.endedRetention
	var toPrune []string
	var expired []Snapshot
	for id, s := range m.sessions {
		s.mu.Lock()
		ended := s.Ended
		endedAtMs := s.EndedAtMs
		s.mu.Unlock()
		if !ended || retention <= 0 {
			continue
		}
		if now.UnixMilli()-endedAtMs < retention.Milliseconds() {
			continue
		}
		toPrune = append(toPrune, id)
		expired = append(expired, s.snapshot())
	}
	for _, id := range toPrune {
		delete(m.sessions, id)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, snap := range expired {
			hook(snap)
		}
	}
}
