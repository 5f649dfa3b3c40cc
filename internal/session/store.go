// Package session owns the conversation sessions of the advisor desk.
//
// Every mutation is computed on a copy of the current state, persisted in a
// single write scope and only then published. Operations that name a session
// or message that no longer exists are no-ops.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/antirisk-desk/internal/domain"
	"github.com/ashureev/antirisk-desk/internal/metrics"
	"github.com/ashureev/antirisk-desk/internal/store"
	"github.com/google/uuid"
)

// Options configures a Store. Zero values select defaults.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	NewID   func() string
}

// Store holds the ordered session collection and the active session id.
type Store struct {
	repo     store.Repository
	sessions *store.Collection[domain.Session]
	active   *store.Value[string]
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string

	mu    sync.Mutex
	state state

	feed
}

// state is the published snapshot. sessions are ordered newest first.
type state struct {
	sessions []domain.Session
	activeID string
	events   []Event
}

func (st state) clone() state {
	out := state{activeID: st.activeID, sessions: make([]domain.Session, len(st.sessions))}
	for i, s := range st.sessions {
		out.sessions[i] = s.Clone()
	}
	return out
}

func (st *state) index(sessionID string) int {
	for i := range st.sessions {
		if st.sessions[i].ID == sessionID {
			return i
		}
	}
	return -1
}

// lastPinSeq returns the highest pin sequence held by any message.
func (st *state) lastPinSeq() uint64 {
	var last uint64
	for _, sess := range st.sessions {
		for _, m := range sess.Messages {
			last = max(last, m.PinSeq)
		}
	}
	return last
}

func (st *state) emit(kind EventKind, sessionID, messageID string) {
	st.events = append(st.events, Event{Kind: kind, SessionID: sessionID, MessageID: messageID})
}

// Open loads the persisted sessions. Assistant replies that were still
// streaming when the process stopped are dropped, and an empty collection is
// replaced by one fresh session.
func Open(ctx context.Context, repo store.Repository, opts Options) (*Store, error) {
	s := &Store{
		repo:     repo,
		sessions: store.NewCollection[domain.Session](repo, domain.KeySessions),
		active:   store.NewValue[string](domain.KeyActiveSession),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	s.feed.init()

	var loaded state
	err := repo.View(ctx, func(tx store.Tx) error {
		sessions, err := s.sessions.LoadTx(ctx, tx)
		if err != nil {
			return err
		}
		activeID, _, err := s.active.LoadTx(ctx, tx)
		if err != nil {
			return err
		}
		loaded = state{sessions: sessions, activeID: activeID}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	dirty := false
	for i := range loaded.sessions {
		sess := &loaded.sessions[i]
		kept := sess.Messages[:0]
		for _, m := range sess.Messages {
			if m.Streaming {
				s.logger.Info("dropping interrupted reply", "session_id", sess.ID, "message_id", m.ID)
				dirty = true
				continue
			}
			kept = append(kept, m)
		}
		sess.Messages = kept
		if len(sess.Messages) == 0 {
			sess.Messages = []domain.Message{s.message(domain.RoleAssistant, domain.EmptyText)}
			dirty = true
		}
	}
	if len(loaded.sessions) == 0 {
		loaded.sessions = []domain.Session{s.newSession()}
		dirty = true
	}
	if loaded.index(loaded.activeID) < 0 {
		loaded.activeID = loaded.sessions[0].ID
		dirty = true
	}

	if dirty {
		if err := s.persist(ctx, loaded); err != nil {
			return nil, fmt.Errorf("repair sessions: %w", err)
		}
	}
	s.state = loaded
	s.logger.Info("session store loaded", "sessions", len(loaded.sessions), "active_session", loaded.activeID)
	return s, nil
}

func (s *Store) message(role domain.Role, text string) domain.Message {
	return domain.Message{ID: s.newID(), Role: role, Text: text, Timestamp: s.now()}
}

func (s *Store) newSession() domain.Session {
	now := s.now()
	return domain.Session{
		ID:           s.newID(),
		Title:        domain.DefaultTitle,
		Messages:     []domain.Message{s.message(domain.RoleAssistant, domain.GreetingText)},
		CreatedAt:    now,
		LastActivity: now,
	}
}

func (s *Store) persist(ctx context.Context, st state) error {
	return s.repo.Update(ctx, func(tx store.Tx) error {
		if err := s.sessions.SaveTx(ctx, tx, st.sessions); err != nil {
			return err
		}
		return s.active.SaveTx(ctx, tx, st.activeID)
	})
}

// mutate applies fn to a copy of the state. When fn reports a change the copy
// is persisted and, only once durable, replaces the live state.
func (s *Store) mutate(ctx context.Context, op string, fn func(st *state) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	if !fn(&next) {
		return nil
	}
	if err := s.persist(ctx, next); err != nil {
		s.metrics.StorageFailed("session")
		s.logger.Error("session write failed", "op", op, "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}

	events := next.events
	next.events = nil
	s.state = next
	s.publish(events...)
	return nil
}

// Create prepends a new session holding one greeting and makes it active.
func (s *Store) Create(ctx context.Context) (domain.Session, error) {
	var created domain.Session
	err := s.mutate(ctx, "create session", func(st *state) bool {
		created = s.newSession()
		st.sessions = append([]domain.Session{created}, st.sessions...)
		st.activeID = created.ID
		st.emit(EventSessionCreated, created.ID, "")
		st.emit(EventActiveChanged, created.ID, "")
		return true
	})
	if err != nil {
		return domain.Session{}, err
	}
	return created.Clone(), nil
}

// SendUserMessage appends a user message and returns its id. While the
// session still carries the default title, the title is derived from text.
// An unknown session or blank text returns an empty id.
func (s *Store) SendUserMessage(ctx context.Context, sessionID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	var id string
	err := s.mutate(ctx, "send message", func(st *state) bool {
		i := st.index(sessionID)
		if i < 0 {
			return false
		}
		sess := &st.sessions[i]
		msg := s.message(domain.RoleUser, text)
		sess.Messages = append(sess.Messages, msg)
		sess.LastActivity = msg.Timestamp
		if sess.HasDefaultTitle() {
			sess.Title = domain.DeriveTitle(text)
		}
		id = msg.ID
		st.emit(EventMessageAdded, sessionID, msg.ID)
		return true
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// BeginAssistantReply appends an empty streaming assistant message and
// returns its id, or an empty id when the session does not exist.
func (s *Store) BeginAssistantReply(ctx context.Context, sessionID string) (string, error) {
	var id string
	err := s.mutate(ctx, "begin reply", func(st *state) bool {
		i := st.index(sessionID)
		if i < 0 {
			return false
		}
		msg := s.message(domain.RoleAssistant, "")
		msg.Streaming = true
		st.sessions[i].Messages = append(st.sessions[i].Messages, msg)
		id = msg.ID
		st.emit(EventMessageAdded, sessionID, msg.ID)
		return true
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// AppendToMessage appends delta to a streaming message and returns the
// updated message. It reports false when the session or message is gone or
// the message is no longer streaming. Deltas are held in memory until
// FinalizeMessage makes them durable.
func (s *Store) AppendToMessage(sessionID, messageID, delta string) (domain.Message, bool) {
	s.mu.Lock()
	i := s.state.index(sessionID)
	if i < 0 {
		s.mu.Unlock()
		return domain.Message{}, false
	}
	sess := &s.state.sessions[i]
	j := sess.MessageIndex(messageID)
	if j < 0 || !sess.Messages[j].Streaming {
		s.mu.Unlock()
		return domain.Message{}, false
	}
	sess.Messages[j].Text += delta
	out := sess.Messages[j].Clone()
	s.mu.Unlock()

	s.publish(Event{Kind: EventMessageDelta, SessionID: sessionID, MessageID: messageID})
	return out, true
}

// FinalizeMessage ends streaming for a message, attaches sources and
// persists the accumulated text. It reports false when the session or
// message is gone or the message already finished.
func (s *Store) FinalizeMessage(ctx context.Context, sessionID, messageID string, sources []domain.Source) (bool, error) {
	applied := false
	err := s.mutate(ctx, "finalize reply", func(st *state) bool {
		i := st.index(sessionID)
		if i < 0 {
			return false
		}
		sess := &st.sessions[i]
		j := sess.MessageIndex(messageID)
		if j < 0 || !sess.Messages[j].Streaming {
			return false
		}
		msg := &sess.Messages[j]
		msg.Streaming = false
		msg.Sources = append([]domain.Source(nil), sources...)
		sess.LastActivity = s.now()
		st.emit(EventMessageUpdated, sessionID, messageID)
		applied = true
		return true
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// RemoveMessage discards a message after a failed reply. A message that is
// still streaming leaves the live state even when the write fails, since
// Open drops streaming messages on load; the write error is still returned.
func (s *Store) RemoveMessage(ctx context.Context, sessionID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	i := next.index(sessionID)
	if i < 0 {
		return nil
	}
	sess := &next.sessions[i]
	j := sess.MessageIndex(messageID)
	if j < 0 {
		return nil
	}
	streaming := sess.Messages[j].Streaming
	sess.Messages = append(sess.Messages[:j], sess.Messages[j+1:]...)
	if len(sess.Messages) == 0 {
		sess.Messages = []domain.Message{s.message(domain.RoleAssistant, domain.EmptyText)}
	}

	err := s.persist(ctx, next)
	if err != nil {
		s.metrics.StorageFailed("session")
		s.logger.Error("session write failed", "op", "remove reply", "error", err)
		if !streaming {
			return fmt.Errorf("remove reply: %w", err)
		}
	}
	s.state = next
	s.publish(Event{Kind: EventMessageRemoved, SessionID: sessionID, MessageID: messageID})
	if err != nil {
		return fmt.Errorf("remove reply: %w", err)
	}
	return nil
}

// TogglePin flips the pin state of a finished assistant message, searching
// every session.
func (s *Store) TogglePin(ctx context.Context, messageID string) error {
	return s.mutate(ctx, "toggle pin", func(st *state) bool {
		for i := range st.sessions {
			sess := &st.sessions[i]
			j := sess.MessageIndex(messageID)
			if j < 0 {
				continue
			}
			msg := &sess.Messages[j]
			if msg.Role != domain.RoleAssistant || msg.Streaming {
				return false
			}
			msg.IsPinned = !msg.IsPinned
			if msg.IsPinned {
				ts := s.now()
				msg.PinnedAt = &ts
				msg.PinSeq = st.lastPinSeq() + 1
			} else {
				msg.PinnedAt = nil
				msg.PinSeq = 0
			}
			st.emit(EventMessageUpdated, sess.ID, messageID)
			return true
		}
		return false
	})
}

// DeleteMessage removes one message. A session left empty receives a single
// placeholder message.
func (s *Store) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	return s.mutate(ctx, "delete message", func(st *state) bool {
		i := st.index(sessionID)
		if i < 0 {
			return false
		}
		sess := &st.sessions[i]
		j := sess.MessageIndex(messageID)
		if j < 0 {
			return false
		}
		sess.Messages = append(sess.Messages[:j], sess.Messages[j+1:]...)
		if len(sess.Messages) == 0 {
			sess.Messages = []domain.Message{s.message(domain.RoleAssistant, domain.EmptyText)}
		}
		st.emit(EventMessageRemoved, sessionID, messageID)
		return true
	})
}

// ClearSession replaces every message with a single reset message. The
// session keeps its id and title.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	return s.mutate(ctx, "clear session", func(st *state) bool {
		i := st.index(sessionID)
		if i < 0 {
			return false
		}
		st.sessions[i].Messages = []domain.Message{s.message(domain.RoleAssistant, domain.ResetText)}
		st.sessions[i].LastActivity = s.now()
		st.emit(EventSessionUpdated, sessionID, "")
		return true
	})
}

// DeleteSession removes a session unless it is the only one left. Deleting
// the active session activates the first remaining one.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.mutate(ctx, "delete session", func(st *state) bool {
		i := st.index(sessionID)
		if i < 0 || len(st.sessions) <= 1 {
			return false
		}
		st.sessions = append(st.sessions[:i], st.sessions[i+1:]...)
		st.emit(EventSessionDeleted, sessionID, "")
		if st.activeID == sessionID {
			st.activeID = st.sessions[0].ID
			st.emit(EventActiveChanged, st.activeID, "")
		}
		return true
	})
}

// WipeAll discards every session and leaves exactly one fresh session.
func (s *Store) WipeAll(ctx context.Context) (domain.Session, error) {
	var fresh domain.Session
	err := s.mutate(ctx, "wipe sessions", func(st *state) bool {
		fresh = s.newSession()
		st.sessions = []domain.Session{fresh}
		st.activeID = fresh.ID
		st.emit(EventWiped, fresh.ID, "")
		return true
	})
	if err != nil {
		return domain.Session{}, err
	}
	return fresh.Clone(), nil
}

// Rename sets a custom title. A custom title is never replaced by a derived one.
func (s *Store) Rename(ctx context.Context, sessionID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	return s.mutate(ctx, "rename session", func(st *state) bool {
		i := st.index(sessionID)
		if i < 0 {
			return false
		}
		st.sessions[i].Title = title
		st.sessions[i].TitleCustomized = true
		st.emit(EventSessionUpdated, sessionID, "")
		return true
	})
}

// SetActive switches the active session.
func (s *Store) SetActive(ctx context.Context, sessionID string) error {
	return s.mutate(ctx, "activate session", func(st *state) bool {
		if st.activeID == sessionID || st.index(sessionID) < 0 {
			return false
		}
		st.activeID = sessionID
		st.emit(EventActiveChanged, sessionID, "")
		return true
	})
}

// List returns every session, newest first.
func (s *Store) List() []domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Session, len(s.state.sessions))
	for i, sess := range s.state.sessions {
		out[i] = sess.Clone()
	}
	return out
}

// Active returns the active session.
func (s *Store) Active() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.state.index(s.state.activeID); i >= 0 {
		return s.state.sessions[i].Clone()
	}
	return s.state.sessions[0].Clone()
}

// Get returns the session with the given id.
func (s *Store) Get(sessionID string) (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.state.index(sessionID)
	if i < 0 {
		return domain.Session{}, false
	}
	return s.state.sessions[i].Clone(), true
}

// Pinned aggregates pinned messages across all sessions, oldest pin first.
// Pins sharing a timestamp keep the order they were made in.
func (s *Store) Pinned() []domain.PinnedMessage {
	s.mu.Lock()
	var out []domain.PinnedMessage
	for _, sess := range s.state.sessions {
		for _, m := range sess.Messages {
			if m.IsPinned {
				out = append(out, domain.PinnedMessage{SessionID: sess.ID, SessionTitle: sess.Title, Message: m.Clone()})
			}
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := pinTime(out[i].Message), pinTime(out[j].Message)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].Message.PinSeq < out[j].Message.PinSeq
	})
	return out
}

func pinTime(m domain.Message) time.Time {
	if m.PinnedAt != nil {
		return *m.PinnedAt
	}
	return m.Timestamp
}

// History returns up to limit sessions ordered by last activity, most
// recent first. A limit of zero or less returns all of them.
func (s *Store) History(limit int) []domain.Session {
	out := s.List()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
