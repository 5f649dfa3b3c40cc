package domain

import (
	"time"
	"unicode/utf8"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks messages typed by the operator.
	RoleUser Role = "user"
	// RoleAssistant marks messages produced by the generation service.
	RoleAssistant Role = "assistant"
)

const (
	// DefaultTitle is the placeholder title of a session that has not seen user input.
	DefaultTitle = "New Briefing"
	// TitleMaxRunes bounds a title derived from the first user message.
	TitleMaxRunes = 30
	// TitleEllipsis marks a truncated derived title.
	TitleEllipsis = "..."

	// GreetingText opens every new session.
	GreetingText = "AntiRisk Advisor online. Describe the site, the incident or the procedure you need help with."
	// ResetText replaces the log of a cleared session.
	ResetText = "Session cleared. Ready for a new line of inquiry."
	// EmptyText keeps a session from ever holding zero messages.
	EmptyText = "No messages in this session."
)

// Source is a citation attached to generated content.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Message is one entry in a session log.
type Message struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Text      string     `json:"text"`
	Timestamp time.Time  `json:"timestamp"`
	IsPinned  bool       `json:"is_pinned"`
	PinnedAt  *time.Time `json:"pinned_at,omitempty"`
	PinSeq    uint64     `json:"pin_seq,omitempty"`
	Sources   []Source   `json:"sources,omitempty"`
	// Streaming is set while an assistant reply is still receiving fragments.
	Streaming bool `json:"streaming,omitempty"`
}

// Clone returns a copy that shares no slices or pointers with m.
func (m Message) Clone() Message {
	out := m
	if m.PinnedAt != nil {
		ts := *m.PinnedAt
		out.PinnedAt = &ts
	}
	if m.Sources != nil {
		out.Sources = append([]Source(nil), m.Sources...)
	}
	return out
}

// Session is an ordered conversation thread.
type Session struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	TitleCustomized bool      `json:"title_customized,omitempty"`
	Messages        []Message `json:"messages"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.Clone()
	}
	return out
}

// MessageIndex returns the position of the message with the given id, or -1.
func (s *Session) MessageIndex(messageID string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

// HasDefaultTitle reports whether the title may still be derived from user input.
func (s *Session) HasDefaultTitle() bool {
	return !s.TitleCustomized && s.Title == DefaultTitle
}

// DeriveTitle builds a session title from the first user message.
// Text longer than TitleMaxRunes is cut and suffixed with TitleEllipsis.
func DeriveTitle(text string) string {
	if utf8.RuneCountInString(text) <= TitleMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:TitleMaxRunes]) + TitleEllipsis
}

// PinnedMessage is a pinned message together with the session it lives in.
type PinnedMessage struct {
	SessionID    string  `json:"session_id"`
	SessionTitle string  `json:"session_title"`
	Message      Message `json:"message"`
}

// Fragment is one incremental chunk delivered by a streaming generation call.
type Fragment struct {
	Text    string
	Sources []Source
}
