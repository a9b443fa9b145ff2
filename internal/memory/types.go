package memory

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("history store unavailable")
)

// Sender is the party that produced a message.
type Sender string

const (
	SenderHuman     Sender = "human"
	SenderAssistant Sender = "assistant"
)

// Kind is the content kind of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindAudio Kind = "audio"
	KindImage Kind = "image"
)

// Session is one persistent conversation. Sessions are never deleted; ending
// one only clears Active.
type Session struct {
	ID                 string    `json:"id"`
	ContextDescription string    `json:"context_description"`
	ToneParameter      int       `json:"tone_parameter"`
	SeedInstruction    string    `json:"seed_instruction,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	LastActivityAt     time.Time `json:"last_activity_at"`
	Active             bool      `json:"active"`
}

// Message is one persisted turn. Seq is assigned by the store and breaks
// ties between equal timestamps.
type Message struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Seq         int64     `json:"seq"`
	Sender      Sender    `json:"sender"`
	Kind        Kind      `json:"kind"`
	Text        string    `json:"text,omitempty"`
	Payload     []byte    `json:"-"`
	PayloadMIME string    `json:"payload_mime,omitempty"`
	Incomplete  bool      `json:"incomplete,omitempty"`
	PIIRedacted bool      `json:"pii_redacted,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionStore persists session records.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, activeOnly bool) ([]Session, error)
	SetSessionActive(ctx context.Context, id string, active bool) (Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
}

// MessageStore is the append-only conversation history.
type MessageStore interface {
	// AppendMessage inserts one message atomically. CreatedAt is forced
	// strictly after the session's previous message so creation order always
	// equals append order.
	AppendMessage(ctx context.Context, m Message) (Message, error)
	// ListSinceStart returns every message of a session in creation order.
	ListSinceStart(ctx context.Context, sessionID string) ([]Message, error)
	// ListRecent returns the newest limit messages, oldest first.
	ListRecent(ctx context.Context, sessionID string, limit int) ([]Message, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
}

// Store is a combined session and message store.
type Store interface {
	SessionStore
	MessageStore
	Mode() string
	Close() error
}

// prepareMessage fills defaults shared by every backend. Timestamps are
// truncated to microseconds, the finest resolution all backends keep.
func prepareMessage(m Message, newID func() string, last time.Time) Message {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Microsecond)
	if !last.IsZero() && !m.CreatedAt.After(last) {
		m.CreatedAt = last.Add(time.Microsecond)
	}
	return m
}

func prepareSession(s Session, newID func() string) Session {
	if s.ID == "" {
		s.ID = newID()
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.CreatedAt = s.CreatedAt.UTC().Truncate(time.Microsecond)
	if s.LastActivityAt.IsZero() {
		s.LastActivityAt = s.CreatedAt
	}
	s.LastActivityAt = s.LastActivityAt.UTC().Truncate(time.Microsecond)
	return s
}
