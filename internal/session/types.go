package session

import (
	"errors"
	"time"

	"github.com/antoniostano/liverelay/internal/memory"
)

const (
	MinToneParameter     = 4
	MaxToneParameter     = 10
	DefaultToneParameter = 7
)

var (
	ErrNotFound = errors.New("session not found")
	ErrInactive = errors.New("session inactive")
	// ErrBusy means another relay already serves the session.
	ErrBusy    = errors.New("session busy")
	ErrInvalid = errors.New("invalid session request")
)

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	ContextDescription string `json:"context_description"`
	ToneParameter      int    `json:"tone_parameter"`
	SeedInstruction    string `json:"seed_instruction"`
}

// View is the API representation of a session.
type View struct {
	SessionID          string    `json:"session_id"`
	ContextDescription string    `json:"context_description"`
	ToneParameter      int       `json:"tone_parameter"`
	SeedInstruction    string    `json:"seed_instruction,omitempty"`
	Active             bool      `json:"active"`
	Live               bool      `json:"live"`
	CreatedAt          time.Time `json:"created_at"`
	LastActivityAt     time.Time `json:"last_activity_at"`
}

func viewOf(s memory.Session, live bool) View {
	return View{
		SessionID:          s.ID,
		ContextDescription: s.ContextDescription,
		ToneParameter:      s.ToneParameter,
		SeedInstruction:    s.SeedInstruction,
		Active:             s.Active,
		Live:               live,
		CreatedAt:          s.CreatedAt,
		LastActivityAt:     s.LastActivityAt,
	}
}
