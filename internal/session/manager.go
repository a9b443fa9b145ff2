package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/liverelay/internal/memory"
)

// Manager owns session records and tracks which sessions currently have a
// live relay attached.
type Manager struct {
	store memory.SessionStore

	mu   sync.Mutex
	live map[string]*claim
}

type claim struct {
	id     string
	cancel func()
}

func NewManager(store memory.SessionStore) *Manager {
	return &Manager{
		store: store,
		live:  make(map[string]*claim),
	}
}

func (m *Manager) Create(ctx context.Context, req CreateRequest) (memory.Session, error) {
	contextDescription := strings.TrimSpace(req.ContextDescription)
	if contextDescription == "" {
		return memory.Session{}, fmt.Errorf("%w: context_description is required", ErrInvalid)
	}
	tone := req.ToneParameter
	if tone == 0 {
		tone = DefaultToneParameter
	}
	if tone < MinToneParameter || tone > MaxToneParameter {
		return memory.Session{}, fmt.Errorf("%w: tone_parameter must be between %d and %d", ErrInvalid, MinToneParameter, MaxToneParameter)
	}

	now := time.Now().UTC()
	return m.store.CreateSession(ctx, memory.Session{
		ID:                 uuid.NewString(),
		ContextDescription: contextDescription,
		ToneParameter:      tone,
		SeedInstruction:    strings.TrimSpace(req.SeedInstruction),
		CreatedAt:          now,
		LastActivityAt:     now,
		Active:             true,
	})
}

func (m *Manager) Get(ctx context.Context, sessionID string) (memory.Session, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return memory.Session{}, mapStoreErr(sessionID, err)
	}
	return s, nil
}

// Lookup returns the session only if it exists and is active.
func (m *Manager) Lookup(ctx context.Context, sessionID string) (memory.Session, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return memory.Session{}, err
	}
	if !s.Active {
		return memory.Session{}, fmt.Errorf("%w: %s", ErrInactive, sessionID)
	}
	return s, nil
}

func (m *Manager) View(ctx context.Context, sessionID string) (View, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return View{}, err
	}
	return viewOf(s, m.IsLive(s.ID)), nil
}

func (m *Manager) List(ctx context.Context, activeOnly bool) ([]View, error) {
	sessions, err := m.store.ListSessions(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, viewOf(s, m.IsLive(s.ID)))
	}
	return out, nil
}

// End marks the session inactive and cancels its live relay, if any.
func (m *Manager) End(ctx context.Context, sessionID string) (memory.Session, error) {
	s, err := m.store.SetSessionActive(ctx, sessionID, false)
	if err != nil {
		return memory.Session{}, mapStoreErr(sessionID, err)
	}

	m.mu.Lock()
	c := m.live[sessionID]
	m.mu.Unlock()
	if c != nil && c.cancel != nil {
		c.cancel()
	}
	return s, nil
}

func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	if err := m.store.TouchSession(ctx, sessionID, time.Now().UTC()); err != nil {
		return mapStoreErr(sessionID, err)
	}
	return nil
}

// Claim registers a live relay for the session. cancel is invoked if the
// session is ended while the relay runs. The returned release func is
// idempotent.
func (m *Manager) Claim(sessionID string, cancel func()) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.live[sessionID]; held {
		return nil, fmt.Errorf("%w: %s", ErrBusy, sessionID)
	}
	c := &claim{id: uuid.NewString(), cancel: cancel}
	m.live[sessionID] = c

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if cur, ok := m.live[sessionID]; ok && cur.id == c.id {
				delete(m.live, sessionID)
			}
		})
	}, nil
}

func (m *Manager) IsLive(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[sessionID]
	return ok
}

func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// CloseLive cancels every live relay without deactivating sessions. It is
// used on process shutdown.
func (m *Manager) CloseLive() {
	m.mu.Lock()
	cancels := make([]func(), 0, len(m.live))
	for _, c := range m.live {
		if c.cancel != nil {
			cancels = append(cancels, c.cancel)
		}
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// WaitIdle blocks until no relay holds a claim or ctx is done.
func (m *Manager) WaitIdle(ctx context.Context) bool {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for m.LiveCount() > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

func mapStoreErr(sessionID string, err error) error {
	if errors.Is(err, memory.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return err
}
