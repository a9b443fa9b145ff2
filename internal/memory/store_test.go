package memory

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeBackends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	backends := map[string]func(t *testing.T) Store{
		"inmemory": func(t *testing.T) Store { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(":memory:")
			require.NoError(t, err)
			return s
		},
	}
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		backends["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(context.Background(), url)
			require.NoError(t, err)
			return s
		}
	}
	return backends
}

func TestStoreSessionLifecycle(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			created, err := s.CreateSession(ctx, Session{ContextDescription: "Level 3: counting apples", ToneParameter: 7, Active: true})
			require.NoError(t, err)
			require.NotEmpty(t, created.ID)

			got, err := s.GetSession(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, "Level 3: counting apples", got.ContextDescription)
			assert.Equal(t, 7, got.ToneParameter)
			assert.True(t, got.Active)

			ended, err := s.SetSessionActive(ctx, created.ID, false)
			require.NoError(t, err)
			assert.False(t, ended.Active)

			active, err := s.ListSessions(ctx, true)
			require.NoError(t, err)
			for _, a := range active {
				assert.NotEqual(t, created.ID, a.ID, "ended session listed as active")
			}

			_, err = s.GetSession(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.TouchSession(ctx, "missing", time.Now()), ErrNotFound)
		})
	}
}

func TestStoreListSinceStartPreservesAppendOrder(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			sess, err := s.CreateSession(ctx, Session{ContextDescription: "ctx", ToneParameter: 6, Active: true})
			require.NoError(t, err)

			// Identical and backwards timestamps must still replay in append order.
			fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
			stamps := []time.Time{fixed, fixed, fixed.Add(-time.Hour), {}, fixed}
			for i, at := range stamps {
				sender := SenderHuman
				if i%2 == 1 {
					sender = SenderAssistant
				}
				_, err := s.AppendMessage(ctx, Message{
					SessionID: sess.ID,
					Sender:    sender,
					Kind:      KindText,
					Text:      fmt.Sprintf("m%d", i),
					CreatedAt: at,
				})
				require.NoError(t, err)
			}

			msgs, err := s.ListSinceStart(ctx, sess.ID)
			require.NoError(t, err)
			require.Len(t, msgs, len(stamps))
			for i, m := range msgs {
				assert.Equal(t, fmt.Sprintf("m%d", i), m.Text)
				if i > 0 {
					assert.True(t, m.CreatedAt.After(msgs[i-1].CreatedAt), "timestamps must strictly increase")
				}
			}

			recent, err := s.ListRecent(ctx, sess.ID, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "m3", recent[0].Text)
			assert.Equal(t, "m4", recent[1].Text)

			n, err := s.CountMessages(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, len(stamps), n)
		})
	}
}

func TestStoreAppendKeepsPayloadAndFlags(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			sess, err := s.CreateSession(ctx, Session{ContextDescription: "ctx", ToneParameter: 5, Active: true})
			require.NoError(t, err)

			_, err = s.AppendMessage(ctx, Message{
				SessionID:   sess.ID,
				Sender:      SenderAssistant,
				Kind:        KindAudio,
				Text:        "half a sent",
				Payload:     []byte{1, 2, 3, 4},
				PayloadMIME: "audio/wav",
				Incomplete:  true,
			})
			require.NoError(t, err)

			msgs, err := s.ListSinceStart(ctx, sess.ID)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, KindAudio, msgs[0].Kind)
			assert.Equal(t, []byte{1, 2, 3, 4}, msgs[0].Payload)
			assert.True(t, msgs[0].Incomplete)
			assert.NotZero(t, msgs[0].Seq)

			_, err = s.AppendMessage(ctx, Message{SessionID: "missing", Sender: SenderHuman, Kind: KindText, Text: "x"})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestInMemoryStoreConcurrentAppendsAcrossSessions(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	var ids []string
	for i := 0; i < 4; i++ {
		sess, err := s.CreateSession(ctx, Session{ContextDescription: "ctx", ToneParameter: 7, Active: true})
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := s.AppendMessage(ctx, Message{SessionID: id, Sender: SenderHuman, Kind: KindText, Text: fmt.Sprint(i)})
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		msgs, err := s.ListSinceStart(ctx, id)
		require.NoError(t, err)
		require.Len(t, msgs, 50)
		for i, m := range msgs {
			assert.Equal(t, fmt.Sprint(i), m.Text)
		}
	}
}

func TestNewStoreSelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := NewStore(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "in-memory", s.Mode())

	s, err = NewStore(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "sqlite", s.Mode())
}
