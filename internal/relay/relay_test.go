package relay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/liverelay/internal/audio"
	"github.com/antoniostano/liverelay/internal/memory"
	"github.com/antoniostano/liverelay/internal/policy"
	"github.com/antoniostano/liverelay/internal/protocol"
	"github.com/antoniostano/liverelay/internal/session"
	"github.com/antoniostano/liverelay/internal/upstream"
)

const waitTimeout = 3 * time.Second

// flakyStore fails appends on demand.
type flakyStore struct {
	*memory.InMemoryStore
	fail atomic.Bool
}

func (s *flakyStore) AppendMessage(ctx context.Context, m memory.Message) (memory.Message, error) {
	if s.fail.Load() {
		return memory.Message{}, fmt.Errorf("%w: disk full", memory.ErrUnavailable)
	}
	return s.InMemoryStore.AppendMessage(ctx, m)
}

type harness struct {
	store    *flakyStore
	sessions *session.Manager
	adapter  *upstream.MockAdapter
	engine   *Engine
}

func silentScript(upstream.Input) []upstream.Event { return nil }

func newHarness(t *testing.T, tune func(*Config)) *harness {
	t.Helper()
	store := &flakyStore{InMemoryStore: memory.NewInMemoryStore()}
	sessions := session.NewManager(store)
	adapter := upstream.NewMockAdapter()
	cfg := Config{
		Framer: audio.FramerConfig{
			ClientFormat:       audio.FormatPCM16,
			ClientInputRate:    16000,
			UpstreamInputRate:  16000,
			UpstreamOutputRate: 24000,
			ClientOutputRate:   24000,
		},
		InactivityTimeout:   time.Minute,
		BargeInRMS:          0.05,
		BargeInMinFrames:    2,
		StoreAssistantAudio: true,
		MaxAudioBytes:       1 << 20,
		PersistRetryBase:    time.Millisecond,
	}
	if tune != nil {
		tune(&cfg)
	}
	engine, err := NewEngine(store, sessions, adapter, nil, cfg)
	require.NoError(t, err)
	return &harness{store: store, sessions: sessions, adapter: adapter, engine: engine}
}

func (h *harness) newSession(t *testing.T, seed string) memory.Session {
	t.Helper()
	s, err := h.sessions.Create(context.Background(), session.CreateRequest{
		ContextDescription: "Level 2: adding small numbers",
		ToneParameter:      7,
		SeedInstruction:    seed,
	})
	require.NoError(t, err)
	return s
}

func (h *harness) history(t *testing.T, sessionID string) []memory.Message {
	t.Helper()
	msgs, err := h.store.ListSinceStart(context.Background(), sessionID)
	require.NoError(t, err)
	return msgs
}

type liveRelay struct {
	relay *Relay
	in    chan any
	out   chan any
	done  chan error
}

func (h *harness) start(t *testing.T, sessionID string) *liveRelay {
	t.Helper()
	r, err := h.engine.Open(context.Background(), sessionID)
	require.NoError(t, err)
	l := &liveRelay{
		relay: r,
		in:    make(chan any, 16),
		out:   make(chan any, 512),
		done:  make(chan error, 1),
	}
	go func() { l.done <- r.Run(context.Background(), l.in, l.out) }()
	return l
}

func (l *liveRelay) next(t *testing.T) any {
	t.Helper()
	select {
	case msg := <-l.out:
		return msg
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for an outbound message")
		return nil
	}
}

func waitFor[T any](t *testing.T, l *liveRelay) T {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg := <-l.out:
			if v, ok := msg.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func (l *liveRelay) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-l.done:
		return err
	case <-time.After(waitTimeout):
		t.Fatalf("relay did not finish")
		return nil
	}
}

func (l *liveRelay) stop(t *testing.T) error {
	t.Helper()
	close(l.in)
	return l.wait(t)
}

func tone(samples int, amplitude float64) []byte {
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return audio.EncodePCM16LE(pcm)
}

func TestRelayTextRoundTripPersistsOneMessagePerSender(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.SetScript(func(in upstream.Input) []upstream.Event {
		if in.Text == "" {
			return nil
		}
		return []upstream.Event{upstream.TextChunk{Text: "hello!"}, upstream.TurnComplete{}}
	})
	s := h.newSession(t, "")

	l := h.start(t, s.ID)
	conn := waitFor[protocol.Connection](t, l)
	assert.Equal(t, 0, conn.HistoryMessageCount)
	assert.Equal(t, s.ID, conn.SessionID)

	l.in <- protocol.ClientText{Type: protocol.TypeText, Content: "hi"}
	resp := waitFor[protocol.Response](t, l)
	assert.Equal(t, "hello!", resp.Content)
	waitFor[protocol.TurnComplete](t, l)
	require.NoError(t, l.stop(t))
	assert.Equal(t, PhaseClosed, l.relay.Phase())

	msgs := h.history(t, s.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, memory.SenderHuman, msgs[0].Sender)
	assert.Equal(t, memory.KindText, msgs[0].Kind)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, memory.SenderAssistant, msgs[1].Sender)
	assert.Equal(t, "hello!", msgs[1].Text)
	assert.False(t, msgs[1].Incomplete)
	assert.True(t, msgs[1].CreatedAt.After(msgs[0].CreatedAt))

	// A reconnect replays both messages in creation order.
	l2 := h.start(t, s.ID)
	conn = waitFor[protocol.Connection](t, l2)
	assert.Equal(t, 2, conn.HistoryMessageCount)
	seeded := h.adapter.LastConn().Seeded()
	require.Len(t, seeded, 2)
	assert.Equal(t, "hi", seeded[0].Text)
	assert.Equal(t, "hello!", seeded[1].Text)
	require.NoError(t, l2.stop(t))
}

func TestRelayAggregatesStreamedAudioIntoOneMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.SetScript(silentScript)
	s := h.newSession(t, "")

	l := h.start(t, s.ID)
	waitFor[protocol.Connection](t, l)
	mc := h.adapter.LastConn()

	chunk := make([]byte, 480)
	for i := 0; i < 50; i++ {
		require.NoError(t, mc.Emit(upstream.AudioChunk{Data: chunk, MIMEType: "audio/pcm;rate=24000"}))
	}
	require.NoError(t, mc.Emit(upstream.OutputTranscript{Text: "Two plus two is four."}, upstream.TurnComplete{}))

	for i := 0; i < 50; i++ {
		a := waitFor[protocol.AssistantAudio](t, l)
		require.Len(t, a.Data, 480)
		require.True(t, l.relay.Deliverable(a))
	}
	waitFor[protocol.TurnComplete](t, l)
	require.NoError(t, l.stop(t))

	msgs := h.history(t, s.ID)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, memory.SenderAssistant, m.Sender)
	assert.Equal(t, memory.KindAudio, m.Kind)
	assert.Equal(t, "Two plus two is four.", m.Text)
	assert.Equal(t, "audio/wav", m.PayloadMIME)
	pcm, rate, err := audio.DecodeWAVPCM16LE(m.Payload)
	require.NoError(t, err)
	assert.Equal(t, 24000, rate)
	assert.Len(t, pcm, 50*480)
}

func TestRelayUpstreamInterruptionPersistsTruncatedTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.SetScript(silentScript)
	s := h.newSession(t, "")

	l := h.start(t, s.ID)
	waitFor[protocol.Connection](t, l)
	mc := h.adapter.LastConn()
	for i := 0; i < 5; i++ {
		require.NoError(t, mc.Emit(upstream.AudioChunk{Data: make([]byte, 240)}))
	}
	require.NoError(t, mc.Emit(upstream.OutputTranscript{Text: "Once upon a"}, upstream.Interrupted{}))

	intr := waitFor[protocol.Interrupted](t, l)
	assert.Equal(t, "upstream", intr.Reason)
	require.NoError(t, l.stop(t))

	msgs := h.history(t, s.ID)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Incomplete)
	assert.Equal(t, "Once upon a", msgs[0].Text)
	assert.Equal(t, memory.KindAudio, msgs[0].Kind)
}

func TestRelayLocalBargeInDropsRestOfTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.SetScript(silentScript)
	h.adapter.AcknowledgeInterruptions(true)
	s := h.newSession(t, "")

	l := h.start(t, s.ID)
	waitFor[protocol.Connection](t, l)
	mc := h.adapter.LastConn()

	for i := 0; i < 3; i++ {
		require.NoError(t, mc.Emit(upstream.AudioChunk{Data: make([]byte, 240)}))
	}
	for i := 0; i < 3; i++ {
		waitFor[protocol.AssistantAudio](t, l)
	}

	loud := tone(320, 16000)
	l.in <- protocol.ClientAudio{Data: loud}
	l.in <- protocol.ClientAudio{Data: loud}
	intr := waitFor[protocol.Interrupted](t, l)
	assert.Equal(t, "local_vad", intr.Reason)
	assert.False(t, l.relay.Deliverable(protocol.AssistantAudio{Turn: 1}))

	// The rest of the cut turn, the provider's acknowledgement, then a new turn.
	require.NoError(t, mc.Emit(
		upstream.AudioChunk{Data: make([]byte, 240)},
		upstream.Interrupted{},
		upstream.TextChunk{Text: "ok"},
		upstream.TurnComplete{},
	))
	resp, ok := l.next(t).(protocol.Response)
	require.True(t, ok, "the suppressed chunk must not reach the client")
	assert.Equal(t, "ok", resp.Content)
	waitFor[protocol.TurnComplete](t, l)
	require.NoError(t, l.stop(t))

	require.Len(t, mc.AudioFrames(), 2, "inbound audio keeps flowing upstream during barge-in")

	msgs := h.history(t, s.ID)
	require.Len(t, msgs, 3)
	assert.Equal(t, memory.SenderAssistant, msgs[0].Sender)
	assert.True(t, msgs[0].Incomplete)
	assert.Equal(t, memory.SenderHuman, msgs[1].Sender)
	assert.Equal(t, memory.KindAudio, msgs[1].Kind)
	assert.Equal(t, memory.SenderAssistant, msgs[2].Sender)
	assert.Equal(t, "ok", msgs[2].Text)
	assert.False(t, msgs[2].Incomplete)
}

func TestRelayTextDuringAssistantTurnCutsIt(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.SetScript(silentScript)
	s := h.newSession(t, "")

	l := h.start(t, s.ID)
	waitFor[protocol.Connection](t, l)
	mc := h.adapter.LastConn()
	require.NoError(t, mc.Emit(upstream.TextChunk{Text: "Let me count: one, two"}))
	waitFor[protocol.Response](t, l)

	l.in <- protocol.ClientText{Type: protocol.TypeText, Content: "stop please"}
	intr := waitFor[protocol.Interrupted](t, l)
	assert.Equal(t, "text", intr.Reason)
	require.NoError(t, l.stop(t))
	assert.Equal(t, []string{"stop please"}, mc.Texts())

	msgs := h.history(t, s.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, memory.SenderAssistant, msgs[0].Sender)
	assert.Equal(t, memory.KindText, msgs[0].Kind)
	assert.True(t, msgs[0].Incomplete)
	assert.Equal(t, "Let me count: one, two", msgs[0].Text)
	assert.Equal(t, memory.SenderHuman, msgs[1].Sender)
	assert.Equal(t, "stop please", msgs[1].Text)
}

func TestRelayHumanTranscriptBecomesAudioMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.SetScript(silentScript)
	s := h.newSession(t, "")

	l := h.start(t, s.ID)
	waitFor[protocol.Connection](t, l)
	mc := h.adapter.LastConn()
	require.NoError(t, mc.Emit(
		upstream.InputTranscript{Text: "what is "},
		upstream.InputTranscript{Text: "two plus two"},
		upstream.TextChunk{Text: "Four!"},
		upstream.TurnComplete{},
	))
	waitFor[protocol.TurnComplete](t, l)
	require.NoError(t, l.stop(t))

	msgs := h.history(t, s.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, memory.SenderHuman, msgs[0].Sender)
	assert.Equal(t, memory.KindAudio, msgs[0].Kind)
	assert.Equal(t, "what is two plus two", msgs[0].Text)
	assert.Equal(t, "Four!", msgs[1].Text)
}

func TestRelayLateInputTranscriptJoinsUtterance(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.SetScript(silentScript)
	s := h.newSession(t, "")

	l := h.start(t, s.ID)
	waitFor[protocol.Connection](t, l)
	mc := h.adapter.LastConn()
	require.NoError(t, mc.Emit(
		upstream.InputTranscript{Text: "what is two"},
		upstream.OutputTranscript{Text: "Four!"},
		upstream.InputTranscript{Text: " plus two"},
		upstream.TurnComplete{},
	))
	waitFor[protocol.TurnComplete](t, l)
	require.NoError(t, l.stop(t))

	msgs := h.history(t, s.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, memory.SenderHuman, msgs[0].Sender)
	assert.Equal(t, memory.KindAudio, msgs[0].Kind)
	assert.Equal(t, "what is two plus two", msgs[0].Text)
	assert.Equal(t, memory.SenderAssistant, msgs[1].Sender)
	assert.Equal(t, "Four!", msgs[1].Text)
	assert.True(t, msgs[1].CreatedAt.After(msgs[0].CreatedAt))
}

func TestRelayAnswerAfterTextCutWithoutAcknowledgement(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.SetScript(silentScript)
	s := h.newSession(t, "")

	l := h.start(t, s.ID)
	waitFor[protocol.Connection](t, l)
	mc := h.adapter.LastConn()
	require.NoError(t, mc.Emit(upstream.TextChunk{Text: "Let me count: one"}))
	waitFor[protocol.Response](t, l)

	l.in <- protocol.ClientText{Type: protocol.TypeText, Content: "what is 2+2"}
	intr := waitFor[protocol.Interrupted](t, l)
	assert.Equal(t, "text", intr.Reason)
	require.Eventually(t, func() bool { return len(mc.Texts()) == 1 }, waitTimeout, 5*time.Millisecond)

	// This provider never sends interrupted; it just answers.
	require.NoError(t, mc.Emit(upstream.TextChunk{Text: "Four!"}, upstream.TurnComplete{}))
	resp := waitFor[protocol.Response](t, l)
	assert.Equal(t, "Four!", resp.Content)
	waitFor[protocol.TurnComplete](t, l)
	require.NoError(t, l.stop(t))

	msgs := h.history(t, s.ID)
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].Incomplete)
	assert.Equal(t, "Let me count: one", msgs[0].Text)
	assert.Equal(t, memory.SenderHuman, msgs[1].Sender)
	assert.Equal(t, "what is 2+2", msgs[1].Text)
	assert.Equal(t, memory.SenderAssistant, msgs[2].Sender)
	assert.Equal(t, "Four!", msgs[2].Text)
	assert.False(t, msgs[2].Incomplete)
}

func TestRelayDropsOddLengthUpstreamAudio(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.SetScript(silentScript)
	s := h.newSession(t, "")

	l := h.start(t, s.ID)
	waitFor[protocol.Connection](t, l)
	mc := h.adapter.LastConn()
	require.NoError(t, mc.Emit(
		upstream.AudioChunk{Data: make([]byte, 241)},
		upstream.AudioChunk{Data: make([]byte, 240)},
		upstream.TurnComplete{},
	))
	a := waitFor[protocol.AssistantAudio](t, l)
	assert.Len(t, a.Data, 240)
	assert.Equal(t, uint64(1), a.Turn)
	waitFor[protocol.TurnComplete](t, l)
	require.NoError(t, l.stop(t))

	msgs := h.history(t, s.ID)
	require.Len(t, msgs, 1)
	pcm, _, err := audio.DecodeWAVPCM16LE(msgs[0].Payload)
	require.NoError(t, err)
	assert.Len(t, pcm, 240)
}

func TestRelayConnectionCountsReplayedMessages(t *testing.T) {
	h := newHarness(t, nil)
	s := h.newSession(t, "")
	ctx := context.Background()
	_, err := h.store.AppendMessage(ctx, memory.Message{SessionID: s.ID, Sender: memory.SenderHuman, Kind: memory.KindAudio})
	require.NoError(t, err)
	_, err = h.store.AppendMessage(ctx, memory.Message{SessionID: s.ID, Sender: memory.SenderAssistant, Kind: memory.KindText, Text: "Four!"})
	require.NoError(t, err)

	l := h.start(t, s.ID)
	conn := waitFor[protocol.Connection](t, l)
	assert.Equal(t, 1, conn.HistoryMessageCount, "a silent audio marker is not replayed")
	assert.Equal(t, 1, l.relay.HistoryCount())
	assert.Len(t, h.adapter.LastConn().Seeded(), 2)
	require.NoError(t, l.stop(t))
}

func TestRelayOpenRefusesUnknownAndInactiveSessions(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.Open(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, protocol.CloseSessionNotFound, CloseCode(err))

	s := h.newSession(t, "")
	_, err = h.sessions.End(context.Background(), s.ID)
	require.NoError(t, err)
	_, err = h.engine.Open(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrSessionInactive)
	assert.Equal(t, protocol.CloseSessionNotFound, CloseCode(err))

	assert.Empty(t, h.adapter.Conns(), "no upstream work for refused sessions")
	assert.Empty(t, h.history(t, s.ID))
}

func TestRelayOpenRefusesSecondLiveRelay(t *testing.T) {
	h := newHarness(t, nil)
	s := h.newSession(t, "")

	first, err := h.engine.Open(context.Background(), s.ID)
	require.NoError(t, err)
	_, err = h.engine.Open(context.Background(), s.ID)
	require.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, protocol.CloseSessionBusy, CloseCode(err))

	first.Close()
	first.Close()
	assert.Equal(t, PhaseErrored, first.Phase())
	assert.True(t, h.adapter.Conns()[0].Closed())

	again, err := h.engine.Open(context.Background(), s.ID)
	require.NoError(t, err)
	again.Close()
}

func TestRelayConnectFailureLeavesNothingOpen(t *testing.T) {
	h := newHarness(t, nil)
	s := h.newSession(t, "")

	h.adapter.FailConnect(errors.New("dial tcp: connection refused"))
	_, err := h.engine.Open(context.Background(), s.ID)
	require.ErrorIs(t, err, upstream.ErrUnavailable)
	assert.Equal(t, protocol.CloseUpstreamFailure, CloseCode(err))
	assert.False(t, h.sessions.IsLive(s.ID))

	h.adapter.FailConnect(nil)
	h.adapter.FailSeed(errors.New("socket closed"))
	_, err = h.engine.Open(context.Background(), s.ID)
	require.ErrorIs(t, err, upstream.ErrSend)
	mc := h.adapter.LastConn()
	require.NotNil(t, mc)
	assert.True(t, mc.Closed(), "a partially opened upstream handle must be closed")
	assert.False(t, h.sessions.IsLive(s.ID))
	assert.Empty(t, h.history(t, s.ID))
}

func TestRelayCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	s := h.newSession(t, "")

	l := h.start(t, s.ID)
	waitFor[protocol.Connection](t, l)
	require.NoError(t, l.stop(t))

	l.relay.Close()
	l.relay.Close()
	mc := h.adapter.LastConn()
	assert.True(t, mc.Closed())
	assert.GreaterOrEqual(t, mc.CloseCalls(), 1)
	assert.Equal(t, PhaseClosed, l.relay.Phase())
	assert.False(t, h.sessions.IsLive(s.ID))
}

func TestRelayStoreFailureWarnsAndContinues(t *testing.T) {
	h := newHarness(t, nil)
	s := h.newSession(t, "")
	h.store.fail.Store(true)

	l := h.start(t, s.ID)
	waitFor[protocol.Connection](t, l)
	l.in <- protocol.ClientText{Type: protocol.TypeText, Content: "hi"}

	var sawWarning, sawResponse bool
	deadline := time.After(waitTimeout)
	for !(sawWarning && sawResponse) {
		select {
		case msg := <-l.out:
			switch m := msg.(type) {
			case protocol.Warning:
				if m.Code == string(CodeStoreUnavailable) {
					sawWarning = true
				}
			case protocol.Response:
				sawResponse = true
			}
		case <-deadline:
			t.Fatalf("warning=%v response=%v", sawWarning, sawResponse)
		}
	}

	l.in <- protocol.ClientPing{Type: protocol.TypePing}
	waitFor[protocol.Pong](t, l)
	require.NoError(t, l.stop(t))
}

func TestRelayUpstreamFailureSendsOneErrorEvent(t *testing.T) {
	h := newHarness(t, nil)
	s := h.newSession(t, "")

	l := h.start(t, s.ID)
	waitFor[protocol.Connection](t, l)
	h.adapter.LastConn().Fail("connection reset")

	ev := waitFor[protocol.ErrorEvent](t, l)
	assert.Equal(t, string(CodeUpstreamUnavailable), ev.Code)
	assert.True(t, ev.Retryable)

	err := l.wait(t)
	require.Error(t, err)
	assert.Equal(t, protocol.CloseUpstreamFailure, CloseCode(err))
	assert.Equal(t, PhaseErrored, l.relay.Phase())

	for len(l.out) > 0 {
		_, dup := (<-l.out).(protocol.ErrorEvent)
		require.False(t, dup, "only one error event may be sent")
	}
}

func TestRelayInactivityClosesNormally(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.InactivityTimeout = 40 * time.Millisecond })
	s := h.newSession(t, "")

	l := h.start(t, s.ID)
	waitFor[protocol.Connection](t, l)
	w := waitFor[protocol.Warning](t, l)
	assert.Equal(t, string(CodeInactivity), w.Code)

	err := l.wait(t)
	assert.Equal(t, protocol.CloseNormal, CloseCode(err))
	assert.Equal(t, PhaseClosed, l.relay.Phase())
}

func TestRelayEndedSessionStopsLiveRelay(t *testing.T) {
	h := newHarness(t, nil)
	s := h.newSession(t, "")

	l := h.start(t, s.ID)
	waitFor[protocol.Connection](t, l)
	_, err := h.sessions.End(context.Background(), s.ID)
	require.NoError(t, err)

	w := waitFor[protocol.Warning](t, l)
	assert.Equal(t, string(CodeSessionEnded), w.Code)
	err = l.wait(t)
	assert.Equal(t, protocol.CloseNormal, CloseCode(err))
	assert.False(t, h.sessions.IsLive(s.ID))
}

func TestRelayMalformedFrameWarnsAndKeepsGoing(t *testing.T) {
	h := newHarness(t, nil)
	s := h.newSession(t, "")

	l := h.start(t, s.ID)
	waitFor[protocol.Connection](t, l)
	l.in <- protocol.Malformed{Err: protocol.ErrFormat}
	w := waitFor[protocol.Warning](t, l)
	assert.Equal(t, string(CodeFormat), w.Code)

	l.in <- protocol.ClientAudio{Data: []byte{1, 2, 3}}
	w = waitFor[protocol.Warning](t, l)
	assert.Equal(t, string(CodeFormat), w.Code)

	l.in <- protocol.ClientText{Type: protocol.TypeText, Content: "still here"}
	resp := waitFor[protocol.Response](t, l)
	assert.Equal(t, "I heard you: still here", resp.Content)
	require.NoError(t, l.stop(t))
}

func TestRelaySeedInstructionOnlyForEmptyHistory(t *testing.T) {
	h := newHarness(t, nil)
	h.adapter.SetScript(silentScript)
	s := h.newSession(t, "Say hello and ask the child's name.")

	l := h.start(t, s.ID)
	waitFor[protocol.Connection](t, l)
	assert.Equal(t, []string{"Say hello and ask the child's name."}, h.adapter.LastConn().Texts())
	assert.Contains(t, h.adapter.LastConn().Instruction().SystemPrompt, "children aged 7 years old")
	l.in <- protocol.ClientText{Type: protocol.TypeText, Content: "I'm Mia"}
	require.Eventually(t, func() bool { return len(h.adapter.LastConn().Texts()) == 2 }, waitTimeout, 5*time.Millisecond)
	require.NoError(t, l.stop(t))

	l = h.start(t, s.ID)
	waitFor[protocol.Connection](t, l)
	assert.Empty(t, h.adapter.LastConn().Texts(), "seed instruction is not replayed once history exists")
	require.NoError(t, l.stop(t))
}

func TestRelayRedactsPersistedTextOnly(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Redactor = policy.Redactor{Enabled: true} })
	h.adapter.SetScript(silentScript)
	s := h.newSession(t, "")

	l := h.start(t, s.ID)
	waitFor[protocol.Connection](t, l)
	l.in <- protocol.ClientText{Type: protocol.TypeText, Content: "my mum is mum@example.com"}
	require.Eventually(t, func() bool { return len(h.adapter.LastConn().Texts()) == 1 }, waitTimeout, 5*time.Millisecond)
	require.NoError(t, l.stop(t))

	assert.Equal(t, "my mum is mum@example.com", h.adapter.LastConn().Texts()[0])
	msgs := h.history(t, s.ID)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].PIIRedacted)
	assert.NotContains(t, msgs[0].Text, "mum@example.com")
}
