package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/liverelay/internal/audio"
	"github.com/antoniostano/liverelay/internal/memory"
	"github.com/antoniostano/liverelay/internal/observability"
	"github.com/antoniostano/liverelay/internal/policy"
	"github.com/antoniostano/liverelay/internal/protocol"
	"github.com/antoniostano/liverelay/internal/session"
	"github.com/antoniostano/liverelay/internal/upstream"
)

const (
	defaultInactivityTimeout = 2 * time.Minute
	defaultCriticalSend      = 5 * time.Second
	defaultPersistTimeout    = 5 * time.Second
	defaultPersistRetryBase  = 200 * time.Millisecond
	defaultDrainTimeout      = 10 * time.Second
	finalSendTimeout         = time.Second
)

// Config tunes relay behaviour.
type Config struct {
	Framer              audio.FramerConfig
	InactivityTimeout   time.Duration
	BargeInRMS          float64
	BargeInMinFrames    int
	StoreAssistantAudio bool
	MaxAudioBytes       int
	Redactor            policy.Redactor
	CriticalSendTimeout time.Duration
	PersistTimeout      time.Duration
	PersistRetryBase    time.Duration
	DrainTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = defaultInactivityTimeout
	}
	if c.CriticalSendTimeout <= 0 {
		c.CriticalSendTimeout = defaultCriticalSend
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = defaultPersistTimeout
	}
	if c.PersistRetryBase <= 0 {
		c.PersistRetryBase = defaultPersistRetryBase
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	return c
}

// Engine opens relays between duplex clients and the upstream adapter.
type Engine struct {
	store    memory.MessageStore
	sessions *session.Manager
	adapter  upstream.Adapter
	metrics  *observability.Metrics
	framer   *audio.Framer
	cfg      Config
}

func NewEngine(store memory.MessageStore, sessions *session.Manager, adapter upstream.Adapter, metrics *observability.Metrics, cfg Config) (*Engine, error) {
	if store == nil || sessions == nil || adapter == nil {
		return nil, errors.New("relay engine requires a store, a session manager and an adapter")
	}
	cfg = cfg.withDefaults()
	framer, err := audio.NewFramer(cfg.Framer)
	if err != nil {
		return nil, fmt.Errorf("relay audio config: %w", err)
	}
	return &Engine{
		store:    store,
		sessions: sessions,
		adapter:  adapter,
		metrics:  metrics,
		framer:   framer,
		cfg:      cfg,
	}, nil
}

func (e *Engine) AdapterName() string { return e.adapter.Name() }

// Open runs the Connecting and Seeding phases. No client traffic is accepted
// until it returns successfully; on error nothing is left open.
func (e *Engine) Open(ctx context.Context, sessionID string) (*Relay, error) {
	openedAt := time.Now()
	r := &Relay{
		engine:   e,
		id:       uuid.NewString(),
		st:       newRelayState(openedAt),
		openedAt: openedAt,
		detector: audio.NewActivityDetector(e.cfg.BargeInRMS, e.cfg.BargeInMinFrames),
	}
	r.logger = observability.WithFields("component", "relay", "session_id", sessionID, "relay_id", r.id)
	r.life, r.end = context.WithCancel(context.Background())

	fail := func(err error) (*Relay, error) {
		_ = r.st.transition(PhaseErrored)
		r.release()
		e.metrics.ObserveSessionEvent("relay_open_failed")
		if re := Classify(err); re != nil {
			r.logger.Info("relay open refused", "code", re.Code, "error", err)
		}
		return nil, err
	}

	sess, err := e.sessions.Lookup(ctx, sessionID)
	if err != nil {
		return fail(err)
	}
	r.session = sess

	releaseClaim, err := e.sessions.Claim(sess.ID, r.end)
	if err != nil {
		return fail(err)
	}
	r.releaseClaim = releaseClaim

	if err := r.st.transition(PhaseSeeding); err != nil {
		return fail(err)
	}

	seedStarted := time.Now()
	history, err := e.store.ListSinceStart(ctx, sess.ID)
	if err != nil {
		return fail(fmt.Errorf("load history: %w", err))
	}

	conn, err := e.adapter.Connect(ctx, upstream.Instruction{
		SessionID:    sess.ID,
		SystemPrompt: upstream.BuildInstruction(sess.ContextDescription, sess.ToneParameter),
	})
	if err != nil {
		e.metrics.ObserveUpstreamError(e.adapter.Name(), "connect")
		return fail(err)
	}
	r.conn = conn
	if acker, ok := conn.(upstream.InterruptionAcker); ok {
		r.st.setAcknowledgesInterruptions(acker.AcknowledgesInterruptions())
	}

	if err := conn.SeedHistory(ctx, history); err != nil {
		e.metrics.ObserveUpstreamError(e.adapter.Name(), "seed")
		return fail(err)
	}
	if len(history) == 0 && strings.TrimSpace(sess.SeedInstruction) != "" {
		if err := conn.SendText(ctx, sess.SeedInstruction); err != nil {
			e.metrics.ObserveUpstreamError(e.adapter.Name(), "seed_instruction")
			return fail(err)
		}
	}
	e.metrics.ObserveStage(observability.StageSeedHistory, time.Since(seedStarted))

	replayed := upstream.ReplayedCount(history)
	r.st.mu.Lock()
	r.st.historyCount = replayed
	r.st.mu.Unlock()

	r.persist = newPersister(e.store, e.metrics, r.logger, e.cfg.PersistTimeout, e.cfg.PersistRetryBase)
	r.logger.Info("relay seeded", "history_messages", replayed, "stored_messages", len(history), "provider", e.adapter.Name())
	return r, nil
}

// Relay is one live conversation between a client connection and the
// upstream.
type Relay struct {
	engine   *Engine
	id       string
	session  memory.Session
	conn     upstream.Conn
	detector *audio.ActivityDetector
	persist  *persister
	logger   *slog.Logger
	st       *relayState
	openedAt time.Time

	life         context.Context
	end          context.CancelFunc
	releaseClaim func()
	releaseOnce  sync.Once

	outbound chan<- any
}

func (r *Relay) ID() string        { return r.id }
func (r *Relay) SessionID() string { return r.session.ID }
func (r *Relay) Phase() Phase      { return r.st.currentPhase() }

func (r *Relay) HistoryCount() int {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.st.historyCount
}

// Deliverable reports whether a queued outbound message should still reach
// the client. Audio of an interrupted turn is discarded.
func (r *Relay) Deliverable(msg any) bool {
	a, ok := msg.(protocol.AssistantAudio)
	if !ok {
		return true
	}
	return r.st.deliverable(a.Turn)
}

// release closes the upstream handle and frees the session claim. Safe to
// call more than once.
func (r *Relay) release() {
	r.releaseOnce.Do(func() {
		if r.conn != nil {
			if err := r.conn.Close(); err != nil {
				r.logger.Debug("upstream close failed", "error", err)
			}
		}
		if r.releaseClaim != nil {
			r.releaseClaim()
		}
		if r.end != nil {
			r.end()
		}
	})
}

// Close abandons a relay that was opened but never run, for example when the
// client upgrade failed.
func (r *Relay) Close() {
	if r.st.currentPhase() == PhaseSeeding {
		_ = r.st.transition(PhaseErrored)
	}
	r.release()
}

// Run drives the Active phase until the client leaves, the upstream ends,
// the session goes idle or is ended, or ctx is cancelled. It performs the
// Closing phase before returning. The returned error is nil for a normal
// ending; use CloseCode to pick the close frame. Run never closes outbound;
// once it returns nothing more is queued and the caller drains the rest.
func (r *Relay) Run(ctx context.Context, inbound <-chan any, outbound chan<- any) error {
	if err := r.st.transition(PhaseActive); err != nil {
		r.release()
		return err
	}
	r.outbound = outbound
	e := r.engine
	defer e.metrics.RelayStarted()()
	e.metrics.ObserveSessionEvent("relay_active")
	e.metrics.ObserveStage(observability.StageConnectToActive, time.Since(r.openedAt))

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopEnd := context.AfterFunc(r.life, func() { cancel(errSessionEnded) })
	defer stopEnd()

	r.persist.onFailure = func(m memory.Message, err error) {
		r.sendDroppable(protocol.Warning{
			Type:      protocol.TypeWarning,
			SessionID: r.session.ID,
			Code:      string(CodeStoreUnavailable),
			Message:   "A message could not be saved to the conversation history",
		})
	}
	r.persist.start()

	r.send(ctx, protocol.Connection{
		Type:                protocol.TypeConnection,
		Message:             "Connected to live relay",
		SessionID:           r.session.ID,
		HistoryMessageCount: r.HistoryCount(),
		Model:               e.adapter.Name(),
		AudioFormat:         fmt.Sprintf("pcm16le;rate=%d", e.framer.Config().ClientOutputRate),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.inboundLoop(gctx, inbound) })
	g.Go(func() error { return r.outboundLoop(gctx) })
	g.Go(func() error { return r.watchdog(gctx) })
	err := g.Wait()
	if cause := context.Cause(ctx); errors.Is(cause, errSessionEnded) {
		err = cause
	}
	return r.shutdown(err)
}

func (r *Relay) inboundLoop(ctx context.Context, inbound <-chan any) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return errClientGone
			}
			if err := r.handleInbound(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (r *Relay) handleInbound(ctx context.Context, msg any) error {
	now := time.Now()
	r.st.touch(now)
	switch m := msg.(type) {
	case protocol.ClientAudio:
		return r.handleAudio(ctx, m.Data, now)
	case protocol.ClientText:
		return r.handleText(ctx, m.Content, now)
	case protocol.ClientPing:
		r.sendDroppable(protocol.Pong{Type: protocol.TypePong})
		return nil
	case protocol.Malformed:
		r.warnFormat(m.Err)
		return nil
	default:
		r.warnFormat(fmt.Errorf("%w: %T", protocol.ErrUnsupportedType, msg))
		return nil
	}
}

func (r *Relay) warnFormat(err error) {
	r.engine.metrics.ObserveSessionEvent("client_format_error")
	r.sendDroppable(protocol.Warning{
		Type:      protocol.TypeWarning,
		SessionID: r.session.ID,
		Code:      string(CodeFormat),
		Message:   err.Error(),
	})
}

func (r *Relay) handleAudio(ctx context.Context, frame []byte, now time.Time) error {
	pcm, err := r.engine.framer.Inbound(frame)
	if err != nil {
		r.warnFormat(err)
		return nil
	}
	active, level := r.detector.Observe(pcm)
	if r.engine.cfg.BargeInRMS > 0 && level >= r.engine.cfg.BargeInRMS {
		r.st.markHumanAudio()
		r.st.markInput(now)
	}
	if active && r.st.assistantStreaming() {
		r.interrupt(ctx, true, "local_vad", now)
		r.detector.Reset()
	}
	r.st.inputForwarded()
	if err := r.conn.SendAudio(ctx, pcm); err != nil {
		return r.upstreamSendFailed(ctx, err)
	}
	return nil
}

func (r *Relay) handleText(ctx context.Context, text string, now time.Time) error {
	text = strings.TrimSpace(text)
	if text == "" {
		r.warnFormat(errors.New("text content is required"))
		return nil
	}
	if r.st.assistantStreaming() {
		r.interrupt(ctx, true, "text", now)
	}
	if human, ok := r.st.takeHumanTurn(); ok {
		r.persistHuman(memory.KindAudio, human, now)
	}
	r.persistHuman(memory.KindText, text, now)
	r.st.markInput(now)

	r.st.inputForwarded()
	if err := r.conn.SendText(ctx, text); err != nil {
		return r.upstreamSendFailed(ctx, err)
	}
	return nil
}

func (r *Relay) upstreamSendFailed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.engine.metrics.ObserveUpstreamError(r.engine.adapter.Name(), "send")
	return err
}

func (r *Relay) outboundLoop(ctx context.Context) error {
	events := r.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errUpstreamClosed
			}
			if err := r.handleEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (r *Relay) handleEvent(ctx context.Context, ev upstream.Event) error {
	now := time.Now()
	cfg := r.engine.cfg
	switch e := ev.(type) {
	case upstream.AudioChunk:
		out, err := r.engine.framer.Outbound(e.Data)
		if err != nil {
			r.logger.Warn("drop undecodable upstream audio", "bytes", len(e.Data), "error", err)
			return nil
		}
		res := r.st.observeChunk(chunkAudio, e.Data, "", now, cfg.StoreAssistantAudio, cfg.MaxAudioBytes)
		if !res.deliver {
			return nil
		}
		r.onTurnStart(res)
		r.send(ctx, protocol.AssistantAudio{Data: out, Turn: res.turn})
	case upstream.TextChunk:
		res := r.st.observeChunk(chunkText, nil, e.Text, now, false, 0)
		if !res.deliver {
			return nil
		}
		r.onTurnStart(res)
		r.send(ctx, protocol.Response{Type: protocol.TypeResponse, Content: e.Text, SessionID: r.session.ID})
	case upstream.OutputTranscript:
		res := r.st.observeChunk(chunkTranscript, nil, e.Text, now, false, 0)
		if !res.deliver {
			return nil
		}
		r.onTurnStart(res)
		r.sendDroppable(protocol.Transcript{Type: protocol.TypeTranscript, Role: string(memory.SenderAssistant), Content: e.Text, SessionID: r.session.ID})
	case upstream.InputTranscript:
		r.st.appendHumanTranscript(e.Text, now)
		r.sendDroppable(protocol.Transcript{Type: protocol.TypeTranscript, Role: string(memory.SenderHuman), Content: e.Text, SessionID: r.session.ID})
	case upstream.Interrupted:
		r.interrupt(ctx, false, "upstream", now)
	case upstream.TurnComplete:
		b := r.st.completeTurn(now)
		r.persistBoundary(b, now)
		if b.ok {
			r.engine.metrics.ObserveStage(observability.StageTurnTotal, now.Sub(b.turn.startedAt))
		}
		r.send(ctx, protocol.TurnComplete{Type: protocol.TypeTurnComplete, SessionID: r.session.ID})
	case upstream.ErrorEvent:
		r.engine.metrics.ObserveUpstreamError(r.engine.adapter.Name(), "stream")
		return fmt.Errorf("%w: %v", upstream.ErrUnavailable, e)
	default:
		r.logger.Warn("ignoring unknown upstream event", "event", upstream.EventName(ev))
	}
	return nil
}

func (r *Relay) onTurnStart(res chunkResult) {
	if res.first && res.latency > 0 {
		r.engine.metrics.ObserveFirstResponseLatency(res.latency)
	}
}

// interrupt cuts the streaming assistant turn, tells the client to flush
// playback, and persists what was produced so far.
func (r *Relay) interrupt(ctx context.Context, local bool, trigger string, now time.Time) {
	b, ok := r.st.interrupt(local, now)
	if !ok {
		return
	}
	r.engine.metrics.ObserveInterruption(trigger)
	r.logger.Debug("assistant turn interrupted", "trigger", trigger, "turn", b.turn.seq)
	r.send(ctx, protocol.Interrupted{Type: protocol.TypeInterrupted, SessionID: r.session.ID, Reason: trigger})
	r.persistBoundary(b, now)
}

// persistBoundary stores the utterance before the assistant turn answering it.
func (r *Relay) persistBoundary(b boundary, now time.Time) {
	if b.humanReady {
		r.persistHuman(memory.KindAudio, b.human, b.humanAt)
	}
	if b.ok {
		r.persistAssistant(b.turn, now)
	}
}

func (r *Relay) persistHuman(kind memory.Kind, text string, now time.Time) {
	redacted, changed := r.engine.cfg.Redactor.Apply(text)
	r.persist.enqueue(memory.Message{
		SessionID:   r.session.ID,
		Sender:      memory.SenderHuman,
		Kind:        kind,
		Text:        redacted,
		PIIRedacted: changed,
		CreatedAt:   now,
	})
}

func (r *Relay) persistAssistant(turn finishedTurn, now time.Time) {
	if turn.text == "" && turn.audioBytes == 0 {
		return
	}
	text, changed := r.engine.cfg.Redactor.Apply(turn.text)
	m := memory.Message{
		SessionID:   r.session.ID,
		Sender:      memory.SenderAssistant,
		Kind:        memory.KindText,
		Text:        text,
		Incomplete:  turn.incomplete,
		PIIRedacted: changed,
		CreatedAt:   now,
	}
	if turn.audioBytes > 0 {
		m.Kind = memory.KindAudio
		rate := r.engine.framer.Config().UpstreamOutputRate
		r.engine.metrics.ObservePersistedAudio(time.Duration(audio.DurationMS(turn.audioBytes, rate)) * time.Millisecond)
		if len(turn.audio) > 0 && !turn.overflow {
			wav, err := audio.EncodeWAVPCM16LE(turn.audio, rate)
			if err != nil {
				r.logger.Warn("encode assistant audio failed", "error", err)
			} else {
				m.Payload = wav
				m.PayloadMIME = "audio/wav"
			}
		}
	}
	r.persist.enqueue(m)
}

func (r *Relay) watchdog(ctx context.Context) error {
	timeout := r.engine.cfg.InactivityTimeout
	tick := timeout / 4
	if tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if idle := r.st.idleFor(now); idle >= timeout {
				return &Error{Code: CodeInactivity, Message: fmt.Sprintf("No activity for %s", timeout.Round(time.Second))}
			}
		}
	}
}

// shutdown performs the Closing phase.
func (r *Relay) shutdown(cause error) error {
	re := Classify(cause)
	fatal := re != nil && re.Code != CodeInactivity && re.Code != CodeSessionEnded
	if fatal {
		_ = r.st.transition(PhaseErrored)
	} else {
		_ = r.st.transition(PhaseClosing)
	}

	switch {
	case re == nil:
	case !fatal:
		r.sendFinal(protocol.Warning{
			Type:      protocol.TypeWarning,
			SessionID: r.session.ID,
			Code:      string(re.Code),
			Message:   re.Message,
		})
	default:
		if msg, ok := ErrorMessage(r.session.ID, re); ok && r.st.claimErrorEvent() {
			r.sendFinal(msg)
		}
		r.logger.Error("relay failed", "code", re.Code, "error", cause)
	}

	if r.conn != nil {
		_ = r.conn.Close()
	}

	now := time.Now()
	r.persistBoundary(r.st.drain(now), now)

	drainCtx, cancel := context.WithTimeout(context.Background(), r.engine.cfg.DrainTimeout)
	defer cancel()
	if err := r.persist.closeAndWait(drainCtx); err != nil {
		r.logger.Warn("history drain incomplete", "error", err)
	}
	if err := r.engine.sessions.Touch(drainCtx, r.session.ID); err != nil {
		r.logger.Debug("touch session failed", "error", err)
	}
	r.release()

	if !fatal {
		_ = r.st.transition(PhaseClosed)
	}
	r.engine.metrics.ObserveSessionEvent("relay_" + r.st.currentPhase().String())
	r.logger.Info("relay finished", "phase", r.st.currentPhase().String(), "duration_ms", time.Since(r.openedAt).Milliseconds())

	if re == nil {
		return nil
	}
	return re
}

// send delivers messages that must not be dropped, waiting for room up to
// the critical send timeout.
func (r *Relay) send(ctx context.Context, msg any) {
	msgType := messageType(msg)
	timer := time.NewTimer(r.engine.cfg.CriticalSendTimeout)
	defer timer.Stop()
	select {
	case r.outbound <- msg:
		r.engine.metrics.ObserveOutboundMessage(msgType, "delivered")
	case <-ctx.Done():
		r.engine.metrics.ObserveOutboundMessage(msgType, "cancelled")
	case <-timer.C:
		r.engine.metrics.ObserveOutboundMessage(msgType, "timeout")
		r.engine.metrics.ObserveSessionEvent("outbound_drop")
	}
}

// sendDroppable never blocks; low-priority messages are dropped under
// backpressure.
func (r *Relay) sendDroppable(msg any) {
	msgType := messageType(msg)
	select {
	case r.outbound <- msg:
		r.engine.metrics.ObserveOutboundMessage(msgType, "delivered")
	default:
		r.engine.metrics.ObserveOutboundMessage(msgType, "dropped")
		r.engine.metrics.ObserveSessionEvent("outbound_drop")
	}
}

func (r *Relay) sendFinal(msg any) {
	ctx, cancel := context.WithTimeout(context.Background(), finalSendTimeout)
	defer cancel()
	r.send(ctx, msg)
}

func messageType(msg any) string {
	if t, ok := protocol.TypeOf(msg); ok {
		return string(t)
	}
	return "unknown"
}
