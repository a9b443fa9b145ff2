package relay

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Phase is the lifecycle position of one relay.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseSeeding
	PhaseActive
	PhaseClosing
	PhaseClosed
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseSeeding:
		return "seeding"
	case PhaseActive:
		return "active"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	case PhaseErrored:
		return "errored"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) Terminal() bool { return p == PhaseClosed || p == PhaseErrored }

var ErrIllegalTransition = errors.New("illegal relay phase transition")

var nextPhases = map[Phase][]Phase{
	PhaseConnecting: {PhaseSeeding},
	PhaseSeeding:    {PhaseActive},
	PhaseActive:     {PhaseClosing},
	PhaseClosing:    {PhaseClosed},
}

func canTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseErrored {
		return true
	}
	for _, p := range nextPhases[from] {
		if p == to {
			return true
		}
	}
	return false
}

// assistantTurn accumulates one assistant turn until it is persisted.
type assistantTurn struct {
	seq        uint64
	startedAt  time.Time
	text       strings.Builder
	transcript strings.Builder
	audio      []byte
	audioBytes int
	overflow   bool
}

func (t *assistantTurn) content() string {
	if s := strings.TrimSpace(t.text.String()); s != "" {
		return s
	}
	return strings.TrimSpace(t.transcript.String())
}

// relayState is the single mutable record shared by a relay's goroutines.
// Every field is guarded by mu.
type relayState struct {
	mu sync.Mutex

	phase        Phase
	historyCount int

	turnSeq    uint64
	assistant  *assistantTurn
	suppressed bool
	acks       bool
	cutTurns   map[uint64]struct{}

	// humanText is the utterance the current or next assistant turn answers.
	// It stays open until that turn ends.
	humanText    strings.Builder
	humanActive  bool
	pendingVoice bool

	lastActivity time.Time
	lastInputAt  time.Time
	errorSent    bool
}

func newRelayState(now time.Time) *relayState {
	return &relayState{
		phase:        PhaseConnecting,
		cutTurns:     make(map[uint64]struct{}),
		lastActivity: now,
	}
}

func (s *relayState) transition(to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.phase, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.phase, to)
	}
	s.phase = to
	return nil
}

func (s *relayState) currentPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *relayState) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *relayState) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

func (s *relayState) markInput(now time.Time) {
	s.mu.Lock()
	s.lastInputAt = now
	s.lastActivity = now
	s.mu.Unlock()
}

// setAcknowledgesInterruptions records whether the upstream confirms every
// cut with an interrupted event.
func (s *relayState) setAcknowledgesInterruptions(acks bool) {
	s.mu.Lock()
	s.acks = acks
	s.mu.Unlock()
}

// claimErrorEvent reports whether the caller is the first to send an error
// event on this relay.
func (s *relayState) claimErrorEvent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errorSent {
		return false
	}
	s.errorSent = true
	return true
}

func (s *relayState) assistantStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assistant != nil && !s.suppressed
}

func (s *relayState) appendHumanTranscript(text string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.humanText.WriteString(text)
	s.humanActive = true
	s.lastActivity = now
}

// markHumanAudio records voiced input. Voice heard while the assistant is
// speaking only opens a new utterance if it ends up cutting the turn.
func (s *relayState) markHumanAudio() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assistant != nil && !s.suppressed {
		s.pendingVoice = true
		return
	}
	s.humanActive = true
}

// inputForwarded is called as new input goes upstream. An upstream that
// never acknowledges cuts starts answering that input right away, so a local
// cut stops suppressing output here.
func (s *relayState) inputForwarded() {
	s.mu.Lock()
	if s.suppressed && !s.acks {
		s.suppressed = false
	}
	s.mu.Unlock()
}

// takeHumanTurn returns the buffered human audio turn, if one happened.
func (s *relayState) takeHumanTurn() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeHumanTurnLocked()
}

func (s *relayState) takeHumanTurnLocked() (string, bool) {
	if !s.humanActive {
		return "", false
	}
	text := strings.TrimSpace(s.humanText.String())
	s.humanText.Reset()
	s.humanActive = false
	return text, true
}

// chunkResult says what to do with one assistant output chunk.
type chunkResult struct {
	deliver bool
	turn    uint64
	first   bool
	latency time.Duration
}

type chunkKind int

const (
	chunkAudio chunkKind = iota
	chunkText
	chunkTranscript
)

// observeChunk folds one assistant chunk into the pending turn, opening a
// new turn on the first chunk.
func (s *relayState) observeChunk(kind chunkKind, data []byte, text string, now time.Time, keepAudio bool, maxAudio int) chunkResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	if s.suppressed {
		return chunkResult{}
	}

	var res chunkResult
	if s.assistant == nil {
		s.turnSeq++
		s.assistant = &assistantTurn{seq: s.turnSeq, startedAt: now}
		res.first = true
		if !s.lastInputAt.IsZero() {
			res.latency = now.Sub(s.lastInputAt)
			s.lastInputAt = time.Time{}
		}
	}
	t := s.assistant
	switch kind {
	case chunkAudio:
		t.audioBytes += len(data)
		if keepAudio && !t.overflow {
			if maxAudio > 0 && len(t.audio)+len(data) > maxAudio {
				t.overflow = true
				t.audio = nil
			} else {
				t.audio = append(t.audio, data...)
			}
		}
	case chunkText:
		t.text.WriteString(text)
	case chunkTranscript:
		t.transcript.WriteString(text)
	}
	res.deliver = true
	res.turn = t.seq
	return res
}

// finishedTurn is a completed or cut assistant turn ready to persist.
type finishedTurn struct {
	seq        uint64
	startedAt  time.Time
	text       string
	audio      []byte
	audioBytes int
	overflow   bool
	incomplete bool
}

func (s *relayState) takeAssistantLocked(incomplete bool) (finishedTurn, bool) {
	t := s.assistant
	if t == nil {
		return finishedTurn{}, false
	}
	s.assistant = nil
	return finishedTurn{
		seq:        t.seq,
		startedAt:  t.startedAt,
		text:       t.content(),
		audio:      t.audio,
		audioBytes: t.audioBytes,
		overflow:   t.overflow,
		incomplete: incomplete,
	}, true
}

// boundary is what a turn boundary leaves to persist, in order: the human
// utterance, then the assistant turn that answered it.
type boundary struct {
	human      string
	humanReady bool
	humanAt    time.Time
	turn       finishedTurn
	ok         bool
}

// sealLocked closes the open utterance together with the assistant turn.
// The utterance is dated at the start of the assistant turn so it sorts
// before the reply even when its transcript finished later.
func (s *relayState) sealLocked(incomplete bool, now time.Time) boundary {
	b := boundary{humanAt: now}
	b.human, b.humanReady = s.takeHumanTurnLocked()
	b.turn, b.ok = s.takeAssistantLocked(incomplete)
	if b.ok {
		b.humanAt = b.turn.startedAt
	}
	return b
}

// completeTurn handles an upstream turn boundary. A turn that was already
// cut locally only lifts the suppression.
func (s *relayState) completeTurn(now time.Time) boundary {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	if s.suppressed {
		s.suppressed = false
		return boundary{}
	}
	s.pendingVoice = false
	return s.sealLocked(false, now)
}

// interrupt cuts the streaming assistant turn. After a local trigger an
// acknowledging upstream keeps the rest of that turn suppressed until its
// interrupted event arrives; an upstream trigger is the acknowledgement.
// Voice that caused the cut becomes the next utterance.
func (s *relayState) interrupt(local bool, now time.Time) (boundary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	if s.suppressed {
		if !local {
			s.suppressed = false
		}
		return boundary{}, false
	}
	if s.assistant == nil {
		return boundary{}, false
	}
	b := s.sealLocked(true, now)
	s.cutTurns[b.turn.seq] = struct{}{}
	for seq := range s.cutTurns {
		if seq+16 < b.turn.seq {
			delete(s.cutTurns, seq)
		}
	}
	s.suppressed = local
	s.humanActive = s.pendingVoice
	s.pendingVoice = false
	return b, true
}

// deliverable reports whether audio of the given turn may still be played.
func (s *relayState) deliverable(turn uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, cut := s.cutTurns[turn]
	return !cut
}

// drain returns whatever is still pending when the relay closes.
func (s *relayState) drain(now time.Time) boundary {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingVoice = false
	if s.suppressed {
		s.suppressed = false
		b := boundary{humanAt: now}
		b.human, b.humanReady = s.takeHumanTurnLocked()
		return b
	}
	return s.sealLocked(true, now)
}
