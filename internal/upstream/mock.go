package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/antoniostano/liverelay/internal/memory"
)

var errMockClosed = errors.New("mock connection closed")

// Input is what a mock connection received in one send call.
type Input struct {
	Text  string
	Audio []byte
}

// Script decides which events a mock connection emits in reply to an input.
type Script func(in Input) []Event

// EchoScript answers typed text with one text chunk and a turn boundary and
// stays silent on audio.
func EchoScript(in Input) []Event {
	if strings.TrimSpace(in.Text) == "" {
		return nil
	}
	return []Event{TextChunk{Text: "I heard you: " + in.Text}, TurnComplete{}}
}

// MockAdapter is a deterministic in-process provider. It is the fallback when
// no Gemini credentials are configured and the fake used by tests.
type MockAdapter struct {
	mu         sync.Mutex
	script     Script
	connectErr error
	seedErr    error
	acks       bool
	conns      []*MockConn
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{script: EchoScript}
}

func (a *MockAdapter) Name() string { return "mock" }

// SetScript replaces the reply script for connections opened afterwards.
func (a *MockAdapter) SetScript(s Script) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = s
}

// FailConnect makes subsequent Connect calls fail with err wrapped in
// ErrUnavailable. A nil err restores normal behaviour.
func (a *MockAdapter) FailConnect(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
}

// FailSeed makes SeedHistory fail on connections opened afterwards. The
// connection is still created so callers can check that it gets closed.
func (a *MockAdapter) FailSeed(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seedErr = err
}

// AcknowledgeInterruptions sets whether connections opened afterwards claim
// to confirm client cuts. The mock never emits Interrupted on its own; tests
// that turn this on emit it themselves.
func (a *MockAdapter) AcknowledgeInterruptions(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = on
}

func (a *MockAdapter) Connect(ctx context.Context, inst Instruction) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, a.connectErr)
	}
	c := &MockConn{
		instruction: inst,
		script:      a.script,
		seedErr:     a.seedErr,
		acks:        a.acks,
		events:      make(chan Event, 64),
		done:        make(chan struct{}),
	}
	a.conns = append(a.conns, c)
	return c, nil
}

// Conns returns every connection opened so far, oldest first.
func (a *MockAdapter) Conns() []*MockConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*MockConn(nil), a.conns...)
}

// LastConn returns the most recent connection or nil.
func (a *MockAdapter) LastConn() *MockConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil
	}
	return a.conns[len(a.conns)-1]
}

// MockConn records everything sent to it and emits scripted events.
type MockConn struct {
	instruction Instruction
	script      Script
	seedErr     error
	acks        bool

	mu      sync.Mutex
	seeded  []memory.Message
	texts   []string
	audio   [][]byte
	sendErr error
	closes  int

	emitMu    sync.Mutex
	events    chan Event
	done      chan struct{}
	closed    bool
	closeOnce sync.Once
}

func (c *MockConn) Events() <-chan Event { return c.events }

func (c *MockConn) Instruction() Instruction { return c.instruction }

func (c *MockConn) AcknowledgesInterruptions() bool { return c.acks }

func (c *MockConn) SeedHistory(ctx context.Context, history []memory.Message) error {
	if err := c.checkSend(ctx); err != nil {
		return err
	}
	if c.seedErr != nil {
		return fmt.Errorf("%w: seed history: %v", ErrSend, c.seedErr)
	}
	c.mu.Lock()
	c.seeded = append(c.seeded, history...)
	c.mu.Unlock()
	return nil
}

func (c *MockConn) SendAudio(ctx context.Context, pcm []byte) error {
	if err := c.checkSend(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.audio = append(c.audio, append([]byte(nil), pcm...))
	c.mu.Unlock()
	return c.reply(ctx, Input{Audio: pcm})
}

func (c *MockConn) SendText(ctx context.Context, text string) error {
	if err := c.checkSend(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return c.reply(ctx, Input{Text: text})
}

func (c *MockConn) checkSend(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	c.mu.Lock()
	sendErr := c.sendErr
	c.mu.Unlock()
	if sendErr != nil {
		return fmt.Errorf("%w: %v", ErrSend, sendErr)
	}
	if c.Closed() {
		return fmt.Errorf("%w: %v", ErrSend, errMockClosed)
	}
	return nil
}

func (c *MockConn) reply(ctx context.Context, in Input) error {
	if c.script == nil {
		return nil
	}
	for _, ev := range c.script(in) {
		if err := c.emitCtx(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Emit pushes events as if the provider had produced them. It blocks while
// the event buffer is full and fails once the connection is closed.
func (c *MockConn) Emit(events ...Event) error {
	for _, ev := range events {
		if err := c.emitCtx(context.Background(), ev); err != nil {
			return err
		}
	}
	return nil
}

func (c *MockConn) emitCtx(ctx context.Context, ev Event) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: %v", ErrSend, errMockClosed)
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: %v", ErrSend, errMockClosed)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSend, ctx.Err())
	}
}

// Fail emits a terminal ErrorEvent and closes the event stream, mimicking a
// dropped provider connection.
func (c *MockConn) Fail(detail string) {
	_ = c.emitCtx(context.Background(), ErrorEvent{Detail: detail, Err: ErrUnavailable})
	c.finish()
}

// FailSends makes every later send return ErrSend.
func (c *MockConn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *MockConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.finish()
	return nil
}

func (c *MockConn) finish() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.emitMu.Lock()
		c.closed = true
		close(c.events)
		c.emitMu.Unlock()
	})
}

func (c *MockConn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseCalls counts Close invocations, including repeated ones.
func (c *MockConn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *MockConn) Seeded() []memory.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]memory.Message(nil), c.seeded...)
}

func (c *MockConn) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

// AudioFrames returns every audio payload received, in order.
func (c *MockConn) AudioFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.audio))
	for i, a := range c.audio {
		out[i] = append([]byte(nil), a...)
	}
	return out
}

var (
	_ Adapter = (*MockAdapter)(nil)
	_ Adapter = (*GeminiAdapter)(nil)
	_ Conn    = (*MockConn)(nil)
)
