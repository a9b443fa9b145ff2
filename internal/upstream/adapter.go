package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/liverelay/internal/memory"
)

var (
	// ErrUnavailable means the provider could not be reached or refused the
	// session (network, auth, quota).
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrSend means a send failed mid-session, typically on a closed handle.
	ErrSend = errors.New("upstream send failed")
	// ErrConfiguration means the adapter cannot be built from the given
	// settings. It is a startup error, never a per-connection one.
	ErrConfiguration = errors.New("upstream configuration error")
)

// Instruction parameterises one upstream conversation.
type Instruction struct {
	SessionID    string
	SystemPrompt string
}

// Adapter opens conversations with a realtime provider.
type Adapter interface {
	Connect(ctx context.Context, inst Instruction) (Conn, error)
	Name() string
}

// Conn is one live upstream conversation. Send methods may be called from one
// goroutine while another drains Events. The Events channel is closed after
// the stream ends, after an ErrorEvent, or after Close.
type Conn interface {
	// SeedHistory replays prior messages as context without asking for a reply.
	SeedHistory(ctx context.Context, history []memory.Message) error
	SendAudio(ctx context.Context, pcm []byte) error
	SendText(ctx context.Context, text string) error
	Events() <-chan Event
	// Close is idempotent.
	Close() error
}

// InterruptionAcker is implemented by connections whose provider always
// confirms a client cut with an Interrupted event. Without it the relay
// treats the next forwarded input as the end of the cut turn.
type InterruptionAcker interface {
	AcknowledgesInterruptions() bool
}

// IsRetryable reports whether the client may reasonably retry after err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConfiguration) {
		return false
	}
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrSend) ||
		errors.Is(err, context.DeadlineExceeded)
}

// BuildInstruction renders the tutor system prompt for a learner of the given
// age working on the described level.
func BuildInstruction(contextDescription string, toneParameter int) string {
	level := strings.TrimSpace(contextDescription)
	if level == "" {
		level = "General practice"
	}
	age := toneParameter
	if age <= 0 {
		age = 7
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a friendly, helpful AI assistant for children aged %d years old.\n\n", age)
	b.WriteString("Your role:\n")
	fmt.Fprintf(&b, "- Speak in simple, easy-to-understand language for %d-year-olds\n", age)
	b.WriteString("- Be patient, positive, and encouraging\n")
	b.WriteString("- Use a warm, friendly tone like a helpful older sibling\n")
	b.WriteString("- Keep explanations short and clear\n")
	b.WriteString("- Celebrate their efforts and progress\n")
	b.WriteString("- Give gentle hints rather than direct answers\n")
	b.WriteString("- Make learning fun and engaging\n\n")
	fmt.Fprintf(&b, "Current Game Level: %s\n\n", level)
	b.WriteString("Guidelines:\n")
	b.WriteString("- Never use complex vocabulary or technical terms\n")
	b.WriteString("- Break down problems into simple steps\n")
	b.WriteString("- Use examples children can relate to\n")
	b.WriteString("- Always be supportive and never critical\n")
	b.WriteString("- Keep responses concise\n")
	b.WriteString("- Use an enthusiastic but not overly energetic tone\n\n")
	b.WriteString("Remember: Help them learn and succeed while having fun!")
	return b.String()
}

// Config controls adapter construction.
type Config struct {
	Provider string
	Gemini   GeminiConfig
}

// NewAdapter builds the configured adapter. "auto" selects Gemini when
// credentials are present and the mock otherwise.
func NewAdapter(ctx context.Context, cfg Config) (Adapter, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "auto"
	}

	switch provider {
	case "auto":
		if cfg.Gemini.HasCredentials() {
			return NewGeminiAdapter(ctx, cfg.Gemini)
		}
		return NewMockAdapter(), nil
	case "gemini":
		return NewGeminiAdapter(ctx, cfg.Gemini)
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported provider %q", ErrConfiguration, cfg.Provider)
	}
}

// ReplayedCount reports how many of history's messages SeedHistory replays.
// Audio markers without a transcript are skipped.
func ReplayedCount(history []memory.Message) int {
	n := 0
	for _, m := range history {
		if historyText(m) != "" {
			n++
		}
	}
	return n
}

// historyText flattens a stored message into the text replayed upstream.
func historyText(m memory.Message) string {
	text := strings.TrimSpace(m.Text)
	switch m.Kind {
	case memory.KindImage:
		if text == "" {
			return "[shared an image]"
		}
		return "[shared an image] " + text
	case memory.KindAudio:
		if text == "" {
			return ""
		}
		return text
	default:
		return text
	}
}
