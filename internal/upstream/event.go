package upstream

import "fmt"

// Event is one item of an upstream conversation stream. The set of
// implementations is closed; consumers switch over the concrete types.
type Event interface {
	isEvent()
}

// AudioChunk carries assistant speech as PCM16 little-endian bytes at the
// upstream output rate.
type AudioChunk struct {
	Data     []byte
	MIMEType string
}

// TextChunk is a fragment of assistant text.
type TextChunk struct {
	Text string
}

// InputTranscript is a fragment of the recognised human speech.
type InputTranscript struct {
	Text string
}

// OutputTranscript is a fragment of the transcript of assistant speech.
type OutputTranscript struct {
	Text string
}

// Interrupted reports that the upstream stopped the current assistant turn
// because the human started speaking.
type Interrupted struct{}

// TurnComplete marks the end of the current assistant turn.
type TurnComplete struct{}

// ErrorEvent is terminal: no events follow it.
type ErrorEvent struct {
	Detail string
	Err    error
}

func (AudioChunk) isEvent()       {}
func (TextChunk) isEvent()        {}
func (InputTranscript) isEvent()  {}
func (OutputTranscript) isEvent() {}
func (Interrupted) isEvent()      {}
func (TurnComplete) isEvent()     {}
func (ErrorEvent) isEvent()       {}

func (e ErrorEvent) Error() string {
	if e.Err == nil {
		return e.Detail
	}
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Detail, e.Err)
}

func (e ErrorEvent) Unwrap() error { return e.Err }

// EventName labels an event for logs and metrics.
func EventName(ev Event) string {
	switch ev.(type) {
	case AudioChunk:
		return "audio_chunk"
	case TextChunk:
		return "text_chunk"
	case InputTranscript:
		return "input_transcript"
	case OutputTranscript:
		return "output_transcript"
	case Interrupted:
		return "interrupted"
	case TurnComplete:
		return "turn_complete"
	case ErrorEvent:
		return "error"
	default:
		return "unknown"
	}
}
