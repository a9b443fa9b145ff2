package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket text payload variants.
type MessageType string

const (
	// Client to server.
	TypeText        MessageType = "text"
	TypePing        MessageType = "ping"
	TypeAudioBase64 MessageType = "audio_base64"

	// Server to client.
	TypeConnection   MessageType = "connection"
	TypeResponse     MessageType = "response"
	TypeTranscript   MessageType = "transcript"
	TypeTurnComplete MessageType = "turn_complete"
	TypeInterrupted  MessageType = "interrupted"
	TypeWarning      MessageType = "warning"
	TypeError        MessageType = "error"
	TypePong         MessageType = "pong"

	// Binary frames carry no envelope; these label them in metrics.
	TypeClientAudio    MessageType = "client_audio"
	TypeAssistantAudio MessageType = "assistant_audio"
)

// Close codes sent on the duplex connection.
const (
	CloseNormal          = 1000
	CloseInternalError   = 1011
	CloseSessionNotFound = 4004
	CloseSessionBusy     = 4009
	CloseUpstreamFailure = 4011
)

var (
	ErrFormat          = errors.New("malformed client frame")
	ErrUnsupportedType = errors.New("unsupported message type")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientText is a complete typed utterance.
type ClientText struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content"`
}

type ClientPing struct {
	Type MessageType `json:"type"`
}

// ClientAudio is one raw audio frame in the client's native format. Binary
// websocket frames and audio_base64 messages both decode to it.
type ClientAudio struct {
	Data []byte
}

// Malformed carries a frame that failed to parse so the relay can warn the
// client without dropping the connection.
type Malformed struct {
	Err error
}

type Connection struct {
	Type                MessageType `json:"type"`
	Message             string      `json:"message"`
	SessionID           string      `json:"session_id"`
	HistoryMessageCount int         `json:"history_message_count"`
	Model               string      `json:"model,omitempty"`
	AudioFormat         string      `json:"audio_format,omitempty"`
}

type Response struct {
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	SessionID string      `json:"session_id"`
}

type Transcript struct {
	Type      MessageType `json:"type"`
	Role      string      `json:"role"`
	Content   string      `json:"content"`
	SessionID string      `json:"session_id"`
}

type TurnComplete struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// Interrupted tells the client to drop any queued assistant audio.
type Interrupted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"`
}

type Warning struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

type Pong struct {
	Type MessageType `json:"type"`
}

// AssistantAudio is written as a binary frame. Turn identifies the assistant
// turn so queued frames of an interrupted turn can be discarded.
type AssistantAudio struct {
	Data []byte
	Turn uint64
}

// ParseClientMessage decodes one text frame from the client.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON format", ErrFormat)
	}

	switch env.Type {
	case TypeText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		if strings.TrimSpace(msg.Content) == "" {
			return nil, fmt.Errorf("%w: text content is required", ErrFormat)
		}
		return msg, nil
	case TypePing:
		return ClientPing{Type: TypePing}, nil
	case TypeAudioBase64:
		var msg struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		data, err := base64.StdEncoding.DecodeString(msg.Content)
		if err != nil || len(data) == 0 {
			return nil, fmt.Errorf("%w: audio_base64 content is not valid base64 audio", ErrFormat)
		}
		return ClientAudio{Data: data}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

// TypeOf labels any inbound or outbound value for metrics.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientText:
		return m.Type, true
	case ClientPing:
		return m.Type, true
	case ClientAudio:
		return TypeClientAudio, true
	case Connection:
		return m.Type, true
	case Response:
		return m.Type, true
	case Transcript:
		return m.Type, true
	case TurnComplete:
		return m.Type, true
	case Interrupted:
		return m.Type, true
	case Warning:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	case Pong:
		return m.Type, true
	case AssistantAudio:
		return TypeAssistantAudio, true
	default:
		return "", false
	}
}

// IsCritical reports whether a server message must never be dropped under
// backpressure.
func IsCritical(v any) bool {
	switch v.(type) {
	case Connection, TurnComplete, Interrupted, ErrorEvent, Response, AssistantAudio:
		return true
	default:
		return false
	}
}
