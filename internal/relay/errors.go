package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/antoniostano/liverelay/internal/memory"
	"github.com/antoniostano/liverelay/internal/protocol"
	"github.com/antoniostano/liverelay/internal/session"
	"github.com/antoniostano/liverelay/internal/upstream"
)

// Code is the client-facing error taxonomy.
type Code string

const (
	CodeSessionNotFound     Code = "session_not_found"
	CodeSessionInactive     Code = "session_inactive"
	CodeSessionBusy         Code = "session_busy"
	CodeConfiguration       Code = "configuration_error"
	CodeUpstreamUnavailable Code = "upstream_unavailable"
	CodeUpstreamSend        Code = "upstream_send_error"
	CodeStoreUnavailable    Code = "store_unavailable"
	CodeFormat              Code = "format_error"
	CodeInactivity          Code = "inactivity_timeout"
	CodeSessionEnded        Code = "session_ended"
	CodeInternal            Code = "internal_error"
)

var (
	ErrSessionNotFound = session.ErrNotFound
	ErrSessionInactive = session.ErrInactive
	ErrSessionBusy     = session.ErrBusy

	errClientGone     = errors.New("client disconnected")
	errUpstreamClosed = errors.New("upstream stream ended")
	errSessionEnded   = errors.New("session ended")
)

// Error is a classified relay failure. It maps to exactly one error event and
// one close code.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps any relay error onto the taxonomy. Normal endings (client
// gone, upstream finished, cancellation) return nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	switch {
	case errors.Is(err, errClientGone), errors.Is(err, errUpstreamClosed), errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, errSessionEnded):
		return &Error{Code: CodeSessionEnded, Message: "Session was ended", Err: err}
	case errors.Is(err, session.ErrNotFound):
		return &Error{Code: CodeSessionNotFound, Message: "Session not found", Err: err}
	case errors.Is(err, session.ErrInactive):
		return &Error{Code: CodeSessionInactive, Message: "Session is not active", Err: err}
	case errors.Is(err, session.ErrBusy):
		return &Error{Code: CodeSessionBusy, Message: "Session already has a live connection", Retryable: true, Err: err}
	case errors.Is(err, upstream.ErrConfiguration):
		return &Error{Code: CodeConfiguration, Message: "Upstream is not configured", Err: err}
	case errors.Is(err, upstream.ErrSend):
		return &Error{Code: CodeUpstreamSend, Message: "Failed to send to the assistant", Retryable: true, Err: err}
	case errors.Is(err, upstream.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeUpstreamUnavailable, Message: "Assistant is unavailable", Retryable: true, Err: err}
	case errors.Is(err, memory.ErrUnavailable):
		return &Error{Code: CodeStoreUnavailable, Message: "Conversation history is unavailable", Retryable: true, Err: err}
	default:
		return &Error{Code: CodeInternal, Message: "Internal error", Err: err}
	}
}

// CloseCode picks the duplex close code for the error a relay ended with.
func CloseCode(err error) int {
	re := Classify(err)
	if re == nil {
		return protocol.CloseNormal
	}
	switch re.Code {
	case CodeSessionNotFound, CodeSessionInactive:
		return protocol.CloseSessionNotFound
	case CodeSessionBusy:
		return protocol.CloseSessionBusy
	case CodeUpstreamUnavailable, CodeUpstreamSend:
		return protocol.CloseUpstreamFailure
	case CodeInactivity, CodeSessionEnded:
		return protocol.CloseNormal
	default:
		return protocol.CloseInternalError
	}
}

// ErrorMessage renders the single error event sent before close.
func ErrorMessage(sessionID string, err error) (protocol.ErrorEvent, bool) {
	re := Classify(err)
	if re == nil {
		return protocol.ErrorEvent{}, false
	}
	return protocol.ErrorEvent{
		Type:      protocol.TypeError,
		SessionID: sessionID,
		Code:      string(re.Code),
		Message:   re.Message,
		Retryable: re.Retryable,
	}, true
}
