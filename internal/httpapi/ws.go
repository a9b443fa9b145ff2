package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/liverelay/internal/protocol"
	"github.com/antoniostano/liverelay/internal/relay"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsReadLimit      = 2 << 20
	wsInboundBuffer  = 64
	wsOutboundBuffer = 256
	maxCloseReason   = 123
)

// refusal is the JSON body of a duplex handshake answered without upgrading.
type refusal struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	CloseCode int    `json:"close_code"`
	Retryable bool   `json:"retryable"`
}

// handleAudioChat serves one duplex connection. The relay is opened and
// seeded before the upgrade so a client never sees a half-initialised
// session.
func (s *Server) handleAudioChat(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "session_id"))
	if s.relays == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "relay engine not configured")
		return
	}

	rl, err := s.relays.Open(r.Context(), sessionID)
	if err != nil {
		s.refuse(w, r, sessionID, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.Close()
		s.metrics.ObserveSessionEvent("ws_upgrade_failed")
		return
	}
	defer conn.Close()
	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, wsInboundBuffer)
	outbound := make(chan any, wsOutboundBuffer)
	runDone := make(chan error, 1)
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		s.readLoop(ctx, conn, inbound)
	}()
	go func() {
		runDone <- rl.Run(ctx, inbound, outbound)
	}()

	runErr := s.writeLoop(conn, rl, outbound, runDone, cancel)
	s.writeClose(conn, runErr)
	cancel()
	_ = conn.Close()
	<-readerDone

	s.metrics.ObserveSessionEvent("ws_disconnected")
	s.logger.Info("duplex connection closed",
		"session_id", sessionID,
		"relay_id", rl.ID(),
		"close_code", relay.CloseCode(runErr),
	)
}

// refuse answers an Open failure. Lookup refusals upgrade only to deliver
// one error event and the matching close code; anything that failed during
// seeding is answered as a plain HTTP error.
func (s *Server) refuse(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	code := relay.CloseCode(err)
	re := relay.Classify(err)
	if code == protocol.CloseSessionNotFound || code == protocol.CloseSessionBusy {
		conn, upErr := s.upgrader.Upgrade(w, r, nil)
		if upErr != nil {
			return
		}
		defer conn.Close()
		if msg, ok := relay.ErrorMessage(sessionID, err); ok {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if werr := conn.WriteJSON(msg); werr == nil {
				s.metrics.ObserveWSMessage("outbound", string(protocol.TypeError))
			}
		}
		s.writeClose(conn, err)
		s.metrics.ObserveSessionEvent("ws_refused")
		return
	}

	status := http.StatusServiceUnavailable
	if code == protocol.CloseUpstreamFailure {
		status = http.StatusBadGateway
	}
	body := refusal{
		Error:     "Relay could not be started",
		Code:      string(relay.CodeInternal),
		CloseCode: code,
	}
	if re != nil {
		body.Error = re.Message
		body.Code = string(re.Code)
		body.Retryable = re.Retryable
	}
	s.logger.Warn("relay open failed", "session_id", sessionID, "close_code", code, "error", err)
	respondJSON(w, status, body)
}

// readLoop turns websocket frames into relay inbound units. It closes
// inbound when the client goes away so the relay sees a normal ending.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, inbound chan<- any) {
	defer close(inbound)

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var unit any
		switch msgType {
		case websocket.BinaryMessage:
			unit = protocol.ClientAudio{Data: data}
		case websocket.TextMessage:
			parsed, perr := protocol.ParseClientMessage(data)
			if perr != nil {
				unit = protocol.Malformed{Err: perr}
			} else {
				unit = parsed
			}
		default:
			continue
		}
		if t, ok := protocol.TypeOf(unit); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}

		select {
		case <-ctx.Done():
			return
		case inbound <- unit:
		}
	}
}

// writeLoop is the only writer of conn until the relay finishes. Messages
// queued before the relay returned are still flushed so the final warning or
// error event reaches the client ahead of the close frame.
func (s *Server) writeLoop(conn *websocket.Conn, rl *relay.Relay, outbound <-chan any, runDone <-chan error, cancel context.CancelFunc) error {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	broken := false
	write := func(msg any) {
		if broken || !rl.Deliverable(msg) {
			return
		}
		if err := s.writeMessage(conn, msg); err != nil {
			broken = true
			s.metrics.ObserveSessionEvent("ws_write_error")
			cancel()
		}
	}

	for {
		select {
		case msg := <-outbound:
			write(msg)
		case err := <-runDone:
			for {
				select {
				case msg := <-outbound:
					write(msg)
					continue
				default:
				}
				return err
			}
		case <-ticker.C:
			if broken {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				broken = true
				cancel()
			}
		}
	}
}

func (s *Server) writeMessage(conn *websocket.Conn, msg any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	var err error
	if audio, ok := msg.(protocol.AssistantAudio); ok {
		err = conn.WriteMessage(websocket.BinaryMessage, audio.Data)
	} else {
		var payload []byte
		payload, err = json.Marshal(msg)
		if err == nil {
			err = conn.WriteMessage(websocket.TextMessage, payload)
		}
	}
	if err != nil {
		return err
	}
	if t, ok := protocol.TypeOf(msg); ok {
		s.metrics.ObserveWSMessage("outbound", string(t))
	}
	return nil
}

func (s *Server) writeClose(conn *websocket.Conn, err error) {
	code := relay.CloseCode(err)
	reason := ""
	if re := relay.Classify(err); re != nil {
		reason = re.Message
	}
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
