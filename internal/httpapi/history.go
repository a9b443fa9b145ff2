package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/antoniostano/liverelay/internal/memory"
	"github.com/antoniostano/liverelay/internal/policy"
	"github.com/antoniostano/liverelay/internal/vision"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	maxScreenshotBytes  = 5 << 20
	maxQuestionRunes    = 500
	screenshotFallback  = "Screenshot uploaded"
)

var screenshotMIME = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
}

type historyResponse struct {
	SessionID          string           `json:"session_id"`
	ContextDescription string           `json:"context_description"`
	ToneParameter      int              `json:"tone_parameter"`
	Order              string           `json:"order"`
	MessageCount       int              `json:"message_count"`
	TotalMessages      int              `json:"total_messages"`
	Messages           []memory.Message `json:"messages"`
}

// historyLimit applies the tolerant limit rule: anything outside [1,200]
// falls back to the default rather than failing the request.
func historyLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("limit must be an integer")
	}
	if n < 1 || n > maxHistoryLimit {
		return defaultHistoryLimit, nil
	}
	return n, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "session_id is required")
		return
	}
	limit, err := historyLimit(q.Get("limit"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	order := strings.ToLower(strings.TrimSpace(q.Get("order")))
	if order == "" {
		order = "oldest"
	}
	if order != "oldest" && order != "newest" {
		respondError(w, http.StatusBadRequest, "invalid_request", "order must be oldest or newest")
		return
	}

	sess, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}

	var msgs []memory.Message
	if order == "newest" {
		msgs, err = s.store.ListRecent(r.Context(), sess.ID, limit)
	} else {
		msgs, err = s.store.ListSinceStart(r.Context(), sess.ID)
		if len(msgs) > limit {
			msgs = msgs[:limit]
		}
	}
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	total, err := s.store.CountMessages(r.Context(), sess.ID)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	if msgs == nil {
		msgs = []memory.Message{}
	}

	respondJSON(w, http.StatusOK, historyResponse{
		SessionID:          sess.ID,
		ContextDescription: sess.ContextDescription,
		ToneParameter:      sess.ToneParameter,
		Order:              order,
		MessageCount:       len(msgs),
		TotalMessages:      total,
		Messages:           msgs,
	})
}

type screenshotResponse struct {
	Message    string `json:"message"`
	SessionID  string `json:"session_id"`
	AIResponse string `json:"ai_response"`
	MessageID  string `json:"message_id"`
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	if s.vision == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "image analysis is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxScreenshotBytes+(1<<20))
	if err := r.ParseMultipartForm(maxScreenshotBytes + (1 << 20)); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusBadRequest, "invalid_image", "Image file size must not exceed 5MB")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", "multipart form is required")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	sessionID := strings.TrimSpace(r.FormValue("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "session_id is required")
		return
	}
	question := strings.TrimSpace(r.FormValue("question"))
	if utf8.RuneCountInString(question) > maxQuestionRunes {
		respondError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("question must not exceed %d characters", maxQuestionRunes))
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_image", "image file is required")
		return
	}
	defer file.Close()
	if header.Size > maxScreenshotBytes {
		respondError(w, http.StatusBadRequest, "invalid_image", "Image file size must not exceed 5MB")
		return
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(header.Filename), "."))
	mimeType, ok := screenshotMIME[ext]
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_image", "Unsupported file format. Allowed formats: jpg, jpeg, png, gif, webp")
		return
	}
	image, err := io.ReadAll(io.LimitReader(file, maxScreenshotBytes+1))
	if err != nil || len(image) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_image", "image file could not be read")
		return
	}
	if len(image) > maxScreenshotBytes {
		respondError(w, http.StatusBadRequest, "invalid_image", "Image file size must not exceed 5MB")
		return
	}

	sess, err := s.sessions.Lookup(r.Context(), sessionID)
	if err != nil {
		s.respondSessionError(w, err)
		return
	}

	redactor := policy.Redactor{Enabled: s.cfg.RedactPII}
	caption := question
	if caption == "" {
		caption = screenshotFallback
	}
	caption, captionRedacted := redactor.Apply(caption)
	if _, err := s.store.AppendMessage(r.Context(), memory.Message{
		SessionID:   sess.ID,
		Sender:      memory.SenderHuman,
		Kind:        memory.KindImage,
		Text:        caption,
		Payload:     image,
		PayloadMIME: mimeType,
		PIIRedacted: captionRedacted,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		s.metrics.ObserveStoreWrite("failed")
		s.respondSessionError(w, err)
		return
	}
	s.metrics.ObserveStoreWrite("ok")

	started := time.Now()
	answer, err := s.vision.Analyze(r.Context(), vision.Request{
		Session:  sess,
		Image:    image,
		MIME:     mimeType,
		Question: question,
	})
	if err != nil {
		s.logger.Error("screenshot analysis failed", "session_id", sess.ID, "analyzer", s.vision.Name(), "error", err)
		s.metrics.ObserveUpstreamError(s.vision.Name(), "vision")
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Failed to process screenshot",
			"details": err.Error(),
		})
		return
	}
	s.logger.Info("screenshot analysed", "session_id", sess.ID, "bytes", len(image), "duration_ms", time.Since(started).Milliseconds())

	text, textRedacted := redactor.Apply(answer)
	saved, err := s.store.AppendMessage(r.Context(), memory.Message{
		SessionID:   sess.ID,
		Sender:      memory.SenderAssistant,
		Kind:        memory.KindText,
		Text:        text,
		PIIRedacted: textRedacted,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		s.metrics.ObserveStoreWrite("failed")
		s.respondSessionError(w, err)
		return
	}
	s.metrics.ObserveStoreWrite("ok")
	if err := s.sessions.Touch(r.Context(), sess.ID); err != nil {
		s.logger.Debug("touch session failed", "session_id", sess.ID, "error", err)
	}

	respondJSON(w, http.StatusOK, screenshotResponse{
		Message:    "Screenshot processed successfully",
		SessionID:  sess.ID,
		AIResponse: answer,
		MessageID:  saved.ID,
	})
}
