package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/antoniostano/liverelay/internal/memory"
	"github.com/antoniostano/liverelay/internal/observability"
	"github.com/antoniostano/liverelay/internal/reliability"
)

const (
	compressionTriggerTokens = 25600
	compressionTargetTokens  = 12800
	geminiEventBuffer        = 256
)

// GeminiConfig selects the backend and model for the Live API.
type GeminiConfig struct {
	APIKey          string
	Backend         string // "gemini_api" or "vertex"
	Project         string
	Location        string
	Model           string
	Voice           string
	APIVersion      string
	InputSampleRate int
	ConnectAttempts int
}

func (c GeminiConfig) HasCredentials() bool {
	if strings.EqualFold(c.Backend, "vertex") {
		return strings.TrimSpace(c.Project) != ""
	}
	return strings.TrimSpace(c.APIKey) != ""
}

// NewGenAIClient builds a genai client for either backend.
func NewGenAIClient(ctx context.Context, cfg GeminiConfig) (*genai.Client, error) {
	if !cfg.HasCredentials() {
		return nil, fmt.Errorf("%w: gemini requires GEMINI_API_KEY (or GOOGLE_CLOUD_PROJECT with the vertex backend)", ErrConfiguration)
	}
	cc := &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: cfg.APIVersion},
	}
	if strings.EqualFold(cfg.Backend, "vertex") {
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Project
		cc.Location = cfg.Location
	} else {
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = cfg.APIKey
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("%w: create genai client: %v", ErrConfiguration, err)
	}
	return client, nil
}

// GeminiAdapter talks to the Gemini Live API.
type GeminiAdapter struct {
	client *genai.Client
	cfg    GeminiConfig
}

func NewGeminiAdapter(ctx context.Context, cfg GeminiConfig) (*GeminiAdapter, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("%w: gemini live model is required", ErrConfiguration)
	}
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = 16000
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 2
	}
	client, err := NewGenAIClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &GeminiAdapter{client: client, cfg: cfg}, nil
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) connectConfig(inst Instruction) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		MediaResolution:    genai.MediaResolutionMedium,
		ContextWindowCompression: &genai.ContextWindowCompressionConfig{
			TriggerTokens: genai.Ptr[int64](compressionTriggerTokens),
			SlidingWindow: &genai.SlidingWindow{TargetTokens: genai.Ptr[int64](compressionTargetTokens)},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if strings.TrimSpace(inst.SystemPrompt) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(inst.SystemPrompt, genai.RoleUser)
	}
	if voice := strings.TrimSpace(a.cfg.Voice); voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	return cfg
}

// classifyAPIError stops connect retries on statuses that will not change
// between attempts, such as a bad key or an unknown model.
func classifyAPIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 && !reliability.IsRetryableHTTPStatus(apiErr.Code) {
		return reliability.Permanent(err)
	}
	return err
}

func (a *GeminiAdapter) Connect(ctx context.Context, inst Instruction) (Conn, error) {
	var session *genai.Session
	started := time.Now()
	err := reliability.Retry(ctx, a.cfg.ConnectAttempts, 250*time.Millisecond, 2*time.Second, func(ctx context.Context) error {
		s, err := a.client.Live.Connect(ctx, a.cfg.Model, a.connectConfig(inst))
		if err != nil {
			return classifyAPIError(err)
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: live connect %s: %v", ErrUnavailable, a.cfg.Model, err)
	}

	c := &geminiConn{
		session:   session,
		inputMIME: fmt.Sprintf("audio/pcm;rate=%d", a.cfg.InputSampleRate),
		events:    make(chan Event, geminiEventBuffer),
		done:      make(chan struct{}),
		logger: observability.WithFields(
			"component", "upstream",
			"provider", "gemini",
			"session_id", inst.SessionID,
		),
	}
	c.logger.Debug("live session connected", "model", a.cfg.Model, "connect_ms", time.Since(started).Milliseconds())
	go c.receiveLoop()
	return c, nil
}

type geminiConn struct {
	session   *genai.Session
	inputMIME string
	logger    *slog.Logger

	sendMu sync.Mutex

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (c *geminiConn) Events() <-chan Event { return c.events }

func (c *geminiConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// send serialises writes; the underlying websocket allows a single writer.
func (c *geminiConn) send(ctx context.Context, what string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSend, what, err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.isClosed() {
		return fmt.Errorf("%w: %s: connection closed", ErrSend, what)
	}
	if err := fn(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSend, what, err)
	}
	return nil
}

func (c *geminiConn) SeedHistory(ctx context.Context, history []memory.Message) error {
	turns := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		text := historyText(m)
		if text == "" {
			continue
		}
		var role genai.Role = genai.RoleUser
		if m.Sender == memory.SenderAssistant {
			role = genai.RoleModel
		}
		turns = append(turns, genai.NewContentFromText(text, role))
	}
	if len(turns) == 0 {
		return nil
	}
	return c.send(ctx, "seed history", func() error {
		return c.session.SendClientContent(genai.LiveClientContentInput{
			Turns:        turns,
			TurnComplete: genai.Ptr(false),
		})
	})
}

func (c *geminiConn) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return c.send(ctx, "audio", func() error {
		return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: pcm, MIMEType: c.inputMIME},
		})
	})
}

func (c *geminiConn) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return c.send(ctx, "text", func() error {
		return c.session.SendClientContent(genai.LiveClientContentInput{
			Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			TurnComplete: genai.Ptr(true),
		})
	})
}

// AcknowledgesInterruptions is true: Live reports every cut generation with
// serverContent.interrupted.
func (c *geminiConn) AcknowledgesInterruptions() bool { return true }

func (c *geminiConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.session.Close()
	})
	return err
}

func (c *geminiConn) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *geminiConn) receiveLoop() {
	defer close(c.events)
	for {
		msg, err := c.session.Receive()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.logger.Warn("live receive failed", "error", err)
			c.emit(ErrorEvent{Detail: "upstream stream ended", Err: fmt.Errorf("%w: %v", ErrUnavailable, err)})
			return
		}
		for _, ev := range translateServerMessage(msg) {
			if !c.emit(ev) {
				return
			}
		}
		if msg.GoAway != nil {
			c.logger.Info("live session going away", "time_left", msg.GoAway.TimeLeft)
		}
	}
}

// translateServerMessage maps one Live API message to events in the order the
// relay must observe them.
func translateServerMessage(msg *genai.LiveServerMessage) []Event {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	sc := msg.ServerContent
	var out []Event
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		out = append(out, InputTranscript{Text: sc.InputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.Thought {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				if strings.HasPrefix(part.InlineData.MIMEType, "audio/") || part.InlineData.MIMEType == "" {
					out = append(out, AudioChunk{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType})
				}
				continue
			}
			if part.Text != "" {
				out = append(out, TextChunk{Text: part.Text})
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, OutputTranscript{Text: sc.OutputTranscription.Text})
	}
	if sc.Interrupted {
		out = append(out, Interrupted{})
	}
	if sc.TurnComplete {
		out = append(out, TurnComplete{})
	}
	return out
}

var _ Conn = (*geminiConn)(nil)
