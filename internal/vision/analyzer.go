package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/antoniostano/liverelay/internal/memory"
	"github.com/antoniostano/liverelay/internal/upstream"
)

// DefaultQuestion is asked when the learner uploads an image without one.
const DefaultQuestion = "Can you help me understand what's happening in this screenshot? I'm having trouble with this part of the game."

var ErrEmptyAnswer = errors.New("vision model returned no text")

// Request is one image question in the context of a session.
type Request struct {
	Session  memory.Session
	Image    []byte
	MIME     string
	Question string
}

func (r Request) question() string {
	if q := strings.TrimSpace(r.Question); q != "" {
		return q
	}
	return DefaultQuestion
}

// Analyzer answers questions about an uploaded image.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (string, error)
	Name() string
}

// GeminiAnalyzer asks a multimodal Gemini model about the image using the
// same tutor instruction as the live conversation.
type GeminiAnalyzer struct {
	client *genai.Client
	model  string
}

func NewGeminiAnalyzer(ctx context.Context, cfg upstream.GeminiConfig, model string) (*GeminiAnalyzer, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("%w: gemini vision model is required", upstream.ErrConfiguration)
	}
	client, err := upstream.NewGenAIClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &GeminiAnalyzer{client: client, model: model}, nil
}

func (a *GeminiAnalyzer) Name() string { return "gemini" }

func (a *GeminiAnalyzer) Analyze(ctx context.Context, req Request) (string, error) {
	if len(req.Image) == 0 {
		return "", errors.New("image is empty")
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(req.question()),
			genai.NewPartFromBytes(req.Image, req.MIME),
		}, genai.RoleUser),
	}
	temp := float32(0.7)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(
			upstream.BuildInstruction(req.Session.ContextDescription, req.Session.ToneParameter),
			genai.RoleUser,
		),
		Temperature:     &temp,
		MaxOutputTokens: 1024,
	}

	res, err := a.client.Models.GenerateContent(ctx, a.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("%w: generate content: %v", upstream.ErrUnavailable, err)
	}
	text := strings.TrimSpace(res.Text())
	if text == "" {
		return "", ErrEmptyAnswer
	}
	return text, nil
}

// MockAnalyzer answers deterministically and records the requests it saw.
type MockAnalyzer struct {
	mu       sync.Mutex
	err      error
	requests []Request
}

func NewMockAnalyzer() *MockAnalyzer { return &MockAnalyzer{} }

func (m *MockAnalyzer) Name() string { return "mock" }

// Fail makes subsequent calls return err. A nil err restores normal answers.
func (m *MockAnalyzer) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *MockAnalyzer) Analyze(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return "", m.err
	}
	return fmt.Sprintf("I can see your %s picture (%d bytes). You asked: %s", req.MIME, len(req.Image), req.question()), nil
}

func (m *MockAnalyzer) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Config selects the analyzer implementation.
type Config struct {
	Provider string
	Gemini   upstream.GeminiConfig
	Model    string
}

// NewAnalyzer mirrors upstream.NewAdapter: "auto" uses Gemini when
// credentials are present and the mock otherwise.
func NewAnalyzer(ctx context.Context, cfg Config) (Analyzer, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "auto":
		if cfg.Gemini.HasCredentials() {
			return NewGeminiAnalyzer(ctx, cfg.Gemini, cfg.Model)
		}
		return NewMockAnalyzer(), nil
	case "gemini":
		return NewGeminiAnalyzer(ctx, cfg.Gemini, cfg.Model)
	case "mock":
		return NewMockAnalyzer(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported provider %q", upstream.ErrConfiguration, cfg.Provider)
	}
}
