package vision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/liverelay/internal/memory"
	"github.com/antoniostano/liverelay/internal/upstream"
)

func TestMockAnalyzerUsesDefaultQuestion(t *testing.T) {
	a := NewMockAnalyzer()
	sess := memory.Session{ID: "S1", ContextDescription: "Level 1", ToneParameter: 6}

	answer, err := a.Analyze(context.Background(), Request{Session: sess, Image: []byte{1, 2, 3}, MIME: "image/png"})
	require.NoError(t, err)
	assert.Contains(t, answer, DefaultQuestion)
	assert.Contains(t, answer, "3 bytes")

	answer, err = a.Analyze(context.Background(), Request{Session: sess, Image: []byte{1}, MIME: "image/png", Question: "  where is the key?  "})
	require.NoError(t, err)
	assert.Contains(t, answer, "You asked: where is the key?")

	reqs := a.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "S1", reqs[0].Session.ID)
}

func TestMockAnalyzerFailure(t *testing.T) {
	a := NewMockAnalyzer()
	boom := errors.New("boom")
	a.Fail(boom)
	_, err := a.Analyze(context.Background(), Request{Image: []byte{1}})
	require.ErrorIs(t, err, boom)

	a.Fail(nil)
	_, err = a.Analyze(context.Background(), Request{Image: []byte{1}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Analyze(ctx, Request{Image: []byte{1}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewAnalyzerSelection(t *testing.T) {
	a, err := NewAnalyzer(context.Background(), Config{Provider: "auto"})
	require.NoError(t, err)
	assert.Equal(t, "mock", a.Name())

	a, err = NewAnalyzer(context.Background(), Config{Provider: "mock", Gemini: upstream.GeminiConfig{APIKey: "k"}})
	require.NoError(t, err)
	assert.Equal(t, "mock", a.Name())

	_, err = NewAnalyzer(context.Background(), Config{Provider: "gemini"})
	require.ErrorIs(t, err, upstream.ErrConfiguration)

	_, err = NewAnalyzer(context.Background(), Config{Provider: "gemini", Gemini: upstream.GeminiConfig{APIKey: "k"}})
	require.ErrorIs(t, err, upstream.ErrConfiguration, "a model name is required")

	_, err = NewAnalyzer(context.Background(), Config{Provider: "openai"})
	require.ErrorIs(t, err, upstream.ErrConfiguration)
}
