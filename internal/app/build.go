package app

import (
	"context"
	"fmt"

	"github.com/antoniostano/liverelay/internal/audio"
	"github.com/antoniostano/liverelay/internal/config"
	"github.com/antoniostano/liverelay/internal/httpapi"
	"github.com/antoniostano/liverelay/internal/memory"
	"github.com/antoniostano/liverelay/internal/observability"
	"github.com/antoniostano/liverelay/internal/policy"
	"github.com/antoniostano/liverelay/internal/relay"
	"github.com/antoniostano/liverelay/internal/session"
	"github.com/antoniostano/liverelay/internal/upstream"
	"github.com/antoniostano/liverelay/internal/vision"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Engine   *relay.Engine
	Store    memory.Store
	Metrics  *observability.Metrics
	Provider string
	Vision   string

	// Cleanup releases the history store on shutdown.
	Cleanup func() error
}

// GeminiConfig projects the Gemini settings shared by the live adapter and
// the image analyzer.
func GeminiConfig(cfg config.Config) upstream.GeminiConfig {
	return upstream.GeminiConfig{
		APIKey:          cfg.GeminiAPIKey,
		Backend:         cfg.GeminiBackend,
		Project:         cfg.GoogleCloudProject,
		Location:        cfg.GoogleCloudLocation,
		Model:           cfg.GeminiLiveModel,
		Voice:           cfg.GeminiVoice,
		APIVersion:      cfg.GeminiAPIVersion,
		InputSampleRate: cfg.UpstreamInputRate,
	}
}

// RelayConfig projects the relay tuning knobs.
func RelayConfig(cfg config.Config) relay.Config {
	format := audio.FormatPCM16
	if cfg.ClientFloatSamples {
		format = audio.FormatFloat32
	}
	return relay.Config{
		Framer: audio.FramerConfig{
			ClientFormat:       format,
			ClientInputRate:    cfg.ClientSampleRate,
			UpstreamInputRate:  cfg.UpstreamInputRate,
			UpstreamOutputRate: cfg.UpstreamOutputRate,
			ClientOutputRate:   cfg.ClientOutputRate,
		},
		InactivityTimeout:   cfg.RelayInactivityTimeout,
		BargeInRMS:          cfg.BargeInRMS,
		BargeInMinFrames:    cfg.BargeInMinFrames,
		StoreAssistantAudio: cfg.StoreAssistantAudio,
		MaxAudioBytes:       cfg.MaxAudioBytes,
		Redactor:            policy.Redactor{Enabled: cfg.RedactPII},
	}
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	gemini := GeminiConfig(cfg)
	adapter, err := upstream.NewAdapter(ctx, upstream.Config{
		Provider: cfg.UpstreamProvider,
		Gemini:   gemini,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("upstream adapter init failed: %w", err)
	}

	analyzer, err := vision.NewAnalyzer(ctx, vision.Config{
		Provider: cfg.UpstreamProvider,
		Gemini:   gemini,
		Model:    cfg.GeminiVisionModel,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("vision analyzer init failed: %w", err)
	}

	sessions := session.NewManager(store)
	engine, err := relay.NewEngine(store, sessions, adapter, metrics, RelayConfig(cfg))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("relay engine init failed: %w", err)
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions: sessions,
		Store:    store,
		Relays:   engine,
		Vision:   analyzer,
		Metrics:  metrics,
	})

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Engine:   engine,
		Store:    store,
		Metrics:  metrics,
		Provider: adapter.Name(),
		Vision:   analyzer.Name(),
		Cleanup:  store.Close,
	}, nil
}
