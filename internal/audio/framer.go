package audio

import (
	"fmt"
	"strings"
)

// SampleFormat is the encoding of client binary frames.
type SampleFormat string

const (
	FormatPCM16   SampleFormat = "pcm16"
	FormatFloat32 SampleFormat = "float32"
)

// FramerConfig describes both ends of a relay's audio path.
type FramerConfig struct {
	ClientFormat       SampleFormat
	ClientInputRate    int
	UpstreamInputRate  int
	UpstreamOutputRate int
	ClientOutputRate   int
}

// Framer converts client frames into upstream PCM and back. It holds no
// per-stream state, so one value can serve both relay loops.
type Framer struct {
	cfg FramerConfig
}

func NewFramer(cfg FramerConfig) (*Framer, error) {
	cfg.ClientFormat = SampleFormat(strings.ToLower(strings.TrimSpace(string(cfg.ClientFormat))))
	if cfg.ClientFormat == "" {
		cfg.ClientFormat = FormatPCM16
	}
	if cfg.ClientFormat != FormatPCM16 && cfg.ClientFormat != FormatFloat32 {
		return nil, fmt.Errorf("unsupported client sample format %q", cfg.ClientFormat)
	}
	for name, rate := range map[string]int{
		"client input":    cfg.ClientInputRate,
		"upstream input":  cfg.UpstreamInputRate,
		"upstream output": cfg.UpstreamOutputRate,
		"client output":   cfg.ClientOutputRate,
	} {
		if rate <= 0 {
			return nil, fmt.Errorf("%s rate %d: %w", name, rate, ErrInvalidRate)
		}
	}
	return &Framer{cfg: cfg}, nil
}

func (f *Framer) Config() FramerConfig { return f.cfg }

// Inbound turns one client frame into PCM16LE at the upstream input rate.
func (f *Framer) Inbound(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyInput
	}
	switch f.cfg.ClientFormat {
	case FormatFloat32:
		samples, err := DecodeFloat32LE(frame)
		if err != nil {
			return nil, err
		}
		out, err := ResampleFloat(samples, f.cfg.ClientInputRate, f.cfg.UpstreamInputRate)
		if err != nil {
			return nil, err
		}
		return EncodePCM16LE(out), nil
	default:
		if f.cfg.ClientInputRate == f.cfg.UpstreamInputRate {
			if len(frame)%2 != 0 {
				return nil, fmt.Errorf("pcm16 frame of %d bytes: %w", len(frame), ErrMalformedFrame)
			}
			return frame, nil
		}
		samples, err := DecodePCM16LE(frame)
		if err != nil {
			return nil, err
		}
		out, err := ResamplePCM16(samples, f.cfg.ClientInputRate, f.cfg.UpstreamInputRate)
		if err != nil {
			return nil, err
		}
		return EncodePCM16LE(out), nil
	}
}

// Outbound makes upstream PCM playable at the client output rate. Matching
// rates pass the bytes through untouched.
func (f *Framer) Outbound(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyInput
	}
	if f.cfg.UpstreamOutputRate == f.cfg.ClientOutputRate {
		return pcm, nil
	}
	samples, err := DecodePCM16LE(pcm)
	if err != nil {
		return nil, err
	}
	out, err := ResamplePCM16(samples, f.cfg.UpstreamOutputRate, f.cfg.ClientOutputRate)
	if err != nil {
		return nil, err
	}
	return EncodePCM16LE(out), nil
}
