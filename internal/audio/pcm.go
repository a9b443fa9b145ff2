package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var ErrMalformedFrame = errors.New("malformed audio frame")

// DecodePCM16LE splits little-endian 16-bit PCM bytes into samples.
func DecodePCM16LE(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm16 frame of %d bytes: %w", len(pcm), ErrMalformedFrame)
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out, nil
}

// EncodePCM16LE packs samples as little-endian 16-bit PCM.
func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodeFloat32LE reads little-endian IEEE-754 float32 samples, the layout a
// browser AudioWorklet posts when it forwards its Float32Array buffer as-is.
func DecodeFloat32LE(frame []byte) ([]float32, error) {
	if len(frame)%4 != 0 {
		return nil, fmt.Errorf("float32 frame of %d bytes: %w", len(frame), ErrMalformedFrame)
	}
	out := make([]float32, len(frame)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(frame[i*4:]))
	}
	return out, nil
}

// EncodeFloat32LE is the inverse of DecodeFloat32LE.
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// DurationMS returns the playback length of pcm16 mono bytes at rate.
func DurationMS(pcmBytes, rate int) int {
	if rate <= 0 || pcmBytes <= 0 {
		return 0
	}
	return (pcmBytes / 2) * 1000 / rate
}
