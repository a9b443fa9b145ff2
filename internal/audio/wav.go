package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const wavHeaderSize = 44

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio in a WAV container. Assistant
// audio turns are persisted in this form so history exports stay playable.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		return ErrInvalidRate
	}
	if _, err := out.Write(wavHeader(len(pcm), sampleRate)); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

// DecodeWAVPCM16LE returns the PCM payload and rate of a WAV produced by
// EncodeWAVPCM16LE.
func DecodeWAVPCM16LE(wav []byte) ([]byte, int, error) {
	if len(wav) < wavHeaderSize || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, errors.New("not a wav container")
	}
	if binary.LittleEndian.Uint16(wav[20:]) != 1 || binary.LittleEndian.Uint16(wav[34:]) != 16 {
		return nil, 0, errors.New("wav is not pcm16")
	}
	rate := int(binary.LittleEndian.Uint32(wav[24:]))
	size := int(binary.LittleEndian.Uint32(wav[40:]))
	if size > len(wav)-wavHeaderSize {
		size = len(wav) - wavHeaderSize
	}
	return wav[wavHeaderSize : wavHeaderSize+size], rate, nil
}

func wavHeader(dataSize, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	blockAlign := channels * bitsPerSample / 8

	h := make([]byte, 0, wavHeaderSize)
	h = append(h, "RIFF"...)
	h = binary.LittleEndian.AppendUint32(h, uint32(36+dataSize))
	h = append(h, "WAVEfmt "...)
	h = binary.LittleEndian.AppendUint32(h, 16)
	h = binary.LittleEndian.AppendUint16(h, 1) // PCM
	h = binary.LittleEndian.AppendUint16(h, channels)
	h = binary.LittleEndian.AppendUint32(h, uint32(sampleRate))
	h = binary.LittleEndian.AppendUint32(h, uint32(sampleRate*blockAlign))
	h = binary.LittleEndian.AppendUint16(h, uint16(blockAlign))
	h = binary.LittleEndian.AppendUint16(h, bitsPerSample)
	h = append(h, "data"...)
	h = binary.LittleEndian.AppendUint32(h, uint32(dataSize))
	return h
}
