package audio

import "math"

// RMSEnergy computes the root-mean-square level of 16-bit little-endian PCM,
// normalized to [0, 1].
func RMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(uint16(pcm[i])|uint16(pcm[i+1])<<8)) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(samples))
}

// ActivityDetector flags speech once MinFrames consecutive frames exceed
// Threshold. It is not safe for concurrent use.
type ActivityDetector struct {
	Threshold float64
	MinFrames int

	run int
}

func NewActivityDetector(threshold float64, minFrames int) *ActivityDetector {
	if minFrames <= 0 {
		minFrames = 1
	}
	return &ActivityDetector{Threshold: threshold, MinFrames: minFrames}
}

// Observe feeds one frame and reports whether the detector is active along
// with the frame level.
func (d *ActivityDetector) Observe(pcm []byte) (bool, float64) {
	level := RMSEnergy(pcm)
	if d.Threshold <= 0 {
		return false, level
	}
	if level < d.Threshold {
		d.run = 0
		return false, level
	}
	d.run++
	return d.run >= d.MinFrames, level
}

func (d *ActivityDetector) Reset() {
	d.run = 0
}
