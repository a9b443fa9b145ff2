package audio

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidRate = errors.New("sample rate must be positive")
	ErrEmptyInput  = errors.New("empty sample sequence")
)

// ResampleFloat converts normalized float samples at srcRate into signed
// 16-bit samples at dstRate using linear interpolation. Amplitudes outside
// [-1, 1] are clipped before quantization.
func ResampleFloat(samples []float32, srcRate, dstRate int) ([]int16, error) {
	if err := checkRates(srcRate, dstRate); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, ErrEmptyInput
	}

	src := make([]float64, len(samples))
	for i, v := range samples {
		src[i] = float64(v) * 32767
	}
	return quantize(interpolate(src, srcRate, dstRate)), nil
}

// ResamplePCM16 converts 16-bit samples between rates. Equal rates return a
// copy of the input.
func ResamplePCM16(samples []int16, srcRate, dstRate int) ([]int16, error) {
	if err := checkRates(srcRate, dstRate); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, ErrEmptyInput
	}
	if srcRate == dstRate {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out, nil
	}

	src := make([]float64, len(samples))
	for i, v := range samples {
		src[i] = float64(v)
	}
	return quantize(interpolate(src, srcRate, dstRate)), nil
}

// ResampledLen reports how many samples n source samples become at dstRate.
func ResampledLen(n, srcRate, dstRate int) int {
	if n <= 0 || srcRate <= 0 || dstRate <= 0 {
		return 0
	}
	if srcRate == dstRate {
		return n
	}
	out := int(math.Ceil(float64(n) * float64(dstRate) / float64(srcRate)))
	if out < 1 {
		out = 1
	}
	return out
}

func checkRates(srcRate, dstRate int) error {
	if srcRate <= 0 {
		return fmt.Errorf("source rate %d: %w", srcRate, ErrInvalidRate)
	}
	if dstRate <= 0 {
		return fmt.Errorf("target rate %d: %w", dstRate, ErrInvalidRate)
	}
	return nil
}

func interpolate(src []float64, srcRate, dstRate int) []float64 {
	if srcRate == dstRate {
		return src
	}
	n := ResampledLen(len(src), srcRate, dstRate)
	out := make([]float64, n)
	step := float64(srcRate) / float64(dstRate)
	last := len(src) - 1
	for i := range out {
		pos := float64(i) * step
		lo := int(math.Floor(pos))
		if lo >= last {
			out[i] = src[last]
			continue
		}
		frac := pos - float64(lo)
		out[i] = src[lo] + (src[lo+1]-src[lo])*frac
	}
	return out
}

func quantize(values []float64) []int16 {
	out := make([]int16, len(values))
	for i, v := range values {
		out[i] = clip16(v)
	}
	return out
}

func clip16(v float64) int16 {
	v = math.Round(v)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
