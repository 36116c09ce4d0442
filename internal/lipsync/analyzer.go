package lipsync

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

// Analyzer keeps the latest block of PCM samples and reports its spectrum as
// byte frequency data. Samples may be written from an audio callback
// goroutine while the frame loop reads.
type Analyzer struct {
	size          int
	minDecibels   float64
	maxDecibels   float64
	timeSmoothing float64
	window        []float64

	mu       sync.Mutex
	ring     []float64
	pos      int
	smoothed []float64
}

// NewAnalyzer creates an analyzer with cfg's FFT size and decibel range
func NewAnalyzer(cfg Config) *Analyzer {
	size := cfg.FFTSize
	if size < 32 {
		size = 32
	}
	return &Analyzer{
		size:          size,
		minDecibels:   cfg.MinDecibels,
		maxDecibels:   cfg.MaxDecibels,
		timeSmoothing: cfg.TimeSmoothing,
		window:        window.Hann(size),
		ring:          make([]float64, size),
		smoothed:      make([]float64, size/2),
	}
}

// FrequencyBinCount returns half the FFT size
func (a *Analyzer) FrequencyBinCount() int {
	return a.size / 2
}

// Write appends mono samples
func (a *Analyzer) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = float64(s)
		a.pos = (a.pos + 1) % a.size
	}
}

// ByteFrequencyData fills dst with the smoothed spectrum mapped from the
// decibel range onto 0..255
func (a *Analyzer) ByteFrequencyData(dst []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	input := make([]float64, a.size)
	for i := range input {
		input[i] = a.ring[(a.pos+i)%a.size] * a.window[i]
	}

	spectrum := fft.FFTReal(input)

	span := a.maxDecibels - a.minDecibels
	n := min(len(dst), len(a.smoothed))
	for i := 0; i < len(a.smoothed); i++ {
		mag := cmplx.Abs(spectrum[i]) / float64(a.size)
		a.smoothed[i] = a.timeSmoothing*a.smoothed[i] + (1-a.timeSmoothing)*mag
		if i >= n {
			continue
		}
		db := math.Inf(-1)
		if a.smoothed[i] > 0 {
			db = 20 * math.Log10(a.smoothed[i])
		}
		scaled := 255 * (db - a.minDecibels) / span
		dst[i] = byte(math.Max(0, math.Min(255, scaled)))
	}
}

// Reset clears buffered audio and smoothing history
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}
