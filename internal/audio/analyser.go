package audio

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// AnalyserConfig holds the spectrum analyser parameters
type AnalyserConfig struct {
	FFTSize   int     // Window length in samples, a power of two
	Smoothing float64 // Time constant between frames, 0 disables averaging
	MinDB     float64 // dB mapped to byte 0
	MaxDB     float64 // dB mapped to byte 255
}

// DefaultAnalyserConfig returns the analyser settings used for the voice meter
func DefaultAnalyserConfig() *AnalyserConfig {
	return &AnalyserConfig{
		FFTSize:   256,
		Smoothing: 0.8,
		MinDB:     -100,
		MaxDB:     -30,
	}
}

// Analyser computes smoothed byte frequency magnitudes over the latest
// FFTSize samples written to it. Bin values run 0-255.
// Write and ByteFrequencyData may be called from different goroutines.
type Analyser struct {
	mu       sync.Mutex
	config   *AnalyserConfig
	ring     *SampleRing
	fft      *fourier.FFT
	window   []float64
	samples  []int16
	input    []float64
	coeffs   []complex128
	smoothed []float64
}

// NewAnalyser creates an analyser. A non power of two size is rounded up.
func NewAnalyser(config *AnalyserConfig) *Analyser {
	if config == nil {
		config = DefaultAnalyserConfig()
	}
	size := nextPowerOfTwo(config.FFTSize)
	if size < 32 {
		size = 32
	}

	return &Analyser{
		config:   config,
		ring:     NewSampleRing(size),
		fft:      fourier.NewFFT(size),
		window:   blackman(size),
		samples:  make([]int16, size),
		input:    make([]float64, size),
		smoothed: make([]float64, size/2),
	}
}

// Write feeds captured samples into the analysis window
func (a *Analyser) Write(samples []int16) {
	a.mu.Lock()
	a.ring.Write(samples)
	a.mu.Unlock()
}

// FrequencyBinCount is the number of bins ByteFrequencyData fills
func (a *Analyser) FrequencyBinCount() int {
	return len(a.smoothed)
}

// ByteFrequencyData fills dst with the current spectrum and returns it.
// Each call advances the smoothing state, so it should be called once
// per rendered frame.
func (a *Analyser) ByteFrequencyData(dst []byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	bins := len(a.smoothed)
	if cap(dst) < bins {
		dst = make([]byte, bins)
	}
	dst = dst[:bins]

	a.ring.Snapshot(a.samples)
	for i, s := range a.samples {
		a.input[i] = float64(s) / 32768.0 * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.input)

	n := float64(len(a.input))
	k := a.config.Smoothing
	rangeDB := a.config.MaxDB - a.config.MinDB
	for i := 0; i < bins; i++ {
		c := a.coeffs[i]
		magnitude := math.Hypot(real(c), imag(c)) / n
		a.smoothed[i] = k*a.smoothed[i] + (1-k)*magnitude

		db := a.config.MinDB
		if a.smoothed[i] > 0 {
			db = 20 * math.Log10(a.smoothed[i])
		}
		scaled := 255 * (db - a.config.MinDB) / rangeDB
		switch {
		case scaled <= 0:
			dst[i] = 0
		case scaled >= 255:
			dst[i] = 255
		default:
			dst[i] = byte(scaled)
		}
	}
	return dst
}

// Reset clears the window and smoothing state
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ring.Clear()
	for i := range a.smoothed {
		a.smoothed[i] = 0
	}
}

// LevelFromBins maps byte frequency bins to a 0-100 voice level:
// the mean bin value doubled, rounded, capped at 100.
func LevelFromBins(bins []byte) int {
	if len(bins) == 0 {
		return 0
	}
	sum := 0
	for _, b := range bins {
		sum += int(b)
	}
	level := int(math.Round(float64(sum) / float64(len(bins)) * 2))
	if level > 100 {
		return 100
	}
	return level
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0 := 0.5 * (1 - alpha)
	a1 := 0.5
	a2 := 0.5 * alpha

	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
