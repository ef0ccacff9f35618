// Package meter turns a live microphone stream into a smoothed 0-100
// voice level, published once per display frame, and optionally raises
// a one-shot event when speech is followed by sustained silence.
package meter

import (
	"sync"

	"github.com/lexiqai/speaking-coach/internal/audio"
	"github.com/lexiqai/speaking-coach/internal/media"
	"github.com/lexiqai/speaking-coach/internal/observability"
)

// Config holds meter settings
type Config struct {
	Analyser *audio.AnalyserConfig
	// SilenceAutoStop enables the silence callback
	SilenceAutoStop bool
	VAD             *audio.VADConfig
}

// Meter is the voice level meter
type Meter struct {
	scheduler media.FrameScheduler
	config    Config

	mu       sync.Mutex
	attached *attachment
}

type attachment struct {
	analyser    *audio.Analyser
	unsubscribe func()
	frameID     media.FrameID
	bins        []byte
	detached    bool
	onLevel     func(int)
	onSilence   func()
}

// New creates a meter
func New(scheduler media.FrameScheduler, config Config) *Meter {
	if config.Analyser == nil {
		config.Analyser = audio.DefaultAnalyserConfig()
	}
	return &Meter{
		scheduler: scheduler,
		config:    config,
	}
}

// Attach begins sampling stream. onLevel receives every published level;
// onSilence, if set, fires at most once per attachment. Both run on meter
// goroutines and must not block.
//
// Attach never fails: without a usable stream the level simply stays 0.
// Attaching again replaces the previous stream.
func (m *Meter) Attach(stream media.Stream, onLevel func(int), onSilence func()) bool {
	m.Detach()

	if onLevel == nil {
		onLevel = func(int) {}
	}
	if stream == nil || m.scheduler == nil {
		logger := observability.Component("meter")
		logger.Debug().Msg("Meter unavailable, level stays 0")
		onLevel(0)
		return false
	}

	a := &attachment{
		analyser:  audio.NewAnalyser(m.config.Analyser),
		onLevel:   onLevel,
		onSilence: onSilence,
	}
	frames, unsubscribe := stream.Subscribe(32)
	a.unsubscribe = unsubscribe

	var vad *audio.VADDetector
	if m.config.SilenceAutoStop && onSilence != nil {
		vad = audio.NewVADDetector(m.vadConfig(stream.SampleRate()))
	}

	m.mu.Lock()
	m.attached = a
	a.frameID = m.scheduler.RequestFrame(func() { m.tick(a) })
	m.mu.Unlock()

	go m.consume(a, frames, vad)
	return true
}

func (m *Meter) vadConfig(sampleRate int) *audio.VADConfig {
	cfg := audio.DefaultVADConfig()
	if m.config.VAD != nil {
		c := *m.config.VAD
		cfg = &c
	}
	if sampleRate > 0 {
		// 20ms frames regardless of capture rate
		cfg.FrameSize = sampleRate / 50
	}
	return cfg
}

func (m *Meter) consume(a *attachment, frames <-chan media.Frame, vad *audio.VADDetector) {
	fired := false
	for frame := range frames {
		a.analyser.Write(frame)

		if vad == nil || fired {
			continue
		}
		if vad.Feed(frame) {
			fired = true
			if m.isCurrent(a) {
				logger := observability.Component("meter")
				logger.Debug().Msg("Silence after speech detected")
				a.onSilence()
			}
		}
	}
}

func (m *Meter) isCurrent(a *attachment) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached == a && !a.detached
}

// tick publishes one level and queues the next frame
func (m *Meter) tick(a *attachment) {
	m.mu.Lock()
	if m.attached != a || a.detached {
		m.mu.Unlock()
		return
	}
	a.bins = a.analyser.ByteFrequencyData(a.bins)
	level := audio.LevelFromBins(a.bins)
	a.frameID = m.scheduler.RequestFrame(func() { m.tick(a) })
	m.mu.Unlock()

	a.onLevel(level)
}

// Detach stops sampling and publishes a final level of 0. Safe to call repeatedly.
func (m *Meter) Detach() {
	m.mu.Lock()
	a := m.attached
	m.attached = nil
	if a != nil {
		a.detached = true
		m.scheduler.CancelFrame(a.frameID)
	}
	m.mu.Unlock()

	if a != nil {
		a.unsubscribe()
		a.onLevel(0)
	}
}

// Attached reports whether a stream is being sampled
func (m *Meter) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached != nil
}
