// Package keyword watches live recognition results for the trigger
// phrase that ends an utterance hands-free. Recognition is optional: a
// spotter without an engine is inert and recording falls back to manual stop.
package keyword

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lexiqai/speaking-coach/internal/media"
	"github.com/lexiqai/speaking-coach/internal/observability"
	"github.com/lexiqai/speaking-coach/internal/resilience"
)

// stopJoinTimeout bounds how long Stop waits for recognition to wind down
const stopJoinTimeout = time.Second

// Result is one recognition hypothesis
type Result struct {
	Text  string
	Final bool
}

// Engine runs continuous recognition sessions
type Engine interface {
	// Recognize streams frames to a recognizer and reports results until
	// the session ends, frames closes or ctx is done.
	Recognize(ctx context.Context, sampleRate int, frames <-chan media.Frame, onResult func(Result)) error
}

// Config bounds recognition restarts
type Config struct {
	MaxRestarts    int
	RestartBackoff time.Duration
	// HealthyAfter is how long a session must run to reset the restart budget
	HealthyAfter time.Duration
}

// DefaultConfig returns the restart bounds used when none are configured
func DefaultConfig() Config {
	return Config{
		MaxRestarts:    5,
		RestartBackoff: 250 * time.Millisecond,
		HealthyAfter:   10 * time.Second,
	}
}

// Spotter is the keyword spotter
type Spotter struct {
	engine Engine
	config Config

	mu     sync.Mutex
	active *listening
}

type listening struct {
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
}

// New creates a spotter. A nil engine makes Start always report false.
func New(engine Engine, config Config) *Spotter {
	def := DefaultConfig()
	if config.MaxRestarts <= 0 {
		config.MaxRestarts = def.MaxRestarts
	}
	if config.RestartBackoff <= 0 {
		config.RestartBackoff = def.RestartBackoff
	}
	if config.HealthyAfter <= 0 {
		config.HealthyAfter = def.HealthyAfter
	}
	return &Spotter{engine: engine, config: config}
}

// Available reports whether a recognition engine is configured
func (s *Spotter) Available() bool {
	return s != nil && s.engine != nil
}

// Start listens on stream and calls onTrigger at most once, when a final
// result contains the trigger phrase. It returns false when recognition
// is unavailable. Recognition errors are logged and never surfaced.
func (s *Spotter) Start(stream media.Stream, onTrigger func()) bool {
	if !s.Available() || stream == nil {
		return false
	}
	s.Stop()

	logger := observability.Component("keyword")
	ctx, cancel := context.WithCancel(context.Background())
	frames, unsubscribe := stream.Subscribe(64)
	l := &listening{cancel: cancel, unsubscribe: unsubscribe, done: make(chan struct{})}

	s.mu.Lock()
	s.active = l
	s.mu.Unlock()

	var triggered atomic.Bool
	onResult := func(r Result) {
		if !r.Final || !MatchesTrigger(r.Text) {
			return
		}
		if triggered.CompareAndSwap(false, true) {
			logger.Debug().Msg("Trigger phrase recognized")
			onTrigger()
		}
	}

	recognize := func(ctx context.Context) error {
		err := s.engine.Recognize(ctx, stream.SampleRate(), frames, onResult)
		select {
		case <-stream.Done():
			// The recording is over; nothing left to listen to
			cancel()
		default:
		}
		if triggered.Load() {
			cancel()
		}
		return err
	}

	go func() {
		defer close(l.done)
		err := resilience.Supervise(ctx, recognize, &resilience.ReconnectConfig{
			MaxAttempts:  s.config.MaxRestarts,
			Backoff:      s.config.RestartBackoff,
			Multiplier:   2.0,
			MaxBackoff:   5 * time.Second,
			HealthyAfter: s.config.HealthyAfter,
		}, func(attempt int, err error) {
			observability.RecordKeywordRestart()
			logger.Debug().Err(err).Int("attempt", attempt).Msg("Restarting recognition")
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug().Err(err).Msg("Keyword recognition stopped for this recording")
		}
	}()

	return true
}

// Stop ends recognition and waits, up to stopJoinTimeout, for the
// recognition goroutine to exit. Safe to call when not started.
func (s *Spotter) Stop() {
	s.mu.Lock()
	l := s.active
	s.active = nil
	s.mu.Unlock()

	if l == nil {
		return
	}
	l.cancel()
	l.unsubscribe()

	timer := time.NewTimer(stopJoinTimeout)
	defer timer.Stop()
	select {
	case <-l.done:
	case <-timer.C:
		logger := observability.Component("keyword")
		logger.Warn().Msg("Recognition did not stop in time")
	}
}
