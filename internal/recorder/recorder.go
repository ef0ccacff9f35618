// Package recorder captures one utterance at a time: it owns the
// microphone stream and the media recorder between Start and Stop and
// assembles the buffered fragments into a single blob.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lexiqai/speaking-coach/internal/media"
	"github.com/lexiqai/speaking-coach/internal/observability"
)

// DefaultMinBlobBytes is the smallest blob treated as real speech
const DefaultMinBlobBytes = 1000

var (
	// ErrMicrophoneUnavailable is returned when access is denied or no device exists
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")
	// ErrNotRecording is returned by Stop when nothing is being recorded
	ErrNotRecording = errors.New("not recording")
	// ErrAlreadyRecording is returned by Start while a recording is active
	ErrAlreadyRecording = errors.New("already recording")
)

// PreferredTypes lists encodings in order of preference
var PreferredTypes = []string{media.MimeWebMOpus, media.MimeWebM}

// Outcome classifies how a recording ended
type Outcome int

const (
	OutcomeReady Outcome = iota
	OutcomeCancelled
	OutcomeTooShort
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "ready"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeTooShort:
		return "too_short"
	default:
		return "unknown"
	}
}

// Blob is one recorded utterance
type Blob struct {
	Data     []byte
	MimeType string
}

// Size returns the blob length in bytes
func (b Blob) Size() int {
	return len(b.Data)
}

// Result is the outcome of Stop. Blob is only set for OutcomeReady.
type Result struct {
	Outcome Outcome
	Blob    Blob
}

// Config holds recorder settings
type Config struct {
	MinBlobBytes int
}

// Recorder is the utterance recorder
type Recorder struct {
	devices   media.Devices
	recorders media.RecorderFactory
	minBytes  int

	mu     sync.Mutex
	active *session
}

// session is the state of one Start..Stop cycle
type session struct {
	stream   media.Stream
	rec      media.MediaRecorder
	mimeType string

	mu        sync.Mutex
	fragments [][]byte
	cancel    bool

	finalized chan struct{}
	finalErr  error
	once      sync.Once

	resultOnce sync.Once
	res        Result
}

// New creates a recorder
func New(devices media.Devices, recorders media.RecorderFactory, cfg Config) *Recorder {
	if cfg.MinBlobBytes <= 0 {
		cfg.MinBlobBytes = DefaultMinBlobBytes
	}
	return &Recorder{
		devices:   devices,
		recorders: recorders,
		minBytes:  cfg.MinBlobBytes,
	}
}

// SelectMimeType picks the first preferred type the factory supports,
// falling back to generic WebM.
func SelectMimeType(factory media.RecorderFactory) string {
	for _, t := range PreferredTypes {
		if factory.IsTypeSupported(t) {
			return t
		}
	}
	return media.MimeWebM
}

// Start acquires the microphone and begins buffering. The returned
// stream may be shared with analysis; the recorder still owns it and
// stops it on Stop. On error nothing is held.
func (r *Recorder) Start(ctx context.Context) (media.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return nil, ErrAlreadyRecording
	}

	logger := observability.Component("recorder")

	stream, err := r.devices.GetUserMedia(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Microphone access failed")
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}

	mimeType := SelectMimeType(r.recorders)
	rec, err := r.recorders.NewRecorder(stream, mimeType)
	if err != nil {
		stream.Stop()
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}

	s := &session{
		stream:    stream,
		rec:       rec,
		mimeType:  mimeType,
		finalized: make(chan struct{}),
	}
	if err := rec.Start(s.append, s.finalize); err != nil {
		stream.Stop()
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}

	r.active = s
	logger.Debug().Str("mime_type", mimeType).Msg("Recording started")
	return stream, nil
}

// Active reports whether a recording is in progress
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Stop finalizes the recording. cancel discards the buffer. Concurrent
// or repeated calls for the same recording join one teardown; the first
// caller's cancel flag wins. Stop blocks until the media recorder
// finalizes or ctx ends, and the stream is stopped either way.
func (r *Recorder) Stop(ctx context.Context, cancel bool) (Result, error) {
	r.mu.Lock()
	s := r.active
	r.mu.Unlock()

	if s == nil {
		return Result{}, ErrNotRecording
	}

	s.requestStop(cancel)

	var waitErr error
	select {
	case <-s.finalized:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	// Release the microphone before anything else happens with the audio
	s.stream.Stop()

	r.mu.Lock()
	if r.active == s {
		r.active = nil
	}
	r.mu.Unlock()

	if waitErr != nil {
		return Result{}, fmt.Errorf("recorder finalize: %w", waitErr)
	}

	result := s.result(r.minBytes)
	logger := observability.Component("recorder")
	logger.Debug().
		Str("outcome", result.Outcome.String()).
		Int("bytes", result.Blob.Size()).
		Msg("Recording stopped")
	return result, nil
}

func (s *session) requestStop(cancel bool) {
	s.once.Do(func() {
		s.mu.Lock()
		s.cancel = cancel
		s.mu.Unlock()
		s.rec.Stop()
	})
}

func (s *session) append(fragment []byte) {
	if len(fragment) == 0 {
		return
	}
	s.mu.Lock()
	s.fragments = append(s.fragments, fragment)
	s.mu.Unlock()
}

func (s *session) finalize(err error) {
	s.mu.Lock()
	s.finalErr = err
	s.mu.Unlock()
	close(s.finalized)
}

// result consumes the buffer exactly once; joined stops share it
func (s *session) result(minBytes int) Result {
	s.resultOnce.Do(func() {
		s.res = s.build(minBytes)
	})
	return s.res
}

func (s *session) build(minBytes int) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalErr != nil {
		logger := observability.Component("recorder")
		logger.Debug().Err(s.finalErr).Msg("Recorder finalized with error")
	}

	if s.cancel {
		s.fragments = nil
		return Result{Outcome: OutcomeCancelled}
	}

	size := 0
	for _, f := range s.fragments {
		size += len(f)
	}
	data := make([]byte, 0, size)
	for _, f := range s.fragments {
		data = append(data, f...)
	}
	s.fragments = nil

	if len(data) <= minBytes {
		return Result{Outcome: OutcomeTooShort}
	}
	return Result{Outcome: OutcomeReady, Blob: Blob{Data: data, MimeType: s.mimeType}}
}
