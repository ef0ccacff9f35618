// Package session runs one voice conversation: it sequences the recorder,
// the level meter, the keyword spotter and the conversation service
// through the Idle, Recording, Transcribing, Waiting and Playing phases.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lexiqai/speaking-coach/internal/conversation"
	"github.com/lexiqai/speaking-coach/internal/keyword"
	"github.com/lexiqai/speaking-coach/internal/media"
	"github.com/lexiqai/speaking-coach/internal/observability"
	"github.com/lexiqai/speaking-coach/internal/recorder"
	"github.com/rs/zerolog"
)

const (
	// DefaultCallTimeout bounds every outstanding remote call
	DefaultCallTimeout = 30 * time.Second

	eventQueueSize  = 64
	shutdownTimeout = 2 * time.Second
)

// Config holds session settings
type Config struct {
	Level           Level
	KeywordSpotting bool
	CallTimeout     time.Duration
	SessionID       string
}

// Deps are the collaborators a session drives. Meter and Spotter may be nil.
type Deps struct {
	Recorder     Recorder
	Meter        Meter
	Spotter      Spotter
	Conversation Conversation
	Player       media.Player
	Observer     Observer
}

// State is a copy of the session state
type State struct {
	Phase    Phase
	Messages []Message
	Level    Level
	Speaking string
}

// Session is the voice session orchestrator. All state is owned by the
// goroutine running Run; gestures and async completions are queued to it.
type Session struct {
	deps   Deps
	config Config

	// Event loop
	events  chan func()
	done    chan struct{}
	running atomic.Bool

	// Observability
	logger  zerolog.Logger
	metrics *observability.SessionMetrics

	// Loop state, touched only on the loop goroutine
	ctx      context.Context
	phase    Phase
	messages []Message
	level    Level
	speaking string

	// Recording
	starting      bool
	startDone     chan struct{}
	cancelPending bool
	stopping      bool
	recGen        uint64

	// Remote calls and playback
	callGen      uint64
	playGen      uint64
	audioPlaying bool
	playCancel   context.CancelFunc
}

// New creates a session. Call Run to start processing.
func New(deps Deps, config Config) *Session {
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	if _, ok := ParseLevel(string(config.Level)); !ok {
		config.Level = DefaultLevel
	}
	if config.SessionID == "" {
		config.SessionID = observability.NewCorrelationID()
	}

	return &Session{
		deps:    deps,
		config:  config,
		events:  make(chan func(), eventQueueSize),
		done:    make(chan struct{}),
		logger:  observability.WithCorrelationID(config.SessionID).With().Str("component", "session").Logger(),
		metrics: observability.NewSessionMetrics(config.SessionID),
		phase:   PhaseIdle,
		level:   config.Level,
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.config.SessionID
}

// Run processes events until ctx is done, then releases the microphone
// and stops playback. It may be called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx

	s.metrics.RecordSessionStart()
	defer s.metrics.RecordSessionEnd()

	s.logger.Info().Str("level", string(s.level)).Msg("Session started")
	s.deps.Observer.PhaseChanged(s.phase)
	s.deps.Observer.Notice(Notice{Status: StatusReady})

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			close(s.done)
			s.logger.Info().Int("messages", len(s.messages)).Msg("Session ended")
			return nil
		case fn := <-s.events:
			fn()
		}
	}
}

// Done is closed once Run has returned
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ToggleMic starts recording from Idle, or ends the recording and sends it
func (s *Session) ToggleMic() {
	s.post(s.toggleMic)
}

// CancelRecording ends the recording and discards it
func (s *Session) CancelRecording() {
	s.post(s.cancelRecording)
}

// SubmitText sends typed text as if it had been spoken
func (s *Session) SubmitText(text string) {
	s.post(func() { s.submitText(text) })
}

// RepeatLast speaks the last assistant message again
func (s *Session) RepeatLast() {
	s.post(s.repeatLast)
}

// SetLevel changes the proficiency level used for later replies
func (s *Session) SetLevel(level Level) {
	s.post(func() {
		if _, ok := ParseLevel(string(level)); !ok {
			s.logger.Warn().Str("level", string(level)).Msg("Ignoring unknown level")
			return
		}
		s.level = level
	})
}

// Snapshot returns a copy of the current state
func (s *Session) Snapshot(ctx context.Context) (State, error) {
	result := make(chan State, 1)
	if !s.postContext(ctx, func() {
		result <- State{
			Phase:    s.phase,
			Messages: s.copyMessages(),
			Level:    s.level,
			Speaking: s.speaking,
		}
	}) {
		if ctx.Err() != nil {
			return State{}, ctx.Err()
		}
		return State{}, ErrStopped
	}

	select {
	case st := <-result:
		return st, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-s.done:
		return State{}, ErrStopped
	}
}

func (s *Session) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) postContext(ctx context.Context, fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// tryPost drops the event when the queue is full. Used for level updates.
func (s *Session) tryPost(fn func()) {
	select {
	case s.events <- fn:
	default:
	}
}

func (s *Session) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.config.CallTimeout)
}

// Gestures

func (s *Session) toggleMic() {
	switch {
	case s.phase == PhaseRecording:
		if s.stopping {
			return
		}
		s.stopRecording(false)
	case s.phase == PhaseIdle && !s.starting:
		s.startRecording()
	default:
		s.logger.Debug().Str("phase", s.phase.String()).Bool("starting", s.starting).Msg("Ignoring mic toggle")
	}
}

func (s *Session) cancelRecording() {
	switch {
	case s.phase == PhaseRecording && !s.stopping:
		s.stopRecording(true)
	case s.starting:
		s.cancelPending = true
	}
}

func (s *Session) submitText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if s.phase != PhaseIdle || s.starting {
		s.logger.Debug().Str("phase", s.phase.String()).Msg("Ignoring typed text")
		return
	}
	s.send(text)
}

func (s *Session) repeatLast() {
	repeatable := (s.phase == PhaseIdle && !s.starting) || (s.phase == PhasePlaying && s.audioPlaying)
	if !repeatable {
		return
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == RoleAssistant {
			s.speak(s.messages[i].Content)
			return
		}
	}
}

// Recording

func (s *Session) startRecording() {
	s.starting = true
	s.cancelPending = false
	s.recGen++
	gen := s.recGen
	startDone := make(chan struct{})
	s.startDone = startDone

	ctx, cancel := s.callContext()
	go func() {
		defer cancel()
		stream, err := s.deps.Recorder.Start(ctx)
		close(startDone)
		s.post(func() { s.onRecorderStarted(gen, stream, err) })
	}()
}

func (s *Session) onRecorderStarted(gen uint64, stream media.Stream, err error) {
	if gen != s.recGen {
		return
	}
	s.starting = false
	s.startDone = nil

	if err != nil {
		s.logger.Warn().Err(err).Msg("Microphone unavailable")
		s.metrics.RecordError("microphone", "recorder")
		s.deps.Observer.Notice(Notice{
			Status:  "Mic error: " + err.Error(),
			Message: MessageMicDenied,
			Err:     fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err),
		})
		return
	}

	s.setPhase(PhaseRecording)

	if s.cancelPending {
		s.cancelPending = false
		s.stopRecording(true)
		return
	}

	if s.deps.Meter != nil {
		s.deps.Meter.Attach(stream,
			func(level int) {
				s.tryPost(func() {
					if gen == s.recGen && s.phase == PhaseRecording {
						s.deps.Observer.VoiceLevel(level)
					}
				})
			},
			func() {
				s.post(func() { s.onEndOfUtterance(gen, StatusSilenceDetected) })
			},
		)
	}

	listening := false
	if s.deps.Spotter != nil && s.config.KeywordSpotting {
		listening = s.deps.Spotter.Start(stream, func() {
			s.post(func() { s.onEndOfUtterance(gen, StatusKeywordDetected) })
		})
	}

	status := StatusTapToSend
	if listening {
		status = StatusSayKeyword
	}
	s.deps.Observer.Notice(Notice{Status: status})
}

// onEndOfUtterance handles a keyword or silence stop request
func (s *Session) onEndOfUtterance(gen uint64, status string) {
	if gen != s.recGen || s.phase != PhaseRecording || s.stopping {
		return
	}
	s.logger.Debug().Str("reason", status).Msg("End of utterance")
	s.deps.Observer.Notice(Notice{Status: status})
	s.stopRecording(false)
}

func (s *Session) stopRecording(cancel bool) {
	s.stopping = true
	s.detachAnalysis()

	gen := s.recGen
	ctx, done := s.callContext()
	go func() {
		defer done()
		res, err := s.deps.Recorder.Stop(ctx, cancel)
		s.post(func() { s.onRecorderStopped(gen, res, err) })
	}()
}

func (s *Session) detachAnalysis() {
	if s.deps.Meter != nil {
		s.deps.Meter.Detach()
	}
	if s.deps.Spotter != nil {
		s.deps.Spotter.Stop()
	}
}

func (s *Session) onRecorderStopped(gen uint64, res recorder.Result, err error) {
	if gen != s.recGen || s.phase != PhaseRecording {
		return
	}
	s.stopping = false
	s.deps.Observer.VoiceLevel(0)

	if err != nil {
		s.logger.Warn().Err(err).Msg("Recording failed")
		s.metrics.RecordError("recording", "recorder")
		s.setPhase(PhaseIdle)
		s.deps.Observer.Notice(Notice{
			Status:  "Recording error: " + err.Error(),
			Message: MessageRecordingFailed,
			Err:     err,
		})
		return
	}

	s.metrics.RecordRecordingOutcome(res.Outcome.String())

	switch res.Outcome {
	case recorder.OutcomeCancelled:
		s.setPhase(PhaseIdle)
		s.deps.Observer.Notice(Notice{Status: StatusCancelled})
	case recorder.OutcomeTooShort:
		s.setPhase(PhaseIdle)
		s.deps.Observer.Notice(Notice{Status: StatusTooShort, Err: ErrRecordingTooShort})
	default:
		s.logger.Debug().Int("bytes", res.Blob.Size()).Str("mime_type", res.Blob.MimeType).Msg("Utterance recorded")
		s.setPhase(PhaseTranscribing)
		s.deps.Observer.Notice(Notice{Status: StatusTranscribing})
		s.transcribe(res.Blob)
	}
}

// Conversation

func (s *Session) transcribe(blob recorder.Blob) {
	s.callGen++
	gen := s.callGen
	s.metrics.RecordStageStart(observability.StageTranscribe)

	ctx, cancel := s.callContext()
	go func() {
		defer cancel()
		text, err := s.deps.Conversation.Transcribe(ctx, blob.Data, blob.MimeType)
		s.post(func() { s.onTranscribed(gen, text, err) })
	}()
}

func (s *Session) onTranscribed(gen uint64, text string, err error) {
	if gen != s.callGen || s.phase != PhaseTranscribing {
		return
	}
	s.metrics.RecordStageEnd(err == nil)

	if err != nil {
		s.logger.Error().Err(err).Msg("Transcription failed")
		s.metrics.RecordError("transcribe", "conversation")
		s.setPhase(PhaseIdle)
		s.deps.Observer.Notice(Notice{
			Status:  "Transcribe error: " + err.Error(),
			Message: MessageTranscribeFailed,
			Err:     fmt.Errorf("%w: %v", ErrTranscriptionFailed, err),
		})
		return
	}

	text = keyword.StripTrigger(text)
	if text == "" {
		s.setPhase(PhaseIdle)
		s.deps.Observer.Notice(Notice{Status: StatusNoSpeech, Message: MessageNoSpeech, Err: ErrNoSpeech})
		return
	}

	s.send(text)
}

// send appends the user message and asks for a reply. Spoken and typed
// text both end up here.
func (s *Session) send(text string) {
	s.messages = append(s.messages, Message{Role: RoleUser, Content: text})
	s.deps.Observer.MessagesChanged(s.copyMessages())
	s.deps.Observer.Notice(Notice{Status: fmt.Sprintf("Sending: %q", text)})
	s.setPhase(PhaseWaiting)

	// History excludes the message being sent
	history := make([]conversation.Turn, 0, len(s.messages)-1)
	for _, m := range s.messages[:len(s.messages)-1] {
		history = append(history, conversation.Turn{Role: string(m.Role), Content: m.Content})
	}
	req := conversation.ChatRequest{Message: text, History: history, Level: string(s.level)}

	s.callGen++
	gen := s.callGen
	s.metrics.RecordStageStart(observability.StageChat)

	ctx, cancel := s.callContext()
	go func() {
		defer cancel()
		reply, err := s.deps.Conversation.Converse(ctx, req)
		s.post(func() { s.onReply(gen, reply, err) })
	}()
}

func (s *Session) onReply(gen uint64, reply string, err error) {
	if gen != s.callGen || s.phase != PhaseWaiting {
		return
	}
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty reply")
	}
	s.metrics.RecordStageEnd(err == nil)

	if err != nil {
		s.logger.Error().Err(err).Msg("Chat failed")
		s.metrics.RecordError("chat", "conversation")
		s.setPhase(PhaseIdle)
		s.deps.Observer.Notice(Notice{
			Status:  "Chat error: " + err.Error(),
			Message: MessageChatFailed,
			Err:     fmt.Errorf("%w: %v", ErrConversationFailed, err),
		})
		return
	}

	s.messages = append(s.messages, Message{Role: RoleAssistant, Content: reply})
	s.deps.Observer.MessagesChanged(s.copyMessages())
	s.speak(reply)
}

// Playback

// speak synthesizes text and plays it, replacing any current playback
func (s *Session) speak(text string) {
	s.stopPlayback()
	s.playGen++
	gen := s.playGen

	s.speaking = text
	s.setPhase(PhasePlaying)
	s.deps.Observer.Speaking(text)
	s.deps.Observer.Notice(Notice{Status: StatusSpeaking})
	s.metrics.RecordStageStart(observability.StageSpeech)

	input := conversation.TruncateRunes(text, conversation.MaxSpeechRunes)
	ctx, cancel := s.callContext()
	go func() {
		defer cancel()
		audio, err := s.deps.Conversation.Synthesize(ctx, input)
		s.post(func() { s.onSynthesized(gen, audio, err) })
	}()
}

func (s *Session) onSynthesized(gen uint64, audio conversation.Audio, err error) {
	if gen != s.playGen || s.phase != PhasePlaying {
		return
	}
	s.metrics.RecordStageEnd(err == nil)

	if err != nil {
		s.logger.Error().Err(err).Msg("Speech synthesis failed")
		s.metrics.RecordError("speech", "conversation")
		s.finishPlayback(Notice{
			Status:  "Speech error: " + err.Error(),
			Message: MessageSpeechFailed,
			Err:     fmt.Errorf("%w: %v", ErrSynthesisFailed, err),
		})
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.playCancel = cancel
	s.audioPlaying = true
	go func() {
		err := s.deps.Player.Play(ctx, media.Source{Data: audio.Data, ContentType: audio.ContentType})
		s.post(func() { s.onPlaybackEnded(gen, err) })
	}()
}

func (s *Session) onPlaybackEnded(gen uint64, err error) {
	if gen != s.playGen || s.phase != PhasePlaying {
		return
	}

	if err != nil && !errors.Is(err, media.ErrReplaced) && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Msg("Playback failed")
		s.metrics.RecordError("playback", "player")
		s.finishPlayback(Notice{
			Status:  "Playback error: " + err.Error(),
			Message: MessageSpeechFailed,
			Err:     fmt.Errorf("%w: %v", ErrSynthesisFailed, err),
		})
		return
	}
	s.finishPlayback(Notice{Status: StatusReady})
}

func (s *Session) finishPlayback(notice Notice) {
	s.stopPlayback()
	s.speaking = ""
	s.deps.Observer.Speaking("")
	s.setPhase(PhaseIdle)
	s.deps.Observer.Notice(notice)
}

func (s *Session) stopPlayback() {
	if s.playCancel != nil {
		s.playCancel()
		s.playCancel = nil
	}
	s.audioPlaying = false
}

// State helpers

func (s *Session) setPhase(phase Phase) {
	if phase == s.phase {
		return
	}
	s.logger.Debug().Str("from", s.phase.String()).Str("to", phase.String()).Msg("Phase changed")
	s.metrics.RecordPhaseTransition(s.phase.metricLabel(), phase.metricLabel())
	s.phase = phase
	s.deps.Observer.PhaseChanged(phase)
}

func (s *Session) copyMessages() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// shutdown releases the microphone and stops playback when the loop exits
func (s *Session) shutdown() {
	s.stopPlayback()

	if s.startDone != nil {
		// Wait for a pending acquisition so the microphone is not left open
		select {
		case <-s.startDone:
		case <-time.After(s.config.CallTimeout):
		}
	}

	if s.phase == PhaseRecording || s.startDone != nil {
		s.detachAnalysis()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if _, err := s.deps.Recorder.Stop(ctx, true); err != nil && !errors.Is(err, recorder.ErrNotRecording) {
			s.logger.Warn().Err(err).Msg("Failed to release microphone")
		}
	}
}
