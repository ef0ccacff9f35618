package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lexiqai/speaking-coach/internal/conversation"
	"github.com/lexiqai/speaking-coach/internal/media"
	"github.com/lexiqai/speaking-coach/internal/recorder"
)

// fakeRecorder hands out PCM streams and reports a configured result
type fakeRecorder struct {
	mu        sync.Mutex
	startErr  error
	startGate chan struct{}
	result    recorder.Result
	stream    *media.PCMStream
	starts    int
	stops     []bool
	active    bool
}

func (r *fakeRecorder) Start(ctx context.Context) (media.Stream, error) {
	r.mu.Lock()
	r.starts++
	gate := r.startGate
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.stream = media.NewPCMStream(16000, nil)
	r.active = true
	return r.stream, nil
}

func (r *fakeRecorder) Stop(ctx context.Context, cancel bool) (recorder.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return recorder.Result{}, recorder.ErrNotRecording
	}
	r.active = false
	r.stops = append(r.stops, cancel)
	r.stream.Stop()
	if cancel {
		return recorder.Result{Outcome: recorder.OutcomeCancelled}, nil
	}
	return r.result, nil
}

func (r *fakeRecorder) micActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *fakeRecorder) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *fakeRecorder) stopCalls() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.stops...)
}

func readyResult(size int) recorder.Result {
	return recorder.Result{
		Outcome: recorder.OutcomeReady,
		Blob:    recorder.Blob{Data: make([]byte, size), MimeType: media.MimeWebMOpus},
	}
}

// fakeMeter keeps the callbacks so tests can fire them
type fakeMeter struct {
	mu        sync.Mutex
	onLevel   func(int)
	onSilence func()
	attached  bool
}

func (m *fakeMeter) Attach(stream media.Stream, onLevel func(int), onSilence func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLevel, m.onSilence, m.attached = onLevel, onSilence, true
	return true
}

func (m *fakeMeter) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached = false
}

func (m *fakeMeter) fireSilence() {
	m.mu.Lock()
	fn := m.onSilence
	m.mu.Unlock()
	fn()
}

func (m *fakeMeter) isAttached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached
}

type fakeSpotter struct {
	mu        sync.Mutex
	onTrigger func()
	listening bool
}

func (s *fakeSpotter) Start(stream media.Stream, onTrigger func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTrigger, s.listening = onTrigger, true
	return true
}

func (s *fakeSpotter) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listening = false
}

func (s *fakeSpotter) fire() {
	s.mu.Lock()
	fn := s.onTrigger
	s.mu.Unlock()
	fn()
}

type fakeConversation struct {
	mu          sync.Mutex
	transcribe  func(ctx context.Context) (string, error)
	converse    func(ctx context.Context, req conversation.ChatRequest) (string, error)
	synthesize  func(ctx context.Context, text string) (conversation.Audio, error)
	transcribed int
	requests    []conversation.ChatRequest
	synthesized []string
}

func newFakeConversation(transcript, reply string) *fakeConversation {
	return &fakeConversation{
		transcribe: func(context.Context) (string, error) { return transcript, nil },
		converse: func(context.Context, conversation.ChatRequest) (string, error) {
			return reply, nil
		},
		synthesize: func(context.Context, string) (conversation.Audio, error) {
			return conversation.Audio{Data: []byte("mp3"), ContentType: "audio/mpeg"}, nil
		},
	}
}

func (c *fakeConversation) Transcribe(ctx context.Context, data []byte, mimeType string) (string, error) {
	c.mu.Lock()
	c.transcribed++
	fn := c.transcribe
	c.mu.Unlock()
	return fn(ctx)
}

func (c *fakeConversation) Converse(ctx context.Context, req conversation.ChatRequest) (string, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	fn := c.converse
	c.mu.Unlock()
	return fn(ctx, req)
}

func (c *fakeConversation) Synthesize(ctx context.Context, text string) (conversation.Audio, error) {
	c.mu.Lock()
	c.synthesized = append(c.synthesized, text)
	fn := c.synthesize
	c.mu.Unlock()
	return fn(ctx, text)
}

func (c *fakeConversation) chatRequests() []conversation.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]conversation.ChatRequest(nil), c.requests...)
}

func (c *fakeConversation) synthCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.synthesized...)
}

func (c *fakeConversation) transcribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcribed
}

// fakePlayer finishes at once unless hold is set, in which case playback
// lasts until its context is cancelled
type fakePlayer struct {
	mu        sync.Mutex
	hold      bool
	plays     int
	cancelled int
}

func (p *fakePlayer) Play(ctx context.Context, src media.Source) error {
	p.mu.Lock()
	p.plays++
	hold := p.hold
	p.mu.Unlock()

	if !hold {
		return nil
	}
	<-ctx.Done()
	p.mu.Lock()
	p.cancelled++
	p.mu.Unlock()
	return ctx.Err()
}

func (p *fakePlayer) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays, p.cancelled
}

type recordingObserver struct {
	mu       sync.Mutex
	phases   []Phase
	messages []Message
	notices  []Notice
	speaking []string
	levels   []int
}

func (o *recordingObserver) PhaseChanged(phase Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, phase)
}

func (o *recordingObserver) MessagesChanged(messages []Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = messages
}

func (o *recordingObserver) VoiceLevel(level int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.levels = append(o.levels, level)
}

func (o *recordingObserver) Notice(notice Notice) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notices = append(o.notices, notice)
}

func (o *recordingObserver) Speaking(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.speaking = append(o.speaking, text)
}

func (o *recordingObserver) phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.phases) == 0 {
		return PhaseIdle
	}
	return o.phases[len(o.phases)-1]
}

func (o *recordingObserver) phaseHistory() []Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Phase(nil), o.phases...)
}

func (o *recordingObserver) lastNotice() Notice {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.notices) == 0 {
		return Notice{}
	}
	return o.notices[len(o.notices)-1]
}

func (o *recordingObserver) hasStatus(status string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, n := range o.notices {
		if n.Status == status {
			return true
		}
	}
	return false
}

func (o *recordingObserver) messageList() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.messages...)
}

func (o *recordingObserver) speakingHistory() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.speaking...)
}

type harness struct {
	session  *Session
	rec      *fakeRecorder
	meter    *fakeMeter
	spotter  *fakeSpotter
	conv     *fakeConversation
	player   *fakePlayer
	observer *recordingObserver
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, conv *fakeConversation, config Config) *harness {
	t.Helper()
	h := &harness{
		rec:      &fakeRecorder{result: readyResult(1200)},
		meter:    &fakeMeter{},
		spotter:  &fakeSpotter{},
		conv:     conv,
		player:   &fakePlayer{},
		observer: &recordingObserver{},
	}
	h.session = New(Deps{
		Recorder:     h.rec,
		Meter:        h.meter,
		Spotter:      h.spotter,
		Conversation: h.conv,
		Player:       h.player,
		Observer:     h.observer,
	}, config)
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.session.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.session.Done()
	})
}

func (h *harness) snapshot(t *testing.T) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := h.session.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	return st
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func (h *harness) waitPhase(t *testing.T, phase Phase) {
	t.Helper()
	waitFor(t, "phase "+phase.String(), func() bool { return h.observer.phase() == phase })
}

func (h *harness) startRecording(t *testing.T) {
	t.Helper()
	h.session.ToggleMic()
	h.waitPhase(t, PhaseRecording)
	// Let the start event finish wiring the meter and spotter
	h.snapshot(t)
	if !h.rec.micActive() {
		t.Fatal("Expected microphone to be held while recording")
	}
}

func TestSession_SpokenRoundTrip(t *testing.T) {
	h := newHarness(t, newFakeConversation("Hello OK GPT", "Hi there!"), Config{KeywordSpotting: true})
	h.run(t)

	h.startRecording(t)
	if !h.observer.hasStatus(StatusSayKeyword) {
		t.Error("Expected keyword prompt status")
	}

	h.session.ToggleMic()
	waitFor(t, "return to idle", func() bool {
		st := h.snapshot(t)
		return st.Phase == PhaseIdle && len(st.Messages) == 2
	})

	want := []Phase{PhaseIdle, PhaseRecording, PhaseTranscribing, PhaseWaiting, PhasePlaying, PhaseIdle}
	got := h.observer.phaseHistory()
	if len(got) != len(want) {
		t.Fatalf("Expected phases %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Phase %d: expected %v, got %v", i, want[i], got[i])
		}
	}

	msgs := h.observer.messageList()
	if msgs[0] != (Message{Role: RoleUser, Content: "Hello"}) {
		t.Errorf("Unexpected user message: %+v", msgs[0])
	}
	if msgs[1] != (Message{Role: RoleAssistant, Content: "Hi there!"}) {
		t.Errorf("Unexpected assistant message: %+v", msgs[1])
	}

	reqs := h.conv.chatRequests()
	if len(reqs) != 1 {
		t.Fatalf("Expected 1 chat request, got %d", len(reqs))
	}
	if reqs[0].Message != "Hello" || len(reqs[0].History) != 0 || reqs[0].Level != "intermediate" {
		t.Errorf("Unexpected chat request: %+v", reqs[0])
	}

	speaking := h.observer.speakingHistory()
	if len(speaking) != 2 || speaking[0] != "Hi there!" || speaking[1] != "" {
		t.Errorf("Expected speaking marker set then cleared, got %q", speaking)
	}

	if h.rec.micActive() {
		t.Error("Expected microphone released after recording")
	}
	if stops := h.rec.stopCalls(); len(stops) != 1 || stops[0] {
		t.Errorf("Expected one non-cancelling stop, got %v", stops)
	}
}

// audioBytesTotal reads the audio byte counter for direction from the default registry
func audioBytesTotal(t *testing.T, direction string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() failed: %v", err)
	}
	for _, family := range families {
		if family.GetName() != "lexy_audio_bytes_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "direction" && label.GetValue() == direction {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestSession_AudioBytesCountedByTransportOnly(t *testing.T) {
	beforeOut := audioBytesTotal(t, "out")
	beforeIn := audioBytesTotal(t, "in")

	h := newHarness(t, newFakeConversation("Hello", "Hi there!"), Config{})
	h.run(t)

	h.startRecording(t)
	h.session.ToggleMic()
	waitFor(t, "return to idle", func() bool {
		st := h.snapshot(t)
		return st.Phase == PhaseIdle && len(st.Messages) == 2
	})

	// The fakes move no bytes, so nothing may be recorded on their behalf
	if got := audioBytesTotal(t, "out") - beforeOut; got != 0 {
		t.Errorf("Expected no outbound audio bytes recorded by the session, got %v", got)
	}
	if got := audioBytesTotal(t, "in") - beforeIn; got != 0 {
		t.Errorf("Expected no inbound audio bytes recorded by the session, got %v", got)
	}
}

func TestSession_MicHeldOnlyWhileRecording(t *testing.T) {
	conv := newFakeConversation("Hello", "Hi")
	release := make(chan struct{})
	conv.transcribe = func(ctx context.Context) (string, error) {
		<-release
		return "Hello", nil
	}
	h := newHarness(t, conv, Config{})
	h.run(t)

	if h.rec.micActive() {
		t.Fatal("Expected microphone released in Idle")
	}
	h.startRecording(t)
	if !h.meter.isAttached() {
		t.Error("Expected meter attached while recording")
	}

	h.session.ToggleMic()
	h.waitPhase(t, PhaseTranscribing)
	if h.rec.micActive() {
		t.Error("Expected microphone released in Transcribing")
	}
	if h.meter.isAttached() {
		t.Error("Expected meter detached after recording")
	}
	close(release)
	h.waitPhase(t, PhaseIdle)
}

func TestSession_TriggerOnlyTranscriptIsNoSpeech(t *testing.T) {
	h := newHarness(t, newFakeConversation("OK GPT.", "unused"), Config{})
	h.run(t)

	h.startRecording(t)
	h.session.ToggleMic()
	waitFor(t, "no speech notice", func() bool { return h.observer.hasStatus(StatusNoSpeech) })

	st := h.snapshot(t)
	if st.Phase != PhaseIdle {
		t.Errorf("Expected Idle, got %v", st.Phase)
	}
	if len(st.Messages) != 0 {
		t.Errorf("Expected no messages, got %d", len(st.Messages))
	}
	if len(h.conv.chatRequests()) != 0 {
		t.Error("Expected no chat request")
	}
	n := h.observer.lastNotice()
	if !errors.Is(n.Err, ErrNoSpeech) || n.Message != MessageNoSpeech {
		t.Errorf("Unexpected notice: %+v", n)
	}
}

func TestSession_CancelDiscardsRecording(t *testing.T) {
	h := newHarness(t, newFakeConversation("Hello", "Hi"), Config{})
	h.run(t)

	h.startRecording(t)
	h.session.CancelRecording()
	waitFor(t, "cancel notice", func() bool { return h.observer.hasStatus(StatusCancelled) })

	st := h.snapshot(t)
	if st.Phase != PhaseIdle || len(st.Messages) != 0 {
		t.Errorf("Expected Idle with no messages, got %v with %d", st.Phase, len(st.Messages))
	}
	if h.rec.micActive() {
		t.Error("Expected microphone released")
	}
	if stops := h.rec.stopCalls(); len(stops) != 1 || !stops[0] {
		t.Errorf("Expected one cancelling stop, got %v", stops)
	}
	if h.conv.transcribeCount() != 0 {
		t.Error("Expected no transcription after cancel")
	}
}

func TestSession_RecordingTooShort(t *testing.T) {
	h := newHarness(t, newFakeConversation("Hello", "Hi"), Config{})
	h.rec.result = recorder.Result{Outcome: recorder.OutcomeTooShort}
	h.run(t)

	h.startRecording(t)
	h.session.ToggleMic()
	waitFor(t, "too short notice", func() bool { return h.observer.hasStatus(StatusTooShort) })

	if n := h.observer.lastNotice(); !errors.Is(n.Err, ErrRecordingTooShort) {
		t.Errorf("Expected ErrRecordingTooShort, got %v", n.Err)
	}
	if h.observer.phase() != PhaseIdle {
		t.Errorf("Expected Idle, got %v", h.observer.phase())
	}
	if h.conv.transcribeCount() != 0 {
		t.Error("Expected no transcription")
	}
}

func TestSession_MicrophoneDenied(t *testing.T) {
	h := newHarness(t, newFakeConversation("Hello", "Hi"), Config{})
	h.rec.startErr = errors.New("permission denied")
	h.run(t)

	h.session.ToggleMic()
	waitFor(t, "mic notice", func() bool { return h.observer.lastNotice().Err != nil })

	n := h.observer.lastNotice()
	if !errors.Is(n.Err, ErrMicrophoneUnavailable) || n.Message != MessageMicDenied {
		t.Errorf("Unexpected notice: %+v", n)
	}
	st := h.snapshot(t)
	if st.Phase != PhaseIdle {
		t.Errorf("Expected Idle, got %v", st.Phase)
	}

	// A later toggle tries again
	h.session.ToggleMic()
	waitFor(t, "second attempt", func() bool { return h.rec.startCount() == 2 })
}

func TestSession_KeywordEndsUtterance(t *testing.T) {
	h := newHarness(t, newFakeConversation("Hello ok gpt", "Hi"), Config{KeywordSpotting: true})
	h.run(t)

	h.startRecording(t)
	h.spotter.fire()
	h.spotter.fire()
	waitFor(t, "reply", func() bool { return len(h.snapshot(t).Messages) == 2 })

	if !h.observer.hasStatus(StatusKeywordDetected) {
		t.Error("Expected keyword detected status")
	}
	if stops := h.rec.stopCalls(); len(stops) != 1 || stops[0] {
		t.Errorf("Expected one non-cancelling stop, got %v", stops)
	}
}

func TestSession_SilenceEndsUtterance(t *testing.T) {
	h := newHarness(t, newFakeConversation("Hello", "Hi"), Config{})
	h.run(t)

	h.startRecording(t)
	if !h.observer.hasStatus(StatusTapToSend) {
		t.Error("Expected tap-to-send status without keyword spotting")
	}
	h.meter.fireSilence()
	waitFor(t, "reply", func() bool { return len(h.snapshot(t).Messages) == 2 })

	if !h.observer.hasStatus(StatusSilenceDetected) {
		t.Error("Expected silence detected status")
	}
}

func TestSession_ChatFailure(t *testing.T) {
	conv := newFakeConversation("Hello", "")
	conv.converse = func(context.Context, conversation.ChatRequest) (string, error) {
		return "", errors.New("boom")
	}
	h := newHarness(t, conv, Config{})
	h.run(t)

	h.startRecording(t)
	h.session.ToggleMic()
	waitFor(t, "chat failure", func() bool { return errors.Is(h.observer.lastNotice().Err, ErrConversationFailed) })

	st := h.snapshot(t)
	if st.Phase != PhaseIdle {
		t.Errorf("Expected Idle, got %v", st.Phase)
	}
	if len(st.Messages) != 1 || st.Messages[0].Role != RoleUser {
		t.Errorf("Expected only the user message, got %+v", st.Messages)
	}
	if h.observer.lastNotice().Message != MessageChatFailed {
		t.Errorf("Unexpected message: %q", h.observer.lastNotice().Message)
	}
}

func TestSession_EmptyReplyIsFailure(t *testing.T) {
	h := newHarness(t, newFakeConversation("Hello", "   "), Config{})
	h.run(t)

	h.session.SubmitText("Hello")
	waitFor(t, "chat failure", func() bool { return errors.Is(h.observer.lastNotice().Err, ErrConversationFailed) })
	if got := len(h.snapshot(t).Messages); got != 1 {
		t.Errorf("Expected 1 message, got %d", got)
	}
}

func TestSession_TranscriptionFailure(t *testing.T) {
	conv := newFakeConversation("", "")
	conv.transcribe = func(context.Context) (string, error) { return "", errors.New("upstream") }
	h := newHarness(t, conv, Config{})
	h.run(t)

	h.startRecording(t)
	h.session.ToggleMic()
	waitFor(t, "transcription failure", func() bool { return errors.Is(h.observer.lastNotice().Err, ErrTranscriptionFailed) })
	if h.observer.phase() != PhaseIdle {
		t.Errorf("Expected Idle, got %v", h.observer.phase())
	}
}

func TestSession_SynthesisFailure(t *testing.T) {
	conv := newFakeConversation("", "Hi there")
	conv.synthesize = func(context.Context, string) (conversation.Audio, error) {
		return conversation.Audio{}, errors.New("tts down")
	}
	h := newHarness(t, conv, Config{})
	h.run(t)

	h.session.SubmitText("Hello")
	waitFor(t, "synthesis failure", func() bool { return errors.Is(h.observer.lastNotice().Err, ErrSynthesisFailed) })

	st := h.snapshot(t)
	if st.Phase != PhaseIdle || st.Speaking != "" {
		t.Errorf("Expected Idle with no speaking marker, got %v %q", st.Phase, st.Speaking)
	}
	if len(st.Messages) != 2 {
		t.Errorf("Expected reply kept in history, got %d messages", len(st.Messages))
	}
	if plays, _ := h.player.counts(); plays != 0 {
		t.Errorf("Expected no playback, got %d", plays)
	}
}

func TestSession_CallTimeout(t *testing.T) {
	conv := newFakeConversation("", "")
	conv.converse = func(ctx context.Context, _ conversation.ChatRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	h := newHarness(t, conv, Config{CallTimeout: 30 * time.Millisecond})
	h.run(t)

	h.session.SubmitText("Hello")
	waitFor(t, "timeout", func() bool { return errors.Is(h.observer.lastNotice().Err, ErrConversationFailed) })
	if h.observer.phase() != PhaseIdle {
		t.Errorf("Expected Idle after timeout, got %v", h.observer.phase())
	}
}

func TestSession_ToggleIgnoredWhileBusy(t *testing.T) {
	conv := newFakeConversation("", "")
	release := make(chan struct{})
	conv.converse = func(ctx context.Context, _ conversation.ChatRequest) (string, error) {
		<-release
		return "Hi", nil
	}
	h := newHarness(t, conv, Config{})
	h.run(t)

	h.session.SubmitText("Hello")
	h.waitPhase(t, PhaseWaiting)

	h.session.ToggleMic()
	h.session.SubmitText("Again")
	if st := h.snapshot(t); st.Phase != PhaseWaiting || len(st.Messages) != 1 {
		t.Errorf("Expected Waiting with 1 message, got %v with %d", st.Phase, len(st.Messages))
	}
	if h.rec.startCount() != 0 {
		t.Error("Expected no microphone acquisition while waiting")
	}

	close(release)
	h.waitPhase(t, PhaseIdle)
}

func TestSession_ToggleIgnoredWhileAcquiring(t *testing.T) {
	h := newHarness(t, newFakeConversation("Hello", "Hi"), Config{})
	h.rec.startGate = make(chan struct{})
	h.run(t)

	h.session.ToggleMic()
	waitFor(t, "acquisition", func() bool { return h.rec.startCount() == 1 })
	h.session.ToggleMic()
	h.session.ToggleMic()
	h.snapshot(t)
	if h.rec.startCount() != 1 {
		t.Errorf("Expected a single acquisition, got %d", h.rec.startCount())
	}

	h.session.CancelRecording()
	close(h.rec.startGate)
	waitFor(t, "cancel notice", func() bool { return h.observer.hasStatus(StatusCancelled) })

	if h.rec.micActive() {
		t.Error("Expected microphone released after cancelled acquisition")
	}
	if st := h.snapshot(t); st.Phase != PhaseIdle {
		t.Errorf("Expected Idle, got %v", st.Phase)
	}
}

func TestSession_TypedTextConverges(t *testing.T) {
	h := newHarness(t, newFakeConversation("", "Fine, thanks."), Config{Level: LevelBeginner})
	h.run(t)

	h.session.SubmitText("   ")
	h.session.SubmitText("  How are you? ")
	waitFor(t, "first reply", func() bool { return len(h.snapshot(t).Messages) == 2 })
	h.waitPhase(t, PhaseIdle)

	h.session.SetLevel(LevelAdvanced)
	h.session.SubmitText("And you?")
	waitFor(t, "second reply", func() bool { return len(h.snapshot(t).Messages) == 4 })

	reqs := h.conv.chatRequests()
	if len(reqs) != 2 {
		t.Fatalf("Expected 2 chat requests, got %d", len(reqs))
	}
	if reqs[0].Message != "How are you?" || reqs[0].Level != "beginner" {
		t.Errorf("Unexpected first request: %+v", reqs[0])
	}
	if len(reqs[1].History) != 2 || reqs[1].History[0].Content != "How are you?" || reqs[1].History[1].Role != "assistant" {
		t.Errorf("Unexpected history: %+v", reqs[1].History)
	}
	if reqs[1].Level != "advanced" {
		t.Errorf("Expected level advanced, got %q", reqs[1].Level)
	}
}

func TestSession_RepeatLastKeepsHistory(t *testing.T) {
	h := newHarness(t, newFakeConversation("", "Nice to meet you."), Config{})
	h.run(t)

	// Nothing to repeat yet
	h.session.RepeatLast()
	if st := h.snapshot(t); st.Phase != PhaseIdle {
		t.Errorf("Expected Idle, got %v", st.Phase)
	}

	h.session.SubmitText("Hi")
	waitFor(t, "reply", func() bool { return len(h.snapshot(t).Messages) == 2 })
	h.waitPhase(t, PhaseIdle)

	h.session.RepeatLast()
	waitFor(t, "second playback", func() bool {
		plays, _ := h.player.counts()
		return plays == 2
	})
	h.waitPhase(t, PhaseIdle)

	if got := len(h.snapshot(t).Messages); got != 2 {
		t.Errorf("Expected history unchanged at 2, got %d", got)
	}
	synth := h.conv.synthCalls()
	if len(synth) != 2 || synth[1] != "Nice to meet you." {
		t.Errorf("Expected last reply synthesized again, got %q", synth)
	}
	if len(h.conv.chatRequests()) != 1 {
		t.Error("Expected repeat not to call chat")
	}
}

func TestSession_RepeatReplacesPlayback(t *testing.T) {
	h := newHarness(t, newFakeConversation("", "Hello again."), Config{})
	h.player.hold = true
	h.run(t)

	h.session.SubmitText("Hi")
	waitFor(t, "playback", func() bool {
		plays, _ := h.player.counts()
		return plays == 1
	})

	h.session.RepeatLast()
	waitFor(t, "replacement", func() bool {
		plays, cancelled := h.player.counts()
		return plays == 2 && cancelled == 1
	})

	st := h.snapshot(t)
	if st.Phase != PhasePlaying || st.Speaking != "Hello again." {
		t.Errorf("Expected Playing the reply, got %v %q", st.Phase, st.Speaking)
	}
	if len(st.Messages) != 2 {
		t.Errorf("Expected 2 messages, got %d", len(st.Messages))
	}
}

func TestSession_ShutdownReleasesMicrophone(t *testing.T) {
	h := newHarness(t, newFakeConversation("", ""), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go h.session.Run(ctx)

	h.startRecording(t)
	cancel()

	select {
	case <-h.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Run to return after cancel")
	}
	if h.rec.micActive() {
		t.Error("Expected microphone released on shutdown")
	}

	if _, err := h.session.Snapshot(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
}

func TestSession_RunOnce(t *testing.T) {
	h := newHarness(t, newFakeConversation("", ""), Config{})
	h.run(t)
	h.snapshot(t)

	if err := h.session.Run(context.Background()); err == nil {
		t.Error("Expected second Run to fail")
	}
}

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseIdle, "Ready"},
		{PhaseRecording, "Recording"},
		{PhaseTranscribing, "Transcribing"},
		{PhaseWaiting, "Waiting for response"},
		{PhasePlaying, "Playing"},
		{Phase(42), "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", tt.phase, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in     string
		want   Level
		wantOK bool
	}{
		{"beginner", LevelBeginner, true},
		{"intermediate", LevelIntermediate, true},
		{"advanced", LevelAdvanced, true},
		{"expert", LevelIntermediate, false},
		{"", LevelIntermediate, false},
	}

	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseLevel(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
