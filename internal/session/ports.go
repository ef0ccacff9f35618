package session

import (
	"context"

	"github.com/lexiqai/speaking-coach/internal/conversation"
	"github.com/lexiqai/speaking-coach/internal/media"
	"github.com/lexiqai/speaking-coach/internal/recorder"
)

// Recorder captures one utterance at a time
type Recorder interface {
	Start(ctx context.Context) (media.Stream, error)
	Stop(ctx context.Context, cancel bool) (recorder.Result, error)
}

// Meter reports the voice level of an attached stream
type Meter interface {
	Attach(stream media.Stream, onLevel func(int), onSilence func()) bool
	Detach()
}

// Spotter listens for the spoken trigger phrase
type Spotter interface {
	Start(stream media.Stream, onTrigger func()) bool
	Stop()
}

// Conversation is the remote transcribe/chat/speech service
type Conversation interface {
	Transcribe(ctx context.Context, data []byte, mimeType string) (string, error)
	Converse(ctx context.Context, req conversation.ChatRequest) (string, error)
	Synthesize(ctx context.Context, text string) (conversation.Audio, error)
}

// Observer receives state changes. Calls are made from the session loop
// and must not block.
type Observer interface {
	PhaseChanged(phase Phase)
	MessagesChanged(messages []Message)
	VoiceLevel(level int)
	Notice(notice Notice)
	// Speaking is called with the text being spoken, or "" when playback ends
	Speaking(text string)
}

// NopObserver ignores every event
type NopObserver struct{}

func (NopObserver) PhaseChanged(Phase) {}
func (NopObserver) MessagesChanged([]Message) {}
func (NopObserver) VoiceLevel(int) {}
func (NopObserver) Notice(Notice) {}
func (NopObserver) Speaking(string) {}
