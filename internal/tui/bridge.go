package tui

import (
	"context"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/lexiqai/speaking-coach/internal/session"
)

// PhaseMsg reports a session phase change.
type PhaseMsg struct {
	Phase session.Phase
}

// MessagesMsg carries the full conversation after a change.
type MessagesMsg struct {
	Messages []session.Message
}

// VoiceLevelMsg carries the current microphone level, 0-100.
type VoiceLevelMsg struct {
	Level int
}

// NoticeMsg carries a status line and optional error message.
type NoticeMsg struct {
	Notice session.Notice
}

// SpeakingMsg carries the text being spoken, or "" when playback ends.
type SpeakingMsg struct {
	Text string
}

// Bridge implements session.Observer by queueing tea messages for a
// program. The session loop never blocks on the UI: consecutive voice
// levels are coalesced and everything else is kept in order.
type Bridge struct {
	mu      sync.Mutex
	pending []tea.Msg
	wake    chan struct{}
}

// NewBridge creates an empty bridge
func NewBridge() *Bridge {
	return &Bridge{wake: make(chan struct{}, 1)}
}

var _ session.Observer = (*Bridge)(nil)

func (b *Bridge) PhaseChanged(phase session.Phase) {
	b.push(PhaseMsg{Phase: phase})
}

func (b *Bridge) MessagesChanged(messages []session.Message) {
	b.push(MessagesMsg{Messages: messages})
}

func (b *Bridge) VoiceLevel(level int) {
	b.push(VoiceLevelMsg{Level: level})
}

func (b *Bridge) Notice(notice session.Notice) {
	b.push(NoticeMsg{Notice: notice})
}

func (b *Bridge) Speaking(text string) {
	b.push(SpeakingMsg{Text: text})
}

func (b *Bridge) push(msg tea.Msg) {
	b.mu.Lock()
	if _, isLevel := msg.(VoiceLevelMsg); isLevel && len(b.pending) > 0 {
		if _, lastIsLevel := b.pending[len(b.pending)-1].(VoiceLevelMsg); lastIsLevel {
			b.pending[len(b.pending)-1] = msg
			b.mu.Unlock()
			return
		}
	}
	b.pending = append(b.pending, msg)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bridge) drain() []tea.Msg {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.pending
	b.pending = nil
	return msgs
}

// Forward delivers queued messages to send until ctx is done. send is
// usually (*tea.Program).Send.
func (b *Bridge) Forward(ctx context.Context, send func(tea.Msg)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}
		for _, msg := range b.drain() {
			send(msg)
		}
	}
}
