package session

import "errors"

var (
	// ErrMicrophoneUnavailable means the microphone could not be acquired
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")
	// ErrRecordingTooShort means the utterance was too small to be speech
	ErrRecordingTooShort = errors.New("recording too short")
	// ErrNoSpeech means the transcript was empty once the trigger phrase was removed
	ErrNoSpeech = errors.New("no speech detected")
	// ErrTranscriptionFailed means the transcribe call failed
	ErrTranscriptionFailed = errors.New("transcription failed")
	// ErrConversationFailed means the chat call failed
	ErrConversationFailed = errors.New("conversation failed")
	// ErrSynthesisFailed means speech synthesis or playback failed
	ErrSynthesisFailed = errors.New("synthesis failed")
	// ErrStopped is returned by gestures once the session loop has exited
	ErrStopped = errors.New("session stopped")
)

// Status line texts
const (
	StatusReady           = "Tap mic or press space to talk"
	StatusSayKeyword      = `Say "OK GPT" to send`
	StatusTapToSend       = "Recording... tap again to send"
	StatusKeywordDetected = `Keyword detected: "OK GPT"`
	StatusSilenceDetected = "Silence detected"
	StatusCancelled       = "Cancelled. Tap mic to try again."
	StatusTooShort        = "Recording too short, try again"
	StatusTranscribing    = "Transcribing..."
	StatusNoSpeech        = "No speech detected"
	StatusSpeaking        = "Speaking..."
)

// User-facing failure messages
const (
	MessageMicDenied        = "Microphone access denied"
	MessageRecordingFailed  = "Recording failed"
	MessageNoSpeech         = "Could not hear you. Try again."
	MessageTranscribeFailed = "Transcription failed"
	MessageChatFailed       = "Failed to get response"
	MessageSpeechFailed     = "Failed to generate speech"
)

// Notice is a status update for the user. Err is set for failures; Message
// is the short user-facing explanation that accompanies it.
type Notice struct {
	Status  string
	Message string
	Err     error
}
