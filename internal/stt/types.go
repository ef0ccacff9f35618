package stt

import "context"

// Result is one live recognition result
type Result struct {
	// Text is the recognized text
	Text string

	// IsFinal indicates if this is a final result (true) or interim (false)
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64
}

// Session is one open live recognition stream
type Session interface {
	// SendAudio sends a chunk of linear16 mono PCM
	SendAudio(pcm []byte) error

	// Close finishes the stream and releases the connection
	Close() error
}

// Handler receives events from a live session. Calls come from the
// recognition client's goroutines.
type Handler struct {
	OnResult func(Result)
	// OnClose is called once when the remote side ends the stream
	OnClose func(err error)
}

// Recognizer opens live recognition sessions
type Recognizer interface {
	Open(ctx context.Context, sampleRate int, handler Handler) (Session, error)
}
