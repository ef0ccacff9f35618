// Package media provides the platform capabilities a voice session needs:
// microphone streams, an encoding recorder, a single-source audio player
// and a display-refresh style frame scheduler. The ffmpeg-backed
// implementations are used in production; tests substitute fakes.
package media

import (
	"context"
	"errors"
)

// MIME types offered by the recorder
const (
	MimeWebMOpus = "audio/webm;codecs=opus"
	MimeWebM     = "audio/webm"
)

var (
	// ErrPermissionDenied is returned when the capture device refuses access
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrNoDevice is returned when no capture device or tool is present
	ErrNoDevice = errors.New("no microphone available")
	// ErrUnsupportedType is returned for MIME types the recorder cannot produce
	ErrUnsupportedType = errors.New("unsupported recording type")
	// ErrReplaced is returned by Play when a newer source took over the player
	ErrReplaced = errors.New("playback replaced by a newer source")
)

// Frame is a block of 16-bit mono PCM samples
type Frame []int16

// Stream is a live microphone stream. Frames are fanned out to every
// subscriber. Stop releases the device and is safe to call repeatedly.
type Stream interface {
	// Subscribe returns a channel of frames and a function that ends the
	// subscription. The channel is closed on unsubscribe or when the
	// stream stops. Slow subscribers lose frames rather than stall capture.
	Subscribe(buffer int) (<-chan Frame, func())
	SampleRate() int
	Stop()
	Done() <-chan struct{}
}

// Devices grants access to capture devices
type Devices interface {
	// GetUserMedia opens the microphone. Errors wrap ErrPermissionDenied or ErrNoDevice.
	GetUserMedia(ctx context.Context) (Stream, error)
}

// MediaRecorder encodes a stream into container fragments
type MediaRecorder interface {
	// Start begins encoding. onData receives fragments in order; onStop is
	// called exactly once after the last fragment, with nil on a clean finalize.
	Start(onData func([]byte), onStop func(error)) error
	// Stop asks the recorder to finalize. Safe to call repeatedly.
	Stop()
	MimeType() string
}

// RecorderFactory probes and creates media recorders
type RecorderFactory interface {
	IsTypeSupported(mimeType string) bool
	NewRecorder(stream Stream, mimeType string) (MediaRecorder, error)
}

// Source is one playable audio payload
type Source struct {
	Data        []byte
	ContentType string
}

// Player plays one source at a time
type Player interface {
	// Play blocks until the source finishes. Starting another source
	// interrupts this one, which then returns ErrReplaced.
	Play(ctx context.Context, src Source) error
}

// FrameID identifies a requested frame callback
type FrameID uint64

// FrameScheduler runs callbacks at display refresh cadence
type FrameScheduler interface {
	RequestFrame(fn func()) FrameID
	// CancelFrame drops a pending callback. Unknown or fired IDs are ignored.
	CancelFrame(id FrameID)
}
