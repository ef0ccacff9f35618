package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lexiqai/speaking-coach/internal/audio"
	"github.com/lexiqai/speaking-coach/internal/observability"
)

// FFmpegRecorderFactory encodes PCM streams to WebM through ffmpeg
type FFmpegRecorderFactory struct {
	command string

	probeOnce sync.Once
	encoders  map[string]bool
}

// NewFFmpegRecorderFactory creates a recorder factory using the given ffmpeg binary
func NewFFmpegRecorderFactory(command string) *FFmpegRecorderFactory {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFmpegRecorderFactory{command: command}
}

// IsTypeSupported reports whether the local ffmpeg can produce mimeType
func (f *FFmpegRecorderFactory) IsTypeSupported(mimeType string) bool {
	f.probeOnce.Do(f.probe)

	switch normalizeMime(mimeType) {
	case MimeWebMOpus:
		return f.encoders["libopus"]
	case MimeWebM:
		return f.encoders["libopus"] || f.encoders["libvorbis"]
	default:
		return false
	}
}

func (f *FFmpegRecorderFactory) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, f.command, "-hide_banner", "-encoders").Output()
	if err != nil {
		logger := observability.Component("media")
		logger.Debug().Err(err).Msg("ffmpeg encoder probe failed")
		f.encoders = map[string]bool{}
		return
	}
	f.encoders = parseEncoders(string(out))
}

// parseEncoders extracts encoder names from `ffmpeg -encoders` output.
// A legend (" A..... = Audio") precedes a "------" separator; listing
// lines after it look like " A....D libopus   libopus Opus".
func parseEncoders(listing string) map[string]bool {
	encoders := make(map[string]bool)
	inListing := !strings.Contains(listing, "------")
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if !inListing {
			inListing = len(fields) == 1 && strings.HasPrefix(fields[0], "------")
			continue
		}
		if len(fields) < 2 || len(fields[0]) != 6 || fields[1] == "=" {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}

// NewRecorder creates a recorder for stream producing mimeType
func (f *FFmpegRecorderFactory) NewRecorder(stream Stream, mimeType string) (MediaRecorder, error) {
	if !f.IsTypeSupported(mimeType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
	return &ffmpegRecorder{
		command:  f.command,
		stream:   stream,
		mimeType: mimeType,
		args:     encoderArgs(normalizeMime(mimeType), stream.SampleRate()),
	}, nil
}

func encoderArgs(mimeType string, sampleRate int) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		"-i", "pipe:0",
	}
	if mimeType == MimeWebMOpus {
		args = append(args, "-c:a", "libopus", "-b:a", "32k")
	}
	// Cluster often so fragments arrive while recording
	return append(args, "-cluster_time_limit", "1000", "-f", "webm", "pipe:1")
}

func normalizeMime(mimeType string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(mimeType)), " ", "")
}

type ffmpegRecorder struct {
	command  string
	stream   Stream
	mimeType string
	args     []string

	mu          sync.Mutex
	started     bool
	stopped     bool
	unsubscribe func()
}

func (r *ffmpegRecorder) MimeType() string {
	return r.mimeType
}

// Start launches the encoder and feeds it stream frames
func (r *ffmpegRecorder) Start(onData func([]byte), onStop func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started || r.stopped {
		return errors.New("recorder already started")
	}

	cmd := exec.Command(r.command, r.args...)
	var stderr lockedBuffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create encoder stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create encoder stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	frames, unsubscribe := r.stream.Subscribe(256)
	r.started = true
	r.unsubscribe = unsubscribe

	// Feed PCM until the subscription closes, then close stdin so ffmpeg finalizes
	go func() {
		defer stdin.Close()
		for frame := range frames {
			if _, err := stdin.Write(audio.SamplesToBytes(frame)); err != nil {
				return
			}
		}
	}()

	// Drain encoded fragments, then report the finalize result
	go func() {
		buf := make([]byte, 4096)
		var readErr error
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				fragment := make([]byte, n)
				copy(fragment, buf[:n])
				onData(fragment)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr = err
				}
				break
			}
		}

		waitErr := cmd.Wait()
		if waitErr != nil && stderr.Len() > 0 {
			waitErr = fmt.Errorf("%w: %s", waitErr, strings.TrimSpace(stderr.String()))
		}
		if waitErr == nil {
			waitErr = readErr
		}
		onStop(waitErr)
	}()

	return nil
}

// Stop ends the subscription; the encoder flushes and onStop follows
func (r *ffmpegRecorder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	unsubscribe := r.unsubscribe
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}
