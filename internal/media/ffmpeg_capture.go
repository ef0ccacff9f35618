package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lexiqai/speaking-coach/internal/audio"
	"github.com/lexiqai/speaking-coach/internal/observability"
)

// CaptureConfig describes how the microphone is opened
type CaptureConfig struct {
	Command     string // ffmpeg binary
	InputFormat string // e.g. pulse, alsa, avfoundation
	InputDevice string
	SampleRate  int
	// FrameDuration is the length of each published frame
	FrameDuration time.Duration
	// StartupGrace is how long ffmpeg must survive before capture counts as started
	StartupGrace time.Duration
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.Command == "" {
		c.Command = "ffmpeg"
	}
	if c.InputFormat == "" {
		c.InputFormat = "pulse"
	}
	if c.InputDevice == "" {
		c.InputDevice = "default"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.StartupGrace <= 0 {
		c.StartupGrace = 250 * time.Millisecond
	}
	return c
}

// FFmpegDevices opens the microphone through an ffmpeg capture process
// emitting 16-bit mono PCM on stdout.
type FFmpegDevices struct {
	config CaptureConfig
}

// NewFFmpegDevices creates a capture device provider
func NewFFmpegDevices(config CaptureConfig) *FFmpegDevices {
	return &FFmpegDevices{config: config.withDefaults()}
}

func (d *FFmpegDevices) args() []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.config.InputFormat,
		"-i", d.config.InputDevice,
		"-ac", "1",
		"-ar", strconv.Itoa(d.config.SampleRate),
		"-f", "s16le",
		"-",
	}
}

// GetUserMedia starts capture and returns a live stream
func (d *FFmpegDevices) GetUserMedia(ctx context.Context) (Stream, error) {
	logger := observability.Component("media")

	// The capture process outlives ctx, which only bounds startup
	cmd := exec.Command(d.config.Command, d.args()...)
	var stderr lockedBuffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, classifyCaptureError(err, "")
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		return nil, classifyCaptureError(fmt.Errorf("ffmpeg exited before capture started: %v", err), stderr.String())
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, ctx.Err()
	case <-time.After(d.config.StartupGrace):
	}

	proc := &captureProcess{
		process: cmd.Process,
		stdout:  stdout,
		stderr:  &stderr,
		waitErr: waitErr,
	}
	stream := NewPCMStream(d.config.SampleRate, func() {
		if err := proc.stop(); err != nil {
			logger.Debug().Err(err).Msg("Capture process stop")
		}
	})

	frameSamples := int(int64(d.config.SampleRate) * int64(d.config.FrameDuration) / int64(time.Second))
	go pumpPCM(stdout, frameSamples, stream)

	logger.Debug().
		Str("format", d.config.InputFormat).
		Str("device", d.config.InputDevice).
		Int("sample_rate", d.config.SampleRate).
		Msg("Microphone opened")

	return stream, nil
}

// pumpPCM reads fixed size frames until the process output ends, then stops the stream
func pumpPCM(r io.Reader, frameSamples int, stream *PCMStream) {
	defer stream.Stop()

	buf := make([]byte, frameSamples*2)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			samples, convErr := audio.BytesToSamples(buf[:n-n%2])
			if convErr == nil && len(samples) > 0 {
				observability.RecordAudioBytes("in", int64(n))
				stream.Publish(Frame(samples))
			}
		}
		if err != nil {
			return
		}
	}
}

type captureProcess struct {
	process *os.Process
	stdout  io.ReadCloser
	stderr  *lockedBuffer
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (p *captureProcess) stop() error {
	p.stopOnce.Do(func() {
		_ = p.process.Signal(os.Interrupt)

		select {
		case err, ok := <-p.waitErr:
			if ok {
				p.stopErr = normalizeExitErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			_ = p.process.Kill()
			if err, ok := <-p.waitErr; ok {
				p.stopErr = normalizeExitErr(err)
			}
		}

		if closeErr := p.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && p.stopErr == nil {
			p.stopErr = closeErr
		}
		if p.stopErr != nil && p.stderr.Len() > 0 {
			p.stopErr = fmt.Errorf("%w: %s", p.stopErr, strings.TrimSpace(p.stderr.String()))
		}
	})
	return p.stopErr
}

// classifyCaptureError maps a failed capture start to the device errors
func classifyCaptureError(err error, stderr string) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "access denied"),
		strings.Contains(lower, "not authorized"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, strings.TrimSpace(stderr))
	case stderr != "":
		return fmt.Errorf("%w: %v: %s", ErrNoDevice, err, strings.TrimSpace(stderr))
	default:
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
}

// normalizeExitErr treats a non-zero exit after a stop signal as a clean stop
func normalizeExitErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// lockedBuffer is a bytes.Buffer safe for the exec stderr copier and readers
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
