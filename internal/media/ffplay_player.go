package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/lexiqai/speaking-coach/internal/observability"
)

// FFplayPlayer plays sources with ffplay. Each source is written to a
// temporary file that is removed when its playback ends or is replaced.
type FFplayPlayer struct {
	command string

	mu      sync.Mutex
	seq     uint64
	current *playback
}

type playback struct {
	id       uint64
	cancel   context.CancelFunc
	replaced bool
}

// NewFFplayPlayer creates a player using the given ffplay binary
func NewFFplayPlayer(command string) *FFplayPlayer {
	if command == "" {
		command = "ffplay"
	}
	return &FFplayPlayer{command: command}
}

// Play plays src to completion, replacing any source already playing
func (p *FFplayPlayer) Play(ctx context.Context, src Source) error {
	if len(src.Data) == 0 {
		return fmt.Errorf("empty audio source")
	}

	path, err := writeTempSource(src)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	playCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pb := p.take(cancel)
	defer p.release(pb)

	cmd := exec.CommandContext(playCtx, p.command,
		"-nodisp", "-autoexit", "-hide_banner", "-loglevel", "error", path)
	out, runErr := cmd.CombinedOutput()

	p.mu.Lock()
	replaced := pb.replaced
	p.mu.Unlock()

	switch {
	case replaced:
		return ErrReplaced
	case ctx.Err() != nil:
		return ctx.Err()
	case runErr != nil:
		return fmt.Errorf("ffplay failed: %w: %s", runErr, strings.TrimSpace(string(out)))
	}

	observability.RecordAudioBytes("out", int64(len(src.Data)))
	return nil
}

// take installs a new current playback, interrupting the previous one
func (p *FFplayPlayer) take(cancel context.CancelFunc) *playback {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		p.current.replaced = true
		p.current.cancel()
	}
	p.seq++
	p.current = &playback{id: p.seq, cancel: cancel}
	return p.current
}

func (p *FFplayPlayer) release(pb *playback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == pb {
		p.current = nil
	}
}

func writeTempSource(src Source) (string, error) {
	f, err := os.CreateTemp("", "lexy-*"+ExtensionForContentType(src.ContentType))
	if err != nil {
		return "", fmt.Errorf("failed to create playback file: %w", err)
	}
	if _, err := f.Write(src.Data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write playback file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write playback file: %w", err)
	}
	return f.Name(), nil
}

// ExtensionForContentType maps audio MIME types to file extensions
func ExtensionForContentType(contentType string) string {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch base {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	default:
		return ".webm"
	}
}
