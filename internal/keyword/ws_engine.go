package keyword

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/speaking-coach/internal/audio"
	"github.com/lexiqai/speaking-coach/internal/media"
)

// ListenSampleRate is the PCM rate the listen endpoint expects
const ListenSampleRate = 16000

// ListenMessage is one recognition result on the listen websocket
type ListenMessage struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// WSEngine recognizes speech through the API server's listen websocket
type WSEngine struct {
	url    string
	dialer *websocket.Dialer
}

// NewWSEngine creates an engine for the API at baseURL (http or https)
func NewWSEngine(baseURL string) (*WSEngine, error) {
	u, err := ListenURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &WSEngine{url: u, dialer: websocket.DefaultDialer}, nil
}

// ListenURL derives the websocket URL of the listen endpoint
func ListenURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid API URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid API URL scheme %q", u.Scheme)
	}
	u.Path += "/api/listen"
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(ListenSampleRate))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Recognize runs one recognition session over a websocket
func (e *WSEngine) Recognize(ctx context.Context, sampleRate int, frames <-chan media.Frame, onResult func(Result)) error {
	conn, resp, err := e.dialer.DialContext(ctx, e.url, http.Header{})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return fmt.Errorf("recognition unavailable on server: %w", err)
		}
		return fmt.Errorf("failed to connect to listen endpoint: %w", err)
	}
	defer conn.Close()

	var wg sync.WaitGroup
	readErr := make(chan error, 1)
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			var msg ListenMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			onResult(Result{Text: msg.Text, Final: msg.IsFinal})
		}
	}()

	writeErr := e.pump(sessionCtx, conn, sampleRate, frames)

	// Ask the server to finish, then unblock the reader
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	wg.Wait()

	if writeErr != nil {
		return writeErr
	}
	select {
	case err := <-readErr:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil
		}
		return err
	default:
		return ctx.Err()
	}
}

// pump forwards frames as 16 kHz PCM until frames closes or the session ends
func (e *WSEngine) pump(ctx context.Context, conn *websocket.Conn, sampleRate int, frames <-chan media.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			samples := audio.Resample(frame, sampleRate, ListenSampleRate)
			if err := conn.WriteMessage(websocket.BinaryMessage, audio.SamplesToBytes(samples)); err != nil {
				if errors.Is(err, websocket.ErrCloseSent) {
					return nil
				}
				return fmt.Errorf("failed to send audio: %w", err)
			}
		}
	}
}
