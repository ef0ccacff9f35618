package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speaking-coach/internal/config"
	"github.com/lexiqai/speaking-coach/internal/observability"
	"github.com/lexiqai/speaking-coach/internal/resilience"
)

// ErrNotConfigured is returned by Open when no Deepgram key is set
var ErrNotConfigured = errors.New("deepgram is not configured")

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler // Embed default handler for methods we don't override
	handler                                func(*msginterfaces.MessageResponse)
	errorHandler                           func(*msginterfaces.ErrorResponse) error
	closeHandler                           func()
}

// Message overrides the default handler to forward results
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error overrides the default handler to use our custom error handling
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// Close reports the end of the stream
func (m *messageCallbackHandler) Close(closeResponse *msginterfaces.CloseResponse) error {
	if m.closeHandler != nil {
		m.closeHandler()
	}
	return nil
}

// DeepgramRecognizer opens Deepgram live transcription sessions
type DeepgramRecognizer struct {
	apiKey          string
	model           string
	language        string
	reconnectConfig *resilience.ReconnectConfig
	circuitBreaker  *resilience.CircuitBreaker
}

// NewDeepgramRecognizer creates a recognizer from server configuration
func NewDeepgramRecognizer(cfg *config.Server) *DeepgramRecognizer {
	circuitBreaker := resilience.NewCircuitBreaker(
		"deepgram",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	return &DeepgramRecognizer{
		apiKey:   cfg.DeepgramAPIKey,
		model:    cfg.DeepgramModel,
		language: cfg.DeepgramLanguage,
		reconnectConfig: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  5 * time.Second,
		},
		circuitBreaker: circuitBreaker,
	}
}

// Configured reports whether an API key is set
func (d *DeepgramRecognizer) Configured() bool {
	return d.apiKey != ""
}

// Open connects a live session for linear16 mono audio at sampleRate
func (d *DeepgramRecognizer) Open(ctx context.Context, sampleRate int, handler Handler) (Session, error) {
	if !d.Configured() {
		return nil, ErrNotConfigured
	}

	logger := observability.Component("stt")
	s := &deepgramSession{
		handler: handler,
		logger:  logger,
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       d.language,
		Punctuate:      true,
		InterimResults: true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     sampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                s.handleMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			logger.Warn().Str("error", fmt.Sprintf("%+v", errorResponse)).Msg("Deepgram error")
			observability.IncrementCircuitBreakerFailures("deepgram")
			s.finish(fmt.Errorf("deepgram error: %+v", errorResponse))
			return nil
		},
		closeHandler: func() {
			s.finish(nil)
		},
	}

	err := d.circuitBreaker.Call(func() error {
		return resilience.Reconnect(ctx, func() error {
			client, err := listenClient.NewWSUsingCallback(
				ctx,
				d.apiKey,
				&interfaces.ClientOptions{EnableKeepAlive: true},
				tOptions,
				callback,
			)
			if err != nil {
				return fmt.Errorf("failed to create Deepgram client: %w", err)
			}
			if !client.Connect() {
				return fmt.Errorf("failed to connect to Deepgram")
			}
			s.mu.Lock()
			s.client = client
			s.opened = true
			s.mu.Unlock()
			return nil
		}, d.reconnectConfig)
	})
	if err != nil {
		return nil, err
	}

	logger.Debug().Str("model", d.model).Int("sample_rate", sampleRate).Msg("Deepgram live session opened")
	return s, nil
}

// deepgramSession is one live Deepgram stream
type deepgramSession struct {
	handler Handler
	logger  zerolog.Logger

	mu     sync.Mutex
	client *listenClient.WSCallback
	opened bool
	closed bool
}

// handleMessage forwards transcription results
func (s *deepgramSession) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	if s.handler.OnResult != nil {
		s.handler.OnResult(Result{
			Text:       alt.Transcript,
			IsFinal:    msg.IsFinal,
			Confidence: alt.Confidence,
		})
	}
}

// finish reports the end of an opened stream once. Events from failed
// connection attempts are ignored.
func (s *deepgramSession) finish(err error) {
	s.mu.Lock()
	if !s.opened || s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.handler.OnClose != nil {
		s.handler.OnClose(err)
	}
}

// SendAudio sends a chunk of PCM to Deepgram
func (s *deepgramSession) SendAudio(pcm []byte) error {
	s.mu.Lock()
	client := s.client
	closed := s.closed
	s.mu.Unlock()

	if closed || client == nil {
		return fmt.Errorf("deepgram session is not active")
	}
	if _, err := client.Write(pcm); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	observability.RecordAudioBytes("in", int64(len(pcm)))
	return nil
}

// Close finishes the stream
func (s *deepgramSession) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		client.Finish()
	}
	s.finish(nil)
	return nil
}
