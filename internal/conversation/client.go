// Package conversation is the HTTP client for the transcribe, chat and
// speech services. It holds no conversation state.
package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/lexiqai/speaking-coach/internal/media"
	"github.com/lexiqai/speaking-coach/internal/observability"
	"github.com/lexiqai/speaking-coach/internal/resilience"
)

// Options tunes the client transport
type Options struct {
	HTTPClient *http.Client
	// Breaker settings per service
	BreakerMaxFailures int
	BreakerReset       time.Duration
	// Retry applies to network errors and gateway failures only
	Retry *resilience.RetryConfig
}

// Client calls the conversation API
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      *resilience.RetryConfig
	breakers   map[string]*resilience.CircuitBreaker
}

// NewClient creates a client for the API at baseURL
func NewClient(baseURL string, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.BreakerMaxFailures <= 0 {
		opts.BreakerMaxFailures = 5
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = 30 * time.Second
	}
	if opts.Retry == nil {
		opts.Retry = &resilience.RetryConfig{
			MaxAttempts:       2,
			InitialBackoff:    200 * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: opts.HTTPClient,
		retry:      opts.Retry,
		breakers:   make(map[string]*resilience.CircuitBreaker),
	}
	for _, op := range []string{OpTranscribe, OpConverse, OpSynthesize} {
		cb := resilience.NewCircuitBreaker(op, opts.BreakerMaxFailures, opts.BreakerReset)
		cb.OnStateChange(func(name string, state resilience.CircuitState) {
			observability.UpdateCircuitBreakerState(name, int(state))
			logger := observability.Component("conversation")
			logger.Warn().
				Str("service", name).
				Str("state", state.String()).
				Msg("Circuit breaker state changed")
		})
		c.breakers[op] = cb
	}
	return c
}

// Transcribe uploads one recorded blob and returns the transcript.
// Empty text is a valid result.
func (c *Client) Transcribe(ctx context.Context, data []byte, mimeType string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="audio"; filename="recording%s"`, media.ExtensionForContentType(mimeType)))
	header.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", &Error{Op: OpTranscribe, Err: err}
	}
	if _, err := part.Write(data); err != nil {
		return "", &Error{Op: OpTranscribe, Err: err}
	}
	if err := mw.Close(); err != nil {
		return "", &Error{Op: OpTranscribe, Err: err}
	}

	var out textResponse
	if err := c.doJSON(ctx, OpTranscribe, "/api/transcribe", mw.FormDataContentType(), body.Bytes(), &out); err != nil {
		return "", err
	}
	observability.RecordAudioBytes("out", int64(len(data)))
	return out.Text, nil
}

// Converse requests the assistant reply for req
func (c *Client) Converse(ctx context.Context, req ChatRequest) (string, error) {
	if req.History == nil {
		req.History = []Turn{}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", &Error{Op: OpConverse, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	var out textResponse
	if err := c.doJSON(ctx, OpConverse, "/api/chat", "application/json", payload, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

// Synthesize converts text to speech. Text over MaxSpeechRunes is truncated.
func (c *Client) Synthesize(ctx context.Context, text string) (Audio, error) {
	payload, err := json.Marshal(speechRequest{Text: TruncateRunes(text, MaxSpeechRunes)})
	if err != nil {
		return Audio{}, &Error{Op: OpSynthesize, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	var audio Audio
	err = c.do(ctx, OpSynthesize, "/api/tts", "application/json", payload, func(resp *http.Response) error {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return errors.New("empty audio response")
		}
		audio = Audio{Data: data, ContentType: resp.Header.Get("Content-Type")}
		return nil
	})
	if err != nil {
		return Audio{}, err
	}
	if audio.ContentType == "" {
		audio.ContentType = "audio/mpeg"
	}
	observability.RecordAudioBytes("in", int64(len(audio.Data)))
	return audio, nil
}

func (c *Client) doJSON(ctx context.Context, op, path, contentType string, body []byte, out interface{}) error {
	return c.do(ctx, op, path, contentType, body, func(resp *http.Response) error {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

// do sends one logical call through the service breaker with bounded retry.
// Client errors (4xx) are returned without retry and do not trip the breaker.
func (c *Client) do(ctx context.Context, op, path, contentType string, body []byte, read func(*http.Response) error) error {
	logger := observability.Component("conversation")
	var callErr error

	breakerErr := c.breakers[op].Call(func() error {
		return resilience.RetryContext(ctx, func() error {
			callErr = nil
			status, msg, err := c.attempt(ctx, path, contentType, body, read)
			switch {
			case err != nil && status == 0:
				callErr = &Error{Op: op, Err: err}
				return callErr
			case status >= 500:
				callErr = &Error{Op: op, Status: status, Message: msg, Err: err}
				if status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout {
					return resilience.NewRetryableError(callErr)
				}
				return callErr
			case status >= 400:
				// Not a service health problem
				callErr = &Error{Op: op, Status: status, Message: msg, Err: err}
				return nil
			case err != nil:
				callErr = &Error{Op: op, Status: status, Err: err}
				return callErr
			}
			return nil
		}, c.retry, isRetryable)
	})

	if errors.Is(breakerErr, resilience.ErrCircuitOpen) {
		_, requests, failures, failureRate := c.breakers[op].GetStats()
		logger.Warn().
			Str("op", op).
			Int64("requests", requests).
			Int64("failures", failures).
			Float64("failure_rate", failureRate).
			Msg("Circuit open, call rejected")
		return &Error{Op: op, Err: breakerErr}
	}
	if breakerErr != nil && callErr == nil {
		// Context ended during a retry backoff
		return &Error{Op: op, Err: breakerErr}
	}
	if callErr != nil {
		logger.Debug().Err(callErr).Str("op", op).Msg("Conversation call failed")
	}
	return callErr
}

func isRetryable(err error) bool {
	return resilience.IsRetryable(err) || resilience.IsRetryableNetworkError(err)
}

// attempt performs one HTTP round trip. It returns the status (0 without
// a response), the server error message for non-2xx, and any error.
func (c *Client) attempt(ctx context.Context, path, contentType string, body []byte, read func(*http.Response) error) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Correlation-ID", observability.NewCorrelationID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return resp.StatusCode, msg, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	if err := read(resp); err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, "", nil
}
