package conversation

import (
	"errors"
	"fmt"
)

// Operation names, matching the observability stage labels
const (
	OpTranscribe = "transcribe"
	OpConverse   = "chat"
	OpSynthesize = "speech"
)

// MaxSpeechRunes is the longest text the speech service accepts
const MaxSpeechRunes = 4096

// Turn is one history entry sent with a chat request
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the Converse input. History must not contain Message.
type ChatRequest struct {
	Message string `json:"message"`
	History []Turn `json:"history"`
	Level   string `json:"level"`
}

// Audio is a synthesized speech payload
type Audio struct {
	Data        []byte
	ContentType string
}

type textResponse struct {
	Text string `json:"text"`
}

type speechRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Error is returned for every failed call. Status is the HTTP status,
// or 0 when no response was received.
type Error struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("%s failed: status %d: %s", e.Op, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s failed: status %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	default:
		return e.Op + " failed"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsOp reports whether err is a conversation Error for op
func IsOp(err error, op string) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Op == op
}

// TruncateRunes cuts text to at most max runes
func TruncateRunes(text string, max int) string {
	if max <= 0 {
		return ""
	}
	count := 0
	for i := range text {
		if count == max {
			return text[:i]
		}
		count++
	}
	return text
}
