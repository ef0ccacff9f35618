package tutor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/lexiqai/speaking-coach/internal/config"
	"github.com/lexiqai/speaking-coach/internal/observability"
)

// Turn is one prior message of the conversation
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Backend produces replies, speech and transcripts
type Backend interface {
	Chat(ctx context.Context, systemPrompt string, history []Turn, message string) (string, error)
	Speech(ctx context.Context, text string) ([]byte, error)
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// OpenAIBackend implements Backend with the OpenAI API
type OpenAIBackend struct {
	client          *openai.Client
	chatModel       string
	maxTokens       int
	ttsModel        string
	ttsVoice        string
	transcribeModel string
}

// NewOpenAIBackend creates a backend from server configuration
func NewOpenAIBackend(cfg *config.Server) *OpenAIBackend {
	return NewOpenAIBackendWithConfig(cfg, openai.DefaultConfig(cfg.OpenAIAPIKey))
}

// NewOpenAIBackendWithConfig creates a backend with an explicit client
// configuration, for proxies and tests
func NewOpenAIBackendWithConfig(cfg *config.Server, clientConfig openai.ClientConfig) *OpenAIBackend {
	return &OpenAIBackend{
		client:          openai.NewClientWithConfig(clientConfig),
		chatModel:       cfg.OpenAIChatModel,
		maxTokens:       cfg.ChatMaxTokens,
		ttsModel:        cfg.OpenAITTSModel,
		ttsVoice:        cfg.OpenAITTSVoice,
		transcribeModel: cfg.OpenAITranscribeModel,
	}
}

// Chat returns the assistant reply to message
func (b *OpenAIBackend) Chat(ctx context.Context, systemPrompt string, history []Turn, message string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	for _, h := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: chatRole(h.Role), Content: h.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message})

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     b.chatModel,
		Messages:  messages,
		MaxTokens: b.maxTokens,
	})
	if err != nil {
		observability.RecordError("chat_completion", "openai")
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func chatRole(role string) string {
	switch role {
	case openai.ChatMessageRoleAssistant:
		return openai.ChatMessageRoleAssistant
	case openai.ChatMessageRoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

// Speech synthesizes text as MP3
func (b *OpenAIBackend) Speech(ctx context.Context, text string) ([]byte, error) {
	resp, err := b.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(b.ttsModel),
		Input:          text,
		Voice:          openai.SpeechVoice(b.ttsVoice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		observability.RecordError("speech", "openai")
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read speech: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("speech synthesis returned no audio")
	}
	return audio, nil
}

// Transcribe returns the English transcript of an audio file. The filename
// extension tells the API the container format.
func (b *OpenAIBackend) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	resp, err := b.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    b.transcribeModel,
		Reader:   bytes.NewReader(audio),
		FilePath: filename,
		Language: "en",
	})
	if err != nil {
		observability.RecordError("transcription", "openai")
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// Ping checks that the API key is accepted
func (b *OpenAIBackend) Ping(ctx context.Context) (bool, error) {
	if _, err := b.client.ListModels(ctx); err != nil {
		return false, err
	}
	return true, nil
}
