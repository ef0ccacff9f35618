package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	os.Setenv("OPENAI_API_KEY", "test-openai-key")
	defer os.Unsetenv("OPENAI_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.OpenAIAPIKey != "test-openai-key" {
		t.Errorf("Expected OpenAIAPIKey 'test-openai-key', got '%s'", cfg.OpenAIAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("OPENAI_API_KEY")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when OPENAI_API_KEY is missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	os.Setenv("OPENAI_API_KEY", "test-openai-key")
	defer os.Unsetenv("OPENAI_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "3001" {
		t.Errorf("Expected default Port '3001', got '%s'", cfg.Port)
	}
	if cfg.OpenAIChatModel != "gpt-4o-mini" {
		t.Errorf("Expected default OpenAIChatModel 'gpt-4o-mini', got '%s'", cfg.OpenAIChatModel)
	}
	if cfg.OpenAITTSVoice != "alloy" {
		t.Errorf("Expected default OpenAITTSVoice 'alloy', got '%s'", cfg.OpenAITTSVoice)
	}
	if cfg.ChatMaxTokens != 250 {
		t.Errorf("Expected default ChatMaxTokens 250, got %d", cfg.ChatMaxTokens)
	}
	if cfg.MaxUploadBytes != 25*1024*1024 {
		t.Errorf("Expected default MaxUploadBytes 25MiB, got %d", cfg.MaxUploadBytes)
	}
	if cfg.DeepgramAPIKey != "" {
		t.Errorf("Expected Deepgram to be optional, got key '%s'", cfg.DeepgramAPIKey)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("OPENAI_API_KEY", "test-openai-key")
	defer os.Unsetenv("OPENAI_API_KEY")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.OpenAIAPIKey != "test-openai-key" {
		t.Errorf("Expected OpenAIAPIKey 'test-openai-key', got '%s'", cfg.OpenAIAPIKey)
	}
}

func TestLoadClient_Defaults(t *testing.T) {
	os.Unsetenv("LEXY_LEVEL")
	os.Unsetenv("LEXY_API_URL")

	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("LoadClient() failed: %v", err)
	}

	if cfg.APIURL != "http://localhost:3001" {
		t.Errorf("Expected default APIURL, got '%s'", cfg.APIURL)
	}
	if cfg.Level != "intermediate" {
		t.Errorf("Expected default Level 'intermediate', got '%s'", cfg.Level)
	}
	if !cfg.KeywordSpotting {
		t.Error("Expected keyword spotting enabled by default")
	}
	if cfg.SilenceAutoStop {
		t.Error("Expected silence auto-stop disabled by default")
	}
	if cfg.MinRecordingSize != 1000 {
		t.Errorf("Expected default MinRecordingSize 1000, got %d", cfg.MinRecordingSize)
	}
	if cfg.CallTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected default call timeout 30s, got %v", cfg.CallTimeoutDuration())
	}
	if cfg.KeywordMaxRestarts != 5 {
		t.Errorf("Expected default KeywordMaxRestarts 5, got %d", cfg.KeywordMaxRestarts)
	}
}

func TestLoadClient_InvalidLevel(t *testing.T) {
	os.Setenv("LEXY_LEVEL", "expert")
	defer os.Unsetenv("LEXY_LEVEL")

	if _, err := LoadClient(); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestClientValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Client)
		wantErr bool
	}{
		{"valid", func(c *Client) {}, false},
		{"bad level", func(c *Client) { c.Level = "native" }, true},
		{"empty url", func(c *Client) { c.APIURL = "" }, true},
		{"zero sample rate", func(c *Client) { c.SampleRate = 0 }, true},
		{"zero timeout", func(c *Client) { c.CallTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{Level: "beginner", APIURL: "http://x", SampleRate: 16000, CallTimeout: 5}
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	os.Setenv("TEST_KEY", "test-value")
	defer os.Unsetenv("TEST_KEY")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}
