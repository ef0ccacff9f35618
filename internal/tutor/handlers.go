// Package tutor serves the conversation API: chat replies from the
// teaching prompt, speech synthesis, upload transcription and a live
// recognition websocket used for trigger phrase spotting.
package tutor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speaking-coach/internal/conversation"
	"github.com/lexiqai/speaking-coach/internal/keyword"
	"github.com/lexiqai/speaking-coach/internal/stt"
)

const (
	// DefaultMaxUploadBytes is the largest accepted audio upload
	DefaultMaxUploadBytes = 25 * 1024 * 1024

	maxJSONBytes = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The terminal client sends no Origin header; browsers are not a target
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Server holds the API handlers
type Server struct {
	backend        Backend
	recognizer     stt.Recognizer
	maxUploadBytes int64
}

// NewServer creates the API. recognizer may be nil, which disables /api/listen.
func NewServer(backend Backend, recognizer stt.Recognizer, maxUploadBytes int64) *Server {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &Server{
		backend:        backend,
		recognizer:     recognizer,
		maxUploadBytes: maxUploadBytes,
	}
}

// Register adds the API routes to mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/chat", Instrument("chat", http.HandlerFunc(s.handleChat)))
	mux.Handle("POST /api/tts", Instrument("tts", http.HandlerFunc(s.handleTTS)))
	mux.Handle("POST /api/transcribe", Instrument("transcribe", http.HandlerFunc(s.handleTranscribe)))
	mux.Handle("GET /api/listen", Instrument("listen", http.HandlerFunc(s.handleListen)))
}

type chatRequest struct {
	Message string `json:"message"`
	History []Turn `json:"history"`
	Level   string `json:"level"`
}

type textResponse struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes)).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		logger.Debug().Err(err).Msg("Rejecting chat request without message")
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	level := req.Level
	if _, ok := LevelPrompts[level]; !ok {
		level = DefaultLevel
	}
	logger.Info().
		Str("message", preview(req.Message, 80)).
		Str("level", level).
		Int("history_len", len(req.History)).
		Msg("Chat request")

	text, err := s.backend.Chat(r.Context(), SystemPrompt(level), req.History, req.Message)
	if err != nil {
		logger.Error().Err(err).Msg("Chat failed")
		writeError(w, http.StatusInternalServerError, "Failed to get response")
		return
	}

	logger.Info().Str("response", preview(text, 80)).Msg("Chat reply")
	writeJSON(w, http.StatusOK, textResponse{Text: text})
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes)).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	text := conversation.TruncateRunes(req.Text, conversation.MaxSpeechRunes)
	logger.Info().Int("input_len", len([]rune(req.Text))).Str("text", preview(text, 60)).Msg("Speech request")

	audio, err := s.backend.Speech(r.Context(), text)
	if err != nil {
		logger.Error().Err(err).Msg("Speech synthesis failed")
		writeError(w, http.StatusInternalServerError, "Failed to generate speech")
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	w.Write(audio)
	logger.Info().Int("bytes", len(audio)).Msg("Speech generated")
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	// Leave room for the multipart envelope around the file
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+maxJSONBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "audio file is too large")
			return
		}
		writeError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	if header.Size > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "audio file is too large")
		return
	}

	data := make([]byte, header.Size)
	if _, err := io.ReadFull(file, data); err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required")
		return
	}

	mimeType := header.Header.Get("Content-Type")
	logger.Info().Int64("size", header.Size).Str("type", mimeType).Msg("Transcription request")

	text, err := s.backend.Transcribe(r.Context(), data, "audio."+ExtensionForMimeType(mimeType))
	if err != nil {
		logger.Error().Err(err).Msg("Transcription failed")
		writeError(w, http.StatusInternalServerError, "Failed to transcribe")
		return
	}

	logger.Info().Str("text", preview(text, 80)).Msg("Transcribed")
	writeJSON(w, http.StatusOK, textResponse{Text: text})
}

// ExtensionForMimeType maps an upload MIME type to a file extension,
// defaulting to webm
func ExtensionForMimeType(mimeType string) string {
	base := strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
	switch base {
	case "audio/mpeg":
		return "mp3"
	case "audio/mp4":
		return "m4a"
	case "audio/wav":
		return "wav"
	case "audio/ogg":
		return "ogg"
	default:
		return "webm"
	}
}

// handleListen bridges a client websocket to live recognition: binary
// PCM frames in, JSON results out
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	if s.recognizer == nil {
		writeError(w, http.StatusServiceUnavailable, "live recognition is not configured")
		return
	}

	sampleRate := keyword.ListenSampleRate
	if v := r.URL.Query().Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid sample_rate")
			return
		}
		sampleRate = n
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	closed := make(chan struct{})
	var closeOnce sync.Once

	session, err := s.recognizer.Open(r.Context(), sampleRate, stt.Handler{
		OnResult: func(res stt.Result) {
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteJSON(keyword.ListenMessage{Text: res.Text, IsFinal: res.IsFinal}); err != nil {
				logger.Debug().Err(err).Msg("Failed to forward result")
			}
		},
		OnClose: func(err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Recognition ended with error")
			}
			closeOnce.Do(func() { close(closed) })
		},
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open recognition session")
		writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "recognition unavailable"))
		writeMu.Unlock()
		return
	}
	defer session.Close()

	// Unblock the read loop when the recognizer ends the stream
	go func() {
		select {
		case <-closed:
			writeMu.Lock()
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			writeMu.Unlock()
			conn.Close()
		case <-r.Context().Done():
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("Listen connection closed")
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if err := session.SendAudio(data); err != nil {
			logger.Warn().Err(err).Msg("Failed to forward audio")
			return
		}
	}
}

func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return fmt.Sprintf("%s...", string(runes[:n]))
}
