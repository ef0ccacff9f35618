package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage names shared by the client pipeline and the API server
const (
	StageTranscribe = "transcribe"
	StageChat       = "chat"
	StageSpeech     = "speech"
	StageListen     = "listen"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lexy_active_sessions",
		Help: "Number of running voice sessions",
	})

	phaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lexy_phase_transitions_total",
		Help: "Voice session phase transitions",
	}, []string{"from", "to"})

	recordingOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lexy_recording_outcomes_total",
		Help: "Utterance recorder stop outcomes",
	}, []string{"outcome"})

	keywordRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lexy_keyword_recognition_restarts_total",
		Help: "Keyword recognition sessions restarted after an unexpected end",
	})

	// Pipeline stage metrics (client side)
	stageRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lexy_stage_requests_total",
		Help: "Conversation pipeline calls by stage and status",
	}, []string{"stage", "status"})

	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lexy_stage_latency_seconds",
		Help:    "Conversation pipeline call latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"stage"})

	// API server metrics
	apiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lexy_api_requests_total",
		Help: "API requests by route and HTTP status",
	}, []string{"route", "code"})

	apiLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lexy_api_latency_seconds",
		Help:    "API request latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"route"})

	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lexy_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lexy_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lexy_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lexy_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single voice session.
// At most one stage is timed at a time, matching the one-outstanding-call rule.
type SessionMetrics struct {
	sessionID  string
	startTime  time.Time
	stage      string
	stageStart time.Time
	mu         sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
}

// RecordStageStart records the start of a pipeline call
func (m *SessionMetrics) RecordStageStart(stage string) {
	m.mu.Lock()
	m.stage = stage
	m.stageStart = time.Now()
	m.mu.Unlock()
}

// RecordStageEnd records the end of the pipeline call started last
func (m *SessionMetrics) RecordStageEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stage == "" {
		return
	}
	stageLatency.WithLabelValues(m.stage).Observe(time.Since(m.stageStart).Seconds())

	status := "success"
	if !success {
		status = "error"
	}
	stageRequests.WithLabelValues(m.stage, status).Inc()
	m.stage = ""
}

// RecordPhaseTransition records a phase change
func (m *SessionMetrics) RecordPhaseTransition(from, to string) {
	phaseTransitions.WithLabelValues(from, to).Inc()
}

// RecordRecordingOutcome records how a recording ended
func (m *SessionMetrics) RecordRecordingOutcome(outcome string) {
	recordingOutcomes.WithLabelValues(outcome).Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func RecordAudioBytes(direction string, bytes int64) {
	audioBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordKeywordRestart records a restarted recognition session
func RecordKeywordRestart() {
	keywordRestarts.Inc()
}

// RecordAPIRequest records one served API request
func RecordAPIRequest(route, code string, elapsed time.Duration) {
	apiRequests.WithLabelValues(route, code).Inc()
	apiLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

// RecordError records an error outside a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
