package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_agent_active_sessions",
		Help: "Number of live voice sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_sessions_total",
		Help: "Total number of sessions created",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_session_duration_seconds",
		Help:    "Duration of sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Turn metrics
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_turns_total",
		Help: "Total number of conversation turns by outcome",
	}, []string{"outcome"}) // completed, empty, failed, stale

	interruptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_interrupts_total",
		Help: "Total number of voice-activity interrupts during playback",
	})

	// Pipeline stage metrics
	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_agent_stage_latency_seconds",
		Help:    "Latency of pipeline stages in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"}) // transcribe, generate, synthesize

	stageRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_stage_requests_total",
		Help: "Total pipeline stage requests by status",
	}, []string{"stage", "status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_agent_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // "in" or "out"

	degradedMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_agent_degraded_mode",
		Help: "1 when the service runs without a reply capability",
	})
)

// SessionMetrics tracks metrics for a single session
type SessionMetrics struct {
	sessionID  string
	startTime  time.Time
	mu         sync.Mutex
	stageStart map[string]time.Time
}

// NewSessionMetrics creates a metrics tracker for one session and records
// the session start.
func NewSessionMetrics(sessionID string) *SessionMetrics {
	activeSessions.Inc()
	totalSessions.Inc()
	return &SessionMetrics{
		sessionID:  sessionID,
		startTime:  time.Now(),
		stageStart: make(map[string]time.Time),
	}
}

// RecordSessionEnd records the end of the session.
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordStageStart marks the start of a pipeline stage.
func (m *SessionMetrics) RecordStageStart(stage string) {
	m.mu.Lock()
	m.stageStart[stage] = time.Now()
	m.mu.Unlock()
}

// RecordStageEnd records latency and status for a pipeline stage.
func (m *SessionMetrics) RecordStageEnd(stage string, success bool) {
	m.mu.Lock()
	start, ok := m.stageStart[stage]
	delete(m.stageStart, stage)
	m.mu.Unlock()

	if ok {
		stageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	stageRequests.WithLabelValues(stage, status).Inc()
}

// RecordTurn records the outcome of one conversation turn.
func (m *SessionMetrics) RecordTurn(outcome string) {
	turnsTotal.WithLabelValues(outcome).Inc()
}

// RecordInterrupt records a voice-activity interrupt.
func (m *SessionMetrics) RecordInterrupt() {
	interruptsTotal.Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *SessionMetrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates the circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// SetDegradedMode flags whether the service runs degraded.
func SetDegradedMode(degraded bool) {
	if degraded {
		degradedMode.Set(1)
	} else {
		degradedMode.Set(0)
	}
}
