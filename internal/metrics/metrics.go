// Package metrics exposes Prometheus instrumentation and a per-session
// summary used for end-of-session logging.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the service.
type Metrics struct {
	// Session lifecycle
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsAborted   prometheus.Counter
	ActiveSessions    prometheus.Gauge
	SessionDuration   prometheus.Histogram

	// Audio intake
	ChunksReceived prometheus.Counter
	ChunkBytes     prometheus.Counter
	EncoderStalls  *prometheus.CounterVec

	// Transcription stream
	FragmentsReceived   *prometheus.CounterVec
	StreamErrors        prometheus.Counter
	FallbackPromotions  *prometheus.CounterVec
	FinalTranscriptWait prometheus.Histogram

	// Collaborators
	FeedbackRequests  *prometheus.CounterVec
	SentimentRequests *prometheus.CounterVec
	FeedbackDuration  prometheus.Histogram
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "speakcoach_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
		SessionsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "speakcoach_sessions_completed_total",
			Help: "Total number of sessions that reached the recorded state",
		}),
		SessionsAborted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "speakcoach_sessions_aborted_total",
			Help: "Total number of sessions that returned to idle on error",
		}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "speakcoach_active_sessions",
			Help: "Current number of active recording sessions",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "speakcoach_session_duration_seconds",
			Help:    "Duration of recording sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		ChunksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "speakcoach_audio_chunks_received_total",
			Help: "Total number of audio chunks received from clients",
		}),
		ChunkBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "speakcoach_audio_bytes_received_total",
			Help: "Total audio payload bytes received from clients",
		}),
		EncoderStalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "speakcoach_encoder_stalls_total",
			Help: "Encoder stall watchdog firings by recovery action",
		}, []string{"action"}),
		FragmentsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "speakcoach_transcript_fragments_total",
			Help: "Transcript fragments received by kind",
		}, []string{"kind"}),
		StreamErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "speakcoach_stream_errors_total",
			Help: "Transcription stream connection errors",
		}),
		FallbackPromotions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "speakcoach_fallback_promotions_total",
			Help: "Sessions finalized via fallback timeout by stage",
		}, []string{"stage"}),
		FinalTranscriptWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "speakcoach_final_transcript_wait_seconds",
			Help:    "Time spent in the stopping state waiting for a final transcript",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		}),
		FeedbackRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "speakcoach_feedback_requests_total",
			Help: "Feedback collaborator requests by outcome",
		}, []string{"outcome"}),
		SentimentRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "speakcoach_sentiment_requests_total",
			Help: "Sentiment collaborator requests by outcome",
		}, []string{"outcome"}),
		FeedbackDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "speakcoach_feedback_duration_seconds",
			Help:    "Latency of feedback collaborator requests",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
	}
}

// SessionSummary accumulates per-session counters for the end-of-session
// log line.
type SessionSummary struct {
	SessionID        string
	StartTime        time.Time
	EndTime          time.Time
	AudioBytes       int
	TranscriptLength int
	PartialCount     int
	FinalCount       int
	FirstResultTime  *time.Time
	mu               sync.Mutex
}

// NewSessionSummary creates a summary for one session.
func NewSessionSummary(sessionID string) *SessionSummary {
	return &SessionSummary{
		SessionID: sessionID,
		StartTime: time.Now(),
	}
}

// AddAudioBytes records received audio payload.
func (m *SessionSummary) AddAudioBytes(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AudioBytes += bytes
}

// AddFragment records one transcript fragment.
func (m *SessionSummary) AddFragment(text string, isFinal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FirstResultTime == nil {
		now := time.Now()
		m.FirstResultTime = &now
	}

	m.TranscriptLength += len(text)
	if isFinal {
		m.FinalCount++
	} else {
		m.PartialCount++
	}
}

// Finalize stamps the end time.
func (m *SessionSummary) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EndTime = time.Now()
}

// String renders the summary for logging.
func (m *SessionSummary) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	duration := m.EndTime.Sub(m.StartTime)
	var latency time.Duration
	if m.FirstResultTime != nil {
		latency = m.FirstResultTime.Sub(m.StartTime)
	}

	return fmt.Sprintf(
		"session=%s duration=%v audio_bytes=%d transcript_chars=%d first_result_latency=%v partials=%d finals=%d",
		m.SessionID, duration, m.AudioBytes, m.TranscriptLength, latency, m.PartialCount, m.FinalCount,
	)
}
