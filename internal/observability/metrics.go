package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveStreams       prometheus.Gauge
	ActiveConversations prometheus.Gauge
	StreamEvents        *prometheus.CounterVec
	Flushes             *prometheus.CounterVec
	Transcriptions      *prometheus.CounterVec
	TranscribeRetries   prometheus.Counter
	TranscribeLatency   prometheus.Histogram
	SynthRequests       *prometheus.CounterVec
	SynthLatency        prometheus.Histogram
	Turns               *prometheus.CounterVec
	ProviderErrors      *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of live media stream sessions.",
		}),
		ActiveConversations: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_conversations",
			Help:      "Number of active call conversations.",
		}),
		StreamEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Media stream protocol events by type.",
		}, []string{"event"}),
		Flushes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_flushes_total",
			Help:      "Buffer flushes by trigger (chunk, tick, final).",
		}, []string{"trigger"}),
		Transcriptions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Transcription requests by outcome.",
		}, []string{"outcome"}),
		TranscribeRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcribe_retries_total",
			Help:      "Retried transcription provider calls.",
		}),
		TranscribeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcribe_latency_ms",
			Help:      "Transcription provider latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000},
		}),
		SynthRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synth_requests_total",
			Help:      "Speech synthesis requests by path (primary, fallback, apology).",
		}, []string{"path"}),
		SynthLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synth_latency_ms",
			Help:      "Speech synthesis latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000},
		}),
		Turns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_turns_total",
			Help:      "Conversation turns by result (continue, end, error).",
		}, []string{"result"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
	}
}

func (m *Metrics) ObserveTranscribeLatency(d time.Duration) {
	m.TranscribeLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveSynthLatency(d time.Duration) {
	m.SynthLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
