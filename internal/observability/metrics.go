package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	ConnectionsTotal    prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	AuthTotal           *prometheus.CounterVec
	ChunksReceivedTotal prometheus.Counter
	ChunkRejectsTotal   *prometheus.CounterVec
	BytesReceivedTotal  prometheus.Counter
	UploadsTotal        *prometheus.CounterVec
	MergeDuration       prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewMetricsForRegistry registers against an explicit registry; tests use
// this to avoid duplicate registration in the default one.
func NewMetricsForRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "paraflow_connections_total",
				Help: "Accepted TCP connections",
			},
		),

		ConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "paraflow_connections_active",
				Help: "Currently open client connections",
			},
		),

		AuthTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paraflow_auth_total",
				Help: "Handshake outcomes",
			},
			[]string{"result"},
		),

		ChunksReceivedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "paraflow_chunks_received_total",
				Help: "Chunks verified, decrypted and persisted",
			},
		),

		ChunkRejectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paraflow_chunk_rejects_total",
				Help: "Chunks NACKed back to the sender",
			},
			[]string{"reason"},
		),

		BytesReceivedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "paraflow_bytes_received_total",
				Help: "Ciphertext payload bytes of persisted chunks",
			},
		),

		UploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paraflow_uploads_completed_total",
				Help: "Merge attempts by outcome",
			},
			[]string{"status"},
		),

		MergeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "paraflow_merge_duration_seconds",
				Help:    "Chunk merge latency distribution",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
		),
	}
}

// RecordConnectionOpen updates counters for an accepted connection.
func (m *Metrics) RecordConnectionOpen() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// RecordConnectionClose updates counters for a finished connection.
func (m *Metrics) RecordConnectionClose() {
	m.ConnectionsActive.Dec()
}

// RecordAuth increments handshake outcome counters.
func (m *Metrics) RecordAuth(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.AuthTotal.WithLabelValues(result).Inc()
}

// RecordChunkStored updates metrics for a persisted chunk.
func (m *Metrics) RecordChunkStored(payloadBytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesReceivedTotal.Add(float64(payloadBytes))
}

// RecordChunkReject increments NACK counters.
func (m *Metrics) RecordChunkReject(reason string) {
	m.ChunkRejectsTotal.WithLabelValues(reason).Inc()
}

// RecordMerge records merge outcome and duration.
func (m *Metrics) RecordMerge(success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.UploadsTotal.WithLabelValues(status).Inc()
	if success {
		m.MergeDuration.Observe(durationSeconds)
	}
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
