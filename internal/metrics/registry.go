// Package metrics provides Prometheus metrics for the polling agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the agent.
type Registry struct {
	// Polling metrics
	PollsTotal   *prometheus.CounterVec
	PollErrors   *prometheus.CounterVec
	PollsSkipped prometheus.Counter // Re-entrancy guard skips (spec.md §4.5)
	PollDuration *prometheus.HistogramVec
	SamplesRead  prometheus.Counter

	// Connection pool metrics
	PoolConnections prometheus.Gauge
	PoolEvictions   prometheus.Counter
	PoolDialLatency prometheus.Histogram

	// Control channel metrics
	ControlChannelReconnects prometheus.Counter
	ControlChannelState      prometheus.Gauge
	CommandsDispatched       *prometheus.CounterVec

	// Buffer metrics
	OfflineBufferSize   prometheus.Gauge
	HistoricalDropped   prometheus.Counter
	TransmitQueueLength prometheus.Gauge

	// Upload metrics
	UploadsTotal   *prometheus.CounterVec
	UploadLatency  prometheus.Histogram
	OfflineDrained prometheus.Counter
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	return &Registry{
		PollsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus_agent",
			Subsystem: "polling",
			Name:      "polls_total",
			Help:      "Total number of poll-group iterations, by device and status",
		}, []string{"device_id", "status"}),
		PollErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus_agent",
			Subsystem: "polling",
			Name:      "errors_total",
			Help:      "Total number of poll errors, by device and error type",
		}, []string{"device_id", "error_type"}),
		PollsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "modbus_agent",
			Subsystem: "polling",
			Name:      "skipped_total",
			Help:      "Total poll ticks skipped because the previous iteration of that group was still in flight",
		}),
		PollDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modbus_agent",
			Subsystem: "polling",
			Name:      "duration_seconds",
			Help:      "Poll iteration duration in seconds, by device and protocol",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"device_id", "protocol"}),
		SamplesRead: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "modbus_agent",
			Subsystem: "polling",
			Name:      "samples_read_total",
			Help:      "Total number of register samples observed, good or bad",
		}),

		PoolConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "modbus_agent",
			Subsystem: "pool",
			Name:      "connections",
			Help:      "Number of pooled Modbus connections currently held open",
		}),
		PoolEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "modbus_agent",
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Total number of pooled connections evicted after a connection error",
		}),
		PoolDialLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "modbus_agent",
			Subsystem: "pool",
			Name:      "dial_latency_seconds",
			Help:      "Latency of establishing a new pooled Modbus connection",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		ControlChannelReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "modbus_agent",
			Subsystem: "control_channel",
			Name:      "reconnects_total",
			Help:      "Total number of successful control channel reconnects",
		}),
		ControlChannelState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "modbus_agent",
			Subsystem: "control_channel",
			Name:      "state",
			Help:      "Current control channel state (internal/controlchannel.State ordinal)",
		}),
		CommandsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus_agent",
			Subsystem: "control_channel",
			Name:      "commands_dispatched_total",
			Help:      "Total number of inbound commands dispatched, by kind and outcome",
		}, []string{"kind", "outcome"}),

		OfflineBufferSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "modbus_agent",
			Subsystem: "buffer",
			Name:      "offline_size",
			Help:      "Number of samples currently held in the disk-backed offline buffer",
		}),
		HistoricalDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "modbus_agent",
			Subsystem: "buffer",
			Name:      "historical_dropped_total",
			Help:      "Total samples dropped from the historical buffer on overflow (FIFO eviction)",
		}),
		TransmitQueueLength: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "modbus_agent",
			Subsystem: "buffer",
			Name:      "transmit_queue_length",
			Help:      "Number of changed samples currently pending in the transmit buffer",
		}),

		UploadsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus_agent",
			Subsystem: "uploader",
			Name:      "uploads_total",
			Help:      "Total bulk upload attempts, by outcome",
		}, []string{"outcome"}),
		UploadLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "modbus_agent",
			Subsystem: "uploader",
			Name:      "upload_latency_seconds",
			Help:      "Latency of bulk ingest POSTs",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		OfflineDrained: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "modbus_agent",
			Subsystem: "uploader",
			Name:      "offline_drained_total",
			Help:      "Total samples successfully drained from the offline buffer",
		}),
	}
}

// RecordPoll records the outcome of one poll-group iteration.
func (r *Registry) RecordPoll(deviceID, protocol string, success bool, duration float64, samples int) {
	status := "success"
	if !success {
		status = "error"
	}
	r.PollsTotal.WithLabelValues(deviceID, status).Inc()
	r.PollDuration.WithLabelValues(deviceID, protocol).Observe(duration)
	r.SamplesRead.Add(float64(samples))
}

// RecordPollError records a poll error by type (e.g. "connection", "timeout").
func (r *Registry) RecordPollError(deviceID, errorType string) {
	r.PollErrors.WithLabelValues(deviceID, errorType).Inc()
}

// RecordPollSkipped records a poll tick skipped for re-entrancy.
func (r *Registry) RecordPollSkipped() {
	r.PollsSkipped.Inc()
}

// RecordPoolEviction records a connection pool eviction.
func (r *Registry) RecordPoolEviction() {
	r.PoolEvictions.Inc()
}

// RecordPoolDial records the latency of establishing a pooled connection.
func (r *Registry) RecordPoolDial(latency float64) {
	r.PoolDialLatency.Observe(latency)
}

// UpdatePoolConnections sets the current pooled connection count.
func (r *Registry) UpdatePoolConnections(n int) {
	r.PoolConnections.Set(float64(n))
}

// RecordControlChannelReconnect records one successful reconnect.
func (r *Registry) RecordControlChannelReconnect() {
	r.ControlChannelReconnects.Inc()
}

// UpdateControlChannelState sets the current control channel state ordinal.
func (r *Registry) UpdateControlChannelState(state int32) {
	r.ControlChannelState.Set(float64(state))
}

// RecordCommandDispatched records a dispatched command outcome.
func (r *Registry) RecordCommandDispatched(kind string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	r.CommandsDispatched.WithLabelValues(kind, outcome).Inc()
}

// UpdateOfflineBufferSize sets the current offline buffer record count.
func (r *Registry) UpdateOfflineBufferSize(n int) {
	r.OfflineBufferSize.Set(float64(n))
}

// RecordHistoricalDropped records samples dropped on historical buffer overflow.
func (r *Registry) RecordHistoricalDropped(n int) {
	r.HistoricalDropped.Add(float64(n))
}

// UpdateTransmitQueueLength sets the current transmit buffer length.
func (r *Registry) UpdateTransmitQueueLength(n int) {
	r.TransmitQueueLength.Set(float64(n))
}

// RecordUpload records the outcome and latency of one bulk upload attempt.
func (r *Registry) RecordUpload(success bool, latency float64) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	r.UploadsTotal.WithLabelValues(outcome).Inc()
	r.UploadLatency.Observe(latency)
}

// RecordOfflineDrained records samples successfully drained from the offline buffer.
func (r *Registry) RecordOfflineDrained(n int) {
	r.OfflineDrained.Add(float64(n))
}
