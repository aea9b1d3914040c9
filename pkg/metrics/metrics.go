// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the agent.
//
// Every method is safe to call on a nil *Metrics, so components can be
// built without instrumentation in tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the agent.
type Metrics struct {
	// Connection metrics
	ActiveConnections prometheus.Gauge
	TotalConnections  *prometheus.CounterVec

	// Request metrics
	Responses        *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	RequestSize      prometheus.Histogram

	// Auth metrics
	AuthFailures prometheus.Counter

	ReadOnlyRejections prometheus.Counter
	QueueErrors        prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "vagent"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently open client connections",
			},
		),
		TotalConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of client connections by admission status",
			},
			[]string{"status"},
		),
		Responses: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "responses_total",
				Help:      "Total number of responses queued",
			},
			[]string{"method", "status"},
		),
		DispatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent dispatching a finalized request",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RequestSize: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_size_bytes",
				Help:      "Size of buffered request bodies in bytes",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
		),
		AuthFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of requests answered with 401",
			},
		),
		ReadOnlyRejections: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "read_only_rejections_total",
				Help:      "Total number of requests refused in read-only mode",
			},
		),
		QueueErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_errors_total",
				Help:      "Total number of responses the transport failed to queue",
			},
		),
	}
}

// ConnectionOpened records an admitted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
	m.TotalConnections.WithLabelValues("accepted").Inc()
}

// ConnectionClosed records the end of an admitted connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// ConnectionRejected records a connection refused by admission control.
func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.TotalConnections.WithLabelValues("rejected").Inc()
}

// ObserveResponse counts a queued response.
func (m *Metrics) ObserveResponse(method string, status int) {
	if m == nil {
		return
	}
	m.Responses.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// ObserveDispatch tracks the duration of a dispatch started at start.
func (m *Metrics) ObserveDispatch(method string, start time.Time) {
	if m == nil {
		return
	}
	m.DispatchDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// ObserveBody records the size of a buffered request body.
func (m *Metrics) ObserveBody(n int) {
	if m == nil {
		return
	}
	m.RequestSize.Observe(float64(n))
}

// AuthFailed counts a 401 response.
func (m *Metrics) AuthFailed() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

// ReadOnlyRejected counts a 405 read-only response.
func (m *Metrics) ReadOnlyRejected() {
	if m == nil {
		return
	}
	m.ReadOnlyRejections.Inc()
}

// QueueFailed counts a response the transport could not queue.
func (m *Metrics) QueueFailed() {
	if m == nil {
		return
	}
	m.QueueErrors.Inc()
}
