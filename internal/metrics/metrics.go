// Package metrics exposes the worker and API prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "detect"

// Metrics holds every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	jobs             *prometheus.CounterVec
	jobDuration      prometheus.Histogram
	inferenceSeconds prometheus.Histogram
	detections       *prometheus.CounterVec
	transfers        *prometheus.CounterVec
	reconnects       prometheus.Counter
	publishFailures  prometheus.Counter
	consuming        prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Job messages settled, by outcome",
			},
			[]string{"outcome"},
		),
		jobDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Wall time from delivery to settlement",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		inferenceSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "inference_seconds",
				Help:      "Model inference time",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		detections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detections_total",
				Help:      "Objects detected, by label",
			},
			[]string{"label"},
		),
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Object transfers, by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broker_reconnects_total",
				Help:      "Broker connection attempts after a failure",
			},
		),
		publishFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_failures_total",
				Help:      "Results that could not be published after retries",
			},
		),
		consuming: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "broker_consuming",
				Help:      "1 while a consumer is attached to the job queue",
			},
		),
	}

	m.registry.MustRegister(
		m.jobs,
		m.jobDuration,
		m.inferenceSeconds,
		m.detections,
		m.transfers,
		m.reconnects,
		m.publishFailures,
		m.consuming,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) JobSettled(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcome).Inc()
	m.jobDuration.Observe(took.Seconds())
}

func (m *Metrics) Inference(took time.Duration, labels []string) {
	if m == nil {
		return
	}
	m.inferenceSeconds.Observe(took.Seconds())
	for _, l := range labels {
		m.detections.WithLabelValues(l).Inc()
	}
}

func (m *Metrics) Transfer(op, outcome string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

func (m *Metrics) SetConsuming(on bool) {
	if m == nil {
		return
	}
	if on {
		m.consuming.Set(1)
	} else {
		m.consuming.Set(0)
	}
}
