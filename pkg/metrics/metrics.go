// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics provides Prometheus metrics for the regression matrix
// run: rows emitted by verdict, phase durations, and archive store
// cache hit/miss counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for one harness run.
type Metrics struct {
	RowsTotal        *prometheus.CounterVec
	ActiveTasks      prometheus.Gauge
	QueueDepth       prometheus.Gauge

	PhaseDurationSeconds  *prometheus.HistogramVec
	PipelineDurationSeconds *prometheus.HistogramVec

	ArchiveCacheHitsTotal   prometheus.Counter
	ArchiveCacheMissesTotal prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics instance with every instrument registered
// against a fresh, instance-local registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crusader_rows_total",
				Help: "Total number of rows emitted, by verdict",
			},
			[]string{"verdict"},
		),
		ActiveTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "crusader_active_tasks",
				Help: "Number of (dependent, offered) tasks currently executing",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "crusader_queue_depth",
				Help: "Number of tasks waiting for a worker",
			},
		),
		PhaseDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crusader_phase_duration_seconds",
				Help:    "Duration of Install/Check/Test phase invocations in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~13.7m
			},
			[]string{"phase"},
		),
		PipelineDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crusader_pipeline_duration_seconds",
				Help:    "Total duration of a (dependent, offered) pipeline run in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~4.5h
			},
			[]string{"verdict"},
		),
		ArchiveCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crusader_archive_cache_hits_total",
				Help: "Total number of archive store cache hits",
			},
		),
		ArchiveCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crusader_archive_cache_misses_total",
				Help: "Total number of archive store cache misses",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.RowsTotal,
		m.ActiveTasks,
		m.QueueDepth,
		m.PhaseDurationSeconds,
		m.PipelineDurationSeconds,
		m.ArchiveCacheHitsTotal,
		m.ArchiveCacheMissesTotal,
	)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRow records one emitted row by its verdict kind.
func (m *Metrics) RecordRow(verdict string) {
	m.RowsTotal.WithLabelValues(verdict).Inc()
}

// RecordPhaseDuration records one phase invocation's wall time.
func (m *Metrics) RecordPhaseDuration(phase string, seconds float64) {
	m.PhaseDurationSeconds.WithLabelValues(phase).Observe(seconds)
}

// RecordPipelineDuration records one task's total wall time.
func (m *Metrics) RecordPipelineDuration(verdict string, seconds float64) {
	m.PipelineDurationSeconds.WithLabelValues(verdict).Observe(seconds)
}

// SetActiveTasks updates the active-task gauge.
func (m *Metrics) SetActiveTasks(n int) {
	m.ActiveTasks.Set(float64(n))
}

// SetQueueDepth updates the queue-depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// RecordArchiveCacheHit records an archive store cache hit.
func (m *Metrics) RecordArchiveCacheHit() {
	m.ArchiveCacheHitsTotal.Inc()
}

// RecordArchiveCacheMiss records an archive store cache miss.
func (m *Metrics) RecordArchiveCacheMiss() {
	m.ArchiveCacheMissesTotal.Inc()
}
