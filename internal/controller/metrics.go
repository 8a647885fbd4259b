// Copyright 2026 The Caravel Authors
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

package controller

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "caravel"

// Collector is a prometheus.Collector tracking migration runs and the queue
// items they process.
type Collector struct {
	runActive   prometheus.Gauge
	runsTotal   *prometheus.CounterVec
	itemsTotal  *prometheus.CounterVec
	runDuration prometheus.Histogram
}

// NewMetricsCollector returns a new Collector. Registering it is the
// caller's job.
func NewMetricsCollector() *Collector {
	return &Collector{
		runActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "run_active",
				Help:      "Whether a migration run is currently executing.",
			},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "runs_total",
				Help:      "Finished migration runs by outcome.",
			}, []string{"outcome"},
		),
		itemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "items_total",
				Help:      "Processed queue items by final status.",
			}, []string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of finished migration runs.",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.runActive.Describe(ch)
	c.runsTotal.Describe(ch)
	c.itemsTotal.Describe(ch)
	c.runDuration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.runActive.Collect(ch)
	c.runsTotal.Collect(ch)
	c.itemsTotal.Collect(ch)
	c.runDuration.Collect(ch)
}

// RunStarted marks a run as in progress.
func (c *Collector) RunStarted() {
	c.runActive.Set(1)
}

// RunFinished records a finished run and its wall time.
func (c *Collector) RunFinished(outcome string, seconds float64) {
	c.runActive.Set(0)
	c.runsTotal.WithLabelValues(outcome).Inc()
	c.runDuration.Observe(seconds)
}

// ItemFinished records one queue item reaching a final status.
func (c *Collector) ItemFinished(status string) {
	c.itemsTotal.WithLabelValues(status).Inc()
}
