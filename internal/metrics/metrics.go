// SPDX-License-Identifier: GPL-2.0
/*
 * Copyright (c) 2023 Oracle and/or its affiliates.
 * Copyright (c) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * nbtls is free software; you can redistribute it and/or
 * modify it under the terms of the GNU General Public License as
 * published by the Free Software Foundation; version 2.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program; if not, write to the Free Software
 * Foundation, Inc., 51 Franklin Street, Fifth Floor, Boston, MA
 * 02110-1301, USA.
 */

// Package metrics exports handshake driver counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/dpeckett/nbtls/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nbtls"

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	steps             *prometheus.CounterVec
	handshakes        *prometheus.CounterVec
	handshakeDuration prometheus.Histogram
	bufferGrowths     prometheus.Counter
	bytes             *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "driver_steps_total",
			Help:      "Handshake driver steps by the status that selected them.",
		}, []string{"status"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Completed handshakes by outcome.",
		}, []string{"result"}),
		handshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from the first handshake step to a terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		bufferGrowths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_growths_total",
			Help:      "Buffers doubled after an engine overflow.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_bytes_total",
			Help:      "Bytes moved over transports.",
		}, []string{"direction"}),
	}

	reg.MustRegister(m.steps, m.handshakes, m.handshakeDuration, m.bufferGrowths, m.bytes)

	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Step(status engine.HandshakeStatus) {
	if m == nil {
		return
	}

	m.steps.WithLabelValues(status.String()).Inc()
}

func (m *Metrics) Handshake(start time.Time, err error) {
	if m == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}

	m.handshakes.WithLabelValues(result).Inc()
	m.handshakeDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) BufferGrown() {
	if m == nil {
		return
	}

	m.bufferGrowths.Inc()
}

func (m *Metrics) Read(n int) {
	if m == nil || n == 0 {
		return
	}

	m.bytes.WithLabelValues("read").Add(float64(n))
}

func (m *Metrics) Written(n int) {
	if m == nil || n == 0 {
		return
	}

	m.bytes.WithLabelValues("written").Add(float64(n))
}
