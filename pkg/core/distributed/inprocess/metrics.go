// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inprocess

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	collectives *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	wait        *prometheus.HistogramVec
}

func newMetrics(registerer prometheus.Registerer, hubID string) *metrics {
	constLabels := prometheus.Labels{"hub": hubID}
	m := &metrics{
		collectives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tparallel_collectives_total",
			Help:        "Number of collective operations completed, counted once per participating device.",
			ConstLabels: constLabels,
		}, []string{"op"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tparallel_collective_bytes_total",
			Help:        "Bytes contributed by devices to collective operations.",
			ConstLabels: constLabels,
		}, []string{"op"}),
		wait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "tparallel_collective_wait_seconds",
			Help:        "Time a device waited for the other participants of a collective.",
			ConstLabels: constLabels,
		}, []string{"op"}),
	}
	registerer.MustRegister(m.collectives, m.bytes, m.wait)
	return m
}

func (m *metrics) observe(op string, numBytes int, wait time.Duration) {
	m.collectives.WithLabelValues(op).Inc()
	m.bytes.WithLabelValues(op).Add(float64(numBytes))
	m.wait.WithLabelValues(op).Observe(wait.Seconds())
}
