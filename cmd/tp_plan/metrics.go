// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// collectives summarizes the collective operations of the simulation, over all devices.
type collectives struct {
	count int
	bytes float64
}

// collectiveStats reads the metrics exported by the in-process hub.
func collectiveStats(gatherer prometheus.Gatherer) (stats collectives) {
	families, err := gatherer.Gather()
	if err != nil {
		klog.Warningf("failed to gather collective metrics: %v", err)
		return
	}
	for _, family := range families {
		switch family.GetName() {
		case "tparallel_collectives_total":
			for _, m := range family.GetMetric() {
				stats.count += int(m.GetCounter().GetValue())
			}
		case "tparallel_collective_bytes_total":
			for _, m := range family.GetMetric() {
				stats.bytes += m.GetCounter().GetValue()
			}
		}
	}
	return
}
