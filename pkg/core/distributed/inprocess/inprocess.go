// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package inprocess implements a distributed.Communicator connecting simulated devices running as goroutines
// of the same process.
//
// It is used to test SPMD code on a single machine: Run starts one goroutine per device, and every device
// executes the same function, exchanging data through a shared Hub. The Hub detects the main hazard of
// SPMD code: devices issuing different collectives at the same point of their sequence (a "mismatched
// collective"), which on real hardware would hang or silently exchange the wrong data.
package inprocess

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// MismatchedCollectiveError is returned to all participants of a collective when they didn't agree on the
// operation (tag) being executed.
type MismatchedCollectiveError struct {
	Hub   string
	Group []int
	Seq   uint64
	Tags  map[int]string // Device -> tag it issued.
}

func (e *MismatchedCollectiveError) Error() string {
	parts := make([]string, 0, len(e.Tags))
	for _, device := range e.Group {
		if tag, found := e.Tags[device]; found {
			parts = append(parts, fmt.Sprintf("device %d: %q", device, tag))
		}
	}
	return fmt.Sprintf("%s: mismatched collective #%d on group %v: %s", e.Hub, e.Seq, e.Group, strings.Join(parts, ", "))
}

// Hub connects the in-process devices. Create one with New, and get the per-device Communicator with
// Communicator.
type Hub struct {
	id         string
	numDevices int

	mu     sync.Mutex
	rounds map[roundKey]*round

	// seqs holds, per device, the number of collectives it issued on each group.
	seqs []map[string]uint64

	metrics *metrics
}

type roundKey struct {
	group string
	seq   uint64
}

// round is the rendezvous of one collective on one group.
type round struct {
	group    []int
	tags     map[int]string
	payloads [][]byte
	arrived  int
	done     chan struct{}
	err      error
}

// Option configures a Hub.
type Option func(h *Hub)

// WithMetrics registers the Hub's collective counters with the given Prometheus registerer.
func WithMetrics(registerer prometheus.Registerer) Option {
	return func(h *Hub) {
		h.metrics = newMetrics(registerer, h.id)
	}
}

// New creates a Hub for numDevices devices, numbered 0 to numDevices-1.
func New(numDevices int, options ...Option) *Hub {
	h := &Hub{
		id:         "hub-" + uuid.NewString(),
		numDevices: numDevices,
		rounds:     make(map[roundKey]*round),
		seqs:       make([]map[string]uint64, numDevices),
	}
	for i := range h.seqs {
		h.seqs[i] = make(map[string]uint64)
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// ID of the Hub, a unique name used in logs and errors.
func (h *Hub) ID() string { return h.id }

// NumDevices connected by the Hub.
func (h *Hub) NumDevices() int { return h.numDevices }

// Communicator returns the endpoint for the given device.
func (h *Hub) Communicator(device int) distributed.Communicator {
	return &communicator{hub: h, device: device}
}

// Pending returns the number of collectives started by some but not all of their participants.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rounds)
}

type communicator struct {
	hub    *Hub
	device int
}

var _ distributed.Communicator = (*communicator)(nil)

// Device implements distributed.Communicator.
func (c *communicator) Device() int { return c.device }

func groupKey(group []int) string {
	return fmt.Sprint(group)
}

// AllGather implements distributed.Communicator.
func (c *communicator) AllGather(ctx context.Context, group []int, tag string, payload []byte) ([][]byte, error) {
	h := c.hub
	pos := slices.Index(group, c.device)
	if pos < 0 {
		return nil, errors.Errorf("%s: device %d is not part of the collective group %v", h.id, c.device, group)
	}
	for _, device := range group {
		if device < 0 || device >= h.numDevices {
			return nil, errors.Errorf("%s: group %v has device %d, but only %d devices are connected",
				h.id, group, device, h.numDevices)
		}
	}

	start := time.Now()
	key := groupKey(group)
	h.mu.Lock()
	seq := h.seqs[c.device][key]
	h.seqs[c.device][key] = seq + 1
	rk := roundKey{group: key, seq: seq}
	r, found := h.rounds[rk]
	if !found {
		r = &round{
			group:    slices.Clone(group),
			tags:     make(map[int]string, len(group)),
			payloads: make([][]byte, len(group)),
			done:     make(chan struct{}),
		}
		h.rounds[rk] = r
	}
	r.tags[c.device] = tag
	r.payloads[pos] = slices.Clone(payload)
	r.arrived++
	if r.arrived == len(group) {
		for _, otherTag := range r.tags {
			if otherTag != tag {
				r.err = errors.WithStack(&MismatchedCollectiveError{Hub: h.id, Group: r.group, Seq: seq, Tags: r.tags})
				break
			}
		}
		delete(h.rounds, rk)
		close(r.done)
	}
	h.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "%s: device %d waiting on collective %q #%d on group %v",
			h.id, c.device, tag, seq, group)
	}
	if r.err != nil {
		return nil, r.err
	}
	if h.metrics != nil {
		h.metrics.observe("all_gather", len(payload), time.Since(start))
	}
	if klog.V(3).Enabled() {
		klog.Infof("%s: device %d completed all-gather %q #%d on group %v", h.id, c.device, tag, seq, group)
	}
	return r.payloads, nil
}
