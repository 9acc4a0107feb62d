// SPDX-License-Identifier: MIT

// Package metrics registers the Prometheus collectors exported on the
// optional debug listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LaneSubmitted counts tasks accepted into a lane queue.
	LaneSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surfwright_lane_submitted_total",
		Help: "Tasks admitted into lane queues.",
	}, []string{"family"})

	// LaneSaturated counts submissions rejected because the lane queue was full.
	LaneSaturated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "surfwright_lane_saturated_total",
		Help: "Submissions rejected due to a full lane queue.",
	})

	// LaneTimeout counts tasks dropped on queue-wait deadline expiry.
	LaneTimeout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "surfwright_lane_timeout_total",
		Help: "Tasks dropped after exceeding the queue-wait deadline.",
	})

	// LaneActive tracks currently running tasks across all lanes.
	LaneActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "surfwright_lane_active",
		Help: "Tasks currently executing across all lanes.",
	})

	// DaemonRequests counts daemon requests by kind and outcome.
	DaemonRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surfwright_daemon_requests_total",
		Help: "Daemon requests by kind and outcome.",
	}, []string{"kind", "outcome"})

	// StateTransactions counts state store transactions by outcome.
	StateTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surfwright_state_tx_total",
		Help: "State store transactions by outcome.",
	}, []string{"outcome"})

	// StateLockWait observes time spent waiting for the state file lock.
	StateLockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "surfwright_state_lock_wait_seconds",
		Help:    "Time spent acquiring the state file lock.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)
