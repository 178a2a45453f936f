// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsNamespace is the prefix of the metrics exported by this package.
const MetricsNamespace = "gomlx_dist"

var (
	collectiveCallsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "collective_calls_total",
		Help:      "Number of collective calls, by collective, backend model and status (ok, usage_error, error).",
	}, []string{"collective", "model", "status"})

	collectivePayloadBytesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "collective_payload_bytes_total",
		Help:      "Bytes contributed by this rank to collectives, by collective.",
	}, []string{"collective"})

	collectiveDurationMsHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       MetricsNamespace,
		Name:                            "collective_duration_ms",
		Help:                            "Time spent blocked in a collective, including waiting for the other ranks.",
		Buckets:                         []float64{0.1, 1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"collective", "model"})
)

// Collective names used as metric labels.
const (
	allReduceLabel = "all_reduce"
	allGatherLabel = "all_gather"
	broadcastLabel = "broadcast"
	barrierLabel   = "barrier"
)

// Status labels.
const (
	statusOK         = "ok"
	statusUsageError = "usage_error"
	statusError      = "error"
)

// observeCollective records one collective call.
func observeCollective(collective, model string, start time.Time, payloadBytes int, err error) {
	status := statusOK
	if err != nil {
		status = statusError
	}
	collectiveCallsCounter.WithLabelValues(collective, model, status).Inc()
	if err == nil {
		collectivePayloadBytesCounter.WithLabelValues(collective).Add(float64(payloadBytes))
		collectiveDurationMsHistogram.WithLabelValues(collective, model).
			Observe(float64(time.Since(start).Microseconds()) / 1000)
	}
}

// observeUsageError records a call rejected before any communication.
func observeUsageError(collective, model string) {
	collectiveCallsCounter.WithLabelValues(collective, model, statusUsageError).Inc()
}
