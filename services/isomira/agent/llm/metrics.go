// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isomira",
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Model calls by role and outcome",
	}, []string{"role", "outcome"})

	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "isomira",
		Subsystem: "llm",
		Name:      "call_duration_seconds",
		Help:      "Model call latency including retries",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"role"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isomira",
		Subsystem: "llm",
		Name:      "retries_total",
		Help:      "Transient model call failures that were retried",
	}, []string{"role"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isomira",
		Subsystem: "llm",
		Name:      "tokens_total",
		Help:      "Tokens sent and received by role",
	}, []string{"role", "direction"})
)

func recordCall(role Role, outcome string, d time.Duration) {
	callsTotal.WithLabelValues(string(role), outcome).Inc()
	callDuration.WithLabelValues(string(role)).Observe(d.Seconds())
}

func recordRetry(role Role) {
	retriesTotal.WithLabelValues(string(role)).Inc()
}

func recordTokens(role Role, in, out int) {
	tokensTotal.WithLabelValues(string(role), "in").Add(float64(in))
	tokensTotal.WithLabelValues(string(role), "out").Add(float64(out))
}
