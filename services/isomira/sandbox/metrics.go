// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// decisionsTotal counts pipeline outcomes.
	// Labels: verdict (allowed, blocked), rule (foreground, privilege, containment, unverifiable, none)
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isomira",
		Subsystem: "sandbox",
		Name:      "decisions_total",
		Help:      "Total sandbox decisions by verdict and rule",
	}, []string{"verdict", "rule"})

	// commandDuration measures wall time of executed commands.
	// Labels: tier (default, extended)
	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "isomira",
		Subsystem: "sandbox",
		Name:      "command_duration_seconds",
		Help:      "Executed command duration in seconds",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"tier"})

	// timeoutsTotal counts commands killed by their timeout.
	timeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isomira",
		Subsystem: "sandbox",
		Name:      "timeouts_total",
		Help:      "Total commands terminated by timeout",
	}, []string{"tier"})
)

func recordDecision(v Verdict) {
	if v.Allowed {
		decisionsTotal.WithLabelValues("allowed", "none").Inc()
		return
	}
	decisionsTotal.WithLabelValues("blocked", string(v.Rule)).Inc()
}
