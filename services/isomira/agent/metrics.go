// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/isomira/services/isomira/escalation"
	"github.com/AleutianAI/isomira/services/isomira/journal"
)

var tracer = otel.Tracer("isomira.agent")

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isomira",
		Subsystem: "loop",
		Name:      "runs_total",
		Help:      "Finished runs by outcome",
	}, []string{"outcome"})

	iterationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "isomira",
		Subsystem: "loop",
		Name:      "iterations_total",
		Help:      "IMPLEMENT phases started",
	})

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "isomira",
		Subsystem: "loop",
		Name:      "phase_duration_seconds",
		Help:      "Time spent in each phase",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"phase"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isomira",
		Subsystem: "loop",
		Name:      "transitions_total",
		Help:      "Phase transitions",
	}, []string{"from", "to"})

	escalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isomira",
		Subsystem: "loop",
		Name:      "escalations_total",
		Help:      "ESCALATE phases by tier",
	}, []string{"tier"})

	amendmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isomira",
		Subsystem: "loop",
		Name:      "dk_amendments_total",
		Help:      "Knowledge-gap amendments by result",
	}, []string{"result"})

	testRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isomira",
		Subsystem: "loop",
		Name:      "test_rejections_total",
		Help:      "Proposed test file changes rejected",
	}, []string{"source"})
)

func recordRun(outcome journal.Outcome) {
	runsTotal.WithLabelValues(string(outcome)).Inc()
}

func recordIteration() {
	iterationsTotal.Inc()
}

func recordPhase(p Phase, d time.Duration) {
	phaseDuration.WithLabelValues(p.String()).Observe(d.Seconds())
}

func recordTransition(from, to Phase) {
	transitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
}

func recordEscalation(tier escalation.Tier) {
	escalationsTotal.WithLabelValues(string(tier)).Inc()
}

func recordAmendment(result string) {
	amendmentsTotal.WithLabelValues(result).Inc()
}

func recordTestRejection(source string) {
	testRejectionsTotal.WithLabelValues(source).Inc()
}
