// Copyright (C) 2008-2018 by Nicolas Piganeau and the TS2 TEAM
// (See AUTHORS file)
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program; if not, write to the
// Free Software Foundation, Inc.,
// 59 Temple Place - Suite 330, Boston, MA  02111-1307, USA.

// Package metrics provides the Prometheus collectors referenced by name
// throughout §4: the Detection Scheduler's per-run counters, the
// Broadcast Hub's backlog_drop, and the AI Strategy's ai_timeout.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DetectDurationMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "railctl_detect_duration_ms",
		Help:    "Wall-clock duration of a single Detection Scheduler run.",
		Buckets: prometheus.ExponentialBuckets(10, 2, 12),
	})
	ConflictsFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "railctl_conflicts_found_total",
		Help: "Conflicts emitted by the detector across all runs.",
	})
	ConflictsDedup = promauto.NewCounter(prometheus.CounterOpts{
		Name: "railctl_conflicts_dedup_total",
		Help: "Detections that matched an existing open conflict's identity key.",
	})
	SkippedTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "railctl_scheduler_skipped_ticks_total",
		Help: "Ticks skipped because a detection run was already in progress.",
	})
	SlowRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "railctl_scheduler_slow_runs_total",
		Help: "Detection runs cancelled for exceeding detection_timeout.",
	})

	BacklogDrop = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "railctl_hub_backlog_drop_total",
		Help: "Events dropped from a subscriber's outbound buffer.",
	}, []string{"reason"}) // reason=soft_backlog|hard_backlog

	AITimeout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "railctl_ai_timeout_total",
		Help: "AI strategy calls that exceeded their timeout and fell back to the rule-based strategy.",
	})
	AICircuitOpen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "railctl_ai_circuit_open_total",
		Help: "AI strategy calls rejected because the circuit breaker was open.",
	})

	DecisionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "railctl_decisions_executed_total",
		Help: "Decisions executed, by action and outcome.",
	}, []string{"action", "outcome"})
	DecisionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "railctl_decision_retries_total",
		Help: "Deferred decision-execution retries performed by the backoff reaper.",
	})

	IngestionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "railctl_ingestion_rejected_total",
		Help: "ReportPosition calls rejected, by error code.",
	}, []string{"code"})
)

// Handler exposes the collectors above on /metrics (metrics.listen_addr, §5).
func Handler() http.Handler {
	return promhttp.Handler()
}
