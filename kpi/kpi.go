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

// Package kpi is the performance-snapshot supplement named in
// SPEC_FULL.md §4.11, ported from the teacher's server/metrics.go
// (kpiSnapshot/metricsState/takeSnapshot/aggregateKPIs/averageSlice).
// The teacher tracked punctuality/throughput/headway for a train
// simulation; this package tracks the equivalent rolling-window
// indicators for a conflict-detection-and-decision engine: conflict
// detection rate, resolution latency, section-transition throughput,
// track utilization, decision acceptance rate, and executor success
// rate. It holds no Store: utilization is pushed in by the caller through
// RecordUtilization, and everything derived from conflict/decision
// activity comes from domain.Event, mirroring the teacher's split
// between the periodic takeSnapshot() pass and updateMetrics(event).
package kpi

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/ts2/railctl/domain"
)

var logger log.Logger

func InitializeLogger(parentLogger log.Logger) {
	logger = parentLogger.New("module", "kpi")
}

const (
	defaultResolutionWindow = 60 * time.Minute
	defaultThroughputWindow = 60 * time.Minute
	defaultAcceptanceWindow = 120 * time.Minute
	defaultSnapshotPeriod   = 60 * time.Second
	maxSnapshots            = 1440 // 24h of minute snapshots
)

// Snapshot is one point-in-time read of every tracked KPI, the
// railctl-domain analogue of the teacher's kpiSnapshot.
type Snapshot struct {
	Timestamp             time.Time `json:"timestamp"`
	ConflictDetectionRate float64   `json:"conflictDetectionRate"` // conflicts/hour, trailing window
	AverageResolutionMin  float64   `json:"averageResolutionMinutes"`
	P90ResolutionMin      float64   `json:"p90ResolutionMinutes"`
	Throughput            int       `json:"throughput"` // section transitions in the trailing window
	Utilization           float64   `json:"utilizationPct"`
	AcceptanceRate        float64   `json:"acceptanceRatePct"`
	OpenConflicts         int       `json:"openConflicts"`
	MTTRMinutes           float64   `json:"mttrMinutes"`
	ExecutorSuccessRate   float64   `json:"executorSuccessRatePct"`
	AIAdoptionRate        float64   `json:"aiAdoptionRatePct"`
}

type resolutionPoint struct {
	ts       time.Time
	duration time.Duration
}

// Collector accumulates rolling-window counters from both the domain
// event stream (as a Sink) and utilization samples fed to
// RecordUtilization, and produces a Snapshot on demand the way the
// teacher's aggregateKPIs did.
type Collector struct {
	mu sync.RWMutex

	conflictsDetected []time.Time
	conflictFirstSeen map[string]time.Time
	resolutions       []resolutionPoint

	sectionExits []time.Time

	accepted []time.Time
	rejected []time.Time

	executed []bool // true = succeeded, false = failed, trailing window only via cap

	aiGenerated int
	allDecided  int

	openConflicts int
	utilization   float64

	snapshots []Snapshot
}

func NewCollector() *Collector {
	return &Collector{conflictFirstSeen: make(map[string]time.Time)}
}

var _ domain.Sink = (*Collector)(nil)

// Publish implements domain.Sink.
func (c *Collector) Publish(e *domain.Event) {
	switch e.Name {
	case domain.ConflictDetectedEvent:
		c.onConflictDetected(e)
	case domain.ConflictResolvedEvent:
		c.onConflictResolved(e)
	case domain.SectionExitEvent:
		c.onSectionExit()
	case domain.DecisionLoggedEvent:
		c.onDecisionLogged(e)
	case domain.DecisionExecutedEvent:
		c.onDecisionExecuted(e)
	}
}

func (c *Collector) onConflictDetected(e *domain.Event) {
	conflict, ok := e.Data.(domain.Conflict)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.conflictFirstSeen[conflict.ID]; !seen {
		now := time.Now().UTC()
		c.conflictFirstSeen[conflict.ID] = now
		c.conflictsDetected = append(c.conflictsDetected, now)
		c.trimConflictsLocked()
	}
	c.openConflicts = len(c.conflictFirstSeen)
}

func (c *Collector) onConflictResolved(e *domain.Event) {
	conflict, ok := e.Data.(domain.Conflict)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if first, seen := c.conflictFirstSeen[conflict.ID]; seen {
		now := time.Now().UTC()
		c.resolutions = append(c.resolutions, resolutionPoint{ts: now, duration: now.Sub(first)})
		if len(c.resolutions) > 500 {
			c.resolutions = c.resolutions[len(c.resolutions)-500:]
		}
		delete(c.conflictFirstSeen, conflict.ID)
	}
	c.openConflicts = len(c.conflictFirstSeen)
}

func (c *Collector) onSectionExit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sectionExits = append(c.sectionExits, time.Now().UTC())
	c.trimThroughputLocked()
}

func (c *Collector) onDecisionLogged(e *domain.Event) {
	d, ok := e.Data.(domain.Decision)
	if !ok {
		return
	}
	if d.ConflictID == nil {
		return // a plain ControlTrain command, not a ResolveConflict verdict
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	// ResolveConflict maps REJECT to ActionResume and ACCEPT/MODIFY both to
	// ActionManualOverride (decision.go's resolveActionToDecisionAction),
	// so MODIFY is counted alongside ACCEPT here; only the reject/accept
	// split is observable from the persisted Decision.
	if d.Action == domain.ActionResume {
		c.rejected = append(c.rejected, now)
	} else {
		c.accepted = append(c.accepted, now)
	}
	c.allDecided++
	if d.AIGenerated {
		c.aiGenerated++
	}
	c.trimAcceptanceLocked()
}

func (c *Collector) onDecisionExecuted(e *domain.Event) {
	d, ok := e.Data.(domain.Decision)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executed = append(c.executed, d.Executed && !strings.HasPrefix(d.ExecutionResult, "failed:"))
	if len(c.executed) > 1000 {
		c.executed = c.executed[len(c.executed)-1000:]
	}
}

// RecordUtilization feeds in a point-in-time occupied/total ratio,
// computed by the caller from a domain.Snapshot — the Collector itself
// has no Store dependency, matching the Engine-ownership pattern of
// injecting collaborators rather than reaching into globals.
func (c *Collector) RecordUtilization(occupied, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if total <= 0 {
		c.utilization = 0
		return
	}
	c.utilization = float64(occupied) * 100.0 / float64(total)
}

func (c *Collector) trimConflictsLocked() {
	cutoff := time.Now().UTC().Add(-defaultThroughputWindow)
	c.conflictsDetected = trimBefore(c.conflictsDetected, cutoff)
}

func (c *Collector) trimThroughputLocked() {
	cutoff := time.Now().UTC().Add(-defaultThroughputWindow)
	c.sectionExits = trimBefore(c.sectionExits, cutoff)
}

func (c *Collector) trimAcceptanceLocked() {
	cutoff := time.Now().UTC().Add(-defaultAcceptanceWindow)
	c.accepted = trimBefore(c.accepted, cutoff)
	c.rejected = trimBefore(c.rejected, cutoff)
}

func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(ts); i++ {
		if ts[i].After(cutoff) {
			break
		}
	}
	if i == 0 {
		return ts
	}
	if i >= len(ts) {
		return nil
	}
	out := make([]time.Time, len(ts)-i)
	copy(out, ts[i:])
	return out
}

// Take computes the current Snapshot, the railctl analogue of the
// teacher's takeSnapshot — called on a ticker by Start.
func (c *Collector) Take() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now().UTC()
	detCutoff := now.Add(-defaultThroughputWindow)
	detected := 0
	for _, t := range c.conflictsDetected {
		if t.After(detCutoff) {
			detected++
		}
	}
	rate := float64(detected) // per-hour window == the throughput window itself

	resCutoff := now.Add(-defaultResolutionWindow)
	var durations []float64
	var mttrSum float64
	for _, r := range c.resolutions {
		if r.ts.After(resCutoff) {
			durations = append(durations, r.duration.Minutes())
			mttrSum += r.duration.Minutes()
		}
	}
	avg, p90 := averageAndP90(durations)
	mttr := 0.0
	if len(durations) > 0 {
		mttr = mttrSum / float64(len(durations))
	}

	throughput := 0
	tpCutoff := now.Add(-defaultThroughputWindow)
	for _, t := range c.sectionExits {
		if t.After(tpCutoff) {
			throughput++
		}
	}

	accCutoff := now.Add(-defaultAcceptanceWindow)
	accepted, total := countAfter(c.accepted, accCutoff), 0
	total += accepted
	total += countAfter(c.rejected, accCutoff)
	accRate := 0.0
	if total > 0 {
		accRate = float64(accepted) * 100.0 / float64(total)
	}

	execSuccess := 0
	for _, ok := range c.executed {
		if ok {
			execSuccess++
		}
	}
	execRate := 0.0
	if len(c.executed) > 0 {
		execRate = float64(execSuccess) * 100.0 / float64(len(c.executed))
	}

	aiRate := 0.0
	if c.allDecided > 0 {
		aiRate = float64(c.aiGenerated) * 100.0 / float64(c.allDecided)
	}

	return Snapshot{
		Timestamp:             now,
		ConflictDetectionRate: rate,
		AverageResolutionMin:  avg,
		P90ResolutionMin:      p90,
		Throughput:            throughput,
		Utilization:           c.utilization,
		AcceptanceRate:        accRate,
		OpenConflicts:         c.openConflicts,
		MTTRMinutes:           mttr,
		ExecutorSuccessRate:   execRate,
		AIAdoptionRate:        aiRate,
	}
}

func countAfter(ts []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range ts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

func averageAndP90(vals []float64) (avg, p90 float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	sum := 0.0
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	for _, v := range sorted {
		sum += v
	}
	avg = sum / float64(len(sorted))
	sort.Float64s(sorted)
	idx := int(0.9*float64(len(sorted)-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	p90 = sorted[idx]
	return avg, p90
}

// snapshot appends to the rolling snapshot history, capped at
// maxSnapshots, mirroring the teacher's 1440-entry cap.
func (c *Collector) snapshot() {
	s := c.Take()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, s)
	if len(c.snapshots) > maxSnapshots {
		c.snapshots = c.snapshots[len(c.snapshots)-maxSnapshots:]
	}
}

// History returns up to limit of the most recent stored snapshots,
// oldest first.
func (c *Collector) History(limit int) []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if limit <= 0 || limit > len(c.snapshots) {
		limit = len(c.snapshots)
	}
	out := make([]Snapshot, limit)
	copy(out, c.snapshots[len(c.snapshots)-limit:])
	return out
}

// Start runs the periodic snapshot ticker until ctx is cancelled,
// analogous to the teacher's startMetricsTicker goroutine.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(defaultSnapshotPeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.snapshot()
			}
		}
	}()
}
