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

// Package scheduler implements the Detection Scheduler (C6): a
// ticker-driven, non-blocking-run-locked driver for the Conflict
// Detector, plus the rate-limited manual RunDetectionOnce entry point
// used by the Decision Engine.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/ts2/railctl/detector"
	"github.com/ts2/railctl/domain"
	"github.com/ts2/railctl/metrics"
	"github.com/ts2/railctl/ratelimit"
)

var logger log.Logger

func InitializeLogger(parentLogger log.Logger) {
	logger = parentLogger.New("module", "scheduler")
}

// Config bundles the §6.4 tunables this package reads.
type Config struct {
	Period           time.Duration // default 30 s
	DetectionTimeout time.Duration // default 10 s
	ManualLimit      int           // default 5
	ManualWindow     time.Duration // default 60 s
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = 30 * time.Second
	}
	if c.DetectionTimeout <= 0 {
		c.DetectionTimeout = 10 * time.Second
	}
	if c.ManualLimit <= 0 {
		c.ManualLimit = 5
	}
	if c.ManualWindow <= 0 {
		c.ManualWindow = time.Minute
	}
	return c
}

// Delta is what a single detection run produced, returned synchronously
// from RunDetectionOnce.
type Delta struct {
	New     []domain.Conflict
	Updated []domain.Conflict
}

// Scheduler owns the run-lock and ticker; it never holds entity state
// itself. It is the only component that calls detector.DetectAll.
type Scheduler struct {
	store    domain.Store
	detector *detector.Detector
	sink     domain.Sink
	limiter  *ratelimit.Limiter
	cfg      Config

	// lock, when set, is the cluster-wide advisory lock: only the
	// instance holding the Redis key runs the periodic detector, so a
	// multi-instance deployment never detects the same state twice per
	// tick. RunDetectionOnce bypasses it deliberately (the caller asked
	// this instance).
	lock       *redis.Client
	instanceID string

	running atomic.Bool
	cancel  context.CancelFunc
}

const advisoryLockKey = "railctl:detection:leader"

func New(store domain.Store, det *detector.Detector, sink domain.Sink, limiter *ratelimit.Limiter, cfg Config) *Scheduler {
	return &Scheduler{store: store, detector: det, sink: sink, limiter: limiter, cfg: cfg.withDefaults(), instanceID: uuid.NewString()}
}

// WithAdvisoryLock makes the periodic tick contend for a shared Redis
// lock (SET NX PX, TTL = the detection period) before running, so only
// one engine instance drives periodic detection at a time.
func (s *Scheduler) WithAdvisoryLock(client *redis.Client) *Scheduler {
	s.lock = client
	return s
}

// Start runs the ticker loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(ctx)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.SkippedTicks.Inc()
		logger.Debug("tick skipped: run already in progress")
		return
	}
	defer s.running.Store(false)
	if !s.acquireLeadership(ctx) {
		metrics.SkippedTicks.Inc()
		logger.Debug("tick skipped: another instance holds the detection lock")
		return
	}
	if _, err := s.runDetection(ctx); err != nil {
		logger.Warn("detection run failed", "err", err)
	}
}

// acquireLeadership takes the cluster advisory lock for one period. No
// lock client configured means single-instance operation: always leader.
func (s *Scheduler) acquireLeadership(ctx context.Context) bool {
	if s.lock == nil {
		return true
	}
	ok, err := s.lock.SetNX(ctx, advisoryLockKey, s.instanceID, s.cfg.Period).Result()
	if err != nil {
		logger.Warn("advisory lock check failed, running anyway", "err", err)
		return true
	}
	if ok {
		return true
	}
	// The TTL refreshes only on acquisition, so a crashed leader's lock
	// expires after at most one period and another instance takes over.
	holder, err := s.lock.Get(ctx, advisoryLockKey).Result()
	return err == nil && holder == s.instanceID
}

// RunDetectionOnce is the on-demand entry point invoked by the Decision
// Engine (§4.3). callerKey identifies the rate-limit bucket (system-wide
// by default).
func (s *Scheduler) RunDetectionOnce(ctx context.Context, callerKey string) (Delta, error) {
	if s.limiter != nil {
		if err := s.limiter.Check(ctx, "manual_detection:"+callerKey, s.cfg.ManualLimit, s.cfg.ManualWindow); err != nil {
			return Delta{}, err
		}
	}
	if !s.running.CompareAndSwap(false, true) {
		return Delta{}, domain.NewError(domain.Precondition, "a detection run is already in progress")
	}
	defer s.running.Store(false)
	return s.runDetection(ctx)
}

// runDetection performs one bounded, cancellable detection pass: load a
// snapshot, invoke the detector, reconcile against open conflicts, and
// persist + publish. No partial results are persisted from a run that
// exceeds detection_timeout.
func (s *Scheduler) runDetection(ctx context.Context) (Delta, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.DetectionTimeout)
	defer cancel()

	start := time.Now()
	result := make(chan Delta, 1)
	errCh := make(chan error, 1)

	go func() {
		delta, err := s.detectAndPersist(runCtx)
		if err != nil {
			errCh <- err
			return
		}
		result <- delta
	}()

	select {
	case <-runCtx.Done():
		metrics.SlowRuns.Inc()
		logger.Warn("detection run cancelled: exceeded detection_timeout", "timeout", s.cfg.DetectionTimeout)
		return Delta{}, domain.NewError(domain.Transient, "detection run exceeded timeout")
	case err := <-errCh:
		return Delta{}, err
	case delta := <-result:
		metrics.DetectDurationMS.Observe(float64(time.Since(start).Milliseconds()))
		metrics.ConflictsFound.Add(float64(len(delta.New) + len(delta.Updated)))
		return delta, nil
	}
}

// detectAndPersist is the body of one detection run. It checks ctx at
// each §5 checkpoint (after loading the snapshot, after the detector,
// before the persistence write) so a run cancelled for exceeding
// detection_timeout leaves no partial results behind.
func (s *Scheduler) detectAndPersist(ctx context.Context) (Delta, error) {
	var snap domain.Snapshot
	var existing []domain.Conflict
	if err := s.store.View(func(tx domain.Tx) error {
		var err error
		snap, err = tx.Snapshot()
		if err != nil {
			return err
		}
		existing, err = tx.ActiveConflicts()
		return err
	}); err != nil {
		return Delta{}, domain.Wrap(domain.Transient, err, "load snapshot")
	}
	if err := ctx.Err(); err != nil {
		return Delta{}, domain.Wrap(domain.Transient, err, "detection run cancelled")
	}

	conflicts := s.detector.DetectAll(snap, existing)
	if err := ctx.Err(); err != nil {
		return Delta{}, domain.Wrap(domain.Transient, err, "detection run cancelled")
	}

	existingByID := make(map[string]domain.Conflict, len(existing))
	for _, c := range existing {
		existingByID[c.ID] = c
	}

	var delta Delta
	err := s.store.Update(func(tx domain.Tx) error {
		for _, c := range conflicts {
			if _, ok := existingByID[c.ID]; ok {
				delta.Updated = append(delta.Updated, c)
			} else {
				delta.New = append(delta.New, c)
			}
			if err := tx.SaveConflict(c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Delta{}, domain.Wrap(domain.Transient, err, "persist conflicts")
	}

	metrics.ConflictsDedup.Add(float64(len(delta.Updated)))
	if s.sink != nil {
		for _, c := range delta.New {
			s.sink.Publish(domain.NewEvent(domain.ConflictDetectedEvent, c))
			s.maybeAlert(c, snap.Now)
		}
		for _, c := range delta.Updated {
			s.sink.Publish(domain.NewEvent(domain.ConflictUpdatedEvent, c))
			s.maybeAlert(c, snap.Now)
		}
	}
	return delta, nil
}

// maybeAlert emits ConflictAlert for any conflict with severity_score >= 6
// and time_to_impact <= alert_window (§4.3). alert_window is fixed here at
// 5 min, the detector's default AlertWindow; a configured alert_window
// changes the detector's scoring but not this check.
func (s *Scheduler) maybeAlert(c domain.Conflict, now time.Time) {
	const alertWindow = 5 * time.Minute
	if c.SeverityScore >= 6 && c.TimeToImpact(now) <= alertWindow {
		s.sink.Publish(domain.NewEvent(domain.ConflictAlertEvent, c))
	}
}
