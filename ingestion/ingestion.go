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

// Package ingestion implements the Position Ingestion and Section
// Occupancy Tracker (§4.1): a bounded-queue, worker-pool pipeline that
// turns a stream of PositionReport into current-position index updates,
// occupancy open/close transitions, and SectionExit/SectionEntry/
// PositionUpdate events on the Broadcast Hub.
package ingestion

import (
	"context"
	"math"
	"time"

	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/ts2/railctl/domain"
	"github.com/ts2/railctl/metrics"
)

const (
	defaultFloorSpeed   = 5.0 // km/h, bounds expected_exit_time estimates for near-stationary trains
	defaultQueueWait    = 100 * time.Millisecond
	defaultStoreTimeout = 2 * time.Second
	defaultClockSkew    = 30 * time.Second // max tolerated future timestamp on a report
	transientRetryWait  = 50 * time.Millisecond
)

var logger log.Logger

func InitializeLogger(parentLogger log.Logger) {
	logger = parentLogger.New("module", "ingestion")
}

// Config bundles the §6.4 tunables this package reads.
type Config struct {
	QueueCapacity int // ingestion_queue_capacity, default 1024
	Workers       int // worker pool size, default matches executor_pool_size (8)
	FloorSpeed    float64
	StoreTimeout  time.Duration
	ClockSkew     time.Duration // max tolerated future timestamp, default 30s
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.FloorSpeed <= 0 {
		c.FloorSpeed = defaultFloorSpeed
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = defaultClockSkew
	}
	return c
}

// job is one queued ReportPosition call; result is delivered back on done
// so ReportPosition can remain a synchronous, bounded-blocking call from
// the caller's point of view while the actual store work happens on a
// pool worker.
type job struct {
	report domain.PositionReport
	done   chan error
}

// Tracker is the Position Ingestion + Section Occupancy Tracker. It owns
// no entity state itself (the Store does); it owns only the bounded
// queue and worker pool that serialize writes into the Store and fan the
// resulting events out to sink.
type Tracker struct {
	store  domain.Store
	sink   domain.Sink
	cfg    Config
	queue  chan job
	cancel context.CancelFunc
}

func New(store domain.Store, sink domain.Sink, cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{
		store: store,
		sink:  sink,
		cfg:   cfg,
		queue: make(chan job, cfg.QueueCapacity),
	}
}

// Start launches the worker pool. Call Stop to drain and shut it down.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	for i := 0; i < t.cfg.Workers; i++ {
		go t.worker(ctx)
	}
	logger.Info("ingestion workers started", "count", t.cfg.Workers, "queue_capacity", t.cfg.QueueCapacity)
}

func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Tracker) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-t.queue:
			j.done <- t.process(j.report)
		}
	}
}

// ReportPosition validates and enqueues p, blocking up to 100ms for queue
// room (§4.7) before returning OVERLOADED, then blocks for the worker's
// result so the caller observes Ack/Reject synchronously.
func (t *Tracker) ReportPosition(p domain.PositionReport) error {
	j := job{report: p, done: make(chan error, 1)}
	timer := time.NewTimer(defaultQueueWait)
	defer timer.Stop()
	select {
	case t.queue <- j:
	case <-timer.C:
		return domain.NewError(domain.Overloaded, "ingestion queue full")
	}
	return <-j.done
}

// ReportBulk evaluates each report independently (§4.1): partial success
// is normal.
func (t *Tracker) ReportBulk(reports []domain.PositionReport) (accepted int, rejections []error) {
	for _, p := range reports {
		if err := t.ReportPosition(p); err != nil {
			rejections = append(rejections, err)
			continue
		}
		accepted++
	}
	return accepted, rejections
}

func (t *Tracker) CurrentPosition(trainID int) (domain.PositionReport, bool, error) {
	var p domain.PositionReport
	var ok bool
	err := t.store.View(func(tx domain.Tx) error {
		var verr error
		p, ok, verr = tx.LatestPosition(trainID)
		return verr
	})
	return p, ok, err
}

func (t *Tracker) TrainsInSection(sectionID int) ([]int, error) {
	var ids []int
	err := t.store.View(func(tx domain.Tx) error {
		occ, err := tx.OpenOccupanciesInSection(sectionID)
		if err != nil {
			return err
		}
		for _, o := range occ {
			ids = append(ids, o.TrainID)
		}
		return nil
	})
	return ids, err
}

func (t *Tracker) OpenOccupancies() ([]domain.OccupancyRecord, error) {
	var occ []domain.OccupancyRecord
	err := t.store.View(func(tx domain.Tx) error {
		var err error
		occ, err = tx.OpenOccupancies()
		return err
	})
	return occ, err
}

// process implements the section-transition algorithm of §4.1 as a
// single Store.Update so the previous-position read, the occupancy
// close/open, and the position write are atomic with respect to any
// concurrent ReportPosition for the same or a different train. A
// TRANSIENT store failure is retried once inline after a short wait
// before being surfaced to the caller (§7).
func (t *Tracker) process(p domain.PositionReport) error {
	err := t.processOnce(p)
	if domain.CodeOf(err) == domain.Transient {
		time.Sleep(transientRetryWait)
		err = t.processOnce(p)
	}
	if err != nil {
		metrics.IngestionRejected.WithLabelValues(string(domain.CodeOf(err))).Inc()
	}
	return err
}

func (t *Tracker) processOnce(p domain.PositionReport) error {
	if err := validateReport(p, t.cfg.ClockSkew); err != nil {
		return err
	}

	var transitioned bool
	var prevSectionID int

	err := t.store.Update(func(tx domain.Tx) error {
		train, err := tx.Train(p.TrainID)
		if err != nil {
			return err
		}
		if !train.IsActive() {
			return domain.NewError(domain.Validation, "train %d is out of service", p.TrainID)
		}
		section, err := tx.Section(p.SectionID)
		if err != nil {
			return err
		}
		if !section.Active {
			return domain.NewError(domain.Validation, "section %d is not active", p.SectionID)
		}

		prev, hasPrev, err := tx.LatestPosition(p.TrainID)
		if err != nil {
			return err
		}
		// A timestamp equal to the latest is the idempotent duplicate of
		// §7 and is dropped the same way an older one is.
		if hasPrev && !p.Timestamp.After(prev.Timestamp) {
			return domain.NewError(domain.Stale, "position not newer than latest for train %d", p.TrainID)
		}

		if !hasPrev || prev.SectionID != p.SectionID {
			transitioned = true
			if hasPrev {
				prevSectionID = prev.SectionID
				if err := tx.CloseOccupancy(prev.SectionID, p.TrainID, p.Timestamp); err != nil {
					return err
				}
			}
			expectedExit := expectedExitTime(p.Timestamp, section.Length, p.Speed, t.cfg.FloorSpeed)
			if err := tx.OpenOccupancy(p.SectionID, p.TrainID, p.Timestamp, &expectedExit); err != nil {
				return err
			}
			train.CurrentSectionID = &p.SectionID
		}
		train.CurrentSpeed = p.Speed
		if err := tx.UpsertTrain(train); err != nil {
			return err
		}
		return tx.AppendPosition(p)
	})
	if err != nil {
		if domain.CodeOf(err) == domain.Internal {
			return domain.Wrap(domain.Transient, err, "persist position")
		}
		return err
	}

	if transitioned && t.sink != nil {
		if prevSectionID != 0 {
			t.sink.Publish(domain.NewEvent(domain.SectionExitEvent, prevSectionID).WithTrain(p.TrainID).WithSection(prevSectionID))
		}
		t.sink.Publish(domain.NewEvent(domain.SectionEntryEvent, p.SectionID).WithTrain(p.TrainID).WithSection(p.SectionID))
	}
	if t.sink != nil {
		t.sink.Publish(domain.NewEvent(domain.PositionUpdateEvent, p).WithTrain(p.TrainID).WithSection(p.SectionID))
	}
	return nil
}

// validateReport enforces the PositionReport invariants of §3: a
// timestamp no further in the future than the tolerated clock skew, a
// non-negative speed, and a heading in [0,360).
func validateReport(p domain.PositionReport, skew time.Duration) error {
	if p.Timestamp.After(time.Now().UTC().Add(skew)) {
		return domain.NewError(domain.Validation, "timestamp for train %d is too far in the future", p.TrainID)
	}
	if p.Speed < 0 {
		return domain.NewError(domain.Validation, "speed must be non-negative")
	}
	if p.Heading < 0 || p.Heading >= 360 {
		return domain.NewError(domain.Validation, "heading must be in [0,360)")
	}
	return nil
}

func expectedExitTime(entry time.Time, sectionLength, speed, floorSpeed float64) time.Time {
	effectiveSpeed := math.Max(speed, floorSpeed)
	hours := sectionLength / effectiveSpeed
	return entry.Add(time.Duration(hours * float64(time.Hour)))
}

// Rehydrate repopulates nothing extra beyond what Store already persists:
// the current-position index lives in Store itself (LatestPosition), so
// a restart needs no separate warm-up step here (§4.1 failure semantics).
func (t *Tracker) Rehydrate(ctx context.Context) error {
	return nil
}
