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

package decision

import (
	"context"
	"time"

	"github.com/ts2/railctl/domain"
	"github.com/ts2/railctl/metrics"
)

// enqueueExecution hands a decision id to the executor pool. A full
// queue is not fatal: the reaper will pick up any decision still
// executed=false on its next pass.
func (e *Engine) enqueueExecution(decisionID string) {
	select {
	case e.execQueue <- decisionID:
	default:
		logger.Debug("executor queue full, deferring to reaper", "decision", decisionID)
	}
}

func (e *Engine) executorLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.execQueue:
			e.executeOne(ctx, id)
		}
	}
}

// reaperLoop is the background reaper named in §4.4: it retries any
// decision still executed=false, up to 3 retries after the first attempt
// with backoff 1s/5s/25s, each measured from the decision's Timestamp.
// It is the only path that retries a failed execution; the executor pool
// itself never retries inline.
func (e *Engine) reaperLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepPending(ctx)
		}
	}
}

func (e *Engine) sweepPending(ctx context.Context) {
	var pending []domain.Decision
	_ = e.store.View(func(tx domain.Tx) error {
		all, _, err := tx.QueryDecisions(domain.DecisionFilter{Limit: 1000})
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, d := range all {
			if d.Executed || !d.Approved() {
				continue
			}
			if d.Attempts > len(e.cfg.RetryBackoff) {
				continue
			}
			if d.Attempts > 0 {
				backoff := e.cfg.RetryBackoff[d.Attempts-1]
				if now.Sub(d.Timestamp) < backoff {
					continue
				}
			}
			pending = append(pending, d)
		}
		return nil
	})
	for _, d := range pending {
		metrics.DecisionRetries.Inc()
		e.executeOne(ctx, d.ID)
	}
}

// executeOne re-reads the decision and runs the state mutation in one
// transaction, then records the outcome. execution_time is
// max(now, timestamp) per §4.4 so a retried execution never appears to
// precede the decision that created it.
func (e *Engine) executeOne(ctx context.Context, decisionID string) {
	var executed domain.Decision
	var resolved *domain.Conflict
	err := e.store.Update(func(tx domain.Tx) error {
		d, ok, err := tx.Decision(decisionID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewError(domain.NotFound, "decision %s not found", decisionID)
		}
		if d.Executed || !d.Approved() {
			executed = d
			return nil
		}

		now := time.Now().UTC()
		execTime := now
		if d.Timestamp.After(execTime) {
			execTime = d.Timestamp
		}

		result, resolvedConflict, applyErr := e.applyDecision(tx, d)
		d.Attempts++
		if applyErr != nil {
			d.ExecutionResult = "failed: " + applyErr.Error()
			executed = d
			return tx.SaveDecision(d)
		}

		d.Executed = true
		d.ExecutionTime = &execTime
		d.ExecutionResult = result
		executed = d
		resolved = resolvedConflict
		return tx.SaveDecision(d)
	})

	outcome := "success"
	if err != nil || !executed.Executed {
		outcome = "failure"
	}
	metrics.DecisionsExecuted.WithLabelValues(string(executed.Action), outcome).Inc()

	if err != nil {
		logger.Warn("execute decision failed", "decision", decisionID, "err", err)
		return
	}
	if executed.Executed && e.sink != nil {
		e.sink.Publish(domain.NewEvent(domain.DecisionExecutedEvent, executed))
		if resolved != nil {
			e.sink.Publish(domain.NewEvent(domain.ConflictResolvedEvent, *resolved))
		}
	}
}

// applyDecision performs the actual entity mutation for a Decision's
// action. It runs inside the same Update transaction as the Decision's
// own re-read, satisfying §4.4's "re-read, not snapshot" precondition
// check. The returned conflict is non-nil when this execution resolved
// one, so the caller can publish ConflictResolved after the commit.
func (e *Engine) applyDecision(tx domain.Tx, d domain.Decision) (string, *domain.Conflict, error) {
	switch d.Action {
	case domain.ActionDelay:
		return "delay scheduled", nil, nil
	case domain.ActionSpeedLimit:
		if d.TrainID == nil {
			return "", nil, domain.NewError(domain.Validation, "speed_limit requires a train")
		}
		train, err := tx.Train(*d.TrainID)
		if err != nil {
			return "", nil, err
		}
		if v, ok := d.Parameters["max_speed"].(float64); ok {
			train.MaxSpeed = v
		}
		if err := tx.UpsertTrain(train); err != nil {
			return "", nil, err
		}
		return "speed limit applied", nil, nil
	case domain.ActionPriorityChange:
		if d.TrainID == nil {
			return "", nil, domain.NewError(domain.Validation, "priority_change requires a train")
		}
		train, err := tx.Train(*d.TrainID)
		if err != nil {
			return "", nil, err
		}
		if v, ok := d.Parameters["new_priority"].(float64); ok {
			train.Priority = int(v)
		}
		if err := tx.UpsertTrain(train); err != nil {
			return "", nil, err
		}
		return "priority updated", nil, nil
	case domain.ActionEmergencyStop:
		if d.TrainID == nil {
			return "", nil, domain.NewError(domain.Validation, "emergency_stop requires a train")
		}
		train, err := tx.Train(*d.TrainID)
		if err != nil {
			return "", nil, err
		}
		train.OperationalStatus = domain.StatusEmergency
		train.CurrentSpeed = 0
		if err := tx.UpsertTrain(train); err != nil {
			return "", nil, err
		}
		return "train stopped", nil, nil
	case domain.ActionResume:
		if d.TrainID == nil {
			if d.ConflictID != nil {
				return "conflict rejected", nil, nil
			}
			return "", nil, domain.NewError(domain.Validation, "resume requires a train or conflict")
		}
		train, err := tx.Train(*d.TrainID)
		if err != nil {
			return "", nil, err
		}
		train.OperationalStatus = domain.StatusActive
		if err := tx.UpsertTrain(train); err != nil {
			return "", nil, err
		}
		return "train resumed", nil, nil
	case domain.ActionReroute:
		return "reroute acknowledged", nil, nil
	case domain.ActionManualOverride:
		if d.ConflictID != nil {
			conflict, ok, err := tx.Conflict(*d.ConflictID)
			if err != nil {
				return "", nil, err
			}
			if ok && !conflict.Resolved() {
				now := time.Now().UTC()
				conflict.ResolutionTime = &now
				conflict.ResolvedByControllerID = &d.ControllerID
				if err := tx.SaveConflict(conflict); err != nil {
					return "", nil, err
				}
				return "manual override applied", &conflict, nil
			}
		}
		return "manual override applied", nil, nil
	default:
		return "", nil, domain.NewError(domain.Validation, "unknown decision action %s", d.Action)
	}
}
