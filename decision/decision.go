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

// Package decision implements the Decision Engine (C7, §4.4): the only
// component that accepts controller-authored writes. It validates
// authorization and rate limits, writes an append-only Decision record
// transactionally, and hands the actual state mutation to a deferred
// executor pool with an exponential-backoff reaper.
package decision

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/ts2/railctl/ai"
	"github.com/ts2/railctl/domain"
	"github.com/ts2/railctl/ratelimit"
	"github.com/ts2/railctl/scheduler"
)

var logger log.Logger

func InitializeLogger(parentLogger log.Logger) {
	logger = parentLogger.New("module", "decision")
}

// Config bundles the §6.4 tunables and §4.4 policy constants this
// package reads.
type Config struct {
	ExecutorPoolSize int           // default 8
	CriticalBudget   int           // default 10/min
	StandardBudget   int           // default 30/min
	RateLimitWindow  time.Duration // default 60s
	DecisionCacheTTL time.Duration // default 1h
	RetryBackoff     []time.Duration
}

func (c Config) withDefaults() Config {
	if c.ExecutorPoolSize <= 0 {
		c.ExecutorPoolSize = 8
	}
	if c.CriticalBudget <= 0 {
		c.CriticalBudget = 10
	}
	if c.StandardBudget <= 0 {
		c.StandardBudget = 30
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.DecisionCacheTTL <= 0 {
		c.DecisionCacheTTL = time.Hour
	}
	if len(c.RetryBackoff) == 0 {
		c.RetryBackoff = []time.Duration{time.Second, 5 * time.Second, 25 * time.Second}
	}
	return c
}

// endpointKind names an endpoint for both the rate-limit key and the
// critical/standard budget split.
type endpointKind string

const (
	endpointResolveConflict endpointKind = "resolve_conflict"
	endpointControlTrain    endpointKind = "control_train"
	endpointApprove         endpointKind = "approve"
	endpointManualDetection endpointKind = "manual_detection"
)

// resolve_conflict and control_train both mutate live traffic state, so
// both sit on the tighter critical budget (10/min by default).
var criticalEndpoints = map[endpointKind]bool{
	endpointResolveConflict: true,
	endpointControlTrain:    true,
}

// Engine is the Decision Engine. It owns the deferred-execution queue
// and retry reaper; every other component only ever sees Engine through
// its exported operations.
type Engine struct {
	store     domain.Store
	sink      domain.Sink
	limiter   *ratelimit.Limiter
	redis     *redis.Client
	ai        *ai.Selector
	scheduler *scheduler.Scheduler
	cfg       Config

	execQueue chan string // decision ids pending execution
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(store domain.Store, sink domain.Sink, limiter *ratelimit.Limiter, redisClient *redis.Client, aiSelector *ai.Selector, sched *scheduler.Scheduler, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		store:     store,
		sink:      sink,
		limiter:   limiter,
		redis:     redisClient,
		ai:        aiSelector,
		scheduler: sched,
		cfg:       cfg,
		execQueue: make(chan string, cfg.ExecutorPoolSize*4),
	}
}

// Start launches the executor pool and the background retry reaper.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	for i := 0; i < e.cfg.ExecutorPoolSize; i++ {
		e.wg.Add(1)
		go e.executorLoop(ctx)
	}
	e.wg.Add(1)
	go e.reaperLoop(ctx)
}

func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) checkRateLimit(ctx context.Context, controllerID int, kind endpointKind) error {
	if e.limiter == nil {
		return nil
	}
	budget := e.cfg.StandardBudget
	if criticalEndpoints[kind] {
		budget = e.cfg.CriticalBudget
	}
	key := fmt.Sprintf("%d:%s", controllerID, kind)
	return e.limiter.Check(ctx, key, budget, e.cfg.RateLimitWindow)
}

// ResolveConflict implements §4.4's ResolveConflict. The AI consult (on
// a plain ACCEPT with no solution id supplied) happens against a first
// read of the conflict, outside the write lock, so a slow model never
// stalls every other Store writer; the preconditions are then
// re-validated inside the transaction against current state.
func (e *Engine) ResolveConflict(ctx context.Context, controllerID int, conflictID string, action domain.ResolveAction, rationale string, modifications map[string]interface{}, aiSolutionID *string) (domain.Decision, error) {
	controller, err := e.authenticate(controllerID)
	if err != nil {
		return domain.Decision{}, err
	}
	if controller.AuthLevel < domain.Supervisor {
		return domain.Decision{}, domain.NewError(domain.Forbidden, "resolve_conflict requires SUPERVISOR or higher")
	}
	if err := validateRationale(rationale); err != nil {
		return domain.Decision{}, err
	}
	if action == domain.ResolveModify && len(modifications) == 0 {
		return domain.Decision{}, domain.NewError(domain.Validation, "MODIFY requires a nonempty modifications map")
	}
	if err := e.checkRateLimit(ctx, controllerID, endpointResolveConflict); err != nil {
		return domain.Decision{}, err
	}

	var consulted *ai.Recommendation
	if action == domain.ResolveAccept && aiSolutionID == nil && e.ai != nil {
		var preRead domain.Conflict
		var found bool
		_ = e.store.View(func(tx domain.Tx) error {
			var err error
			preRead, found, err = tx.Conflict(conflictID)
			return err
		})
		if found && !preRead.Resolved() {
			rec := e.ai.RecommendInline(ctx, preRead, domain.Snapshot{})
			consulted = &rec
		}
	}

	var d domain.Decision
	var resolved *domain.Conflict
	err = e.store.Update(func(tx domain.Tx) error {
		conflict, ok, err := tx.Conflict(conflictID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewError(domain.NotFound, "conflict %s not found", conflictID)
		}
		if conflict.Resolved() {
			return domain.NewError(domain.Precondition, "conflict %s already resolved", conflictID)
		}
		if aiSolutionID != nil && !isSolutionForConflict(conflictID, *aiSolutionID, len(conflict.Suggestions)) {
			return domain.NewError(domain.Precondition, "ai_solution_id does not match current suggestion set")
		}

		now := time.Now().UTC()
		d = domain.Decision{
			ID:           uuid.NewString(),
			ControllerID: controllerID,
			ConflictID:   &conflictID,
			Action:       resolveActionToDecisionAction(action),
			Timestamp:    now,
			Rationale:    rationale,
		}
		d.ApprovalRequired = false // ACCEPT/MODIFY/REJECT on a conflict never requires separate approval
		d.Executed = false

		if action == domain.ResolveModify {
			d.Parameters = modifications
		}
		if consulted != nil {
			d.AIGenerated = consulted.SolverMethod != ""
			d.AISolverMethod = consulted.SolverMethod
			confidence := consulted.Confidence
			d.AIConfidence = &confidence
			if len(consulted.Actions) > 0 {
				d.Parameters = map[string]interface{}{"ai_actions": consulted.Actions}
			}
		}

		if action == domain.ResolveReject {
			conflict.ResolutionTime = &now
			conflict.ResolvedByControllerID = &controllerID
			if err := tx.SaveConflict(conflict); err != nil {
				return err
			}
			d.Executed = true
			d.ExecutionTime = &now
			d.ExecutionResult = "rejected: no action taken"
			resolved = &conflict
		}

		return tx.SaveDecision(d)
	})
	if err != nil {
		return domain.Decision{}, err
	}

	e.cacheDecision(ctx, d)
	if e.sink != nil {
		e.sink.Publish(domain.NewEvent(domain.DecisionLoggedEvent, d))
		if resolved != nil {
			e.sink.Publish(domain.NewEvent(domain.ConflictResolvedEvent, *resolved))
		}
	}
	if !d.Executed {
		e.enqueueExecution(d.ID)
	}
	return d, nil
}

// validateRationale enforces the Decision invariant that every
// controller-authored action carries a usable justification (at least
// 10 characters).
func validateRationale(rationale string) error {
	if len(strings.TrimSpace(rationale)) < 10 {
		return domain.NewError(domain.Validation, "rationale must be at least 10 characters")
	}
	return nil
}

func resolveActionToDecisionAction(a domain.ResolveAction) domain.DecisionAction {
	switch a {
	case domain.ResolveReject:
		return domain.ActionResume
	default:
		return domain.ActionManualOverride
	}
}

// isSolutionForConflict checks an externally supplied ai_solution_id
// against the conflict it claims to resolve. Both the rule-based and
// Anthropic strategies mint solution ids as "<conflict id>:...", so a
// mismatched prefix means the caller is replaying a stale or forged id.
func isSolutionForConflict(conflictID, solutionID string, suggestionCount int) bool {
	if suggestionCount == 0 {
		return false
	}
	return strings.HasPrefix(solutionID, conflictID+":")
}

// ControlTrain implements §4.4's ControlTrain.
func (e *Engine) ControlTrain(ctx context.Context, controllerID, trainID int, command domain.DecisionAction, parameters map[string]interface{}, reason string, emergency bool) (domain.Decision, error) {
	controller, err := e.authenticate(controllerID)
	if err != nil {
		return domain.Decision{}, err
	}
	if controller.AuthLevel < domain.Supervisor {
		return domain.Decision{}, domain.NewError(domain.Forbidden, "control_train requires SUPERVISOR or higher")
	}
	if emergency && controller.AuthLevel < domain.Manager {
		return domain.Decision{}, domain.NewError(domain.Forbidden, "emergency actions require MANAGER or higher")
	}
	if err := validateRationale(reason); err != nil {
		return domain.Decision{}, err
	}
	if err := validateControlParameters(command, parameters); err != nil {
		return domain.Decision{}, err
	}
	if err := e.checkRateLimit(ctx, controllerID, endpointControlTrain); err != nil {
		return domain.Decision{}, err
	}

	var d domain.Decision
	err = e.store.Update(func(tx domain.Tx) error {
		train, err := tx.Train(trainID)
		if err != nil {
			return err
		}
		if controller.AuthLevel != domain.Admin {
			responsible := train.CurrentSectionID != nil && controller.ResponsibleFor(*train.CurrentSectionID)
			if !responsible {
				return domain.NewError(domain.Forbidden, "controller %d is not responsible for train %d's section", controllerID, trainID)
			}
		}

		now := time.Now().UTC()
		d = domain.Decision{
			ID:               uuid.NewString(),
			ControllerID:     controllerID,
			TrainID:          &trainID,
			SectionID:        train.CurrentSectionID,
			Action:           command,
			Timestamp:        now,
			Rationale:        reason,
			Parameters:       parameters,
			ApprovalRequired: command == domain.ActionReroute,
		}
		if d.ApprovalRequired && controller.AuthLevel >= domain.Supervisor {
			d.ApprovedByControllerID = &controllerID
			d.ApprovalTime = &now
		}
		return tx.SaveDecision(d)
	})
	if err != nil {
		return domain.Decision{}, err
	}

	e.cacheDecision(ctx, d)
	if e.sink != nil {
		e.sink.Publish(domain.NewEvent(domain.DecisionLoggedEvent, d))
	}
	if d.Approved() {
		e.enqueueExecution(d.ID)
	}
	return d, nil
}

func validateControlParameters(command domain.DecisionAction, parameters map[string]interface{}) error {
	switch command {
	case domain.ActionDelay:
		return inRange(parameters, "delay_minutes", 0, 180)
	case domain.ActionSpeedLimit:
		return inRange(parameters, "max_speed", 0, 300)
	case domain.ActionPriorityChange:
		return inRange(parameters, "new_priority", 1, 10)
	case domain.ActionReroute:
		route, _ := parameters["new_route"].([]interface{})
		if len(route) == 0 {
			return domain.NewError(domain.Validation, "new_route must be a nonempty list of section ids")
		}
	}
	return nil
}

func inRange(parameters map[string]interface{}, key string, lo, hi float64) error {
	raw, ok := parameters[key]
	if !ok {
		return domain.NewError(domain.Validation, "%s is required", key)
	}
	v, ok := raw.(float64)
	if !ok || v < lo || v > hi {
		return domain.NewError(domain.Validation, "%s must be in [%v,%v]", key, lo, hi)
	}
	return nil
}

// Approve implements §4.4's pending-approval path: MANAGER+ populates
// approved_by_controller_id/approval_time, which unblocks the executor.
func (e *Engine) Approve(ctx context.Context, approverID int, decisionID string) (domain.Decision, error) {
	approver, err := e.authenticate(approverID)
	if err != nil {
		return domain.Decision{}, err
	}
	if approver.AuthLevel < domain.Manager {
		return domain.Decision{}, domain.NewError(domain.Forbidden, "approve requires MANAGER or higher")
	}
	if err := e.checkRateLimit(ctx, approverID, endpointApprove); err != nil {
		return domain.Decision{}, err
	}

	var d domain.Decision
	err = e.store.Update(func(tx domain.Tx) error {
		var ok bool
		var err error
		d, ok, err = tx.Decision(decisionID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewError(domain.NotFound, "decision %s not found", decisionID)
		}
		if d.Approved() {
			return domain.NewError(domain.Precondition, "decision %s already approved", decisionID)
		}
		now := time.Now().UTC()
		d.ApprovedByControllerID = &approverID
		d.ApprovalTime = &now
		return tx.SaveDecision(d)
	})
	if err != nil {
		return domain.Decision{}, err
	}
	e.enqueueExecution(d.ID)
	return d, nil
}

// GetActiveConflicts implements §4.4's priority_score ranking (OPERATOR+).
func (e *Engine) GetActiveConflicts(controllerID int) ([]domain.Conflict, error) {
	if _, err := e.authenticate(controllerID); err != nil {
		return nil, err
	}
	var conflicts []domain.Conflict
	err := e.store.View(func(tx domain.Tx) error {
		var err error
		conflicts, err = tx.ActiveConflicts()
		return err
	})
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sortByPriorityScore(conflicts, now)
	return conflicts, nil
}

func sortByPriorityScore(conflicts []domain.Conflict, now time.Time) {
	for i := 1; i < len(conflicts); i++ {
		for j := i; j > 0 && conflicts[j].PriorityScore(now) > conflicts[j-1].PriorityScore(now); j-- {
			conflicts[j], conflicts[j-1] = conflicts[j-1], conflicts[j]
		}
	}
}

// RunDetectionOnce is C7's on-demand invocation of the Detection
// Scheduler (§4.3 "on-demand invocations from C7"). The scheduler applies
// its own manual_detection rate limit, which is system-wide (§4.3: "5/min
// system-wide"), not per-controller — every caller shares one budget.
func (e *Engine) RunDetectionOnce(ctx context.Context, controllerID int) (scheduler.Delta, error) {
	if _, err := e.authenticate(controllerID); err != nil {
		return scheduler.Delta{}, err
	}
	if e.scheduler == nil {
		return scheduler.Delta{}, domain.NewError(domain.Precondition, "no detection scheduler configured")
	}
	return e.scheduler.RunDetectionOnce(ctx, "system")
}

// LogDecision is a direct audit write for actions taken outside the
// normal ResolveConflict/ControlTrain flow (OPERATOR+).
func (e *Engine) LogDecision(ctx context.Context, controllerID int, d domain.Decision) error {
	if _, err := e.authenticate(controllerID); err != nil {
		return err
	}
	if err := validateRationale(d.Rationale); err != nil {
		return err
	}
	d.ID = uuid.NewString()
	d.ControllerID = controllerID
	d.Timestamp = time.Now().UTC()
	return e.store.Update(func(tx domain.Tx) error {
		return tx.SaveDecision(d)
	})
}

// QueryAudit implements §4.4's paged audit query (OPERATOR+).
func (e *Engine) QueryAudit(ctx context.Context, controllerID int, filter domain.DecisionFilter) ([]domain.Decision, int, error) {
	if _, err := e.authenticate(controllerID); err != nil {
		return nil, 0, err
	}
	var decisions []domain.Decision
	var total int
	err := e.store.View(func(tx domain.Tx) error {
		var err error
		decisions, total, err = tx.QueryDecisions(filter)
		return err
	})
	return decisions, total, err
}

func (e *Engine) authenticate(controllerID int) (domain.Controller, error) {
	var c domain.Controller
	err := e.store.View(func(tx domain.Tx) error {
		var err error
		c, err = tx.Controller(controllerID)
		return err
	})
	if err != nil {
		return domain.Controller{}, err
	}
	if !c.Active {
		return domain.Controller{}, domain.NewError(domain.Forbidden, "controller %d is not active", controllerID)
	}
	return c, nil
}

func (e *Engine) cacheDecision(ctx context.Context, d domain.Decision) {
	if e.redis == nil {
		return
	}
	key := "decision:" + d.ID
	if err := e.redis.Set(ctx, key, d.ID, e.cfg.DecisionCacheTTL).Err(); err != nil {
		logger.Warn("cache decision failed", "id", d.ID, "err", err)
	}
}
