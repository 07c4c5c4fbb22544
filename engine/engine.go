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

// Package engine wires every collaborator into one explicit value, per
// §9's design note rejecting global singletons for the Redis client,
// WebSocket hub and scheduler: an Engine is constructed once at
// start-up and every component reaches its dependencies through
// constructor injection rather than package state.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/ts2/railctl/ai"
	"github.com/ts2/railctl/audit"
	"github.com/ts2/railctl/broadcast"
	"github.com/ts2/railctl/config"
	"github.com/ts2/railctl/decision"
	"github.com/ts2/railctl/detector"
	"github.com/ts2/railctl/domain"
	"github.com/ts2/railctl/ingestion"
	"github.com/ts2/railctl/kpi"
	"github.com/ts2/railctl/predictor"
	"github.com/ts2/railctl/ratelimit"
	"github.com/ts2/railctl/scheduler"
)

var logger log.Logger

func InitializeLogger(parentLogger log.Logger) {
	logger = parentLogger.New("module", "engine")
}

// Engine bundles every constructed component for one running instance
// of the conflict-detection-and-decision system. Nothing here is a
// package-level var; callers own the value and its lifetime.
type Engine struct {
	Config config.Config

	Store     domain.Store
	Redis     *redis.Client
	Ingestion *ingestion.Tracker
	Predictor *predictor.Predictor
	Detector  *detector.Detector
	Scheduler *scheduler.Scheduler
	Limiter   *ratelimit.Limiter
	AI        *ai.Selector
	Hub       *broadcast.Hub
	Audit     *audit.Log
	KPI       *kpi.Collector
	Decision  *decision.Engine

	sink domain.MultiSink
}

// New constructs every component from cfg but starts nothing; callers
// call Start once the Engine is fully assembled (and, typically, after
// registering HTTP routes that close over it).
func New(ctx context.Context, cfg config.Config, parentLogger log.Logger) (*Engine, error) {
	// predictor, detector, ratelimit and domain are pure/stateless and
	// carry no logger of their own; only the packages with background
	// goroutines or I/O need one wired in here.
	InitializeLogger(parentLogger)
	ingestion.InitializeLogger(parentLogger)
	scheduler.InitializeLogger(parentLogger)
	decision.InitializeLogger(parentLogger)
	broadcast.InitializeLogger(parentLogger)
	kpi.InitializeLogger(parentLogger)
	config.InitializeLogger(parentLogger)
	audit.InitializeLogger(parentLogger)

	e := &Engine{Config: cfg}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}
	e.Store = store

	e.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	e.Limiter = ratelimit.New(e.Redis)

	e.Hub = broadcast.New(broadcast.Config{
		Shards:            cfg.HubShards,
		MaxClientBacklog:  cfg.MaxClientBacklog,
		HardClientBacklog: cfg.HardClientBacklog,
	})
	e.Audit = audit.NewLog(1000)
	e.KPI = kpi.NewCollector()
	e.sink = domain.MultiSink{e.Hub, e.Audit, e.KPI}

	e.Predictor = predictor.New(predictor.Config{
		DefaultHorizon:   time.Duration(cfg.PredictionHorizon),
		TravelTimeMargin: cfg.TravelTimeMargin,
	})
	e.Detector = detector.New(detector.Config{
		Weights: detector.Weights{
			Time:   cfg.SeverityWeights.Time,
			Prio:   cfg.SeverityWeights.Priority,
			Pax:    cfg.SeverityWeights.Passengers,
			Net:    cfg.SeverityWeights.Network,
			Safety: cfg.SeverityWeights.Safety,
		},
		SafetyBuffer:     time.Duration(cfg.SafetyBuffer),
		AlertWindow:      time.Duration(cfg.AlertWindow),
		PredictionWindow: time.Duration(cfg.PredictionHorizon),
	}, e.Predictor)

	e.Ingestion = ingestion.New(e.Store, e.sink, ingestion.Config{
		QueueCapacity: cfg.IngestionQueueCap,
		FloorSpeed:    cfg.TravelTimeFloorSpeed,
	})

	e.Scheduler = scheduler.New(e.Store, e.Detector, e.sink, e.Limiter, scheduler.Config{
		Period:           time.Duration(cfg.DetectionInterval),
		DetectionTimeout: time.Duration(cfg.DetectionTimeout),
		ManualLimit:      cfg.RateLimits.ManualDetection,
		ManualWindow:     time.Minute,
	}).WithAdvisoryLock(e.Redis)

	e.AI = buildAISelector(cfg)

	e.Decision = decision.New(e.Store, e.sink, e.Limiter, e.Redis, e.AI, e.Scheduler, decision.Config{
		ExecutorPoolSize: cfg.ExecutorPoolSize,
		CriticalBudget:   cfg.RateLimits.Critical,
		StandardBudget:   cfg.RateLimits.Standard,
		RateLimitWindow:  time.Minute,
		DecisionCacheTTL: time.Hour,
	})

	return e, nil
}

func newStore(ctx context.Context, cfg config.Config) (domain.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return domain.OpenPgStore(ctx, cfg.Storage.DSN)
	case "memory", "":
		return domain.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("engine: unknown storage driver %q", cfg.Storage.Driver)
	}
}

func buildAISelector(cfg config.Config) *ai.Selector {
	fallback := &ai.RuleBasedStrategy{}
	if !cfg.AI.Enabled || cfg.AI.AnthropicAPIKey == "" {
		return ai.NewSelector(fallback)
	}
	anthropic := ai.NewAnthropicStrategy(cfg.AI.AnthropicAPIKey, cfg.AI.AnthropicModel)
	sel := ai.NewSelector(fallback, anthropic)
	sel.Preferred = cfg.AI.DefaultStrategy
	if cfg.AI.InlineTimeoutMS > 0 {
		sel.InlineTimeout = time.Duration(cfg.AI.InlineTimeoutMS) * time.Millisecond
	}
	if cfg.AI.BackgroundTimeoutMS > 0 {
		sel.BackgroundTimeout = time.Duration(cfg.AI.BackgroundTimeoutMS) * time.Millisecond
	}
	return sel
}

// Start launches every background goroutine the Engine owns: the
// ingestion worker pool, the detection scheduler ticker, the decision
// executor pool and retry reaper, and the KPI snapshot ticker.
func (e *Engine) Start(ctx context.Context) {
	e.Ingestion.Start(ctx)
	e.Scheduler.Start(ctx)
	e.Decision.Start(ctx)
	e.KPI.Start(ctx)
	go e.sampleUtilization(ctx)
	logger.Info("engine started", "storage", e.Config.Storage.Driver)
}

// sampleUtilization feeds the KPI collector's occupied/total ratio on
// the same cadence as its snapshot ticker; it is the Engine's job, not
// the Collector's, to reach into the Store (kpi stays Store-free).
func (e *Engine) sampleUtilization(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var snap domain.Snapshot
			err := e.Store.View(func(tx domain.Tx) error {
				var err error
				snap, err = tx.Snapshot()
				return err
			})
			if err != nil {
				logger.Warn("utilization sample failed", "err", err)
				continue
			}
			occupied := 0
			for id := range snap.Sections {
				if len(snap.OpenOccupanciesIn(id)) > 0 {
					occupied++
				}
			}
			e.KPI.RecordUtilization(occupied, len(snap.Sections))
		}
	}
}

// Stop tears the Engine's background goroutines down in the reverse
// order Start brought them up, then closes the Redis client.
func (e *Engine) Stop() {
	e.Decision.Stop()
	e.Scheduler.Stop()
	e.Ingestion.Stop()
	if err := e.Redis.Close(); err != nil {
		logger.Warn("redis client close failed", "err", err)
	}
	logger.Info("engine stopped")
}
