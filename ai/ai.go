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

// Package ai implements the optional AI Strategy (C10, §4.7): a
// pluggable recommender the Decision Engine may consult before
// ResolveConflict, with a rule-based fallback that always wins when no
// AI backend is configured, times out, or its circuit is open.
package ai

import (
	"context"
	"time"

	"github.com/ts2/railctl/domain"
)

// Recommendation mirrors §4.7's contract verbatim.
type Recommendation struct {
	SolutionID          string
	Confidence          float64
	Actions             []domain.ResolutionAction
	EstimatedResolution time.Duration
	SolverMethod        string
}

// Strategy is implemented by both the rule-based fallback and any
// external recommender (Anthropic-backed, below).
type Strategy interface {
	Name() string
	Recommend(ctx context.Context, conflict domain.Conflict, snap domain.Snapshot) (Recommendation, error)
}

// RuleBasedStrategy simply promotes the detector's own first suggestion
// to a Recommendation with confidence 1 — it is always available and is
// the guaranteed fallback named in §4.7's selection policy.
type RuleBasedStrategy struct{}

func (RuleBasedStrategy) Name() string { return "rule_based" }

func (RuleBasedStrategy) Recommend(ctx context.Context, conflict domain.Conflict, snap domain.Snapshot) (Recommendation, error) {
	if len(conflict.Suggestions) == 0 {
		return Recommendation{}, domain.NewError(domain.NotFound, "conflict %s has no suggestions", conflict.ID)
	}
	best := conflict.Suggestions[0]
	return Recommendation{
		SolutionID:          conflict.ID + ":rule:0",
		Confidence:          1,
		Actions:             best.Actions,
		EstimatedResolution: time.Duration(best.EstimatedCost) * time.Minute,
		SolverMethod:        "rule_based",
	}, nil
}

// Selector picks among several available strategies per §4.7's policy:
// configured preference, else highest confidence, else the rule-based
// fallback. It always has at least the rule-based strategy.
type Selector struct {
	Preferred string
	Fallback  Strategy
	Backends  []Strategy

	InlineTimeout     time.Duration // default 2 s
	BackgroundTimeout time.Duration // default 30 s
}

func NewSelector(fallback Strategy, backends ...Strategy) *Selector {
	return &Selector{Fallback: fallback, Backends: backends, InlineTimeout: 2 * time.Second, BackgroundTimeout: 30 * time.Second}
}

// RecommendInline is used from a user-visible request path: it never
// blocks the caller past InlineTimeout, falling back automatically.
func (s *Selector) RecommendInline(ctx context.Context, conflict domain.Conflict, snap domain.Snapshot) Recommendation {
	return s.recommend(ctx, conflict, snap, s.InlineTimeout)
}

// RecommendBackground is used from the periodic scheduler (§4.7 "or
// periodically by C6"): it tolerates a longer timeout.
func (s *Selector) RecommendBackground(ctx context.Context, conflict domain.Conflict, snap domain.Snapshot) Recommendation {
	return s.recommend(ctx, conflict, snap, s.BackgroundTimeout)
}

func (s *Selector) recommend(ctx context.Context, conflict domain.Conflict, snap domain.Snapshot, timeout time.Duration) Recommendation {
	if s.Preferred != "" {
		for _, b := range s.Backends {
			if b.Name() == s.Preferred {
				if rec, ok := s.tryBackend(ctx, b, conflict, snap, timeout); ok {
					return rec
				}
				break
			}
		}
	}

	var best Recommendation
	haveBest := false
	for _, b := range s.Backends {
		rec, ok := s.tryBackend(ctx, b, conflict, snap, timeout)
		if !ok {
			continue
		}
		if !haveBest || rec.Confidence > best.Confidence {
			best, haveBest = rec, true
		}
	}
	if haveBest {
		return best
	}

	rec, err := s.Fallback.Recommend(ctx, conflict, snap)
	if err != nil {
		return Recommendation{SolutionID: conflict.ID + ":none", SolverMethod: s.Fallback.Name()}
	}
	return rec
}

func (s *Selector) tryBackend(ctx context.Context, b Strategy, conflict domain.Conflict, snap domain.Snapshot, timeout time.Duration) (Recommendation, bool) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rec, err := b.Recommend(callCtx, conflict, snap)
	if err != nil {
		return Recommendation{}, false
	}
	return rec, true
}
