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

package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"

	"github.com/ts2/railctl/domain"
	"github.com/ts2/railctl/metrics"
)

// anthropicProposal is the structured shape asked of the model: a single
// best resolution, mirroring domain.ResolutionSuggestion but flat enough
// for the model to produce reliably.
type anthropicProposal struct {
	Confidence float64 `json:"confidence"`
	Actions    []struct {
		Action     string                 `json:"action"`
		TrainID    int                    `json:"train_id"`
		Parameters map[string]interface{} `json:"parameters"`
	} `json:"actions"`
	EstimatedResolutionMinutes float64 `json:"estimated_resolution_minutes"`
}

// AnthropicStrategy recommends a resolution by asking Claude to choose
// among the detector's own candidate suggestions, guarded by a circuit
// breaker so a flaky provider degrades to the rule-based strategy
// instead of stalling every ResolveConflict call.
type AnthropicStrategy struct {
	client  anthropic.Client
	model   string
	breaker *gobreaker.CircuitBreaker
}

func NewAnthropicStrategy(apiKey, model string) *AnthropicStrategy {
	if model == "" {
		model = "claude-3-5-sonnet-latest"
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "anthropic-ai-strategy",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &AnthropicStrategy{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		breaker: cb,
	}
}

func (a *AnthropicStrategy) Name() string { return "anthropic" }

func (a *AnthropicStrategy) Recommend(ctx context.Context, conflict domain.Conflict, snap domain.Snapshot) (Recommendation, error) {
	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.call(ctx, conflict, snap)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.AICircuitOpen.Inc()
		} else if ctx.Err() != nil {
			metrics.AITimeout.Inc()
		}
		return Recommendation{}, domain.Wrap(domain.Transient, err, "anthropic recommend")
	}
	return result.(Recommendation), nil
}

func (a *AnthropicStrategy) call(ctx context.Context, conflict domain.Conflict, snap domain.Snapshot) (Recommendation, error) {
	prompt := a.buildPrompt(conflict, snap)
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 512,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Recommendation{}, err
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	var proposal anthropicProposal
	if err := json.Unmarshal([]byte(text), &proposal); err != nil {
		return Recommendation{}, fmt.Errorf("parse anthropic response: %w", err)
	}

	actions := make([]domain.ResolutionAction, 0, len(proposal.Actions))
	for _, act := range proposal.Actions {
		actions = append(actions, domain.ResolutionAction{
			Action:     domain.DecisionAction(act.Action),
			TrainID:    act.TrainID,
			Parameters: act.Parameters,
		})
	}

	return Recommendation{
		SolutionID:          conflict.ID + ":ai:" + strconv.FormatInt(time.Now().UnixNano(), 36),
		Confidence:          proposal.Confidence,
		Actions:             actions,
		EstimatedResolution: time.Duration(proposal.EstimatedResolutionMinutes) * time.Minute,
		SolverMethod:        a.Name(),
	}, nil
}

func (a *AnthropicStrategy) buildPrompt(conflict domain.Conflict, snap domain.Snapshot) string {
	return fmt.Sprintf(`A railway traffic conflict of type %s involves trains %v on sections %v
(severity %d/10, detected at %s). Candidate resolutions already computed by the
rule-based detector are: %+v

Choose the best resolution (or propose a refinement) and reply with ONLY a
JSON object: {"confidence": 0..1, "actions": [{"action": "...", "train_id": N,
"parameters": {...}}], "estimated_resolution_minutes": N}.`,
		conflict.Type, conflict.TrainsInvolved, conflict.SectionsInvolved,
		conflict.SeverityScore, conflict.DetectionTime.Format(time.RFC3339), conflict.Suggestions)
}
