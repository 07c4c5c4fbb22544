package ai

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/ts2/railctl/domain"
)

type stubStrategy struct {
	name       string
	confidence float64
	fail       bool
}

func (s stubStrategy) Name() string { return s.name }

func (s stubStrategy) Recommend(ctx context.Context, conflict domain.Conflict, snap domain.Snapshot) (Recommendation, error) {
	if s.fail {
		return Recommendation{}, domain.NewError(domain.Internal, "stub failure")
	}
	return Recommendation{SolutionID: conflict.ID + ":" + s.name, Confidence: s.confidence, SolverMethod: s.name}, nil
}

func conflictWithSuggestion(id string) domain.Conflict {
	return domain.Conflict{
		ID: id,
		Suggestions: []domain.ResolutionSuggestion{
			{Actions: []domain.ResolutionAction{{Action: domain.ActionDelay, TrainID: 1}}, EstimatedCost: 2},
		},
	}
}

func TestRuleBasedStrategy(t *testing.T) {
	Convey("Given a conflict with one suggestion", t, func() {
		c := conflictWithSuggestion("c1")

		Convey("RuleBasedStrategy recommends it with confidence 1", func() {
			rec, err := RuleBasedStrategy{}.Recommend(context.Background(), c, domain.Snapshot{})
			So(err, ShouldBeNil)
			So(rec.Confidence, ShouldEqual, 1)
			So(rec.SolutionID, ShouldEqual, "c1:rule:0")
		})
	})

	Convey("Given a conflict with no suggestions", t, func() {
		c := domain.Conflict{ID: "c2"}

		Convey("RuleBasedStrategy returns NOT_FOUND", func() {
			_, err := RuleBasedStrategy{}.Recommend(context.Background(), c, domain.Snapshot{})
			So(err, ShouldNotBeNil)
			So(domain.CodeOf(err), ShouldEqual, domain.NotFound)
		})
	})
}

// TestSelectorHighestConfidence is §4.7's "else the strategy returning
// highest confidence" policy.
func TestSelectorHighestConfidence(t *testing.T) {
	Convey("Given two backends with different confidences and no preference", t, func() {
		sel := NewSelector(RuleBasedStrategy{}, stubStrategy{name: "low", confidence: 0.3}, stubStrategy{name: "high", confidence: 0.9})
		c := conflictWithSuggestion("c1")

		rec := sel.RecommendInline(context.Background(), c, domain.Snapshot{})

		Convey("The higher-confidence backend wins", func() {
			So(rec.SolverMethod, ShouldEqual, "high")
		})
	})
}

// TestSelectorConfiguredPreference is §4.7's "configured preference" policy.
func TestSelectorConfiguredPreference(t *testing.T) {
	Convey("Given a configured preference for the lower-confidence backend", t, func() {
		sel := NewSelector(RuleBasedStrategy{}, stubStrategy{name: "low", confidence: 0.3}, stubStrategy{name: "high", confidence: 0.9})
		sel.Preferred = "low"
		c := conflictWithSuggestion("c1")

		rec := sel.RecommendInline(context.Background(), c, domain.Snapshot{})

		Convey("The preferred backend wins regardless of confidence", func() {
			So(rec.SolverMethod, ShouldEqual, "low")
		})
	})
}

// TestSelectorFallback is §4.7's "else the built-in rule-based strategy"
// policy: when every backend fails, the fallback is used.
func TestSelectorFallback(t *testing.T) {
	Convey("Given every backend failing", t, func() {
		sel := NewSelector(RuleBasedStrategy{}, stubStrategy{name: "broken", fail: true})
		c := conflictWithSuggestion("c1")

		rec := sel.RecommendInline(context.Background(), c, domain.Snapshot{})

		Convey("The rule-based fallback is used", func() {
			So(rec.SolverMethod, ShouldEqual, "rule_based")
		})
	})
}

// TestSelectorInlineTimeout exercises the 2s inline timeout named in §4.7:
// a backend slower than InlineTimeout is abandoned in favor of the
// fallback.
func TestSelectorInlineTimeout(t *testing.T) {
	Convey("Given a backend slower than the inline timeout", t, func() {
		sel := NewSelector(RuleBasedStrategy{}, slowStrategy{delay: 50 * time.Millisecond})
		sel.InlineTimeout = 5 * time.Millisecond
		c := conflictWithSuggestion("c1")

		rec := sel.RecommendInline(context.Background(), c, domain.Snapshot{})

		Convey("The inline call falls back automatically", func() {
			So(rec.SolverMethod, ShouldEqual, "rule_based")
		})
	})
}

type slowStrategy struct {
	delay time.Duration
}

func (s slowStrategy) Name() string { return "slow" }

func (s slowStrategy) Recommend(ctx context.Context, conflict domain.Conflict, snap domain.Snapshot) (Recommendation, error) {
	select {
	case <-time.After(s.delay):
		return Recommendation{SolverMethod: "slow", Confidence: 1}, nil
	case <-ctx.Done():
		return Recommendation{}, ctx.Err()
	}
}
