package kpi

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/ts2/railctl/domain"
)

func TestConflictDetectedAndResolvedTrackMTTR(t *testing.T) {
	Convey("Given a Collector observing a detect-then-resolve pair", t, func() {
		c := NewCollector()
		conflict := domain.Conflict{ID: "c1"}

		c.Publish(domain.NewEvent(domain.ConflictDetectedEvent, conflict))
		snap := c.Take()
		So(snap.OpenConflicts, ShouldEqual, 1)
		So(snap.ConflictDetectionRate, ShouldEqual, 1)

		time.Sleep(5 * time.Millisecond)
		c.Publish(domain.NewEvent(domain.ConflictResolvedEvent, conflict))

		Convey("OpenConflicts drops to zero and a resolution latency sample is recorded", func() {
			snap := c.Take()
			So(snap.OpenConflicts, ShouldEqual, 0)
			So(snap.MTTRMinutes, ShouldBeGreaterThanOrEqualTo, 0)
			So(snap.AverageResolutionMin, ShouldBeGreaterThanOrEqualTo, 0)
		})
	})
}

func TestConflictDetectedIsIdempotentPerID(t *testing.T) {
	Convey("Given the same conflict ID detected twice", t, func() {
		c := NewCollector()
		conflict := domain.Conflict{ID: "dup"}
		c.Publish(domain.NewEvent(domain.ConflictDetectedEvent, conflict))
		c.Publish(domain.NewEvent(domain.ConflictDetectedEvent, conflict))

		Convey("Only one open conflict and one detection are counted", func() {
			snap := c.Take()
			So(snap.OpenConflicts, ShouldEqual, 1)
			So(snap.ConflictDetectionRate, ShouldEqual, 1)
		})
	})
}

func TestSectionExitIncrementsThroughput(t *testing.T) {
	Convey("Given three SectionExit events", t, func() {
		c := NewCollector()
		for i := 0; i < 3; i++ {
			c.Publish(domain.NewEvent(domain.SectionExitEvent, nil))
		}

		Convey("Throughput reflects all three within the trailing window", func() {
			So(c.Take().Throughput, ShouldEqual, 3)
		})
	})
}

func TestDecisionLoggedSplitsAcceptedAndRejected(t *testing.T) {
	Convey("Given a mix of accepted and rejected decisions", t, func() {
		c := NewCollector()
		conflictID := "c1"

		accepted := domain.Decision{ConflictID: &conflictID, Action: domain.ActionManualOverride, AIGenerated: true}
		rejected := domain.Decision{ConflictID: &conflictID, Action: domain.ActionResume}

		c.Publish(domain.NewEvent(domain.DecisionLoggedEvent, accepted))
		c.Publish(domain.NewEvent(domain.DecisionLoggedEvent, accepted))
		c.Publish(domain.NewEvent(domain.DecisionLoggedEvent, rejected))

		Convey("AcceptanceRate and AIAdoptionRate reflect the 2/3 and 2/3 splits", func() {
			snap := c.Take()
			So(snap.AcceptanceRate, ShouldAlmostEqual, 200.0/3.0, 0.01)
			So(snap.AIAdoptionRate, ShouldAlmostEqual, 200.0/3.0, 0.01)
		})
	})
}

func TestDecisionLoggedIgnoresPlainControlCommands(t *testing.T) {
	Convey("Given a Decision with no ConflictID (a plain ControlTrain command)", t, func() {
		c := NewCollector()
		c.Publish(domain.NewEvent(domain.DecisionLoggedEvent, domain.Decision{Action: domain.ActionDelay}))

		Convey("It is not counted toward acceptance rate", func() {
			snap := c.Take()
			So(snap.AcceptanceRate, ShouldEqual, 0)
		})
	})
}

func TestDecisionExecutedTracksSuccessRate(t *testing.T) {
	Convey("Given two successful and one failed execution", t, func() {
		c := NewCollector()
		c.Publish(domain.NewEvent(domain.DecisionExecutedEvent, domain.Decision{Executed: true, ExecutionResult: "ok"}))
		c.Publish(domain.NewEvent(domain.DecisionExecutedEvent, domain.Decision{Executed: true, ExecutionResult: "ok"}))
		c.Publish(domain.NewEvent(domain.DecisionExecutedEvent, domain.Decision{Executed: true, ExecutionResult: "failed: timeout"}))

		Convey("ExecutorSuccessRate is 2/3", func() {
			snap := c.Take()
			So(snap.ExecutorSuccessRate, ShouldAlmostEqual, 200.0/3.0, 0.01)
		})
	})
}

func TestRecordUtilization(t *testing.T) {
	Convey("Given an occupied/total ratio", t, func() {
		c := NewCollector()
		c.RecordUtilization(3, 4)

		Convey("Utilization is reported as a percentage", func() {
			So(c.Take().Utilization, ShouldEqual, 75.0)
		})

		Convey("A non-positive total yields zero rather than a divide by zero", func() {
			c.RecordUtilization(1, 0)
			So(c.Take().Utilization, ShouldEqual, 0)
		})
	})
}

func TestHistoryCapsAndOrdersOldestFirst(t *testing.T) {
	Convey("Given a Collector with a few manually-taken snapshots", t, func() {
		c := NewCollector()
		c.snapshot()
		c.RecordUtilization(1, 2)
		c.snapshot()

		Convey("History returns them oldest first, capped at the requested limit", func() {
			hist := c.History(1)
			So(hist, ShouldHaveLength, 1)
			all := c.History(0)
			So(all, ShouldHaveLength, 2)
			So(all[1].Utilization, ShouldEqual, 50.0)
		})
	})
}

func TestIgnoresEventsWithWrongPayloadType(t *testing.T) {
	Convey("Given events whose Data does not match the expected type", t, func() {
		c := NewCollector()
		c.Publish(domain.NewEvent(domain.ConflictDetectedEvent, "not-a-conflict"))
		c.Publish(domain.NewEvent(domain.DecisionLoggedEvent, 42))

		Convey("They are silently ignored rather than panicking", func() {
			snap := c.Take()
			So(snap.OpenConflicts, ShouldEqual, 0)
			So(snap.AcceptanceRate, ShouldEqual, 0)
		})
	})
}
