package decision

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"
	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/ts2/railctl/domain"
	"github.com/ts2/railctl/ratelimit"
)

func init() {
	InitializeLogger(log.New())
}

func newTestEngine(t *testing.T) (*Engine, *domain.MemStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := domain.NewMemStore()
	limiter := ratelimit.New(client)
	eng := New(store, nil, limiter, client, nil, nil, Config{})
	return eng, store, mr
}

func seedController(t *testing.T, store *domain.MemStore, id int, level domain.AuthLevel, sections ...int) {
	t.Helper()
	resp := make(map[int]bool, len(sections))
	for _, s := range sections {
		resp[s] = true
	}
	_ = store.Update(func(tx domain.Tx) error {
		return tx.UpsertController(domain.Controller{ID: id, EmployeeID: "E", AuthLevel: level, SectionResponsibility: resp, Active: true})
	})
}

func seedConflict(t *testing.T, store *domain.MemStore, id string) {
	t.Helper()
	_ = store.Update(func(tx domain.Tx) error {
		return tx.SaveConflict(domain.Conflict{
			ID:             id,
			Type:           domain.CollisionRisk,
			Severity:       domain.SeverityHigh,
			SeverityScore:  8,
			TrainsInvolved: []int{101, 102},
			Suggestions:    []domain.ResolutionSuggestion{{Description: "delay 102"}},
			DetectionTime:  time.Now().UTC(),
		})
	})
}

func seedTrain(t *testing.T, store *domain.MemStore, id int, section *int) {
	t.Helper()
	_ = store.Update(func(tx domain.Tx) error {
		return tx.UpsertTrain(domain.Train{ID: id, Priority: 5, MaxSpeed: 80, CurrentSectionID: section})
	})
}

// TestResolveConflictAuthorization exercises §4.4's SUPERVISOR+ requirement.
func TestResolveConflictAuthorization(t *testing.T) {
	Convey("Given an OPERATOR attempting to resolve a conflict", t, func() {
		eng, store, mr := newTestEngine(t)
		defer mr.Close()
		seedController(t, store, 1, domain.Operator)
		seedConflict(t, store, "c1")

		Convey("ResolveConflict is rejected FORBIDDEN", func() {
			_, err := eng.ResolveConflict(context.Background(), 1, "c1", domain.ResolveAccept, "looks fine to me", nil, nil)
			So(err, ShouldNotBeNil)
			So(domain.CodeOf(err), ShouldEqual, domain.Forbidden)
		})
	})
}

func TestResolveConflictNotFoundAndAlreadyResolved(t *testing.T) {
	Convey("Given a SUPERVISOR", t, func() {
		eng, store, mr := newTestEngine(t)
		defer mr.Close()
		seedController(t, store, 1, domain.Supervisor)

		Convey("Resolving an unknown conflict returns NOT_FOUND", func() {
			_, err := eng.ResolveConflict(context.Background(), 1, "missing", domain.ResolveAccept, "clearing the board", nil, nil)
			So(err, ShouldNotBeNil)
			So(domain.CodeOf(err), ShouldEqual, domain.NotFound)
		})

		Convey("Resolving an already-resolved conflict returns ALREADY_RESOLVED (PRECONDITION)", func() {
			seedConflict(t, store, "c2")
			now := time.Now().UTC()
			_ = store.Update(func(tx domain.Tx) error {
				c, _, _ := tx.Conflict("c2")
				c.ResolutionTime = &now
				return tx.SaveConflict(c)
			})
			_, err := eng.ResolveConflict(context.Background(), 1, "c2", domain.ResolveAccept, "clearing the board", nil, nil)
			So(err, ShouldNotBeNil)
			So(domain.CodeOf(err), ShouldEqual, domain.Precondition)
		})
	})
}

// TestResolveConflictReject covers the REJECT path, which resolves the
// conflict and marks the decision executed synchronously.
func TestResolveConflictReject(t *testing.T) {
	Convey("Given a SUPERVISOR rejecting a conflict", t, func() {
		eng, store, mr := newTestEngine(t)
		defer mr.Close()
		seedController(t, store, 1, domain.Supervisor)
		seedConflict(t, store, "c3")

		d, err := eng.ResolveConflict(context.Background(), 1, "c3", domain.ResolveReject, "not a real conflict", nil, nil)
		Convey("A Decision row is written with executed=true and the conflict is resolved", func() {
			So(err, ShouldBeNil)
			So(d.Executed, ShouldBeTrue)
			So(d.ExecutionTime, ShouldNotBeNil)

			c, ok, _ := store.Conflict("c3")
			So(ok, ShouldBeTrue)
			So(c.Resolved(), ShouldBeTrue)
			So(c.ResolvedByControllerID, ShouldNotBeNil)
			So(*c.ResolvedByControllerID, ShouldEqual, 1)
		})
	})
}

// TestControlTrainEmergencyAuthorization is the S6 seed scenario: a
// SUPERVISOR (not MANAGER) issuing an emergency command is FORBIDDEN and no
// decision row is created.
func TestControlTrainEmergencyAuthorization(t *testing.T) {
	Convey("Given a SUPERVISOR issuing ControlTrain with emergency=true", t, func() {
		eng, store, mr := newTestEngine(t)
		defer mr.Close()
		sec := 5
		seedController(t, store, 1, domain.Supervisor, 5)
		seedTrain(t, store, 301, &sec)

		Convey("The call is rejected FORBIDDEN and no decision row exists", func() {
			_, err := eng.ControlTrain(context.Background(), 1, 301, domain.ActionEmergencyStop, map[string]interface{}{}, "derailment risk", true)
			So(err, ShouldNotBeNil)
			So(domain.CodeOf(err), ShouldEqual, domain.Forbidden)

			_, total, qerr := store.QueryDecisions(domain.DecisionFilter{})
			So(qerr, ShouldBeNil)
			So(total, ShouldEqual, 0)
		})
	})
}

// TestControlTrainSectionResponsibility exercises §4.4's
// section_responsibility restriction.
func TestControlTrainSectionResponsibility(t *testing.T) {
	Convey("Given a SUPERVISOR not responsible for the train's section", t, func() {
		eng, store, mr := newTestEngine(t)
		defer mr.Close()
		sec := 5
		seedController(t, store, 1, domain.Supervisor, 99) // responsible for 99, not 5
		seedTrain(t, store, 301, &sec)

		Convey("ControlTrain is FORBIDDEN", func() {
			_, err := eng.ControlTrain(context.Background(), 1, 301, domain.ActionDelay,
				map[string]interface{}{"delay_minutes": float64(5)}, "congestion ahead", false)
			So(err, ShouldNotBeNil)
			So(domain.CodeOf(err), ShouldEqual, domain.Forbidden)
		})
	})

	Convey("Given an ADMIN with no declared section responsibility", t, func() {
		eng, store, mr := newTestEngine(t)
		defer mr.Close()
		sec := 5
		seedController(t, store, 2, domain.Admin)
		seedTrain(t, store, 301, &sec)

		Convey("ControlTrain is permitted regardless of section", func() {
			d, err := eng.ControlTrain(context.Background(), 2, 301, domain.ActionDelay,
				map[string]interface{}{"delay_minutes": float64(5)}, "congestion ahead", false)
			So(err, ShouldBeNil)
			So(d.Action, ShouldEqual, domain.ActionDelay)
		})
	})
}

// TestControlTrainParameterValidation covers §4.4's per-command parameter
// range constraints.
func TestControlTrainParameterValidation(t *testing.T) {
	Convey("Given a responsible SUPERVISOR issuing an out-of-range DELAY", t, func() {
		eng, store, mr := newTestEngine(t)
		defer mr.Close()
		sec := 5
		seedController(t, store, 1, domain.Supervisor, 5)
		seedTrain(t, store, 301, &sec)

		Convey("The call is rejected VALIDATION", func() {
			_, err := eng.ControlTrain(context.Background(), 1, 301, domain.ActionDelay,
				map[string]interface{}{"delay_minutes": float64(181)}, "delay far beyond policy", false)
			So(err, ShouldNotBeNil)
			So(domain.CodeOf(err), ShouldEqual, domain.Validation)
		})
	})
}

// TestControlTrainRerouteApproval exercises the approval workflow
// of §4.4: REROUTE always requires approval, auto-approved when the
// submitter is already SUPERVISOR+.
func TestControlTrainRerouteApproval(t *testing.T) {
	Convey("Given a SUPERVISOR issuing a REROUTE", t, func() {
		eng, store, mr := newTestEngine(t)
		defer mr.Close()
		sec := 5
		seedController(t, store, 1, domain.Supervisor, 5)
		seedTrain(t, store, 301, &sec)

		d, err := eng.ControlTrain(context.Background(), 1, 301, domain.ActionReroute,
			map[string]interface{}{"new_route": []interface{}{float64(6), float64(7)}}, "track maintenance", false)

		Convey("The decision is auto-approved because the submitter is already SUPERVISOR+", func() {
			So(err, ShouldBeNil)
			So(d.ApprovalRequired, ShouldBeTrue)
			So(d.Approved(), ShouldBeTrue)
			So(d.ApprovedByControllerID, ShouldNotBeNil)
		})
	})
}

// TestRateLimitBurst is the S4 seed scenario: a burst of 12 ResolveConflict
// calls from one SUPERVISOR with a budget of 10/min yields exactly 10
// accepted and 2 RATE_LIMITED.
func TestRateLimitBurst(t *testing.T) {
	Convey("Given a SUPERVISOR issuing 12 ResolveConflict calls in a burst", t, func() {
		eng, store, mr := newTestEngine(t)
		defer mr.Close()
		seedController(t, store, 1, domain.Supervisor)
		for i := 0; i < 12; i++ {
			seedConflict(t, store, uuidLike(i))
		}

		accepted, limited := 0, 0
		for i := 0; i < 12; i++ {
			_, err := eng.ResolveConflict(context.Background(), 1, uuidLike(i), domain.ResolveReject, "bulk clearing stale alerts", nil, nil)
			if err == nil {
				accepted++
			} else if domain.CodeOf(err) == domain.RateLimited {
				limited++
			}
		}

		Convey("Exactly 10 are accepted and 2 are RATE_LIMITED", func() {
			So(accepted, ShouldEqual, 10)
			So(limited, ShouldEqual, 2)
		})

		Convey("After the window rolls over, a new call succeeds", func() {
			mr.FastForward(61 * time.Second)
			seedConflict(t, store, "c-after-window")
			_, err := eng.ResolveConflict(context.Background(), 1, "c-after-window", domain.ResolveReject, "clearing after cooldown", nil, nil)
			So(err, ShouldBeNil)
		})
	})
}

func uuidLike(i int) string {
	return "conflict-" + string(rune('a'+i))
}

// TestAISolutionMismatch exercises the AI_SOLUTION_MISMATCH precondition.
func TestAISolutionMismatch(t *testing.T) {
	Convey("Given a conflict and a forged ai_solution_id", t, func() {
		eng, store, mr := newTestEngine(t)
		defer mr.Close()
		seedController(t, store, 1, domain.Supervisor)
		seedConflict(t, store, "c9")
		forged := "not-this-conflict:0"

		Convey("ResolveConflict rejects it as PRECONDITION", func() {
			_, err := eng.ResolveConflict(context.Background(), 1, "c9", domain.ResolveAccept, "applying ai suggestion", nil, &forged)
			So(err, ShouldNotBeNil)
			So(domain.CodeOf(err), ShouldEqual, domain.Precondition)
		})
	})
}

// TestRationaleMinimumLength covers the Decision invariant that every
// controller action carries a rationale of at least 10 characters.
func TestRationaleMinimumLength(t *testing.T) {
	Convey("Given a SUPERVISOR submitting a too-short rationale", t, func() {
		eng, store, mr := newTestEngine(t)
		defer mr.Close()
		sec := 5
		seedController(t, store, 1, domain.Supervisor, 5)
		seedConflict(t, store, "c10")
		seedTrain(t, store, 301, &sec)

		Convey("ResolveConflict is rejected VALIDATION", func() {
			_, err := eng.ResolveConflict(context.Background(), 1, "c10", domain.ResolveAccept, "ok", nil, nil)
			So(err, ShouldNotBeNil)
			So(domain.CodeOf(err), ShouldEqual, domain.Validation)
		})

		Convey("ControlTrain is rejected VALIDATION too", func() {
			_, err := eng.ControlTrain(context.Background(), 1, 301, domain.ActionDelay,
				map[string]interface{}{"delay_minutes": float64(5)}, "short", false)
			So(err, ShouldNotBeNil)
			So(domain.CodeOf(err), ShouldEqual, domain.Validation)
		})
	})
}
