package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"
	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/ts2/railctl/detector"
	"github.com/ts2/railctl/domain"
	"github.com/ts2/railctl/predictor"
	"github.com/ts2/railctl/ratelimit"
)

func init() {
	InitializeLogger(log.New())
}

// capturingSink records every published event, used to assert the
// ConflictDetected/ConflictUpdated/ConflictAlert ordering of §4.3.
type capturingSink struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (s *capturingSink) Publish(e *domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *capturingSink) names() []domain.EventName {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventName, len(s.events))
	for i, e := range s.events {
		out[i] = e.Name
	}
	return out
}

func overloadedStore() *domain.MemStore {
	store := domain.NewMemStore()
	now := time.Now().UTC()
	_ = store.Update(func(tx domain.Tx) error {
		_ = tx.UpsertSection(domain.Section{ID: 1, Type: domain.Track, Capacity: 1})
		_ = tx.OpenOccupancy(1, 10, now, nil)
		_ = tx.OpenOccupancy(1, 20, now, nil)
		return nil
	})
	return store
}

func newTestScheduler(store *domain.MemStore, sink domain.Sink) *Scheduler {
	det := detector.New(detector.Config{}, predictor.New(predictor.Config{}))
	return New(store, det, sink, nil, Config{DetectionTimeout: time.Second})
}

// TestRunDetectionOnceFindsOverload is the §8 property 2
// (capacity/overload correspondence) exercised through the scheduler
// rather than the detector directly.
func TestRunDetectionOnceFindsOverload(t *testing.T) {
	Convey("Given a section over capacity", t, func() {
		store := overloadedStore()
		sink := &capturingSink{}
		sched := newTestScheduler(store, sink)

		delta, err := sched.RunDetectionOnce(context.Background(), "ctr1")

		Convey("A new SECTION_OVERLOAD conflict is persisted and a ConflictDetected event is published", func() {
			So(err, ShouldBeNil)
			So(delta.New, ShouldHaveLength, 1)
			So(delta.New[0].Type, ShouldEqual, domain.SectionOverload)

			active, _ := store.ActiveConflicts()
			So(active, ShouldHaveLength, 1)
			So(sink.names(), ShouldContain, domain.ConflictDetectedEvent)
		})
	})
}

// TestRunDetectionOnceDedup is §8 property 4: running detection twice
// within the 10s window on unchanged state yields zero net new conflicts.
func TestRunDetectionOnceDedup(t *testing.T) {
	Convey("Given unchanged overloaded state", t, func() {
		store := overloadedStore()
		sink := &capturingSink{}
		sched := newTestScheduler(store, sink)

		first, err := sched.RunDetectionOnce(context.Background(), "ctr1")
		So(err, ShouldBeNil)
		So(first.New, ShouldHaveLength, 1)

		second, err := sched.RunDetectionOnce(context.Background(), "ctr1")

		Convey("The second run reports the conflict as updated, not new, with the same id", func() {
			So(err, ShouldBeNil)
			So(second.New, ShouldBeEmpty)
			So(second.Updated, ShouldHaveLength, 1)
			So(second.Updated[0].ID, ShouldEqual, first.New[0].ID)
		})
	})
}

// TestRunDetectionOnceRejectsConcurrentRun exercises the non-blocking
// run-lock: a run already in flight causes a concurrent RunDetectionOnce
// to fail with PRECONDITION rather than block.
func TestRunDetectionOnceRejectsConcurrentRun(t *testing.T) {
	Convey("Given a scheduler whose run flag is already set", t, func() {
		store := overloadedStore()
		sched := newTestScheduler(store, nil)
		sched.running.Store(true)
		defer sched.running.Store(false)

		Convey("RunDetectionOnce fails fast with PRECONDITION", func() {
			_, err := sched.RunDetectionOnce(context.Background(), "ctr1")
			So(err, ShouldNotBeNil)
			So(domain.CodeOf(err), ShouldEqual, domain.Precondition)
		})
	})
}

// TestManualDetectionRateLimit is the manual-invocation budget of §4.3
// (default 5/min system-wide).
func TestManualDetectionRateLimit(t *testing.T) {
	Convey("Given a scheduler with a manual-detection limiter of budget 2", t, func() {
		mr, err := miniredis.Run()
		So(err, ShouldBeNil)
		defer mr.Close()
		limiter := ratelimit.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

		store := overloadedStore()
		det := detector.New(detector.Config{}, predictor.New(predictor.Config{}))
		sched := New(store, det, nil, limiter, Config{ManualLimit: 2, ManualWindow: time.Minute})

		_, err1 := sched.RunDetectionOnce(context.Background(), "ctr1")
		_, err2 := sched.RunDetectionOnce(context.Background(), "ctr1")
		_, err3 := sched.RunDetectionOnce(context.Background(), "ctr1")

		Convey("The third call within the window is RATE_LIMITED", func() {
			So(err1, ShouldBeNil)
			So(err2, ShouldBeNil)
			So(err3, ShouldNotBeNil)
			So(domain.CodeOf(err3), ShouldEqual, domain.RateLimited)
		})
	})
}
