package predictor

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/ts2/railctl/domain"
)

func TestPredictPathAlongRoute(t *testing.T) {
	Convey("Given a train part-way into section 1 with a two-section route ahead", t, func() {
		now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
		sectionID := 1
		snap := domain.Snapshot{
			Now: now,
			Trains: map[int]domain.Train{
				10: {ID: 10, MaxSpeed: 80, CurrentSectionID: &sectionID},
			},
			Sections: map[int]domain.Section{
				1: {ID: 1, Length: 8, MaxSpeed: 100},
				2: {ID: 2, Length: 8, MaxSpeed: 100},
			},
			Occupancies: []domain.OccupancyRecord{
				{SectionID: 1, TrainID: 10, EntryTime: now.Add(-10 * time.Minute)},
			},
		}
		pr := New(Config{})

		Convey("PredictPath returns a leg per section in order, starting no later than now", func() {
			legs, err := pr.PredictPath(snap, 10, time.Hour, []int{1, 2})
			So(err, ShouldBeNil)
			So(legs, ShouldHaveLength, 2)
			So(legs[0].SectionID, ShouldEqual, 1)
			So(legs[0].EntryTime, ShouldHappenOnOrBefore, now)
			So(legs[1].SectionID, ShouldEqual, 2)
			So(legs[1].EntryTime, ShouldHappenOnOrAfter, legs[0].ExitTime)
		})

		Convey("An unknown train yields a NOT_FOUND domain.Error", func() {
			_, err := pr.PredictPath(snap, 999, time.Hour, nil)
			So(err, ShouldNotBeNil)
			So(domain.CodeOf(err), ShouldEqual, domain.NotFound)
		})
	})
}

func TestPredictPathHeuristicContinuation(t *testing.T) {
	Convey("Given a train with no scheduled route on a single-track chain", t, func() {
		now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
		sectionID := 1
		snap := domain.Snapshot{
			Now: now,
			Trains: map[int]domain.Train{
				10: {ID: 10, MaxSpeed: 80, CurrentSectionID: &sectionID},
			},
			Sections: map[int]domain.Section{
				1: {ID: 1, Length: 8, MaxSpeed: 100, AdjacentSectionIDs: []int{2}},
				2: {ID: 2, Length: 8, MaxSpeed: 100, AdjacentSectionIDs: []int{1}},
			},
		}
		pr := New(Config{})

		Convey("PredictPath follows the single adjacent section rather than stopping at one leg", func() {
			legs, err := pr.PredictPath(snap, 10, time.Hour, nil)
			So(err, ShouldBeNil)
			So(legs, ShouldHaveLength, 2)
			So(legs[0].SectionID, ShouldEqual, 1)
			So(legs[1].SectionID, ShouldEqual, 2)
		})
	})

	Convey("Given a train with no current section", t, func() {
		now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
		snap := domain.Snapshot{
			Now:    now,
			Trains: map[int]domain.Train{10: {ID: 10}},
		}
		pr := New(Config{})

		Convey("PredictPath returns no legs and no error", func() {
			legs, err := pr.PredictPath(snap, 10, time.Hour, nil)
			So(err, ShouldBeNil)
			So(legs, ShouldBeEmpty)
		})
	})
}
