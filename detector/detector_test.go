package detector

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/ts2/railctl/domain"
	"github.com/ts2/railctl/predictor"
)

func newTestDetector() *Detector {
	return New(Config{}, predictor.New(predictor.Config{}))
}

func TestSectionOverload(t *testing.T) {
	Convey("Given a section of capacity 1 holding two live occupancies", t, func() {
		now := time.Now().UTC()
		snap := domain.Snapshot{
			Now: now,
			Sections: map[int]domain.Section{
				1: {ID: 1, Type: domain.Track, Capacity: 1},
			},
			Occupancies: []domain.OccupancyRecord{
				{SectionID: 1, TrainID: 10, EntryTime: now},
				{SectionID: 1, TrainID: 20, EntryTime: now},
			},
		}
		det := newTestDetector()

		Convey("DetectAll reports exactly one SECTION_OVERLOAD conflict", func() {
			conflicts := det.DetectAll(snap, nil)
			So(conflicts, ShouldHaveLength, 1)
			So(conflicts[0].Type, ShouldEqual, domain.SectionOverload)
			So(conflicts[0].TrainsInvolved, ShouldResemble, []int{10, 20})
			So(conflicts[0].SeverityScore, ShouldBeGreaterThan, 0)
		})

		Convey("A re-detection within the dedup window keeps the same id and original detection time", func() {
			first := det.DetectAll(snap, nil)
			So(first, ShouldHaveLength, 1)

			second := det.DetectAll(snap, first)
			So(second, ShouldHaveLength, 1)
			So(second[0].ID, ShouldEqual, first[0].ID)
			So(second[0].DetectionTime, ShouldEqual, first[0].DetectionTime)
		})
	})

	Convey("Given a section at or under capacity", t, func() {
		now := time.Now().UTC()
		snap := domain.Snapshot{
			Now: now,
			Sections: map[int]domain.Section{
				1: {ID: 1, Type: domain.Track, Capacity: 2},
			},
			Occupancies: []domain.OccupancyRecord{
				{SectionID: 1, TrainID: 10, EntryTime: now},
				{SectionID: 1, TrainID: 20, EntryTime: now},
			},
		}
		det := newTestDetector()

		Convey("No conflict is reported", func() {
			So(det.DetectAll(snap, nil), ShouldBeEmpty)
		})
	})
}

func TestClamp(t *testing.T) {
	Convey("clamp bounds a value to [lo,hi]", t, func() {
		So(clamp(-5, 0, 10), ShouldEqual, 0)
		So(clamp(15, 0, 10), ShouldEqual, 10)
		So(clamp(4.2, 0, 10), ShouldEqual, 4.2)
	})
}

// TestCollisionRisk is the S1 seed scenario of spec.md §8: two trains
// predicted to enter a single-capacity track within 30 s of each other.
func TestCollisionRisk(t *testing.T) {
	Convey("Given two trains predicted to enter section 7 at overlapping times", t, func() {
		now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
		sec101, sec102 := 1, 1
		snap := domain.Snapshot{
			Now: now,
			Trains: map[int]domain.Train{
				101: {ID: 101, Priority: 8, MaxSpeed: 80, CurrentSectionID: &sec101, PassengerCount: 200},
				102: {ID: 102, Priority: 5, MaxSpeed: 80, CurrentSectionID: &sec102, PassengerCount: 150},
			},
			Sections: map[int]domain.Section{
				1: {ID: 1, Type: domain.Track, Capacity: 1, MaxSpeed: 80, Length: 1, AdjacentSectionIDs: []int{7}},
				7: {ID: 7, Type: domain.Track, Capacity: 1, MaxSpeed: 80, Length: 2},
			},
			Occupancies: []domain.OccupancyRecord{
				{SectionID: 1, TrainID: 101, EntryTime: now.Add(-30 * time.Second)},
				{SectionID: 1, TrainID: 102, EntryTime: now.Add(-30 * time.Second)},
			},
		}
		det := newTestDetector()

		Convey("DetectAll reports a COLLISION_RISK conflict naming both trains and section 7", func() {
			conflicts := det.DetectAll(snap, nil)
			var found *domain.Conflict
			for i := range conflicts {
				if conflicts[i].Type == domain.CollisionRisk {
					found = &conflicts[i]
				}
			}
			So(found, ShouldNotBeNil)
			So(found.TrainsInvolved, ShouldResemble, []int{101, 102})
			So(found.SectionsInvolved, ShouldResemble, []int{7})
			So(len(found.Suggestions), ShouldBeGreaterThan, 0)
		})
	})
}

// TestPriorityConflict is the S2 seed scenario: a low-priority freight
// train occupying a section a higher-priority express is about to enter.
func TestPriorityConflict(t *testing.T) {
	Convey("Given a low-priority train in section 12 and a high-priority train about to enter it", t, func() {
		now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
		sec12, sec99 := 12, 99
		snap := domain.Snapshot{
			Now: now,
			Trains: map[int]domain.Train{
				201: {ID: 201, Priority: 3, Type: domain.Freight, MaxSpeed: 60, CurrentSectionID: &sec12},
				202: {ID: 202, Priority: 9, Type: domain.Express, MaxSpeed: 100, CurrentSectionID: &sec99},
			},
			Sections: map[int]domain.Section{
				12: {ID: 12, Type: domain.Track, Capacity: 1, MaxSpeed: 60, Length: 2},
				99: {ID: 99, Type: domain.Track, Capacity: 1, MaxSpeed: 100, Length: 1, AdjacentSectionIDs: []int{12}},
			},
			Occupancies: []domain.OccupancyRecord{
				{SectionID: 12, TrainID: 201, EntryTime: now.Add(-5 * time.Minute)},
			},
		}
		det := newTestDetector()

		Convey("DetectAll reports a PRIORITY_CONFLICT naming both trains and section 12", func() {
			conflicts := det.DetectAll(snap, nil)
			var found *domain.Conflict
			for i := range conflicts {
				if conflicts[i].Type == domain.PriorityConflict {
					found = &conflicts[i]
				}
			}
			So(found, ShouldNotBeNil)
			So(found.SectionsInvolved, ShouldResemble, []int{12})
			So(found.TrainsInvolved, ShouldContain, 201)
			So(found.TrainsInvolved, ShouldContain, 202)
		})
	})
}

// TestJunctionConflict is the S3 seed scenario: four trains predicted
// inside a capacity-2 junction within the rolling window.
func TestJunctionConflict(t *testing.T) {
	Convey("Given four trains predicted inside a capacity-2 junction within 90s of each other", t, func() {
		now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
		occupancies := make([]domain.OccupancyRecord, 0, 4)
		trains := make(map[int]domain.Train, 4)
		approach := 100
		for i, id := range []int{1, 2, 3, 4} {
			sec := approach + i
			trains[id] = domain.Train{ID: id, Priority: 5, MaxSpeed: 60, CurrentSectionID: &sec}
			occupancies = append(occupancies, domain.OccupancyRecord{SectionID: sec, TrainID: id, EntryTime: now.Add(-time.Minute)})
		}
		sections := map[int]domain.Section{
			9: {ID: 9, Type: domain.Junction, Capacity: 2, MaxSpeed: 60, Length: 1},
		}
		for i := range []int{1, 2, 3, 4} {
			sec := approach + i
			sections[sec] = domain.Section{ID: sec, Type: domain.Track, Capacity: 1, MaxSpeed: 60, Length: 0.1, AdjacentSectionIDs: []int{9}}
		}
		snap := domain.Snapshot{Now: now, Trains: trains, Sections: sections, Occupancies: occupancies}
		det := newTestDetector()

		Convey("DetectAll reports a JUNCTION_CONFLICT naming all four trains and section 9", func() {
			conflicts := det.DetectAll(snap, nil)
			var found *domain.Conflict
			for i := range conflicts {
				if conflicts[i].Type == domain.JunctionConflict {
					found = &conflicts[i]
				}
			}
			So(found, ShouldNotBeNil)
			So(found.SectionsInvolved, ShouldResemble, []int{9})
			So(len(found.TrainsInvolved), ShouldEqual, 4)
			So(found.Severity, ShouldBeIn, domain.SeverityHigh, domain.SeverityCritical)
		})
	})
}

func TestSeverityBucketBoundaries(t *testing.T) {
	Convey("SeverityBucket maps scores to the §4.2 buckets", t, func() {
		So(domain.SeverityBucket(1), ShouldEqual, domain.SeverityLow)
		So(domain.SeverityBucket(3), ShouldEqual, domain.SeverityLow)
		So(domain.SeverityBucket(4), ShouldEqual, domain.SeverityMedium)
		So(domain.SeverityBucket(6), ShouldEqual, domain.SeverityMedium)
		So(domain.SeverityBucket(7), ShouldEqual, domain.SeverityHigh)
		So(domain.SeverityBucket(8), ShouldEqual, domain.SeverityHigh)
		So(domain.SeverityBucket(9), ShouldEqual, domain.SeverityCritical)
		So(domain.SeverityBucket(10), ShouldEqual, domain.SeverityCritical)
	})
}
