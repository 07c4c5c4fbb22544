package audit

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/ts2/railctl/domain"
)

func TestPublishFiltersChattyEvents(t *testing.T) {
	Convey("Given a Log", t, func() {
		l := NewLog(10)

		Convey("PositionUpdate and SectionStatus are dropped, not appended", func() {
			l.Publish(domain.NewEvent(domain.PositionUpdateEvent, nil))
			l.Publish(domain.NewEvent(domain.SectionStatusEvent, nil))
			So(l.Since(0, 100), ShouldBeEmpty)
		})

		Convey("ConflictDetected is appended with its severity and trains", func() {
			c := domain.Conflict{ID: "c1", Type: domain.CollisionRisk, Severity: domain.SeverityHigh, SeverityScore: 8, TrainsInvolved: []int{1, 2}}
			l.Publish(domain.NewEvent(domain.ConflictDetectedEvent, c))
			entries := l.Since(0, 100)
			So(entries, ShouldHaveLength, 1)
			So(entries[0].Event, ShouldEqual, "CONFLICT_DETECTED")
			So(entries[0].Severity, ShouldEqual, "WARN")
			So(entries[0].Object["conflictId"], ShouldEqual, "c1")
		})
	})
}

func TestLogRingBufferEviction(t *testing.T) {
	Convey("Given a Log with capacity 3", t, func() {
		l := NewLog(3)
		for i := 0; i < 5; i++ {
			l.Publish(domain.NewEvent(domain.SystemMessageEvent, i))
		}

		Convey("Only the 3 most recent entries are retained", func() {
			entries := l.Since(0, 100)
			So(entries, ShouldHaveLength, 3)
			So(entries[0].Details["message"], ShouldEqual, "2")
			So(entries[2].Details["message"], ShouldEqual, "4")
		})
	})
}

func TestSinceCursor(t *testing.T) {
	Convey("Given a Log with several appended entries", t, func() {
		l := NewLog(10)
		for i := 0; i < 4; i++ {
			l.Publish(domain.NewEvent(domain.SystemMessageEvent, i))
		}
		first := l.Since(0, 100)
		So(first, ShouldHaveLength, 4)

		Convey("Since(cursor) returns only entries after the cursor", func() {
			cursor := parseID(t, first[1].ID)
			rest := l.Since(cursor, 100)
			So(rest, ShouldHaveLength, 2)
		})
	})
}

func parseID(t *testing.T, s string) int64 {
	t.Helper()
	var n int64
	for _, r := range s {
		n = n*10 + int64(r-'0')
	}
	return n
}

func TestSubscribe(t *testing.T) {
	Convey("Given a subscriber", t, func() {
		l := NewLog(10)
		ch := l.Subscribe()
		defer l.Unsubscribe(ch)

		l.Publish(domain.NewEvent(domain.SystemMessageEvent, "hello"))

		Convey("The subscriber receives the new entry", func() {
			select {
			case e := <-ch:
				So(e.Details["message"], ShouldEqual, "hello")
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for subscriber entry")
			}
		})
	})
}
