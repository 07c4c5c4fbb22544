package broadcast

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/ts2/railctl/domain"
)

func init() {
	InitializeLogger(log.New())
}

// newTestConnection builds a Connection without a real websocket, enough to
// exercise Hub.Register/Publish/deliver in isolation.
func newTestConnection(backlog int, sub Subscription) *Connection {
	return &Connection{send: make(chan []byte, backlog), remote: "test", sub: sub}
}

func TestHubSubscriptionMatching(t *testing.T) {
	Convey("Given a hub with one ALL subscriber and one train-scoped subscriber", t, func() {
		h := New(Config{Shards: 2, MaxClientBacklog: 4, HardClientBacklog: 8})
		all := newTestConnection(4, Subscription{All: true})
		trainID := 42
		scoped := newTestConnection(4, Subscription{TrainID: &trainID})
		h.Register(all)
		h.Register(scoped)

		Convey("An event tagged with train 42 reaches both connections", func() {
			h.Publish(domain.NewEvent(domain.PositionUpdateEvent, map[string]int{"trainId": 42}).WithTrain(42))
			So(len(all.send), ShouldEqual, 1)
			So(len(scoped.send), ShouldEqual, 1)
		})

		Convey("An event tagged with a different train reaches only the ALL subscriber", func() {
			h.Publish(domain.NewEvent(domain.PositionUpdateEvent, map[string]int{"trainId": 7}).WithTrain(7))
			So(len(all.send), ShouldEqual, 1)
			So(len(scoped.send), ShouldEqual, 0)
		})
	})
}

func TestHubUnregister(t *testing.T) {
	Convey("Given a registered connection that then unregisters", t, func() {
		h := New(Config{Shards: 2})
		conn := newTestConnection(4, Subscription{All: true})
		h.Register(conn)
		h.Unregister(conn)

		Convey("Further publishes do not reach it", func() {
			h.Publish(domain.NewEvent(domain.SystemMessageEvent, "hello"))
			So(len(conn.send), ShouldEqual, 0)
		})
	})
}

// TestHubSoftBacklogDrop exercises §4.5's soft-drop policy: once a
// connection's buffer is full, the oldest queued message is dropped to
// make room for the newest.
func TestHubSoftBacklogDrop(t *testing.T) {
	Convey("Given a connection with a backlog of 2", t, func() {
		h := New(Config{Shards: 1, MaxClientBacklog: 2, HardClientBacklog: 100})
		conn := newTestConnection(2, Subscription{All: true})
		h.Register(conn)

		for i := 0; i < 5; i++ {
			h.Publish(domain.NewEvent(domain.SystemMessageEvent, i))
		}

		Convey("The buffer never exceeds its capacity and the connection is not closed", func() {
			So(len(conn.send), ShouldEqual, 2)
		})
	})
}

func TestSubscriptionMatches(t *testing.T) {
	Convey("Subscription.matches implements the §4.5 three forms", t, func() {
		trainID, sectionID := 1, 2
		ev := domain.NewEvent(domain.SectionStatusEvent, nil).WithSection(2)

		So(Subscription{All: true}.matches(ev), ShouldBeTrue)
		So(Subscription{SectionID: &sectionID}.matches(ev), ShouldBeTrue)
		So(Subscription{TrainID: &trainID}.matches(ev), ShouldBeFalse)
	})
}
