package bus

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/theapemachine/a2a-relay/pkg/envelope"
)

func testGroups() []GroupSpec {
	return []GroupSpec{GroupSpec{Name: "blog-agents"}.WithDefaults()}
}

func testRequest(toAgent string) *envelope.Envelope {
	return envelope.NewRequest(
		"blog-agents", toAgent, "writer", "proxy-west",
		"POST", "/v1/messages:send", nil,
		[]byte(`{"jsonrpc":"2.0","id":"r1"}`), false,
	)
}

func collect(ctx context.Context, m *Memory, sub Subscription, out chan<- *Delivery) error {
	return m.Subscribe(ctx, sub, func(ctx context.Context, d *Delivery) {
		out <- d
	})
}

func TestMemoryTopology(t *testing.T) {
	Convey("Given a fresh in-process bus", t, func() {
		m := NewMemory()
		ctx := context.Background()

		Convey("Verify fails before the topology exists", func() {
			err := m.VerifyTopology(ctx, testGroups())
			So(err, ShouldNotBeNil)
			So(err, ShouldHaveSameTypeAs, &TopologyError{})
		})

		Convey("Ensure creates the topic triple and is idempotent", func() {
			So(m.EnsureTopology(ctx, testGroups()), ShouldBeNil)
			So(m.EnsureTopology(ctx, testGroups()), ShouldBeNil)
			So(m.VerifyTopology(ctx, testGroups()), ShouldBeNil)
		})

		Convey("Publishing to a missing topic fails", func() {
			err := m.Publish(ctx, RequestsTopic("nope"), testRequest("critic"))
			So(err, ShouldNotBeNil)
		})
	})
}

func TestMemorySelectorFiltering(t *testing.T) {
	Convey("Given a requests subscription filtered on toAgent", t, func() {
		m := NewMemory()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		So(m.EnsureTopology(ctx, testGroups()), ShouldBeNil)

		deliveries := make(chan *Delivery, 8)
		sub := Subscription{
			Topic:    RequestsTopic("blog-agents"),
			Name:     SubscriptionName("proxy-east", "blog-agents", RoleRequests),
			Selector: Selector{Property: PropToAgent, Value: "critic"},
		}
		So(collect(ctx, m, sub, deliveries), ShouldBeNil)

		Convey("Only envelopes addressed to the agent arrive", func() {
			So(m.Publish(ctx, RequestsTopic("blog-agents"), testRequest("critic")), ShouldBeNil)
			So(m.Publish(ctx, RequestsTopic("blog-agents"), testRequest("editor")), ShouldBeNil)
			So(m.Publish(ctx, RequestsTopic("blog-agents"), testRequest("critic")), ShouldBeNil)

			first := <-deliveries
			second := <-deliveries
			So(first.Envelope.ToAgent, ShouldEqual, "critic")
			So(second.Envelope.ToAgent, ShouldEqual, "critic")

			select {
			case extra := <-deliveries:
				So(extra, ShouldBeNil)
			case <-time.After(50 * time.Millisecond):
			}
		})
	})
}

func TestMemoryFIFOWithinCorrelation(t *testing.T) {
	Convey("Given chunks published in order on one correlation", t, func() {
		m := NewMemory()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		So(m.EnsureTopology(ctx, testGroups()), ShouldBeNil)

		deliveries := make(chan *Delivery, 8)
		sub := Subscription{
			Topic:          ResponsesTopic("blog-agents"),
			Name:           SubscriptionName("proxy-west", "blog-agents", RoleResponses),
			Selector:       Selector{Property: PropToProxy, Value: "proxy-west"},
			RequireSession: true,
		}
		So(collect(ctx, m, sub, deliveries), ShouldBeNil)

		req := envelope.NewRequest(
			"blog-agents", "critic", "writer", "proxy-west",
			"POST", "/v1/messages:stream", nil, nil, true,
		)
		for seq := 0; seq < 4; seq++ {
			final := seq == 3
			chunkType := envelope.ChunkData
			if final {
				chunkType = envelope.ChunkEnd
			}
			chunk, err := envelope.NewChunk(req, "proxy-east", "s1", seq, chunkType, envelope.ChunkPayload{Data: "x"}, final)
			So(err, ShouldBeNil)
			So(m.Publish(ctx, ResponsesTopic("blog-agents"), chunk), ShouldBeNil)
		}

		Convey("They arrive in publish order", func() {
			for seq := 0; seq < 4; seq++ {
				d := <-deliveries
				So(d.Envelope.Sequence, ShouldEqual, seq)
				So(d.Envelope.CorrelationID, ShouldEqual, req.CorrelationID)
			}
		})
	})
}

func TestMemoryAbandonAndDeadLetter(t *testing.T) {
	Convey("Given a subscription whose handler abandons everything", t, func() {
		m := NewMemory()
		m.MaxDelivery = 3
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		So(m.EnsureTopology(ctx, testGroups()), ShouldBeNil)

		counts := make(chan int, 8)
		sub := Subscription{
			Topic: RequestsTopic("blog-agents"),
			Name:  SubscriptionName("proxy-east", "blog-agents", RoleRequests),
		}
		So(m.Subscribe(ctx, sub, func(ctx context.Context, d *Delivery) {
			counts <- d.DeliveryCount
			_ = d.Abandon(ctx)
		}), ShouldBeNil)

		dead := make(chan *Delivery, 1)
		So(collect(ctx, m, Subscription{
			Topic: DeadLetterTopic("blog-agents"),
			Name:  "dlq-watcher",
		}, dead), ShouldBeNil)

		So(m.Publish(ctx, RequestsTopic("blog-agents"), testRequest("critic")), ShouldBeNil)

		Convey("Redelivery counts climb until the message is dead-lettered", func() {
			So(<-counts, ShouldEqual, 1)
			So(<-counts, ShouldEqual, 2)
			So(<-counts, ShouldEqual, 3)

			select {
			case d := <-dead:
				So(d.Envelope.ToAgent, ShouldEqual, "critic")
			case <-time.After(time.Second):
				t.Fatal("dead letter never arrived")
			}
		})
	})
}

func TestMemoryDropsExpiredEnvelopes(t *testing.T) {
	Convey("Given an envelope whose TTL already elapsed", t, func() {
		m := NewMemory()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		So(m.EnsureTopology(ctx, testGroups()), ShouldBeNil)

		stale := testRequest("critic")
		stale.Timestamp = time.Now().Add(-time.Hour).UnixMilli()
		stale.TTL = time.Second.Milliseconds()

		deliveries := make(chan *Delivery, 1)
		So(collect(ctx, m, Subscription{
			Topic: RequestsTopic("blog-agents"),
			Name:  SubscriptionName("proxy-east", "blog-agents", RoleRequests),
		}, deliveries), ShouldBeNil)

		So(m.Publish(ctx, RequestsTopic("blog-agents"), stale), ShouldBeNil)

		Convey("The adapter never hands it to the handler", func() {
			select {
			case d := <-deliveries:
				So(d, ShouldBeNil)
			case <-time.After(100 * time.Millisecond):
			}
		})
	})
}

func TestSelectorSQL(t *testing.T) {
	Convey("A selector renders as a subscription rule", t, func() {
		s := Selector{Property: PropToAgent, Value: "critic"}
		So(s.SQL(), ShouldEqual, "toAgent = 'critic'")
		So(s.Matches(map[string]any{PropToAgent: "critic"}), ShouldBeTrue)
		So(s.Matches(map[string]any{PropToAgent: "editor"}), ShouldBeFalse)
		So(Selector{}.Matches(nil), ShouldBeTrue)
	})
}
