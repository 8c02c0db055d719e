package pending

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/theapemachine/a2a-relay/pkg/envelope"
)

func newTestRegistry() *Registry {
	// Fast sweeper so timeout tests stay quick.
	return NewRegistry(10*time.Millisecond, 100*time.Millisecond)
}

func streamRequest() *envelope.Envelope {
	return envelope.NewRequest(
		"blog-agents", "critic", "writer", "proxy-west",
		"POST", "/v1/messages:stream", nil, nil, true,
	)
}

func syncRequest() *envelope.Envelope {
	return envelope.NewRequest(
		"blog-agents", "critic", "writer", "proxy-west",
		"POST", "/v1/messages:send", nil, nil, false,
	)
}

func TestSingleWaiterCompletes(t *testing.T) {
	Convey("Given a registered single-shot waiter", t, func() {
		reg := newTestRegistry()
		defer reg.Stop()

		req := syncRequest()
		waiter, err := reg.RegisterSingle(req.CorrelationID, time.Now().Add(time.Second))
		So(err, ShouldBeNil)

		Convey("Completing with its reply resolves the await", func() {
			reply := envelope.NewReply(req, "proxy-east", 200, []byte(`{"jsonrpc":"2.0","result":{},"id":"r1"}`))
			go reg.Complete(context.Background(), reply)

			got, err := waiter.Await(context.Background(), reg)
			So(err, ShouldBeNil)
			So(got.CorrelationID, ShouldEqual, req.CorrelationID)
			So(got.Status, ShouldEqual, 200)
			So(reg.Stats().Pending, ShouldEqual, 0)
		})

		Convey("A duplicate registration for the same correlation is refused", func() {
			_, err := reg.RegisterSingle(req.CorrelationID, time.Now().Add(time.Second))
			So(err, ShouldNotBeNil)
		})
	})
}

func TestReplyBeforeAwaitStillResolves(t *testing.T) {
	Convey("Given replies that land before the handler starts awaiting", t, func() {
		reg := newTestRegistry()
		defer reg.Stop()

		Convey("Await returns the buffered reply, never an empty result", func() {
			// Both the reply and the terminal close are ready when Await
			// runs its select; repeat so either pick would be exercised.
			for i := 0; i < 200; i++ {
				req := syncRequest()
				waiter, err := reg.RegisterSingle(req.CorrelationID, time.Now().Add(time.Second))
				So(err, ShouldBeNil)

				reg.Complete(context.Background(), envelope.NewReply(req, "proxy-east", 200, nil))

				got, err := waiter.Await(context.Background(), reg)
				So(err, ShouldBeNil)
				So(got, ShouldNotBeNil)
				So(got.Status, ShouldEqual, 200)
			}
		})
	})
}

func TestSingleWaiterTimesOut(t *testing.T) {
	Convey("Given a waiter whose deadline already passed", t, func() {
		reg := newTestRegistry()
		defer reg.Stop()

		req := syncRequest()
		waiter, err := reg.RegisterSingle(req.CorrelationID, time.Now().Add(20*time.Millisecond))
		So(err, ShouldBeNil)

		Convey("The sweeper terminates it with the timeout error", func() {
			_, err := waiter.Await(context.Background(), reg)
			So(err, ShouldEqual, ErrTimeout)
			So(reg.Stats().Expired, ShouldEqual, 1)

			Convey("And a late reply is dropped with a counter bump", func() {
				reply := envelope.NewReply(req, "proxy-east", 200, nil)
				reg.Complete(context.Background(), reply)
				So(reg.Stats().LateDrops, ShouldEqual, 1)
			})
		})
	})
}

func TestCancelIsTerminalExactlyOnce(t *testing.T) {
	Convey("Given a registered waiter", t, func() {
		reg := newTestRegistry()
		defer reg.Stop()

		req := syncRequest()
		waiter, err := reg.RegisterSingle(req.CorrelationID, time.Now().Add(time.Second))
		So(err, ShouldBeNil)

		Convey("Cancel terminates the waiter with the given reason", func() {
			reason := context.Canceled
			reg.Cancel(req.CorrelationID, reason)

			_, err := waiter.Await(context.Background(), reg)
			So(err, ShouldEqual, reason)

			Convey("A second cancel is a no-op", func() {
				So(func() { reg.Cancel(req.CorrelationID, reason) }, ShouldNotPanic)
			})

			Convey("A reply after cancel is a late drop, not a second terminal", func() {
				reg.Complete(context.Background(), envelope.NewReply(req, "proxy-east", 200, nil))
				So(reg.Stats().LateDrops, ShouldEqual, 1)
			})
		})
	})
}

func TestKindMismatchLeavesWaiterOpen(t *testing.T) {
	Convey("Given a single-shot waiter", t, func() {
		reg := newTestRegistry()
		defer reg.Stop()

		req := syncRequest()
		waiter, err := reg.RegisterSingle(req.CorrelationID, time.Now().Add(time.Second))
		So(err, ShouldBeNil)

		Convey("A chunk for its correlation is dropped without terminating it", func() {
			streamReq := streamRequest()
			streamReq.CorrelationID = req.CorrelationID
			chunk, err := envelope.NewChunk(streamReq, "proxy-east", "s1", 0, envelope.ChunkData, envelope.ChunkPayload{Data: "A"}, false)
			So(err, ShouldBeNil)

			reg.Complete(context.Background(), chunk)
			So(reg.Stats().KindMismatches, ShouldEqual, 1)
			So(reg.Stats().Pending, ShouldEqual, 1)

			Convey("The real reply still resolves the waiter", func() {
				go reg.Complete(context.Background(), envelope.NewReply(req, "proxy-east", 200, nil))
				_, err := waiter.Await(context.Background(), reg)
				So(err, ShouldBeNil)
			})
		})
	})
}

func TestStreamWaiterDeliversChunksInArrival(t *testing.T) {
	Convey("Given a stream waiter", t, func() {
		reg := newTestRegistry()
		defer reg.Stop()

		req := streamRequest()
		waiter, err := reg.RegisterStream(req.CorrelationID, time.Now().Add(time.Second), 8)
		So(err, ShouldBeNil)

		Convey("Chunks flow through the channel and the final chunk removes the waiter", func() {
			for seq := 0; seq < 3; seq++ {
				final := seq == 2
				chunkType := envelope.ChunkData
				if final {
					chunkType = envelope.ChunkEnd
				}
				chunk, err := envelope.NewChunk(req, "proxy-east", "s1", seq, chunkType, envelope.ChunkPayload{Data: "x"}, final)
				So(err, ShouldBeNil)
				reg.Complete(context.Background(), chunk)
			}

			for seq := 0; seq < 3; seq++ {
				chunk := <-waiter.Chunks()
				So(chunk.Sequence, ShouldEqual, seq)
			}

			So(reg.Stats().Pending, ShouldEqual, 0)

			Convey("A redelivered chunk after the final one is a late drop", func() {
				dup, err := envelope.NewChunk(req, "proxy-east", "s1", 1, envelope.ChunkData, envelope.ChunkPayload{Data: "x"}, false)
				So(err, ShouldBeNil)
				reg.Complete(context.Background(), dup)
				So(reg.Stats().LateDrops, ShouldEqual, 1)
			})
		})
	})
}

func TestStreamBackPressureBlocksComplete(t *testing.T) {
	Convey("Given a stream waiter with a one-slot buffer", t, func(c C) {
		reg := newTestRegistry()
		defer reg.Stop()

		req := streamRequest()
		waiter, err := reg.RegisterStream(req.CorrelationID, time.Now().Add(time.Second), 1)
		So(err, ShouldBeNil)

		chunkAt := func(seq int) *envelope.Envelope {
			chunk, err := envelope.NewChunk(req, "proxy-east", "s1", seq, envelope.ChunkData, envelope.ChunkPayload{Data: "x"}, false)
			c.So(err, ShouldBeNil)
			return chunk
		}

		Convey("Complete blocks until the drain side makes room", func() {
			reg.Complete(context.Background(), chunkAt(0))

			unblocked := make(chan struct{})
			go func() {
				reg.Complete(context.Background(), chunkAt(1))
				close(unblocked)
			}()

			select {
			case <-unblocked:
				t.Fatal("Complete returned with a full buffer")
			case <-time.After(50 * time.Millisecond):
			}

			<-waiter.Chunks()
			select {
			case <-unblocked:
			case <-time.After(time.Second):
				t.Fatal("Complete stayed blocked after drain")
			}
		})
	})
}

func TestStopTerminatesEverything(t *testing.T) {
	Convey("Given a registry with open waiters", t, func() {
		reg := newTestRegistry()

		single, err := reg.RegisterSingle("corr-1", time.Now().Add(time.Minute))
		So(err, ShouldBeNil)
		stream, err := reg.RegisterStream("corr-2", time.Now().Add(time.Minute), 4)
		So(err, ShouldBeNil)

		Convey("Stop resolves them all with the shutdown error", func() {
			reg.Stop()

			_, err := single.Await(context.Background(), reg)
			So(err, ShouldEqual, ErrShutdown)

			<-stream.Done()
			So(stream.Err(), ShouldEqual, ErrShutdown)
		})
	})
}
