package proxy

// The receiver is the responder half of the proxy: it drains the request
// subscriptions for every hosted agent, forwards each envelope to the agent
// over HTTP, and publishes the reply or the chunked SSE stream back on the
// responses topic. A request is acked only after its reply (or final chunk)
// is accepted by the bus, so a crash in between re-executes the call and the
// requester side collapses the duplicates.

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/theapemachine/a2a-relay/pkg/bus"
	"github.com/theapemachine/a2a-relay/pkg/directory"
	"github.com/theapemachine/a2a-relay/pkg/envelope"
	"github.com/theapemachine/a2a-relay/pkg/jsonrpc"
	"github.com/theapemachine/a2a-relay/pkg/stream"
)

type Receiver struct {
	proxyID   string
	dir       *directory.Directory
	transport bus.Bus
	forwarder *Forwarder
	timeout   time.Duration

	served atomic.Int64
	poison atomic.Int64
}

func NewReceiver(proxyID string, dir *directory.Directory, transport bus.Bus, forwarder *Forwarder, timeout time.Duration) *Receiver {
	return &Receiver{
		proxyID:   proxyID,
		dir:       dir,
		transport: transport,
		forwarder: forwarder,
		timeout:   timeout,
	}
}

/*
Start attaches one request subscription per hosted (group, agent) pair, each
filtered server-side on the agent id. The subscriptions run until ctx is
cancelled.
*/
func (rcv *Receiver) Start(ctx context.Context) error {
	for _, group := range rcv.dir.HostedGroups() {
		for _, entry := range rcv.dir.Hosted(group) {
			sub := bus.Subscription{
				Topic:    bus.RequestsTopic(group),
				Name:     bus.SubscriptionName(rcv.proxyID, group, bus.RoleRequests),
				Selector: bus.Selector{Property: bus.PropToAgent, Value: entry.ID},
			}

			agent := entry
			if err := rcv.transport.Subscribe(ctx, sub, func(ctx context.Context, d *bus.Delivery) {
				rcv.handle(ctx, agent, d)
			}); err != nil {
				return err
			}

			log.Info("request subscription attached",
				"group", group, "agent", entry.ID, "subscription", sub.Name)
		}
	}
	return nil
}

func (rcv *Receiver) handle(ctx context.Context, agent directory.Entry, d *bus.Delivery) {
	env := d.Envelope

	if env.Kind != envelope.KindRequest {
		rcv.poison.Add(1)
		if err := d.DeadLetter(ctx, "non-request envelope on requests topic"); err != nil {
			log.Error("dead-letter failed", "messageId", d.MessageID, "error", err)
		}
		return
	}

	forwardCtx := ctx
	if !env.IsStream && rcv.timeout > 0 {
		var cancel context.CancelFunc
		forwardCtx, cancel = context.WithTimeout(ctx, rcv.timeout)
		defer cancel()
	}

	resp, rpcErr := rcv.forwarder.Forward(forwardCtx, agent, env)
	if rpcErr != nil {
		// The agent could not be reached; the requester still gets a reply so
		// its waiter resolves instead of timing out.
		body, _ := json.Marshal(jsonrpc.NewErrorResponse(jsonrpc.RequestID(env.Payload), rpcErr))
		rcv.publishReply(ctx, d, env, rpcErr.HTTPStatus(), body)
		return
	}
	defer resp.Body.Close()

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		rcv.relayStream(ctx, d, env, resp.Body)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error("failed to read agent response",
			"agent", agent.ID, "correlationId", env.CorrelationID, "error", err)
		if abandonErr := d.Abandon(ctx); abandonErr != nil {
			log.Error("abandon failed", "messageId", d.MessageID, "error", abandonErr)
		}
		return
	}

	rcv.publishReply(ctx, d, env, resp.StatusCode, body)
}

/*
publishReply wraps the agent's full response in a reply envelope and settles
the request: ack after a successful publish, abandon or dead-letter
otherwise depending on whether a redelivery could ever succeed.
*/
func (rcv *Receiver) publishReply(ctx context.Context, d *bus.Delivery, req *envelope.Envelope, status int, body []byte) {
	reply := envelope.NewReply(req, rcv.proxyID, status, body)

	if err := rcv.transport.Publish(ctx, bus.ResponsesTopic(req.Group), reply); err != nil {
		rcv.settlePublishFailure(ctx, d, req, err)
		return
	}

	if err := d.Ack(ctx); err != nil {
		log.Error("ack failed after reply publish", "messageId", d.MessageID, "error", err)
		return
	}
	rcv.served.Add(1)
}

/*
relayStream pumps the agent's SSE body onto the responses topic one chunk
envelope per event, sequences dense from zero. The terminal end chunk is
published in every exit path, error included, and the request is acked only
after the final chunk is on the bus.
*/
func (rcv *Receiver) relayStream(ctx context.Context, d *bus.Delivery, req *envelope.Envelope, body io.Reader) {
	var (
		streamID = uuid.NewString()
		scanner  = stream.NewScanner(body)
		topic    = bus.ResponsesTopic(req.Group)
		seq      = 0
	)

	publishChunk := func(chunkType envelope.ChunkType, payload envelope.ChunkPayload, final bool) error {
		chunk, err := envelope.NewChunk(req, rcv.proxyID, streamID, seq, chunkType, payload, final)
		if err != nil {
			return err
		}
		if err := rcv.transport.Publish(ctx, topic, chunk); err != nil {
			return err
		}
		seq++
		return nil
	}

	for {
		event, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Upstream broke mid-stream: tell the requester, then terminate
			// the stream cleanly so its client is not left hanging.
			log.Error("agent stream broke mid-flight",
				"correlationId", req.CorrelationID, "sequence", seq, "error", err)

			if pubErr := publishChunk(envelope.ChunkError, envelope.ChunkPayload{Data: err.Error(), Event: "error"}, false); pubErr != nil {
				rcv.settlePublishFailure(ctx, d, req, pubErr)
				return
			}
			if pubErr := publishChunk(envelope.ChunkEnd, envelope.ChunkPayload{}, true); pubErr != nil {
				rcv.settlePublishFailure(ctx, d, req, pubErr)
				return
			}
			rcv.settleStream(ctx, d)
			return
		}

		chunkType := envelope.ChunkData
		if event.Name != "" {
			chunkType = envelope.ChunkEvent
		}
		payload := envelope.ChunkPayload{
			Data:  event.Data,
			Event: event.Name,
			ID:    event.ID,
			Retry: event.Retry,
		}
		if err := publishChunk(chunkType, payload, false); err != nil {
			rcv.settlePublishFailure(ctx, d, req, err)
			return
		}
	}

	if err := publishChunk(envelope.ChunkEnd, envelope.ChunkPayload{}, true); err != nil {
		rcv.settlePublishFailure(ctx, d, req, err)
		return
	}
	rcv.settleStream(ctx, d)
}

func (rcv *Receiver) settleStream(ctx context.Context, d *bus.Delivery) {
	if err := d.Ack(ctx); err != nil {
		log.Error("ack failed after final chunk", "messageId", d.MessageID, "error", err)
		return
	}
	rcv.served.Add(1)
}

/*
settlePublishFailure settles a request whose reply or chunk could not be
published. A missing or broken topology fails identically on every
redelivery, so those dead-letter the request at once; anything else abandons
it and the bus redelivers.
*/
func (rcv *Receiver) settlePublishFailure(ctx context.Context, d *bus.Delivery, req *envelope.Envelope, cause error) {
	var topoErr *bus.TopologyError
	if stderrors.As(cause, &topoErr) {
		rcv.poison.Add(1)
		log.Error("publish hit missing topology, dead-lettering request",
			"correlationId", req.CorrelationID, "error", cause)
		if err := d.DeadLetter(ctx, "responses topology unavailable: "+cause.Error()); err != nil {
			log.Error("dead-letter failed", "messageId", d.MessageID, "error", err)
		}
		return
	}

	log.Error("publish failed, abandoning request",
		"correlationId", req.CorrelationID, "error", cause)
	if err := d.Abandon(ctx); err != nil {
		log.Error("abandon failed", "messageId", d.MessageID, "error", err)
	}
}

// Served returns how many requests this proxy has answered for its hosted
// agents.
func (rcv *Receiver) Served() int64 { return rcv.served.Load() }

// Poison returns how many undecodable or misrouted messages went to the
// dead-letter topic.
func (rcv *Receiver) Poison() int64 { return rcv.poison.Load() }
