package proxy

// The dispatcher is the requester half's bus listener: one session-aware
// subscription per group on the responses topic, filtered on this proxy's
// id. Every delivered envelope is handed to the pending registry; the
// registry decides whether a waiter still exists. The delivery is settled
// only after the registry accepts it, so a full stream buffer blocks the
// session and throttles the remote publisher instead of dropping chunks.

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/a2a-relay/pkg/bus"
	"github.com/theapemachine/a2a-relay/pkg/pending"
)

type Dispatcher struct {
	proxyID   string
	groups    []string
	transport bus.Bus
	registry  *pending.Registry
}

func NewDispatcher(proxyID string, groups []string, transport bus.Bus, registry *pending.Registry) *Dispatcher {
	return &Dispatcher{
		proxyID:   proxyID,
		groups:    groups,
		transport: transport,
		registry:  registry,
	}
}

// Start attaches the response subscriptions. They run until ctx is
// cancelled.
func (dsp *Dispatcher) Start(ctx context.Context) error {
	for _, group := range dsp.groups {
		sub := bus.Subscription{
			Topic:          bus.ResponsesTopic(group),
			Name:           bus.SubscriptionName(dsp.proxyID, group, bus.RoleResponses),
			Selector:       bus.Selector{Property: bus.PropToProxy, Value: dsp.proxyID},
			RequireSession: true,
		}

		if err := dsp.transport.Subscribe(ctx, sub, dsp.handle); err != nil {
			return err
		}

		log.Info("response subscription attached", "group", group, "subscription", sub.Name)
	}
	return nil
}

func (dsp *Dispatcher) handle(ctx context.Context, d *bus.Delivery) {
	dsp.registry.Complete(ctx, d.Envelope)

	if err := d.Ack(ctx); err != nil {
		log.Error("ack failed on response delivery",
			"messageId", d.MessageID, "correlationId", d.Envelope.CorrelationID, "error", err)
	}
}
