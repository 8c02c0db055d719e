package proxy

// The routing engine decides, per ingress request, between the local HTTP
// path and the bus path, and owns the waiter lifecycle for the latter. The
// bus side of a call never errors into the HTTP handler directly; everything
// arrives through the pending registry as an envelope, a timeout or a
// cancellation.

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/a2a-relay/pkg/bus"
	"github.com/theapemachine/a2a-relay/pkg/config"
	"github.com/theapemachine/a2a-relay/pkg/directory"
	"github.com/theapemachine/a2a-relay/pkg/envelope"
	"github.com/theapemachine/a2a-relay/pkg/errors"
	"github.com/theapemachine/a2a-relay/pkg/pending"
)

type Router struct {
	cfg       *config.Config
	dir       *directory.Directory
	transport bus.Bus
	registry  *pending.Registry
	forwarder *Forwarder

	published   atomic.Int64
	routedLocal atomic.Int64
}

func NewRouter(cfg *config.Config, dir *directory.Directory, transport bus.Bus, registry *pending.Registry, forwarder *Forwarder) *Router {
	return &Router{
		cfg:       cfg,
		dir:       dir,
		transport: transport,
		registry:  registry,
		forwarder: forwarder,
	}
}

// Resolve looks up the target agent and reports whether this proxy forwards
// to it directly over HTTP.
func (r *Router) Resolve(agentID string) (directory.Entry, bool, *errors.RpcError) {
	entry, ok := r.dir.Get(agentID)
	if !ok {
		return directory.Entry{}, false, errors.ErrAgentNotFound
	}
	if r.dir.IsLocal(agentID) {
		r.routedLocal.Add(1)
		return entry, true, nil
	}
	return entry, false, nil
}

/*
SendRemote publishes a request envelope and returns the single-shot waiter
its reply will resolve. The waiter is registered before the publish so the
reply cannot race the registration; a publish failure tears it down again.
*/
func (r *Router) SendRemote(ctx context.Context, env *envelope.Envelope) (*pending.SingleWaiter, *errors.RpcError) {
	deadline := time.Now().Add(r.cfg.Timeouts.Request)

	waiter, err := r.registry.RegisterSingle(env.CorrelationID, deadline)
	if err != nil {
		return nil, errors.ErrInternal.WithMessagef("%v", err)
	}

	if err := r.publish(ctx, env); err != nil {
		r.registry.Cancel(env.CorrelationID, err)
		return nil, errors.ErrBusPublishFailed.WithData(err.Error())
	}

	return waiter, nil
}

/*
StreamRemote is SendRemote for streaming calls: the waiter carries the
bounded chunk channel the HTTP handler drains. Streams have no total
deadline, only the idle timer on the drain side, so the registry deadline is
set far enough out to act as a backstop.
*/
func (r *Router) StreamRemote(ctx context.Context, env *envelope.Envelope) (*pending.StreamWaiter, *errors.RpcError) {
	deadline := time.Now().Add(envelope.DefaultTTL)

	waiter, err := r.registry.RegisterStream(env.CorrelationID, deadline, r.cfg.Limits.StreamBuffer)
	if err != nil {
		return nil, errors.ErrInternal.WithMessagef("%v", err)
	}

	if err := r.publish(ctx, env); err != nil {
		r.registry.Cancel(env.CorrelationID, err)
		return nil, errors.ErrBusPublishFailed.WithData(err.Error())
	}

	return waiter, nil
}

func (r *Router) publish(ctx context.Context, env *envelope.Envelope) error {
	topic := bus.RequestsTopic(env.Group)

	if err := r.transport.Publish(ctx, topic, env); err != nil {
		log.Error("request publish failed",
			"topic", topic, "toAgent", env.ToAgent, "correlationId", env.CorrelationID, "error", err)
		return err
	}

	r.published.Add(1)
	return nil
}

// Cancel releases the waiter for a correlation, typically because the HTTP
// client went away.
func (r *Router) Cancel(correlationID string, reason error) {
	r.registry.Cancel(correlationID, reason)
}

// Published returns how many request envelopes this proxy has put on the bus.
func (r *Router) Published() int64 { return r.published.Load() }

// RoutedLocal returns how many requests skipped the bus entirely.
func (r *Router) RoutedLocal() int64 { return r.routedLocal.Load() }
