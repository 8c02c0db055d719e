package bus

// The bus adapter is a thin topic/subscription abstraction over the message
// broker that carries envelopes between proxies.  Two implementations exist:
// AzureBus on Azure Service Bus, and Memory for tests and single-process
// development.  Only the owning receive loop may settle a delivery.

import (
	"context"
	"fmt"
	"time"

	"github.com/theapemachine/a2a-relay/pkg/envelope"
	"github.com/theapemachine/a2a-relay/pkg/errors"
)

// Subscription roles, used in durable subscription names.
const (
	RoleRequests  = "req"
	RoleResponses = "resp"
)

// User property keys set on every published message.
const (
	PropToAgent     = "toAgent"
	PropFromAgent   = "fromAgent"
	PropGroup       = "group"
	PropToProxy     = "toProxy"
	PropMessageType = "messageType"
)

// RequestsTopic returns the requests topic for an agent group.
func RequestsTopic(group string) string { return fmt.Sprintf("a2a.%s.requests", group) }

// ResponsesTopic returns the responses topic for an agent group.
func ResponsesTopic(group string) string { return fmt.Sprintf("a2a.%s.responses", group) }

// DeadLetterTopic returns the dead-letter topic for an agent group.
func DeadLetterTopic(group string) string { return fmt.Sprintf("a2a.%s.deadletter", group) }

// SubscriptionName derives the durable subscription name for a proxy, group
// and role, e.g. "proxy-west.blog-agents.resp".
func SubscriptionName(proxyID, group, role string) string {
	return fmt.Sprintf("%s.%s.%s", proxyID, group, role)
}

/*
Selector is a server-side filter on one message user property. It mirrors the
SQL rule installed on the broker subscription, e.g. toAgent = 'critic'.
*/
type Selector struct {
	Property string
	Value    string
}

// SQL renders the selector as a subscription rule expression.
func (s Selector) SQL() string {
	return fmt.Sprintf("%s = '%s'", s.Property, s.Value)
}

// Matches evaluates the selector against message user properties. A zero
// selector matches everything.
func (s Selector) Matches(props map[string]any) bool {
	if s.Property == "" {
		return true
	}
	v, ok := props[s.Property]
	if !ok {
		return false
	}
	str, ok := v.(string)
	return ok && str == s.Value
}

/*
Subscription describes a durable filtered subscription on a topic. When
RequireSession is set the receiver opens it in session-aware mode so that
messages sharing a session id arrive in publish order at a single receiver.
*/
type Subscription struct {
	Topic          string
	Name           string
	Selector       Selector
	RequireSession bool
}

/*
GroupSpec carries the topic properties for one agent group's topic triple.
*/
type GroupSpec struct {
	Name                     string
	MaxSizeMB                int32
	MessageTTL               time.Duration
	DuplicateDetectionWindow time.Duration
	EnablePartitioning       bool
}

// WithDefaults fills unset properties: 1024 MB, 1 h TTL, 10 min
// duplicate-detection window.
func (g GroupSpec) WithDefaults() GroupSpec {
	if g.MaxSizeMB == 0 {
		g.MaxSizeMB = 1024
	}
	if g.MessageTTL == 0 {
		g.MessageTTL = time.Hour
	}
	if g.DuplicateDetectionWindow == 0 {
		g.DuplicateDetectionWindow = 10 * time.Minute
	}
	return g
}

/*
Settler is the explicit settlement surface of a delivery: Complete removes
the message, Abandon returns it for redelivery, DeadLetter parks it on the
dead-letter path.
*/
type Settler interface {
	Complete(ctx context.Context) error
	Abandon(ctx context.Context) error
	DeadLetter(ctx context.Context, reason string) error
}

/*
Delivery is one received envelope plus its settlement handle. The handler
that receives it owns settlement; nothing else may settle it.
*/
type Delivery struct {
	Envelope      *envelope.Envelope
	MessageID     string
	DeliveryCount int

	settler Settler
}

func (d *Delivery) Ack(ctx context.Context) error { return d.settler.Complete(ctx) }

func (d *Delivery) Abandon(ctx context.Context) error { return d.settler.Abandon(ctx) }

func (d *Delivery) DeadLetter(ctx context.Context, reason string) error {
	return d.settler.DeadLetter(ctx, reason)
}

// Handler consumes deliveries from a subscription. Blocking inside the
// handler exerts back-pressure on the subscription's receive loop.
type Handler func(ctx context.Context, d *Delivery)

/*
Bus is the transport contract the routing engine depends on.
*/
type Bus interface {
	// EnsureTopology idempotently creates the requests/responses/deadletter
	// topic triple for each group. Coordinator role only.
	EnsureTopology(ctx context.Context, groups []GroupSpec) error

	// VerifyTopology checks the topic triples exist. Follower role.
	VerifyTopology(ctx context.Context, groups []GroupSpec) error

	// Publish sends one envelope. The correlation id becomes the session key
	// so everything within a correlation stays FIFO. Retries with backoff
	// before reporting failure.
	Publish(ctx context.Context, topic string, env *envelope.Envelope) error

	// Subscribe attaches to a durable subscription and pumps deliveries into
	// the handler until ctx is cancelled.
	Subscribe(ctx context.Context, sub Subscription, handler Handler) error

	Close(ctx context.Context) error
}

/*
TopologyError reports missing or un-creatable bus entities. The launcher
maps it to exit code 2 for the coordinator role.
*/
type TopologyError struct {
	err error
}

func NewTopologyError(details ...any) *TopologyError {
	return &TopologyError{err: errors.Join(details...)}
}

func (e *TopologyError) Error() string {
	if e.err == nil {
		return "bus topology error"
	}
	return "bus topology: " + e.err.Error()
}

func (e *TopologyError) Unwrap() error { return e.err }

// Properties builds the user-property map published with an envelope.
func Properties(env *envelope.Envelope) map[string]any {
	props := map[string]any{
		PropToAgent:     env.ToAgent,
		PropFromAgent:   env.FromAgent,
		PropGroup:       env.Group,
		PropMessageType: messageType(env),
	}
	if env.ToProxy != "" {
		props[PropToProxy] = env.ToProxy
	}
	return props
}

func messageType(env *envelope.Envelope) string {
	if env.Kind == envelope.KindRequest {
		return "request"
	}
	return "response"
}
