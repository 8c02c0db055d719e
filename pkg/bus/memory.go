package bus

// Memory is an in-process Bus used by tests and single-machine development.
// It preserves the semantics the routing engine relies on: durable named
// subscriptions, selector filtering, per-subscription FIFO delivery (which
// implies per-session FIFO, since each subscription has one pump), explicit
// settlement with redelivery on abandon, and dead-lettering after the
// delivery count is exhausted.

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/theapemachine/a2a-relay/pkg/envelope"
)

const defaultMaxDelivery = 10

type Memory struct {
	mu     sync.Mutex
	topics map[string]*memoryTopic

	MaxDelivery int
}

type memoryTopic struct {
	name string
	subs map[string]*memorySub
}

type memorySub struct {
	name     string
	selector Selector

	mu     sync.Mutex
	queue  []*memoryMessage
	signal chan struct{}
	pumped bool
}

type memoryMessage struct {
	env   *envelope.Envelope
	id    string
	count int
}

func NewMemory() *Memory {
	return &Memory{
		topics:      make(map[string]*memoryTopic),
		MaxDelivery: defaultMaxDelivery,
	}
}

func (m *Memory) EnsureTopology(ctx context.Context, groups []GroupSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, group := range groups {
		for _, topic := range []string{RequestsTopic(group.Name), ResponsesTopic(group.Name), DeadLetterTopic(group.Name)} {
			if _, ok := m.topics[topic]; !ok {
				m.topics[topic] = &memoryTopic{name: topic, subs: make(map[string]*memorySub)}
			}
		}
	}
	return nil
}

func (m *Memory) VerifyTopology(ctx context.Context, groups []GroupSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var missing []any
	for _, group := range groups {
		for _, topic := range []string{RequestsTopic(group.Name), ResponsesTopic(group.Name), DeadLetterTopic(group.Name)} {
			if _, ok := m.topics[topic]; !ok {
				missing = append(missing, "missing topic: "+topic)
			}
		}
	}
	if len(missing) > 0 {
		return NewTopologyError(missing...)
	}
	return nil
}

func (m *Memory) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}

	m.mu.Lock()
	t, ok := m.topics[topic]
	if !ok {
		m.mu.Unlock()
		return NewTopologyError("missing topic: " + topic)
	}
	subs := make([]*memorySub, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	props := Properties(env)
	for _, s := range subs {
		if !s.selector.Matches(props) {
			continue
		}
		// Each subscriber gets its own copy; settlement must not alias.
		copied, err := envelope.Decode(body)
		if err != nil {
			return err
		}
		s.enqueue(&memoryMessage{env: copied, id: uuid.NewString(), count: 1}, false)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, sub Subscription, handler Handler) error {
	m.mu.Lock()
	t, ok := m.topics[sub.Topic]
	if !ok {
		m.mu.Unlock()
		return NewTopologyError("missing topic: " + sub.Topic)
	}
	s, ok := t.subs[sub.Name]
	if !ok {
		s = &memorySub{
			name:     sub.Name,
			selector: sub.Selector,
			signal:   make(chan struct{}, 1),
		}
		t.subs[sub.Name] = s
	}
	if s.pumped {
		m.mu.Unlock()
		return NewTopologyError("subscription already attached: " + sub.Name)
	}
	s.pumped = true
	m.mu.Unlock()

	go m.pump(ctx, sub, s, handler)
	return nil
}

func (m *Memory) Close(ctx context.Context) error { return nil }

func (m *Memory) pump(ctx context.Context, sub Subscription, s *memorySub, handler Handler) {
	defer func() {
		m.mu.Lock()
		s.pumped = false
		m.mu.Unlock()
	}()

	for {
		msg := s.pop(ctx)
		if msg == nil {
			return
		}
		if msg.env.Expired(time.Now()) {
			log.Warn("dropping expired envelope",
				"topic", sub.Topic, "correlationId", msg.env.CorrelationID)
			continue
		}
		handler(ctx, &Delivery{
			Envelope:      msg.env,
			MessageID:     msg.id,
			DeliveryCount: msg.count,
			settler:       &memorySettler{bus: m, sub: s, topic: sub.Topic, msg: msg},
		})
	}
}

func (s *memorySub) enqueue(msg *memoryMessage, front bool) {
	s.mu.Lock()
	if front {
		s.queue = append([]*memoryMessage{msg}, s.queue...)
	} else {
		s.queue = append(s.queue, msg)
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memorySub) pop(ctx context.Context) *memoryMessage {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-s.signal:
		}
	}
}

type memorySettler struct {
	bus   *Memory
	sub   *memorySub
	topic string
	msg   *memoryMessage
}

func (st *memorySettler) Complete(ctx context.Context) error { return nil }

func (st *memorySettler) Abandon(ctx context.Context) error {
	if st.msg.count >= st.bus.MaxDelivery {
		return st.DeadLetter(ctx, "max delivery count exceeded")
	}
	st.msg.count++
	st.sub.enqueue(st.msg, true)
	return nil
}

func (st *memorySettler) DeadLetter(ctx context.Context, reason string) error {
	log.Warn("dead-lettering message",
		"topic", st.topic, "correlationId", st.msg.env.CorrelationID, "reason", reason)
	return st.bus.Publish(ctx, DeadLetterTopic(st.msg.env.Group), st.msg.env)
}
