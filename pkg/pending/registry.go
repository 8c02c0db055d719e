package pending

// The pending-request registry is the rendezvous between HTTP handlers
// awaiting a reply and the bus receive loops that deliver it.  Complete and
// Cancel are mutually exclusive terminal transitions: exactly one fires per
// waiter.  Envelopes arriving for unknown or already-terminated correlation
// ids are counted and dropped; a tombstone per terminated correlation
// absorbs in-flight redeliveries for a grace period.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/a2a-relay/pkg/envelope"
)

var (
	// ErrTimeout terminates waiters whose deadline elapsed.
	ErrTimeout = fmt.Errorf("request timed out waiting for reply")
	// ErrShutdown terminates all waiters when the registry stops.
	ErrShutdown = fmt.Errorf("pending registry shutting down")
)

type kind int

const (
	kindSingle kind = iota
	kindStream
)

type waiter struct {
	kind     kind
	deadline time.Time

	single *SingleWaiter
	stream *StreamWaiter
}

/*
SingleWaiter resolves with the one non-stream reply envelope for its
correlation id, or with an error.
*/
type SingleWaiter struct {
	correlationID string
	ch            chan *envelope.Envelope
	done          chan struct{}

	mu  sync.Mutex
	err error
}

// Await blocks until the reply arrives, the waiter is terminated, or ctx is
// cancelled. Cancellation removes the waiter so late replies are dropped.
func (w *SingleWaiter) Await(ctx context.Context, reg *Registry) (*envelope.Envelope, error) {
	select {
	case env := <-w.ch:
		return env, nil
	case <-w.done:
		// Complete buffers the reply before closing done, so when the reply
		// beats Await to the select both cases are ready. The reply wins;
		// otherwise a fast responder would surface as an empty result.
		select {
		case env := <-w.ch:
			return env, nil
		default:
			return nil, w.Err()
		}
	case <-ctx.Done():
		reg.Cancel(w.correlationID, ctx.Err())
		return nil, ctx.Err()
	}
}

func (w *SingleWaiter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *SingleWaiter) terminate(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	close(w.done)
}

/*
StreamWaiter carries the ordered chunk channel an HTTP handler drains. The
channel is bounded; when it fills, Complete blocks, the bus receive loop
stops settling, and session flow control throttles the remote publisher.
Chunk order is restored downstream by the stream reassembler, not here.
*/
type StreamWaiter struct {
	correlationID string
	ch            chan *envelope.Envelope
	done          chan struct{}

	mu  sync.Mutex
	err error
}

// Chunks returns the bounded chunk channel.
func (w *StreamWaiter) Chunks() <-chan *envelope.Envelope { return w.ch }

// Done closes when the waiter is cancelled or times out. It does NOT close
// on the final chunk: the drainer sees the final chunk itself.
func (w *StreamWaiter) Done() <-chan struct{} { return w.done }

func (w *StreamWaiter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *StreamWaiter) terminate(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	close(w.done)
}

/*
Stats exposes the registry's internal counters on the health surface.
*/
type Stats struct {
	Pending        int   `json:"pending"`
	LateDrops      int64 `json:"lateDrops"`
	KindMismatches int64 `json:"kindMismatches"`
	Expired        int64 `json:"expired"`
}

type Registry struct {
	mu         sync.Mutex
	waiters    map[string]*waiter
	tombstones map[string]time.Time

	sweepEvery time.Duration
	grace      time.Duration

	lateDrops      int64
	kindMismatches int64
	expired        int64

	stop chan struct{}
	once sync.Once
}

/*
NewRegistry creates a registry and starts its timeout sweeper.
*/
func NewRegistry(sweepEvery, grace time.Duration) *Registry {
	if sweepEvery <= 0 {
		sweepEvery = time.Second
	}
	if grace <= 0 {
		grace = time.Minute
	}
	reg := &Registry{
		waiters:    make(map[string]*waiter),
		tombstones: make(map[string]time.Time),
		sweepEvery: sweepEvery,
		grace:      grace,
		stop:       make(chan struct{}),
	}
	go reg.sweep()
	return reg
}

// RegisterSingle creates a single-shot waiter for a correlation id.
func (reg *Registry) RegisterSingle(correlationID string, deadline time.Time) (*SingleWaiter, error) {
	w := &SingleWaiter{
		correlationID: correlationID,
		ch:            make(chan *envelope.Envelope, 1),
		done:          make(chan struct{}),
	}
	if err := reg.add(correlationID, &waiter{kind: kindSingle, deadline: deadline, single: w}); err != nil {
		return nil, err
	}
	return w, nil
}

// RegisterStream creates a stream waiter with a bounded chunk buffer.
func (reg *Registry) RegisterStream(correlationID string, deadline time.Time, bufferCap int) (*StreamWaiter, error) {
	if bufferCap <= 0 {
		bufferCap = 16
	}
	w := &StreamWaiter{
		correlationID: correlationID,
		ch:            make(chan *envelope.Envelope, bufferCap),
		done:          make(chan struct{}),
	}
	if err := reg.add(correlationID, &waiter{kind: kindStream, deadline: deadline, stream: w}); err != nil {
		return nil, err
	}
	return w, nil
}

func (reg *Registry) add(correlationID string, w *waiter) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.waiters[correlationID]; exists {
		return fmt.Errorf("waiter already registered for correlation %s", correlationID)
	}
	reg.waiters[correlationID] = w
	delete(reg.tombstones, correlationID)
	return nil
}

/*
Complete routes an incoming envelope to its waiter. Unknown or terminated
correlations are dropped with a counter bump; kind mismatches leave the
waiter open until its deadline. For stream chunks the send may block, which
is the intended back-pressure path, so the registry lock is not held across
it.
*/
func (reg *Registry) Complete(ctx context.Context, env *envelope.Envelope) {
	reg.mu.Lock()
	w, ok := reg.waiters[env.CorrelationID]
	if !ok {
		if _, stale := reg.tombstones[env.CorrelationID]; stale {
			reg.lateDrops++
			reg.mu.Unlock()
			log.Debug("dropping envelope for terminated correlation",
				"correlationId", env.CorrelationID, "kind", env.Kind)
			return
		}
		reg.lateDrops++
		reg.mu.Unlock()
		log.Warn("dropping envelope with no pending waiter",
			"correlationId", env.CorrelationID, "kind", env.Kind)
		return
	}

	switch {
	case env.Kind == envelope.KindReply && w.kind == kindSingle:
		delete(reg.waiters, env.CorrelationID)
		reg.tombstones[env.CorrelationID] = time.Now()
		reg.mu.Unlock()
		w.single.ch <- env
		w.single.terminate(nil)
		return

	case env.Kind == envelope.KindChunk && w.kind == kindStream:
		final := env.Final()
		if final {
			// Terminal transition fires before the blocking send completes
			// downstream, so duplicates of the final chunk are dropped.
			delete(reg.waiters, env.CorrelationID)
			reg.tombstones[env.CorrelationID] = time.Now()
		}
		reg.mu.Unlock()

		select {
		case w.stream.ch <- env:
		case <-w.stream.done:
			// Drain side went away mid-send; the chunk is lost on purpose.
		case <-ctx.Done():
		}
		return

	default:
		reg.kindMismatches++
		reg.mu.Unlock()
		log.Warn("dropping envelope whose kind does not match its waiter",
			"correlationId", env.CorrelationID, "kind", env.Kind)
		return
	}
}

/*
Cancel removes the waiter and signals its sink. Cancelling a correlation
that already terminated is a no-op, preserving the exactly-one-terminal
invariant.
*/
func (reg *Registry) Cancel(correlationID string, reason error) {
	reg.mu.Lock()
	w, ok := reg.waiters[correlationID]
	if ok {
		delete(reg.waiters, correlationID)
		reg.tombstones[correlationID] = time.Now()
	}
	reg.mu.Unlock()

	if !ok {
		return
	}
	if reason == nil {
		reason = context.Canceled
	}
	switch w.kind {
	case kindSingle:
		w.single.terminate(reason)
	case kindStream:
		w.stream.terminate(reason)
	}
}

// Stats snapshots the registry counters.
func (reg *Registry) Stats() Stats {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return Stats{
		Pending:        len(reg.waiters),
		LateDrops:      reg.lateDrops,
		KindMismatches: reg.kindMismatches,
		Expired:        reg.expired,
	}
}

// Stop terminates every waiter and halts the sweeper.
func (reg *Registry) Stop() {
	reg.once.Do(func() { close(reg.stop) })

	reg.mu.Lock()
	waiters := make(map[string]*waiter, len(reg.waiters))
	for id, w := range reg.waiters {
		waiters[id] = w
		reg.tombstones[id] = time.Now()
	}
	reg.waiters = make(map[string]*waiter)
	reg.mu.Unlock()

	for _, w := range waiters {
		switch w.kind {
		case kindSingle:
			w.single.terminate(ErrShutdown)
		case kindStream:
			w.stream.terminate(ErrShutdown)
		}
	}
}

func (reg *Registry) sweep() {
	ticker := time.NewTicker(reg.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-reg.stop:
			return
		case now := <-ticker.C:
			reg.expire(now)
		}
	}
}

func (reg *Registry) expire(now time.Time) {
	reg.mu.Lock()
	var timedOut []*waiter
	for id, w := range reg.waiters {
		if now.After(w.deadline) {
			delete(reg.waiters, id)
			reg.tombstones[id] = now
			reg.expired++
			timedOut = append(timedOut, w)
		}
	}
	for id, since := range reg.tombstones {
		if now.Sub(since) > reg.grace {
			delete(reg.tombstones, id)
		}
	}
	reg.mu.Unlock()

	for _, w := range timedOut {
		switch w.kind {
		case kindSingle:
			w.single.terminate(ErrTimeout)
		case kindStream:
			w.stream.terminate(ErrTimeout)
		}
	}
}
