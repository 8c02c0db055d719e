package stream

// Chunk envelopes can arrive out of order (bus redelivery, competing
// partitions); the reassembler restores the dense 0,1,2,… publisher order
// before anything is written to the HTTP client. Duplicates collapse here,
// which is what turns the bus's at-least-once delivery into exactly-once
// visible chunks.

import (
	"container/heap"
	"fmt"

	"github.com/theapemachine/a2a-relay/pkg/envelope"
)

// DefaultWindow bounds how many out-of-order chunks are buffered before the
// stream is declared broken.
const DefaultWindow = 64

// ErrWindowExceeded fails the stream when the out-of-order buffer fills.
var ErrWindowExceeded = fmt.Errorf("stream out-of-order window exceeded")

type Reassembler struct {
	next       int
	window     int
	pending    chunkHeap
	buffered   map[int]struct{}
	duplicates int64
}

func NewReassembler(window int) *Reassembler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Reassembler{
		window:   window,
		buffered: map[int]struct{}{},
	}
}

/*
Push accepts one chunk envelope and returns every chunk that is now ready to
emit, in sequence order. Duplicates return an empty slice. A gap larger than
the window returns ErrWindowExceeded and the stream must be failed.
*/
func (r *Reassembler) Push(env *envelope.Envelope) ([]*envelope.Envelope, error) {
	seq := env.Sequence

	if seq < r.next {
		r.duplicates++
		return nil, nil
	}
	if _, dup := r.buffered[seq]; dup {
		r.duplicates++
		return nil, nil
	}

	if seq > r.next {
		if len(r.pending) >= r.window {
			return nil, ErrWindowExceeded
		}
		heap.Push(&r.pending, env)
		r.buffered[seq] = struct{}{}
		return nil, nil
	}

	ready := []*envelope.Envelope{env}
	r.next++
	for len(r.pending) > 0 && r.pending[0].Sequence == r.next {
		next := heap.Pop(&r.pending).(*envelope.Envelope)
		delete(r.buffered, next.Sequence)
		ready = append(ready, next)
		r.next++
	}
	return ready, nil
}

// Duplicates returns how many chunks were dropped as redeliveries.
func (r *Reassembler) Duplicates() int64 { return r.duplicates }

// NextExpected returns the next sequence the reassembler will emit.
func (r *Reassembler) NextExpected() int { return r.next }

type chunkHeap []*envelope.Envelope

func (h chunkHeap) Len() int            { return len(h) }
func (h chunkHeap) Less(i, j int) bool  { return h[i].Sequence < h[j].Sequence }
func (h chunkHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *chunkHeap) Push(x any)         { *h = append(*h, x.(*envelope.Envelope)) }
func (h *chunkHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
