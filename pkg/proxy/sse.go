package proxy

// Egress half of the SSE bridge: drains a stream waiter's bounded channel,
// restores chunk order through the reassembler, and writes standard SSE to
// the HTTP client. Runs inside a net/http handler adapted onto fiber so the
// response can be flushed per event.

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/a2a-relay/pkg/envelope"
	"github.com/theapemachine/a2a-relay/pkg/errors"
	"github.com/theapemachine/a2a-relay/pkg/pending"
	"github.com/theapemachine/a2a-relay/pkg/stream"
)

type streamBridge struct {
	router *Router
	waiter *pending.StreamWaiter
	corrID string
	window int
	idle   time.Duration
}

/*
ServeHTTP drains the waiter until the final chunk, a timeout, an error, or a
client disconnect. Every exit path cancels the correlation so the registry
releases back-pressure upstream.
*/
func (b *streamBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer b.router.Cancel(b.corrID, fmt.Errorf("stream closed"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Correlation-ID", b.corrID)
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		log.Error("response writer cannot flush, dropping stream", "correlationId", b.corrID)
		return
	}
	flusher.Flush()

	reasm := stream.NewReassembler(b.window)
	idle := time.NewTimer(b.idle)
	defer idle.Stop()

	for {
		select {
		case env := <-b.waiter.Chunks():
			ready, err := reasm.Push(env)
			if err != nil {
				writeStreamError(w, flusher, errors.ErrStreamBroken)
				return
			}

			for _, chunk := range ready {
				if err := stream.WriteChunk(w, chunk); err != nil {
					log.Debug("client write failed", "correlationId", b.corrID, "error", err)
					return
				}
				flusher.Flush()

				if chunk.Final() {
					return
				}
			}

			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(b.idle)

		case <-b.waiter.Done():
			if err := b.waiter.Err(); err != nil {
				writeStreamError(w, flusher, errors.ErrInternal.WithMessagef("%v", err))
			}
			return

		case <-idle.C:
			writeStreamError(w, flusher, errors.ErrAgentTimeout.WithMessagef("stream idle timeout"))
			return

		case <-r.Context().Done():
			return
		}
	}
}

// writeStreamError surfaces a mid-stream failure as a terminal SSE error
// event, since the HTTP status is already committed.
func writeStreamError(w http.ResponseWriter, flusher http.Flusher, rpcErr *errors.RpcError) {
	body, err := json.Marshal(rpcErr)
	if err != nil {
		return
	}

	chunk := &envelope.Envelope{
		Kind:    envelope.KindChunk,
		Payload: mustChunkPayload(string(body)),
		Stream:  &envelope.StreamMetadata{ChunkType: envelope.ChunkError},
	}
	if err := stream.WriteChunk(w, chunk); err == nil {
		flusher.Flush()
	}
}

func mustChunkPayload(data string) json.RawMessage {
	body, _ := json.Marshal(envelope.ChunkPayload{Data: data})
	return body
}
