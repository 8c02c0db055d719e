package envelope

// The envelope is the sole payload format on the bus.  It wraps an A2A
// request, its reply, or a single SSE stream chunk for transit between
// proxies.  Kinds are modelled as a tagged union; the validator rejects
// incoherent combinations at decode time.

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion tags every envelope. Receivers treat it as opaque.
const ProtocolVersion = "a2a-jsonrpc-sse/1.0"

// DefaultTTL bounds how long an envelope may sit on the bus before a
// receiver drops it.
const DefaultTTL = time.Hour

type Kind string

const (
	KindRequest Kind = "request"
	KindReply   Kind = "reply"
	KindChunk   Kind = "chunk"
)

type ChunkType string

const (
	ChunkData  ChunkType = "data"
	ChunkEvent ChunkType = "event"
	ChunkError ChunkType = "error"
	ChunkEnd   ChunkType = "end"
)

/*
StreamMetadata carries the per-chunk stream state. Final must appear exactly
once per stream, on the last envelope.
*/
type StreamMetadata struct {
	StreamID    string    `json:"streamId"`
	ChunkType   ChunkType `json:"chunkType"`
	EventName   string    `json:"eventName,omitempty"`
	Retry       int       `json:"retry,omitempty"`
	LastEventID string    `json:"lastEventId,omitempty"`
	Final       bool      `json:"final,omitempty"`
}

/*
ChunkPayload is the payload object of a stream-chunk envelope, mirroring the
SSE fields of the upstream event.
*/
type ChunkPayload struct {
	Data  string `json:"data"`
	Event string `json:"event,omitempty"`
	ID    string `json:"id,omitempty"`
	Retry int    `json:"retry,omitempty"`
}

/*
Envelope wraps a request, reply or stream chunk for transit over the bus.
The correlation id doubles as the bus session key so everything belonging to
one logical request is delivered in publish order to a single receiver.
*/
type Envelope struct {
	Protocol      string            `json:"protocol"`
	Kind          Kind              `json:"kind"`
	Group         string            `json:"group"`
	ToAgent       string            `json:"toAgent"`
	FromAgent     string            `json:"fromAgent,omitempty"`
	ToProxy       string            `json:"toProxy,omitempty"`
	FromProxy     string            `json:"fromProxy,omitempty"`
	CorrelationID string            `json:"correlationId"`
	IsStream      bool              `json:"isStream,omitempty"`
	Sequence      int               `json:"sequence"`
	Timestamp     int64             `json:"timestamp"` // ms since epoch
	TTL           int64             `json:"ttl"`       // ms
	Method        string            `json:"method,omitempty"`
	Path          string            `json:"path,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Status        int               `json:"status,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Stream        *StreamMetadata   `json:"streamMetadata,omitempty"`
}

/*
NewRequest builds a request envelope with a fresh correlation id.
*/
func NewRequest(group, toAgent, fromAgent, fromProxy, method, path string, headers map[string]string, payload []byte, isStream bool) *Envelope {
	return &Envelope{
		Protocol:      ProtocolVersion,
		Kind:          KindRequest,
		Group:         group,
		ToAgent:       toAgent,
		FromAgent:     fromAgent,
		FromProxy:     fromProxy,
		CorrelationID: uuid.NewString(),
		IsStream:      isStream,
		Timestamp:     time.Now().UnixMilli(),
		TTL:           DefaultTTL.Milliseconds(),
		Method:        method,
		Path:          path,
		Headers:       headers,
		Payload:       payload,
	}
}

/*
NewReply builds the non-stream reply to a request envelope. The reply routes
back to the proxy that issued the request and reuses its correlation id.
*/
func NewReply(req *Envelope, fromProxy string, status int, payload []byte) *Envelope {
	return &Envelope{
		Protocol:      ProtocolVersion,
		Kind:          KindReply,
		Group:         req.Group,
		ToAgent:       req.FromAgent,
		FromAgent:     req.ToAgent,
		ToProxy:       req.FromProxy,
		FromProxy:     fromProxy,
		CorrelationID: req.CorrelationID,
		Timestamp:     time.Now().UnixMilli(),
		TTL:           req.TTL,
		Status:        status,
		Payload:       payload,
	}
}

/*
NewChunk builds one stream-chunk envelope. The publisher assigns sequences
0,1,2,… densely; receivers reassemble in that order.
*/
func NewChunk(req *Envelope, fromProxy, streamID string, seq int, chunkType ChunkType, payload ChunkPayload, final bool) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chunk payload: %w", err)
	}

	return &Envelope{
		Protocol:      ProtocolVersion,
		Kind:          KindChunk,
		Group:         req.Group,
		ToAgent:       req.FromAgent,
		FromAgent:     req.ToAgent,
		ToProxy:       req.FromProxy,
		FromProxy:     fromProxy,
		CorrelationID: req.CorrelationID,
		IsStream:      true,
		Sequence:      seq,
		Timestamp:     time.Now().UnixMilli(),
		TTL:           req.TTL,
		Payload:       body,
		Stream: &StreamMetadata{
			StreamID:    streamID,
			ChunkType:   chunkType,
			EventName:   payload.Event,
			LastEventID: payload.ID,
			Retry:       payload.Retry,
			Final:       final,
		},
	}, nil
}

/*
Validate rejects envelopes whose fields contradict their kind.
*/
func (env *Envelope) Validate() error {
	if env.CorrelationID == "" {
		return fmt.Errorf("envelope missing correlationId")
	}
	if env.Group == "" {
		return fmt.Errorf("envelope missing group")
	}

	switch env.Kind {
	case KindRequest:
		if env.ToAgent == "" {
			return fmt.Errorf("request envelope missing toAgent")
		}
		if env.Path == "" {
			return fmt.Errorf("request envelope missing path")
		}
		if env.Stream != nil {
			return fmt.Errorf("request envelope carries streamMetadata")
		}
		if env.Sequence != 0 {
			return fmt.Errorf("request envelope has non-zero sequence %d", env.Sequence)
		}
	case KindReply:
		if env.Stream != nil {
			return fmt.Errorf("reply envelope carries streamMetadata")
		}
		if env.IsStream {
			return fmt.Errorf("reply envelope marked as stream")
		}
		if env.Sequence != 0 {
			return fmt.Errorf("reply envelope has non-zero sequence %d", env.Sequence)
		}
	case KindChunk:
		if env.Stream == nil {
			return fmt.Errorf("chunk envelope missing streamMetadata")
		}
		if !env.IsStream {
			return fmt.Errorf("chunk envelope not marked as stream")
		}
		if env.Sequence < 0 {
			return fmt.Errorf("chunk envelope has negative sequence %d", env.Sequence)
		}
		switch env.Stream.ChunkType {
		case ChunkData, ChunkEvent, ChunkError, ChunkEnd:
		default:
			return fmt.Errorf("chunk envelope has unknown chunkType %q", env.Stream.ChunkType)
		}
		if env.Stream.Final && env.Stream.ChunkType != ChunkEnd && env.Stream.ChunkType != ChunkError {
			return fmt.Errorf("final chunk must be of type end or error, got %q", env.Stream.ChunkType)
		}
	default:
		return fmt.Errorf("unknown envelope kind %q", env.Kind)
	}

	return nil
}

/*
Expired reports whether the envelope outlived its TTL at the given instant.
*/
func (env *Envelope) Expired(now time.Time) bool {
	if env.TTL <= 0 {
		return false
	}
	return now.UnixMilli() > env.Timestamp+env.TTL
}

// Final reports whether this is the terminal envelope of a stream.
func (env *Envelope) Final() bool {
	return env.Stream != nil && env.Stream.Final
}

// Chunk decodes the payload of a chunk envelope.
func (env *Envelope) Chunk() (ChunkPayload, error) {
	var payload ChunkPayload
	if env.Kind != KindChunk {
		return payload, fmt.Errorf("envelope kind %q has no chunk payload", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return payload, fmt.Errorf("failed to decode chunk payload: %w", err)
	}
	return payload, nil
}

// Marshal serialises the envelope to its UTF-8 JSON wire form.
func (env *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(env)
}

/*
Decode parses and validates a wire envelope. Invalid envelopes never reach
the routing engine; the bus adapter dead-letters them.
*/
func Decode(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
