package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewRequest(t *testing.T) {
	env := NewRequest(
		"blog-agents", "critic", "writer", "proxy-west",
		"POST", "/v1/messages:send",
		map[string]string{"Content-Type": "application/json"},
		[]byte(`{"jsonrpc":"2.0","method":"message/send","id":"r1"}`),
		false,
	)

	assert.Equal(t, ProtocolVersion, env.Protocol)
	assert.Equal(t, KindRequest, env.Kind)
	assert.Equal(t, "blog-agents", env.Group)
	assert.Equal(t, "critic", env.ToAgent)
	assert.Equal(t, "writer", env.FromAgent)
	assert.Equal(t, "proxy-west", env.FromProxy)
	assert.NotEmpty(t, env.CorrelationID)
	assert.False(t, env.IsStream)
	assert.Equal(t, DefaultTTL.Milliseconds(), env.TTL)
	assert.NoError(t, env.Validate())
}

func TestNewRequestFreshCorrelation(t *testing.T) {
	a := NewRequest("g", "x", "", "p", "POST", "/v1/messages:send", nil, nil, false)
	b := NewRequest("g", "x", "", "p", "POST", "/v1/messages:send", nil, nil, false)
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)
}

func TestNewReplyRoutesBack(t *testing.T) {
	req := NewRequest("blog-agents", "critic", "writer", "proxy-west", "POST", "/v1/messages:send", nil, nil, false)
	reply := NewReply(req, "proxy-east", 200, []byte(`{"jsonrpc":"2.0","result":{},"id":"r1"}`))

	assert.Equal(t, KindReply, reply.Kind)
	assert.Equal(t, req.CorrelationID, reply.CorrelationID)
	assert.Equal(t, "proxy-west", reply.ToProxy)
	assert.Equal(t, "proxy-east", reply.FromProxy)
	assert.Equal(t, "writer", reply.ToAgent)
	assert.Equal(t, "critic", reply.FromAgent)
	assert.Equal(t, 200, reply.Status)
	assert.NoError(t, reply.Validate())
}

func TestNewChunk(t *testing.T) {
	req := NewRequest("blog-agents", "critic", "writer", "proxy-west", "POST", "/v1/messages:stream", nil, nil, true)

	chunk, err := NewChunk(req, "proxy-east", "stream-1", 2, ChunkData, ChunkPayload{Data: "B"}, false)
	assert.NoError(t, err)
	assert.Equal(t, KindChunk, chunk.Kind)
	assert.True(t, chunk.IsStream)
	assert.Equal(t, 2, chunk.Sequence)
	assert.Equal(t, req.CorrelationID, chunk.CorrelationID)
	assert.Equal(t, "proxy-west", chunk.ToProxy)
	assert.NoError(t, chunk.Validate())

	payload, err := chunk.Chunk()
	assert.NoError(t, err)
	assert.Equal(t, "B", payload.Data)

	final, err := NewChunk(req, "proxy-east", "stream-1", 3, ChunkEnd, ChunkPayload{}, true)
	assert.NoError(t, err)
	assert.True(t, final.Final())
	assert.NoError(t, final.Validate())
}

func TestValidateRejectsIncoherentEnvelopes(t *testing.T) {
	req := NewRequest("g", "critic", "", "p1", "POST", "/v1/messages:send", nil, nil, false)

	missingCorr := *req
	missingCorr.CorrelationID = ""
	assert.Error(t, missingCorr.Validate())

	missingGroup := *req
	missingGroup.Group = ""
	assert.Error(t, missingGroup.Validate())

	missingTarget := *req
	missingTarget.ToAgent = ""
	assert.Error(t, missingTarget.Validate())

	badKind := *req
	badKind.Kind = Kind("bogus")
	assert.Error(t, badKind.Validate())

	// A chunk without stream metadata is rejected.
	chunk := *req
	chunk.Kind = KindChunk
	chunk.IsStream = true
	assert.Error(t, chunk.Validate())

	// A final chunk must be terminal-typed.
	streamReq := NewRequest("g", "critic", "", "p1", "POST", "/v1/messages:stream", nil, nil, true)
	data, err := NewChunk(streamReq, "p2", "s", 0, ChunkData, ChunkPayload{Data: "A"}, false)
	assert.NoError(t, err)
	data.Stream.Final = true
	assert.Error(t, data.Validate())
}

func TestExpired(t *testing.T) {
	env := NewRequest("g", "critic", "", "p1", "POST", "/v1/messages:send", nil, nil, false)
	env.TTL = time.Second.Milliseconds()

	assert.False(t, env.Expired(time.Now()))
	assert.True(t, env.Expired(time.Now().Add(2*time.Second)))

	env.TTL = 0
	assert.False(t, env.Expired(time.Now().Add(time.Hour)))
}

func TestDecodeRoundTrip(t *testing.T) {
	req := NewRequest(
		"blog-agents", "critic", "writer", "proxy-west",
		"POST", "/v1/messages:send",
		map[string]string{"Authorization": "Bearer token"},
		[]byte(`{"jsonrpc":"2.0","id":"r1"}`),
		false,
	)

	wire, err := req.Marshal()
	assert.NoError(t, err)

	decoded, err := Decode(wire)
	assert.NoError(t, err)
	assert.Equal(t, req.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, req.Headers, decoded.Headers)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"kind":"request"}`))
	assert.Error(t, err)
}
