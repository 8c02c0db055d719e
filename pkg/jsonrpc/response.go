package jsonrpc

import (
	"encoding/json"

	"github.com/theapemachine/a2a-relay/pkg/errors"
)

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *errors.RpcError `json:"error,omitempty"`
}

// NewErrorResponse builds the error body the proxy returns when a call cannot
// be completed, echoing the original request id when one was present.
func NewErrorResponse(id json.RawMessage, rpcErr *errors.RpcError) Response {
	if id == nil {
		id = json.RawMessage("null")
	}
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcErr,
	}
}
