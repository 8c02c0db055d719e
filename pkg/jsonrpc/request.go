package jsonrpc

import "encoding/json"

// Request is a JSON-RPC 2.0 request as it travels through the proxy. Params
// stay raw: the proxy forwards bodies without inspecting them.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"` // accepts string | number | null
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RequestID extracts the id field from a raw JSON-RPC body. Returns nil when
// the body is not parseable; error responses then carry a null id.
func RequestID(body []byte) json.RawMessage {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil
	}
	return req.ID
}
