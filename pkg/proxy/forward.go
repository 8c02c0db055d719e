package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/theapemachine/a2a-relay/pkg/directory"
	"github.com/theapemachine/a2a-relay/pkg/envelope"
	"github.com/theapemachine/a2a-relay/pkg/errors"
)

/*
Forwarder performs the local HTTP leg of a routed request: the exact rewrite
of an envelope onto the hosted agent's address. The connection pool is shared
across agents with a per-host cap. Forwards are never retried because agent
operations may not be idempotent.
*/
type Forwarder struct {
	client *http.Client
}

func NewForwarder(maxConnsPerHost int, idleConnTimeout time.Duration) *Forwarder {
	return &Forwarder{
		client: &http.Client{
			Transport: &http.Transport{
				MaxConnsPerHost:     maxConnsPerHost,
				MaxIdleConnsPerHost: maxConnsPerHost,
				IdleConnTimeout:     idleConnTimeout,
			},
		},
	}
}

/*
Forward rewrites the envelope onto the agent's host and executes it: method
preserved, URL is host plus the original path, body is the envelope payload,
headers copied minus hop-by-hop. The caller owns the response body; deadlines
travel on ctx so streaming responses can outlive a per-request timeout.
*/
func (f *Forwarder) Forward(ctx context.Context, entry directory.Entry, env *envelope.Envelope) (*http.Response, *errors.RpcError) {
	method := env.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(
		ctx, method, entry.Host+env.Path, bytes.NewReader(env.Payload),
	)
	if err != nil {
		return nil, errors.ErrInvalidRequest.WithMessagef("cannot build upstream request: %v", err)
	}

	for key, value := range env.Headers {
		if envelope.IsHopByHop(key) {
			continue
		}
		req.Header.Set(key, value)
	}
	if env.IsStream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyForwardError(err)
	}

	return resp, nil
}

// Client exposes the shared pool for card fetches.
func (f *Forwarder) Client() *http.Client { return f.client }

func classifyForwardError(err error) *errors.RpcError {
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.ErrAgentTimeout.WithData(err.Error())
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ErrAgentTimeout.WithData(err.Error())
	}
	return errors.ErrAgentUnavailable.WithData(fmt.Sprintf("%v", err))
}
