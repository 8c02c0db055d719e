package proxy

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v3"
	fiberadaptor "github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/theapemachine/a2a-relay/pkg/bus"
	"github.com/theapemachine/a2a-relay/pkg/config"
	"github.com/theapemachine/a2a-relay/pkg/directory"
	"github.com/theapemachine/a2a-relay/pkg/envelope"
	"github.com/theapemachine/a2a-relay/pkg/errors"
	"github.com/theapemachine/a2a-relay/pkg/jsonrpc"
	"github.com/theapemachine/a2a-relay/pkg/pending"
)

/*
Server is the HTTP face of the proxy. It is safe for concurrent use: the
directory is read-only after boot, the registry synchronises internally, and
the bus adapter exposes thread-safe publish.
*/
type Server struct {
	cfg        *config.Config
	app        *fiber.App
	dir        *directory.Directory
	transport  bus.Bus
	registry   *pending.Registry
	forwarder  *Forwarder
	router     *Router
	receiver   *Receiver
	dispatcher *Dispatcher
}

func NewServer(cfg *config.Config, transport bus.Bus) (*Server, error) {
	dir, err := cfg.Directory()
	if err != nil {
		return nil, err
	}

	registry := pending.NewRegistry(0, 0)
	forwarder := NewForwarder(cfg.Limits.MaxConnsPerHost, cfg.Limits.IdleConnTimeout)
	router := NewRouter(cfg, dir, transport, registry, forwarder)

	srv := &Server{
		cfg: cfg,
		app: fiber.New(fiber.Config{
			AppName:           cfg.Proxy.ID,
			ServerHeader:      "A2A-Relay",
			StreamRequestBody: true,
		}),
		dir:        dir,
		transport:  transport,
		registry:   registry,
		forwarder:  forwarder,
		router:     router,
		receiver:   NewReceiver(cfg.Proxy.ID, dir, transport, forwarder, cfg.Timeouts.Request),
		dispatcher: NewDispatcher(cfg.Proxy.ID, dir.Groups(), transport, registry),
	}

	srv.routes()
	return srv, nil
}

func (srv *Server) routes() {
	srv.app.Use(logger.New(logger.Config{
		Next: func(c fiber.Ctx) bool {
			return c.Path() == "/health"
		},
	}), healthcheck.NewHealthChecker())

	srv.app.Get("/health", srv.handleHealth)
	srv.app.Get("/.well-known/agent.json", srv.handleProxyCard)
	srv.app.Get("/agents/:id/.well-known/agent.json", srv.handleAgentCard)
	srv.app.All("/agents/:id/v1/*", srv.handleProxied)

	// Older clients address agents without the /agents prefix for discovery.
	srv.app.Get("/:id/.well-known/agent.json", srv.handleAgentCard)
}

/*
Attach ensures or verifies the bus topology per this proxy's role and starts
the bus subscriptions. It does not open the HTTP listener.
*/
func (srv *Server) Attach(ctx context.Context) error {
	specs := srv.cfg.GroupSpecs()

	if srv.cfg.Proxy.Role == config.RoleCoordinator {
		if err := srv.transport.EnsureTopology(ctx, specs); err != nil {
			return err
		}
	} else {
		if err := srv.transport.VerifyTopology(ctx, specs); err != nil {
			return err
		}
	}

	if err := srv.receiver.Start(ctx); err != nil {
		return err
	}
	return srv.dispatcher.Start(ctx)
}

// Start attaches to the bus and blocks serving HTTP until the listener fails
// or is shut down.
func (srv *Server) Start(ctx context.Context) error {
	if err := srv.Attach(ctx); err != nil {
		return err
	}

	log.Info("proxy listening",
		"proxy", srv.cfg.Proxy.ID, "role", srv.cfg.Proxy.Role,
		"addr", srv.cfg.Proxy.Addr(), "hostedAgents", srv.dir.HostedCount())

	return srv.app.Listen(srv.cfg.Proxy.Addr(), fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown stops the HTTP listener and terminates all pending waiters.
func (srv *Server) Shutdown(ctx context.Context) error {
	err := srv.app.ShutdownWithContext(ctx)
	srv.registry.Stop()
	return err
}

// App exposes the fiber application for in-process testing.
func (srv *Server) App() *fiber.App { return srv.app }

/*
handleProxied is the single entry point for every /agents/{id}/v1/… call.
The operation suffix decides between the synchronous and the streaming flow;
everything else about the request is forwarded transparently.
*/
func (srv *Server) handleProxied(ctx fiber.Ctx) error {
	agentID := ctx.Params("id")
	path := "/v1/" + ctx.Params("*")
	body := append([]byte(nil), ctx.Body()...)
	requestID := jsonrpc.RequestID(body)

	entry, local, rpcErr := srv.router.Resolve(agentID)
	if rpcErr != nil {
		return rpcFail(ctx, requestID, rpcErr)
	}

	isStream := strings.HasSuffix(path, "messages:stream") || strings.HasSuffix(path, "tasks:resubscribe")

	env := envelope.NewRequest(
		entry.Group, agentID, fromAgent(ctx), srv.cfg.Proxy.ID,
		ctx.Method(), withQuery(path, ctx.Request().URI().QueryString()),
		envelope.FilterHeaders(http.Header(ctx.GetReqHeaders())), body, isStream,
	)
	ctx.Set("X-Correlation-ID", env.CorrelationID)

	if local {
		return srv.serveLocal(ctx, entry, env, requestID)
	}
	if isStream {
		return srv.serveRemoteStream(ctx, env, requestID)
	}
	return srv.serveRemoteSync(ctx, env, requestID)
}

// serveLocal forwards over HTTP without touching the bus.
func (srv *Server) serveLocal(ctx fiber.Ctx, entry directory.Entry, env *envelope.Envelope, requestID json.RawMessage) error {
	forwardCtx := ctx.Context()
	if !env.IsStream {
		var cancel context.CancelFunc
		forwardCtx, cancel = context.WithTimeout(forwardCtx, srv.cfg.Timeouts.Request)
		defer cancel()
	}

	resp, rpcErr := srv.forwarder.Forward(forwardCtx, entry, env)
	if rpcErr != nil {
		return rpcFail(ctx, requestID, rpcErr)
	}

	if env.IsStream {
		return fiberadaptor.HTTPHandler(&localPipe{upstream: resp})(ctx)
	}

	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return rpcFail(ctx, requestID, errors.ErrAgentUnavailable.WithData(err.Error()))
	}

	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		ctx.Set("Content-Type", contentType)
	}
	return ctx.Status(resp.StatusCode).Send(payload)
}

// serveRemoteSync publishes the request and blocks on its single reply.
func (srv *Server) serveRemoteSync(ctx fiber.Ctx, env *envelope.Envelope, requestID json.RawMessage) error {
	waiter, rpcErr := srv.router.SendRemote(ctx.Context(), env)
	if rpcErr != nil {
		return rpcFail(ctx, requestID, rpcErr)
	}

	awaitCtx, cancel := context.WithTimeout(ctx.Context(), srv.cfg.Timeouts.Request)
	defer cancel()

	reply, err := waiter.Await(awaitCtx, srv.registry)
	if err != nil {
		if stderrors.Is(err, pending.ErrTimeout) || stderrors.Is(err, context.DeadlineExceeded) {
			return rpcFail(ctx, requestID, errors.ErrRequestTimeout)
		}
		return rpcFail(ctx, requestID, errors.ErrInternal.WithMessagef("%v", err))
	}

	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	ctx.Set("Content-Type", "application/json")
	return ctx.Status(status).Send(reply.Payload)
}

// serveRemoteStream publishes the request and bridges the chunk stream back
// to the client as text/event-stream.
func (srv *Server) serveRemoteStream(ctx fiber.Ctx, env *envelope.Envelope, requestID json.RawMessage) error {
	waiter, rpcErr := srv.router.StreamRemote(ctx.Context(), env)
	if rpcErr != nil {
		return rpcFail(ctx, requestID, rpcErr)
	}

	bridge := &streamBridge{
		router: srv.router,
		waiter: waiter,
		corrID: env.CorrelationID,
		window: srv.cfg.Limits.ReorderWindow,
		idle:   srv.cfg.Timeouts.StreamIdle,
	}
	return fiberadaptor.HTTPHandler(bridge)(ctx)
}

func (srv *Server) handleAgentCard(ctx fiber.Ctx) error {
	agentID := ctx.Params("id")

	entry, ok := srv.dir.Get(agentID)
	if !ok {
		return rpcFail(ctx, nil, errors.ErrAgentNotFound)
	}

	var card []byte
	if srv.dir.IsLocal(agentID) {
		card = fetchCard(ctx.Context(), srv.forwarder.Client(), entry, srv.cfg.Proxy.BaseURL)
	} else {
		// Remote agents get the placeholder: fetching their card would mean
		// another bus round-trip for a document the hosting proxy already
		// rewrites.
		card, _ = json.Marshal(map[string]any{
			"name":    entry.ID,
			"url":     fmt.Sprintf("%s/agents/%s", srv.cfg.Proxy.BaseURL, entry.ID),
			"version": "unknown",
		})
	}

	ctx.Set("Content-Type", "application/json")
	return ctx.Send(card)
}

func (srv *Server) handleProxyCard(ctx fiber.Ctx) error {
	return ctx.JSON(fiber.Map{
		"name":    srv.cfg.Proxy.ID,
		"url":     srv.cfg.Proxy.BaseURL,
		"version": "1.0.0",
		"capabilities": fiber.Map{
			"streaming": true,
		},
	})
}

func (srv *Server) handleHealth(ctx fiber.Ctx) error {
	stats := srv.registry.Stats()

	return ctx.JSON(fiber.Map{
		"proxy":        srv.cfg.Proxy.ID,
		"role":         srv.cfg.Proxy.Role,
		"hostedAgents": srv.dir.HostedCount(),
		"pending":      stats,
		"counters": fiber.Map{
			"published":   srv.router.Published(),
			"routedLocal": srv.router.RoutedLocal(),
			"served":      srv.receiver.Served(),
			"poison":      srv.receiver.Poison(),
		},
	})
}

func rpcFail(ctx fiber.Ctx, requestID json.RawMessage, rpcErr *errors.RpcError) error {
	ctx.Set("Content-Type", "application/json")
	return ctx.Status(rpcErr.HTTPStatus()).JSON(jsonrpc.NewErrorResponse(requestID, rpcErr))
}

func fromAgent(ctx fiber.Ctx) string {
	if from := ctx.Get("From-Agent"); from != "" {
		return from
	}
	if from := ctx.Get("X-From-Agent"); from != "" {
		return from
	}
	return "proxy"
}

func withQuery(path string, query []byte) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + string(query)
}

/*
localPipe streams a hosted agent's SSE response straight through to the
client, flushing as bytes arrive. No envelopes are involved on the local
path.
*/
type localPipe struct {
	upstream *http.Response
}

func (p *localPipe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer p.upstream.Body.Close()

	for key, values := range p.upstream.Header {
		if envelope.IsHopByHop(key) {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(p.upstream.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)

	for {
		n, err := p.upstream.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
