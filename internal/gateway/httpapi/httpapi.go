// Package httpapi implements the HTTP surface of the sandbox service.
//
// All sandbox operations share a single endpoint, POST /sandbox, dispatched
// on the X-OneMCP-Message-Type header. Registry outcomes travel in the body
// as response_code strings; the HTTP status stays 200 for anything the
// registry decided, and 400 is reserved for requests the gateway itself
// rejects (missing fields, unknown message type).
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/onemcp/onemcp/internal/docker"
	"github.com/onemcp/onemcp/internal/events"
	"github.com/onemcp/onemcp/internal/observability"
	"github.com/onemcp/onemcp/internal/protocol"
	"github.com/onemcp/onemcp/internal/ratelimit"
	"github.com/onemcp/onemcp/internal/registry"
	"github.com/onemcp/onemcp/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	ResponseCode     string `json:"response_code"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr string // e.g., "0.0.0.0:8080"
	EnableDocs bool
	APIKeys    []string // Empty = authentication disabled.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// SandboxRegistry is the registry surface the gateway drives.
type SandboxRegistry interface {
	Discover(ctx context.Context, repositoryURL, readme string) *registry.DiscoverResult
	Start(ctx context.Context, meta docker.BootstrapMetadata) *registry.StartResult
	GetTools(ctx context.Context, sandboxID string) *registry.ToolsResult
	CallTool(ctx context.Context, sandboxID string, body map[string]any) *registry.CallResult
	Stop(ctx context.Context, sandboxID string) *registry.StopResult
	ListInstances() []registry.InstanceInfo
}

// Gateway is the HTTP gateway in front of the sandbox registry.
type Gateway struct {
	config   Config
	registry SandboxRegistry
	limiter  *ratelimit.Limiter
	bus      *events.Bus
	eventLog storage.EventStore
	logger   *slog.Logger
	server   *http.Server
	okapi    *okapi.Okapi
}

// NewGateway creates an HTTP gateway over the given registry.
func NewGateway(cfg Config, reg SandboxRegistry, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		registry: reg,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithEventFeed attaches the lifecycle event bus backing the /events
// WebSocket endpoint.
func (g *Gateway) WithEventFeed(bus *events.Bus) *Gateway {
	g.bus = bus
	return g
}

// WithEventLog attaches the persisted audit trail backing GET /sandbox/events.
func (g *Gateway) WithEventLog(store storage.EventStore) *Gateway {
	g.eventLog = store
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "OneMCP Sandbox API",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	guards := g.middlewares()

	g.okapi.Post("/sandbox", chain(g.handleSandbox, guards...),
		okapi.DocSummary("Dispatch a sandbox operation by X-OneMCP-Message-Type header"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(registry.StartResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.okapi.Get("/sandbox/instances", chain(g.handleInstances, guards...),
		okapi.DocSummary("List running sandbox instances"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(InstancesResponse{}),
	)
	g.okapi.Get("/sandbox/events", chain(g.handleRecentEvents, guards...),
		okapi.DocSummary("List recent sandbox lifecycle events"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(EventsResponse{}),
	)
	g.okapi.Get("/health", g.handleHealth,
		okapi.DocSummary("Service health"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// Lifecycle event feed for exploration tooling.
	if g.bus != nil {
		g.okapi.HandleStd("GET", "/events", g.handleEventFeed)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	// WriteTimeout stays unset: a DISCOVER request covers an LLM call plus a
	// container image build, and /events holds its connection open.
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// middlewares assembles the guard stack for sandbox routes: metrics, then
// authentication, then rate limiting.
func (g *Gateway) middlewares() []okapi.Middleware {
	var mws []okapi.Middleware
	if g.config.Metrics != nil || g.config.Tracer != nil {
		mws = append(mws, observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}
	if len(g.config.APIKeys) > 0 {
		mws = append(mws, g.authenticate)
	}
	if g.limiter != nil {
		mws = append(mws, g.rateLimit)
	}
	return mws
}

// chain wraps h in the given middlewares, first middleware outermost.
func chain(h okapi.HandlerFunc, mws ...okapi.Middleware) okapi.HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// --- Handlers ---

// DiscoverRequest is the DISCOVER payload for POST /sandbox.
type DiscoverRequest struct {
	RepositoryURL    string `json:"repository_url"`
	RepositoryReadme string `json:"repository_readme,omitempty"`
}

// StartRequest is the START payload for POST /sandbox.
type StartRequest struct {
	BootstrapMetadata *docker.BootstrapMetadata `json:"bootstrap_metadata"`
}

// SandboxIDRequest is the GET_TOOLS and STOP payload for POST /sandbox.
type SandboxIDRequest struct {
	SandboxID string `json:"sandbox_id"`
}

func (g *Gateway) handleSandbox(c *okapi.Context) error {
	msgType := c.Header(protocol.HeaderMessageType)

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, defaultMaxRequestSize))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{
			ResponseCode:     "400",
			ErrorDescription: "unreadable request body",
		})
	}

	correlationID := newCorrelationID()
	g.logger.Info("sandbox request",
		slog.String("message_type", msgType),
		slog.String("correlation_id", correlationID),
	)

	status, payload := g.dispatch(c.Context(), msgType, body)
	return c.JSON(status, payload)
}

// dispatch routes a /sandbox request body by message type and returns the
// HTTP status and response payload.
func (g *Gateway) dispatch(ctx context.Context, msgType string, body []byte) (int, any) {
	switch protocol.MessageType(msgType) {
	case protocol.MsgDiscover:
		var req DiscoverRequest
		if err := json.Unmarshal(body, &req); err != nil || req.RepositoryURL == "" {
			return badRequest("repository_url is required")
		}
		return http.StatusOK, g.registry.Discover(ctx, req.RepositoryURL, req.RepositoryReadme)

	case protocol.MsgStart:
		var req StartRequest
		if err := json.Unmarshal(body, &req); err != nil || req.BootstrapMetadata == nil {
			return badRequest("bootstrap_metadata is required")
		}
		return http.StatusOK, g.registry.Start(ctx, *req.BootstrapMetadata)

	case protocol.MsgGetTools:
		var req SandboxIDRequest
		if err := json.Unmarshal(body, &req); err != nil || req.SandboxID == "" {
			return badRequest("sandbox_id is required")
		}
		return http.StatusOK, g.registry.GetTools(ctx, req.SandboxID)

	case protocol.MsgCallTool:
		var raw map[string]any
		if err := json.Unmarshal(body, &raw); err != nil {
			return badRequest("sandbox_id is required")
		}
		sandboxID, _ := raw["sandbox_id"].(string)
		if sandboxID == "" {
			return badRequest("sandbox_id is required")
		}
		// The remaining members form the JSON-RPC request forwarded verbatim.
		delete(raw, "sandbox_id")
		return http.StatusOK, g.registry.CallTool(ctx, sandboxID, raw)

	case protocol.MsgStop:
		var req SandboxIDRequest
		if err := json.Unmarshal(body, &req); err != nil || req.SandboxID == "" {
			return badRequest("sandbox_id is required")
		}
		return http.StatusOK, g.registry.Stop(ctx, req.SandboxID)

	default:
		return badRequest(fmt.Sprintf("Unsupported message type: %q", msgType))
	}
}

func badRequest(description string) (int, any) {
	return http.StatusBadRequest, ErrorBody{
		ResponseCode:     "400",
		ErrorDescription: description,
	}
}

// InstancesResponse is the JSON response for GET /sandbox/instances.
type InstancesResponse struct {
	Instances []registry.InstanceInfo `json:"instances"`
}

func (g *Gateway) handleInstances(c *okapi.Context) error {
	return c.OK(InstancesResponse{Instances: g.registry.ListInstances()})
}

// EventsResponse is the JSON response for GET /sandbox/events.
type EventsResponse struct {
	Events []*storage.SandboxEvent `json:"events"`
}

func (g *Gateway) handleRecentEvents(c *okapi.Context) error {
	if g.eventLog == nil {
		return c.OK(EventsResponse{Events: []*storage.SandboxEvent{}})
	}
	evs, err := g.eventLog.Recent(c.Context(), 50)
	if err != nil {
		g.logger.Error("event log query failed", slog.Any("error", err))
		return c.AbortInternalServerError("event log unavailable")
	}
	return c.OK(EventsResponse{Events: evs})
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "healthy", Service: "OneMCP Sandbox API"})
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(okapi.M{"status": "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(okapi.M{"status": "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Middleware ---

// authenticate validates the bearer API key with constant-time comparison.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		if !keyAllowed(apiKey, g.config.APIKeys) {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientKey", apiKey)
		return next(c)
	}
}

// keyAllowed compares the presented key against every configured key so the
// comparison time does not depend on which key matched.
func keyAllowed(presented string, keys []string) bool {
	allowed := false
	for _, key := range keys {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
			allowed = true
		}
	}
	return allowed
}

// rateLimit applies the per-client token bucket, keyed by API key when
// authenticated and by remote address otherwise.
func (g *Gateway) rateLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		client := c.GetString("clientKey")
		if client == "" {
			client = c.Request().RemoteAddr
		}
		if err := g.limiter.Allow(client); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		return next(c)
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
