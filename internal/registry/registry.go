// Package registry manages the set of running sandbox instances: admission,
// port allocation, the MCP handshake on start, tool listing and invocation,
// and teardown. Every operation returns a structured result with a response
// code instead of an error, so callers can forward outcomes verbatim.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/onemcp/onemcp/internal/discovery"
	"github.com/onemcp/onemcp/internal/docker"
	"github.com/onemcp/onemcp/internal/events"
	"github.com/onemcp/onemcp/internal/observability"
	"github.com/onemcp/onemcp/internal/session"
	"github.com/onemcp/onemcp/internal/storage"
)

// containerNamePrefix marks containers owned by this service so the janitor
// sweep can tell ours apart from unrelated containers.
const containerNamePrefix = "onemcp-"

// Sandbox is one running execution environment as the registry sees it.
type Sandbox interface {
	Transport() session.Transport
	Stop(ctx context.Context) error
	Remove(ctx context.Context)
}

// Runtime launches sandboxes. The production implementation wraps the
// docker engine; tests substitute fakes.
type Runtime interface {
	Start(ctx context.Context, name string, meta docker.BootstrapMetadata, port int) (Sandbox, error)
}

// Discoverer analyzes a repository into bootstrap metadata. readme may be
// empty, in which case the implementation fetches it itself.
type Discoverer interface {
	Discover(ctx context.Context, repoURL, readme string) (*discovery.Result, error)
}

// Instance lifecycle states. Transitions are monotonic, running through
// stopping to stopped; a stopped instance is never resurrected. The starting
// phase is tracked by the registry's pending counter, so an instance only
// enters the map once running.
const (
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
)

// Instance is one registered sandbox. Its mutex serializes MCP exchanges so
// concurrent calls cannot interleave on the shared stdio stream, and guards
// Status once the instance has left the map.
type Instance struct {
	ID        string
	Port      int
	Endpoint  string
	ImageTag  string
	Status    string
	StartedAt time.Time

	mu      sync.Mutex
	sandbox Sandbox
	tools   []mcp.Tool
}

// Registry tracks all running instances under a single lock. Slow work
// (container launch, handshakes, discovery) happens outside it; admission
// reserves capacity and a port first so concurrent starts cannot oversubscribe.
type Registry struct {
	runtime    Runtime
	discoverer Discoverer

	basePort     int
	portRange    int
	maxInstances int
	rpcTimeout   time.Duration
	startTimeout time.Duration

	mu        sync.Mutex
	instances map[string]*Instance
	usedPorts map[int]struct{}
	pending   int

	bus        *events.Bus
	eventStore storage.EventStore
	metrics    *observability.MetricsCollector
	logger     *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLimits overrides port allocation and admission limits.
func WithLimits(basePort, portRange, maxInstances int) Option {
	return func(r *Registry) {
		r.basePort = basePort
		r.portRange = portRange
		r.maxInstances = maxInstances
	}
}

// WithRPCTimeout overrides the per-response read timeout for MCP exchanges.
func WithRPCTimeout(d time.Duration) Option {
	return func(r *Registry) { r.rpcTimeout = d }
}

// WithStartTimeout bounds a single sandbox start end to end.
func WithStartTimeout(d time.Duration) Option {
	return func(r *Registry) { r.startTimeout = d }
}

// WithEvents attaches the lifecycle event bus.
func WithEvents(bus *events.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithEventStore attaches the lifecycle audit trail.
func WithEventStore(store storage.EventStore) Option {
	return func(r *Registry) { r.eventStore = store }
}

// WithMetrics attaches the metrics collector.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates a Registry with the default limits: ports 8000 through 8999
// and at most 10 concurrent instances.
func New(runtime Runtime, discoverer Discoverer, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		runtime:      runtime,
		discoverer:   discoverer,
		basePort:     8000,
		portRange:    1000,
		maxInstances: 10,
		rpcTimeout:   10 * time.Second,
		startTimeout: 2 * time.Minute,
		instances:    make(map[string]*Instance),
		usedPorts:    make(map[int]struct{}),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Discover analyzes an MCP server repository: synthesizes and builds its
// image, boots a throwaway instance to enumerate the server's tools, then
// stops that instance. The throwaway is always torn down, even when the
// tool fetch fails.
func (r *Registry) Discover(ctx context.Context, repositoryURL, readme string) *DiscoverResult {
	start := time.Now()

	res, err := r.discoverer.Discover(ctx, repositoryURL, readme)
	if err != nil {
		r.logger.ErrorContext(ctx, "discovery failed",
			slog.String("repository", repositoryURL),
			slog.Any("error", err),
		)
		r.countDiscovery("error", start)
		return &DiscoverResult{
			ResponseCode:     CodeInternal,
			ErrorDescription: fmt.Sprintf("Discovery failed: %v", err),
		}
	}

	// Probe the freshly built image with a short-lived instance.
	started := r.Start(ctx, res.BootstrapMetadata)
	if started.ResponseCode != CodeOK {
		r.countDiscovery("error", start)
		return &DiscoverResult{
			ResponseCode:     CodeInternal,
			ErrorDescription: fmt.Sprintf("Discovery failed: %s", started.ErrorDescription),
		}
	}

	var tools []mcp.Tool
	if inst, ok := r.lookup(started.SandboxID); ok {
		inst.mu.Lock()
		tools = inst.tools
		inst.mu.Unlock()
	}

	if stopped := r.Stop(ctx, started.SandboxID); stopped.ResponseCode != CodeOK {
		r.logger.WarnContext(ctx, "discovery probe teardown failed",
			slog.String("sandbox_id", started.SandboxID),
			slog.String("response_code", stopped.ResponseCode),
		)
	}

	r.countDiscovery("success", start)
	r.emit(ctx, events.Event{
		Type:   events.TypeDiscovered,
		Detail: repositoryURL,
	})

	meta := res.BootstrapMetadata
	return &DiscoverResult{
		ResponseCode:      CodeOK,
		Overview:          res.Overview,
		Tools:             tools,
		SetupScript:       res.SetupScript,
		BootstrapMetadata: &meta,
	}
}

// Start admits a new instance, launches its container, performs the MCP
// handshake, and lists the server's tools. A failed start leaves no trace:
// the reserved port and capacity slot are released and the container removed.
func (r *Registry) Start(ctx context.Context, meta docker.BootstrapMetadata) *StartResult {
	if meta.ContainerImageTag == "" {
		return &StartResult{
			ResponseCode:     CodeInternal,
			ErrorDescription: "Failed to start sandbox: bootstrap metadata has no container image tag",
		}
	}

	r.mu.Lock()
	if len(r.instances)+r.pending >= r.maxInstances {
		r.mu.Unlock()
		r.countStart("capacity")
		return &StartResult{
			ResponseCode:     CodeCapacity,
			ErrorDescription: "Maximum number of sandbox instances reached",
		}
	}
	port, ok := r.allocatePortLocked()
	if !ok {
		r.mu.Unlock()
		r.countStart("no_ports")
		return &StartResult{
			ResponseCode:     CodeUnavailable,
			ErrorDescription: "No available ports for sandbox instance",
		}
	}
	r.pending++
	r.mu.Unlock()

	sandboxID := uuid.NewString()
	began := time.Now()

	startCtx, cancel := context.WithTimeout(ctx, r.startTimeout)
	defer cancel()

	sb, err := r.runtime.Start(startCtx, containerNamePrefix+sandboxID, meta, port)
	if err != nil {
		r.release(port)
		r.countStart("error")
		r.emit(ctx, events.Event{Type: events.TypeStartFailed, SandboxID: sandboxID, Detail: err.Error()})
		r.logger.ErrorContext(ctx, "sandbox start failed",
			slog.String("sandbox_id", sandboxID),
			slog.Any("error", err),
		)
		return &StartResult{
			ResponseCode:     CodeInternal,
			ErrorDescription: fmt.Sprintf("Failed to start sandbox: %v", err),
		}
	}

	tools, err := r.handshake(startCtx, sb)
	if err != nil {
		_ = sb.Stop(context.WithoutCancel(ctx))
		sb.Remove(context.WithoutCancel(ctx))
		r.release(port)
		r.countStart("error")
		r.emit(ctx, events.Event{Type: events.TypeStartFailed, SandboxID: sandboxID, Detail: err.Error()})
		r.logger.ErrorContext(ctx, "sandbox handshake failed",
			slog.String("sandbox_id", sandboxID),
			slog.Any("error", err),
		)
		return &StartResult{
			ResponseCode:     CodeInternal,
			ErrorDescription: fmt.Sprintf("Failed to start sandbox: %v", err),
		}
	}

	inst := &Instance{
		ID:        sandboxID,
		Port:      port,
		Endpoint:  fmt.Sprintf("localhost:%d", port),
		ImageTag:  meta.ContainerImageTag,
		Status:    StatusRunning,
		StartedAt: began.UTC(),
		sandbox:   sb,
		tools:     tools,
	}

	r.mu.Lock()
	r.instances[sandboxID] = inst
	r.pending--
	running := len(r.instances)
	r.mu.Unlock()

	r.countStart("success")
	if r.metrics != nil {
		r.metrics.SandboxesRunning.Set(float64(running))
		r.metrics.SandboxStartDuration.Observe(time.Since(began).Seconds())
	}
	r.emit(ctx, events.Event{Type: events.TypeStarted, SandboxID: sandboxID})
	r.logger.InfoContext(ctx, "sandbox started",
		slog.String("sandbox_id", sandboxID),
		slog.Int("port", port),
		slog.Int("tools", len(tools)),
	)

	return &StartResult{
		ResponseCode: CodeOK,
		SandboxID:    sandboxID,
		Endpoint:     inst.Endpoint,
	}
}

// GetTools lists the tools exposed by a running instance. Each call opens a
// fresh handshake so a restarted server inside the container is picked up.
func (r *Registry) GetTools(ctx context.Context, sandboxID string) *ToolsResult {
	inst, ok := r.lookup(sandboxID)
	if !ok {
		return &ToolsResult{
			ResponseCode:     CodeNotFound,
			ErrorDescription: fmt.Sprintf("Sandbox %s not found", sandboxID),
		}
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.Status != StatusRunning {
		return &ToolsResult{
			ResponseCode:     CodeNotFound,
			ErrorDescription: fmt.Sprintf("Sandbox %s not found", sandboxID),
		}
	}

	began := time.Now()
	tools, err := r.handshake(ctx, inst.sandbox)
	r.countRPC("tools/list", err, began)
	if err != nil {
		return &ToolsResult{
			ResponseCode:     CodeInternal,
			ErrorDescription: fmt.Sprintf("Failed to get tools: %v", err),
		}
	}
	inst.tools = tools

	return &ToolsResult{ResponseCode: CodeOK, Tools: tools}
}

// CallTool forwards a raw JSON-RPC request body to the instance's server
// after a fresh handshake. The returned envelope is the server's verbatim,
// including any JSON-RPC error member.
func (r *Registry) CallTool(ctx context.Context, sandboxID string, body map[string]any) *CallResult {
	inst, ok := r.lookup(sandboxID)
	if !ok {
		return &CallResult{
			ResponseCode:     CodeNotFound,
			ErrorDescription: fmt.Sprintf("Sandbox %s not found", sandboxID),
		}
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.Status != StatusRunning {
		return &CallResult{
			ResponseCode:     CodeNotFound,
			ErrorDescription: fmt.Sprintf("Sandbox %s not found", sandboxID),
		}
	}

	sess := session.New(inst.sandbox.Transport(), r.logger, session.WithTimeout(r.rpcTimeout))
	if _, err := sess.Initialize(ctx, ""); err != nil {
		r.countRPC("initialize", err, time.Now())
		return &CallResult{
			ResponseCode:     CodeInternal,
			ErrorDescription: fmt.Sprintf("Failed to call tool: %v", err),
		}
	}

	began := time.Now()
	envelope, err := sess.CallRaw(ctx, body)
	r.countRPC("tools/call", err, began)
	if err != nil {
		return &CallResult{
			ResponseCode:     CodeInternal,
			ErrorDescription: fmt.Sprintf("Failed to call tool: %v", err),
		}
	}

	// Re-encode the envelope as a generic map; the HTTP layer forwards it
	// as-is, error member included.
	response := make(map[string]any)
	raw, err := json.Marshal(envelope)
	if err == nil {
		err = json.Unmarshal(raw, &response)
	}
	if err != nil {
		return &CallResult{
			ResponseCode:     CodeInternal,
			ErrorDescription: fmt.Sprintf("Failed to call tool: %v", err),
		}
	}

	return &CallResult{ResponseCode: CodeOK, Result: response}
}

// Stop removes an instance and tears its container down. The instance is
// deregistered and its port released before the container stop is attempted,
// so a follow-up Stop of the same ID reports 404 even if teardown failed.
func (r *Registry) Stop(ctx context.Context, sandboxID string) *StopResult {
	r.mu.Lock()
	inst, ok := r.instances[sandboxID]
	if !ok {
		r.mu.Unlock()
		return &StopResult{
			ResponseCode:     CodeNotFound,
			ErrorDescription: fmt.Sprintf("Sandbox %s not found", sandboxID),
		}
	}
	delete(r.instances, sandboxID)
	delete(r.usedPorts, inst.Port)
	running := len(r.instances)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SandboxesRunning.Set(float64(running))
	}

	// Marked under the instance lock so an exchange that already passed
	// lookup sees the transition instead of a dead transport. Taking the
	// lock also waits out any exchange in flight before teardown.
	inst.mu.Lock()
	inst.Status = StatusStopping
	inst.mu.Unlock()

	if err := inst.sandbox.Stop(ctx); err != nil {
		r.countStop("error")
		r.logger.ErrorContext(ctx, "sandbox stop failed",
			slog.String("sandbox_id", sandboxID),
			slog.Any("error", err),
		)
		return &StopResult{
			ResponseCode:     CodeInternal,
			ErrorDescription: fmt.Sprintf("Failed to stop sandbox: %v", err),
		}
	}
	inst.sandbox.Remove(ctx)

	inst.mu.Lock()
	inst.Status = StatusStopped
	inst.mu.Unlock()

	r.countStop("success")
	r.emit(ctx, events.Event{Type: events.TypeStopped, SandboxID: sandboxID})
	r.logger.InfoContext(ctx, "sandbox stopped", slog.String("sandbox_id", sandboxID))

	return &StopResult{ResponseCode: CodeOK}
}

// CleanupAll stops every running instance. Used on shutdown.
func (r *Registry) CleanupAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if res := r.Stop(ctx, id); res.ResponseCode != CodeOK {
			r.logger.WarnContext(ctx, "cleanup stop failed",
				slog.String("sandbox_id", id),
				slog.String("response_code", res.ResponseCode),
			)
		}
	}
}

// ListInstances returns a snapshot of all running instances.
func (r *Registry) ListInstances() []InstanceInfo {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.Unlock()

	infos := make([]InstanceInfo, 0, len(instances))
	for _, inst := range instances {
		inst.mu.Lock()
		status := inst.Status
		names := make([]string, 0, len(inst.tools))
		for _, t := range inst.tools {
			names = append(names, t.Name)
		}
		inst.mu.Unlock()

		infos = append(infos, InstanceInfo{
			SandboxID: inst.ID,
			Endpoint:  inst.Endpoint,
			Port:      inst.Port,
			Status:    status,
			ImageTag:  inst.ImageTag,
			StartedAt: inst.StartedAt.Format(time.RFC3339),
			ToolNames: names,
		})
	}
	return infos
}

// Count returns the number of running instances.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// ContainerNames returns the container names of all live instances. The
// janitor treats any prefixed container not in this list as an orphan.
func (r *Registry) ContainerNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.instances))
	for id := range r.instances {
		names = append(names, containerNamePrefix+id)
	}
	return names
}

// handshake opens a fresh session over the sandbox transport and lists the
// server's tools.
func (r *Registry) handshake(ctx context.Context, sb Sandbox) ([]mcp.Tool, error) {
	sess := session.New(sb.Transport(), r.logger, session.WithTimeout(r.rpcTimeout))
	if _, err := sess.Initialize(ctx, ""); err != nil {
		return nil, err
	}
	return sess.ListTools(ctx)
}

// allocatePortLocked scans the port window for the first free port.
// Caller holds r.mu.
func (r *Registry) allocatePortLocked() (int, bool) {
	for port := r.basePort; port < r.basePort+r.portRange; port++ {
		if _, used := r.usedPorts[port]; !used {
			r.usedPorts[port] = struct{}{}
			return port, true
		}
	}
	return 0, false
}

// release returns a reserved port and pending slot after a failed start.
func (r *Registry) release(port int) {
	r.mu.Lock()
	delete(r.usedPorts, port)
	r.pending--
	r.mu.Unlock()
}

func (r *Registry) lookup(sandboxID string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[sandboxID]
	return inst, ok
}

// emit publishes a lifecycle event to the bus and the audit trail.
func (r *Registry) emit(ctx context.Context, ev events.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
	if r.eventStore != nil {
		rec := &storage.SandboxEvent{
			SandboxID: ev.SandboxID,
			Type:      ev.Type,
			Detail:    ev.Detail,
			CreatedAt: time.Now().UTC(),
		}
		if err := r.eventStore.Append(context.WithoutCancel(ctx), rec); err != nil {
			r.logger.Warn("recording lifecycle event failed",
				slog.String("type", ev.Type),
				slog.Any("error", err),
			)
		}
	}
}

func (r *Registry) countStart(status string) {
	if r.metrics != nil {
		r.metrics.SandboxStartsTotal.WithLabelValues(status).Inc()
	}
}

func (r *Registry) countStop(status string) {
	if r.metrics != nil {
		r.metrics.SandboxStopsTotal.WithLabelValues(status).Inc()
	}
}

func (r *Registry) countDiscovery(status string, began time.Time) {
	if r.metrics != nil {
		r.metrics.DiscoveriesTotal.WithLabelValues(status).Inc()
		r.metrics.DiscoveryDuration.Observe(time.Since(began).Seconds())
	}
}

func (r *Registry) countRPC(method string, err error, began time.Time) {
	if r.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		var pe *session.ProtocolError
		if errors.As(err, &pe) {
			status = "protocol_error"
		}
	}
	r.metrics.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	r.metrics.RPCDuration.WithLabelValues(method).Observe(time.Since(began).Seconds())
}
