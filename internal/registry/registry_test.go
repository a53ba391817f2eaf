package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/onemcp/onemcp/internal/discovery"
	"github.com/onemcp/onemcp/internal/docker"
	"github.com/onemcp/onemcp/internal/events"
	"github.com/onemcp/onemcp/internal/session"
	"github.com/onemcp/onemcp/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mcpStub speaks just enough MCP to satisfy the handshake: it answers
// initialize, tools/list, and tools/call, and swallows notifications.
type mcpStub struct {
	mu        sync.Mutex
	queue     []string
	callError bool // reply to tools/call with a JSON-RPC error member
}

func (s *mcpStub) WriteLine(line string) error {
	var req struct {
		ID     *int64         `json:"id"`
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return err
	}
	if req.ID == nil {
		return nil // notification
	}

	var result any
	switch req.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "echo-mcp", "version": "1.0.0"},
		}
	case "tools/list":
		result = map[string]any{
			"tools": []map[string]any{
				{
					"name":        "echo",
					"description": "Echoes its input back.",
					"inputSchema": map[string]any{"type": "object"},
				},
			},
		}
	case "tools/call":
		if s.callError {
			s.push(map[string]any{
				"jsonrpc": "2.0",
				"id":      *req.ID,
				"error":   map[string]any{"code": -32602, "message": "unknown tool"},
			})
			return nil
		}
		result = map[string]any{
			"content": []map[string]any{{"type": "text", "text": "echoed"}},
		}
	default:
		s.push(map[string]any{
			"jsonrpc": "2.0",
			"id":      *req.ID,
			"error":   map[string]any{"code": -32601, "message": "method not found"},
		})
		return nil
	}

	s.push(map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": result})
	return nil
}

func (s *mcpStub) push(msg map[string]any) {
	data, _ := json.Marshal(msg)
	s.mu.Lock()
	s.queue = append(s.queue, string(data))
	s.mu.Unlock()
}

func (s *mcpStub) ReadLine(time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", transport.ErrReadTimeout
	}
	line := s.queue[0]
	s.queue = s.queue[1:]
	return line, nil
}

type stubSandbox struct {
	ts        session.Transport
	mu        sync.Mutex
	stopped   bool
	removed   bool
	stopError error
}

func (s *stubSandbox) Transport() session.Transport { return s.ts }

func (s *stubSandbox) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return s.stopError
}

func (s *stubSandbox) Remove(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = true
}

type stubRuntime struct {
	mu        sync.Mutex
	startErr  error
	silent    bool // started servers never answer the handshake
	callError bool
	sandboxes []*stubSandbox
	ports     []int
}

func (r *stubRuntime) Start(_ context.Context, _ string, _ docker.BootstrapMetadata, port int) (Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	sb := &stubSandbox{ts: &mcpStub{callError: r.callError}}
	if r.silent {
		sb.ts = silentStub{}
	}
	r.sandboxes = append(r.sandboxes, sb)
	r.ports = append(r.ports, port)
	return sb, nil
}

// silentStub accepts writes but never produces a response line.
type silentStub struct{}

func (silentStub) WriteLine(string) error { return nil }

func (silentStub) ReadLine(time.Duration) (string, error) {
	return "", transport.ErrReadTimeout
}

type discovererStub struct {
	err error
}

func (d *discovererStub) Discover(context.Context, string, string) (*discovery.Result, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &discovery.Result{
		Overview:    "MCP server from https://github.com/example/echo-mcp",
		SetupScript: "apt-get install -y echo-mcp",
		BootstrapMetadata: docker.BootstrapMetadata{
			ContainerImageTag: "onemcp-echo-mcp-abc123def456",
		},
	}, nil
}

func newTestRegistry(rt Runtime, opts ...Option) *Registry {
	base := []Option{WithRPCTimeout(200 * time.Millisecond), WithStartTimeout(2 * time.Second)}
	return New(rt, &discovererStub{}, testLogger(), append(base, opts...)...)
}

var testMeta = docker.BootstrapMetadata{ContainerImageTag: "onemcp-echo-mcp-abc123def456"}

func TestStartAssignsUniqueIDsAndPorts(t *testing.T) {
	rt := &stubRuntime{}
	r := newTestRegistry(rt)
	ctx := context.Background()

	seenIDs := map[string]bool{}
	seenEndpoints := map[string]bool{}
	for i := 0; i < 3; i++ {
		res := r.Start(ctx, testMeta)
		if res.ResponseCode != CodeOK {
			t.Fatalf("Start #%d = %+v", i, res)
		}
		if seenIDs[res.SandboxID] || seenEndpoints[res.Endpoint] {
			t.Fatalf("duplicate id or endpoint: %+v", res)
		}
		seenIDs[res.SandboxID] = true
		seenEndpoints[res.Endpoint] = true
	}

	if got := r.Count(); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}
	want := []int{8000, 8001, 8002}
	for i, p := range rt.ports {
		if p != want[i] {
			t.Errorf("port #%d = %d, want %d", i, p, want[i])
		}
	}
}

func TestStartCapacityExceeded(t *testing.T) {
	r := newTestRegistry(&stubRuntime{}, WithLimits(8000, 1000, 2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res := r.Start(ctx, testMeta); res.ResponseCode != CodeOK {
			t.Fatalf("Start #%d = %+v", i, res)
		}
	}

	res := r.Start(ctx, testMeta)
	if res.ResponseCode != CodeCapacity {
		t.Errorf("ResponseCode = %q, want %q", res.ResponseCode, CodeCapacity)
	}
	if res.ErrorDescription == "" {
		t.Error("expected an error description")
	}
}

func TestStartPortExhaustion(t *testing.T) {
	r := newTestRegistry(&stubRuntime{}, WithLimits(8000, 1, 5))
	ctx := context.Background()

	if res := r.Start(ctx, testMeta); res.ResponseCode != CodeOK {
		t.Fatalf("first Start = %+v", res)
	}
	res := r.Start(ctx, testMeta)
	if res.ResponseCode != CodeUnavailable {
		t.Errorf("ResponseCode = %q, want %q", res.ResponseCode, CodeUnavailable)
	}
}

func TestFailedStartReleasesPortAndSlot(t *testing.T) {
	rt := &stubRuntime{startErr: errors.New("docker daemon unreachable")}
	r := newTestRegistry(rt, WithLimits(8000, 1, 1))
	ctx := context.Background()

	res := r.Start(ctx, testMeta)
	if res.ResponseCode != CodeInternal {
		t.Fatalf("ResponseCode = %q, want %q", res.ResponseCode, CodeInternal)
	}

	// The single port and capacity slot must be reusable after the failure.
	rt.mu.Lock()
	rt.startErr = nil
	rt.mu.Unlock()

	if res := r.Start(ctx, testMeta); res.ResponseCode != CodeOK {
		t.Errorf("retry Start = %+v, want success", res)
	}
}

func TestHandshakeFailureTearsDownContainer(t *testing.T) {
	rt := &stubRuntime{silent: true}
	r := newTestRegistry(rt, WithLimits(8000, 1, 1))
	ctx := context.Background()

	res := r.Start(ctx, testMeta)
	if res.ResponseCode != CodeInternal {
		t.Fatalf("ResponseCode = %q, want %q", res.ResponseCode, CodeInternal)
	}
	if len(rt.sandboxes) != 1 {
		t.Fatalf("expected 1 launched sandbox, got %d", len(rt.sandboxes))
	}
	sb := rt.sandboxes[0]
	if !sb.stopped || !sb.removed {
		t.Errorf("stopped = %v, removed = %v, want both true", sb.stopped, sb.removed)
	}
	if got := r.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}

	// Port and slot are free again for a working server.
	rt.mu.Lock()
	rt.silent = false
	rt.mu.Unlock()
	if res := r.Start(ctx, testMeta); res.ResponseCode != CodeOK {
		t.Errorf("retry Start = %+v, want success", res)
	}
}

func TestStartRejectsEmptyImageTag(t *testing.T) {
	r := newTestRegistry(&stubRuntime{})

	res := r.Start(context.Background(), docker.BootstrapMetadata{})
	if res.ResponseCode != CodeInternal {
		t.Errorf("ResponseCode = %q, want %q", res.ResponseCode, CodeInternal)
	}
}

func TestGetToolsListsServerTools(t *testing.T) {
	r := newTestRegistry(&stubRuntime{})
	ctx := context.Background()

	started := r.Start(ctx, testMeta)
	if started.ResponseCode != CodeOK {
		t.Fatalf("Start = %+v", started)
	}

	res := r.GetTools(ctx, started.SandboxID)
	if res.ResponseCode != CodeOK {
		t.Fatalf("GetTools = %+v", res)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "echo" {
		t.Errorf("Tools = %+v", res.Tools)
	}
}

func TestGetToolsUnknownSandbox(t *testing.T) {
	r := newTestRegistry(&stubRuntime{})

	res := r.GetTools(context.Background(), "nope")
	if res.ResponseCode != CodeNotFound {
		t.Errorf("ResponseCode = %q, want %q", res.ResponseCode, CodeNotFound)
	}
}

func TestCallToolReturnsEnvelope(t *testing.T) {
	r := newTestRegistry(&stubRuntime{})
	ctx := context.Background()

	started := r.Start(ctx, testMeta)
	if started.ResponseCode != CodeOK {
		t.Fatalf("Start = %+v", started)
	}

	res := r.CallTool(ctx, started.SandboxID, map[string]any{
		"method": "tools/call",
		"params": map[string]any{"name": "echo", "arguments": map[string]any{"text": "hi"}},
	})
	if res.ResponseCode != CodeOK {
		t.Fatalf("CallTool = %+v", res)
	}
	if res.Result["result"] == nil {
		t.Errorf("expected result member in envelope, got %+v", res.Result)
	}
	if v, _ := res.Result["jsonrpc"].(string); v != "2.0" {
		t.Errorf("jsonrpc = %v, want 2.0", res.Result["jsonrpc"])
	}
}

func TestCallToolPassesServerErrorThrough(t *testing.T) {
	r := newTestRegistry(&stubRuntime{callError: true})
	ctx := context.Background()

	started := r.Start(ctx, testMeta)
	if started.ResponseCode != CodeOK {
		t.Fatalf("Start = %+v", started)
	}

	res := r.CallTool(ctx, started.SandboxID, map[string]any{"method": "tools/call"})
	if res.ResponseCode != CodeOK {
		t.Fatalf("CallTool = %+v, want 200 with error envelope", res)
	}
	if res.Result["error"] == nil {
		t.Errorf("expected error member in envelope, got %+v", res.Result)
	}
}

func TestCallToolUnknownSandbox(t *testing.T) {
	r := newTestRegistry(&stubRuntime{})

	res := r.CallTool(context.Background(), "nope", map[string]any{"method": "tools/call"})
	if res.ResponseCode != CodeNotFound {
		t.Errorf("ResponseCode = %q, want %q", res.ResponseCode, CodeNotFound)
	}
}

func TestStopTransitionsStatus(t *testing.T) {
	r := newTestRegistry(&stubRuntime{})
	ctx := context.Background()

	started := r.Start(ctx, testMeta)
	if started.ResponseCode != CodeOK {
		t.Fatalf("Start = %+v", started)
	}

	r.mu.Lock()
	inst := r.instances[started.SandboxID]
	r.mu.Unlock()
	if inst.Status != StatusRunning {
		t.Fatalf("Status after start = %q, want %q", inst.Status, StatusRunning)
	}

	if res := r.Stop(ctx, started.SandboxID); res.ResponseCode != CodeOK {
		t.Fatalf("Stop = %+v", res)
	}

	inst.mu.Lock()
	got := inst.Status
	inst.mu.Unlock()
	if got != StatusStopped {
		t.Errorf("Status after stop = %q, want %q", got, StatusStopped)
	}
}

func TestExchangesRejectNonRunningInstance(t *testing.T) {
	r := newTestRegistry(&stubRuntime{})
	ctx := context.Background()

	started := r.Start(ctx, testMeta)
	if started.ResponseCode != CodeOK {
		t.Fatalf("Start = %+v", started)
	}

	r.mu.Lock()
	inst := r.instances[started.SandboxID]
	r.mu.Unlock()
	inst.mu.Lock()
	inst.Status = StatusStopping
	inst.mu.Unlock()

	if res := r.CallTool(ctx, started.SandboxID, map[string]any{"method": "tools/call"}); res.ResponseCode != CodeNotFound {
		t.Errorf("CallTool on stopping instance = %q, want %q", res.ResponseCode, CodeNotFound)
	}
	if res := r.GetTools(ctx, started.SandboxID); res.ResponseCode != CodeNotFound {
		t.Errorf("GetTools on stopping instance = %q, want %q", res.ResponseCode, CodeNotFound)
	}
}

func TestStopRemovesInstance(t *testing.T) {
	rt := &stubRuntime{}
	r := newTestRegistry(rt)
	ctx := context.Background()

	started := r.Start(ctx, testMeta)
	if started.ResponseCode != CodeOK {
		t.Fatalf("Start = %+v", started)
	}

	res := r.Stop(ctx, started.SandboxID)
	if res.ResponseCode != CodeOK {
		t.Fatalf("Stop = %+v", res)
	}
	if !rt.sandboxes[0].stopped {
		t.Error("container was not stopped")
	}

	// The instance is gone: stopping again reports 404.
	if res := r.Stop(ctx, started.SandboxID); res.ResponseCode != CodeNotFound {
		t.Errorf("second Stop = %q, want %q", res.ResponseCode, CodeNotFound)
	}
	if got := r.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestStopReleasesPortForReuse(t *testing.T) {
	r := newTestRegistry(&stubRuntime{}, WithLimits(8000, 1, 5))
	ctx := context.Background()

	started := r.Start(ctx, testMeta)
	if started.ResponseCode != CodeOK {
		t.Fatalf("Start = %+v", started)
	}
	if res := r.Stop(ctx, started.SandboxID); res.ResponseCode != CodeOK {
		t.Fatalf("Stop = %+v", res)
	}

	if res := r.Start(ctx, testMeta); res.ResponseCode != CodeOK {
		t.Errorf("Start after Stop = %+v, want port reused", res)
	}
}

func TestCleanupAllStopsEverything(t *testing.T) {
	rt := &stubRuntime{}
	r := newTestRegistry(rt)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if res := r.Start(ctx, testMeta); res.ResponseCode != CodeOK {
			t.Fatalf("Start #%d = %+v", i, res)
		}
	}

	r.CleanupAll(ctx)

	if got := r.Count(); got != 0 {
		t.Errorf("Count() after CleanupAll = %d, want 0", got)
	}
	for i, sb := range rt.sandboxes {
		if !sb.stopped {
			t.Errorf("sandbox #%d not stopped", i)
		}
	}
}

func TestListInstances(t *testing.T) {
	r := newTestRegistry(&stubRuntime{})
	ctx := context.Background()

	started := r.Start(ctx, testMeta)
	if started.ResponseCode != CodeOK {
		t.Fatalf("Start = %+v", started)
	}

	infos := r.ListInstances()
	if len(infos) != 1 {
		t.Fatalf("ListInstances() returned %d entries", len(infos))
	}
	info := infos[0]
	if info.SandboxID != started.SandboxID || info.Endpoint != started.Endpoint {
		t.Errorf("info = %+v", info)
	}
	if info.Status != "running" || info.ImageTag != testMeta.ContainerImageTag {
		t.Errorf("info = %+v", info)
	}
	if len(info.ToolNames) != 1 || info.ToolNames[0] != "echo" {
		t.Errorf("ToolNames = %v", info.ToolNames)
	}
}

func TestDiscoverProbesAndTearsDown(t *testing.T) {
	rt := &stubRuntime{}
	r := newTestRegistry(rt)

	res := r.Discover(context.Background(), "https://github.com/example/echo-mcp", "")
	if res.ResponseCode != CodeOK {
		t.Fatalf("Discover = %+v", res)
	}
	if res.BootstrapMetadata == nil || res.BootstrapMetadata.ContainerImageTag == "" {
		t.Errorf("BootstrapMetadata = %+v", res.BootstrapMetadata)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "echo" {
		t.Errorf("Tools = %+v, want the probe instance's tool list", res.Tools)
	}
	if res.SetupScript == "" {
		t.Error("expected the setup script in the result")
	}

	// The throwaway instance must not outlive discovery.
	if got := r.Count(); got != 0 {
		t.Errorf("Count() after discovery = %d, want 0", got)
	}
	if len(rt.sandboxes) != 1 || !rt.sandboxes[0].stopped {
		t.Errorf("probe sandbox not stopped: %+v", rt.sandboxes)
	}
}

func TestDiscoverFailure(t *testing.T) {
	r := New(&stubRuntime{}, &discovererStub{err: errors.New("no README")}, testLogger())

	res := r.Discover(context.Background(), "https://github.com/example/empty", "")
	if res.ResponseCode != CodeInternal {
		t.Errorf("ResponseCode = %q, want %q", res.ResponseCode, CodeInternal)
	}
	if res.ErrorDescription == "" {
		t.Error("expected an error description")
	}
}

func TestDiscoverProbeStartFailureReported(t *testing.T) {
	r := newTestRegistry(&stubRuntime{startErr: errors.New("image missing")})

	res := r.Discover(context.Background(), "https://github.com/example/echo-mcp", "")
	if res.ResponseCode != CodeInternal {
		t.Errorf("ResponseCode = %q, want %q", res.ResponseCode, CodeInternal)
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	bus := events.NewBus(testLogger())
	ch, cancel := bus.Subscribe()
	defer cancel()

	r := newTestRegistry(&stubRuntime{}, WithEvents(bus))
	ctx := context.Background()

	started := r.Start(ctx, testMeta)
	if started.ResponseCode != CodeOK {
		t.Fatalf("Start = %+v", started)
	}
	r.Stop(ctx, started.SandboxID)

	var got []string
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
	if got[0] != events.TypeStarted || got[1] != events.TypeStopped {
		t.Errorf("events = %v", got)
	}
}

func TestConcurrentStartsRespectCapacity(t *testing.T) {
	r := newTestRegistry(&stubRuntime{}, WithLimits(8000, 1000, 5))
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*StartResult, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Start(ctx, testMeta)
		}(i)
	}
	wg.Wait()

	var ok, capacity int
	for _, res := range results {
		switch res.ResponseCode {
		case CodeOK:
			ok++
		case CodeCapacity:
			capacity++
		default:
			t.Errorf("unexpected code %q: %s", res.ResponseCode, res.ErrorDescription)
		}
	}
	if ok != 5 || capacity != 5 {
		t.Errorf("ok = %d, capacity = %d, want 5 and 5", ok, capacity)
	}
	if got := r.Count(); got != 5 {
		t.Errorf("Count() = %d, want 5", got)
	}
}
