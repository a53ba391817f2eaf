package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/onemcp/onemcp/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func gatherFamily(t *testing.T, m *MetricsCollector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestMetricsCollectorRecordsSandboxStarts(t *testing.T) {
	m := NewMetricsCollector()

	m.SandboxStartsTotal.WithLabelValues("success").Inc()
	m.SandboxStartsTotal.WithLabelValues("success").Inc()
	m.SandboxStartsTotal.WithLabelValues("error").Inc()
	m.SandboxesRunning.Set(2)

	mf := gatherFamily(t, m, "onemcp_sandbox_starts_total")
	if mf == nil {
		t.Fatal("onemcp_sandbox_starts_total not registered")
	}

	var success, failed float64
	for _, metric := range mf.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == "status" {
				switch label.GetValue() {
				case "success":
					success = metric.GetCounter().GetValue()
				case "error":
					failed = metric.GetCounter().GetValue()
				}
			}
		}
	}
	if success != 2 || failed != 1 {
		t.Errorf("starts: success = %v, error = %v, want 2 and 1", success, failed)
	}

	gauge := gatherFamily(t, m, "onemcp_sandbox_running")
	if gauge == nil {
		t.Fatal("onemcp_sandbox_running not registered")
	}
	if got := gauge.GetMetric()[0].GetGauge().GetValue(); got != 2 {
		t.Errorf("running gauge = %v, want 2", got)
	}
}

func TestMetricsCollectorHTTPLabels(t *testing.T) {
	m := NewMetricsCollector()

	m.HTTPRequestsTotal.WithLabelValues("POST", "/sandbox", statusCode(200)).Inc()

	mf := gatherFamily(t, m, "onemcp_http_requests_total")
	if mf == nil {
		t.Fatal("onemcp_http_requests_total not registered")
	}
	labels := mf.GetMetric()[0].GetLabel()
	if len(labels) != 3 {
		t.Fatalf("expected 3 labels, got %d", len(labels))
	}
}

func TestNewFromConfig(t *testing.T) {
	obs, err := New(nil, testLogger())
	if err != nil {
		t.Fatalf("New(nil) error = %v", err)
	}
	if obs != nil {
		t.Error("nil config should disable observability entirely")
	}
	if obs.MetricsOrNil() != nil {
		t.Error("MetricsOrNil() on nil Observability should be nil")
	}

	obs, err = New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
	}, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if obs.Metrics == nil {
		t.Error("expected metrics enabled")
	}
	if obs.Tracer != nil {
		t.Error("expected tracing disabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestHealthCheckerAggregatesReadiness(t *testing.T) {
	h := NewHealthChecker(testLogger())

	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("no checks: status = %q, want ok", got.Status)
	}

	h.AddCheck("storage", func(context.Context) error { return nil })
	h.AddCheck("docker", func(context.Context) error { return errors.New("daemon unreachable") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["storage"].Status != "ok" {
		t.Errorf("storage check = %+v", status.Checks["storage"])
	}
	if status.Checks["docker"].Status != "fail" {
		t.Errorf("docker check = %+v", status.Checks["docker"])
	}
}
