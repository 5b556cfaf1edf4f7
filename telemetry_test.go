package commitd

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw      string
		protocol string
		endpoint string
		path     string
		insecure bool
	}{
		{raw: "collector", protocol: "grpc", endpoint: "collector:4317", insecure: true},
		{raw: "collector:9000", protocol: "grpc", endpoint: "collector:9000", insecure: true},
		{raw: "grpcs://collector", protocol: "grpc", endpoint: "collector:4317"},
		{raw: "http://collector", protocol: "http", endpoint: "collector:4318", insecure: true},
		{raw: "https://collector:443/v1/traces/", protocol: "http", endpoint: "collector:443", path: "/v1/traces"},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got.protocol != tc.protocol || got.endpoint != tc.endpoint || got.path != tc.path || got.insecure != tc.insecure {
			t.Fatalf("%s: got %+v", tc.raw, got)
		}
	}
	for _, bad := range []string{"", "ftp://collector"} {
		if _, err := resolveOTLPTarget(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestStartTelemetryDisabled(t *testing.T) {
	tel, err := StartTelemetry(context.Background(), Config{}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if tel != nil {
		t.Fatalf("expected nil telemetry without endpoints")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

func TestStartTelemetryServesMetrics(t *testing.T) {
	prev := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	tel, err := StartTelemetry(context.Background(), Config{MetricsListen: "127.0.0.1:0"}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}()

	counter, err := otel.Meter("pkt.systems/commitd/test").Int64Counter("commitd.test.events")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3, metric.WithAttributes())

	resp, err := http.Get("http://" + tel.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(body), "commitd_test_events") {
		t.Fatalf("expected counter in scrape output:\n%s", body)
	}
}

func TestStartTelemetryRuntimeMetricsNeedListen(t *testing.T) {
	_, err := StartTelemetry(context.Background(), Config{RuntimeMetrics: true}, nil)
	if err == nil || !strings.Contains(err.Error(), "metrics-listen") {
		t.Fatalf("expected metrics-listen error, got %v", err)
	}
	var tel *Telemetry
	if addr := tel.MetricsAddr(); addr != "" {
		t.Fatalf("expected empty address on nil telemetry, got %q", addr)
	}
}
