package commitd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"
)

const (
	otlpGRPCPort      = "4317"
	otlpHTTPPort      = "4318"
	otlpExportTimeout = 10 * time.Second
)

// Telemetry owns the trace and metric providers installed by StartTelemetry.
// Coordinator and participant instruments record through the global otel
// providers, so everything a cluster emits flows into these exporters.
type Telemetry struct {
	traces   *sdktrace.TracerProvider
	metrics  *sdkmetric.MeterProvider
	scrape   *http.Server
	scrapeLn net.Listener
	logger   pslog.Logger
}

// StartTelemetry installs the global otel providers requested by cfg: an OTLP
// trace exporter when OTLPEndpoint is set and a Prometheus scrape endpoint
// when MetricsListen is set. It returns nil when neither is configured.
func StartTelemetry(ctx context.Context, cfg Config, logger pslog.Logger) (*Telemetry, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	listen := strings.TrimSpace(cfg.MetricsListen)
	if endpoint == "" && listen == "" && !cfg.RuntimeMetrics {
		return nil, nil
	}
	if cfg.RuntimeMetrics && listen == "" {
		return nil, errors.New("telemetry: runtime metrics require metrics-listen")
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName("commitd")),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	t := &Telemetry{logger: logger}
	if endpoint != "" {
		target, err := resolveOTLPTarget(endpoint)
		if err != nil {
			return nil, err
		}
		if t.traces, err = newTracerProvider(ctx, target, res); err != nil {
			return nil, err
		}
		otel.SetTracerProvider(t.traces)
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
		)
	}
	if listen != "" {
		if err := t.serveMetrics(listen, cfg.RuntimeMetrics, res); err != nil {
			_ = t.Shutdown(ctx)
			return nil, err
		}
		logger.Info("telemetry.metrics.enabled", "listen", t.scrapeLn.Addr().String(), "runtime", cfg.RuntimeMetrics)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(exporterErrorHandler{logger: logger})
	return t, nil
}

// MetricsAddr reports the bound Prometheus scrape address, or "" when
// metrics are not served.
func (t *Telemetry) MetricsAddr() string {
	if t == nil || t.scrapeLn == nil {
		return ""
	}
	return t.scrapeLn.Addr().String()
}

// Shutdown flushes exporters and stops the metrics endpoint. It is safe to
// call on a nil Telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	fail := func(what string, err error) {
		errs = append(errs, fmt.Errorf("%s shutdown: %w", what, err))
		t.logger.Warn("telemetry.shutdown.failed", "component", what, "error", err)
	}
	if t.metrics != nil {
		if err := t.metrics.Shutdown(ctx); err != nil {
			fail("metric", err)
		}
	}
	if t.scrape != nil {
		if err := t.scrape.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fail("metrics server", err)
		}
	}
	if t.traces != nil {
		if err := t.traces.Shutdown(ctx); err != nil {
			fail("trace", err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	t.logger.Info("telemetry.shutdown.complete")
	return nil
}

func (t *Telemetry) serveMetrics(addr string, runtimeMetrics bool, res *resource.Resource) error {
	registry := prometheus.NewRegistry()
	exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
	if runtimeMetrics {
		exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
	}
	exporter, err := otelprometheus.New(exporterOpts...)
	if err != nil {
		return fmt.Errorf("telemetry: start prometheus exporter: %w", err)
	}
	t.metrics = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(t.metrics)
	if runtimeMetrics {
		if err := startRuntimeMetrics(t.metrics); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("telemetry: metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	t.scrapeLn = ln
	t.scrape = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := t.scrape.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.metrics.serve_error", "error", err)
		}
	}()
	return nil
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// otelruntime registers process-wide instruments, so it only starts once.
func startRuntimeMetrics(provider *sdkmetric.MeterProvider) error {
	runtimeMetricsOnce.Do(func() {
		runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
	})
	return runtimeMetricsErr
}

func newTracerProvider(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch target.protocol {
	case "grpc":
		creds := credentials.NewClientTLSFromCert(nil, "")
		if target.insecure {
			creds = insecure.NewCredentials()
		}
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(otlpExportTimeout),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)),
		}
		if target.insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(otlpExportTimeout),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (%s): %w", target.protocol, err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
	), nil
}

type exporterErrorHandler struct {
	logger pslog.Logger
}

func (h exporterErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	// A collector that is not up yet is expected during startup.
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

type otlpTarget struct {
	protocol string
	endpoint string
	path     string
	insecure bool
}

// otlpSchemes maps an endpoint scheme to its protocol, default port and
// transport security.
var otlpSchemes = map[string]otlpTarget{
	"grpc":  {protocol: "grpc", endpoint: otlpGRPCPort, insecure: true},
	"grpcs": {protocol: "grpc", endpoint: otlpGRPCPort},
	"http":  {protocol: "http", endpoint: otlpHTTPPort, insecure: true},
	"https": {protocol: "http", endpoint: otlpHTTPPort},
}

// resolveOTLPTarget parses an OTLP endpoint. A bare host[:port] means
// plaintext gRPC.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, errors.New("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	scheme, ok := otlpSchemes[strings.ToLower(u.Scheme)]
	if !ok {
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return otlpTarget{}, errors.New("telemetry: missing endpoint host")
	}
	target := otlpTarget{
		protocol: scheme.protocol,
		endpoint: u.Host,
		path:     strings.TrimSuffix(u.Path, "/"),
		insecure: scheme.insecure,
	}
	if u.Port() == "" {
		target.endpoint = net.JoinHostPort(u.Hostname(), scheme.endpoint)
	}
	return target, nil
}
