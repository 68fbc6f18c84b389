// Package telemetry wires OpenTelemetry tracing for a workflow run.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is the service.name resource attribute.
	ServiceName = "wfrun"
	// FlushTimeout bounds both the batch interval and the final flush.
	FlushTimeout = 5 * time.Second
	// BatchSize is the maximum number of spans per export.
	BatchSize = 256

	envEndpoint    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envCertificate = "OTEL_EXPORTER_OTLP_CERTIFICATE"
)

// ciAttributes maps CI runner variables to resource attributes. Unset
// variables are skipped.
var ciAttributes = []struct {
	env string
	key attribute.Key
}{
	{"GITHUB_REPOSITORY", "vcs.repository.name"},
	{"GITHUB_SHA", "vcs.ref.head.revision"},
	{"GITHUB_WORKFLOW", "cicd.pipeline.name"},
	{"GITHUB_RUN_ID", "cicd.pipeline.run.id"},
	{"GITHUB_JOB", "cicd.pipeline.task.name"},
}

type exporterFunc func(ctx context.Context, endpoint string, tlsConfig *tls.Config) (sdktrace.SpanExporter, error)

var newExporter exporterFunc = func(ctx context.Context, endpoint string, tlsConfig *tls.Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if tlsConfig != nil {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
	}
	return otlptracehttp.New(ctx, opts...)
}

// Settings selects the exporter endpoint and labels the run.
type Settings struct {
	// FlagEndpoint wins over everything else when set.
	FlagEndpoint string
	// ConfigEndpoint is used when neither the flag nor OTEL_EXPORTER_OTLP_ENDPOINT is set.
	ConfigEndpoint string
	Version        string
	RunID          string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Endpoint returns the exporter endpoint, empty when tracing is off.
func (s Settings) Endpoint() string {
	for _, candidate := range []string{s.FlagEndpoint, s.getenv(envEndpoint), s.ConfigEndpoint} {
		if endpoint := strings.TrimSpace(candidate); endpoint != "" {
			return endpoint
		}
	}
	return ""
}

func (s Settings) getenv(key string) string {
	if s.Getenv == nil {
		return os.Getenv(key)
	}
	return s.Getenv(key)
}

// Init installs a batching OTLP/HTTP tracer provider. Without an endpoint
// the global no-op provider stays in place and the returned shutdown does
// nothing.
func Init(ctx context.Context, settings Settings) (func(), error) {
	endpoint := settings.Endpoint()
	if endpoint == "" {
		return func() {}, nil
	}

	var tlsConfig *tls.Config
	if certPath := strings.TrimSpace(settings.getenv(envCertificate)); certPath != "" {
		loaded, err := loadCertificate(certPath)
		if err != nil {
			return nil, err
		}
		tlsConfig = loaded
	}

	exporter, err := newExporter(ctx, endpoint, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter for %s: %w", endpoint, err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(runAttributes(settings)...))
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(FlushTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	return func() {
		once.Do(func() {
			// The run context may already be cancelled by a signal.
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), FlushTimeout)
			defer cancel()
			if err := provider.Shutdown(flushCtx); err != nil {
				otel.Handle(err)
			}
		})
	}, nil
}

func runAttributes(settings Settings) []attribute.KeyValue {
	version := strings.TrimSpace(settings.Version)
	if version == "" {
		version = "dev"
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
	}
	if runID := strings.TrimSpace(settings.RunID); runID != "" {
		attrs = append(attrs, attribute.String("wfrun.run_id", runID))
	}
	for _, ci := range ciAttributes {
		if value := strings.TrimSpace(settings.getenv(ci.env)); value != "" {
			attrs = append(attrs, ci.key.String(value))
		}
	}
	return attrs
}

func loadCertificate(path string) (*tls.Config, error) {
	// #nosec G304 -- path comes from OTEL_EXPORTER_OTLP_CERTIFICATE.
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read OTLP certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("parse OTLP certificate %q: no certificates found", path)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}
