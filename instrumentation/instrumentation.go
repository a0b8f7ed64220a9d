package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "portal-oauth")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active
	// When false, uses no-op providers (zero overhead)
	Enabled bool

	// LogClientIPs controls whether client IP addresses are included in
	// traces and metrics. Client IPs may be PII under GDPR and similar
	// regulations; set to false where that matters.
	LogClientIPs bool

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// Shutdown functions must be registered during New() only
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "portal-oauth"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders initializes metric and trace providers.
// Exporter wiring (Prometheus, OTLP) is left to the embedding application;
// until it registers providers we run on no-op implementations.
func (i *Instrumentation) initializeProviders() error {
	i.meterProvider = noop.NewMeterProvider()
	i.tracerProvider = tracenoop.NewTracerProvider()

	return nil
}

// Shutdown gracefully shuts down all instrumentation providers
// This should be called when the application is terminating
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope.
// Scopes are layer names like "http", "engine", "storage", "security".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter("github.com/openmodeling/portal-oauth/" + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer("github.com/openmodeling/portal-oauth/" + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs returns whether client IP addresses should be logged
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers callbacks for storage size gauges.
// Storage implementations call this after instrumentation is set:
//
//	func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
//	    s.instrumentation = inst
//	    inst.RegisterStorageSizeCallbacks(
//	        func() int64 { return s.clientCount() },
//	        func() int64 { return s.tokenCount() },
//	        func() int64 { return s.grantCount() },
//	    )
//	}
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	clientsCount, tokensCount, grantsCount StorageSizeCallback,
) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	meter := i.Meter("storage")

	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if clientsCount != nil {
				observer.ObserveInt64(i.metrics.StorageSizeClients, clientsCount())
			}
			if tokensCount != nil {
				observer.ObserveInt64(i.metrics.StorageSizeTokens, tokensCount())
			}
			if grantsCount != nil {
				observer.ObserveInt64(i.metrics.StorageSizeGrants, grantsCount())
			}
			return nil
		},
		i.metrics.StorageSizeClients,
		i.metrics.StorageSizeTokens,
		i.metrics.StorageSizeGrants,
	)

	return err
}
