package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/tenantry"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Pool cache metrics
	PoolCacheHitsTotal          metric.Int64Counter
	PoolCacheMissesTotal        metric.Int64Counter
	PoolConstructionsTotal      metric.Int64Counter
	PoolConstructionErrorsTotal metric.Int64Counter
	PoolEvictionsTotal          metric.Int64Counter
	PoolsActive                 metric.Int64UpDownCounter
	PoolDrainDuration           metric.Float64Histogram

	// Session metrics
	SessionCheckoutDuration metric.Float64Histogram
	SchemaMismatchTotal     metric.Int64Counter
	SessionsIssuedTotal     metric.Int64Counter
	SessionDenialsTotal     metric.Int64Counter

	// Provisioning metrics
	ProvisionTotal        metric.Int64Counter
	ProvisionErrorsTotal  metric.Int64Counter
	ProvisionDuration     metric.Float64Histogram
	DeprovisionTotal      metric.Int64Counter
	BackfillTenantsTotal  metric.Int64Counter
	BackfillFailuresTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	// Pool cache metrics
	m.PoolCacheHitsTotal, _ = meter.Int64Counter(
		"tenantry.poolcache.hits.total",
		metric.WithDescription("Total number of pool cache lookups served from a warm pool"),
		metric.WithUnit("{lookup}"),
	)

	m.PoolCacheMissesTotal, _ = meter.Int64Counter(
		"tenantry.poolcache.misses.total",
		metric.WithDescription("Total number of pool cache lookups that found no warm pool"),
		metric.WithUnit("{lookup}"),
	)

	m.PoolConstructionsTotal, _ = meter.Int64Counter(
		"tenantry.poolcache.constructions.total",
		metric.WithDescription("Total number of tenant pool construction attempts"),
		metric.WithUnit("{pool}"),
	)

	m.PoolConstructionErrorsTotal, _ = meter.Int64Counter(
		"tenantry.poolcache.construction_errors.total",
		metric.WithDescription("Total number of failed tenant pool constructions"),
		metric.WithUnit("{error}"),
	)

	m.PoolEvictionsTotal, _ = meter.Int64Counter(
		"tenantry.poolcache.evictions.total",
		metric.WithDescription("Total number of tenant pools evicted"),
		metric.WithUnit("{pool}"),
	)

	m.PoolsActive, _ = meter.Int64UpDownCounter(
		"tenantry.poolcache.active",
		metric.WithDescription("Number of warm tenant pools"),
		metric.WithUnit("{pool}"),
	)

	m.PoolDrainDuration, _ = meter.Float64Histogram(
		"tenantry.poolcache.drain.duration",
		metric.WithDescription("Time taken to drain and close an evicted tenant pool"),
		metric.WithUnit("ms"),
	)

	// Session metrics
	m.SessionCheckoutDuration, _ = meter.Float64Histogram(
		"tenantry.sessions.checkout.duration",
		metric.WithDescription("Duration of tenant session checkout including schema scoping"),
		metric.WithUnit("ms"),
	)

	m.SchemaMismatchTotal, _ = meter.Int64Counter(
		"tenantry.sessions.schema_mismatch.total",
		metric.WithDescription("Total number of connections destroyed because they were not scoped to their schema"),
		metric.WithUnit("{connection}"),
	)

	m.SessionsIssuedTotal, _ = meter.Int64Counter(
		"tenantry.sessions.issued.total",
		metric.WithDescription("Total number of tenant sessions issued"),
		metric.WithUnit("{session}"),
	)

	m.SessionDenialsTotal, _ = meter.Int64Counter(
		"tenantry.sessions.denials.total",
		metric.WithDescription("Total number of denied session requests by reason"),
		metric.WithUnit("{denial}"),
	)

	// Provisioning metrics
	m.ProvisionTotal, _ = meter.Int64Counter(
		"tenantry.provision.total",
		metric.WithDescription("Total number of provisioning attempts"),
		metric.WithUnit("{attempt}"),
	)

	m.ProvisionErrorsTotal, _ = meter.Int64Counter(
		"tenantry.provision.errors.total",
		metric.WithDescription("Total number of failed provisioning attempts"),
		metric.WithUnit("{error}"),
	)

	m.ProvisionDuration, _ = meter.Float64Histogram(
		"tenantry.provision.duration",
		metric.WithDescription("Duration of schema provisioning"),
		metric.WithUnit("ms"),
	)

	m.DeprovisionTotal, _ = meter.Int64Counter(
		"tenantry.deprovision.total",
		metric.WithDescription("Total number of tenant schemas dropped"),
		metric.WithUnit("{schema}"),
	)

	m.BackfillTenantsTotal, _ = meter.Int64Counter(
		"tenantry.backfill.tenants.total",
		metric.WithDescription("Total number of tenant schemas processed by template backfills"),
		metric.WithUnit("{tenant}"),
	)

	m.BackfillFailuresTotal, _ = meter.Int64Counter(
		"tenantry.backfill.failures.total",
		metric.WithDescription("Total number of tenant schemas that failed a template backfill"),
		metric.WithUnit("{tenant}"),
	)

	return m
}
