package mealcache

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "mealcache"

// Metrics records cache worker activity.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Errors: recording never fails or panics.
type Metrics struct {
	fetches       metric.Int64Counter
	fetchErrors   metric.Int64Counter
	installAssets metric.Int64Counter
	evicted       metric.Int64Counter
	respBytes     metric.Int64Histogram

	stats *statsCollector
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	fetches, err := meter.Int64Counter(
		"mealcache.fetch.total",
		metric.WithDescription("Intercepted requests answered, by class and source"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	fetchErrors, err := meter.Int64Counter(
		"mealcache.fetch.errors",
		metric.WithDescription("Intercepted requests that failed with no fallback"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	installAssets, err := meter.Int64Counter(
		"mealcache.install.assets",
		metric.WithDescription("Assets pre-cached during install, by outcome"),
		metric.WithUnit("{asset}"),
	)
	if err != nil {
		return nil, err
	}
	evicted, err := meter.Int64Counter(
		"mealcache.activate.evicted",
		metric.WithDescription("Stale cache generations deleted on activate"),
		metric.WithUnit("{generation}"),
	)
	if err != nil {
		return nil, err
	}
	respBytes, err := meter.Int64Histogram(
		"mealcache.response.bytes",
		metric.WithDescription("Body size of responses served to page clients"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		fetches:       fetches,
		fetchErrors:   fetchErrors,
		installAssets: installAssets,
		evicted:       evicted,
		respBytes:     respBytes,
		stats:         newStatsCollector(),
	}, nil
}

// NopMetrics records into in-process stats only.
func NopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(meterName))
	if err != nil {
		// noop instruments never fail to build
		panic(err)
	}
	return m
}

func (m *Metrics) fetched(ctx context.Context, class Classification, resp *ResponseDescriptor) {
	m.fetches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", string(class)),
		attribute.String("source", string(resp.Source)),
	))
	m.respBytes.Record(ctx, int64(len(resp.Body)))
	m.stats.Observe(resp.Source, len(resp.Body))
}

func (m *Metrics) fetchFailed(ctx context.Context, class Classification) {
	m.fetchErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("class", string(class))))
	m.stats.Failed()
}

func (m *Metrics) assetCached(ctx context.Context, ok bool) {
	outcome := "cached"
	if !ok {
		outcome = "failed"
	}
	m.installAssets.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) generationEvicted(ctx context.Context) {
	m.evicted.Add(ctx, 1)
}

func (m *Metrics) snapshot() statsSnapshot {
	return m.stats.Snapshot()
}

// NewMeterProvider builds the SDK provider for the configured exporter:
// "stdout" prints periodically, "none" discards.
func NewMeterProvider(exporter string) (*sdkmetric.MeterProvider, error) {
	var w io.Writer
	switch exporter {
	case "stdout":
		w = os.Stdout
	case "none", "":
		w = io.Discard
	default:
		return nil, errors.Errorf("unknown metrics exporter %q", exporter)
	}
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, errors.Wrap(err, "create stdout metrics exporter")
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp))), nil
}
