// Package telemetry wires the connection core's counters and histograms
// to an OTLP/HTTP metrics exporter, mirroring the shape of the teacher's
// own agent/telemetry package but scoped to buffer and RDMA transport
// events instead of probe round-trip timings.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Metrics holds the instruments the connection core reports against.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	bufferPoolAvailable metric.Int64ObservableGauge
	txPostedTotal        metric.Int64Counter
	rxDeliveredTotal      metric.Int64Counter
	completionLatency     metric.Float64Histogram
}

// PoolGauge is the callback NewMetrics registers on the observable gauge
// so it can report the current free-buffer count on each collection
// (mediaproxyd passes rdma.Connection.PoolAvailable).
type PoolGauge func() int64

// NewMetrics parses collectorAddr as an http(s):// OTLP/HTTP endpoint,
// builds a MeterProvider reporting on a periodic reader, and creates the
// connection core's instruments against it.
func NewMetrics(ctx context.Context, instanceID, collectorAddr string, poolGauge PoolGauge) (*Metrics, error) {
	parsedURL, err := url.Parse(collectorAddr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: parse collector addr %q: %w", collectorAddr, err)
	}
	scheme := strings.ToLower(parsedURL.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("telemetry: unsupported OTLP exporter scheme %q, use http or https", scheme)
	}
	endpoint := parsedURL.Host
	if endpoint == "" {
		endpoint = collectorAddr
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("mediaproxyd"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	options := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if scheme == "http" {
		options = append(options, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))),
	)
	otel.SetMeterProvider(provider)
	meter := provider.Meter("github.com/mediamesh/proxycore")

	txPostedTotal, err := meter.Int64Counter(
		"mediaproxy.rdma.tx_posted_total",
		metric.WithDescription("Number of sends posted to the fabric"),
		metric.WithUnit("{send}"),
	)
	if err != nil {
		return nil, err
	}

	rxDeliveredTotal, err := meter.Int64Counter(
		"mediaproxy.rdma.rx_delivered_total",
		metric.WithDescription("Number of received payloads delivered to a connection's hooks"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, err
	}

	completionLatency, err := meter.Float64Histogram(
		"mediaproxy.rdma.completion_latency_seconds",
		metric.WithDescription("Time from post to completion for a single work request"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	var bufferPoolAvailable metric.Int64ObservableGauge
	if poolGauge != nil {
		bufferPoolAvailable, err = meter.Int64ObservableGauge(
			"mediaproxy.buffer_pool.available",
			metric.WithDescription("Free buffers currently in the pool"),
			metric.WithUnit("{buffer}"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(poolGauge())
				return nil
			}),
		)
		if err != nil {
			return nil, err
		}
	}

	return &Metrics{
		provider:             provider,
		meter:                meter,
		bufferPoolAvailable:  bufferPoolAvailable,
		txPostedTotal:        txPostedTotal,
		rxDeliveredTotal:     rxDeliveredTotal,
		completionLatency:    completionLatency,
	}, nil
}

// RecordTxPosted increments the send-posted counter.
func (m *Metrics) RecordTxPosted(ctx context.Context) {
	if m == nil {
		return
	}
	m.txPostedTotal.Add(ctx, 1)
}

// RecordRxDelivered increments the receive-delivered counter.
func (m *Metrics) RecordRxDelivered(ctx context.Context) {
	if m == nil {
		return
	}
	m.rxDeliveredTotal.Add(ctx, 1)
}

// RecordCompletionLatency records the time between posting a work
// request and observing its completion.
func (m *Metrics) RecordCompletionLatency(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.completionLatency.Record(ctx, d.Seconds())
}

// Shutdown flushes and closes the underlying MeterProvider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
