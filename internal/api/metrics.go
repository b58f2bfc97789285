package api

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "ingest_api"

// APIMetrics defines metrics operations needed by the admin API.
type APIMetrics interface {
	// API metrics
	IncRequestsTotal(ctx context.Context, method, path string, status int)
	ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration)
	IncTriggerRequests(ctx context.Context, provider string)
	IncTriggerErrors(ctx context.Context, provider string)

	// Delta forwarding metrics
	IncDeltasPublished(ctx context.Context, provider string)
	IncDeltaPublishErrors(ctx context.Context, provider string)
}

type apiMetrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
	triggerRequests metric.Int64Counter
	triggerErrors   metric.Int64Counter

	deltasPublished    metric.Int64Counter
	deltaPublishErrors metric.Int64Counter
}

func NewAPIMetrics(mp metric.MeterProvider) (*apiMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(apiMetrics)
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	); err != nil {
		return nil, err
	}

	if m.triggerRequests, err = meter.Int64Counter(
		"trigger_requests_total",
		metric.WithDescription("Total number of ingestion trigger requests"),
	); err != nil {
		return nil, err
	}

	if m.triggerErrors, err = meter.Int64Counter(
		"trigger_errors_total",
		metric.WithDescription("Total number of failed trigger requests"),
	); err != nil {
		return nil, err
	}

	if m.deltasPublished, err = meter.Int64Counter(
		"deltas_published_total",
		metric.WithDescription("Total number of delta payloads forwarded"),
	); err != nil {
		return nil, err
	}

	if m.deltaPublishErrors, err = meter.Int64Counter(
		"delta_publish_errors_total",
		metric.WithDescription("Total number of delta publish failures"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *apiMetrics) IncRequestsTotal(ctx context.Context, method, path string, status int) {
	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	))
}

func (m *apiMetrics) ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration) {
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))
}

func (m *apiMetrics) IncTriggerRequests(ctx context.Context, provider string) {
	m.triggerRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *apiMetrics) IncTriggerErrors(ctx context.Context, provider string) {
	m.triggerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *apiMetrics) IncDeltasPublished(ctx context.Context, provider string) {
	m.deltasPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *apiMetrics) IncDeltaPublishErrors(ctx context.Context, provider string) {
	m.deltaPublishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}
