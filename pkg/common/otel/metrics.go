package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// GetMeterProvider returns the globally registered meter provider. It is set
// by InitTelemetry; before that it returns the otel default no-op provider.
func GetMeterProvider() metric.MeterProvider { return otel.GetMeterProvider() }
