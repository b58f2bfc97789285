package ingestion

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/catalog-ingest/internal/domain/ingestion"
	"github.com/ahrav/catalog-ingest/pkg/common/logger"
)

// HealthReport summarizes the consistency of the record store.
type HealthReport struct {
	// Healthy is true when no provider holds more than one active record.
	Healthy bool `json:"healthy"`
	// DuplicateIngestions lists providers that violate the
	// one-active-record invariant. Empty when healthy.
	DuplicateIngestions []string `json:"duplicateIngestions,omitempty"`
	// ActiveRecords is the number of non-resting records across providers.
	ActiveRecords int `json:"activeRecords"`
}

// HealthMonitor detects consistency violations in the record store. It only
// reports; duplicate active records are never auto-corrected, because the
// monitor cannot know which of two racing cycles holds the valid cursor
// chain. Resolution is an operator decision (cancel or purge).
type HealthMonitor struct {
	records ingestion.RecordRepository

	logger *logger.Logger
	tracer trace.Tracer
}

// NewHealthMonitor creates a monitor over the given record store.
func NewHealthMonitor(records ingestion.RecordRepository, logger *logger.Logger, tracer trace.Tracer) *HealthMonitor {
	return &HealthMonitor{
		records: records,
		logger:  logger.With("component", "ingestion_health_monitor"),
		tracer:  tracer,
	}
}

// Check scans for providers holding more than one active record and reports
// the findings without modifying any state.
func (m *HealthMonitor) Check(ctx context.Context) (HealthReport, error) {
	ctx, span := m.tracer.Start(ctx, "ingestion.health.check")
	defer span.End()

	duplicates, err := m.records.DuplicateActiveProviders(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to query duplicate providers")
		return HealthReport{}, err
	}

	active, err := m.records.ActiveRecords(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to query active records")
		return HealthReport{}, err
	}

	report := HealthReport{
		Healthy:             len(duplicates) == 0,
		DuplicateIngestions: duplicates,
		ActiveRecords:       len(active),
	}

	span.SetAttributes(
		attribute.Bool("healthy", report.Healthy),
		attribute.Int("duplicate_count", len(duplicates)),
	)

	if !report.Healthy {
		m.logger.Error(ctx, "duplicate active ingestions detected",
			"providers", duplicates)
	}
	return report, nil
}
