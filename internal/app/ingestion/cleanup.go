package ingestion

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/catalog-ingest/internal/domain/ingestion"
	"github.com/ahrav/catalog-ingest/pkg/common/logger"
	"github.com/ahrav/catalog-ingest/pkg/common/timeutil"
)

// DefaultMarkRetention is how long a finished cycle's marks are kept before
// retention cleanup removes them.
const DefaultMarkRetention = 7 * 24 * time.Hour

// CleanupService handles the destructive maintenance operations: canceling
// every active cycle at once, purging a provider's history, and clearing
// marks of finished cycles past their retention. Each provider is handled
// independently, so one failure never blocks the rest.
type CleanupService struct {
	records ingestion.RecordRepository
	marks   ingestion.MarkRepository

	cancelCooldown time.Duration
	markRetention  time.Duration

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// CleanupOption configures optional CleanupService behavior.
type CleanupOption func(*CleanupService)

// WithCleanupTimeProvider substitutes the clock used for cooldown stamps.
func WithCleanupTimeProvider(tp timeutil.Provider) CleanupOption {
	return func(s *CleanupService) { s.timeProvider = tp }
}

// WithMarkRetention overrides the retention window for finished-cycle marks.
func WithMarkRetention(d time.Duration) CleanupOption {
	return func(s *CleanupService) { s.markRetention = d }
}

// NewCleanupService creates the maintenance service.
func NewCleanupService(
	records ingestion.RecordRepository,
	marks ingestion.MarkRepository,
	cancelCooldown time.Duration,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...CleanupOption,
) *CleanupService {
	if cancelCooldown == 0 {
		cancelCooldown = DefaultCancelCooldown
	}
	s := &CleanupService{
		records:        records,
		marks:          marks,
		cancelCooldown: cancelCooldown,
		markRetention:  DefaultMarkRetention,
		timeProvider:   timeutil.Default(),
		logger:         logger.With("component", "ingestion_cleanup"),
		tracer:         tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CleanupReport summarizes a cleanup-all sweep.
type CleanupReport struct {
	// Canceled lists providers whose active cycles were forced to resting.
	Canceled []string `json:"canceled"`
	// Failed maps provider names to the error that prevented their cleanup.
	Failed map[string]string `json:"failed,omitempty"`
}

// CleanupProviders forces every active record to resting with the cancel
// cooldown. Providers are processed one at a time; a conditional-update loss
// on one provider (a concurrent trigger finished the transition first) is
// treated as success, and other failures are collected per provider.
func (s *CleanupService) CleanupProviders(ctx context.Context) (CleanupReport, error) {
	ctx, span := s.tracer.Start(ctx, "ingestion.cleanup.cleanup_providers")
	defer span.End()

	active, err := s.records.ActiveRecords(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list active records")
		return CleanupReport{}, err
	}

	report := CleanupReport{Canceled: []string{}}
	for _, record := range active {
		record.SetTimeProvider(s.timeProvider)
		if err := s.cancelRecord(ctx, record); err != nil {
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[record.ProviderName()] = err.Error()
			s.logger.Error(ctx, "failed to cancel active ingestion",
				"provider_name", record.ProviderName(), "err", err)
			continue
		}
		report.Canceled = append(report.Canceled, record.ProviderName())
	}

	span.SetAttributes(
		attribute.Int("canceled_count", len(report.Canceled)),
		attribute.Int("failed_count", len(report.Failed)),
	)

	s.logger.Info(ctx, "cleanup sweep finished",
		"canceled", len(report.Canceled), "failed", len(report.Failed))
	return report, nil
}

func (s *CleanupService) cancelRecord(ctx context.Context, record *ingestion.Record) error {
	priorStatus := record.Status()
	if err := record.MarkResting(s.cancelCooldown); err != nil {
		return err
	}
	err := s.records.Update(ctx, record, priorStatus)
	if errors.Is(err, ingestion.ErrUpdateConflict) {
		// A concurrent transition already moved the record on; the cycle is
		// no longer in the state we saw, which is what cleanup wanted.
		return nil
	}
	return err
}

// PurgeResult summarizes a provider purge.
type PurgeResult struct {
	Provider       string    `json:"provider"`
	RecordsDeleted int64     `json:"records_deleted"`
	NextActionAt   time.Time `json:"next_action_at"`
}

// PurgeAndResetProvider deletes every record and mark for a provider, then
// seeds a fresh resting record with the cancel cooldown so the provider does
// not immediately restart. Idempotent: purging an already-purged provider
// deletes the seeded record and seeds again.
func (s *CleanupService) PurgeAndResetProvider(ctx context.Context, provider string) (PurgeResult, error) {
	ctx, span := s.tracer.Start(ctx, "ingestion.cleanup.purge_provider",
		trace.WithAttributes(attribute.String("provider_name", provider)))
	defer span.End()

	deleted, err := s.records.DeleteByProvider(ctx, provider)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete provider records")
		return PurgeResult{}, err
	}

	record := ingestion.NewRestingRecord(provider, s.cancelCooldown, ingestion.WithTimeProvider(s.timeProvider))
	if err := s.records.Create(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to seed resting record")
		return PurgeResult{}, err
	}

	s.logger.Info(ctx, "provider purged",
		"provider_name", provider,
		"records_deleted", deleted,
		"next_action_at", record.NextActionAt())

	return PurgeResult{
		Provider:       provider,
		RecordsDeleted: deleted,
		NextActionAt:   record.NextActionAt(),
	}, nil
}

// ClearFinishedIngestions removes marks of finished cycles older than the
// retention window for the given provider. Marks of in-flight cycles are
// never touched.
func (s *CleanupService) ClearFinishedIngestions(ctx context.Context, provider string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "ingestion.cleanup.clear_finished",
		trace.WithAttributes(attribute.String("provider_name", provider)))
	defer span.End()

	deleted, err := s.marks.ClearFinished(ctx, provider, s.markRetention)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to clear finished marks")
		return 0, err
	}

	span.SetAttributes(attribute.Int64("marks_deleted", deleted))
	s.logger.Info(ctx, "cleared finished ingestion marks",
		"provider_name", provider, "marks_deleted", deleted)
	return deleted, nil
}
