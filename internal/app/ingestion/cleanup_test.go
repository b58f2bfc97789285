package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/catalog-ingest/internal/domain/ingestion"
	"github.com/ahrav/catalog-ingest/internal/infra/storage/ingestion/memory"
	"github.com/ahrav/catalog-ingest/pkg/common/logger"
)

func newCleanupHarness(t *testing.T, opts ...CleanupOption) (*CleanupService, *memory.RecordStore, *memory.MarkStore, *mockTimeProvider) {
	t.Helper()

	clock := &mockTimeProvider{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	records := memory.NewRecordStore()
	marks := memory.NewMarkStore(records)

	opts = append([]CleanupOption{WithCleanupTimeProvider(clock)}, opts...)
	svc := NewCleanupService(
		records,
		marks,
		24*time.Hour,
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
		opts...,
	)
	return svc, records, marks, clock
}

func TestCleanupProvidersCancelsAllActive(t *testing.T) {
	svc, records, _, clock := newCleanupHarness(t)
	ctx := context.Background()

	ingesting := ingestion.NewRecord("github", ingestion.WithTimeProvider(clock))
	require.NoError(t, records.Create(ctx, ingesting))

	canceling := ingestion.NewRecord("gitlab", ingestion.WithTimeProvider(clock))
	require.NoError(t, canceling.RequestCancel())
	require.NoError(t, records.Create(ctx, canceling))

	resting := ingestion.NewRestingRecord("bitbucket", time.Hour, ingestion.WithTimeProvider(clock))
	require.NoError(t, records.Create(ctx, resting))

	report, err := svc.CleanupProviders(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"github", "gitlab"}, report.Canceled)
	assert.Empty(t, report.Failed)

	active, err := records.ActiveRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// Canceled providers carry the cancel cooldown.
	latest, err := records.GetLatest(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(24*time.Hour), latest.NextActionAt())
}

func TestCleanupProvidersEmptyStore(t *testing.T) {
	svc, _, _, _ := newCleanupHarness(t)

	report, err := svc.CleanupProviders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Canceled)
	assert.Empty(t, report.Failed)
}

func TestPurgeAndResetProvider(t *testing.T) {
	svc, records, marks, clock := newCleanupHarness(t)
	ctx := context.Background()

	record := ingestion.NewRecord("github", ingestion.WithTimeProvider(clock))
	require.NoError(t, records.Create(ctx, record))
	_, err := marks.Append(ctx, record, "page-2")
	require.NoError(t, err)

	res, err := svc.PurgeAndResetProvider(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RecordsDeleted)
	assert.Equal(t, clock.Now().Add(24*time.Hour), res.NextActionAt)

	// Marks were cascaded away with the record.
	remaining, err := marks.GetAll(ctx, record)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// A fresh resting record holds the cooldown.
	latest, err := records.GetLatest(ctx, "github")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, ingestion.StatusResting, latest.Status())

	// Purging again deletes the seeded record and seeds anew.
	res, err = svc.PurgeAndResetProvider(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RecordsDeleted)
}

func TestClearFinishedIngestionsRespectsRetention(t *testing.T) {
	svc, records, marks, clock := newCleanupHarness(t, WithMarkRetention(24*time.Hour))
	ctx := context.Background()

	// An old completed cycle whose marks are past retention.
	old := ingestion.NewRecord("github", ingestion.WithTimeProvider(clock))
	require.NoError(t, records.Create(ctx, old))
	_, err := marks.Append(ctx, old, "a")
	require.NoError(t, err)
	_, err = marks.Append(ctx, old, "b")
	require.NoError(t, err)
	require.NoError(t, old.MarkComplete(0))
	require.NoError(t, records.Update(ctx, old, ingestion.StatusIngesting))

	clock.Advance(48 * time.Hour)

	deleted, err := svc.ClearFinishedIngestions(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	// Idempotent: nothing left to delete.
	deleted, err = svc.ClearFinishedIngestions(ctx, "github")
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestClearFinishedIngestionsSkipsInFlightCycles(t *testing.T) {
	svc, records, marks, clock := newCleanupHarness(t, WithMarkRetention(time.Hour))
	ctx := context.Background()

	active := ingestion.NewRecord("github", ingestion.WithTimeProvider(clock))
	require.NoError(t, records.Create(ctx, active))
	_, err := marks.Append(ctx, active, "in-flight")
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)

	deleted, err := svc.ClearFinishedIngestions(ctx, "github")
	require.NoError(t, err)
	assert.Zero(t, deleted)

	remaining, err := marks.GetAll(ctx, active)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
