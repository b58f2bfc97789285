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

func TestHealthCheckHealthy(t *testing.T) {
	records := memory.NewRecordStore()
	monitor := NewHealthMonitor(records, logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	ctx := context.Background()
	require.NoError(t, records.Create(ctx, ingestion.NewRecord("github")))
	require.NoError(t, records.Create(ctx, ingestion.NewRestingRecord("gitlab", time.Hour)))

	report, err := monitor.Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.Empty(t, report.DuplicateIngestions)
	assert.Equal(t, 1, report.ActiveRecords)
}

func TestHealthCheckReportsDuplicatesWithoutFixing(t *testing.T) {
	records := memory.NewRecordStore()
	monitor := NewHealthMonitor(records, logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	ctx := context.Background()
	// Bypass the uniqueness constraint to simulate a corrupted store.
	records.InjectRecord(ingestion.NewRecord("github"))
	records.InjectRecord(ingestion.NewRecord("github"))
	records.InjectRecord(ingestion.NewRecord("gitlab"))

	report, err := monitor.Check(ctx)
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Equal(t, []string{"github"}, report.DuplicateIngestions)
	assert.Equal(t, 3, report.ActiveRecords)

	// Report only: the duplicates are still there afterwards.
	dupes, err := records.DuplicateActiveProviders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"github"}, dupes)
}
