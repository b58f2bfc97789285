// Package postgres provides PostgreSQL-backed storage for ingestion records
// and marks. All state-mutating writes are single-record atomic updates
// conditioned on the expected prior status so that concurrent triggers
// cannot race a provider into two active cycles.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/catalog-ingest/internal/domain/ingestion"
	"github.com/ahrav/catalog-ingest/internal/infra/storage"
)

var _ ingestion.RecordRepository = (*recordStore)(nil)

// recordStore provides a PostgreSQL implementation of RecordRepository.
// The one-active-record-per-provider invariant is enforced by a partial
// unique index on (provider_name) WHERE status <> 'resting'.
type recordStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewRecordStore creates a new PostgreSQL-backed record storage using the
// provided connection pool.
func NewRecordStore(pool *pgxpool.Pool, tracer trace.Tracer) *recordStore {
	return &recordStore{pool: pool, tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

const recordColumns = `id, provider_name, status, next_action, next_action_at,
	ingestion_completed_at, last_error, created_at, updated_at`

// Create inserts a new record. A violation of the partial unique index means
// a concurrent trigger already created an active record for the provider; it
// is surfaced as an update conflict so the caller re-reads state.
func (s *recordStore) Create(ctx context.Context, record *ingestion.Record) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("provider_name", record.ProviderName()),
		attribute.String("status", string(record.Status())),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.ingestion.create_record", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO ingestion_records
				(id, provider_name, status, next_action, next_action_at, ingestion_completed_at, last_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			record.ID(),
			record.ProviderName(),
			string(record.Status()),
			record.NextAction(),
			record.NextActionAt(),
			nullableTime(record.CompletedAt()),
			nullableText(record.LastError()),
			record.CreatedAt(),
			record.UpdatedAt(),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ingestion.NewUpdateConflictError(record.ProviderName(), ingestion.StatusResting)
			}
			return fmt.Errorf("failed to create ingestion record: %w", err)
		}
		return nil
	})
}

// GetCurrent returns the single non-resting record for a provider, or nil.
func (s *recordStore) GetCurrent(ctx context.Context, provider string) (*ingestion.Record, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("provider_name", provider))

	var record *ingestion.Record
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.ingestion.get_current", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT `+recordColumns+`
			FROM ingestion_records
			WHERE provider_name = $1 AND status <> 'resting'`,
			provider,
		)

		rec, err := scanRecord(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to load current record: %w", err)
		}
		record = rec
		return nil
	})
	return record, err
}

// GetLatest returns the most recently created record for a provider in any
// status, or nil if the provider is unknown.
func (s *recordStore) GetLatest(ctx context.Context, provider string) (*ingestion.Record, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("provider_name", provider))

	var record *ingestion.Record
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.ingestion.get_latest", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT `+recordColumns+`
			FROM ingestion_records
			WHERE provider_name = $1
			ORDER BY created_at DESC
			LIMIT 1`,
			provider,
		)

		rec, err := scanRecord(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to load latest record: %w", err)
		}
		record = rec
		return nil
	})
	return record, err
}

// ListProviders returns the distinct provider names known to the store.
func (s *recordStore) ListProviders(ctx context.Context) ([]string, error) {
	var providers []string
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.ingestion.list_providers", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT DISTINCT provider_name FROM ingestion_records ORDER BY provider_name`)
		if err != nil {
			return fmt.Errorf("failed to list providers: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return fmt.Errorf("failed to scan provider name: %w", err)
			}
			providers = append(providers, name)
		}
		return rows.Err()
	})
	return providers, err
}

// Update persists a record's fields conditioned on its prior status. Zero
// affected rows means a concurrent transition won the race; the caller
// re-reads state and retries once.
func (s *recordStore) Update(ctx context.Context, record *ingestion.Record, expectedStatus ingestion.Status) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("provider_name", record.ProviderName()),
		attribute.String("status", string(record.Status())),
		attribute.String("expected_status", string(expectedStatus)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.ingestion.update_record", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE ingestion_records
			SET status = $1,
				next_action = $2,
				next_action_at = $3,
				ingestion_completed_at = $4,
				last_error = $5,
				updated_at = $6
			WHERE id = $7 AND status = $8`,
			string(record.Status()),
			record.NextAction(),
			record.NextActionAt(),
			nullableTime(record.CompletedAt()),
			nullableText(record.LastError()),
			record.UpdatedAt(),
			record.ID(),
			string(expectedStatus),
		)
		if err != nil {
			return fmt.Errorf("failed to update ingestion record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ingestion.NewUpdateConflictError(record.ProviderName(), expectedStatus)
		}
		return nil
	})
}

// ActiveRecords returns a snapshot of all non-resting records.
func (s *recordStore) ActiveRecords(ctx context.Context) ([]*ingestion.Record, error) {
	var records []*ingestion.Record
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.ingestion.active_records", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+recordColumns+`
			FROM ingestion_records
			WHERE status <> 'resting'
			ORDER BY provider_name`)
		if err != nil {
			return fmt.Errorf("failed to query active records: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return fmt.Errorf("failed to scan active record: %w", err)
			}
			records = append(records, rec)
		}
		return rows.Err()
	})
	return records, err
}

// DuplicateActiveProviders computes providers with more than one active
// record as a grouped count at the storage layer rather than loading all
// active records into memory.
func (s *recordStore) DuplicateActiveProviders(ctx context.Context) ([]string, error) {
	var providers []string
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.ingestion.duplicate_active_providers", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT provider_name
			FROM ingestion_records
			WHERE status <> 'resting'
			GROUP BY provider_name
			HAVING COUNT(*) > 1
			ORDER BY provider_name`)
		if err != nil {
			return fmt.Errorf("failed to query duplicate providers: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return fmt.Errorf("failed to scan duplicate provider: %w", err)
			}
			providers = append(providers, name)
		}
		return rows.Err()
	})
	return providers, err
}

// DeleteByProvider removes every record for a provider. Marks are removed by
// the ON DELETE CASCADE on the marks table.
func (s *recordStore) DeleteByProvider(ctx context.Context, provider string) (int64, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("provider_name", provider))

	var deleted int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.ingestion.delete_by_provider", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM ingestion_records WHERE provider_name = $1`, provider)
		if err != nil {
			return fmt.Errorf("failed to delete records: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

// scanRecord rehydrates a domain record from a row with recordColumns.
func scanRecord(row pgx.Row) (*ingestion.Record, error) {
	var (
		id           uuid.UUID
		providerName string
		status       string
		nextAction   string
		nextActionAt time.Time
		completedAt  pgtype.Timestamptz
		lastError    pgtype.Text
		createdAt    time.Time
		updatedAt    time.Time
	)

	if err := row.Scan(
		&id, &providerName, &status, &nextAction, &nextActionAt,
		&completedAt, &lastError, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	return ingestion.ReconstructRecord(
		id,
		providerName,
		ingestion.Status(status),
		nextAction,
		nextActionAt,
		completedAt.Time,
		lastError.String,
		createdAt,
		updatedAt,
	), nil
}

func nullableTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func nullableText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
