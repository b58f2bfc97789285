package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/catalog-ingest/internal/domain/ingestion"
	"github.com/ahrav/catalog-ingest/internal/infra/storage"
)

var _ ingestion.MarkRepository = (*markStore)(nil)

// markStore provides a PostgreSQL implementation of MarkRepository. Sequence
// numbers are allocated inside a transaction that locks the owning record
// row, so concurrent appends for the same record serialize and the sequence
// stays strictly increasing with no gaps from lost races.
type markStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewMarkStore creates a new PostgreSQL-backed mark storage using the
// provided connection pool.
func NewMarkStore(pool *pgxpool.Pool, tracer trace.Tracer) *markStore {
	return &markStore{pool: pool, tracer: tracer}
}

// Append assigns the next sequence number for the record and persists a mark
// with the given cursor.
func (s *markStore) Append(ctx context.Context, record *ingestion.Record, cursor string) (*ingestion.Mark, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("record_id", record.ID().String()),
		attribute.String("provider_name", record.ProviderName()),
	)

	var mark *ingestion.Mark
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.ingestion.append_mark", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			// Lock the owning record row to serialize sequence allocation.
			var recordID string
			err := tx.QueryRow(ctx, `
				SELECT id FROM ingestion_records WHERE id = $1 FOR UPDATE`,
				record.ID(),
			).Scan(&recordID)
			if err != nil {
				return fmt.Errorf("failed to lock record for mark append: %w", err)
			}

			var (
				id        int64
				sequence  int64
				createdAt time.Time
			)
			err = tx.QueryRow(ctx, `
				INSERT INTO ingestion_marks (ingestion_record_id, resume_cursor, sequence)
				VALUES (
					$1,
					$2,
					COALESCE((SELECT MAX(sequence) FROM ingestion_marks WHERE ingestion_record_id = $1), 0) + 1
				)
				RETURNING id, sequence, created_at`,
				record.ID(),
				cursor,
			).Scan(&id, &sequence, &createdAt)
			if err != nil {
				return fmt.Errorf("failed to append mark: %w", err)
			}

			mark = ingestion.ReconstructMark(id, record.ID(), cursor, sequence, createdAt)
			return nil
		})
	})
	if err != nil {
		return nil, ingestion.NewStoreError("append mark", err)
	}
	return mark, nil
}

// GetAll returns the marks for a record ascending by sequence.
func (s *markStore) GetAll(ctx context.Context, record *ingestion.Record) ([]*ingestion.Mark, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("record_id", record.ID().String()),
	)

	var marks []*ingestion.Mark
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.ingestion.get_marks", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT id, resume_cursor, sequence, created_at
			FROM ingestion_marks
			WHERE ingestion_record_id = $1
			ORDER BY sequence ASC`,
			record.ID(),
		)
		if err != nil {
			return fmt.Errorf("failed to query marks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id        int64
				cursor    string
				sequence  int64
				createdAt time.Time
			)
			if err := rows.Scan(&id, &cursor, &sequence, &createdAt); err != nil {
				return fmt.Errorf("failed to scan mark: %w", err)
			}
			marks = append(marks, ingestion.ReconstructMark(id, record.ID(), cursor, sequence, createdAt))
		}
		return rows.Err()
	})
	return marks, err
}

// ClearFinished deletes marks belonging to the provider's finished records
// (terminal, or archived to resting when a later cycle started) whose cycles
// completed before the retention threshold. Marks of ingesting or canceling
// records are never touched. Idempotent: a second call with nothing new to
// delete returns 0.
func (s *markStore) ClearFinished(ctx context.Context, provider string, retention time.Duration) (int64, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("provider_name", provider),
		attribute.String("retention", retention.String()),
	)

	cutoff := time.Now().Add(-retention)

	var deleted int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.ingestion.clear_finished_marks", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM ingestion_marks m
			USING ingestion_records r
			WHERE m.ingestion_record_id = r.id
			  AND r.provider_name = $1
			  AND r.status IN ('complete', 'error', 'resting')
			  AND r.ingestion_completed_at IS NOT NULL
			  AND r.ingestion_completed_at < $2`,
			provider,
			cutoff,
		)
		if err != nil {
			return fmt.Errorf("failed to clear finished marks: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}
