// Package memory provides in-memory implementations of the ingestion
// storage ports for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/catalog-ingest/internal/domain/ingestion"
)

var _ ingestion.RecordRepository = (*RecordStore)(nil)

// RecordStore provides an in-memory implementation of RecordRepository.
// It mirrors the postgres store's semantics, including the
// one-active-record-per-provider constraint and conditional updates.
type RecordStore struct {
	mu      sync.Mutex
	records []*ingestion.Record // insertion order

	// onDelete mirrors the postgres ON DELETE CASCADE: the mark store
	// registers itself here so purged records drop their marks.
	onDelete func(recordID uuid.UUID)
}

// NewRecordStore creates a new in-memory record store.
func NewRecordStore() *RecordStore {
	return &RecordStore{}
}

// Create inserts a new record, rejecting a second active record for the same
// provider the way the postgres partial unique index does.
func (s *RecordStore) Create(ctx context.Context, record *ingestion.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.Status().IsActive() {
		for _, r := range s.records {
			if r.ProviderName() == record.ProviderName() && r.Status().IsActive() {
				return ingestion.NewUpdateConflictError(record.ProviderName(), ingestion.StatusResting)
			}
		}
	}

	s.records = append(s.records, copyRecord(record))
	return nil
}

// InjectRecord inserts a record without enforcing the active-record
// constraint. Tests use it to simulate the consistency violations the health
// monitor must detect.
func (s *RecordStore) InjectRecord(record *ingestion.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, copyRecord(record))
}

// GetCurrent returns the single non-resting record for a provider, or nil.
func (s *RecordStore) GetCurrent(ctx context.Context, provider string) (*ingestion.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.ProviderName() == provider && r.Status().IsActive() {
			return copyRecord(r), nil
		}
	}
	return nil, nil
}

// GetLatest returns the most recently created record for a provider.
func (s *RecordStore) GetLatest(ctx context.Context, provider string) (*ingestion.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].ProviderName() == provider {
			return copyRecord(s.records[i]), nil
		}
	}
	return nil, nil
}

// ListProviders returns the distinct provider names known to the store.
func (s *RecordStore) ListProviders(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var providers []string
	for _, r := range s.records {
		if _, ok := seen[r.ProviderName()]; !ok {
			seen[r.ProviderName()] = struct{}{}
			providers = append(providers, r.ProviderName())
		}
	}
	sort.Strings(providers)
	return providers, nil
}

// Update persists a record's fields conditioned on its prior status.
func (s *RecordStore) Update(ctx context.Context, record *ingestion.Record, expectedStatus ingestion.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.records {
		if r.ID() == record.ID() {
			if r.Status() != expectedStatus {
				return ingestion.NewUpdateConflictError(record.ProviderName(), expectedStatus)
			}
			s.records[i] = copyRecord(record)
			return nil
		}
	}
	return ingestion.NewUpdateConflictError(record.ProviderName(), expectedStatus)
}

// ActiveRecords returns all non-resting records.
func (s *RecordStore) ActiveRecords(ctx context.Context) ([]*ingestion.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*ingestion.Record
	for _, r := range s.records {
		if r.Status().IsActive() {
			active = append(active, copyRecord(r))
		}
	}
	return active, nil
}

// DuplicateActiveProviders returns providers holding more than one active record.
func (s *RecordStore) DuplicateActiveProviders(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, r := range s.records {
		if r.Status().IsActive() {
			counts[r.ProviderName()]++
		}
	}

	var dupes []string
	for provider, n := range counts {
		if n > 1 {
			dupes = append(dupes, provider)
		}
	}
	sort.Strings(dupes)
	return dupes, nil
}

// DeleteByProvider removes every record for a provider.
func (s *RecordStore) DeleteByProvider(ctx context.Context, provider string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*ingestion.Record
	var deleted int64
	for _, r := range s.records {
		if r.ProviderName() == provider {
			deleted++
			if s.onDelete != nil {
				s.onDelete(r.ID())
			}
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return deleted, nil
}

// copyRecord returns a defensive copy so callers cannot mutate stored state.
func copyRecord(r *ingestion.Record) *ingestion.Record {
	return ingestion.ReconstructRecord(
		r.ID(),
		r.ProviderName(),
		r.Status(),
		r.NextAction(),
		r.NextActionAt(),
		r.CompletedAt(),
		r.LastError(),
		r.CreatedAt(),
		r.UpdatedAt(),
	)
}
