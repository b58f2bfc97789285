package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/catalog-ingest/internal/domain/ingestion"
)

var _ ingestion.MarkRepository = (*MarkStore)(nil)

// MarkStore provides an in-memory implementation of MarkRepository. It
// consults the record store for record statuses during retention cleanup,
// mirroring the join the postgres store performs.
type MarkStore struct {
	mu      sync.Mutex
	marks   map[uuid.UUID][]*ingestion.Mark
	nextID  int64
	records *RecordStore
}

// NewMarkStore creates a new in-memory mark store backed by the given record
// store for status lookups.
func NewMarkStore(records *RecordStore) *MarkStore {
	s := &MarkStore{
		marks:   make(map[uuid.UUID][]*ingestion.Mark),
		records: records,
	}
	records.onDelete = func(recordID uuid.UUID) { s.DeleteByRecord(recordID) }
	return s
}

// Append assigns the next sequence number for the record and stores a mark.
func (s *MarkStore) Append(ctx context.Context, record *ingestion.Record, cursor string) (*ingestion.Mark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.marks[record.ID()]
	var sequence int64 = 1
	if len(existing) > 0 {
		sequence = existing[len(existing)-1].Sequence() + 1
	}

	s.nextID++
	mark := ingestion.ReconstructMark(s.nextID, record.ID(), cursor, sequence, time.Now())
	s.marks[record.ID()] = append(existing, mark)
	return mark, nil
}

// GetAll returns the marks for a record ascending by sequence.
func (s *MarkStore) GetAll(ctx context.Context, record *ingestion.Record) ([]*ingestion.Mark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.marks[record.ID()]
	out := make([]*ingestion.Mark, len(existing))
	copy(out, existing)
	return out, nil
}

// ClearFinished deletes marks of the provider's finished records whose
// cycles completed before the retention threshold.
func (s *MarkStore) ClearFinished(ctx context.Context, provider string, retention time.Duration) (int64, error) {
	s.records.mu.Lock()
	finished := make(map[uuid.UUID]struct{})
	cutoff := time.Now().Add(-retention)
	for _, r := range s.records.records {
		if r.ProviderName() != provider {
			continue
		}
		if r.Status() == ingestion.StatusIngesting || r.Status() == ingestion.StatusCanceling {
			continue
		}
		if !r.CompletedAt().IsZero() && r.CompletedAt().Before(cutoff) {
			finished[r.ID()] = struct{}{}
		}
	}
	s.records.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id := range finished {
		deleted += int64(len(s.marks[id]))
		delete(s.marks, id)
	}
	return deleted, nil
}

// DeleteByRecord removes all marks for a record. Used when a provider is
// purged, mirroring the postgres cascade.
func (s *MarkStore) DeleteByRecord(recordID uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.marks[recordID]))
	delete(s.marks, recordID)
	return n
}
