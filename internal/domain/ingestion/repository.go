// Package ingestion provides domain types and interfaces for tracking
// long-running, resumable ingestion cycles against external data providers.
// Each provider runs cycles of bounded page fetches, recording a resumption
// mark after every step, then rests for a cooldown before the next cycle.
// The package defines the record/mark model, the status state machine, and
// the storage ports the application layer drives. State lives in durable
// storage, never in memory, so a restarted process observes the same truth.
package ingestion

import (
	"context"
	"time"
)

// RecordRepository provides durable storage for ingestion records. At most
// one non-resting record may exist per provider; implementations enforce
// this with a storage-level uniqueness constraint, and all mutations are
// single-record atomic updates conditioned on the expected prior status.
type RecordRepository interface {
	// Create inserts a new record. It fails if the provider already holds an
	// active record, preserving the one-active-record invariant under
	// concurrent triggers.
	Create(ctx context.Context, record *Record) error

	// GetCurrent returns the single non-resting record for a provider, or
	// nil if the provider is resting or unknown.
	GetCurrent(ctx context.Context, provider string) (*Record, error)

	// GetLatest returns the most recently created record for a provider in
	// any status, or nil if the provider is unknown.
	GetLatest(ctx context.Context, provider string) (*Record, error)

	// ListProviders returns the distinct provider names known to the store,
	// from any historical record. Used to distinguish an unknown provider
	// from one that is resting with no active record.
	ListProviders(ctx context.Context) ([]string, error)

	// Update persists a record's mutated fields conditioned on its prior
	// status. If the stored record is no longer in expectedStatus the update
	// affects nothing and an ErrKindUpdateConflict error is returned; exactly
	// one of two racing transitions succeeds.
	Update(ctx context.Context, record *Record, expectedStatus Status) error

	// ActiveRecords returns a snapshot of all non-resting records across all
	// providers, for duplicate detection.
	ActiveRecords(ctx context.Context) ([]*Record, error)

	// DuplicateActiveProviders returns providers holding more than one
	// non-resting record, computed as a grouped count at the storage layer.
	DuplicateActiveProviders(ctx context.Context) ([]string, error)

	// DeleteByProvider removes every record for a provider, cascading to its
	// marks. Returns the number of records deleted.
	DeleteByProvider(ctx context.Context, provider string) (int64, error)
}

// MarkRepository provides durable storage for resumption marks. Marks are
// append-only within a cycle and removed only by retention cleanup or
// provider purge.
type MarkRepository interface {
	// Append assigns the next sequence number for the record and persists a
	// mark with the given cursor. Sequence allocation is atomic relative to
	// concurrent appends for the same record.
	Append(ctx context.Context, record *Record, cursor string) (*Mark, error)

	// GetAll returns the marks for a record ascending by sequence.
	GetAll(ctx context.Context, record *Record) ([]*Mark, error)

	// ClearFinished deletes marks belonging to the provider's terminal
	// (complete or error) records whose cycles finished before the retention
	// threshold. Returns the number of marks deleted; calling it again with
	// nothing new to delete returns 0.
	ClearFinished(ctx context.Context, provider string, retention time.Duration) (int64, error)
}

// Stepper is the external fetch collaborator that advances an active cycle
// by one bounded page. The controller invokes it on each trigger while a
// record is ingesting; the collaborator resumes from the given cursor and
// reports the next cursor or exhaustion.
type Stepper interface {
	Step(ctx context.Context, record *Record, lastCursor string) (StepResult, error)
}

// StepResult reports the outcome of one fetch step.
type StepResult struct {
	// Cursor is the resumption token to record for this step. Ignored when
	// Done is true.
	Cursor string
	// Done indicates the provider's pages are exhausted and the cycle should
	// complete.
	Done bool
}

// StepperFunc adapts a function to the Stepper interface.
type StepperFunc func(ctx context.Context, record *Record, lastCursor string) (StepResult, error)

// Step implements the Stepper interface.
func (f StepperFunc) Step(ctx context.Context, record *Record, lastCursor string) (StepResult, error) {
	return f(ctx, record, lastCursor)
}

// DeltaPublisher pushes externally supplied delta payloads to the event bus
// on the provider's push topic. Publishing is request-scoped and never
// affects ingestion state.
type DeltaPublisher interface {
	PublishDelta(ctx context.Context, provider string, payload []byte) error
}
