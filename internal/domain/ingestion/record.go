package ingestion

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/catalog-ingest/pkg/common/timeutil"
)

// Next-action descriptions surfaced to operators. These are display strings,
// not machine state; the state machine keys off Status alone.
const (
	// NextActionIngest describes an active cycle waiting on its next page fetch.
	NextActionIngest = "ingest next page"
	// NextActionDone describes a record with no further work scheduled.
	NextActionDone = "nothing (done)"
	// NextActionStop describes a record whose in-flight step should stop at
	// its next checkpoint.
	NextActionStop = "stop at next checkpoint"
	// RestCompleteAction describes a known provider with no current record.
	RestCompleteAction = "rest complete, waiting to start"
)

// Record is an aggregate root tracking one ingestion cycle attempt for a
// provider. It encapsulates the cycle's lifecycle and consistency boundaries:
// all status transitions flow through its methods, which enforce the
// transition table, and persistence layers rehydrate it via ReconstructRecord.
// A provider accumulates historical records over time but holds at most one
// active (non-resting) record; that invariant is enforced by storage, not by
// this type.
type Record struct {
	// Identity.
	id           uuid.UUID
	providerName string

	// Current state.
	status       Status
	nextAction   string
	nextActionAt time.Time
	completedAt  time.Time
	lastError    string

	createdAt time.Time
	updatedAt time.Time

	timeProvider timeutil.Provider
}

// RecordOption configures optional Record behavior.
type RecordOption func(*Record)

// WithTimeProvider substitutes the clock used for transition timestamps.
func WithTimeProvider(tp timeutil.Provider) RecordOption {
	return func(r *Record) { r.timeProvider = tp }
}

// NewRecord creates a new ingestion record for the start of a cycle. The
// record begins in the ingesting status with its first step due immediately,
// and any error from a prior cycle is left behind on the prior record.
func NewRecord(providerName string, opts ...RecordOption) *Record {
	r := &Record{
		id:           uuid.New(),
		providerName: providerName,
		status:       StatusIngesting,
		nextAction:   NextActionIngest,
		timeProvider: timeutil.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	now := r.timeProvider.Now()
	r.nextActionAt = now
	r.createdAt = now
	r.updatedAt = now
	return r
}

// NewRestingRecord creates a record already in the resting status with the
// given cooldown before the next cycle may start. Used when a provider is
// purged or seen for the first time.
func NewRestingRecord(providerName string, cooldown time.Duration, opts ...RecordOption) *Record {
	r := NewRecord(providerName, opts...)
	now := r.timeProvider.Now()
	r.status = StatusResting
	r.nextAction = NextActionDone
	r.nextActionAt = now.Add(cooldown)
	r.completedAt = now
	return r
}

// ReconstructRecord creates a Record from persisted data without generating
// new identity or enforcing creation-time invariants. This should only be
// used by repositories when rehydrating from storage.
func ReconstructRecord(
	id uuid.UUID,
	providerName string,
	status Status,
	nextAction string,
	nextActionAt time.Time,
	completedAt time.Time,
	lastError string,
	createdAt time.Time,
	updatedAt time.Time,
) *Record {
	return &Record{
		id:           id,
		providerName: providerName,
		status:       status,
		nextAction:   nextAction,
		nextActionAt: nextActionAt,
		completedAt:  completedAt,
		lastError:    lastError,
		createdAt:    createdAt,
		updatedAt:    updatedAt,
		timeProvider: timeutil.Default(),
	}
}

// SetTimeProvider rebinds the clock used for due checks and transition
// timestamps. Repositories rehydrate records against the real clock, so
// services holding an injected clock rebind loaded records before acting on
// them.
func (r *Record) SetTimeProvider(tp timeutil.Provider) { r.timeProvider = tp }

// Getters for Record.
func (r *Record) ID() uuid.UUID           { return r.id }
func (r *Record) ProviderName() string    { return r.providerName }
func (r *Record) Status() Status          { return r.status }
func (r *Record) NextAction() string      { return r.nextAction }
func (r *Record) NextActionAt() time.Time { return r.nextActionAt }
func (r *Record) CompletedAt() time.Time  { return r.completedAt }
func (r *Record) LastError() string       { return r.lastError }
func (r *Record) CreatedAt() time.Time    { return r.createdAt }
func (r *Record) UpdatedAt() time.Time    { return r.updatedAt }

// Due reports whether the record's next action time has elapsed. Triggers
// arriving before this are no-ops.
func (r *Record) Due() bool {
	return !r.timeProvider.Now().Before(r.nextActionAt)
}

// ScheduleNextStep moves the next action time forward after a successful
// step. Only valid while ingesting.
func (r *Record) ScheduleNextStep(interval time.Duration) error {
	if r.status != StatusIngesting {
		return newInvalidStateTransitionError(r.status, StatusIngesting)
	}
	now := r.timeProvider.Now()
	r.nextActionAt = now.Add(interval)
	r.updatedAt = now
	return nil
}

// MarkComplete transitions the record to complete after the provider's pages
// are exhausted. The next action time is pushed out by the rest period so the
// provider cools down before its next cycle.
func (r *Record) MarkComplete(restPeriod time.Duration) error {
	if !r.status.CanTransitionTo(StatusComplete) {
		return newInvalidStateTransitionError(r.status, StatusComplete)
	}
	now := r.timeProvider.Now()
	r.status = StatusComplete
	r.nextAction = NextActionDone
	r.nextActionAt = now.Add(restPeriod)
	r.completedAt = now
	r.updatedAt = now
	return nil
}

// MarkError transitions the record to error, recording the failure message.
func (r *Record) MarkError(msg string, cooldown time.Duration) error {
	if !r.status.CanTransitionTo(StatusError) {
		return newInvalidStateTransitionError(r.status, StatusError)
	}
	now := r.timeProvider.Now()
	r.status = StatusError
	r.nextAction = NextActionDone
	r.nextActionAt = now.Add(cooldown)
	r.completedAt = now
	r.lastError = msg
	r.updatedAt = now
	return nil
}

// RequestCancel transitions the record to canceling. Cancellation is
// cooperative: the in-flight step observes the status at its next checkpoint
// and resolves the record to resting.
func (r *Record) RequestCancel() error {
	if !r.status.CanTransitionTo(StatusCanceling) {
		return newInvalidStateTransitionError(r.status, StatusCanceling)
	}
	now := r.timeProvider.Now()
	r.status = StatusCanceling
	r.nextAction = NextActionStop
	r.updatedAt = now
	return nil
}

// MarkResting forces the record into the resting status with the given
// cooldown. This is the manual-cancel transition and the resolution of a
// canceling record; it also archives terminal records when a new cycle
// starts.
func (r *Record) MarkResting(cooldown time.Duration) error {
	if !r.status.CanTransitionTo(StatusResting) {
		return newInvalidStateTransitionError(r.status, StatusResting)
	}
	now := r.timeProvider.Now()
	r.status = StatusResting
	r.nextAction = NextActionDone
	r.nextActionAt = now.Add(cooldown)
	if r.completedAt.IsZero() {
		r.completedAt = now
	}
	r.updatedAt = now
	return nil
}

// Reopen schedules an immediate next action on a resting record, so the next
// scheduled trigger begins a fresh cycle without waiting out the cooldown.
func (r *Record) Reopen() error {
	if r.status != StatusResting {
		return newInvalidStateTransitionError(r.status, StatusResting)
	}
	now := r.timeProvider.Now()
	r.nextActionAt = now
	r.completedAt = now
	r.updatedAt = now
	return nil
}
