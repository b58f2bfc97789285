package ingestion

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock implementation for tests.
type mockTimeProvider struct{ current time.Time }

func (m *mockTimeProvider) Now() time.Time { return m.current }

func (m *mockTimeProvider) Advance(d time.Duration) { m.current = m.current.Add(d) }

func TestNewRecord(t *testing.T) {
	tp := &mockTimeProvider{current: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRecord("acme-catalog", WithTimeProvider(tp))

	require.NotEqual(t, r.ID().String(), "00000000-0000-0000-0000-000000000000")
	require.Equal(t, "acme-catalog", r.ProviderName())
	require.Equal(t, StatusIngesting, r.Status())
	require.Equal(t, NextActionIngest, r.NextAction())
	require.Equal(t, tp.Now(), r.NextActionAt())
	require.True(t, r.Due())
	require.Empty(t, r.LastError())
	require.True(t, r.CompletedAt().IsZero())
}

func TestNewRestingRecord(t *testing.T) {
	tp := &mockTimeProvider{current: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRestingRecord("acme-catalog", 24*time.Hour, WithTimeProvider(tp))

	require.Equal(t, StatusResting, r.Status())
	require.Equal(t, NextActionDone, r.NextAction())
	require.Equal(t, tp.Now().Add(24*time.Hour), r.NextActionAt())
	require.Equal(t, tp.Now(), r.CompletedAt())
	require.False(t, r.Due())
}

func TestRecordTransitions(t *testing.T) {
	tests := []struct {
		name       string
		start      Status
		transition func(r *Record) error
		wantStatus Status
		wantErr    bool
	}{
		{
			name:       "ingesting completes",
			start:      StatusIngesting,
			transition: func(r *Record) error { return r.MarkComplete(time.Hour) },
			wantStatus: StatusComplete,
		},
		{
			name:       "ingesting errors",
			start:      StatusIngesting,
			transition: func(r *Record) error { return r.MarkError("boom", time.Hour) },
			wantStatus: StatusError,
		},
		{
			name:       "ingesting cancel requested",
			start:      StatusIngesting,
			transition: func(r *Record) error { return r.RequestCancel() },
			wantStatus: StatusCanceling,
		},
		{
			name:       "ingesting forced to resting",
			start:      StatusIngesting,
			transition: func(r *Record) error { return r.MarkResting(24 * time.Hour) },
			wantStatus: StatusResting,
		},
		{
			name:       "canceling resolves to resting",
			start:      StatusCanceling,
			transition: func(r *Record) error { return r.MarkResting(24 * time.Hour) },
			wantStatus: StatusResting,
		},
		{
			name:       "complete archives to resting",
			start:      StatusComplete,
			transition: func(r *Record) error { return r.MarkResting(0) },
			wantStatus: StatusResting,
		},
		{
			name:       "resting cannot complete",
			start:      StatusResting,
			transition: func(r *Record) error { return r.MarkComplete(time.Hour) },
			wantStatus: StatusResting,
			wantErr:    true,
		},
		{
			name:       "complete cannot cancel",
			start:      StatusComplete,
			transition: func(r *Record) error { return r.RequestCancel() },
			wantStatus: StatusComplete,
			wantErr:    true,
		},
		{
			name:       "canceling cannot complete",
			start:      StatusCanceling,
			transition: func(r *Record) error { return r.MarkComplete(time.Hour) },
			wantStatus: StatusCanceling,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := &mockTimeProvider{current: time.Now()}
			r := NewRecord("acme-catalog", WithTimeProvider(tp))
			r.status = tt.start

			err := tt.transition(r)
			if tt.wantErr {
				require.Error(t, err)
				var domainErr *Error
				require.True(t, errors.As(err, &domainErr))
				require.Equal(t, ErrKindInvalidStateTransition, domainErr.Kind())
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantStatus, r.Status())
		})
	}
}

func TestMarkCompleteSchedulesRest(t *testing.T) {
	tp := &mockTimeProvider{current: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRecord("acme-catalog", WithTimeProvider(tp))

	require.NoError(t, r.MarkComplete(6 * time.Hour))

	require.Equal(t, tp.Now(), r.CompletedAt())
	require.Equal(t, tp.Now().Add(6*time.Hour), r.NextActionAt())
	require.Equal(t, NextActionDone, r.NextAction())
	require.False(t, r.Due())
}

func TestMarkRestingCooldown(t *testing.T) {
	tp := &mockTimeProvider{current: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRecord("acme-catalog", WithTimeProvider(tp))

	require.NoError(t, r.MarkResting(24*time.Hour))

	require.Equal(t, StatusResting, r.Status())
	require.Equal(t, tp.Now().Add(24*time.Hour), r.NextActionAt())
	require.Equal(t, tp.Now(), r.CompletedAt())
	require.Equal(t, NextActionDone, r.NextAction())
}

func TestMarkErrorRecordsMessage(t *testing.T) {
	tp := &mockTimeProvider{current: time.Now()}
	r := NewRecord("acme-catalog", WithTimeProvider(tp))

	require.NoError(t, r.MarkError("upstream 503", time.Hour))

	require.Equal(t, StatusError, r.Status())
	require.Equal(t, "upstream 503", r.LastError())
	require.Equal(t, tp.Now(), r.CompletedAt())
}

func TestReopenOnlyFromResting(t *testing.T) {
	tp := &mockTimeProvider{current: time.Now()}

	resting := NewRestingRecord("acme-catalog", 24*time.Hour, WithTimeProvider(tp))
	require.False(t, resting.Due())
	require.NoError(t, resting.Reopen())
	require.True(t, resting.Due())
	require.Equal(t, StatusResting, resting.Status())

	active := NewRecord("acme-catalog", WithTimeProvider(tp))
	require.Error(t, active.Reopen())
}

func TestScheduleNextStep(t *testing.T) {
	tp := &mockTimeProvider{current: time.Now()}
	r := NewRecord("acme-catalog", WithTimeProvider(tp))

	require.NoError(t, r.ScheduleNextStep(15*time.Minute))
	require.Equal(t, tp.Now().Add(15*time.Minute), r.NextActionAt())
	require.False(t, r.Due())

	require.NoError(t, r.MarkComplete(time.Hour))
	require.Error(t, r.ScheduleNextStep(15*time.Minute))
}

func TestDueRespectsClock(t *testing.T) {
	tp := &mockTimeProvider{current: time.Now()}
	r := NewRestingRecord("acme-catalog", time.Hour, WithTimeProvider(tp))

	require.False(t, r.Due())
	tp.Advance(59 * time.Minute)
	require.False(t, r.Due())
	tp.Advance(time.Minute)
	require.True(t, r.Due())
}

func TestReconstructRecord(t *testing.T) {
	now := time.Now().UTC()
	r := NewRecord("acme-catalog")

	rehydrated := ReconstructRecord(
		r.ID(), "acme-catalog", StatusCanceling, NextActionStop,
		now, now.Add(-time.Hour), "previous failure", now.Add(-2*time.Hour), now,
	)

	require.Equal(t, r.ID(), rehydrated.ID())
	require.Equal(t, StatusCanceling, rehydrated.Status())
	require.Equal(t, NextActionStop, rehydrated.NextAction())
	require.Equal(t, "previous failure", rehydrated.LastError())
	require.Equal(t, now.Add(-time.Hour), rehydrated.CompletedAt())
}

func TestStatusClassification(t *testing.T) {
	assert.True(t, StatusIngesting.IsActive())
	assert.True(t, StatusCanceling.IsActive())
	assert.True(t, StatusComplete.IsActive())
	assert.True(t, StatusError.IsActive())
	assert.False(t, StatusResting.IsActive())

	assert.True(t, StatusComplete.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
	assert.False(t, StatusIngesting.IsTerminal())
	assert.False(t, StatusCanceling.IsTerminal())
}
