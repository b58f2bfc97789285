package ingestion

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewMarkIsTemporary(t *testing.T) {
	recordID := uuid.New()
	m := NewMark(recordID, "page-token-42", 3)

	require.True(t, m.IsTemporary())
	require.Equal(t, recordID, m.RecordID())
	require.Equal(t, "page-token-42", m.Cursor())
	require.Equal(t, int64(3), m.Sequence())
}

func TestMarkSetID(t *testing.T) {
	m := NewMark(uuid.New(), "cursor", 1)

	m.SetID(17)
	require.Equal(t, int64(17), m.ID())
	require.False(t, m.IsTemporary())

	require.Panics(t, func() { m.SetID(18) })
}

func TestReconstructMark(t *testing.T) {
	recordID := uuid.New()
	created := time.Now().UTC()

	m := ReconstructMark(5, recordID, "page-token", 2, created)

	require.Equal(t, int64(5), m.ID())
	require.False(t, m.IsTemporary())
	require.Equal(t, created, m.CreatedAt())
}

func TestMarkMarshalJSON(t *testing.T) {
	recordID := uuid.New()
	m := ReconstructMark(9, recordID, "page-token", 4, time.Now())

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, float64(9), decoded["id"])
	require.Equal(t, recordID.String(), decoded["ingestion_record_id"])
	require.Equal(t, "page-token", decoded["cursor"])
	require.Equal(t, float64(4), decoded["sequence"])
}

func TestErrorKindMatching(t *testing.T) {
	err := NewProviderNotFoundError("ghost")
	require.ErrorIs(t, err, ErrProviderNotFound)
	require.NotErrorIs(t, err, ErrStoreFailure)
	require.Equal(t, "Provider 'ghost' not found", err.Error())

	conflict := NewUpdateConflictError("acme", StatusIngesting)
	require.ErrorIs(t, conflict, ErrUpdateConflict)
}
