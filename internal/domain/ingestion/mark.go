package ingestion

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Mark is an entity object recording one resumption checkpoint within an
// ingestion cycle. Marks for a record form a strictly increasing sequence;
// the highest-sequence mark is the authoritative resumption point. As an
// entity it carries a persistent identity assigned by the storage layer.
type Mark struct {
	// Identity.
	id       int64
	recordID uuid.UUID

	// State.
	cursor    string
	sequence  int64
	createdAt time.Time
}

// NewMark creates a Mark without a persistent ID for use before persistence.
// The storage layer assigns the ID on append via SetID.
func NewMark(recordID uuid.UUID, cursor string, sequence int64) *Mark {
	return &Mark{
		recordID:  recordID,
		cursor:    cursor,
		sequence:  sequence,
		createdAt: time.Now(),
	}
}

// ReconstructMark creates a Mark from persisted data.
func ReconstructMark(id int64, recordID uuid.UUID, cursor string, sequence int64, createdAt time.Time) *Mark {
	return &Mark{
		id:        id,
		recordID:  recordID,
		cursor:    cursor,
		sequence:  sequence,
		createdAt: createdAt,
	}
}

// Getters for Mark.
func (m *Mark) ID() int64            { return m.id }
func (m *Mark) RecordID() uuid.UUID  { return m.recordID }
func (m *Mark) Cursor() string       { return m.cursor }
func (m *Mark) Sequence() int64      { return m.sequence }
func (m *Mark) CreatedAt() time.Time { return m.createdAt }

// IsTemporary returns true if the mark has not been persisted yet.
func (m *Mark) IsTemporary() bool { return m.id == 0 }

// SetID assigns the mark's ID after persistence. It panics if called on an
// already-persisted mark to prevent identity mutations.
func (m *Mark) SetID(id int64) {
	if m.id != 0 {
		panic("attempting to modify ID of a persisted mark")
	}
	m.id = id
}

// MarshalJSON serializes the Mark for the marks listing endpoint.
func (m *Mark) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		ID        int64     `json:"id"`
		RecordID  string    `json:"ingestion_record_id"`
		Cursor    string    `json:"cursor"`
		Sequence  int64     `json:"sequence"`
		CreatedAt time.Time `json:"created_at"`
	}{
		ID:        m.id,
		RecordID:  m.recordID.String(),
		Cursor:    m.cursor,
		Sequence:  m.sequence,
		CreatedAt: m.createdAt,
	})
}
