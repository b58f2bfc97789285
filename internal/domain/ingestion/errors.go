package ingestion

import "fmt"

// ErrorKind identifies specific types of errors that can occur while driving
// ingestion cycles. This enables callers to make decisions based on the type
// of error without string matching.
type ErrorKind int

const (
	// ErrKindProviderNotFound indicates the provider has no record and does
	// not appear in the known-provider list. Surfaced as a 404.
	ErrKindProviderNotFound ErrorKind = iota

	// ErrKindStoreFailure indicates a durable-storage I/O failure. Callers
	// may retry; the core surfaces it unchanged.
	ErrKindStoreFailure

	// ErrKindConsistency indicates duplicate active records were detected for
	// a provider. Reported, never auto-corrected.
	ErrKindConsistency

	// ErrKindPublishUnavailable indicates the event-publishing collaborator
	// is not initialized or failed to publish.
	ErrKindPublishUnavailable

	// ErrKindInvalidStateTransition indicates an attempt to move a record to
	// a status its current status does not allow.
	ErrKindInvalidStateTransition

	// ErrKindUpdateConflict indicates a conditional update lost a race with a
	// concurrent transition. The caller re-reads state and retries once.
	ErrKindUpdateConflict
)

// Error represents domain-specific failures in the ingestion state machine.
// It provides context about the type of error to enable appropriate handling.
type Error struct {
	msg  string
	kind ErrorKind
}

// Error returns the error message. This implements the error interface.
func (e *Error) Error() string { return e.msg }

// Kind returns the classification of this error.
func (e *Error) Kind() ErrorKind { return e.kind }

// Is enables error matching by comparing error kinds.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

// NewProviderNotFoundError creates the user-facing error for an unknown
// provider. The message carries the provider name so callers can act on it
// without consulting logs.
func NewProviderNotFoundError(provider string) error {
	return &Error{
		msg:  fmt.Sprintf("Provider '%s' not found", provider),
		kind: ErrKindProviderNotFound,
	}
}

// NewStoreError wraps a storage failure with its originating operation.
func NewStoreError(op string, cause error) error {
	return &Error{
		msg:  fmt.Sprintf("store failure during %s: %v", op, cause),
		kind: ErrKindStoreFailure,
	}
}

// NewConsistencyError reports duplicate active records for the named providers.
func NewConsistencyError(providers []string) error {
	return &Error{
		msg:  fmt.Sprintf("duplicate active ingestions detected: %v", providers),
		kind: ErrKindConsistency,
	}
}

// NewPublishUnavailableError reports a delta publish failure.
func NewPublishUnavailableError(cause error) error {
	return &Error{
		msg:  fmt.Sprintf("event publisher unavailable: %v", cause),
		kind: ErrKindPublishUnavailable,
	}
}

func newInvalidStateTransitionError(from, to Status) error {
	return &Error{
		msg:  fmt.Sprintf("cannot transition from %s to %s", from, to),
		kind: ErrKindInvalidStateTransition,
	}
}

// NewUpdateConflictError reports a lost conditional update for a provider's
// record. Exactly one of two racing transitions observes this.
func NewUpdateConflictError(provider string, expected Status) error {
	return &Error{
		msg:  fmt.Sprintf("concurrent update for provider %s: record no longer in status %s", provider, expected),
		kind: ErrKindUpdateConflict,
	}
}

// Sentinels for errors.Is matching on kind alone.
var (
	ErrProviderNotFound   = &Error{kind: ErrKindProviderNotFound}
	ErrStoreFailure       = &Error{kind: ErrKindStoreFailure}
	ErrConsistency        = &Error{kind: ErrKindConsistency}
	ErrPublishUnavailable = &Error{kind: ErrKindPublishUnavailable}
	ErrUpdateConflict     = &Error{kind: ErrKindUpdateConflict}
)
