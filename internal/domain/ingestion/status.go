package ingestion

// Status represents the lifecycle states of a provider ingestion cycle.
// It is implemented as a value object using a string type to ensure type safety
// and domain invariants. The status transitions form a state machine that
// enforces valid lifecycle progression.
type Status string

const (
	// StatusIngesting indicates an active cycle pulling pages from the provider.
	StatusIngesting Status = "ingesting"
	// StatusResting indicates the cooldown period between cycles. This is the
	// only status a provider may hold more than one record in; every
	// historical record eventually lands here.
	StatusResting Status = "resting"
	// StatusCanceling indicates a cooperative stop has been requested. The
	// in-flight fetch collaborator observes this at its next checkpoint and
	// resolves the record back to resting.
	StatusCanceling Status = "canceling"
	// StatusComplete indicates the cycle exhausted the provider's pages.
	// Terminal for the record, not for the provider.
	StatusComplete Status = "complete"
	// StatusError indicates the cycle stopped on an unrecoverable failure.
	// Terminal for the record, not for the provider.
	StatusError Status = "error"
)

// validTransitions defines the allowed status transitions for ingestion
// records. Resting is re-enterable from every active status because manual
// cancellation short-circuits the cycle.
var validTransitions = map[Status][]Status{
	StatusResting:   {StatusIngesting},
	StatusIngesting: {StatusComplete, StatusError, StatusCanceling, StatusResting},
	StatusCanceling: {StatusResting},
	StatusComplete:  {StatusResting},
	StatusError:     {StatusResting},
}

// IsActive reports whether the status represents a non-resting record. The
// core invariant allows at most one active record per provider.
func (s Status) IsActive() bool { return s != StatusResting }

// IsTerminal reports whether the status ends a record's cycle. Terminal
// records remain queryable until they are rotated to resting or purged.
func (s Status) IsTerminal() bool { return s == StatusComplete || s == StatusError }

// CanTransitionTo validates if a status transition is allowed.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, exists := validTransitions[s]
	if !exists {
		return false
	}

	for _, a := range allowed {
		if target == a {
			return true
		}
	}
	return false
}
