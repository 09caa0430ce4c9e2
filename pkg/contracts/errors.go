package contracts

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for the fatal half of the taxonomy. Anything that could
// compromise the determinism or state-machine invariants wraps one of
// these and aborts the batch; only MalformedEventError is event-local.
var (
	// ErrRuleTable signals rule table corruption or a weight/version
	// inconsistency. Fatal to the run.
	ErrRuleTable = errors.New("rule table invalid")

	// ErrStateGuard signals a structurally impossible incident state
	// (negative corroboration count, backward stage, unknown stage).
	// Fatal to the run; never swallowed.
	ErrStateGuard = errors.New("state guard violation")

	// ErrPersistence signals a failed store transaction. The enclosing
	// commit unit rolled back; the batch is retryable.
	ErrPersistence = errors.New("persistence failure")

	// ErrLedgerEmission signals a failed audit ledger append. Fatal to
	// the enclosing transaction: a stage change with no ledger entry is
	// an integrity failure, not a warning.
	ErrLedgerEmission = errors.New("audit ledger emission failure")
)

// MalformedEventError marks a raw event that fails deterministic-field
// validation (missing observed_at, unknown sensor kind, payload schema
// violation). The event is quarantined and the batch continues.
type MalformedEventError struct {
	EventID uuid.UUID
	Reason  string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event %s: %s", e.EventID, e.Reason)
}

// IsMalformed reports whether err is event-local and quarantinable.
func IsMalformed(err error) bool {
	var m *MalformedEventError
	return errors.As(err, &m)
}
