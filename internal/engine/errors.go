package engine

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindOrderingViolation    Kind = "ordering_violation"
	KindDuplicateMilestone   Kind = "duplicate_milestone"
	KindDistributionMismatch Kind = "distribution_mismatch"
	KindInvalidProofURL      Kind = "invalid_proof_url"
	KindNotFound             Kind = "not_found"
	KindInvalidInput         Kind = "invalid_input"
	KindWindowClosed         Kind = "window_closed"
	KindAlreadyCompleted     Kind = "already_completed"
)

// LedgerError names the invariant a request violated.
type LedgerError struct {
	Kind    Kind
	Reason  string
	Details map[string]any
}

func (e *LedgerError) Error() string {
	return e.Reason
}

func ledgerErr(kind Kind, format string, args ...any) *LedgerError {
	return &LedgerError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a LedgerError of kind.
func IsKind(err error, kind Kind) bool {
	var le *LedgerError
	return errors.As(err, &le) && le.Kind == kind
}
