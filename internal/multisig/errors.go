package multisig

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindWalletUnavailable       Kind = "wallet_unavailable"
	KindNoSignerAccount         Kind = "no_signer_account"
	KindSubmissionRejected      Kind = "submission_rejected"
	KindTimepointMismatch       Kind = "timepoint_mismatch"
	KindThresholdAlreadyReached Kind = "threshold_already_reached"
	KindNotInitiator            Kind = "not_initiator"
	KindNoPendingTransaction    Kind = "no_pending_transaction"
	KindInvalidCallSet          Kind = "invalid_call_set"
	KindSameSigner              Kind = "same_signer"
	KindNotSignatory            Kind = "not_signatory"
	KindAlreadyPending          Kind = "already_pending"
	KindNotFound                Kind = "not_found"
	KindChainUnavailable        Kind = "chain_unavailable"
)

// Error is a coordinator failure. Only chain reads are Retriable; a
// submission that reached the network is never retried.
type Error struct {
	Kind      Kind
	Reason    string
	Retriable bool
	Err       error
}

func (e *Error) Error() string {
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func IsKind(err error, kind Kind) bool {
	var me *Error
	return errors.As(err, &me) && me.Kind == kind
}
