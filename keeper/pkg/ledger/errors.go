package ledger

import (
	"errors"
	"fmt"
	"time"
)

// GatewayError is a transport, RPC or decoding failure. The ledger may or may
// not have seen the request.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

type RejectReason int

const (
	RejectUnknown RejectReason = iota
	RejectAlreadySettled
	RejectRoundNotOver
	RejectInsufficientAllowance
	RejectAlreadyJoined
	RejectCapacityReached
	RejectPaused
	RejectRoundOver
)

func (r RejectReason) String() string {
	switch r {
	case RejectAlreadySettled:
		return "already_settled"
	case RejectRoundNotOver:
		return "round_not_over"
	case RejectInsufficientAllowance:
		return "insufficient_allowance"
	case RejectAlreadyJoined:
		return "already_joined"
	case RejectCapacityReached:
		return "capacity_reached"
	case RejectPaused:
		return "paused"
	case RejectRoundOver:
		return "round_over"
	default:
		return "unknown"
	}
}

// RejectedError is a business-rule rejection by the ledger.
type RejectedError struct {
	Op     string
	Reason RejectReason
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger rejected %s (%s): %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("ledger rejected %s (%s)", e.Op, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Benign reports whether the rejection means another caller already did, or
// will do, the work. Settlement treats these as expected outcomes of racing.
func (e *RejectedError) Benign() bool {
	return e.Reason == RejectAlreadySettled || e.Reason == RejectRoundNotOver
}

// TimeoutError means confirmation of Ref was not observed within Wait. The
// transaction may still be included later.
type TimeoutError struct {
	Ref  TxRef
	Wait time.Duration
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("confirmation of %s not observed within %s", e.Ref.Hex(), e.Wait)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// AsRejected returns the RejectedError in err's chain, if any.
func AsRejected(err error) (*RejectedError, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// IsBenignRejection reports whether err is a benign RejectedError.
func IsBenignRejection(err error) bool {
	rej, ok := AsRejected(err)
	return ok && rej.Benign()
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
