package evm

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/malbeclabs/sweepstake/keeper/pkg/ledger"
)

// revertPatterns maps contract revert messages to rejection reasons. Order
// matters: the first match wins.
var revertPatterns = []struct {
	substr string
	reason ledger.RejectReason
}{
	{"already distributed", ledger.RejectAlreadySettled},
	{"already settled", ledger.RejectAlreadySettled},
	{"round not ended", ledger.RejectRoundNotOver},
	{"round not over", ledger.RejectRoundNotOver},
	{"still active", ledger.RejectRoundNotOver},
	{"round ended", ledger.RejectRoundOver},
	{"round is over", ledger.RejectRoundOver},
	{"paused", ledger.RejectPaused},
	{"already joined", ledger.RejectAlreadyJoined},
	{"max participants", ledger.RejectCapacityReached},
	{"pool is full", ledger.RejectCapacityReached},
	{"allowance", ledger.RejectInsufficientAllowance},
}

// revertReason extracts the revert message from err, decoding ABI-encoded
// Error(string) data when the node returns it.
func revertReason(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := dataErr.ErrorData().(string); ok {
			if reason, uerr := abi.UnpackRevert(common.FromHex(data)); uerr == nil {
				return reason
			}
		}
	}
	return err.Error()
}

// classify turns a submit or estimate failure into a RejectedError when the
// ledger refused the call, and a GatewayError otherwise.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var rej *ledger.RejectedError
	if errors.As(err, &rej) {
		return err
	}

	reason := strings.ToLower(revertReason(err))
	msg := strings.ToLower(err.Error())
	for _, p := range revertPatterns {
		if strings.Contains(reason, p.substr) || strings.Contains(msg, p.substr) {
			return &ledger.RejectedError{Op: op, Reason: p.reason, Err: err}
		}
	}
	if strings.Contains(msg, "execution reverted") {
		return &ledger.RejectedError{Op: op, Reason: ledger.RejectUnknown, Err: err}
	}
	return &ledger.GatewayError{Op: op, Err: err}
}
