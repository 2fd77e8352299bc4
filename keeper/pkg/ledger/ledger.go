package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Pool contract methods and events.
const (
	MethodRoundID         = "roundId"
	MethodRoundStart      = "roundStart"
	MethodRoundDuration   = "ROUND_DURATION"
	MethodMaxParticipants = "MAX_PARTICIPANTS"
	MethodTicketPrices    = "getTicketPrices"
	MethodPoolBalances    = "getPoolBalances"
	MethodParticipants    = "getParticipants"
	MethodPaused          = "paused"
	MethodHasJoined       = "hasJoined"
	MethodWinnerInfo      = "getWinnerInfo"
	MethodCUSDToken       = "CUSD_TOKEN"
	MethodCZARToken       = "CZAR_TOKEN"
	MethodDistribute      = "distributeReward"

	// ERC20 methods, called with Call.Target set to the token address.
	MethodAllowance = "allowance"
	MethodBalanceOf = "balanceOf"

	EventParticipantJoined = "ParticipantJoined"
	EventRewardDistributed = "RewardDistributed"
	EventNewRoundStarted   = "NewRoundStarted"
)

// Call names a single contract method invocation. A zero Target addresses the pool contract.
type Call struct {
	Target common.Address
	Method string
	Args   []any
}

func (c Call) String() string {
	if c.Target == (common.Address{}) {
		return c.Method
	}
	return fmt.Sprintf("%s@%s", c.Method, c.Target.Hex())
}

// Batch is the result of a BatchRead. Values[i] answers calls[i]; all values
// were read at Block.
type Batch struct {
	Block  uint64
	Values []Values
}

// TxRef identifies a submitted transaction.
type TxRef = common.Hash

type ReceiptStatus int

const (
	ReceiptReverted ReceiptStatus = iota
	ReceiptSuccess
)

func (s ReceiptStatus) String() string {
	if s == ReceiptSuccess {
		return "success"
	}
	return "reverted"
}

// Receipt is the confirmed outcome of a submitted transaction.
type Receipt struct {
	Ref    TxRef
	Status ReceiptStatus
	Block  uint64
	Events []Event
}

// Event is a decoded pool contract event. Fields not carried by an event are left zero.
type Event struct {
	Name    string
	Round   uint64
	Account common.Address
	Token   common.Address
	Amount  *big.Int
	Block   uint64
	TxRef   TxRef
}

// Gateway is the only way the keeper talks to the ledger.
type Gateway interface {
	// ReadField performs a single read against the latest state.
	ReadField(ctx context.Context, call Call) (Values, error)
	// BatchRead performs all reads against one consistent ledger state.
	BatchRead(ctx context.Context, calls []Call) (Batch, error)
	// Submit sends a state-changing call and returns once it is accepted for inclusion.
	Submit(ctx context.Context, call Call) (TxRef, error)
	// AwaitConfirmation blocks until the transaction is included or ctx ends.
	// A ctx deadline yields a *TimeoutError.
	AwaitConfirmation(ctx context.Context, ref TxRef) (Receipt, error)
	// Subscribe delivers decoded events until the returned func is called or ctx ends.
	Subscribe(ctx context.Context, event string, fn func(Event)) (func(), error)
}
