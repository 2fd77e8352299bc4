// Package join checks whether a participant can enter the current round and
// which ledger action they need to take first.
package join

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/sweepstake/keeper/pkg/ledger"
	"github.com/malbeclabs/sweepstake/keeper/pkg/round"
)

type Action string

const (
	// ActionJoin means the participant can join directly.
	ActionJoin Action = "join"
	// ActionApprove means the participant must raise the token allowance first.
	ActionApprove Action = "approve"
)

type Reader interface {
	ReadField(ctx context.Context, call ledger.Call) (ledger.Values, error)
}

type ConstantSource interface {
	Constants(ctx context.Context) (round.Constants, error)
}

type StateSource interface {
	RoundState(ctx context.Context, forceRefresh bool) (round.Snapshot, error)
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Gateway   Reader
	Constants ConstantSource
	States    StateSource
	// Pool is the spender the participant approves.
	Pool common.Address
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Gateway == nil {
		return errors.New("gateway is required")
	}
	if cfg.Constants == nil {
		return errors.New("constants are required")
	}
	if cfg.States == nil {
		return errors.New("state source is required")
	}
	if cfg.Pool == (common.Address{}) {
		return errors.New("pool address is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Decision is what a participant must do to join the current round.
type Decision struct {
	Round       uint64
	Token       round.Token
	Action      Action
	TicketPrice *big.Int
	// Allowance and Missing are nil for the native token.
	Allowance *big.Int
	Missing   *big.Int
}

type Checker struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Checker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Checker{log: cfg.Logger, cfg: cfg}, nil
}

// Check evaluates the ledger's join rules for participant paying in token.
// Violations are returned as *ledger.RejectedError; nothing is submitted.
func (c *Checker) Check(ctx context.Context, participant common.Address, token round.Token) (Decision, error) {
	consts, err := c.cfg.Constants.Constants(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load constants: %w", err)
	}
	price := consts.TicketPrice(token)
	if price == nil {
		return Decision{}, fmt.Errorf("no ticket price for %s", token)
	}

	snap, err := c.cfg.States.RoundState(ctx, false)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Round: snap.RoundID, Token: token, Action: ActionJoin, TicketPrice: price}

	switch {
	case snap.Paused:
		return d, reject(ledger.RejectPaused)
	case !c.cfg.Clock.Now().Before(snap.EndTime()):
		return d, reject(ledger.RejectRoundOver)
	case uint64(len(snap.Participants)) >= consts.MaxParticipants:
		return d, reject(ledger.RejectCapacityReached)
	}

	values, err := c.cfg.Gateway.ReadField(ctx, ledger.Call{Method: ledger.MethodHasJoined, Args: []any{participant}})
	if err != nil {
		return d, err
	}
	joined, err := values.Bool(0)
	if err != nil {
		return d, err
	}
	if joined {
		return d, reject(ledger.RejectAlreadyJoined)
	}

	if token.Native() {
		return d, nil
	}

	addr, ok := consts.TokenAddresses[token]
	if !ok {
		return d, fmt.Errorf("no token address for %s", token)
	}
	values, err = c.cfg.Gateway.ReadField(ctx, ledger.Call{Target: addr, Method: ledger.MethodAllowance, Args: []any{participant, c.cfg.Pool}})
	if err != nil {
		return d, err
	}
	allowance, err := values.BigInt(0)
	if err != nil {
		return d, err
	}
	d.Allowance = allowance
	d.Missing = new(big.Int)
	if allowance.Cmp(price) < 0 {
		d.Action = ActionApprove
		d.Missing.Sub(price, allowance)
	}
	c.log.Debug("join: checked", "participant", participant.Hex(), "token", string(token), "action", string(d.Action))
	return d, nil
}

func reject(reason ledger.RejectReason) error {
	return &ledger.RejectedError{Op: "join", Reason: reason}
}
