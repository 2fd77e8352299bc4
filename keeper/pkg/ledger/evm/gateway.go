// Package evm implements the ledger gateway against an EVM JSON-RPC node.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/sweepstake/keeper/pkg/ledger"
	"github.com/malbeclabs/sweepstake/keeper/pkg/metrics"
	"github.com/malbeclabs/sweepstake/utils/pkg/retry"
)

const (
	DefaultReceiptPollInterval = 2 * time.Second
	DefaultReadConcurrency     = 8
	logBuffer                  = 16
)

// Client is the subset of *ethclient.Client the gateway uses.
type Client interface {
	bind.ContractBackend
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Client Client
	Pool   common.Address

	// SignerKey enables Submit. Without it the gateway is read-only.
	SignerKey *ecdsa.PrivateKey
	ChainID   *big.Int

	ReceiptPollInterval time.Duration
	ReadConcurrency     int
	Retry               retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.Pool == (common.Address{}) {
		return errors.New("pool address is required")
	}
	if cfg.SignerKey != nil && cfg.ChainID == nil {
		return errors.New("chain id is required when a signer key is set")
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = DefaultReceiptPollInterval
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = DefaultReadConcurrency
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = cfg.Clock
	}
	return nil
}

// Gateway is a ledger.Gateway backed by an EVM node.
type Gateway struct {
	log  *slog.Logger
	cfg  Config
	pool *bind.BoundContract
}

var _ ledger.Gateway = (*Gateway)(nil)

func New(cfg Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gateway{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: bind.NewBoundContract(cfg.Pool, PoolABI, cfg.Client, cfg.Client, cfg.Client),
	}
	if cfg.SignerKey != nil {
		g.log.Info("evm: signer configured", "address", crypto.PubkeyToAddress(cfg.SignerKey.PublicKey).Hex())
	} else {
		g.log.Info("evm: no signer configured, running read-only")
	}
	return g, nil
}

// ParseSignerKey parses a hex-encoded secp256k1 private key.
func ParseSignerKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}
	return key, nil
}

// CanSubmit reports whether the gateway has a signer.
func (g *Gateway) CanSubmit() bool {
	return g.cfg.SignerKey != nil
}

func (g *Gateway) resolve(call ledger.Call) (common.Address, *abi.ABI, error) {
	if call.Target == (common.Address{}) || call.Target == g.cfg.Pool {
		return g.cfg.Pool, &PoolABI, nil
	}
	if _, ok := ERC20ABI.Methods[call.Method]; ok {
		return call.Target, &ERC20ABI, nil
	}
	return common.Address{}, nil, fmt.Errorf("unsupported method %s", call)
}

func (g *Gateway) ReadField(ctx context.Context, call ledger.Call) (ledger.Values, error) {
	batch, err := g.BatchRead(ctx, []ledger.Call{call})
	if err != nil {
		return nil, err
	}
	return batch.Values[0], nil
}

// BatchRead pins every call to the latest block number so the values form one
// consistent snapshot.
func (g *Gateway) BatchRead(ctx context.Context, calls []ledger.Call) (batch ledger.Batch, err error) {
	start := g.cfg.Clock.Now()
	defer func() { metrics.RecordLedgerCall("batch_read", g.cfg.Clock.Since(start), err) }()

	block, err := retry.DoValue(ctx, g.cfg.Retry, func() (uint64, error) {
		return g.cfg.Client.BlockNumber(ctx)
	})
	if err != nil {
		return ledger.Batch{}, &ledger.GatewayError{Op: "block number", Err: err}
	}
	at := new(big.Int).SetUint64(block)

	values := make([]ledger.Values, len(calls))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.ReadConcurrency)
	for i, call := range calls {
		i, call := i, call
		eg.Go(func() error {
			v, err := g.call(egCtx, call, at)
			if err != nil {
				return err
			}
			values[i] = v
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return ledger.Batch{}, err
	}
	return ledger.Batch{Block: block, Values: values}, nil
}

func (g *Gateway) call(ctx context.Context, call ledger.Call, at *big.Int) (ledger.Values, error) {
	to, parsed, err := g.resolve(call)
	if err != nil {
		return nil, &ledger.GatewayError{Op: call.String(), Err: err}
	}
	input, err := parsed.Pack(call.Method, call.Args...)
	if err != nil {
		return nil, &ledger.GatewayError{Op: call.String(), Err: fmt.Errorf("pack: %w", err)}
	}
	out, err := retry.DoValue(ctx, g.cfg.Retry, func() ([]byte, error) {
		return g.cfg.Client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, at)
	})
	if err != nil {
		return nil, &ledger.GatewayError{Op: call.String(), Err: err}
	}
	decoded, err := parsed.Unpack(call.Method, out)
	if err != nil {
		return nil, &ledger.GatewayError{Op: call.String(), Err: fmt.Errorf("unpack: %w", err)}
	}
	return ledger.Values(decoded), nil
}

// Submit estimates and sends a pool transaction. Estimation reverts are
// returned as *ledger.RejectedError.
func (g *Gateway) Submit(ctx context.Context, call ledger.Call) (ref ledger.TxRef, err error) {
	start := g.cfg.Clock.Now()
	defer func() { metrics.RecordLedgerCall("submit", g.cfg.Clock.Since(start), err) }()

	if g.cfg.SignerKey == nil {
		return ledger.TxRef{}, &ledger.GatewayError{Op: call.Method, Err: errors.New("no signer key configured")}
	}
	if call.Target != (common.Address{}) && call.Target != g.cfg.Pool {
		return ledger.TxRef{}, &ledger.GatewayError{Op: call.String(), Err: errors.New("only pool transactions are supported")}
	}
	opts, err := bind.NewKeyedTransactorWithChainID(g.cfg.SignerKey, g.cfg.ChainID)
	if err != nil {
		return ledger.TxRef{}, &ledger.GatewayError{Op: call.Method, Err: err}
	}
	opts.Context = ctx

	tx, err := g.pool.Transact(opts, call.Method, call.Args...)
	if err != nil {
		return ledger.TxRef{}, classify(call.Method, err)
	}
	g.log.Debug("evm: transaction sent", "method", call.Method, "tx", tx.Hash().Hex(), "nonce", tx.Nonce())
	return tx.Hash(), nil
}

// AwaitConfirmation polls for the receipt of ref until it is found or ctx ends.
func (g *Gateway) AwaitConfirmation(ctx context.Context, ref ledger.TxRef) (receipt ledger.Receipt, err error) {
	start := g.cfg.Clock.Now()
	defer func() { metrics.RecordLedgerCall("await_confirmation", g.cfg.Clock.Since(start), err) }()

	for {
		r, err := g.cfg.Client.TransactionReceipt(ctx, ref)
		switch {
		case err == nil && r != nil:
			return g.toReceipt(ref, r), nil
		case err != nil && !errors.Is(err, ethereum.NotFound) && !retry.IsRetryable(err):
			if ctx.Err() == nil {
				return ledger.Receipt{}, &ledger.GatewayError{Op: "transaction receipt", Err: err}
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			g.log.Debug("evm: receipt poll failed, retrying", "tx", ref.Hex(), "error", err)
		}

		timer := g.cfg.Clock.NewTimer(g.cfg.ReceiptPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ledger.Receipt{}, &ledger.TimeoutError{Ref: ref, Wait: g.cfg.Clock.Since(start), Err: ctx.Err()}
			}
			return ledger.Receipt{}, ctx.Err()
		case <-timer.Chan():
		}
	}
}

func (g *Gateway) toReceipt(ref ledger.TxRef, r *types.Receipt) ledger.Receipt {
	out := ledger.Receipt{Ref: ref, Status: ledger.ReceiptReverted}
	if r.BlockNumber != nil {
		out.Block = r.BlockNumber.Uint64()
	}
	if r.Status == types.ReceiptStatusSuccessful {
		out.Status = ledger.ReceiptSuccess
	}
	for _, lg := range r.Logs {
		if lg == nil || lg.Address != g.cfg.Pool {
			continue
		}
		ev, err := decodeLog(*lg)
		if err != nil {
			g.log.Debug("evm: skipping undecodable log", "tx", ref.Hex(), "error", err)
			continue
		}
		out.Events = append(out.Events, ev)
	}
	return out
}

// Subscribe streams pool events of one kind. It requires a websocket endpoint.
func (g *Gateway) Subscribe(ctx context.Context, event string, fn func(ledger.Event)) (func(), error) {
	ev, ok := PoolABI.Events[event]
	if !ok {
		return nil, &ledger.GatewayError{Op: "subscribe", Err: fmt.Errorf("unknown event %q", event)}
	}
	q := ethereum.FilterQuery{
		Addresses: []common.Address{g.cfg.Pool},
		Topics:    [][]common.Hash{{ev.ID}},
	}
	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan types.Log, logBuffer)
	sub, err := g.cfg.Client.SubscribeFilterLogs(subCtx, q, ch)
	if err != nil {
		cancel()
		return nil, &ledger.GatewayError{Op: "subscribe " + event, Err: err}
	}

	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-subCtx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					g.log.Warn("evm: log subscription ended", "event", event, "error", err)
				}
				return
			case lg := <-ch:
				decoded, err := decodeLog(lg)
				if err != nil {
					g.log.Warn("evm: failed to decode log", "event", event, "tx", lg.TxHash.Hex(), "error", err)
					continue
				}
				fn(decoded)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// decodeLog decodes a pool contract log into a ledger event.
func decodeLog(lg types.Log) (ledger.Event, error) {
	if len(lg.Topics) == 0 {
		return ledger.Event{}, errors.New("log has no topics")
	}
	ev, err := PoolABI.EventByID(lg.Topics[0])
	if err != nil {
		return ledger.Event{}, err
	}

	fields := make(map[string]any)
	if len(lg.Data) > 0 {
		if err := PoolABI.UnpackIntoMap(fields, ev.Name, lg.Data); err != nil {
			return ledger.Event{}, fmt.Errorf("unpack %s: %w", ev.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return ledger.Event{}, fmt.Errorf("parse %s topics: %w", ev.Name, err)
	}

	out := ledger.Event{Name: ev.Name, Block: lg.BlockNumber, TxRef: lg.TxHash}
	if r, ok := fields["roundId"].(*big.Int); ok {
		out.Round = r.Uint64()
	}
	switch ev.Name {
	case ledger.EventParticipantJoined:
		out.Account, _ = fields["participant"].(common.Address)
		out.Token, _ = fields["token"].(common.Address)
		out.Amount, _ = fields["amount"].(*big.Int)
	case ledger.EventRewardDistributed:
		out.Account, _ = fields["winner"].(common.Address)
		out.Amount, _ = fields["prizeAmount"].(*big.Int)
	}
	return out, nil
}
