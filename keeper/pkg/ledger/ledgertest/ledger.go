// Package ledgertest provides an in-memory pool ledger that enforces the same
// acceptance rules as the deployed contract.
package ledgertest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/sweepstake/keeper/pkg/ledger"
)

var (
	DefaultCUSD = common.HexToAddress("0x874069Fa1Eb16D44d622F2e0Ca25eeA172369bC1")
	DefaultCZAR = common.HexToAddress("0x10CCfB235b0E1Ed394bACE4560C3ed016697687e")
	DefaultPool = common.HexToAddress("0x72814a29870607c6aB3284252e9C313D6147F19c")
)

// token symbols, in ledger order
var symbols = []string{"CELO", "CUSD", "CZAR"}

type Config struct {
	Clock           clockwork.Clock
	RoundDuration   time.Duration
	MaxParticipants uint64
	// TicketPrices in CELO, CUSD, CZAR order.
	TicketPrices [3]*big.Int
	FirstRound   uint64
}

type winnerInfo struct {
	winner    common.Address
	prize     *big.Int
	timestamp time.Time
}

type pendingTx struct {
	call    ledger.Call
	receipt *ledger.Receipt
}

// Ledger is a ledger.Gateway backed by memory.
type Ledger struct {
	cfg Config

	mu           sync.Mutex
	block        uint64
	nonce        uint64
	roundID      uint64
	roundStart   time.Time
	participants []common.Address
	joined       map[common.Address]bool
	balances     [3]*big.Int
	paused       bool
	winners      map[uint64]winnerInfo
	allowances   map[common.Address]map[common.Address]*big.Int
	pending      map[ledger.TxRef]*pendingTx
	subs         map[string]map[uint64]func(ledger.Event)
	nextSub      uint64

	reads       atomic.Int64
	submits     atomic.Int64
	settlements atomic.Int64

	// ReadHook, when set, is called before every read and can fail it.
	ReadHook func(calls []ledger.Call) error
	// SubmitHook, when set, is called before every submit and can fail it.
	SubmitHook func(call ledger.Call) error
	// HoldConfirmations makes AwaitConfirmation block until its context ends.
	HoldConfirmations atomic.Bool
}

func New(cfg Config) *Ledger {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RoundDuration == 0 {
		cfg.RoundDuration = 120 * time.Second
	}
	if cfg.MaxParticipants == 0 {
		cfg.MaxParticipants = 10
	}
	for i, p := range cfg.TicketPrices {
		if p == nil {
			cfg.TicketPrices[i] = big.NewInt(1e18)
		}
	}
	if cfg.FirstRound == 0 {
		cfg.FirstRound = 1
	}
	l := &Ledger{
		cfg:        cfg,
		block:      100,
		roundID:    cfg.FirstRound,
		roundStart: cfg.Clock.Now().Truncate(time.Second),
		joined:     make(map[common.Address]bool),
		winners:    make(map[uint64]winnerInfo),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		pending:    make(map[ledger.TxRef]*pendingTx),
		subs:       make(map[string]map[uint64]func(ledger.Event)),
	}
	l.resetBalances()
	return l
}

func (l *Ledger) resetBalances() {
	for i := range l.balances {
		l.balances[i] = new(big.Int)
	}
}

// Reads returns the number of read operations served (a batch counts once).
func (l *Ledger) Reads() int64 { return l.reads.Load() }

// Submits returns the number of accepted submissions.
func (l *Ledger) Submits() int64 { return l.submits.Load() }

// Settlements returns the number of rounds settled.
func (l *Ledger) Settlements() int64 { return l.settlements.Load() }

func (l *Ledger) RoundID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roundID
}

func (l *Ledger) RoundStart() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roundStart
}

func (l *Ledger) SetPaused(paused bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = paused
	l.block++
}

// SetRoundStart moves the start of the current round.
func (l *Ledger) SetRoundStart(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roundStart = t
	l.block++
}

// Approve sets the allowance of owner for token (by symbol) to amount.
func (l *Ledger) Approve(token string, owner common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	addr := l.tokenAddress(token)
	if l.allowances[addr] == nil {
		l.allowances[addr] = make(map[common.Address]*big.Int)
	}
	l.allowances[addr][owner] = new(big.Int).Set(amount)
}

// Join adds account to the current round paying in token.
func (l *Ledger) Join(account common.Address, token string) error {
	l.mu.Lock()
	idx := tokenIndex(token)
	if idx < 0 {
		l.mu.Unlock()
		return &ledger.GatewayError{Op: "join", Err: fmt.Errorf("unknown token %q", token)}
	}
	price := l.cfg.TicketPrices[idx]
	switch {
	case l.paused:
		l.mu.Unlock()
		return &ledger.RejectedError{Op: "join", Reason: ledger.RejectPaused}
	case !l.cfg.Clock.Now().Before(l.roundStart.Add(l.cfg.RoundDuration)):
		l.mu.Unlock()
		return &ledger.RejectedError{Op: "join", Reason: ledger.RejectRoundOver}
	case l.joined[account]:
		l.mu.Unlock()
		return &ledger.RejectedError{Op: "join", Reason: ledger.RejectAlreadyJoined}
	case uint64(len(l.participants)) >= l.cfg.MaxParticipants:
		l.mu.Unlock()
		return &ledger.RejectedError{Op: "join", Reason: ledger.RejectCapacityReached}
	}
	if idx > 0 {
		addr := l.tokenAddress(token)
		allowance := l.allowances[addr][account]
		if allowance == nil || allowance.Cmp(price) < 0 {
			l.mu.Unlock()
			return &ledger.RejectedError{Op: "join", Reason: ledger.RejectInsufficientAllowance}
		}
		allowance.Sub(allowance, price)
	}
	l.participants = append(l.participants, account)
	l.joined[account] = true
	l.balances[idx].Add(l.balances[idx], price)
	l.block++
	ev := ledger.Event{
		Name:    ledger.EventParticipantJoined,
		Round:   l.roundID,
		Account: account,
		Token:   l.tokenAddress(token),
		Amount:  new(big.Int).Set(price),
		Block:   l.block,
	}
	subs := l.subscribersLocked(ev.Name)
	l.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

func tokenIndex(token string) int {
	for i, s := range symbols {
		if strings.EqualFold(s, token) {
			return i
		}
	}
	return -1
}

func (l *Ledger) tokenAddress(token string) common.Address {
	switch tokenIndex(token) {
	case 1:
		return DefaultCUSD
	case 2:
		return DefaultCZAR
	}
	return common.Address{}
}

func (l *Ledger) ReadField(ctx context.Context, call ledger.Call) (ledger.Values, error) {
	batch, err := l.BatchRead(ctx, []ledger.Call{call})
	if err != nil {
		return nil, err
	}
	return batch.Values[0], nil
}

func (l *Ledger) BatchRead(ctx context.Context, calls []ledger.Call) (ledger.Batch, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Batch{}, err
	}
	if l.ReadHook != nil {
		if err := l.ReadHook(calls); err != nil {
			return ledger.Batch{}, err
		}
	}
	l.reads.Add(1)

	l.mu.Lock()
	defer l.mu.Unlock()
	out := ledger.Batch{Block: l.block, Values: make([]ledger.Values, len(calls))}
	for i, call := range calls {
		v, err := l.readLocked(call)
		if err != nil {
			return ledger.Batch{}, err
		}
		out.Values[i] = v
	}
	return out, nil
}

func u(n uint64) *big.Int { return new(big.Int).SetUint64(n) }

func (l *Ledger) readLocked(call ledger.Call) (ledger.Values, error) {
	if call.Target != (common.Address{}) && call.Target != DefaultPool {
		return l.readTokenLocked(call)
	}
	switch call.Method {
	case ledger.MethodRoundID:
		return ledger.Values{u(l.roundID)}, nil
	case ledger.MethodRoundStart:
		return ledger.Values{big.NewInt(l.roundStart.Unix())}, nil
	case ledger.MethodRoundDuration:
		return ledger.Values{u(uint64(l.cfg.RoundDuration / time.Second))}, nil
	case ledger.MethodMaxParticipants:
		return ledger.Values{u(l.cfg.MaxParticipants)}, nil
	case ledger.MethodTicketPrices:
		p := l.cfg.TicketPrices
		return ledger.Values{new(big.Int).Set(p[0]), new(big.Int).Set(p[1]), new(big.Int).Set(p[2])}, nil
	case ledger.MethodPoolBalances:
		b := l.balances
		return ledger.Values{new(big.Int).Set(b[0]), new(big.Int).Set(b[1]), new(big.Int).Set(b[2])}, nil
	case ledger.MethodParticipants:
		ps := make([]common.Address, len(l.participants))
		copy(ps, l.participants)
		return ledger.Values{ps}, nil
	case ledger.MethodPaused:
		return ledger.Values{l.paused}, nil
	case ledger.MethodCUSDToken:
		return ledger.Values{DefaultCUSD}, nil
	case ledger.MethodCZARToken:
		return ledger.Values{DefaultCZAR}, nil
	case ledger.MethodHasJoined:
		if len(call.Args) != 1 {
			return nil, &ledger.GatewayError{Op: call.Method, Err: errors.New("expected 1 argument")}
		}
		account, ok := call.Args[0].(common.Address)
		if !ok {
			return nil, &ledger.GatewayError{Op: call.Method, Err: fmt.Errorf("unexpected argument %T", call.Args[0])}
		}
		return ledger.Values{l.joined[account]}, nil
	case ledger.MethodWinnerInfo:
		if len(call.Args) != 1 {
			return nil, &ledger.GatewayError{Op: call.Method, Err: errors.New("expected 1 argument")}
		}
		r, ok := call.Args[0].(*big.Int)
		if !ok {
			return nil, &ledger.GatewayError{Op: call.Method, Err: fmt.Errorf("unexpected argument %T", call.Args[0])}
		}
		w, ok := l.winners[r.Uint64()]
		if !ok {
			return ledger.Values{common.Address{}, new(big.Int), new(big.Int)}, nil
		}
		return ledger.Values{w.winner, new(big.Int).Set(w.prize), big.NewInt(w.timestamp.Unix())}, nil
	}
	return nil, &ledger.GatewayError{Op: call.Method, Err: errors.New("unsupported method")}
}

func (l *Ledger) readTokenLocked(call ledger.Call) (ledger.Values, error) {
	switch call.Method {
	case ledger.MethodAllowance:
		if len(call.Args) != 2 {
			return nil, &ledger.GatewayError{Op: call.Method, Err: errors.New("expected 2 arguments")}
		}
		owner, ok := call.Args[0].(common.Address)
		if !ok {
			return nil, &ledger.GatewayError{Op: call.Method, Err: fmt.Errorf("unexpected argument %T", call.Args[0])}
		}
		a := l.allowances[call.Target][owner]
		if a == nil {
			a = new(big.Int)
		}
		return ledger.Values{new(big.Int).Set(a)}, nil
	case ledger.MethodBalanceOf:
		return ledger.Values{new(big.Int)}, nil
	}
	return nil, &ledger.GatewayError{Op: call.String(), Err: errors.New("unsupported method")}
}

// Submit validates the call the way gas estimation would and queues it.
// Settlement executes when the transaction is confirmed.
func (l *Ledger) Submit(ctx context.Context, call ledger.Call) (ledger.TxRef, error) {
	if err := ctx.Err(); err != nil {
		return ledger.TxRef{}, err
	}
	if l.SubmitHook != nil {
		if err := l.SubmitHook(call); err != nil {
			return ledger.TxRef{}, err
		}
	}
	if call.Method != ledger.MethodDistribute {
		return ledger.TxRef{}, &ledger.GatewayError{Op: call.Method, Err: errors.New("unsupported method")}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkDistributeLocked(); err != nil {
		return ledger.TxRef{}, err
	}
	l.nonce++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], l.nonce)
	ref := crypto.Keccak256Hash(buf[:])
	l.pending[ref] = &pendingTx{call: call}
	l.submits.Add(1)
	return ref, nil
}

func (l *Ledger) checkDistributeLocked() error {
	if l.paused {
		return &ledger.RejectedError{Op: ledger.MethodDistribute, Reason: ledger.RejectPaused}
	}
	if l.cfg.Clock.Now().Before(l.roundStart.Add(l.cfg.RoundDuration)) {
		return &ledger.RejectedError{Op: ledger.MethodDistribute, Reason: ledger.RejectRoundNotOver}
	}
	return nil
}

// AwaitConfirmation executes a queued transaction.
func (l *Ledger) AwaitConfirmation(ctx context.Context, ref ledger.TxRef) (ledger.Receipt, error) {
	if l.HoldConfirmations.Load() {
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ledger.Receipt{}, &ledger.TimeoutError{Ref: ref, Err: ctx.Err()}
		}
		return ledger.Receipt{}, ctx.Err()
	}

	l.mu.Lock()
	tx, ok := l.pending[ref]
	if !ok {
		l.mu.Unlock()
		return ledger.Receipt{}, &ledger.GatewayError{Op: "await confirmation", Err: fmt.Errorf("unknown transaction %s", ref.Hex())}
	}
	if tx.receipt != nil {
		r := *tx.receipt
		l.mu.Unlock()
		return r, nil
	}

	l.block++
	receipt := ledger.Receipt{Ref: ref, Status: ledger.ReceiptReverted, Block: l.block}
	var notify []func()
	if l.checkDistributeLocked() == nil {
		receipt.Status = ledger.ReceiptSuccess
		receipt.Events = l.settleLocked(ref)
		for _, ev := range receipt.Events {
			ev := ev
			for _, fn := range l.subscribersLocked(ev.Name) {
				fn := fn
				notify = append(notify, func() { fn(ev) })
			}
		}
	}
	tx.receipt = &receipt
	l.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return receipt, nil
}

func (l *Ledger) settleLocked(ref ledger.TxRef) []ledger.Event {
	now := l.cfg.Clock.Now()
	settled := l.roundID
	var winner common.Address
	if len(l.participants) > 0 {
		winner = l.participants[int(settled%uint64(len(l.participants)))]
	}
	prize := new(big.Int).Set(l.balances[0])
	l.winners[settled] = winnerInfo{winner: winner, prize: prize, timestamp: now}
	l.settlements.Add(1)

	l.roundID++
	l.roundStart = now.Truncate(time.Second)
	l.participants = nil
	l.joined = make(map[common.Address]bool)
	l.resetBalances()

	return []ledger.Event{
		{Name: ledger.EventRewardDistributed, Round: settled, Account: winner, Amount: new(big.Int).Set(prize), Block: l.block, TxRef: ref},
		{Name: ledger.EventNewRoundStarted, Round: l.roundID, Block: l.block, TxRef: ref},
	}
}

func (l *Ledger) subscribersLocked(event string) []func(ledger.Event) {
	var out []func(ledger.Event)
	for _, fn := range l.subs[event] {
		out = append(out, fn)
	}
	return out
}

func (l *Ledger) Subscribe(ctx context.Context, event string, fn func(ledger.Event)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs[event] == nil {
		l.subs[event] = make(map[uint64]func(ledger.Event))
	}
	l.nextSub++
	id := l.nextSub
	l.subs[event][id] = fn

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs[event], id)
			l.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return unsubscribe, nil
}

var _ ledger.Gateway = (*Ledger)(nil)
