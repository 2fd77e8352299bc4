package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sweepstake/keeper/pkg/ledger"
	"github.com/malbeclabs/sweepstake/utils/pkg/retry"
	sweeptesting "github.com/malbeclabs/sweepstake/utils/pkg/testing"
)

var pool = common.HexToAddress("0x72814a29870607c6aB3284252e9C313D6147F19c")

// mockClient answers eth_call from outputs keyed by method name. Methods not
// overridden panic through the nil embedded backend.
type mockClient struct {
	bind.ContractBackend

	block   uint64
	outputs map[string][]any

	mu     sync.Mutex
	blocks []uint64

	BlockNumberFunc        func(ctx context.Context) (uint64, error)
	TransactionReceiptFunc func(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

func (m *mockClient) BlockNumber(ctx context.Context) (uint64, error) {
	if m.BlockNumberFunc != nil {
		return m.BlockNumberFunc(ctx)
	}
	return m.block, nil
}

func (m *mockClient) CallContract(ctx context.Context, msg ethereum.CallMsg, at *big.Int) ([]byte, error) {
	m.mu.Lock()
	m.blocks = append(m.blocks, at.Uint64())
	m.mu.Unlock()

	parsed := PoolABI
	if *msg.To != pool {
		parsed = ERC20ABI
	}
	method, err := parsed.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	out, ok := m.outputs[method.Name]
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}
	return method.Outputs.Pack(out...)
}

func (m *mockClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return m.TransactionReceiptFunc(ctx, hash)
}

func newGateway(t *testing.T, client *mockClient) *Gateway {
	t.Helper()
	g, err := New(Config{
		Logger: sweeptesting.NewLogger(),
		Clock:  sweeptesting.NewFakeClock(),
		Client: client,
		Pool:   pool,
		Retry:  retry.Config{MaxAttempts: 1},
	})
	require.NoError(t, err)
	return g
}

func TestSweepstake_EVM_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.Error(t, cfg.Validate())

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	cfg = Config{Logger: sweeptesting.NewLogger(), Client: &mockClient{}, Pool: pool, SignerKey: key}
	require.Error(t, cfg.Validate())

	cfg.ChainID = big.NewInt(11142220)
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultReceiptPollInterval, cfg.ReceiptPollInterval)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.NotNil(t, cfg.Retry.Clock)
}

func TestSweepstake_EVM_BatchReadPinsOneBlock(t *testing.T) {
	t.Parallel()

	alice := common.HexToAddress("0xa11ce")
	client := &mockClient{
		block: 1234,
		outputs: map[string][]any{
			"roundId":         {big.NewInt(7)},
			"roundStart":      {big.NewInt(1767268800)},
			"getPoolBalances": {big.NewInt(2e18), big.NewInt(0), big.NewInt(5e17)},
			"getParticipants": {[]common.Address{alice}},
			"paused":          {false},
		},
	}
	g := newGateway(t, client)

	batch, err := g.BatchRead(context.Background(), []ledger.Call{
		{Method: ledger.MethodRoundID},
		{Method: ledger.MethodRoundStart},
		{Method: ledger.MethodPoolBalances},
		{Method: ledger.MethodParticipants},
		{Method: ledger.MethodPaused},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1234), batch.Block)
	require.Len(t, batch.Values, 5)

	id, err := batch.Values[0].Uint64(0)
	require.NoError(t, err)
	require.Equal(t, uint64(7), id)
	czar, err := batch.Values[2].BigInt(2)
	require.NoError(t, err)
	require.Equal(t, 0, czar.Cmp(big.NewInt(5e17)))
	ps, err := batch.Values[3].Addresses(0)
	require.NoError(t, err)
	require.Equal(t, []common.Address{alice}, ps)
	paused, err := batch.Values[4].Bool(0)
	require.NoError(t, err)
	require.False(t, paused)

	require.Len(t, client.blocks, 5)
	for _, b := range client.blocks {
		require.Equal(t, uint64(1234), b)
	}
}

func TestSweepstake_EVM_ReadTokenAllowance(t *testing.T) {
	t.Parallel()

	cusd := common.HexToAddress("0x874069Fa1Eb16D44d622F2e0Ca25eeA172369bC1")
	client := &mockClient{block: 1, outputs: map[string][]any{"allowance": {big.NewInt(42)}}}
	g := newGateway(t, client)

	v, err := g.ReadField(context.Background(), ledger.Call{
		Target: cusd,
		Method: ledger.MethodAllowance,
		Args:   []any{common.HexToAddress("0xa11ce"), pool},
	})
	require.NoError(t, err)
	a, err := v.BigInt(0)
	require.NoError(t, err)
	require.Equal(t, int64(42), a.Int64())
}

func TestSweepstake_EVM_ReadFailuresAreGatewayErrors(t *testing.T) {
	t.Parallel()

	t.Run("block number", func(t *testing.T) {
		t.Parallel()
		client := &mockClient{BlockNumberFunc: func(context.Context) (uint64, error) {
			return 0, errors.New("connection refused")
		}}
		_, err := newGateway(t, client).BatchRead(context.Background(), []ledger.Call{{Method: ledger.MethodRoundID}})
		var gwErr *ledger.GatewayError
		require.ErrorAs(t, err, &gwErr)
	})

	t.Run("reverted call", func(t *testing.T) {
		t.Parallel()
		client := &mockClient{block: 1, outputs: map[string][]any{}}
		_, err := newGateway(t, client).ReadField(context.Background(), ledger.Call{Method: ledger.MethodRoundID})
		var gwErr *ledger.GatewayError
		require.ErrorAs(t, err, &gwErr)
		require.Contains(t, err.Error(), "roundId")
	})

	t.Run("unsupported method", func(t *testing.T) {
		t.Parallel()
		client := &mockClient{block: 1}
		_, err := newGateway(t, client).ReadField(context.Background(), ledger.Call{Target: common.HexToAddress("0x1"), Method: "roundId"})
		var gwErr *ledger.GatewayError
		require.ErrorAs(t, err, &gwErr)
	})
}

func TestSweepstake_EVM_SubmitWithoutSigner(t *testing.T) {
	t.Parallel()

	g := newGateway(t, &mockClient{})
	require.False(t, g.CanSubmit())
	_, err := g.Submit(context.Background(), ledger.Call{Method: ledger.MethodDistribute})
	var gwErr *ledger.GatewayError
	require.ErrorAs(t, err, &gwErr)
	_, rejected := ledger.AsRejected(err)
	require.False(t, rejected)
}

func TestSweepstake_EVM_AwaitConfirmation(t *testing.T) {
	t.Parallel()

	ref := common.HexToHash("0xfeed")
	winner := common.HexToAddress("0xa11ce")
	ev := PoolABI.Events[ledger.EventRewardDistributed]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(3e18), big.NewInt(7))
	require.NoError(t, err)

	var polls atomic.Int32
	client := &mockClient{TransactionReceiptFunc: func(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
		if polls.Add(1) < 3 {
			return nil, ethereum.NotFound
		}
		return &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(99),
			Logs: []*types.Log{{
				Address:     pool,
				Topics:      []common.Hash{ev.ID, common.BytesToHash(winner.Bytes())},
				Data:        data,
				BlockNumber: 99,
				TxHash:      hash,
			}},
		}, nil
	}}
	clock := sweeptesting.NewFakeClock()
	g, err := New(Config{Logger: sweeptesting.NewLogger(), Clock: clock, Client: client, Pool: pool})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	var receipt ledger.Receipt
	var awaitErr error
	go func() {
		defer close(done)
		receipt, awaitErr = g.AwaitConfirmation(ctx, ref)
	}()
	for i := 0; i < 2; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(DefaultReceiptPollInterval)
	}
	<-done

	require.NoError(t, awaitErr)
	require.Equal(t, ledger.ReceiptSuccess, receipt.Status)
	require.Equal(t, uint64(99), receipt.Block)
	require.Len(t, receipt.Events, 1)
	require.Equal(t, ledger.EventRewardDistributed, receipt.Events[0].Name)
	require.Equal(t, uint64(7), receipt.Events[0].Round)
	require.Equal(t, winner, receipt.Events[0].Account)
}

func TestSweepstake_EVM_AwaitConfirmationTimeout(t *testing.T) {
	t.Parallel()

	client := &mockClient{TransactionReceiptFunc: func(context.Context, common.Hash) (*types.Receipt, error) {
		return nil, ethereum.NotFound
	}}
	g := newGateway(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.AwaitConfirmation(ctx, common.HexToHash("0xfeed"))
	require.True(t, ledger.IsTimeout(err))
}

func TestSweepstake_EVM_DecodeLog(t *testing.T) {
	t.Parallel()

	alice := common.HexToAddress("0xa11ce")
	cusd := common.HexToAddress("0x874069Fa1Eb16D44d622F2e0Ca25eeA172369bC1")

	joined := PoolABI.Events[ledger.EventParticipantJoined]
	data, err := joined.Inputs.NonIndexed().Pack(big.NewInt(1e18), big.NewInt(4))
	require.NoError(t, err)
	ev, err := decodeLog(types.Log{
		Topics:      []common.Hash{joined.ID, common.BytesToHash(alice.Bytes()), common.BytesToHash(cusd.Bytes())},
		Data:        data,
		BlockNumber: 10,
	})
	require.NoError(t, err)
	require.Equal(t, ledger.EventParticipantJoined, ev.Name)
	require.Equal(t, alice, ev.Account)
	require.Equal(t, cusd, ev.Token)
	require.Equal(t, uint64(4), ev.Round)
	require.Equal(t, uint64(10), ev.Block)
	require.Equal(t, 0, ev.Amount.Cmp(big.NewInt(1e18)))

	started := PoolABI.Events[ledger.EventNewRoundStarted]
	data, err = started.Inputs.NonIndexed().Pack(big.NewInt(5))
	require.NoError(t, err)
	ev, err = decodeLog(types.Log{Topics: []common.Hash{started.ID}, Data: data})
	require.NoError(t, err)
	require.Equal(t, ledger.EventNewRoundStarted, ev.Name)
	require.Equal(t, uint64(5), ev.Round)

	_, err = decodeLog(types.Log{})
	require.Error(t, err)
	_, err = decodeLog(types.Log{Topics: []common.Hash{common.HexToHash("0x01")}})
	require.Error(t, err)
}

type dataError struct {
	msg  string
	data string
}

func (e *dataError) Error() string          { return e.msg }
func (e *dataError) ErrorData() interface{} { return e.data }

func revertData(t *testing.T, reason string) string {
	t.Helper()
	str, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: str}}.Pack(reason)
	require.NoError(t, err)
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return "0x" + common.Bytes2Hex(append(selector, packed...))
}

func TestSweepstake_EVM_Classify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		reason ledger.RejectReason
		gw     bool
	}{
		{name: "already distributed", err: errors.New("execution reverted: Reward already distributed"), reason: ledger.RejectAlreadySettled},
		{name: "round not ended", err: errors.New("execution reverted: Round not ended yet"), reason: ledger.RejectRoundNotOver},
		{name: "paused", err: errors.New("execution reverted: Pausable: paused"), reason: ledger.RejectPaused},
		{name: "already joined", err: errors.New("execution reverted: Already joined"), reason: ledger.RejectAlreadyJoined},
		{name: "capacity", err: errors.New("execution reverted: Max participants reached"), reason: ledger.RejectCapacityReached},
		{name: "allowance", err: errors.New("execution reverted: ERC20: insufficient allowance"), reason: ledger.RejectInsufficientAllowance},
		{name: "unknown revert", err: errors.New("execution reverted"), reason: ledger.RejectUnknown},
		{name: "revert data", err: &dataError{msg: "execution reverted", data: revertData(t, "Round not ended")}, reason: ledger.RejectRoundNotOver},
		{name: "transport", err: errors.New("dial tcp: connection refused"), gw: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classify(ledger.MethodDistribute, tt.err)
			if tt.gw {
				var gwErr *ledger.GatewayError
				require.ErrorAs(t, err, &gwErr)
				return
			}
			rej, ok := ledger.AsRejected(err)
			require.True(t, ok)
			require.Equal(t, tt.reason, rej.Reason)
			require.ErrorIs(t, err, tt.err)
		})
	}

	require.NoError(t, classify("x", nil))
}

func TestSweepstake_EVM_ParseSignerKey(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hex := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))
	parsed, err := ParseSignerKey(hex)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(parsed.PublicKey))

	_, err = ParseSignerKey("nope")
	require.Error(t, err)
}
