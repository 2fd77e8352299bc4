package keeper

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sweepstake/keeper/pkg/ledger"
	"github.com/malbeclabs/sweepstake/keeper/pkg/ledger/ledgertest"
	"github.com/malbeclabs/sweepstake/keeper/pkg/round"
	sweeptesting "github.com/malbeclabs/sweepstake/utils/pkg/testing"
)

const roundDuration = 120 * time.Second

func newKeeper(t *testing.T, submit bool) (*Keeper, *ledgertest.Ledger, *clockwork.FakeClock) {
	t.Helper()
	clock := sweeptesting.NewFakeClock()
	l := ledgertest.New(ledgertest.Config{Clock: clock, RoundDuration: roundDuration})
	k, err := New(Config{
		Logger:        sweeptesting.NewLogger(),
		Clock:         clock,
		Gateway:       l,
		Pool:          ledgertest.DefaultPool,
		SubmitEnabled: submit,
		LedgerPush:    true,
	})
	require.NoError(t, err)
	return k, l, clock
}

func start(t *testing.T, k *Keeper) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		k.Wait()
	})
	k.Start(ctx)
	require.NoError(t, k.WaitReady(ctx))
}

func TestSweepstake_Keeper_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.Error(t, cfg.Validate())

	cfg = Config{Logger: sweeptesting.NewLogger(), Gateway: ledgertest.New(ledgertest.Config{}), Pool: ledgertest.DefaultPool}
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.InstanceID, 8)
	require.NotNil(t, cfg.Clock)
}

func TestSweepstake_Keeper_SettlesExpiredRound(t *testing.T) {
	t.Parallel()

	k, l, clock := newKeeper(t, true)
	alice := common.HexToAddress("0xa11ce")
	require.NoError(t, l.Join(alice, "CELO"))
	start(t, k)

	clock.Advance(roundDuration + time.Second)
	require.NoError(t, k.Refresh(context.Background()))

	require.Eventually(t, func() bool {
		return len(k.WinnerHistory(5)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), l.Settlements())

	view := k.Snapshot()
	require.Equal(t, uint64(2), view.Snapshot.RoundID)
	require.Equal(t, round.PhaseActive, view.Phase)
	winner := k.WinnerHistory(5)[0]
	require.Equal(t, alice, winner.Address)
	require.Equal(t, uint64(1), winner.Round)

	// A manual trigger after settlement does nothing.
	out := k.Distribute(context.Background())
	require.False(t, out.Attempted)
	require.Equal(t, int64(1), l.Settlements())
}

func TestSweepstake_Keeper_ReadOnlyNeverSubmits(t *testing.T) {
	t.Parallel()

	k, l, clock := newKeeper(t, false)
	start(t, k)

	clock.Advance(roundDuration + time.Second)
	require.NoError(t, k.Refresh(context.Background()))
	require.Equal(t, round.PhaseEnding, k.Snapshot().Phase)

	out := k.Distribute(context.Background())
	require.False(t, out.Attempted)
	require.Equal(t, SkipReadOnly, out.Skipped)
	require.Equal(t, int64(0), l.Submits())
	_, ok := k.Attempt()
	require.False(t, ok)
}

func TestSweepstake_Keeper_ObservesSettlementByAnotherCaller(t *testing.T) {
	t.Parallel()

	k, l, clock := newKeeper(t, false)
	require.NoError(t, l.Join(common.HexToAddress("0xb0b"), "CELO"))
	start(t, k)

	clock.Advance(roundDuration + time.Second)
	ref, err := l.Submit(context.Background(), ledger.Call{Method: ledger.MethodDistribute})
	require.NoError(t, err)
	_, err = l.AwaitConfirmation(context.Background(), ref)
	require.NoError(t, err)

	// The ledger push wakes the synchronizer.
	require.Eventually(t, func() bool {
		return k.Snapshot().Snapshot.RoundID == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(k.WinnerHistory(5)) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSweepstake_Keeper_CheckJoinAndConstants(t *testing.T) {
	t.Parallel()

	k, l, _ := newKeeper(t, false)
	start(t, k)

	consts, err := k.Constants(context.Background())
	require.NoError(t, err)
	require.Equal(t, roundDuration, consts.RoundDuration)
	require.Equal(t, uint64(10), consts.MaxParticipants)

	alice := common.HexToAddress("0xa11ce")
	l.Approve("CZAR", alice, big.NewInt(1))
	d, err := k.CheckJoin(context.Background(), alice, round.TokenCZAR)
	require.NoError(t, err)
	require.Equal(t, "approve", string(d.Action))
}
