package syncer

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/sweepstake/keeper/pkg/round"
	"github.com/stretchr/testify/require"
)

func rec(r uint64) round.WinnerRecord {
	return round.WinnerRecord{
		Address:     common.BigToAddress(new(big.Int).SetUint64(r)),
		Round:       r,
		PrizeAmount: big.NewInt(int64(r) * 1e9),
	}
}

func TestSweepstake_Syncer_History(t *testing.T) {
	t.Parallel()

	t.Run("newest first and capped", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(3)
		for _, r := range []uint64{4, 1, 6, 2, 5} {
			h.Add(rec(r))
		}
		require.Equal(t, 3, h.Len())
		got := h.List(0)
		require.Equal(t, []uint64{6, 5, 4}, []uint64{got[0].Round, got[1].Round, got[2].Round})
	})

	t.Run("duplicates ignored", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(5)
		require.True(t, h.Add(rec(1)))
		require.False(t, h.Add(rec(1)))
		require.Equal(t, 1, h.Len())
	})

	t.Run("limit", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(5)
		for r := uint64(1); r <= 5; r++ {
			h.Add(rec(r))
		}
		require.Len(t, h.List(2), 2)
		require.Len(t, h.List(10), 5)
		require.Equal(t, uint64(5), h.List(1)[0].Round)
	})

	t.Run("list is a copy", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(5)
		h.Add(rec(1))
		got := h.List(0)
		got[0].Round = 99
		require.Equal(t, uint64(1), h.List(0)[0].Round)
	})
}

func TestSweepstake_Syncer_Countdown(t *testing.T) {
	t.Parallel()

	var c Countdown
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, time.Duration(0), c.Remaining(now))

	c.Reset(now.Add(10 * time.Second))
	require.Equal(t, 10*time.Second, c.Remaining(now))
	require.Equal(t, 8*time.Second, c.Remaining(now.Add(1500*time.Millisecond)))
	require.Equal(t, time.Duration(0), c.Remaining(now.Add(11*time.Second)))
}
