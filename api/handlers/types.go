package handlers

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/malbeclabs/sweepstake/keeper/pkg/distribute"
	"github.com/malbeclabs/sweepstake/keeper/pkg/round"
	"github.com/malbeclabs/sweepstake/keeper/pkg/syncer"
)

type PoolResponse struct {
	Round            uint64            `json:"round"`
	Phase            string            `json:"phase"`
	StartTime        time.Time         `json:"startTime"`
	EndTime          time.Time         `json:"endTime"`
	RemainingSeconds int64             `json:"remainingSeconds"`
	Participants     []string          `json:"participants"`
	ParticipantCount int               `json:"participantCount"`
	Balances         map[string]string `json:"balances"`
	Paused           bool              `json:"paused"`
	Block            uint64            `json:"block"`
	FetchedAt        time.Time         `json:"fetchedAt"`
	Stale            bool              `json:"stale"`
	LastError        string            `json:"lastError,omitempty"`
}

func newPoolResponse(v syncer.View) PoolResponse {
	snap := v.Snapshot
	participants := make([]string, len(snap.Participants))
	for i, p := range snap.Participants {
		participants[i] = p.Hex()
	}
	return PoolResponse{
		Round:            snap.RoundID,
		Phase:            v.Phase.String(),
		StartTime:        snap.StartTime.UTC(),
		EndTime:          snap.EndTime().UTC(),
		RemainingSeconds: int64(v.Remaining / time.Second),
		Participants:     participants,
		ParticipantCount: len(participants),
		Balances:         amounts(snap.Balances),
		Paused:           snap.Paused,
		Block:            snap.Block,
		FetchedAt:        v.FetchedAt.UTC(),
		Stale:            v.Stale,
		LastError:        v.LastError,
	}
}

type WinnerResponse struct {
	Round     uint64    `json:"round"`
	Address   string    `json:"address"`
	Prize     string    `json:"prize"`
	SettledAt time.Time `json:"settledAt"`
}

func newWinnerResponse(w round.WinnerRecord) WinnerResponse {
	return WinnerResponse{
		Round:     w.Round,
		Address:   w.Address.Hex(),
		Prize:     amount(w.PrizeAmount),
		SettledAt: w.SettledAt.UTC(),
	}
}

type DistributeResponse struct {
	Attempted  bool   `json:"attempted"`
	Skipped    string `json:"skipped,omitempty"`
	Status     string `json:"status,omitempty"`
	Round      uint64 `json:"round,omitempty"`
	Tx         string `json:"tx,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

func newDistributeResponse(out distribute.Outcome) DistributeResponse {
	resp := DistributeResponse{Attempted: out.Attempted, Skipped: out.Skipped}
	if res := out.Result; res != nil {
		resp.Status = res.Status.String()
		resp.Round = res.Round
		resp.DurationMs = res.Duration.Milliseconds()
		if res.TxRef != (common.Hash{}) {
			resp.Tx = res.TxRef.Hex()
		}
		if res.Err != nil {
			resp.Error = res.Err.Error()
		}
	}
	return resp
}

type JoinCheckResponse struct {
	Round       uint64 `json:"round"`
	Token       string `json:"token"`
	Action      string `json:"action"`
	TicketPrice string `json:"ticketPrice"`
	Allowance   string `json:"allowance,omitempty"`
	Missing     string `json:"missing,omitempty"`
}

type ConstantsResponse struct {
	RoundDurationSeconds int64             `json:"roundDurationSeconds"`
	MaxParticipants      uint64            `json:"maxParticipants"`
	TicketPrices         map[string]string `json:"ticketPrices"`
	TokenAddresses       map[string]string `json:"tokenAddresses"`
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func amounts(m map[round.Token]*big.Int) map[string]string {
	out := make(map[string]string, len(m))
	for t, v := range m {
		out[string(t)] = amount(v)
	}
	return out
}
