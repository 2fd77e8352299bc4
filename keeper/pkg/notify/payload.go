package notify

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/malbeclabs/sweepstake/keeper/pkg/syncer"
)

type roundPayload struct {
	Round            uint64            `json:"round"`
	Phase            string            `json:"phase"`
	RemainingSeconds int64             `json:"remainingSeconds"`
	EndTime          time.Time         `json:"endTime"`
	Participants     int               `json:"participants"`
	Balances         map[string]string `json:"balances"`
	Paused           bool              `json:"paused"`
	Stale            bool              `json:"stale"`
}

type transitionPayload struct {
	Round uint64 `json:"round"`
	From  string `json:"from"`
	To    string `json:"to"`
}

type winnerPayload struct {
	Round     uint64    `json:"round"`
	Address   string    `json:"address"`
	Prize     string    `json:"prize"`
	SettledAt time.Time `json:"settledAt"`
}

type settlementPayload struct {
	Round  uint64 `json:"round"`
	Status string `json:"status"`
	Tx     string `json:"tx,omitempty"`
	Error  string `json:"error,omitempty"`
}

type payload struct {
	Round      *roundPayload      `json:"round,omitempty"`
	Transition *transitionPayload `json:"transition,omitempty"`
	Winner     *winnerPayload     `json:"winner,omitempty"`
	Settlement *settlementPayload `json:"settlement,omitempty"`
}

func newPayload(u syncer.Update) payload {
	var p payload
	if u.View.Loaded {
		snap := u.View.Snapshot
		balances := make(map[string]string, len(snap.Balances))
		for t, b := range snap.Balances {
			if b != nil {
				balances[string(t)] = b.String()
			}
		}
		p.Round = &roundPayload{
			Round:            snap.RoundID,
			Phase:            u.View.Phase.String(),
			RemainingSeconds: int64(u.View.Remaining / time.Second),
			EndTime:          snap.EndTime().UTC(),
			Participants:     len(snap.Participants),
			Balances:         balances,
			Paused:           snap.Paused,
			Stale:            u.View.Stale,
		}
	}
	if t := u.Transition; t != nil {
		p.Transition = &transitionPayload{Round: t.Round, From: t.From.String(), To: t.To.String()}
	}
	if w := u.Winner; w != nil {
		p.Winner = &winnerPayload{
			Round:     w.Round,
			Address:   w.Address.Hex(),
			Prize:     w.PrizeAmount.String(),
			SettledAt: w.SettledAt.UTC(),
		}
	}
	if s := u.Settlement; s != nil {
		sp := &settlementPayload{Round: s.Round, Status: s.Status.String()}
		if s.TxRef != (common.Hash{}) {
			sp.Tx = s.TxRef.Hex()
		}
		if s.Err != nil {
			sp.Error = s.Err.Error()
		}
		p.Settlement = sp
	}
	return p
}

var weiPerUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// formatUnits renders an 18-decimal amount with at most four decimals.
func formatUnits(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	s := new(big.Rat).SetFrac(wei, weiPerUnit).FloatString(4)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}
