package round

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Token is a currency accepted for tickets.
type Token string

const (
	TokenCELO Token = "CELO"
	TokenCUSD Token = "CUSD"
	TokenCZAR Token = "CZAR"
)

// Tokens lists accepted tokens in the order the ledger reports balances and prices.
var Tokens = []Token{TokenCELO, TokenCUSD, TokenCZAR}

// Native reports whether the token is paid as transaction value rather than via allowance.
func (t Token) Native() bool { return t == TokenCELO }

// ParseToken accepts a token symbol in any case.
func ParseToken(s string) (Token, error) {
	t := Token(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Tokens {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown token %q", s)
}

// Snapshot is a point-in-time authoritative view of the current round. It is
// only ever produced from ledger reads.
type Snapshot struct {
	RoundID      uint64
	StartTime    time.Time
	Duration     time.Duration
	Participants []common.Address
	Balances     map[Token]*big.Int
	Paused       bool
	// Block is the ledger height the values were read at.
	Block uint64
}

func (s Snapshot) EndTime() time.Time {
	return s.StartTime.Add(s.Duration)
}

// olderThan reports whether s was read before other: an earlier round, or
// the same round at a lower block.
func (s Snapshot) olderThan(other Snapshot) bool {
	if s.RoundID != other.RoundID {
		return s.RoundID < other.RoundID
	}
	return s.Block < other.Block
}

// Remaining returns the time left in the round at now, never negative.
func (s Snapshot) Remaining(now time.Time) time.Duration {
	d := s.EndTime().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Clone returns a deep copy so callers cannot mutate cached state.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Participants != nil {
		out.Participants = make([]common.Address, len(s.Participants))
		copy(out.Participants, s.Participants)
	}
	if s.Balances != nil {
		out.Balances = make(map[Token]*big.Int, len(s.Balances))
		for k, v := range s.Balances {
			if v != nil {
				v = new(big.Int).Set(v)
			}
			out.Balances[k] = v
		}
	}
	return out
}

// Constants are ledger values that never change after deployment.
type Constants struct {
	RoundDuration   time.Duration
	MaxParticipants uint64
	TicketPrices    map[Token]*big.Int
	TokenAddresses  map[Token]common.Address
}

// TicketPrice returns the price for t, or nil when unknown.
func (c Constants) TicketPrice(t Token) *big.Int {
	p := c.TicketPrices[t]
	if p == nil {
		return nil
	}
	return new(big.Int).Set(p)
}

// WinnerRecord is an immutable record of one settled round.
type WinnerRecord struct {
	Address     common.Address
	Round       uint64
	PrizeAmount *big.Int
	SettledAt   time.Time
}
