package round

import "time"

// Phase is the lifecycle phase of the tracked round.
type Phase int

const (
	PhaseActive Phase = iota
	PhaseEnding
	PhaseSettling
	PhaseSettled
)

// PhaseNames lists every phase label, in order.
var PhaseNames = []string{"active", "ending", "settling", "settled"}

func (p Phase) String() string {
	if int(p) >= 0 && int(p) < len(PhaseNames) {
		return PhaseNames[p]
	}
	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// PhaseInput is everything a phase depends on.
type PhaseInput struct {
	Now       time.Time
	RoundID   uint64
	StartTime time.Time
	Duration  time.Duration
	Paused    bool
	// Previous is the phase held before this evaluation; paused rounds keep it.
	Previous Phase
	// SettledRound is the highest round known to be settled when SettledKnown is set.
	SettledRound uint64
	SettledKnown bool
	// InFlight is set while a settlement for RoundID is awaiting confirmation.
	InFlight bool
}

// DerivePhase computes the phase from its inputs alone. Two processes with the
// same inputs always derive the same phase.
func DerivePhase(in PhaseInput) Phase {
	if in.Paused {
		return in.Previous
	}
	if in.SettledKnown && in.SettledRound >= in.RoundID {
		return PhaseSettled
	}
	if in.InFlight {
		return PhaseSettling
	}
	if !in.Now.Before(in.StartTime.Add(in.Duration)) {
		return PhaseEnding
	}
	return PhaseActive
}
