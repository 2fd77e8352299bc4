package round

import (
	"sync"
	"time"
)

// Transition records a phase change of a round.
type Transition struct {
	Round uint64
	From  Phase
	To    Phase
	At    time.Time
}

// Observation is the result of feeding an authoritative snapshot to the Machine.
type Observation struct {
	Transitions []Transition
	// Settled is set when the snapshot proved the previously tracked round settled.
	Settled      bool
	SettledRound uint64
}

// PhaseView is the machine's current state.
type PhaseView struct {
	Snapshot Snapshot
	Phase    Phase
	Observed bool
}

// Machine tracks the lifecycle of the current round. Time-driven transitions
// come from Tick, authoritative ones from Observe, and settlement ones from the
// distribution coordinator.
type Machine struct {
	mu sync.Mutex

	observed     bool
	snap         Snapshot
	phase        Phase
	settledRound uint64
	settledKnown bool
	settling     bool
}

func NewMachine() *Machine {
	return &Machine{}
}

func (m *Machine) input(now time.Time) PhaseInput {
	return PhaseInput{
		Now:          now,
		RoundID:      m.snap.RoundID,
		StartTime:    m.snap.StartTime,
		Duration:     m.snap.Duration,
		Paused:       m.snap.Paused,
		Previous:     m.phase,
		SettledRound: m.settledRound,
		SettledKnown: m.settledKnown,
		InFlight:     m.settling,
	}
}

// reevaluate must be called with mu held.
func (m *Machine) reevaluate(now time.Time) []Transition {
	next := DerivePhase(m.input(now))
	if next == m.phase {
		return nil
	}
	t := Transition{Round: m.snap.RoundID, From: m.phase, To: next, At: now}
	m.phase = next
	return []Transition{t}
}

// Observe applies a freshly fetched snapshot. Snapshots for older rounds, or
// for the tracked round at a lower block, are ignored.
func (m *Machine) Observe(snap Snapshot, now time.Time) Observation {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.observed {
		m.observed = true
		m.snap = snap.Clone()
		in := m.input(now)
		in.Paused = false
		m.phase = DerivePhase(in)
		return Observation{}
	}

	switch {
	case snap.olderThan(m.snap):
		return Observation{}
	case snap.RoundID == m.snap.RoundID:
		m.snap = snap.Clone()
		return Observation{Transitions: m.reevaluate(now)}
	}

	// A strictly greater round id is proof the tracked round settled.
	prev := m.snap.RoundID
	obs := Observation{Settled: true, SettledRound: prev}
	if m.phase != PhaseSettled {
		obs.Transitions = append(obs.Transitions, Transition{Round: prev, From: m.phase, To: PhaseSettled, At: now})
	}
	if !m.settledKnown || m.settledRound < prev {
		m.settledRound = prev
		m.settledKnown = true
	}
	m.settling = false
	m.snap = snap.Clone()
	in := m.input(now)
	in.Paused = false
	in.Previous = PhaseActive
	m.phase = PhaseSettled
	next := DerivePhase(in)
	obs.Transitions = append(obs.Transitions, Transition{Round: snap.RoundID, From: PhaseSettled, To: next, At: now})
	m.phase = next
	return obs
}

// Tick re-derives the phase from the local clock and the last fetched values.
// It never reads the ledger.
func (m *Machine) Tick(now time.Time) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.observed {
		return nil
	}
	return m.reevaluate(now)
}

// BeginSettling moves round from Ending to Settling. It reports false when the
// machine is not in Ending for that round or the round is paused.
func (m *Machine) BeginSettling(round uint64, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.observed || m.snap.Paused || m.snap.RoundID != round || m.phase != PhaseEnding {
		return false
	}
	m.settling = true
	m.reevaluate(now)
	return true
}

// SettlementFailed returns round from Settling to Ending.
func (m *Machine) SettlementFailed(round uint64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap.RoundID != round || !m.settling {
		return
	}
	m.settling = false
	if m.snap.Paused {
		m.phase = PhaseEnding
		return
	}
	m.reevaluate(now)
}

// SettlementConfirmed marks round settled after a successful confirmation.
func (m *Machine) SettlementConfirmed(round uint64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.settledKnown || m.settledRound < round {
		m.settledRound = round
		m.settledKnown = true
	}
	if m.snap.RoundID == round {
		m.settling = false
		m.phase = PhaseSettled
	}
}

// View returns the current state without re-deriving it.
func (m *Machine) View() PhaseView {
	m.mu.Lock()
	defer m.mu.Unlock()

	return PhaseView{Snapshot: m.snap.Clone(), Phase: m.phase, Observed: m.observed}
}
