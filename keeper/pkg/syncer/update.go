package syncer

import (
	"context"
	"time"

	"github.com/malbeclabs/sweepstake/keeper/pkg/distribute"
	"github.com/malbeclabs/sweepstake/keeper/pkg/round"
)

type UpdateKind string

const (
	UpdateSnapshot   UpdateKind = "snapshot"
	UpdatePhase      UpdateKind = "phase"
	UpdateWinner     UpdateKind = "winner"
	UpdateSettlement UpdateKind = "settlement"
)

// Update is published to sinks whenever the synchronized view changes.
type Update struct {
	Kind       UpdateKind
	At         time.Time
	View       View
	Transition *round.Transition
	Winner     *round.WinnerRecord
	Settlement *distribute.SettlementResult
}

// Sink receives updates. Publish should not block for long.
type Sink interface {
	Name() string
	Publish(ctx context.Context, u Update) error
}
