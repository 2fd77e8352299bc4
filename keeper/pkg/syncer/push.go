package syncer

import (
	"context"
	"fmt"

	"github.com/malbeclabs/sweepstake/keeper/pkg/ledger"
)

// PushSource delivers hints that ledger state changed. A hint only wakes the
// synchronizer; state is always re-read from the ledger.
type PushSource interface {
	Name() string
	Subscribe(ctx context.Context, wake func()) (func(), error)
}

// EventSubscriber is the push side of the ledger gateway.
type EventSubscriber interface {
	Subscribe(ctx context.Context, event string, fn func(ledger.Event)) (func(), error)
}

// LedgerEvents wakes on pool contract events.
type LedgerEvents struct {
	Gateway EventSubscriber
	Events  []string
}

// NewLedgerEvents subscribes to every pool event.
func NewLedgerEvents(gw EventSubscriber) *LedgerEvents {
	return &LedgerEvents{
		Gateway: gw,
		Events: []string{
			ledger.EventParticipantJoined,
			ledger.EventRewardDistributed,
			ledger.EventNewRoundStarted,
		},
	}
}

func (l *LedgerEvents) Name() string { return "ledger" }

func (l *LedgerEvents) Subscribe(ctx context.Context, wake func()) (func(), error) {
	var unsubs []func()
	unsubscribe := func() {
		for _, u := range unsubs {
			u()
		}
	}
	for _, event := range l.Events {
		u, err := l.Gateway.Subscribe(ctx, event, func(ledger.Event) { wake() })
		if err != nil {
			unsubscribe()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", event, err)
		}
		unsubs = append(unsubs, u)
	}
	return unsubscribe, nil
}
