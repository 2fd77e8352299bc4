package keeper

import (
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/sweepstake/keeper/pkg/ledger"
	"github.com/malbeclabs/sweepstake/keeper/pkg/syncer"
)

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Gateway ledger.Gateway
	Pool    common.Address

	// SubmitEnabled lets the keeper settle expired rounds. Without it the
	// keeper only observes.
	SubmitEnabled bool
	// LedgerPush subscribes to ledger events as an early-wake source.
	LedgerPush bool

	ActiveTTL        time.Duration
	PausedTTL        time.Duration
	MinRetryInterval time.Duration
	ConfirmTimeout   time.Duration
	TickInterval     time.Duration
	HistorySize      int
	BackfillRounds   int

	PushSources []syncer.PushSource
	Sinks       []syncer.Sink
	InstanceID  string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Gateway == nil {
		return errors.New("gateway is required")
	}
	if cfg.Pool == (common.Address{}) {
		return errors.New("pool address is required")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()[:8]
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}
