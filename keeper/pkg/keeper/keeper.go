package keeper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/malbeclabs/sweepstake/keeper/pkg/distribute"
	"github.com/malbeclabs/sweepstake/keeper/pkg/join"
	"github.com/malbeclabs/sweepstake/keeper/pkg/round"
	"github.com/malbeclabs/sweepstake/keeper/pkg/syncer"
	"github.com/malbeclabs/sweepstake/keeper/pkg/winners"
)

// SkipReadOnly is reported by Distribute when the keeper has no signer.
const SkipReadOnly = "read_only"

type Keeper struct {
	log *slog.Logger
	cfg Config

	constants   *round.ConstantCache
	states      *round.StateCache
	machine     *round.Machine
	winners     *winners.Lookup
	join        *join.Checker
	coordinator *distribute.Coordinator
	sync        *syncer.Synchronizer
}

func New(cfg Config) (*Keeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger.With("instance", cfg.InstanceID)
	k := &Keeper{log: log, cfg: cfg, machine: round.NewMachine()}

	var err error
	k.constants, err = round.NewConstantCache(round.ConstantCacheConfig{
		Logger:  log,
		Clock:   cfg.Clock,
		Gateway: cfg.Gateway,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create constant cache: %w", err)
	}

	k.states, err = round.NewStateCache(round.StateCacheConfig{
		Logger:    log,
		Clock:     cfg.Clock,
		Gateway:   cfg.Gateway,
		Constants: k.constants,
		ActiveTTL: cfg.ActiveTTL,
		PausedTTL: cfg.PausedTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create round state cache: %w", err)
	}

	k.winners, err = winners.New(winners.Config{Logger: log, Gateway: cfg.Gateway})
	if err != nil {
		return nil, fmt.Errorf("failed to create winner lookup: %w", err)
	}

	k.join, err = join.New(join.Config{
		Logger:    log,
		Clock:     cfg.Clock,
		Gateway:   cfg.Gateway,
		Constants: k.constants,
		States:    k.states,
		Pool:      cfg.Pool,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create join checker: %w", err)
	}

	pushSources := cfg.PushSources
	if cfg.LedgerPush {
		pushSources = append([]syncer.PushSource{syncer.NewLedgerEvents(cfg.Gateway)}, pushSources...)
	}
	syncCfg := syncer.Config{
		Logger:         log,
		Clock:          cfg.Clock,
		States:         k.states,
		Machine:        k.machine,
		Winners:        k.winners,
		PushSources:    pushSources,
		Sinks:          cfg.Sinks,
		TickInterval:   cfg.TickInterval,
		HistorySize:    cfg.HistorySize,
		BackfillRounds: cfg.BackfillRounds,
	}

	if cfg.SubmitEnabled {
		k.coordinator, err = distribute.New(distribute.Config{
			Logger:           log,
			Clock:            cfg.Clock,
			Gateway:          cfg.Gateway,
			Lifecycle:        k.machine,
			State:            k,
			Attempt:          distribute.NewTriggerAttempt(),
			MinRetryInterval: cfg.MinRetryInterval,
			ConfirmTimeout:   cfg.ConfirmTimeout,
			InstanceID:       cfg.InstanceID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create distribution coordinator: %w", err)
		}
		syncCfg.Trigger = k.coordinator
	}

	k.sync, err = syncer.New(syncCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create synchronizer: %w", err)
	}
	return k, nil
}

// Refresh and Stale let the coordinator re-read state through the synchronizer.
func (k *Keeper) Refresh(ctx context.Context) error { return k.sync.Refresh(ctx) }
func (k *Keeper) Stale() bool                       { return k.sync.Stale() }

func (k *Keeper) Ready() bool {
	return k.sync.Ready()
}

func (k *Keeper) WaitReady(ctx context.Context) error {
	return k.sync.WaitReady(ctx)
}

func (k *Keeper) Start(ctx context.Context) {
	k.log.Info("keeper: starting", "pool", k.cfg.Pool.Hex(), "submit", k.cfg.SubmitEnabled)
	k.sync.Start(ctx)
}

// Wait blocks until background work has stopped after ctx cancellation.
func (k *Keeper) Wait() {
	k.sync.Wait()
}

// Snapshot returns the current synchronized view.
func (k *Keeper) Snapshot() syncer.View {
	return k.sync.Snapshot()
}

// WinnerHistory returns up to limit recent winners, newest first.
func (k *Keeper) WinnerHistory(limit int) []round.WinnerRecord {
	return k.sync.WinnerHistory(limit)
}

// Distribute runs the distribution trigger now. Concurrent and repeated calls
// are deduplicated by the coordinator.
func (k *Keeper) Distribute(ctx context.Context) distribute.Outcome {
	if k.coordinator == nil {
		return distribute.Outcome{Skipped: SkipReadOnly}
	}
	return k.sync.TriggerDistribution(ctx)
}

// Attempt returns the coordinator's attempt record, if settlement is enabled.
func (k *Keeper) Attempt() (distribute.AttemptState, bool) {
	if k.coordinator == nil {
		return distribute.AttemptState{}, false
	}
	return k.coordinator.Attempt(), true
}

// CheckJoin reports what participant must do to join with token.
func (k *Keeper) CheckJoin(ctx context.Context, participant common.Address, token round.Token) (join.Decision, error) {
	return k.join.Check(ctx, participant, token)
}

func (k *Keeper) Constants(ctx context.Context) (round.Constants, error) {
	return k.constants.Constants(ctx)
}
