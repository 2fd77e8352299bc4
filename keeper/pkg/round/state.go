package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/sweepstake/keeper/pkg/ledger"
	"github.com/malbeclabs/sweepstake/keeper/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultActiveTTL = 5 * time.Second
	DefaultPausedTTL = 60 * time.Second
)

// ConstantSource supplies the round duration.
type ConstantSource interface {
	Constants(ctx context.Context) (Constants, error)
}

type StateCacheConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Gateway   BatchReader
	Constants ConstantSource
	ActiveTTL time.Duration
	PausedTTL time.Duration
	// FetchTimeout bounds a ledger read shared by concurrent callers.
	FetchTimeout time.Duration
}

func (cfg *StateCacheConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Gateway == nil {
		return errors.New("gateway is required")
	}
	if cfg.Constants == nil {
		return errors.New("constant source is required")
	}
	if cfg.ActiveTTL == 0 {
		cfg.ActiveTTL = DefaultActiveTTL
	}
	if cfg.PausedTTL == 0 {
		cfg.PausedTTL = DefaultPausedTTL
	}
	if cfg.ActiveTTL < 0 {
		return errors.New("active ttl must be greater than 0")
	}
	if cfg.PausedTTL <= cfg.ActiveTTL {
		return fmt.Errorf("paused ttl (%s) must be greater than active ttl (%s)", cfg.PausedTTL, cfg.ActiveTTL)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// StateCache is a read-through cache of the current round. Entries expire
// after ActiveTTL, or PausedTTL while the last snapshot was paused.
type StateCache struct {
	log   *slog.Logger
	cfg   StateCacheConfig
	group singleflight.Group

	mu    sync.RWMutex
	entry *Entry[Snapshot]
}

func NewStateCache(cfg StateCacheConfig) (*StateCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &StateCache{log: cfg.Logger, cfg: cfg}, nil
}

var stateCalls = []ledger.Call{
	{Method: ledger.MethodRoundID},
	{Method: ledger.MethodRoundStart},
	{Method: ledger.MethodPoolBalances},
	{Method: ledger.MethodParticipants},
	{Method: ledger.MethodPaused},
}

// TTL returns the freshness window that applies to the current entry.
func (c *StateCache) TTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ttlLocked()
}

func (c *StateCache) ttlLocked() time.Duration {
	if c.entry != nil && c.entry.Value.Paused {
		return c.cfg.PausedTTL
	}
	return c.cfg.ActiveTTL
}

// Entry returns the current cache entry, if any.
func (c *StateCache) Entry() (Entry[Snapshot], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry == nil {
		return Entry[Snapshot]{}, false
	}
	return Entry[Snapshot]{Value: c.entry.Value.Clone(), FetchedAt: c.entry.FetchedAt}, true
}

// RoundState returns the current round snapshot. A fresh entry is served
// without a ledger read unless forceRefresh is set. When a refresh fails and
// an older entry exists, that entry is returned together with a
// *StaleDataError; without one the gateway error is returned.
func (c *StateCache) RoundState(ctx context.Context, forceRefresh bool) (Snapshot, error) {
	if !forceRefresh {
		c.mu.RLock()
		entry := c.entry
		ttl := c.ttlLocked()
		c.mu.RUnlock()
		if entry != nil && entry.Valid(c.cfg.Clock.Now(), ttl) {
			metrics.CacheLookupsTotal.WithLabelValues("round_state", "hit").Inc()
			return entry.Value.Clone(), nil
		}
	}

	metrics.CacheLookupsTotal.WithLabelValues("round_state", "miss").Inc()
	snap, err := shared(ctx, &c.group, "round_state", c.cfg.FetchTimeout, c.fetch)
	if err == nil {
		return snap.Clone(), nil
	}
	if ctx.Err() != nil {
		return Snapshot{}, err
	}

	c.mu.RLock()
	entry := c.entry
	c.mu.RUnlock()
	if entry == nil {
		metrics.CacheLookupsTotal.WithLabelValues("round_state", "error").Inc()
		return Snapshot{}, err
	}
	metrics.CacheLookupsTotal.WithLabelValues("round_state", "stale").Inc()
	now := c.cfg.Clock.Now()
	c.log.Warn("round: serving stale round state", "round", entry.Value.RoundID, "age", entry.Age(now), "error", err)
	return entry.Value.Clone(), &StaleDataError{FetchedAt: entry.FetchedAt, Age: entry.Age(now), Err: err}
}

func (c *StateCache) fetch(ctx context.Context) (Snapshot, error) {
	consts, err := c.cfg.Constants.Constants(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load constants: %w", err)
	}
	batch, err := c.cfg.Gateway.BatchRead(ctx, stateCalls)
	if err != nil {
		return Snapshot{}, asGatewayError("read round state", err)
	}
	snap, err := decodeSnapshot(batch, consts.RoundDuration)
	if err != nil {
		return Snapshot{}, err
	}

	c.mu.Lock()
	prev := c.entry
	if prev != nil && snap.olderThan(prev.Value) {
		c.mu.Unlock()
		metrics.CacheLookupsTotal.WithLabelValues("round_state", "lagging").Inc()
		c.log.Warn("round: ignoring lagging round state",
			"round", snap.RoundID, "block", snap.Block,
			"cached_round", prev.Value.RoundID, "cached_block", prev.Value.Block)
		return prev.Value, nil
	}
	c.entry = &Entry[Snapshot]{Value: snap, FetchedAt: c.cfg.Clock.Now()}
	c.mu.Unlock()

	if prev != nil && prev.Value.Paused != snap.Paused {
		c.log.Info("round: pause state changed", "round", snap.RoundID, "paused", snap.Paused)
	}
	c.log.Debug("round: state refreshed", "round", snap.RoundID, "block", snap.Block, "participants", len(snap.Participants))
	return snap, nil
}

func decodeSnapshot(batch ledger.Batch, duration time.Duration) (Snapshot, error) {
	if len(batch.Values) != len(stateCalls) {
		return Snapshot{}, &ledger.GatewayError{Op: "read round state", Err: fmt.Errorf("expected %d results, got %d", len(stateCalls), len(batch.Values))}
	}
	roundID, err := batch.Values[0].Uint64(0)
	if err != nil {
		return Snapshot{}, err
	}
	start, err := batch.Values[1].Uint64(0)
	if err != nil {
		return Snapshot{}, err
	}
	balances := make(map[Token]*big.Int, len(Tokens))
	for i, t := range Tokens {
		b, err := batch.Values[2].BigInt(i)
		if err != nil {
			return Snapshot{}, err
		}
		balances[t] = b
	}
	participants, err := batch.Values[3].Addresses(0)
	if err != nil {
		return Snapshot{}, err
	}
	paused, err := batch.Values[4].Bool(0)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		RoundID:      roundID,
		StartTime:    time.Unix(int64(start), 0).UTC(),
		Duration:     duration,
		Participants: participants,
		Balances:     balances,
		Paused:       paused,
		Block:        batch.Block,
	}, nil
}
