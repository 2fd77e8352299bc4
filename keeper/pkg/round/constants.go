package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/sweepstake/keeper/pkg/ledger"
	"github.com/malbeclabs/sweepstake/keeper/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// BatchReader is the part of the ledger gateway the caches need.
type BatchReader interface {
	BatchRead(ctx context.Context, calls []ledger.Call) (ledger.Batch, error)
}

type ConstantCacheConfig struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Gateway      BatchReader
	FetchTimeout time.Duration
}

func (cfg *ConstantCacheConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Gateway == nil {
		return errors.New("gateway is required")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// ConstantCache reads the ledger's immutable parameters once per process.
// Failed reads are never cached.
type ConstantCache struct {
	log   *slog.Logger
	cfg   ConstantCacheConfig
	group singleflight.Group

	mu    sync.RWMutex
	entry *Entry[Constants]
}

func NewConstantCache(cfg ConstantCacheConfig) (*ConstantCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ConstantCache{log: cfg.Logger, cfg: cfg}, nil
}

var constantCalls = []ledger.Call{
	{Method: ledger.MethodRoundDuration},
	{Method: ledger.MethodMaxParticipants},
	{Method: ledger.MethodTicketPrices},
	{Method: ledger.MethodCUSDToken},
	{Method: ledger.MethodCZARToken},
}

// Constants returns the cached constants, reading them on first use.
func (c *ConstantCache) Constants(ctx context.Context) (Constants, error) {
	c.mu.RLock()
	entry := c.entry
	c.mu.RUnlock()
	if entry != nil {
		metrics.CacheLookupsTotal.WithLabelValues("constants", "hit").Inc()
		return entry.Value, nil
	}

	return shared(ctx, &c.group, "constants", c.cfg.FetchTimeout, func(ctx context.Context) (Constants, error) {
		c.mu.RLock()
		entry := c.entry
		c.mu.RUnlock()
		if entry != nil {
			return entry.Value, nil
		}

		metrics.CacheLookupsTotal.WithLabelValues("constants", "miss").Inc()
		batch, err := c.cfg.Gateway.BatchRead(ctx, constantCalls)
		if err != nil {
			metrics.CacheLookupsTotal.WithLabelValues("constants", "error").Inc()
			return Constants{}, asGatewayError("read constants", err)
		}
		consts, err := decodeConstants(batch)
		if err != nil {
			return Constants{}, err
		}

		c.mu.Lock()
		c.entry = &Entry[Constants]{Value: consts, FetchedAt: c.cfg.Clock.Now()}
		c.mu.Unlock()
		c.log.Info("round: constants loaded",
			"round_duration", consts.RoundDuration,
			"max_participants", consts.MaxParticipants,
			"block", batch.Block)
		return consts, nil
	})
}

func decodeConstants(batch ledger.Batch) (Constants, error) {
	if len(batch.Values) != len(constantCalls) {
		return Constants{}, &ledger.GatewayError{Op: "read constants", Err: fmt.Errorf("expected %d results, got %d", len(constantCalls), len(batch.Values))}
	}
	seconds, err := batch.Values[0].Uint64(0)
	if err != nil {
		return Constants{}, err
	}
	maxParticipants, err := batch.Values[1].Uint64(0)
	if err != nil {
		return Constants{}, err
	}
	prices := make(map[Token]*big.Int, len(Tokens))
	for i, t := range Tokens {
		p, err := batch.Values[2].BigInt(i)
		if err != nil {
			return Constants{}, err
		}
		prices[t] = p
	}
	cusd, err := batch.Values[3].Address(0)
	if err != nil {
		return Constants{}, err
	}
	czar, err := batch.Values[4].Address(0)
	if err != nil {
		return Constants{}, err
	}
	return Constants{
		RoundDuration:   time.Duration(seconds) * time.Second,
		MaxParticipants: maxParticipants,
		TicketPrices:    prices,
		TokenAddresses: map[Token]common.Address{
			TokenCUSD: cusd,
			TokenCZAR: czar,
		},
	}, nil
}

func asGatewayError(op string, err error) error {
	var gwErr *ledger.GatewayError
	if errors.As(err, &gwErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ledger.GatewayError{Op: op, Err: err}
}
