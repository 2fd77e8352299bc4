package winners

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/malbeclabs/sweepstake/keeper/pkg/ledger"
	"github.com/malbeclabs/sweepstake/keeper/pkg/metrics"
	"github.com/malbeclabs/sweepstake/keeper/pkg/round"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCacheSize   = 256
	DefaultConcurrency = 4
)

// Reader is the part of the ledger gateway used for winner lookups.
type Reader interface {
	ReadField(ctx context.Context, call ledger.Call) (ledger.Values, error)
}

type Config struct {
	Logger      *slog.Logger
	Gateway     Reader
	CacheSize   int
	Concurrency int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Gateway == nil {
		return errors.New("gateway is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return nil
}

// Lookup reads settled-round winners from the ledger. Records are immutable
// once a round settles, so found records are cached.
type Lookup struct {
	log   *slog.Logger
	cfg   Config
	cache *lru.Cache[uint64, round.WinnerRecord]
}

func New(cfg Config) (*Lookup, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache, err := lru.New[uint64, round.WinnerRecord](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create winner cache: %w", err)
	}
	return &Lookup{log: cfg.Logger, cfg: cfg, cache: cache}, nil
}

// Winner returns the winner of roundID. It reports false when the ledger has
// no winner recorded for the round.
func (l *Lookup) Winner(ctx context.Context, roundID uint64) (round.WinnerRecord, bool, error) {
	if rec, ok := l.cache.Get(roundID); ok {
		metrics.CacheLookupsTotal.WithLabelValues("winners", "hit").Inc()
		return rec, true, nil
	}
	metrics.CacheLookupsTotal.WithLabelValues("winners", "miss").Inc()

	vals, err := l.cfg.Gateway.ReadField(ctx, ledger.Call{
		Method: ledger.MethodWinnerInfo,
		Args:   []any{new(big.Int).SetUint64(roundID)},
	})
	if err != nil {
		return round.WinnerRecord{}, false, fmt.Errorf("failed to read winner of round %d: %w", roundID, err)
	}
	addr, err := vals.Address(0)
	if err != nil {
		return round.WinnerRecord{}, false, err
	}
	if addr == (common.Address{}) {
		return round.WinnerRecord{}, false, nil
	}
	prize, err := vals.BigInt(1)
	if err != nil {
		return round.WinnerRecord{}, false, err
	}
	ts, err := vals.Uint64(2)
	if err != nil {
		return round.WinnerRecord{}, false, err
	}

	rec := round.WinnerRecord{
		Address:     addr,
		Round:       roundID,
		PrizeAmount: prize,
		SettledAt:   time.Unix(int64(ts), 0).UTC(),
	}
	l.cache.Add(roundID, rec)
	return rec, true, nil
}

// Recent returns winners of up to n rounds before currentRound, most recent
// first. Rounds without a winner and rounds that fail to load are skipped.
func (l *Lookup) Recent(ctx context.Context, currentRound uint64, n int) ([]round.WinnerRecord, error) {
	if currentRound <= 1 || n <= 0 {
		return nil, nil
	}
	first := uint64(1)
	if currentRound > uint64(n) {
		first = currentRound - uint64(n)
	}

	var (
		mu  sync.Mutex
		out []round.WinnerRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)
	for r := currentRound - 1; r >= first; r-- {
		r := r
		g.Go(func() error {
			rec, ok, err := l.Winner(gctx, r)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				l.log.Warn("winners: failed to load round winner", "round", r, "error", err)
				return nil
			}
			if ok {
				mu.Lock()
				out = append(out, rec)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Round > out[j].Round })
	return out, nil
}
