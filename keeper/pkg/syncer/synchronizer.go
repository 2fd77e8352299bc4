package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/sweepstake/keeper/pkg/distribute"
	"github.com/malbeclabs/sweepstake/keeper/pkg/metrics"
	"github.com/malbeclabs/sweepstake/keeper/pkg/round"
)

const (
	DefaultTickInterval   = time.Second
	DefaultHistorySize    = 5
	DefaultBackfillRounds = 10
	updateBuffer          = 64
)

// StateReader is the round state cache.
type StateReader interface {
	RoundState(ctx context.Context, forceRefresh bool) (round.Snapshot, error)
	Entry() (round.Entry[round.Snapshot], bool)
	TTL() time.Duration
}

// WinnerSource looks up settled-round winners.
type WinnerSource interface {
	Winner(ctx context.Context, roundID uint64) (round.WinnerRecord, bool, error)
	Recent(ctx context.Context, currentRound uint64, n int) ([]round.WinnerRecord, error)
}

// Trigger is the distribution coordinator.
type Trigger interface {
	MaybeDistribute(ctx context.Context) distribute.Outcome
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	States  StateReader
	Machine *round.Machine
	Winners WinnerSource
	// Trigger is optional; without one the synchronizer only observes.
	Trigger        Trigger
	PushSources    []PushSource
	Sinks          []Sink
	TickInterval   time.Duration
	HistorySize    int
	BackfillRounds int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.States == nil {
		return errors.New("state reader is required")
	}
	if cfg.Machine == nil {
		return errors.New("machine is required")
	}
	if cfg.Winners == nil {
		return errors.New("winner source is required")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.TickInterval < 0 {
		return errors.New("tick interval must be greater than 0")
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.BackfillRounds < 0 {
		return errors.New("backfill rounds must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// View is the synchronized state handed to consumers.
type View struct {
	Loaded    bool
	Snapshot  round.Snapshot
	Phase     round.Phase
	Remaining time.Duration
	FetchedAt time.Time
	Stale     bool
	LastError string
}

// Synchronizer keeps a local view of the current round in step with the
// ledger. Polling, push wakeups and forced refreshes all go through the same
// reconciliation.
type Synchronizer struct {
	log *slog.Logger
	cfg Config

	refreshMu sync.Mutex
	backfill  sync.Once

	mu        sync.RWMutex
	view      View
	countdown Countdown

	history    *History
	wakeCh     chan struct{}
	updates    chan Update
	triggering atomic.Bool
	wg         sync.WaitGroup

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Synchronizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Synchronizer{
		log:     cfg.Logger,
		cfg:     cfg,
		history: NewHistory(cfg.HistorySize),
		wakeCh:  make(chan struct{}, 1),
		updates: make(chan Update, updateBuffer),
		readyCh: make(chan struct{}),
	}, nil
}

func (s *Synchronizer) Ready() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

func (s *Synchronizer) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for round state: %w", ctx.Err())
	}
}

// Snapshot returns the current view. Repeated calls without an intervening
// refresh or tick return identical results.
func (s *Synchronizer) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.view
	v.Snapshot = s.view.Snapshot.Clone()
	return v
}

// WinnerHistory returns up to limit recent winners, newest first.
func (s *Synchronizer) WinnerHistory(limit int) []round.WinnerRecord {
	return s.history.List(limit)
}

// Stale reports whether the last refresh failed and the view is served from cache.
func (s *Synchronizer) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view.Stale
}

// Wake requests an out-of-band refresh. It never blocks.
func (s *Synchronizer) Wake(source string) {
	metrics.PushWakeupsTotal.WithLabelValues(source).Inc()
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Start runs the refresh loop until ctx is done.
func (s *Synchronizer) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		unsubscribe := s.subscribe(ctx)
		defer unsubscribe()

		s.log.Info("syncer: starting refresh loop", "tick", s.cfg.TickInterval, "push_sources", len(s.cfg.PushSources))
		s.safeReconcile(ctx, "poll", true)

		ticker := s.cfg.Clock.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		poll := s.cfg.Clock.NewTimer(s.cfg.States.TTL())
		defer poll.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.tick(ctx, s.cfg.Clock.Now())
			case <-poll.Chan():
				s.safeReconcile(ctx, "poll", false)
				poll.Reset(s.cfg.States.TTL())
			case <-s.wakeCh:
				s.safeReconcile(ctx, "push", true)
				if !poll.Stop() {
					select {
					case <-poll.Chan():
					default:
					}
				}
				poll.Reset(s.cfg.States.TTL())
			}
		}
	}()
}

// Wait blocks until the loops started by Start have exited.
func (s *Synchronizer) Wait() {
	s.wg.Wait()
}

func (s *Synchronizer) subscribe(ctx context.Context) func() {
	var unsubs []func()
	for _, src := range s.cfg.PushSources {
		name := src.Name()
		u, err := src.Subscribe(ctx, func() { s.Wake(name) })
		if err != nil {
			s.log.Warn("syncer: push subscription failed, continuing with polling only", "source", name, "error", err)
			continue
		}
		unsubs = append(unsubs, u)
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (s *Synchronizer) safeReconcile(ctx context.Context, source string, force bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("syncer: refresh panicked", "panic", r)
			metrics.RefreshTotal.WithLabelValues(source, "panic").Inc()
		}
	}()

	if err := s.reconcile(ctx, source, force); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if round.IsStale(err) {
			s.log.Warn("syncer: refresh failed, serving stale state", "source", source, "error", err)
			return
		}
		s.log.Error("syncer: refresh failed", "source", source, "error", err)
	}
}

// Refresh forces a ledger read and reconciles the view with it.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	return s.reconcile(ctx, "forced", true)
}

func (s *Synchronizer) reconcile(ctx context.Context, source string, force bool) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	start := s.cfg.Clock.Now()
	defer func() {
		metrics.RefreshDuration.WithLabelValues(source).Observe(s.cfg.Clock.Since(start).Seconds())
	}()

	snap, err := s.cfg.States.RoundState(ctx, force)
	if err != nil {
		status := "error"
		if round.IsStale(err) {
			status = "stale"
		}
		metrics.RefreshTotal.WithLabelValues(source, status).Inc()
		s.mu.Lock()
		s.view.Stale = s.view.Loaded
		s.view.LastError = err.Error()
		s.mu.Unlock()
		return err
	}

	now := s.cfg.Clock.Now()
	obs := s.cfg.Machine.Observe(snap, now)
	for _, t := range obs.Transitions {
		s.log.Info("syncer: phase transition", "round", t.Round, "from", t.From.String(), "to", t.To.String())
	}
	// The machine keeps the newest accepted snapshot; a lagging read is
	// dropped there, so everything below derives from pv.
	pv := s.cfg.Machine.View()
	current := pv.Snapshot.RoundID
	if obs.Settled {
		s.recordWinners(ctx, obs.SettledRound, current)
	}

	fetchedAt := now
	if entry, ok := s.cfg.States.Entry(); ok {
		fetchedAt = entry.FetchedAt
	}
	s.mu.Lock()
	s.countdown.Reset(pv.Snapshot.EndTime())
	s.view = View{
		Loaded:    true,
		Snapshot:  pv.Snapshot,
		Phase:     pv.Phase,
		Remaining: s.countdown.Remaining(now),
		FetchedAt: fetchedAt,
	}
	view := s.view
	s.mu.Unlock()

	metrics.CurrentRound.Set(float64(current))
	metrics.SetPhase(pv.Phase.String(), round.PhaseNames)
	metrics.RefreshTotal.WithLabelValues(source, "success").Inc()

	s.readyOnce.Do(func() {
		close(s.readyCh)
		s.log.Info("syncer: round state is now ready", "round", current, "phase", pv.Phase.String())
	})
	s.backfill.Do(func() { s.backfillHistory(ctx, current) })

	s.publish(Update{Kind: UpdateSnapshot, At: now, View: view})
	for i := range obs.Transitions {
		s.publish(Update{Kind: UpdatePhase, At: now, View: view, Transition: &obs.Transitions[i]})
	}

	if pv.Phase == round.PhaseEnding {
		s.maybeTrigger(ctx)
	}
	return nil
}

// recordWinners looks up winners for every round from settled up to, but not
// including, current.
func (s *Synchronizer) recordWinners(ctx context.Context, settled, current uint64) {
	first := settled
	if current > uint64(s.cfg.HistorySize) && current-uint64(s.cfg.HistorySize) > first {
		first = current - uint64(s.cfg.HistorySize)
	}
	for r := first; r < current; r++ {
		rec, ok, err := s.cfg.Winners.Winner(ctx, r)
		if err != nil {
			s.log.Warn("syncer: failed to load winner", "round", r, "error", err)
			continue
		}
		if !ok {
			s.log.Warn("syncer: settled round has no recorded winner", "round", r)
			continue
		}
		if s.history.Add(rec) {
			s.log.Info("syncer: round settled", "round", r, "winner", rec.Address.Hex(), "prize", rec.PrizeAmount.String())
			s.publish(Update{Kind: UpdateWinner, At: s.cfg.Clock.Now(), Winner: &rec})
		}
	}
}

func (s *Synchronizer) backfillHistory(ctx context.Context, current uint64) {
	if s.cfg.BackfillRounds == 0 {
		return
	}
	recs, err := s.cfg.Winners.Recent(ctx, current, s.cfg.BackfillRounds)
	if err != nil {
		s.log.Warn("syncer: failed to backfill winner history", "error", err)
		return
	}
	for _, rec := range recs {
		s.history.Add(rec)
	}
	s.log.Debug("syncer: winner history backfilled", "records", s.history.Len())
}

// tick advances the local countdown. It never reads the ledger.
func (s *Synchronizer) tick(ctx context.Context, now time.Time) {
	transitions := s.cfg.Machine.Tick(now)
	pv := s.cfg.Machine.View()

	s.mu.Lock()
	if !s.view.Loaded {
		s.mu.Unlock()
		return
	}
	s.view.Remaining = s.countdown.Remaining(now)
	s.view.Phase = pv.Phase
	view := s.view
	s.mu.Unlock()

	for i, t := range transitions {
		s.log.Info("syncer: phase transition", "round", t.Round, "from", t.From.String(), "to", t.To.String())
		metrics.SetPhase(t.To.String(), round.PhaseNames)
		s.publish(Update{Kind: UpdatePhase, At: now, View: view, Transition: &transitions[i]})
	}
	if pv.Phase == round.PhaseEnding {
		s.maybeTrigger(ctx)
	}
}

// maybeTrigger runs the coordinator in the background. At most one trigger
// goroutine runs at a time.
func (s *Synchronizer) maybeTrigger(ctx context.Context) {
	if s.cfg.Trigger == nil {
		return
	}
	if !s.triggering.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.triggering.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("syncer: distribution trigger panicked", "panic", r)
			}
		}()
		s.TriggerDistribution(ctx)
	}()
}

// TriggerDistribution invokes the coordinator synchronously and publishes the
// settlement result, if any.
func (s *Synchronizer) TriggerDistribution(ctx context.Context) distribute.Outcome {
	if s.cfg.Trigger == nil {
		return distribute.Outcome{Skipped: "disabled"}
	}
	out := s.cfg.Trigger.MaybeDistribute(ctx)
	if !out.Attempted {
		s.log.Debug("syncer: distribution skipped", "reason", out.Skipped)
		return out
	}
	s.log.Info("syncer: distribution attempted", "round", out.Result.Round, "status", out.Result.Status.String())
	s.publish(Update{Kind: UpdateSettlement, At: s.cfg.Clock.Now(), View: s.Snapshot(), Settlement: out.Result})
	return out
}

func (s *Synchronizer) publish(u Update) {
	if len(s.cfg.Sinks) == 0 {
		return
	}
	select {
	case s.updates <- u:
	default:
		s.log.Warn("syncer: update buffer full, dropping update", "kind", string(u.Kind))
	}
}

func (s *Synchronizer) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.updates:
			if err := s.deliver(ctx, u); err != nil {
				s.log.Warn("syncer: failed to deliver update", "kind", string(u.Kind), "error", err)
			}
		}
	}
}

func (s *Synchronizer) deliver(ctx context.Context, u Update) error {
	var result *multierror.Error
	for _, sink := range s.cfg.Sinks {
		if err := sink.Publish(ctx, u); err != nil {
			metrics.NotificationsTotal.WithLabelValues(sink.Name(), "error").Inc()
			result = multierror.Append(result, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(sink.Name(), "success").Inc()
	}
	return result.ErrorOrNil()
}
