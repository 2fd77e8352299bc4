package distribute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/sweepstake/keeper/pkg/ledger"
	"github.com/malbeclabs/sweepstake/keeper/pkg/metrics"
	"github.com/malbeclabs/sweepstake/keeper/pkg/round"
)

const (
	DefaultMinRetryInterval = 15 * time.Second
	DefaultConfirmTimeout   = 90 * time.Second
)

// Submitter is the write side of the ledger gateway.
type Submitter interface {
	Submit(ctx context.Context, call ledger.Call) (ledger.TxRef, error)
	AwaitConfirmation(ctx context.Context, ref ledger.TxRef) (ledger.Receipt, error)
}

// Lifecycle is the round state machine the coordinator drives.
type Lifecycle interface {
	View() round.PhaseView
	BeginSettling(roundID uint64, now time.Time) bool
	SettlementFailed(roundID uint64, now time.Time)
	SettlementConfirmed(roundID uint64, now time.Time)
}

// StateSource refreshes round state through the normal reconciliation path.
type StateSource interface {
	Refresh(ctx context.Context) error
	// Stale reports whether the last refresh failed and the view is being served from cache.
	Stale() bool
}

type Config struct {
	Logger           *slog.Logger
	Clock            clockwork.Clock
	Gateway          Submitter
	Lifecycle        Lifecycle
	State            StateSource
	Attempt          *TriggerAttempt
	MinRetryInterval time.Duration
	ConfirmTimeout   time.Duration
	InstanceID       string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Gateway == nil {
		return errors.New("gateway is required")
	}
	if cfg.Lifecycle == nil {
		return errors.New("lifecycle is required")
	}
	if cfg.State == nil {
		return errors.New("state source is required")
	}
	if cfg.Attempt == nil {
		return errors.New("trigger attempt record is required")
	}
	if cfg.MinRetryInterval == 0 {
		cfg.MinRetryInterval = DefaultMinRetryInterval
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.MinRetryInterval < 0 || cfg.ConfirmTimeout < 0 {
		return errors.New("intervals must be greater than 0")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()[:8]
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Status int

const (
	StatusConfirmed Status = iota
	StatusAlreadySettled
	StatusPremature
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusAlreadySettled:
		return "already_settled"
	case StatusPremature:
		return "premature"
	default:
		return "failed"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Benign reports whether the status is an expected outcome of racing other callers.
func (s Status) Benign() bool {
	return s == StatusAlreadySettled || s == StatusPremature
}

// SettlementResult describes one submitted settlement.
type SettlementResult struct {
	Status   Status
	Round    uint64
	TxRef    ledger.TxRef
	Err      error
	Duration time.Duration
}

// Outcome is the result of MaybeDistribute. When Attempted is false, Skipped
// names the precondition that failed.
type Outcome struct {
	Attempted bool
	Skipped   string
	Result    *SettlementResult
}

// Coordinator submits the settlement call for an expired round. Many
// processes may race to do so; the ledger accepts exactly one and the rest are
// treated as benign.
type Coordinator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		log: cfg.Logger.With("instance", cfg.InstanceID),
		cfg: cfg,
	}, nil
}

// Attempt returns the coordinator's attempt record.
func (c *Coordinator) Attempt() AttemptState {
	return c.cfg.Attempt.State()
}

// MaybeDistribute submits settlement for the current round when it is due.
// It never returns an error; failures are reported in the outcome.
func (c *Coordinator) MaybeDistribute(ctx context.Context) Outcome {
	now := c.cfg.Clock.Now()
	view := c.cfg.Lifecycle.View()

	switch {
	case !view.Observed:
		return c.skip(SkipNotLoaded)
	case view.Snapshot.Paused:
		return c.skip(SkipPaused)
	case view.Phase != round.PhaseEnding:
		return c.skip(SkipPhase)
	case c.cfg.State.Stale():
		return c.skip(SkipStale)
	}

	roundID := view.Snapshot.RoundID
	if ok, reason := c.cfg.Attempt.begin(now, roundID, c.cfg.MinRetryInterval); !ok {
		return c.skip(reason)
	}
	if !c.cfg.Lifecycle.BeginSettling(roundID, now) {
		c.cfg.Attempt.rollback()
		return c.skip(SkipPhase)
	}
	defer c.cfg.Attempt.release()

	result := c.settle(ctx, roundID)
	result.Duration = c.cfg.Clock.Since(now)
	metrics.DistributionAttemptsTotal.WithLabelValues(result.Status.String()).Inc()
	return Outcome{Attempted: true, Result: &result}
}

func (c *Coordinator) skip(reason string) Outcome {
	metrics.DistributionSkippedTotal.WithLabelValues(reason).Inc()
	return Outcome{Skipped: reason}
}

func (c *Coordinator) settle(ctx context.Context, roundID uint64) (result SettlementResult) {
	result.Round = roundID

	span := sentry.StartSpan(ctx, "keeper.distribute", sentry.WithDescription(fmt.Sprintf("distribute round %d", roundID)))
	span.SetTag("round", strconv.FormatUint(roundID, 10))
	defer func() {
		if r := recover(); r != nil {
			result.Status = StatusFailed
			result.Err = fmt.Errorf("settlement panicked: %v", r)
			c.cfg.Lifecycle.SettlementFailed(roundID, c.cfg.Clock.Now())
			c.report(roundID, result.Err)
		}
		if result.Status == StatusFailed {
			span.Status = sentry.SpanStatusInternalError
		} else {
			span.Status = sentry.SpanStatusOK
		}
		span.Finish()
	}()

	c.log.Info("distribute: submitting settlement", "round", roundID)
	ref, err := c.cfg.Gateway.Submit(ctx, ledger.Call{Method: ledger.MethodDistribute})
	if err != nil {
		return c.rejected(ctx, roundID, ledger.TxRef{}, err)
	}
	result.TxRef = ref
	c.log.Info("distribute: settlement submitted", "round", roundID, "tx", ref.Hex())

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	receipt, err := c.cfg.Gateway.AwaitConfirmation(waitCtx, ref)
	cancel()
	if err != nil {
		if !ledger.IsTimeout(err) && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &ledger.TimeoutError{Ref: ref, Wait: c.cfg.ConfirmTimeout, Err: err}
		}
		return c.rejected(ctx, roundID, ref, err)
	}

	if receipt.Status == ledger.ReceiptSuccess {
		c.cfg.Lifecycle.SettlementConfirmed(roundID, c.cfg.Clock.Now())
		c.log.Info("distribute: settlement confirmed", "round", roundID, "tx", ref.Hex(), "block", receipt.Block)
		c.refresh(ctx)
		return SettlementResult{Status: StatusConfirmed, Round: roundID, TxRef: ref}
	}

	// A reverted receipt usually means another caller's settlement landed first.
	c.cfg.Lifecycle.SettlementFailed(roundID, c.cfg.Clock.Now())
	c.refresh(ctx)
	if view := c.cfg.Lifecycle.View(); view.Snapshot.RoundID > roundID {
		c.log.Info("distribute: round already settled by another caller", "round", roundID, "tx", ref.Hex())
		return SettlementResult{Status: StatusAlreadySettled, Round: roundID, TxRef: ref}
	}
	err = fmt.Errorf("settlement transaction %s reverted", ref.Hex())
	c.log.Error("distribute: settlement reverted", "round", roundID, "tx", ref.Hex())
	c.report(roundID, err)
	return SettlementResult{Status: StatusFailed, Round: roundID, TxRef: ref, Err: err}
}

func (c *Coordinator) rejected(ctx context.Context, roundID uint64, ref ledger.TxRef, err error) SettlementResult {
	c.cfg.Lifecycle.SettlementFailed(roundID, c.cfg.Clock.Now())

	if rej, ok := ledger.AsRejected(err); ok && rej.Benign() {
		status := StatusAlreadySettled
		if rej.Reason == ledger.RejectRoundNotOver {
			status = StatusPremature
		}
		c.refresh(ctx)
		if view := c.cfg.Lifecycle.View(); view.Snapshot.RoundID > roundID {
			status = StatusAlreadySettled
		}
		c.log.Info("distribute: settlement rejected", "round", roundID, "reason", rej.Reason.String(), "status", status.String())
		return SettlementResult{Status: status, Round: roundID, TxRef: ref, Err: err}
	}

	if ledger.IsTimeout(err) {
		c.log.Warn("distribute: settlement confirmation timed out", "round", roundID, "tx", ref.Hex(), "timeout", c.cfg.ConfirmTimeout)
		c.refresh(ctx)
	} else {
		c.log.Error("distribute: settlement failed", "round", roundID, "error", err)
	}
	c.report(roundID, err)
	return SettlementResult{Status: StatusFailed, Round: roundID, TxRef: ref, Err: err}
}

func (c *Coordinator) refresh(ctx context.Context) {
	if err := c.cfg.State.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("distribute: refresh after settlement failed", "error", err)
	}
}

func (c *Coordinator) report(roundID uint64, err error) {
	hub := sentry.CurrentHub().Clone()
	hub.Scope().SetTag("round", strconv.FormatUint(roundID, 10))
	hub.Scope().SetTag("instance", c.cfg.InstanceID)
	hub.CaptureException(err)
}
