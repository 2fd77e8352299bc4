package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type httpError struct {
	statusCode int
}

func (e *httpError) Error() string   { return http.StatusText(e.statusCode) }
func (e *httpError) StatusCode() int { return e.statusCode }

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestSweepstake_Retry_DefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.BaseBackoff)
	require.Equal(t, 2*time.Second, cfg.MaxBackoff)
}

func TestSweepstake_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("succeeds on first attempt", func(t *testing.T) {
		t.Parallel()

		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("succeeds after transient failures", func(t *testing.T) {
		t.Parallel()

		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("connection reset by peer")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("wraps last error after exhausting attempts", func(t *testing.T) {
		t.Parallel()

		original := errors.New("503 service unavailable")
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return original
		})
		require.ErrorIs(t, err, original)
		require.Equal(t, 3, attempts)
	})

	t.Run("returns non-retryable error unwrapped", func(t *testing.T) {
		t.Parallel()

		original := errors.New("execution reverted: round not over")
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return original
		})
		require.Equal(t, original, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("stops when context is cancelled during backoff", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cfg := Config{MaxAttempts: 5, BaseBackoff: time.Hour, MaxBackoff: time.Hour}
		attempts := 0
		err := Do(ctx, cfg, func() error {
			attempts++
			cancel()
			return errors.New("connection reset")
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, attempts)
	})
}

func TestSweepstake_Retry_DoValue_UsesClockForBackoff(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cfg := Config{MaxAttempts: 2, BaseBackoff: time.Second, MaxBackoff: 4 * time.Second, Clock: clock}

	var attempts atomic.Int32
	type result struct {
		v   uint64
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := DoValue(context.Background(), cfg, func() (uint64, error) {
			if attempts.Add(1) == 1 {
				return 0, errors.New("header not found")
			}
			return 42, nil
		})
		done <- result{v, err}
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	require.Equal(t, int32(1), attempts.Load())
	clock.Advance(4 * time.Second)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, uint64(42), r.v)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not resume after clock advance")
	}
	require.Equal(t, int32(2), attempts.Load())
}

func TestSweepstake_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: false},
		{name: "net timeout", err: &net.DNSError{Err: "lookup", IsTimeout: true}, want: true},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "eof", err: errors.New("unexpected EOF"), want: true},
		{name: "header not found", err: errors.New("header not found"), want: true},
		{name: "rate limited", err: errors.New("429 too many requests"), want: true},
		{name: "revert", err: errors.New("execution reverted: already distributed"), want: false},
		{name: "invalid input", err: errors.New("invalid argument"), want: false},
		{name: "http 429", err: &httpError{statusCode: http.StatusTooManyRequests}, want: true},
		{name: "http 502", err: &httpError{statusCode: http.StatusBadGateway}, want: true},
		{name: "http 400", err: &httpError{statusCode: http.StatusBadRequest}, want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestSweepstake_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()

	for attempt := 1; attempt <= 6; attempt++ {
		got := calculateBackoff(250*time.Millisecond, 2*time.Second, attempt)
		want := 250 * time.Millisecond * time.Duration(1<<uint(attempt))
		if want > 2*time.Second {
			want = 2 * time.Second
		}
		require.GreaterOrEqual(t, got, want/2, "attempt %d", attempt)
		require.LessOrEqual(t, got, want, "attempt %d", attempt)
	}
}
