package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/sweepstake/api/handlers"
	"github.com/malbeclabs/sweepstake/keeper/pkg/distribute"
	"github.com/malbeclabs/sweepstake/keeper/pkg/join"
	"github.com/malbeclabs/sweepstake/keeper/pkg/keeper"
	"github.com/malbeclabs/sweepstake/keeper/pkg/ledger"
	"github.com/malbeclabs/sweepstake/keeper/pkg/round"
	"github.com/malbeclabs/sweepstake/keeper/pkg/syncer"
	sweeptesting "github.com/malbeclabs/sweepstake/utils/pkg/testing"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type fakePool struct {
	SnapshotFunc      func() syncer.View
	WinnerHistoryFunc func(limit int) []round.WinnerRecord
	DistributeFunc    func(ctx context.Context) distribute.Outcome
	CheckJoinFunc     func(ctx context.Context, participant common.Address, token round.Token) (join.Decision, error)
	ConstantsFunc     func(ctx context.Context) (round.Constants, error)
}

func (p *fakePool) Snapshot() syncer.View { return p.SnapshotFunc() }
func (p *fakePool) WinnerHistory(limit int) []round.WinnerRecord {
	return p.WinnerHistoryFunc(limit)
}
func (p *fakePool) Distribute(ctx context.Context) distribute.Outcome { return p.DistributeFunc(ctx) }
func (p *fakePool) CheckJoin(ctx context.Context, participant common.Address, token round.Token) (join.Decision, error) {
	return p.CheckJoinFunc(ctx, participant, token)
}
func (p *fakePool) Constants(ctx context.Context) (round.Constants, error) {
	return p.ConstantsFunc(ctx)
}

func loadedView() syncer.View {
	return syncer.View{
		Loaded: true,
		Snapshot: round.Snapshot{
			RoundID:      7,
			StartTime:    sweeptesting.Epoch,
			Duration:     2 * time.Minute,
			Participants: []common.Address{alice, bob},
			Balances:     map[round.Token]*big.Int{round.TokenCELO: big.NewInt(2e18)},
			Block:        1234,
		},
		Phase:     round.PhaseActive,
		Remaining: 90 * time.Second,
		FetchedAt: sweeptesting.Epoch.Add(30 * time.Second),
	}
}

func newTestRouter(t *testing.T, pool handlers.Pool, limiter *handlers.RateLimiter) http.Handler {
	t.Helper()
	api, err := handlers.New(handlers.Config{
		Logger:            sweeptesting.NewLogger(),
		Pool:              pool,
		DistributeLimiter: limiter,
	})
	require.NoError(t, err)
	r := chi.NewRouter()
	api.Routes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "192.0.2.10:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestSweepstake_API_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := handlers.New(handlers.Config{Pool: &fakePool{}})
	require.EqualError(t, err, "logger is required")
	_, err = handlers.New(handlers.Config{Logger: sweeptesting.NewLogger()})
	require.EqualError(t, err, "pool is required")
}

func TestSweepstake_API_GetPool(t *testing.T) {
	t.Parallel()

	t.Run("loaded", func(t *testing.T) {
		t.Parallel()
		h := newTestRouter(t, &fakePool{SnapshotFunc: loadedView}, nil)

		rec := do(t, h, http.MethodGet, "/api/pool")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		resp := decode[handlers.PoolResponse](t, rec)
		assert.Equal(t, uint64(7), resp.Round)
		assert.Equal(t, "active", resp.Phase)
		assert.Equal(t, int64(90), resp.RemainingSeconds)
		assert.Equal(t, 2, resp.ParticipantCount)
		assert.Equal(t, alice.Hex(), resp.Participants[0])
		assert.Equal(t, "2000000000000000000", resp.Balances["CELO"])
		assert.True(t, sweeptesting.Epoch.Add(2*time.Minute).Equal(resp.EndTime))
		assert.False(t, resp.Stale)
	})

	t.Run("not loaded", func(t *testing.T) {
		t.Parallel()
		h := newTestRouter(t, &fakePool{SnapshotFunc: func() syncer.View {
			return syncer.View{LastError: "dial tcp: connection refused"}
		}}, nil)

		rec := do(t, h, http.MethodGet, "/api/pool")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		resp := decode[handlers.ErrorResponse](t, rec)
		assert.Equal(t, "unavailable", resp.Error)
		assert.Contains(t, resp.Message, "connection refused")
	})

	t.Run("stale", func(t *testing.T) {
		t.Parallel()
		h := newTestRouter(t, &fakePool{SnapshotFunc: func() syncer.View {
			v := loadedView()
			v.Stale = true
			v.LastError = "ledger: read: timeout"
			return v
		}}, nil)

		rec := do(t, h, http.MethodGet, "/api/pool")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[handlers.PoolResponse](t, rec)
		assert.True(t, resp.Stale)
		assert.Equal(t, "ledger: read: timeout", resp.LastError)
	})
}

func TestSweepstake_API_GetWinners(t *testing.T) {
	t.Parallel()

	var gotLimit int
	pool := &fakePool{WinnerHistoryFunc: func(limit int) []round.WinnerRecord {
		gotLimit = limit
		return []round.WinnerRecord{
			{Address: bob, Round: 6, PrizeAmount: big.NewInt(3e18), SettledAt: sweeptesting.Epoch},
			{Address: alice, Round: 5, PrizeAmount: big.NewInt(1e18), SettledAt: sweeptesting.Epoch.Add(-time.Hour)},
		}
	}}
	h := newTestRouter(t, pool, nil)

	rec := do(t, h, http.MethodGet, "/api/winners?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[handlers.WinnersResponse](t, rec)
	assert.Equal(t, 2, gotLimit)
	assert.Equal(t, 2, resp.Limit)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, uint64(6), resp.Items[0].Round)
	assert.Equal(t, bob.Hex(), resp.Items[0].Address)
	assert.Equal(t, "3000000000000000000", resp.Items[0].Prize)
}

func TestSweepstake_API_ParseLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query string
		want  int
	}{
		{"", handlers.DefaultWinnersLimit},
		{"?limit=3", 3},
		{"?limit=0", handlers.DefaultWinnersLimit},
		{"?limit=-1", handlers.DefaultWinnersLimit},
		{"?limit=abc", handlers.DefaultWinnersLimit},
		{"?limit=1000", handlers.MaxWinnersLimit},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/winners"+tt.query, nil)
		assert.Equal(t, tt.want, handlers.ParseLimit(req, handlers.DefaultWinnersLimit, handlers.MaxWinnersLimit), tt.query)
	}
}

func TestSweepstake_API_PostDistribute(t *testing.T) {
	t.Parallel()

	tx := common.HexToHash("0xabc")
	tests := []struct {
		name   string
		out    distribute.Outcome
		status int
		check  func(t *testing.T, resp handlers.DistributeResponse)
	}{
		{
			name:   "read only",
			out:    distribute.Outcome{Skipped: keeper.SkipReadOnly},
			status: http.StatusForbidden,
			check: func(t *testing.T, resp handlers.DistributeResponse) {
				assert.False(t, resp.Attempted)
				assert.Equal(t, "read_only", resp.Skipped)
			},
		},
		{
			name:   "skipped",
			out:    distribute.Outcome{Skipped: distribute.SkipPhase},
			status: http.StatusOK,
			check: func(t *testing.T, resp handlers.DistributeResponse) {
				assert.Equal(t, distribute.SkipPhase, resp.Skipped)
			},
		},
		{
			name: "confirmed",
			out: distribute.Outcome{Attempted: true, Result: &distribute.SettlementResult{
				Status: distribute.StatusConfirmed, Round: 7, TxRef: tx, Duration: 1500 * time.Millisecond,
			}},
			status: http.StatusOK,
			check: func(t *testing.T, resp handlers.DistributeResponse) {
				assert.True(t, resp.Attempted)
				assert.Equal(t, "confirmed", resp.Status)
				assert.Equal(t, tx.Hex(), resp.Tx)
				assert.Equal(t, int64(1500), resp.DurationMs)
			},
		},
		{
			name: "already settled",
			out: distribute.Outcome{Attempted: true, Result: &distribute.SettlementResult{
				Status: distribute.StatusAlreadySettled, Round: 7,
			}},
			status: http.StatusOK,
			check: func(t *testing.T, resp handlers.DistributeResponse) {
				assert.Equal(t, "already_settled", resp.Status)
				assert.Empty(t, resp.Tx)
			},
		},
		{
			name: "failed",
			out: distribute.Outcome{Attempted: true, Result: &distribute.SettlementResult{
				Status: distribute.StatusFailed, Round: 7, Err: &ledger.GatewayError{Op: "submit", Err: errors.New("nonce too low")},
			}},
			status: http.StatusBadGateway,
			check: func(t *testing.T, resp handlers.DistributeResponse) {
				assert.Equal(t, "failed", resp.Status)
				assert.Contains(t, resp.Error, "nonce too low")
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newTestRouter(t, &fakePool{DistributeFunc: func(context.Context) distribute.Outcome { return tt.out }}, nil)

			rec := do(t, h, http.MethodPost, "/api/pool/distribute")
			require.Equal(t, tt.status, rec.Code)
			tt.check(t, decode[handlers.DistributeResponse](t, rec))
		})
	}
}

func TestSweepstake_API_PostDistribute_RateLimited(t *testing.T) {
	t.Parallel()

	var calls int
	limiter := handlers.NewRateLimiter(rate.Every(time.Minute), 1)
	t.Cleanup(limiter.Close)
	h := newTestRouter(t, &fakePool{DistributeFunc: func(context.Context) distribute.Outcome {
		calls++
		return distribute.Outcome{Skipped: distribute.SkipPhase}
	}}, limiter)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/pool/distribute").Code)
	require.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodPost, "/api/pool/distribute").Code)
	assert.Equal(t, 1, calls)
}

func TestSweepstake_API_PostDistribute_OutlivesClientDisconnect(t *testing.T) {
	t.Parallel()

	var ctxErr error
	var hasDeadline bool
	h := newTestRouter(t, &fakePool{DistributeFunc: func(ctx context.Context) distribute.Outcome {
		ctxErr = ctx.Err()
		_, hasDeadline = ctx.Deadline()
		return distribute.Outcome{Attempted: true, Result: &distribute.SettlementResult{Status: distribute.StatusConfirmed, Round: 7}}
	}}, nil)

	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/pool/distribute", nil).WithContext(reqCtx)
	req.RemoteAddr = "192.0.2.10:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, ctxErr)
	require.True(t, hasDeadline)
}

func TestSweepstake_API_GetJoinCheck(t *testing.T) {
	t.Parallel()

	t.Run("approval needed", func(t *testing.T) {
		t.Parallel()
		var gotAddr common.Address
		var gotToken round.Token
		h := newTestRouter(t, &fakePool{CheckJoinFunc: func(_ context.Context, p common.Address, tok round.Token) (join.Decision, error) {
			gotAddr, gotToken = p, tok
			return join.Decision{
				Round: 7, Token: tok, Action: join.ActionApprove,
				TicketPrice: big.NewInt(100), Allowance: big.NewInt(40), Missing: big.NewInt(60),
			}, nil
		}}, nil)

		rec := do(t, h, http.MethodGet, "/api/join/check?address="+alice.Hex()+"&token=cUSD")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[handlers.JoinCheckResponse](t, rec)
		assert.Equal(t, alice, gotAddr)
		assert.Equal(t, round.TokenCUSD, gotToken)
		assert.Equal(t, "approve", resp.Action)
		assert.Equal(t, "100", resp.TicketPrice)
		assert.Equal(t, "40", resp.Allowance)
		assert.Equal(t, "60", resp.Missing)
	})

	t.Run("native join", func(t *testing.T) {
		t.Parallel()
		h := newTestRouter(t, &fakePool{CheckJoinFunc: func(_ context.Context, _ common.Address, tok round.Token) (join.Decision, error) {
			return join.Decision{Round: 7, Token: tok, Action: join.ActionJoin, TicketPrice: big.NewInt(5)}, nil
		}}, nil)

		rec := do(t, h, http.MethodGet, "/api/join/check?address="+alice.Hex()+"&token=CELO")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[handlers.JoinCheckResponse](t, rec)
		assert.Equal(t, "join", resp.Action)
		assert.Empty(t, resp.Allowance)
		assert.Empty(t, resp.Missing)
	})

	t.Run("bad input", func(t *testing.T) {
		t.Parallel()
		h := newTestRouter(t, &fakePool{}, nil)

		rec := do(t, h, http.MethodGet, "/api/join/check?address=nope&token=CELO")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_address", decode[handlers.ErrorResponse](t, rec).Error)

		rec = do(t, h, http.MethodGet, "/api/join/check?address="+alice.Hex()+"&token=DOGE")
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_token", decode[handlers.ErrorResponse](t, rec).Error)
	})

	errorTests := []struct {
		name   string
		err    error
		status int
		code   string
		reason string
	}{
		{"rejected", &ledger.RejectedError{Op: "join", Reason: ledger.RejectAlreadyJoined}, http.StatusConflict, "rejected", "already_joined"},
		{"stale", &round.StaleDataError{Age: time.Minute, Err: errors.New("boom")}, http.StatusServiceUnavailable, "stale", ""},
		{"gateway", &ledger.GatewayError{Op: "read", Err: errors.New("connection refused")}, http.StatusBadGateway, "ledger_unavailable", ""},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout", ""},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal", ""},
	}
	for _, tt := range errorTests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newTestRouter(t, &fakePool{CheckJoinFunc: func(context.Context, common.Address, round.Token) (join.Decision, error) {
				return join.Decision{}, tt.err
			}}, nil)

			rec := do(t, h, http.MethodGet, "/api/join/check?address="+bob.Hex()+"&token=CELO")
			require.Equal(t, tt.status, rec.Code)
			resp := decode[handlers.ErrorResponse](t, rec)
			assert.Equal(t, tt.code, resp.Error)
			assert.Equal(t, tt.reason, resp.Reason)
		})
	}
}

func TestSweepstake_API_GetConstants(t *testing.T) {
	t.Parallel()

	cusd := common.HexToAddress("0x765DE816845861e75A25fCA122bb6898B8B1282a")
	h := newTestRouter(t, &fakePool{ConstantsFunc: func(context.Context) (round.Constants, error) {
		return round.Constants{
			RoundDuration:   5 * time.Minute,
			MaxParticipants: 100,
			TicketPrices:    map[round.Token]*big.Int{round.TokenCELO: big.NewInt(1e17), round.TokenCUSD: big.NewInt(1e18)},
			TokenAddresses:  map[round.Token]common.Address{round.TokenCUSD: cusd},
		}, nil
	}}, nil)

	rec := do(t, h, http.MethodGet, "/api/constants")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[handlers.ConstantsResponse](t, rec)
	assert.Equal(t, int64(300), resp.RoundDurationSeconds)
	assert.Equal(t, uint64(100), resp.MaxParticipants)
	assert.Equal(t, "100000000000000000", resp.TicketPrices["CELO"])
	assert.Equal(t, cusd.Hex(), resp.TokenAddresses["CUSD"])
}
