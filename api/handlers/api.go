package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/sweepstake/keeper/pkg/distribute"
	"github.com/malbeclabs/sweepstake/keeper/pkg/join"
	"github.com/malbeclabs/sweepstake/keeper/pkg/round"
	"github.com/malbeclabs/sweepstake/keeper/pkg/syncer"
)

// Pool is the keeper surface the API exposes.
type Pool interface {
	Snapshot() syncer.View
	WinnerHistory(limit int) []round.WinnerRecord
	Distribute(ctx context.Context) distribute.Outcome
	CheckJoin(ctx context.Context, participant common.Address, token round.Token) (join.Decision, error)
	Constants(ctx context.Context) (round.Constants, error)
}

type Config struct {
	Logger *slog.Logger
	Pool   Pool
	// Hub serves /api/ws when set.
	Hub *Hub
	// DistributeLimiter rate limits POST /api/pool/distribute per client IP.
	DistributeLimiter *RateLimiter
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	if cfg.DistributeLimiter == nil {
		cfg.DistributeLimiter = NewRateLimiter(DefaultDistributeRate, DefaultDistributeBurst)
	}
	return nil
}

type API struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &API{log: cfg.Logger, cfg: cfg}, nil
}

// Routes mounts the API under r.
func (a *API) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/pool", a.GetPool)
		r.With(RateLimitMiddleware(a.cfg.DistributeLimiter)).Post("/pool/distribute", a.PostDistribute)
		r.Get("/winners", a.GetWinners)
		r.Get("/join/check", a.GetJoinCheck)
		r.Get("/constants", a.GetConstants)
		if a.cfg.Hub != nil {
			r.Get("/ws", a.cfg.Hub.ServeHTTP)
		}
	})
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("api: failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, code, message string) {
	a.writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
