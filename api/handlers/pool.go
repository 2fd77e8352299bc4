package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/malbeclabs/sweepstake/keeper/pkg/distribute"
	"github.com/malbeclabs/sweepstake/keeper/pkg/keeper"
)

const distributeTimeout = 2 * time.Minute

// GetPool returns the synchronized round view. Before the first successful
// load it answers 503 with the last error.
func (a *API) GetPool(w http.ResponseWriter, r *http.Request) {
	view := a.cfg.Pool.Snapshot()
	if !view.Loaded {
		a.writeError(w, http.StatusServiceUnavailable, "unavailable", view.LastError)
		return
	}
	a.writeJSON(w, http.StatusOK, newPoolResponse(view))
}

// PostDistribute runs the distribution trigger and reports its outcome.
func (a *API) PostDistribute(w http.ResponseWriter, r *http.Request) {
	// A submitted transaction may still be mined after the client goes away,
	// so only the timeout bounds the confirmation wait.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), distributeTimeout)
	defer cancel()

	out := a.cfg.Pool.Distribute(ctx)
	resp := newDistributeResponse(out)
	switch {
	case out.Skipped == keeper.SkipReadOnly:
		a.writeJSON(w, http.StatusForbidden, resp)
	case out.Attempted && out.Result.Status == distribute.StatusFailed:
		a.log.Warn("api: distribution failed", "round", out.Result.Round, "error", out.Result.Err)
		a.writeJSON(w, http.StatusBadGateway, resp)
	default:
		a.writeJSON(w, http.StatusOK, resp)
	}
}
