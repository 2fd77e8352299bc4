package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/malbeclabs/sweepstake/keeper/pkg/ledger"
	"github.com/malbeclabs/sweepstake/keeper/pkg/round"
)

const readTimeout = 15 * time.Second

// GetJoinCheck reports whether address can join with token and what it must
// do first.
func (a *API) GetJoinCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	addr := r.URL.Query().Get("address")
	if !common.IsHexAddress(addr) {
		a.writeError(w, http.StatusBadRequest, "invalid_address", "address must be a hex account address")
		return
	}
	token, err := round.ParseToken(r.URL.Query().Get("token"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid_token", err.Error())
		return
	}

	d, err := a.cfg.Pool.CheckJoin(ctx, common.HexToAddress(addr), token)
	if err != nil {
		a.writeLedgerError(w, err)
		return
	}
	resp := JoinCheckResponse{
		Round:       d.Round,
		Token:       string(d.Token),
		Action:      string(d.Action),
		TicketPrice: amount(d.TicketPrice),
	}
	if d.Allowance != nil {
		resp.Allowance = d.Allowance.String()
		resp.Missing = amount(d.Missing)
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) writeLedgerError(w http.ResponseWriter, err error) {
	var gwErr *ledger.GatewayError
	switch rej, ok := ledger.AsRejected(err); {
	case ok:
		a.writeJSON(w, http.StatusConflict, ErrorResponse{Error: "rejected", Reason: rej.Reason.String(), Message: err.Error()})
	case round.IsStale(err):
		a.writeError(w, http.StatusServiceUnavailable, "stale", err.Error())
	case errors.As(err, &gwErr):
		a.log.Warn("api: ledger read failed", "error", err)
		a.writeError(w, http.StatusBadGateway, "ledger_unavailable", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		a.writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		a.log.Error("api: request failed", "error", err)
		a.writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
