package handlers

import (
	"context"
	"net/http"
	"time"
)

// GetConstants returns the ledger's immutable parameters.
func (a *API) GetConstants(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	c, err := a.cfg.Pool.Constants(ctx)
	if err != nil {
		a.writeLedgerError(w, err)
		return
	}
	addrs := make(map[string]string, len(c.TokenAddresses))
	for t, addr := range c.TokenAddresses {
		addrs[string(t)] = addr.Hex()
	}
	a.writeJSON(w, http.StatusOK, ConstantsResponse{
		RoundDurationSeconds: int64(c.RoundDuration / time.Second),
		MaxParticipants:      c.MaxParticipants,
		TicketPrices:         amounts(c.TicketPrices),
		TokenAddresses:       addrs,
	})
}
