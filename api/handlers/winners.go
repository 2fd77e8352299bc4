package handlers

import "net/http"

type WinnersResponse struct {
	Items []WinnerResponse `json:"items"`
	Limit int              `json:"limit"`
}

// GetWinners returns recent winners, newest first.
func (a *API) GetWinners(w http.ResponseWriter, r *http.Request) {
	limit := ParseLimit(r, DefaultWinnersLimit, MaxWinnersLimit)
	records := a.cfg.Pool.WinnerHistory(limit)
	items := make([]WinnerResponse, len(records))
	for i, rec := range records {
		items[i] = newWinnerResponse(rec)
	}
	a.writeJSON(w, http.StatusOK, WinnersResponse{Items: items, Limit: limit})
}
