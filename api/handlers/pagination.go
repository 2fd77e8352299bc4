package handlers

import (
	"net/http"
	"strconv"
)

const (
	DefaultWinnersLimit = 5
	MaxWinnersLimit     = 50
)

// ParseLimit reads the limit query parameter, falling back to defaultLimit
// when it is missing or invalid and capping it at maxLimit.
func ParseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	limit := defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}
