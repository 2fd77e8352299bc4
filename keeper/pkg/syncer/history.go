package syncer

import (
	"sort"
	"sync"

	"github.com/malbeclabs/sweepstake/keeper/pkg/round"
)

// History holds the most recent winners, newest round first, at most one
// record per round.
type History struct {
	mu      sync.RWMutex
	max     int
	records []round.WinnerRecord
}

func NewHistory(max int) *History {
	if max <= 0 {
		max = 1
	}
	return &History{max: max}
}

// Add inserts rec and reports whether it was new.
func (h *History) Add(rec round.WinnerRecord) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.records {
		if r.Round == rec.Round {
			return false
		}
	}
	h.records = append(h.records, rec)
	sort.Slice(h.records, func(i, j int) bool { return h.records[i].Round > h.records[j].Round })
	if len(h.records) > h.max {
		h.records = h.records[:h.max]
	}
	return true
}

// List returns up to limit records, newest first. A limit <= 0 returns all.
func (h *History) List(limit int) []round.WinnerRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]round.WinnerRecord, n)
	copy(out, h.records[:n])
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}
