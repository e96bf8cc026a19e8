package service

import (
	"slices"
	"sync"

	"chemdrive/internal/models"
)

// LogBuffer is a fixed-size ring of the most recent audit entries.
type LogBuffer struct {
	mu   sync.Mutex
	ring []models.LogEntry
	next int
	full bool
}

func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{ring: make([]models.LogEntry, max(capacity, 1))}
}

// Add stores entry, overwriting the oldest one once the ring is full.
func (lb *LogBuffer) Add(entry models.LogEntry) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.ring[lb.next] = entry
	lb.next = (lb.next + 1) % len(lb.ring)
	if lb.next == 0 {
		lb.full = true
	}
}

// GetFiltered returns the last n entries matching level and run, oldest
// first. Empty filters match everything; n <= 0 returns every match.
func (lb *LogBuffer) GetFiltered(level, runID string, n int) []models.LogEntry {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	size := lb.next
	if lb.full {
		size = len(lb.ring)
	}

	out := []models.LogEntry{}
	for i := 1; i <= size && (n <= 0 || len(out) < n); i++ {
		e := lb.ring[(lb.next-i+len(lb.ring))%len(lb.ring)]
		if (level == "" || e.Level == level) && (runID == "" || e.RunID == runID) {
			out = append(out, e)
		}
	}
	slices.Reverse(out)
	return out
}
