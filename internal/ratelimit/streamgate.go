package ratelimit

import (
	"sync"
	"time"
)

// StreamGate bounds the number of concurrently open streaming responses
// per subject (§4.2). Retry-after on exhaustion is proportional to the
// observed average stream duration for that subject.
type StreamGate struct {
	mu       sync.Mutex
	open     map[string]int
	avgMs    map[string]float64
	maxPerID int
}

func NewStreamGate(maxPerID int) *StreamGate {
	return &StreamGate{
		open:     make(map[string]int),
		avgMs:    make(map[string]float64),
		maxPerID: maxPerID,
	}
}

// Acquire attempts to open one streaming slot for subject. On exhaustion,
// ok is false and retryAfterMs estimates when a slot is likely to free.
func (g *StreamGate) Acquire(subject string) (ok bool, retryAfterMs int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open[subject] >= g.maxPerID {
		avg := g.avgMs[subject]
		if avg <= 0 {
			avg = 1000
		}
		return false, int64(avg)
	}
	g.open[subject]++
	return true, 0
}

// Release closes one streaming slot and folds the observed duration into
// the subject's running average for future retry-after estimates.
func (g *StreamGate) Release(subject string, duration time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open[subject] > 0 {
		g.open[subject]--
	}
	ms := float64(duration.Milliseconds())
	prev, ok := g.avgMs[subject]
	if !ok {
		g.avgMs[subject] = ms
		return
	}
	// exponential moving average, weighting recent samples more heavily
	g.avgMs[subject] = (prev*7 + ms*3) / 10
}

// Count returns the current number of open streams for subject (tests and
// diagnostics).
func (g *StreamGate) Count(subject string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open[subject]
}
