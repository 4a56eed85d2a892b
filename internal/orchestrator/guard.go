package orchestrator

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const guardPruneSize = 256

// loopGuard keeps one token bucket per task: calls tokens refilled over window.
type loopGuard struct {
	calls  int
	window time.Duration

	mu       sync.Mutex
	limiters map[string]*guardEntry
}

type guardEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLoopGuard(calls int, window time.Duration) *loopGuard {
	return &loopGuard{
		calls:    calls,
		window:   window,
		limiters: make(map[string]*guardEntry),
	}
}

// allow reports whether a call for taskID at now is within the rate.
func (g *loopGuard) allow(taskID string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.limiters[taskID]
	if !ok {
		e = &guardEntry{limiter: rate.NewLimiter(rate.Every(g.window/time.Duration(g.calls)), g.calls)}
		g.limiters[taskID] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	if len(g.limiters) > guardPruneSize {
		for id, other := range g.limiters {
			if now.Sub(other.lastSeen) > 10*g.window {
				delete(g.limiters, id)
			}
		}
	}
	return allowed
}
