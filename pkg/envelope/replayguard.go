package envelope

import (
	"container/list"
	"sync"
	"time"
)

// ReplayGuardConfig holds the replay-guard tunables.
type ReplayGuardConfig struct {
	WindowMs       int64 // REPLAY_WINDOW_MS, default 60000
	MaxClockSkewMs int64 // future-timestamp tolerance, 5000
	MaxEntries     int
	Clock          func() time.Time
}

func (c *ReplayGuardConfig) setDefaults() {
	if c.WindowMs <= 0 {
		c.WindowMs = 60_000
	}
	if c.MaxClockSkewMs <= 0 {
		c.MaxClockSkewMs = 5_000
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 100_000
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type replayEntry struct {
	id       string
	arrival  time.Time
}

// ReplayGuard rejects envelopes whose messageId has already been seen within
// the configured window, or whose timestamp is stale or implausibly future.
// It is safe for concurrent use; every dispatch through the router mutates
// it.
type ReplayGuard struct {
	cfg ReplayGuardConfig

	mu      sync.Mutex
	order   *list.List // front = oldest arrival
	index   map[string]*list.Element
}

func NewReplayGuard(cfg ReplayGuardConfig) *ReplayGuard {
	cfg.setDefaults()
	return &ReplayGuard{
		cfg:   cfg,
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Check validates messageId/timestamp and, if accepted, records the id as
// seen. Returns ErrReplayed on rejection.
func (g *ReplayGuard) Check(messageID string, ts time.Time) error {
	now := g.cfg.Clock()

	g.mu.Lock()
	defer g.mu.Unlock()

	if el, seen := g.index[messageID]; seen && el != nil {
		return ErrReplayed
	}
	age := now.Sub(ts)
	if age > time.Duration(g.cfg.WindowMs)*time.Millisecond {
		return ErrReplayed
	}
	if ts.Sub(now) > time.Duration(g.cfg.MaxClockSkewMs)*time.Millisecond {
		return ErrReplayed
	}

	g.prune(now)

	el := g.order.PushBack(&replayEntry{id: messageID, arrival: now})
	g.index[messageID] = el

	g.evictIfOverCapacity()

	return nil
}

// prune removes entries older than the window, oldest first.
func (g *ReplayGuard) prune(now time.Time) {
	window := time.Duration(g.cfg.WindowMs) * time.Millisecond
	for g.order.Len() > 0 {
		front := g.order.Front()
		entry := front.Value.(*replayEntry)
		if now.Sub(entry.arrival) <= window {
			break
		}
		g.order.Remove(front)
		delete(g.index, entry.id)
	}
}

// evictIfOverCapacity drops the oldest remaining entries until size fits,
// used when the window alone doesn't bring the map back under MaxEntries.
func (g *ReplayGuard) evictIfOverCapacity() {
	for g.order.Len() > g.cfg.MaxEntries {
		front := g.order.Front()
		entry := front.Value.(*replayEntry)
		g.order.Remove(front)
		delete(g.index, entry.id)
	}
}

// Size reports the current number of tracked message ids (test helper).
func (g *ReplayGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.order.Len()
}
