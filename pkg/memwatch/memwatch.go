// Package memwatch implements the memory watchdog: a background goroutine
// that samples process memory and emits normal/warn/pause/reject/emergency
// transitions on threshold crossings, exposed to the worker pool as a
// worker.Gate and to the sandbox host as a spawn-refusal check. Levels are
// surfaced as prometheus gauges.
package memwatch

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Level is the closed set of watchdog states.
type Level int

const (
	LevelNormal Level = iota
	LevelWarn
	LevelPause
	LevelReject
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelPause:
		return "pause"
	case LevelReject:
		return "reject"
	case LevelEmergency:
		return "emergency"
	default:
		return "normal"
	}
}

// Thresholds are the fraction-of-limit crossings that advance the level.
type Thresholds struct {
	WarnFraction     float64 // default 0.70
	PauseFraction    float64 // default 0.80
	RejectFraction   float64 // default 0.90
	FreeMemoryFloorBytes uint64 // emergency if headroom under the limit drops below this (0 disables)
}

func defaultThresholds() Thresholds {
	return Thresholds{WarnFraction: 0.70, PauseFraction: 0.80, RejectFraction: 0.90}
}

// Sampler abstracts the memory reading so tests can drive synthetic stats
// without allocating real memory pressure.
type Sampler func() runtime.MemStats

// Watchdog samples memory on an interval and tracks the current level. Safe
// for concurrent use; Level() is lock-free.
type Watchdog struct {
	limitBytes uint64
	thresholds Thresholds
	sampler    Sampler
	interval   time.Duration
	logger     *slog.Logger
	onTransition func(from, to Level)

	level atomic.Int32

	gaugeLevel *prometheus.GaugeVec

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Watchdog at construction.
type Option func(*Watchdog)

func WithThresholds(t Thresholds) Option { return func(w *Watchdog) { w.thresholds = t } }
func WithInterval(d time.Duration) Option { return func(w *Watchdog) { w.interval = d } }
func WithLogger(l *slog.Logger) Option   { return func(w *Watchdog) { w.logger = l } }
func WithSampler(s Sampler) Option       { return func(w *Watchdog) { w.sampler = s } }
func WithOnTransition(fn func(from, to Level)) Option {
	return func(w *Watchdog) { w.onTransition = fn }
}
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *Watchdog) {
		w.gaugeLevel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "memwatch",
			Name:      "level",
			Help:      "Current memory watchdog level (0=normal .. 4=emergency).",
		}, nil)
		if reg != nil {
			reg.MustRegister(w.gaugeLevel)
		}
	}
}

// NewWatchdog constructs a Watchdog sampling heap usage against limitBytes
// (the configured memory cap for this process).
func NewWatchdog(limitBytes uint64, opts ...Option) *Watchdog {
	w := &Watchdog{
		limitBytes: limitBytes,
		thresholds: defaultThresholds(),
		interval:   2 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the sampling loop. Stop (or ctx cancellation) ends it.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sample()
			}
		}
	}()
}

func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (w *Watchdog) sample() {
	var stats runtime.MemStats
	if w.sampler != nil {
		stats = w.sampler()
	} else {
		runtime.ReadMemStats(&stats)
	}
	w.Evaluate(stats.HeapAlloc)
}

// Evaluate computes the level for a given usage reading and applies it,
// invoking onTransition if the level changed. Exported for tests and for
// callers wiring a custom sampling source.
func (w *Watchdog) Evaluate(usedBytes uint64) Level {
	next := w.levelFor(usedBytes)
	prev := Level(w.level.Swap(int32(next)))
	if prev != next {
		if w.logger != nil {
			w.logger.Info("memwatch level transition", "from", prev.String(), "to", next.String(), "usedBytes", usedBytes)
		}
		if w.onTransition != nil {
			w.onTransition(prev, next)
		}
	}
	if w.gaugeLevel != nil {
		w.gaugeLevel.WithLabelValues().Set(float64(next))
	}
	return next
}

func (w *Watchdog) levelFor(usedBytes uint64) Level {
	if w.limitBytes == 0 {
		return LevelNormal
	}
	if floor := w.thresholds.FreeMemoryFloorBytes; floor > 0 && (usedBytes >= w.limitBytes || w.limitBytes-usedBytes < floor) {
		return LevelEmergency
	}
	fraction := float64(usedBytes) / float64(w.limitBytes)
	switch {
	case fraction >= w.thresholds.RejectFraction:
		return LevelReject
	case fraction >= w.thresholds.PauseFraction:
		return LevelPause
	case fraction >= w.thresholds.WarnFraction:
		return LevelWarn
	default:
		return LevelNormal
	}
}

// Level returns the current level without sampling.
func (w *Watchdog) Level() Level {
	return Level(w.level.Load())
}

// AllowLease implements worker.Gate: reject and emergency refuse new
// leases. Pause only pauses background tasks, not job leasing.
func (w *Watchdog) AllowLease() bool {
	return w.Level() < LevelReject
}

// AllowSpawn is consulted by the sandbox host before forking a plugin
// process; reject and emergency refuse new spawns.
func (w *Watchdog) AllowSpawn() bool {
	return w.Level() < LevelReject
}

// BackgroundTasksPaused reports whether retention sweeps/reflection should
// skip this cycle.
func (w *Watchdog) BackgroundTasksPaused() bool {
	return w.Level() >= LevelPause
}
