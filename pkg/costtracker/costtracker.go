// Package costtracker tracks LLM call spend: a component-labeled pricing
// lookup with a fallback, an in-memory daily aggregate (nothing is
// persisted), and an alert level raised at 80/95/100% of dailyLimitUsd. Days reset on
// UTC boundaries.
package costtracker

import (
	"sync"
	"time"
)

// AlertLevel is the closed set of alert states raised at 80/95/100% of
// the daily limit.
type AlertLevel string

const (
	AlertNone     AlertLevel = "none"
	AlertWarning  AlertLevel = "warning"  // >= 80%
	AlertCritical AlertLevel = "critical" // >= 95%
	AlertExceeded AlertLevel = "exceeded" // >= 100%
)

const defaultDailyLimitUsd = 5.0

// PricingTable maps a component id to its per-call cost in USD, with a
// fallback used for unrecognized components.
type PricingTable struct {
	byComponent map[string]float64
	fallback    float64
}

// NewPricingTable builds a lookup with the given fallback rate, used when a
// component has no explicit entry.
func NewPricingTable(fallback float64) *PricingTable {
	return &PricingTable{byComponent: make(map[string]float64), fallback: fallback}
}

func (p *PricingTable) Set(component string, usdPerCall float64) {
	p.byComponent[component] = usdPerCall
}

func (p *PricingTable) Lookup(component string) float64 {
	if v, ok := p.byComponent[component]; ok {
		return v
	}
	return p.fallback
}

// dailyUsage tracks one UTC calendar day's spend.
type dailyUsage struct {
	day       string // YYYY-MM-DD, UTC
	totalUsd  float64
	callCount int
}

// Tracker implements recordCall/getAlertLevel/isLimitReached.
type Tracker struct {
	dailyLimitUsd float64
	pricing       *PricingTable
	clock         func() time.Time

	mu    sync.Mutex
	usage dailyUsage
}

// Option configures a Tracker at construction.
type Option func(*Tracker)

func WithDailyLimitUsd(limit float64) Option { return func(t *Tracker) { t.dailyLimitUsd = limit } }
func WithClock(c func() time.Time) Option    { return func(t *Tracker) { t.clock = c } }

// NewTracker constructs a Tracker. dailyLimitUsd defaults to 5.
func NewTracker(pricing *PricingTable, opts ...Option) *Tracker {
	t := &Tracker{
		dailyLimitUsd: defaultDailyLimitUsd,
		pricing:       pricing,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) dayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// rolloverLocked resets the aggregate if the UTC calendar day has changed.
// Caller must hold t.mu.
func (t *Tracker) rolloverLocked(now time.Time) {
	key := t.dayKey(now)
	if t.usage.day != key {
		t.usage = dailyUsage{day: key}
	}
}

// RecordCall adds one call's cost to today's aggregate. component drives the pricing lookup; callCostOverrideUsd,
// if non-nil, is used instead of the pricing table (for providers that
// report exact usage-based cost).
func (t *Tracker) RecordCall(component string, callCostOverrideUsd *float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	t.rolloverLocked(now)

	cost := t.pricing.Lookup(component)
	if callCostOverrideUsd != nil {
		cost = *callCostOverrideUsd
	}
	t.usage.totalUsd += cost
	t.usage.callCount++
	return t.usage.totalUsd
}

// GetAlertLevel returns the alert level for today's aggregate against
// dailyLimitUsd.
func (t *Tracker) GetAlertLevel() AlertLevel {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(t.clock())
	return alertLevelFor(t.usage.totalUsd, t.dailyLimitUsd)
}

func alertLevelFor(spentUsd, limitUsd float64) AlertLevel {
	if limitUsd <= 0 {
		return AlertNone
	}
	fraction := spentUsd / limitUsd
	switch {
	case fraction >= 1.0:
		return AlertExceeded
	case fraction >= 0.95:
		return AlertCritical
	case fraction >= 0.80:
		return AlertWarning
	default:
		return AlertNone
	}
}

// IsLimitReached reports whether today's spend has reached or exceeded the
// daily limit.
func (t *Tracker) IsLimitReached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(t.clock())
	return t.usage.totalUsd >= t.dailyLimitUsd
}

// TodaySpendUsd exposes the running total for metrics/audit.
func (t *Tracker) TodaySpendUsd() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked(t.clock())
	return t.usage.totalUsd
}
