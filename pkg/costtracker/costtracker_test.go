package costtracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordCallUsesPricingTableByComponent(t *testing.T) {
	pricing := NewPricingTable(0.01)
	pricing.Set("planner", 0.05)

	tr := NewTracker(pricing, WithDailyLimitUsd(1.0))
	total := tr.RecordCall("planner", nil)
	require.InDelta(t, 0.05, total, 1e-9)

	total = tr.RecordCall("unknown-component", nil)
	require.InDelta(t, 0.06, total, 1e-9)
}

func TestRecordCallOverrideBypassesPricingTable(t *testing.T) {
	pricing := NewPricingTable(0.01)
	tr := NewTracker(pricing)
	override := 1.23
	total := tr.RecordCall("planner", &override)
	require.InDelta(t, 1.23, total, 1e-9)
}

func TestAlertLevelsAtThresholds(t *testing.T) {
	pricing := NewPricingTable(0)
	// Binary-exact increments so the running total never drifts below a
	// threshold by a ULP: 12/16, 13/16, 15.5/16, 16/16.
	tr := NewTracker(pricing, WithDailyLimitUsd(16.0))

	first := 12.0
	tr.RecordCall("x", &first)
	require.Equal(t, AlertNone, tr.GetAlertLevel())

	second := 1.0 // 13/16 = 0.8125
	tr.RecordCall("x", &second)
	require.Equal(t, AlertWarning, tr.GetAlertLevel())

	third := 2.5 // 15.5/16 = 0.96875
	tr.RecordCall("x", &third)
	require.Equal(t, AlertCritical, tr.GetAlertLevel())

	fourth := 0.5
	tr.RecordCall("x", &fourth)
	require.Equal(t, AlertExceeded, tr.GetAlertLevel())
	require.True(t, tr.IsLimitReached())
}

func TestDailyAggregateResetsOnUtcDayRollover(t *testing.T) {
	day1 := time.Date(2026, 7, 28, 23, 0, 0, 0, time.UTC)
	now := day1
	pricing := NewPricingTable(1.0)
	tr := NewTracker(pricing, WithClock(func() time.Time { return now }))

	tr.RecordCall("x", nil)
	require.InDelta(t, 1.0, tr.TodaySpendUsd(), 1e-9)

	now = day1.Add(2 * time.Hour) // crosses into 2026-07-29 UTC
	require.InDelta(t, 0.0, tr.TodaySpendUsd(), 1e-9)
}
