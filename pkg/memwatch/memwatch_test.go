package memwatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelTransitionsOnThresholdCrossings(t *testing.T) {
	w := NewWatchdog(1000)

	require.Equal(t, LevelNormal, w.Evaluate(100))
	require.Equal(t, LevelWarn, w.Evaluate(700))
	require.Equal(t, LevelPause, w.Evaluate(800))
	require.Equal(t, LevelReject, w.Evaluate(900))
}

func TestOnTransitionFiresOnlyOnChange(t *testing.T) {
	var transitions []string
	w := NewWatchdog(1000, WithOnTransition(func(from, to Level) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}))

	w.Evaluate(100)
	w.Evaluate(100)
	w.Evaluate(750)
	w.Evaluate(750)

	require.Equal(t, []string{"normal->warn"}, transitions)
}

func TestAllowLeaseRefusesAtRejectAndAbove(t *testing.T) {
	w := NewWatchdog(1000)
	w.Evaluate(100)
	require.True(t, w.AllowLease())

	w.Evaluate(800) // pause pauses background tasks only
	require.True(t, w.AllowLease())

	w.Evaluate(900)
	require.False(t, w.AllowLease())
}

func TestAllowSpawnRefusesAtRejectAndAbove(t *testing.T) {
	w := NewWatchdog(1000)
	w.Evaluate(800)
	require.True(t, w.AllowSpawn())

	w.Evaluate(900)
	require.False(t, w.AllowSpawn())
}

func TestZeroLimitAlwaysNormal(t *testing.T) {
	w := NewWatchdog(0)
	require.Equal(t, LevelNormal, w.Evaluate(1_000_000))
}
