package retry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeBackoffIsDeterministic(t *testing.T) {
	p := Params{JobID: "job-1", StepID: "step-1", AttemptIndex: 2}
	policy := DefaultPolicy()

	d1 := ComputeBackoff(p, policy)
	d2 := ComputeBackoff(p, policy)
	require.Equal(t, d1, d2)
}

func TestComputeBackoffCapsAtMax(t *testing.T) {
	p := Params{JobID: "job-1", StepID: "step-1", AttemptIndex: 20}
	policy := DefaultPolicy()

	d := ComputeBackoff(p, policy)
	require.LessOrEqual(t, d.Milliseconds(), policy.MaxMs)
}

func TestComputeBackoffGrowsWithAttempt(t *testing.T) {
	policy := Policy{BaseMs: 1000, MaxMs: 30_000, MaxJitterMs: 0}
	d0 := ComputeBackoff(Params{JobID: "j", StepID: "s", AttemptIndex: 0}, policy)
	d1 := ComputeBackoff(Params{JobID: "j", StepID: "s", AttemptIndex: 1}, policy)
	d2 := ComputeBackoff(Params{JobID: "j", StepID: "s", AttemptIndex: 2}, policy)

	require.Less(t, d0, d1)
	require.Less(t, d1, d2)
}

func TestClassifyRetriableCodes(t *testing.T) {
	require.True(t, Classify("RATE_LIMIT"))
	require.True(t, Classify("PROVIDER_ERROR_5XX"))
	require.False(t, Classify("VALIDATION_ERROR"))
	require.False(t, Classify("AUTH_ERROR"))
}
