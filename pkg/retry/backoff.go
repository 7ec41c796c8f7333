// Package retry computes the backoff delay for retriable step and LLM-call
// failures: exponential with a deterministic jitter term, capped.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Params identifies the specific retry attempt the jitter is seeded from, so
// that two processes retrying the same logical attempt compute the same
// delay without sharing random state.
type Params struct {
	JobID        string
	StepID       string
	AttemptIndex int
}

// Policy bounds the computed delay. Defaults: base 1000ms, jitter up to
// 1000ms, cap 30s.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
}

func DefaultPolicy() Policy {
	return Policy{BaseMs: 1000, MaxMs: 30_000, MaxJitterMs: 1000}
}

// ComputeBackoff returns delay = min(base*2^attempt + jitter(0..maxJitter), max).
func ComputeBackoff(p Params, policy Policy) time.Duration {
	factor := int64(1)
	switch {
	case p.AttemptIndex <= 0:
		factor = 1
	case p.AttemptIndex > 30:
		factor = 1 << 30
	default:
		factor = 1 << uint(p.AttemptIndex)
	}

	delay := policy.BaseMs * factor
	jitter := deterministicJitter(p, policy)
	delay += jitter

	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}
	return time.Duration(delay) * time.Millisecond
}

// deterministicJitter derives a 0..MaxJitterMs value from a SHA-256-seeded
// PRF over the attempt's identity, so repeated computations for the same
// (job, step, attempt) agree without coordination.
func deterministicJitter(p Params, policy Policy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", p.JobID, p.StepID, p.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs))
}

// Classify reports whether an error code is
// retriable at the step/call level.
func Classify(code string) bool {
	switch code {
	case "RATE_LIMIT", "QUOTA_EXCEEDED", "PROVIDER_ERROR_5XX", "TIMEOUT":
		return true
	default:
		return false
	}
}
