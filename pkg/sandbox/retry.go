package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/helmrun/orchestrator/pkg/retry"
)

// MaxStepAttempts is the default bound on step-attempt retries.
// Retries happen at the smallest unit with idempotent semantics — the
// sandbox execution itself — never in the DAG executor or pipeline above it.
const MaxStepAttempts = 3

// ExecuteWithRetry runs Execute, retrying a GEAR_TIMEOUT failure up to
// maxAttempts times with exponential backoff (base 1s, cap 30s,
// deterministic jitter seeded from jobID/stepID/attempt). Non-timeout
// failures (missing plugin, checksum mismatch, unsigned manifest, the
// plugin's own error) are not retried: re-running the same call is no more
// likely to succeed, and a retry there would just mask the failure longer.
func (h *Host) ExecuteWithRetry(ctx context.Context, jobID, pluginID, action string, parameters map[string]any, stepID string, maxAttempts int) (*Result, error) {
	if maxAttempts <= 0 {
		maxAttempts = MaxStepAttempts
	}
	policy := retry.DefaultPolicy()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := retry.ComputeBackoff(retry.Params{
				JobID:        jobID,
				StepID:       stepID,
				AttemptIndex: attempt - 1,
			}, policy)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := h.Execute(ctx, pluginID, action, parameters, stepID)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var ge *GearError
		if !errors.As(err, &ge) || ge.Code != ErrGearTimeout {
			return nil, err
		}
	}
	return nil, lastErr
}
