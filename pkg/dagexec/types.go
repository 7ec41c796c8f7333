// Package dagexec executes a plan's step DAG:
// Kahn's-algorithm topological layering, bounded-concurrency per-layer
// dispatch, $ref step-result resolution, condition evaluation, circuit
// breaker skips, failure propagation, and cancellation.
package dagexec

import (
	"context"
	"encoding/json"
	"errors"
)

// StepStatus is the closed enumeration of a step's terminal disposition.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is one node of the plan's DAG.
type Step struct {
	ID            string
	Plugin        string
	Action        string
	Params        map[string]any
	DependsOn     []string
	Condition     any
	ParallelGroup string
}

// StepResult is the outcome of running (or skipping) one step.
type StepResult struct {
	StepID     string     `json:"stepId"`
	Status     StepStatus `json:"status"`
	DurationMs int64      `json:"durationMs"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Status is the overall run disposition.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
)

// Result is the DAG executor's output: per-step results in original plan
// order, plus the overall status.
type Result struct {
	Status      Status       `json:"status"`
	StepResults []StepResult `json:"stepResults"`
	DurationMs  int64        `json:"durationMs"`
}

// StepExecutor runs a single step's plugin call with its resolved
// parameters and returns the raw JSON result.
type StepExecutor func(ctx context.Context, step Step, resolvedParams map[string]any) (json.RawMessage, error)

// Config controls layering and per-step policy.
type Config struct {
	MaxConcurrency    int
	IsCircuitOpen     func(pluginID string) bool
	EvaluateCondition func(condition any, priorResults map[string]any) bool
	StepTimeoutMs     int64
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.IsCircuitOpen == nil {
		c.IsCircuitOpen = func(string) bool { return false }
	}
	if c.EvaluateCondition == nil {
		c.EvaluateCondition = func(any, map[string]any) bool { return true }
	}
	return c
}

var (
	ErrSelfDependency = errors.New("dagexec: step depends on itself")
	ErrUnknownStep    = errors.New("dagexec: unknown dependency step id")
)
