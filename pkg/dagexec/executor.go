package dagexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Executor runs a plan's steps to completion, honoring layering, circuit
// breakers, conditions, failure propagation and cancellation.
type Executor struct {
	clock  func() time.Time
	logger *slog.Logger
}

func New(opts ...Option) *Executor {
	e := &Executor{clock: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

type Option func(*Executor)

func WithClock(c func() time.Time) Option   { return func(e *Executor) { e.clock = c } }
func WithLogger(l *slog.Logger) Option       { return func(e *Executor) { e.logger = l } }

// Execute runs steps against exec, respecting cfg and the cancel channel.
// Step results are returned in original plan order regardless of dispatch
// order within a layer.
func (e *Executor) Execute(ctx context.Context, steps []Step, exec StepExecutor, cancel <-chan struct{}, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()
	start := e.clock()

	layers, err := layer(steps)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	results := make(map[string]StepResult, len(steps))
	priorRaw := make(map[string]any, len(steps))
	blocked := make(map[string]string) // stepID -> reason

	cancelled := func() bool {
		select {
		case <-cancel:
			return true
		default:
			return ctx.Err() != nil
		}
	}

	for _, lsteps := range layers {
		if cancelled() {
			for _, s := range lsteps {
				mu.Lock()
				results[s.ID] = StepResult{StepID: s.ID, Status: StepSkipped, Error: "Cancelled"}
				mu.Unlock()
			}
			continue
		}

		// Failure/skip propagation: a step is blocked if any dependency
		// already failed or was skipped.
		for _, s := range lsteps {
			for _, dep := range s.DependsOn {
				mu.Lock()
				depResult, done := results[dep]
				mu.Unlock()
				if done && depResult.Status != StepCompleted {
					blocked[s.ID] = fmt.Sprintf("Dependency %s did not complete", dep)
					break
				}
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.MaxConcurrency)

		for _, step := range lsteps {
			step := step
			g.Go(func() error {
				e.runStep(gctx, step, exec, cfg, cancel, &mu, results, priorRaw, blocked, e.logger)
				return nil
			})
		}
		_ = g.Wait()
	}

	ordered := make([]StepResult, len(steps))
	for i, s := range steps {
		ordered[i] = results[s.ID]
	}

	status := overallStatus(ordered)
	return &Result{
		Status:      status,
		StepResults: ordered,
		DurationMs:  e.clock().Sub(start).Milliseconds(),
	}, nil
}

func overallStatus(results []StepResult) Status {
	allOK := true
	allFailed := true
	for _, r := range results {
		switch r.Status {
		case StepCompleted:
			allFailed = false
		case StepSkipped:
			if r.Error == "Condition evaluated to false" {
				allFailed = false
				continue
			}
			allOK = false
		case StepFailed:
			allOK = false
		}
	}
	if allOK {
		return StatusCompleted
	}
	if allFailed {
		return StatusFailed
	}
	return StatusPartial
}

func (e *Executor) runStep(
	ctx context.Context,
	step Step,
	exec StepExecutor,
	cfg Config,
	cancel <-chan struct{},
	mu *sync.Mutex,
	results map[string]StepResult,
	priorRaw map[string]any,
	blocked map[string]string,
	logger *slog.Logger,
) {
	record := func(res StepResult) {
		mu.Lock()
		results[step.ID] = res
		if res.Status == StepCompleted {
			priorRaw[step.ID] = res.Result
		}
		mu.Unlock()
	}

	select {
	case <-cancel:
		record(StepResult{StepID: step.ID, Status: StepSkipped, Error: "Cancelled"})
		return
	default:
	}

	mu.Lock()
	reason, isBlocked := blocked[step.ID]
	snapshot := make(map[string]any, len(priorRaw))
	for k, v := range priorRaw {
		snapshot[k] = v
	}
	mu.Unlock()
	if isBlocked {
		record(StepResult{StepID: step.ID, Status: StepSkipped, Error: reason})
		return
	}

	if cfg.IsCircuitOpen(step.Plugin) {
		record(StepResult{StepID: step.ID, Status: StepSkipped, Error: fmt.Sprintf("Circuit breaker open for plugin: %s", step.Plugin)})
		return
	}

	if step.Condition != nil && !cfg.EvaluateCondition(step.Condition, snapshot) {
		record(StepResult{StepID: step.ID, Status: StepSkipped, Error: "Condition evaluated to false"})
		return
	}

	resolvedParams := resolveParams(step.Params, snapshot, func(ref string) {
		logger.Warn("unresolved step reference", "step", step.ID, "ref", ref)
	})

	stepCtx := ctx
	var cancelTimeout context.CancelFunc
	if cfg.StepTimeoutMs > 0 {
		stepCtx, cancelTimeout = context.WithTimeout(ctx, time.Duration(cfg.StepTimeoutMs)*time.Millisecond)
		defer cancelTimeout()
	}

	start := e.clock()
	raw, err := exec(stepCtx, step, resolvedParams)
	duration := e.clock().Sub(start).Milliseconds()

	if err != nil {
		record(StepResult{StepID: step.ID, Status: StepFailed, DurationMs: duration, Error: err.Error()})
		return
	}

	var decoded any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	record(StepResult{StepID: step.ID, Status: StepCompleted, DurationMs: duration, Result: decoded})
}
