package validator

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/helmrun/orchestrator/pkg/plan"
)

// celEvaluator runs administrator-supplied custom policy expressions that
// can only further restrict a step, never loosen a hard floor: each
// expression must evaluate to true for the step to pass. Programs are
// compiled once and cached per expression.
type celEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("step", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("validator: create CEL env: %w", err)
	}
	return &celEvaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

func (c *celEvaluator) evaluate(expr string, step plan.Step) (bool, error) {
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}

	input := map[string]any{
		"step": map[string]any{
			"id":         step.ID,
			"plugin":     step.Plugin,
			"action":     step.Action,
			"riskLevel":  string(step.RiskLevel),
			"parameters": step.Parameters,
		},
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("validator: eval custom policy %q: %w", expr, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("validator: custom policy %q did not evaluate to bool", expr)
	}
	return val, nil
}

func (c *celEvaluator) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.prgCache[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok = c.prgCache[expr]; ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("validator: compile custom policy %q: %w", expr, issues.Err())
	}
	p, err := c.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10_000))
	if err != nil {
		return nil, fmt.Errorf("validator: build program for %q: %w", expr, err)
	}
	c.prgCache[expr] = p
	return p, nil
}
