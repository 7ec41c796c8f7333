package dagexec

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func echoExecutor(prefix string) StepExecutor {
	return func(ctx context.Context, step Step, params map[string]any) (json.RawMessage, error) {
		out, _ := json.Marshal(map[string]any{"step": step.ID, "prefix": prefix})
		return out, nil
	}
}

func TestExecuteRunsStepsInDependencyOrder(t *testing.T) {
	steps := []Step{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	}
	e := New()
	result, err := e.Execute(context.Background(), steps, echoExecutor("x"), nil, Config{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Len(t, result.StepResults, 3)
	require.Equal(t, "a", result.StepResults[0].StepID)
	require.Equal(t, "b", result.StepResults[1].StepID)
	require.Equal(t, "c", result.StepResults[2].StepID)
	for _, r := range result.StepResults {
		require.Equal(t, StepCompleted, r.Status)
	}
}

func TestExecuteDetectsCycle(t *testing.T) {
	steps := []Step{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	e := New()
	_, err := e.Execute(context.Background(), steps, echoExecutor("x"), nil, Config{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Cycle detected")
}

func TestExecuteRejectsSelfDependency(t *testing.T) {
	steps := []Step{{ID: "a", DependsOn: []string{"a"}}}
	e := New()
	_, err := e.Execute(context.Background(), steps, echoExecutor("x"), nil, Config{})
	require.ErrorIs(t, err, ErrSelfDependency)
}

func TestExecutePropagatesFailureToDependents(t *testing.T) {
	steps := []Step{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "indep"},
	}
	failingExec := func(ctx context.Context, step Step, params map[string]any) (json.RawMessage, error) {
		if step.ID == "a" {
			return nil, errBoom
		}
		return echoExecutor("x")(ctx, step, params)
	}
	e := New()
	result, err := e.Execute(context.Background(), steps, failingExec, nil, Config{})
	require.NoError(t, err)
	require.Equal(t, StatusPartial, result.Status)

	byID := indexResults(result.StepResults)
	require.Equal(t, StepFailed, byID["a"].Status)
	require.Equal(t, StepSkipped, byID["b"].Status)
	require.Contains(t, byID["b"].Error, "a")
	require.Equal(t, StepCompleted, byID["indep"].Status)
}

func TestExecuteSkipsOnCircuitOpen(t *testing.T) {
	steps := []Step{{ID: "a", Plugin: "flaky"}}
	e := New()
	cfg := Config{IsCircuitOpen: func(p string) bool { return p == "flaky" }}
	result, err := e.Execute(context.Background(), steps, echoExecutor("x"), nil, cfg)
	require.NoError(t, err)
	require.Equal(t, StepSkipped, result.StepResults[0].Status)
	require.Contains(t, result.StepResults[0].Error, "Circuit breaker open")
}

func TestExecuteSkipsOnFalseCondition(t *testing.T) {
	steps := []Step{{ID: "a", Condition: "false"}}
	e := New()
	cfg := Config{EvaluateCondition: func(cond any, prior map[string]any) bool { return false }}
	result, err := e.Execute(context.Background(), steps, echoExecutor("x"), nil, cfg)
	require.NoError(t, err)
	require.Equal(t, StepSkipped, result.StepResults[0].Status)
	require.Equal(t, "Condition evaluated to false", result.StepResults[0].Error)
	require.Equal(t, StatusCompleted, result.Status)
}

func TestExecuteHonorsCancellation(t *testing.T) {
	steps := []Step{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}}
	cancel := make(chan struct{})
	close(cancel)
	e := New()
	result, err := e.Execute(context.Background(), steps, echoExecutor("x"), cancel, Config{})
	require.NoError(t, err)
	for _, r := range result.StepResults {
		require.Equal(t, StepSkipped, r.Status)
		require.Equal(t, "Cancelled", r.Error)
	}
}

func TestParallelGroupKeepsStepsInSameLayer(t *testing.T) {
	steps := []Step{
		{ID: "root"},
		{ID: "a", DependsOn: []string{"root"}, ParallelGroup: "g1"},
		{ID: "b", ParallelGroup: "g1"},
	}
	layers, err := layer(steps)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	ids := map[string]bool{}
	for _, s := range layers[1] {
		ids[s.ID] = true
	}
	require.True(t, ids["a"])
	require.True(t, ids["b"])
}

func TestResolveRefDescendsPathWithArrayAndMapSegments(t *testing.T) {
	prior := map[string]any{
		"step1": map[string]any{
			"items": []any{
				map[string]any{"name": "first"},
				map[string]any{"name": "second"},
			},
		},
	}
	params := map[string]any{"target": "$ref:step:step1.items.1.name"}
	resolved := resolveParams(params, prior, nil)
	require.Equal(t, "second", resolved["target"])
}

func TestResolveRefLeavesUnresolvedReferenceUnchanged(t *testing.T) {
	params := map[string]any{"target": "$ref:step:missing.a.b"}
	resolved := resolveParams(params, map[string]any{}, nil)
	require.Equal(t, "$ref:step:missing.a.b", resolved["target"])
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}

func indexResults(results []StepResult) map[string]StepResult {
	out := make(map[string]StepResult, len(results))
	for _, r := range results {
		out[r.StepID] = r
	}
	return out
}
