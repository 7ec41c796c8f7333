package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	reply       string
	maxContext  int
}

func (f *fakeProvider) Chat(ctx context.Context, req ChatRequest) (<-chan ChatChunk, error) {
	ch := make(chan ChatChunk, 1)
	ch <- ChatChunk{Delta: f.reply, Done: true}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) EstimateTokens(text string) int { return len(text) / 4 }
func (f *fakeProvider) MaxContextTokens() int {
	if f.maxContext > 0 {
		return f.maxContext
	}
	return 100_000
}

func TestPlanReturnsFastPathForPlainText(t *testing.T) {
	c := New(&fakeProvider{reply: "Paris is the capital of France."})
	resp, err := c.Plan(context.Background(), Request{JobID: "job-1", UserMessage: "what's the capital of France?"})
	require.NoError(t, err)
	require.Equal(t, PathFast, resp.Path)
	require.False(t, resp.RequiresReroute)
}

func TestPlanDetectsRerouteLanguage(t *testing.T) {
	c := New(&fakeProvider{reply: "I've gone ahead and deleted the file for you."})
	resp, err := c.Plan(context.Background(), Request{JobID: "job-1", UserMessage: "delete my old logs"})
	require.NoError(t, err)
	require.Equal(t, PathFast, resp.Path)
	require.True(t, resp.RequiresReroute)
}

func TestPlanReturnsFullPathForJSONPlan(t *testing.T) {
	reply := `{"steps":[{"id":"s1","plugin":"fs","action":"list","riskLevel":"low"}]}`
	c := New(&fakeProvider{reply: reply})
	resp, err := c.Plan(context.Background(), Request{JobID: "job-2", UserMessage: "list my files"})
	require.NoError(t, err)
	require.Equal(t, PathFull, resp.Path)
	require.NotNil(t, resp.Plan)
	require.Equal(t, "job-2", resp.Plan.JobID)
	require.Len(t, resp.Plan.Steps, 1)
}

func TestPlanRejectsWhenTokenBudgetExceeded(t *testing.T) {
	c := New(&fakeProvider{reply: "hi", maxContext: 100})
	_, err := c.Plan(context.Background(), Request{JobID: "job-3", CumulativeTokens: 100})
	require.ErrorIs(t, err, ErrTokenBudgetExceeded)
}
