package pipeline

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helmrun/orchestrator/pkg/dagexec"
	"github.com/helmrun/orchestrator/pkg/envelope"
	"github.com/helmrun/orchestrator/pkg/plan"
	"github.com/helmrun/orchestrator/pkg/planner"
	"github.com/helmrun/orchestrator/pkg/queue"
)

// fakeDispatcher routes envelopes to canned responses keyed by recipient,
// letting each test script the planner/validator round trip without a real
// router.Router.
type fakeDispatcher struct {
	planResponses     []planner.Response
	validateResponses []plan.ValidationResult
	planCalls         int
	validateCalls     int
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error) {
	switch e.Type {
	case envelope.TypePlanRequest:
		resp := f.planResponses[f.planCalls]
		f.planCalls++
		payload, _ := json.Marshal(resp)
		return &envelope.Envelope{Type: envelope.TypePlanResponse, Payload: payload}, nil
	case envelope.TypeValidateRequest:
		resp := f.validateResponses[f.validateCalls]
		f.validateCalls++
		payload, _ := json.Marshal(resp)
		return &envelope.Envelope{Type: envelope.TypeValidateResponse, Payload: payload}, nil
	}
	return nil, nil
}

type fakeDAGExecutor struct {
	result *dagexec.Result
	err    error
}

func (f *fakeDAGExecutor) Execute(ctx context.Context, steps []dagexec.Step, exec dagexec.StepExecutor, cancel <-chan struct{}, cfg dagexec.Config) (*dagexec.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func noopStepRunner(ctx context.Context, step dagexec.Step, resolvedParams map[string]any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func testSignerKey() (string, ed25519.PrivateKey) {
	_, priv, _ := ed25519.GenerateKey(nil)
	return "pipeline", priv
}

func newTestJob(t *testing.T, store queue.Store, meta jobMetadata) *queue.Job {
	t.Helper()
	metaRaw, err := json.Marshal(meta)
	require.NoError(t, err)
	job, err := store.Enqueue(context.Background(), queue.EnqueueRequest{
		ConversationID: "conv-1",
		Source:         queue.SourceUser,
		Metadata:       metaRaw,
	})
	require.NoError(t, err)
	return job
}

func TestProcessFastPathCompletesWithoutPlanning(t *testing.T) {
	store := queue.NewMemoryStore()
	job := newTestJob(t, store, jobMetadata{UserMessage: "what time is it"})

	signerID, key := testSignerKey()
	dispatcher := &fakeDispatcher{planResponses: []planner.Response{
		{Path: planner.PathFast, Text: "it is noon"},
	}}
	dagExec := &fakeDAGExecutor{}
	p := New(store, dispatcher, dagExec, noopStepRunner, signerID, key)

	err := p.Process(context.Background(), job)
	require.NoError(t, err)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, got.Status)
}

func TestProcessFastPathRerouteFallsThroughToFullPath(t *testing.T) {
	store := queue.NewMemoryStore()
	job := newTestJob(t, store, jobMetadata{UserMessage: "send the invoice"})

	signerID, key := testSignerKey()
	dispatcher := &fakeDispatcher{
		planResponses: []planner.Response{
			{Path: planner.PathFast, Text: "I've gone ahead and sent it", RequiresReroute: true},
			{Path: planner.PathFull, Plan: &plan.Plan{ID: "p1", JobID: job.ID, Steps: []plan.Step{
				{ID: "s1", Plugin: "email", Action: "send", RiskLevel: plan.RiskLow},
			}}},
		},
		validateResponses: []plan.ValidationResult{
			{Verdict: plan.VerdictApproved, OverallRisk: plan.RiskLow},
		},
	}
	dagExec := &fakeDAGExecutor{result: &dagexec.Result{Status: dagexec.StatusCompleted}}
	p := New(store, dispatcher, dagExec, noopStepRunner, signerID, key)

	err := p.Process(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 2, dispatcher.planCalls)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, got.Status)
}

func TestProcessApprovedLowRiskExecutesAndCompletes(t *testing.T) {
	store := queue.NewMemoryStore()
	job := newTestJob(t, store, jobMetadata{UserMessage: "list my files"})

	signerID, key := testSignerKey()
	dispatcher := &fakeDispatcher{
		planResponses: []planner.Response{
			{Path: planner.PathFull, Plan: &plan.Plan{ID: "p1", JobID: job.ID, Steps: []plan.Step{
				{ID: "s1", Plugin: "fs", Action: "list", RiskLevel: plan.RiskLow},
			}}},
		},
		validateResponses: []plan.ValidationResult{
			{Verdict: plan.VerdictApproved, OverallRisk: plan.RiskLow},
		},
	}
	dagExec := &fakeDAGExecutor{result: &dagexec.Result{Status: dagexec.StatusCompleted}}
	p := New(store, dispatcher, dagExec, noopStepRunner, signerID, key)

	err := p.Process(context.Background(), job)
	require.NoError(t, err)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, got.Status)
}

func TestProcessRejectedPlanFailsJob(t *testing.T) {
	store := queue.NewMemoryStore()
	job := newTestJob(t, store, jobMetadata{UserMessage: "wire all the money"})

	signerID, key := testSignerKey()
	dispatcher := &fakeDispatcher{
		planResponses: []planner.Response{
			{Path: planner.PathFull, Plan: &plan.Plan{ID: "p1", JobID: job.ID, Steps: []plan.Step{
				{ID: "s1", Plugin: "bank", Action: "wire", RiskLevel: plan.RiskHigh},
			}}},
		},
		validateResponses: []plan.ValidationResult{
			{Verdict: plan.VerdictRejected, OverallRisk: plan.RiskHigh},
		},
	}
	dagExec := &fakeDAGExecutor{}
	p := New(store, dispatcher, dagExec, noopStepRunner, signerID, key)

	err := p.Process(context.Background(), job)
	require.NoError(t, err)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, got.Status)
}

func TestProcessRevisionLimitExceededFailsJob(t *testing.T) {
	store := queue.NewMemoryStore()
	job := newTestJob(t, store, jobMetadata{UserMessage: "do something vague"})

	signerID, key := testSignerKey()
	dispatcher := &fakeDispatcher{}
	for i := 0; i < defaultMaxRevisionCount+1; i++ {
		dispatcher.planResponses = append(dispatcher.planResponses, planner.Response{
			Path: planner.PathFull, Plan: &plan.Plan{
				ID: "p", JobID: job.ID,
				Steps: []plan.Step{{ID: "s1", Plugin: "noop", Action: "a", RiskLevel: plan.RiskLow,
					Parameters: map[string]any{"revision": i}}},
			},
		})
		dispatcher.validateResponses = append(dispatcher.validateResponses, plan.ValidationResult{
			Verdict: plan.VerdictNeedsRevision, OverallRisk: plan.RiskLow,
		})
	}
	dagExec := &fakeDAGExecutor{}
	p := New(store, dispatcher, dagExec, noopStepRunner, signerID, key)

	err := p.Process(context.Background(), job)
	require.NoError(t, err)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, got.Status)
	var ue queue.UserError
	require.NoError(t, json.Unmarshal(got.Error, &ue))
	require.Equal(t, ErrRevisionLimitExceeded.Error(), ue.Code)
}

func TestProcessUnchangedPlanAfterRevisionFailsFast(t *testing.T) {
	store := queue.NewMemoryStore()
	job := newTestJob(t, store, jobMetadata{UserMessage: "do the thing"})

	samePlan := plan.Plan{ID: "p", JobID: job.ID, Steps: []plan.Step{
		{ID: "s1", Plugin: "noop", Action: "a", RiskLevel: plan.RiskLow},
	}}

	signerID, key := testSignerKey()
	dispatcher := &fakeDispatcher{
		planResponses: []planner.Response{
			{Path: planner.PathFull, Plan: &samePlan},
			{Path: planner.PathFull, Plan: &samePlan},
		},
		validateResponses: []plan.ValidationResult{
			{Verdict: plan.VerdictNeedsRevision, OverallRisk: plan.RiskLow},
		},
	}
	dagExec := &fakeDAGExecutor{}
	p := New(store, dispatcher, dagExec, noopStepRunner, signerID, key)

	err := p.Process(context.Background(), job)
	require.NoError(t, err)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, got.Status)
	var ue queue.UserError
	require.NoError(t, json.Unmarshal(got.Error, &ue))
	require.Equal(t, ErrUnchangedPlanReplanned.Error(), ue.Code)
	// Only one validate call: the second identical plan is caught before
	// ever reaching the validator again.
	require.Equal(t, 1, dispatcher.validateCalls)
}

func TestProcessTrustModeSkipsApprovalWait(t *testing.T) {
	store := queue.NewMemoryStore()
	job := newTestJob(t, store, jobMetadata{UserMessage: "delete old logs", TrustMode: true})

	signerID, key := testSignerKey()
	dispatcher := &fakeDispatcher{
		planResponses: []planner.Response{
			{Path: planner.PathFull, Plan: &plan.Plan{ID: "p", JobID: job.ID, Steps: []plan.Step{
				{ID: "s1", Plugin: "fs", Action: "delete", RiskLevel: plan.RiskMedium},
			}}},
		},
		validateResponses: []plan.ValidationResult{
			{Verdict: plan.VerdictNeedsUserApproval, OverallRisk: plan.RiskMedium},
		},
	}
	dagExec := &fakeDAGExecutor{result: &dagexec.Result{Status: dagexec.StatusCompleted}}
	p := New(store, dispatcher, dagExec, noopStepRunner, signerID, key)

	err := p.Process(context.Background(), job)
	require.NoError(t, err)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, got.Status)
}

func TestProcessApprovalTimeoutFailsJob(t *testing.T) {
	store := queue.NewMemoryStore()
	job := newTestJob(t, store, jobMetadata{UserMessage: "delete prod database"})

	signerID, key := testSignerKey()
	dispatcher := &fakeDispatcher{
		planResponses: []planner.Response{
			{Path: planner.PathFull, Plan: &plan.Plan{ID: "p", JobID: job.ID, Steps: []plan.Step{
				{ID: "s1", Plugin: "db", Action: "drop", RiskLevel: plan.RiskHigh},
			}}},
		},
		validateResponses: []plan.ValidationResult{
			{Verdict: plan.VerdictNeedsUserApproval, OverallRisk: plan.RiskHigh},
		},
	}
	dagExec := &fakeDAGExecutor{}
	p := New(store, dispatcher, dagExec, noopStepRunner, signerID, key, WithApprovalTimeout(30*time.Millisecond))

	err := p.Process(context.Background(), job)
	require.NoError(t, err)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, got.Status)
	var ue queue.UserError
	require.NoError(t, json.Unmarshal(got.Error, &ue))
	require.Equal(t, ErrApprovalTimedOut.Error(), ue.Code)
}

func TestProcessApprovalGrantedExternallyExecutes(t *testing.T) {
	store := queue.NewMemoryStore()
	job := newTestJob(t, store, jobMetadata{UserMessage: "restart the service"})

	signerID, key := testSignerKey()
	dispatcher := &fakeDispatcher{
		planResponses: []planner.Response{
			{Path: planner.PathFull, Plan: &plan.Plan{ID: "p", JobID: job.ID, Steps: []plan.Step{
				{ID: "s1", Plugin: "svc", Action: "restart", RiskLevel: plan.RiskMedium},
			}}},
		},
		validateResponses: []plan.ValidationResult{
			{Verdict: plan.VerdictNeedsUserApproval, OverallRisk: plan.RiskMedium},
		},
	}
	dagExec := &fakeDAGExecutor{result: &dagexec.Result{Status: dagexec.StatusCompleted}}
	p := New(store, dispatcher, dagExec, noopStepRunner, signerID, key, WithApprovalTimeout(2*time.Second))

	done := make(chan error, 1)
	go func() { done <- p.Process(context.Background(), job) }()

	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), job.ID)
		return err == nil && got.Status == queue.StatusAwaitingApproval
	}, time.Second, 5*time.Millisecond)

	_, err := store.Transition(context.Background(), job.ID, queue.StatusAwaitingApproval, queue.StatusExecuting, nil)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not return after external approval")
	}

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, got.Status)
}

func TestProcessDagFailurePropagatesToJobFailed(t *testing.T) {
	store := queue.NewMemoryStore()
	job := newTestJob(t, store, jobMetadata{UserMessage: "run the batch"})

	signerID, key := testSignerKey()
	dispatcher := &fakeDispatcher{
		planResponses: []planner.Response{
			{Path: planner.PathFull, Plan: &plan.Plan{ID: "p", JobID: job.ID, Steps: []plan.Step{
				{ID: "s1", Plugin: "batch", Action: "run", RiskLevel: plan.RiskLow},
			}}},
		},
		validateResponses: []plan.ValidationResult{
			{Verdict: plan.VerdictApproved, OverallRisk: plan.RiskLow},
		},
	}
	dagExec := &fakeDAGExecutor{result: &dagexec.Result{Status: dagexec.StatusFailed, StepResults: []dagexec.StepResult{
		{StepID: "s1", Status: dagexec.StepFailed, Error: "boom"},
	}}}
	p := New(store, dispatcher, dagExec, noopStepRunner, signerID, key)

	err := p.Process(context.Background(), job)
	require.NoError(t, err)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, got.Status)
}
