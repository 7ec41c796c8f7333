// Package pipeline implements the per-job state machine that drives a job
// through plan, validate, approval wait, execute, and finalize, implemented
// as the worker.Processor the pool calls for each leased job.
package pipeline

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/helmrun/orchestrator/pkg/dagexec"
	"github.com/helmrun/orchestrator/pkg/envelope"
	"github.com/helmrun/orchestrator/pkg/plan"
	"github.com/helmrun/orchestrator/pkg/planner"
	"github.com/helmrun/orchestrator/pkg/queue"
)

const (
	defaultMaxRevisionCount  = 3
	defaultJobTimeout        = 30 * time.Minute
	defaultDagMaxConcurrency = 4
)

var (
	// ErrPlanRejected is recorded as the job's failure code when the
	// validator returns "rejected".
	ErrPlanRejected = errors.New("PLAN_REJECTED")
	// ErrRevisionLimitExceeded fires when MAX_REVISION_COUNT replan cycles
	// are exhausted without an approved/rejected verdict.
	ErrRevisionLimitExceeded = errors.New("REVISION_LIMIT_EXCEEDED")
	// ErrUnchangedPlanReplanned fires when the planner hands back the exact
	// plan the validator already scored, guarding against re-validating an
	// unchanged plan.
	ErrUnchangedPlanReplanned = errors.New("UNCHANGED_PLAN_REPLANNED")
	// ErrApprovalTimedOut fires when an awaiting_approval job's external
	// signal never arrives within DEFAULT_JOB_TIMEOUT_MS.
	ErrApprovalTimedOut = errors.New("APPROVAL_TIMED_OUT")
	// ErrApprovalDenied fires when the external approval signal denies.
	ErrApprovalDenied = errors.New("APPROVAL_DENIED")
)

// Dispatcher is the narrow router.Router view the pipeline depends on,
// letting tests substitute in-process fakes for the planner/validator
// round trip without standing up a real Registry.
type Dispatcher interface {
	Dispatch(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error)
}

// StepRunner executes one DAG step against the sandbox host (or any other
// plugin executor); kept as a narrow function type so pipeline doesn't
// import pkg/sandbox directly.
type StepRunner func(ctx context.Context, step dagexec.Step, resolvedParams map[string]any) (json.RawMessage, error)

// ProgressSink receives per-step progress events tagged with the job id.
type ProgressSink func(jobID string, result dagexec.StepResult)

// DAGExecutor is the narrow dagexec.Executor view the pipeline depends on.
type DAGExecutor interface {
	Execute(ctx context.Context, steps []dagexec.Step, exec dagexec.StepExecutor, cancel <-chan struct{}, cfg dagexec.Config) (*dagexec.Result, error)
}

type jobIDCtxKey struct{}

// ContextWithJobID attaches the owning job's id to ctx, so a StepRunner
// (which only sees dagexec.Step) can still recover which job a step attempt
// belongs to, e.g. to seed retry jitter deterministically.
func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDCtxKey{}, jobID)
}

// JobIDFromContext recovers the id set by ContextWithJobID.
func JobIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(jobIDCtxKey{}).(string)
	return v, ok
}

type Processor struct {
	store   queue.Store
	router  Dispatcher
	dagExec DAGExecutor
	stepRun StepRunner
	logger  *slog.Logger
	clock   func() time.Time
	newID   func() string

	plannerID   string
	validatorID string
	signerID    string
	signerKey   ed25519.PrivateKey

	maxRevisionCount  int
	approvalTimeout   time.Duration
	dagMaxConcurrency int
	isCircuitOpen     func(pluginID string) bool
	evaluateCondition func(condition any, priorResults map[string]any) bool
	progress          ProgressSink
}

// Option configures a Processor at construction.
type Option func(*Processor)

func WithLogger(l *slog.Logger) Option       { return func(p *Processor) { p.logger = l } }
func WithClock(c func() time.Time) Option    { return func(p *Processor) { p.clock = c } }
func WithIDGenerator(f func() string) Option { return func(p *Processor) { p.newID = f } }
func WithPlannerID(id string) Option         { return func(p *Processor) { p.plannerID = id } }
func WithValidatorID(id string) Option       { return func(p *Processor) { p.validatorID = id } }
func WithMaxRevisionCount(n int) Option      { return func(p *Processor) { p.maxRevisionCount = n } }
func WithApprovalTimeout(d time.Duration) Option {
	return func(p *Processor) { p.approvalTimeout = d }
}
func WithDagMaxConcurrency(n int) Option { return func(p *Processor) { p.dagMaxConcurrency = n } }
func WithCircuitBreakerCheck(fn func(pluginID string) bool) Option {
	return func(p *Processor) { p.isCircuitOpen = fn }
}
func WithConditionEvaluator(fn func(condition any, priorResults map[string]any) bool) Option {
	return func(p *Processor) { p.evaluateCondition = fn }
}
func WithProgressSink(sink ProgressSink) Option { return func(p *Processor) { p.progress = sink } }

// New constructs a Processor. signerID/signerKey sign the plan.request and
// validate.request envelopes the pipeline originates.
func New(store queue.Store, router Dispatcher, dagExec DAGExecutor, stepRun StepRunner, signerID string, signerKey ed25519.PrivateKey, opts ...Option) *Processor {
	p := &Processor{
		store:             store,
		router:            router,
		dagExec:           dagExec,
		stepRun:           stepRun,
		logger:            slog.Default(),
		clock:             time.Now,
		newID:             uuid.NewString,
		plannerID:         "planner",
		validatorID:       "validator",
		signerID:          signerID,
		signerKey:         signerKey,
		maxRevisionCount:  defaultMaxRevisionCount,
		approvalTimeout:   defaultJobTimeout,
		dagMaxConcurrency: defaultDagMaxConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// jobMetadata is the subset of Job.Metadata the pipeline reads.
type jobMetadata struct {
	TrustMode           bool                       `json:"trustMode,omitempty"`
	UserMessage         string                     `json:"userMessage,omitempty"`
	ConversationHistory []planner.ConversationTurn `json:"conversationHistory,omitempty"`
	CumulativeTokens    int                        `json:"cumulativeTokens,omitempty"`
}

// planState is the pipeline's own bookkeeping persisted into Job.Plan
// alongside the plan itself, so a crash-restart can resume revision
// counting and the plan-hash guard.
type planState struct {
	Plan          *plan.Plan `json:"plan,omitempty"`
	RevisionCount int        `json:"revisionCount"`
	LastPlanHash  string     `json:"lastPlanHash,omitempty"`
}

// Process drives job through plan -> validate -> (approval wait) -> execute
// -> finalize, implementing worker.Processor. It mutates job.Status in
// place as transitions commit, since every helper below shares this same
// *queue.Job pointer.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	var meta jobMetadata
	if len(job.Metadata) > 0 {
		if err := json.Unmarshal(job.Metadata, &meta); err != nil {
			return fmt.Errorf("pipeline: decode job metadata: %w", err)
		}
	}

	state := planState{}
	if len(job.Plan) > 0 {
		if err := json.Unmarshal(job.Plan, &state); err != nil {
			return fmt.Errorf("pipeline: decode plan state: %w", err)
		}
	}

	for {
		fastResp, fullPlan, err := p.dispatchPlan(ctx, job, meta)
		if err != nil {
			return p.fail(ctx, job, "PLANNER_ERROR", err)
		}

		if fastResp != nil {
			if fastResp.RequiresReroute {
				// Re-dispatch as full path in the next iteration; the
				// job stays in planning so no extra transition is
				// needed before the next dispatchPlan call. The original
				// user request is preserved — only the planner's own
				// deferred-action reply is appended to history, so the
				// full-path re-plan still answers what the user actually
				// asked for.
				meta.ConversationHistory = append(meta.ConversationHistory, planner.ConversationTurn{
					Role:    "assistant",
					Content: fastResp.Text,
				})
				continue
			}
			return p.completeFastPath(ctx, job, fastResp.Text)
		}

		newHash := planHash(*fullPlan)
		if state.LastPlanHash != "" && newHash == state.LastPlanHash {
			return p.fail(ctx, job, ErrUnchangedPlanReplanned.Error(), ErrUnchangedPlanReplanned)
		}
		state.Plan = fullPlan

		verdict, validation, err := p.dispatchValidate(ctx, job, *fullPlan, state)
		if err != nil {
			return p.fail(ctx, job, "VALIDATOR_ERROR", err)
		}

		switch verdict {
		case plan.VerdictApproved:
			return p.executeAndFinalize(ctx, job, *fullPlan, validation)

		case plan.VerdictRejected:
			return p.failWithValidation(ctx, job, ErrPlanRejected, validation)

		case plan.VerdictNeedsRevision:
			state.RevisionCount++
			if state.RevisionCount > p.maxRevisionCount {
				return p.failWithValidation(ctx, job, ErrRevisionLimitExceeded, validation)
			}
			state.LastPlanHash = newHash
			continue

		case plan.VerdictNeedsUserApproval:
			if meta.TrustMode {
				return p.executeAndFinalize(ctx, job, *fullPlan, validation)
			}
			return p.awaitApproval(ctx, job, *fullPlan, validation)

		default:
			return p.fail(ctx, job, "UNKNOWN_VERDICT", fmt.Errorf("pipeline: unrecognized verdict %q", verdict))
		}
	}
}

func planHash(p plan.Plan) string {
	b, _ := json.Marshal(p)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// transitionTo moves job from its current (in-memory) status to to,
// updating job.Status on success so later calls in this same Process
// invocation see the fresh status. A no-op if job is already in to.
func (p *Processor) transitionTo(ctx context.Context, job *queue.Job, to queue.JobStatus, mutate func(*queue.Job)) error {
	if job.Status == to {
		if mutate != nil {
			mutate(job)
		}
		return nil
	}
	updated, err := p.store.Transition(ctx, job.ID, job.Status, to, mutate)
	if err != nil {
		return err
	}
	job.Status = updated.Status
	job.Plan = updated.Plan
	job.Validation = updated.Validation
	job.UpdatedAt = updated.UpdatedAt
	return nil
}

// dispatchPlan sends plan.request and returns either a fast-path response
// or a parsed full-path plan (never both).
func (p *Processor) dispatchPlan(ctx context.Context, job *queue.Job, meta jobMetadata) (*planner.Response, *plan.Plan, error) {
	if err := p.transitionTo(ctx, job, queue.StatusPlanning, nil); err != nil {
		return nil, nil, err
	}

	req := planner.Request{
		JobID:               job.ID,
		UserMessage:         meta.UserMessage,
		ConversationHistory: meta.ConversationHistory,
		CumulativeTokens:    meta.CumulativeTokens,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, err
	}

	resp, err := p.dispatchSigned(ctx, job.ID, p.plannerID, envelope.TypePlanRequest, payload)
	if err != nil {
		return nil, nil, err
	}

	var planResp planner.Response
	if err := json.Unmarshal(resp.Payload, &planResp); err != nil {
		return nil, nil, fmt.Errorf("pipeline: decode planner response: %w", err)
	}

	if planResp.Path == planner.PathFull {
		return nil, planResp.Plan, nil
	}
	return &planResp, nil, nil
}

// dispatchValidate sends validate.request carrying only {plan}, per the
// information-barrier requirement.
func (p *Processor) dispatchValidate(ctx context.Context, job *queue.Job, fullPlan plan.Plan, state planState) (plan.Verdict, *plan.ValidationResult, error) {
	stateRaw, err := json.Marshal(state)
	if err != nil {
		return "", nil, err
	}
	if err := p.transitionTo(ctx, job, queue.StatusValidating, func(j *queue.Job) { j.Plan = stateRaw }); err != nil {
		return "", nil, err
	}

	payload, err := json.Marshal(struct {
		Plan plan.Plan `json:"plan"`
	}{Plan: fullPlan})
	if err != nil {
		return "", nil, err
	}

	resp, err := p.dispatchSigned(ctx, job.ID, p.validatorID, envelope.TypeValidateRequest, payload)
	if err != nil {
		return "", nil, err
	}

	var result plan.ValidationResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return "", nil, fmt.Errorf("pipeline: decode validation result: %w", err)
	}

	resultRaw, err := json.Marshal(result)
	if err != nil {
		return "", nil, err
	}
	job.Validation = resultRaw

	return result.Verdict, &result, nil
}

func (p *Processor) dispatchSigned(ctx context.Context, jobID, to string, msgType envelope.MessageType, payload json.RawMessage) (*envelope.Envelope, error) {
	e := &envelope.Envelope{
		CorrelationID: jobID,
		From:          p.signerID,
		To:            to,
		Type:          msgType,
		Payload:       payload,
	}
	signed, err := envelope.Sign(e, p.signerID, p.signerKey, p.newID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: sign envelope: %w", err)
	}

	resp, err := p.router.Dispatch(ctx, signed)
	if err != nil {
		return nil, err
	}
	if resp.Type == envelope.TypeError {
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(resp.Payload, &errPayload)
		return nil, fmt.Errorf("pipeline: %s responded with error %s: %s", to, errPayload.Code, errPayload.Message)
	}
	return resp, nil
}

// awaitApproval suspends the job in awaiting_approval until an external
// approval signal transitions it onward, or DEFAULT_JOB_TIMEOUT_MS elapses
//. The worker goroutine blocks here — the pool's own
// heartbeat goroutine keeps the lease alive in the meantime — which is this
// pipeline's reading of "yields the worker lease": the lease stays held
// without this job consuming a second pool slot elsewhere.
func (p *Processor) awaitApproval(ctx context.Context, job *queue.Job, fullPlan plan.Plan, validation *plan.ValidationResult) error {
	if err := p.transitionTo(ctx, job, queue.StatusAwaitingApproval, func(j *queue.Job) {
		j.Validation = job.Validation
	}); err != nil {
		return err
	}

	changeCh := make(chan queue.StatusChange, 4)
	unsubscribe := p.store.Subscribe(func(change queue.StatusChange) {
		if change.JobID != job.ID {
			return
		}
		select {
		case changeCh <- change:
		default:
		}
	})
	defer unsubscribe()

	// An approval committed between the transition above and the Subscribe
	// call would never reach changeCh; re-read once to catch it.
	if current, err := p.store.Get(ctx, job.ID); err == nil && current.Status != queue.StatusAwaitingApproval {
		switch current.Status {
		case queue.StatusExecuting:
			job.Status = current.Status
			return p.executeAndFinalize(ctx, job, fullPlan, validation)
		default:
			job.Status = current.Status
			return nil
		}
	}

	timer := time.NewTimer(p.approvalTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return p.failWithValidation(ctx, job, ErrApprovalTimedOut, validation)
		case change := <-changeCh:
			switch change.To {
			case queue.StatusExecuting:
				job.Status = change.To
				return p.executeAndFinalize(ctx, job, fullPlan, validation)
			case queue.StatusCancelled:
				job.Status = change.To
				return nil
			case queue.StatusFailed:
				return nil // already recorded failed by whoever denied it
			}
		}
	}
}

func (p *Processor) executeAndFinalize(ctx context.Context, job *queue.Job, fullPlan plan.Plan, validation *plan.ValidationResult) error {
	if err := p.transitionTo(ctx, job, queue.StatusExecuting, func(j *queue.Job) {
		j.Validation = job.Validation
	}); err != nil {
		return err
	}

	steps := make([]dagexec.Step, len(fullPlan.Steps))
	for i, s := range fullPlan.Steps {
		steps[i] = dagexec.Step{
			ID:            s.ID,
			Plugin:        s.Plugin,
			Action:        s.Action,
			Params:        s.Parameters,
			DependsOn:     s.DependsOn,
			Condition:     s.Condition,
			ParallelGroup: s.ParallelGroup,
		}
	}

	exec := func(ctx context.Context, step dagexec.Step, resolvedParams map[string]any) (json.RawMessage, error) {
		raw, err := p.stepRun(ContextWithJobID(ctx, job.ID), step, resolvedParams)
		if p.progress != nil {
			status := dagexec.StepCompleted
			errMsg := ""
			if err != nil {
				status = dagexec.StepFailed
				errMsg = err.Error()
			}
			p.progress(job.ID, dagexec.StepResult{StepID: step.ID, Status: status, Result: raw, Error: errMsg})
		}
		return raw, err
	}

	result, err := p.dagExec.Execute(ctx, steps, exec, ctx.Done(), dagexec.Config{
		MaxConcurrency:    p.dagMaxConcurrency,
		IsCircuitOpen:     p.isCircuitOpen,
		EvaluateCondition: p.evaluateCondition,
	})
	if err != nil {
		return p.fail(ctx, job, "EXECUTION_ERROR", err)
	}

	return p.finalize(ctx, job, result)
}

func (p *Processor) finalize(ctx context.Context, job *queue.Job, result *dagexec.Result) error {
	resultRaw, err := json.Marshal(result)
	if err != nil {
		return err
	}

	switch result.Status {
	case dagexec.StatusCompleted, dagexec.StatusPartial:
		_, err := p.store.Complete(ctx, job.ID, resultRaw)
		return err
	default:
		failure := &queue.UserError{Code: "EXECUTION_FAILED", Message: "one or more DAG steps failed", Retriable: false}
		_, err := p.store.Fail(ctx, job.ID, failure)
		return err
	}
}

func (p *Processor) completeFastPath(ctx context.Context, job *queue.Job, text string) error {
	result, err := json.Marshal(map[string]string{"path": "fast", "text": text})
	if err != nil {
		return err
	}
	_, err = p.store.Complete(ctx, job.ID, result)
	return err
}

func (p *Processor) fail(ctx context.Context, job *queue.Job, code string, cause error) error {
	failure := &queue.UserError{Code: code, Message: cause.Error(), Retriable: false}
	_, err := p.store.Fail(ctx, job.ID, failure)
	return err
}

// failWithValidation records the failure and persists the validator's
// result alongside it, so a terminal job row still carries the verdict that
// doomed it.
func (p *Processor) failWithValidation(ctx context.Context, job *queue.Job, cause error, validation *plan.ValidationResult) error {
	errJSON, err := json.Marshal(&queue.UserError{Code: cause.Error(), Message: cause.Error(), Retriable: false})
	if err != nil {
		return err
	}
	_, err = p.store.Transition(ctx, job.ID, job.Status, queue.StatusFailed, func(j *queue.Job) {
		j.Error = errJSON
		j.Validation = job.Validation
	})
	return err
}
