package validator

import (
	"sort"

	"github.com/helmrun/orchestrator/pkg/plan"
)

// StandingRuleLookup resolves an actionPattern ("<category>:<action>") to a
// standing-rule verdict, matching the newest-first, first-match-wins
// semantics pkg/standingrules implements. It is consulted only to upgrade
// needs_user_approval to approved; it can never touch a rejected verdict.
type StandingRuleLookup func(actionPattern string) (verdict plan.Verdict, ok bool)

// Validator derives a plan.ValidationResult from a plan's structure alone.
// It never observes anything outside the plan: no user message, no
// conversation history, no journal data. That information barrier is
// enforced twice — once by pkg/router's payload scrubber before the
// envelope reaches here, and once by this type simply never accepting
// those fields in its signature.
type Validator struct {
	policy          Policy
	customPolicies  []string
	cel             *celEvaluator
	standingRules   StandingRuleLookup
}

type Option func(*Validator)

func WithCustomPolicies(exprs ...string) Option {
	return func(v *Validator) { v.customPolicies = append(v.customPolicies, exprs...) }
}

func WithStandingRules(lookup StandingRuleLookup) Option {
	return func(v *Validator) { v.standingRules = lookup }
}

func New(policy Policy, opts ...Option) (*Validator, error) {
	evaluator, err := newCELEvaluator()
	if err != nil {
		return nil, err
	}
	v := &Validator{policy: policy, cel: evaluator, standingRules: func(string) (plan.Verdict, bool) { return "", false }}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Validate derives the verdict for p. Metadata on the plan or its steps is
// never read here: it may
// be preserved by the caller for audit, but cannot reach this function.
func (v *Validator) Validate(p plan.Plan) (*plan.ValidationResult, error) {
	stepResults := make([]plan.StepVerdict, 0, len(p.Steps))
	overall := plan.RiskLow
	anyRejected := false
	anyNeedsRevision := false
	anyNeedsApproval := false

	for _, step := range p.Steps {
		overall = plan.MaxRisk(overall, step.RiskLevel)

		floor := evaluateHardFloors(v.policy, step)
		reasons := floor.reasons
		verdict := floor.verdict

		for _, expr := range v.customPolicies {
			ok, err := v.cel.evaluate(expr, step)
			if err != nil {
				return nil, err
			}
			if !ok {
				verdict = plan.VerdictRejected
				reasons = append(reasons, "custom policy violated: "+expr)
			}
		}

		// Standing rules can only upgrade needs_user_approval to approved;
		// rejected and needs_revision are never touched.
		if verdict == plan.VerdictNeedsUserApproval {
			pattern := step.Plugin + ":" + step.Action
			if upgrade, ok := v.standingRules(pattern); ok && upgrade == plan.VerdictApproved {
				verdict = plan.VerdictApproved
			}
		}

		if verdict == "" {
			verdict = plan.VerdictApproved
		}

		switch verdict {
		case plan.VerdictRejected:
			anyRejected = true
		case plan.VerdictNeedsRevision:
			anyNeedsRevision = true
		case plan.VerdictNeedsUserApproval:
			anyNeedsApproval = true
		}

		stepResults = append(stepResults, plan.StepVerdict{
			StepID:    step.ID,
			Verdict:   verdict,
			RiskLevel: step.RiskLevel,
			Reasons:   reasons,
		})
	}

	sort.Slice(stepResults, func(i, j int) bool {
		return stepOrder(p, stepResults[i].StepID) < stepOrder(p, stepResults[j].StepID)
	})

	result := &plan.ValidationResult{OverallRisk: overall, StepResults: stepResults}
	switch {
	case anyRejected:
		result.Verdict = plan.VerdictRejected
	case anyNeedsRevision:
		result.Verdict = plan.VerdictNeedsRevision
	case anyNeedsApproval:
		result.Verdict = plan.VerdictNeedsUserApproval
	default:
		result.Verdict = plan.VerdictApproved
	}
	return result, nil
}

func stepOrder(p plan.Plan, stepID string) int {
	for i, s := range p.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return len(p.Steps)
}
