// Package plan defines the execution-plan shapes shared by the planner,
// the validator, and the pipeline processor: the plan a planner
// produces, the validation verdicts a validator attaches to it, and the
// condition grammar the DAG executor evaluates against prior step results.
package plan

// RiskLevel is the closed enumeration a step is tagged with.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// rank orders risk levels for overallRisk = max(step risk).
func (r RiskLevel) rank() int {
	switch r {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// MaxRisk returns the highest-ranked of a and b.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ConditionOperator is the closed set a step condition may use.
type ConditionOperator string

const (
	OpEq        ConditionOperator = "eq"
	OpNe        ConditionOperator = "ne"
	OpGt        ConditionOperator = "gt"
	OpGte       ConditionOperator = "gte"
	OpLt        ConditionOperator = "lt"
	OpLte       ConditionOperator = "lte"
	OpExists    ConditionOperator = "exists"
	OpNotExists ConditionOperator = "not_exists"
	OpIn        ConditionOperator = "in"
	OpNotIn     ConditionOperator = "not_in"
)

// Condition gates a step's execution on a field of prior step results.
type Condition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value,omitempty"`
}

// Step is one node of an execution plan.
type Step struct {
	ID            string         `json:"id"`
	Plugin        string         `json:"plugin"`
	Action        string         `json:"action"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	RiskLevel     RiskLevel      `json:"riskLevel"`
	DependsOn     []string       `json:"dependsOn,omitempty"`
	ParallelGroup string         `json:"parallelGroup,omitempty"`
	Condition     *Condition     `json:"condition,omitempty"`
}

// Plan is the planner's full-path output.
type Plan struct {
	ID        string `json:"id"`
	JobID     string `json:"jobId"`
	Steps     []Step `json:"steps"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Verdict is the closed set of validation outcomes.
type Verdict string

const (
	VerdictApproved           Verdict = "approved"
	VerdictNeedsUserApproval  Verdict = "needs_user_approval"
	VerdictRejected           Verdict = "rejected"
	VerdictNeedsRevision      Verdict = "needs_revision"
)

func (v Verdict) Valid() bool {
	switch v {
	case VerdictApproved, VerdictNeedsUserApproval, VerdictRejected, VerdictNeedsRevision:
		return true
	}
	return false
}

// StepVerdict is the validator's per-step outcome.
type StepVerdict struct {
	StepID    string    `json:"stepId"`
	Verdict   Verdict   `json:"verdict"`
	RiskLevel RiskLevel `json:"riskLevel"`
	Reasons   []string  `json:"reasons,omitempty"`
}

// ValidationResult is the validator's complete output for a plan.
type ValidationResult struct {
	Verdict      Verdict       `json:"verdict"`
	OverallRisk  RiskLevel     `json:"overallRisk"`
	StepResults  []StepVerdict `json:"stepResults"`
	PolicyNotes  []string      `json:"policyNotes,omitempty"`
}
