// Package standingrules implements the glob-pattern standing-rule engine:
// newest-first first-match policy lookup, a per-category suggestion
// counter, and CRUD persistence over the standing_rules table.
package standingrules

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helmrun/orchestrator/pkg/plan"
)

// Scope is the closed enumeration a rule is created under.
type Scope string

const (
	ScopeGlobal       Scope = "global"
	ScopeConversation Scope = "conversation"
)

// Rule is the persisted standing-rule row.
type Rule struct {
	ID             string
	ActionPattern  string
	Scope          Scope
	Verdict        plan.Verdict
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	CreatedBy      string
	ApprovalCount  int
	ConversationID string
}

// expired reports whether the rule should be excluded from query results.
func (r Rule) expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// CreateSpec is the caller-supplied shape for a new rule. Unset fields
// default to scope global, verdict approve, approvalCount 0, expiresAt
// null.
type CreateSpec struct {
	ActionPattern  string
	Scope          Scope
	Verdict        plan.Verdict
	CreatedBy      string
	ExpiresAt      *time.Time
	ConversationID string
}

var (
	ErrInvalidPattern = errors.New("standingrules: actionPattern must be \"<category>:<action>\" or \"<category>:*\"")
	ErrRuleNotFound   = errors.New("standingrules: rule not found")
)

// validatePattern enforces the single-segment glob grammar:
// an exact "<category>:<action>" match or a "<category>:*" wildcard.
func validatePattern(pattern string) error {
	parts := strings.SplitN(pattern, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ErrInvalidPattern
	}
	if strings.Contains(parts[1], ":") {
		return ErrInvalidPattern
	}
	return nil
}

func matches(pattern, actionPattern string) bool {
	if pattern == actionPattern {
		return true
	}
	category := categoryOf(pattern)
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return categoryOf(actionPattern) == category
}

func categoryOf(pattern string) string {
	if idx := strings.IndexByte(pattern, ':'); idx >= 0 {
		return pattern[:idx]
	}
	return pattern
}

// Store persists standing rules. MemoryStore and SQLiteStore in this
// package implement it identically from the engine's perspective.
type Store interface {
	Insert(ctx context.Context, r Rule) error
	Delete(ctx context.Context, id string) error
	// ListNewestFirst returns every non-expired rule, ordered by createdAt
	// descending.
	ListNewestFirst(ctx context.Context, now time.Time) ([]Rule, error)
	List(ctx context.Context) ([]Rule, error)
}

// Engine implements matchRule/suggestRule/createRule/listRules/deleteRule.
// The per-category suggestion counters are process-local and not
// persisted; they reset on trigger.
type Engine struct {
	store Store
	clock func() time.Time

	mu          sync.Mutex
	suggestions map[string]int

	suggestionThreshold int
}

type Option func(*Engine)

func WithClock(c func() time.Time) Option { return func(e *Engine) { e.clock = c } }

// WithSuggestionThreshold overrides STANDING_RULE_SUGGESTION_COUNT (default 5).
func WithSuggestionThreshold(n int) Option {
	return func(e *Engine) { e.suggestionThreshold = n }
}

func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:               store,
		clock:               time.Now,
		suggestions:         make(map[string]int),
		suggestionThreshold: 5,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// MatchRule returns the verdict of the first (newest) rule whose pattern
// matches actionPattern.
func (e *Engine) MatchRule(ctx context.Context, actionPattern string) (plan.Verdict, bool, error) {
	rules, err := e.store.ListNewestFirst(ctx, e.clock())
	if err != nil {
		return "", false, err
	}
	for _, r := range rules {
		if matches(r.ActionPattern, actionPattern) {
			return r.Verdict, true, nil
		}
	}
	return "", false, nil
}

// SuggestRule records one observation of actionPattern's category and
// reports true exactly on the STANDING_RULE_SUGGESTION_COUNT-th call for
// that category, resetting the counter on trigger.
func (e *Engine) SuggestRule(actionPattern string) bool {
	category := categoryOf(actionPattern)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.suggestions[category]++
	if e.suggestions[category] >= e.suggestionThreshold {
		e.suggestions[category] = 0
		return true
	}
	return false
}

// CreateRule persists a new rule with defaults applied.
func (e *Engine) CreateRule(ctx context.Context, spec CreateSpec) (*Rule, error) {
	if err := validatePattern(spec.ActionPattern); err != nil {
		return nil, err
	}
	scope := spec.Scope
	if scope == "" {
		scope = ScopeGlobal
	}
	verdict := spec.Verdict
	if verdict == "" {
		verdict = plan.VerdictApproved
	}

	r := Rule{
		ID:             uuid.NewString(),
		ActionPattern:  spec.ActionPattern,
		Scope:          scope,
		Verdict:        verdict,
		CreatedAt:      e.clock(),
		ExpiresAt:      spec.ExpiresAt,
		CreatedBy:      spec.CreatedBy,
		ApprovalCount:  0,
		ConversationID: spec.ConversationID,
	}
	if err := e.store.Insert(ctx, r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (e *Engine) ListRules(ctx context.Context) ([]Rule, error) {
	return e.store.List(ctx)
}

func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	return e.store.Delete(ctx, id)
}

// Lookup adapts MatchRule to the validator.StandingRuleLookup signature the
// pipeline wires into pkg/validator.
func (e *Engine) Lookup(ctx context.Context) func(actionPattern string) (plan.Verdict, bool) {
	return func(actionPattern string) (plan.Verdict, bool) {
		verdict, ok, err := e.MatchRule(ctx, actionPattern)
		if err != nil {
			return "", false
		}
		return verdict, ok
	}
}
