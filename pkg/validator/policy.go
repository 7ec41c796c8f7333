// Package validator implements the Sentinel plan validator: a
// pure function of plan structure to verdict, hard policy floors that no
// standing rule can lower, and a strict information-barrier discipline
// enforced both here and in pkg/router's payload scrubber.
package validator

import (
	"net"
	"strings"

	"github.com/helmrun/orchestrator/pkg/plan"
)

// Policy carries the hard floors and environment facts the validator checks
// every step against. None of these may be lowered by a standing rule.
type Policy struct {
	WorkspaceRoot           string
	NetworkAllowlist        []string
	MaxTransactionAmountUsd float64
}

// floorVerdict is the outcome of the hard-floor pass for one step, prior to
// any standing-rule upgrade.
type floorVerdict struct {
	verdict plan.Verdict
	reasons []string
}

// evaluateHardFloors applies the non-negotiable policy core
// Multiple floors may fire; rejected dominates needs_user_approval, which
// dominates approved.
func evaluateHardFloors(policy Policy, step plan.Step) floorVerdict {
	var reasons []string
	worst := plan.VerdictApproved

	escalate := func(v plan.Verdict, reason string) {
		reasons = append(reasons, reason)
		if rank(v) > rank(worst) {
			worst = v
		}
	}

	if step.RiskLevel == plan.RiskCritical {
		escalate(plan.VerdictNeedsUserApproval, "step risk level is critical")
	}

	if isShellAction(step) {
		escalate(plan.VerdictNeedsUserApproval, "shell action always requires user approval")
	}

	if path, ok := filesystemPath(step); ok {
		if violatesWorkspace(policy.WorkspaceRoot, path) {
			escalate(plan.VerdictRejected, "filesystem path escapes workspace root: "+path)
		}
	}

	if domain, ok := networkDomain(step); ok {
		if violatesNetworkPolicy(policy.NetworkAllowlist, domain) {
			escalate(plan.VerdictRejected, "network domain not allowed: "+domain)
		}
	}

	if amount, ok := financialAmount(step); ok && amount >= policy.MaxTransactionAmountUsd {
		escalate(plan.VerdictNeedsUserApproval, "financial amount meets or exceeds approval threshold")
	}

	return floorVerdict{verdict: worst, reasons: reasons}
}

func rank(v plan.Verdict) int {
	switch v {
	case plan.VerdictRejected:
		return 3
	case plan.VerdictNeedsUserApproval:
		return 2
	case plan.VerdictNeedsRevision:
		return 1
	default:
		return 0
	}
}

func isShellAction(step plan.Step) bool {
	return strings.EqualFold(step.Action, "shell") || strings.EqualFold(step.Plugin, "shell")
}

func filesystemPath(step plan.Step) (string, bool) {
	if !strings.Contains(strings.ToLower(step.Plugin), "fs") && !strings.Contains(strings.ToLower(step.Plugin), "file") {
		return "", false
	}
	if p, ok := step.Parameters["path"].(string); ok {
		return p, true
	}
	return "", false
}

func violatesWorkspace(workspaceRoot, path string) bool {
	if strings.Contains(path, "..") {
		return true
	}
	if workspaceRoot == "" {
		return false
	}
	root := strings.TrimSuffix(workspaceRoot, "/")
	return path != root && !strings.HasPrefix(path, root+"/")
}

func networkDomain(step plan.Step) (string, bool) {
	if strings.Contains(strings.ToLower(step.Plugin), "net") || strings.Contains(strings.ToLower(step.Plugin), "http") {
		if d, ok := step.Parameters["domain"].(string); ok {
			return d, true
		}
	}
	return "", false
}

// violatesNetworkPolicy checks the allowlist and, when the domain is a
// literal address rather than a hostname, rejects private/loopback ranges
// directly. It never performs a DNS lookup: the validator's verdict is a
// pure function of the plan, so a hostname is judged by the allowlist alone
// and is never resolved to an IP here.
func violatesNetworkPolicy(allowlist []string, domain string) bool {
	if ip := net.ParseIP(domain); ip != nil && (ip.IsPrivate() || ip.IsLoopback()) {
		return true
	}
	for _, allowed := range allowlist {
		if strings.EqualFold(allowed, domain) {
			return false
		}
	}
	return true
}

func financialAmount(step plan.Step) (float64, bool) {
	keywords := []string{"transfer", "payment", "pay", "finance", "wire"}
	lowerAction := strings.ToLower(step.Action)
	lowerPlugin := strings.ToLower(step.Plugin)
	match := false
	for _, k := range keywords {
		if strings.Contains(lowerAction, k) || strings.Contains(lowerPlugin, k) {
			match = true
			break
		}
	}
	if !match {
		return 0, false
	}
	switch v := step.Parameters["amount"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
