package remediation

import (
	"fmt"
	"strings"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
)

// Guardrail names recorded on a plan's BlockedBy field.
const (
	BlockedByBlocklist = "blocklist"
	BlockedByAllowlist = "allowlist"
	BlockedBySafety    = "safety_score"
	BlockedByBudget    = "change_budget"
)

// criticalAccountPatterns flag accounts whose remediation deserves an extra
// warning on the plan, whatever the gate decides.
var criticalAccountPatterns = []string{
	"prod", "admin", "terraform", "deployment", "ci-cd", "github-actions",
}

const highPermissionCount = 100

// Gate decides what to do with one scored finding. Rules are evaluated in a
// fixed order and the first match wins; the guardrail snapshot is never
// mutated, so concurrent workers share one Gate without locking.
type Gate struct {
	guardrails domain.Guardrails
	catalog    *RoleCatalog
}

func NewGate(guardrails domain.Guardrails, catalog *RoleCatalog) *Gate {
	return &Gate{guardrails: guardrails, catalog: catalog}
}

// Decide runs the rule chain for one scored finding.
func (g *Gate) Decide(sf domain.ScoredFinding) domain.RemediationPlan {
	plan := domain.RemediationPlan{
		Scored:       sf,
		Action:       domain.ActionNone,
		Priority:     priority(sf),
		SafetyChecks: safetyChecks(sf),
	}
	f := sf.Finding
	waste := sf.Scores.WastePercent

	switch {
	case g.guardrails.SubjectBlocked(f.Subject.ID) || g.guardrails.ResourceBlocked(f.Resource):
		plan.BlockedBy = BlockedByBlocklist
		plan.Reason = "subject or resource is blocklisted"

	case !g.guardrails.KindAllowed(f.Subject.Kind):
		plan.BlockedBy = BlockedByAllowlist
		plan.Reason = fmt.Sprintf("account kind %s is not allowlisted", f.Subject.Kind)

	case isBroadAdminGrant(f.CurrentGrant):
		plan.Action = domain.ActionManualReview
		plan.Reason = fmt.Sprintf("grant %s is a broad admin grant, never auto-acted on", f.CurrentGrant)

	case waste >= g.guardrails.RemoveCutoff:
		plan.Action = domain.ActionRemoveBinding
		plan.Reason = "grant is completely unused"

	case waste >= g.guardrails.MigrateCutoff:
		if target, ok := g.catalog.NarrowerGrant(f.CurrentGrant); ok {
			plan.Action = domain.ActionMigrateToCustom
			plan.TargetGrant = target
			plan.Reason = fmt.Sprintf("%.0f%% waste, narrower grant %s available", waste, target)
		} else {
			plan.Action = domain.ActionManualReview
			plan.Reason = fmt.Sprintf("%.0f%% waste but no narrower grant is defined", waste)
		}

	case waste >= g.guardrails.ReviewCutoff:
		plan.Action = domain.ActionManualReview
		plan.Reason = fmt.Sprintf("moderate waste (%.0f%%)", waste)

	default:
		plan.Reason = fmt.Sprintf("waste (%.0f%%) below review cutoff", waste)
	}

	return plan
}

func isBroadAdminGrant(grant string) bool {
	if grant == "roles/owner" || grant == "roles/editor" {
		return true
	}
	return strings.HasSuffix(grant, ".admin")
}

// priority mirrors the triage buckets used by reviewers: fully unused grants
// are always critical, the rest fall by waste and risk.
func priority(sf domain.ScoredFinding) domain.Priority {
	waste := sf.Scores.WastePercent
	risk := sf.Scores.RiskScore
	switch {
	case waste >= 100:
		return domain.PriorityCritical
	case waste >= 80 && risk >= 50:
		return domain.PriorityHigh
	case waste >= 60:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

func safetyChecks(sf domain.ScoredFinding) []string {
	var checks []string
	subject := strings.ToLower(sf.Finding.Subject.ID)
	for _, pattern := range criticalAccountPatterns {
		if strings.Contains(subject, pattern) {
			checks = append(checks, fmt.Sprintf("critical account pattern %q detected", pattern))
			break
		}
	}
	if sf.Finding.TotalPermissionCount > highPermissionCount {
		checks = append(checks, fmt.Sprintf("high permission count: %d", sf.Finding.TotalPermissionCount))
	}
	return checks
}
