package domain

type Action string

const (
	ActionNone            Action = "NONE"
	ActionManualReview    Action = "MANUAL_REVIEW"
	ActionRemoveBinding   Action = "REMOVE_BINDING"
	ActionMigrateToCustom Action = "MIGRATE_TO_CUSTOM"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// RemediationPlan is the gate's decision for one scored finding. TargetGrant
// is populated only for MIGRATE_TO_CUSTOM, and must be non-empty there.
type RemediationPlan struct {
	Scored       ScoredFinding `json:"scored_finding"`
	Action       Action        `json:"action"`
	TargetGrant  string        `json:"target_grant,omitempty"`
	Reason       string        `json:"reason"`
	BlockedBy    string        `json:"blocked_by,omitempty"`
	Priority     Priority      `json:"priority"`
	SafetyChecks []string      `json:"safety_checks,omitempty"`

	// Execution is filled by the executor, or left nil when the plan was
	// never handed to one (reporting-only runs).
	Execution *ExecutionResult `json:"execution,omitempty"`
}

type ExecutionStatus string

const (
	ExecutionApplied   ExecutionStatus = "applied"
	ExecutionSimulated ExecutionStatus = "simulated"
	ExecutionSkipped   ExecutionStatus = "skipped"
	ExecutionFailed    ExecutionStatus = "failed"
)

type ExecutionResult struct {
	Status  ExecutionStatus `json:"status"`
	Detail  string          `json:"detail,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
}
