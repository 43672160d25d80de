package domain

// Guardrails is the process-wide safety configuration for one run. It is
// loaded once at audit start and treated as an immutable snapshot: concurrent
// workers read it without locking, nothing writes to it after load.
type Guardrails struct {
	BlockedSubjects  []string `mapstructure:"blocked_subjects" json:"blocked_subjects"`
	BlockedResources []string `mapstructure:"blocked_resources" json:"blocked_resources"`

	// AllowedAccountKinds, when non-empty, restricts automated action to the
	// listed kinds. Empty means no allowlist is configured.
	AllowedAccountKinds []AccountKind `mapstructure:"allowed_account_kinds" json:"allowed_account_kinds"`

	// SafetyThresholds gates execution per account kind: a plan only runs
	// when its safe-to-apply score meets the threshold for its kind.
	SafetyThresholds map[AccountKind]float64 `mapstructure:"safety_thresholds" json:"safety_thresholds"`

	MaxChangesPerRun int  `mapstructure:"max_changes_per_run" json:"max_changes_per_run"`
	DryRun           bool `mapstructure:"dry_run" json:"dry_run"`

	// Waste cutoffs for the gate rules. The shipped values are a policy
	// choice, not a law; they are configurable for that reason.
	RemoveCutoff  float64 `mapstructure:"remove_cutoff" json:"remove_cutoff"`
	MigrateCutoff float64 `mapstructure:"migrate_cutoff" json:"migrate_cutoff"`
	ReviewCutoff  float64 `mapstructure:"review_cutoff" json:"review_cutoff"`
}

// DefaultGuardrails returns the shipped safety posture: dry-run on, a small
// change budget, and the 100/70/40 waste cutoffs.
func DefaultGuardrails() Guardrails {
	return Guardrails{
		SafetyThresholds: map[AccountKind]float64{
			AccountKindUser:            0.6,
			AccountKindGroup:           0.4,
			AccountKindServiceIdentity: 0.8,
		},
		MaxChangesPerRun: 10,
		DryRun:           true,
		RemoveCutoff:     100,
		MigrateCutoff:    70,
		ReviewCutoff:     40,
	}
}

func (g Guardrails) SubjectBlocked(subject string) bool {
	return contains(g.BlockedSubjects, subject)
}

func (g Guardrails) ResourceBlocked(resource string) bool {
	return contains(g.BlockedResources, resource)
}

func (g Guardrails) KindAllowed(kind AccountKind) bool {
	if len(g.AllowedAccountKinds) == 0 {
		return true
	}
	for _, k := range g.AllowedAccountKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// SafetyThreshold returns the execution threshold for a kind. Unknown kinds
// get the most conservative configured threshold.
func (g Guardrails) SafetyThreshold(kind AccountKind) float64 {
	if t, ok := g.SafetyThresholds[kind]; ok {
		return t
	}
	max := 0.0
	for _, t := range g.SafetyThresholds {
		if t > max {
			max = t
		}
	}
	return max
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
