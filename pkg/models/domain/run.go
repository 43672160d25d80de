package domain

import "time"

type RunStatus string

const (
	RunSuccess RunStatus = "SUCCESS"
	RunPartial RunStatus = "PARTIAL"
	RunFailed  RunStatus = "FAILED"
)

// RunReport is the aggregate outcome of one audit run.
type RunReport struct {
	AuditKey     string    `json:"audit_key"`
	AuditVersion time.Time `json:"audit_version"`
	Status       RunStatus `json:"status"`

	Produced       int64 `json:"produced"`
	Scored         int64 `json:"scored"`
	Plans          int64 `json:"plans"`
	ChangesApplied int64 `json:"changes_applied"`
	Dropped        int64 `json:"dropped"`
	SkippedTargets int64 `json:"skipped_targets"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Failures holds one message per stage-level failure that degraded the
	// run without aborting it.
	Failures []string `json:"failures,omitempty"`
}

func (r RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
