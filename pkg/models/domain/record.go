package domain

import "time"

type StageKind string

const (
	StageSource  StageKind = "source"
	StageProcess StageKind = "process"
	StageSink    StageKind = "sink"
	StageAlert   StageKind = "alert"
)

// Envelope is the lineage metadata every worker stamps on a record before
// forwarding it. It identifies the run and the record's origin; it carries
// no business meaning beyond traceability.
type Envelope struct {
	AuditKey        string    `json:"audit_key"`
	AuditVersion    time.Time `json:"audit_version"`
	OriginPluginKey string    `json:"origin_plugin_key"`
	OriginStageKind StageKind `json:"origin_stage_kind"`
}

type RecordKind string

const (
	RecordFinding RecordKind = "finding"
	RecordScored  RecordKind = "scored_finding"
	RecordPlan    RecordKind = "remediation_plan"
)

// Record is the unit flowing between pipeline stages: exactly one of the
// payload fields is set. Payloads are never mutated after creation; a
// processor emits new records instead of editing the one it received.
type Record struct {
	Envelope Envelope         `json:"envelope"`
	Finding  *Finding         `json:"finding,omitempty"`
	Scored   *ScoredFinding   `json:"scored_finding,omitempty"`
	Plan     *RemediationPlan `json:"remediation_plan,omitempty"`
}

func (r *Record) Kind() RecordKind {
	switch {
	case r.Plan != nil:
		return RecordPlan
	case r.Scored != nil:
		return RecordScored
	default:
		return RecordFinding
	}
}

// NewFindingRecord wraps a finding produced by a source plugin.
func NewFindingRecord(f Finding) *Record {
	return &Record{Finding: &f}
}
