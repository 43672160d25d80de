package findings

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/de-tools/iam-sentry/pkg/store/duckdb"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
)

// RiskRow is one entry of the risk leaderboard: the subjects whose excess
// privilege the reviewers should look at first.
type RiskRow struct {
	Subject      string
	SubjectKind  string
	Resource     string
	CurrentGrant string
	RiskScore    float64
	WastePercent float64
	Action       string
	Priority     string
}

// Store persists pipeline records and run outcomes in DuckDB. Writes happen
// from sink workers during a run; reads back the history for reporting.
type Store interface {
	Add(ctx context.Context, records []*domain.Record) error
	RecordRun(ctx context.Context, report *domain.RunReport) error
	TopRisks(ctx context.Context, auditKey string, limit int) ([]RiskRow, error)
	ActionSummary(ctx context.Context, auditKey string) (map[string]int64, error)
}

type findingStore struct {
	db *sql.DB
}

func NewStore(db *sql.DB) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	return &findingStore{db: db}, nil
}

func (s *findingStore) Add(ctx context.Context, records []*domain.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx := duckdb.GetTransaction(ctx)
	query := `
		INSERT INTO audit_findings (
			audit_key, audit_version, source_id, record_kind,
			subject, subject_kind, resource, current_grant,
			total_permissions, used_permissions,
			risk_score, over_privilege_pct, safe_to_apply,
			action, target_grant, reason, blocked_by, priority,
			execution_status, execution_detail
		) VALUES (
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		)`

	var stmt *sql.Stmt
	var err error
	if tx == nil {
		stmt, err = s.db.PrepareContext(ctx, query)
	} else {
		stmt, err = tx.PrepareContext(ctx, query)
	}

	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		row, ok := flatten(record)
		if !ok {
			continue
		}
		_, err = stmt.ExecContext(ctx,
			record.Envelope.AuditKey,
			record.Envelope.AuditVersion,
			row.sourceID,
			string(record.Kind()),
			row.subject,
			row.subjectKind,
			row.resource,
			row.currentGrant,
			row.totalPermissions,
			row.usedPermissions,
			row.riskScore,
			row.overPrivilege,
			row.safeToApply,
			row.action,
			row.targetGrant,
			row.reason,
			row.blockedBy,
			row.priority,
			row.executionStatus,
			row.executionDetail,
		)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}

	return nil
}

func (s *findingStore) RecordRun(ctx context.Context, report *domain.RunReport) error {
	query := `
		INSERT INTO audit_runs (
			audit_key, audit_version, status,
			produced, scored, plans, changes_applied, dropped,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		report.AuditKey,
		report.AuditVersion,
		string(report.Status),
		report.Produced,
		report.Scored,
		report.Plans,
		report.ChangesApplied,
		report.Dropped,
		report.StartedAt,
		report.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// TopRisks returns the highest-risk scored findings of the latest run of an
// audit, most dangerous first.
func (s *findingStore) TopRisks(ctx context.Context, auditKey string, limit int) ([]RiskRow, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT f.subject, f.subject_kind, f.resource, f.current_grant,
		       f.risk_score, f.over_privilege_pct,
		       COALESCE(p.action, ''), COALESCE(p.priority, '')
		FROM audit_findings f
		LEFT JOIN audit_findings p
		  ON p.audit_key = f.audit_key
		 AND p.audit_version = f.audit_version
		 AND p.source_id = f.source_id
		 AND p.record_kind = 'remediation_plan'
		WHERE f.audit_key = ?
		  AND f.record_kind = 'scored_finding'
		  AND f.audit_version = (SELECT MAX(audit_version) FROM audit_findings WHERE audit_key = ?)
		ORDER BY f.risk_score DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, auditKey, auditKey, limit)
	if err != nil {
		return nil, fmt.Errorf("query top risks: %w", err)
	}
	defer rows.Close()

	out := make([]RiskRow, 0, limit)
	for rows.Next() {
		var r RiskRow
		if err := rows.Scan(&r.Subject, &r.SubjectKind, &r.Resource, &r.CurrentGrant,
			&r.RiskScore, &r.WastePercent, &r.Action, &r.Priority); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActionSummary counts remediation plans of the latest run by action.
func (s *findingStore) ActionSummary(ctx context.Context, auditKey string) (map[string]int64, error) {
	query := `
		SELECT action, COUNT(*)
		FROM audit_findings
		WHERE audit_key = ?
		  AND record_kind = 'remediation_plan'
		  AND audit_version = (SELECT MAX(audit_version) FROM audit_findings WHERE audit_key = ?)
		GROUP BY action
	`
	rows, err := s.db.QueryContext(ctx, query, auditKey, auditKey)
	if err != nil {
		return nil, fmt.Errorf("query action summary: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		out[action] = count
	}
	return out, rows.Err()
}

type flatRow struct {
	sourceID         string
	subject          string
	subjectKind      string
	resource         string
	currentGrant     string
	totalPermissions int
	usedPermissions  int
	riskScore        sql.NullFloat64
	overPrivilege    sql.NullFloat64
	safeToApply      sql.NullFloat64
	action           sql.NullString
	targetGrant      sql.NullString
	reason           sql.NullString
	blockedBy        sql.NullString
	priority         sql.NullString
	executionStatus  sql.NullString
	executionDetail  sql.NullString
}

func flatten(rec *domain.Record) (flatRow, bool) {
	var row flatRow
	switch rec.Kind() {
	case domain.RecordFinding:
		if rec.Finding == nil {
			return row, false
		}
		row.fillFinding(*rec.Finding)
	case domain.RecordScored:
		row.fillFinding(rec.Scored.Finding)
		row.fillScores(rec.Scored.Scores)
	case domain.RecordPlan:
		plan := rec.Plan
		row.fillFinding(plan.Scored.Finding)
		row.fillScores(plan.Scored.Scores)
		row.action = nullString(string(plan.Action))
		row.targetGrant = nullString(plan.TargetGrant)
		row.reason = nullString(plan.Reason)
		row.blockedBy = nullString(plan.BlockedBy)
		row.priority = nullString(string(plan.Priority))
		if plan.Execution != nil {
			row.executionStatus = nullString(string(plan.Execution.Status))
			row.executionDetail = nullString(plan.Execution.Detail)
		}
	default:
		return row, false
	}
	return row, true
}

func (r *flatRow) fillFinding(f domain.Finding) {
	r.sourceID = f.SourceID
	r.subject = f.Subject.ID
	r.subjectKind = string(f.Subject.Kind)
	r.resource = f.Resource
	r.currentGrant = f.CurrentGrant
	r.totalPermissions = f.TotalPermissionCount
	r.usedPermissions = f.UsedPermissionCount
}

func (r *flatRow) fillScores(s domain.Scores) {
	r.riskScore = sql.NullFloat64{Float64: s.RiskScore, Valid: true}
	r.overPrivilege = sql.NullFloat64{Float64: s.OverPrivilegePercent, Valid: true}
	r.safeToApply = sql.NullFloat64{Float64: s.SafeToApplyScore, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
