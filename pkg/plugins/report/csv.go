package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
	"github.com/de-tools/iam-sentry/pkg/services/plugin"
)

var csvHeader = []string{
	"audit_key", "record_kind", "subject", "subject_kind", "resource",
	"current_grant", "total_permissions", "used_permissions",
	"over_privilege_percent", "risk_score", "safe_to_apply_score",
	"action", "target_grant", "reason", "blocked_by", "priority",
}

// CSVSink flattens records into one row per record. Findings without scores
// leave the score columns empty rather than inventing zeros.
type CSVSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *csv.Writer
	path string
}

func NewCSVSink(path string) (*CSVSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening report file %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing header to %s: %w", path, err)
	}
	return &CSVSink{f: f, w: w, path: path}, nil
}

func (s *CSVSink) Consume(_ context.Context, rec *domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Write(s.row(rec)); err != nil {
		return fmt.Errorf("writing record to %s: %w", s.path, err)
	}
	return nil
}

func (s *CSVSink) row(rec *domain.Record) []string {
	var f domain.Finding
	var scores *domain.Scores
	var plan *domain.RemediationPlan

	switch rec.Kind() {
	case domain.RecordPlan:
		plan = rec.Plan
		f = plan.Scored.Finding
		scores = &plan.Scored.Scores
	case domain.RecordScored:
		f = rec.Scored.Finding
		scores = &rec.Scored.Scores
	default:
		if rec.Finding != nil {
			f = *rec.Finding
		}
	}

	row := []string{
		rec.Envelope.AuditKey,
		string(rec.Kind()),
		f.Subject.ID,
		string(f.Subject.Kind),
		f.Resource,
		f.CurrentGrant,
		strconv.Itoa(f.TotalPermissionCount),
		strconv.Itoa(f.UsedPermissionCount),
	}
	if scores != nil {
		row = append(row,
			strconv.FormatFloat(scores.OverPrivilegePercent, 'f', 1, 64),
			strconv.FormatFloat(scores.RiskScore, 'f', 1, 64),
			strconv.FormatFloat(scores.SafeToApplyScore, 'f', 3, 64),
		)
	} else {
		row = append(row, "", "", "")
	}
	if plan != nil {
		row = append(row, string(plan.Action), plan.TargetGrant, plan.Reason, plan.BlockedBy, string(plan.Priority))
	} else {
		row = append(row, "", "", "", "", "")
	}
	return row
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

func NewCSVFactory() plugin.Factory {
	return func(params map[string]any) (any, error) {
		p := plugin.Params(params)
		path, err := p.RequiredString("path")
		if err != nil {
			return nil, err
		}
		return NewCSVSink(path)
	}
}
