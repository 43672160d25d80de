package report

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
)

func scoredRecord() *domain.Record {
	return &domain.Record{
		Envelope: domain.Envelope{AuditKey: "quarterly"},
		Scored: &domain.ScoredFinding{
			Finding: domain.Finding{
				Subject:              domain.Subject{ID: "sa@proj.iam", Kind: domain.AccountKindServiceIdentity},
				Resource:             "projects/payments",
				CurrentGrant:         "roles/editor",
				TotalPermissionCount: 100,
				UsedPermissionCount:  5,
				RecommendationKind:   domain.RecommendationReplace,
				SourceID:             "rec-1",
			},
			Scores: domain.Scores{RiskScore: 77.4, OverPrivilegePercent: 95, WastePercent: 95, SafeToApplyScore: 0.21},
		},
	}
}

func planRecord(status domain.ExecutionStatus) *domain.Record {
	scored := scoredRecord().Scored
	return &domain.Record{
		Envelope: domain.Envelope{AuditKey: "quarterly"},
		Plan: &domain.RemediationPlan{
			Scored:    *scored,
			Action:    domain.ActionRemoveBinding,
			Reason:    "mostly unused",
			Priority:  domain.PriorityHigh,
			Execution: &domain.ExecutionResult{Status: status, Detail: "detail"},
		},
	}
}

func TestJSONLSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.jsonl")
	sink, err := NewJSONLSink(path)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), scoredRecord()))
	require.NoError(t, sink.Consume(context.Background(), planRecord(domain.ExecutionSimulated)))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var kinds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec domain.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		kinds = append(kinds, string(rec.Kind()))
	}
	assert.Equal(t, []string{"scored_finding", "remediation_plan"}, kinds)
}

func TestCSVSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.csv")
	sink, err := NewCSVSink(path)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), scoredRecord()))
	require.NoError(t, sink.Consume(context.Background(), planRecord(domain.ExecutionSimulated)))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, csvHeader, rows[0])

	scored := rows[1]
	assert.Equal(t, "scored_finding", scored[1])
	assert.Equal(t, "sa@proj.iam", scored[2])
	assert.Equal(t, "95.0", scored[8])
	assert.Equal(t, "", scored[11])

	plan := rows[2]
	assert.Equal(t, "remediation_plan", plan[1])
	assert.Equal(t, "REMOVE_BINDING", plan[11])
	assert.Equal(t, "high", plan[15])
}

func TestLogAlert_HighRiskWarns(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	ctx := log.WithContext(context.Background())

	alert := NewLogAlert(70)
	require.NoError(t, alert.Consume(ctx, scoredRecord()))

	out := buf.String()
	assert.Contains(t, out, "high-risk over-privileged grant")
	assert.Contains(t, out, "serviceAccount:sa@proj.iam")
}

func TestLogAlert_BelowThresholdStaysQuiet(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	ctx := log.WithContext(context.Background())

	alert := NewLogAlert(90)
	require.NoError(t, alert.Consume(ctx, scoredRecord()))
	assert.Empty(t, strings.TrimSpace(buf.String()))
}

func TestLogAlert_FailedExecutionErrors(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	ctx := log.WithContext(context.Background())

	alert := NewLogAlert(0)
	require.NoError(t, alert.Consume(ctx, planRecord(domain.ExecutionFailed)))

	out := buf.String()
	assert.Contains(t, out, "remediation failed")
	assert.Contains(t, out, `"level":"error"`)
}

func TestSinkFactories_RequirePath(t *testing.T) {
	_, err := NewJSONLFactory()(map[string]any{})
	assert.Error(t, err)
	_, err = NewCSVFactory()(map[string]any{})
	assert.Error(t, err)
	_, err = NewDuckDBFactory()(map[string]any{})
	assert.Error(t, err)
}
