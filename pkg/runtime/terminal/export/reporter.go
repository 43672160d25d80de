package export

import (
	"fmt"
	"io"
	"os"
	"text/template"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
	"github.com/de-tools/iam-sentry/pkg/store/duckdb/findings"
)

type Reporter struct {
	writer io.Writer
}

func NewReporter(writer io.Writer) *Reporter {
	if writer == nil {
		writer = os.Stdout
	}
	return &Reporter{writer: writer}
}

func (r *Reporter) Handle(report *domain.RunReport) error {
	tmpl := `
Audit: {{.AuditKey}} ({{.AuditVersion.Format "2006-01-02 15:04:05"}} UTC)
Status: {{.Status}}
Duration: {{.Duration}}

+------------------------+----------+
| Findings produced      | {{printf "%8d" .Produced}} |
| Findings scored        | {{printf "%8d" .Scored}} |
| Remediation plans      | {{printf "%8d" .Plans}} |
| Changes applied        | {{printf "%8d" .ChangesApplied}} |
| Records dropped        | {{printf "%8d" .Dropped}} |
+------------------------+----------+
{{- if .Failures}}

Failures:
{{- range .Failures}}
  - {{.}}
{{- end}}
{{- end}}
`
	t, err := template.New("report").Parse(tmpl)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}
	if err := t.Execute(r.writer, report); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return nil
}

// HandleRisks renders the risk leaderboard of an audit's latest run.
func (r *Reporter) HandleRisks(auditKey string, risks []findings.RiskRow, summary map[string]int64) error {
	tmpl := `
Audit: {{.AuditKey}}, latest run
{{- if not .Risks}}

No scored findings recorded.
{{- else}}

{{printf "%-45s %-15s %-30s %8s %7s %-18s %-8s" "SUBJECT" "KIND" "GRANT" "RISK" "WASTE" "ACTION" "PRIORITY"}}
{{- range .Risks}}
{{printf "%-45s %-15s %-30s %8.1f %6.0f%% %-18s %-8s" .Subject .SubjectKind .CurrentGrant .RiskScore .WastePercent .Action .Priority}}
{{- end}}
{{- end}}
{{- if .Summary}}

Plans by action:
{{- range $action, $count := .Summary}}
  {{printf "%-18s %d" $action $count}}
{{- end}}
{{- end}}
`
	t, err := template.New("risks").Parse(tmpl)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}
	data := struct {
		AuditKey string
		Risks    []findings.RiskRow
		Summary  map[string]int64
	}{auditKey, risks, summary}
	if err := t.Execute(r.writer, data); err != nil {
		return fmt.Errorf("failed to render risk report: %w", err)
	}
	return nil
}
