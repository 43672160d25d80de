package main

import (
	"fmt"
	"os"

	modelcfg "github.com/de-tools/iam-sentry/pkg/models/config"
	"github.com/de-tools/iam-sentry/pkg/models/domain"
	"github.com/de-tools/iam-sentry/pkg/plugins/iam"
	"github.com/de-tools/iam-sentry/pkg/plugins/policystore"
	"github.com/de-tools/iam-sentry/pkg/plugins/recommender"
	"github.com/de-tools/iam-sentry/pkg/plugins/report"
	"github.com/de-tools/iam-sentry/pkg/runtime/terminal"
	"github.com/de-tools/iam-sentry/pkg/services/audittrail"
	"github.com/de-tools/iam-sentry/pkg/services/plugin"
	"github.com/de-tools/iam-sentry/pkg/services/remediation"
)

func main() {
	cli := terminal.NewCLI(terminal.Options{
		BuildRegistry: buildRegistry,
		Output:        os.Stdout,
	})

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildRegistry wires the shipped plugin set for one run. Run-scoped state
// (guardrails, the change budget, the audit trail) is created here once and
// shared by every instance the registry later resolves.
func buildRegistry(audit *modelcfg.Audit, trail *audittrail.Logger) (plugin.Registry, error) {
	guardrails := domain.DefaultGuardrails()
	if audit != nil {
		guardrails = audit.Guardrails
	}

	var store remediation.PolicyStore
	if audit != nil {
		if endpoint := pluginParam(audit, "policy_endpoint"); endpoint != "" {
			client, err := policystore.NewClient(policystore.ClientConfig{
				Endpoint: endpoint,
				Token:    pluginParam(audit, "policy_token"),
			})
			if err != nil {
				return nil, err
			}
			store = client
		}
	}

	deps := iam.Deps{
		Guardrails: guardrails,
		Budget:     remediation.NewBudget(guardrails.MaxChangesPerRun),
		Trail:      trail,
		Store:      store,
	}

	return plugin.NewRegistry(map[string]plugin.Factory{
		"gcp_iam_recommendations": recommender.NewSourceFactory(),
		"iam_risk_scorer":         iam.NewScorerFactory(),
		"iam_auditor":             iam.NewAuditorFactory(deps),
		"jsonl_report":            report.NewJSONLFactory(),
		"csv_report":              report.NewCSVFactory(),
		"duckdb_report":           report.NewDuckDBFactory(),
		"log_alert":               report.NewLogAlertFactory(),
	}), nil
}

// pluginParam scans the plugin definitions for a shared connection param.
// The policy store is one client per run even when several plugin defs name
// the same endpoint.
func pluginParam(audit *modelcfg.Audit, key string) string {
	for _, def := range audit.Plugins {
		if v, ok := def.Params[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
