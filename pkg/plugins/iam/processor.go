package iam

import (
	"context"
	"fmt"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
	"github.com/de-tools/iam-sentry/pkg/services/audittrail"
	"github.com/de-tools/iam-sentry/pkg/services/plugin"
	"github.com/de-tools/iam-sentry/pkg/services/remediation"
	"github.com/de-tools/iam-sentry/pkg/services/score"
)

// Auditor is the processor at the heart of an audit: it scores each raw
// finding and, when remediation is enabled, runs the resulting scored
// finding through the gate and the executor. It emits the scored finding
// always and the remediation plan when one was made.
type Auditor struct {
	gate     *remediation.Gate
	executor *remediation.Executor
}

func NewAuditor(gate *remediation.Gate, executor *remediation.Executor) *Auditor {
	return &Auditor{gate: gate, executor: executor}
}

func (a *Auditor) Evaluate(ctx context.Context, rec *domain.Record) ([]*domain.Record, error) {
	if rec.Finding == nil {
		return nil, fmt.Errorf("auditor received a %s record, expected a finding", rec.Kind())
	}

	scored, err := score.Enrich(*rec.Finding)
	if err != nil {
		return nil, err
	}

	out := []*domain.Record{{Scored: &scored}}

	if a.gate != nil {
		plan := a.gate.Decide(scored)
		if a.executor != nil {
			plan = a.executor.Execute(ctx, plan)
		}
		out = append(out, &domain.Record{Plan: &plan})
	}
	return out, nil
}

// Scorer is the score-only processor for reporting pipelines that never
// touch the policy store.
type Scorer struct{}

func (Scorer) Evaluate(_ context.Context, rec *domain.Record) ([]*domain.Record, error) {
	if rec.Finding == nil {
		return nil, fmt.Errorf("scorer received a %s record, expected a finding", rec.Kind())
	}
	scored, err := score.Enrich(*rec.Finding)
	if err != nil {
		return nil, err
	}
	return []*domain.Record{{Scored: &scored}}, nil
}

// Deps are the run-scoped collaborators shared by every auditor instance:
// the guardrail snapshot, the shared change budget and the audit trail. The
// registry creates one plugin instance per stage worker, but these must be
// one per run.
type Deps struct {
	Guardrails domain.Guardrails
	Budget     *remediation.Budget
	Trail      *audittrail.Logger
	Store      remediation.PolicyStore
}

// NewScorerFactory registers the score-only processor.
func NewScorerFactory() plugin.Factory {
	return func(_ map[string]any) (any, error) {
		return Scorer{}, nil
	}
}

// NewAuditorFactory registers the scoring + remediation processor. The
// custom role catalog is loaded per factory, once, from either an explicit
// role_map param or a custom_roles_dir of YAML definitions.
func NewAuditorFactory(deps Deps) plugin.Factory {
	return func(params map[string]any) (any, error) {
		p := plugin.Params(params)

		var catalog *remediation.RoleCatalog
		if dir := p.String("custom_roles_dir", ""); dir != "" {
			loaded, err := remediation.LoadRoleCatalog(dir)
			if err != nil {
				return nil, err
			}
			catalog = loaded
		} else {
			catalog = remediation.NewRoleCatalog(p.StringMap("role_map"))
		}

		gate := remediation.NewGate(deps.Guardrails, catalog)

		var executor *remediation.Executor
		if p.Bool("remediate", false) {
			if deps.Store == nil {
				return nil, fmt.Errorf("remediate enabled but no policy store is configured")
			}
			executor = remediation.NewExecutor(deps.Store, deps.Guardrails, deps.Budget, deps.Trail)
		}
		return NewAuditor(gate, executor), nil
	}
}
