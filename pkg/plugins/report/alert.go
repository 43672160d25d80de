package report

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
	"github.com/de-tools/iam-sentry/pkg/services/plugin"
)

const defaultRiskAlertThreshold = 70.0

// LogAlert surfaces high-risk findings on the run log. Delivery to email or
// chat is owned by whatever tails the log; this plugin only decides what is
// alert-worthy.
type LogAlert struct {
	riskThreshold float64
}

func NewLogAlert(riskThreshold float64) *LogAlert {
	if riskThreshold <= 0 {
		riskThreshold = defaultRiskAlertThreshold
	}
	return &LogAlert{riskThreshold: riskThreshold}
}

func (a *LogAlert) Consume(ctx context.Context, rec *domain.Record) error {
	log := zerolog.Ctx(ctx)

	switch rec.Kind() {
	case domain.RecordScored:
		s := rec.Scored
		if s.Scores.RiskScore >= a.riskThreshold {
			log.Warn().
				Str("subject", s.Finding.Subject.String()).
				Str("resource", s.Finding.Resource).
				Str("grant", s.Finding.CurrentGrant).
				Float64("risk", s.Scores.RiskScore).
				Float64("waste", s.Scores.WastePercent).
				Msg("high-risk over-privileged grant")
		}
	case domain.RecordPlan:
		p := rec.Plan
		if p.Execution != nil && p.Execution.Status == domain.ExecutionFailed {
			log.Error().
				Str("subject", p.Scored.Finding.Subject.String()).
				Str("action", string(p.Action)).
				Str("detail", p.Execution.Detail).
				Msg("remediation failed")
		}
	}
	return nil
}

func NewLogAlertFactory() plugin.Factory {
	return func(params map[string]any) (any, error) {
		p := plugin.Params(params)
		return NewLogAlert(float64(p.Int("risk_threshold", 0))), nil
	}
}
