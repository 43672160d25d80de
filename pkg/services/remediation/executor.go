package remediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
	"github.com/de-tools/iam-sentry/pkg/services/audittrail"
)

// ErrConflict is returned by a PolicyStore when a conditional write loses
// the version race. The executor re-reads and retries up to its bound.
var ErrConflict = errors.New("policy version conflict")

// PolicyConflictError surfaces a finding whose write-back kept conflicting
// after the bounded retries. The policy is never overwritten blindly.
type PolicyConflictError struct {
	Resource string
	Attempts int
}

func (e *PolicyConflictError) Error() string {
	return fmt.Sprintf("policy %s: version conflict after %d attempts", e.Resource, e.Attempts)
}

// PolicyStore is the write-path capability of the policy service. GetPolicy
// returns the current policy with its version token; SetPolicy succeeds only
// when the token still matches.
type PolicyStore interface {
	GetPolicy(ctx context.Context, resource string) (domain.Policy, string, error)
	SetPolicy(ctx context.Context, resource string, policy domain.Policy, version string) error
	MarkApplied(ctx context.Context, findingID, version string) error
}

const defaultConflictRetries = 3

// Executor applies remediation plans against the live policy store, subject
// to the run guardrails: safety threshold per account kind, the shared
// change budget, and the dry-run switch.
type Executor struct {
	store      PolicyStore
	guardrails domain.Guardrails
	budget     *Budget
	trail      *audittrail.Logger
	retries    int
}

func NewExecutor(store PolicyStore, guardrails domain.Guardrails, budget *Budget, trail *audittrail.Logger) *Executor {
	return &Executor{
		store:      store,
		guardrails: guardrails,
		budget:     budget,
		trail:      trail,
		retries:    defaultConflictRetries,
	}
}

// Execute gates and applies one plan, returning the plan annotated with its
// execution result. The input plan is not mutated.
func (e *Executor) Execute(ctx context.Context, plan domain.RemediationPlan) domain.RemediationPlan {
	log := zerolog.Ctx(ctx).With().
		Str("component", "remediation.executor").
		Str("finding", plan.Scored.Finding.SourceID).
		Logger()

	switch plan.Action {
	case domain.ActionNone, domain.ActionManualReview:
		plan.Execution = &domain.ExecutionResult{
			Status: domain.ExecutionSkipped,
			Detail: "no automated action",
		}
		return plan
	}

	f := plan.Scored.Finding
	threshold := e.guardrails.SafetyThreshold(f.Subject.Kind)
	if plan.Scored.Scores.SafeToApplyScore < threshold {
		plan.BlockedBy = BlockedBySafety
		plan.Execution = &domain.ExecutionResult{
			Status: domain.ExecutionSkipped,
			Detail: fmt.Sprintf("safe-to-apply score %.2f below %s threshold %.2f",
				plan.Scored.Scores.SafeToApplyScore, f.Subject.Kind, threshold),
		}
		log.Info().Str("detail", plan.Execution.Detail).Msg("plan blocked by safety threshold")
		return plan
	}

	if !e.budget.TryAcquire() {
		plan.Action = domain.ActionManualReview
		plan.BlockedBy = BlockedByBudget
		plan.Reason = fmt.Sprintf("change budget (%d) exhausted, downgraded to manual review", e.budget.Max())
		plan.Execution = &domain.ExecutionResult{
			Status: domain.ExecutionSkipped,
			Detail: "max changes per run reached",
		}
		log.Warn().Msg("change budget exhausted, downgrading to manual review")
		return plan
	}

	if e.guardrails.DryRun {
		plan.Execution = &domain.ExecutionResult{
			Status: domain.ExecutionSimulated,
			Detail: simulationDetail(plan),
		}
		log.Info().Str("action", string(plan.Action)).Msg("dry run, change simulated")
		return plan
	}

	result, err := e.apply(ctx, plan)
	if err != nil {
		plan.Execution = &domain.ExecutionResult{
			Status: domain.ExecutionFailed,
			Detail: err.Error(),
		}
		log.Error().Err(err).Msg("remediation failed")
		return plan
	}
	plan.Execution = result
	return plan
}

// apply is the read-mutate-write loop. Every attempt re-reads the policy and
// its version token; a conditional write losing the race backs off and
// retries up to the bound, then surfaces a conflict.
func (e *Executor) apply(ctx context.Context, plan domain.RemediationPlan) (*domain.ExecutionResult, error) {
	f := plan.Scored.Finding

	bo := backoff.WithContext(backoff.WithMaxRetries(newWriteBackOff(), uint64(e.retries)), ctx)
	attempt := 0

	var result *domain.ExecutionResult
	err := backoff.Retry(func() error {
		attempt++

		policy, version, err := e.store.GetPolicy(ctx, f.Resource)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("reading policy for %s: %w", f.Resource, err))
		}

		// The pre-write snapshot must land in the trail before the write
		// does, so a crash between the two leaves a rollback path.
		snapshot := policy.Clone()
		if err := e.trail.Log(audittrail.Event{
			Type:     audittrail.EventChangeProposed,
			Action:   string(plan.Action),
			Resource: f.Resource,
			Details:  map[string]any{"subject": f.Subject.String(), "grant": f.CurrentGrant, "target": plan.TargetGrant},
			Before:   snapshot,
		}); err != nil {
			return backoff.Permanent(fmt.Errorf("persisting rollback snapshot: %w", err))
		}

		if err := e.mutate(&policy, plan); err != nil {
			return backoff.Permanent(err)
		}

		if err := e.store.SetPolicy(ctx, f.Resource, policy, version); err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("writing policy for %s: %w", f.Resource, err))
		}

		if err := e.store.MarkApplied(ctx, f.SourceID, f.Etag); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).
				Str("finding", f.SourceID).
				Msg("policy written but marking the finding applied failed")
		}

		_ = e.trail.Log(audittrail.Event{
			Type:     audittrail.EventChangeExecuted,
			Action:   string(plan.Action),
			Resource: f.Resource,
			Before:   snapshot,
			After:    policy,
		})

		result = &domain.ExecutionResult{
			Status:  domain.ExecutionApplied,
			Detail:  simulationDetail(plan),
			Attempt: attempt,
		}
		return nil
	}, bo)

	if err != nil {
		_ = e.trail.Log(audittrail.Event{
			Type:     audittrail.EventChangeFailed,
			Action:   string(plan.Action),
			Resource: f.Resource,
			Details:  map[string]any{"error": err.Error(), "attempts": attempt},
		})
		if errors.Is(err, ErrConflict) {
			return nil, &PolicyConflictError{Resource: f.Resource, Attempts: attempt}
		}
		return nil, err
	}
	return result, nil
}

func (e *Executor) mutate(policy *domain.Policy, plan domain.RemediationPlan) error {
	f := plan.Scored.Finding
	switch plan.Action {
	case domain.ActionRemoveBinding:
		if !policy.RemoveSubject(f.CurrentGrant, f.Subject.String()) {
			return fmt.Errorf("binding %s -> %s not present in live policy", f.CurrentGrant, f.Subject)
		}
	case domain.ActionMigrateToCustom:
		if plan.TargetGrant == "" {
			return fmt.Errorf("migrate plan for %s carries no target grant", f.SourceID)
		}
		if !policy.RemoveSubject(f.CurrentGrant, f.Subject.String()) {
			return fmt.Errorf("binding %s -> %s not present in live policy", f.CurrentGrant, f.Subject)
		}
		policy.AddSubject(plan.TargetGrant, f.Subject.String())
	default:
		return fmt.Errorf("action %s is not executable", plan.Action)
	}
	return nil
}

func simulationDetail(plan domain.RemediationPlan) string {
	f := plan.Scored.Finding
	switch plan.Action {
	case domain.ActionRemoveBinding:
		return fmt.Sprintf("remove binding %s from %s on %s", f.CurrentGrant, f.Subject, f.Resource)
	case domain.ActionMigrateToCustom:
		return fmt.Sprintf("migrate %s from %s to %s on %s", f.Subject, f.CurrentGrant, plan.TargetGrant, f.Resource)
	default:
		return string(plan.Action)
	}
}

func newWriteBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}
