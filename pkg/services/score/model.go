package score

import (
	"fmt"
	"math"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
)

// Risk exponents per account kind. Automated identities have no human in
// the loop to notice misuse, so their excess privilege is penalized
// super-linearly.
var riskExponents = map[domain.AccountKind]float64{
	domain.AccountKindUser:            2,
	domain.AccountKindGroup:           3,
	domain.AccountKindServiceIdentity: 5,
}

// Safe-to-apply base per account kind: users can re-request access easily,
// groups have broader blast radius, service identities are the riskiest to
// touch.
var safeBase = map[domain.AccountKind]float64{
	domain.AccountKindUser:            60,
	domain.AccountKindGroup:           30,
	domain.AccountKindServiceIdentity: 0,
}

var actionBonus = map[domain.RecommendationKind]float64{
	domain.RecommendationRemove:  30,
	domain.RecommendationReplace: 20,
	domain.RecommendationOther:   10,
}

// wasteEpsilon floors the waste divisor so a zero-waste finding yields the
// defined maximum (base+bonus)/1 instead of dividing by zero.
const wasteEpsilon = 1.0

const defaultRiskExponent = 2
const defaultActionBonus = 10

// Compute derives the score set for a finding. It is pure: identical input
// always yields identical output, which is what allows safe re-scoring after
// a configuration change.
func Compute(f domain.Finding) (domain.Scores, error) {
	if err := f.Validate(); err != nil {
		return domain.Scores{}, err
	}
	if f.TotalPermissionCount == 0 {
		return domain.Scores{}, &domain.DataQualityError{
			SourceID: f.SourceID,
			Reason:   "zero total permissions",
		}
	}

	total := float64(f.TotalPermissionCount)
	used := float64(f.UsedPermissionCount)
	ratio := (total - used) / total

	overPrivilege := 100 * ratio

	exponent, ok := riskExponents[f.Subject.Kind]
	if !ok {
		exponent = defaultRiskExponent
	}
	risk := 100 * math.Pow(ratio, exponent)

	base, ok := safeBase[f.Subject.Kind]
	if !ok {
		base = 0
	}
	bonus, ok := actionBonus[f.RecommendationKind]
	if !ok {
		bonus = defaultActionBonus
	}
	safe := (base + bonus) / math.Max(overPrivilege, wasteEpsilon)

	return domain.Scores{
		RiskScore:            risk,
		OverPrivilegePercent: overPrivilege,
		WastePercent:         overPrivilege,
		SafeToApplyScore:     safe,
	}, nil
}

// Enrich wraps Compute, returning the scored finding record.
func Enrich(f domain.Finding) (domain.ScoredFinding, error) {
	scores, err := Compute(f)
	if err != nil {
		return domain.ScoredFinding{}, fmt.Errorf("scoring finding %s: %w", f.SourceID, err)
	}
	return domain.ScoredFinding{Finding: f, Scores: scores}, nil
}
