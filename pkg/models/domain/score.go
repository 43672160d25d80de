package domain

// Scores are the derived risk metrics for one finding. All values are
// deterministic functions of the finding and the account kind.
type Scores struct {
	RiskScore            float64 `json:"risk_score"`              // 0-100
	OverPrivilegePercent float64 `json:"over_privilege_percent"`  // 0-100
	WastePercent         float64 `json:"waste_percent"`           // same scale as over-privilege
	SafeToApplyScore     float64 `json:"safe_to_apply_score"`     // >= 0, unbounded above
}

// ScoredFinding is a finding enriched with its scores. It is a new record,
// not an in-place edit of the finding it derives from.
type ScoredFinding struct {
	Finding Finding `json:"finding"`
	Scores  Scores  `json:"scores"`
}
