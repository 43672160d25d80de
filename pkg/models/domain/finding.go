package domain

import "fmt"

type AccountKind string

const (
	AccountKindUser            AccountKind = "user"
	AccountKindGroup           AccountKind = "group"
	AccountKindServiceIdentity AccountKind = "serviceAccount"
)

type RecommendationKind string

const (
	RecommendationRemove  RecommendationKind = "REMOVE"
	RecommendationReplace RecommendationKind = "REPLACE"
	RecommendationOther   RecommendationKind = "OTHER"
)

// Subject identifies the account a grant was issued to.
type Subject struct {
	ID   string      `json:"id"`
	Kind AccountKind `json:"kind"`
}

func (s Subject) String() string {
	return fmt.Sprintf("%s:%s", s.Kind, s.ID)
}

// Finding is one raw permission-usage recommendation for a single
// subject/resource pair. It is immutable once emitted by a source worker.
type Finding struct {
	Subject               Subject            `json:"subject"`
	Resource              string             `json:"resource"`
	CurrentGrant          string             `json:"current_grant"`
	TotalPermissionCount  int                `json:"total_permission_count"`
	UsedPermissionCount   int                `json:"used_permission_count"`
	RecommendationKind    RecommendationKind `json:"recommendation_kind"`
	ObservationWindowDays int                `json:"observation_window_days"`
	SourceID              string             `json:"source_id"`
	Etag                  string             `json:"etag"`
}

// Validate rejects malformed findings instead of clamping them. A finding
// claiming more used than granted permissions is a data-quality failure at
// the origin service and must surface as one.
func (f Finding) Validate() error {
	if f.Subject.ID == "" {
		return &DataQualityError{SourceID: f.SourceID, Reason: "empty subject"}
	}
	if f.Resource == "" {
		return &DataQualityError{SourceID: f.SourceID, Reason: "empty resource"}
	}
	if f.TotalPermissionCount < 0 || f.UsedPermissionCount < 0 {
		return &DataQualityError{SourceID: f.SourceID, Reason: "negative permission count"}
	}
	if f.UsedPermissionCount > f.TotalPermissionCount {
		return &DataQualityError{
			SourceID: f.SourceID,
			Reason: fmt.Sprintf("used permissions (%d) exceed total (%d)",
				f.UsedPermissionCount, f.TotalPermissionCount),
		}
	}
	return nil
}

// FindingDetail carries the expanded recommendation payload fetched on
// demand from the origin service.
type FindingDetail struct {
	SourceID        string   `json:"source_id"`
	Description     string   `json:"description"`
	ExercisedPerms  []string `json:"exercised_permissions"`
	InferredPerms   []string `json:"inferred_permissions"`
	LastRefreshTime string   `json:"last_refresh_time"`
}
