package domain

import "fmt"

// DataQualityError marks a malformed finding coming out of the origin
// service. The record is dropped and counted; the run continues.
type DataQualityError struct {
	SourceID string
	Reason   string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality: finding %s: %s", e.SourceID, e.Reason)
}
