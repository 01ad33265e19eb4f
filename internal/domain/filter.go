package domain

import "strings"

// FilterRule narrows the image set handed to the next stage based on the
// current stage's results. The set is closed; anything else parses to
// FilterNone so a misconfigured rule degrades to a pass-through instead of
// failing the job.
type FilterRule string

const (
	FilterNone        FilterRule = "none"
	FilterSuccessOnly FilterRule = "success_only"
	FilterTrueOnly    FilterRule = "true_only"
	FilterFalseOnly   FilterRule = "false_only"
)

// ParseFilterRule maps a stored rule string onto the closed rule set.
// Unknown values fail open to FilterNone.
func ParseFilterRule(s string) FilterRule {
	switch FilterRule(strings.ToLower(strings.TrimSpace(s))) {
	case FilterSuccessOnly:
		return FilterSuccessOnly
	case FilterTrueOnly:
		return FilterTrueOnly
	case FilterFalseOnly:
		return FilterFalseOnly
	default:
		return FilterNone
	}
}
