package engine

import (
	"strings"

	"visionpipe/internal/domain"
)

// ApplyFilter narrows the image set for the next stage using the current
// stage's results. It is pure: input order is preserved, no image is ever
// added, and applying the same rule to its own output is a no-op. An image
// with no result for the stage cannot satisfy any selective rule and is
// dropped by them.
func ApplyFilter(images []domain.ImageRef, results []domain.ProcessingResult, rule domain.FilterRule) []domain.ImageRef {
	var keep func(domain.ProcessingResult) bool
	switch rule {
	case domain.FilterSuccessOnly:
		keep = func(r domain.ProcessingResult) bool { return r.Success }
	case domain.FilterTrueOnly:
		keep = func(r domain.ProcessingResult) bool { return r.Success && isBooleanTrue(r.Response) }
	case domain.FilterFalseOnly:
		keep = func(r domain.ProcessingResult) bool { return r.Success && isBooleanFalse(r.Response) }
	default:
		// FilterNone and anything unrecognized pass the set through.
		return images
	}

	byImage := make(map[string]domain.ProcessingResult, len(results))
	for _, r := range results {
		byImage[r.ImageID] = r
	}

	out := make([]domain.ImageRef, 0, len(images))
	for _, img := range images {
		if r, ok := byImage[img.ID]; ok && keep(r) {
			out = append(out, img)
		}
	}
	return out
}

// isBooleanTrue reports whether a response text denotes boolean true. Model
// answers arrive with varied casing and trailing punctuation, so the text is
// normalized before comparison.
func isBooleanTrue(s string) bool {
	switch normalizeBoolean(s) {
	case "true", "yes":
		return true
	}
	return false
}

func isBooleanFalse(s string) bool {
	switch normalizeBoolean(s) {
	case "false", "no":
		return true
	}
	return false
}

func normalizeBoolean(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, ".!")
}
