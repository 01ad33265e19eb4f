package metrics

import "strings"

// Error classification codes surfaced by the monitoring API.
const (
	ErrorTypeTimeout        = "timeout"
	ErrorTypeRateLimited    = "rate_limited"
	ErrorTypeClientError    = "client_error"
	ErrorTypeAnalysisFailed = "analysis_failed"
)

// ClassifyError buckets a recorded error text into a coarse taxonomy. The
// text comes from heterogeneous sources (HTTP client, model refusals,
// engine timeouts), so matching is substring-based and intentionally loose.
func ClassifyError(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "timed out"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "deadline exceeded"):
		return ErrorTypeTimeout
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "quota"),
		strings.Contains(lower, "status 429"):
		return ErrorTypeRateLimited
	case strings.Contains(lower, "status 4"),
		strings.Contains(lower, "status 5"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "unreachable"):
		return ErrorTypeClientError
	default:
		return ErrorTypeAnalysisFailed
	}
}
