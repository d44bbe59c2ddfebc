package handlers

// Error codes carried in ErrorResponse.Code. Clients branch on these, so they
// are stable; messages are not.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	// The server runs without the component behind this route (503).
	ErrCodeNotConfigured = "not_configured"

	// ErrCodeInvalidQuery marks a query spec that does not parse: 400 on
	// search, 422 when it is a subscription's stored query.
	ErrCodeInvalidQuery  = "invalid_query"
	ErrCodeSearchFailed  = "search_failed"
	ErrCodeSummaryFailed = "summary_failed"
	// ErrCodeRunFailed means the run could not start or aborted as a whole.
	// Per-source or per-subscription failures are reported in a 207 body.
	ErrCodeRunFailed = "run_failed"
)
