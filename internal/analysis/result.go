package analysis

import (
	"errors"
	"time"
)

var ErrInvalidInput = errors.New("no activity ids to analyze")

// ChartRef points at one rendered chart. Title is the tool name that
// produced it; URL and Kind come from the tool's result payload.
type ChartRef struct {
	Title string
	URL   string
	Kind  string
}

// Result is the terminal artifact of one analysis: free-form insights, the
// first metrics table found in them, and chart references in arrival order.
// Immutable once returned.
type Result struct {
	Timestamp    time.Time
	Insights     string
	MetricsTable string
	Charts       []ChartRef
}

// UpstreamError reports a stream that failed mid-analysis. Partial holds
// everything collected before the failure; whether to keep it is the
// caller's policy, not ours.
type UpstreamError struct {
	Partial *Result
	Message string
}

func (e *UpstreamError) Error() string {
	return "analysis stream failed: " + e.Message
}
