package ledger

import (
	"context"
	"time"
)

// Ledger is the run-ledger interface every backend (in-memory, Redis)
// satisfies, grounded on ExecutionStore interface-first
// design: callers depend only on this interface so persistence can be
// swapped without touching C5/C6/C7.
type Ledger interface {
	CreateRun(ctx context.Context, run Run) error
	// EndRun is a one-shot: a run already in a terminal state is left
	// untouched and the call returns (false, nil) to signal "already
	// ended" without treating it as an error.
	EndRun(ctx context.Context, runID string, status RunStatus, latencyMS int64) (applied bool, err error)
	AddRunStep(ctx context.Context, step RunStep) error
	RecordUsage(ctx context.Context, event UsageEvent) error

	// ListUsageEvents returns every UsageEvent recorded for runID, in
	// recording order, so callers can group usage by model for
	// usage_summary.by_model.
	ListUsageEvents(ctx context.Context, runID string) ([]UsageEvent, error)

	SumTotalTokens(ctx context.Context, runID string) (int64, error)
	SumCost(ctx context.Context, runID string) (float64, error)
	AnyUsageMissing(ctx context.Context, runID string) (bool, error)
	AnyCostMissing(ctx context.Context, runID string) (bool, error)
	// MonthlyTokensUsed sums total tokens across every run's usage events
	// attributed to ownerKeyID within the UTC calendar month containing
	// now [first-of-month, first-of-next-month) window.
	MonthlyTokensUsed(ctx context.Context, ownerKeyID string, now time.Time) (int64, error)
}

// CoalesceTokens applies token fallback:
// coalesce(total, coalesce(prompt,0)+coalesce(completion,0)).
func CoalesceTokens(total, prompt, completion *int) int64 {
	if total != nil {
		return int64(*total)
	}
	var sum int64
	if prompt != nil {
		sum += int64(*prompt)
	}
	if completion != nil {
		sum += int64(*completion)
	}
	return sum
}

// MonthWindow returns the UTC [start, end) bounds of the calendar month
// containing now
func MonthWindow(now time.Time) (start, end time.Time) {
	u := now.UTC()
	start = time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	return start, end
}
