// Package ledger implements the run ledger (C3): an append-only record of
// runs, per-call steps, and usage events, with aggregation queries.
// Grounded on orchestration.ExecutionStore's interface-first design
// (swappable backends, safe in-memory default), generalized from a
// single debug-record-per-request shape into this package's
// run/step/usage-event model.
package ledger

import (
	"encoding/json"
	"time"
)

// RunStatus is one of Run's lifecycle states.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is a top-level unit of work
type Run struct {
	ID             string
	ConversationID string
	ToolName       string
	OwnerKeyID     *string
	InputSnapshot  json.RawMessage
	Status         RunStatus
	CreatedAt      time.Time
	EndedAt        *time.Time
	LatencyMS      *int64
}

// RunStep is one observation per agent attempt
type RunStep struct {
	RunID          string
	StageName      string
	StepType       string
	AgentRole      string
	Model          string
	Attempt        int
	IsRetry        bool
	OutputJSON     json.RawMessage
	LatencyMS      *int64
	ErrorText      *string
	CreatedAt      time.Time
}

// UsageEvent is one per upstream model call attempt
type UsageEvent struct {
	RunID            string
	OwnerKeyID       *string
	Model            string
	CallID           string
	Attempt          int
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
	CostEstimated    *float64
	LatencyMS        *int64
	RawUsageJSON     json.RawMessage
	UsageMissing     bool
	CreatedAt        time.Time
}
