// Package budget implements the budget gate (C4): computes running totals
// after each usage event and aborts a run when token/cost caps would be
// crossed. The check is a critical section, modeled here as a single
// mutex-guarded Check call — the same shape as CircuitBreaker
// state-transition methods (core/circuit_breaker.go), which also
// serialize a check-then-update sequence behind one lock.
package budget

import (
	"context"
	"sync"

	"github.com/councilkit/engine/internal/ledger"
)

// PipelineBudget is the optional per-run cap set.
type PipelineBudget struct {
	MaxTotalCostUSD  *float64
	MaxTotalTokens   *int64
}

// Reason is one of the typed abort reasons names.
type Reason string

const (
	ReasonTokenUsageMissing Reason = "token_usage_missing"
	ReasonMaxTotalTokens    Reason = "max_total_tokens"
	ReasonCostEstimateMissing Reason = "cost_estimate_missing"
	ReasonMaxTotalCostUSD   Reason = "max_total_cost_usd"
)

// ExceededError is the typed abort signal Check returns when a budget cap
// would be crossed.
type ExceededError struct {
	Reason Reason
}

func (e *ExceededError) Error() string { return string(e.Reason) }

// Gate checks a run's running totals against its PipelineBudget after
// every usage event One Gate instance is shared across
// a run's fan-out goroutines so the mutex actually serializes concurrent
// checks
type Gate struct {
	mu     sync.Mutex
	ledger ledger.Ledger
}

// NewGate builds a Gate reading totals from l.
func NewGate(l ledger.Ledger) *Gate {
	return &Gate{ledger: l}
}

// Check runs the rules in against runID's current ledger
// state under budget. A nil budget (neither field set) always passes.
func (g *Gate) Check(ctx context.Context, runID string, budget PipelineBudget) error {
	if budget.MaxTotalTokens == nil && budget.MaxTotalCostUSD == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if budget.MaxTotalTokens != nil {
		missing, err := g.ledger.AnyUsageMissing(ctx, runID)
		if err != nil {
			return err
		}
		if missing {
			return &ExceededError{Reason: ReasonTokenUsageMissing}
		}
		sum, err := g.ledger.SumTotalTokens(ctx, runID)
		if err != nil {
			return err
		}
		if sum > *budget.MaxTotalTokens {
			return &ExceededError{Reason: ReasonMaxTotalTokens}
		}
	}

	if budget.MaxTotalCostUSD != nil {
		missing, err := g.ledger.AnyCostMissing(ctx, runID)
		if err != nil {
			return err
		}
		if missing {
			return &ExceededError{Reason: ReasonCostEstimateMissing}
		}
		sum, err := g.ledger.SumCost(ctx, runID)
		if err != nil {
			return err
		}
		if sum > *budget.MaxTotalCostUSD {
			return &ExceededError{Reason: ReasonMaxTotalCostUSD}
		}
	}

	return nil
}

// RequiresSequentialFanOut reports whether budget forces sequential
// (rather than concurrent) fan-out interaction rule:
// "if any budget is set, the engine must call sequentially".
func RequiresSequentialFanOut(budget *PipelineBudget) bool {
	return budget != nil && (budget.MaxTotalTokens != nil || budget.MaxTotalCostUSD != nil)
}
