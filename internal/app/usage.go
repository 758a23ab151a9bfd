// Package app wires the council and pipeline engines, the conversation
// store, and the tool runtime into the two external tool surfaces:
// council.ask and council.pipeline.
package app

import (
	"context"

	"github.com/councilkit/engine/internal/domain"
	"github.com/councilkit/engine/internal/ledger"
	"github.com/councilkit/engine/internal/pricing"
)

type modelAccumulator struct {
	model            string
	attempts         int
	promptTokens     int64
	haveprompt       bool
	completionTokens int64
	haveCompletion   bool
	totalTokens      int64
	haveTotal        bool
	cost             float64
	haveCost         bool
}

// buildUsageSummary implements usage_summary shape: sums
// over every UsageEvent row of the run, with each sum nullable when no
// row reports that field, per the design's "nullable when no row in that
// slice reports a value".
func buildUsageSummary(ctx context.Context, ledg ledger.Ledger, runID string, book *pricing.Book) (domain.UsageSummary, error) {
	events, err := ledg.ListUsageEvents(ctx, runID)
	if err != nil {
		return domain.UsageSummary{}, err
	}

	byModel := make(map[string]*modelAccumulator)
	order := make([]string, 0)

	var summary domain.UsageSummary
	var totalPrompt, totalCompletion, totalTotal int64
	var havePrompt, haveCompletion, haveTotal, haveCost bool
	var totalCost float64

	for _, e := range events {
		acc, ok := byModel[e.Model]
		if !ok {
			acc = &modelAccumulator{model: e.Model}
			byModel[e.Model] = acc
			order = append(order, e.Model)
		}
		acc.attempts++

		if e.PromptTokens != nil {
			acc.promptTokens += int64(*e.PromptTokens)
			acc.haveprompt = true
			totalPrompt += int64(*e.PromptTokens)
			havePrompt = true
		}
		if e.CompletionTokens != nil {
			acc.completionTokens += int64(*e.CompletionTokens)
			acc.haveCompletion = true
			totalCompletion += int64(*e.CompletionTokens)
			haveCompletion = true
		}
		total := ledger.CoalesceTokens(e.TotalTokens, e.PromptTokens, e.CompletionTokens)
		if e.TotalTokens != nil || e.PromptTokens != nil || e.CompletionTokens != nil {
			acc.totalTokens += total
			acc.haveTotal = true
			totalTotal += total
			haveTotal = true
		}

		cost := e.CostEstimated
		if cost == nil && book != nil && e.PromptTokens != nil && e.CompletionTokens != nil {
			if estimated, ok := book.EstimateCost(e.Model, int64(*e.PromptTokens), int64(*e.CompletionTokens)); ok {
				cost = &estimated
			}
		}
		if cost != nil {
			acc.cost += *cost
			acc.haveCost = true
			totalCost += *cost
			haveCost = true
		}
	}

	if havePrompt {
		summary.TotalPromptTokens = &totalPrompt
	}
	if haveCompletion {
		summary.TotalCompletionTokens = &totalCompletion
	}
	if haveTotal {
		summary.TotalTokens = &totalTotal
	}
	if haveCost {
		summary.TotalCostEstimated = &totalCost
	}

	for _, model := range order {
		acc := byModel[model]
		mu := domain.ModelUsage{Model: acc.model, Attempts: acc.attempts}
		if acc.haveprompt {
			v := acc.promptTokens
			mu.PromptTokens = &v
		}
		if acc.haveCompletion {
			v := acc.completionTokens
			mu.CompletionTokens = &v
		}
		if acc.haveTotal {
			v := acc.totalTokens
			mu.TotalTokens = &v
		}
		if acc.haveCost {
			v := acc.cost
			mu.CostEstimated = &v
		}
		summary.ByModel = append(summary.ByModel, mu)
	}

	return summary, nil
}
