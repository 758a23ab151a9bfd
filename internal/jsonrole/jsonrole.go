// Package jsonrole implements the JSON-role caller (C5): calls a model
// expecting a schema-bound JSON reply, validates it, and retries once
// with a correction prompt. Grounded on orchestration.AISynthesizer's
// LLM-call-then-validate-then-recover pattern (synthesizer.go),
// generalized from free-text synthesis to
// strict JSON Schema validation via santhosh-tekuri/jsonschema/v5.
package jsonrole

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/councilkit/engine/internal/budget"
	"github.com/councilkit/engine/internal/corekit"
	"github.com/councilkit/engine/internal/ledger"
	"github.com/councilkit/engine/internal/llmclient"
)

// maxCorrectionPromptRawText is the 8 KB truncation limit for the
// previous raw text embedded in the correction prompt.
const maxCorrectionPromptRawText = 8 * 1024

// maxOutputJSONStringField is the ≤20 KB per-string-field truncation
// limit for RunStep.output_json.
const maxOutputJSONStringField = 20 * 1024

// Result is what CallJSONRole returns.
type Result struct {
	Parsed          json.RawMessage
	FinalRawText    string
	ValidationError string
	TransportOK     bool
}

// Caller wires C1 (llmclient), C3 (ledger), and C4 (budget) together for
// schema-bound calls.
type Caller struct {
	LLM    *llmclient.Client
	Ledger ledger.Ledger
	Gate   *budget.Gate
	Logger corekit.Logger
}

// CallOptions carries the run-scoped context every jsonrole call needs.
type CallOptions struct {
	RunID      string
	OwnerKeyID *string
	StageName  string
	AgentRole  string
	Budget     budget.PipelineBudget
	Timeout    time.Duration
}

// CallJSONRole issues an upstream call for model expecting prompt to
// produce JSON validating against schema, retrying once with a
// correction prompt whenever the first attempt did not yield valid
// parsed JSON — including when the first attempt's transport failed.
// Only a parsed result short-circuits the retry.
func (c *Caller) CallJSONRole(ctx context.Context, role, model, prompt string, schema *jsonschema.Schema, schemaExample string, opts CallOptions) (Result, error) {
	callID := corekit.NewSortableID()

	res, stepErr := c.attempt(ctx, role, model, prompt, schema, callID, 0, false, opts)
	if stepErr != nil {
		return Result{}, stepErr
	}
	if res.Parsed != nil {
		return res, nil
	}

	correction := buildCorrectionPrompt(schemaExample, res.FinalRawText, res.ValidationError)
	retryRes, stepErr := c.attempt(ctx, role, model, correction, schema, callID, 1, true, opts)
	if stepErr != nil {
		return Result{}, stepErr
	}
	return retryRes, nil
}

func (c *Caller) attempt(ctx context.Context, role, model, prompt string, schema *jsonschema.Schema, callID string, attempt int, isRetry bool, opts CallOptions) (Result, error) {
	timeout := opts.Timeout
	llmRes := c.LLM.Call(ctx, model, []llmclient.Message{{Role: "user", Content: prompt}}, llmclient.CallOptions{
		CallID:  callID,
		Attempt: attempt,
		Timeout: timeout,
	})

	result := Result{TransportOK: llmRes.OK, FinalRawText: llmRes.Content}

	usage := c.toUsageEvent(opts, model, callID, attempt, llmRes)
	if err := c.Ledger.RecordUsage(ctx, usage); err != nil {
		return Result{}, err
	}

	var outputJSON json.RawMessage
	var validationErr string
	if llmRes.OK {
		if parsed, err := validateJSON(schema, llmRes.Content); err == nil {
			result.Parsed = parsed
			outputJSON, _ = json.Marshal(map[string]interface{}{"parsed_json": json.RawMessage(parsed)})
		} else {
			validationErr = err.Error()
			result.ValidationError = validationErr
			outputJSON, _ = json.Marshal(map[string]interface{}{
				"raw_text":         truncate(llmRes.Content, maxOutputJSONStringField),
				"validation_error": validationErr,
			})
		}
	} else {
		result.ValidationError = llmRes.ErrorText
		outputJSON, _ = json.Marshal(map[string]interface{}{
			"raw_text":         "",
			"validation_error": llmRes.ErrorText,
		})
	}

	var errText *string
	if !llmRes.OK {
		t := llmRes.ErrorText
		errText = &t
	}
	step := ledger.RunStep{
		RunID:      opts.RunID,
		StageName:  opts.StageName,
		StepType:   "json_role_call",
		AgentRole:  role,
		Model:      model,
		Attempt:    attempt,
		IsRetry:    isRetry,
		OutputJSON: outputJSON,
		LatencyMS:  &llmRes.LatencyMS,
		ErrorText:  errText,
	}
	if err := c.Ledger.AddRunStep(ctx, step); err != nil {
		return Result{}, err
	}

	if err := c.Gate.Check(ctx, opts.RunID, opts.Budget); err != nil {
		return Result{}, err
	}

	return result, nil
}

func (c *Caller) toUsageEvent(opts CallOptions, model, callID string, attempt int, r llmclient.Result) ledger.UsageEvent {
	e := ledger.UsageEvent{
		RunID:        opts.RunID,
		OwnerKeyID:   opts.OwnerKeyID,
		Model:        model,
		CallID:       callID,
		Attempt:      attempt,
		LatencyMS:    &r.LatencyMS,
		UsageMissing: !r.OK || r.Usage == nil,
	}
	if r.Usage != nil {
		e.PromptTokens = r.Usage.PromptTokens
		e.CompletionTokens = r.Usage.CompletionTokens
		e.TotalTokens = r.Usage.TotalTokens
		raw, _ := json.Marshal(r.Usage)
		e.RawUsageJSON = raw
	}
	return e
}

// validateJSON parses and validates raw against schema, returning the
// validated document as canonical json.RawMessage. No markdown-stripping,
// no regex fallback: parsing is JSON-only
func validateJSON(schema *jsonschema.Schema, raw string) (json.RawMessage, error) {
	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if schema != nil {
		if err := schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("schema validation failed: %w", err)
		}
	}
	canon, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return canon, nil
}

func buildCorrectionPrompt(schemaExample, previousRawText, validationError string) string {
	return fmt.Sprintf(
		"Your previous reply did not match the required JSON schema.\n\n"+
			"Schema example (match this shape exactly):\n%s\n\n"+
			"Your previous reply was:\n%s\n\n"+
			"Validation error: %s\n\n"+
			"Reply again with ONLY valid JSON matching the schema example above.",
		schemaExample, truncate(previousRawText, maxCorrectionPromptRawText), validationError,
	)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
