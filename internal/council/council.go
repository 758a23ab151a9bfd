// Package council implements the council engine (C6): a 3-stage panel
// (fan-out answers → peer judge JSON → chairman synthesis) with
// aggregate ranking. Grounded on orchestration.SmartExecutor
// fan-out (parallel goroutines behind a WaitGroup, gated by a semaphore)
// and AISynthesizer (single free-text synthesis call), generalized from
// plan-step execution into a fixed three-stage panel.
package council

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/councilkit/engine/internal/budget"
	"github.com/councilkit/engine/internal/cachekit"
	"github.com/councilkit/engine/internal/corekit"
	"github.com/councilkit/engine/internal/domain"
	"github.com/councilkit/engine/internal/jsonrole"
	"github.com/councilkit/engine/internal/ledger"
	"github.com/councilkit/engine/internal/llmclient"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Stage1Result is one council model's answer.
type Stage1Result struct {
	Model   string
	Content string
}

// Stage2Result is one judge's peer evaluation, valid or not.
type Stage2Result struct {
	Model           string
	Valid           bool
	ParsedRanking   []string
	Evaluations     json.RawMessage
	VerificationSteps []string
	RawText         string
	ValidationError string
}

// Stage3Result is the chairman's synthesis.
type Stage3Result struct {
	Model    string
	Response string
}

// Config names the models used by a council run.
type Config struct {
	CouncilModels []string
	JudgeModels   []string
	ChairmanModel string
	TitleModel    string // defaults to "google/gemini-2.5-flash"
}

// Engine wires together C1 (via jsonrole/llmclient), C2, C3, and C4 for
// the council workflow.
type Engine struct {
	LLM      *llmclient.Client
	Cache    cachekit.Store
	Ledger   ledger.Ledger
	Gate     *budget.Gate
	JSONRole *jsonrole.Caller
	Schemas  *jsonrole.Registry
	Logger   corekit.Logger
}

// RunOptions carries the per-run context for Run.
type RunOptions struct {
	RunID          string
	OwnerKeyID     *string
	Budget         budget.PipelineBudget
	ModeTimeout    time.Duration
}

// Run executes the three-stage panel against userQuery. It never returns
// a hard error for upstream/model failures — those degrade the result —
// only for ledger/storage errors that make the run state itself
// unreliable, and for a budget abort (*budget.ExceededError from the
// gate check after a recorded call).
func (e *Engine) Run(ctx context.Context, userQuery string, cfg Config, opts RunOptions) (stage1 []Stage1Result, stage2 []Stage2Result, stage3 Stage3Result, metadata domain.AskMetadata, errs []string, err error) {
	ctx, runSpan := corekit.StartSpan(ctx, "council.Run", attribute.String("run_id", opts.RunID))
	defer runSpan.End()

	sequential := budget.RequiresSequentialFanOut(&opts.Budget)

	stage1Ctx, stage1Span := corekit.StartSpan(ctx, "council.stage1", attribute.Int("council_models", len(cfg.CouncilModels)))
	stage1, errs, err = e.runStage1(stage1Ctx, userQuery, cfg, opts, sequential)
	stage1Span.End()
	if err != nil {
		corekit.RecordSpanError(ctx, err)
		return nil, nil, Stage3Result{}, domain.AskMetadata{}, errs, err
	}
	corekit.AddSpanEvent(ctx, "stage1_complete", attribute.Int("responses", len(stage1)))
	if len(stage1) == 0 {
		stage3 = Stage3Result{Model: cfg.ChairmanModel, Response: "Error: Unable to generate final synthesis."}
		return stage1, nil, stage3, domain.AskMetadata{LabelToModel: map[string]string{}}, append(errs, "chairman_failed"), nil
	}

	labels, labelToModel := labelStage1(stage1)

	stage2Ctx, stage2Span := corekit.StartSpan(ctx, "council.stage2", attribute.Int("judge_models", len(cfg.JudgeModels)))
	stage2, labelToModel2Errs, err := e.runStage2(stage2Ctx, userQuery, stage1, labels, cfg, opts, sequential)
	stage2Span.End()
	if err != nil {
		corekit.RecordSpanError(ctx, err)
		return stage1, nil, Stage3Result{}, domain.AskMetadata{}, errs, err
	}
	errs = append(errs, labelToModel2Errs...)
	corekit.AddSpanEvent(ctx, "stage2_complete", attribute.Int("judgements", len(stage2)))

	rankings := aggregateRankings(stage2, labelToModel)

	stage3Ctx, stage3Span := corekit.StartSpan(ctx, "council.stage3", attribute.String("chairman_model", cfg.ChairmanModel))
	stage3, err = e.runStage3(stage3Ctx, stage1, stage2, labelToModel, cfg, opts)
	stage3Span.End()
	if err != nil {
		corekit.RecordSpanError(ctx, err)
		return stage1, stage2, Stage3Result{}, domain.AskMetadata{}, errs, err
	}
	if stage3.Response == "" {
		errs = append(errs, "chairman_failed")
	}
	corekit.AddSpanEvent(ctx, "stage3_complete")

	metadata = domain.AskMetadata{LabelToModel: labelToModel, AggregateRankings: rankings}
	return stage1, stage2, stage3, metadata, errs, nil
}

func (e *Engine) runStage1(ctx context.Context, userQuery string, cfg Config, opts RunOptions, sequential bool) ([]Stage1Result, []string, error) {
	type slot struct {
		result Stage1Result
		ok     bool
		errTag string
	}
	slots := make([]slot, len(cfg.CouncilModels))

	call := func(i int) error {
		model := cfg.CouncilModels[i]
		content, ok, err := e.stage1Answer(ctx, userQuery, model, cfg, opts)
		if err != nil {
			return err
		}
		if ok {
			slots[i] = slot{result: Stage1Result{Model: model, Content: content}, ok: true}
		} else {
			slots[i] = slot{errTag: fmt.Sprintf("stage1_model_failed:%s", model)}
		}
		return nil
	}

	if sequential {
		for i := range cfg.CouncilModels {
			if err := call(i); err != nil {
				return nil, nil, err
			}
		}
	} else {
		var wg sync.WaitGroup
		errCh := make(chan error, len(cfg.CouncilModels))
		for i := range cfg.CouncilModels {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := call(i); err != nil {
					errCh <- err
				}
			}(i)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			if err != nil {
				return nil, nil, err
			}
		}
	}

	var results []Stage1Result
	var errs []string
	for _, s := range slots {
		if s.ok {
			results = append(results, s.result)
		} else if s.errTag != "" {
			errs = append(errs, s.errTag)
		}
	}
	return results, errs, nil
}

func (e *Engine) stage1Answer(ctx context.Context, userQuery, model string, cfg Config, opts RunOptions) (content string, ok bool, err error) {
	key := cachekit.Fingerprint(map[string]interface{}{
		"stage":          "stage1",
		"model":          model,
		"user_query":     userQuery,
		"council_models": toInterfaceSlice(cfg.CouncilModels),
	})

	if cached, found, cerr := e.Cache.Get(ctx, key); cerr == nil && found {
		return cached, true, nil
	}

	callID := corekit.NewSortableID()
	res := e.LLM.Call(ctx, model, []llmclient.Message{{Role: "user", Content: userQuery}}, llmclient.CallOptions{
		CallID:  callID,
		Timeout: opts.ModeTimeout,
	})

	if err := e.recordStageCall(ctx, "stage1", model, callID, res, opts); err != nil {
		return "", false, err
	}
	if err := e.Gate.Check(ctx, opts.RunID, opts.Budget); err != nil {
		return "", false, err
	}

	if !res.OK || res.Content == "" {
		return "", false, nil
	}

	_ = e.Cache.Set(ctx, key, res.Content, nil)
	return res.Content, true, nil
}

func (e *Engine) recordStageCall(ctx context.Context, stageName, model, callID string, res llmclient.Result, opts RunOptions) error {
	var usage *llmclient.Usage = res.Usage
	event := ledger.UsageEvent{
		RunID:        opts.RunID,
		OwnerKeyID:   opts.OwnerKeyID,
		Model:        model,
		CallID:       callID,
		Attempt:      0,
		LatencyMS:    &res.LatencyMS,
		UsageMissing: !res.OK || usage == nil,
	}
	if usage != nil {
		event.PromptTokens = usage.PromptTokens
		event.CompletionTokens = usage.CompletionTokens
		event.TotalTokens = usage.TotalTokens
	}
	if err := e.Ledger.RecordUsage(ctx, event); err != nil {
		return err
	}

	outputJSON, _ := json.Marshal(map[string]interface{}{"content": res.Content, "ok": res.OK})
	var errText *string
	if !res.OK {
		t := res.ErrorText
		errText = &t
	}
	return e.Ledger.AddRunStep(ctx, ledger.RunStep{
		RunID:      opts.RunID,
		StageName:  stageName,
		StepType:   "model_call",
		AgentRole:  stageName,
		Model:      model,
		Attempt:    0,
		OutputJSON: outputJSON,
		LatencyMS:  &res.LatencyMS,
		ErrorText:  errText,
	})
}

func labelStage1(stage1 []Stage1Result) ([]string, map[string]string) {
	labels := make([]string, len(stage1))
	labelToModel := make(map[string]string, len(stage1))
	for i, r := range stage1 {
		label := responseLabel(i)
		labels[i] = label
		labelToModel[label] = r.Model
	}
	return labels, labelToModel
}

// responseLabel renders index i (0-based) as "Response A", "Response B",
// ... "Response Z", "Response AA", etc.
func responseLabel(i int) string {
	suffix := ""
	n := i
	for {
		suffix = string(rune('A'+n%26)) + suffix
		n = n/26 - 1
		if n < 0 {
			break
		}
	}
	return "Response " + suffix
}

func (e *Engine) runStage2(ctx context.Context, userQuery string, stage1 []Stage1Result, labels []string, cfg Config, opts RunOptions, sequential bool) ([]Stage2Result, []string, error) {
	prompt := buildJudgePrompt(userQuery, stage1, labels)
	schema, serr := e.Schemas.Schema(jsonrole.SchemaStage2Judgement)
	if serr != nil {
		return nil, nil, serr
	}
	example, eerr := e.Schemas.Example(jsonrole.SchemaStage2Judgement)
	if eerr != nil {
		return nil, nil, eerr
	}

	type slot struct {
		result Stage2Result
		errTag string
	}
	slots := make([]slot, len(cfg.JudgeModels))

	call := func(i int) error {
		model := cfg.JudgeModels[i]
		r, errTag, err := e.stage2Judgement(ctx, userQuery, prompt, model, schema, example, opts)
		if err != nil {
			return err
		}
		slots[i] = slot{result: r, errTag: errTag}
		return nil
	}

	if sequential {
		for i := range cfg.JudgeModels {
			if err := call(i); err != nil {
				return nil, nil, err
			}
		}
	} else {
		var wg sync.WaitGroup
		errCh := make(chan error, len(cfg.JudgeModels))
		for i := range cfg.JudgeModels {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := call(i); err != nil {
					errCh <- err
				}
			}(i)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			if err != nil {
				return nil, nil, err
			}
		}
	}

	results := make([]Stage2Result, len(slots))
	var errs []string
	for i, s := range slots {
		results[i] = s.result
		if s.errTag != "" {
			errs = append(errs, s.errTag)
		}
	}
	return results, errs, nil
}

func (e *Engine) stage2Judgement(ctx context.Context, userQuery, prompt, model string, schema *jsonschema.Schema, example string, opts RunOptions) (Stage2Result, string, error) {
	key := cachekit.Fingerprint(map[string]interface{}{
		"stage":      "stage2",
		"model":      model,
		"user_query": userQuery,
		"prompt":     prompt,
	})

	// Cached judgements carry an explicit "valid" flag; an entry without
	// it (or with valid=false) is not trusted and the judge is called again.
	if cached, found, _ := e.Cache.Get(ctx, key); found {
		var entry struct {
			Valid      *bool           `json:"valid"`
			ParsedJSON json.RawMessage `json:"parsed_json"`
		}
		var parsed stage2Payload
		if err := json.Unmarshal([]byte(cached), &entry); err == nil && entry.Valid != nil && *entry.Valid &&
			json.Unmarshal(entry.ParsedJSON, &parsed) == nil {
			return Stage2Result{
				Model:             model,
				Valid:             true,
				ParsedRanking:     parsed.FinalRanking,
				Evaluations:       parsed.Evaluations,
				VerificationSteps: parsed.VerificationSteps,
				RawText:           string(entry.ParsedJSON),
			}, "", nil
		}
	}

	res, err := e.JSONRole.CallJSONRole(ctx, "judge", model, prompt, schema, example, jsonrole.CallOptions{
		RunID:      opts.RunID,
		OwnerKeyID: opts.OwnerKeyID,
		StageName:  "stage2",
		AgentRole:  "judge",
		Budget:     opts.Budget,
		Timeout:    opts.ModeTimeout,
	})
	if err != nil {
		return Stage2Result{}, "", err
	}

	if res.Parsed == nil {
		return Stage2Result{Model: model, Valid: false, RawText: res.FinalRawText, ValidationError: res.ValidationError},
			fmt.Sprintf("stage2_invalid_json:%s", model), nil
	}

	var parsed stage2Payload
	if err := json.Unmarshal(res.Parsed, &parsed); err != nil {
		return Stage2Result{Model: model, Valid: false, RawText: res.FinalRawText, ValidationError: err.Error()},
			fmt.Sprintf("stage2_invalid_json:%s", model), nil
	}

	entryJSON, _ := json.Marshal(map[string]interface{}{"valid": true, "parsed_json": res.Parsed})
	_ = e.Cache.Set(ctx, key, string(entryJSON), nil)

	return Stage2Result{
		Model:             model,
		Valid:             true,
		ParsedRanking:     parsed.FinalRanking,
		Evaluations:       parsed.Evaluations,
		VerificationSteps: parsed.VerificationSteps,
		RawText:           string(res.Parsed),
	}, "", nil
}

type stage2Payload struct {
	Evaluations       json.RawMessage `json:"evaluations"`
	FinalRanking      []string        `json:"final_ranking"`
	FailureModesTop1  []string        `json:"failure_modes_top1"`
	VerificationSteps []string        `json:"verification_steps"`
}

func buildJudgePrompt(userQuery string, stage1 []Stage1Result, labels []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\n", userQuery)
	b.WriteString("Candidate answers:\n")
	for i, r := range stage1 {
		fmt.Fprintf(&b, "%s:\n%s\n\n", labels[i], r.Content)
	}
	b.WriteString("Evaluate each answer and return JSON matching this schema:\n")
	b.WriteString(`{"evaluations":[{"label":"Response A","pros":["..."],"cons":["..."]}],"final_ranking":["Response A"],"failure_modes_top1":["..."],"verification_steps":["..."]}`)
	return b.String()
}

// aggregateRankings implements aggregate-ranking rule:
// only valid judgements with a non-empty parsed_ranking contribute;
// models are ranked ascending by average rank position.
func aggregateRankings(stage2 []Stage2Result, labelToModel map[string]string) []domain.AggregateRanking {
	positions := make(map[string][]int)
	for _, r := range stage2 {
		if !r.Valid || len(r.ParsedRanking) == 0 {
			continue
		}
		for pos, label := range r.ParsedRanking {
			model, ok := labelToModel[label]
			if !ok {
				continue
			}
			positions[model] = append(positions[model], pos+1)
		}
	}

	var out []domain.AggregateRanking
	for model, ranks := range positions {
		var sum int
		for _, p := range ranks {
			sum += p
		}
		out = append(out, domain.AggregateRanking{
			Model:         model,
			AverageRank:   float64(sum) / float64(len(ranks)),
			RankingsCount: len(ranks),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AverageRank < out[j].AverageRank })
	return out
}

func (e *Engine) runStage3(ctx context.Context, stage1 []Stage1Result, stage2 []Stage2Result, labelToModel map[string]string, cfg Config, opts RunOptions) (Stage3Result, error) {
	prompt := buildChairmanPrompt(stage1, stage2, labelToModel)

	callID := corekit.NewSortableID()
	res := e.LLM.Call(ctx, cfg.ChairmanModel, []llmclient.Message{{Role: "user", Content: prompt}}, llmclient.CallOptions{
		CallID:  callID,
		Timeout: opts.ModeTimeout,
	})

	if err := e.recordStageCall(ctx, "stage3", cfg.ChairmanModel, callID, res, opts); err != nil {
		return Stage3Result{}, err
	}
	if err := e.Gate.Check(ctx, opts.RunID, opts.Budget); err != nil {
		return Stage3Result{}, err
	}

	if !res.OK || res.Content == "" {
		return Stage3Result{Model: cfg.ChairmanModel, Response: "Error: Unable to generate final synthesis."}, nil
	}
	return Stage3Result{Model: cfg.ChairmanModel, Response: res.Content}, nil
}

func buildChairmanPrompt(stage1 []Stage1Result, stage2 []Stage2Result, labelToModel map[string]string) string {
	var b strings.Builder
	b.WriteString("Candidate answers:\n")
	for _, r := range stage1 {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", r.Model, r.Content)
	}
	b.WriteString("Peer rankings:\n")
	for _, r := range stage2 {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", r.Model, r.RawText)
	}

	verificationSteps := dedupPreserveOrder(collectVerificationSteps(stage2), 12)
	if len(verificationSteps) > 0 {
		b.WriteString("Verification steps:\n")
		for _, v := range verificationSteps {
			fmt.Fprintf(&b, "- %s\n", v)
		}
	}
	b.WriteString("\nSynthesize the best final answer.")
	return b.String()
}

func collectVerificationSteps(stage2 []Stage2Result) []string {
	var all []string
	for _, r := range stage2 {
		if r.Valid {
			all = append(all, r.VerificationSteps...)
		}
	}
	return all
}

func dedupPreserveOrder(items []string, max int) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, item := range items {
		if seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
		if len(out) >= max {
			break
		}
	}
	return out
}

func toInterfaceSlice(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// GenerateTitle implements title-generation rule, called
// only when the conversation has no prior messages (the caller decides
// that before invoking this, per SPEC_FULL.md's supplement notes).
func GenerateTitle(ctx context.Context, llm *llmclient.Client, titleModel, userQuery string, ledg ledger.Ledger, runID string, ownerKeyID *string) string {
	if titleModel == "" {
		titleModel = "google/gemini-2.5-flash"
	}
	prompt := fmt.Sprintf("Write a 3-5 word title for this conversation's first message, no punctuation besides spaces:\n%s", userQuery)

	callID := corekit.NewSortableID()
	res := llm.Call(ctx, titleModel, []llmclient.Message{{Role: "user", Content: prompt}}, llmclient.CallOptions{
		CallID:  callID,
		Timeout: 30 * time.Second,
	})

	usage := ledger.UsageEvent{
		RunID:        runID,
		OwnerKeyID:   ownerKeyID,
		Model:        titleModel,
		CallID:       callID,
		Attempt:      0,
		LatencyMS:    &res.LatencyMS,
		UsageMissing: !res.OK || res.Usage == nil,
	}
	if res.Usage != nil {
		usage.PromptTokens = res.Usage.PromptTokens
		usage.CompletionTokens = res.Usage.CompletionTokens
		usage.TotalTokens = res.Usage.TotalTokens
	}
	_ = ledg.RecordUsage(ctx, usage)

	if !res.OK || strings.TrimSpace(res.Content) == "" {
		return "New Conversation"
	}
	return truncateTitle(strings.Trim(strings.TrimSpace(res.Content), `"'`))
}

// truncateTitle implements boundary: a 60-char title becomes
// exactly 50 chars ending in "...", i.e. truncate to 47 chars + "...".
func truncateTitle(title string) string {
	const maxLen = 50
	const ellipsis = "..."
	if len(title) <= maxLen {
		return title
	}
	return title[:maxLen-len(ellipsis)] + ellipsis
}
