// Package domain holds the schema-bound agent output types and the
// external tool-surface envelopes shared by the council and pipeline
// engines: distinct typed structs, one per shape, rather than one
// polymorphic record. Validation is done against the per-shape JSON
// Schemas compiled in jsonrole, not by functions in this package.
package domain

// UsageSummary is the shape every tool surface reports usage in.
type UsageSummary struct {
	TotalPromptTokens     *int64           `json:"total_prompt_tokens,omitempty"`
	TotalCompletionTokens *int64           `json:"total_completion_tokens,omitempty"`
	TotalTokens           *int64           `json:"total_tokens,omitempty"`
	TotalCostEstimated    *float64         `json:"total_cost_estimated,omitempty"`
	ByModel               []ModelUsage     `json:"by_model"`
}

// ModelUsage is one entry of UsageSummary.ByModel.
type ModelUsage struct {
	Model            string   `json:"model"`
	Attempts         int      `json:"attempts"`
	PromptTokens     *int64   `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64   `json:"completion_tokens,omitempty"`
	TotalTokens      *int64   `json:"total_tokens,omitempty"`
	CostEstimated    *float64 `json:"cost_estimated,omitempty"`
}

// Budget is the optional per-call cap set, carried verbatim from the
// tool-surface input into budget.PipelineBudget.
type Budget struct {
	MaxTotalCostUSD *float64 `json:"max_total_cost_usd,omitempty"`
	MaxTotalTokens  *int64   `json:"max_total_tokens,omitempty"`
}

// AskInput is council.ask's input.
type AskInput struct {
	Prompt         string  `json:"prompt"`
	ConversationID *string `json:"conversation_id,omitempty"`
	Mode           string  `json:"mode"`
	Budget         *Budget `json:"budget,omitempty"`
}

// AskOutput is council.ask's output.
type AskOutput struct {
	FinalAnswer    string          `json:"final_answer"`
	ConversationID string          `json:"conversation_id"`
	RunID          string          `json:"run_id"`
	Metadata       AskMetadata     `json:"metadata"`
	UsageSummary   UsageSummary    `json:"usage_summary"`
	Degraded       bool            `json:"degraded"`
	Errors         []string        `json:"errors"`
}

// AskMetadata carries the label_to_model map and the aggregate rankings.
type AskMetadata struct {
	LabelToModel      map[string]string   `json:"label_to_model"`
	AggregateRankings []AggregateRanking  `json:"aggregate_rankings"`
}

// AggregateRanking is one entry of the sorted aggregate-ranking list.
type AggregateRanking struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// RepoFile is one entry of PipelineInput.RepoContext.Files.
type RepoFile struct {
	Path    string  `json:"path"`
	Content *string `json:"content,omitempty"`
	Summary *string `json:"summary,omitempty"`
}

// RepoContext is council.pipeline's optional repo-context input.
type RepoContext struct {
	Files []RepoFile `json:"files"`
}

// PipelineInput is council.pipeline's input.
type PipelineInput struct {
	TaskDescription string       `json:"task_description"`
	RepoContext     *RepoContext `json:"repo_context,omitempty"`
	ConversationID  *string      `json:"conversation_id,omitempty"`
	Mode            string       `json:"mode"`
	MaxIterations   int          `json:"max_iterations"`
	Budget          *Budget      `json:"budget,omitempty"`
}

// AgentOutputs is the per-role output bag in PipelineOutput.
type AgentOutputs struct {
	Leader      *ScopeContract    `json:"leader,omitempty"`
	Reviewer    *ReviewOutput     `json:"reviewer,omitempty"`
	Security    *SecurityOutput   `json:"security,omitempty"`
	TestWriter  *TestPlanOutput   `json:"test_writer,omitempty"`
	Implementer *CodexPromptOutput `json:"implementer,omitempty"`
	Gate        *GateOutput       `json:"gate,omitempty"`
}

// PipelineOutput is council.pipeline's output.
type PipelineOutput struct {
	RunID             string        `json:"run_id"`
	ConversationID    string        `json:"conversation_id"`
	ScopeContract     *ScopeContract `json:"scope_contract,omitempty"`
	AgentOutputs      AgentOutputs  `json:"agent_outputs"`
	FinalCodexPrompt  *string       `json:"final_codex_prompt,omitempty"`
	GateVerdict        string       `json:"gate_verdict"`
	Degraded           bool         `json:"degraded"`
	Errors             []string     `json:"errors"`
	UsageSummary       UsageSummary `json:"usage_summary"`
}

// TestsPolicy is ScopeContract.TestsPolicy.
type TestsPolicy struct {
	Required bool     `json:"required"`
	Reasons  []string `json:"reasons"`
}

// ScopeContract is the leader's schema-bound output. All schema-bound
// output types forbid extra fields (enforced by the compiled JSON
// Schema, not by this struct alone).
type ScopeContract struct {
	TaskSummary         string      `json:"task_summary"`
	InScope              []string    `json:"in_scope"`
	OutOfScope           []string    `json:"out_of_scope"`
	AcceptanceCriteria   []string    `json:"acceptance_criteria"`
	AgentsToInvoke       []string    `json:"agents_to_invoke"`
	TestsPolicy          TestsPolicy `json:"tests_policy"`
	Constraints          []string    `json:"constraints"`
	MaxIterations        int         `json:"max_iterations"`
	Budget               *Budget     `json:"budget,omitempty"`
}

// ReviewIssue is one entry of ReviewOutput.Issues.
type ReviewIssue struct {
	Severity     string `json:"severity"`
	File         string `json:"file"`
	Issue        string `json:"issue"`
	Why          string `json:"why"`
	SuggestedFix string `json:"suggested_fix"`
}

// ReviewOutput is the reviewer's schema-bound output.
type ReviewOutput struct {
	Verdict             string        `json:"verdict"`
	Issues              []ReviewIssue `json:"issues"`
	MissedRequirements  []string      `json:"missed_requirements"`
	Risks               []string      `json:"risks"`
	TestsRecommended    []string      `json:"tests_recommended"`
}

// SecurityThreat is one entry of SecurityOutput.Threats.
type SecurityThreat struct {
	Severity    string `json:"severity"`
	Area        string `json:"area"`
	Description string `json:"description"`
	Mitigation  string `json:"mitigation"`
}

// SecurityOutput is the security reviewer's schema-bound output.
type SecurityOutput struct {
	Verdict                    string           `json:"verdict"`
	Threats                    []SecurityThreat `json:"threats"`
	RequiredSecurityControls   []string         `json:"required_security_controls"`
	TestsRequired              []string         `json:"tests_required"`
}

// TestToAdd is one entry of TestPlanOutput.TestsToAdd.
type TestToAdd struct {
	Type   string   `json:"type"`
	Target string   `json:"target"`
	Files  []string `json:"files"`
	Cases  []string `json:"cases"`
}

// TestPlanOutput is the test writer's schema-bound output.
type TestPlanOutput struct {
	TestsToAdd []TestToAdd `json:"tests_to_add"`
	Commands   []string    `json:"commands"`
	Notes      []string    `json:"notes"`
}

// CodexPromptOutput is the implementer's schema-bound output.
type CodexPromptOutput struct {
	FinalCodexPrompt string   `json:"final_codex_prompt"`
	PatchScope       []string `json:"patch_scope"`
	DoNotChange      []string `json:"do_not_change"`
	RunCommands      []string `json:"run_commands"`
	RollbackPlan     []string `json:"rollback_plan"`
}

// MustFixItem is one entry of GateOutput.MustFix.
type MustFixItem struct {
	Severity     string `json:"severity"`
	File         string `json:"file"`
	Issue        string `json:"issue"`
	SuggestedFix string `json:"suggested_fix"`
}

// AcceptanceCriterionCheck is one entry of GateOutput.AcceptanceCriteriaMet.
type AcceptanceCriterionCheck struct {
	Criterion string `json:"criterion"`
	Met       bool   `json:"met"`
}

// GateOutput is the gate's schema-bound output.
type GateOutput struct {
	Verdict               string                     `json:"verdict"`
	MustFix               []MustFixItem              `json:"must_fix"`
	AcceptanceCriteriaMet []AcceptanceCriterionCheck `json:"acceptance_criteria_met"`
	TestsRequired         bool                       `json:"tests_required"`
}

const (
	VerdictPass = "PASS"
	VerdictFail = "FAIL"

	// DeterministicGateModel is the model name recorded for a
	// scope-enforcement GateOutput synthesized without calling the gate
	// model at all.
	DeterministicGateModel = "deterministic"
)
