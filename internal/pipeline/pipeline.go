package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/councilkit/engine/internal/budget"
	"github.com/councilkit/engine/internal/corekit"
	"github.com/councilkit/engine/internal/domain"
	"github.com/councilkit/engine/internal/jsonrole"
	"github.com/councilkit/engine/internal/ledger"
)

// Engine wires C5 (jsonrole), C3 (ledger), and C4 (budget) together for
// the pipeline workflow.
type Engine struct {
	Ledger   ledger.Ledger
	Gate     *budget.Gate
	JSONRole *jsonrole.Caller
	Schemas  *jsonrole.Registry
	Logger   corekit.Logger
}

// RunOptions carries the per-run context for Run.
type RunOptions struct {
	RunID       string
	OwnerKeyID  *string
	Budget      budget.PipelineBudget
	ModeTimeout time.Duration
}

func clampIterations(n int) int {
	if n < 1 {
		return 1
	}
	if n > 4 {
		return 4
	}
	return n
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// Run executes the 6-phase leader/reviewer/security/test-writer/
// implementer/gate sequence, looping back to the implementer on a FAIL
// gate verdict until max_iterations is reached.
func (e *Engine) Run(ctx context.Context, input domain.PipelineInput, roles RoleModels, opts RunOptions) (domain.PipelineOutput, error) {
	ctx, runSpan := corekit.StartSpan(ctx, "pipeline.Run", attribute.String("run_id", opts.RunID))
	defer runSpan.End()

	maxIterations := clampIterations(input.MaxIterations)
	out := domain.PipelineOutput{RunID: opts.RunID}

	// Phase 1: leader.
	leaderCtx, leaderSpan := corekit.StartSpan(ctx, "pipeline.leader", attribute.String("model", roles.Leader))
	scope, ok, err := e.callLeader(leaderCtx, input, roles.Leader, opts)
	leaderSpan.End()
	if err != nil {
		corekit.RecordSpanError(ctx, err)
		return out, err
	}
	if !ok {
		out.Errors = []string{"invalid_json:leader"}
		out.Degraded = true
		out.GateVerdict = domain.VerdictFail
		return out, nil
	}
	out.ScopeContract = &scope
	out.AgentOutputs.Leader = &scope

	// Phase 2: reviewer / security.
	var reviewer *domain.ReviewOutput
	var security *domain.SecurityOutput
	invokeReviewer := hasRole(scope.AgentsToInvoke, "reviewer")
	invokeSecurity := hasRole(scope.AgentsToInvoke, "security")
	concurrent := !budget.RequiresSequentialFanOut(&opts.Budget) && invokeReviewer && invokeSecurity

	if invokeReviewer || invokeSecurity {
		phaseCtx, phaseSpan := corekit.StartSpan(ctx, "pipeline.reviewer_security",
			attribute.Bool("reviewer", invokeReviewer), attribute.Bool("security", invokeSecurity))

		var reviewErr, securityErr error
		runBoth := func() {
			if invokeReviewer {
				reviewer, reviewErr = e.callReviewer(phaseCtx, input, scope, roles.Reviewer, opts)
			}
		}
		runSecurity := func() {
			if invokeSecurity {
				security, securityErr = e.callSecurity(phaseCtx, input, scope, roles.Security, opts)
			}
		}
		if concurrent {
			var wg sync.WaitGroup
			wg.Add(2)
			go func() { defer wg.Done(); runBoth() }()
			go func() { defer wg.Done(); runSecurity() }()
			wg.Wait()
		} else {
			runBoth()
			runSecurity()
		}
		phaseSpan.End()
		if reviewErr != nil {
			corekit.RecordSpanError(ctx, reviewErr)
			return out, reviewErr
		}
		if securityErr != nil {
			corekit.RecordSpanError(ctx, securityErr)
			return out, securityErr
		}
		if invokeReviewer && reviewer == nil {
			out.Degraded = true
			out.Errors = append(out.Errors, "invalid_json:reviewer")
		}
		if invokeSecurity && security == nil {
			out.Degraded = true
			out.Errors = append(out.Errors, "invalid_json:security")
		}
	}
	out.AgentOutputs.Reviewer = reviewer
	out.AgentOutputs.Security = security

	// Phase 3: test plan.
	var testPlan *domain.TestPlanOutput
	needsTests := scope.TestsPolicy.Required ||
		(reviewer != nil && len(reviewer.TestsRecommended) > 0) ||
		(security != nil && len(security.TestsRequired) > 0)
	if needsTests && hasRole(scope.AgentsToInvoke, "test_writer") {
		testCtx, testSpan := corekit.StartSpan(ctx, "pipeline.test_writer", attribute.String("model", roles.TestWriter))
		tp, err := e.callTestWriter(testCtx, input, scope, roles.TestWriter, opts)
		testSpan.End()
		if err != nil {
			corekit.RecordSpanError(ctx, err)
			return out, err
		}
		if tp == nil {
			out.Degraded = true
			out.Errors = append(out.Errors, "invalid_json:test_writer")
		}
		testPlan = tp
	}
	out.AgentOutputs.TestWriter = testPlan

	// Phase 4: implementer.
	implCtx, implSpan := corekit.StartSpan(ctx, "pipeline.implementer", attribute.String("model", roles.Implementer))
	impl, ok, err := e.callImplementer(implCtx, input, scope, reviewer, security, testPlan, roles.Implementer, opts)
	implSpan.End()
	if err != nil {
		corekit.RecordSpanError(ctx, err)
		return out, err
	}
	if !ok {
		out.Errors = append(out.Errors, "invalid_json:implementer")
		out.Degraded = true
		out.GateVerdict = domain.VerdictFail
		return out, nil
	}
	out.AgentOutputs.Implementer = &impl

	// Phase 5: deterministic scope-path enforcement.
	if violations := checkPatchScope(scope.InScope, impl.PatchScope); len(violations) > 0 {
		gateOut := synthesizeScopeViolationGate(violations)
		if err := e.recordDeterministicGateStep(ctx, opts, gateOut); err != nil {
			return out, err
		}
		out.AgentOutputs.Gate = &gateOut
		out.GateVerdict = domain.VerdictFail
		out.Errors = append(out.Errors, "scope_violation")
		return out, nil
	}

	// Phase 6: gate loop.
	for iteration := 0; iteration < maxIterations; iteration++ {
		gateCtx, gateSpan := corekit.StartSpan(ctx, "pipeline.gate", attribute.Int("iteration", iteration))
		gateOut, ok, err := e.callGate(gateCtx, input, scope, impl, reviewer, security, testPlan, roles.Gate, opts)
		gateSpan.End()
		if err != nil {
			corekit.RecordSpanError(ctx, err)
			return out, err
		}
		if !ok {
			out.Errors = append(out.Errors, "invalid_json:gate")
			out.Degraded = true
			out.GateVerdict = domain.VerdictFail
			return out, nil
		}
		out.AgentOutputs.Gate = &gateOut

		if gateOut.Verdict == domain.VerdictPass {
			out.GateVerdict = domain.VerdictPass
			final := impl.FinalCodexPrompt
			out.FinalCodexPrompt = &final
			return out, nil
		}

		if iteration >= maxIterations-1 {
			out.GateVerdict = domain.VerdictFail
			return out, nil
		}

		revisionCtx, revisionSpan := corekit.StartSpan(ctx, "pipeline.implementer_revision", attribute.Int("iteration", iteration))
		revised, ok, err := e.callRevision(revisionCtx, input, scope, impl, gateOut, roles.Leader, opts)
		revisionSpan.End()
		if err != nil {
			corekit.RecordSpanError(ctx, err)
			return out, err
		}
		if !ok {
			out.Errors = append(out.Errors, "invalid_json:implementer")
			out.Degraded = true
			out.GateVerdict = domain.VerdictFail
			return out, nil
		}
		impl = revised
		out.AgentOutputs.Implementer = &impl

		if violations := checkPatchScope(scope.InScope, impl.PatchScope); len(violations) > 0 {
			gateOut := synthesizeScopeViolationGate(violations)
			if err := e.recordDeterministicGateStep(ctx, opts, gateOut); err != nil {
				return out, err
			}
			out.AgentOutputs.Gate = &gateOut
			out.GateVerdict = domain.VerdictFail
			out.Errors = append(out.Errors, "scope_violation")
			return out, nil
		}
	}

	out.GateVerdict = domain.VerdictFail
	return out, nil
}

func synthesizeScopeViolationGate(violations []string) domain.GateOutput {
	mustFix := make([]domain.MustFixItem, 0, len(violations))
	for _, v := range violations {
		mustFix = append(mustFix, domain.MustFixItem{
			Severity:     "high",
			File:         v,
			Issue:        "patch touches a file outside the approved scope",
			SuggestedFix: "constrain the patch to files listed in in_scope",
		})
	}
	return domain.GateOutput{Verdict: domain.VerdictFail, MustFix: mustFix}
}

func (e *Engine) recordDeterministicGateStep(ctx context.Context, opts RunOptions, gateOut domain.GateOutput) error {
	outputJSON, _ := json.Marshal(gateOut)
	return e.Ledger.AddRunStep(ctx, ledger.RunStep{
		RunID:     opts.RunID,
		StageName: "gate",
		StepType:  "deterministic_check",
		AgentRole: "gate",
		Model:     domain.DeterministicGateModel,
		OutputJSON: outputJSON,
	})
}

func (e *Engine) callLeader(ctx context.Context, input domain.PipelineInput, model string, opts RunOptions) (domain.ScopeContract, bool, error) {
	prompt := leaderScopePrompt(input)
	schema, err := e.Schemas.Schema(jsonrole.SchemaScopeContract)
	if err != nil {
		return domain.ScopeContract{}, false, err
	}
	example, err := e.Schemas.Example(jsonrole.SchemaScopeContract)
	if err != nil {
		return domain.ScopeContract{}, false, err
	}

	res, err := e.JSONRole.CallJSONRole(ctx, "leader", model, prompt, schema, example, jsonrole.CallOptions{
		RunID: opts.RunID, OwnerKeyID: opts.OwnerKeyID, StageName: "leader", AgentRole: "leader",
		Budget: opts.Budget, Timeout: opts.ModeTimeout,
	})
	if err != nil {
		return domain.ScopeContract{}, false, err
	}
	if res.Parsed == nil {
		return domain.ScopeContract{}, false, nil
	}
	var scope domain.ScopeContract
	if err := json.Unmarshal(res.Parsed, &scope); err != nil {
		return domain.ScopeContract{}, false, nil
	}
	return scope, true, nil
}

func (e *Engine) callReviewer(ctx context.Context, input domain.PipelineInput, scope domain.ScopeContract, model string, opts RunOptions) (*domain.ReviewOutput, error) {
	prompt := reviewerPrompt(input, scope)
	schema, err := e.Schemas.Schema(jsonrole.SchemaReviewOutput)
	if err != nil {
		return nil, err
	}
	example, err := e.Schemas.Example(jsonrole.SchemaReviewOutput)
	if err != nil {
		return nil, err
	}
	res, err := e.JSONRole.CallJSONRole(ctx, "reviewer", model, prompt, schema, example, jsonrole.CallOptions{
		RunID: opts.RunID, OwnerKeyID: opts.OwnerKeyID, StageName: "reviewer", AgentRole: "reviewer",
		Budget: opts.Budget, Timeout: opts.ModeTimeout,
	})
	if err != nil {
		return nil, err
	}
	if res.Parsed == nil {
		return nil, nil
	}
	var review domain.ReviewOutput
	if err := json.Unmarshal(res.Parsed, &review); err != nil {
		return nil, nil
	}
	return &review, nil
}

func (e *Engine) callSecurity(ctx context.Context, input domain.PipelineInput, scope domain.ScopeContract, model string, opts RunOptions) (*domain.SecurityOutput, error) {
	prompt := securityPrompt(input, scope)
	schema, err := e.Schemas.Schema(jsonrole.SchemaSecurityOutput)
	if err != nil {
		return nil, err
	}
	example, err := e.Schemas.Example(jsonrole.SchemaSecurityOutput)
	if err != nil {
		return nil, err
	}
	res, err := e.JSONRole.CallJSONRole(ctx, "security", model, prompt, schema, example, jsonrole.CallOptions{
		RunID: opts.RunID, OwnerKeyID: opts.OwnerKeyID, StageName: "security", AgentRole: "security",
		Budget: opts.Budget, Timeout: opts.ModeTimeout,
	})
	if err != nil {
		return nil, err
	}
	if res.Parsed == nil {
		return nil, nil
	}
	var sec domain.SecurityOutput
	if err := json.Unmarshal(res.Parsed, &sec); err != nil {
		return nil, nil
	}
	return &sec, nil
}

func (e *Engine) callTestWriter(ctx context.Context, input domain.PipelineInput, scope domain.ScopeContract, model string, opts RunOptions) (*domain.TestPlanOutput, error) {
	prompt := testPlanPrompt(input, scope)
	schema, err := e.Schemas.Schema(jsonrole.SchemaTestPlanOutput)
	if err != nil {
		return nil, err
	}
	example, err := e.Schemas.Example(jsonrole.SchemaTestPlanOutput)
	if err != nil {
		return nil, err
	}
	res, err := e.JSONRole.CallJSONRole(ctx, "test_writer", model, prompt, schema, example, jsonrole.CallOptions{
		RunID: opts.RunID, OwnerKeyID: opts.OwnerKeyID, StageName: "test_writer", AgentRole: "test_writer",
		Budget: opts.Budget, Timeout: opts.ModeTimeout,
	})
	if err != nil {
		return nil, err
	}
	if res.Parsed == nil {
		return nil, nil
	}
	var plan domain.TestPlanOutput
	if err := json.Unmarshal(res.Parsed, &plan); err != nil {
		return nil, nil
	}
	return &plan, nil
}

func (e *Engine) callImplementer(ctx context.Context, input domain.PipelineInput, scope domain.ScopeContract, reviewer *domain.ReviewOutput, security *domain.SecurityOutput, testPlan *domain.TestPlanOutput, model string, opts RunOptions) (domain.CodexPromptOutput, bool, error) {
	prompt := implementerPrompt(input, scope, reviewer, security, testPlan)
	schema, err := e.Schemas.Schema(jsonrole.SchemaCodexPromptOutput)
	if err != nil {
		return domain.CodexPromptOutput{}, false, err
	}
	example, err := e.Schemas.Example(jsonrole.SchemaCodexPromptOutput)
	if err != nil {
		return domain.CodexPromptOutput{}, false, err
	}
	res, err := e.JSONRole.CallJSONRole(ctx, "implementer", model, prompt, schema, example, jsonrole.CallOptions{
		RunID: opts.RunID, OwnerKeyID: opts.OwnerKeyID, StageName: "implementer", AgentRole: "implementer",
		Budget: opts.Budget, Timeout: opts.ModeTimeout,
	})
	if err != nil {
		return domain.CodexPromptOutput{}, false, err
	}
	if res.Parsed == nil {
		return domain.CodexPromptOutput{}, false, nil
	}
	var impl domain.CodexPromptOutput
	if err := json.Unmarshal(res.Parsed, &impl); err != nil {
		return domain.CodexPromptOutput{}, false, nil
	}
	return impl, true, nil
}

func (e *Engine) callRevision(ctx context.Context, input domain.PipelineInput, scope domain.ScopeContract, impl domain.CodexPromptOutput, gateOut domain.GateOutput, leaderModel string, opts RunOptions) (domain.CodexPromptOutput, bool, error) {
	prompt := implementerRevisionPrompt(input, scope, impl, gateOut)
	schema, err := e.Schemas.Schema(jsonrole.SchemaCodexPromptOutput)
	if err != nil {
		return domain.CodexPromptOutput{}, false, err
	}
	example, err := e.Schemas.Example(jsonrole.SchemaCodexPromptOutput)
	if err != nil {
		return domain.CodexPromptOutput{}, false, err
	}
	res, err := e.JSONRole.CallJSONRole(ctx, "implementer", leaderModel, prompt, schema, example, jsonrole.CallOptions{
		RunID: opts.RunID, OwnerKeyID: opts.OwnerKeyID, StageName: "implementer", AgentRole: "implementer",
		Budget: opts.Budget, Timeout: opts.ModeTimeout,
	})
	if err != nil {
		return domain.CodexPromptOutput{}, false, err
	}
	if res.Parsed == nil {
		return domain.CodexPromptOutput{}, false, nil
	}
	var revised domain.CodexPromptOutput
	if err := json.Unmarshal(res.Parsed, &revised); err != nil {
		return domain.CodexPromptOutput{}, false, nil
	}
	return revised, true, nil
}

func (e *Engine) callGate(ctx context.Context, input domain.PipelineInput, scope domain.ScopeContract, impl domain.CodexPromptOutput, reviewer *domain.ReviewOutput, security *domain.SecurityOutput, testPlan *domain.TestPlanOutput, model string, opts RunOptions) (domain.GateOutput, bool, error) {
	prompt := gatePrompt(input, scope, impl, reviewer, security, testPlan)
	schema, err := e.Schemas.Schema(jsonrole.SchemaGateOutput)
	if err != nil {
		return domain.GateOutput{}, false, err
	}
	example, err := e.Schemas.Example(jsonrole.SchemaGateOutput)
	if err != nil {
		return domain.GateOutput{}, false, err
	}
	res, err := e.JSONRole.CallJSONRole(ctx, "gate", model, prompt, schema, example, jsonrole.CallOptions{
		RunID: opts.RunID, OwnerKeyID: opts.OwnerKeyID, StageName: "gate", AgentRole: "gate",
		Budget: opts.Budget, Timeout: opts.ModeTimeout,
	})
	if err != nil {
		return domain.GateOutput{}, false, err
	}
	if res.Parsed == nil {
		return domain.GateOutput{}, false, nil
	}
	var gateOut domain.GateOutput
	if err := json.Unmarshal(res.Parsed, &gateOut); err != nil {
		return domain.GateOutput{}, false, nil
	}
	return gateOut, true, nil
}

func leaderScopePrompt(input domain.PipelineInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\n", input.TaskDescription)
	if input.RepoContext != nil {
		b.WriteString("Repo files:\n")
		for _, f := range input.RepoContext.Files {
			fmt.Fprintf(&b, "- %s\n", f.Path)
		}
	}
	b.WriteString("\nDefine the scope contract for this task: what is in scope, out of scope, the acceptance criteria, which agents to invoke, and the test policy.")
	return b.String()
}

func reviewerPrompt(input domain.PipelineInput, scope domain.ScopeContract) string {
	return fmt.Sprintf("Task:\n%s\n\nScope:\n%s\n\nReview the planned change for correctness and completeness.", input.TaskDescription, scope.TaskSummary)
}

func securityPrompt(input domain.PipelineInput, scope domain.ScopeContract) string {
	return fmt.Sprintf("Task:\n%s\n\nScope:\n%s\n\nReview the planned change for security risk.", input.TaskDescription, scope.TaskSummary)
}

func testPlanPrompt(input domain.PipelineInput, scope domain.ScopeContract) string {
	return fmt.Sprintf("Task:\n%s\n\nScope:\n%s\n\nPropose the tests to add for this change.", input.TaskDescription, scope.TaskSummary)
}

func implementerPrompt(input domain.PipelineInput, scope domain.ScopeContract, reviewer *domain.ReviewOutput, security *domain.SecurityOutput, testPlan *domain.TestPlanOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\nScope:\n%s\nIn scope: %s\n\n", input.TaskDescription, scope.TaskSummary, strings.Join(scope.InScope, ", "))
	if reviewer != nil {
		fmt.Fprintf(&b, "Reviewer feedback: %v\n", reviewer.Issues)
	}
	if security != nil {
		fmt.Fprintf(&b, "Security feedback: %v\n", security.Threats)
	}
	if testPlan != nil {
		fmt.Fprintf(&b, "Required tests: %v\n", testPlan.TestsToAdd)
	}
	b.WriteString("\nProduce the final implementation prompt, constrained to the in-scope files.")
	return b.String()
}

func implementerRevisionPrompt(input domain.PipelineInput, scope domain.ScopeContract, impl domain.CodexPromptOutput, gateOut domain.GateOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\nPrevious implementation prompt:\n%s\n\n", input.TaskDescription, impl.FinalCodexPrompt)
	b.WriteString("Gate found the following must-fix items; revise the implementation prompt to address them, staying within the in-scope files:\n")
	for _, item := range gateOut.MustFix {
		fmt.Fprintf(&b, "- [%s] %s: %s (suggested fix: %s)\n", item.Severity, item.File, item.Issue, item.SuggestedFix)
	}
	return b.String()
}

func gatePrompt(input domain.PipelineInput, scope domain.ScopeContract, impl domain.CodexPromptOutput, reviewer *domain.ReviewOutput, security *domain.SecurityOutput, testPlan *domain.TestPlanOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\nAcceptance criteria:\n%s\n\nImplementation prompt:\n%s\n\n", input.TaskDescription, strings.Join(scope.AcceptanceCriteria, "; "), impl.FinalCodexPrompt)
	b.WriteString("Decide PASS or FAIL against the acceptance criteria and list any must-fix items.")
	return b.String()
}
