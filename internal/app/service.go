package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/councilkit/engine/internal/budget"
	"github.com/councilkit/engine/internal/corekit"
	"github.com/councilkit/engine/internal/council"
	"github.com/councilkit/engine/internal/conversation"
	"github.com/councilkit/engine/internal/domain"
	"github.com/councilkit/engine/internal/ledger"
	"github.com/councilkit/engine/internal/llmclient"
	"github.com/councilkit/engine/internal/pipeline"
	"github.com/councilkit/engine/internal/pricing"
	"github.com/councilkit/engine/internal/toolruntime"
)

// Service wires C1-C8 into the two external tool surfaces: council.ask
// and council.pipeline.
type Service struct {
	Config        *corekit.Config
	Logger        corekit.Logger
	LLM           *llmclient.Client
	Ledger        ledger.Ledger
	Conversations conversation.Store
	Pricing       *pricing.Registry
	Tools         *toolruntime.Runtime

	CouncilEngine  *council.Engine
	PipelineEngine *pipeline.Engine

	CouncilModels  CouncilModeTable
	PipelineModels pipeline.RoleModelTable
}

// asBudgetExceeded reports whether err is a budget.ExceededError and, if
// so, the "budget_exceeded:<reason>" error tag the degraded envelope
// reports. A budget abort still finishes the run and still computes a
// usage summary rather than returning a hard error, since the caller
// needs to see how much usage was recorded before the abort fired.
func asBudgetExceeded(err error) (string, bool) {
	var exceeded *budget.ExceededError
	if errors.As(err, &exceeded) {
		return "budget_exceeded:" + string(exceeded.Reason), true
	}
	return "", false
}

func toBudget(b *domain.Budget) budget.PipelineBudget {
	if b == nil {
		return budget.PipelineBudget{}
	}
	return budget.PipelineBudget{MaxTotalCostUSD: b.MaxTotalCostUSD, MaxTotalTokens: b.MaxTotalTokens}
}

// Ask implements the council.ask tool surface.
func (s *Service) Ask(ctx context.Context, accountRootID string, input domain.AskInput) (domain.AskOutput, error) {
	if len(input.Prompt) > s.Config.MaxPromptChars {
		return domain.AskOutput{}, &toolruntime.ValidationError{Message: "prompt exceeds MAX_PROMPT_CHARS"}
	}

	convID, isFirstMessage, err := s.resolveConversation(ctx, accountRootID, input.ConversationID)
	if err != nil {
		return domain.AskOutput{}, err
	}

	result, _ := s.Tools.Invoke(ctx, toolruntime.SurfaceMCP,
		func(ctx context.Context) (interface{}, string, error) {
			out, runID, err := s.runAsk(ctx, accountRootID, convID, isFirstMessage, input)
			return out, runID, err
		},
		func(reason toolruntime.Reason) interface{} {
			return domain.AskOutput{
				ConversationID: convID,
				Degraded:       true,
				Errors:         []string{string(reason)},
				Metadata:       domain.AskMetadata{LabelToModel: map[string]string{}},
			}
		},
	)
	return result.(domain.AskOutput), nil
}

func (s *Service) resolveConversation(ctx context.Context, accountRootID string, conversationID *string) (id string, isFirstMessage bool, err error) {
	if conversationID != nil {
		conv, err := s.Conversations.GetConversation(ctx, accountRootID, *conversationID)
		if err != nil {
			return "", false, err
		}
		return conv.ID, len(conv.Messages) == 0, nil
	}
	id = corekit.NewExternalID()
	if _, err := s.Conversations.CreateConversation(ctx, accountRootID, id); err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (s *Service) runAsk(ctx context.Context, accountRootID, convID string, isFirstMessage bool, input domain.AskInput) (domain.AskOutput, string, error) {
	runID := corekit.NewSortableID()
	owner := accountRootID

	if err := s.Ledger.CreateRun(ctx, ledger.Run{
		ID: runID, ConversationID: convID, ToolName: "council.ask", OwnerKeyID: &owner,
		Status: ledger.RunRunning, CreatedAt: time.Now(),
	}); err != nil {
		return domain.AskOutput{}, "", err
	}

	if err := s.Conversations.AddUserMessage(ctx, accountRootID, convID, input.Prompt); err != nil {
		return domain.AskOutput{}, runID, err
	}

	modeCfg := s.CouncilModels.Resolve(input.Mode)
	budgetVal := toBudget(input.Budget)
	opts := council.RunOptions{RunID: runID, OwnerKeyID: &owner, Budget: budgetVal, ModeTimeout: s.Config.ModeTimeout(input.Mode)}

	stage1, stage2, stage3, metadata, errs, err := s.CouncilEngine.Run(ctx, input.Prompt, council.Config{
		CouncilModels: modeCfg.CouncilModels,
		JudgeModels:   modeCfg.JudgeModels,
		ChairmanModel: modeCfg.ChairmanModel,
	}, opts)
	if err != nil {
		_, _ = s.Ledger.EndRun(ctx, runID, ledger.RunFailed, 0)
		if tag, ok := asBudgetExceeded(err); ok {
			usage, uerr := buildUsageSummary(ctx, s.Ledger, runID, s.Pricing.Current())
			if uerr != nil {
				return domain.AskOutput{}, runID, uerr
			}
			return domain.AskOutput{
				ConversationID: convID,
				RunID:          runID,
				Metadata:       domain.AskMetadata{LabelToModel: map[string]string{}},
				UsageSummary:   usage,
				Degraded:       true,
				Errors:         []string{tag},
			}, runID, nil
		}
		return domain.AskOutput{}, runID, err
	}

	degraded := len(errs) > 0
	status := ledger.RunSucceeded
	if degraded {
		status = ledger.RunFailed
	}
	_, _ = s.Ledger.EndRun(ctx, runID, status, 0)

	if isFirstMessage {
		title := council.GenerateTitle(ctx, s.LLM, modeCfg.TitleModel, input.Prompt, s.Ledger, runID, &owner)
		_ = s.Conversations.UpdateConversationTitle(ctx, accountRootID, convID, title)
	}

	stage1JSON, _ := json.Marshal(stage1)
	stage2JSON, _ := json.Marshal(stage2)
	stage3JSON, _ := json.Marshal(stage3)
	_ = s.Conversations.AddAssistantMessage(ctx, accountRootID, convID, stage1JSON, stage2JSON, stage3JSON)

	usage, err := buildUsageSummary(ctx, s.Ledger, runID, s.Pricing.Current())
	if err != nil {
		return domain.AskOutput{}, runID, err
	}

	if metadata.LabelToModel == nil {
		metadata.LabelToModel = map[string]string{}
	}

	return domain.AskOutput{
		FinalAnswer:    stage3.Response,
		ConversationID: convID,
		RunID:          runID,
		Metadata:       metadata,
		UsageSummary:   usage,
		Degraded:       degraded,
		Errors:         errs,
	}, runID, nil
}

// Pipeline implements the council.pipeline tool surface.
func (s *Service) Pipeline(ctx context.Context, accountRootID string, input domain.PipelineInput) (domain.PipelineOutput, error) {
	if err := s.validatePipelineInput(input); err != nil {
		return domain.PipelineOutput{}, err
	}

	convID, _, err := s.resolveConversation(ctx, accountRootID, input.ConversationID)
	if err != nil {
		return domain.PipelineOutput{}, err
	}

	result, _ := s.Tools.Invoke(ctx, toolruntime.SurfaceMCP,
		func(ctx context.Context) (interface{}, string, error) {
			out, runID, err := s.runPipeline(ctx, accountRootID, convID, input)
			return out, runID, err
		},
		func(reason toolruntime.Reason) interface{} {
			return domain.PipelineOutput{
				ConversationID: convID,
				GateVerdict:    domain.VerdictFail,
				Degraded:       true,
				Errors:         []string{string(reason)},
			}
		},
	)
	return result.(domain.PipelineOutput), nil
}

func (s *Service) validatePipelineInput(input domain.PipelineInput) error {
	if len(input.TaskDescription) > s.Config.MaxTaskChars {
		return &toolruntime.ValidationError{Message: "task_description exceeds MAX_TASK_CHARS"}
	}
	if input.RepoContext != nil {
		if len(input.RepoContext.Files) > s.Config.MaxRepoFiles {
			return &toolruntime.ValidationError{Message: "repo_context.files exceeds MAX_REPO_FILES"}
		}
		var total int
		for _, f := range input.RepoContext.Files {
			if len(f.Path) > s.Config.MaxPathChars {
				return &toolruntime.ValidationError{Message: fmt.Sprintf("path %q exceeds MAX_PATH_CHARS", f.Path)}
			}
			if f.Content != nil {
				total += len(*f.Content)
			}
		}
		if total > s.Config.MaxRepoTotalChars {
			return &toolruntime.ValidationError{Message: "repo_context total content exceeds MAX_REPO_TOTAL_CHARS"}
		}
	}
	return nil
}

func (s *Service) runPipeline(ctx context.Context, accountRootID, convID string, input domain.PipelineInput) (domain.PipelineOutput, string, error) {
	runID := corekit.NewSortableID()
	owner := accountRootID

	if err := s.Ledger.CreateRun(ctx, ledger.Run{
		ID: runID, ConversationID: convID, ToolName: "council.pipeline", OwnerKeyID: &owner,
		Status: ledger.RunRunning, CreatedAt: time.Now(),
	}); err != nil {
		return domain.PipelineOutput{}, "", err
	}

	if err := s.Conversations.AddUserMessage(ctx, accountRootID, convID, input.TaskDescription); err != nil {
		return domain.PipelineOutput{}, runID, err
	}

	roles := pipeline.ResolveRoleModels(s.PipelineModels, input.Mode)
	budgetVal := toBudget(input.Budget)
	opts := pipeline.RunOptions{RunID: runID, OwnerKeyID: &owner, Budget: budgetVal, ModeTimeout: s.Config.ModeTimeout(input.Mode)}

	out, err := s.PipelineEngine.Run(ctx, input, roles, opts)
	if err != nil {
		_, _ = s.Ledger.EndRun(ctx, runID, ledger.RunFailed, 0)
		if tag, ok := asBudgetExceeded(err); ok {
			usage, uerr := buildUsageSummary(ctx, s.Ledger, runID, s.Pricing.Current())
			if uerr != nil {
				return domain.PipelineOutput{}, runID, uerr
			}
			return domain.PipelineOutput{
				RunID:          runID,
				ConversationID: convID,
				GateVerdict:    domain.VerdictFail,
				UsageSummary:   usage,
				Degraded:       true,
				Errors:         []string{tag},
			}, runID, nil
		}
		return domain.PipelineOutput{}, runID, err
	}
	out.RunID = runID
	out.ConversationID = convID

	status := ledger.RunFailed
	if out.GateVerdict == domain.VerdictPass {
		status = ledger.RunSucceeded
	}
	_, _ = s.Ledger.EndRun(ctx, runID, status, 0)

	stage3JSON, _ := json.Marshal(out.AgentOutputs)
	_ = s.Conversations.AddAssistantMessage(ctx, accountRootID, convID, nil, nil, stage3JSON)

	usage, err := buildUsageSummary(ctx, s.Ledger, runID, s.Pricing.Current())
	if err != nil {
		return domain.PipelineOutput{}, runID, err
	}
	out.UsageSummary = usage

	return out, runID, nil
}
