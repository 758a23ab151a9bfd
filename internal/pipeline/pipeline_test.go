package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilkit/engine/internal/budget"
	"github.com/councilkit/engine/internal/corekit"
	"github.com/councilkit/engine/internal/domain"
	"github.com/councilkit/engine/internal/jsonrole"
	"github.com/councilkit/engine/internal/ledger"
	"github.com/councilkit/engine/internal/llmclient"
)

func promptOf(r *http.Request) string {
	body, _ := io.ReadAll(r.Body)
	var decoded struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	_ = json.Unmarshal(body, &decoded)
	if len(decoded.Messages) == 0 {
		return ""
	}
	return decoded.Messages[0].Content
}

func writeChat(w http.ResponseWriter, content string) {
	body, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{{"message": map[string]interface{}{"content": content}}},
		"usage":   map[string]int{"total_tokens": 4},
	})
	w.Write(body)
}

const scopeContractJSON = `{"task_summary":"fix bug","in_scope":["backend/src/foo.py"],"out_of_scope":[],"acceptance_criteria":["bug fixed"],"agents_to_invoke":["reviewer","security","implementer","gate"],"tests_policy":{"required":false,"reasons":[]},"constraints":[],"max_iterations":2}`
const reviewOutputJSON = `{"verdict":"PASS","issues":[],"missed_requirements":[],"risks":[],"tests_recommended":[]}`
const securityOutputJSON = `{"verdict":"PASS","threats":[],"required_security_controls":[],"tests_required":[]}`
const implOutputJSON = `{"final_codex_prompt":"do the fix","patch_scope":["backend/src/foo.py"],"do_not_change":[],"run_commands":[],"rollback_plan":[]}`
const implOutOfScopeJSON = `{"final_codex_prompt":"do the fix","patch_scope":["backend/src/other.py"],"do_not_change":[],"run_commands":[],"rollback_plan":[]}`
const gatePassJSON = `{"verdict":"PASS","must_fix":[],"acceptance_criteria_met":[{"criterion":"bug fixed","met":true}],"tests_required":false}`
const gateFailJSON = `{"verdict":"FAIL","must_fix":[{"severity":"high","file":"backend/src/foo.py","issue":"missed edge case","suggested_fix":"handle nil"}],"acceptance_criteria_met":[],"tests_required":false}`

func newTestEngine(t *testing.T, handler http.HandlerFunc) (*Engine, RoleModels) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := corekit.DefaultConfig()
	cfg.OpenRouterMaxRetries = 0
	client := llmclient.New(srv.URL, "key", cfg, llmclient.WithHTTPClient(srv.Client()))

	l := ledger.NewMemoryLedger()
	require.NoError(t, l.CreateRun(context.Background(), ledger.Run{ID: "r1"}))
	gate := budget.NewGate(l)

	engine := &Engine{
		Ledger:   l,
		Gate:     gate,
		JSONRole: &jsonrole.Caller{LLM: client, Ledger: l, Gate: gate, Logger: corekit.NoOpLogger{}},
		Schemas:  jsonrole.NewRegistry(),
		Logger:   corekit.NoOpLogger{},
	}
	roles := RoleModels{Leader: "chair", Reviewer: "m0", Security: "m0", TestWriter: "mLast", Implementer: "chair", Gate: "chair"}
	return engine, roles
}

func TestRunHappyPathPasses(t *testing.T) {
	engine, roles := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		prompt := promptOf(r)
		switch {
		case strings.Contains(prompt, "Define the scope contract"):
			writeChat(w, scopeContractJSON)
		case strings.Contains(prompt, "correctness and completeness"):
			writeChat(w, reviewOutputJSON)
		case strings.Contains(prompt, "security risk"):
			writeChat(w, securityOutputJSON)
		case strings.Contains(prompt, "Produce the final implementation prompt"):
			writeChat(w, implOutputJSON)
		case strings.Contains(prompt, "Decide PASS or FAIL"):
			writeChat(w, gatePassJSON)
		default:
			writeChat(w, "{}")
		}
	})

	input := domain.PipelineInput{TaskDescription: "fix the bug", Mode: "balanced", MaxIterations: 2}
	out, err := engine.Run(context.Background(), input, roles, RunOptions{RunID: "r1", ModeTimeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPass, out.GateVerdict)
	assert.False(t, out.Degraded)
	require.NotNil(t, out.FinalCodexPrompt)
	assert.Equal(t, "do the fix", *out.FinalCodexPrompt)
}

func TestRunAbortsOnInvalidLeaderJSON(t *testing.T) {
	engine, roles := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		writeChat(w, "not json")
	})

	input := domain.PipelineInput{TaskDescription: "fix the bug", Mode: "balanced", MaxIterations: 2}
	out, err := engine.Run(context.Background(), input, roles, RunOptions{RunID: "r1", ModeTimeout: 5 * time.Second})
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Contains(t, out.Errors, "invalid_json:leader")
	assert.Equal(t, domain.VerdictFail, out.GateVerdict)
}

func TestRunScopeViolationSynthesizesDeterministicGate(t *testing.T) {
	engine, roles := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		prompt := promptOf(r)
		switch {
		case strings.Contains(prompt, "Define the scope contract"):
			writeChat(w, scopeContractJSON)
		case strings.Contains(prompt, "correctness and completeness"):
			writeChat(w, reviewOutputJSON)
		case strings.Contains(prompt, "security risk"):
			writeChat(w, securityOutputJSON)
		case strings.Contains(prompt, "Produce the final implementation prompt"):
			writeChat(w, implOutOfScopeJSON)
		default:
			writeChat(w, "{}")
		}
	})

	input := domain.PipelineInput{TaskDescription: "fix the bug", Mode: "balanced", MaxIterations: 2}
	out, err := engine.Run(context.Background(), input, roles, RunOptions{RunID: "r1", ModeTimeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictFail, out.GateVerdict)
	assert.Contains(t, out.Errors, "scope_violation")
	require.NotNil(t, out.AgentOutputs.Gate)
	assert.Equal(t, domain.VerdictFail, out.AgentOutputs.Gate.Verdict)
	require.Len(t, out.AgentOutputs.Gate.MustFix, 1)
}

func TestRunGateFailThenReviseThenPass(t *testing.T) {
	var gateCalls int32
	engine, roles := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		prompt := promptOf(r)
		switch {
		case strings.Contains(prompt, "Define the scope contract"):
			writeChat(w, scopeContractJSON)
		case strings.Contains(prompt, "correctness and completeness"):
			writeChat(w, reviewOutputJSON)
		case strings.Contains(prompt, "security risk"):
			writeChat(w, securityOutputJSON)
		case strings.Contains(prompt, "Gate found the following must-fix items"):
			writeChat(w, implOutputJSON)
		case strings.Contains(prompt, "Produce the final implementation prompt"):
			writeChat(w, implOutputJSON)
		case strings.Contains(prompt, "Decide PASS or FAIL"):
			n := atomic.AddInt32(&gateCalls, 1)
			if n == 1 {
				writeChat(w, gateFailJSON)
			} else {
				writeChat(w, gatePassJSON)
			}
		default:
			writeChat(w, "{}")
		}
	})

	input := domain.PipelineInput{TaskDescription: "fix the bug", Mode: "balanced", MaxIterations: 2}
	out, err := engine.Run(context.Background(), input, roles, RunOptions{RunID: "r1", ModeTimeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPass, out.GateVerdict)
	assert.EqualValues(t, 2, atomic.LoadInt32(&gateCalls))
}

func TestRunGateFailExhaustsIterations(t *testing.T) {
	engine, roles := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		prompt := promptOf(r)
		switch {
		case strings.Contains(prompt, "Define the scope contract"):
			writeChat(w, scopeContractJSON)
		case strings.Contains(prompt, "correctness and completeness"):
			writeChat(w, reviewOutputJSON)
		case strings.Contains(prompt, "security risk"):
			writeChat(w, securityOutputJSON)
		case strings.Contains(prompt, "Gate found the following must-fix items"):
			writeChat(w, implOutputJSON)
		case strings.Contains(prompt, "Produce the final implementation prompt"):
			writeChat(w, implOutputJSON)
		case strings.Contains(prompt, "Decide PASS or FAIL"):
			writeChat(w, gateFailJSON)
		default:
			writeChat(w, "{}")
		}
	})

	input := domain.PipelineInput{TaskDescription: "fix the bug", Mode: "balanced", MaxIterations: 1}
	out, err := engine.Run(context.Background(), input, roles, RunOptions{RunID: "r1", ModeTimeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictFail, out.GateVerdict)
	assert.False(t, out.Degraded)
}

func TestResolveRoleModelsInheritsBalanced(t *testing.T) {
	table := RoleModelTable{
		Balanced: ModeModels{Chair: "chair-b", Models: []string{"m0", "m1", "m2"}},
		Fast:     ModeModels{Models: []string{"fast0"}},
		Deep:     ModeModels{Chair: "chair-d"},
	}

	fast := ResolveRoleModels(table, "fast")
	assert.Equal(t, "chair-b", fast.Leader)
	assert.Equal(t, "fast0", fast.Reviewer)

	deep := ResolveRoleModels(table, "deep")
	assert.Equal(t, "chair-d", deep.Leader)
	assert.Equal(t, "m2", deep.TestWriter)

	balanced := ResolveRoleModels(table, "balanced")
	assert.Equal(t, "m0", balanced.Reviewer)
	assert.Equal(t, "m2", balanced.TestWriter)
}
