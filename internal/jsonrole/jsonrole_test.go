package jsonrole

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilkit/engine/internal/budget"
	"github.com/councilkit/engine/internal/corekit"
	"github.com/councilkit/engine/internal/ledger"
	"github.com/councilkit/engine/internal/llmclient"
)

const testSchemaJSON = `{
  "type": "object",
  "properties": {"final_ranking": {"type": "array", "items": {"type": "string"}}},
  "required": ["final_ranking"],
  "additionalProperties": false
}`

func mustCompileSchema(t *testing.T) *jsonschema.Schema {
	t.Helper()
	c := jsonschema.NewCompiler()
	require.NoError(t, c.AddResource("schema.json", strings.NewReader(testSchemaJSON)))
	s, err := c.Compile("schema.json")
	require.NoError(t, err)
	return s
}

func newTestCaller(t *testing.T, handler http.HandlerFunc) (*Caller, *ledger.MemoryLedger) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := corekit.DefaultConfig()
	cfg.OpenRouterMaxRetries = 0
	client := llmclient.New(srv.URL, "key", cfg, llmclient.WithHTTPClient(srv.Client()))

	l := ledger.NewMemoryLedger()
	require.NoError(t, l.CreateRun(context.Background(), ledger.Run{ID: "r1"}))

	return &Caller{LLM: client, Ledger: l, Gate: budget.NewGate(l), Logger: corekit.NoOpLogger{}}, l
}

func TestCallJSONRoleValidOnFirstAttempt(t *testing.T) {
	caller, _ := newTestCaller(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"final_ranking\":[\"Response A\"]}"}}],"usage":{"total_tokens":2}}`))
	})

	res, err := caller.CallJSONRole(context.Background(), "judge", "j1", "judge this", mustCompileSchema(t), testSchemaJSON, CallOptions{RunID: "r1"})
	require.NoError(t, err)
	require.NotNil(t, res.Parsed)
	assert.Empty(t, res.ValidationError)
}

func TestCallJSONRoleRetriesOnceOnInvalidJSON(t *testing.T) {
	var calls int32
	caller, l := newTestCaller(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
		if n == 1 {
			w.Write([]byte(`{"choices":[{"message":{"content":"{\"final_ranking\":[\"Response A\"]} extra garbage"}}]}`))
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"final_ranking\":[\"Response A\"]}"}}],"usage":{"total_tokens":2}}`))
	})

	res, err := caller.CallJSONRole(context.Background(), "judge", "j1", "judge this", mustCompileSchema(t), testSchemaJSON, CallOptions{RunID: "r1"})
	require.NoError(t, err)
	require.NotNil(t, res.Parsed)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	usage, err := l.SumTotalTokens(context.Background(), "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, usage)
}

func TestCallJSONRoleReturnsLastErrorAfterSingleRetry(t *testing.T) {
	caller, _ := newTestCaller(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[{"message":{"content":"not json at all"}}]}`))
	})

	res, err := caller.CallJSONRole(context.Background(), "judge", "j1", "judge this", mustCompileSchema(t), testSchemaJSON, CallOptions{RunID: "r1"})
	require.NoError(t, err)
	assert.Nil(t, res.Parsed)
	assert.NotEmpty(t, res.ValidationError)
}

func TestCallJSONRoleAbortsOnBudgetExceeded(t *testing.T) {
	caller, _ := newTestCaller(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"final_ranking\":[\"Response A\"]}"}}],"usage":{"total_tokens":100}}`))
	})

	maxTokens := int64(1)
	_, err := caller.CallJSONRole(context.Background(), "judge", "j1", "judge this", mustCompileSchema(t), testSchemaJSON, CallOptions{
		RunID:  "r1",
		Budget: budget.PipelineBudget{MaxTotalTokens: &maxTokens},
	})
	require.Error(t, err)
	var exceeded *budget.ExceededError
	require.ErrorAs(t, err, &exceeded)
}
