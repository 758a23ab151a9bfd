package toolruntime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilkit/engine/internal/corekit"
	"github.com/councilkit/engine/internal/ledger"
)

func newTestRuntime(t *testing.T) (*Runtime, *ledger.MemoryLedger) {
	t.Helper()
	cfg := corekit.DefaultConfig()
	cfg.MCPMaxConcurrentCalls = 2
	cfg.MCPToolTimeoutSeconds = 1
	l := ledger.NewMemoryLedger()
	return New(cfg, l, corekit.NoOpLogger{}), l
}

type fakeOutput struct {
	Degraded bool     `json:"degraded"`
	Errors   []string `json:"errors"`
	Value    string   `json:"value"`
}

func TestInvokeSuccess(t *testing.T) {
	rt, _ := newTestRuntime(t)
	result, err := rt.Invoke(context.Background(), SurfaceMCP, func(ctx context.Context) (interface{}, string, error) {
		return fakeOutput{Value: "ok"}, "r1", nil
	}, func(reason Reason) interface{} {
		return fakeOutput{Degraded: true, Errors: []string{string(reason)}}
	})
	require.NoError(t, err)
	out, ok := result.(fakeOutput)
	require.True(t, ok)
	assert.Equal(t, "ok", out.Value)
	assert.False(t, out.Degraded)
}

func TestInvokeTimeoutDegradesAndMarksRunFailed(t *testing.T) {
	rt, l := newTestRuntime(t)
	require.NoError(t, l.CreateRun(context.Background(), ledger.Run{ID: "r1", Status: ledger.RunRunning}))

	result, err := rt.Invoke(context.Background(), SurfaceMCP, func(ctx context.Context) (interface{}, string, error) {
		<-ctx.Done()
		return nil, "r1", ctx.Err()
	}, func(reason Reason) interface{} {
		return fakeOutput{Degraded: true, Errors: []string{string(reason)}}
	})
	require.NoError(t, err)
	out := result.(fakeOutput)
	assert.True(t, out.Degraded)
	assert.Equal(t, []string{"timeout"}, out.Errors)

	missing, err := l.AnyUsageMissing(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, missing)

	// The run was already ended by Invoke, so a later EndRun is not applied.
	applied, err := l.EndRun(context.Background(), "r1", ledger.RunSucceeded, 0)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestInvokeValidationErrorClassifiesSize(t *testing.T) {
	rt, _ := newTestRuntime(t)
	result, err := rt.Invoke(context.Background(), SurfaceMCP, func(ctx context.Context) (interface{}, string, error) {
		return nil, "", &ValidationError{Message: "repo_context exceeds max size"}
	}, func(reason Reason) interface{} {
		return fakeOutput{Degraded: true, Errors: []string{string(reason)}}
	})
	require.NoError(t, err)
	out := result.(fakeOutput)
	assert.Equal(t, []string{"input_too_large"}, out.Errors)
}

func TestInvokeValidationErrorDefaultsToInvalidInput(t *testing.T) {
	rt, _ := newTestRuntime(t)
	result, err := rt.Invoke(context.Background(), SurfaceMCP, func(ctx context.Context) (interface{}, string, error) {
		return nil, "", &ValidationError{Message: "mode must be one of fast, balanced, deep"}
	}, func(reason Reason) interface{} {
		return fakeOutput{Degraded: true, Errors: []string{string(reason)}}
	})
	require.NoError(t, err)
	out := result.(fakeOutput)
	assert.Equal(t, []string{"invalid_input"}, out.Errors)
}

func TestInvokeInternalErrorDefault(t *testing.T) {
	rt, _ := newTestRuntime(t)
	result, err := rt.Invoke(context.Background(), SurfaceMCP, func(ctx context.Context) (interface{}, string, error) {
		return nil, "", errors.New("boom")
	}, func(reason Reason) interface{} {
		return fakeOutput{Degraded: true, Errors: []string{string(reason)}}
	})
	require.NoError(t, err)
	out := result.(fakeOutput)
	assert.Equal(t, []string{"internal_error"}, out.Errors)
}

func TestInvokeCancelledContext(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := rt.Invoke(ctx, SurfaceMCP, func(ctx context.Context) (interface{}, string, error) {
		return nil, "", ctx.Err()
	}, func(reason Reason) interface{} {
		return fakeOutput{Degraded: true, Errors: []string{string(reason)}}
	})
	require.NoError(t, err)
	out := result.(fakeOutput)
	assert.Equal(t, []string{"cancelled"}, out.Errors)
}

func TestReconfigureReplacesSemaphore(t *testing.T) {
	rt, _ := newTestRuntime(t)
	rt.Reconfigure(SurfaceHTTP, 5, 2*time.Second)
	assert.Equal(t, 2*time.Second, rt.timeouts[SurfaceHTTP])
}
