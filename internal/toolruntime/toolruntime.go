// Package toolruntime implements the tool runtime (C8): per-surface
// concurrency limiting, a wall-clock timeout around each handler, and
// uniform degraded-envelope construction on timeout/cancellation/
// validation/internal failure. Grounded on SmartExecutor
// fan-out gating (a semaphore bounding concurrent work) generalized from
// "bound concurrent plan steps" to "bound concurrent tool invocations
// per surface".
package toolruntime

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/councilkit/engine/internal/corekit"
	"github.com/councilkit/engine/internal/ledger"
	"github.com/councilkit/engine/internal/resiliencekit"
)

// Surface names one of the two independently configured tool surfaces.
type Surface string

const (
	SurfaceMCP  Surface = "mcp"
	SurfaceHTTP Surface = "http"
)

// Reason is the degraded-envelope error reason.
type Reason string

const (
	ReasonTimeout       Reason = "timeout"
	ReasonCancelled     Reason = "cancelled"
	ReasonInvalidInput  Reason = "invalid_input"
	ReasonInputTooLarge Reason = "input_too_large"
	ReasonInternalError Reason = "internal_error"
)

// ValidationError marks an input-validation failure. Message is
// inspected for size-related wording to choose between invalid_input
// and input_too_large.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

var sizeWords = []string{"too large", "too long", "exceeds", "max", "size"}

func classifyValidationReason(msg string) Reason {
	lower := strings.ToLower(msg)
	for _, w := range sizeWords {
		if strings.Contains(lower, w) {
			return ReasonInputTooLarge
		}
	}
	return ReasonInvalidInput
}

// Runtime bounds concurrent tool invocations per surface and wraps each
// call with a wall-clock timeout.
type Runtime struct {
	semaphores map[Surface]*resiliencekit.Semaphore
	timeouts   map[Surface]time.Duration
	ledger     ledger.Ledger
	logger     corekit.Logger
}

// New builds a Runtime with one semaphore per surface, sized from cfg.
func New(cfg *corekit.Config, l ledger.Ledger, logger corekit.Logger) *Runtime {
	return &Runtime{
		semaphores: map[Surface]*resiliencekit.Semaphore{
			SurfaceMCP:  resiliencekit.NewSemaphore(cfg.MCPMaxConcurrentCalls),
			SurfaceHTTP: resiliencekit.NewSemaphore(cfg.HTTPMaxConcurrentToolCalls),
		},
		timeouts: map[Surface]time.Duration{
			SurfaceMCP:  time.Duration(cfg.MCPToolTimeoutSeconds) * time.Second,
			SurfaceHTTP: time.Duration(cfg.HTTPToolTimeoutSeconds) * time.Second,
		},
		ledger: l,
		logger: logger,
	}
}

// Reconfigure replaces a surface's semaphore, recreating it so an
// updated concurrency limit takes effect on the next Invoke call.
func (rt *Runtime) Reconfigure(surface Surface, maxConcurrent int, timeout time.Duration) {
	rt.semaphores[surface] = resiliencekit.NewSemaphore(maxConcurrent)
	rt.timeouts[surface] = timeout
}

// Handler is a tool invocation. runID is populated by the handler once
// it has created its run row (it may be empty if it failed before that
// point, in which case Invoke cannot mark a run failed).
type Handler func(ctx context.Context) (result interface{}, runID string, err error)

// DegradedEnvelope holds the two fields every degraded envelope carries:
// the degraded flag and the errors list. It builds nothing itself;
// Invoke gets the full envelope from the caller's onDegraded callback.
type DegradedEnvelope struct {
	Degraded bool     `json:"degraded"`
	Errors   []string `json:"errors"`
}

// Invoke runs fn under surface's semaphore and timeout, classifying any
// failure into a Reason and invoking onDegraded to build the
// degraded envelope of the correct output type.
func (rt *Runtime) Invoke(ctx context.Context, surface Surface, fn Handler, onDegraded func(reason Reason) (result interface{})) (interface{}, error) {
	ctx, span := corekit.StartSpan(ctx, "toolruntime.Invoke", attribute.String("surface", string(surface)))
	defer span.End()

	sem, ok := rt.semaphores[surface]
	if !ok {
		sem = resiliencekit.NewSemaphore(0)
	}
	if err := sem.Acquire(ctx); err != nil {
		reason := reasonFromError(ctx, err)
		corekit.AddSpanEvent(ctx, "semaphore_acquire_failed", attribute.String("reason", string(reason)))
		return onDegraded(reason), nil
	}
	defer sem.Release()

	timeout := rt.timeouts[surface]
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	result, runID, err := fn(callCtx)
	elapsed := time.Since(start)

	if err == nil {
		return result, nil
	}

	reason := rt.classifyFailure(callCtx, err)
	corekit.RecordSpanError(ctx, err)
	corekit.AddSpanEvent(ctx, "degraded", attribute.String("reason", string(reason)))
	rt.failRun(ctx, runID, elapsed, reason)
	return onDegraded(reason), nil
}

func (rt *Runtime) classifyFailure(ctx context.Context, err error) Reason {
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return classifyValidationReason(valErr.Message)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	if errors.Is(err, corekit.ErrTimeout) {
		return ReasonTimeout
	}
	if errors.Is(err, corekit.ErrCancelled) || errors.Is(err, corekit.ErrContextCanceled) {
		return ReasonCancelled
	}
	return ReasonInternalError
}

func reasonFromError(ctx context.Context, err error) Reason {
	if errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonInternalError
}

// failRun marks runID failed with elapsed latency, in a fresh
// (uncancelled) context so the commit survives a cancelled caller
// context cancellation ordering guarantee.
func (rt *Runtime) failRun(ctx context.Context, runID string, elapsed time.Duration, reason Reason) {
	if runID == "" || rt.ledger == nil {
		return
	}
	commitCtx := context.WithoutCancel(ctx)
	applied, err := rt.ledger.EndRun(commitCtx, runID, ledger.RunFailed, elapsed.Milliseconds())
	if err != nil {
		rt.logger.Error("toolruntime: failed to mark run failed", map[string]interface{}{
			"run_id": runID, "reason": string(reason), "error": err.Error(),
		})
		return
	}
	if applied {
		rt.logger.Warn("toolruntime: run marked failed", map[string]interface{}{
			"run_id": runID, "reason": string(reason),
		})
	}
}
