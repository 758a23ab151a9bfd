package resiliencekit

import "context"

// Semaphore bounds the number of concurrent in-flight operations, the
// same buffered-channel-of-permits idiom SmartExecutor uses
// to cap fan-out concurrency in orchestration/executor.go.
type Semaphore struct {
	permits chan struct{}
}

// NewSemaphore creates a Semaphore allowing n concurrent holders. n <= 0
// is treated as unbounded.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		return &Semaphore{}
	}
	return &Semaphore{permits: make(chan struct{}, n)}
}

// Acquire blocks until a permit is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if s.permits == nil {
		return nil
	}
	select {
	case s.permits <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit. Safe to call even for an unbounded semaphore.
func (s *Semaphore) Release() {
	if s.permits == nil {
		return
	}
	<-s.permits
}
