package chain

import (
	"context"
	"fmt"
	"time"
)

// Retry runs fn up to attempts times with a fixed delay between tries.
// Transient RPC faults get this bounded retry; exhausting it surfaces the
// last error to the caller, which aborts its tick without mutating state.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", attempts, lastErr)
}
