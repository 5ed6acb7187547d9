package store

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// Transient cache faults are retried at the call site with bounded backoff;
// they surface as transient failures, never as task failures.
const (
	retryAttempts = 3
	retryBase     = 50 * time.Millisecond
)

// Availability tracks whether the cache spine is reachable. The status
// endpoint surfaces it as cache_connected; components flip it on probe
// results rather than on every call.
type Availability struct {
	down atomic.Bool
}

// MarkUp records a successful probe.
func (a *Availability) MarkUp() {
	if a.down.Swap(false) {
		log.Printf("cache spine reachable again, leaving degraded mode")
	}
}

// MarkDown records a failed probe.
func (a *Availability) MarkDown() {
	if !a.down.Swap(true) {
		log.Printf("cache spine unreachable, entering degraded mode")
	}
}

// Connected reports the last probe outcome.
func (a *Availability) Connected() bool {
	return !a.down.Load()
}

// WithRetry runs op up to three times with doubling backoff. The last error
// wins; ctx cancellation stops the attempts early.
func WithRetry(ctx context.Context, label string, op func() error) error {
	var err error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt < retryAttempts-1 {
			log.Printf("%s failed (attempt %d/%d), retrying in %s: %v", label, attempt+1, retryAttempts, delay, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return err
			}
			delay *= 2
		}
	}
	return err
}
