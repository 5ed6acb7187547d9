package recovery

import (
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/driftline/crawlplane/orchestrator/observability"
)

type breakerVerdict int

const (
	// breakerProceed: breaker closed, failure counted, strategy decides.
	breakerProceed breakerVerdict = iota
	// breakerBlocked: breaker open and cooling down, caller must skip.
	breakerBlocked
	// breakerTrial: cool-down elapsed, exactly this call may retry.
	breakerTrial
)

type breaker struct {
	open         bool
	halfOpen     bool
	failureCount int
	successCount int
	lastFailure  time.Time
	nextAttempt  time.Time
}

// breakerSet is the keyed breaker registry. A key is the failing URL's host,
// falling back to platform, falling back to "default".
type breakerSet struct {
	mu        sync.Mutex
	breakers  map[string]*breaker
	threshold int
	timeout   time.Duration
}

func newBreakerSet(threshold int, timeout time.Duration) *breakerSet {
	return &breakerSet{
		breakers:  make(map[string]*breaker),
		threshold: threshold,
		timeout:   timeout,
	}
}

func (s *breakerSet) get(key string) *breaker {
	b, ok := s.breakers[key]
	if !ok {
		b = &breaker{}
		s.breakers[key] = b
	}
	return b
}

// onFailure folds one failure into the keyed breaker and reports whether the
// caller may proceed. A failure while half-open is the trial failing and
// re-opens the breaker with a fresh timer.
func (s *breakerSet) onFailure(key string, now time.Time) breakerVerdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(key)

	switch {
	case b.halfOpen:
		b.halfOpen = false
		b.open = true
		b.lastFailure = now
		b.nextAttempt = now.Add(s.timeout)
		observability.BreakerTransitions.WithLabelValues("open").Inc()
		log.Printf("recovery: breaker %s re-opened after failed trial, next attempt %s", key, b.nextAttempt.Format(time.RFC3339))
		return breakerBlocked

	case b.open:
		if now.Before(b.nextAttempt) {
			return breakerBlocked
		}
		b.open = false
		b.halfOpen = true
		observability.BreakerTransitions.WithLabelValues("half_open").Inc()
		log.Printf("recovery: breaker %s half-open, permitting one trial", key)
		return breakerTrial

	default:
		b.failureCount++
		b.lastFailure = now
		if b.failureCount >= s.threshold {
			b.open = true
			b.nextAttempt = now.Add(s.timeout)
			observability.BreakerTransitions.WithLabelValues("open").Inc()
			log.Printf("recovery: breaker %s opened after %d consecutive failures, next attempt %s",
				key, b.failureCount, b.nextAttempt.Format(time.RFC3339))
		}
		return breakerProceed
	}
}

// onSuccess resets the failure streak. A success while half-open closes the
// breaker.
func (s *breakerSet) onSuccess(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(key)
	b.successCount++
	if b.halfOpen {
		b.halfOpen = false
		b.failureCount = 0
		observability.BreakerTransitions.WithLabelValues("closed").Inc()
		log.Printf("recovery: breaker %s closed after successful trial", key)
		return
	}
	if !b.open {
		b.failureCount = 0
	}
}

// states snapshots every breaker for inspection.
func (s *breakerSet) states() map[string]BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]BreakerState, len(s.breakers))
	for key, b := range s.breakers {
		out[key] = BreakerState{
			Key:          key,
			Open:         b.open,
			HalfOpen:     b.halfOpen,
			FailureCount: b.failureCount,
			SuccessCount: b.successCount,
			LastFailure:  b.lastFailure,
			NextAttempt:  b.nextAttempt,
		}
	}
	return out
}

// breakerKey resolves the breaker key for a failure: URL host, then
// platform, then "default".
func breakerKey(rawURL, platform string) string {
	if rawURL != "" {
		if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
			return u.Host
		}
	}
	if platform != "" {
		return platform
	}
	return "default"
}
