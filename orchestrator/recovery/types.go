package recovery

import (
	"time"
)

// ErrorCategory classifies a task failure.
type ErrorCategory string

const (
	CategoryNetwork    ErrorCategory = "NETWORK"
	CategoryTimeout    ErrorCategory = "TIMEOUT"
	CategoryParsing    ErrorCategory = "PARSING"
	CategoryAuth       ErrorCategory = "AUTH"
	CategoryRateLimit  ErrorCategory = "RATE_LIMIT"
	CategoryContent    ErrorCategory = "CONTENT"
	CategorySystem     ErrorCategory = "SYSTEM"
	CategoryBrowser    ErrorCategory = "BROWSER"
	CategoryDatabase   ErrorCategory = "DATABASE"
	CategoryValidation ErrorCategory = "VALIDATION"
	CategoryUnknown    ErrorCategory = "UNKNOWN"
)

// Severity ranks how urgently a failure needs attention.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// Strategy names the recovery plan applied to a failure.
type Strategy string

const (
	StrategyImmediate      Strategy = "immediate_retry"
	StrategyDelayed        Strategy = "delayed_retry"
	StrategyExponential    Strategy = "exponential_backoff"
	StrategyLinear         Strategy = "linear_backoff"
	StrategyCircuitBreaker Strategy = "circuit_breaker"
	StrategyFallback       Strategy = "fallback"
	StrategyEscalate       Strategy = "escalate"
	StrategySkip           Strategy = "skip"
)

// Action is the verdict handed back to the worker.
type Action string

const (
	ActionRetryTask   Action = "RETRY_TASK"
	ActionSkip        Action = "SKIP"
	ActionUseFallback Action = "USE_FALLBACK"
	ActionAlertAdmin  Action = "ALERT_ADMIN"
)

// ErrorInfo describes one task failure as observed by the worker.
type ErrorInfo struct {
	TaskID     string
	WorkerID   string
	Message    string
	URL        string
	Platform   string
	StatusCode int
	// Attempt is the task's retry count at failure time (0 on first failure).
	Attempt int
}

// ErrorRecord is the stored, classified form of a failure.
type ErrorRecord struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"task_id"`
	WorkerID   string        `json:"worker_id,omitempty"`
	Message    string        `json:"message"`
	Category   ErrorCategory `json:"category"`
	Severity   Severity      `json:"severity"`
	URL        string        `json:"url,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Attempt    int           `json:"attempt"`
	Strategy   Strategy      `json:"strategy"`
	Action     Action        `json:"action"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Decision is the recovery verdict for one failure. The queue's fail path
// owns retry scheduling; Delay is a hint only.
type Decision struct {
	ShouldRetry       bool          `json:"should_retry"`
	Action            Action        `json:"action"`
	Strategy          Strategy      `json:"strategy"`
	Delay             time.Duration `json:"delay,omitempty"`
	TimeoutMultiplier float64       `json:"timeout_multiplier,omitempty"`
	Record            *ErrorRecord  `json:"record,omitempty"`
}

// RetryCondition lets embedders veto or force a verdict before the pattern
// library runs. Return ok=true to short-circuit classification.
type RetryCondition func(info ErrorInfo) (Decision, bool)

// Alert is a captured escalation: the record plus the breaker context at
// capture time.
type Alert struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"task_id"`
	Record     ErrorRecord   `json:"record"`
	Breaker    *BreakerState `json:"breaker,omitempty"`
	CapturedAt time.Time     `json:"captured_at"`
}

// BreakerState is the inspectable state of one keyed circuit breaker.
type BreakerState struct {
	Key          string    `json:"key"`
	Open         bool      `json:"open"`
	HalfOpen     bool      `json:"half_open"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	NextAttempt  time.Time `json:"next_attempt,omitempty"`
}

// StrategyStats is the rolling outcome tally for one strategy.
type StrategyStats struct {
	Issued    int64   `json:"issued"`
	Succeeded int64   `json:"succeeded"`
	Rate      float64 `json:"success_rate"`
}

// Config tunes the recovery engine. Zero values are replaced by
// DefaultConfig values at construction.
type Config struct {
	BreakerThreshold int
	BreakerTimeout   time.Duration

	// MaxDelay caps every computed retry delay hint.
	MaxDelay time.Duration
	// Jitter toggles the ±10% spread on delay hints.
	Jitter bool

	RecordLimit int
	AlertLimit  int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BreakerThreshold: 5,
		BreakerTimeout:   60 * time.Second,
		MaxDelay:         5 * time.Minute,
		Jitter:           true,
		RecordLimit:      1000,
		AlertLimit:       100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = def.BreakerThreshold
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = def.BreakerTimeout
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.RecordLimit <= 0 {
		c.RecordLimit = def.RecordLimit
	}
	if c.AlertLimit <= 0 {
		c.AlertLimit = def.AlertLimit
	}
	return c
}
