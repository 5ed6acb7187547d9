package recovery

import (
	"regexp"
	"time"
)

// Pattern matches a class of failure messages and carries its recovery
// parameters. Patterns are scanned in declaration order; first match wins.
type Pattern struct {
	Name              string
	Regex             *regexp.Regexp
	Category          ErrorCategory
	Severity          Severity
	Strategy          Strategy
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffFactor     float64
	TimeoutMultiplier float64
}

// classification is a fully resolved recovery plan for one failure.
type classification struct {
	Category          ErrorCategory
	Severity          Severity
	Strategy          Strategy
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffFactor     float64
	TimeoutMultiplier float64
	Pattern           string
}

// categoryDefault carries the per-category plan used when no pattern matched
// or an HTTP status override replaced the matched category.
type categoryDefault struct {
	Severity      Severity
	Strategy      Strategy
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
}

var categoryDefaults = map[ErrorCategory]categoryDefault{
	CategoryNetwork:    {SeverityMedium, StrategyExponential, 5, 2 * time.Second, 2.0},
	CategoryTimeout:    {SeverityMedium, StrategyLinear, 4, 5 * time.Second, 1.0},
	CategoryRateLimit:  {SeverityLow, StrategyExponential, 6, 30 * time.Second, 2.0},
	CategoryAuth:       {SeverityHigh, StrategyFallback, 1, 0, 1.0},
	CategoryParsing:    {SeverityMedium, StrategyFallback, 2, 0, 1.0},
	CategoryContent:    {SeverityInfo, StrategySkip, 0, 0, 1.0},
	CategorySystem:     {SeverityHigh, StrategyExponential, 3, 5 * time.Second, 2.0},
	CategoryBrowser:    {SeverityHigh, StrategyDelayed, 3, 10 * time.Second, 1.0},
	CategoryDatabase:   {SeverityHigh, StrategyExponential, 3, time.Second, 2.0},
	CategoryValidation: {SeverityMedium, StrategySkip, 0, 0, 1.0},
	CategoryUnknown:    {SeverityMedium, StrategyDelayed, 3, 5 * time.Second, 1.0},
}

// defaultPatterns is the ordered library. More specific matchers sit above
// the broad ones so "rate limit timeout" classifies as RATE_LIMIT.
func defaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:          "memory_disk_exhaustion",
			Regex:         regexp.MustCompile(`(?i)out of memory|cannot allocate|no space left|disk full`),
			Category:      CategorySystem,
			Severity:      SeverityCritical,
			Strategy:      StrategyEscalate,
			MaxRetries:    0,
			BackoffFactor: 1.0,
		},
		{
			Name:          "schema_violation",
			Regex:         regexp.MustCompile(`(?i)schema violation|constraint violation|integrity error`),
			Category:      CategoryValidation,
			Severity:      SeverityCritical,
			Strategy:      StrategyEscalate,
			MaxRetries:    0,
			BackoffFactor: 1.0,
		},
		{
			Name:              "rate_limited",
			Regex:             regexp.MustCompile(`(?i)too many requests|rate.?limit|quota exceeded|throttl`),
			Category:          CategoryRateLimit,
			Severity:          SeverityLow,
			Strategy:          StrategyExponential,
			MaxRetries:        6,
			BaseDelay:         30 * time.Second,
			BackoffFactor:     2.0,
			TimeoutMultiplier: 1.0,
		},
		{
			Name:              "auth_rejected",
			Regex:             regexp.MustCompile(`(?i)unauthorized|forbidden|authentication|invalid credentials|login required|session expired`),
			Category:          CategoryAuth,
			Severity:          SeverityHigh,
			Strategy:          StrategyFallback,
			MaxRetries:        1,
			BackoffFactor:     1.0,
			TimeoutMultiplier: 1.0,
		},
		{
			Name:              "request_timeout",
			Regex:             regexp.MustCompile(`(?i)timed?.?out|deadline exceeded|context canceled`),
			Category:          CategoryTimeout,
			Severity:          SeverityMedium,
			Strategy:          StrategyLinear,
			MaxRetries:        4,
			BaseDelay:         5 * time.Second,
			BackoffFactor:     1.0,
			TimeoutMultiplier: 1.5,
		},
		{
			Name:              "connection_fault",
			Regex:             regexp.MustCompile(`(?i)connection (refused|reset|closed)|no such host|network is unreachable|broken pipe|tls handshake|unexpected EOF`),
			Category:          CategoryNetwork,
			Severity:          SeverityMedium,
			Strategy:          StrategyExponential,
			MaxRetries:        5,
			BaseDelay:         2 * time.Second,
			BackoffFactor:     2.0,
			TimeoutMultiplier: 1.0,
		},
		{
			Name:              "browser_crash",
			Regex:             regexp.MustCompile(`(?i)browser|chromium|renderer|page crash|target closed|navigation failed`),
			Category:          CategoryBrowser,
			Severity:          SeverityHigh,
			Strategy:          StrategyDelayed,
			MaxRetries:        3,
			BaseDelay:         10 * time.Second,
			BackoffFactor:     1.0,
			TimeoutMultiplier: 2.0,
		},
		{
			Name:              "database_fault",
			Regex:             regexp.MustCompile(`(?i)database|sql|deadlock|too many connections|connection pool`),
			Category:          CategoryDatabase,
			Severity:          SeverityHigh,
			Strategy:          StrategyExponential,
			MaxRetries:        3,
			BaseDelay:         time.Second,
			BackoffFactor:     2.0,
			TimeoutMultiplier: 1.0,
		},
		{
			Name:              "parse_failure",
			Regex:             regexp.MustCompile(`(?i)parse|unmarshal|invalid json|unexpected token|malformed|decode`),
			Category:          CategoryParsing,
			Severity:          SeverityMedium,
			Strategy:          StrategyFallback,
			MaxRetries:        2,
			BackoffFactor:     1.0,
			TimeoutMultiplier: 1.0,
		},
		{
			Name:              "content_gone",
			Regex:             regexp.MustCompile(`(?i)not found|no longer available|deleted|removed by|page unavailable`),
			Category:          CategoryContent,
			Severity:          SeverityInfo,
			Strategy:          StrategySkip,
			MaxRetries:        0,
			BackoffFactor:     1.0,
			TimeoutMultiplier: 1.0,
		},
		{
			Name:              "validation_failure",
			Regex:             regexp.MustCompile(`(?i)validation|missing required|invalid (value|field|url)`),
			Category:          CategoryValidation,
			Severity:          SeverityMedium,
			Strategy:          StrategySkip,
			MaxRetries:        0,
			BackoffFactor:     1.0,
			TimeoutMultiplier: 1.0,
		},
	}
}

// classify resolves a failure message and optional HTTP status into a plan.
// Pattern scan first; a status override replaces the category and pulls that
// category's default plan; CRITICAL severity always escalates.
func classify(patterns []Pattern, message string, statusCode int) classification {
	cls := classification{
		Category: CategoryUnknown,
		Pattern:  "",
	}
	matched := false
	for _, p := range patterns {
		if p.Regex.MatchString(message) {
			cls = classification{
				Category:          p.Category,
				Severity:          p.Severity,
				Strategy:          p.Strategy,
				MaxRetries:        p.MaxRetries,
				BaseDelay:         p.BaseDelay,
				BackoffFactor:     p.BackoffFactor,
				TimeoutMultiplier: p.TimeoutMultiplier,
				Pattern:           p.Name,
			}
			matched = true
			break
		}
	}
	if !matched {
		cls.applyCategoryDefault(CategoryUnknown)
	}

	if override, ok := statusCategory(statusCode); ok && override != cls.Category {
		cls.applyCategoryDefault(override)
		cls.Pattern = ""
	}

	if cls.Severity == SeverityCritical {
		cls.Strategy = StrategyEscalate
	}
	return cls
}

func (c *classification) applyCategoryDefault(cat ErrorCategory) {
	def := categoryDefaults[cat]
	c.Category = cat
	c.Severity = def.Severity
	c.Strategy = def.Strategy
	c.MaxRetries = def.MaxRetries
	c.BaseDelay = def.BaseDelay
	c.BackoffFactor = def.BackoffFactor
	c.TimeoutMultiplier = 1.0
}

// statusCategory maps an HTTP status to its category override.
func statusCategory(code int) (ErrorCategory, bool) {
	switch {
	case code == 401 || code == 403:
		return CategoryAuth, true
	case code == 429:
		return CategoryRateLimit, true
	case code >= 500:
		return CategorySystem, true
	case code >= 400:
		return CategoryContent, true
	default:
		return "", false
	}
}
