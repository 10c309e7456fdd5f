package resilience

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RateLimitPatterns are the provider signatures of a capacity or quota error.
// Matching is case-insensitive.
var RateLimitPatterns = []string{
	"resource_exhausted",
	"429",
	"rate limit",
	"ratelimit",
	"quota",
	"too many requests",
}

// IsRateLimit reports whether err is a rate-limit-class provider error.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range RateLimitPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// RetryAfterError is implemented by errors that carry a provider retry hint.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

var retryHintPatterns = []*regexp.Regexp{
	// google.rpc.RetryInfo rendered into the error text: "retryDelay": "7s"
	regexp.MustCompile(`(?i)retry_?delay"?\s*[:=]\s*"?(\d+(?:\.\d+)?)\s*(ms|s)?`),
	// "Retry-After: 12", "retry after 3s", "Please retry in 7.5s."
	regexp.MustCompile(`(?i)retry(?:[- ]after| in)\s*:?\s*(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|secs?|seconds?)?`),
}

// RetryAfter extracts a provider-supplied wait from err.
func RetryAfter(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	var hinted RetryAfterError
	if errors.As(err, &hinted) {
		if d := hinted.RetryAfter(); d > 0 {
			return d, true
		}
	}
	msg := err.Error()
	for _, re := range retryHintPatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		value, perr := strconv.ParseFloat(m[1], 64)
		if perr != nil || value <= 0 {
			continue
		}
		unit := time.Second
		if strings.HasPrefix(strings.ToLower(m[2]), "m") {
			unit = time.Millisecond
		}
		return time.Duration(value * float64(unit)), true
	}
	return 0, false
}
