package rate

import (
	"strconv"
	"strings"
	"time"

	"deribitflow/logger"
)

// Deribit error code for an exhausted request credit pool.
const TooManyRequestsCode = 10028

// ReportRateLimitExceeded records a throttled request for currency and data
// type and emits the metric to CloudWatch.
func ReportRateLimitExceeded(log *logger.Log, currency, dataType string) {
	component := "deribit_" + strings.ToLower(dataType)
	l := log.WithComponent(component)
	fields := logger.Fields{
		"exchange": "deribit",
		"currency": strings.ToUpper(currency),
		"type":     strings.ToLower(dataType),
	}
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// DetectLimit reports whether an HTTP status, API error code or message
// signals throttling.
func DetectLimit(status, code int, msg string) bool {
	if status == 429 || code == TooManyRequestsCode {
		return true
	}
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "too_many_requests") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "rate limit")
}

// ReportLimit records a rate limit event when DetectLimit matches.
func ReportLimit(log *logger.Log, currency, dataType string, status, code int, msg string) bool {
	if !DetectLimit(status, code, msg) {
		return false
	}
	ReportRateLimitExceeded(log, currency, dataType)
	return true
}

// RetryAfter parses a Retry-After header given either in seconds or as an
// HTTP date. It returns zero when the header is absent or unparseable.
func RetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := time.Parse(time.RFC1123, header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
