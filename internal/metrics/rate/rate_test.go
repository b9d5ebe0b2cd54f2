package rate

import (
	"testing"
	"time"

	"deribitflow/logger"
)

func TestReportRateLimitExceeded(t *testing.T) {
	ReportRateLimitExceeded(logger.GetLogger(), "btc", "trades")
}

func TestDetectLimit(t *testing.T) {
	cases := []struct {
		status int
		code   int
		msg    string
		want   bool
	}{
		{429, 0, "", true},
		{400, TooManyRequestsCode, "", true},
		{400, 0, "too_many_requests", true},
		{500, 0, "Rate limit reached", true},
		{500, 10001, "internal error", false},
		{200, 0, "", false},
	}
	for _, c := range cases {
		if got := DetectLimit(c.status, c.code, c.msg); got != c.want {
			t.Errorf("status %d code %d msg %q: want %v got %v", c.status, c.code, c.msg, c.want, got)
		}
	}
}

func TestReportLimit(t *testing.T) {
	log := logger.GetLogger()
	if !ReportLimit(log, "ETH", "dvol", 429, 0, "") {
		t.Fatal("expected a 429 to be reported")
	}
	if ReportLimit(log, "ETH", "dvol", 502, 0, "bad gateway") {
		t.Fatal("a 502 is not a rate limit")
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if d := RetryAfter("3", now); d != 3*time.Second {
		t.Fatalf("seconds: got %v", d)
	}
	if d := RetryAfter(now.Add(5*time.Second).Format(time.RFC1123), now); d != 5*time.Second {
		t.Fatalf("date: got %v", d)
	}
	for _, h := range []string{"", "soon", "-1"} {
		if d := RetryAfter(h, now); d != 0 {
			t.Fatalf("%q: got %v", h, d)
		}
	}
}
