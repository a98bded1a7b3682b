package reliability

import (
	"net/http"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want %v", got, 400*time.Millisecond)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := ParseRetryAfter("2", now); got != 2*time.Second {
		t.Fatalf("seconds form = %v, want 2s", got)
	}
	if got := ParseRetryAfter("0.5", now); got != 500*time.Millisecond {
		t.Fatalf("fractional form = %v, want 500ms", got)
	}
	date := now.Add(3 * time.Second).Format(http.TimeFormat)
	if got := ParseRetryAfter(date, now); got != 3*time.Second {
		t.Fatalf("date form = %v, want 3s", got)
	}
	if got := ParseRetryAfter("soon", now); got != 0 {
		t.Fatalf("garbage = %v, want 0", got)
	}
}

func TestRetryDelayHonoursHintUpToCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := time.Second
	if got := RetryDelay(0, 300*time.Millisecond, base, capDur); got != 300*time.Millisecond {
		t.Fatalf("hint = %v, want 300ms", got)
	}
	if got := RetryDelay(0, time.Minute, base, capDur); got != capDur {
		t.Fatalf("large hint = %v, want cap", got)
	}
	if got := RetryDelay(1, 0, base, capDur); got != 200*time.Millisecond {
		t.Fatalf("no hint = %v, want 200ms", got)
	}
}
