package reliability

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRateLimitStatus reports whether code signals upstream throttling.
func IsRateLimitStatus(code int) bool {
	return code == http.StatusTooManyRequests
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// ParseRetryAfter reads a Retry-After header value given either as seconds or
// as an HTTP date. It returns zero when the value is absent or unusable.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// RetryDelay picks the wait before the next attempt: the server hint when
// present, otherwise exponential backoff. The result never exceeds cap.
func RetryDelay(attempt int, hint, base, cap time.Duration) time.Duration {
	if hint > 0 {
		if hint > cap {
			return cap
		}
		return hint
	}
	return ExponentialBackoff(attempt, base, cap)
}
