package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// classifyTransportError maps call-level failures onto the taxonomy. The key
// split: a deadline that expired after the request may have reached the
// platform is ambiguous (the post could exist), while a failure to connect
// at all never created anything and is plainly retryable.
func classifyTransportError(err error) Result {
	if errors.Is(err, errThrottleWait) {
		return Retryable("client throttled before send: "+err.Error(), 0)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Ambiguous("call timed out awaiting platform response")
	}
	if errors.Is(err, context.Canceled) {
		return Ambiguous("call canceled mid-flight")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return Retryable("platform unreachable: "+opErr.Err.Error(), 0)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Ambiguous("network timeout: " + netErr.Error())
	}
	return Retryable("transport error: "+err.Error(), 0)
}

// classifyStatus maps a non-2xx platform response onto the taxonomy.
func classifyStatus(status int, header http.Header, body []byte) Result {
	switch {
	case status == http.StatusTooManyRequests:
		return Retryable("platform rate limited", retryAfterFrom(header))
	case status == http.StatusRequestTimeout:
		return Retryable("platform request timeout", 0)
	case status >= 500:
		return Retryable(fmt.Sprintf("platform error %d", status), retryAfterFrom(header))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Terminal(fmt.Sprintf("platform denied request (%d): %s", status, truncateBody(body)))
	case status >= 400:
		return Terminal(fmt.Sprintf("platform rejected post (%d): %s", status, truncateBody(body)))
	default:
		return Ambiguous(fmt.Sprintf("unexpected status %d", status))
	}
}

func retryAfterFrom(header http.Header) time.Duration {
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}

func truncateBody(body []byte) string {
	const limit = 200
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
