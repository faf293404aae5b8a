package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"
)

func TestClassifyStatusTable(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name    string
		status  int
		header  http.Header
		outcome Outcome
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, outcome: OutcomeRetryable},
		{name: "request timeout", status: http.StatusRequestTimeout, outcome: OutcomeRetryable},
		{name: "server error", status: http.StatusInternalServerError, outcome: OutcomeRetryable},
		{name: "bad gateway", status: http.StatusBadGateway, outcome: OutcomeRetryable},
		{name: "unauthorized", status: http.StatusUnauthorized, outcome: OutcomeTerminal},
		{name: "forbidden", status: http.StatusForbidden, outcome: OutcomeTerminal},
		{name: "content rejected", status: http.StatusUnprocessableEntity, outcome: OutcomeTerminal},
		{name: "bad request", status: http.StatusBadRequest, outcome: OutcomeTerminal},
		{name: "redirect", status: http.StatusMovedPermanently, outcome: OutcomeAmbiguous},
	}
	for _, testCase := range cases {
		result := classifyStatus(testCase.status, testCase.header, nil)
		if result.Outcome != testCase.outcome {
			test.Errorf("%s: expected %s, got %s (%s)", testCase.name, testCase.outcome, result.Outcome, result.Reason)
		}
	}
}

func TestClassifyStatusHonorsRetryAfter(test *testing.T) {
	test.Parallel()
	header := http.Header{}
	header.Set("Retry-After", "30")
	result := classifyStatus(http.StatusTooManyRequests, header, nil)
	if result.Outcome != OutcomeRetryable {
		test.Fatalf("expected retryable, got %s", result.Outcome)
	}
	if result.RetryAfter != 30*time.Second {
		test.Fatalf("expected 30s retry-after, got %s", result.RetryAfter)
	}
}

func TestClassifyTransportErrors(test *testing.T) {
	test.Parallel()
	deadline := &url.Error{Op: "Post", URL: "https://platform.example", Err: context.DeadlineExceeded}
	if result := classifyTransportError(deadline); result.Outcome != OutcomeAmbiguous {
		test.Fatalf("deadline must be ambiguous, got %s", result.Outcome)
	}

	dial := &url.Error{Op: "Post", URL: "https://platform.example", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}
	if result := classifyTransportError(dial); result.Outcome != OutcomeRetryable {
		test.Fatalf("dial failure must be retryable, got %s", result.Outcome)
	}

	other := errors.New("unexpected EOF")
	if result := classifyTransportError(other); result.Outcome != OutcomeRetryable {
		test.Fatalf("generic transport error must be retryable, got %s", result.Outcome)
	}
}

func TestThrottleWaitDeadlineIsRetryableNotAmbiguous(test *testing.T) {
	test.Parallel()
	// The deadline fired while queued in the client-side limiter; no request
	// went out, so the post cannot exist on the platform.
	err := fmt.Errorf("%w: %v", errThrottleWait, context.DeadlineExceeded)
	result := classifyTransportError(err)
	if result.Outcome != OutcomeRetryable {
		test.Fatalf("pre-send throttle abort must be retryable, got %s (%s)", result.Outcome, result.Reason)
	}
}

func TestContentFingerprintIsStable(test *testing.T) {
	test.Parallel()
	first := Content{Text: "launch day", MediaURL: "https://cdn.example/a.png"}
	second := Content{Text: "launch day", MediaURL: "https://cdn.example/a.png"}
	if first.Fingerprint() != second.Fingerprint() {
		test.Fatal("identical content must fingerprint identically")
	}
	changed := Content{Text: "launch day!", MediaURL: "https://cdn.example/a.png"}
	if first.Fingerprint() == changed.Fingerprint() {
		test.Fatal("different content must fingerprint differently")
	}
}
