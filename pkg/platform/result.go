package platform

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Outcome classifies what a publish attempt did to the platform.
type Outcome string

const (
	// OutcomeSuccess means the platform confirmed creation and returned its
	// own identifier for the post.
	OutcomeSuccess Outcome = "success"
	// OutcomeRetryable means the attempt failed without creating anything
	// and may be retried with backoff.
	OutcomeRetryable Outcome = "retryable"
	// OutcomeTerminal means the platform rejected the post; retrying without
	// intervention cannot succeed.
	OutcomeTerminal Outcome = "terminal"
	// OutcomeAmbiguous means it is unknown whether the platform created the
	// post. Callers must reconcile before retrying or giving up.
	OutcomeAmbiguous Outcome = "ambiguous"
)

// Result is the normalized outcome of one publish call.
type Result struct {
	Outcome        Outcome
	PlatformPostID string
	Reason         string
	RetryAfter     time.Duration
}

// Success builds a confirmed-creation result. The id must come from the
// platform response, never be fabricated.
func Success(platformPostID string) Result {
	return Result{Outcome: OutcomeSuccess, PlatformPostID: platformPostID}
}

// Retryable builds a transient-failure result.
func Retryable(reason string, retryAfter time.Duration) Result {
	return Result{Outcome: OutcomeRetryable, Reason: reason, RetryAfter: retryAfter}
}

// Terminal builds a non-retryable failure result.
func Terminal(reason string) Result {
	return Result{Outcome: OutcomeTerminal, Reason: reason}
}

// Ambiguous builds an unknown-outcome result.
func Ambiguous(reason string) Result {
	return Result{Outcome: OutcomeAmbiguous, Reason: reason}
}

// Content is the generic post payload handed to an adapter.
type Content struct {
	Text     string `json:"text"`
	MediaURL string `json:"media_url,omitempty"`
}

// Fingerprint is a stable digest of the content used to match a post during
// reconciliation lookups.
func (content Content) Fingerprint() string {
	digest := sha256.Sum256([]byte(content.Text + "\x00" + content.MediaURL))
	return hex.EncodeToString(digest[:8])
}
