package orchestrator

import (
	"context"

	"github.com/MarkoPoloResearchLab/publisher/pkg/credential"
	"github.com/MarkoPoloResearchLab/publisher/pkg/platform"
)

// PostState defines the post lifecycle.
type PostState string

const (
	PostStateDraft      PostState = "draft"
	PostStateApproved   PostState = "approved"
	PostStatePublishing PostState = "publishing"
	PostStatePublished  PostState = "published"
	PostStateFailed     PostState = "failed"
	PostStateCancelled  PostState = "cancelled"
)

// ParsePostState validates a stored state value.
func ParsePostState(raw string) (PostState, error) {
	switch PostState(raw) {
	case PostStateDraft, PostStateApproved, PostStatePublishing, PostStatePublished, PostStateFailed, PostStateCancelled:
		return PostState(raw), nil
	}
	return "", ErrInvalidPostState
}

// String returns the state value.
func (state PostState) String() string {
	return string(state)
}

// ErrorCode distinguishes terminal failure causes on a post record.
type ErrorCode string

const (
	ErrorCodeQuotaExhausted      ErrorCode = "quota_exhausted"
	ErrorCodeNeedsReconnection   ErrorCode = "needs_reconnection"
	ErrorCodeCredentialError     ErrorCode = "credential_error"
	ErrorCodePlatformRejected    ErrorCode = "platform_rejected"
	ErrorCodePlatformUnsupported ErrorCode = "platform_unsupported"
	ErrorCodeRetriesExhausted    ErrorCode = "retries_exhausted"
	ErrorCodeUnconfirmed         ErrorCode = "unconfirmed"
	ErrorCodeCancelled           ErrorCode = "cancelled"
)

// Post is a scheduled social post moving through the publish lifecycle.
// PlatformPostID is set once on confirmed publication and never changes; it
// is the proof a real publish occurred.
type Post struct {
	PostID                string
	SubscriberID          string
	Platform              credential.Platform
	Content               platform.Content
	State                 PostState
	Attempts              int
	NextAttemptUnixUTC    int64
	ReconcileAfterUnixUTC int64
	ReservationID         string
	PlatformPostID        string
	LastErrorCode         ErrorCode
	LastError             string
	CreatedUnixUTC        int64
	UpdatedUnixUTC        int64
}

// PostStore is the persistence contract for posts. GetPostForUpdate must
// take a row-level lock for the duration of the transaction.
type PostStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore PostStore) error) error
	GetPost(ctx context.Context, postID string) (Post, error)
	GetPostForUpdate(ctx context.Context, postID string) (Post, error)
	UpdatePost(ctx context.Context, post Post) error
	// ListDueApproved returns approved posts whose next attempt time has
	// passed, oldest first.
	ListDueApproved(ctx context.Context, nowUnixUTC int64, limit int) ([]string, error)
	// ListDueReconciliations returns publishing posts whose ambiguous outcome
	// is ready to be resolved.
	ListDueReconciliations(ctx context.Context, nowUnixUTC int64, limit int) ([]string, error)
}

// Events receives completion notifications for asynchronous publishes.
type Events interface {
	PostPublished(ctx context.Context, postID string, platformPostID string)
	PostFailed(ctx context.Context, postID string, code ErrorCode, message string)
}
