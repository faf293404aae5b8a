package orchestrator

import "errors"

// Domain-level error values returned by the orchestrator.
var (
	ErrPostNotFound         = errors.New("post not found")
	ErrPostNotPublishable   = errors.New("post not in approved state")
	ErrPostNotCancellable   = errors.New("post already past approval")
	ErrPostNotReconcilable  = errors.New("post has no pending reconciliation")
	ErrInvalidPostState     = errors.New("invalid post state")
	ErrInvalidServiceConfig = errors.New("invalid orchestrator config")
)
