package orchestrator

import (
	"context"

	"go.uber.org/zap"
)

// LogEvents records publish completions in the service log. It is the
// default sink when no webhook notifier is configured.
type LogEvents struct {
	logger *zap.Logger
}

// NewLogEvents wires a log-backed event sink.
func NewLogEvents(logger *zap.Logger) *LogEvents {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEvents{logger: logger}
}

func (events *LogEvents) PostPublished(_ context.Context, postID string, platformPostID string) {
	events.logger.Info("post published",
		zap.String("post_id", postID),
		zap.String("platform_post_id", platformPostID),
	)
}

func (events *LogEvents) PostFailed(_ context.Context, postID string, code ErrorCode, message string) {
	events.logger.Warn("post failed",
		zap.String("post_id", postID),
		zap.String("error_code", string(code)),
		zap.String("error", message),
	)
}
