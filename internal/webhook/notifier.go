package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/publisher/pkg/orchestrator"
)

const (
	eventPostPublished = "post.published"
	eventPostFailed    = "post.failed"
	defaultTimeout     = 10 * time.Second
)

// Notifier delivers publish completion events to a subscriber-facing webhook.
// Delivery is best effort: failures are logged and never block publishing.
type Notifier struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewNotifier wires a Notifier posting to the given endpoint.
func NewNotifier(endpoint string, httpClient *http.Client, logger *zap.Logger) *Notifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{endpoint: endpoint, httpClient: httpClient, logger: logger}
}

type eventPayload struct {
	Event          string `json:"event"`
	PostID         string `json:"post_id"`
	PlatformPostID string `json:"platform_post_id,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	Message        string `json:"message,omitempty"`
	EmittedUnixUTC int64  `json:"emitted_unix_utc"`
}

func (notifier *Notifier) PostPublished(ctx context.Context, postID string, platformPostID string) {
	notifier.deliver(ctx, eventPayload{
		Event:          eventPostPublished,
		PostID:         postID,
		PlatformPostID: platformPostID,
		EmittedUnixUTC: time.Now().UTC().Unix(),
	})
}

func (notifier *Notifier) PostFailed(ctx context.Context, postID string, code orchestrator.ErrorCode, message string) {
	notifier.deliver(ctx, eventPayload{
		Event:          eventPostFailed,
		PostID:         postID,
		ErrorCode:      string(code),
		Message:        message,
		EmittedUnixUTC: time.Now().UTC().Unix(),
	})
}

func (notifier *Notifier) deliver(ctx context.Context, payload eventPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		notifier.logger.Error("encode webhook payload", zap.Error(err))
		return
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, notifier.endpoint, bytes.NewReader(body))
	if err != nil {
		notifier.logger.Error("build webhook request", zap.Error(err))
		return
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := notifier.httpClient.Do(request)
	if err != nil {
		notifier.logger.Warn("webhook delivery failed",
			zap.String("event", payload.Event),
			zap.String("post_id", payload.PostID),
			zap.Error(err),
		)
		return
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode >= 300 {
		notifier.logger.Warn("webhook rejected",
			zap.String("event", payload.Event),
			zap.String("post_id", payload.PostID),
			zap.Int("status", response.StatusCode),
		)
	}
}
