package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/publisher/pkg/orchestrator"
)

func TestNotifierDeliversPublishedEvent(test *testing.T) {
	test.Parallel()
	received := make(chan eventPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		body, _ := io.ReadAll(request.Body)
		var payload eventPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			test.Errorf("decode payload: %v", err)
		}
		received <- payload
	}))
	defer server.Close()

	notifier := NewNotifier(server.URL, server.Client(), zap.NewNop())
	notifier.PostPublished(context.Background(), "post-1", "pp-99")

	payload := <-received
	if payload.Event != "post.published" || payload.PostID != "post-1" || payload.PlatformPostID != "pp-99" {
		test.Fatalf("unexpected payload %+v", payload)
	}
}

func TestNotifierDeliversFailedEvent(test *testing.T) {
	test.Parallel()
	received := make(chan eventPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		var payload eventPayload
		_ = json.NewDecoder(request.Body).Decode(&payload)
		received <- payload
	}))
	defer server.Close()

	notifier := NewNotifier(server.URL, server.Client(), zap.NewNop())
	notifier.PostFailed(context.Background(), "post-2", orchestrator.ErrorCodeQuotaExhausted, "allowance exhausted")

	payload := <-received
	if payload.Event != "post.failed" || payload.ErrorCode != "quota_exhausted" {
		test.Fatalf("unexpected payload %+v", payload)
	}
}

func TestNotifierToleratesUnreachableEndpoint(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	endpoint := server.URL
	server.Close()

	notifier := NewNotifier(endpoint, &http.Client{}, zap.NewNop())
	// Must not panic or block.
	notifier.PostPublished(context.Background(), "post-1", "pp-1")
	notifier.PostFailed(context.Background(), "post-1", orchestrator.ErrorCodeUnconfirmed, "gone")
}
