package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/publisher/pkg/credential"
	"github.com/MarkoPoloResearchLab/publisher/pkg/orchestrator"
)

type stubPublisher struct {
	mu         sync.Mutex
	published  []string
	cancelled  []string
	cancelErr  error
	publishErr error
}

func (stub *stubPublisher) Publish(_ context.Context, postID string) error {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	stub.published = append(stub.published, postID)
	return stub.publishErr
}

func (stub *stubPublisher) Cancel(_ context.Context, postID string) error {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.cancelErr != nil {
		return stub.cancelErr
	}
	stub.cancelled = append(stub.cancelled, postID)
	return nil
}

func (stub *stubPublisher) publishedCount() int {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	return len(stub.published)
}

type stubPostReader struct {
	posts map[string]orchestrator.Post
}

func (stub *stubPostReader) GetPost(_ context.Context, postID string) (orchestrator.Post, error) {
	post, ok := stub.posts[postID]
	if !ok {
		return orchestrator.Post{}, orchestrator.ErrPostNotFound
	}
	return post, nil
}

func mustServer(test *testing.T, publisher Publisher, posts PostReader) *Server {
	test.Helper()
	server, err := New(Config{ListenAddr: ":0"}, publisher, posts, zap.NewNop())
	if err != nil {
		test.Fatalf("new server: %v", err)
	}
	return server
}

func perform(server *Server, method string, target string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(method, target, nil)
	server.Router().ServeHTTP(recorder, request)
	return recorder
}

func TestPublishApprovedPostIsAccepted(test *testing.T) {
	test.Parallel()
	publisher := &stubPublisher{}
	reader := &stubPostReader{posts: map[string]orchestrator.Post{
		"post-1": {PostID: "post-1", State: orchestrator.PostStateApproved, Platform: credential.PlatformX},
	}}
	server := mustServer(test, publisher, reader)

	response := perform(server, http.MethodPost, "/v1/posts/post-1/publish")
	if response.Code != http.StatusAccepted {
		test.Fatalf("expected 202, got %d: %s", response.Code, response.Body.String())
	}
	deadline := time.After(time.Second)
	for publisher.publishedCount() == 0 {
		select {
		case <-deadline:
			test.Fatal("publish was never invoked")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestPublishRejectsWrongState(test *testing.T) {
	test.Parallel()
	publisher := &stubPublisher{}
	reader := &stubPostReader{posts: map[string]orchestrator.Post{
		"post-1": {PostID: "post-1", State: orchestrator.PostStatePublished},
	}}
	server := mustServer(test, publisher, reader)

	response := perform(server, http.MethodPost, "/v1/posts/post-1/publish")
	if response.Code != http.StatusConflict {
		test.Fatalf("expected 409, got %d", response.Code)
	}
	if publisher.publishedCount() != 0 {
		test.Fatal("publish must not run for a non-approved post")
	}
}

func TestPublishRejectsPostWaitingOutBackoff(test *testing.T) {
	test.Parallel()
	publisher := &stubPublisher{}
	reader := &stubPostReader{posts: map[string]orchestrator.Post{
		"post-1": {
			PostID:             "post-1",
			State:              orchestrator.PostStateApproved,
			Platform:           credential.PlatformX,
			NextAttemptUnixUTC: time.Now().UTC().Add(time.Hour).Unix(),
		},
	}}
	server := mustServer(test, publisher, reader)

	response := perform(server, http.MethodPost, "/v1/posts/post-1/publish")
	if response.Code != http.StatusConflict {
		test.Fatalf("expected 409 while backoff pending, got %d", response.Code)
	}
	if publisher.publishedCount() != 0 {
		test.Fatal("publish must not run before the retry window opens")
	}
}

func TestPublishUnknownPostIsNotFound(test *testing.T) {
	test.Parallel()
	server := mustServer(test, &stubPublisher{}, &stubPostReader{posts: map[string]orchestrator.Post{}})
	response := perform(server, http.MethodPost, "/v1/posts/missing/publish")
	if response.Code != http.StatusNotFound {
		test.Fatalf("expected 404, got %d", response.Code)
	}
}

func TestCancelMapsDomainErrors(test *testing.T) {
	test.Parallel()
	reader := &stubPostReader{posts: map[string]orchestrator.Post{}}

	ok := mustServer(test, &stubPublisher{}, reader)
	if response := perform(ok, http.MethodPost, "/v1/posts/post-1/cancel"); response.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", response.Code)
	}

	conflicted := mustServer(test, &stubPublisher{cancelErr: orchestrator.ErrPostNotCancellable}, reader)
	if response := perform(conflicted, http.MethodPost, "/v1/posts/post-1/cancel"); response.Code != http.StatusConflict {
		test.Fatalf("expected 409, got %d", response.Code)
	}

	missing := mustServer(test, &stubPublisher{cancelErr: orchestrator.ErrPostNotFound}, reader)
	if response := perform(missing, http.MethodPost, "/v1/posts/post-1/cancel"); response.Code != http.StatusNotFound {
		test.Fatalf("expected 404, got %d", response.Code)
	}
}

func TestGetPostRendersStateAndErrors(test *testing.T) {
	test.Parallel()
	reader := &stubPostReader{posts: map[string]orchestrator.Post{
		"post-1": {
			PostID:        "post-1",
			SubscriberID:  "sub-1",
			Platform:      credential.PlatformLinkedIn,
			State:         orchestrator.PostStateFailed,
			Attempts:      3,
			LastErrorCode: orchestrator.ErrorCodeRetriesExhausted,
			LastError:     "platform unavailable",
		},
	}}
	server := mustServer(test, &stubPublisher{}, reader)

	response := perform(server, http.MethodGet, "/v1/posts/post-1")
	if response.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", response.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		test.Fatalf("decode response: %v", err)
	}
	if payload["state"] != "failed" || payload["error_code"] != "retries_exhausted" {
		test.Fatalf("unexpected payload %v", payload)
	}
	if _, present := payload["platform_post_id"]; present {
		test.Fatal("failed post must not expose a platform post id")
	}
}

func TestHealthz(test *testing.T) {
	test.Parallel()
	server := mustServer(test, &stubPublisher{}, &stubPostReader{posts: map[string]orchestrator.Post{}})
	if response := perform(server, http.MethodGet, "/healthz"); response.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", response.Code)
	}
}
