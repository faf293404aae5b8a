package platform

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/MarkoPoloResearchLab/publisher/pkg/credential"
)

// YouTubeAdapter publishes community posts through the data API. Lookup is
// unsupported: the API exposes no listing endpoint for community posts.
type YouTubeAdapter struct {
	client  *restClient
	baseURL string
}

// NewYouTubeAdapter wires an API client for youtube.
func NewYouTubeAdapter(baseURL string, httpClient *http.Client) *YouTubeAdapter {
	return &YouTubeAdapter{
		client:  newRESTClient(httpClient, defaultRequestsPerSec, defaultCallTimeout),
		baseURL: baseURL,
	}
}

// Platform returns the platform this adapter serves.
func (adapter *YouTubeAdapter) Platform() credential.Platform {
	return credential.PlatformYouTube
}

// Publish creates a community post with the content text.
func (adapter *YouTubeAdapter) Publish(ctx context.Context, cred credential.Credential, content Content) Result {
	payload := map[string]any{
		"snippet": map[string]string{"text": content.Text},
	}
	response, err := adapter.client.postJSON(ctx, adapter.baseURL+"/youtube/v3/activities", cred.AccessToken, payload)
	return publishOutcome(response, err, func(body []byte, _ http.Header) (string, error) {
		var parsed struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", err
		}
		return parsed.ID, nil
	})
}

// SupportsLookup reports that no reconciliation lookup exists.
func (adapter *YouTubeAdapter) SupportsLookup() bool {
	return false
}

// Lookup always fails; there is no listing endpoint to reconcile against.
func (adapter *YouTubeAdapter) Lookup(ctx context.Context, cred credential.Credential, content Content, sinceUnixUTC int64) (string, bool, error) {
	return "", false, ErrLookupUnsupported
}
