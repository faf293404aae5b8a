package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/MarkoPoloResearchLab/publisher/pkg/credential"
)

// InstagramAdapter publishes media through the content publishing API. The
// API offers no way to list published media by caption, so ambiguous
// attempts cannot be reconciled and end up released.
type InstagramAdapter struct {
	client  *restClient
	baseURL string
	userID  string
}

// NewInstagramAdapter wires an API client for one instagram user.
func NewInstagramAdapter(baseURL string, userID string, httpClient *http.Client) *InstagramAdapter {
	return &InstagramAdapter{
		client:  newRESTClient(httpClient, defaultRequestsPerSec, defaultCallTimeout),
		baseURL: baseURL,
		userID:  userID,
	}
}

// Platform returns the platform this adapter serves.
func (adapter *InstagramAdapter) Platform() credential.Platform {
	return credential.PlatformInstagram
}

// Publish creates and publishes a media container in one call.
func (adapter *InstagramAdapter) Publish(ctx context.Context, cred credential.Credential, content Content) Result {
	form := url.Values{"caption": {content.Text}}
	if content.MediaURL != "" {
		form.Set("image_url", content.MediaURL)
	}
	endpoint := fmt.Sprintf("%s/%s/media_publish", adapter.baseURL, adapter.userID)
	response, err := adapter.client.postForm(ctx, endpoint, cred.AccessToken, form)
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
func (adapter *InstagramAdapter) SupportsLookup() bool {
	return false
}

// Lookup always fails; the platform offers no caption search.
func (adapter *InstagramAdapter) Lookup(ctx context.Context, cred credential.Credential, content Content, sinceUnixUTC int64) (string, bool, error) {
	return "", false, ErrLookupUnsupported
}
