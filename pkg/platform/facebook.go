package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/MarkoPoloResearchLab/publisher/pkg/credential"
)

// FacebookAdapter publishes to a page feed through the graph API.
type FacebookAdapter struct {
	client  *restClient
	baseURL string
	pageID  string
}

// NewFacebookAdapter wires a graph API client for one page.
func NewFacebookAdapter(baseURL string, pageID string, httpClient *http.Client) *FacebookAdapter {
	return &FacebookAdapter{
		client:  newRESTClient(httpClient, defaultRequestsPerSec, defaultCallTimeout),
		baseURL: baseURL,
		pageID:  pageID,
	}
}

// Platform returns the platform this adapter serves.
func (adapter *FacebookAdapter) Platform() credential.Platform {
	return credential.PlatformFacebook
}

// Publish posts the content to the page feed.
func (adapter *FacebookAdapter) Publish(ctx context.Context, cred credential.Credential, content Content) Result {
	form := url.Values{"message": {content.Text}}
	if content.MediaURL != "" {
		form.Set("link", content.MediaURL)
	}
	endpoint := fmt.Sprintf("%s/%s/feed", adapter.baseURL, adapter.pageID)
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

// SupportsLookup reports that the feed can be listed for reconciliation.
func (adapter *FacebookAdapter) SupportsLookup() bool {
	return true
}

// Lookup scans the recent page feed for a post with matching text.
func (adapter *FacebookAdapter) Lookup(ctx context.Context, cred credential.Credential, content Content, sinceUnixUTC int64) (string, bool, error) {
	endpoint := fmt.Sprintf("%s/%s/feed?fields=id,message,created_time&since=%d", adapter.baseURL, adapter.pageID, sinceUnixUTC)
	response, err := adapter.client.getJSON(ctx, endpoint, cred.AccessToken)
	if err != nil {
		return "", false, err
	}
	if response.status != http.StatusOK {
		return "", false, fmt.Errorf("feed lookup status %d", response.status)
	}
	var parsed struct {
		Data []struct {
			ID      string `json:"id"`
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(response.body, &parsed); err != nil {
		return "", false, err
	}
	for _, post := range parsed.Data {
		if post.Message == content.Text {
			return post.ID, true, nil
		}
	}
	return "", false, nil
}
